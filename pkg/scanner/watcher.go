package scanner

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/logger"
)

// Start begins watching the configured roots and returns the event stream.
// Raw notifications are coalesced per path over the debounce window, so a
// rapid write-then-close burst surfaces as one event: FileAdded the first
// time the watcher reports a path, FileModified after that. Calling Start
// again before Stop is an error.
func (s *Scanner) Start() (<-chan Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.watcher != nil {
		return nil, errors.New("scanner is already running")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create watcher")
	}

	// fsnotify watches one directory level, so register every subdirectory.
	for _, root := range s.config.Roots {
		canonical, err := canonicalize(root)
		if err != nil {
			s.log.Warn("skipping unwatchable root", logger.Data{"root": root, "error": err.Error()})
			continue
		}
		if addErr := addRecursive(watcher, canonical, s.config.maxDepth()); addErr != nil {
			watcher.Close()
			return nil, addErr
		}
	}

	s.watcher = watcher
	s.events = make(chan Event, eventChannelSize)
	s.stopping = make(chan struct{})

	s.done.Add(1)
	go s.watchLoop(watcher)

	return s.events, nil
}

// Stop ceases watching and releases the OS handles. The event channel is
// closed once the watch loop drains.
func (s *Scanner) Stop() {
	s.mu.Lock()
	watcher := s.watcher
	stopping := s.stopping
	s.mu.Unlock()

	if watcher == nil {
		return
	}

	close(stopping)
	watcher.Close()
	s.done.Wait()

	s.mu.Lock()
	close(s.events)
	s.watcher = nil
	s.events = nil
	s.stopping = nil
	s.mu.Unlock()
}

func addRecursive(watcher *fsnotify.Watcher, root string, maxDepth int) error {
	return filepath.WalkDir(root, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !entry.IsDir() {
			return nil
		}
		if depth(root, path) > maxDepth {
			return filepath.SkipDir
		}
		return watcher.Add(path)
	})
}

// pendingChange tracks the debounce state for one path.
type pendingChange struct {
	timer *time.Timer
	known bool
}

func (s *Scanner) watchLoop(watcher *fsnotify.Watcher) {
	defer s.done.Done()

	var mu sync.Mutex
	pending := make(map[string]*pendingChange)
	// Paths the watcher has already reported as added; later raw events for
	// them become FileModified.
	known := make(map[string]struct{})
	debounce := s.config.debounce()

	flush := func(path string) {
		mu.Lock()
		change, ok := pending[path]
		if ok {
			delete(pending, path)
		}
		mu.Unlock()
		if !ok {
			return
		}

		// The debounce has passed; a stat decides what actually happened.
		info, err := os.Stat(path)
		switch {
		case err != nil:
			if change.known {
				mu.Lock()
				delete(known, path)
				mu.Unlock()
				s.emit(Event{Type: EventFileRemoved, Path: path})
			}
		case info.IsDir():
			// A new directory extends the watch.
			if addErr := watcher.Add(path); addErr != nil {
				s.emit(Event{Type: EventScanError, Reason: addErr.Error()})
			}
		case s.accept(path, info.Size()):
			mu.Lock()
			_, wasKnown := known[path]
			known[path] = struct{}{}
			mu.Unlock()
			if wasKnown {
				s.emit(Event{Type: EventFileModified, Path: path})
			} else {
				s.emit(Event{Type: EventFileAdded, Path: path})
			}
		}
	}

	for {
		select {
		case <-s.stopping:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			path := event.Name
			if !s.config.acceptsExtension(path) {
				// Directories have no extension; creation still needs a
				// flush so the watch extends into them.
				if info, err := os.Stat(path); err != nil || !info.IsDir() {
					continue
				}
			}

			mu.Lock()
			change, exists := pending[path]
			if exists {
				change.timer.Reset(debounce)
			} else {
				_, wasKnown := known[path]
				change = &pendingChange{known: wasKnown}
				capturedPath := path
				change.timer = time.AfterFunc(debounce, func() { flush(capturedPath) })
				pending[path] = change
			}
			mu.Unlock()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.emit(Event{Type: EventScanError, Reason: err.Error()})
		}
	}
}
