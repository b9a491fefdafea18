// Package scanner enumerates library roots for audio files and watches them
// for changes. One-shot scans and the change watcher share the same
// acceptance rules: extension in the configured set, size over the minimum,
// canonical path not seen before.
package scanner

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/DrTomLLC/StoryStream/pkg/errcodes"
	"github.com/DrTomLLC/StoryStream/pkg/mediafile"
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/logger"
)

const (
	defaultMaxDepth   = 10
	defaultDebounce   = 500 * time.Millisecond
	eventChannelSize  = 100
	yieldEveryEntries = 100
)

// Config controls enumeration and watching.
type Config struct {
	// Roots are the directories (or single files) to scan and watch.
	Roots []string
	// MaxDepth caps directory recursion. Zero means the default of 10.
	MaxDepth int
	// MinFileSize rejects files smaller than this many bytes.
	MinFileSize int64
	// FollowSymlinks resolves and descends symlinks. Off by default;
	// symlinks are then neither followed nor emitted.
	FollowSymlinks bool
	// Extensions is the accepted extension set, lowercased without dots.
	// Empty means every extension the metadata extractor supports.
	Extensions map[string]struct{}
	// Debounce is the per-path window that coalesces raw watch events. Zero
	// means the default of 500ms.
	Debounce time.Duration
}

func (cfg Config) maxDepth() int {
	if cfg.MaxDepth <= 0 {
		return defaultMaxDepth
	}
	return cfg.MaxDepth
}

func (cfg Config) debounce() time.Duration {
	if cfg.Debounce <= 0 {
		return defaultDebounce
	}
	return cfg.Debounce
}

func (cfg Config) acceptsExtension(path string) bool {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	if len(cfg.Extensions) == 0 {
		return mediafile.IsSupported(path)
	}
	_, ok := cfg.Extensions[ext]
	return ok
}

// EventType tags scanner events.
type EventType string

const (
	EventFileAdded     EventType = "file_added"
	EventFileModified  EventType = "file_modified"
	EventFileRemoved   EventType = "file_removed"
	EventScanCompleted EventType = "scan_completed"
	EventScanError     EventType = "scan_error"
)

// Event is one scanner observation. Path is set for the file events, Count
// for ScanCompleted, Reason for ScanError.
type Event struct {
	Type   EventType
	Path   string
	Count  int
	Reason string
}

// Scanner owns the seen-path set and the watch state. Events for a given
// path are ordered; paths are independent.
type Scanner struct {
	config Config
	log    logger.Logger

	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	events   chan Event
	stopping chan struct{}
	done     sync.WaitGroup
}

func New(cfg Config) *Scanner {
	return &Scanner{
		config: cfg,
		log:    logger.New(),
	}
}

// Scan enumerates the configured roots once and returns the canonical paths
// of every accepted file. Per-entry I/O errors are logged and skipped; the
// scan keeps going.
func (s *Scanner) Scan(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	var found []string
	entries := 0

	for _, root := range s.config.Roots {
		canonical, err := canonicalize(root)
		if err != nil {
			s.log.Warn("skipping unreadable root", logger.Data{"root": root, "error": err.Error()})
			continue
		}

		info, err := os.Stat(canonical)
		if err != nil {
			s.log.Warn("skipping unreadable root", logger.Data{"root": root, "error": err.Error()})
			continue
		}

		if !info.IsDir() {
			if s.accept(canonical, info.Size()) {
				if _, dup := seen[canonical]; !dup {
					seen[canonical] = struct{}{}
					found = append(found, canonical)
				}
			}
			continue
		}

		err = s.walkRoot(ctx, canonical, seen, &found, &entries)
		if err != nil {
			return nil, err
		}
	}

	s.emit(Event{Type: EventScanCompleted, Count: len(found)})
	return found, nil
}

func (s *Scanner) walkRoot(ctx context.Context, root string, seen map[string]struct{}, found *[]string, entries *int) error {
	maxDepth := s.config.maxDepth()

	return filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if ctx.Err() != nil {
			return errcodes.Cancelled("scan")
		}
		if err != nil {
			s.log.Warn("scan entry error", logger.Data{"path": path, "error": err.Error()})
			if entry != nil && entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		*entries++
		// Large trees shouldn't monopolize the scheduler.
		if *entries%yieldEveryEntries == 0 {
			runtime.Gosched()
			if ctx.Err() != nil {
				return errcodes.Cancelled("scan")
			}
		}

		if depth(root, path) > maxDepth {
			if entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if entry.Type()&fs.ModeSymlink != 0 {
			if !s.config.FollowSymlinks {
				return nil
			}
			return s.followSymlink(ctx, path, seen, found, entries)
		}

		if entry.IsDir() {
			return nil
		}

		info, err := entry.Info()
		if err != nil {
			s.log.Warn("stat error", logger.Data{"path": path, "error": err.Error()})
			return nil
		}

		canonical, err := canonicalize(path)
		if err != nil {
			s.log.Warn("canonicalize error", logger.Data{"path": path, "error": err.Error()})
			return nil
		}
		if _, dup := seen[canonical]; dup {
			return nil
		}

		if s.accept(canonical, info.Size()) {
			seen[canonical] = struct{}{}
			*found = append(*found, canonical)
		}
		return nil
	})
}

// followSymlink resolves a symlink and, when it lands on a directory, walks
// it as a nested root. The canonical seen-set breaks symlink cycles.
func (s *Scanner) followSymlink(ctx context.Context, path string, seen map[string]struct{}, found *[]string, entries *int) error {
	canonical, err := canonicalize(path)
	if err != nil {
		s.log.Warn("symlink resolve error", logger.Data{"path": path, "error": err.Error()})
		return nil
	}

	info, err := os.Stat(canonical)
	if err != nil {
		s.log.Warn("symlink stat error", logger.Data{"path": path, "error": err.Error()})
		return nil
	}

	if info.IsDir() {
		if _, dup := seen[canonical]; dup {
			return nil
		}
		seen[canonical] = struct{}{}
		return s.walkRoot(ctx, canonical, seen, found, entries)
	}

	if _, dup := seen[canonical]; !dup && s.accept(canonical, info.Size()) {
		seen[canonical] = struct{}{}
		*found = append(*found, canonical)
	}
	return nil
}

func (s *Scanner) accept(path string, size int64) bool {
	return s.config.acceptsExtension(path) && size >= s.config.MinFileSize
}

// emit delivers an event without blocking. Holding the mutex across the
// send keeps a late debounce timer from racing Stop's channel close.
func (s *Scanner) emit(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.events == nil {
		return
	}
	select {
	case s.events <- event:
	default:
		s.log.Warn("dropping scanner event, channel full", logger.Data{"type": string(event.Type)})
	}
}

func canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", errors.WithStack(err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", errors.WithStack(err)
	}
	return resolved, nil
}

func depth(root, path string) int {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." {
		return 0
	}
	return len(strings.Split(rel, string(filepath.Separator)))
}
