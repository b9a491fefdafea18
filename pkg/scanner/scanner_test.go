package scanner

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path string, size int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
}

func extSet(exts ...string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, ext := range exts {
		set[ext] = struct{}{}
	}
	return set
}

func TestScan_MixedTree(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.mp3"), 2048)
	writeFile(t, filepath.Join(root, "b.mp3"), 100)
	writeFile(t, filepath.Join(root, "c.txt"), 2048)
	writeFile(t, filepath.Join(root, "sub", "d.FLAC"), 2048)

	s := New(Config{
		Roots:       []string{root},
		MinFileSize: 1024,
		Extensions:  extSet("mp3", "flac"),
	})

	found, err := s.Scan(context.Background())
	require.NoError(t, err)

	canonicalRoot, err := filepath.EvalSymlinks(root)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{
		filepath.Join(canonicalRoot, "a.mp3"),
		filepath.Join(canonicalRoot, "sub", "d.FLAC"),
	}, found)
}

func TestScan_OverlappingRootsDeduplicate(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.mp3"), 2048)

	s := New(Config{
		Roots:       []string{root, root},
		MinFileSize: 1,
		Extensions:  extSet("mp3"),
	})

	found, err := s.Scan(context.Background())
	require.NoError(t, err)
	assert.Len(t, found, 1)
}

func TestScan_SymlinksIgnoredByDefault(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	target := t.TempDir()
	writeFile(t, filepath.Join(target, "linked.mp3"), 2048)
	require.NoError(t, os.Symlink(filepath.Join(target, "linked.mp3"), filepath.Join(root, "linked.mp3")))
	writeFile(t, filepath.Join(root, "direct.mp3"), 2048)

	s := New(Config{
		Roots:       []string{root},
		MinFileSize: 1,
		Extensions:  extSet("mp3"),
	})

	found, err := s.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Contains(t, found[0], "direct.mp3")
}

func TestScan_FollowSymlinks(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	target := t.TempDir()
	writeFile(t, filepath.Join(target, "linked.mp3"), 2048)
	require.NoError(t, os.Symlink(target, filepath.Join(root, "elsewhere")))

	s := New(Config{
		Roots:          []string{root},
		MinFileSize:    1,
		FollowSymlinks: true,
		Extensions:     extSet("mp3"),
	})

	found, err := s.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Contains(t, found[0], "linked.mp3")
}

func TestScan_MaxDepth(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFile(t, filepath.Join(root, "shallow.mp3"), 2048)
	writeFile(t, filepath.Join(root, "one", "two", "three", "deep.mp3"), 2048)

	s := New(Config{
		Roots:       []string{root},
		MaxDepth:    2,
		MinFileSize: 1,
		Extensions:  extSet("mp3"),
	})

	found, err := s.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Contains(t, found[0], "shallow.mp3")
}

func TestScan_Cancelled(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.mp3"), 2048)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := New(Config{
		Roots:       []string{root},
		MinFileSize: 1,
		Extensions:  extSet("mp3"),
	})

	_, err := s.Scan(ctx)
	require.Error(t, err)
}

func TestStart_SecondStartFails(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	s := New(Config{
		Roots:      []string{root},
		Extensions: extSet("mp3"),
	})

	_, err := s.Start()
	require.NoError(t, err)
	defer s.Stop()

	_, err = s.Start()
	require.Error(t, err)
}

func TestWatch_FileAddedThenRemoved(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	s := New(Config{
		Roots:       []string{root},
		MinFileSize: 1,
		Extensions:  extSet("mp3"),
		Debounce:    50 * time.Millisecond,
	})

	events, err := s.Start()
	require.NoError(t, err)
	defer s.Stop()

	path := filepath.Join(root, "episode.mp3")
	writeFile(t, path, 2048)

	added := waitForEvent(t, events, EventFileAdded, 5*time.Second)
	canonical, err := filepath.EvalSymlinks(path)
	require.NoError(t, err)
	assert.Equal(t, canonical, mustCanonical(t, added.Path))

	require.NoError(t, os.Remove(path))
	waitForEvent(t, events, EventFileRemoved, 5*time.Second)
}

func TestWatch_RapidWritesCoalesce(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	s := New(Config{
		Roots:       []string{root},
		MinFileSize: 1,
		Extensions:  extSet("mp3"),
		Debounce:    100 * time.Millisecond,
	})

	events, err := s.Start()
	require.NoError(t, err)
	defer s.Stop()

	path := filepath.Join(root, "burst.mp3")
	for i := 0; i < 5; i++ {
		writeFile(t, path, 1024+i)
		time.Sleep(10 * time.Millisecond)
	}

	waitForEvent(t, events, EventFileAdded, 5*time.Second)

	// The burst must collapse into the one event; nothing else should
	// arrive for this path.
	select {
	case event := <-events:
		if event.Type == EventFileAdded || event.Type == EventFileModified {
			t.Fatalf("unexpected extra event %v for %s", event.Type, event.Path)
		}
	case <-time.After(500 * time.Millisecond):
	}
}

func waitForEvent(t *testing.T, events <-chan Event, typ EventType, timeout time.Duration) Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case event := <-events:
			if event.Type == typ {
				return event
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %v", typ)
		}
	}
}

func mustCanonical(t *testing.T, path string) string {
	t.Helper()
	canonical, err := filepath.EvalSymlinks(path)
	require.NoError(t, err)
	return canonical
}
