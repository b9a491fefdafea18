package download

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/encoding/json"
)

// ResumeState is the durable per-URL progress record that lets a restarted
// process pick a download back up mid-stream.
type ResumeState struct {
	URL             string `json:"url"`
	Destination     string `json:"destination"`
	BytesDownloaded int64  `json:"bytes_downloaded"`
	ETag            string `json:"etag,omitempty"`
	LastModified    string `json:"last_modified,omitempty"`
	TotalBytes      *int64 `json:"total_bytes,omitempty"`
	UpdatedAtMs     int64  `json:"updated_at_ms"`
}

// Complete reports whether the recorded progress covers the whole payload.
func (rs *ResumeState) Complete() bool {
	return rs.TotalBytes != nil && rs.BytesDownloaded >= *rs.TotalBytes
}

// ResumeStore keeps one JSON record per URL in a state directory. Records
// are written atomically and access is serialized per URL.
type ResumeStore struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewResumeStore(dir string) (*ResumeStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.WithStack(err)
	}
	return &ResumeStore{
		dir:   dir,
		locks: make(map[string]*sync.Mutex),
	}, nil
}

func (s *ResumeStore) lockFor(url string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[url]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[url] = lock
	}
	return lock
}

func (s *ResumeStore) path(url string) string {
	sum := sha256.Sum256([]byte(url))
	return filepath.Join(s.dir, hex.EncodeToString(sum[:16])+".json")
}

// Get returns the record for a URL, or nil when none exists.
func (s *ResumeStore) Get(url string) (*ResumeState, error) {
	lock := s.lockFor(url)
	lock.Lock()
	defer lock.Unlock()

	data, err := os.ReadFile(s.path(url))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}

	state := &ResumeState{}
	if err := json.Unmarshal(data, state); err != nil {
		// A torn record is as good as no record.
		return nil, nil
	}
	return state, nil
}

// Put durably replaces the record for a URL.
func (s *ResumeStore) Put(url string, state *ResumeState) error {
	lock := s.lockFor(url)
	lock.Lock()
	defer lock.Unlock()

	state.URL = url
	state.UpdatedAtMs = time.Now().UnixMilli()

	data, err := json.Marshal(state)
	if err != nil {
		return errors.WithStack(err)
	}

	path := s.path(url)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(os.Rename(tmp, path))
}

// Clear removes the record for a URL.
func (s *ResumeStore) Clear(url string) error {
	lock := s.lockFor(url)
	lock.Lock()
	defer lock.Unlock()

	err := os.Remove(s.path(url))
	if os.IsNotExist(err) {
		return nil
	}
	return errors.WithStack(err)
}

// ListIncomplete returns every record whose progress hasn't reached its
// known total, for requeueing after a restart.
func (s *ResumeStore) ListIncomplete() ([]*ResumeState, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	var incomplete []*ResumeState
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			continue
		}
		state := &ResumeState{}
		if err := json.Unmarshal(data, state); err != nil {
			continue
		}
		if !state.Complete() {
			incomplete = append(incomplete, state)
		}
	}
	return incomplete, nil
}

// CleanupOlderThan removes records idle longer than the given age and
// returns how many were removed.
func (s *ResumeStore) CleanupOlderThan(age time.Duration) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, errors.WithStack(err)
	}

	cutoff := time.Now().Add(-age).UnixMilli()
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		state := &ResumeState{}
		if err := json.Unmarshal(data, state); err != nil || state.UpdatedAtMs < cutoff {
			if os.Remove(path) == nil {
				removed++
			}
		}
	}
	return removed, nil
}
