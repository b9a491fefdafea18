// Package download schedules and executes byte-range HTTP downloads under a
// global bandwidth cap. Tasks queue by priority, resume across restarts via
// the resume store, and retry transient failures with exponential backoff.
package download

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/DrTomLLC/StoryStream/pkg/errcodes"
	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/logger"
	"golang.org/x/time/rate"
)

const (
	chunkSize        = 32 * 1024
	flushEvery       = 64 * 1024
	progressInterval = 100 * time.Millisecond
	maxRestarts      = 2
)

var (
	errPaused    = errors.New("download paused")
	errCancelled = errors.New("download cancelled")
)

// Config tunes the manager. Zero values fall back to sensible defaults.
type Config struct {
	MaxConcurrent    int
	BandwidthLimit   int64 // bytes per second across all tasks, 0 = unlimited
	RetryMaxAttempts int
	ConnectTimeout   time.Duration
	HeaderTimeout    time.Duration
	ChunkTimeout     time.Duration
}

func (cfg *Config) setDefaults() {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 3
	}
	if cfg.RetryMaxAttempts <= 0 {
		cfg.RetryMaxAttempts = 5
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.HeaderTimeout <= 0 {
		cfg.HeaderTimeout = 15 * time.Second
	}
	if cfg.ChunkTimeout <= 0 {
		cfg.ChunkTimeout = 30 * time.Second
	}
}

// taskState is the manager's view of one submitted task. The manager's
// mutex guards every field but task and seq, which are immutable after
// Submit.
type taskState struct {
	task     Task
	seq      int64
	state    State
	bytes    int64
	total    *int64
	err      error
	restarts int
	cancel   context.CancelCauseFunc
	done     chan struct{}
}

// Manager runs the download queue. The queue mutex is held only across
// queue mutations; transfers run outside it.
type Manager struct {
	config  Config
	store   *ResumeStore
	client  *http.Client
	limiter *rate.Limiter
	log     logger.Logger

	mu      sync.Mutex
	nextSeq int64
	queue   []*taskState
	tasks   map[string]*taskState
	running int
	wake    chan struct{}
}

func NewManager(cfg Config, store *ResumeStore) *Manager {
	cfg.setDefaults()

	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: cfg.ConnectTimeout}).DialContext,
		ResponseHeaderTimeout: cfg.HeaderTimeout,
		// Transparent decompression would make byte offsets ambiguous on
		// resume.
		DisableCompression: true,
	}

	var limiter *rate.Limiter
	if cfg.BandwidthLimit > 0 {
		burst := int(cfg.BandwidthLimit)
		if burst < chunkSize {
			burst = chunkSize
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.BandwidthLimit), burst)
	}

	return &Manager{
		config:  cfg,
		store:   store,
		client:  &http.Client{Transport: transport},
		limiter: limiter,
		log:     logger.New(),
		tasks:   make(map[string]*taskState),
		wake:    make(chan struct{}, 1),
	}
}

// Submit enqueues a task and returns its id. The queue is ordered by
// priority first, submission order second.
func (m *Manager) Submit(task Task) (string, error) {
	if task.URL == "" {
		return "", errcodes.Permanent("task has no URL")
	}
	if task.Destination == "" {
		return "", errcodes.Permanent("task has no destination")
	}
	if task.ID == "" {
		id, err := uuid.NewRandom()
		if err != nil {
			return "", errors.WithStack(err)
		}
		task.ID = id.String()
	}

	m.mu.Lock()
	if _, exists := m.tasks[task.ID]; exists {
		m.mu.Unlock()
		return "", errcodes.AlreadyExists("Download task")
	}
	m.nextSeq++
	st := &taskState{
		task:  task,
		seq:   m.nextSeq,
		state: StateQueued,
		done:  make(chan struct{}),
	}
	m.tasks[task.ID] = st
	m.enqueueLocked(st)
	m.mu.Unlock()

	m.signal()
	return task.ID, nil
}

// enqueueLocked inserts before the first lower-priority entry, keeping
// submission order within a priority band.
func (m *Manager) enqueueLocked(st *taskState) {
	pos := len(m.queue)
	for i, queued := range m.queue {
		if queued.task.Priority < st.task.Priority {
			pos = i
			break
		}
	}
	m.queue = append(m.queue, nil)
	copy(m.queue[pos+1:], m.queue[pos:])
	m.queue[pos] = st
}

func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Start drains the queue until the context is cancelled. It blocks; run it
// on its own goroutine.
func (m *Manager) Start(ctx context.Context) {
	for {
		m.dispatch(ctx)
		select {
		case <-ctx.Done():
			return
		case <-m.wake:
		}
	}
}

func (m *Manager) dispatch(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for m.running < m.config.MaxConcurrent && len(m.queue) > 0 {
		st := m.queue[0]
		m.queue = m.queue[1:]
		if st.state != StateQueued {
			continue
		}
		st.state = StateRunning
		m.running++

		taskCtx, cancel := context.WithCancelCause(ctx)
		st.cancel = cancel
		go m.run(taskCtx, st)
	}
}

// Status returns a snapshot of a task.
func (m *Manager) Status(id string) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.tasks[id]
	if !ok {
		return Status{}, errcodes.NotFound("Download task")
	}
	status := Status{
		State:           st.state,
		BytesDownloaded: st.bytes,
		TotalBytes:      st.total,
	}
	if st.err != nil {
		status.Error = st.err.Error()
	}
	return status, nil
}

// Wait returns a channel closed when the task reaches a terminal state.
func (m *Manager) Wait(id string) (<-chan struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.tasks[id]
	if !ok {
		return nil, errcodes.NotFound("Download task")
	}
	return st.done, nil
}

// Pause stops a running task at its next chunk boundary, keeping the
// partial file and resume record.
func (m *Manager) Pause(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.tasks[id]
	if !ok {
		return errcodes.NotFound("Download task")
	}
	switch st.state {
	case StateRunning:
		st.cancel(errPaused)
		return nil
	case StateQueued:
		st.state = StatePaused
		m.removeFromQueueLocked(st)
		return nil
	default:
		return errcodes.Permanent("task is not pausable in state " + string(st.state))
	}
}

// Resume re-queues a paused task at its original priority and submission
// order.
func (m *Manager) Resume(id string) error {
	m.mu.Lock()
	st, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return errcodes.NotFound("Download task")
	}
	if st.state != StatePaused {
		m.mu.Unlock()
		return errcodes.Permanent("task is not paused")
	}
	st.state = StateQueued
	m.enqueueLocked(st)
	m.mu.Unlock()

	m.signal()
	return nil
}

// Cancel stops a task and removes its partial file and resume record.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	st, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return errcodes.NotFound("Download task")
	}

	switch st.state {
	case StateComplete, StateFailed, StateCancelled:
		m.mu.Unlock()
		return nil
	case StateRunning:
		st.cancel(errCancelled)
	case StateQueued:
		m.removeFromQueueLocked(st)
	}
	st.state = StateCancelled
	close(st.done)
	m.mu.Unlock()

	m.cleanupTask(st)
	return nil
}

func (m *Manager) removeFromQueueLocked(st *taskState) {
	for i, queued := range m.queue {
		if queued == st {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			return
		}
	}
}

func (m *Manager) cleanupTask(st *taskState) {
	if err := os.Remove(st.task.Destination); err != nil && !os.IsNotExist(err) {
		m.log.Warn("failed to remove partial file", logger.Data{"path": st.task.Destination, "error": err.Error()})
	}
	if err := m.store.Clear(st.task.URL); err != nil {
		m.log.Warn("failed to clear resume record", logger.Data{"url": st.task.URL, "error": err.Error()})
	}
}

// run drives one task through its retry loop.
func (m *Manager) run(ctx context.Context, st *taskState) {
	defer func() {
		m.mu.Lock()
		m.running--
		m.mu.Unlock()
		m.signal()
	}()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 30 * time.Second

	attempts := 0
	for {
		err := m.execute(ctx, st)

		switch cause := context.Cause(ctx); {
		case err == nil:
			m.finish(st, StateComplete, nil)
			m.log.Info("download complete", logger.Data{
				"task_id": st.task.ID,
				"url":     st.task.URL,
				"size":    humanize.Bytes(uint64(st.bytes)),
			})
			return
		case errors.Is(cause, errPaused):
			m.mu.Lock()
			st.state = StatePaused
			m.mu.Unlock()
			return
		case errors.Is(cause, errCancelled):
			// Cancel already settled the task.
			return
		case ctx.Err() != nil:
			// Manager shutdown; leave the partial and record for next boot.
			m.mu.Lock()
			st.state = StatePaused
			m.mu.Unlock()
			return
		}

		if errcodes.HasKind(err, errcodes.KindPermanent) {
			m.finish(st, StateFailed, err)
			return
		}

		attempts++
		if attempts >= m.config.RetryMaxAttempts {
			m.finish(st, StateFailed, errcodes.Permanent("retry budget exhausted: "+err.Error()))
			return
		}

		delay := policy.NextBackOff()
		if ra, ok := retryAfterOf(err); ok {
			delay = ra
		}
		m.log.Warn("download attempt failed, retrying", logger.Data{
			"task_id": st.task.ID,
			"attempt": attempts,
			"delay":   delay.String(),
			"error":   err.Error(),
		})

		select {
		case <-ctx.Done():
		case <-time.After(delay):
		}
	}
}

func (m *Manager) finish(st *taskState, state State, err error) {
	m.mu.Lock()
	if st.state == StateCancelled {
		m.mu.Unlock()
		return
	}
	st.state = state
	st.err = err
	close(st.done)
	bytes, total := st.bytes, st.total
	m.mu.Unlock()

	if state == StateComplete && st.task.Progress != nil {
		st.task.Progress(bytes, total)
	}
}

// retryAfterError carries a server-mandated delay from a 429.
type retryAfterError struct {
	after time.Duration
}

func (e *retryAfterError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.after)
}

func retryAfterOf(err error) (time.Duration, bool) {
	var ra *retryAfterError
	if errors.As(err, &ra) {
		return ra.after, true
	}
	return 0, false
}

// execute performs a single transfer attempt.
func (m *Manager) execute(ctx context.Context, st *taskState) error {
	task := st.task

	offset, etag, lastModified := m.resumePoint(task)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, task.URL, nil)
	if err != nil {
		return errcodes.Permanent("invalid URL: " + err.Error())
	}
	req.Header.Set("Accept-Encoding", "identity")
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
		if etag != "" {
			req.Header.Set("If-Match", etag)
		} else if lastModified != "" {
			req.Header.Set("If-Unmodified-Since", lastModified)
		}
	}

	resp, err := m.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errcodes.Transient(err.Error())
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusPreconditionFailed:
		// The remote changed while we were away; the partial is worthless.
		return m.restart(st)
	case resp.StatusCode == http.StatusOK:
		if offset > 0 {
			// Server ignored the range; start over from zero.
			offset = 0
		}
	case resp.StatusCode == http.StatusPartialContent:
		// Appending at offset.
	case resp.StatusCode == http.StatusTooManyRequests:
		if after := parseRetryAfter(resp.Header.Get("Retry-After")); after > 0 {
			return &retryAfterError{after: after}
		}
		return errcodes.Transient("HTTP 429")
	case resp.StatusCode == http.StatusRequestTimeout:
		return errcodes.Transient("HTTP 408")
	case resp.StatusCode >= 500:
		return errcodes.Transient(fmt.Sprintf("HTTP %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		return errcodes.Permanent(fmt.Sprintf("HTTP %d", resp.StatusCode))
	default:
		return errcodes.Transient(fmt.Sprintf("unexpected HTTP %d", resp.StatusCode))
	}

	var total *int64
	if resp.ContentLength >= 0 {
		sum := offset + resp.ContentLength
		total = &sum
	}

	m.mu.Lock()
	st.bytes = offset
	st.total = total
	m.mu.Unlock()

	newETag := resp.Header.Get("ETag")
	newLastModified := resp.Header.Get("Last-Modified")

	return m.streamBody(ctx, st, resp.Body, offset, total, newETag, newLastModified)
}

// resumePoint returns the byte offset and validators to resume from, or
// zero when the partial file and record disagree.
func (m *Manager) resumePoint(task Task) (int64, string, string) {
	rs, err := m.store.Get(task.URL)
	if err != nil || rs == nil || rs.Destination != task.Destination {
		return 0, "", ""
	}
	info, err := os.Stat(task.Destination)
	if err != nil || info.Size() != rs.BytesDownloaded || rs.BytesDownloaded == 0 {
		return 0, "", ""
	}
	return rs.BytesDownloaded, rs.ETag, rs.LastModified
}

// restart discards the partial and record after a validator mismatch. Two
// restarts are tolerated; after that the failure is permanent.
func (m *Manager) restart(st *taskState) error {
	m.mu.Lock()
	st.restarts++
	restarts := st.restarts
	m.mu.Unlock()

	m.cleanupTask(st)
	if restarts > maxRestarts {
		return errcodes.Permanent("remote content keeps changing mid-download")
	}
	return errcodes.Transient("validator mismatch, restarting from zero")
}

func (m *Manager) streamBody(ctx context.Context, st *taskState, body io.Reader, offset int64, total *int64, etag, lastModified string) error {
	task := st.task

	if err := os.MkdirAll(filepath.Dir(task.Destination), 0o755); err != nil {
		return errcodes.Permanent("cannot create destination directory: " + err.Error())
	}

	flags := os.O_WRONLY | os.O_CREATE
	if offset > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(task.Destination, flags, 0o644)
	if err != nil {
		return errcodes.Permanent("cannot open destination: " + err.Error())
	}
	defer f.Close()

	// The watchdog aborts a read that stalls past the chunk timeout.
	watchCtx, watchCancel := context.WithCancelCause(ctx)
	defer watchCancel(nil)
	watchdog := time.AfterFunc(m.config.ChunkTimeout, func() {
		watchCancel(errcodes.Transient("chunk read timed out"))
	})
	defer watchdog.Stop()

	written := offset
	lastFlush := offset
	var lastProgress time.Time
	buf := make([]byte, chunkSize)

	persist := func() {
		// A cancelled task must not resurrect the record Cancel removed.
		if errors.Is(context.Cause(ctx), errCancelled) {
			return
		}
		state := &ResumeState{
			Destination:     task.Destination,
			BytesDownloaded: written,
			ETag:            etag,
			LastModified:    lastModified,
			TotalBytes:      total,
		}
		if err := m.store.Put(task.URL, state); err != nil {
			m.log.Warn("failed to persist resume state", logger.Data{"url": task.URL, "error": err.Error()})
		}
	}

	for {
		if err := watchCtx.Err(); err != nil {
			persist()
			if cause := context.Cause(watchCtx); cause != nil && cause != context.Canceled {
				return cause
			}
			return err
		}

		n, readErr := body.Read(buf)
		if n > 0 {
			// The bucket is global, so every task's reads drain the same
			// tokens.
			if m.limiter != nil {
				if err := m.limiter.WaitN(watchCtx, n); err != nil {
					persist()
					return err
				}
			}

			if _, writeErr := f.Write(buf[:n]); writeErr != nil {
				persist()
				return errcodes.Permanent("write failed: " + writeErr.Error())
			}
			written += int64(n)
			watchdog.Reset(m.config.ChunkTimeout)

			m.mu.Lock()
			st.bytes = written
			m.mu.Unlock()

			if written-lastFlush >= flushEvery {
				persist()
				lastFlush = written
			}
			if task.Progress != nil && time.Since(lastProgress) >= progressInterval {
				task.Progress(written, total)
				lastProgress = time.Now()
			}
		}

		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			persist()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errcodes.Transient(readErr.Error())
		}
	}

	if total != nil && written != *total {
		persist()
		return errcodes.Transient(fmt.Sprintf("short body: %d of %d bytes", written, *total))
	}

	if err := f.Sync(); err != nil {
		return errcodes.Permanent("fsync failed: " + err.Error())
	}
	if err := m.store.Clear(task.URL); err != nil {
		m.log.Warn("failed to clear resume record", logger.Data{"url": task.URL, "error": err.Error()})
	}
	return nil
}

func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if when, err := http.ParseTime(value); err == nil {
		if d := time.Until(when); d > 0 {
			return d
		}
	}
	return 0
}
