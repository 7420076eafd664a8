// Package jobs runs pipeline executions in the background.
//
// A [Manager] accepts recordings, processes at most N of them at a time and
// keeps the outcome of every job for a retention period so clients can poll
// for it. Synchronous callers use [Manager.Wait] on a freshly submitted job.
package jobs

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/dicttr/internal/pipeline"
)

var (
	// ErrNotFound is returned for unknown or expired job IDs.
	ErrNotFound = errors.New("jobs: job not found")

	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("jobs: manager closed")

	// ErrFinished is returned when cancelling a job that already ended.
	ErrFinished = errors.New("jobs: job already finished")
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusDone      Status = "done"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Finished reports whether s is a terminal state.
func (s Status) Finished() bool {
	return s == StatusDone || s == StatusFailed || s == StatusCancelled
}

// Info is a snapshot of one job.
type Info struct {
	ID       string `json:"id"`
	Filename string `json:"filename,omitempty"`
	Status   Status `json:"status"`

	// DocumentID is set once the job is done.
	DocumentID string `json:"document_id,omitempty"`
	Error      string `json:"error,omitempty"`

	SubmittedAt time.Time  `json:"submitted_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// Processor runs the pipeline for one recording.
type Processor interface {
	Process(ctx context.Context, in pipeline.Input) (*pipeline.Result, error)
}

// Option configures a [Manager].
type Option func(*Manager)

// WithRetention sets how long finished jobs stay queryable. Default: 1h.
func WithRetention(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.retention = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

type job struct {
	info   Info
	result *pipeline.Result
	err    error
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager owns background jobs. All exported methods are safe for
// concurrent use.
type Manager struct {
	proc      Processor
	sem       *semaphore.Weighted
	retention time.Duration
	now       func() time.Time

	// ctx is the parent of every job context; Close cancels it.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	jobs   map[string]*job
	closed bool
}

// NewManager creates a Manager that runs at most concurrency jobs at once.
func NewManager(proc Processor, concurrency int, opts ...Option) *Manager {
	if concurrency < 1 {
		concurrency = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		proc:      proc,
		sem:       semaphore.NewWeighted(int64(concurrency)),
		retention: time.Hour,
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		jobs:      make(map[string]*job),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Submit queues in for processing and returns immediately. When in.Audio
// implements [io.Closer] it is closed once the job ends, whatever the
// outcome.
func (m *Manager) Submit(in pipeline.Input) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		closeAudio(in)
		return Info{}, ErrClosed
	}
	m.pruneLocked()

	ctx, cancel := context.WithCancel(m.ctx)
	j := &job{
		info: Info{
			ID:          uuid.NewString(),
			Filename:    in.Filename,
			Status:      StatusQueued,
			SubmittedAt: m.now().UTC(),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.jobs[j.info.ID] = j

	m.wg.Add(1)
	go m.run(ctx, j, in)

	slog.Info("jobs: submitted", "job_id", j.info.ID, "source", in.Filename)
	return j.info, nil
}

func (m *Manager) run(ctx context.Context, j *job, in pipeline.Input) {
	defer m.wg.Done()
	defer close(j.done)
	defer j.cancel()
	defer closeAudio(in)

	if err := m.sem.Acquire(ctx, 1); err != nil {
		m.finish(j, nil, err)
		return
	}
	defer m.sem.Release(1)

	m.mu.Lock()
	started := m.now().UTC()
	j.info.Status = StatusRunning
	j.info.StartedAt = &started
	m.mu.Unlock()

	res, err := m.proc.Process(ctx, in)
	m.finish(j, res, err)
}

func (m *Manager) finish(j *job, res *pipeline.Result, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	finished := m.now().UTC()
	j.info.FinishedAt = &finished
	j.err = err
	switch {
	case err == nil:
		j.info.Status = StatusDone
		j.result = res
		if res != nil && res.Document != nil {
			j.info.DocumentID = res.Document.ID
		}
		slog.Info("jobs: done", "job_id", j.info.ID, "doc_id", j.info.DocumentID)
	case errors.Is(err, context.Canceled):
		j.info.Status = StatusCancelled
		j.info.Error = err.Error()
		slog.Info("jobs: cancelled", "job_id", j.info.ID)
	default:
		j.info.Status = StatusFailed
		j.info.Error = err.Error()
		slog.Warn("jobs: failed", "job_id", j.info.ID, "err", err)
	}
}

// Get returns a snapshot of the job with the given ID.
func (m *Manager) Get(id string) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return Info{}, ErrNotFound
	}
	return j.info, nil
}

// List returns every known job, newest first.
func (m *Manager) List() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked()

	out := make([]Info, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j.info)
	}
	slices.SortFunc(out, func(a, b Info) int {
		if c := b.SubmittedAt.Compare(a.SubmittedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// Wait blocks until the job ends or ctx is done and returns its result.
// A job that did not succeed yields its error.
func (m *Manager) Wait(ctx context.Context, id string) (*pipeline.Result, error) {
	m.mu.Lock()
	j, ok := m.jobs[id]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}

	select {
	case <-j.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if j.err != nil {
		return nil, fmt.Errorf("jobs: job %s %s: %w", id, j.info.Status, j.err)
	}
	return j.result, nil
}

// Cancel stops a queued or running job.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.info.Status.Finished() {
		return ErrFinished
	}
	j.cancel()
	return nil
}

// Active returns the number of queued and running jobs.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.jobs {
		if !j.info.Status.Finished() {
			n++
		}
	}
	return n
}

// Close rejects new jobs, cancels the pending ones and waits for all of them
// to return or for ctx to expire.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pruneLocked drops finished jobs older than the retention period.
func (m *Manager) pruneLocked() {
	cutoff := m.now().Add(-m.retention)
	for id, j := range m.jobs {
		if j.info.FinishedAt != nil && j.info.FinishedAt.Before(cutoff) {
			delete(m.jobs, id)
		}
	}
}

func closeAudio(in pipeline.Input) {
	if c, ok := in.Audio.(io.Closer); ok {
		if err := c.Close(); err != nil {
			slog.Warn("jobs: close audio", "source", in.Filename, "err", err)
		}
	}
}
