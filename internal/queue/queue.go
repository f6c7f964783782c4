// Package queue implements the Job Queue: a process-local, concurrency-safe
// registry of Computations keyed by monotonically increasing JobIDs.
package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ianremillard/bbm/internal/bbmerr"
	"github.com/ianremillard/bbm/internal/job"
)

// JobID is a stable, monotonically assigned opaque identifier for a
// Computation within one Queue's lifetime.
type JobID int64

// Queue is a mutex-guarded registry of job.Computation values keyed by
// JobID. All operations take the lock for the minimum span needed; per
// spec.md's concurrency model, file operations against a job's working
// directory are a documented exception and hold the lock across the I/O so
// a deleted job's directory is never observed afterward.
type Queue struct {
	mu      sync.Mutex
	next    JobID
	jobs    map[JobID]*job.Computation
	baseDir string
}

// New returns an empty Queue whose Computations are materialized under
// baseDir (the process cwd when baseDir is "").
func New(baseDir string) *Queue {
	return &Queue{
		next:    1,
		jobs:    make(map[JobID]*job.Computation),
		baseDir: baseDir,
	}
}

// InsertJob materializes j and assigns it a new, strictly increasing
// JobID. The counter advances even across deletions: ids are never
// reused within a Queue's lifetime.
func (q *Queue) InsertJob(j job.Job) (JobID, error) {
	c, err := job.Materialize(q.baseDir, j)
	if err != nil {
		return 0, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	id := q.next
	q.next++
	q.jobs[id] = c
	return id, nil
}

// UpdateJob replaces the Computation at id with a freshly materialized one
// built from j, but only while the existing Computation has not yet been
// started. A running or completed Computation cannot be replaced.
func (q *Queue) UpdateJob(id JobID, j job.Job) error {
	q.mu.Lock()
	existing, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("queue: update %d: %w", id, bbmerr.ErrNotFound)
	}
	q.mu.Unlock()

	if _, started := existing.Handler(); started {
		return fmt.Errorf("queue: update %d: %w", id, bbmerr.ErrAlreadyStarted)
	}

	replacement, err := job.Materialize(q.baseDir, j)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	current, ok := q.jobs[id]
	if !ok {
		replacement.Close()
		return fmt.Errorf("queue: update %d: %w", id, bbmerr.ErrNotFound)
	}
	if _, started := current.Handler(); started {
		replacement.Close()
		return fmt.Errorf("queue: update %d: %w", id, bbmerr.ErrAlreadyStarted)
	}
	current.Close()
	q.jobs[id] = replacement
	return nil
}

// DeleteJob removes the Computation at id, terminating its session (if
// running) and removing its working directory via Close. The map entry is
// removed under the lock; Close runs after release, since teardown blocks
// for the SIGCONT/SIGTERM delay and must not stall unrelated operations.
// Removal alone already makes the id NotFound to every other caller.
func (q *Queue) DeleteJob(id JobID) error {
	q.mu.Lock()
	c, ok := q.jobs[id]
	if ok {
		delete(q.jobs, id)
	}
	q.mu.Unlock()

	if !ok {
		return fmt.Errorf("queue: delete %d: %w", id, bbmerr.ErrNotFound)
	}
	return c.Close()
}

// ClearJobs removes every Computation, terminating every running session.
func (q *Queue) ClearJobs() {
	q.mu.Lock()
	jobs := q.jobs
	q.jobs = make(map[JobID]*job.Computation)
	q.mu.Unlock()

	for _, c := range jobs {
		c.Close()
	}
}

// WaitJob starts the Computation at id if it has not been started yet,
// then blocks until it exits, returning its final *os.ProcessState.
// Concurrent WaitJob calls against the same id are safe: only the first
// actually starts the Computation.
func (q *Queue) WaitJob(ctx context.Context, id JobID) (*os.ProcessState, error) {
	q.mu.Lock()
	c, ok := q.jobs[id]
	q.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("queue: wait %d: %w", id, bbmerr.ErrNotFound)
	}

	if _, started := c.Handler(); !started {
		if err := c.Start(); err != nil && !errors.Is(err, bbmerr.ErrAlreadyStarted) {
			return nil, fmt.Errorf("queue: wait %d: %w", id, err)
		}
	}

	done := make(chan error, 1)
	go func() { done <- c.Wait() }()

	select {
	case err := <-done:
		// A nonzero child exit is a status to report, not a wait failure.
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("queue: wait %d: %w", id, err)
		}
		return c.ProcessState(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// AttachJob starts the Computation at id with a pseudo-terminal (if it
// has not been started yet) and returns it so the caller can stream its
// PTY output live via Computation.Attach. It fails if the Computation was
// already started without a PTY.
func (q *Queue) AttachJob(id JobID) (*job.Computation, error) {
	q.mu.Lock()
	c, ok := q.jobs[id]
	q.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("queue: attach %d: %w", id, bbmerr.ErrNotFound)
	}

	if _, started := c.Handler(); !started {
		if err := c.StartPTY(); err != nil {
			return nil, fmt.Errorf("queue: attach %d: %w", id, err)
		}
	}
	if c.PTM() == nil {
		return nil, fmt.Errorf("queue: attach %d: %w", id, bbmerr.ErrNotStarted)
	}
	return c, nil
}

// JobList returns a snapshot of every JobID currently registered, in no
// particular order.
func (q *Queue) JobList() []JobID {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make([]JobID, 0, len(q.jobs))
	for id := range q.jobs {
		ids = append(ids, id)
	}
	return ids
}

// PutJobFile writes data to a file named name inside job id's working
// directory. name must be a bare file name: any path separator, or any
// name resolving outside the working directory, is rejected.
func (q *Queue) PutJobFile(id JobID, name string, data []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	c, ok := q.jobs[id]
	if !ok {
		return fmt.Errorf("queue: put file: job %d: %w", id, bbmerr.ErrNotFound)
	}
	if err := validJobFileName(c.Dir(), name); err != nil {
		return err
	}
	return c.WriteFile(name, data)
}

// GetJobFile reads a file named name from job id's working directory,
// under the same name validation as PutJobFile.
func (q *Queue) GetJobFile(id JobID, name string) ([]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	c, ok := q.jobs[id]
	if !ok {
		return nil, fmt.Errorf("queue: get file: job %d: %w", id, bbmerr.ErrNotFound)
	}
	if err := validJobFileName(c.Dir(), name); err != nil {
		return nil, err
	}
	return c.ReadFile(name)
}

// ListJobFiles lists the regular files in job id's working directory.
func (q *Queue) ListJobFiles(id JobID) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	c, ok := q.jobs[id]
	if !ok {
		return nil, fmt.Errorf("queue: list files: job %d: %w", id, bbmerr.ErrNotFound)
	}
	return c.ListFiles()
}

// validJobFileName rejects any name containing a path separator, or that
// resolves (once cleaned and joined to dir) outside of dir. This is the
// traversal guard required by spec.md's file path policy even though bare
// names are the only legal form.
func validJobFileName(dir, name string) error {
	if name == "" || strings.ContainsRune(name, os.PathSeparator) || strings.Contains(name, "/") {
		return fmt.Errorf("queue: invalid file name %q: %w", name, bbmerr.ErrInvalidName)
	}
	joined := filepath.Join(dir, name)
	cleanDir := filepath.Clean(dir)
	if joined != cleanDir && !strings.HasPrefix(joined, cleanDir+string(os.PathSeparator)) {
		return fmt.Errorf("queue: invalid file name %q: %w", name, bbmerr.ErrInvalidName)
	}
	return nil
}
