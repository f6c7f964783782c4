// Package supervise implements the single-job supervisor: run one
// Computation to completion while racing its exit against a timeout, a
// platform interrupt (SIGINT), and a polled STOP-file sentinel.
package supervise

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ianremillard/bbm/internal/bbmerr"
	"github.com/ianremillard/bbm/internal/bbmlog"
	"github.com/ianremillard/bbm/internal/job"
)

// DefaultTimeout is the supervisor's default deadline, per spec.md §5.
const DefaultTimeout = 48 * time.Hour

// stopPollInterval is how often the STOP-file sentinel is checked while
// the supervisor's select loop is otherwise idle. STOP-file cancellation
// is deliberately polling, not event-driven.
const stopPollInterval = 250 * time.Millisecond

// Options configures one supervised run.
type Options struct {
	// Timeout is the deadline after which the supervisor terminates the
	// child and returns ErrTimeout. Nil means "not specified": substitute
	// DefaultTimeout. An explicit zero is not "not specified" — per
	// spec.md §8, a timeout of 0 fires immediately, terminating the child
	// before it ever gets to run to completion.
	Timeout *time.Duration
	// Dir is the directory the STOP sentinel is read from and removed
	// from at construction. Empty means the process's cwd.
	Dir string
}

// Result reports how a supervised run ended.
type Result struct {
	// ChildExitCode is the supervised program's own exit status, reported
	// separately from the supervisor's outcome; -1 if the child never ran
	// to completion (timeout or interruption).
	ChildExitCode int
	// Interrupted is true if the run ended via timeout, SIGINT, or a
	// STOP file rather than the child exiting on its own.
	Interrupted bool
	// Cause is set when Interrupted is true: bbmerr.ErrTimeout or
	// bbmerr.ErrInterrupted.
	Cause error
}

// Run removes any pre-existing STOP sentinel in opts.Dir, starts the
// already materialized c (if not already started), and races the child's exit
// against opts.Timeout, SIGINT, and the STOP file's (re)appearance.
// Whichever fires first wins; on timeout or interruption the child's
// session is terminated before Run returns.
func Run(c *job.Computation, opts Options) (Result, error) {
	timeout := DefaultTimeout
	if opts.Timeout != nil {
		timeout = *opts.Timeout
	}
	stopPath := filepath.Join(opts.Dir, "STOP")
	os.Remove(stopPath)

	if err := c.Start(); err != nil && !errors.Is(err, bbmerr.ErrAlreadyStarted) {
		return Result{ChildExitCode: -1}, fmt.Errorf("supervise: start: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, unix.SIGINT)
	defer signal.Stop(sigCh)

	childDone := make(chan error, 1)
	go func() { childDone <- c.Wait() }()

	ticker := time.NewTicker(stopPollInterval)
	defer ticker.Stop()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case err := <-childDone:
			code := 0
			if ps := c.ProcessState(); ps != nil {
				code = ps.ExitCode()
			}
			if err != nil {
				bbmlog.Warn("supervise: child wait: %v", err)
			}
			return Result{ChildExitCode: code}, nil

		case <-timer.C:
			h, started := c.Handler()
			if started {
				h.Terminate()
			}
			return Result{ChildExitCode: -1, Interrupted: true, Cause: bbmerr.ErrTimeout}, bbmerr.ErrTimeout

		case <-sigCh:
			h, started := c.Handler()
			if started {
				h.Terminate()
			}
			return Result{ChildExitCode: -1, Interrupted: true, Cause: bbmerr.ErrInterrupted}, bbmerr.ErrInterrupted

		case <-ticker.C:
			if err := CheckStop(opts.Dir); err != nil {
				h, started := c.Handler()
				if started {
					h.Terminate()
				}
				return Result{ChildExitCode: -1, Interrupted: true, Cause: err}, err
			}
		}
	}
}

// CheckStop is the polled user-interruption test: it fails if a file named
// STOP is present in dir (the process cwd when dir is ""), and callers
// translate that failure into a termination. It is consulted at well-known
// safe points, never asynchronously.
func CheckStop(dir string) error {
	path := filepath.Join(dir, "STOP")
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("supervise: %w: STOP file found at %s", bbmerr.ErrInterrupted, path)
	}
	return nil
}

// ExitCode translates a Run outcome into the supervisor process's own exit
// status: 0 for a completed child, 1 for timeout or interruption. The
// child's own exit status (Result.ChildExitCode) is reported separately
// and never merged into this value.
func ExitCode(res Result) int {
	if res.Interrupted {
		return 1
	}
	return 0
}
