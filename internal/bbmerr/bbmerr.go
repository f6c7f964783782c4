// Package bbmerr defines the sentinel error values shared across the
// supervisor's packages. Call sites wrap these with fmt.Errorf("...: %w", ...)
// and callers discriminate with errors.Is.
package bbmerr

import "errors"

var (
	// ErrSpawn indicates the child process could not be forked/exec'd or
	// placed into its own session.
	ErrSpawn = errors.New("spawn failed")

	// ErrSessionGone indicates an operation targeted a session whose leader
	// is no longer alive, or whose ProcessRef no longer matches the one
	// captured at spawn time (pid reused).
	ErrSessionGone = errors.New("session gone")

	// ErrSignalFailed indicates the OS refused to deliver a signal.
	ErrSignalFailed = errors.New("signal delivery failed")

	// ErrNotStarted indicates an operation that requires a started session
	// was attempted before Start/Spawn.
	ErrNotStarted = errors.New("session not started")

	// ErrAlreadyStarted indicates an attempt to mutate or replace a
	// Computation that has already been started.
	ErrAlreadyStarted = errors.New("already started")

	// ErrPatternNotFound indicates stdout reached EOF before the requested
	// marker was seen.
	ErrPatternNotFound = errors.New("pattern not found before EOF")

	// ErrEmptyOutput indicates the marker was found but the accumulated
	// output, matching line included, was blank.
	ErrEmptyOutput = errors.New("empty output before marker")

	// ErrBadEncoding indicates a line of child output was not valid UTF-8.
	ErrBadEncoding = errors.New("invalid UTF-8 in output")

	// ErrNotFound indicates an unknown JobID.
	ErrNotFound = errors.New("job not found")

	// ErrTimeout indicates the supervisor's deadline elapsed before the
	// child exited.
	ErrTimeout = errors.New("timeout")

	// ErrInterrupted indicates the supervisor was cancelled by SIGINT or a
	// STOP file before the child exited.
	ErrInterrupted = errors.New("interrupted")

	// ErrInvalidName indicates a job file name contains a path separator or
	// resolves outside the job's working directory.
	ErrInvalidName = errors.New("invalid file name")
)
