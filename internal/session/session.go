// Package session implements the Session / Process-Group Controller: it
// spawns a child as the leader of its own POSIX session so that the whole
// process tree the child creates can be paused, resumed, and terminated as
// a unit.
//
// A Session owns the child's process handle exclusively; a Handle is a
// cheap, cloneable capability bearing only the leader's ProcessRef plus the
// {pause, resume, terminate, enumerate, id} operations. A Handle may
// outlive the Session's wait result without causing double-free problems —
// it simply becomes inert once the leader is gone.
package session

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"github.com/ianremillard/bbm/internal/bbmerr"
	"github.com/ianremillard/bbm/internal/bbmlog"
	"github.com/ianremillard/bbm/internal/procref"
)

// State is a Session's lifecycle state.
type State int

const (
	NotStarted State = iota
	Running
	Paused
	Terminated
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "NotStarted"
	case Running:
		return "Running"
	case Paused:
		return "Paused"
	case Terminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// terminateDelay is the pause between SIGCONT and SIGTERM in an explicit
// Terminate() call, giving signal handlers and default dispositions time
// to take effect before the process is asked to exit. A paused process
// receiving SIGTERM directly may deadlock or linger as a zombie.
const terminateDelay = 200 * time.Millisecond

// Session is the owning handle to a spawned session-leader child. The zero
// value is not usable; construct with Spawn or SpawnInteractive.
type Session struct {
	cmd    *exec.Cmd
	leader procref.Ref

	// Stdin/Stdout are set only when the child was spawned with piped
	// stdio via SpawnInteractive; both are nil for a plain Spawn.
	Stdin  io.WriteCloser
	Stdout io.ReadCloser

	mu       sync.Mutex
	state    State
	waitErr  error
	waitOnce sync.Once
	waitDone chan struct{}
}

// Spawn starts cmd as the leader of a new POSIX session (setsid between
// fork and exec) and returns the owning Session. Stdio redirection, Dir,
// and Env must already be configured on cmd by the caller.
func Spawn(cmd *exec.Cmd) (*Session, error) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setsid = true

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("session: %w: %v", bbmerr.ErrSpawn, err)
	}

	ref, err := procref.Current(cmd.Process.Pid)
	if err != nil {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
		return nil, fmt.Errorf("session: %w: reading leader ref: %v", bbmerr.ErrSpawn, err)
	}

	s := &Session{
		cmd:      cmd,
		leader:   ref,
		state:    Running,
		waitDone: make(chan struct{}),
	}
	go s.waitLoop()
	return s, nil
}

// SpawnInteractive starts cmd as a session leader with piped stdin/stdout,
// suitable for internal/interact's line-oriented dialogue. Stderr is left
// for the caller to set (e.g. redirected to a file or discarded).
func SpawnInteractive(cmd *exec.Cmd) (*Session, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("session: %w: stdin pipe: %v", bbmerr.ErrSpawn, err)
	}
	// A plain os.Pipe rather than cmd.StdoutPipe: exec closes its own pipe
	// as soon as waitLoop's Wait sees the child exit, discarding output the
	// caller has not read yet.
	stdout, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("session: %w: stdout pipe: %v", bbmerr.ErrSpawn, err)
	}
	cmd.Stdout = stdoutW

	s, err := Spawn(cmd)
	stdoutW.Close()
	if err != nil {
		stdout.Close()
		return nil, err
	}
	s.Stdin = stdin
	s.Stdout = stdout
	return s, nil
}

// SpawnPTY starts cmd attached to a new pseudo-terminal, for the optional
// PTY-driven interactive mode. pty.Start already arranges Setsid, so the
// returned Session's leader is the session leader exactly as with Spawn.
// The returned *os.File is the PTY master; the caller owns closing it.
func SpawnPTY(cmd *exec.Cmd) (*Session, *os.File, error) {
	ptm, err := pty.Start(cmd)
	if err != nil {
		return nil, nil, fmt.Errorf("session: %w: pty.Start: %v", bbmerr.ErrSpawn, err)
	}

	ref, err := procref.Current(cmd.Process.Pid)
	if err != nil {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
		ptm.Close()
		return nil, nil, fmt.Errorf("session: %w: reading leader ref: %v", bbmerr.ErrSpawn, err)
	}

	s := &Session{
		cmd:      cmd,
		leader:   ref,
		state:    Running,
		waitDone: make(chan struct{}),
	}
	go s.waitLoop()
	return s, ptm, nil
}

func (s *Session) waitLoop() {
	err := s.cmd.Wait()
	s.mu.Lock()
	s.waitErr = err
	s.state = Terminated
	s.mu.Unlock()
	close(s.waitDone)
}

// Done returns a channel closed when the child has fully exited.
func (s *Session) Done() <-chan struct{} {
	return s.waitDone
}

// Wait blocks until the child exits and returns its exit status.
func (s *Session) Wait() error {
	<-s.waitDone
	return s.waitErr
}

// ProcessState returns the exited child's *os.ProcessState, or nil if the
// child hasn't exited yet.
func (s *Session) ProcessState() *os.ProcessState {
	return s.cmd.ProcessState
}

// State returns the Session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Handler returns a cheap, cloneable Handle to this Session's leader. The
// Handle is a plain value: copying it is always safe.
func (s *Session) Handler() Handle {
	return Handle{leader: s.leader}
}

// Close performs the guaranteed scoped teardown: SIGCONT then SIGTERM to
// every process in the session, in that order, with all errors logged and
// swallowed. Close is idempotent and safe to call even if the child has
// already exited.
func (s *Session) Close() {
	h := s.Handler()
	if err := h.signalAll(unix.SIGCONT); err != nil && !errors.Is(err, bbmerr.ErrSessionGone) {
		bbmlog.Warn("session %d: teardown SIGCONT: %v", s.leader.Pid, err)
	}
	if err := h.signalAll(unix.SIGTERM); err != nil && !errors.Is(err, bbmerr.ErrSessionGone) {
		bbmlog.Warn("session %d: teardown SIGTERM: %v", s.leader.Pid, err)
	}
}

// Handle is a cloneable capability to pause, resume, terminate, or
// enumerate the processes of one session. It is not the owner of the
// child: it may safely be held and used after the owning Session has been
// dropped, at which point its operations simply report ErrSessionGone.
type Handle struct {
	leader procref.Ref
}

// ID returns the session leader's pid, or (0, false) if it is no longer
// alive (already collected, or the pid was reused).
func (h Handle) ID() (int, bool) {
	if procref.Alive(h.leader) {
		return h.leader.Pid, true
	}
	return 0, false
}

// Processes returns a snapshot of every process currently sharing this
// session's id. It fails with ErrSessionGone if the leader is gone.
func (h Handle) Processes() ([]procref.Snapshot, error) {
	if !procref.Alive(h.leader) {
		return nil, bbmerr.ErrSessionGone
	}
	procs, err := procref.InSession(h.leader.Pid)
	if err != nil {
		return nil, fmt.Errorf("session: enumerate: %w", err)
	}
	return procs, nil
}

// Pause sends SIGSTOP to every process in the session.
func (h Handle) Pause() error {
	return h.signalAll(unix.SIGSTOP)
}

// Resume sends SIGCONT to every process in the session.
func (h Handle) Resume() error {
	return h.signalAll(unix.SIGCONT)
}

// Terminate sends SIGCONT, waits briefly, then sends SIGTERM to every
// process in the session. The delay lets a paused process's signal
// disposition take effect before it is asked to exit, avoiding a deadlocked
// or zombie child.
func (h Handle) Terminate() error {
	contErr := h.signalAll(unix.SIGCONT)
	time.Sleep(terminateDelay)
	termErr := h.signalAll(unix.SIGTERM)
	if termErr != nil {
		return termErr
	}
	return contErr
}

// signalAll re-validates the leader's ProcessRef, then delivers sig to
// every process currently sharing the session. Signal delivery is
// best-effort per process: one process's failure does not abort the
// batch, but an aggregate failure is surfaced. A stale Handle (leader pid
// reused by an unrelated process) never signals anything.
func (h Handle) signalAll(sig unix.Signal) error {
	if !procref.Alive(h.leader) {
		bbmlog.Warn("session %d: leader gone or pid reused, skipping signal %d", h.leader.Pid, sig)
		return bbmerr.ErrSessionGone
	}

	procs, err := procref.InSession(h.leader.Pid)
	if err != nil {
		return fmt.Errorf("session: enumerate before signal: %w", err)
	}

	var failures int
	for _, p := range procs {
		if err := procref.Kill(p.Pid, sig); err != nil {
			failures++
		}
	}
	if failures > 0 {
		return fmt.Errorf("%w: %d/%d processes in session %d", bbmerr.ErrSignalFailed, failures, len(procs), h.leader.Pid)
	}
	return nil
}
