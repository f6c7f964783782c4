// Package job implements the Job/Computation component: materializing a
// submitted unit of work into an executable workspace, starting it, and
// mediating completion.
package job

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ianremillard/bbm/internal/bbmerr"
	"github.com/ianremillard/bbm/internal/bbmlog"
	"github.com/ianremillard/bbm/internal/session"
)

// Layout names the relative file names a Computation's workspace uses for
// its script, stdin, stdout and stderr. A blank field means the default
// name: OrDefaults fills it from DefaultLayout, and Materialize applies
// OrDefaults to the Job's Layout.
type Layout struct {
	Run    string `yaml:"run"`
	Input  string `yaml:"input"`
	Output string `yaml:"output"`
	Errput string `yaml:"error"`
}

// DefaultLayout returns the default workspace file names.
func DefaultLayout() Layout {
	return Layout{
		Run:    "run",
		Input:  "job.inp",
		Output: "job.out",
		Errput: "job.err",
	}
}

// OrDefaults returns l with every blank field replaced by its DefaultLayout
// value.
func (l Layout) OrDefaults() Layout {
	def := DefaultLayout()
	if l.Run == "" {
		l.Run = def.Run
	}
	if l.Input == "" {
		l.Input = def.Input
	}
	if l.Output == "" {
		l.Output = def.Output
	}
	if l.Errput == "" {
		l.Errput = def.Errput
	}
	return l
}

// Job is the submitted, immutable description of a unit of work.
type Job struct {
	Script string
	Input  []byte
	Layout Layout
}

// NewJob returns a Job with the default Layout and the given script text
// and input bytes.
func NewJob(script string, input []byte) Job {
	return Job{Script: script, Input: input, Layout: DefaultLayout()}
}

// Computation is a Job materialized into a working directory: the script
// and input files are written at construction time, synchronously, per
// spec.md's note that Computation setup I/O is deliberately not a
// suspension point.
type Computation struct {
	dir    string
	layout Layout
	input  []byte

	mu           sync.Mutex
	started      bool
	sess         *session.Session
	waitErr      error
	ioDone       chan struct{}
	ptm          *os.File
	attachWriter io.Writer
}

// Materialize allocates a fresh temporary directory under baseDir (the
// supervisor's cwd when baseDir is ""), writes the script with execute
// permission and the input bytes, and returns the resulting Computation.
// Creation failures are fatal to the caller; Materialize never returns a
// partially-written Computation.
func Materialize(baseDir string, j Job) (*Computation, error) {
	layout := j.Layout.OrDefaults()

	if baseDir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("job: materialize: %w", err)
		}
		baseDir = cwd
	}

	dir, err := os.MkdirTemp(baseDir, "bbm-job-*")
	if err != nil {
		return nil, fmt.Errorf("job: materialize: %w", err)
	}

	runPath := filepath.Join(dir, layout.Run)
	if err := os.WriteFile(runPath, []byte(j.Script), 0o770); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("job: write script: %w", err)
	}
	// WriteFile's mode is filtered by the umask; the script must end up
	// exactly 0o770 regardless.
	if err := os.Chmod(runPath, 0o770); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("job: chmod script: %w", err)
	}

	inputPath := filepath.Join(dir, layout.Input)
	if err := os.WriteFile(inputPath, j.Input, 0o640); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("job: write input: %w", err)
	}

	return &Computation{dir: dir, layout: layout, input: append([]byte(nil), j.Input...)}, nil
}

// Dir returns the Computation's working directory.
func (c *Computation) Dir() string { return c.dir }

// Start spawns the Computation's run script with cwd set to its working
// directory, piped stdio, writes the stored input to the child's stdin in
// the background, and streams stdout/stderr to their respective files via
// two concurrent copy goroutines joined with errgroup so the first copy
// error (or the second, whichever) is reported from Wait.
func (c *Computation) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return fmt.Errorf("job: start: %w", bbmerr.ErrAlreadyStarted)
	}
	c.started = true

	cmd := exec.Command(filepath.Join(c.dir, c.layout.Run))
	cmd.Dir = c.dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("job: stdin pipe: %w", err)
	}
	// Plain os.Pipes rather than cmd.StdoutPipe/StderrPipe: exec closes its
	// own pipes when the session's background Wait sees the child exit,
	// which would cut the copies below short.
	stdout, stdoutW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("job: stdout pipe: %w", err)
	}
	defer stdoutW.Close()
	stderr, stderrW, err := os.Pipe()
	if err != nil {
		stdout.Close()
		return fmt.Errorf("job: stderr pipe: %w", err)
	}
	defer stderrW.Close()
	cmd.Stdout, cmd.Stderr = stdoutW, stderrW

	outFile, err := os.Create(filepath.Join(c.dir, c.layout.Output))
	if err != nil {
		return fmt.Errorf("job: create output file: %w", err)
	}
	errFile, err := os.Create(filepath.Join(c.dir, c.layout.Errput))
	if err != nil {
		outFile.Close()
		return fmt.Errorf("job: create error file: %w", err)
	}

	sess, err := session.Spawn(cmd)
	if err != nil {
		outFile.Close()
		errFile.Close()
		return fmt.Errorf("job: spawn: %w", err)
	}
	c.sess = sess
	c.ioDone = make(chan struct{})
	ioDone := c.ioDone

	go func() {
		defer stdin.Close()
		io.Copy(stdin, bytes.NewReader(c.input))
	}()

	go func() {
		defer close(ioDone)
		defer outFile.Close()
		defer errFile.Close()
		defer stdout.Close()
		defer stderr.Close()

		var eg errgroup.Group
		eg.Go(func() error {
			_, err := io.Copy(outFile, stdout)
			return err
		})
		eg.Go(func() error {
			_, err := io.Copy(errFile, stderr)
			return err
		})
		copyErr := eg.Wait()

		waitErr := sess.Wait()

		c.mu.Lock()
		if copyErr != nil {
			c.waitErr = fmt.Errorf("job: copy io: %w", copyErr)
		} else {
			c.waitErr = waitErr
		}
		c.mu.Unlock()
	}()

	return nil
}

// StartPTY spawns the Computation's run script attached to a pseudo-
// terminal instead of plain piped stdio, for jobs a human wants to watch
// or drive live via Attach. Combined PTY output (stdout and stderr share
// one stream on a real terminal) is streamed to the output file; no
// error file is created. A concurrent Attach call may tee that same
// stream to a live connection.
func (c *Computation) StartPTY() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return fmt.Errorf("job: start: %w", bbmerr.ErrAlreadyStarted)
	}
	c.started = true

	cmd := exec.Command(filepath.Join(c.dir, c.layout.Run))
	cmd.Dir = c.dir

	outFile, err := os.Create(filepath.Join(c.dir, c.layout.Output))
	if err != nil {
		return fmt.Errorf("job: create output file: %w", err)
	}

	sess, ptm, err := session.SpawnPTY(cmd)
	if err != nil {
		outFile.Close()
		return fmt.Errorf("job: spawn pty: %w", err)
	}
	c.sess = sess
	c.ptm = ptm
	c.ioDone = make(chan struct{})
	ioDone := c.ioDone

	if len(c.input) > 0 {
		go func() {
			if _, err := ptm.Write(c.input); err != nil {
				bbmlog.Warn("job: writing stored input to pty: %v", err)
			}
		}()
	}

	go func() {
		defer close(ioDone)
		defer outFile.Close()
		defer ptm.Close()
		io.Copy(&teeToAttach{file: outFile, c: c}, ptm)
		waitErr := sess.Wait()
		c.mu.Lock()
		c.waitErr = waitErr
		c.mu.Unlock()
	}()

	return nil
}

// PTM returns the pty master file if this Computation was started via
// StartPTY, or nil otherwise.
func (c *Computation) PTM() *os.File {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ptm
}

// Attach makes w the live recipient of this Computation's PTY output
// until the returned detach function is called (or a later Attach call
// replaces it). Attach is a no-op writer-wise if the Computation was not
// started with StartPTY.
func (c *Computation) Attach(w io.Writer) (detach func()) {
	c.mu.Lock()
	c.attachWriter = w
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		if c.attachWriter == w {
			c.attachWriter = nil
		}
		c.mu.Unlock()
	}
}

// teeToAttach writes PTY output to the Computation's output file and, if
// an Attach call is currently active, also to its writer. A slow or
// disconnected attached writer never blocks or breaks the file copy: its
// errors are discarded.
type teeToAttach struct {
	file *os.File
	c    *Computation
}

func (t *teeToAttach) Write(p []byte) (int, error) {
	n, err := t.file.Write(p)
	t.c.mu.Lock()
	w := t.c.attachWriter
	t.c.mu.Unlock()
	if w != nil {
		w.Write(p)
	}
	return n, err
}

// Wait blocks until the child has exited and its stdout/stderr copies have
// both completed, then returns the first error observed (a copy error or
// the child's own wait error).
func (c *Computation) Wait() error {
	c.mu.Lock()
	started := c.started
	ioDone := c.ioDone
	c.mu.Unlock()

	if !started || ioDone == nil {
		return fmt.Errorf("job: wait: %w", bbmerr.ErrNotStarted)
	}

	// ioDone closes only after the stdio copies have finished and the
	// child's wait result has been recorded.
	<-ioDone

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waitErr
}

// Done returns a channel closed once this Computation's session has
// exited, or nil if it hasn't been started yet (a nil channel blocks
// forever in a select, which is the right behavior for a caller racing it
// against other events). Used by a live attach to notice the job ending
// and detach the client automatically instead of leaving it hung on a
// connection nothing will ever write to again.
func (c *Computation) Done() <-chan struct{} {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess == nil {
		return nil
	}
	return sess.Done()
}

// IsDone implements spec.md's client-visible completion test: the working
// directory and both the input and output files must exist, and the
// output file's mtime must be at or after the input file's.
func (c *Computation) IsDone() bool {
	inStat, err := os.Stat(filepath.Join(c.dir, c.layout.Input))
	if err != nil {
		return false
	}
	outStat, err := os.Stat(filepath.Join(c.dir, c.layout.Output))
	if err != nil {
		return false
	}
	return !outStat.ModTime().Before(inStat.ModTime())
}

// Handler returns the underlying session's Handle, or false if the
// Computation has not been started yet.
func (c *Computation) Handler() (session.Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return session.Handle{}, false
	}
	return c.sess.Handler(), true
}

// ProcessState returns the underlying session's exited *os.ProcessState,
// or nil if the Computation hasn't been started or hasn't exited yet.
func (c *Computation) ProcessState() *os.ProcessState {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess == nil {
		return nil
	}
	return sess.ProcessState()
}

// Close terminates any running session and removes the working directory.
// It is safe to call more than once.
func (c *Computation) Close() error {
	c.mu.Lock()
	sess := c.sess
	dir := c.dir
	c.mu.Unlock()

	if sess != nil {
		sess.Close()
	}
	if dir == "" {
		return nil
	}
	return os.RemoveAll(dir)
}

// WriteFile writes data to a file named relName inside the working
// directory. Callers are responsible for validating relName against
// traversal before calling this.
func (c *Computation) WriteFile(relName string, data []byte) error {
	return os.WriteFile(filepath.Join(c.dir, relName), data, 0o640)
}

// ReadFile reads a file named relName from the working directory.
func (c *Computation) ReadFile(relName string) ([]byte, error) {
	return os.ReadFile(filepath.Join(c.dir, relName))
}

// ListFiles lists the regular files directly inside the working
// directory.
func (c *Computation) ListFiles() ([]string, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}
