// Package runner implements the Interactive Runner: a long-lived task that
// owns one InteractiveSession across the lifetime of a client conversation
// and serializes two concurrent message streams against it — interaction
// (input/marker -> output) and control (Pause/Resume/Quit).
//
// Scheduling is single-threaded and cooperative within the Runner's own
// goroutine: exactly one interaction or control action is in flight at a
// time, chosen by a non-deterministic select over the two inbound
// channels. The Runner publishes each interaction's output on a
// broadcast-latest slot (the newest value is retained; a slow consumer may
// miss intermediate values) and signals a one-shot notifier so waiting
// Handlers wake up — decoupling "data is ready" from "value is X".
package runner

import (
	"context"
	"fmt"
	"os/exec"
	"sync"

	"github.com/ianremillard/bbm/internal/bbmerr"
	"github.com/ianremillard/bbm/internal/interact"
	"github.com/ianremillard/bbm/internal/session"
)

// Control is a fire-and-forget control message.
type Control int

const (
	Pause Control = iota
	Resume
	Quit
)

type interactionReq struct {
	ctx    context.Context
	input  []byte
	marker string
	notify chan struct{}
}

// Runner owns one interactive session and serializes access to it. The
// zero value is not usable; construct with Start.
type Runner struct {
	program string
	args    []string

	interactionCh chan interactionReq
	controlCh     chan Control
	doneCh        chan struct{}

	mu     sync.Mutex
	latest string
	err    error

	sess   *session.Session
	driver *interact.Driver
}

// Handler is the client-side facade for a Runner: multiple Handlers may
// exist for one Runner, and interleaved calls from different Handlers are
// legal, serialized FIFO by the Runner's channels.
type Handler struct {
	r *Runner
}

// Start launches a Runner for program/args. The child is not spawned yet:
// spawning happens lazily on the first Interact call, matching the
// contract that a Runner created but never interacted with never forks a
// process.
func Start(ctx context.Context, program string, args []string) (*Runner, Handler) {
	r := &Runner{
		program:       program,
		args:          args,
		interactionCh: make(chan interactionReq),
		controlCh:     make(chan Control, 8),
		doneCh:        make(chan struct{}),
	}
	go r.loop(ctx)
	return r, Handler{r: r}
}

// Handler returns a new facade for this Runner.
func (r *Runner) Handler() Handler {
	return Handler{r: r}
}

// Done returns a channel closed once the Runner's loop has exited (after
// Quit, a closed channel, or cancellation of the context given to Start).
// The session ending on its own does not end the loop.
func (r *Runner) Done() <-chan struct{} {
	return r.doneCh
}

func (r *Runner) loop(ctx context.Context) {
	defer close(r.doneCh)
	defer func() {
		if r.sess != nil {
			r.sess.Close()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			r.setErr(ctx.Err())
			return

		case ctrl, ok := <-r.controlCh:
			if !ok {
				return
			}
			if r.handleControl(ctrl) {
				return
			}

		case req, ok := <-r.interactionCh:
			if !ok {
				return
			}
			r.handleInteraction(req)
		}
	}
}

func (r *Runner) handleControl(ctrl Control) (quit bool) {
	if r.sess == nil {
		// No session yet; Pause/Resume are no-ops, Quit just ends the loop.
		return ctrl == Quit
	}
	h := r.sess.Handler()
	switch ctrl {
	case Pause:
		_ = h.Pause()
	case Resume:
		_ = h.Resume()
	case Quit:
		_ = h.Terminate()
		return true
	}
	return false
}

func (r *Runner) handleInteraction(req interactionReq) {
	if r.sess == nil {
		if err := r.spawn(); err != nil {
			r.setErr(err)
			close(req.notify)
			return
		}
	}

	out, err := r.driver.Interact(req.ctx, req.input, req.marker)
	r.mu.Lock()
	if err != nil {
		r.err = err
	} else {
		r.latest = out
		r.err = nil
	}
	r.mu.Unlock()
	close(req.notify)
}

func (r *Runner) spawn() error {
	cmd := exec.Command(r.program, r.args...)
	sess, err := session.SpawnInteractive(cmd)
	if err != nil {
		return fmt.Errorf("runner: spawn: %w", err)
	}
	r.sess = sess
	r.driver = interact.New(sess)
	return nil
}

func (r *Runner) setErr(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

// Interact sends an interaction request and blocks until it completes,
// returning the latest published output (or the error from that
// interaction). Calls are serialized FIFO through the Runner's channel.
func (h Handler) Interact(ctx context.Context, input []byte, marker string) (string, error) {
	req := interactionReq{
		ctx:    ctx,
		input:  input,
		marker: marker,
		notify: make(chan struct{}),
	}

	select {
	case h.r.interactionCh <- req:
	case <-h.r.doneCh:
		return "", fmt.Errorf("runner: %w", bbmerr.ErrNotStarted)
	case <-ctx.Done():
		return "", ctx.Err()
	}

	select {
	case <-req.notify:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	h.r.mu.Lock()
	defer h.r.mu.Unlock()
	if h.r.err != nil {
		return "", h.r.err
	}
	return h.r.latest, nil
}

// Pause sends a fire-and-forget Pause control message.
func (h Handler) Pause() error { return h.sendControl(Pause) }

// Resume sends a fire-and-forget Resume control message.
func (h Handler) Resume() error { return h.sendControl(Resume) }

// Terminate sends a fire-and-forget Quit control message; the Runner
// terminates the session and exits its loop.
func (h Handler) Terminate() error { return h.sendControl(Quit) }

func (h Handler) sendControl(c Control) error {
	select {
	case h.r.controlCh <- c:
		return nil
	case <-h.r.doneCh:
		return nil
	}
}
