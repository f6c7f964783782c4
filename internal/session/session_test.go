package session

import (
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ianremillard/bbm/internal/bbmerr"
	"github.com/ianremillard/bbm/internal/procref"
)

func TestSpawnAndWait(t *testing.T) {
	cmd := exec.Command("sh", "-c", "exit 0")
	s, err := Spawn(cmd)
	require.NoError(t, err)

	require.NoError(t, s.Wait())
	assert.Equal(t, Terminated, s.State())
	assert.True(t, s.ProcessState().Success())
}

func TestHandlerSurvivesSessionExit(t *testing.T) {
	cmd := exec.Command("sh", "-c", "exit 0")
	s, err := Spawn(cmd)
	require.NoError(t, err)
	h := s.Handler()

	require.NoError(t, s.Wait())

	// The handle is now stale: the leader is gone, so every operation
	// reports that cleanly instead of panicking or signaling a reused pid.
	_, alive := h.ID()
	assert.False(t, alive)
	assert.ErrorIs(t, h.Pause(), bbmerr.ErrSessionGone)
}

func TestPauseResumeCycle(t *testing.T) {
	cmd := exec.Command("sh", "-c", "sleep 5")
	s, err := Spawn(cmd)
	require.NoError(t, err)
	defer s.Close()
	h := s.Handler()

	require.Eventually(t, func() bool {
		_, ok := h.ID()
		return ok
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, h.Pause())
	require.Eventually(t, func() bool {
		procs, err := h.Processes()
		if err != nil || len(procs) == 0 {
			return false
		}
		for _, p := range procs {
			if !p.State.IsPaused() {
				return false
			}
		}
		return true
	}, 2*time.Second, 20*time.Millisecond, "every process should be paused")

	require.NoError(t, h.Resume())
	require.Eventually(t, func() bool {
		procs, err := h.Processes()
		if err != nil || len(procs) == 0 {
			return false
		}
		for _, p := range procs {
			if p.State.IsPaused() {
				return false
			}
		}
		return true
	}, 2*time.Second, 20*time.Millisecond, "no process should remain paused")
}

func TestTerminateEndsTheChild(t *testing.T) {
	cmd := exec.Command("sh", "-c", "sleep 30")
	s, err := Spawn(cmd)
	require.NoError(t, err)
	h := s.Handler()

	require.NoError(t, h.Terminate())

	select {
	case <-s.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("child did not exit after Terminate")
	}
}

func TestCloseIsIdempotentAfterExit(t *testing.T) {
	cmd := exec.Command("sh", "-c", "exit 0")
	s, err := Spawn(cmd)
	require.NoError(t, err)
	require.NoError(t, s.Wait())

	// Close after the child has already exited must not panic, and must
	// not signal a reused pid.
	s.Close()
	s.Close()
}

func TestStaleHandleNeverSignalsReusedPid(t *testing.T) {
	cmd := exec.Command("sh", "-c", "exit 0")
	s, err := Spawn(cmd)
	require.NoError(t, err)
	require.NoError(t, s.Wait())

	stale := Handle{leader: procref.Ref{Pid: s.Handler().leader.Pid, StartTicks: s.Handler().leader.StartTicks}}
	_, alive := stale.ID()
	assert.False(t, alive, "a dead leader's ref must never report alive")
}
