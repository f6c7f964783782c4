package procref

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanReaderParsesFields(t *testing.T) {
	// A synthetic /proc/<pid>/stat line. comm contains a space and
	// parentheses to exercise the "split on last )" logic.
	line := "123 (my (weird) prog) S 1 456 456 0 -1 4194560 100 0 0 0 10 5 0 0 20 0 1 0 7890123 0 0"
	state, sid, start, err := ScanReader(line)
	require.NoError(t, err)
	assert.Equal(t, StateSleep, state)
	assert.Equal(t, 456, sid)
	assert.Equal(t, uint64(7890123), start)
}

func TestScanReaderMalformed(t *testing.T) {
	_, _, _, err := ScanReader("no parens here")
	assert.Error(t, err)
}

func TestStateHelpers(t *testing.T) {
	assert.True(t, StateStopped.IsPaused())
	assert.False(t, StateRunning.IsPaused())
	assert.True(t, StateRunning.IsRunning())
	assert.True(t, StateSleep.IsRunning())
	assert.False(t, StateZombie.IsRunning())
}

// TestCurrentAndAliveAgainstRealSelf exercises readStat against the test
// binary's own pid, which is guaranteed to be alive during the test.
func TestCurrentAndAliveAgainstRealSelf(t *testing.T) {
	if _, err := os.Stat("/proc/self/stat"); err != nil {
		t.Skip("procfs not available on this platform")
	}

	ref, err := Current(os.Getpid())
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), ref.Pid)
	assert.True(t, Alive(ref))

	stale := Ref{Pid: ref.Pid, StartTicks: ref.StartTicks + 1}
	assert.False(t, Alive(stale))
}

func TestAliveUnknownPid(t *testing.T) {
	if _, err := os.Stat("/proc"); err != nil {
		t.Skip("procfs not available on this platform")
	}
	assert.False(t, Alive(Ref{Pid: 1 << 30}))
}
