package job

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ianremillard/bbm/internal/bbmerr"
)

func TestMaterializeWritesScriptAndInput(t *testing.T) {
	j := NewJob("#!/bin/sh\necho hi\n", []byte("input data"))
	c, err := Materialize(t.TempDir(), j)
	require.NoError(t, err)
	defer c.Close()

	info, err := os.Stat(filepath.Join(c.Dir(), "run"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o770), info.Mode().Perm())

	data, err := os.ReadFile(filepath.Join(c.Dir(), "job.inp"))
	require.NoError(t, err)
	assert.Equal(t, "input data", string(data))
}

func TestMaterializeFillsBlankLayoutFields(t *testing.T) {
	j := Job{Script: "#!/bin/sh\necho hi\n", Layout: Layout{Output: "custom.out"}}
	c, err := Materialize(t.TempDir(), j)
	require.NoError(t, err)
	defer c.Close()

	_, err = os.Stat(filepath.Join(c.Dir(), "run"))
	assert.NoError(t, err, "blank Run field falls back to the default name")

	require.NoError(t, c.Start())
	require.NoError(t, c.Wait())

	data, err := c.ReadFile("custom.out")
	require.NoError(t, err)
	assert.Equal(t, "hi\n", string(data))
}

func TestStartAndWaitRunsScriptAndCapturesOutput(t *testing.T) {
	j := NewJob("#!/bin/sh\necho hi > job.out\n", nil)
	c, err := Materialize(t.TempDir(), j)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Start())
	require.NoError(t, c.Wait())

	data, err := c.ReadFile("job.out")
	require.NoError(t, err)
	assert.Equal(t, "hi\n", string(data))
}

func TestStartTwiceRejectsAlreadyStarted(t *testing.T) {
	j := NewJob("#!/bin/sh\ntrue\n", nil)
	c, err := Materialize(t.TempDir(), j)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Start())
	err = c.Start()
	assert.ErrorIs(t, err, bbmerr.ErrAlreadyStarted)
	require.NoError(t, c.Wait())
}

func TestIsDoneComparesModTimes(t *testing.T) {
	j := NewJob("#!/bin/sh\nsleep 0.2; echo done > job.out\n", nil)
	c, err := Materialize(t.TempDir(), j)
	require.NoError(t, err)
	defer c.Close()

	assert.False(t, c.IsDone())

	require.NoError(t, c.Start())
	require.NoError(t, c.Wait())

	assert.True(t, c.IsDone())
}

func TestWaitBeforeStartReturnsNotStarted(t *testing.T) {
	j := NewJob("#!/bin/sh\ntrue\n", nil)
	c, err := Materialize(t.TempDir(), j)
	require.NoError(t, err)
	defer c.Close()

	err = c.Wait()
	assert.ErrorIs(t, err, bbmerr.ErrNotStarted)
}

func TestCloseRemovesWorkingDirectory(t *testing.T) {
	j := NewJob("#!/bin/sh\ntrue\n", nil)
	c, err := Materialize(t.TempDir(), j)
	require.NoError(t, err)

	dir := c.Dir()
	require.NoError(t, c.Start())
	require.NoError(t, c.Wait())
	require.NoError(t, c.Close())

	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
}

func TestDoneIsNilBeforeStartAndClosesOnExit(t *testing.T) {
	j := NewJob("#!/bin/sh\ntrue\n", nil)
	c, err := Materialize(t.TempDir(), j)
	require.NoError(t, err)
	defer c.Close()

	assert.Nil(t, c.Done())

	require.NoError(t, c.Start())
	select {
	case <-c.Done():
		t.Fatal("Done must not be closed before the child exits")
	default:
	}

	require.NoError(t, c.Wait())
	select {
	case <-c.Done():
	default:
		t.Fatal("Done must be closed once the child has exited")
	}
}

func TestListFilesReportsExtras(t *testing.T) {
	j := NewJob("#!/bin/sh\ntrue\n", nil)
	c, err := Materialize(t.TempDir(), j)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.WriteFile("extra.txt", []byte("x")))

	names, err := c.ListFiles()
	require.NoError(t, err)
	assert.Contains(t, names, "run")
	assert.Contains(t, names, "job.inp")
	assert.Contains(t, names, "extra.txt")
}

func TestStartPTYCapturesOutputAndSupportsAttach(t *testing.T) {
	j := NewJob("#!/bin/sh\necho from pty\nsleep 0.3\necho still going\n", nil)
	c, err := Materialize(t.TempDir(), j)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.StartPTY())
	require.NotNil(t, c.PTM())

	var buf bytes.Buffer
	detach := c.Attach(&buf)
	defer detach()

	require.NoError(t, c.Wait())

	data, err := c.ReadFile("job.out")
	require.NoError(t, err)
	assert.Contains(t, string(data), "from pty")
	assert.Contains(t, string(data), "still going")
}

func TestLongRunningComputationWaitBlocksUntilExit(t *testing.T) {
	j := NewJob("#!/bin/sh\nsleep 0.3\necho done > job.out\n", nil)
	c, err := Materialize(t.TempDir(), j)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Start())

	start := time.Now()
	require.NoError(t, c.Wait())
	assert.GreaterOrEqual(t, time.Since(start), 250*time.Millisecond)
}
