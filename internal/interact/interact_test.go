package interact

import (
	"context"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ianremillard/bbm/internal/bbmerr"
	"github.com/ianremillard/bbm/internal/session"
)

func spawnBashLoop(t *testing.T) *session.Session {
	t.Helper()
	script := `echo hello; while read -r x; do sleep 1; echo "output for $x"; echo hello; done`
	cmd := exec.Command("bash", "-c", script)
	s, err := session.SpawnInteractive(cmd)
	require.NoError(t, err)
	t.Cleanup(func() { s.Handler().Terminate() })
	return s
}

func TestInteractiveBashLoop(t *testing.T) {
	s := spawnBashLoop(t)
	d := New(s)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := d.Interact(ctx, nil, "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", out)

	out, err = d.Interact(ctx, []byte("pwd\n"), "hello")
	require.NoError(t, err)
	assert.Equal(t, "output for pwd\nhello\n", out)
}

func TestInteractEmptyInputNoWrite(t *testing.T) {
	cmd := exec.Command("sh", "-c", "echo marker-line")
	s, err := session.SpawnInteractive(cmd)
	require.NoError(t, err)
	t.Cleanup(func() { s.Handler().Terminate() })

	d := New(s)
	ctx := context.Background()
	out, err := d.Interact(ctx, nil, "marker")
	require.NoError(t, err)
	assert.Equal(t, "marker-line\n", out)
}

func TestInteractPatternNotFoundOnEOF(t *testing.T) {
	cmd := exec.Command("sh", "-c", "echo nope")
	s, err := session.SpawnInteractive(cmd)
	require.NoError(t, err)
	t.Cleanup(func() { s.Handler().Terminate() })

	d := New(s)
	_, err = d.Interact(context.Background(), nil, "never-appears")
	assert.ErrorIs(t, err, bbmerr.ErrPatternNotFound)
}

func TestInteractHandlesLongLines(t *testing.T) {
	// One ~1MiB line before the marker, well past the default Scanner cap.
	cmd := exec.Command("sh", "-c", `head -c 1048576 /dev/zero | tr '\0' 'x'; echo; echo marker`)
	s, err := session.SpawnInteractive(cmd)
	require.NoError(t, err)
	t.Cleanup(func() { s.Handler().Terminate() })

	d := New(s)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	out, err := d.Interact(ctx, nil, "marker")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(out, "marker\n"))
	assert.Len(t, out, 1048576+1+len("marker\n"))
}

func TestInteractEmptyOutput(t *testing.T) {
	cmd := exec.Command("sh", "-c", "echo ''")
	s, err := session.SpawnInteractive(cmd)
	require.NoError(t, err)
	t.Cleanup(func() { s.Handler().Terminate() })

	d := New(s)
	_, err = d.Interact(context.Background(), nil, "")
	assert.ErrorIs(t, err, bbmerr.ErrEmptyOutput)
}
