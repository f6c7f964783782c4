package bbmd

import (
	"io"
	"net"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ianremillard/bbm/internal/wire"
)

func startTestDaemon(t *testing.T) string {
	t.Helper()
	d := New(t.TempDir())
	sockPath := filepath.Join(t.TempDir(), "bbmd.sock")
	l, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	go d.Serve(l)
	t.Cleanup(func() { l.Close() })
	return sockPath
}

func roundTrip(t *testing.T, sockPath string, req wire.Request) wire.Response {
	t.Helper()
	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, wire.WriteRequest(conn, req))
	resp, err := wire.ReadResponse(conn)
	require.NoError(t, err)
	return resp
}

func TestInsertWaitGetFileOverSocket(t *testing.T) {
	sockPath := startTestDaemon(t)

	insertResp := roundTrip(t, sockPath, wire.Request{
		Type:   wire.ReqInsertJob,
		Script: "#!/bin/sh\necho hi > job.out\n",
	})
	require.True(t, insertResp.OK)
	id := insertResp.JobID

	waitResp := roundTrip(t, sockPath, wire.Request{Type: wire.ReqWaitJob, JobID: id})
	require.True(t, waitResp.OK)
	assert.Equal(t, 0, waitResp.ExitCode)

	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, wire.WriteRequest(conn, wire.Request{Type: wire.ReqGetJobFile, JobID: id, FileName: "job.out"}))
	resp, err := wire.ReadResponse(conn)
	require.NoError(t, err)
	require.True(t, resp.OK)
	data, err := wire.ReadFileStream(conn)
	require.NoError(t, err)
	assert.Equal(t, "hi\n", string(data))
}

func TestJobListOverSocket(t *testing.T) {
	sockPath := startTestDaemon(t)

	r1 := roundTrip(t, sockPath, wire.Request{Type: wire.ReqInsertJob, Script: "#!/bin/sh\ntrue\n"})
	r2 := roundTrip(t, sockPath, wire.Request{Type: wire.ReqInsertJob, Script: "#!/bin/sh\ntrue\n"})
	require.True(t, r1.OK)
	require.True(t, r2.OK)

	listResp := roundTrip(t, sockPath, wire.Request{Type: wire.ReqJobList})
	require.True(t, listResp.OK)
	assert.ElementsMatch(t, []int64{r1.JobID, r2.JobID}, listResp.JobIDs)
}

func TestInsertJobHonorsCustomLayout(t *testing.T) {
	sockPath := startTestDaemon(t)

	insertResp := roundTrip(t, sockPath, wire.Request{
		Type:   wire.ReqInsertJob,
		Script: "#!/bin/sh\necho hi\n",
		Layout: &wire.Layout{Output: "out.log"},
	})
	require.True(t, insertResp.OK)
	id := insertResp.JobID

	waitResp := roundTrip(t, sockPath, wire.Request{Type: wire.ReqWaitJob, JobID: id})
	require.True(t, waitResp.OK)

	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, wire.WriteRequest(conn, wire.Request{Type: wire.ReqGetJobFile, JobID: id, FileName: "out.log"}))
	resp, err := wire.ReadResponse(conn)
	require.NoError(t, err)
	require.True(t, resp.OK)
	data, err := wire.ReadFileStream(conn)
	require.NoError(t, err)
	assert.Equal(t, "hi\n", string(data))
}

func TestDeleteUnknownJobReturnsError(t *testing.T) {
	sockPath := startTestDaemon(t)
	resp := roundTrip(t, sockPath, wire.Request{Type: wire.ReqDeleteJob, JobID: 999})
	assert.False(t, resp.OK)
	assert.NotEmpty(t, resp.Error)
}

func TestUnknownRequestType(t *testing.T) {
	sockPath := startTestDaemon(t)
	resp := roundTrip(t, sockPath, wire.Request{Type: "bogus"})
	assert.False(t, resp.OK)
}

func TestAttachStreamsPTYOutputAndAcceptsDetach(t *testing.T) {
	sockPath := startTestDaemon(t)

	insertResp := roundTrip(t, sockPath, wire.Request{
		Type:   wire.ReqInsertJob,
		Script: "#!/bin/sh\necho from pty\nsleep 5\n",
	})
	require.True(t, insertResp.OK)

	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, wire.WriteRequest(conn, wire.Request{Type: wire.ReqAttach, JobID: insertResp.JobID}))
	resp, err := wire.ReadResponse(conn)
	require.NoError(t, err)
	require.True(t, resp.OK)

	buf := make([]byte, 256)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Contains(t, string(buf[:n]), "from pty")

	require.NoError(t, wire.WriteFrame(conn, wire.AttachFrameDetach, nil))
}

func TestAttachDetachesAutomaticallyWhenJobExits(t *testing.T) {
	sockPath := startTestDaemon(t)

	insertResp := roundTrip(t, sockPath, wire.Request{
		Type:   wire.ReqInsertJob,
		Script: "#!/bin/sh\necho from pty\nexit 3\n",
	})
	require.True(t, insertResp.OK)

	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, wire.WriteRequest(conn, wire.Request{Type: wire.ReqAttach, JobID: insertResp.JobID}))
	resp, err := wire.ReadResponse(conn)
	require.NoError(t, err)
	require.True(t, resp.OK)

	// The job exits on its own almost immediately; the daemon should
	// notice and close the attach stream rather than leave the client
	// hanging, without any AttachFrameDetach from this end.
	data, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Contains(t, string(data), "from pty")
	assert.Contains(t, string(data), "exited (code 3)")
}

func TestAttachUnknownJobReturnsError(t *testing.T) {
	sockPath := startTestDaemon(t)
	resp := roundTrip(t, sockPath, wire.Request{Type: wire.ReqAttach, JobID: 999})
	assert.False(t, resp.OK)
	assert.NotEmpty(t, resp.Error)
}
