package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestResponseRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req := Request{Type: ReqInsertJob, Script: "#!/bin/sh\ntrue\n", Input: []byte("in")}
	require.NoError(t, WriteRequest(&buf, req))

	got, err := ReadRequest(&buf)
	require.NoError(t, err)
	assert.Equal(t, req, got)

	buf.Reset()
	resp := Response{OK: true, JobID: 7, JobIDs: []int64{1, 2, 3}}
	require.NoError(t, WriteResponse(&buf, resp))

	gotResp, err := ReadResponse(&buf)
	require.NoError(t, err)
	assert.Equal(t, resp, gotResp)
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, FrameData, []byte("hello")))
	require.NoError(t, WriteFrame(&buf, FrameEOF, nil))

	typ, payload, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, FrameData, typ)
	assert.Equal(t, []byte("hello"), payload)

	typ, payload, err = ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, FrameEOF, typ)
	assert.Empty(t, payload)
}

func TestFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	hdr := []byte{FrameData, 0xFF, 0xFF, 0xFF, 0xFF}
	buf.Write(hdr)

	_, _, err := ReadFrame(&buf)
	assert.Error(t, err)
}

func TestFileStreamRoundTripChunked(t *testing.T) {
	var buf bytes.Buffer
	data := bytes.Repeat([]byte("x"), 100)
	require.NoError(t, WriteFileStream(&buf, data, 7))

	got, err := ReadFileStream(&buf)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestFileStreamRoundTripEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFileStream(&buf, nil, 0))

	got, err := ReadFileStream(&buf)
	require.NoError(t, err)
	assert.Empty(t, got)
}
