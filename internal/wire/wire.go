// Package wire defines the newline-JSON request/response protocol and the
// byte-framed file-transfer stream used between bbmctl (client) and bbmd
// (daemon) over a Unix domain socket.
//
// Normal commands use newline-delimited JSON: the client sends one
// Request, the daemon sends one Response, then the connection closes.
//
// put_job_file and get_job_file are special: after the JSON handshake the
// connection carries a single framed byte stream in one direction,
// terminated by a zero-length FrameEOF frame.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Request type constants.
const (
	ReqInsertJob    = "insert_job"
	ReqUpdateJob    = "update_job"
	ReqDeleteJob    = "delete_job"
	ReqClearJobs    = "clear_jobs"
	ReqWaitJob      = "wait_job"
	ReqJobList      = "get_job_list"
	ReqPutJobFile   = "put_job_file"
	ReqGetJobFile   = "get_job_file"
	ReqListJobFiles = "list_job_files"
	ReqAttach       = "attach"
)

// Layout carries a job's configurable workspace file names; blank fields
// mean "use the default".
type Layout struct {
	Run    string `json:"run,omitempty"`
	Input  string `json:"input,omitempty"`
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Request is the JSON payload sent from bbmctl to bbmd.
type Request struct {
	Type     string  `json:"type"`
	JobID    int64   `json:"job_id,omitempty"`
	Script   string  `json:"script,omitempty"`
	Input    []byte  `json:"input,omitempty"`
	FileName string  `json:"file_name,omitempty"`
	Layout   *Layout `json:"layout,omitempty"`
}

// Response is the JSON payload returned by the daemon for all requests
// other than the file-transfer half of put_job_file/get_job_file.
type Response struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	JobID    int64    `json:"job_id,omitempty"`
	JobIDs   []int64  `json:"job_ids,omitempty"`
	ExitCode int      `json:"exit_code,omitempty"`
	FileList []string `json:"file_list,omitempty"`
}

// WriteRequest writes req as a single line of JSON followed by a newline.
func WriteRequest(w io.Writer, req Request) error {
	return writeJSONLine(w, req)
}

// ReadRequest reads a single newline-terminated JSON Request.
func ReadRequest(r io.Reader) (Request, error) {
	var req Request
	err := readJSONLine(r, &req)
	return req, err
}

// WriteResponse writes resp as a single line of JSON followed by a
// newline.
func WriteResponse(w io.Writer, resp Response) error {
	return writeJSONLine(w, resp)
}

// ReadResponse reads a single newline-terminated JSON Response.
func ReadResponse(r io.Reader) (Response, error) {
	var resp Response
	err := readJSONLine(r, &resp)
	return resp, err
}

func writeJSONLine(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("wire: marshal: %w", err)
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

// readJSONLine reads exactly one newline-terminated JSON value, one byte
// at a time. The connection may carry framed binary data immediately after
// the JSON line (put_job_file streams without waiting for an ack), so a
// buffered reader here would swallow bytes that belong to the frame stream.
func readJSONLine(r io.Reader, v any) error {
	var line []byte
	buf := make([]byte, 1)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if buf[0] == '\n' {
				break
			}
			line = append(line, buf[0])
		}
		if err != nil {
			if err == io.EOF && len(line) > 0 {
				break
			}
			return err
		}
	}
	return json.Unmarshal(line, v)
}

// ─── File-transfer framing ─────────────────────────────────────────────────
//
// After the JSON handshake for put_job_file/get_job_file, the connection
// carries one or more length-prefixed frames in a single direction:
//
//   [1 byte type][4 bytes big-endian length][payload]
//
//     0x00  data  – a chunk of file bytes
//     0x01  eof   – no payload; transfer complete

const (
	FrameData byte = 0x00
	FrameEOF  byte = 0x01
)

// Attach-stream framing. After the JSON handshake for an attach request,
// the connection becomes asymmetric:
//
//   Server -> Client : raw PTY output bytes (no framing; the terminal
//                      interprets escape sequences itself)
//   Client -> Server : length-prefixed frames using the [type][len][payload]
//                      shape above:
//
//     0x00  AttachFrameData    stdin bytes to write into the PTY
//     0x01  AttachFrameResize  payload: 2-byte cols + 2-byte rows (big-endian)
//     0x02  AttachFrameDetach  no payload; client wants to detach cleanly
const (
	AttachFrameData   byte = 0x00
	AttachFrameResize byte = 0x01
	AttachFrameDetach byte = 0x02
)

// maxFrameSize caps a single frame's payload, guarding against a
// corrupted or hostile length field driving an unbounded allocation.
const maxFrameSize = 1 << 24 // 16 MiB

// WriteFrame writes a single framed message to w.
func WriteFrame(w io.Writer, frameType byte, payload []byte) error {
	hdr := make([]byte, 5)
	hdr[0] = frameType
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(payload)))
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	if len(payload) > 0 {
		_, err := w.Write(payload)
		return err
	}
	return nil
}

// ReadFrame reads a single framed message from r.
func ReadFrame(r io.Reader) (byte, []byte, error) {
	hdr := make([]byte, 5)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return 0, nil, err
	}
	frameType := hdr[0]
	n := binary.BigEndian.Uint32(hdr[1:])
	if n > maxFrameSize {
		return 0, nil, fmt.Errorf("wire: frame too large: %d bytes", n)
	}
	if n == 0 {
		return frameType, nil, nil
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return frameType, payload, nil
}

// WriteFileStream writes data as a sequence of FrameData frames (chunkSize
// bytes each) followed by a terminating FrameEOF.
func WriteFileStream(w io.Writer, data []byte, chunkSize int) error {
	if chunkSize <= 0 {
		chunkSize = 32 * 1024
	}
	for len(data) > 0 {
		n := chunkSize
		if n > len(data) {
			n = len(data)
		}
		if err := WriteFrame(w, FrameData, data[:n]); err != nil {
			return err
		}
		data = data[n:]
	}
	return WriteFrame(w, FrameEOF, nil)
}

// ReadFileStream reads FrameData frames until FrameEOF and returns the
// concatenated payload.
func ReadFileStream(r io.Reader) ([]byte, error) {
	var buf []byte
	for {
		frameType, payload, err := ReadFrame(r)
		if err != nil {
			return nil, err
		}
		if frameType == FrameEOF {
			return buf, nil
		}
		buf = append(buf, payload...)
	}
}
