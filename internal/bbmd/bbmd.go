// Package bbmd implements the request dispatch for the bbmd daemon: it
// hosts a queue.Queue behind a Unix domain socket, accepting one
// newline-JSON Request per connection and replying with one Response,
// except put_job_file/get_job_file, which continue into a framed byte
// stream after the handshake, and attach, which continues into a live
// PTY stream.
package bbmd

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"

	"github.com/creack/pty"

	"github.com/ianremillard/bbm/internal/bbmlog"
	"github.com/ianremillard/bbm/internal/job"
	"github.com/ianremillard/bbm/internal/queue"
	"github.com/ianremillard/bbm/internal/wire"
)

// Daemon owns the job queue and dispatches requests against it.
type Daemon struct {
	q *queue.Queue
}

// New returns a Daemon whose jobs are materialized under rootDir.
func New(rootDir string) *Daemon {
	return &Daemon{q: queue.New(rootDir)}
}

// Serve accepts connections on l until it is closed, handling each on its
// own goroutine.
func (d *Daemon) Serve(l net.Listener) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			return nil
		}
		go d.handleConn(conn)
	}
}

// Shutdown terminates every job's session, per spec.md's clear_jobs
// semantics, so no supervised child outlives the daemon process.
func (d *Daemon) Shutdown() {
	d.q.ClearJobs()
}

func (d *Daemon) handleConn(conn net.Conn) {
	defer conn.Close()

	req, err := wire.ReadRequest(conn)
	if err != nil {
		respond(conn, wire.Response{OK: false, Error: "bad request: " + err.Error()})
		return
	}

	switch req.Type {
	case wire.ReqInsertJob:
		d.handleInsertJob(conn, req)
	case wire.ReqUpdateJob:
		d.handleUpdateJob(conn, req)
	case wire.ReqDeleteJob:
		d.handleDeleteJob(conn, req)
	case wire.ReqClearJobs:
		d.q.ClearJobs()
		respond(conn, wire.Response{OK: true})
	case wire.ReqWaitJob:
		d.handleWaitJob(conn, req)
	case wire.ReqJobList:
		d.handleJobList(conn)
	case wire.ReqPutJobFile:
		d.handlePutJobFile(conn, req)
	case wire.ReqGetJobFile:
		d.handleGetJobFile(conn, req)
	case wire.ReqListJobFiles:
		d.handleListJobFiles(conn, req)
	case wire.ReqAttach:
		d.handleAttach(conn, req)
	default:
		respond(conn, wire.Response{OK: false, Error: "unknown request type: " + req.Type})
	}
}

func respond(conn net.Conn, r wire.Response) {
	if err := wire.WriteResponse(conn, r); err != nil {
		bbmlog.Warn("bbmd: writing response: %v", err)
	}
}

// jobFromRequest builds the submitted Job, honoring a client-supplied file
// layout when one is present.
func jobFromRequest(req wire.Request) job.Job {
	j := job.NewJob(req.Script, req.Input)
	if req.Layout != nil {
		j.Layout = job.Layout{
			Run:    req.Layout.Run,
			Input:  req.Layout.Input,
			Output: req.Layout.Output,
			Errput: req.Layout.Error,
		}.OrDefaults()
	}
	return j
}

func (d *Daemon) handleInsertJob(conn net.Conn, req wire.Request) {
	id, err := d.q.InsertJob(jobFromRequest(req))
	if err != nil {
		respond(conn, wire.Response{OK: false, Error: err.Error()})
		return
	}
	respond(conn, wire.Response{OK: true, JobID: int64(id)})
}

func (d *Daemon) handleUpdateJob(conn net.Conn, req wire.Request) {
	err := d.q.UpdateJob(queue.JobID(req.JobID), jobFromRequest(req))
	respond(conn, responseFor(err))
}

func (d *Daemon) handleDeleteJob(conn net.Conn, req wire.Request) {
	err := d.q.DeleteJob(queue.JobID(req.JobID))
	respond(conn, responseFor(err))
}

func (d *Daemon) handleWaitJob(conn net.Conn, req wire.Request) {
	ps, err := d.q.WaitJob(context.Background(), queue.JobID(req.JobID))
	if err != nil {
		respond(conn, wire.Response{OK: false, Error: err.Error()})
		return
	}
	code := 0
	if ps != nil {
		code = ps.ExitCode()
	}
	respond(conn, wire.Response{OK: true, ExitCode: code})
}

func (d *Daemon) handleJobList(conn net.Conn) {
	ids := d.q.JobList()
	out := make([]int64, len(ids))
	for i, id := range ids {
		out[i] = int64(id)
	}
	respond(conn, wire.Response{OK: true, JobIDs: out})
}

func (d *Daemon) handlePutJobFile(conn net.Conn, req wire.Request) {
	data, err := wire.ReadFileStream(conn)
	if err != nil {
		respond(conn, wire.Response{OK: false, Error: "reading file stream: " + err.Error()})
		return
	}
	err = d.q.PutJobFile(queue.JobID(req.JobID), req.FileName, data)
	respond(conn, responseFor(err))
}

func (d *Daemon) handleGetJobFile(conn net.Conn, req wire.Request) {
	data, err := d.q.GetJobFile(queue.JobID(req.JobID), req.FileName)
	if err != nil {
		respond(conn, wire.Response{OK: false, Error: err.Error()})
		return
	}
	respond(conn, wire.Response{OK: true})
	if err := wire.WriteFileStream(conn, data, 0); err != nil {
		bbmlog.Warn("bbmd: writing file stream: %v", err)
	}
}

func (d *Daemon) handleListJobFiles(conn net.Conn, req wire.Request) {
	names, err := d.q.ListJobFiles(queue.JobID(req.JobID))
	if err != nil {
		respond(conn, wire.Response{OK: false, Error: err.Error()})
		return
	}
	respond(conn, wire.Response{OK: true, FileList: names})
}

// handleAttach hands the connection to the target job's Computation as its
// live PTY output recipient, then reads framed client messages (stdin
// data, resize, detach) until the client detaches, disconnects, or the
// job's own session exits — at which point the daemon detaches the client
// itself rather than leaving it attached to a connection nothing will
// ever write to again.
func (d *Daemon) handleAttach(conn net.Conn, req wire.Request) {
	c, err := d.q.AttachJob(queue.JobID(req.JobID))
	if err != nil {
		respond(conn, wire.Response{OK: false, Error: err.Error()})
		return
	}
	respond(conn, wire.Response{OK: true})

	detach := c.Attach(conn)
	defer detach()

	type clientFrame struct {
		typ     byte
		payload []byte
		err     error
	}
	frames := make(chan clientFrame, 1)
	go func() {
		for {
			typ, payload, err := wire.ReadFrame(conn)
			frames <- clientFrame{typ, payload, err}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-c.Done():
			code := -1
			if ps := c.ProcessState(); ps != nil {
				code = ps.ExitCode()
			}
			fmt.Fprintf(conn, "\r\n[bbmd] job %d exited (code %d), detaching\r\n", req.JobID, code)
			return

		case f := <-frames:
			if f.err != nil {
				return
			}
			switch f.typ {
			case wire.AttachFrameData:
				if ptm := c.PTM(); ptm != nil {
					ptm.Write(f.payload)
				}

			case wire.AttachFrameResize:
				if len(f.payload) == 4 {
					cols := binary.BigEndian.Uint16(f.payload[0:2])
					rows := binary.BigEndian.Uint16(f.payload[2:4])
					if ptm := c.PTM(); ptm != nil {
						pty.Setsize(ptm, &pty.Winsize{Cols: cols, Rows: rows})
					}
				}

			case wire.AttachFrameDetach:
				return
			}
		}
	}
}

func responseFor(err error) wire.Response {
	if err == nil {
		return wire.Response{OK: true}
	}
	return wire.Response{OK: false, Error: err.Error()}
}
