// bbmctl is the CLI client for the bbmd daemon.
//
// Usage:
//
//	bbmctl submit <script-file> [input-file]  – submit a new job
//	bbmctl submit --manifest <manifest.yaml>  – submit a job described by a YAML manifest
//	bbmctl list                               – list all job ids
//	bbmctl wait <job-id>                      – start (if needed) and wait for a job
//	bbmctl delete <job-id>                    – delete a job
//	bbmctl clear                              – delete every job
//	bbmctl put <job-id> <name> <file>         – upload a file into a job's workdir
//	bbmctl get <job-id> <name>                – download a file from a job's workdir
//	bbmctl files <job-id>                     – list files in a job's workdir
//	bbmctl attach <job-id>                     – attach to a job's pseudo-terminal
package main

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"syscall"

	"golang.org/x/term"

	"github.com/ianremillard/bbm/internal/job"
	"github.com/ianremillard/bbm/internal/wire"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "submit":
		cmdSubmit()
	case "list":
		cmdList()
	case "wait":
		cmdWait()
	case "delete":
		cmdDelete()
	case "clear":
		cmdClear()
	case "put":
		cmdPut()
	case "get":
		cmdGet()
	case "files":
		cmdFiles()
	case "attach":
		cmdAttach()
	default:
		fmt.Fprintf(os.Stderr, "bbmctl: unknown command %q\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `bbmctl - submit and manage jobs against a bbmd daemon

  submit <script-file> [input-file]   Submit a new job
  list                                List all job ids
  wait <job-id>                       Start (if needed) and wait for a job
  delete <job-id>                     Delete a job
  clear                               Delete every job
  put <job-id> <name> <file>          Upload a file into a job's working directory
  get <job-id> <name>                 Download a file from a job's working directory
  files <job-id>                      List files in a job's working directory
  attach <job-id>                     Attach to a job's pseudo-terminal (detach: Ctrl-])`)
}

func socketPath() string {
	if env := os.Getenv("BBM_ROOT"); env != "" {
		return filepath.Join(env, "bbmd.sock")
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		fatal("cannot determine home directory: %v", err)
	}
	return filepath.Join(homeDir, ".bbm", "bbmd.sock")
}

// appsDir resolves the directory a manifest's named App bundles live
// under: BBM_APPS_DIR if set, else job.DefaultAppsDir. The daemon core
// never reads this; only bbmctl's manifest resolver does.
func appsDir() string {
	if env := os.Getenv("BBM_APPS_DIR"); env != "" {
		return env
	}
	return job.DefaultAppsDir
}

func dial() net.Conn {
	conn, err := net.Dial("unix", socketPath())
	if err != nil {
		fatal("connecting to bbmd: %v (is the daemon running?)", err)
	}
	return conn
}

func roundTrip(req wire.Request) wire.Response {
	conn := dial()
	defer conn.Close()

	if err := wire.WriteRequest(conn, req); err != nil {
		fatal("sending request: %v", err)
	}
	resp, err := wire.ReadResponse(conn)
	if err != nil {
		fatal("reading response: %v", err)
	}
	return resp
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "bbmctl: "+format+"\n", args...)
	os.Exit(1)
}

func jobID(s string) int64 {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		fatal("invalid job id %q", s)
	}
	return id
}

func cmdSubmit() {
	if len(os.Args) < 3 {
		fatal("usage: bbmctl submit <script-file> [input-file] | submit --manifest <manifest.yaml>")
	}

	if os.Args[2] == "--manifest" {
		if len(os.Args) < 4 {
			fatal("usage: bbmctl submit --manifest <manifest.yaml>")
		}
		m, err := job.LoadManifest(os.Args[3])
		if err != nil {
			fatal("%v", err)
		}
		j, err := m.Job(appsDir())
		if err != nil {
			fatal("%v", err)
		}
		resp := roundTrip(wire.Request{
			Type:   wire.ReqInsertJob,
			Script: j.Script,
			Input:  j.Input,
			Layout: &wire.Layout{
				Run:    j.Layout.Run,
				Input:  j.Layout.Input,
				Output: j.Layout.Output,
				Error:  j.Layout.Errput,
			},
		})
		if !resp.OK {
			fatal("%s", resp.Error)
		}
		fmt.Println(resp.JobID)
		return
	}

	script, err := os.ReadFile(os.Args[2])
	if err != nil {
		fatal("reading script file: %v", err)
	}
	var input []byte
	if len(os.Args) >= 4 {
		input, err = os.ReadFile(os.Args[3])
		if err != nil {
			fatal("reading input file: %v", err)
		}
	}

	resp := roundTrip(wire.Request{Type: wire.ReqInsertJob, Script: string(script), Input: input})
	if !resp.OK {
		fatal("%s", resp.Error)
	}
	fmt.Println(resp.JobID)
}

func cmdList() {
	resp := roundTrip(wire.Request{Type: wire.ReqJobList})
	if !resp.OK {
		fatal("%s", resp.Error)
	}
	for _, id := range resp.JobIDs {
		fmt.Println(id)
	}
}

func cmdWait() {
	if len(os.Args) < 3 {
		fatal("usage: bbmctl wait <job-id>")
	}
	resp := roundTrip(wire.Request{Type: wire.ReqWaitJob, JobID: jobID(os.Args[2])})
	if !resp.OK {
		fatal("%s", resp.Error)
	}
	fmt.Printf("exit code: %d\n", resp.ExitCode)
}

func cmdDelete() {
	if len(os.Args) < 3 {
		fatal("usage: bbmctl delete <job-id>")
	}
	resp := roundTrip(wire.Request{Type: wire.ReqDeleteJob, JobID: jobID(os.Args[2])})
	if !resp.OK {
		fatal("%s", resp.Error)
	}
}

func cmdClear() {
	resp := roundTrip(wire.Request{Type: wire.ReqClearJobs})
	if !resp.OK {
		fatal("%s", resp.Error)
	}
}

func cmdPut() {
	if len(os.Args) < 5 {
		fatal("usage: bbmctl put <job-id> <name> <file>")
	}
	id := jobID(os.Args[2])
	name := os.Args[3]
	data, err := os.ReadFile(os.Args[4])
	if err != nil {
		fatal("reading file: %v", err)
	}

	conn := dial()
	defer conn.Close()
	if err := wire.WriteRequest(conn, wire.Request{Type: wire.ReqPutJobFile, JobID: id, FileName: name}); err != nil {
		fatal("sending request: %v", err)
	}
	if err := wire.WriteFileStream(conn, data, 0); err != nil {
		fatal("sending file: %v", err)
	}
	resp, err := wire.ReadResponse(conn)
	if err != nil {
		fatal("reading response: %v", err)
	}
	if !resp.OK {
		fatal("%s", resp.Error)
	}
}

func cmdGet() {
	if len(os.Args) < 4 {
		fatal("usage: bbmctl get <job-id> <name>")
	}
	id := jobID(os.Args[2])
	name := os.Args[3]

	conn := dial()
	defer conn.Close()
	if err := wire.WriteRequest(conn, wire.Request{Type: wire.ReqGetJobFile, JobID: id, FileName: name}); err != nil {
		fatal("sending request: %v", err)
	}
	resp, err := wire.ReadResponse(conn)
	if err != nil {
		fatal("reading response: %v", err)
	}
	if !resp.OK {
		fatal("%s", resp.Error)
	}
	data, err := wire.ReadFileStream(conn)
	if err != nil {
		fatal("reading file: %v", err)
	}
	if _, err := io.Copy(os.Stdout, bytes.NewReader(data)); err != nil {
		fatal("writing output: %v", err)
	}
}

func cmdFiles() {
	if len(os.Args) < 3 {
		fatal("usage: bbmctl files <job-id>")
	}
	resp := roundTrip(wire.Request{Type: wire.ReqListJobFiles, JobID: jobID(os.Args[2])})
	if !resp.OK {
		fatal("%s", resp.Error)
	}
	for _, name := range resp.FileList {
		fmt.Println(name)
	}
}

// cmdAttach connects the terminal to a job's pseudo-terminal and blocks
// until the user detaches (Ctrl-]) or the daemon ends the stream itself
// because the job's own session exited. In the latter case, once the PTY
// stream closes, it follows up with a wait_job request so the reported
// exit code comes from the Job Queue's own bookkeeping rather than from
// whatever happened to be the last bytes on the PTY.
func cmdAttach() {
	if len(os.Args) < 3 {
		fatal("usage: bbmctl attach <job-id>")
	}
	id := jobID(os.Args[2])

	conn := dial()

	if err := wire.WriteRequest(conn, wire.Request{Type: wire.ReqAttach, JobID: id}); err != nil {
		fatal("sending request: %v", err)
	}
	resp, err := wire.ReadResponse(conn)
	if err != nil {
		fatal("reading response: %v", err)
	}
	if !resp.OK {
		conn.Close()
		fatal("%s", resp.Error)
	}

	fd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		conn.Close()
		fatal("setting raw mode: %v", err)
	}
	restore := func() { term.Restore(fd, oldState) }

	fmt.Fprintf(os.Stdout, "\r\n[bbmctl] attached to job %d  (detach: Ctrl-])\r\n", id)

	done := make(chan struct{}, 1)
	signalDone := func() {
		select {
		case done <- struct{}{}:
		default:
		}
	}

	var manualDetach atomic.Bool

	go func() {
		io.Copy(os.Stdout, conn)
		signalDone()
	}()

	go func() {
		buf := make([]byte, 256)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				for i := 0; i < n; i++ {
					if buf[i] == 0x1D {
						manualDetach.Store(true)
						sendFrame(conn, wire.AttachFrameDetach, nil)
						signalDone()
						return
					}
				}
				sendFrame(conn, wire.AttachFrameData, buf[:n])
			}
			if err != nil {
				signalDone()
				return
			}
		}
	}()

	winchCh := make(chan os.Signal, 1)
	signal.Notify(winchCh, syscall.SIGWINCH)
	go func() {
		for range winchCh {
			sendResize(conn, fd)
		}
	}()
	sendResize(conn, fd)

	<-done
	signal.Stop(winchCh)
	conn.Close()
	restore()

	if manualDetach.Load() {
		fmt.Fprintf(os.Stdout, "\n[bbmctl] detached from job %d\n", id)
		os.Exit(0)
	}

	// The daemon closed the stream on its own, which means the job's
	// session ended while we were attached. Ask the Job Queue for the
	// authoritative exit code rather than trusting the PTY's tail output.
	resp = roundTrip(wire.Request{Type: wire.ReqWaitJob, JobID: id})
	if resp.OK {
		fmt.Fprintf(os.Stdout, "\n[bbmctl] job %d finished with exit code %d\n", id, resp.ExitCode)
	} else {
		fmt.Fprintf(os.Stdout, "\n[bbmctl] job %d ended\n", id)
	}
	os.Exit(0)
}

func sendResize(conn net.Conn, fd int) {
	cols, rows, err := term.GetSize(fd)
	if err != nil {
		return
	}
	payload := make([]byte, 4)
	binary.BigEndian.PutUint16(payload[0:2], uint16(cols))
	binary.BigEndian.PutUint16(payload[2:4], uint16(rows))
	sendFrame(conn, wire.AttachFrameResize, payload)
}

func sendFrame(conn net.Conn, frameType byte, payload []byte) {
	wire.WriteFrame(conn, frameType, payload)
}
