// Package procref provides a read-only view of OS processes (pid,
// start-time, state, session id) read directly from procfs, and the
// ProcessRef identity that makes a pid resistant to reuse.
package procref

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// procfsRoot is overridable in tests.
var procfsRoot = "/proc"

// Ref identifies a single OS process by the pair (pid, start-time-ticks),
// making it resistant to pid reuse: once a pid exits, the kernel may hand
// the same number to an unrelated process, but that process will have a
// different start time.
type Ref struct {
	Pid        int
	StartTicks uint64
}

// Current reads pid's current ProcessRef from procfs. It fails if pid is
// not a live process.
func Current(pid int) (Ref, error) {
	st, err := readStat(pid)
	if err != nil {
		return Ref{}, err
	}
	return Ref{Pid: pid, StartTicks: st.startTicks}, nil
}

// Alive reports whether ref still identifies a live process: the pid must
// exist and its current start-time must match the one recorded in ref.
// A pid that has been reused by an unrelated process reports false.
func Alive(ref Ref) bool {
	st, err := readStat(ref.Pid)
	if err != nil {
		return false
	}
	return st.startTicks == ref.StartTicks
}

// State is a process's single-character scheduler state as reported by
// procfs ('R' running, 'S' sleeping, 'T' stopped, 'Z' zombie, ...).
type State byte

const (
	StateRunning State = 'R'
	StateSleep   State = 'S'
	StateDisk    State = 'D'
	StateStopped State = 'T'
	StateZombie  State = 'Z'
)

// IsPaused reports whether state reflects a SIGSTOP'd process.
func (s State) IsPaused() bool { return s == StateStopped }

// IsRunning reports whether state reflects a runnable/running process.
func (s State) IsRunning() bool { return s == StateRunning || s == StateSleep || s == StateDisk }

// Snapshot is a point-in-time view of one process, sufficient to drive the
// pause/resume test ("every process satisfies is_paused()") and session
// enumeration.
type Snapshot struct {
	Ref
	State     State
	SessionID int
}

// InSession returns a snapshot of every process currently sharing session
// id sid, by scanning every numeric entry under procfs. Processes that
// vanish mid-scan are silently skipped rather than treated as an error.
func InSession(sid int) ([]Snapshot, error) {
	entries, err := os.ReadDir(procfsRoot)
	if err != nil {
		return nil, fmt.Errorf("procref: read %s: %w", procfsRoot, err)
	}

	var out []Snapshot
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue // not a pid directory
		}
		st, err := readStat(pid)
		if err != nil {
			continue // vanished mid-scan
		}
		if st.sid != sid {
			continue
		}
		out = append(out, Snapshot{
			Ref:       Ref{Pid: pid, StartTicks: st.startTicks},
			State:     st.state,
			SessionID: st.sid,
		})
	}
	return out, nil
}

// rawStat holds the procfs /proc/<pid>/stat fields this package needs.
// See https://docs.kernel.org/filesystems/proc.html for the full field
// list; fields are 1-indexed in the kernel doc, comments below follow that
// numbering.
type rawStat struct {
	state      State  // field 3
	ppid       int    // field 4
	pgrp       int    // field 5
	sid        int    // field 6 (session id)
	startTicks uint64 // field 22 (starttime, clock ticks since boot)
}

// readStat parses /proc/<pid>/stat. The comm field (2nd, parenthesized)
// may itself contain spaces or parens, so we split on the last ')' rather
// than naively splitting on whitespace.
func readStat(pid int) (rawStat, error) {
	path := fmt.Sprintf("%s/%d/stat", procfsRoot, pid)
	data, err := os.ReadFile(path)
	if err != nil {
		return rawStat{}, fmt.Errorf("procref: %w", err)
	}

	line := string(data)
	close := strings.LastIndexByte(line, ')')
	if close < 0 {
		return rawStat{}, fmt.Errorf("procref: malformed stat line for pid %d", pid)
	}
	rest := strings.Fields(line[close+2:]) // fields 3..N, 0-indexed here

	if len(rest) < 20 {
		return rawStat{}, fmt.Errorf("procref: truncated stat line for pid %d", pid)
	}

	state := State(rest[0][0])
	ppid, _ := strconv.Atoi(rest[1])
	pgrp, _ := strconv.Atoi(rest[2])
	sid, _ := strconv.Atoi(rest[3])
	// field 22 is rest[22-3] = rest[19] in this 0-indexed slice (rest[0] is field 3).
	startTicks, err := strconv.ParseUint(rest[19], 10, 64)
	if err != nil {
		return rawStat{}, fmt.Errorf("procref: parse starttime for pid %d: %w", pid, err)
	}

	return rawStat{state: state, ppid: ppid, pgrp: pgrp, sid: sid, startTicks: startTicks}, nil
}

// ScanReader is exposed for tests that want to feed a synthetic stat line
// through the same field-splitting logic as readStat.
func ScanReader(line string) (state State, sid int, startTicks uint64, err error) {
	close := strings.LastIndexByte(line, ')')
	if close < 0 {
		return 0, 0, 0, fmt.Errorf("procref: malformed stat line")
	}
	sc := bufio.NewScanner(strings.NewReader(line[close+2:]))
	sc.Split(bufio.ScanWords)
	fields := make([]string, 0, 20)
	for sc.Scan() {
		fields = append(fields, sc.Text())
	}
	if len(fields) < 20 {
		return 0, 0, 0, fmt.Errorf("procref: truncated stat line")
	}
	state = State(fields[0][0])
	sid, _ = strconv.Atoi(fields[3])
	startTicks, err = strconv.ParseUint(fields[19], 10, 64)
	return state, sid, startTicks, err
}

// Kill sends signal sig to pid directly (single-process, not session-wide).
func Kill(pid int, sig unix.Signal) error {
	if err := unix.Kill(pid, sig); err != nil && err != unix.ESRCH {
		return fmt.Errorf("procref: kill pid %d: %w", pid, err)
	}
	return nil
}
