// bbmrun supervises a single job without a daemon: it materializes a
// Computation from a script (and optional input) in the current
// directory, runs it to completion, and races the run against a timeout,
// SIGINT, and a polled STOP-file sentinel.
//
// Usage:
//
//	bbmrun [--timeout <duration>] <script-file> [input-file]
//
// Exit status is 0 if the supervised program completed on its own, 1 if
// the run was cut short by timeout or interruption. The supervised
// program's own exit status is reported separately on stderr and never
// merged into bbmrun's own exit code.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/ianremillard/bbm/internal/job"
	"github.com/ianremillard/bbm/internal/supervise"
)

// unsetTimeout is the flag's default: a negative duration can never be a
// real timeout, so it unambiguously means "--timeout was not given" and is
// distinct from an explicit "--timeout 0s", which must fire immediately.
const unsetTimeout = -1 * time.Nanosecond

func main() {
	timeout := flag.Duration("timeout", unsetTimeout, "maximum time to let the job run (default 48h; 0 fires immediately)")
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: bbmrun [--timeout <duration>] <script-file> [input-file]")
		os.Exit(1)
	}

	script, err := os.ReadFile(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "bbmrun: reading script: %v\n", err)
		os.Exit(1)
	}
	var input []byte
	if len(args) >= 2 {
		input, err = os.ReadFile(args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "bbmrun: reading input: %v\n", err)
			os.Exit(1)
		}
	}

	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "bbmrun: determining cwd: %v\n", err)
		os.Exit(1)
	}

	c, err := job.Materialize(cwd, job.NewJob(string(script), input))
	if err != nil {
		fmt.Fprintf(os.Stderr, "bbmrun: materializing job: %v\n", err)
		os.Exit(1)
	}
	defer c.Close()

	opts := supervise.Options{Dir: cwd}
	if *timeout >= 0 {
		opts.Timeout = timeout
	}

	res, err := supervise.Run(c, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bbmrun: %v\n", err)
	}
	fmt.Fprintf(os.Stderr, "bbmrun: child exit code: %d\n", res.ChildExitCode)
	os.Exit(supervise.ExitCode(res))
}
