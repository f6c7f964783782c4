// Package interact implements the Interactive Session Driver: a
// line-oriented stdin/stdout dialogue with a live child, synchronized on a
// marker substring expected in the child's output.
//
// Many scientific and batch codes run as a REPL-style loop: send a command,
// wait for a known sentinel line, send the next command. The marker-based
// synchronization here is the minimum contract that lets a supervisor drive
// such a program without modifying it.
package interact

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/ianremillard/bbm/internal/bbmerr"
	"github.com/ianremillard/bbm/internal/session"
)

// Driver drives one already-spawned interactive session. It must be
// constructed from a *session.Session created with session.SpawnInteractive
// (or equivalent piped stdin/stdout); calling Interact before the
// underlying process exists is a programmer error and will panic via a nil
// pointer, matching Go's usual "don't call methods before construction"
// convention rather than returning a sentinel error for it.
type Driver struct {
	sess    *session.Session
	scanner *bufio.Scanner
}

// maxLineSize caps a single output line. The default Scanner limit (64KiB)
// is too small for codes that dump whole matrices or tables on one line.
const maxLineSize = 16 * 1024 * 1024

// New wraps sess for line-oriented interaction. sess must have non-nil
// Stdin/Stdout (i.e. have been spawned with session.SpawnInteractive).
func New(sess *session.Session) *Driver {
	sc := bufio.NewScanner(sess.Stdout)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	return &Driver{
		sess:    sess,
		scanner: sc,
	}
}

// Interact writes input to the child's stdin (flushed immediately) and then
// reads lines from stdout, accumulating them until a line containing
// marker is observed. It returns the accumulated text including the
// matching line, each line terminated by '\n'.
//
// Empty input is legal and causes no write; the call still reads stdout
// until marker. If stdout reaches EOF before marker is found, Interact
// fails with ErrPatternNotFound and discards the partial text. If the
// accumulated text, matching line included, is blank (whitespace only),
// Interact fails with ErrEmptyOutput; a non-blank matching line with
// nothing before it is returned as is.
func (d *Driver) Interact(ctx context.Context, input []byte, marker string) (string, error) {
	if len(input) > 0 {
		if _, err := d.sess.Stdin.Write(input); err != nil {
			return "", fmt.Errorf("interact: write stdin: %w", err)
		}
		if f, ok := d.sess.Stdin.(interface{ Flush() error }); ok {
			if err := f.Flush(); err != nil {
				return "", fmt.Errorf("interact: flush stdin: %w", err)
			}
		}
	}

	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		text, err := d.readUntilMarker(marker)
		done <- result{text, err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-done:
		return r.text, r.err
	}
}

func (d *Driver) readUntilMarker(marker string) (string, error) {
	var b strings.Builder
	for d.scanner.Scan() {
		line := d.scanner.Text()
		if !utf8.ValidString(line) {
			return "", fmt.Errorf("interact: %w", bbmerr.ErrBadEncoding)
		}
		b.WriteString(line)
		b.WriteByte('\n')
		if strings.Contains(line, marker) {
			if strings.TrimSpace(b.String()) == "" {
				return "", fmt.Errorf("interact: %w", bbmerr.ErrEmptyOutput)
			}
			return b.String(), nil
		}
	}
	if err := d.scanner.Err(); err != nil {
		// A read failure is not "pattern not found": an over-long line or a
		// broken pipe gets reported as what it is.
		return "", fmt.Errorf("interact: read stdout: %w", err)
	}
	return "", fmt.Errorf("interact: %w", bbmerr.ErrPatternNotFound)
}
