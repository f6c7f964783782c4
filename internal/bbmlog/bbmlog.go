// Package bbmlog is a thin wrapper around the standard log package.
//
// Logger setup proper (formatting, destinations, rotation) is out of scope
// for this supervisor; call sites just want a consistently prefixed
// log.Printf without importing log directly everywhere.
package bbmlog

import "log"

// Printf logs an informational message.
func Printf(format string, args ...any) {
	log.Printf(format, args...)
}

// Warn logs a warning-level message with a "warning:" prefix, matching the
// convention used throughout the daemon for non-fatal, swallowed errors.
func Warn(format string, args ...any) {
	log.Printf("warning: "+format, args...)
}
