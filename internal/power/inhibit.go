// Package power holds local OS sleep inhibitors and mirrors the guard
// engines' verdicts into them.
package power

import "errors"

// ErrUnsupported is returned by Start on platforms without a sleep
// inhibitor killswitch can drive.
var ErrUnsupported = errors.New("os sleep inhibition not supported on this platform")

// Inhibitor prevents the local system from sleeping while held.
type Inhibitor interface {
	// Start begins inhibiting system sleep. Returns an error if the
	// platform mechanism is unavailable; callers should treat this as
	// non-fatal (log and continue).
	Start() error

	// Stop releases the sleep inhibition. Safe to call multiple times.
	Stop()
}

// New returns a platform-appropriate Inhibitor.
// See inhibit_darwin.go, inhibit_linux.go, inhibit_other.go.
func New() Inhibitor {
	return newInhibitor()
}
