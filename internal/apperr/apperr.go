// Package apperr names the error taxonomy of §7 so callers can branch on
// error class with errors.Is/errors.As instead of string matching.
package apperr

import (
	"errors"
	"fmt"
)

// Sentinel errors, one per §7 category. Wrap with fmt.Errorf("...: %w", Err*)
// at the point of detection so context survives alongside the class.
var (
	// ErrFatalConfig aborts the process with exit -2.
	ErrFatalConfig = errors.New("fatal config error")
	// ErrPeerUnreachable marks an RPC timeout to another node.
	ErrPeerUnreachable = errors.New("peer unreachable")
	// ErrHostUnhealthy marks a hung host (no datagram for max_hung_minutes).
	ErrHostUnhealthy = errors.New("host unhealthy")
	// ErrProtocolMismatch marks a hook_version mismatch on registration.
	ErrProtocolMismatch = errors.New("protocol mismatch")
	// ErrPortConflict marks a registration rejected for a shared port.
	ErrPortConflict = errors.New("port conflict")
	// ErrDuplicateNode marks a second row for (guild, node) with a fresh last_seen.
	ErrDuplicateNode = errors.New("duplicate node")
	// ErrTransientStore marks a database error the pool could not absorb.
	ErrTransientStore = errors.New("transient database error")
)

// Wrap attaches sentinel to err's chain with the given context, usable with
// errors.Is(result, sentinel).
func Wrap(sentinel error, context string, cause error) error {
	if cause == nil {
		return fmt.Errorf("%s: %w", context, sentinel)
	}
	return fmt.Errorf("%s: %w: %v", context, sentinel, cause)
}

// IsFatalConfig reports whether err's chain carries ErrFatalConfig, the
// signal main() uses to pick exit code -2 over the generic failure code.
func IsFatalConfig(err error) bool {
	return errors.Is(err, ErrFatalConfig)
}
