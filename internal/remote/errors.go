package remote

import "errors"

// Rejection classes surfaced by the remote store. Anything not matching one
// of these is treated as transient and handed to the backoff scheduler.
var (
	// ErrValidation marks a malformed or oversized payload. Terminal.
	ErrValidation = errors.New("validation rejected")
	// ErrPermission marks a server-side policy rejection. Terminal.
	ErrPermission = errors.New("permission denied")
	// ErrConflict marks an identity collision detected post-hoc. Should not
	// occur: conversation identity is deterministic and message identity is
	// server-assigned.
	ErrConflict = errors.New("identity conflict")
)

// Terminal reports whether err is a rejection that must not be retried.
func Terminal(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrPermission)
}
