package storage

import "errors"

var (
	// ErrNotFound indicates the requested record does not exist, or is not in
	// the state the operation requires (e.g. signing an already-signed request).
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a domain-level uniqueness violation: revoking an
	// already-revoked serial, or issuing a second certificate for a key id
	// while unique key id enforcement is on.
	ErrConflict = errors.New("already present")
	// ErrCapacityExceeded indicates the pending signing request limit has been
	// reached. The caller decides whether to retry later or override the limit.
	ErrCapacityExceeded = errors.New("pending request limit reached")
	// ErrCorruptBackup indicates a restore stream ended mid-statement.
	ErrCorruptBackup = errors.New("truncated backup stream")
)
