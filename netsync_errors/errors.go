// Provides common netsync error definitions.
package netsync_errors

import "errors"

var (
	// topology: a peer's tree shape differs from ours, the frame must be dropped
	ErrTopologyMismatch = errors.New("netsync: tree topology mismatch")
	ErrAlreadyParented  = errors.New("netsync: node already has a parent")
	ErrTreeAttached     = errors.New("netsync: tree is already attached")
	ErrNoValue          = errors.New("netsync: delta for an empty reference")

	ErrUnknownRoot      = errors.New("netsync: unknown root")
	ErrNotAuthoritative = errors.New("netsync: peer is not authoritative")
	ErrClosed           = errors.New("netsync: session closed")
)
