package types

import "errors"

var (
	// Session errors
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionExpired    = errors.New("session has expired")
	ErrInvalidSessionTTL = errors.New("invalid session TTL")

	// Node errors
	ErrNoNode          = errors.New("node does not exist")
	ErrNodeExists      = errors.New("node already exists")
	ErrNotEmpty        = errors.New("node has children")
	ErrEphemeralParent = errors.New("ephemeral nodes may not have children")
	ErrInvalidPath     = errors.New("invalid node path")

	// Transport errors
	// ErrConnectionLoss means the outcome of an operation is unknown: it may
	// or may not have been applied by the store.
	ErrConnectionLoss = errors.New("connection to coordination store lost")
	ErrNotLeader      = errors.New("not leader")
)

// Known lists every sentinel that can cross a transport boundary.
var Known = []error{
	ErrSessionNotFound,
	ErrSessionExpired,
	ErrInvalidSessionTTL,
	ErrNoNode,
	ErrNodeExists,
	ErrNotEmpty,
	ErrEphemeralParent,
	ErrInvalidPath,
	ErrConnectionLoss,
	ErrNotLeader,
}
