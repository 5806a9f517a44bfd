package hub

import "errors"

// Sentinel errors returned by the hub core. Callers are expected to test
// them with errors.Is; wrapped variants carry the offending identifier.
var (
	// ErrUnauthorized means identity resolution failed during the handshake.
	// The connection is rejected before it ever enters the registry.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrDuplicateConnection means a connection id is already registered.
	ErrDuplicateConnection = errors.New("duplicate connection")

	// ErrUnknownConnection means the connection id is not in the registry.
	ErrUnknownConnection = errors.New("unknown connection")

	// ErrNotFound means a subscription id does not exist for the connection.
	ErrNotFound = errors.New("subscription not found")

	// ErrInvalidDestination means a destination string matches no known class.
	ErrInvalidDestination = errors.New("invalid destination")

	// ErrCapacity means the hub's connection table is full. New connects
	// are rejected; existing connections are unaffected.
	ErrCapacity = errors.New("connection capacity reached")
)
