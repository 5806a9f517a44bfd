package hub

import (
	"context"
	"net/http"
)

// IdentityResolver turns a handshake request into a verified principal.
// The core trusts its output and never re-validates credentials. A failure
// must be (or wrap) ErrUnauthorized; the connection then never enters the
// registry.
type IdentityResolver interface {
	Resolve(ctx context.Context, r *http.Request) (principal string, err error)
}

// Publication is a (destination, payload) pair returned by an AppHandler
// for the router to publish.
type Publication struct {
	Destination string
	Payload     []byte
}

// AppHandler handles application-inbound messages for one app.* action
// prefix. Returned publications are published by the router on the
// handler's behalf.
type AppHandler func(ctx context.Context, action string, payload []byte, principal string) ([]Publication, error)

// RelayTransport ships envelopes between hub instances over an external
// pub/sub channel. Absence of a transport is a valid configuration
// (single-instance mode). Implementations must deliver at least once;
// the relay core deduplicates on ingest.
type RelayTransport interface {
	// Send publishes the envelope to the peer channel.
	Send(ctx context.Context, envelope *Envelope) error

	// Start begins consuming peer envelopes, invoking onReceive for each.
	// It must return promptly once consumption is running.
	Start(ctx context.Context, onReceive func(context.Context, *Envelope) error) error

	// Stop halts consumption and releases transport resources.
	Stop(ctx context.Context) error
}
