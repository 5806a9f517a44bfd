package hub

import (
	"context"
	"fmt"
	"net/http"
)

// HeaderIdentityResolver resolves the principal from a request header.
// It is intended for deployments where an upstream gateway has already
// verified credentials and forwards the identity, and for tests.
type HeaderIdentityResolver struct {
	// Header is the header carrying the principal, e.g. "X-Auth-Principal".
	Header string
	// AllowQueryFallback additionally accepts the identity from the
	// 'principal' query parameter when the header is absent. Only enable
	// this for clients that cannot set headers (e.g. browser WebSocket
	// handshakes without a gateway in front); a gateway-header deployment
	// should leave it off so the header cannot be bypassed.
	AllowQueryFallback bool
	// AllowAnonymous admits connections without an identity as the
	// anonymous principal instead of rejecting them.
	AllowAnonymous bool
}

// Resolve implements IdentityResolver.
func (h *HeaderIdentityResolver) Resolve(_ context.Context, r *http.Request) (string, error) {
	principal := r.Header.Get(h.Header)
	if principal == "" && h.AllowQueryFallback {
		principal = r.URL.Query().Get("principal")
	}
	if principal == "" {
		if h.AllowAnonymous {
			return "anonymous", nil
		}
		return "", fmt.Errorf("%w: missing %s header", ErrUnauthorized, h.Header)
	}
	return principal, nil
}
