package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-message-hub/internal/directory"
	"github.com/tinywideclouds/go-message-hub/internal/presence"
	"github.com/tinywideclouds/go-message-hub/internal/router"
	"github.com/tinywideclouds/go-message-hub/internal/session"
	"github.com/tinywideclouds/go-message-hub/pkg/hub"
)

const (
	defaultBatchLimit = 50
	maxBatchLimit     = 500
	defaultPollWait   = 0 * time.Second
	maxPollWait       = 30 * time.Second
)

// LongPollAPI is the HTTP fallback transport for clients that cannot
// hold a WebSocket. A long-poll connection shares the session registry
// and outbound queue machinery with WebSocket connections; only the
// drain path differs.
type LongPollAPI struct {
	resolver  hub.IdentityResolver
	registry  *session.Registry
	directory *directory.Directory
	presence  *presence.Coordinator
	router    *router.Router
	logger    zerolog.Logger
}

// NewLongPollAPI creates the long-poll handler set.
func NewLongPollAPI(
	resolver hub.IdentityResolver,
	registry *session.Registry,
	dir *directory.Directory,
	pres *presence.Coordinator,
	rt *router.Router,
	logger zerolog.Logger,
) *LongPollAPI {
	return &LongPollAPI{
		resolver:  resolver,
		registry:  registry,
		directory: dir,
		presence:  pres,
		router:    rt,
		logger:    logger.With().Str("component", "LongPollAPI").Logger(),
	}
}

// pollMessages is the body returned by the message drain endpoint.
type pollMessages struct {
	Messages []*hub.Envelope `json:"messages"`
}

// ConnectHandler registers a long-poll connection and returns its ID.
func (a *LongPollAPI) ConnectHandler(w http.ResponseWriter, r *http.Request) {
	principal, err := a.resolver.Resolve(r.Context(), r)
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, "missing authentication token")
		return
	}

	connID := uuid.NewString()
	if err := a.registry.Register(connID, principal); err != nil {
		if errors.Is(err, hub.ErrCapacity) {
			writeJSONError(w, http.StatusServiceUnavailable, "connection table is full")
			return
		}
		a.logger.Error().Err(err).Msg("Failed to register long-poll connection")
		writeJSONError(w, http.StatusInternalServerError, "failed to register connection")
		return
	}

	a.logger.Info().Str("conn", connID).Str("principal", principal).Msg("User connected via long-poll.")
	writeJSON(w, http.StatusCreated, connectedFrame(connID, principal))
}

// FrameHandler accepts one client frame over plain HTTP and returns the
// server's reply frame. It gives long-poll clients the same operations
// a WebSocket client has.
func (a *LongPollAPI) FrameHandler(w http.ResponseWriter, r *http.Request) {
	connID, principal, ok := a.resolveConnection(w, r)
	if !ok {
		return
	}

	var frame ClientFrame
	if err := json.NewDecoder(r.Body).Decode(&frame); err != nil {
		writeJSON(w, http.StatusBadRequest, protocolErrorFrame("", CodeInvalidFrame, "malformed frame"))
		return
	}

	switch frame.Type {
	case FrameSubscribe:
		subID, err := a.directory.Subscribe(connID, frame.Destination)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorFrame(frame.ID, err))
			return
		}
		receipt := receiptFrame(frame.ID)
		receipt.SubscriptionID = subID
		writeJSON(w, http.StatusOK, receipt)

	case FrameUnsubscribe:
		if err := a.directory.Unsubscribe(connID, frame.SubscriptionID); err != nil {
			writeJSON(w, http.StatusNotFound, errorFrame(frame.ID, err))
			return
		}
		writeJSON(w, http.StatusOK, receiptFrame(frame.ID))

	case FrameSend:
		env := hub.NewEnvelope(frame.Destination, frame.Payload, principal)
		report, err := a.router.Publish(r.Context(), env)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorFrame(frame.ID, err))
			return
		}
		receipt := receiptFrame(frame.ID)
		receipt.Delivered = report.Delivered()
		writeJSON(w, http.StatusOK, receipt)

	case FrameHeartbeat:
		if err := a.registry.Heartbeat(connID); err != nil {
			writeJSON(w, http.StatusNotFound, errorFrame(frame.ID, hub.ErrNotFound))
			return
		}
		writeJSON(w, http.StatusOK, receiptFrame(frame.ID))

	case FrameTyping:
		a.presence.Typing(principal)
		writeJSON(w, http.StatusOK, receiptFrame(frame.ID))

	case FrameDisconnect:
		a.registry.MarkClosing(connID)
		a.registry.Destroy(connID)
		writeJSON(w, http.StatusOK, receiptFrame(frame.ID))

	default:
		writeJSON(w, http.StatusBadRequest, protocolErrorFrame(frame.ID, CodeInvalidFrame, "unknown frame type: "+frame.Type))
	}
}

// MessagesHandler drains the connection's outbound queue. With a 'wait'
// parameter it blocks until at least one envelope arrives or the window
// elapses. Each poll also refreshes the connection's liveness.
func (a *LongPollAPI) MessagesHandler(w http.ResponseWriter, r *http.Request) {
	connID, _, ok := a.resolveConnection(w, r)
	if !ok {
		return
	}
	_ = a.registry.Heartbeat(connID)

	limit, err := parseLimit(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid 'limit' parameter, must be an integer")
		return
	}
	wait, err := parseWait(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid 'wait' parameter, must be seconds")
		return
	}

	out, ok := a.registry.Outbound(connID)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "unknown connection")
		return
	}

	batch := out.TakeBatch(limit)
	if len(batch) == 0 && wait > 0 {
		waitCtx, cancel := context.WithTimeout(r.Context(), wait)
		env, nextErr := out.Next(waitCtx)
		cancel()
		if nextErr == nil {
			batch = append(batch, env)
			if remaining := limit - 1; remaining > 0 {
				batch = append(batch, out.TakeBatch(remaining)...)
			}
		}
	}

	writeJSON(w, http.StatusOK, pollMessages{Messages: batch})
}

// resolveConnection validates the connection_id parameter and checks the
// caller's identity matches the connection's principal.
func (a *LongPollAPI) resolveConnection(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	caller, err := a.resolver.Resolve(r.Context(), r)
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, "missing authentication token")
		return "", "", false
	}

	connID := r.URL.Query().Get("connection_id")
	if connID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing 'connection_id' parameter")
		return "", "", false
	}

	principal, ok := a.registry.Principal(connID)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "unknown connection")
		return "", "", false
	}
	if principal != caller {
		writeJSONError(w, http.StatusForbidden, "connection belongs to another principal")
		return "", "", false
	}
	return connID, principal, true
}

func parseLimit(r *http.Request) (int, error) {
	limit := defaultBatchLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		val, err := strconv.Atoi(limitStr)
		if err != nil {
			return 0, err
		}
		if val > maxBatchLimit {
			limit = maxBatchLimit
		} else if val > 0 {
			limit = val
		}
	}
	return limit, nil
}

func parseWait(r *http.Request) (time.Duration, error) {
	wait := defaultPollWait
	if waitStr := r.URL.Query().Get("wait"); waitStr != "" {
		val, err := strconv.Atoi(waitStr)
		if err != nil {
			return 0, err
		}
		if d := time.Duration(val) * time.Second; d > maxPollWait {
			wait = maxPollWait
		} else if d > 0 {
			wait = d
		}
	}
	return wait, nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
