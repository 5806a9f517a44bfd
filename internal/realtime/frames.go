// Package realtime provides the client-facing transports: the WebSocket
// connection manager and the long-poll fallback. Both speak the same
// JSON frame protocol and drain the same per-connection outbound queue.
package realtime

import (
	"encoding/json"
	"errors"

	"github.com/tinywideclouds/go-message-hub/pkg/hub"
)

// Client frame types.
const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FrameSend        = "send"
	FrameHeartbeat   = "heartbeat"
	FrameTyping      = "typing"
	FrameDisconnect  = "disconnect"
)

// Server frame types.
const (
	FrameConnected = "connected"
	FrameMessage   = "message"
	FrameReceipt   = "receipt"
	FrameError     = "error"
)

// Error codes carried by error frames.
const (
	CodeInvalidFrame       = "invalid-frame"
	CodeInvalidDestination = "invalid-destination"
	CodeNotFound           = "not-found"
	CodeCapacity           = "capacity"
	CodeInternal           = "internal"
)

// ClientFrame is a single inbound frame. ID is a client-chosen
// correlation token echoed back on receipts and errors.
type ClientFrame struct {
	Type           string          `json:"type"`
	ID             string          `json:"id,omitempty"`
	Destination    string          `json:"destination,omitempty"`
	SubscriptionID string          `json:"subscription_id,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// ServerFrame is a single outbound frame. Only the fields relevant to
// the frame type are populated.
type ServerFrame struct {
	Type           string        `json:"type"`
	Ref            string        `json:"ref,omitempty"`
	ConnectionID   string        `json:"connection_id,omitempty"`
	Principal      string        `json:"principal,omitempty"`
	SubscriptionID string        `json:"subscription_id,omitempty"`
	Envelope       *hub.Envelope `json:"envelope,omitempty"`
	Delivered      int           `json:"delivered,omitempty"`
	Code           string        `json:"code,omitempty"`
	Reason         string        `json:"reason,omitempty"`
}

func connectedFrame(connID, principal string) ServerFrame {
	return ServerFrame{Type: FrameConnected, ConnectionID: connID, Principal: principal}
}

func messageFrame(env *hub.Envelope) ServerFrame {
	return ServerFrame{Type: FrameMessage, Envelope: env}
}

func receiptFrame(ref string) ServerFrame {
	return ServerFrame{Type: FrameReceipt, Ref: ref}
}

func errorFrame(ref string, err error) ServerFrame {
	return ServerFrame{Type: FrameError, Ref: ref, Code: errorCode(err), Reason: err.Error()}
}

func protocolErrorFrame(ref, code, reason string) ServerFrame {
	return ServerFrame{Type: FrameError, Ref: ref, Code: code, Reason: reason}
}

// errorCode maps hub sentinel errors to wire-level codes.
func errorCode(err error) string {
	switch {
	case errors.Is(err, hub.ErrInvalidDestination):
		return CodeInvalidDestination
	case errors.Is(err, hub.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, hub.ErrCapacity):
		return CodeCapacity
	default:
		return CodeInternal
	}
}
