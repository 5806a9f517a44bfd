package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-message-hub/internal/directory"
	"github.com/tinywideclouds/go-message-hub/internal/presence"
	"github.com/tinywideclouds/go-message-hub/internal/router"
	"github.com/tinywideclouds/go-message-hub/internal/session"
	"github.com/tinywideclouds/go-message-hub/pkg/hub"
)

const (
	defaultWriteTimeout = 10 * time.Second
	defaultDrainTimeout = 5 * time.Second
)

// errClientDisconnect signals a clean disconnect frame from the client.
var errClientDisconnect = errors.New("client requested disconnect")

// ManagerConfig holds the WebSocket transport tunables.
type ManagerConfig struct {
	// WriteTimeout bounds each frame write to the socket.
	WriteTimeout time.Duration
	// DrainTimeout bounds how long a clean disconnect waits for the
	// outbound backlog to flush.
	DrainTimeout time.Duration
}

// ConnectionManager upgrades HTTP requests to WebSockets and runs each
// connection's frame loop against the hub core.
type ConnectionManager struct {
	upgrader  websocket.Upgrader
	resolver  hub.IdentityResolver
	registry  *session.Registry
	directory *directory.Directory
	presence  *presence.Coordinator
	router    *router.Router
	cfg       ManagerConfig
	logger    zerolog.Logger
}

// NewConnectionManager creates and wires up a new WebSocket connection manager.
func NewConnectionManager(
	resolver hub.IdentityResolver,
	registry *session.Registry,
	dir *directory.Directory,
	pres *presence.Coordinator,
	rt *router.Router,
	cfg ManagerConfig,
	logger zerolog.Logger,
) *ConnectionManager {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}
	return &ConnectionManager{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// TODO: Implement a real origin check
				return true
			},
		},
		resolver:  resolver,
		registry:  registry,
		directory: dir,
		presence:  pres,
		router:    rt,
		cfg:       cfg,
		logger:    logger.With().Str("component", "ConnectionManager").Logger(),
	}
}

// ConnectHandler upgrades a new HTTP request to a WebSocket and manages its
// lifecycle: identity resolution, registration, frame loop, teardown.
func (cm *ConnectionManager) ConnectHandler(w http.ResponseWriter, r *http.Request) {
	principal, err := cm.resolver.Resolve(r.Context(), r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	wsConn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		cm.logger.Error().Err(err).Msg("Failed to upgrade connection.")
		return
	}
	defer func() {
		if err := wsConn.Close(); err != nil {
			cm.logger.Debug().Err(err).Msg("error closing connection")
		}
	}()

	connID := uuid.NewString()
	sock := &wsSocket{conn: wsConn, writeTimeout: cm.cfg.WriteTimeout}

	if err := cm.registry.Register(connID, principal); err != nil {
		_ = sock.write(errorFrame("", err))
		return
	}

	cm.logger.Info().Str("conn", connID).Str("principal", principal).Msg("User connected via WebSocket.")
	if err := sock.write(connectedFrame(connID, principal)); err != nil {
		cm.registry.Destroy(connID)
		return
	}

	out, ok := cm.registry.Outbound(connID)
	if !ok {
		cm.registry.Destroy(connID)
		return
	}

	writerDone := make(chan struct{})
	go cm.writePump(r.Context(), sock, out, writerDone)

	err = cm.readLoop(r.Context(), sock, connID, principal)
	if errors.Is(err, errClientDisconnect) {
		// Clean close: let queued envelopes flush before teardown.
		cm.registry.MarkClosing(connID)
		select {
		case <-writerDone:
		case <-time.After(cm.cfg.DrainTimeout):
			cm.logger.Warn().Str("conn", connID).Msg("Drain timed out on clean disconnect")
		}
	}
	cm.registry.Destroy(connID)
	<-writerDone
	cm.logger.Info().Str("conn", connID).Str("principal", principal).Msg("User disconnected.")
}

// writePump is the connection's single socket writer. It drains the
// outbound queue until the queue terminates or a write fails.
func (cm *ConnectionManager) writePump(ctx context.Context, sock *wsSocket, out *session.Outbound, done chan<- struct{}) {
	defer close(done)
	for {
		env, err := out.Next(ctx)
		if err != nil {
			return
		}
		if err := sock.write(messageFrame(env)); err != nil {
			cm.logger.Debug().Err(err).Msg("Write to client failed")
			return
		}
	}
}

// readLoop consumes client frames until the socket errors or the client
// sends a disconnect frame. Malformed JSON gets an error frame and the
// connection survives.
func (cm *ConnectionManager) readLoop(ctx context.Context, sock *wsSocket, connID, principal string) error {
	for {
		var frame ClientFrame
		if err := sock.conn.ReadJSON(&frame); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				_ = sock.write(protocolErrorFrame("", CodeInvalidFrame, "malformed frame"))
				continue
			}
			return err
		}
		if err := cm.handleFrame(ctx, sock, connID, principal, frame); err != nil {
			return err
		}
	}
}

func (cm *ConnectionManager) handleFrame(ctx context.Context, sock *wsSocket, connID, principal string, frame ClientFrame) error {
	switch frame.Type {
	case FrameSubscribe:
		subID, err := cm.directory.Subscribe(connID, frame.Destination)
		if err != nil {
			return sock.write(errorFrame(frame.ID, err))
		}
		receipt := receiptFrame(frame.ID)
		receipt.SubscriptionID = subID
		return sock.write(receipt)

	case FrameUnsubscribe:
		if err := cm.directory.Unsubscribe(connID, frame.SubscriptionID); err != nil {
			return sock.write(errorFrame(frame.ID, err))
		}
		return sock.write(receiptFrame(frame.ID))

	case FrameSend:
		env := hub.NewEnvelope(frame.Destination, frame.Payload, principal)
		report, err := cm.router.Publish(ctx, env)
		if err != nil {
			return sock.write(errorFrame(frame.ID, err))
		}
		receipt := receiptFrame(frame.ID)
		receipt.Delivered = report.Delivered()
		return sock.write(receipt)

	case FrameHeartbeat:
		if err := cm.registry.Heartbeat(connID); err != nil {
			return err
		}
		return nil

	case FrameTyping:
		cm.presence.Typing(principal)
		return nil

	case FrameDisconnect:
		return errClientDisconnect

	default:
		return sock.write(protocolErrorFrame(frame.ID, CodeInvalidFrame, "unknown frame type: "+frame.Type))
	}
}

// wsSocket serializes writes to one gorilla connection. The write pump
// and control replies share it, so writes are guarded by a mutex.
type wsSocket struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	mu sync.Mutex
}

func (s *wsSocket) write(frame ServerFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return s.conn.WriteJSON(frame)
}
