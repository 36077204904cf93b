// Package transport defines the boundary between the reliability core
// and concrete socket servers. The core talks to a Transport; sessions
// hold opaque connection handles.
package transport

import (
	"context"
	"net/http"

	"github.com/efecan0/binaryrpc-framework/qos"
	"github.com/efecan0/binaryrpc-framework/session"
)

// DataHandler receives each inbound DATA payload that survived duplicate
// checks, together with the session and the originating connection.
type DataHandler func(payload []byte, s *session.Session, conn session.Conn)

// SessionRegisterHandler fires when a socket finishes binding to a
// session.
type SessionRegisterHandler func(s *session.Session)

// DisconnectHandler fires after a socket closes and the session state has
// been settled.
type DisconnectHandler func(s *session.Session)

// HandshakeInspector extracts a client identity from an upgrade request.
// A non-nil error rejects the handshake with HTTP 400 and the reason
// returned by RejectReason.
type HandshakeInspector interface {
	Extract(r *http.Request) (session.Identity, error)
	RejectReason() string
}

// Transport is a socket server bridging wire frames to the reliability
// core.
type Transport interface {
	// Start begins serving. It returns once the listener is bound;
	// serving continues in the background.
	Start(addr string) error
	// Stop shuts the server down, joining the retry scheduler.
	Stop(ctx context.Context) error

	// SetReliable installs reliability options. It may be called after
	// Start; the WebSocket server then resets in-flight QoS state when the
	// level, base retry or retry bound changes.
	SetReliable(opts qos.ReliableOptions)
	// SetHandshakeInspector replaces the default inspector.
	SetHandshakeInspector(insp HandshakeInspector)

	// Broadcast sends data to every live connection at the configured
	// QoS level.
	Broadcast(data []byte)
	// SendToClient sends data on a specific connection at the configured
	// QoS level.
	SendToClient(conn session.Conn, data []byte)
	// SendToSession routes data to the session's live socket, or into
	// its offline queue when disconnected.
	SendToSession(s *session.Session, data []byte)
	// DisconnectClient closes the connection.
	DisconnectClient(conn session.Conn)

	// OnData installs the inbound payload callback.
	OnData(h DataHandler)
	// OnSessionRegister installs the session bind callback.
	OnSessionRegister(h SessionRegisterHandler)
	// OnDisconnect installs the close callback.
	OnDisconnect(h DisconnectHandler)
}
