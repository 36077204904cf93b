package session

import (
	"sync"
	"time"

	"github.com/efecan0/binaryrpc-framework/qos"
)

// State is the connection state of a session.
type State int

const (
	// Offline means no socket is currently bound to the session.
	Offline State = iota
	// Online means a live socket is attached.
	Online
)

func (s State) String() string {
	switch s {
	case Online:
		return "online"
	case Offline:
		return "offline"
	default:
		return "unknown"
	}
}

// Conn is the transport-owned handle for a live socket. The session holds
// it as a non-owning reference; the transport clears it on close.
type Conn interface {
	// Close asks the transport to close the socket with the given
	// WebSocket close code and reason, from the socket's own writer.
	Close(code int, reason string)
}

// Session is the long-lived per-client server-side state. It outlives
// individual sockets for the duration of the session TTL; the QoS
// connection state it carries makes pending messages survive reconnects.
// Sessions are created and destroyed only by the Manager.
type Session struct {
	id       string
	identity Identity

	// QoS holds the pending tables and seen-id window shared between the
	// transport read path and the retry scheduler.
	QoS *qos.ConnState

	mu        sync.RWMutex
	conn      Conn
	state     State
	expiry    time.Time
	dupFilter *qos.DuplicateFilter
	dupTTL    time.Duration
}

func newSession(id string, identity Identity, dupTTL time.Duration) *Session {
	return &Session{
		id:        id,
		identity:  identity,
		QoS:       qos.NewConnState(),
		state:     Offline,
		dupFilter: qos.NewDuplicateFilter(dupTTL),
		dupTTL:    dupTTL,
	}
}

// ID returns the stable session id, unique for the process lifetime.
func (s *Session) ID() string {
	return s.id
}

// Identity returns the client identity, token included.
func (s *Session) Identity() Identity {
	return s.identity
}

// Rebind attaches the session to a new socket (or detaches it when conn
// is nil). The duplicate filter is replaced because its hashes refer to
// the prior connection.
func (s *Session) Rebind(conn Conn) {
	s.mu.Lock()
	s.conn = conn
	s.dupFilter = qos.NewDuplicateFilter(s.dupTTL)
	s.mu.Unlock()
}

// Conn returns the live socket handle, nil when offline.
func (s *Session) Conn() Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn
}

// SetState sets the online/offline state.
func (s *Session) SetState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// IsOnline reports whether a live socket is attached.
func (s *Session) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state == Online && s.conn != nil
}

// SetExpiry sets the expiry deadline.
func (s *Session) SetExpiry(t time.Time) {
	s.mu.Lock()
	s.expiry = t
	s.mu.Unlock()
}

// Expiry returns the expiry deadline.
func (s *Session) Expiry() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.expiry
}

// AcceptPayload consults the request-side duplicate filter. It reports
// true when the payload has not been seen on this connection within the
// duplicate TTL.
func (s *Session) AcceptPayload(payload []byte) bool {
	s.mu.RLock()
	f := s.dupFilter
	s.mu.RUnlock()
	return f.Accept(payload)
}
