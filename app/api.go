package app

import (
	"github.com/efecan0/binaryrpc-framework/session"
	"github.com/efecan0/binaryrpc-framework/transport"
)

// API is the boundary exposed to handler code. Handlers never touch
// sockets; everything routes through the session manager and the
// transport.
type API struct {
	sessions *session.Manager
	tr       transport.Transport
}

// NewAPI builds an API over an existing manager and transport.
func NewAPI(sessions *session.Manager, tr transport.Transport) *API {
	return &API{sessions: sessions, tr: tr}
}

// SendTo sends data to the session's live connection. It reports false
// when the session is unknown or offline.
func (a *API) SendTo(sid string, data []byte) bool {
	s := a.sessions.GetSession(sid)
	if s == nil {
		return false
	}
	conn := s.Conn()
	if conn == nil {
		return false
	}
	a.tr.SendToClient(conn, data)
	return true
}

// SendToSession delivers data to a session, routing to its offline queue
// when disconnected. The returned error reports a full queue.
func (a *API) SendToSession(s *session.Session, data []byte) error {
	if s == nil {
		return session.ErrNotFound
	}
	if !s.IsOnline() {
		return a.sessions.AddOfflineMessage(s.ID(), data)
	}
	a.tr.SendToSession(s, data)
	return nil
}

// Disconnect closes the session's live connection. It reports false when
// the session is unknown.
func (a *API) Disconnect(sid string) bool {
	s := a.sessions.GetSession(sid)
	if s == nil {
		return false
	}
	if conn := s.Conn(); conn != nil {
		a.tr.DisconnectClient(conn)
	}
	return true
}

// ListSessionIDs returns all live session ids.
func (a *API) ListSessionIDs() []string {
	return a.sessions.ListSessionIDs()
}

// FindBy returns the sessions whose indexed field equals value.
func (a *API) FindBy(field, value string) []*session.Session {
	sids := a.sessions.FindIndexed(field, value)
	out := make([]*session.Session, 0, len(sids))
	for _, sid := range sids {
		if s := a.sessions.GetSession(sid); s != nil {
			out = append(out, s)
		}
	}
	return out
}

// Fieldable is the set of types storable in a session field.
type Fieldable interface {
	~string | ~bool | ~int64 | ~uint64 | ~[]string
}

// SetField stores a typed field on a session, optionally mirrored into
// the generic index.
func SetField[T Fieldable](a *API, sid, key string, value T, indexed bool) bool {
	return a.sessions.SetField(sid, key, toFieldValue(value), indexed)
}

// GetField reads a typed field from a session. It reports false when the
// field is absent or holds a different type.
func GetField[T Fieldable](a *API, sid, key string) (T, bool) {
	var zero T
	fv, ok := a.sessions.GetField(sid, key)
	if !ok {
		return zero, false
	}
	return fromFieldValue[T](fv)
}

func toFieldValue[T Fieldable](value T) session.FieldValue {
	switch v := any(value).(type) {
	case string:
		return session.StringField(v)
	case bool:
		return session.BoolField(v)
	case int64:
		return session.IntField(v)
	case uint64:
		return session.UintField(v)
	case []string:
		return session.ListField(v)
	default:
		return session.FieldValue{}
	}
}

func fromFieldValue[T Fieldable](fv session.FieldValue) (T, bool) {
	var zero T
	var got any
	switch fv.Kind {
	case session.KindString:
		got = fv.Str
	case session.KindBool:
		got = fv.Bool
	case session.KindInt:
		got = fv.Int
	case session.KindUint:
		got = fv.Uint
	case session.KindStringList:
		got = fv.List
	default:
		return zero, false
	}
	v, ok := got.(T)
	if !ok {
		return zero, false
	}
	return v, true
}
