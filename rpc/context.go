package rpc

import (
	"github.com/efecan0/binaryrpc-framework/session"
	"github.com/efecan0/binaryrpc-framework/transport"
)

// Context carries the session and connection for one handler invocation.
// Handlers never touch the socket directly; replies route through the
// transport so all socket I/O stays on the connection's writer.
type Context struct {
	sess *session.Session
	conn session.Conn
	tr   transport.Transport
}

// NewContext builds a handler context.
func NewContext(s *session.Session, conn session.Conn, tr transport.Transport) *Context {
	return &Context{sess: s, conn: conn, tr: tr}
}

// Session returns the caller's session.
func (c *Context) Session() *session.Session {
	return c.sess
}

// Conn returns the originating connection handle. It may be nil when the
// session went offline mid-dispatch.
func (c *Context) Conn() session.Conn {
	return c.conn
}

// Reply sends data back to the originating connection at the configured
// QoS level.
func (c *Context) Reply(data []byte) {
	if c.conn == nil || c.tr == nil {
		return
	}
	c.tr.SendToClient(c.conn, data)
}

// ReplyToSession routes data to the caller's session, falling back to the
// offline queue when the session is disconnected.
func (c *Context) ReplyToSession(data []byte) {
	if c.tr == nil {
		return
	}
	c.tr.SendToSession(c.sess, data)
}

// Disconnect closes the originating connection.
func (c *Context) Disconnect() {
	if c.conn == nil || c.tr == nil {
		return
	}
	c.tr.DisconnectClient(c.conn)
}
