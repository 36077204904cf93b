package websocket

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/efecan0/binaryrpc-framework/session"
)

const (
	writeTimeout      = 10 * time.Second
	closeGracePeriod  = time.Second
	// CloseQueueOverflow is sent when the per-connection send queue
	// exceeds its hard limit.
	CloseQueueOverflow = 1009
	// CloseReplaced is sent to the older socket when a second connection
	// arrives for the same identity.
	CloseReplaced = websocket.CloseNormalClosure
)

type closeRequest struct {
	code   int
	reason string
}

// wsConn is the per-socket state. All socket writes happen on the
// connection's writer goroutine; every other thread enqueues. The send
// channel doubles as the backpressure queue: when it is full the
// connection is closed with code 1009.
type wsConn struct {
	ws      *websocket.Conn
	sess    *session.Session
	logger  *slog.Logger
	alive   atomic.Bool
	sendCh  chan []byte
	closeCh chan closeRequest
	done    chan struct{}

	closeOnce sync.Once

	compressThreshold int
	compress          bool
}

var _ session.Conn = (*wsConn)(nil)

func newWSConn(ws *websocket.Conn, sess *session.Session, queueSize int, logger *slog.Logger) *wsConn {
	c := &wsConn{
		ws:      ws,
		sess:    sess,
		logger:  logger,
		sendCh:  make(chan []byte, queueSize),
		closeCh: make(chan closeRequest, 1),
		done:    make(chan struct{}),
	}
	c.alive.Store(true)
	return c
}

// Session returns the bound session.
func (c *wsConn) Session() *session.Session {
	return c.sess
}

// enqueue hands a frame to the writer. It reports false when the
// connection is gone. A full queue is a backpressure overflow: the
// connection is closed with code 1009 and the frame is dropped.
func (c *wsConn) enqueue(frame []byte) bool {
	if !c.alive.Load() {
		return false
	}
	select {
	case c.sendCh <- frame:
		return true
	case <-c.done:
		return false
	default:
		c.logger.Error("send queue overflow, closing connection",
			"sid", c.sess.ID(), "queued", cap(c.sendCh))
		c.Close(CloseQueueOverflow, "send queue overflow")
		return false
	}
}

// Close requests an orderly close from the writer goroutine. Safe to call
// from any goroutine and idempotent.
func (c *wsConn) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		select {
		case c.closeCh <- closeRequest{code: code, reason: reason}:
		default:
		}
	})
}

// writeLoop is the sole socket writer. It drains the send queue until the
// connection closes.
func (c *wsConn) writeLoop() {
	defer c.ws.Close()
	for {
		select {
		case req := <-c.closeCh:
			msg := websocket.FormatCloseMessage(req.code, req.reason)
			deadline := time.Now().Add(closeGracePeriod)
			if err := c.ws.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
				c.logger.Debug("close frame write failed", "sid", c.sess.ID(), "error", err)
			}
			return
		case frame := <-c.sendCh:
			if err := c.writeFrame(frame); err != nil {
				c.logger.Debug("frame write failed", "sid", c.sess.ID(), "error", err)
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) writeFrame(frame []byte) error {
	if c.compress {
		c.ws.EnableWriteCompression(len(frame) > c.compressThreshold)
	}
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.BinaryMessage, frame)
}

// teardown marks the connection dead and stops the writer. Called from
// the read loop when the socket errors out.
func (c *wsConn) teardown() {
	if c.alive.CompareAndSwap(true, false) {
		close(c.done)
	}
}
