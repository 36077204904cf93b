// Package websocket is the WebSocket transport driver: it binds upgrade
// requests to sessions, runs the per-connection read loops and QoS state
// machines, and drives the retry scheduler.
package websocket

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/efecan0/binaryrpc-framework/frame"
	"github.com/efecan0/binaryrpc-framework/otel"
	"github.com/efecan0/binaryrpc-framework/qos"
	"github.com/efecan0/binaryrpc-framework/ratelimit"
	"github.com/efecan0/binaryrpc-framework/session"
	"github.com/efecan0/binaryrpc-framework/transport"
)

// TokenHeader carries the authoritative session token back to the client
// on a successful upgrade.
const TokenHeader = "x-session-token"

const schedulerTick = 100 * time.Millisecond

// Config holds transport-level settings independent of reliability
// options.
type Config struct {
	// Path restricts upgrades to one URL path. Empty accepts any path.
	Path string
	// IdleTimeout closes sockets with no inbound traffic.
	IdleTimeout time.Duration
	// MaxPayloadBytes bounds a single inbound message.
	MaxPayloadBytes int64
	// ShutdownTimeout bounds Stop.
	ShutdownTimeout time.Duration
}

// Server implements transport.Transport over gorilla/websocket.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	sessions *session.Manager
	metrics  *otel.Metrics

	optsMu    sync.RWMutex
	opts      qos.ReliableOptions
	inspector transport.HandshakeInspector
	ipLimiter *ratelimit.IPRateLimiter

	upgrader   websocket.Upgrader
	httpServer *http.Server
	listener   net.Listener

	mu    sync.RWMutex
	conns map[*wsConn]struct{}

	dataCb transport.DataHandler
	regCb  transport.SessionRegisterHandler
	discCb transport.DisconnectHandler

	running  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

var _ transport.Transport = (*Server)(nil)

// New creates a WebSocket transport bound to the given session manager.
func New(cfg Config, sessions *session.Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	opts := qos.DefaultOptions()
	opts.Normalize()

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		sessions:  sessions,
		opts:      opts,
		inspector: transport.NewDefaultInspector(),
		conns:     make(map[*wsConn]struct{}),
		stopCh:    make(chan struct{}),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	return s
}

// SetMetrics installs the optional metric set. Nil disables recording.
func (s *Server) SetMetrics(m *otel.Metrics) {
	s.metrics = m
}

// SetReliable installs reliability options. Changing the level, base
// retry or retry bound resets in-flight QoS state on every connection.
func (s *Server) SetReliable(o qos.ReliableOptions) {
	o.Normalize()

	s.optsMu.Lock()
	reset := o.Level != s.opts.Level ||
		o.BaseRetry != s.opts.BaseRetry ||
		o.MaxRetry != s.opts.MaxRetry
	s.opts = o
	s.optsMu.Unlock()

	if reset {
		s.mu.RLock()
		for c := range s.conns {
			c.sess.QoS.Reset()
		}
		s.mu.RUnlock()
	}
	s.upgrader.EnableCompression = o.EnableCompression
}

// options returns a copy of the current reliability options. The read
// loops and the scheduler go through this so SetReliable can be called
// at runtime.
func (s *Server) options() qos.ReliableOptions {
	s.optsMu.RLock()
	defer s.optsMu.RUnlock()
	return s.opts
}

// SetIPRateLimiter installs a limiter on connection attempts per client
// IP. Nil disables the check.
func (s *Server) SetIPRateLimiter(l *ratelimit.IPRateLimiter) {
	s.ipLimiter = l
}

// SetHandshakeInspector replaces the identity inspector.
func (s *Server) SetHandshakeInspector(insp transport.HandshakeInspector) {
	if insp == nil {
		s.logger.Warn("nil inspector, falling back to default")
		insp = transport.NewDefaultInspector()
	}
	s.inspector = insp
}

// OnData installs the inbound payload callback.
func (s *Server) OnData(h transport.DataHandler) { s.dataCb = h }

// OnSessionRegister installs the session bind callback.
func (s *Server) OnSessionRegister(h transport.SessionRegisterHandler) { s.regCb = h }

// OnDisconnect installs the close callback.
func (s *Server) OnDisconnect(h transport.DisconnectHandler) { s.discCb = h }

// Start binds the listener and begins serving upgrades and the retry
// scheduler in the background.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.listener = ln
	s.running.Store(true)

	mux := http.NewServeMux()
	pattern := s.cfg.Path
	if pattern == "" {
		pattern = "/"
	}
	mux.HandleFunc(pattern, s.handleUpgrade)
	s.httpServer = &http.Server{Handler: mux}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("websocket server error", "error", err)
		}
	}()

	s.wg.Add(1)
	go s.retryLoop()

	s.logger.Info("websocket transport listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop shuts the server down. The scheduler exits within one tick.
func (s *Server) Stop(ctx context.Context) error {
	s.running.Store(false)
	s.stopOnce.Do(func() { close(s.stopCh) })

	var err error
	if s.httpServer != nil {
		if s.cfg.ShutdownTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
			defer cancel()
		}
		err = s.httpServer.Shutdown(ctx)
	}

	s.mu.RLock()
	for c := range s.conns {
		c.Close(websocket.CloseGoingAway, "server stopping")
	}
	s.mu.RUnlock()

	s.wg.Wait()
	return err
}

// handleUpgrade is the handshake binder: it validates identity, decides
// create-vs-reattach, replaces a stale socket and issues the token.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.ipLimiter != nil && !s.ipLimiter.Allow(r.RemoteAddr) {
		s.logger.Warn("connection rate limited", "remote_addr", r.RemoteAddr)
		http.Error(w, "Too many connection attempts", http.StatusTooManyRequests)
		return
	}

	identity, err := s.inspector.Extract(r)
	if err != nil {
		s.logger.Error("handshake inspection failed", "error", err)
		http.Error(w, s.inspector.RejectReason(), http.StatusBadRequest)
		return
	}
	if !s.running.Load() {
		http.Error(w, "Server stopping", http.StatusServiceUnavailable)
		return
	}

	sess := s.sessions.GetOrCreate(identity, time.Now())

	header := http.Header{}
	header.Set(TokenHeader, sess.Identity().Token.Hex())

	ws, err := s.upgrader.Upgrade(w, r, header)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	// One socket per identity: the older one is told to go away from its
	// own writer, never from the accept path.
	if old := sess.Conn(); old != nil {
		s.logger.Debug("replacing existing connection", "sid", sess.ID())
		old.Close(CloseReplaced, "Connection replaced by new client")
	}

	if s.cfg.MaxPayloadBytes > 0 {
		ws.SetReadLimit(s.cfg.MaxPayloadBytes + frame.HeaderSize)
	}

	opts := s.options()
	c := newWSConn(ws, sess, opts.MaxSendQueueSize, s.logger)
	c.compress = opts.EnableCompression
	c.compressThreshold = opts.CompressionThreshold

	s.bindConnection(c)
	s.readLoop(c)
	s.unbindConnection(c)
}

// bindConnection attaches the socket to its session and replays queued
// offline messages before any new frames.
func (s *Server) bindConnection(c *wsConn) {
	sess := c.sess
	sess.Rebind(c)

	s.logger.Info("connection open",
		"sid", sess.ID(), "pending1", sess.QoS.Pending1Len())

	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	go c.writeLoop()

	sess.SetState(session.Online)
	s.metrics.ConnectionOpened(context.Background())

	s.sessions.DrainOffline(sess.ID(), func(data []byte) {
		s.sendFrame(c, data)
	})

	if s.regCb != nil {
		s.regCb(sess)
	}
}

// unbindConnection settles session state after the socket closes.
func (s *Server) unbindConnection(c *wsConn) {
	c.teardown()

	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()

	sess := c.sess
	identity := sess.Identity()

	stillBound := false
	s.mu.RLock()
	for other := range s.conns {
		if other.sess.Identity().SameIdentity(identity) {
			stillBound = true
			break
		}
	}
	s.mu.RUnlock()

	// A replaced socket may close after its successor has already rebound
	// the session; only the currently bound socket settles it offline.
	// The disconnect callback fires solely on that real disconnect, so
	// per-session teardown never runs while a replacement socket is live.
	settled := false
	if cur := sess.Conn(); !stillBound && (cur == nil || cur == session.Conn(c)) {
		s.logger.Debug("session offline", "sid", sess.ID())
		sess.SetState(session.Offline)
		sess.Rebind(nil)
		sess.SetExpiry(time.Now().Add(s.options().SessionTTL))
		settled = true
	}
	s.metrics.ConnectionClosed(context.Background())

	if settled && s.discCb != nil {
		s.discCb(sess)
	}
}

func (s *Server) readLoop(c *wsConn) {
	for {
		if s.cfg.IdleTimeout > 0 {
			if err := c.ws.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout)); err != nil {
				return
			}
		}
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			s.logger.Debug("read loop ended", "sid", c.sess.ID(), "error", err)
			return
		}
		if mt != websocket.BinaryMessage {
			s.logger.Debug("ignoring non-binary message", "sid", c.sess.ID())
			continue
		}
		s.handleFrame(c, data)
	}
}

// handleFrame classifies an inbound frame and advances the QoS state
// machines.
func (s *Server) handleFrame(c *wsConn, data []byte) {
	f, err := frame.Decode(data)
	if err != nil {
		s.logger.Warn("dropping short frame", "sid", c.sess.ID(), "bytes", len(data))
		return
	}
	s.metrics.FrameReceived(context.Background(), len(data))

	st := c.sess.QoS
	switch f.Type {
	case frame.Ack:
		if !st.AckPending1(f.ID) {
			s.logger.Warn("ack for unknown message id", "sid", c.sess.ID(), "id", f.ID)
		}

	case frame.Data:
		s.handleData(c, f)

	case frame.Prepare:
		// Receiver side of the two-phase exchange. Replays are answered
		// again; the payload arrives later as DATA and dedups there.
		s.send(c, frame.Encode(frame.PrepareAck, f.ID, nil))

	case frame.Commit:
		s.send(c, frame.Encode(frame.Complete, f.ID, nil))

	case frame.PrepareAck:
		commit := frame.Encode(frame.Commit, f.ID, nil)
		next := time.Now().Add(s.options().Backoff.NextDelay(1))
		if st.AdvanceQoS2(f.ID, commit, next) {
			s.send(c, commit)
		} else {
			s.logger.Warn("prepare_ack without matching prepare", "sid", c.sess.ID(), "id", f.ID)
		}

	case frame.Complete:
		// COMPLETE unconditionally clears the id; a racing COMMIT retry
		// is benign.
		if payload, ok := st.CompleteQoS2(f.ID); ok {
			s.send(c, frame.Encode(frame.Data, f.ID, payload))
		}

	default:
		s.logger.Warn("unknown frame type", "sid", c.sess.ID(), "type", uint8(f.Type), "id", f.ID)
	}
}

// handleData runs the receive side of the configured QoS level, then
// hands fresh payloads to dispatch.
func (s *Server) handleData(c *wsConn, f frame.Frame) {
	st := c.sess.QoS
	opts := s.options()
	fresh := true

	switch opts.Level {
	case qos.AtLeastOnce:
		fresh = st.RegisterSeen(f.ID, opts.DuplicateTTL)
		defer s.send(c, frame.Encode(frame.Ack, f.ID, nil))
	case qos.ExactlyOnce:
		fresh = st.RegisterSeen(f.ID, opts.DuplicateTTL)
	}
	if !fresh {
		return
	}

	if !c.sess.AcceptPayload(f.Payload) {
		s.logger.Debug("duplicate request suppressed", "sid", c.sess.ID(), "id", f.ID)
		return
	}

	if s.dataCb == nil {
		s.logger.Error("no data callback installed, dropping payload", "sid", c.sess.ID())
		return
	}
	s.dataCb(f.Payload, c.sess, c)
}

// send enqueues an already-encoded frame on the connection's writer.
func (s *Server) send(c *wsConn, encoded []byte) bool {
	if !c.enqueue(encoded) {
		return false
	}
	s.metrics.FrameSent(context.Background(), len(encoded))
	return true
}

// sendFrame sends payload at the configured QoS level.
func (s *Server) sendFrame(c *wsConn, payload []byte) {
	switch s.options().Level {
	case qos.AtLeastOnce:
		s.sendQoS1(c, payload)
	case qos.ExactlyOnce:
		s.sendQoS2(c, payload)
	default:
		s.rawSend(c, payload)
	}
}

// rawSend builds a DATA frame and sends it once, with no pending state.
func (s *Server) rawSend(c *wsConn, payload []byte) {
	id := c.sess.QoS.NextID()
	s.send(c, frame.Encode(frame.Data, id, payload))
}

// sendQoS1 registers the frame in pending1 before the first transmission
// so an early ACK can never miss it.
func (s *Server) sendQoS1(c *wsConn, payload []byte) {
	st := c.sess.QoS
	id := st.NextID()
	encoded := frame.Encode(frame.Data, id, payload)

	st.AddPending1(id, &qos.FrameInfo{
		Frame:     encoded,
		NextRetry: time.Now().Add(s.options().Backoff.NextDelay(1)),
	})

	if !s.send(c, encoded) {
		s.logger.Debug("initial qos1 send deferred to scheduler", "sid", c.sess.ID(), "id", id)
	}
}

// sendQoS2 opens the two-phase exchange: stage the payload, send
// PREPARE, and let the scheduler re-drive it until PREPARE_ACK.
func (s *Server) sendQoS2(c *wsConn, payload []byte) {
	st := c.sess.QoS
	id := st.NextID()
	now := time.Now()

	meta := &qos.Q2Meta{
		Stage:       qos.StagePrepare,
		Frame:       frame.Encode(frame.Prepare, id, nil),
		NextRetry:   now.Add(s.options().Backoff.NextDelay(1)),
		LastTouched: now,
	}
	if !st.BeginQoS2(id, payload, meta) {
		s.logger.Warn("message id already in qos2 pipeline", "sid", c.sess.ID(), "id", id)
		return
	}
	if !s.send(c, meta.Frame) {
		s.logger.Debug("initial prepare send deferred to scheduler", "sid", c.sess.ID(), "id", id)
	}
}

// Broadcast sends payload to every live connection.
func (s *Server) Broadcast(payload []byte) {
	for _, c := range s.snapshotConns() {
		s.sendFrame(c, payload)
	}
}

// SendToClient sends payload on one connection at the configured QoS
// level.
func (s *Server) SendToClient(conn session.Conn, payload []byte) {
	c, ok := conn.(*wsConn)
	if !ok || c == nil {
		return
	}
	s.sendFrame(c, payload)
}

// SendToSession routes payload to the session's live socket, or queues
// it for later delivery when the session is offline.
func (s *Server) SendToSession(sess *session.Session, payload []byte) {
	if sess == nil {
		s.logger.Error("send to nil session")
		return
	}

	if conn := sess.Conn(); conn != nil && sess.IsOnline() {
		if c, ok := conn.(*wsConn); ok && c.alive.Load() {
			s.sendFrame(c, payload)
			return
		}
	}

	if err := s.sessions.AddOfflineMessage(sess.ID(), payload); err != nil {
		s.logger.Warn("failed to queue offline message", "sid", sess.ID(), "error", err)
		return
	}
	s.metrics.OfflineQueued(context.Background())
}

// DisconnectClient closes the connection with a normal close code.
func (s *Server) DisconnectClient(conn session.Conn) {
	if conn == nil {
		return
	}
	conn.Close(websocket.CloseNormalClosure, "disconnected by server")
}

func (s *Server) snapshotConns() []*wsConn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*wsConn, 0, len(s.conns))
	for c := range s.conns {
		out = append(out, c)
	}
	return out
}
