package websocket

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efecan0/binaryrpc-framework/frame"
	"github.com/efecan0/binaryrpc-framework/qos"
	"github.com/efecan0/binaryrpc-framework/ratelimit"
	"github.com/efecan0/binaryrpc-framework/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testServer struct {
	srv      *Server
	sessions *session.Manager
	regCh    chan *session.Session
}

func startServer(t *testing.T, opts qos.ReliableOptions, mgrOpts session.ManagerOptions) *testServer {
	t.Helper()
	logger := testLogger()
	mgr := session.NewManager(mgrOpts, logger)

	srv := New(Config{IdleTimeout: time.Minute}, mgr, logger)
	srv.SetReliable(opts)

	ts := &testServer{srv: srv, sessions: mgr, regCh: make(chan *session.Session, 8)}
	srv.OnSessionRegister(func(s *session.Session) {
		select {
		case ts.regCh <- s:
		default:
		}
	})

	require.NoError(t, srv.Start("127.0.0.1:0"))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
		mgr.Close()
	})
	return ts
}

func (ts *testServer) dial(t *testing.T, header http.Header) (*websocket.Conn, *http.Response) {
	t.Helper()
	url := "ws://" + ts.srv.Addr().String() + "/"
	ws, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws, resp
}

func (ts *testServer) awaitSession(t *testing.T) *session.Session {
	t.Helper()
	select {
	case s := <-ts.regCh:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("no session registered")
		return nil
	}
}

func identityHeader(clientID string) http.Header {
	h := http.Header{}
	h.Set("x-client-id", clientID)
	return h
}

func readFrame(t *testing.T, ws *websocket.Conn, timeout time.Duration) frame.Frame {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(timeout)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	f, err := frame.Decode(data)
	require.NoError(t, err)
	return f
}

func TestHandshakeRejectsMissingClientID(t *testing.T) {
	ts := startServer(t, qos.DefaultOptions(), session.DefaultManagerOptions())

	url := "ws://" + ts.srv.Addr().String() + "/"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandshakeIssuesToken(t *testing.T) {
	ts := startServer(t, qos.DefaultOptions(), session.DefaultManagerOptions())

	_, resp := ts.dial(t, identityHeader("alice"))
	tok := resp.Header.Get(TokenHeader)
	require.Len(t, tok, 32)

	sess := ts.awaitSession(t)
	assert.Equal(t, sess.Identity().Token.Hex(), tok)
	assert.True(t, sess.IsOnline())
}

func TestEchoQoSNone(t *testing.T) {
	ts := startServer(t, qos.DefaultOptions(), session.DefaultManagerOptions())
	ts.srv.OnData(func(payload []byte, s *session.Session, conn session.Conn) {
		if string(payload[:5]) == "echo:" {
			ts.srv.SendToClient(conn, payload[5:])
		}
	})

	ws, _ := ts.dial(t, identityHeader("alice"))
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, frame.Encode(frame.Data, 1, []byte("echo:hi"))))

	f := readFrame(t, ws, 2*time.Second)
	assert.Equal(t, frame.Data, f.Type)
	assert.Equal(t, uint64(1), f.ID)
	assert.Equal(t, []byte("hi"), f.Payload)
}

func TestAtLeastOnceInboundAckAndDedup(t *testing.T) {
	opts := qos.DefaultOptions()
	opts.Level = qos.AtLeastOnce
	ts := startServer(t, opts, session.DefaultManagerOptions())

	var dispatched atomic.Int32
	ts.srv.OnData(func(payload []byte, s *session.Session, conn session.Conn) {
		dispatched.Add(1)
	})

	ws, _ := ts.dial(t, identityHeader("alice"))
	data := frame.Encode(frame.Data, 5, []byte("x"))
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, data))
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, data))

	// Both transmissions are acked, the payload is dispatched once.
	for i := 0; i < 2; i++ {
		f := readFrame(t, ws, 2*time.Second)
		assert.Equal(t, frame.Ack, f.Type)
		assert.Equal(t, uint64(5), f.ID)
	}
	assert.Equal(t, int32(1), dispatched.Load())
}

func TestQoS1RetryUntilAck(t *testing.T) {
	opts := qos.DefaultOptions()
	opts.Level = qos.AtLeastOnce
	opts.BaseRetry = 30 * time.Millisecond
	opts.MaxBackoff = 30 * time.Millisecond
	opts.MaxRetry = 10
	ts := startServer(t, opts, session.DefaultManagerOptions())

	ws, _ := ts.dial(t, identityHeader("alice"))
	sess := ts.awaitSession(t)

	ts.srv.SendToSession(sess, []byte("payload"))

	// Without an ACK the scheduler re-drives the frame.
	first := readFrame(t, ws, 2*time.Second)
	require.Equal(t, frame.Data, first.Type)
	second := readFrame(t, ws, 2*time.Second)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Payload, second.Payload)

	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, frame.Encode(frame.Ack, first.ID, nil)))
	require.Eventually(t, func() bool {
		return sess.QoS.Pending1Len() == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestQoS1RetryExhaustion(t *testing.T) {
	opts := qos.DefaultOptions()
	opts.Level = qos.AtLeastOnce
	opts.BaseRetry = 20 * time.Millisecond
	opts.MaxBackoff = 20 * time.Millisecond
	opts.MaxRetry = 2
	ts := startServer(t, opts, session.DefaultManagerOptions())

	_, _ = ts.dial(t, identityHeader("alice"))
	sess := ts.awaitSession(t)

	ts.srv.SendToSession(sess, []byte("doomed"))

	// After MaxRetry attempts the entry is silently dropped.
	require.Eventually(t, func() bool {
		return sess.QoS.Pending1Len() == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestQoS2ReceiverHandshake(t *testing.T) {
	opts := qos.DefaultOptions()
	opts.Level = qos.ExactlyOnce
	ts := startServer(t, opts, session.DefaultManagerOptions())
	ts.srv.OnData(func(payload []byte, s *session.Session, conn session.Conn) {})

	ws, _ := ts.dial(t, identityHeader("alice"))

	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, frame.Encode(frame.Prepare, 17, nil)))
	f := readFrame(t, ws, 2*time.Second)
	assert.Equal(t, frame.PrepareAck, f.Type)
	assert.Equal(t, uint64(17), f.ID)

	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, frame.Encode(frame.Commit, 17, nil)))
	f = readFrame(t, ws, 2*time.Second)
	assert.Equal(t, frame.Complete, f.Type)
	assert.Equal(t, uint64(17), f.ID)
}

func TestQoS2SenderFlow(t *testing.T) {
	opts := qos.DefaultOptions()
	opts.Level = qos.ExactlyOnce
	opts.BaseRetry = 50 * time.Millisecond
	ts := startServer(t, opts, session.DefaultManagerOptions())

	ws, _ := ts.dial(t, identityHeader("alice"))
	sess := ts.awaitSession(t)

	payload := []byte("two-phase")
	ts.srv.SendToSession(sess, payload)

	prep := readFrame(t, ws, 2*time.Second)
	require.Equal(t, frame.Prepare, prep.Type)
	require.Empty(t, prep.Payload)

	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, frame.Encode(frame.PrepareAck, prep.ID, nil)))
	commit := readFrame(t, ws, 2*time.Second)
	require.Equal(t, frame.Commit, commit.Type)
	require.Equal(t, prep.ID, commit.ID)

	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, frame.Encode(frame.Complete, commit.ID, nil)))
	data := readFrame(t, ws, 2*time.Second)
	assert.Equal(t, frame.Data, data.Type)
	assert.Equal(t, prep.ID, data.ID)
	assert.Equal(t, payload, data.Payload)

	require.Eventually(t, func() bool {
		return sess.QoS.Pending2Len() == 0 && !sess.QoS.HasQoS2(prep.ID)
	}, 2*time.Second, 20*time.Millisecond)
}

func TestReconnectWithTokenReattaches(t *testing.T) {
	mgrOpts := session.DefaultManagerOptions()
	mgrOpts.SessionTTL = time.Minute
	ts := startServer(t, qos.DefaultOptions(), mgrOpts)

	ws, resp := ts.dial(t, identityHeader("alice"))
	tok := resp.Header.Get(TokenHeader)
	first := ts.awaitSession(t)

	ws.Close()
	require.Eventually(t, func() bool {
		return first.State() == session.Offline
	}, 2*time.Second, 20*time.Millisecond)

	// Queue messages while offline; they must arrive FIFO on reconnect.
	ts.srv.SendToSession(first, []byte("m1"))
	ts.srv.SendToSession(first, []byte("m2"))

	h := identityHeader("alice")
	h.Set("x-session-token", tok)
	ws2, _ := ts.dial(t, h)
	second := ts.awaitSession(t)

	assert.Equal(t, first.ID(), second.ID())

	got1 := readFrame(t, ws2, 2*time.Second)
	got2 := readFrame(t, ws2, 2*time.Second)
	assert.Equal(t, []byte("m1"), got1.Payload)
	assert.Equal(t, []byte("m2"), got2.Payload)
}

func TestTokenMismatchAllocatesNewSession(t *testing.T) {
	ts := startServer(t, qos.DefaultOptions(), session.DefaultManagerOptions())

	ws, _ := ts.dial(t, identityHeader("alice"))
	first := ts.awaitSession(t)
	ws.Close()

	h := identityHeader("alice")
	h.Set("x-session-token", "00112233445566778899aabbccddeeff")
	_, _ = ts.dial(t, h)
	second := ts.awaitSession(t)

	assert.NotEqual(t, first.ID(), second.ID())
	// The old session stays reachable by id until its TTL passes.
	assert.NotNil(t, ts.sessions.GetSession(first.ID()))
}

func TestSecondSocketReplacesFirst(t *testing.T) {
	ts := startServer(t, qos.DefaultOptions(), session.DefaultManagerOptions())

	ws1, resp := ts.dial(t, identityHeader("alice"))
	tok := resp.Header.Get(TokenHeader)
	first := ts.awaitSession(t)

	h := identityHeader("alice")
	h.Set("x-session-token", tok)
	_, _ = ts.dial(t, h)
	second := ts.awaitSession(t)
	require.Equal(t, first.ID(), second.ID())

	// The older socket is told to go away with a normal close.
	require.NoError(t, ws1.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := ws1.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok, "expected close error, got %v", err)
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)

	// The session stays online on the replacement socket.
	require.Eventually(t, func() bool {
		return second.IsOnline()
	}, 2*time.Second, 20*time.Millisecond)
}

func TestReplacedSocketDoesNotFireDisconnect(t *testing.T) {
	ts := startServer(t, qos.DefaultOptions(), session.DefaultManagerOptions())

	var disconnects atomic.Int32
	ts.srv.OnDisconnect(func(s *session.Session) {
		disconnects.Add(1)
	})

	_, resp := ts.dial(t, identityHeader("alice"))
	tok := resp.Header.Get(TokenHeader)
	first := ts.awaitSession(t)

	h := identityHeader("alice")
	h.Set("x-session-token", tok)
	ws2, _ := ts.dial(t, h)
	second := ts.awaitSession(t)
	require.Equal(t, first.ID(), second.ID())

	// The replaced socket closes, but the session stays online on the
	// new socket, so no per-session teardown fires.
	require.Eventually(t, func() bool {
		return second.IsOnline()
	}, 2*time.Second, 20*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), disconnects.Load())

	// Closing the live socket is a real disconnect.
	ws2.Close()
	require.Eventually(t, func() bool {
		return disconnects.Load() == 1
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, session.Offline, second.State())
}

func TestIPRateLimiterRejectsUpgrade(t *testing.T) {
	ts := startServer(t, qos.DefaultOptions(), session.DefaultManagerOptions())

	limiter := ratelimit.NewIPRateLimiter(0.1, 1, time.Minute)
	t.Cleanup(limiter.Stop)
	ts.srv.SetIPRateLimiter(limiter)

	_, _ = ts.dial(t, identityHeader("alice"))

	url := "ws://" + ts.srv.Addr().String() + "/"
	_, resp, err := websocket.DefaultDialer.Dial(url, identityHeader("bob"))
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestOfflineQueueCapDelivery(t *testing.T) {
	mgrOpts := session.DefaultManagerOptions()
	mgrOpts.MaxQueuePerSession = 3
	ts := startServer(t, qos.DefaultOptions(), mgrOpts)

	ws, resp := ts.dial(t, identityHeader("alice"))
	tok := resp.Header.Get(TokenHeader)
	sess := ts.awaitSession(t)
	ws.Close()
	require.Eventually(t, func() bool {
		return sess.State() == session.Offline
	}, 2*time.Second, 20*time.Millisecond)

	for i, msg := range []string{"m1", "m2", "m3", "m4"} {
		ts.srv.SendToSession(sess, []byte(msg))
		if i < 3 {
			assert.Equal(t, i+1, ts.sessions.OfflineQueueLen(sess.ID()))
		}
	}
	assert.Equal(t, 3, ts.sessions.OfflineQueueLen(sess.ID()))

	h := identityHeader("alice")
	h.Set("x-session-token", tok)
	ws2, _ := ts.dial(t, h)

	for _, want := range []string{"m1", "m2", "m3"} {
		f := readFrame(t, ws2, 2*time.Second)
		assert.Equal(t, []byte(want), f.Payload)
	}
}

func TestShortFrameDropped(t *testing.T) {
	ts := startServer(t, qos.DefaultOptions(), session.DefaultManagerOptions())

	var dispatched atomic.Int32
	ts.srv.OnData(func(payload []byte, s *session.Session, conn session.Conn) {
		dispatched.Add(1)
	})

	ws, _ := ts.dial(t, identityHeader("alice"))
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, []byte{0x00, 0x01}))
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, frame.Encode(frame.Data, 1, []byte("ok"))))

	require.Eventually(t, func() bool {
		return dispatched.Load() == 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestHandshakeParsesPrefixedDeviceID(t *testing.T) {
	ts := startServer(t, qos.DefaultOptions(), session.DefaultManagerOptions())

	h := identityHeader("alice")
	h.Set("x-device-id", "device-42")
	_, _ = ts.dial(t, h)
	sess := ts.awaitSession(t)

	assert.Equal(t, uint64(42), sess.Identity().DeviceID)
}
