// Package app wires the framework together: transport, codec, middleware
// chain, handler registry, session manager and the worker pool that runs
// handlers off the transport read loops.
package app

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/efecan0/binaryrpc-framework/otel"
	"github.com/efecan0/binaryrpc-framework/protocol"
	"github.com/efecan0/binaryrpc-framework/ratelimit"
	"github.com/efecan0/binaryrpc-framework/rpc"
	"github.com/efecan0/binaryrpc-framework/session"
	"github.com/efecan0/binaryrpc-framework/transport"
)

// Plugin extends the framework with features layered on the core API.
type Plugin interface {
	Initialize() error
}

// Options configures an App.
type Options struct {
	Logger  *slog.Logger
	Session session.ManagerOptions
	// Workers sizes the handler pool. Defaults to GOMAXPROCS.
	Workers int
	// QueueSize bounds the handler task queue.
	QueueSize int
	// Metrics is the optional instrument set shared with the transport.
	Metrics *otel.Metrics
}

// App is the orchestrator owning every framework component.
type App struct {
	logger   *slog.Logger
	chain    *rpc.Chain
	rpcs     *rpc.Manager
	sessions *session.Manager
	proto    protocol.Protocol
	tr       transport.Transport
	pool     *workerPool
	metrics  *otel.Metrics
	limiter  *ratelimit.SessionRateLimiter
	plugins  []Plugin

	breakerMu sync.Mutex
	breakers  map[string]*gobreaker.CircuitBreaker

	regCb  transport.SessionRegisterHandler
	discCb transport.DisconnectHandler
}

// New creates an App and its session manager.
func New(opts Options) *App {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	return &App{
		logger:   logger,
		chain:    rpc.NewChain(logger),
		rpcs:     rpc.NewManager(logger),
		sessions: session.NewManager(opts.Session, logger),
		proto:    protocol.NewTextProtocol(),
		pool:     newWorkerPool(workers, opts.QueueSize, logger),
		metrics:  opts.Metrics,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Sessions exposes the session manager.
func (a *App) Sessions() *session.Manager {
	return a.sessions
}

// Transport returns the installed transport.
func (a *App) Transport() transport.Transport {
	return a.tr
}

// SetTransport installs the transport and wires its callbacks into the
// dispatch pipeline.
func (a *App) SetTransport(t transport.Transport) {
	a.tr = t
	t.OnData(a.onData)
	t.OnSessionRegister(func(s *session.Session) {
		if a.regCb != nil {
			a.regCb(s)
		}
	})
	t.OnDisconnect(func(s *session.Session) {
		if a.limiter != nil {
			a.limiter.Remove(s.ID())
		}
		if a.discCb != nil {
			a.discCb(s)
		}
	})
}

// SetProtocol replaces the payload codec. Default is the text codec.
func (a *App) SetProtocol(p protocol.Protocol) {
	if p != nil {
		a.proto = p
	}
}

// SetRateLimiter installs a per-session request limiter enforced before
// the middleware chain. Refusals answer with the RateLimited error code.
func (a *App) SetRateLimiter(l *ratelimit.SessionRateLimiter) {
	a.limiter = l
}

// Use appends a global middleware.
func (a *App) Use(mw rpc.Middleware) {
	a.chain.Use(mw)
}

// UseFor appends a middleware for one method.
func (a *App) UseFor(method string, mw rpc.Middleware) {
	a.chain.UseFor(method, mw)
}

// UseForMulti appends a middleware for several methods.
func (a *App) UseForMulti(methods []string, mw rpc.Middleware) {
	a.chain.UseForMulti(methods, mw)
}

// Register installs a handler for method.
func (a *App) Register(method string, h rpc.Handler) {
	a.rpcs.Register(method, h)
}

// OnSessionRegister installs the user hook fired after a socket binds to
// a session.
func (a *App) OnSessionRegister(h transport.SessionRegisterHandler) {
	a.regCb = h
}

// OnDisconnect installs the user hook fired after a socket closes.
func (a *App) OnDisconnect(h transport.DisconnectHandler) {
	a.discCb = h
}

// UsePlugin initializes and retains a plugin.
func (a *App) UsePlugin(p Plugin) error {
	if err := p.Initialize(); err != nil {
		return err
	}
	a.plugins = append(a.plugins, p)
	return nil
}

// API returns the handler-facing framework API.
func (a *App) API() *API {
	return &API{sessions: a.sessions, tr: a.tr}
}

// Run starts the transport.
func (a *App) Run(addr string) error {
	if a.tr == nil {
		return errors.New("transport not set")
	}
	return a.tr.Start(addr)
}

// Stop shuts down the transport, the worker pool and the session
// manager's background work.
func (a *App) Stop(ctx context.Context) error {
	var err error
	if a.tr != nil {
		err = a.tr.Stop(ctx)
	}
	a.pool.close()
	a.sessions.Close()
	return err
}

// onData is the dispatch pipeline: parse, middleware, breaker, handler.
// It runs on the worker pool; the transport read loop only enqueues.
func (a *App) onData(payload []byte, sess *session.Session, conn session.Conn) {
	data := payload
	ok := a.pool.submit(func() {
		a.dispatch(data, sess, conn)
	})
	if !ok {
		a.logger.Warn("worker queue full, dropping request", "sid", sess.ID())
	}
}

func (a *App) dispatch(payload []byte, sess *session.Session, conn session.Conn) {
	ctx := rpc.NewContext(sess, conn, a.tr)

	req, err := a.proto.Parse(payload)
	if err != nil {
		a.sendError(ctx, rpc.NewError(rpc.ErrParse, "Failed to parse incoming data"))
		return
	}

	if a.limiter != nil && !a.limiter.Allow(sess.ID()) {
		a.sendError(ctx, rpc.NewError(rpc.ErrRateLimited, "Too many requests"))
		return
	}

	if !a.chain.Execute(sess, req.Method, &req.Payload) {
		a.sendError(ctx, rpc.NewError(rpc.ErrMiddleware, "Access denied by middleware"))
		return
	}

	breaker := a.breakerFor(req.Method)
	var found bool
	_, err = breaker.Execute(func() (any, error) {
		var herr error
		found, herr = a.rpcs.Call(req.Method, req.Payload, ctx)
		return nil, herr
	})

	switch {
	case errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests):
		a.sendError(ctx, rpc.NewError(rpc.ErrInternal, "Service temporarily unavailable"))
	case err != nil:
		a.sendError(ctx, rpc.NewError(rpc.ErrInternal, "Handler failed"))
	case !found:
		a.sendError(ctx, rpc.NewError(rpc.ErrNotFound, "RPC method not found: "+req.Method))
	}
}

func (a *App) sendError(ctx *rpc.Context, e *rpc.Error) {
	a.metrics.ProtocolError(context.Background())
	if out := a.proto.SerializeError(e); out != nil {
		ctx.Reply(out)
	}
}

// breakerFor returns the per-method circuit breaker, creating it on
// first use. The breaker opens after repeated handler failures and
// rejects dispatch until the cool-down passes.
func (a *App) breakerFor(method string) *gobreaker.CircuitBreaker {
	a.breakerMu.Lock()
	defer a.breakerMu.Unlock()
	if cb, ok := a.breakers[method]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    method,
		Timeout: 10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	a.breakers[method] = cb
	return cb
}
