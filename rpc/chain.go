package rpc

import (
	"log/slog"
	"sync"

	"github.com/efecan0/binaryrpc-framework/session"
)

// NextFunc advances the middleware chain. A middleware that does not
// call it stops the chain and the request is rejected.
type NextFunc func()

// Middleware inspects or rewrites a request before dispatch. The payload
// pointer allows in-place rewriting.
type Middleware func(s *session.Session, method string, payload *[]byte, next NextFunc)

// Chain runs global middlewares first, then any registered for the
// specific method.
type Chain struct {
	mu     sync.RWMutex
	global []Middleware
	scoped map[string][]Middleware
	logger *slog.Logger
}

// NewChain creates an empty middleware chain.
func NewChain(logger *slog.Logger) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{
		scoped: make(map[string][]Middleware),
		logger: logger,
	}
}

// Use appends a global middleware.
func (c *Chain) Use(mw Middleware) {
	c.mu.Lock()
	c.global = append(c.global, mw)
	c.mu.Unlock()
}

// UseFor appends a middleware scoped to one method.
func (c *Chain) UseFor(method string, mw Middleware) {
	c.mu.Lock()
	c.scoped[method] = append(c.scoped[method], mw)
	c.mu.Unlock()
}

// UseForMulti appends a middleware scoped to several methods.
func (c *Chain) UseForMulti(methods []string, mw Middleware) {
	for _, m := range methods {
		c.UseFor(m, mw)
	}
}

// Execute runs the chain for (s, method). It reports true only when
// every middleware called next. A panic inside a middleware stops the
// chain and rejects the request.
func (c *Chain) Execute(s *session.Session, method string, payload *[]byte) bool {
	c.mu.RLock()
	chain := make([]Middleware, 0, len(c.global)+len(c.scoped[method]))
	chain = append(chain, c.global...)
	chain = append(chain, c.scoped[method]...)
	c.mu.RUnlock()

	if len(chain) == 0 {
		return true
	}

	completed := 0
	var run func(i int)
	run = func(i int) {
		if i >= len(chain) {
			return
		}
		advanced := false
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("middleware panicked", "method", method, "panic", r)
				advanced = false
			}
		}()
		chain[i](s, method, payload, func() {
			if advanced {
				return
			}
			advanced = true
			completed++
			run(i + 1)
		})
		if !advanced {
			c.logger.Warn("middleware stopped chain", "method", method, "index", i)
		}
	}
	run(0)

	return completed == len(chain)
}
