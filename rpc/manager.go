// Package rpc implements the handler registry, the middleware chain and
// the error taxonomy for dispatching inbound requests to user code.
package rpc

import (
	"fmt"
	"log/slog"
	"sync"
)

// Handler processes one request. Responses go through the context.
type Handler func(request []byte, ctx *Context)

// Manager is the method-name to handler registry.
type Manager struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	logger   *slog.Logger
}

// NewManager creates an empty registry.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		handlers: make(map[string]Handler),
		logger:   logger,
	}
}

// Register installs a handler for method, replacing any previous one.
func (m *Manager) Register(method string, h Handler) {
	m.mu.Lock()
	m.handlers[method] = h
	m.mu.Unlock()
}

// Call dispatches a request. It reports found=false when the method is
// unknown. A handler panic is caught, logged and returned as err; it
// never crosses the worker boundary.
func (m *Manager) Call(method string, request []byte, ctx *Context) (found bool, err error) {
	m.mu.RLock()
	h, ok := m.handlers[method]
	m.mu.RUnlock()
	if !ok {
		m.logger.Warn("rpc method not found", "method", method)
		return false, nil
	}

	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("rpc handler panicked", "method", method, "panic", r)
			found = true
			err = fmt.Errorf("handler %s panicked: %v", method, r)
		}
	}()
	h(request, ctx)
	return true, nil
}

// Methods returns the registered method names.
func (m *Manager) Methods() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.handlers))
	for name := range m.handlers {
		out = append(out, name)
	}
	return out
}
