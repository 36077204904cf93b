// Package middlewares ships the stock middleware set: request logging,
// per-session rate limiting and JWT authentication.
package middlewares

import (
	"log/slog"

	"github.com/efecan0/binaryrpc-framework/rpc"
	"github.com/efecan0/binaryrpc-framework/session"
)

// RequestLogger logs each request admitted to the chain. The handler
// itself runs after the chain completes, so no timing is recorded here.
func RequestLogger(logger *slog.Logger) rpc.Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(s *session.Session, method string, payload *[]byte, next rpc.NextFunc) {
		logger.Debug("request accepted",
			"method", method,
			"sid", s.ID(),
			"bytes", len(*payload))
		next()
	}
}
