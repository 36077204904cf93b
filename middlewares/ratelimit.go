package middlewares

import (
	"log/slog"

	"github.com/efecan0/binaryrpc-framework/ratelimit"
	"github.com/efecan0/binaryrpc-framework/rpc"
	"github.com/efecan0/binaryrpc-framework/session"
)

// RateLimiter refuses requests past the per-session budget. A refused
// request stops the chain, which the dispatcher answers with the generic
// Middleware error code, not RateLimited; the limiter installed with
// App.SetRateLimiter is the one answered with RateLimited.
func RateLimiter(limiter *ratelimit.SessionRateLimiter, logger *slog.Logger) rpc.Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(s *session.Session, method string, payload *[]byte, next rpc.NextFunc) {
		if !limiter.Allow(s.ID()) {
			logger.Warn("request rate limited", "sid", s.ID(), "method", method)
			return
		}
		next()
	}
}
