package middlewares

import (
	"log/slog"

	"github.com/golang-jwt/jwt/v5"

	"github.com/efecan0/binaryrpc-framework/rpc"
	"github.com/efecan0/binaryrpc-framework/session"
)

// JWTAuth verifies an HS256 token stored in the session's "jwt" field
// (placed there by a login handler). When requiredRole is non-empty the
// token's "role" claim must match. On success the role is mirrored into
// the session's "role" field; on any failure the chain stops and the
// request is rejected.
func JWTAuth(sessions *session.Manager, secret []byte, requiredRole string, logger *slog.Logger) rpc.Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(s *session.Session, method string, payload *[]byte, next rpc.NextFunc) {
		field, ok := sessions.GetField(s.ID(), "jwt")
		if !ok || field.Kind != session.KindString || field.Str == "" {
			logger.Debug("jwt missing", "sid", s.ID(), "method", method)
			return
		}

		claims := jwt.MapClaims{}
		token, err := jwt.ParseWithClaims(field.Str, claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return secret, nil
		})
		if err != nil || !token.Valid {
			logger.Debug("jwt rejected", "sid", s.ID(), "error", err)
			return
		}

		role, _ := claims["role"].(string)
		if requiredRole != "" && role != requiredRole {
			logger.Debug("jwt role mismatch", "sid", s.ID(), "role", role, "want", requiredRole)
			return
		}

		sessions.SetField(s.ID(), "role", session.StringField(role), false)
		next()
	}
}
