package middleware

import (
	"log/slog"
	"net/http"
)

// NewRequestLogger creates a middleware that logs each upgrade request with
// the peer details the handshake consumes downstream.
func NewRequestLogger(logger *slog.Logger) Middleware {
	log := logger.With(slog.String("component", "http"))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var ip, agent string
			if reqMeta, ok := ReqMetadataFrom(r.Context()); ok {
				ip = reqMeta.IP
				agent = reqMeta.UserAgent
			}

			log.Info("Incoming HTTP request",
				slog.String("method", r.Method),
				slog.String("uri", r.RequestURI),
				slog.String("ip", ip),
				slog.String("userAgent", agent),
			)
			next.ServeHTTP(w, r)
		})
	}
}
