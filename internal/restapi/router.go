// Package restapi mounts the WebSocket upgrade endpoints onto an HTTP
// router. The REST CRUD surface (rooms, users, agents, routers, auth
// issuance) lives outside this module's scope (spec §1 Non-goals) — this
// package only exposes the two upgrade endpoints the rest of the system
// depends on, plus a liveness probe.
package restapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/NoPKT/AgentIM-sub003/internal/serverws"
)

// NewRouter builds the top-level chi router: request logging through the
// application logger, a recoverer so a panicking handler doesn't take the
// whole process down, and the two WebSocket upgrade routes.
func NewRouter(srv *serverws.Server, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(zapRequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/ws/client", srv.ServeClientWS)
	r.Get("/ws/gateway", srv.ServeGatewayWS)

	return r
}

// zapRequestLogger adapts the application's zap logger into chi middleware,
// matching the structured-logging style used everywhere else in the server.
func zapRequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}
