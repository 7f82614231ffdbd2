package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"PositionLedger/internal/ledger"
	"PositionLedger/internal/monitor"
	"PositionLedger/internal/observability"
	"PositionLedger/internal/query"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
)

// Deps holds everything the HTTP API needs.
type Deps struct {
	Ledger  *ledger.Ledger
	Monitor *monitor.Monitor
	Query   *query.Service
	Health  *observability.HealthChecker
	Metrics *observability.Metrics
	Logger  zerolog.Logger

	// SubscriberQueue is the push feed buffer per WebSocket connection.
	SubscriberQueue int
}

// Server serves the JSON API, the push feed and the health endpoints.
//
// chi carries the middleware stack and the health and WebSocket routes; the
// API routes live on a grpc-gateway ServeMux mounted under /api.
type Server struct {
	ledger  *ledger.Ledger
	monitor *monitor.Monitor
	query   *query.Service
	health  *observability.HealthChecker
	metrics *observability.Metrics
	logger  zerolog.Logger

	subscriberQueue int
	upgrader        websocket.Upgrader
	router          chi.Router
	httpServer      *http.Server
}

// New builds the router. It fails only when a route pattern is invalid.
func New(deps Deps) (*Server, error) {
	health := deps.Health
	if health == nil {
		health = observability.NewHealthChecker()
		health.SetReady(true)
	}
	if deps.Query == nil {
		deps.Query = query.NewService(deps.Ledger, deps.Monitor, nil)
	}

	s := &Server{
		ledger:          deps.Ledger,
		monitor:         deps.Monitor,
		query:           deps.Query,
		health:          health,
		metrics:         deps.Metrics,
		logger:          deps.Logger,
		subscriberQueue: deps.SubscriberQueue,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	gateway := runtime.NewServeMux(
		runtime.WithUnescapingMode(runtime.UnescapingModeAllCharacters),
		runtime.WithRoutingErrorHandler(routingError),
	)
	for _, rt := range s.routes() {
		if err := gateway.HandlePath(rt.method, rt.pattern, s.instrument(rt.method+" "+rt.pattern, rt.handler)); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(requestID)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.health.LivenessHandler)
	r.Get("/readyz", s.health.ReadinessHandler)
	r.Get("/ws", s.serveWS)
	r.Mount("/api", gateway)

	s.router = r
	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves HTTP on addr until ctx is cancelled (blocking).
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", addr).Msg("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func routingError(_ context.Context, _ *runtime.ServeMux, _ runtime.Marshaler, w http.ResponseWriter, _ *http.Request, status int) {
	code := "not_found"
	if status == http.StatusMethodNotAllowed {
		code = "method_not_allowed"
	}
	writeJSON(w, status, ErrorResponse{Error: http.StatusText(status), Code: code})
}
