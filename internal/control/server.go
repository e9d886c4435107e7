// Package control exposes the engine's operator controls over a local HTTP
// API and provides the client the CLI uses to call it.
package control

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"factor-trader/internal/config"
	"factor-trader/internal/engine"
	"factor-trader/internal/logging"
	"factor-trader/internal/resilience"
	"factor-trader/internal/security"
)

const shutdownTimeout = 5 * time.Second

// Controller is the set of operator actions the server exposes.
type Controller interface {
	Start() engine.ControlResult
	Stop() engine.ControlResult
	Pause() engine.ControlResult
	Resume() engine.ControlResult
	ForceRebalance(ctx context.Context) engine.ControlResult
	EmergencyStop(ctx context.Context, reason string) engine.ControlResult
	ClearEmergency(ctx context.Context) engine.ControlResult
	ClosePosition(ctx context.Context, symbol string) engine.ControlResult
	CloseAll(ctx context.Context) engine.ControlResult
	ClearFailed() engine.ControlResult
	Status() engine.ControlResult
}

// EmergencyRequest is the optional body of POST /emergency-stop.
type EmergencyRequest struct {
	Reason string `json:"reason"`
}

// Server serves the control API.
type Server struct {
	listen string
	token  string
	ctrl   Controller
	health *resilience.HealthMonitor
	logger zerolog.Logger
	router chi.Router
}

// Option configures a Server.
type Option func(*Server)

// WithHealth serves GET /health from m. The route skips authentication so
// supervisors can probe it.
func WithHealth(m *resilience.HealthMonitor) Option {
	return func(s *Server) { s.health = m }
}

// NewServer builds the router for ctrl.
func NewServer(cfg config.ControlConfig, ctrl Controller, logger zerolog.Logger, opts ...Option) *Server {
	s := &Server{
		listen: cfg.Listen,
		token:  cfg.Token,
		ctrl:   ctrl,
		logger: logging.WithComponent(logger, "control"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	if s.health != nil {
		r.Get("/health", s.health.HealthHTTPHandler())
	}

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		s.controlRoutes(r)
	})
	return r
}

func (s *Server) controlRoutes(r chi.Router) {
	r.Get("/status", s.handle(func(r *http.Request) engine.ControlResult { return s.ctrl.Status() }))
	r.Post("/start", s.handle(func(r *http.Request) engine.ControlResult { return s.ctrl.Start() }))
	r.Post("/stop", s.handle(func(r *http.Request) engine.ControlResult { return s.ctrl.Stop() }))
	r.Post("/pause", s.handle(func(r *http.Request) engine.ControlResult { return s.ctrl.Pause() }))
	r.Post("/resume", s.handle(func(r *http.Request) engine.ControlResult { return s.ctrl.Resume() }))
	r.Post("/rebalance", s.handle(func(r *http.Request) engine.ControlResult {
		return s.ctrl.ForceRebalance(r.Context())
	}))
	r.Post("/emergency-stop", s.handle(func(r *http.Request) engine.ControlResult {
		var req EmergencyRequest
		if r.ContentLength != 0 {
			// An empty or malformed body falls back to the default reason
			_ = json.NewDecoder(r.Body).Decode(&req)
		}
		return s.ctrl.EmergencyStop(r.Context(), strings.TrimSpace(req.Reason))
	}))
	r.Post("/emergency-clear", s.handle(func(r *http.Request) engine.ControlResult {
		return s.ctrl.ClearEmergency(r.Context())
	}))
	r.Post("/positions/close-all", s.handle(func(r *http.Request) engine.ControlResult {
		return s.ctrl.CloseAll(r.Context())
	}))
	r.Post("/positions/{symbol}/close", func(w http.ResponseWriter, r *http.Request) {
		symbol, err := security.NormalizeSymbol(chi.URLParam(r, "symbol"))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, engine.ControlResult{Action: engine.ActionClosePosition, Message: err.Error()})
			return
		}
		s.handle(func(r *http.Request) engine.ControlResult { return s.ctrl.ClosePosition(r.Context(), symbol) })(w, r)
	})
	r.Post("/orders/failed/clear", s.handle(func(r *http.Request) engine.ControlResult { return s.ctrl.ClearFailed() }))
}

// handle adapts an action to an HTTP handler. A refused action is a 409.
func (s *Server) handle(action func(r *http.Request) engine.ControlResult) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res := action(r)
		status := http.StatusOK
		if !res.Success {
			status = http.StatusConflict
		}
		writeJSON(w, status, res)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// authenticate checks the bearer token when one is configured.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
			writeJSON(w, http.StatusUnauthorized, engine.ControlResult{Message: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("Control request")
	})
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", ln.Addr().String()).Msg("Control server listening")
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info().Msg("Control server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	<-errCh
	return nil
}
