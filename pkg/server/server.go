package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/flashbots/go-utils/httplogger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/atomic"

	"github.com/relves/anonsignal/pkg/accumulator"
	"github.com/relves/anonsignal/pkg/registration"
	"github.com/relves/anonsignal/pkg/types"
	"github.com/relves/anonsignal/pkg/verifier"
)

// Groups is the read side of the accumulator the API exposes.
type Groups interface {
	Snapshot(id types.GroupID) (accumulator.Snapshot, error)
	Info(id types.GroupID) (accumulator.Info, error)
	RecentRoots(id types.GroupID, window int) ([]types.Hash, error)
	HistorySize() int
	Groups() []types.GroupID
}

// Registrar admits new members.
type Registrar interface {
	Register(ctx context.Context, req types.RegistrationRequest) (registration.Result, error)
}

// Verifier accepts signals.
type Verifier interface {
	Verify(ctx context.Context, sub verifier.Submission) (*verifier.Acceptance, error)
}

// Server is the HTTP API in front of the accumulator, registration
// coordinator and verifier.
type Server struct {
	cfg     *Config
	log     *slog.Logger
	isReady atomic.Bool
	router  http.Handler
}

// NewServer creates a Server. Groups, Registrar and Verifier are required.
func NewServer(opts ...Option) (*Server, error) {
	cfg := applyOptions(opts...)

	if cfg.Groups == nil {
		return nil, errors.New("groups is required")
	}
	if cfg.Registrar == nil {
		return nil, errors.New("registrar is required")
	}
	if cfg.Verifier == nil {
		return nil, errors.New("verifier is required")
	}

	srv := &Server{cfg: cfg, log: cfg.Logger}
	srv.router = srv.createRouter()
	return srv, nil
}

func (srv *Server) createRouter() http.Handler {
	mux := chi.NewRouter()

	mux.Use(middleware.RequestID)
	mux.Use(middleware.RealIP)
	mux.Use(middleware.Recoverer)
	mux.Use(cors.Handler(cors.Options{
		AllowedOrigins:   srv.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	h := &HTTPHandler{
		groups:    srv.cfg.Groups,
		registrar: srv.cfg.Registrar,
		verifier:  srv.cfg.Verifier,
		policy:    srv.cfg.Policy,
		maxBody:   srv.cfg.MaxBodyBytes,
		signer:    srv.cfg.CheckpointSigner,
		origin:    srv.cfg.CheckpointOrigin,
		log:       srv.log,
	}

	mux.Group(func(r chi.Router) {
		r.Use(srv.httpLogger)
		if srv.cfg.RequestTimeout > 0 {
			r.Use(middleware.Timeout(srv.cfg.RequestTimeout))
		}
		h.RegisterRoutes(r)
	})

	mux.Get("/livez", srv.handleLivenessCheck)
	mux.Get("/readyz", srv.handleReadinessCheck)

	return mux
}

func (srv *Server) httpLogger(next http.Handler) http.Handler {
	return httplogger.LoggingMiddlewareSlog(srv.log, next)
}

// Handler returns the routed API.
func (srv *Server) Handler() http.Handler {
	return srv.router
}

// SetReady flips the readiness probe.
func (srv *Server) SetReady(ready bool) {
	srv.isReady.Store(ready)
}

func (srv *Server) handleLivenessCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"alive"}`))
}

func (srv *Server) handleReadinessCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !srv.isReady.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"not ready"}`))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}

// Serve runs the API on ln until ctx is done, then shuts down gracefully
// within shutdownTimeout.
func (srv *Server) Serve(ctx context.Context, ln net.Listener, shutdownTimeout time.Duration) error {
	hs := &http.Server{
		Handler:           srv.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		srv.log.Info("starting HTTP server", "listenAddress", ln.Addr().String())
		errCh <- hs.Serve(ln)
	}()
	srv.SetReady(true)

	select {
	case err := <-errCh:
		srv.SetReady(false)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	srv.SetReady(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := hs.Shutdown(shutdownCtx); err != nil {
		srv.log.Error("graceful HTTP server shutdown failed", "error", err)
		return err
	}
	srv.log.Info("HTTP server gracefully stopped")
	return nil
}
