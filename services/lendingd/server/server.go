package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"reservebank/native/lending"
	"reservebank/observability"
	"reservebank/services/lendingd/journal"
)

// JournalReader exposes committed journal entries.
type JournalReader interface {
	List(ctx context.Context, after uint64, limit int) ([]journal.Entry, error)
	Head() (uint64, string)
}

// Config wires the HTTP server to the engine and its collaborators.
type Config struct {
	Engine      *lending.Engine
	Auth        *Authenticator
	RateLimiter *RateLimiter
	Quota       *QuotaTracker
	Hub         *Hub
	Journal     JournalReader
	Gatherer    prometheus.Gatherer
	Logger      *slog.Logger
}

// Server exposes the lending engine over HTTP/JSON.
type Server struct {
	engine  *lending.Engine
	auth    *Authenticator
	limiter *RateLimiter
	quota   *QuotaTracker
	hub     *Hub
	journal JournalReader
	logger  *slog.Logger
	router  chi.Router
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	auth := cfg.Auth
	if auth == nil {
		auth = NewAuthenticator(AuthConfig{}, logger)
	}
	s := &Server{
		engine:  cfg.Engine,
		auth:    auth,
		limiter: cfg.RateLimiter,
		quota:   cfg.Quota,
		hub:     cfg.Hub,
		journal: cfg.Journal,
		logger:  logger.With("component", "lendingd-http"),
	}
	s.router = s.routes(gatherer)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes(gatherer prometheus.Gatherer) chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(instrument)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(v chi.Router) {
		v.Group(func(pub chi.Router) {
			pub.Use(s.limiter.Middleware)
			pub.Get("/banks", s.handleListBanks)
			pub.Get("/banks/{asset}", s.handleGetBank)
			pub.Get("/users/{address}", s.handleGetUser)
			pub.Get("/users/{address}/health", s.handleGetHealth)
			pub.Get("/journal", s.handleJournal)
			pub.Get("/events/ws", s.handleEventsWS)
		})
		v.Group(func(priv chi.Router) {
			priv.Use(s.auth.Middleware(ScopeWrite))
			priv.Use(s.limiter.Middleware)
			priv.Post("/banks", s.handleCreateBank)
			priv.Post("/users", s.handleCreateUser)
			priv.Post("/deposit", s.positionHandler(s.deposit))
			priv.Post("/withdraw", s.positionHandler(s.withdraw))
			priv.Post("/borrow", s.positionHandler(s.borrow))
			priv.Post("/repay", s.positionHandler(s.repay))
			priv.Post("/liquidate", s.handleLiquidate)
		})
	})
	return r
}

// instrument records per-route request metrics once chi has resolved the
// route pattern.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = r.Method + " " + pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		observability.ModuleMetrics().Observe("lending", route, status, time.Since(start))
	})
}
