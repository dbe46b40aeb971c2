// Package gateway exposes the wallet over HTTP: JSON endpoints for each
// client screen and websocket streams for the live views.
package gateway

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/R3E-Network/swiftpay/internal/assistant"
	"github.com/R3E-Network/swiftpay/internal/logging"
	"github.com/R3E-Network/swiftpay/internal/metrics"
	"github.com/R3E-Network/swiftpay/internal/middleware"
	"github.com/R3E-Network/swiftpay/internal/wallet"
)

// Options configures the HTTP surface.
type Options struct {
	ServiceName    string
	Version        string
	StorageDriver  string
	CORSOrigins    []string
	RateLimit      int
	RateLimitBurst int
}

// Server holds the handlers and their dependencies.
type Server struct {
	wallet    *wallet.Service
	advisor   *assistant.Advisor
	auth      *middleware.AuthMiddleware
	cors      *middleware.CORS
	limiter   *middleware.RateLimiter
	metrics   *metrics.Metrics
	logger    *logging.Logger
	upgrader  websocket.Upgrader
	opts      Options
	startedAt time.Time
}

// New creates a Server.
func New(w *wallet.Service, advisor *assistant.Advisor, auth *middleware.AuthMiddleware, m *metrics.Metrics, logger *logging.Logger, opts Options) *Server {
	if opts.ServiceName == "" {
		opts.ServiceName = "swiftpay"
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 20
	}
	if opts.RateLimitBurst <= 0 {
		opts.RateLimitBurst = opts.RateLimit * 2
	}

	s := &Server{
		wallet:    w,
		advisor:   advisor,
		auth:      auth,
		cors:      middleware.NewCORS(opts.CORSOrigins),
		limiter:   middleware.NewRateLimiter(opts.RateLimit, opts.RateLimitBurst, logger),
		metrics:   m,
		logger:    logger,
		opts:      opts,
		startedAt: time.Now(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.cors.Allowed(origin)
		},
	}
	return s
}

// Limiter exposes the rate limiter so the caller can schedule its cleanup.
func (s *Server) Limiter() *middleware.RateLimiter {
	return s.limiter
}

// Handler returns the complete HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.cors.Handler(s.Router())
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(middleware.LoggingMiddleware(s.logger))
	router.Use(middleware.MetricsMiddleware(s.opts.ServiceName, s.metrics))

	router.HandleFunc("/health", s.handleHealth).Methods("GET")
	router.HandleFunc("/info", s.handleInfo).Methods("GET")
	router.Handle("/metrics", s.metrics.Handler()).Methods("GET")

	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.auth.Handler)
	api.Use(s.limiter.Handler)

	api.HandleFunc("/session", s.handleSession).Methods("POST")
	api.HandleFunc("/profile", s.handleProfile).Methods("GET")
	api.HandleFunc("/profile/watch", s.handleWatchProfile).Methods("GET")
	api.HandleFunc("/transfers", s.handleTransfer).Methods("POST")
	api.HandleFunc("/transactions", s.handleHistory).Methods("GET")
	api.HandleFunc("/transactions/watch", s.handleWatchHistory).Methods("GET")
	api.HandleFunc("/receive", s.handleReceive).Methods("GET")
	api.HandleFunc("/scan", s.handleScan).Methods("POST")
	api.HandleFunc("/assistant/greeting", s.handleGreeting).Methods("GET")
	api.HandleFunc("/assistant/advice", s.handleAdvice).Methods("POST")
	api.HandleFunc("/assistant/chat", s.handleChat).Methods("POST")

	admin := api.PathPrefix("/admin").Subrouter()
	admin.Use(middleware.RequireRole(middleware.RoleAdmin, s.logger))
	admin.HandleFunc("/users", s.handleListUsers).Methods("GET")

	return router
}
