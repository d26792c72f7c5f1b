// Package rest is the HTTP boundary of the tracker: the JSON API the
// dashboard and extension call, the WebSocket upgrade path, health, and
// Prometheus metrics. Handlers validate input, translate domain errors
// into the wire shape, and delegate everything stateful to the monitor.
package rest

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/davidleathers/nellis-auction-tracker/internal/api/websocket"
	"github.com/davidleathers/nellis-auction-tracker/internal/domain/auction"
	"github.com/davidleathers/nellis-auction-tracker/internal/domain/values"
	"github.com/davidleathers/nellis-auction-tracker/internal/infrastructure/config"
	"github.com/davidleathers/nellis-auction-tracker/internal/infrastructure/nellis"
	"github.com/davidleathers/nellis-auction-tracker/internal/infrastructure/secrets"
	"github.com/davidleathers/nellis-auction-tracker/internal/infrastructure/sse"
	"github.com/davidleathers/nellis-auction-tracker/internal/infrastructure/store"
	"github.com/davidleathers/nellis-auction-tracker/internal/metrics"
	"github.com/davidleathers/nellis-auction-tracker/internal/service/monitor"
)

// Core is the monitoring surface the REST handlers drive. The monitor
// satisfies it.
type Core interface {
	Add(ctx context.Context, id string, patch auction.ConfigPatch, meta auction.Metadata) error
	Remove(ctx context.Context, id string) (bool, error)
	UpdateConfig(ctx context.Context, id string, patch auction.ConfigPatch) error
	PlaceBid(ctx context.Context, id string, amount values.BidAmount) (*nellis.BidResult, error)
	Get(ctx context.Context, id string) (*auction.Auction, bool)
	List(ctx context.Context) []*auction.Auction
	MonitorStats(ctx context.Context) monitor.Stats
	Settings() auction.Settings
	ApplySettings(s auction.Settings)
}

// CredentialManager is the sealed-credential surface behind /api/auth.
type CredentialManager interface {
	Set(ctx context.Context, cookieHeader string) error
	Clear(ctx context.Context) error
	Status() secrets.Status
}

// Upstream is the slice of the marketplace client the API consults for
// session validation and health.
type Upstream interface {
	ValidateSession(ctx context.Context) (bool, error)
	Stats() nellis.Stats
}

// HistoryStore is the slice of the store the API reads directly; state
// mutations go through the monitor instead.
type HistoryStore interface {
	GetBidHistory(ctx context.Context, id string, limit int) ([]auction.BidHistoryEntry, error)
	SaveSettings(ctx context.Context, s auction.Settings) error
	Stats() store.Stats
}

// Sessions is the WebSocket hub surface: the upgrade endpoint plus
// operator notices and health counts.
type Sessions interface {
	HandleWS(w http.ResponseWriter, r *http.Request)
	BroadcastSettings(s auction.Settings)
	Stats() websocket.Stats
}

// StreamStats reports live SSE subscription counts for health.
type StreamStats interface {
	Stats() sse.Stats
}

// Deps collects the components the server fronts.
type Deps struct {
	Core     Core
	Creds    CredentialManager
	Upstream Upstream
	Store    HistoryStore
	Streams  StreamStats
	Hub      Sessions
}

// Server hosts the HTTP boundary.
type Server struct {
	cfg      *config.Config
	deps     Deps
	logger   *zap.Logger
	validate *validator.Validate
	http     *http.Server
	started  time.Time

	ipLimiter   *keyedLimiter
	authLimiter *keyedLimiter
	bidLimiter  *keyedLimiter
}

// NewServer wires routes and middleware. It does not start listening;
// call Start.
func NewServer(cfg *config.Config, deps Deps, logger *zap.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Core == nil || deps.Creds == nil || deps.Upstream == nil || deps.Store == nil || deps.Streams == nil || deps.Hub == nil {
		return nil, fmt.Errorf("all server dependencies are required")
	}

	rl := cfg.Security.RateLimit
	authWindow := time.Duration(rl.AuthWindowMinutes) * time.Minute
	if authWindow <= 0 {
		authWindow = 15 * time.Minute
	}

	s := &Server{
		cfg:         cfg,
		deps:        deps,
		logger:      logger.With(zap.String("component", "rest")),
		validate:    validator.New(),
		started:     time.Now(),
		ipLimiter:   newKeyedLimiter(rl.RequestsPerMinute, time.Minute),
		authLimiter: newKeyedLimiter(rl.AuthPerWindow, authWindow),
		bidLimiter:  newKeyedLimiter(rl.BidsPerMinute, time.Minute),
	}

	s.http = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      s.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}
	return s, nil
}

// Handler builds the full route table wrapped in the middleware stack.
// Exposed so tests can drive the server through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Public surface. The WebSocket path authenticates in-band and the
	// hub enforces its own accept limiter.
	mux.HandleFunc("GET /health", metrics.InstrumentHTTPHandler("health", s.handleHealth))
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /ws", s.deps.Hub.HandleWS)

	api := http.NewServeMux()
	api.HandleFunc("GET /api/auctions", s.route("auctions.list", s.handleListAuctions))
	api.HandleFunc("GET /api/auctions/{id}", s.route("auctions.get", s.handleGetAuction))
	api.HandleFunc("POST /api/auctions/{id}/monitor", s.route("auctions.monitor", s.handleStartMonitoring))
	api.HandleFunc("DELETE /api/auctions/{id}/monitor", s.route("auctions.unmonitor", s.handleStopMonitoring))
	api.HandleFunc("PUT /api/auctions/{id}/config", s.route("auctions.config", s.handleUpdateConfig))
	api.HandleFunc("POST /api/auctions/{id}/bid", s.route("auctions.bid", s.signed(s.limitBids(s.handlePlaceBid))))
	api.HandleFunc("GET /api/auctions/{id}/bids", s.route("auctions.history", s.handleBidHistory))
	api.HandleFunc("POST /api/auth", s.route("auth.set", s.signed(s.limitAuth(s.handleSetCredentials))))
	api.HandleFunc("DELETE /api/auth", s.route("auth.clear", s.signed(s.handleClearCredentials)))
	api.HandleFunc("GET /api/auth/status", s.route("auth.status", s.handleAuthStatus))
	api.HandleFunc("GET /api/settings", s.route("settings.get", s.handleGetSettings))
	api.HandleFunc("POST /api/settings", s.route("settings.set", s.signed(s.handleUpdateSettings)))

	mux.Handle("/api/", s.limitPerIP(s.requireToken(api)))

	return chain(mux, s.recoverPanics, s.logRequests, s.traceRequests)
}

// route wraps one handler with per-route metrics.
func (s *Server) route(name string, h http.HandlerFunc) http.HandlerFunc {
	return metrics.InstrumentHTTPHandler(name, h)
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("http server listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests
// until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
