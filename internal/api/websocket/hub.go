// Package websocket fans auction state out to connected extension and
// dashboard clients. A single hub goroutine owns the session registry;
// sessions authenticate in-band with the shared token, after which they
// receive every persisted state change plus targeted update events for
// auctions they subscribe to. A session whose send buffer fills is dropped
// rather than allowed to stall the fan-out.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/davidleathers/nellis-auction-tracker/internal/domain/auction"
	"github.com/davidleathers/nellis-auction-tracker/internal/domain/values"
	"github.com/davidleathers/nellis-auction-tracker/internal/infrastructure/config"
	"github.com/davidleathers/nellis-auction-tracker/internal/infrastructure/nellis"
	"github.com/davidleathers/nellis-auction-tracker/internal/metrics"
	"github.com/davidleathers/nellis-auction-tracker/internal/service/monitor"
)

// Core is the monitoring surface the hub drives on behalf of clients. The
// monitor satisfies it; the indirection exists because the monitor also
// broadcasts through the hub, so one side has to bind late.
type Core interface {
	Add(ctx context.Context, id string, patch auction.ConfigPatch, meta auction.Metadata) error
	Remove(ctx context.Context, id string) (bool, error)
	UpdateConfig(ctx context.Context, id string, patch auction.ConfigPatch) error
	PlaceBid(ctx context.Context, id string, amount values.BidAmount) (*nellis.BidResult, error)
	List(ctx context.Context) []*auction.Auction
}

var _ monitor.Broadcaster = (*Hub)(nil)

// backlog of marshaled frames waiting for fan-out. Publishers never block
// on it; a full backlog drops the frame.
const broadcastBacklog = 100

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Extension clients connect from extension origins; the in-band token
	// gates access instead of an origin allowlist.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// outbound is one marshaled frame plus its routing rule. An empty target
// reaches every authenticated session; otherwise only sessions subscribed
// to that auction.
type outbound struct {
	target  string
	payload []byte
}

// Stats is a point-in-time session summary for health reporting.
type Stats struct {
	Sessions      int `json:"sessions"`
	Authenticated int `json:"authenticated"`
}

// Hub owns all WebSocket sessions and serializes registry changes and
// fan-out through its Run loop.
type Hub struct {
	logger *zap.Logger
	cfg    config.WebSocketConfig
	token  string
	core   Core

	sessionsLock sync.RWMutex
	sessions     map[uuid.UUID]*Session

	register   chan *Session
	unregister chan *Session
	broadcast  chan outbound

	accept *rate.Limiter

	done     chan struct{}
	stopOnce sync.Once
}

// NewHub builds the hub. Core is bound separately via BindCore because the
// monitor is constructed after the hub and takes the hub as its broadcaster.
func NewHub(cfg *config.Config, logger *zap.Logger) *Hub {
	per := cfg.WebSocket.AcceptPerMinute
	if per <= 0 {
		per = 10
	}
	return &Hub{
		logger:     logger.With(zap.String("component", "websocket")),
		cfg:        cfg.WebSocket,
		token:      cfg.Security.AuthToken,
		sessions:   make(map[uuid.UUID]*Session),
		register:   make(chan *Session),
		unregister: make(chan *Session),
		broadcast:  make(chan outbound, broadcastBacklog),
		accept:     rate.NewLimiter(rate.Every(time.Minute/time.Duration(per)), per),
		done:       make(chan struct{}),
	}
}

// BindCore wires the monitoring core in. Must happen before the first
// session is served.
func (h *Hub) BindCore(core Core) {
	h.core = core
}

// Run processes registrations and fan-out until the context is canceled or
// Stop is called.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("websocket hub started")
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case <-h.done:
			h.shutdown()
			return
		case s := <-h.register:
			h.guard(func() { h.registerSession(s) })
		case s := <-h.unregister:
			h.guard(func() { h.unregisterSession(s) })
		case out := <-h.broadcast:
			h.guard(func() { h.fanOut(out) })
		}
	}
}

// guard keeps a panicking handler from killing the fan-out loop.
func (h *Hub) guard(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			h.logger.Error("hub handler panicked",
				zap.Any("panic", rec),
				zap.Stack("stack"))
		}
	}()
	fn()
}

// Stop signals the Run loop to close every session and exit.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// HandleWS upgrades an HTTP request into a hub session. New connections are
// rate limited; overflow gets a plain 429 before the upgrade.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	if !h.accept.Allow() {
		h.logger.Warn("websocket accept rate exceeded", zap.String("remote_addr", r.RemoteAddr))
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed",
			zap.Error(err),
			zap.String("remote_addr", r.RemoteAddr))
		return
	}
	s := newSession(h, conn)
	select {
	case h.register <- s:
	case <-h.done:
		conn.Close()
		return
	}
	go s.WritePump()
	go s.ReadPump()
}

// BroadcastState pushes a full auction record to every authenticated
// session. Called from the monitor loop; never blocks.
func (h *Hub) BroadcastState(a *auction.Auction) {
	h.publish("", stateFrame{Type: frameAuctionState, Auction: a})
}

// BroadcastUpdate pushes a targeted event to sessions subscribed to the
// auction. Called from the monitor loop; never blocks.
func (h *Hub) BroadcastUpdate(u monitor.Update) {
	h.publish(u.AuctionID, updateFrame{Type: frameAuctionUpdate, AuctionID: u.AuctionID, Update: u})
}

// BroadcastSettings tells every authenticated session the global defaults
// changed.
func (h *Hub) BroadcastSettings(s auction.Settings) {
	h.publish("", settingsFrame{Type: frameSettingsUpdated, Settings: s})
}

func (h *Hub) publish(target string, frame interface{}) {
	payload, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error("marshal broadcast frame", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- outbound{target: target, payload: payload}:
	case <-h.done:
	default:
		metrics.RecordWSMessageDropped()
		h.logger.Warn("broadcast backlog full, dropping frame", zap.String("auction_id", target))
	}
}

// Stats counts current sessions for the health endpoint.
func (h *Hub) Stats() Stats {
	h.sessionsLock.RLock()
	defer h.sessionsLock.RUnlock()
	st := Stats{Sessions: len(h.sessions)}
	for _, s := range h.sessions {
		if s.isAuthenticated() {
			st.Authenticated++
		}
	}
	return st
}

func (h *Hub) registerSession(s *Session) {
	h.sessionsLock.Lock()
	h.sessions[s.ID] = s
	n := len(h.sessions)
	h.sessionsLock.Unlock()
	metrics.UpdateWSSessions(float64(n))
	h.logger.Info("session connected",
		zap.String("session_id", s.ID.String()),
		zap.Int("sessions", n))
	s.reply(connectedFrame{Type: frameConnected, SessionID: s.ID.String()})
}

func (h *Hub) unregisterSession(s *Session) {
	h.sessionsLock.Lock()
	if _, ok := h.sessions[s.ID]; !ok {
		h.sessionsLock.Unlock()
		return
	}
	delete(h.sessions, s.ID)
	n := len(h.sessions)
	h.sessionsLock.Unlock()
	s.close()
	metrics.UpdateWSSessions(float64(n))
	h.logger.Info("session disconnected",
		zap.String("session_id", s.ID.String()),
		zap.Int("sessions", n))
}

func (h *Hub) fanOut(out outbound) {
	h.sessionsLock.RLock()
	defer h.sessionsLock.RUnlock()
	for _, s := range h.sessions {
		if !s.isAuthenticated() {
			continue
		}
		if out.target != "" && !s.isSubscribed(out.target) {
			continue
		}
		if !s.enqueue(out.payload) {
			h.logger.Warn("send buffer full, dropping session",
				zap.String("session_id", s.ID.String()))
			metrics.RecordWSSessionDropped()
			go h.dropSession(s)
		}
	}
}

// dropSession requests an unregister without blocking the caller when the
// Run loop has already exited.
func (h *Hub) dropSession(s *Session) {
	select {
	case h.unregister <- s:
	case <-h.done:
	}
}

func (h *Hub) shutdown() {
	h.sessionsLock.Lock()
	for id, s := range h.sessions {
		delete(h.sessions, id)
		s.close()
	}
	h.sessionsLock.Unlock()
	metrics.UpdateWSSessions(0)
	h.logger.Info("websocket hub stopped")
}
