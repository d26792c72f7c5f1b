// Package monitor runs the per-auction tracking loop. A single goroutine
// owns the registry of monitored auctions and consumes typed commands,
// live-stream events, and timer ticks; upstream I/O (snapshot fetches,
// bid placement) runs in short-lived workers that report back as
// commands. Every state change persists before it broadcasts.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/nellis-auction-tracker/internal/domain/auction"
	"github.com/davidleathers/nellis-auction-tracker/internal/domain/errors"
	"github.com/davidleathers/nellis-auction-tracker/internal/domain/values"
	"github.com/davidleathers/nellis-auction-tracker/internal/infrastructure/config"
	"github.com/davidleathers/nellis-auction-tracker/internal/infrastructure/nellis"
	"github.com/davidleathers/nellis-auction-tracker/internal/infrastructure/sse"
	"github.com/davidleathers/nellis-auction-tracker/internal/infrastructure/store"
)

// Upstream is the marketplace surface the monitor drives.
type Upstream interface {
	FetchAuction(ctx context.Context, id string) (*auction.Snapshot, error)
	PlaceBid(ctx context.Context, id string, amount values.BidAmount, attempts int) (*nellis.BidResult, error)
}

// Streams is the live-event transport. Connect answers inline whether the
// transport is available; events for every subscription arrive on Events.
type Streams interface {
	Connect(ctx context.Context, productID, auctionID string) error
	Disconnect(productID string)
	Events() <-chan sse.Event
}

// Broadcaster fans persisted auction state out to subscribers. Both
// methods are called from the monitor loop and must not block.
type Broadcaster interface {
	BroadcastState(a *auction.Auction)
	BroadcastUpdate(u Update)
}

// UpdateKind labels the discrete events sent alongside full-state
// broadcasts.
type UpdateKind string

const (
	UpdateBid    UpdateKind = "bid_update"
	UpdateOutbid UpdateKind = "outbid"
	UpdateEnded  UpdateKind = "auction_ended"
)

// Update is one discrete auction event for subscriber fan-out.
type Update struct {
	Kind       UpdateKind       `json:"kind"`
	AuctionID  string           `json:"auction_id"`
	CurrentBid values.BidAmount `json:"current_bid"`
	BidCount   int              `json:"bid_count"`
	IsWinning  bool             `json:"is_winning"`
}

// Stats is a point-in-time registry summary for health reporting.
type Stats struct {
	Active       int `json:"active"`
	ViaSSE       int `json:"via_sse"`
	ViaPolling   int `json:"via_polling"`
	Ended        int `json:"ended"`
	BidsInFlight int `json:"bids_in_flight"`
}

// pollFailureLimit is the consecutive-failure count that flips an
// auction's status to the advisory error state.
const pollFailureLimit = 3

var errStopped = errors.NewInternalError("monitor is not running")

// Monitor owns the registry of tracked auctions.
type Monitor struct {
	cfg    config.MonitorConfig
	sseOn  bool
	store  store.Store
	client Upstream
	live   Streams
	caster Broadcaster
	logger *zap.Logger

	commands chan command
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	// baseCtx bounds I/O spawned by the loop; Start replaces it.
	baseCtx context.Context

	settingsMu sync.RWMutex
	settings   auction.Settings

	// registry is owned by the run loop; no other goroutine touches it.
	registry map[string]*entry
}

// entry is the loop-private tracking state for one auction.
type entry struct {
	auction     *auction.Auction
	interval    time.Duration
	timer       *time.Timer
	fetching    bool
	failures    int
	bidInFlight bool
	reflex      *time.Timer
	reflexGen   uint64
}

// New wires a monitor. Start must be called before any other method.
func New(cfg *config.Config, st store.Store, client Upstream, live Streams, caster Broadcaster, logger *zap.Logger) (*Monitor, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if st == nil || client == nil || live == nil || caster == nil {
		return nil, fmt.Errorf("store, upstream client, streams, and broadcaster are required")
	}
	return &Monitor{
		cfg:      cfg.Monitor,
		sseOn:    cfg.SSE.Enabled,
		store:    st,
		client:   client,
		live:     live,
		caster:   caster,
		logger:   logger.With(zap.String("component", "monitor")),
		commands: make(chan command, 64),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		baseCtx:  context.Background(),
		settings: auction.DefaultSettings(),
		registry: make(map[string]*entry),
	}, nil
}

// Start loads global settings, begins the command loop, and re-registers
// every persisted auction that has not ended. Recovery trouble is logged,
// not fatal; the tracker starts with whatever it can read back.
func (m *Monitor) Start(ctx context.Context) error {
	m.baseCtx = ctx

	if s, err := m.store.GetSettings(ctx); err == nil {
		s.Normalize()
		m.setSettings(s)
	} else {
		m.logger.Warn("could not load settings, using defaults", zap.Error(err))
	}

	go m.run(ctx)

	records, err := m.store.ListAuctions(ctx)
	if err != nil {
		m.logger.Warn("recovery scan failed", zap.Error(err))
		return nil
	}
	recovered := 0
	for _, rec := range records {
		if rec.Ended() {
			continue
		}
		select {
		case m.commands <- recoverCmd{record: rec}:
			recovered++
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if recovered > 0 {
		m.logger.Info("recovering persisted auctions", zap.Int("count", recovered))
	}
	return nil
}

// Stop shuts the loop down and waits for it. Every live auction record
// is persisted once more on the way out.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.quit) })
	<-m.done
}

// Add registers an auction for monitoring. Its config starts from the
// global defaults with the patch merged on top.
func (m *Monitor) Add(ctx context.Context, id string, patch auction.ConfigPatch, meta auction.Metadata) error {
	reply := make(chan error, 1)
	if err := m.send(ctx, addCmd{id: id, patch: patch, meta: meta, reply: reply}); err != nil {
		return err
	}
	return m.awaitErr(ctx, reply)
}

// Remove stops monitoring and deletes the persisted record, reporting
// whether the auction was being monitored. An in-flight bid is allowed to
// finish; its outcome is dropped.
func (m *Monitor) Remove(ctx context.Context, id string) (bool, error) {
	reply := make(chan bool, 1)
	if err := m.send(ctx, removeCmd{id: id, reply: reply}); err != nil {
		return false, err
	}
	select {
	case ok := <-reply:
		return ok, nil
	case <-ctx.Done():
		return false, ctx.Err()
	case <-m.done:
		return false, errStopped
	}
}

// UpdateConfig merges a partial config into a monitored auction. The new
// policy takes effect on the next fold.
func (m *Monitor) UpdateConfig(ctx context.Context, id string, patch auction.ConfigPatch) error {
	reply := make(chan error, 1)
	if err := m.send(ctx, updateConfigCmd{id: id, patch: patch, reply: reply}); err != nil {
		return err
	}
	return m.awaitErr(ctx, reply)
}

// PlaceBid places a manual bid on a monitored auction, bypassing the
// strategy rules. The upstream call runs under the monitor's own context
// so a caller hanging up cannot abandon a half-placed bid.
func (m *Monitor) PlaceBid(ctx context.Context, id string, amount values.BidAmount) (*nellis.BidResult, error) {
	reply := make(chan bidReply, 1)
	if err := m.send(ctx, manualBidCmd{id: id, amount: amount, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case r := <-reply:
		return r.result, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.done:
		return nil, errStopped
	}
}

// Get returns a copy of one monitored auction.
func (m *Monitor) Get(ctx context.Context, id string) (*auction.Auction, bool) {
	reply := make(chan *auction.Auction, 1)
	if err := m.send(ctx, getCmd{id: id, reply: reply}); err != nil {
		return nil, false
	}
	select {
	case a := <-reply:
		return a, a != nil
	case <-ctx.Done():
		return nil, false
	case <-m.done:
		return nil, false
	}
}

// List returns copies of every auction in the registry, ended ones
// included until the cleanup sweep drops them.
func (m *Monitor) List(ctx context.Context) []*auction.Auction {
	reply := make(chan []*auction.Auction, 1)
	if err := m.send(ctx, listCmd{reply: reply}); err != nil {
		return nil
	}
	select {
	case out := <-reply:
		return out
	case <-ctx.Done():
		return nil
	case <-m.done:
		return nil
	}
}

// MonitorStats summarizes the registry for health reporting.
func (m *Monitor) MonitorStats(ctx context.Context) Stats {
	reply := make(chan Stats, 1)
	if err := m.send(ctx, statsCmd{reply: reply}); err != nil {
		return Stats{}
	}
	select {
	case s := <-reply:
		return s
	case <-ctx.Done():
		return Stats{}
	case <-m.done:
		return Stats{}
	}
}

// Settings returns the current global defaults.
func (m *Monitor) Settings() auction.Settings {
	m.settingsMu.RLock()
	defer m.settingsMu.RUnlock()
	return m.settings
}

// ApplySettings swaps the global defaults used for new monitors and bid
// decisions. Persisting them is the caller's concern.
func (m *Monitor) ApplySettings(s auction.Settings) {
	s.Normalize()
	m.setSettings(s)
}

func (m *Monitor) setSettings(s auction.Settings) {
	m.settingsMu.Lock()
	m.settings = s
	m.settingsMu.Unlock()
}

func (m *Monitor) send(ctx context.Context, c command) error {
	select {
	case m.commands <- c:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return errStopped
	}
}

func (m *Monitor) awaitErr(ctx context.Context, reply chan error) error {
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return errStopped
	}
}

// post delivers a loop-internal command from a timer or worker goroutine.
// Posts are dropped once the loop has exited.
func (m *Monitor) post(c command) {
	select {
	case m.commands <- c:
	case <-m.done:
	}
}
