package monitor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/nellis-auction-tracker/internal/domain/auction"
	"github.com/davidleathers/nellis-auction-tracker/internal/domain/errors"
	"github.com/davidleathers/nellis-auction-tracker/internal/domain/values"
	"github.com/davidleathers/nellis-auction-tracker/internal/infrastructure/nellis"
	"github.com/davidleathers/nellis-auction-tracker/internal/infrastructure/sse"
	"github.com/davidleathers/nellis-auction-tracker/internal/metrics"
)

// Commands are the only way state enters the loop. Each carries its own
// buffered reply channel when a caller waits on an answer.
type command interface{}

type addCmd struct {
	id    string
	patch auction.ConfigPatch
	meta  auction.Metadata
	reply chan error
}

type removeCmd struct {
	id    string
	reply chan bool
}

type updateConfigCmd struct {
	id    string
	patch auction.ConfigPatch
	reply chan error
}

type manualBidCmd struct {
	id     string
	amount values.BidAmount
	reply  chan bidReply
}

type bidReply struct {
	result *nellis.BidResult
	err    error
}

type getCmd struct {
	id    string
	reply chan *auction.Auction
}

type listCmd struct {
	reply chan []*auction.Auction
}

type statsCmd struct {
	reply chan Stats
}

// tickCmd is posted by an entry's poll timer.
type tickCmd struct {
	id string
}

// foldCmd carries a finished fetch back into the loop.
type foldCmd struct {
	id   string
	snap *auction.Snapshot
	err  error
}

// bidDoneCmd carries a finished bid placement back into the loop.
type bidDoneCmd struct {
	id       string
	amount   values.BidAmount
	strategy auction.Strategy
	result   *nellis.BidResult
	err      error
}

// reflexCmd is posted by the outbid reflex timer. gen guards against a
// stale timer racing a newer one.
type reflexCmd struct {
	id  string
	gen uint64
}

// recoverCmd re-registers one persisted record at startup.
type recoverCmd struct {
	record *auction.Auction
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)

	sweep := time.NewTicker(m.cfg.CleanupInterval)
	defer sweep.Stop()

	events := m.live.Events()
	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return
		case <-m.quit:
			m.shutdown()
			return
		case c := <-m.commands:
			m.guard(func() { m.handle(c) })
		case ev := <-events:
			m.guard(func() { m.handleStream(ev) })
		case <-sweep.C:
			m.guard(m.handleSweep)
		}
	}
}

// guard keeps one panicking handler from taking the loop down with it.
// The failed command is lost; everything queued behind it still runs.
func (m *Monitor) guard(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			m.logger.Error("loop handler panicked",
				zap.Any("panic", rec),
				zap.Stack("stack"))
		}
	}()
	fn()
}

func (m *Monitor) handle(c command) {
	switch c := c.(type) {
	case addCmd:
		c.reply <- m.handleAdd(c)
	case removeCmd:
		c.reply <- m.handleRemove(c.id)
	case updateConfigCmd:
		c.reply <- m.handleUpdateConfig(c)
	case manualBidCmd:
		m.handleManualBid(c)
	case getCmd:
		c.reply <- m.handleGet(c.id)
	case listCmd:
		c.reply <- m.handleList()
	case statsCmd:
		c.reply <- m.handleStats()
	case tickCmd:
		m.handleTick(c.id)
	case foldCmd:
		m.handleFold(c)
	case bidDoneCmd:
		m.handleBidDone(c)
	case reflexCmd:
		m.handleReflex(c)
	case recoverCmd:
		m.handleRecover(c.record)
	}
}

func (m *Monitor) handleAdd(c addCmd) error {
	if _, exists := m.registry[c.id]; exists {
		return errors.ErrAlreadyMonitored
	}

	cfg, err := auction.ConfigFromSettings(m.Settings()).Merge(c.patch)
	if err != nil {
		return errors.NewValidationError("INVALID_CONFIG", err.Error())
	}

	a := auction.New(c.id, cfg, c.meta)
	e := &entry{auction: a, interval: m.cfg.PollingInterval}
	m.registry[c.id] = e

	if m.sseOn && a.SSEProductID != "" {
		go m.tryStream(a.SSEProductID, c.id)
	}

	m.persistAndBroadcast(e)
	m.updateGauges()

	// the first fetch fires immediately; the timer covers the rest
	e.fetching = true
	m.armTimer(e)
	go m.fetchTask(c.id, string(a.Transport))

	m.logger.Info("monitoring auction",
		zap.String("auction_id", c.id),
		zap.String("strategy", string(cfg.Strategy)),
		zap.Int64("max_bid", cfg.MaxBid.Dollars()))
	return nil
}

// tryStream attempts the live-stream subscription off-loop. On success the
// connected event upgrades the entry's transport; on failure the entry
// stays on polling.
func (m *Monitor) tryStream(productID, auctionID string) {
	if err := m.live.Connect(m.baseCtx, productID, auctionID); err != nil {
		m.logger.Debug("live stream unavailable",
			zap.String("auction_id", auctionID),
			zap.String("product_id", productID),
			zap.Error(err))
	}
}

func (m *Monitor) handleRemove(id string) bool {
	e, ok := m.registry[id]
	if !ok {
		return false
	}
	m.retire(e)
	delete(m.registry, id)

	if err := m.store.DeleteAuction(m.baseCtx, id); err != nil {
		m.logger.Warn("could not delete auction record",
			zap.String("auction_id", id), zap.Error(err))
	}
	m.updateGauges()
	m.logger.Info("stopped monitoring", zap.String("auction_id", id))
	return true
}

// retire stops the timers and the live stream for an entry. In-flight
// work may still post back; handlers tolerate the missing registry key.
func (m *Monitor) retire(e *entry) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	m.cancelReflex(e)
	if e.auction.SSEProductID != "" {
		m.live.Disconnect(e.auction.SSEProductID)
	}
}

func (m *Monitor) handleUpdateConfig(c updateConfigCmd) error {
	e, ok := m.registry[c.id]
	if !ok {
		return errors.ErrNotMonitored
	}
	merged, err := e.auction.Config.Merge(c.patch)
	if err != nil {
		return errors.NewValidationError("INVALID_CONFIG", err.Error())
	}
	e.auction.Config = merged
	e.auction.LastUpdateMS = time.Now().UnixMilli()
	m.persistAndBroadcast(e)
	m.logger.Info("config updated",
		zap.String("auction_id", c.id),
		zap.String("strategy", string(merged.Strategy)),
		zap.Int64("max_bid", merged.MaxBid.Dollars()))
	// bidding is re-evaluated on the next fold, not here
	return nil
}

func (m *Monitor) handleManualBid(c manualBidCmd) {
	e, ok := m.registry[c.id]
	if !ok {
		c.reply <- bidReply{err: errors.ErrNotMonitored}
		return
	}
	if e.auction.Ended() {
		c.reply <- bidReply{err: errors.ErrAuctionEnded}
		return
	}
	if e.bidInFlight {
		c.reply <- bidReply{err: errors.NewValidationError("BID_IN_FLIGHT",
			"A bid for this auction is already in flight")}
		return
	}
	e.bidInFlight = true
	go m.placeBid(c.id, c.amount, auction.StrategyManual, c.reply)
}

func (m *Monitor) handleGet(id string) *auction.Auction {
	e, ok := m.registry[id]
	if !ok {
		return nil
	}
	return e.auction.Clone()
}

func (m *Monitor) handleList() []*auction.Auction {
	out := make([]*auction.Auction, 0, len(m.registry))
	for _, e := range m.registry {
		out = append(out, e.auction.Clone())
	}
	return out
}

func (m *Monitor) handleStats() Stats {
	var s Stats
	for _, e := range m.registry {
		if e.auction.Ended() {
			s.Ended++
			continue
		}
		s.Active++
		if e.auction.Transport == auction.TransportSSE {
			s.ViaSSE++
		} else {
			s.ViaPolling++
		}
		if e.bidInFlight {
			s.BidsInFlight++
		}
	}
	return s
}

func (m *Monitor) handleTick(id string) {
	e, ok := m.registry[id]
	if !ok || e.auction.Ended() {
		return
	}
	// the next tick arms before the fetch starts so a slow upstream
	// cannot stall the cadence
	m.armTimer(e)
	if e.fetching {
		metrics.RecordPollMiss()
		return
	}
	e.fetching = true
	go m.fetchTask(id, string(e.auction.Transport))
}

func (m *Monitor) fetchTask(id, transport string) {
	start := time.Now()
	snap, err := m.client.FetchAuction(m.baseCtx, id)
	metrics.RecordPollDuration(transport, time.Since(start))
	m.post(foldCmd{id: id, snap: snap, err: err})
}

func (m *Monitor) handleFold(c foldCmd) {
	e, ok := m.registry[c.id]
	if !ok {
		return
	}
	e.fetching = false
	if e.auction.Ended() {
		return
	}
	if c.err != nil {
		metrics.RecordPollFailure()
		e.failures++
		m.logger.Warn("poll failed",
			zap.String("auction_id", c.id),
			zap.Int("consecutive", e.failures),
			zap.Error(c.err))
		if e.failures >= pollFailureLimit && e.auction.Status != auction.StatusError {
			e.auction.Status = auction.StatusError
			e.auction.LastUpdateMS = time.Now().UnixMilli()
			m.persistAndBroadcast(e)
		}
		return
	}
	e.failures = 0
	m.fold(e, c.snap)
}

func (m *Monitor) handleStream(ev sse.Event) {
	e, ok := m.registry[ev.AuctionID]
	if !ok || e.auction.Ended() {
		return
	}
	switch ev.Kind {
	case sse.EventConnected:
		if e.auction.Transport != auction.TransportSSE {
			e.auction.Transport = auction.TransportSSE
			e.auction.FallbackPolling = false
			e.auction.LastUpdateMS = time.Now().UnixMilli()
			m.applyCadence(e)
			m.persistAndBroadcast(e)
			m.logger.Info("live stream attached", zap.String("auction_id", ev.AuctionID))
		}
	case sse.EventBid:
		if ev.Bid == nil {
			return
		}
		if e.auction.Data == nil {
			// no baseline to derive from yet; fetch instead
			m.refresh(e)
			return
		}
		m.fold(e, e.auction.Data.WithBidUpdate(ev.Bid.CurrentBid, ev.Bid.BidCount))
	case sse.EventClosed:
		base := e.auction.Data
		if base == nil {
			base = &auction.Snapshot{}
		}
		var final values.BidAmount
		if ev.Closed != nil {
			final = ev.Closed.FinalBid
		}
		m.fold(e, base.WithClosed(final))
	case sse.EventFallback:
		e.auction.Transport = auction.TransportPolling
		e.auction.FallbackPolling = true
		e.auction.LastUpdateMS = time.Now().UnixMilli()
		m.applyCadence(e)
		m.persistAndBroadcast(e)
		m.logger.Warn("live stream gave up, polling takes over",
			zap.String("auction_id", ev.AuctionID))
	}
}

// handleRecover re-registers a persisted record after a restart. The
// stored transport is provisional until a fresh live-stream attempt
// answers; the record is not re-persisted until new state arrives.
func (m *Monitor) handleRecover(rec *auction.Auction) {
	if rec == nil || rec.Ended() {
		return
	}
	if _, exists := m.registry[rec.ID]; exists {
		return
	}
	rec.Transport = auction.TransportPolling
	rec.FallbackPolling = false
	if rec.SSEProductID == "" {
		rec.SSEProductID = auction.ExtractSSEProductID(rec.URL)
	}
	e := &entry{auction: rec, interval: m.cfg.PollingInterval}
	m.registry[rec.ID] = e

	if m.sseOn && rec.SSEProductID != "" {
		go m.tryStream(rec.SSEProductID, rec.ID)
	}

	e.fetching = true
	m.armTimer(e)
	go m.fetchTask(rec.ID, string(rec.Transport))

	m.updateGauges()
	m.logger.Info("recovered auction", zap.String("auction_id", rec.ID))
}

// handleSweep drops ended auctions whose retention window has passed.
func (m *Monitor) handleSweep() {
	now := time.Now().UnixMilli()
	retention := m.cfg.EndedRetention.Milliseconds()
	removed := 0
	for id, e := range m.registry {
		a := e.auction
		expired := a.Ended() && now-a.EndedAtMS >= retention
		// records whose countdown ran out without a terminal fold go too
		stale := !a.Ended() && a.Data != nil && a.Data.TimeRemainingSeconds == 0 &&
			now-a.LastUpdateMS >= retention
		if !expired && !stale {
			continue
		}
		m.retire(e)
		delete(m.registry, id)
		if err := m.store.DeleteAuction(m.baseCtx, id); err != nil {
			m.logger.Warn("could not delete swept record",
				zap.String("auction_id", id), zap.Error(err))
		}
		removed++
	}
	if removed > 0 {
		m.updateGauges()
		m.logger.Info("swept ended auctions", zap.Int("count", removed))
	}
}

// shutdown persists every live record once more and stops all timers.
// Store writes get a fresh bounded context because the loop's own context
// is usually already cancelled here.
func (m *Monitor) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, e := range m.registry {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
		m.cancelReflex(e)
		if e.auction.Ended() {
			continue
		}
		if err := m.store.SaveAuction(ctx, e.auction.Clone()); err != nil {
			m.logger.Warn("final persist failed",
				zap.String("auction_id", e.auction.ID), zap.Error(err))
		}
	}
	m.logger.Info("monitor stopped", zap.Int("auctions", len(m.registry)))
}

func (m *Monitor) updateGauges() {
	active := 0
	for _, e := range m.registry {
		if !e.auction.Ended() {
			active++
		}
	}
	metrics.UpdateActiveMonitors(float64(active))
}
