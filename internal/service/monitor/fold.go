package monitor

import (
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/nellis-auction-tracker/internal/domain/auction"
	"github.com/davidleathers/nellis-auction-tracker/internal/domain/errors"
	"github.com/davidleathers/nellis-auction-tracker/internal/domain/values"
	"github.com/davidleathers/nellis-auction-tracker/internal/metrics"
	"github.com/davidleathers/nellis-auction-tracker/internal/service/bidding"
)

// fold applies one new snapshot to an entry: terminal check, state swap,
// subscriber events, cadence adjustment, persist, broadcast, and finally
// the bid decision. Every state source (poll, live stream, bid response)
// funnels through here.
func (m *Monitor) fold(e *entry, next *auction.Snapshot) {
	if next == nil || e.auction.Ended() {
		return
	}
	now := time.Now().UnixMilli()
	prev := e.auction.Data

	if next.Closed() {
		e.auction.ApplySnapshot(next, now)
		e.auction.MarkEnded(now)
		m.finishAuction(e)
		return
	}

	e.auction.ApplySnapshot(next, now)

	if prev != nil {
		if !prev.CurrentBid.Equal(next.CurrentBid) {
			m.caster.BroadcastUpdate(Update{
				Kind:       UpdateBid,
				AuctionID:  e.auction.ID,
				CurrentBid: next.CurrentBid,
				BidCount:   next.BidCount,
				IsWinning:  next.IsWinning,
			})
		}
		if prev.IsWinning && !next.IsWinning {
			m.caster.BroadcastUpdate(Update{
				Kind:       UpdateOutbid,
				AuctionID:  e.auction.ID,
				CurrentBid: next.CurrentBid,
				BidCount:   next.BidCount,
			})
		}
	}

	m.applyCadence(e)
	m.persistAndBroadcast(e)
	m.evaluate(e)
}

// finishAuction runs the terminal transition: persist the final state,
// tell subscribers, stop all per-auction activity. The entry stays in the
// registry until the cleanup sweep so late reads still see the outcome.
func (m *Monitor) finishAuction(e *entry) {
	m.cancelReflex(e)
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	if e.auction.SSEProductID != "" {
		m.live.Disconnect(e.auction.SSEProductID)
	}

	m.persistAndBroadcast(e)

	var final values.BidAmount
	won := false
	if d := e.auction.Data; d != nil {
		final = d.CurrentBid
		won = d.IsWinning
	}
	m.caster.BroadcastUpdate(Update{
		Kind:       UpdateEnded,
		AuctionID:  e.auction.ID,
		CurrentBid: final,
		IsWinning:  won,
	})
	metrics.RecordAuctionEnded()
	m.updateGauges()
	m.logger.Info("auction ended",
		zap.String("auction_id", e.auction.ID),
		zap.Int64("final_bid", final.Dollars()),
		zap.Bool("won", won))
}

// applyCadence re-arms the poll timer when the desired interval changed.
// A cadence change never fires an extra immediate poll.
func (m *Monitor) applyCadence(e *entry) {
	want := m.desiredInterval(e)
	if want == e.interval {
		return
	}
	m.logger.Debug("poll cadence change",
		zap.String("auction_id", e.auction.ID),
		zap.Duration("from", e.interval),
		zap.Duration("to", want))
	e.interval = want
	if e.timer != nil {
		m.armTimer(e)
	}
}

// desiredInterval picks the poll cadence: tight inside the closing
// window, relaxed while the live stream carries updates, default
// otherwise.
func (m *Monitor) desiredInterval(e *entry) time.Duration {
	if d := e.auction.Data; d != nil && d.InTail(int64(m.cfg.TailWindow/time.Second)) {
		return m.cfg.TailInterval
	}
	if e.auction.Transport == auction.TransportSSE {
		return m.cfg.FallbackInterval
	}
	return m.cfg.PollingInterval
}

func (m *Monitor) armTimer(e *entry) {
	if e.timer != nil {
		e.timer.Stop()
	}
	id := e.auction.ID
	e.timer = time.AfterFunc(e.interval, func() { m.post(tickCmd{id: id}) })
}

// persistAndBroadcast saves the record and only then hands it to the
// broadcaster, so subscribers never see state the store has not.
func (m *Monitor) persistAndBroadcast(e *entry) {
	rec := e.auction.Clone()
	if err := m.store.SaveAuction(m.baseCtx, rec); err != nil {
		m.logger.Error("persist failed",
			zap.String("auction_id", e.auction.ID), zap.Error(err))
	}
	m.caster.BroadcastState(rec)
}

// evaluate runs the strategy rules against the entry's current state and
// starts a bid placement when they say to.
func (m *Monitor) evaluate(e *entry) {
	if e.bidInFlight || e.auction.Ended() {
		return
	}
	d := bidding.Decide(e.auction.Data, e.auction.Config, m.Settings())
	switch d.Outcome {
	case bidding.OutcomeBid:
		e.bidInFlight = true
		m.logger.Info("placing bid",
			zap.String("auction_id", e.auction.ID),
			zap.Int64("amount", d.Amount.Dollars()),
			zap.String("strategy", string(e.auction.Config.Strategy)))
		go m.placeBid(e.auction.ID, d.Amount, e.auction.Config.Strategy, nil)
	case bidding.OutcomeBudgetExceeded:
		if !e.auction.MaxBidReached {
			e.auction.MaxBidReached = true
			e.auction.LastUpdateMS = time.Now().UnixMilli()
			metrics.RecordMaxBidReached(string(e.auction.Config.Strategy))
			m.logger.Warn("bid budget exhausted",
				zap.String("auction_id", e.auction.ID),
				zap.Int64("required", d.Amount.Dollars()),
				zap.Int64("max_bid", e.auction.Config.MaxBid.Dollars()))
			m.persistAndBroadcast(e)
		}
	default:
		if d.Reason != "" {
			m.logger.Debug("no bid",
				zap.String("auction_id", e.auction.ID),
				zap.String("reason", d.Reason))
		}
	}
}

// placeBid runs one bid placement off-loop. The reply channel (manual
// bids only) is buffered so an abandoned caller cannot block the worker;
// bookkeeping happens back on the loop via bidDoneCmd.
func (m *Monitor) placeBid(id string, amount values.BidAmount, strategy auction.Strategy, reply chan bidReply) {
	attempts := m.Settings().Bidding.RetryAttempts
	result, err := m.client.PlaceBid(m.baseCtx, id, amount, attempts)
	if reply != nil {
		reply <- bidReply{result: result, err: err}
	}
	m.post(bidDoneCmd{id: id, amount: amount, strategy: strategy, result: result, err: err})
}

func (m *Monitor) handleBidDone(c bidDoneCmd) {
	e, ok := m.registry[c.id]
	if !ok {
		// removed while the bid was in flight; drop the outcome
		return
	}
	e.bidInFlight = false
	now := time.Now().UnixMilli()

	if c.err != nil {
		metrics.RecordBidPlaced(string(c.strategy), failureOutcome(c.err))
		m.appendHistory(c.id, auction.NewBidFailure(c.amount, c.strategy, c.err.Error()))
		m.logger.Warn("bid failed",
			zap.String("auction_id", c.id),
			zap.Int64("amount", c.amount.Dollars()),
			zap.String("code", errors.BidCode(c.err)),
			zap.Error(c.err))
		return
	}

	metrics.RecordBidPlaced(string(c.strategy), "success")
	m.appendHistory(c.id, auction.NewBidSuccess(c.amount, c.strategy, c.result.Message))
	e.auction.RecordBid(c.amount, now)
	e.auction.MaxBidReached = false

	state, outbid := bidding.ParseOutbidResult(c.result)
	if outbid {
		m.logger.Info("bid accepted but immediately outbid",
			zap.String("auction_id", c.id),
			zap.Int64("amount", c.amount.Dollars()))
		if d := e.auction.Data; d != nil {
			var next *auction.Snapshot
			if state != nil {
				next = d.WithOutbid(state.CurrentBid, state.NextBid, state.BidCount, state.BidderCount)
			} else {
				cp := *d
				cp.IsWinning = false
				next = &cp
			}
			e.auction.ApplySnapshot(next, now)
		}
		m.caster.BroadcastUpdate(Update{
			Kind:       UpdateOutbid,
			AuctionID:  c.id,
			CurrentBid: currentBidOf(e),
		})
		if e.auction.Config.Strategy == auction.StrategyAuto && e.auction.Config.AutoBid {
			m.scheduleReflex(e)
		}
	}

	m.persistAndBroadcast(e)

	if !outbid {
		// confirm the accepted bid against authoritative state
		m.refresh(e)
	}
}

// refresh starts an immediate fetch outside the cadence.
func (m *Monitor) refresh(e *entry) {
	if e.fetching || e.auction.Ended() {
		return
	}
	e.fetching = true
	go m.fetchTask(e.auction.ID, string(e.auction.Transport))
}

// scheduleReflex arms the delayed re-entry into the bid engine after an
// outbid. The generation counter invalidates stale timers.
func (m *Monitor) scheduleReflex(e *entry) {
	m.cancelReflex(e)
	gen := e.reflexGen
	id := e.auction.ID
	e.reflex = time.AfterFunc(m.cfg.OutbidDelay, func() {
		m.post(reflexCmd{id: id, gen: gen})
	})
}

func (m *Monitor) cancelReflex(e *entry) {
	e.reflexGen++
	if e.reflex != nil {
		e.reflex.Stop()
		e.reflex = nil
	}
}

func (m *Monitor) handleReflex(c reflexCmd) {
	e, ok := m.registry[c.id]
	if !ok || c.gen != e.reflexGen || e.auction.Ended() || e.bidInFlight {
		return
	}
	e.reflex = nil
	metrics.RecordOutbidReflex()
	m.evaluate(e)
}

func (m *Monitor) appendHistory(id string, h auction.BidHistoryEntry) {
	if err := m.store.AppendBidHistory(m.baseCtx, id, h); err != nil {
		m.logger.Warn("could not append bid history",
			zap.String("auction_id", id), zap.Error(err))
	}
}

// failureOutcome maps a bid error onto its bounded metric label.
func failureOutcome(err error) string {
	return strings.ToLower(errors.BidCode(err))
}

func currentBidOf(e *entry) values.BidAmount {
	if e.auction.Data != nil {
		return e.auction.Data.CurrentBid
	}
	return values.ZeroBid()
}
