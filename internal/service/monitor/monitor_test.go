package monitor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/nellis-auction-tracker/internal/domain/auction"
	"github.com/davidleathers/nellis-auction-tracker/internal/domain/values"
	"github.com/davidleathers/nellis-auction-tracker/internal/infrastructure/config"
	"github.com/davidleathers/nellis-auction-tracker/internal/infrastructure/nellis"
	"github.com/davidleathers/nellis-auction-tracker/internal/infrastructure/sse"
	"github.com/davidleathers/nellis-auction-tracker/internal/infrastructure/store"
	"github.com/davidleathers/nellis-auction-tracker/internal/testutil/fixtures"
)

type fakeStore struct {
	mu       sync.Mutex
	auctions map[string]*auction.Auction
	history  map[string][]auction.BidHistoryEntry
	settings auction.Settings
	creds    []byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		auctions: make(map[string]*auction.Auction),
		history:  make(map[string][]auction.BidHistoryEntry),
		settings: auction.DefaultSettings(),
	}
}

func (f *fakeStore) SaveAuction(_ context.Context, a *auction.Auction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.auctions[a.ID] = a.Clone()
	return nil
}

func (f *fakeStore) GetAuction(_ context.Context, id string) (*auction.Auction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.auctions[id]
	if !ok {
		return nil, store.ErrKeyNotFound{Key: id}
	}
	return a.Clone(), nil
}

func (f *fakeStore) DeleteAuction(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.auctions, id)
	return nil
}

func (f *fakeStore) ListAuctions(_ context.Context) ([]*auction.Auction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*auction.Auction, 0, len(f.auctions))
	for _, a := range f.auctions {
		out = append(out, a.Clone())
	}
	return out, nil
}

func (f *fakeStore) SaveCredentials(_ context.Context, sealed []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creds = sealed
	return nil
}

func (f *fakeStore) GetCredentials(_ context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creds, nil
}

func (f *fakeStore) ClearCredentials(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creds = nil
	return nil
}

func (f *fakeStore) SaveSettings(_ context.Context, s auction.Settings) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settings = s
	return nil
}

func (f *fakeStore) GetSettings(_ context.Context) (auction.Settings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settings, nil
}

func (f *fakeStore) AppendBidHistory(_ context.Context, id string, e auction.BidHistoryEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history[id] = append(f.history[id], e)
	return nil
}

func (f *fakeStore) GetBidHistory(_ context.Context, id string, limit int) ([]auction.BidHistoryEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entries := f.history[id]
	out := make([]auction.BidHistoryEntry, 0, len(entries))
	for i := len(entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, entries[i])
	}
	return out, nil
}

func (f *fakeStore) Events() <-chan store.Event { return nil }
func (f *fakeStore) Stats() store.Stats        { return store.Stats{Connected: true} }
func (f *fakeStore) Close() error              { return nil }

func (f *fakeStore) historyLen(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.history[id])
}

func (f *fakeStore) savedAuction(id string) *auction.Auction {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.auctions[id]
	if !ok {
		return nil
	}
	return a.Clone()
}

type bidCall struct {
	id       string
	amount   values.BidAmount
	attempts int
}

type fakeUpstream struct {
	mu       sync.Mutex
	snaps    map[string]*auction.Snapshot
	fetchErr error
	bids     []bidCall
	bidCh    chan bidCall
	results  []*nellis.BidResult
	bidErr   error
	// onBid runs with the lock held after each accepted bid; when nil the
	// stored snapshot flips to winning at the bid amount
	onBid func(f *fakeUpstream, call bidCall)
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{
		snaps: make(map[string]*auction.Snapshot),
		bidCh: make(chan bidCall, 16),
	}
}

func (f *fakeUpstream) setSnapshot(id string, s *auction.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snaps[id] = s
}

func (f *fakeUpstream) setFetchErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchErr = err
}

func (f *fakeUpstream) queueResult(r *nellis.BidResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, r)
}

func (f *fakeUpstream) bidCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.bids)
}

func (f *fakeUpstream) FetchAuction(_ context.Context, id string) (*auction.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	s, ok := f.snaps[id]
	if !ok {
		return nil, fmt.Errorf("no snapshot for %s", id)
	}
	cp := *s
	return &cp, nil
}

func (f *fakeUpstream) PlaceBid(_ context.Context, id string, amount values.BidAmount, attempts int) (*nellis.BidResult, error) {
	f.mu.Lock()
	call := bidCall{id: id, amount: amount, attempts: attempts}
	f.bids = append(f.bids, call)
	if f.bidErr != nil {
		err := f.bidErr
		f.mu.Unlock()
		f.bidCh <- call
		return nil, err
	}
	var res *nellis.BidResult
	if len(f.results) > 0 {
		res = f.results[0]
		f.results = f.results[1:]
	} else {
		res = &nellis.BidResult{Amount: amount, Message: "Bid placed successfully"}
	}
	if f.onBid != nil {
		f.onBid(f, call)
	} else if prev, ok := f.snaps[id]; ok {
		won := *prev
		won.CurrentBid = amount
		won.NextBid = values.ZeroBid()
		won.IsWinning = true
		f.snaps[id] = &won
	}
	f.mu.Unlock()
	f.bidCh <- call
	return res, nil
}

type fakeStreams struct {
	mu          sync.Mutex
	events      chan sse.Event
	connects    map[string]string
	connectErr  error
	disconnects []string
}

func newFakeStreams() *fakeStreams {
	return &fakeStreams{
		events:   make(chan sse.Event, 16),
		connects: make(map[string]string),
	}
}

func (f *fakeStreams) Connect(_ context.Context, productID, auctionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connects[productID] = auctionID
	return nil
}

func (f *fakeStreams) Disconnect(productID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects = append(f.disconnects, productID)
}

func (f *fakeStreams) Events() <-chan sse.Event { return f.events }

func (f *fakeStreams) connected(productID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects[productID]
}

func (f *fakeStreams) push(ev sse.Event) { f.events <- ev }

type fakeCaster struct {
	mu      sync.Mutex
	states  []*auction.Auction
	updates []Update
}

func (f *fakeCaster) BroadcastState(a *auction.Auction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, a)
}

func (f *fakeCaster) BroadcastUpdate(u Update) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, u)
}

func (f *fakeCaster) updatesOfKind(kind UpdateKind) []Update {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Update
	for _, u := range f.updates {
		if u.Kind == kind {
			out = append(out, u)
		}
	}
	return out
}

type harness struct {
	mon      *Monitor
	store    *fakeStore
	upstream *fakeUpstream
	streams  *fakeStreams
	caster   *fakeCaster
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	cfg := &config.Config{
		Monitor: config.MonitorConfig{
			PollingInterval:  10 * time.Millisecond,
			TailInterval:     5 * time.Millisecond,
			FallbackInterval: 40 * time.Millisecond,
			TailWindow:       30 * time.Second,
			CleanupInterval:  time.Hour,
			EndedRetention:   time.Minute,
			OutbidDelay:      5 * time.Millisecond,
		},
		SSE: config.SSEConfig{Enabled: true},
	}
	if mutate != nil {
		mutate(cfg)
	}
	h := &harness{
		store:    newFakeStore(),
		upstream: newFakeUpstream(),
		streams:  newFakeStreams(),
		caster:   &fakeCaster{},
	}
	mon, err := New(cfg, h.store, h.upstream, h.streams, h.caster, zaptest.NewLogger(t))
	require.NoError(t, err)
	h.mon = mon
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.mon.Start(context.Background()))
	t.Cleanup(h.mon.Stop)
}

func expectBid(t *testing.T, h *harness, amount int64) {
	t.Helper()
	select {
	case call := <-h.upstream.bidCh:
		assert.Equal(t, amount, call.amount.Dollars())
	case <-time.After(2 * time.Second):
		t.Fatalf("expected a bid of %d, got none", amount)
	}
}

func openSnapshot(current, next, remaining int64) *auction.Snapshot {
	return fixtures.NewSnapshotBuilder().
		WithCurrentBid(current).
		WithNextBid(next).
		WithTimeRemaining(remaining).
		Build()
}

func strPtr(s string) *string { return &s }
func i64Ptr(n int64) *int64   { return &n }
func boolPtr(b bool) *bool    { return &b }

func TestAutoBidOnFold(t *testing.T) {
	h := newHarness(t, nil)
	h.upstream.setSnapshot("123", openSnapshot(40, 45, 300))
	h.start(t)
	ctx := context.Background()

	err := h.mon.Add(ctx, "123", auction.ConfigPatch{
		MaxBid:   i64Ptr(100),
		Strategy: strPtr("auto"),
		AutoBid:  boolPtr(true),
	}, auction.Metadata{Title: "Vitamix blender"})
	require.NoError(t, err)

	expectBid(t, h, 45)

	require.Eventually(t, func() bool {
		return h.store.historyLen("123") == 1
	}, 2*time.Second, 5*time.Millisecond)

	entries, err := h.store.GetBidHistory(ctx, "123", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Success)
	assert.Equal(t, int64(45), entries[0].Amount.Dollars())
	assert.Equal(t, auction.StrategyAuto, entries[0].Strategy)

	require.Eventually(t, func() bool {
		a, ok := h.mon.Get(ctx, "123")
		return ok && a.Data != nil && a.Data.IsWinning && a.LastBidAmount.Dollars() == 45
	}, 2*time.Second, 5*time.Millisecond)

	a, ok := h.mon.Get(ctx, "123")
	require.True(t, ok)
	assert.False(t, a.MaxBidReached)
	assert.Equal(t, "Vitamix blender", a.Title)
}

func TestAddDuplicateRejected(t *testing.T) {
	h := newHarness(t, nil)
	h.upstream.setSnapshot("1", openSnapshot(10, 12, 300))
	h.start(t)
	ctx := context.Background()

	require.NoError(t, h.mon.Add(ctx, "1", auction.ConfigPatch{Strategy: strPtr("manual")}, auction.Metadata{}))
	err := h.mon.Add(ctx, "1", auction.ConfigPatch{}, auction.Metadata{})
	require.Error(t, err)
}

func TestAddInheritsGlobalSettings(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	saved := fixtures.NewSettingsBuilder().
		WithDefaultMaxBid(60).
		WithDefaultStrategy(auction.StrategySniping).
		WithRetryAttempts(5).
		Build()
	require.NoError(t, h.store.SaveSettings(ctx, saved))

	h.upstream.setSnapshot("2", openSnapshot(40, 45, 25))
	h.start(t)

	// an empty patch leans entirely on the stored defaults
	require.NoError(t, h.mon.Add(ctx, "2", auction.ConfigPatch{}, auction.Metadata{}))

	a, ok := h.mon.Get(ctx, "2")
	require.True(t, ok)
	assert.Equal(t, auction.StrategySniping, a.Config.Strategy)
	assert.Equal(t, int64(60), a.Config.MaxBid.Dollars())

	select {
	case call := <-h.upstream.bidCh:
		assert.Equal(t, int64(45), call.amount.Dollars())
		assert.Equal(t, 5, call.attempts, "retry budget comes from settings")
	case <-time.After(2 * time.Second):
		t.Fatal("expected a snipe from the inherited config")
	}
}

func TestBudgetStopsBidding(t *testing.T) {
	h := newHarness(t, nil)
	h.upstream.setSnapshot("200", openSnapshot(40, 45, 300))
	h.start(t)
	ctx := context.Background()

	err := h.mon.Add(ctx, "200", auction.ConfigPatch{
		MaxBid:   i64Ptr(44),
		Strategy: strPtr("auto"),
		AutoBid:  boolPtr(true),
	}, auction.Metadata{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		a, ok := h.mon.Get(ctx, "200")
		return ok && a.MaxBidReached
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 0, h.upstream.bidCount())

	saved := h.store.savedAuction("200")
	require.NotNil(t, saved)
	assert.True(t, saved.MaxBidReached)
}

func TestSnipingWaitsForWindow(t *testing.T) {
	h := newHarness(t, nil)
	h.upstream.setSnapshot("300", openSnapshot(40, 45, 300))
	h.start(t)
	ctx := context.Background()

	err := h.mon.Add(ctx, "300", auction.ConfigPatch{
		MaxBid:   i64Ptr(100),
		Strategy: strPtr("sniping"),
	}, auction.Metadata{})
	require.NoError(t, err)

	// well outside the snipe window nothing fires
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 0, h.upstream.bidCount())

	h.upstream.setSnapshot("300", openSnapshot(40, 45, 25))
	expectBid(t, h, 45)
}

func TestOutbidReflex(t *testing.T) {
	h := newHarness(t, nil)
	h.upstream.setSnapshot("400", openSnapshot(40, 45, 300))
	h.upstream.queueResult(&nellis.BidResult{
		Amount:  values.MustBidAmount(45),
		Message: "You've been outbid by a higher maximum bid!",
		State: &nellis.BidState{
			CurrentBid:  values.MustBidAmount(46),
			NextBid:     values.MustBidAmount(47),
			BidCount:    5,
			BidderCount: 3,
		},
	})
	h.upstream.onBid = func(f *fakeUpstream, call bidCall) {
		if call.amount.Dollars() == 45 {
			f.snaps["400"] = openSnapshot(46, 47, 300)
			return
		}
		won := openSnapshot(call.amount.Dollars(), 0, 300)
		won.IsWinning = true
		f.snaps["400"] = won
	}
	h.start(t)
	ctx := context.Background()

	err := h.mon.Add(ctx, "400", auction.ConfigPatch{
		MaxBid:   i64Ptr(100),
		Strategy: strPtr("auto"),
		AutoBid:  boolPtr(true),
	}, auction.Metadata{})
	require.NoError(t, err)

	expectBid(t, h, 45)
	expectBid(t, h, 47)

	require.Eventually(t, func() bool {
		return len(h.caster.updatesOfKind(UpdateOutbid)) > 0
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return h.store.historyLen("400") == 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestEndedAuctionStopsEverything(t *testing.T) {
	h := newHarness(t, nil)
	h.upstream.setSnapshot("500", openSnapshot(52, 55, 120))
	h.start(t)
	ctx := context.Background()

	meta := auction.Metadata{URL: "https://www.nellisauction.com/p/office-chair/500"}
	require.NoError(t, h.mon.Add(ctx, "500", auction.ConfigPatch{Strategy: strPtr("manual")}, meta))

	require.Eventually(t, func() bool {
		a, ok := h.mon.Get(ctx, "500")
		return ok && a.Data != nil
	}, 2*time.Second, 5*time.Millisecond)

	closed := openSnapshot(55, 0, 0)
	closed.IsClosed = true
	h.upstream.setSnapshot("500", closed)

	require.Eventually(t, func() bool {
		a, ok := h.mon.Get(ctx, "500")
		return ok && a.Status == auction.StatusEnded
	}, 2*time.Second, 5*time.Millisecond)

	ends := h.caster.updatesOfKind(UpdateEnded)
	require.NotEmpty(t, ends)
	assert.Equal(t, int64(55), ends[0].CurrentBid.Dollars())

	saved := h.store.savedAuction("500")
	require.NotNil(t, saved)
	assert.Equal(t, auction.StatusEnded, saved.Status)
	assert.NotZero(t, saved.EndedAtMS)

	// manual bids against an ended auction are refused
	_, err := h.mon.PlaceBid(ctx, "500", values.MustBidAmount(60))
	require.Error(t, err)
}

func TestRemoveDeletesRecord(t *testing.T) {
	h := newHarness(t, nil)
	h.upstream.setSnapshot("600", openSnapshot(20, 25, 400))
	h.start(t)
	ctx := context.Background()

	require.NoError(t, h.mon.Add(ctx, "600", auction.ConfigPatch{Strategy: strPtr("manual")}, auction.Metadata{}))

	require.Eventually(t, func() bool {
		return h.store.savedAuction("600") != nil
	}, 2*time.Second, 5*time.Millisecond)

	ok, err := h.mon.Remove(ctx, "600")
	require.NoError(t, err)
	assert.True(t, ok)

	_, found := h.mon.Get(ctx, "600")
	assert.False(t, found)
	assert.Nil(t, h.store.savedAuction("600"))

	ok, err = h.mon.Remove(ctx, "600")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStreamUpgradeAndFallback(t *testing.T) {
	h := newHarness(t, nil)
	h.upstream.setSnapshot("41035678", openSnapshot(10, 12, 600))
	h.start(t)
	ctx := context.Background()

	meta := auction.Metadata{URL: "https://www.nellisauction.com/p/vitamix-blender/41035678"}
	require.NoError(t, h.mon.Add(ctx, "41035678", auction.ConfigPatch{Strategy: strPtr("manual")}, meta))

	require.Eventually(t, func() bool {
		return h.streams.connected("41035678") == "41035678"
	}, 2*time.Second, 5*time.Millisecond)

	h.streams.push(sse.Event{Kind: sse.EventConnected, ProductID: "41035678", AuctionID: "41035678"})

	require.Eventually(t, func() bool {
		a, ok := h.mon.Get(ctx, "41035678")
		return ok && a.Transport == auction.TransportSSE && !a.FallbackPolling
	}, 2*time.Second, 5*time.Millisecond)

	// a live bid folds without waiting for a poll
	h.streams.push(sse.Event{
		Kind:      sse.EventBid,
		ProductID: "41035678",
		AuctionID: "41035678",
		Bid:       &sse.BidUpdate{CurrentBid: values.MustBidAmount(15), BidCount: 4},
	})

	require.Eventually(t, func() bool {
		a, ok := h.mon.Get(ctx, "41035678")
		return ok && a.Data != nil && a.Data.CurrentBid.Dollars() == 15
	}, 2*time.Second, 5*time.Millisecond)

	// the stream gives up; full polling takes over
	h.streams.push(sse.Event{Kind: sse.EventFallback, ProductID: "41035678", AuctionID: "41035678"})

	require.Eventually(t, func() bool {
		a, ok := h.mon.Get(ctx, "41035678")
		return ok && a.Transport == auction.TransportPolling && a.FallbackPolling
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPollFailuresFlagError(t *testing.T) {
	h := newHarness(t, nil)
	h.upstream.setSnapshot("700", openSnapshot(20, 25, 400))
	h.start(t)
	ctx := context.Background()

	require.NoError(t, h.mon.Add(ctx, "700", auction.ConfigPatch{Strategy: strPtr("manual")}, auction.Metadata{}))

	require.Eventually(t, func() bool {
		a, ok := h.mon.Get(ctx, "700")
		return ok && a.Data != nil
	}, 2*time.Second, 5*time.Millisecond)

	h.upstream.setFetchErr(fmt.Errorf("upstream down"))

	require.Eventually(t, func() bool {
		a, ok := h.mon.Get(ctx, "700")
		return ok && a.Status == auction.StatusError
	}, 2*time.Second, 5*time.Millisecond)

	// the advisory status clears on the next good poll
	h.upstream.setFetchErr(nil)

	require.Eventually(t, func() bool {
		a, ok := h.mon.Get(ctx, "700")
		return ok && a.Status == auction.StatusMonitoring
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRecoveryReRegisters(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	// persisted mid-stream; the stored transport is provisional on recovery
	live := fixtures.NewAuctionBuilder("800").
		WithTitle("standing desk").
		WithURL("https://www.nellisauction.com/p/standing-desk/5577").
		WithMaxBid(80).
		WithStrategy(auction.StrategyAuto).
		WithAutoBid(true).
		WithTransport(auction.TransportSSE).
		Build()
	require.NoError(t, h.store.SaveAuction(ctx, live))

	gone := fixtures.NewAuctionBuilder("801").Ended().Build()
	require.NoError(t, h.store.SaveAuction(ctx, gone))

	h.upstream.setSnapshot("800", openSnapshot(60, 65, 200))
	h.start(t)

	require.Eventually(t, func() bool {
		_, ok := h.mon.Get(ctx, "800")
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	_, ok := h.mon.Get(ctx, "801")
	assert.False(t, ok)

	// polling resumes regardless of what was stored, and a fresh stream
	// attempt goes out for the product id from the URL
	a, ok := h.mon.Get(ctx, "800")
	require.True(t, ok)
	assert.Equal(t, auction.TransportPolling, a.Transport)
	require.Eventually(t, func() bool {
		return h.streams.connected("5577") == "800"
	}, 2*time.Second, 5*time.Millisecond)

	// the recovered auto config resumes bidding on fresh state
	expectBid(t, h, 65)
}

func TestManualBid(t *testing.T) {
	h := newHarness(t, nil)
	h.upstream.setSnapshot("900", openSnapshot(30, 35, 500))
	h.start(t)
	ctx := context.Background()

	require.NoError(t, h.mon.Add(ctx, "900", auction.ConfigPatch{Strategy: strPtr("manual")}, auction.Metadata{}))

	res, err := h.mon.PlaceBid(ctx, "900", values.MustBidAmount(42))
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, int64(42), res.Amount.Dollars())

	require.Eventually(t, func() bool {
		return h.store.historyLen("900") == 1
	}, 2*time.Second, 5*time.Millisecond)

	entries, err := h.store.GetBidHistory(ctx, "900", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, auction.StrategyManual, entries[0].Strategy)

	_, err = h.mon.PlaceBid(ctx, "missing", values.MustBidAmount(10))
	require.Error(t, err)
}

func TestUpdateConfigTakesEffectNextFold(t *testing.T) {
	h := newHarness(t, nil)
	h.upstream.setSnapshot("110", openSnapshot(40, 45, 300))
	h.start(t)
	ctx := context.Background()

	require.NoError(t, h.mon.Add(ctx, "110", auction.ConfigPatch{Strategy: strPtr("manual")}, auction.Metadata{}))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, h.upstream.bidCount())

	err := h.mon.UpdateConfig(ctx, "110", auction.ConfigPatch{
		Strategy: strPtr("auto"),
		MaxBid:   i64Ptr(100),
		AutoBid:  boolPtr(true),
	})
	require.NoError(t, err)

	expectBid(t, h, 45)

	err = h.mon.UpdateConfig(ctx, "absent", auction.ConfigPatch{})
	require.Error(t, err)
}

func TestSweepDropsEndedAuctions(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Monitor.CleanupInterval = 20 * time.Millisecond
		cfg.Monitor.EndedRetention = 10 * time.Millisecond
	})
	closed := openSnapshot(90, 0, 0)
	closed.IsClosed = true
	h.upstream.setSnapshot("120", closed)
	h.start(t)
	ctx := context.Background()

	require.NoError(t, h.mon.Add(ctx, "120", auction.ConfigPatch{Strategy: strPtr("manual")}, auction.Metadata{}))

	require.Eventually(t, func() bool {
		a, ok := h.mon.Get(ctx, "120")
		return ok && a.Status == auction.StatusEnded
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		_, ok := h.mon.Get(ctx, "120")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	assert.Nil(t, h.store.savedAuction("120"), "sweep deletes the record too")
}

func TestSweepDropsStaleRecords(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Monitor.CleanupInterval = 20 * time.Millisecond
		cfg.Monitor.EndedRetention = 10 * time.Millisecond
	})
	ctx := context.Background()

	// persisted with a ran-out countdown but never folded to ended;
	// recovery re-registers it, the fetches fail, the sweep reaps it
	stale := fixtures.NewAuctionBuilder("130").
		WithSnapshot(fixtures.NewSnapshotBuilder().WithTimeRemaining(0).Build()).
		Build()
	require.NoError(t, h.store.SaveAuction(ctx, stale))
	h.upstream.setFetchErr(fmt.Errorf("product gone"))
	h.start(t)

	// only the sweep deletes the record, so waiting on the store cannot
	// pass before recovery has registered the entry
	require.Eventually(t, func() bool {
		return h.store.savedAuction("130") == nil
	}, 2*time.Second, 10*time.Millisecond)

	_, ok := h.mon.Get(ctx, "130")
	assert.False(t, ok)
}

func TestMonitorStats(t *testing.T) {
	h := newHarness(t, nil)
	h.upstream.setSnapshot("130", openSnapshot(10, 12, 300))
	h.upstream.setSnapshot("131", openSnapshot(20, 22, 300))
	h.start(t)
	ctx := context.Background()

	require.NoError(t, h.mon.Add(ctx, "130", auction.ConfigPatch{Strategy: strPtr("manual")}, auction.Metadata{}))
	require.NoError(t, h.mon.Add(ctx, "131", auction.ConfigPatch{Strategy: strPtr("manual")}, auction.Metadata{}))

	s := h.mon.MonitorStats(ctx)
	assert.Equal(t, 2, s.Active)
	assert.Equal(t, 2, s.ViaPolling)
	assert.Equal(t, 0, s.ViaSSE)

	list := h.mon.List(ctx)
	assert.Len(t, list, 2)
}
