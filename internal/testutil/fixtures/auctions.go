// Package fixtures builds test entities with chainable builders. Defaults
// describe a freshly registered, still-open auction; tests override only
// the fields they assert on.
package fixtures

import (
	"time"

	"github.com/davidleathers/nellis-auction-tracker/internal/domain/auction"
	"github.com/davidleathers/nellis-auction-tracker/internal/domain/values"
)

// AuctionBuilder builds auction records for tests.
type AuctionBuilder struct {
	id        string
	title     string
	url       string
	maxBid    int64
	increment *int64
	strategy  auction.Strategy
	autoBid   bool
	status    auction.Status
	transport auction.Transport
	snapshot  *auction.Snapshot
	createdMS int64
}

// NewAuctionBuilder creates an AuctionBuilder with defaults. The URL
// carries a numeric product id so SSE subscription paths see a usable one.
func NewAuctionBuilder(id string) *AuctionBuilder {
	return &AuctionBuilder{
		id:        id,
		title:     "Lot " + id,
		url:       "https://www.nellisauction.com/p/lot-" + id + "/4821" + id,
		maxBid:    100,
		strategy:  auction.StrategyManual,
		status:    auction.StatusMonitoring,
		transport: auction.TransportPolling,
	}
}

// WithTitle sets the display title.
func (b *AuctionBuilder) WithTitle(title string) *AuctionBuilder {
	b.title = title
	return b
}

// WithURL sets the product URL.
func (b *AuctionBuilder) WithURL(url string) *AuctionBuilder {
	b.url = url
	return b
}

// WithMaxBid sets the per-auction budget in whole dollars.
func (b *AuctionBuilder) WithMaxBid(dollars int64) *AuctionBuilder {
	b.maxBid = dollars
	return b
}

// WithIncrement sets an explicit increment override.
func (b *AuctionBuilder) WithIncrement(dollars int64) *AuctionBuilder {
	b.increment = &dollars
	return b
}

// WithStrategy sets the bidding strategy.
func (b *AuctionBuilder) WithStrategy(s auction.Strategy) *AuctionBuilder {
	b.strategy = s
	return b
}

// WithAutoBid arms or disarms automatic bidding.
func (b *AuctionBuilder) WithAutoBid(on bool) *AuctionBuilder {
	b.autoBid = on
	return b
}

// WithTransport sets the upstream transport.
func (b *AuctionBuilder) WithTransport(tr auction.Transport) *AuctionBuilder {
	b.transport = tr
	return b
}

// WithSnapshot attaches upstream state.
func (b *AuctionBuilder) WithSnapshot(s *auction.Snapshot) *AuctionBuilder {
	b.snapshot = s
	return b
}

// WithCreatedAt pins the creation timestamp, for list-ordering tests.
func (b *AuctionBuilder) WithCreatedAt(ms int64) *AuctionBuilder {
	b.createdMS = ms
	return b
}

// Ended marks the auction terminal.
func (b *AuctionBuilder) Ended() *AuctionBuilder {
	b.status = auction.StatusEnded
	return b
}

// Build constructs the auction.
func (b *AuctionBuilder) Build() *auction.Auction {
	a := auction.New(b.id, auction.Config{
		MaxBid:          values.ClampBidAmount(b.maxBid),
		IncrementAmount: b.increment,
		Strategy:        b.strategy,
		AutoBid:         b.autoBid,
	}, auction.Metadata{
		Title: b.title,
		URL:   b.url,
	})
	a.Transport = b.transport
	if b.snapshot != nil {
		a.ApplySnapshot(b.snapshot, time.Now().UnixMilli())
	}
	if b.status == auction.StatusEnded {
		a.MarkEnded(time.Now().UnixMilli())
	} else {
		a.Status = b.status
	}
	if b.createdMS != 0 {
		a.CreatedAtMS = b.createdMS
	}
	return a
}

// SnapshotBuilder builds upstream state snapshots. Defaults describe an
// open auction five minutes from closing with a few bids on it.
type SnapshotBuilder struct {
	s auction.Snapshot
}

func NewSnapshotBuilder() *SnapshotBuilder {
	return &SnapshotBuilder{s: auction.Snapshot{
		CurrentBid:           values.MustBidAmount(10),
		NextBid:              values.MustBidAmount(15),
		BidCount:             3,
		BidderCount:          2,
		TimeRemainingSeconds: 300,
		ExtensionIntervalSec: 30,
		MarketStatus:         "open",
	}}
}

// WithCurrentBid sets the standing price.
func (b *SnapshotBuilder) WithCurrentBid(dollars int64) *SnapshotBuilder {
	b.s.CurrentBid = values.MustBidAmount(dollars)
	return b
}

// WithNextBid sets the marketplace-suggested minimum. Zero means the
// increment rule applies instead.
func (b *SnapshotBuilder) WithNextBid(dollars int64) *SnapshotBuilder {
	b.s.NextBid = values.MustBidAmount(dollars)
	return b
}

// WithBidCount sets the bid tally.
func (b *SnapshotBuilder) WithBidCount(n int) *SnapshotBuilder {
	b.s.BidCount = n
	return b
}

// WithTimeRemaining sets the closing countdown.
func (b *SnapshotBuilder) WithTimeRemaining(seconds int64) *SnapshotBuilder {
	b.s.TimeRemainingSeconds = seconds
	return b
}

// Winning marks the operator as the standing high bidder.
func (b *SnapshotBuilder) Winning() *SnapshotBuilder {
	b.s.IsWinning = true
	return b
}

// Closed marks the auction finished.
func (b *SnapshotBuilder) Closed() *SnapshotBuilder {
	b.s.IsClosed = true
	b.s.TimeRemainingSeconds = 0
	return b
}

// Build constructs the snapshot.
func (b *SnapshotBuilder) Build() *auction.Snapshot {
	s := b.s
	return &s
}
