package auction

import "github.com/davidleathers/nellis-auction-tracker/internal/domain/values"

// Snapshot is a frozen read of upstream auction state. Construct once,
// never mutate; the monitor swaps whole snapshots during folds.
type Snapshot struct {
	CurrentBid values.BidAmount `json:"current_bid"`
	// NextBid is the marketplace-suggested minimum. Zero means the
	// marketplace did not supply one and the increment rule applies.
	NextBid     values.BidAmount `json:"next_bid"`
	BidCount    int              `json:"bid_count"`
	BidderCount int              `json:"bidder_count"`
	IsWinning   bool             `json:"is_winning"`
	IsWatching  bool             `json:"is_watching"`
	IsClosed    bool             `json:"is_closed"`

	TimeRemainingSeconds int64 `json:"time_remaining_s"`
	CloseTimeMS          int64 `json:"close_time_ms,omitempty"`
	ExtensionIntervalSec int64 `json:"extension_interval_s,omitempty"`

	// Display extras passed through from the marketplace view.
	MarketStatus    string           `json:"market_status,omitempty"`
	RetailPrice     values.BidAmount `json:"retail_price"`
	Location        string           `json:"location,omitempty"`
	InventoryNumber string           `json:"inventory_number,omitempty"`
}

// Closed reports the terminal condition: the explicit flag or an expired
// countdown both end an auction.
func (s *Snapshot) Closed() bool {
	return s.IsClosed || s.TimeRemainingSeconds == 0
}

// InTail reports whether the auction is inside the closing window where
// the poll cadence tightens.
func (s *Snapshot) InTail(tailSeconds int64) bool {
	return s.TimeRemainingSeconds > 0 && s.TimeRemainingSeconds <= tailSeconds
}

// WithBidUpdate derives a new snapshot from an SSE bid event. The receiver
// is unchanged.
func (s *Snapshot) WithBidUpdate(currentBid values.BidAmount, bidCount int) *Snapshot {
	next := *s
	next.CurrentBid = currentBid
	if bidCount > 0 {
		next.BidCount = bidCount
	}
	if currentBid.Compare(s.CurrentBid) > 0 {
		// someone else moved the price
		next.IsWinning = false
	}
	// the old suggested minimum is stale once the price moved
	if !currentBid.Equal(s.CurrentBid) {
		next.NextBid = values.ZeroBid()
	}
	return &next
}

// WithOutbid derives a new snapshot from an accepted-but-outbid bid result,
// where the structured response fields are authoritative.
func (s *Snapshot) WithOutbid(currentBid, nextBid values.BidAmount, bidCount, bidderCount int) *Snapshot {
	next := *s
	next.CurrentBid = currentBid
	next.NextBid = nextBid
	if bidCount > 0 {
		next.BidCount = bidCount
	}
	if bidderCount > 0 {
		next.BidderCount = bidderCount
	}
	next.IsWinning = false
	return &next
}

// WithClosed derives the terminal snapshot from an SSE closed event.
func (s *Snapshot) WithClosed(finalBid values.BidAmount) *Snapshot {
	next := *s
	if !finalBid.IsZero() {
		next.CurrentBid = finalBid
	}
	next.IsClosed = true
	next.TimeRemainingSeconds = 0
	return &next
}
