package sse

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/davidleathers/nellis-auction-tracker/internal/domain/values"
)

// EventKind tags the events a subscription emits toward the monitor.
type EventKind string

const (
	// EventConnected fires on every successful stream open, including
	// reopens after a reconnect.
	EventConnected EventKind = "connected"
	// EventBid carries a live bid update for the product.
	EventBid EventKind = "bid_update"
	// EventClosed carries the product's closure notice.
	EventClosed EventKind = "closed"
	// EventFallback fires once when a subscription exhausts its
	// reconnect budget; the key is dead until a new Connect.
	EventFallback EventKind = "fallback"
)

// Event is one message from a product subscription. ProductID keys the
// subscription; AuctionID is the tracker-side id the caller registered.
type Event struct {
	Kind      EventKind
	ProductID string
	AuctionID string
	Bid       *BidUpdate
	Closed    *Closure
}

// BidUpdate is the normalized payload of a live bid event.
type BidUpdate struct {
	CurrentBid values.BidAmount
	BidCount   int
	LastBidder string
}

// Closure is the normalized payload of a product-closed event.
type Closure struct {
	FinalBid   values.BidAmount
	Winner     string
	ClosedAtMS int64
}

type bidPayload struct {
	CurrentBid decimal.Decimal `json:"currentBid"`
	BidCount   int             `json:"bidCount"`
	LastBidder string          `json:"lastBidder"`
}

type closedPayload struct {
	FinalBid decimal.Decimal `json:"finalBid"`
	Winner   string          `json:"winner"`
	ClosedAt json.RawMessage `json:"closedAt"`
}

func parseBidUpdate(data string) (*BidUpdate, error) {
	var p bidPayload
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, err
	}
	return &BidUpdate{
		CurrentBid: values.BidAmountFromDecimal(p.CurrentBid),
		BidCount:   p.BidCount,
		LastBidder: p.LastBidder,
	}, nil
}

func parseClosure(data string) (*Closure, error) {
	var p closedPayload
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, err
	}
	return &Closure{
		FinalBid:   values.BidAmountFromDecimal(p.FinalBid),
		Winner:     p.Winner,
		ClosedAtMS: parseWhen(p.ClosedAt),
	}, nil
}

// parseWhen extracts epoch milliseconds from a closedAt field that may be
// an epoch number or an RFC 3339 string. Unparseable values yield zero;
// the closure itself is still valid without its timestamp.
func parseWhen(raw json.RawMessage) int64 {
	if len(raw) == 0 {
		return 0
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return 0
	}
	return t.UnixMilli()
}
