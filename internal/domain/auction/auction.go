package auction

import (
	"regexp"
	"time"

	"github.com/davidleathers/nellis-auction-tracker/internal/domain/values"
)

type Auction struct {
	ID       string `json:"id"`
	Title    string `json:"title,omitempty"`
	URL      string `json:"url,omitempty"`
	ImageURL string `json:"image_url,omitempty"`

	Config Config    `json:"config"`
	Data   *Snapshot `json:"data,omitempty"`
	Status Status    `json:"status"`

	// Upstream transport bookkeeping
	Transport       Transport `json:"transport"`
	FallbackPolling bool      `json:"fallback_polling"`
	SSEProductID    string    `json:"sse_product_id,omitempty"`

	// Bid bookkeeping
	LastBidAmount values.BidAmount `json:"last_bid_amount"`
	LastBidTimeMS int64            `json:"last_bid_time_ms,omitempty"`
	MaxBidReached bool             `json:"max_bid_reached"`

	LastUpdateMS int64 `json:"last_update_ms"`
	EndedAtMS    int64 `json:"ended_at_ms,omitempty"`
	CreatedAtMS  int64 `json:"created_at_ms"`
}

type Status string

const (
	StatusMonitoring Status = "monitoring"
	StatusEnded      Status = "ended"
	StatusError      Status = "error"
)

type Transport string

const (
	TransportSSE     Transport = "sse"
	TransportPolling Transport = "polling"
)

// Metadata carries the display fields supplied with a start-monitoring
// command. All fields are opaque to the tracker.
type Metadata struct {
	Title    string `json:"title,omitempty"`
	URL      string `json:"url,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// IsValidID reports whether id is a well-formed marketplace auction id.
// Both API boundaries reject anything else before it reaches the core.
func IsValidID(id string) bool {
	return idPattern.MatchString(id)
}

// Product URLs look like /p/<slug>/<digits>; the digits are the id the
// live-product SSE channel is keyed by.
var sseProductIDPattern = regexp.MustCompile(`/p/[^/]+/(\d+)`)

// ExtractSSEProductID returns the product id embedded in a marketplace
// product URL, or "" when the URL does not carry one.
func ExtractSSEProductID(url string) string {
	m := sseProductIDPattern.FindStringSubmatch(url)
	if m == nil {
		return ""
	}
	return m[1]
}

func New(id string, cfg Config, meta Metadata) *Auction {
	now := time.Now().UnixMilli()
	return &Auction{
		ID:           id,
		Title:        meta.Title,
		URL:          meta.URL,
		ImageURL:     meta.ImageURL,
		Config:       cfg,
		Status:       StatusMonitoring,
		Transport:    TransportPolling,
		SSEProductID: ExtractSSEProductID(meta.URL),
		LastUpdateMS: now,
		CreatedAtMS:  now,
	}
}

func (a *Auction) Ended() bool {
	return a.Status == StatusEnded
}

// ApplySnapshot replaces the auction's state reading. Snapshots are
// immutable; folds replace the pointer, never mutate through it.
func (a *Auction) ApplySnapshot(s *Snapshot, nowMS int64) {
	a.Data = s
	a.LastUpdateMS = nowMS
	if a.Status == StatusError {
		a.Status = StatusMonitoring
	}
}

// MarkEnded transitions to the terminal state. EndedAtMS is only set the
// first time; repeat calls keep the original closing time.
func (a *Auction) MarkEnded(nowMS int64) {
	if a.Status != StatusEnded {
		a.Status = StatusEnded
		a.EndedAtMS = nowMS
	}
	a.LastUpdateMS = nowMS
}

func (a *Auction) RecordBid(amount values.BidAmount, nowMS int64) {
	a.LastBidAmount = amount
	a.LastBidTimeMS = nowMS
	a.LastUpdateMS = nowMS
}

// Clone returns an independent copy safe to hand to readers outside the
// monitor loop. The snapshot pointer is shared because snapshots are
// immutable; config is copied field by field because of its pointer field.
func (a *Auction) Clone() *Auction {
	cp := *a
	cp.Config = a.Config.clone()
	return &cp
}
