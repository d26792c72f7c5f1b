package nellis

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/davidleathers/nellis-auction-tracker/internal/domain/auction"
	"github.com/davidleathers/nellis-auction-tracker/internal/domain/values"
)

// productResponse is the marketplace's product view envelope.
type productResponse struct {
	Product productDTO `json:"product"`
}

type productDTO struct {
	ID                int64           `json:"id"`
	Title             string          `json:"title"`
	CurrentPrice      decimal.Decimal `json:"currentPrice"`
	UserState         userStateDTO    `json:"userState"`
	BidCount          int             `json:"bidCount"`
	BidderCount       int             `json:"bidderCount"`
	IsClosed          bool            `json:"isClosed"`
	MarketStatus      string          `json:"marketStatus"`
	CloseTime         closeTimeDTO    `json:"closeTime"`
	ExtensionInterval int64           `json:"extensionInterval"`
	RetailPrice       decimal.Decimal `json:"retailPrice"`
	Location          locationDTO     `json:"location"`
	InventoryNumber   string          `json:"inventoryNumber"`
}

type userStateDTO struct {
	NextBid    *decimal.Decimal `json:"nextBid"`
	IsWinning  bool             `json:"isWinning"`
	IsWatching bool             `json:"isWatching"`
}

type closeTimeDTO struct {
	Value flexMillis `json:"value"`
}

// flexMillis accepts either an epoch-millisecond number or an RFC 3339
// timestamp string. The marketplace has shipped both over time.
type flexMillis int64

func (m *flexMillis) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		*m = 0
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*m = 0
			return nil
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return err
		}
		*m = flexMillis(t.UnixMilli())
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*m = flexMillis(n)
	return nil
}

// locationDTO accepts either a bare string or an object with a name field.
type locationDTO struct {
	Name string `json:"name"`
}

func (l *locationDTO) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if data[0] == '"' {
		return json.Unmarshal(data, &l.Name)
	}
	type alias locationDTO
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	l.Name = a.Name
	return nil
}

// snapshotFromProduct normalizes the marketplace view into a Snapshot.
// time_remaining is derived from the close time, never trusted from the
// payload, and an expired countdown closes the auction regardless of the
// explicit flag.
func snapshotFromProduct(p *productDTO, now time.Time) *auction.Snapshot {
	closeMS := int64(p.CloseTime.Value)
	var remaining int64
	if closeMS > 0 {
		remaining = (closeMS - now.UnixMilli()) / 1000
		if remaining < 0 {
			remaining = 0
		}
	}

	snap := &auction.Snapshot{
		CurrentBid:           values.BidAmountFromDecimal(p.CurrentPrice),
		BidCount:             p.BidCount,
		BidderCount:          p.BidderCount,
		IsWinning:            p.UserState.IsWinning,
		IsWatching:           p.UserState.IsWatching,
		TimeRemainingSeconds: remaining,
		CloseTimeMS:          closeMS,
		ExtensionIntervalSec: p.ExtensionInterval,
		MarketStatus:         p.MarketStatus,
		RetailPrice:          values.BidAmountFromDecimal(p.RetailPrice),
		Location:             p.Location.Name,
		InventoryNumber:      p.InventoryNumber,
	}
	if p.UserState.NextBid != nil {
		snap.NextBid = values.BidAmountFromDecimal(*p.UserState.NextBid)
	}
	snap.IsClosed = p.IsClosed || strings.EqualFold(p.MarketStatus, "sold") || remaining == 0
	return snap
}

// bidResponse is the bid endpoint's envelope. The inner data block carries
// a human-readable message and, when the bid was accepted but immediately
// topped by another bidder's maximum, the authoritative new auction state.
type bidResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Data    struct {
		Message string        `json:"message"`
		Data    *bidStateData `json:"data"`
	} `json:"data"`
}

type bidStateData struct {
	CurrentAmount  decimal.Decimal `json:"currentAmount"`
	MinimumNextBid decimal.Decimal `json:"minimumNextBid"`
	BidCount       int             `json:"bidCount"`
	BidderCount    int             `json:"bidderCount"`
}

// BidState is the structured auction state embedded in a bid response.
type BidState struct {
	CurrentBid  values.BidAmount `json:"current_bid"`
	NextBid     values.BidAmount `json:"next_bid"`
	BidCount    int              `json:"bid_count"`
	BidderCount int              `json:"bidder_count"`
}

// BidResult is the outcome of an accepted bid. Message carries the
// marketplace's verbatim result text and State the structured fields
// when present; interpretation (such as the outbid reflex) is left to
// the caller.
type BidResult struct {
	Amount  values.BidAmount `json:"amount"`
	Message string           `json:"message"`
	State   *BidState        `json:"state,omitempty"`
}

func (r *bidResponse) toResult(amount values.BidAmount) *BidResult {
	out := &BidResult{Amount: amount, Message: r.Data.Message}
	if d := r.Data.Data; d != nil {
		out.State = &BidState{
			CurrentBid:  values.BidAmountFromDecimal(d.CurrentAmount),
			NextBid:     values.BidAmountFromDecimal(d.MinimumNextBid),
			BidCount:    d.BidCount,
			BidderCount: d.BidderCount,
		}
	}
	return out
}
