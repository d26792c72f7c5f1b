// Package bidding holds the bid decision logic. Decide is a pure function
// over (snapshot, config, settings); it performs no I/O and carries no
// state, which keeps the strategy rules directly testable and the monitor
// free to call it on every fold.
package bidding

import (
	"fmt"
	"strings"

	"github.com/davidleathers/nellis-auction-tracker/internal/domain/auction"
	"github.com/davidleathers/nellis-auction-tracker/internal/domain/values"
	"github.com/davidleathers/nellis-auction-tracker/internal/infrastructure/nellis"
)

// Outcome is the action class of a decision.
type Outcome string

const (
	// OutcomeNoBid means the rules say to sit this fold out.
	OutcomeNoBid Outcome = "no_bid"
	// OutcomeBid means place a bid at Decision.Amount.
	OutcomeBid Outcome = "bid"
	// OutcomeBudgetExceeded means the required amount is above the
	// per-auction budget; the monitor marks the auction capped out.
	OutcomeBudgetExceeded Outcome = "budget_exceeded"
)

// Decision is the result of one Decide call. Amount is the bid amount for
// OutcomeBid and the required-but-unaffordable amount for
// OutcomeBudgetExceeded. Reason explains OutcomeNoBid for logs.
type Decision struct {
	Outcome Outcome
	Amount  values.BidAmount
	Reason  string
}

func noBid(reason string) Decision {
	return Decision{Outcome: OutcomeNoBid, Reason: reason}
}

// Decide applies the strategy rules to one snapshot.
//
// The rules, in order: a closed or already-winning auction never gets a
// bid; manual strategy and disabled auto-bid never bid; sniping waits for
// the closing window; a non-positive explicit increment disables bidding
// outright. Otherwise the bid amount is the marketplace's suggested
// minimum (or current bid plus increment when no suggestion is present)
// plus the global bid buffer, checked against the per-auction budget.
func Decide(snap *auction.Snapshot, cfg auction.Config, settings auction.Settings) Decision {
	if snap == nil {
		return noBid("no snapshot")
	}
	if snap.Closed() {
		return noBid("auction closed")
	}
	if snap.IsWinning {
		return noBid("already winning")
	}
	if cfg.Strategy == auction.StrategyManual {
		return noBid("manual strategy")
	}
	if !cfg.AutoBid {
		return noBid("auto-bid disabled")
	}
	if cfg.Strategy == auction.StrategySniping &&
		snap.TimeRemainingSeconds > settings.Bidding.SnipeTimingSeconds {
		return noBid(fmt.Sprintf("outside snipe window (%ds remaining)", snap.TimeRemainingSeconds))
	}
	if cfg.IncrementAmount != nil && *cfg.IncrementAmount <= 0 {
		return noBid("non-positive increment")
	}

	var minimum values.BidAmount
	if !snap.NextBid.IsZero() {
		minimum = snap.NextBid
	} else {
		increment := settings.Bidding.DefaultIncrement
		if cfg.IncrementAmount != nil {
			increment = *cfg.IncrementAmount
		}
		minimum = snap.CurrentBid.AddDollars(increment)
	}

	amount := minimum.AddDollars(settings.Bidding.BidBuffer)

	if cfg.MaxBid.Less(amount) {
		return Decision{Outcome: OutcomeBudgetExceeded, Amount: amount}
	}
	return Decision{Outcome: OutcomeBid, Amount: amount}
}

// outbidMarker is the marketplace's accepted-but-outbid signal. The exact
// response shape is not documented upstream, so the substring check stays
// and the structured fields are authoritative when present.
const outbidMarker = "higher maximum bid"

// OutbidState is the authoritative auction state carried in an
// accepted-but-outbid response.
type OutbidState struct {
	CurrentBid  values.BidAmount
	NextBid     values.BidAmount
	BidCount    int
	BidderCount int
}

// ParseOutbidResult inspects an accepted bid result for the
// immediately-outbid signal. The second return is true when the signal is
// present; the state pointer is nil when the response carried no
// structured fields.
func ParseOutbidResult(result *nellis.BidResult) (*OutbidState, bool) {
	if result == nil {
		return nil, false
	}
	if !strings.Contains(strings.ToLower(result.Message), outbidMarker) {
		return nil, false
	}
	if result.State == nil {
		return nil, true
	}
	return &OutbidState{
		CurrentBid:  result.State.CurrentBid,
		NextBid:     result.State.NextBid,
		BidCount:    result.State.BidCount,
		BidderCount: result.State.BidderCount,
	}, true
}
