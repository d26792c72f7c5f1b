package bidding

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidleathers/nellis-auction-tracker/internal/domain/auction"
	"github.com/davidleathers/nellis-auction-tracker/internal/domain/values"
	"github.com/davidleathers/nellis-auction-tracker/internal/infrastructure/nellis"
	"github.com/davidleathers/nellis-auction-tracker/internal/testutil/fixtures"
)

func intPtr(v int64) *int64 { return &v }

func openSnapshot(currentBid, nextBid, remaining int64) *auction.Snapshot {
	return fixtures.NewSnapshotBuilder().
		WithCurrentBid(currentBid).
		WithNextBid(nextBid).
		WithTimeRemaining(remaining).
		Build()
}

func autoConfig(maxBid int64) auction.Config {
	return auction.Config{
		MaxBid:   values.MustBidAmount(maxBid),
		Strategy: auction.StrategyAuto,
		AutoBid:  true,
	}
}

func TestDecide(t *testing.T) {
	settings := auction.DefaultSettings()

	tests := []struct {
		name        string
		snap        *auction.Snapshot
		cfg         auction.Config
		wantOutcome Outcome
		wantAmount  int64
	}{
		{
			name:        "suggested minimum wins over increment",
			snap:        openSnapshot(40, 45, 600),
			cfg:         autoConfig(100),
			wantOutcome: OutcomeBid,
			wantAmount:  45,
		},
		{
			name:        "no suggestion falls back to current plus increment",
			snap:        openSnapshot(40, 0, 600),
			cfg:         autoConfig(100),
			wantOutcome: OutcomeBid,
			wantAmount:  45, // default increment 5
		},
		{
			name:        "explicit increment overrides the default",
			snap:        openSnapshot(40, 0, 600),
			cfg:         auction.Config{MaxBid: values.MustBidAmount(100), IncrementAmount: intPtr(10), Strategy: auction.StrategyAuto, AutoBid: true},
			wantOutcome: OutcomeBid,
			wantAmount:  50,
		},
		{
			name:        "budget guard",
			snap:        openSnapshot(40, 45, 600),
			cfg:         autoConfig(44),
			wantOutcome: OutcomeBudgetExceeded,
			wantAmount:  45,
		},
		{
			name:        "budget boundary is inclusive",
			snap:        openSnapshot(40, 45, 600),
			cfg:         autoConfig(45),
			wantOutcome: OutcomeBid,
			wantAmount:  45,
		},
		{
			name:        "winning sits out",
			snap:        fixtures.NewSnapshotBuilder().WithCurrentBid(40).Winning().Build(),
			cfg:         autoConfig(100),
			wantOutcome: OutcomeNoBid,
		},
		{
			name:        "manual strategy sits out",
			snap:        openSnapshot(40, 45, 600),
			cfg:         auction.Config{MaxBid: values.MustBidAmount(100), Strategy: auction.StrategyManual, AutoBid: true},
			wantOutcome: OutcomeNoBid,
		},
		{
			name:        "auto-bid disabled sits out",
			snap:        openSnapshot(40, 45, 600),
			cfg:         auction.Config{MaxBid: values.MustBidAmount(100), Strategy: auction.StrategyAuto, AutoBid: false},
			wantOutcome: OutcomeNoBid,
		},
		{
			name:        "sniping outside the window",
			snap:        openSnapshot(40, 45, 120),
			cfg:         auction.Config{MaxBid: values.MustBidAmount(100), Strategy: auction.StrategySniping, AutoBid: true},
			wantOutcome: OutcomeNoBid,
		},
		{
			name:        "sniping inside the window",
			snap:        openSnapshot(40, 45, 25),
			cfg:         auction.Config{MaxBid: values.MustBidAmount(100), Strategy: auction.StrategySniping, AutoBid: true},
			wantOutcome: OutcomeBid,
			wantAmount:  45,
		},
		{
			name:        "non-positive increment disables bidding",
			snap:        openSnapshot(40, 45, 600),
			cfg:         auction.Config{MaxBid: values.MustBidAmount(100), IncrementAmount: intPtr(0), Strategy: auction.StrategyAuto, AutoBid: true},
			wantOutcome: OutcomeNoBid,
		},
		{
			name:        "negative increment disables bidding even with a suggestion",
			snap:        openSnapshot(40, 45, 600),
			cfg:         auction.Config{MaxBid: values.MustBidAmount(100), IncrementAmount: intPtr(-5), Strategy: auction.StrategyAuto, AutoBid: true},
			wantOutcome: OutcomeNoBid,
		},
		{
			name:        "closed auction sits out",
			snap:        fixtures.NewSnapshotBuilder().WithCurrentBid(40).Closed().Build(),
			cfg:         autoConfig(100),
			wantOutcome: OutcomeNoBid,
		},
		{
			name:        "zero remaining sits out",
			snap:        openSnapshot(40, 45, 0),
			cfg:         autoConfig(100),
			wantOutcome: OutcomeNoBid,
		},
		{
			name:        "nil snapshot sits out",
			snap:        nil,
			cfg:         autoConfig(100),
			wantOutcome: OutcomeNoBid,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Decide(tt.snap, tt.cfg, settings)
			assert.Equal(t, tt.wantOutcome, d.Outcome)
			if tt.wantAmount > 0 {
				assert.Equal(t, tt.wantAmount, d.Amount.Dollars())
			}
			if d.Outcome == OutcomeNoBid {
				assert.NotEmpty(t, d.Reason)
			}
		})
	}
}

func TestDecideBidBuffer(t *testing.T) {
	settings := fixtures.NewSettingsBuilder().WithBidBuffer(2).Build()

	t.Run("buffer on top of the suggested minimum", func(t *testing.T) {
		d := Decide(openSnapshot(40, 45, 600), autoConfig(100), settings)
		require.Equal(t, OutcomeBid, d.Outcome)
		assert.Equal(t, int64(47), d.Amount.Dollars())
	})

	t.Run("buffer on top of the increment path", func(t *testing.T) {
		d := Decide(openSnapshot(40, 0, 600), autoConfig(100), settings)
		require.Equal(t, OutcomeBid, d.Outcome)
		assert.Equal(t, int64(47), d.Amount.Dollars(), "current 40 + increment 5 + buffer 2")
	})
}

func TestDecideSnipeTiming(t *testing.T) {
	settings := fixtures.NewSettingsBuilder().WithSnipeTiming(60).Build()
	cfg := auction.Config{MaxBid: values.MustBidAmount(100), Strategy: auction.StrategySniping, AutoBid: true}

	d := Decide(openSnapshot(40, 45, 90), cfg, settings)
	assert.Equal(t, OutcomeNoBid, d.Outcome, "90s remaining is outside a 60s window")

	d = Decide(openSnapshot(40, 45, 50), cfg, settings)
	require.Equal(t, OutcomeBid, d.Outcome, "50s remaining is inside a 60s window")
	assert.Equal(t, int64(45), d.Amount.Dollars())
}

func TestDecideSaturatesAtCap(t *testing.T) {
	settings := auction.DefaultSettings()

	snap := openSnapshot(values.MaxBidCap-2, 0, 600)
	cfg := autoConfig(values.MaxBidCap)

	d := Decide(snap, cfg, settings)
	require.Equal(t, OutcomeBid, d.Outcome)
	assert.Equal(t, values.MaxBidCap, d.Amount.Dollars(), "amount saturates instead of overflowing")
}

func TestParseOutbidResult(t *testing.T) {
	t.Run("signal with structured state", func(t *testing.T) {
		result := &nellis.BidResult{
			Amount:  values.MustBidAmount(45),
			Message: "Your bid was placed, but another user has a higher maximum bid",
			State: &nellis.BidState{
				CurrentBid:  values.MustBidAmount(50),
				NextBid:     values.MustBidAmount(55),
				BidCount:    3,
				BidderCount: 2,
			},
		}

		state, outbid := ParseOutbidResult(result)
		require.True(t, outbid)
		require.NotNil(t, state)
		assert.Equal(t, int64(50), state.CurrentBid.Dollars())
		assert.Equal(t, int64(55), state.NextBid.Dollars())
		assert.Equal(t, 3, state.BidCount)
		assert.Equal(t, 2, state.BidderCount)
	})

	t.Run("signal without structured state", func(t *testing.T) {
		result := &nellis.BidResult{
			Amount:  values.MustBidAmount(45),
			Message: "Another user has a HIGHER MAXIMUM BID on this item",
		}

		state, outbid := ParseOutbidResult(result)
		assert.True(t, outbid, "the substring check is case-insensitive")
		assert.Nil(t, state)
	})

	t.Run("plain acceptance is not a signal", func(t *testing.T) {
		result := &nellis.BidResult{
			Amount:  values.MustBidAmount(45),
			Message: "Bid placed",
		}

		_, outbid := ParseOutbidResult(result)
		assert.False(t, outbid)
	})

	t.Run("nil result", func(t *testing.T) {
		_, outbid := ParseOutbidResult(nil)
		assert.False(t, outbid)
	})
}
