package values

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// MaxBidCap is the hard ceiling for any bid amount, in whole dollars.
// All arithmetic on BidAmount saturates at this cap instead of overflowing.
const MaxBidCap int64 = 999_999

// BidAmount represents a non-negative bid value in whole dollars.
// The marketplace only accepts integer dollar bids.
type BidAmount struct {
	dollars int64
}

// NewBidAmount creates a BidAmount from whole dollars, rejecting values
// outside [0, MaxBidCap]. Use this for user-supplied amounts.
func NewBidAmount(dollars int64) (BidAmount, error) {
	if dollars < 0 {
		return BidAmount{}, fmt.Errorf("bid amount cannot be negative: %d", dollars)
	}
	if dollars > MaxBidCap {
		return BidAmount{}, fmt.Errorf("bid amount %d exceeds cap %d", dollars, MaxBidCap)
	}
	return BidAmount{dollars: dollars}, nil
}

// MustBidAmount creates a BidAmount and panics on error (for constants/tests)
func MustBidAmount(dollars int64) BidAmount {
	a, err := NewBidAmount(dollars)
	if err != nil {
		panic(err)
	}
	return a
}

// ClampBidAmount creates a BidAmount from an arbitrary integer, clamping
// into [0, MaxBidCap]. Use this for internally computed amounts.
func ClampBidAmount(dollars int64) BidAmount {
	if dollars < 0 {
		return BidAmount{}
	}
	if dollars > MaxBidCap {
		return BidAmount{dollars: MaxBidCap}
	}
	return BidAmount{dollars: dollars}
}

// BidAmountFromDecimal floors a fractional marketplace price to whole
// dollars and clamps it. Upstream JSON carries prices as numbers that may
// include cents; decimal avoids float drift during the floor.
func BidAmountFromDecimal(d decimal.Decimal) BidAmount {
	return ClampBidAmount(d.Floor().IntPart())
}

// ZeroBid returns the zero BidAmount.
func ZeroBid() BidAmount {
	return BidAmount{}
}

// Dollars returns the whole-dollar value.
func (a BidAmount) Dollars() int64 {
	return a.dollars
}

// Add returns a+b, saturating at MaxBidCap. The cap also guards against
// int64 overflow since both operands are already within [0, MaxBidCap].
func (a BidAmount) Add(b BidAmount) BidAmount {
	return ClampBidAmount(a.dollars + b.dollars)
}

// AddDollars returns a+n saturating at the cap, flooring at zero for
// negative n.
func (a BidAmount) AddDollars(n int64) BidAmount {
	if n > 0 && a.dollars > MaxBidCap-n {
		return BidAmount{dollars: MaxBidCap}
	}
	return ClampBidAmount(a.dollars + n)
}

// IsZero checks if the amount is zero
func (a BidAmount) IsZero() bool {
	return a.dollars == 0
}

// AtCap reports whether the amount has saturated at MaxBidCap.
func (a BidAmount) AtCap() bool {
	return a.dollars == MaxBidCap
}

// Equal checks if two BidAmounts are equal
func (a BidAmount) Equal(b BidAmount) bool {
	return a.dollars == b.dollars
}

// Less reports whether a < b.
func (a BidAmount) Less(b BidAmount) bool {
	return a.dollars < b.dollars
}

// Compare returns -1, 0, or 1 based on comparison with other BidAmount
func (a BidAmount) Compare(b BidAmount) int {
	switch {
	case a.dollars < b.dollars:
		return -1
	case a.dollars > b.dollars:
		return 1
	default:
		return 0
	}
}

// String returns the formatted amount (e.g., "$150")
func (a BidAmount) String() string {
	return fmt.Sprintf("$%d", a.dollars)
}

// JSON marshaling: BidAmount travels the wire as a bare integer.
func (a BidAmount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.dollars)
}

func (a *BidAmount) UnmarshalJSON(data []byte) error {
	var dollars int64
	if err := json.Unmarshal(data, &dollars); err != nil {
		return fmt.Errorf("invalid bid amount: %w", err)
	}
	amount, err := NewBidAmount(dollars)
	if err != nil {
		return err
	}
	*a = amount
	return nil
}
