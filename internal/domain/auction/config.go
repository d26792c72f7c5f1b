package auction

import (
	"fmt"

	"github.com/davidleathers/nellis-auction-tracker/internal/domain/values"
)

// Strategy selects when the tracker bids on the operator's behalf.
type Strategy string

const (
	StrategyManual  Strategy = "manual"
	StrategyAuto    Strategy = "auto"
	StrategySniping Strategy = "sniping"
)

// legacy configs stored "increment" where "auto" is meant
const legacyStrategyIncrement = "increment"

// ParseStrategy normalizes a stored or user-supplied strategy value.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyManual, StrategyAuto, StrategySniping:
		return Strategy(s), nil
	case legacyStrategyIncrement:
		return StrategyAuto, nil
	default:
		return "", fmt.Errorf("unknown strategy %q", s)
	}
}

func (s Strategy) Valid() bool {
	switch s {
	case StrategyManual, StrategyAuto, StrategySniping:
		return true
	}
	return false
}

// Config is the per-auction bidding policy. IncrementAmount is nil when the
// operator did not set one; the global default applies at decision time.
type Config struct {
	MaxBid          values.BidAmount `json:"max_bid"`
	IncrementAmount *int64           `json:"increment_amount,omitempty"`
	Strategy        Strategy         `json:"strategy"`
	AutoBid         bool             `json:"auto_bid"`
}

func (c Config) clone() Config {
	cp := c
	if c.IncrementAmount != nil {
		v := *c.IncrementAmount
		cp.IncrementAmount = &v
	}
	return cp
}

// ConfigPatch is a partial config: nil fields are left untouched by Merge.
type ConfigPatch struct {
	MaxBid          *int64  `json:"max_bid,omitempty"`
	IncrementAmount *int64  `json:"increment_amount,omitempty"`
	Strategy        *string `json:"strategy,omitempty"`
	AutoBid         *bool   `json:"auto_bid,omitempty"`
}

// Merge overlays non-nil patch fields onto the config. MaxBid and Strategy
// values are validated; a bad field fails the whole merge.
func (c Config) Merge(p ConfigPatch) (Config, error) {
	out := c.clone()
	if p.MaxBid != nil {
		mb, err := values.NewBidAmount(*p.MaxBid)
		if err != nil {
			return Config{}, fmt.Errorf("max_bid: %w", err)
		}
		out.MaxBid = mb
	}
	if p.IncrementAmount != nil {
		v := *p.IncrementAmount
		out.IncrementAmount = &v
	}
	if p.Strategy != nil {
		st, err := ParseStrategy(*p.Strategy)
		if err != nil {
			return Config{}, err
		}
		out.Strategy = st
	}
	if p.AutoBid != nil {
		out.AutoBid = *p.AutoBid
	}
	return out, nil
}

// ConfigFromSettings builds the baseline config a new monitor starts from
// before the caller's own fields are merged on top.
func ConfigFromSettings(s Settings) Config {
	return Config{
		MaxBid:   values.ClampBidAmount(s.General.DefaultMaxBid),
		Strategy: s.General.DefaultStrategy,
		AutoBid:  s.General.AutoBidDefault,
	}
}
