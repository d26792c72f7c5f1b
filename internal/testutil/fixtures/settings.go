package fixtures

import "github.com/davidleathers/nellis-auction-tracker/internal/domain/auction"

// SettingsBuilder builds global settings starting from the shipped defaults.
type SettingsBuilder struct {
	s auction.Settings
}

func NewSettingsBuilder() *SettingsBuilder {
	return &SettingsBuilder{s: auction.DefaultSettings()}
}

// WithDefaultMaxBid sets the budget new monitors inherit.
func (b *SettingsBuilder) WithDefaultMaxBid(dollars int64) *SettingsBuilder {
	b.s.General.DefaultMaxBid = dollars
	return b
}

// WithDefaultStrategy sets the strategy new monitors inherit.
func (b *SettingsBuilder) WithDefaultStrategy(s auction.Strategy) *SettingsBuilder {
	b.s.General.DefaultStrategy = s
	return b
}

// WithSnipeTiming sets how close to the end sniping fires.
func (b *SettingsBuilder) WithSnipeTiming(seconds int64) *SettingsBuilder {
	b.s.Bidding.SnipeTimingSeconds = seconds
	return b
}

// WithBidBuffer sets the dollars added on top of the required amount.
func (b *SettingsBuilder) WithBidBuffer(dollars int64) *SettingsBuilder {
	b.s.Bidding.BidBuffer = dollars
	return b
}

// WithRetryAttempts sets the transient-failure retry budget.
func (b *SettingsBuilder) WithRetryAttempts(n int) *SettingsBuilder {
	b.s.Bidding.RetryAttempts = n
	return b
}

// Build constructs the settings.
func (b *SettingsBuilder) Build() auction.Settings {
	return b.s
}
