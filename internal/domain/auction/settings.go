package auction

// Settings are the process-wide defaults persisted under a single key.
type Settings struct {
	General GeneralSettings `json:"general"`
	Bidding BiddingSettings `json:"bidding"`
}

type GeneralSettings struct {
	DefaultMaxBid   int64    `json:"default_max_bid"`
	DefaultStrategy Strategy `json:"default_strategy"`
	AutoBidDefault  bool     `json:"auto_bid_default"`
}

type BiddingSettings struct {
	SnipeTimingSeconds int64 `json:"snipe_timing_s"`
	BidBuffer          int64 `json:"bid_buffer"`
	DefaultIncrement   int64 `json:"default_increment"`
	RetryAttempts      int   `json:"retry_attempts"`
}

func DefaultSettings() Settings {
	return Settings{
		General: GeneralSettings{
			DefaultMaxBid:   100,
			DefaultStrategy: StrategyAuto,
			AutoBidDefault:  true,
		},
		Bidding: BiddingSettings{
			SnipeTimingSeconds: 30,
			BidBuffer:          0,
			DefaultIncrement:   5,
			RetryAttempts:      3,
		},
	}
}

// Normalize repairs values read from the store: legacy strategy names map
// to their canonical form, missing fields pick up defaults, and the retry
// budget clamps into [1, 10].
func (s *Settings) Normalize() {
	def := DefaultSettings()

	if st, err := ParseStrategy(string(s.General.DefaultStrategy)); err == nil {
		s.General.DefaultStrategy = st
	} else {
		s.General.DefaultStrategy = def.General.DefaultStrategy
	}
	if s.General.DefaultMaxBid <= 0 {
		s.General.DefaultMaxBid = def.General.DefaultMaxBid
	}
	if s.Bidding.SnipeTimingSeconds <= 0 {
		s.Bidding.SnipeTimingSeconds = def.Bidding.SnipeTimingSeconds
	}
	if s.Bidding.BidBuffer < 0 {
		s.Bidding.BidBuffer = def.Bidding.BidBuffer
	}
	if s.Bidding.DefaultIncrement <= 0 {
		s.Bidding.DefaultIncrement = def.Bidding.DefaultIncrement
	}
	if s.Bidding.RetryAttempts < 1 {
		if s.Bidding.RetryAttempts == 0 {
			s.Bidding.RetryAttempts = def.Bidding.RetryAttempts
		} else {
			s.Bidding.RetryAttempts = 1
		}
	} else if s.Bidding.RetryAttempts > 10 {
		s.Bidding.RetryAttempts = 10
	}
}
