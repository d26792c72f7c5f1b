package auction

import (
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/nellis-auction-tracker/internal/domain/values"
)

// BidHistoryEntry is one line of the append-only per-auction bid log.
// Exactly one of Result and Error is set.
type BidHistoryEntry struct {
	ID       string           `json:"id"`
	TSMillis int64            `json:"ts_ms"`
	Amount   values.BidAmount `json:"amount"`
	Strategy Strategy         `json:"strategy"`
	Success  bool             `json:"success"`
	Result   string           `json:"result,omitempty"`
	Error    string           `json:"error,omitempty"`
}

func NewBidSuccess(amount values.BidAmount, strategy Strategy, result string) BidHistoryEntry {
	return BidHistoryEntry{
		ID:       uuid.NewString(),
		TSMillis: time.Now().UnixMilli(),
		Amount:   amount,
		Strategy: strategy,
		Success:  true,
		Result:   result,
	}
}

func NewBidFailure(amount values.BidAmount, strategy Strategy, errMsg string) BidHistoryEntry {
	return BidHistoryEntry{
		ID:       uuid.NewString(),
		TSMillis: time.Now().UnixMilli(),
		Amount:   amount,
		Strategy: strategy,
		Success:  false,
		Error:    errMsg,
	}
}
