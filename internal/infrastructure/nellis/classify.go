package nellis

import (
	"strings"

	"github.com/davidleathers/nellis-auction-tracker/internal/domain/errors"
)

// classifyBidFailure maps a rejected bid response onto a bid error code.
// The marketplace communicates rejection reasons only through message
// text, so this is substring matching by necessity; server-side faults
// fall back to the HTTP status.
func classifyBidFailure(status int, message string) *errors.AppError {
	msg := strings.ToLower(message)

	switch {
	case strings.Contains(msg, "already bid") || strings.Contains(msg, "same amount"):
		return errors.NewBidError(errors.BidCodeDuplicateAmount, message)
	case strings.Contains(msg, "too low") ||
		strings.Contains(msg, "must be higher") ||
		strings.Contains(msg, "minimum next bid"):
		return errors.NewBidError(errors.BidCodeTooLow, message)
	case strings.Contains(msg, "has ended") || strings.Contains(msg, "is closed"):
		return errors.NewBidError(errors.BidCodeAuctionEnded, message)
	case strings.Contains(msg, "outbid") || strings.Contains(msg, "higher maximum bid"):
		return errors.NewBidError(errors.BidCodeOutbid, message)
	case status >= 500:
		return errors.NewBidError(errors.BidCodeServerError, message)
	default:
		return errors.NewBidError(errors.BidCodeUnknown, message)
	}
}
