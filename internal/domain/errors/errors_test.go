package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromNormalization(t *testing.T) {
	t.Run("app error passes through", func(t *testing.T) {
		orig := NewValidationError("INVALID_AMOUNT", "amount must be positive")
		assert.Same(t, orig, From(orig))
	})

	t.Run("wrapped app error is recovered", func(t *testing.T) {
		orig := ErrNotMonitored
		wrapped := fmt.Errorf("handling request: %w", orig)
		assert.Same(t, orig, From(wrapped))
	})

	t.Run("plain error becomes internal", func(t *testing.T) {
		cause := errors.New("boom")
		app := From(cause)
		assert.Equal(t, ErrorTypeInternal, app.Type)
		assert.Equal(t, "INTERNAL_ERROR", app.Code)
		assert.Equal(t, 500, app.StatusCode)
		assert.ErrorIs(t, app, cause)
		// raw failure text stays out of the caller-facing message
		assert.Equal(t, "internal error", app.Message)
	})
}

func TestBidErrorRetryability(t *testing.T) {
	tests := []struct {
		code      string
		retryable bool
	}{
		{BidCodeDuplicateAmount, false},
		{BidCodeTooLow, false},
		{BidCodeAuctionEnded, false},
		{BidCodeOutbid, false},
		{BidCodeServerError, true},
		{BidCodeConnectionError, true},
		{BidCodeBreakerOpen, false},
		{BidCodeUnknown, false},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := NewBidError(tt.code, "bid rejected")
			assert.Equal(t, tt.retryable, err.Retryable)
			assert.Equal(t, tt.retryable, IsRetryable(err))
			assert.Equal(t, 422, err.StatusCode)
		})
	}
}

func TestBidCodeExtraction(t *testing.T) {
	bidErr := NewBidError(BidCodeTooLow, "too low")
	assert.Equal(t, BidCodeTooLow, BidCode(bidErr))
	assert.Equal(t, BidCodeTooLow, BidCode(fmt.Errorf("placing bid: %w", bidErr)))

	// non-bid kinds and foreign errors both come back unknown
	assert.Equal(t, BidCodeUnknown, BidCode(NewUnauthorizedError("no token")))
	assert.Equal(t, BidCodeUnknown, BidCode(errors.New("boom")))
}

func TestIsType(t *testing.T) {
	storeErr := NewStoreError("save_auction", errors.New("bad record"))
	assert.True(t, IsType(storeErr, ErrorTypeStore))
	assert.False(t, IsType(storeErr, ErrorTypeBid))
	assert.True(t, IsType(fmt.Errorf("persisting: %w", storeErr), ErrorTypeStore))
	assert.False(t, IsType(errors.New("boom"), ErrorTypeStore))
}

func TestFieldTagging(t *testing.T) {
	err := NewValidationError("INVALID_AMOUNT", "amount must be positive").WithField("amount")
	assert.Equal(t, "amount", err.Field())

	untagged := NewValidationError("INVALID_BODY", "body required")
	assert.Equal(t, "", untagged.Field())
}

func TestErrorFormatting(t *testing.T) {
	plain := NewValidationError("INVALID_LIMIT", "limit must be positive")
	assert.Equal(t, "limit must be positive", plain.Error())

	cause := errors.New("dial tcp: refused")
	withCause := NewStoreError("get_settings", cause)
	require.ErrorIs(t, withCause, cause)
	assert.Equal(t, "store get_settings failed: dial tcp: refused", withCause.Error())
}
