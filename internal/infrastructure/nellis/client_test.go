package nellis

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/nellis-auction-tracker/internal/domain/errors"
	"github.com/davidleathers/nellis-auction-tracker/internal/domain/values"
	"github.com/davidleathers/nellis-auction-tracker/internal/infrastructure/config"
)

type staticCreds string

func (s staticCreds) Cookie(_ context.Context) (string, error) {
	return string(s), nil
}

func testClientConfig(baseURL, bidURL string) *config.UpstreamConfig {
	return &config.UpstreamConfig{
		BaseURL:   baseURL,
		BidURL:    bidURL,
		Timeout:   5 * time.Second,
		UserAgent: "tracker-test",
		Breaker: config.BreakerConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  30 * time.Second,
		},
		RateLimit: config.UpstreamRateConfig{
			FetchPerSecond: 1000,
			FetchBurst:     1000,
			BidPerSecond:   1000,
			BidBurst:       1000,
		},
	}
}

func newTestClient(t *testing.T, baseURL, bidURL string, creds CredentialProvider) *Client {
	t.Helper()
	c, err := NewClient(testClientConfig(baseURL, bidURL), creds, zaptest.NewLogger(t))
	require.NoError(t, err)
	return c
}

func productJSON(currentPrice string, nextBid string, closeTime string, marketStatus string, isClosed bool) string {
	next := "null"
	if nextBid != "" {
		next = nextBid
	}
	return fmt.Sprintf(`{"product":{
		"id": 56789,
		"title": "Cordless Drill",
		"currentPrice": %s,
		"userState": {"nextBid": %s, "isWinning": false, "isWatching": true},
		"bidCount": 12,
		"bidderCount": 4,
		"isClosed": %t,
		"marketStatus": %q,
		"closeTime": {"value": %s},
		"extensionInterval": 30,
		"retailPrice": 129.99,
		"location": {"name": "Phoenix"},
		"inventoryNumber": "INV-7"
	}}`, currentPrice, next, isClosed, marketStatus, closeTime)
}

func TestFetchAuction(t *testing.T) {
	closeAt := time.Now().Add(10 * time.Minute).UTC().Format(time.RFC3339)

	var gotCookie atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/products/56789", r.URL.Path)
		gotCookie.Store(r.Header.Get("Cookie"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, productJSON("49.99", "45", fmt.Sprintf("%q", closeAt), "open", false))
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, server.URL, staticCreds("session=abc"))

	snap, err := c.FetchAuction(context.Background(), "56789")
	require.NoError(t, err)

	assert.Equal(t, int64(49), snap.CurrentBid.Dollars(), "fractional price floors")
	assert.Equal(t, int64(45), snap.NextBid.Dollars())
	assert.Equal(t, 12, snap.BidCount)
	assert.Equal(t, 4, snap.BidderCount)
	assert.False(t, snap.IsWinning)
	assert.True(t, snap.IsWatching)
	assert.False(t, snap.IsClosed)
	assert.Greater(t, snap.TimeRemainingSeconds, int64(500))
	assert.LessOrEqual(t, snap.TimeRemainingSeconds, int64(600))
	assert.Equal(t, int64(129), snap.RetailPrice.Dollars())
	assert.Equal(t, "Phoenix", snap.Location)
	assert.Equal(t, "INV-7", snap.InventoryNumber)
	assert.Equal(t, "session=abc", gotCookie.Load(), "authenticated fetch carries the cookie")
}

func TestFetchAuctionStatuses(t *testing.T) {
	var status atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, server.URL, staticCreds(""))

	t.Run("missing product", func(t *testing.T) {
		status.Store(http.StatusNotFound)
		_, err := c.FetchAuction(context.Background(), "1")
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
	})

	t.Run("rejected session", func(t *testing.T) {
		status.Store(http.StatusForbidden)
		_, err := c.FetchAuction(context.Background(), "1")
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeUnauthorized))
	})

	t.Run("upstream fault", func(t *testing.T) {
		status.Store(http.StatusInternalServerError)
		_, err := c.FetchAuction(context.Background(), "1")
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeExternal))
	})
}

func TestFetchMany(t *testing.T) {
	closeAt := time.Now().Add(time.Hour).UnixMilli()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/products/13" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, productJSON("40", "45", fmt.Sprintf("%d", closeAt), "open", false))
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, server.URL, staticCreds(""))

	got := c.FetchMany(context.Background(), []string{"11", "12", "13"})
	assert.Len(t, got, 2)
	assert.Contains(t, got, "11")
	assert.Contains(t, got, "12")
	assert.NotContains(t, got, "13", "failed fetches drop out of the fan-out")
}

func TestPlaceBid(t *testing.T) {
	var gotBody atomic.Value
	var gotContentType atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/bids", r.URL.Path)
		gotContentType.Store(r.Header.Get("Content-Type"))
		var body map[string]int64
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		gotBody.Store(body)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"success":true,"data":{"message":"Bid placed","data":null}}`)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, server.URL, staticCreds("session=abc"))

	result, err := c.PlaceBid(context.Background(), "56789", values.MustBidAmount(45), 3)
	require.NoError(t, err)
	assert.Equal(t, int64(45), result.Amount.Dollars())
	assert.Equal(t, "Bid placed", result.Message)
	assert.Nil(t, result.State)

	assert.Equal(t, bidContentType, gotContentType.Load())
	body := gotBody.Load().(map[string]int64)
	assert.Equal(t, int64(56789), body["productId"])
	assert.Equal(t, int64(45), body["bid"])
}

func TestPlaceBidOutbidState(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"success":true,"data":{
			"message":"Your bid was placed, but another user has a higher maximum bid",
			"data":{"currentAmount":50,"minimumNextBid":55,"bidCount":3,"bidderCount":2}}}`)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, server.URL, staticCreds("session=abc"))

	result, err := c.PlaceBid(context.Background(), "56789", values.MustBidAmount(45), 1)
	require.NoError(t, err)
	require.NotNil(t, result.State)
	assert.Equal(t, int64(50), result.State.CurrentBid.Dollars())
	assert.Equal(t, int64(55), result.State.NextBid.Dollars())
	assert.Equal(t, 3, result.State.BidCount)
	assert.Equal(t, 2, result.State.BidderCount)
}

func TestPlaceBidRequiresCredentials(t *testing.T) {
	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, server.URL, staticCreds(""))

	_, err := c.PlaceBid(context.Background(), "56789", values.MustBidAmount(45), 3)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeUnauthorized))
	assert.Equal(t, int64(0), requests.Load(), "no request goes out without a session")
}

func TestPlaceBidRejectsNonNumericID(t *testing.T) {
	c := newTestClient(t, "http://localhost:1", "http://localhost:1", staticCreds("session=abc"))

	_, err := c.PlaceBid(context.Background(), "not-a-number", values.MustBidAmount(45), 1)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestPlaceBidTerminalFailures(t *testing.T) {
	tests := []struct {
		name     string
		message  string
		wantCode string
	}{
		{"duplicate amount", "You've already bid this same amount", errors.BidCodeDuplicateAmount},
		{"too low", "Your bid is too low", errors.BidCodeTooLow},
		{"ended", "This auction has ended", errors.BidCodeAuctionEnded},
		{"outbid", "Another user has a higher maximum bid", errors.BidCodeOutbid},
		{"unclassified", "Something odd happened", errors.BidCodeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var requests atomic.Int64
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				requests.Add(1)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnprocessableEntity)
				fmt.Fprintf(w, `{"success":false,"error":%q}`, tt.message)
			}))
			defer server.Close()

			c := newTestClient(t, server.URL, server.URL, staticCreds("session=abc"))

			_, err := c.PlaceBid(context.Background(), "56789", values.MustBidAmount(45), 3)
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, errors.BidCode(err))
			assert.False(t, errors.IsRetryable(err))
			assert.Equal(t, int64(1), requests.Load(), "terminal failures do not retry")
		})
	}
}

func TestPlaceBidRetriesServerError(t *testing.T) {
	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, `{"success":false,"error":"internal error"}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"success":true,"data":{"message":"Bid placed"}}`)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, server.URL, staticCreds("session=abc"))

	start := time.Now()
	result, err := c.PlaceBid(context.Background(), "56789", values.MustBidAmount(45), 2)
	require.NoError(t, err)
	assert.Equal(t, "Bid placed", result.Message)
	assert.Equal(t, int64(2), requests.Load())
	assert.GreaterOrEqual(t, time.Since(start), time.Second, "retry waits out the linear backoff")
}

func TestPlaceBidBreaker(t *testing.T) {
	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	cfg := testClientConfig(server.URL, server.URL)
	cfg.Breaker.FailureThreshold = 2
	c, err := NewClient(cfg, staticCreds("session=abc"), zaptest.NewLogger(t))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := c.PlaceBid(context.Background(), "56789", values.MustBidAmount(45), 1)
		require.Error(t, err)
		assert.Equal(t, errors.BidCodeServerError, errors.BidCode(err))
	}

	before := requests.Load()
	_, err = c.PlaceBid(context.Background(), "56789", values.MustBidAmount(45), 1)
	require.Error(t, err)
	assert.Equal(t, errors.BidCodeBreakerOpen, errors.BidCode(err))
	assert.False(t, errors.IsRetryable(err))
	assert.Equal(t, before, requests.Load(), "open breaker short-circuits before HTTP")
	assert.True(t, c.Stats().BreakerOpen)
}

func TestValidateSession(t *testing.T) {
	t.Run("live session", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/account", r.URL.Path)
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		c := newTestClient(t, server.URL, server.URL, staticCreds("session=abc"))
		ok, err := c.ValidateSession(context.Background())
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("redirect to login means invalid", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, "/login", http.StatusFound)
		}))
		defer server.Close()

		c := newTestClient(t, server.URL, server.URL, staticCreds("session=abc"))
		ok, err := c.ValidateSession(context.Background())
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("no stored credentials", func(t *testing.T) {
		c := newTestClient(t, "http://localhost:1", "http://localhost:1", staticCreds(""))
		ok, err := c.ValidateSession(context.Background())
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestSnapshotNormalization(t *testing.T) {
	now := time.Now()

	t.Run("expired countdown closes the auction", func(t *testing.T) {
		var view productResponse
		raw := productJSON("40", "", fmt.Sprintf("%d", now.Add(-time.Minute).UnixMilli()), "open", false)
		require.NoError(t, json.Unmarshal([]byte(raw), &view))

		snap := snapshotFromProduct(&view.Product, now)
		assert.Equal(t, int64(0), snap.TimeRemainingSeconds)
		assert.True(t, snap.IsClosed)
		assert.True(t, snap.NextBid.IsZero(), "absent nextBid stays zero")
	})

	t.Run("sold market status closes the auction", func(t *testing.T) {
		var view productResponse
		raw := productJSON("40", "45", fmt.Sprintf("%d", now.Add(time.Hour).UnixMilli()), "sold", false)
		require.NoError(t, json.Unmarshal([]byte(raw), &view))

		snap := snapshotFromProduct(&view.Product, now)
		assert.True(t, snap.IsClosed)
		assert.Greater(t, snap.TimeRemainingSeconds, int64(0))
	})

	t.Run("close time accepts both wire forms", func(t *testing.T) {
		closeAt := now.Add(2 * time.Minute).UTC()

		for name, encoded := range map[string]string{
			"epoch millis": fmt.Sprintf("%d", closeAt.UnixMilli()),
			"rfc3339":      fmt.Sprintf("%q", closeAt.Format(time.RFC3339Nano)),
		} {
			var view productResponse
			raw := productJSON("40", "45", encoded, "open", false)
			require.NoError(t, json.Unmarshal([]byte(raw), &view), name)

			snap := snapshotFromProduct(&view.Product, now)
			assert.InDelta(t, 120, snap.TimeRemainingSeconds, 1, name)
			assert.False(t, snap.IsClosed, name)
		}
	})
}
