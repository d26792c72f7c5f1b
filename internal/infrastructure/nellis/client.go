// Package nellis is the single choke point for outbound marketplace HTTP:
// snapshot fetches, bid placement, and session validation all go through
// Client, which layers rate limiting, a circuit breaker, and error
// classification over two upstream hosts (the product view host and the
// bid host).
package nellis

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/davidleathers/nellis-auction-tracker/internal/domain/auction"
	"github.com/davidleathers/nellis-auction-tracker/internal/domain/errors"
	"github.com/davidleathers/nellis-auction-tracker/internal/domain/values"
	"github.com/davidleathers/nellis-auction-tracker/internal/infrastructure/config"
	"github.com/davidleathers/nellis-auction-tracker/internal/metrics"
)

// The bid host rejects application/json; it wants the JSON body labelled
// as plain text.
const bidContentType = "text/plain;charset=UTF-8"

const fetchManyLimit = 8

// CredentialProvider supplies the marketplace session cookie for
// authenticated calls. An empty string means no credentials are stored.
type CredentialProvider interface {
	Cookie(ctx context.Context) (string, error)
}

// Client talks to the marketplace.
type Client struct {
	rest   *resty.Client // product host; redirects disabled so auth bounces surface
	bidder *resty.Client // bid host
	creds  CredentialProvider
	logger *zap.Logger

	fetchLimiter *rate.Limiter
	bidLimiter   *rate.Limiter
	breaker      *breaker
}

// Stats is a point-in-time health view for diagnostics endpoints.
type Stats struct {
	BreakerOpen         bool `json:"breaker_open"`
	ConsecutiveFailures int  `json:"consecutive_failures"`
}

// NewClient creates a marketplace client from config.
func NewClient(cfg *config.UpstreamConfig, creds CredentialProvider, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if cfg == nil {
		return nil, fmt.Errorf("upstream config is required")
	}
	if creds == nil {
		return nil, fmt.Errorf("credential provider is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	rest := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetHeader("User-Agent", cfg.UserAgent).
		SetHeader("Accept", "application/json").
		SetRedirectPolicy(resty.NoRedirectPolicy())

	bidder := resty.New().
		SetBaseURL(cfg.BidURL).
		SetTimeout(timeout).
		SetHeader("User-Agent", cfg.UserAgent)

	fetchRPS := cfg.RateLimit.FetchPerSecond
	if fetchRPS <= 0 {
		fetchRPS = 10
	}
	fetchBurst := cfg.RateLimit.FetchBurst
	if fetchBurst <= 0 {
		fetchBurst = fetchRPS * 2
	}
	bidRPS := cfg.RateLimit.BidPerSecond
	if bidRPS <= 0 {
		bidRPS = 5
	}
	bidBurst := cfg.RateLimit.BidBurst
	if bidBurst <= 0 {
		bidBurst = bidRPS
	}

	return &Client{
		rest:         rest,
		bidder:       bidder,
		creds:        creds,
		logger:       logger.With(zap.String("component", "nellis")),
		fetchLimiter: rate.NewLimiter(rate.Limit(fetchRPS), fetchBurst),
		bidLimiter:   rate.NewLimiter(rate.Limit(bidRPS), bidBurst),
		breaker:      newBreaker(cfg.Breaker.FailureThreshold, cfg.Breaker.RecoveryTimeout),
	}, nil
}

// FetchAuction retrieves and normalizes one auction snapshot.
func (c *Client) FetchAuction(ctx context.Context, id string) (*auction.Snapshot, error) {
	if !c.breaker.allow() {
		return nil, errors.ErrBreakerOpen
	}
	if err := c.fetchLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	req := c.rest.R().SetContext(ctx)
	if cookie, err := c.creds.Cookie(ctx); err == nil && cookie != "" {
		// authenticated fetches carry the user's winning/watching state
		req.SetHeader("Cookie", cookie)
	}

	resp, err := req.SetPathParam("id", id).Get("/api/products/{id}")
	if err != nil {
		c.breaker.failure()
		return nil, errors.NewExternalError("nellis", "product fetch failed").WithCause(err)
	}

	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return nil, errors.NewNotFoundError("auction")
	case resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden:
		return nil, errors.NewUnauthorizedError("marketplace rejected the stored session")
	case resp.StatusCode() >= 500:
		c.breaker.failure()
		return nil, errors.NewExternalError("nellis",
			fmt.Sprintf("product fetch returned HTTP %d", resp.StatusCode()))
	case !resp.IsSuccess():
		return nil, errors.NewExternalError("nellis",
			fmt.Sprintf("product fetch returned HTTP %d", resp.StatusCode()))
	}

	var view productResponse
	if err := json.Unmarshal(resp.Body(), &view); err != nil {
		return nil, errors.NewExternalError("nellis", "malformed product payload").WithCause(err)
	}

	c.breaker.success()
	return snapshotFromProduct(&view.Product, time.Now()), nil
}

// FetchMany fans out snapshot fetches with bounded concurrency and returns
// the successes keyed by auction id. Individual failures are dropped; the
// caller's poll cycle retries them on its own cadence.
func (c *Client) FetchMany(ctx context.Context, ids []string) map[string]*auction.Snapshot {
	out := make(map[string]*auction.Snapshot, len(ids))
	if len(ids) == 0 {
		return out
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchManyLimit)

	for _, id := range ids {
		id := id
		g.Go(func() error {
			snap, err := c.FetchAuction(gctx, id)
			if err != nil {
				c.logger.Debug("fetch dropped from fan-out",
					zap.String("auction_id", id),
					zap.Error(err))
				return nil
			}
			mu.Lock()
			out[id] = snap
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// PlaceBid posts a bid, retrying retryable failures up to attempts total
// tries with linear backoff. The retry budget comes from global settings;
// values below 1 mean a single try. Success is HTTP 200/201; the result
// message and structured state are returned verbatim for the caller to
// interpret.
func (c *Client) PlaceBid(ctx context.Context, id string, amount values.BidAmount, attempts int) (*BidResult, error) {
	productID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return nil, errors.NewValidationError("INVALID_AUCTION_ID",
			"auction id must be a numeric product id").WithField("auction_id")
	}
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			metrics.RecordBidRetry()
			delay := time.Duration(attempt-1) * time.Second
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		result, err := c.placeOnce(ctx, productID, amount)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !errors.IsRetryable(err) {
			return nil, err
		}
		c.logger.Warn("bid attempt failed",
			zap.String("auction_id", id),
			zap.Int64("amount", amount.Dollars()),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
	return nil, lastErr
}

func (c *Client) placeOnce(ctx context.Context, productID int64, amount values.BidAmount) (*BidResult, error) {
	if !c.breaker.allow() {
		return nil, errors.ErrBreakerOpen
	}
	if err := c.bidLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	cookie, err := c.creds.Cookie(ctx)
	if err != nil {
		return nil, err
	}
	if cookie == "" {
		return nil, errors.ErrNoCredentials
	}

	payload, err := json.Marshal(struct {
		ProductID int64 `json:"productId"`
		Bid       int64 `json:"bid"`
	}{ProductID: productID, Bid: amount.Dollars()})
	if err != nil {
		return nil, errors.NewInternalError("bid payload marshal failed").WithCause(err)
	}

	resp, err := c.bidder.R().
		SetContext(ctx).
		SetHeader("Content-Type", bidContentType).
		SetHeader("Cookie", cookie).
		SetBody(payload).
		Post("/api/v1/bids")
	if err != nil {
		c.breaker.failure()
		return nil, errors.NewBidError(errors.BidCodeConnectionError, "bid request failed").WithCause(err)
	}

	var body bidResponse
	// tolerate unparseable bodies; HTTP status decides the outcome
	_ = json.Unmarshal(resp.Body(), &body)

	if resp.StatusCode() == http.StatusOK || resp.StatusCode() == http.StatusCreated {
		c.breaker.success()
		return body.toResult(amount), nil
	}

	message := body.Error
	if message == "" {
		message = body.Data.Message
	}
	if message == "" {
		message = resp.String()
	}

	appErr := classifyBidFailure(resp.StatusCode(), message)
	if appErr.Code == errors.BidCodeServerError {
		c.breaker.failure()
	}
	return nil, appErr
}

// ValidateSession performs a cheap authenticated GET against the account
// page. HTTP 200 means the session is live; a redirect to the login page
// or an auth status means it is not.
func (c *Client) ValidateSession(ctx context.Context) (bool, error) {
	cookie, err := c.creds.Cookie(ctx)
	if err != nil {
		return false, err
	}
	if cookie == "" {
		return false, nil
	}
	if err := c.fetchLimiter.Wait(ctx); err != nil {
		return false, err
	}

	resp, err := c.rest.R().
		SetContext(ctx).
		SetHeader("Cookie", cookie).
		Get("/account")
	if err != nil {
		if resp != nil && resp.StatusCode() >= 300 && resp.StatusCode() < 400 {
			return false, nil
		}
		return false, errors.NewExternalError("nellis", "session check failed").WithCause(err)
	}

	return resp.StatusCode() == http.StatusOK, nil
}

// Stats returns breaker health for the diagnostics surface.
func (c *Client) Stats() Stats {
	return Stats{
		BreakerOpen:         c.breaker.open(),
		ConsecutiveFailures: c.breaker.consecutiveFailures(),
	}
}
