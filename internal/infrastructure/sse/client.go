// Package sse maintains per-product subscriptions to the marketplace's
// live-product event stream. Each subscription owns one long-lived HTTP
// connection, reconnects with capped exponential backoff when the stream
// breaks, and signals fallback when the reconnect budget runs out. The
// client never touches auction state; it only emits events for the
// monitor to fold.
package sse

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/nellis-auction-tracker/internal/infrastructure/config"
	"github.com/davidleathers/nellis-auction-tracker/internal/metrics"
)

const (
	defaultReconnectBase = time.Second
	maxReconnectDelay    = 30 * time.Second
	defaultIdleTimeout   = 60 * time.Second
	defaultMaxAttempts   = 3

	// SSE lines are small; the cap guards against a misbehaving stream.
	scannerBufferCap = 1 << 20
)

// Client owns the subscription map, keyed by marketplace product id.
type Client struct {
	cfg    config.SSEConfig
	http   *http.Client
	logger *zap.Logger
	events chan Event

	mu     sync.Mutex
	subs   map[string]*subscription
	closed bool
}

type subscription struct {
	productID string
	auctionID string
	cancel    context.CancelFunc
	done      chan struct{}

	mu        sync.Mutex
	sessionID string
}

// Stats is a point-in-time view for the diagnostics surface.
type Stats struct {
	ActiveSubscriptions int `json:"active_subscriptions"`
}

// NewClient creates the SSE client. The HTTP client carries no overall
// timeout; streams are bounded by the idle watchdog instead.
func NewClient(cfg config.SSEConfig, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("sse endpoint is required")
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = defaultReconnectBase
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = defaultMaxAttempts
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}

	return &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout: 0,
			Transport: &http.Transport{
				MaxIdleConns:          20,
				MaxIdleConnsPerHost:   10,
				IdleConnTimeout:       90 * time.Second,
				ResponseHeaderTimeout: 10 * time.Second,
			},
		},
		logger: logger.With(zap.String("component", "sse")),
		events: make(chan Event, 64),
		subs:   make(map[string]*subscription),
	}, nil
}

// Events is the stream of subscription events, consumed by the monitor.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Connect opens a subscription for productID. The initial dial happens
// inline so the caller learns immediately whether SSE transport is
// available; reconnects after a later stream break happen in the
// background. Connecting an already-subscribed key is a no-op.
func (c *Client) Connect(ctx context.Context, productID, auctionID string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("sse client is closed")
	}
	if _, exists := c.subs[productID]; exists {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	subCtx, cancel := context.WithCancel(ctx)
	connCtx, cancelConn := context.WithCancel(subCtx)

	resp, err := c.dial(connCtx, productID)
	if err != nil {
		cancelConn()
		cancel()
		return err
	}

	sub := &subscription{
		productID: productID,
		auctionID: auctionID,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	c.mu.Lock()
	if c.closed || c.subs[productID] != nil {
		// lost the race; drop this connection
		c.mu.Unlock()
		resp.Body.Close()
		cancelConn()
		cancel()
		return nil
	}
	c.subs[productID] = sub
	active := len(c.subs)
	c.mu.Unlock()
	metrics.UpdateSSEConnections(float64(active))

	go c.run(subCtx, sub, resp, cancelConn)
	return nil
}

// Disconnect tears down the subscription for productID and cancels any
// pending reconnect. Unknown keys are a no-op.
func (c *Client) Disconnect(productID string) {
	c.mu.Lock()
	sub := c.subs[productID]
	c.mu.Unlock()
	if sub == nil {
		return
	}
	sub.cancel()
	<-sub.done
}

// DisconnectAll tears down every subscription; used at shutdown.
func (c *Client) DisconnectAll() {
	c.mu.Lock()
	c.closed = true
	subs := make([]*subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
		<-sub.done
	}
}

// SessionID returns the diagnostic session id the stream announced for a
// product, if any.
func (c *Client) SessionID(productID string) string {
	c.mu.Lock()
	sub := c.subs[productID]
	c.mu.Unlock()
	if sub == nil {
		return ""
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.sessionID
}

func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{ActiveSubscriptions: len(c.subs)}
}

func (c *Client) dial(ctx context.Context, productID string) (*http.Response, error) {
	endpoint := c.cfg.Endpoint + "?productId=" + url.QueryEscape(productID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sse dial: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("sse dial: unexpected status %d", resp.StatusCode)
	}
	return resp, nil
}

// run owns one subscription: consume the stream, reconnect with backoff
// when it breaks, give up after the attempt budget.
func (c *Client) run(ctx context.Context, sub *subscription, resp *http.Response, cancelConn context.CancelFunc) {
	defer close(sub.done)
	defer c.remove(sub)

	attempts := 0
	for {
		c.safeConsume(ctx, sub, resp, cancelConn)
		if ctx.Err() != nil {
			return
		}

		// stream broke; work through the reconnect budget
		reconnected := false
		for !reconnected {
			if attempts >= c.cfg.MaxReconnectAttempts {
				c.logger.Warn("subscription exhausted reconnect budget",
					zap.String("product_id", sub.productID),
					zap.Int("attempts", attempts))
				metrics.RecordSSEFallback()
				c.emit(ctx, Event{
					Kind:      EventFallback,
					ProductID: sub.productID,
					AuctionID: sub.auctionID,
				})
				return
			}

			delay := c.cfg.ReconnectInterval << attempts
			if delay > maxReconnectDelay || delay <= 0 {
				delay = maxReconnectDelay
			}
			attempts++
			metrics.RecordSSEReconnect()

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}

			var connCtx context.Context
			connCtx, cancelConn = context.WithCancel(ctx)
			next, err := c.dial(connCtx, sub.productID)
			if err != nil {
				cancelConn()
				c.logger.Warn("reconnect failed",
					zap.String("product_id", sub.productID),
					zap.Int("attempt", attempts),
					zap.Error(err))
				continue
			}
			resp = next
			attempts = 0
			reconnected = true
		}
	}
}

// safeConsume treats a panicking stream read like any broken stream: the
// subscription survives it and moves on to the reconnect budget.
func (c *Client) safeConsume(ctx context.Context, sub *subscription, resp *http.Response, cancelConn context.CancelFunc) {
	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Error("stream consumer panicked",
				zap.String("product_id", sub.productID),
				zap.Any("panic", rec),
				zap.Stack("stack"))
		}
	}()
	c.consume(ctx, sub, resp, cancelConn)
}

// consume reads one open stream until it errors, idles out, or the
// subscription is cancelled.
func (c *Client) consume(ctx context.Context, sub *subscription, resp *http.Response, cancelConn context.CancelFunc) {
	defer resp.Body.Close()
	defer cancelConn()

	c.emit(ctx, Event{
		Kind:      EventConnected,
		ProductID: sub.productID,
		AuctionID: sub.auctionID,
	})
	c.logger.Debug("stream open", zap.String("product_id", sub.productID))

	// a silent stream is a dead stream; the watchdog aborts the read
	watchdog := time.AfterFunc(c.cfg.IdleTimeout, cancelConn)
	defer watchdog.Stop()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 4096), scannerBufferCap)

	var eventName string
	var dataLines []string

	for scanner.Scan() {
		watchdog.Reset(c.cfg.IdleTimeout)
		line := scanner.Text()

		if strings.HasPrefix(line, ":") {
			continue
		}
		if line == "" {
			if len(dataLines) > 0 {
				c.dispatch(ctx, sub, eventName, strings.Join(dataLines, "\n"))
			}
			eventName = ""
			dataLines = dataLines[:0]
			continue
		}

		field, value := line, ""
		if i := strings.Index(line, ":"); i >= 0 {
			field = line[:i]
			value = strings.TrimPrefix(line[i+1:], " ")
		}
		switch field {
		case "event":
			eventName = value
		case "data":
			dataLines = append(dataLines, value)
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		c.logger.Debug("stream read ended",
			zap.String("product_id", sub.productID),
			zap.Error(err))
	}
}

func (c *Client) dispatch(ctx context.Context, sub *subscription, eventName, data string) {
	switch eventName {
	case "":
		// bare data messages: keepalive and the session banner
		if data == "ping" {
			return
		}
		if rest, ok := strings.CutPrefix(data, "connected "); ok {
			sub.mu.Lock()
			sub.sessionID = rest
			sub.mu.Unlock()
			c.logger.Debug("stream session",
				zap.String("product_id", sub.productID),
				zap.String("session_id", rest))
		}
	case "ch_product_bids:" + sub.productID:
		bid, err := parseBidUpdate(data)
		if err != nil {
			c.logger.Warn("bad bid payload",
				zap.String("product_id", sub.productID),
				zap.Error(err))
			return
		}
		c.emit(ctx, Event{
			Kind:      EventBid,
			ProductID: sub.productID,
			AuctionID: sub.auctionID,
			Bid:       bid,
		})
	case "ch_product_closed:" + sub.productID:
		closure, err := parseClosure(data)
		if err != nil {
			c.logger.Warn("bad closure payload",
				zap.String("product_id", sub.productID),
				zap.Error(err))
			return
		}
		c.emit(ctx, Event{
			Kind:      EventClosed,
			ProductID: sub.productID,
			AuctionID: sub.auctionID,
			Closed:    closure,
		})
	}
}

func (c *Client) emit(ctx context.Context, ev Event) {
	select {
	case c.events <- ev:
	case <-ctx.Done():
	}
}

func (c *Client) remove(sub *subscription) {
	c.mu.Lock()
	if c.subs[sub.productID] == sub {
		delete(c.subs, sub.productID)
	}
	active := len(c.subs)
	c.mu.Unlock()
	metrics.UpdateSSEConnections(float64(active))
}
