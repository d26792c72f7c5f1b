package secrets

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/davidleathers/nellis-auction-tracker/internal/domain/errors"
	"github.com/davidleathers/nellis-auction-tracker/internal/infrastructure/store"
)

// Status is the operator-facing view of stored credentials. The cookie
// values themselves never leave this package unencrypted except toward the
// upstream client.
type Status struct {
	Authenticated bool `json:"authenticated"`
	CookieCount   int  `json:"cookie_count"`
}

// Credentials keeps the marketplace session cookie header sealed at rest
// and serves the live value to the upstream client. The in-memory copy is
// the working set; the store holds only ciphertext.
type Credentials struct {
	sealer *Sealer
	store  store.Store
	logger *zap.Logger

	mu     sync.RWMutex
	cookie string
}

func NewCredentials(sealer *Sealer, st store.Store, logger *zap.Logger) *Credentials {
	return &Credentials{
		sealer: sealer,
		store:  st,
		logger: logger.With(zap.String("component", "credentials")),
	}
}

// Load primes the cache from the store. A blob that no longer unseals
// (secret rotated, payload damaged) is discarded so the operator sees an
// unauthenticated status instead of silent bid failures.
func (c *Credentials) Load(ctx context.Context) error {
	sealed, err := c.store.GetCredentials(ctx)
	if err != nil {
		return err
	}
	if len(sealed) == 0 {
		return nil
	}
	plain, err := c.sealer.Open(sealed)
	if err != nil {
		c.logger.Warn("stored credentials no longer unseal, clearing", zap.Error(err))
		if clearErr := c.store.ClearCredentials(ctx); clearErr != nil {
			c.logger.Error("clearing stale credentials failed", zap.Error(clearErr))
		}
		return nil
	}
	c.mu.Lock()
	c.cookie = string(plain)
	c.mu.Unlock()
	c.logger.Info("credentials restored", zap.Int("cookie_count", countCookies(string(plain))))
	return nil
}

// Set seals and persists a new cookie header, then swaps the working copy.
func (c *Credentials) Set(ctx context.Context, cookieHeader string) error {
	cookieHeader = strings.TrimSpace(cookieHeader)
	if cookieHeader == "" {
		return errors.NewValidationError("INVALID_COOKIES", "cookies must not be empty")
	}
	sealed, err := c.sealer.Seal([]byte(cookieHeader))
	if err != nil {
		return errors.NewInternalError("sealing credentials failed").WithCause(err)
	}
	if err := c.store.SaveCredentials(ctx, sealed); err != nil {
		return err
	}
	c.mu.Lock()
	c.cookie = cookieHeader
	c.mu.Unlock()
	c.logger.Info("credentials updated", zap.Int("cookie_count", countCookies(cookieHeader)))
	return nil
}

// Clear wipes both the persisted blob and the working copy.
func (c *Credentials) Clear(ctx context.Context) error {
	if err := c.store.ClearCredentials(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	c.cookie = ""
	c.mu.Unlock()
	c.logger.Info("credentials cleared")
	return nil
}

// Cookie serves the current header to the upstream client. Empty means no
// credentials; the client decides whether that is fatal for the call.
func (c *Credentials) Cookie(_ context.Context) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cookie, nil
}

func (c *Credentials) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Status{
		Authenticated: c.cookie != "",
		CookieCount:   countCookies(c.cookie),
	}
}

// countCookies counts the name=value pairs in a Cookie header.
func countCookies(header string) int {
	n := 0
	for _, part := range strings.Split(header, ";") {
		if strings.TrimSpace(part) != "" {
			n++
		}
	}
	return n
}
