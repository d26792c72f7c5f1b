package store

import (
	"context"
	"errors"
	"time"

	"github.com/davidleathers/nellis-auction-tracker/internal/domain/auction"
)

// Store persists auction records, credentials, settings, and bid history.
// Implementations tolerate durable-backend outage: writes land in a
// process-local fallback and the operation still succeeds. An operation
// fails only when both backends refuse.
type Store interface {
	// SaveAuction persists a record, refreshing its TTL
	SaveAuction(ctx context.Context, a *auction.Auction) error

	// GetAuction retrieves a record; ErrKeyNotFound when absent
	GetAuction(ctx context.Context, id string) (*auction.Auction, error)

	// DeleteAuction removes a record from both backends
	DeleteAuction(ctx context.Context, id string) error

	// ListAuctions returns every persisted record
	ListAuctions(ctx context.Context) ([]*auction.Auction, error)

	// SaveCredentials stores the sealed credential blob
	SaveCredentials(ctx context.Context, sealed []byte) error

	// GetCredentials returns the sealed blob, or nil when none is stored
	GetCredentials(ctx context.Context) ([]byte, error)

	// ClearCredentials removes the stored blob
	ClearCredentials(ctx context.Context) error

	// SaveSettings persists the global settings
	SaveSettings(ctx context.Context, s auction.Settings) error

	// GetSettings returns stored settings, or built-in defaults when absent
	GetSettings(ctx context.Context) (auction.Settings, error)

	// AppendBidHistory appends an entry and trims to the newest entries
	AppendBidHistory(ctx context.Context, id string, e auction.BidHistoryEntry) error

	// GetBidHistory returns entries newest first
	GetBidHistory(ctx context.Context, id string, limit int) ([]auction.BidHistoryEntry, error)

	// Events exposes connectivity transitions for observability
	Events() <-chan Event

	// Stats reports backend connectivity and fallback occupancy
	Stats() Stats

	// Close stops the reconnector and releases the client
	Close() error
}

// Key layout for the durable backend
const (
	auctionKeyPrefix  = "nellis:auction:"
	credentialsKey    = "nellis:auth:cookies"
	bidHistoryPrefix  = "nellis:bid_history:"
	settingsKey       = "nellis:system:settings"
	auctionKeyPattern = auctionKeyPrefix + "*"
)

// TTLs and retention
const (
	AuctionTTL     = 1 * time.Hour
	CredentialsTTL = 24 * time.Hour
	BidHistoryTTL  = 7 * 24 * time.Hour

	// BidHistoryMax is the per-auction retention count
	BidHistoryMax = 100
)

func auctionKey(id string) string {
	return auctionKeyPrefix + id
}

func bidHistoryKey(id string) string {
	return bidHistoryPrefix + id
}

// EventKind labels a connectivity transition.
type EventKind string

const (
	EventConnected    EventKind = "connected"
	EventDisconnected EventKind = "disconnected"
	EventReady        EventKind = "ready"
)

// Event is emitted on connectivity transitions. Delivery is best effort:
// when nobody listens, events are dropped rather than blocking an
// operation.
type Event struct {
	Kind EventKind
	At   time.Time
}

// Stats is a point-in-time view of the store for health reporting.
type Stats struct {
	Connected        bool `json:"connected"`
	FallbackAuctions int  `json:"fallback_auctions"`
	FallbackHistory  int  `json:"fallback_history"`
}

// ErrKeyNotFound is returned when a key doesn't exist in either backend
type ErrKeyNotFound struct {
	Key string
}

func (e ErrKeyNotFound) Error() string {
	return "store key not found: " + e.Key
}

// IsNotFound reports whether err is a missing-key error.
func IsNotFound(err error) bool {
	var notFound ErrKeyNotFound
	return errors.As(err, &notFound)
}
