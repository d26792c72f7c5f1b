package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/davidleathers/nellis-auction-tracker/internal/domain/auction"
	apperrors "github.com/davidleathers/nellis-auction-tracker/internal/domain/errors"
	"github.com/davidleathers/nellis-auction-tracker/internal/infrastructure/config"
	"github.com/davidleathers/nellis-auction-tracker/internal/metrics"
)

// RedisStore implements Store against a Redis backend with an in-memory
// fallback. Connection loss is never surfaced to callers: writes land in
// the fallback, a background reconnector pings with capped exponential
// backoff, and reads prefer dirty fallback entries until a durable write
// clears them.
type RedisStore struct {
	client    *redis.Client
	fallback  *memoryFallback
	logger    *zap.Logger
	opTimeout time.Duration

	connected atomic.Bool
	events    chan Event
	reconnect chan struct{}

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewRedisStore builds the store and starts its reconnector. Unlike a
// cache, an unreachable backend is not a construction error: the store
// starts in fallback mode and recovers in the background.
func NewRedisStore(cfg *config.RedisConfig, logger *zap.Logger) (*RedisStore, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if cfg == nil {
		return nil, fmt.Errorf("redis config is required")
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		// plain host:port form
		opts = &redis.Options{Addr: cfg.URL}
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.DB != 0 {
		opts.DB = cfg.DB
	}
	opTimeout := cfg.OpTimeout
	if opTimeout <= 0 {
		opTimeout = 2 * time.Second
	}
	opts.DialTimeout = opTimeout
	opts.ReadTimeout = opTimeout
	opts.WriteTimeout = opTimeout

	s := &RedisStore{
		client:    redis.NewClient(opts),
		fallback:  newMemoryFallback(),
		logger:    logger.With(zap.String("component", "store")),
		opTimeout: opTimeout,
		events:    make(chan Event, 16),
		reconnect: make(chan struct{}, 1),
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := s.client.Ping(ctx).Err(); err != nil {
		s.logger.Warn("durable store unreachable, starting in fallback mode",
			zap.String("addr", opts.Addr),
			zap.Error(err))
		metrics.UpdateStoreConnected(false)
	} else {
		s.connected.Store(true)
		metrics.UpdateStoreConnected(true)
		s.emit(EventConnected)
		s.logger.Info("store connected",
			zap.String("addr", opts.Addr),
			zap.Int("db", opts.DB))
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	s.cancel = runCancel
	s.wg.Add(1)
	go s.reconnectLoop(runCtx)

	if !s.connected.Load() {
		s.triggerReconnect()
	}

	return s, nil
}

// SaveAuction persists a record, refreshing its TTL
func (s *RedisStore) SaveAuction(ctx context.Context, a *auction.Auction) error {
	if a == nil || a.ID == "" {
		return fmt.Errorf("auction record requires an id")
	}
	data, err := json.Marshal(a)
	if err != nil {
		s.logger.Error("auction marshal failed", zap.String("auction_id", a.ID), zap.Error(err))
		return apperrors.NewStoreError("save_auction", err)
	}

	if s.connected.Load() {
		opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
		err = s.client.Set(opCtx, auctionKey(a.ID), data, AuctionTTL).Err()
		cancel()
		if err == nil {
			s.fallback.clearAuction(a.ID)
			return nil
		}
		s.markDisconnected("save_auction", err)
	}

	s.fallback.saveAuction(a)
	metrics.RecordStoreFallbackWrite("save_auction")
	return nil
}

// GetAuction retrieves a record; ErrKeyNotFound when absent
func (s *RedisStore) GetAuction(ctx context.Context, id string) (*auction.Auction, error) {
	if a, ok := s.fallback.getAuction(id); ok {
		return a, nil
	}

	if s.connected.Load() {
		opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
		data, err := s.client.Get(opCtx, auctionKey(id)).Bytes()
		cancel()
		switch {
		case err == nil:
			var a auction.Auction
			if uerr := json.Unmarshal(data, &a); uerr != nil {
				s.logger.Error("auction unmarshal failed", zap.String("auction_id", id), zap.Error(uerr))
				return nil, apperrors.NewStoreError("get_auction", uerr)
			}
			return &a, nil
		case errors.Is(err, redis.Nil):
			return nil, ErrKeyNotFound{Key: auctionKey(id)}
		default:
			s.markDisconnected("get_auction", err)
		}
	}

	return nil, ErrKeyNotFound{Key: auctionKey(id)}
}

// DeleteAuction removes a record from both backends
func (s *RedisStore) DeleteAuction(ctx context.Context, id string) error {
	if s.connected.Load() {
		opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
		err := s.client.Del(opCtx, auctionKey(id)).Err()
		cancel()
		if err != nil {
			s.markDisconnected("delete_auction", err)
		}
	}
	s.fallback.deleteAuction(id)
	return nil
}

// ListAuctions returns every persisted record
func (s *RedisStore) ListAuctions(ctx context.Context) ([]*auction.Auction, error) {
	merged := make(map[string]*auction.Auction)

	if s.connected.Load() {
		keys, err := s.scanAuctionKeys(ctx)
		if err != nil {
			s.markDisconnected("list_auctions", err)
		} else if len(keys) > 0 {
			opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
			vals, err := s.client.MGet(opCtx, keys...).Result()
			cancel()
			if err != nil {
				s.markDisconnected("list_auctions", err)
			} else {
				for i, v := range vals {
					str, ok := v.(string)
					if !ok {
						continue
					}
					var a auction.Auction
					if uerr := json.Unmarshal([]byte(str), &a); uerr != nil {
						s.logger.Warn("skipping undecodable auction record",
							zap.String("key", keys[i]),
							zap.Error(uerr))
						continue
					}
					merged[a.ID] = &a
				}
			}
		}
	}

	// dirty fallback entries are newer than their durable copies
	for _, a := range s.fallback.listAuctions() {
		merged[a.ID] = a
	}

	out := make([]*auction.Auction, 0, len(merged))
	for _, a := range merged {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAtMS < out[j].CreatedAtMS
	})
	return out, nil
}

func (s *RedisStore) scanAuctionKeys(ctx context.Context) ([]string, error) {
	opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	var keys []string
	iter := s.client.Scan(opCtx, 0, auctionKeyPattern, 100).Iterator()
	for iter.Next(opCtx) {
		keys = append(keys, iter.Val())
	}
	return keys, iter.Err()
}

// SaveCredentials stores the sealed credential blob
func (s *RedisStore) SaveCredentials(ctx context.Context, sealed []byte) error {
	if s.connected.Load() {
		opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
		err := s.client.Set(opCtx, credentialsKey, sealed, CredentialsTTL).Err()
		cancel()
		if err == nil {
			s.fallback.clearCredentials()
			return nil
		}
		s.markDisconnected("save_credentials", err)
	}

	s.fallback.setCredentials(sealed)
	metrics.RecordStoreFallbackWrite("save_credentials")
	return nil
}

// GetCredentials returns the sealed blob, or nil when none is stored
func (s *RedisStore) GetCredentials(ctx context.Context) ([]byte, error) {
	if sealed, ok := s.fallback.getCredentials(); ok {
		if len(sealed) == 0 {
			// tombstone from a clear during an outage
			return nil, nil
		}
		return sealed, nil
	}

	if s.connected.Load() {
		opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
		data, err := s.client.Get(opCtx, credentialsKey).Bytes()
		cancel()
		switch {
		case err == nil:
			return data, nil
		case errors.Is(err, redis.Nil):
			return nil, nil
		default:
			s.markDisconnected("get_credentials", err)
		}
	}

	return nil, nil
}

// ClearCredentials removes the stored blob
func (s *RedisStore) ClearCredentials(ctx context.Context) error {
	if s.connected.Load() {
		opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
		err := s.client.Del(opCtx, credentialsKey).Err()
		cancel()
		if err == nil {
			s.fallback.clearCredentials()
			return nil
		}
		s.markDisconnected("clear_credentials", err)
	}

	// empty blob acts as a tombstone until the durable delete can happen
	s.fallback.setCredentials(nil)
	metrics.RecordStoreFallbackWrite("clear_credentials")
	return nil
}

// SaveSettings persists the global settings
func (s *RedisStore) SaveSettings(ctx context.Context, settings auction.Settings) error {
	data, err := json.Marshal(settings)
	if err != nil {
		s.logger.Error("settings marshal failed", zap.Error(err))
		return apperrors.NewStoreError("save_settings", err)
	}

	if s.connected.Load() {
		opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
		err = s.client.Set(opCtx, settingsKey, data, 0).Err()
		cancel()
		if err == nil {
			s.fallback.clearSettings()
			return nil
		}
		s.markDisconnected("save_settings", err)
	}

	s.fallback.setSettings(settings)
	metrics.RecordStoreFallbackWrite("save_settings")
	return nil
}

// GetSettings returns stored settings, or built-in defaults when absent
func (s *RedisStore) GetSettings(ctx context.Context) (auction.Settings, error) {
	if settings, ok := s.fallback.getSettings(); ok {
		settings.Normalize()
		return settings, nil
	}

	if s.connected.Load() {
		opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
		data, err := s.client.Get(opCtx, settingsKey).Bytes()
		cancel()
		switch {
		case err == nil:
			var settings auction.Settings
			if uerr := json.Unmarshal(data, &settings); uerr != nil {
				s.logger.Error("settings unmarshal failed", zap.Error(uerr))
				return auction.DefaultSettings(), apperrors.NewStoreError("get_settings", uerr)
			}
			settings.Normalize()
			return settings, nil
		case errors.Is(err, redis.Nil):
			return auction.DefaultSettings(), nil
		default:
			s.markDisconnected("get_settings", err)
		}
	}

	return auction.DefaultSettings(), nil
}

// AppendBidHistory appends an entry and trims to the newest entries
func (s *RedisStore) AppendBidHistory(ctx context.Context, id string, e auction.BidHistoryEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		s.logger.Error("bid history marshal failed", zap.String("auction_id", id), zap.Error(err))
		return apperrors.NewStoreError("append_bid_history", err)
	}

	if s.connected.Load() {
		opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
		pipe := s.client.TxPipeline()
		pipe.ZAdd(opCtx, bidHistoryKey(id), redis.Z{Score: float64(e.TSMillis), Member: data})
		pipe.ZRemRangeByRank(opCtx, bidHistoryKey(id), 0, int64(-(BidHistoryMax + 1)))
		pipe.Expire(opCtx, bidHistoryKey(id), BidHistoryTTL)
		_, err = pipe.Exec(opCtx)
		cancel()
		if err == nil {
			return nil
		}
		s.markDisconnected("append_bid_history", err)
	}

	s.fallback.appendHistory(id, e)
	metrics.RecordStoreFallbackWrite("append_bid_history")
	return nil
}

// GetBidHistory returns entries newest first
func (s *RedisStore) GetBidHistory(ctx context.Context, id string, limit int) ([]auction.BidHistoryEntry, error) {
	if limit <= 0 || limit > BidHistoryMax {
		limit = BidHistoryMax
	}

	entries := s.fallback.getHistory(id, 0)

	if s.connected.Load() {
		opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
		vals, err := s.client.ZRevRange(opCtx, bidHistoryKey(id), 0, int64(limit-1)).Result()
		cancel()
		if err != nil {
			s.markDisconnected("get_bid_history", err)
		} else {
			for _, v := range vals {
				var e auction.BidHistoryEntry
				if uerr := json.Unmarshal([]byte(v), &e); uerr != nil {
					s.logger.Warn("skipping undecodable bid history entry",
						zap.String("auction_id", id),
						zap.Error(uerr))
					continue
				}
				entries = append(entries, e)
			}
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].TSMillis > entries[j].TSMillis
	})
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// Events exposes connectivity transitions for observability
func (s *RedisStore) Events() <-chan Event {
	return s.events
}

// Stats reports backend connectivity and fallback occupancy
func (s *RedisStore) Stats() Stats {
	auctions, history := s.fallback.counts()
	return Stats{
		Connected:        s.connected.Load(),
		FallbackAuctions: auctions,
		FallbackHistory:  history,
	}
}

// Close stops the reconnector and releases the client
func (s *RedisStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
		if cerr := s.client.Close(); cerr != nil {
			s.logger.Error("redis close failed", zap.Error(cerr))
			err = fmt.Errorf("redis close failed: %w", cerr)
			return
		}
		s.logger.Info("store closed")
	})
	return err
}

func (s *RedisStore) emit(kind EventKind) {
	select {
	case s.events <- Event{Kind: kind, At: time.Now()}:
	default:
	}
}

func (s *RedisStore) triggerReconnect() {
	select {
	case s.reconnect <- struct{}{}:
	default:
	}
}

// markDisconnected flips the store into fallback mode and wakes the
// reconnector. Caller-initiated cancellation is not a backend failure.
func (s *RedisStore) markDisconnected(op string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	if s.connected.CompareAndSwap(true, false) {
		metrics.UpdateStoreConnected(false)
		s.emit(EventDisconnected)
		s.logger.Warn("durable store unreachable, using fallback",
			zap.String("op", op),
			zap.Error(err))
	}
	s.triggerReconnect()
}

// reconnectLoop pings the backend with exponential backoff capped at 30s,
// forever, whenever the store drops into fallback mode.
func (s *RedisStore) reconnectLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.reconnect:
		}
		if s.connected.Load() {
			continue
		}

		backoff := time.Second
		for {
			if ctx.Err() != nil {
				return
			}
			pingCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
			err := s.client.Ping(pingCtx).Err()
			cancel()
			if err == nil {
				s.connected.Store(true)
				metrics.UpdateStoreConnected(true)
				s.emit(EventReady)
				s.logger.Info("durable store reconnected")
				break
			}

			s.logger.Debug("durable store still unreachable",
				zap.Duration("retry_in", backoff),
				zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > 30*time.Second {
				backoff = 30 * time.Second
			}
		}
	}
}
