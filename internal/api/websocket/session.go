package websocket

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/davidleathers/nellis-auction-tracker/internal/domain/auction"
	"github.com/davidleathers/nellis-auction-tracker/internal/domain/errors"
	"github.com/davidleathers/nellis-auction-tracker/internal/domain/values"
	"github.com/davidleathers/nellis-auction-tracker/internal/metrics"
)

// Core calls run on the session's read goroutine, so they carry their own
// deadlines instead of the upgrade request's context (which dies when the
// handler returns). Bids get longer because the upstream client retries.
const (
	commandTimeout = 10 * time.Second
	bidTimeout     = 60 * time.Second
)

// Session is one WebSocket connection. The hub fans frames into send; the
// session's own WritePump is the only goroutine that touches the conn for
// writes. closed signals teardown instead of closing send, so concurrent
// enqueues can never hit a closed channel.
type Session struct {
	ID   uuid.UUID
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	closed    chan struct{}

	mu            sync.RWMutex
	authenticated bool
	subscriptions map[string]struct{}
}

func newSession(h *Hub, conn *websocket.Conn) *Session {
	return &Session{
		ID:            uuid.New(),
		hub:           h,
		conn:          conn,
		send:          make(chan []byte, h.cfg.SendBuffer),
		closed:        make(chan struct{}),
		subscriptions: make(map[string]struct{}),
	}
}

func (s *Session) close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

func (s *Session) isAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authenticated
}

func (s *Session) setAuthenticated() {
	s.mu.Lock()
	s.authenticated = true
	s.mu.Unlock()
}

func (s *Session) isSubscribed(auctionID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.subscriptions[auctionID]
	return ok
}

func (s *Session) subscribe(auctionID string) {
	s.mu.Lock()
	s.subscriptions[auctionID] = struct{}{}
	s.mu.Unlock()
}

func (s *Session) unsubscribe(auctionID string) {
	s.mu.Lock()
	delete(s.subscriptions, auctionID)
	s.mu.Unlock()
}

// enqueue hands a marshaled frame to the write pump without ever blocking.
func (s *Session) enqueue(payload []byte) bool {
	select {
	case <-s.closed:
		return false
	default:
	}
	select {
	case s.send <- payload:
		return true
	case <-s.closed:
		return false
	default:
		metrics.RecordWSMessageDropped()
		return false
	}
}

func (s *Session) reply(frame interface{}) {
	payload, err := json.Marshal(frame)
	if err != nil {
		s.hub.logger.Error("marshal frame", zap.Error(err))
		return
	}
	if !s.enqueue(payload) {
		s.hub.logger.Warn("send buffer full, dropping reply",
			zap.String("session_id", s.ID.String()))
	}
}

func (s *Session) replyError(requestID, code, message string) {
	s.reply(errorFrame{Type: frameError, RequestID: requestID, Code: code, Message: message})
}

func (s *Session) replyAppError(requestID string, err error) {
	app := errors.From(err)
	s.replyError(requestID, app.Code, app.Message)
}

// ReadPump consumes frames until the connection drops, then unregisters the
// session. Runs as its own goroutine per connection.
func (s *Session) ReadPump() {
	defer func() {
		s.hub.dropSession(s)
		s.conn.Close()
	}()
	s.conn.SetReadLimit(s.hub.cfg.MaxPayloadBytes)
	s.conn.SetReadDeadline(time.Now().Add(s.hub.cfg.PongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(s.hub.cfg.PongWait))
		return nil
	})
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure) {
				s.hub.logger.Warn("websocket read failed",
					zap.String("session_id", s.ID.String()),
					zap.Error(err))
			}
			return
		}
		s.handleFrame(raw)
	}
}

// WritePump owns all writes on the connection: queued frames, pings, and
// the close handshake. Runs as its own goroutine per connection.
func (s *Session) WritePump() {
	ticker := time.NewTicker(s.hub.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()
	for {
		select {
		case payload := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(s.hub.cfg.WriteWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(s.hub.cfg.WriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.closed:
			s.conn.SetWriteDeadline(time.Now().Add(s.hub.cfg.WriteWait))
			s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (s *Session) handleFrame(raw []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			s.hub.logger.Error("frame handler panicked",
				zap.String("session_id", s.ID.String()),
				zap.Any("panic", rec),
				zap.Stack("stack"))
			s.replyError("", "INTERNAL_ERROR", "an unexpected error occurred")
		}
	}()

	var f clientFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		s.replyError("", "INVALID_FRAME", "malformed frame")
		return
	}
	switch f.Type {
	case cmdPing:
		s.reply(pongFrame{Type: framePong, RequestID: f.RequestID, TS: time.Now().UnixMilli()})
		return
	case cmdAuthenticate:
		s.handleAuthenticate(f)
		return
	}
	if !s.isAuthenticated() {
		s.replyError(f.RequestID, "UNAUTHORIZED", "authenticate first")
		return
	}
	switch f.Type {
	case cmdSubscribe:
		s.handleSubscribe(f)
	case cmdUnsubscribe:
		s.handleUnsubscribe(f)
	case cmdStartMonitoring:
		s.handleStartMonitoring(f)
	case cmdStopMonitoring:
		s.handleStopMonitoring(f)
	case cmdUpdateConfig:
		s.handleUpdateConfig(f)
	case cmdPlaceBid:
		s.handlePlaceBid(f)
	case cmdGetMonitored:
		s.handleGetMonitored(f)
	default:
		s.replyError(f.RequestID, "UNKNOWN_TYPE", fmt.Sprintf("unknown frame type %q", f.Type))
	}
}

func (s *Session) handleAuthenticate(f clientFrame) {
	if subtle.ConstantTimeCompare([]byte(f.Token), []byte(s.hub.token)) != 1 {
		s.hub.logger.Warn("authentication rejected",
			zap.String("session_id", s.ID.String()))
		s.replyError(f.RequestID, "UNAUTHORIZED", "invalid token")
		return
	}
	s.setAuthenticated()
	s.reply(authenticatedFrame{Type: frameAuthenticated, RequestID: f.RequestID, Success: true})
	// Bring the freshly authenticated session up to date with one state
	// frame per monitored auction.
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	for _, a := range s.hub.core.List(ctx) {
		s.reply(stateFrame{Type: frameAuctionState, Auction: a})
	}
}

func (s *Session) handleSubscribe(f clientFrame) {
	if !auction.IsValidID(f.AuctionID) {
		s.replyError(f.RequestID, "INVALID_AUCTION_ID", "auctionId must match [A-Za-z0-9_-]{1,64}")
		return
	}
	s.subscribe(f.AuctionID)
	s.reply(responseFrame{Type: frameResponse, RequestID: f.RequestID, Success: true})
}

func (s *Session) handleUnsubscribe(f clientFrame) {
	if !auction.IsValidID(f.AuctionID) {
		s.replyError(f.RequestID, "INVALID_AUCTION_ID", "auctionId must match [A-Za-z0-9_-]{1,64}")
		return
	}
	s.unsubscribe(f.AuctionID)
	s.reply(responseFrame{Type: frameResponse, RequestID: f.RequestID, Success: true})
}

func (s *Session) handleStartMonitoring(f clientFrame) {
	if !auction.IsValidID(f.AuctionID) {
		s.replyError(f.RequestID, "INVALID_AUCTION_ID", "auctionId must match [A-Za-z0-9_-]{1,64}")
		return
	}
	var patch auction.ConfigPatch
	if f.Config != nil {
		patch = *f.Config
	}
	var meta auction.Metadata
	if f.Metadata != nil {
		meta = *f.Metadata
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if err := s.hub.core.Add(ctx, f.AuctionID, patch, meta); err != nil {
		s.replyAppError(f.RequestID, err)
		return
	}
	// The starter is subscribed to its auction's targeted events.
	s.subscribe(f.AuctionID)
	s.reply(responseFrame{Type: frameResponse, RequestID: f.RequestID, Success: true})
}

func (s *Session) handleStopMonitoring(f clientFrame) {
	if !auction.IsValidID(f.AuctionID) {
		s.replyError(f.RequestID, "INVALID_AUCTION_ID", "auctionId must match [A-Za-z0-9_-]{1,64}")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	removed, err := s.hub.core.Remove(ctx, f.AuctionID)
	if err != nil {
		s.replyAppError(f.RequestID, err)
		return
	}
	s.unsubscribe(f.AuctionID)
	s.reply(responseFrame{
		Type:      frameResponse,
		RequestID: f.RequestID,
		Success:   true,
		Data:      map[string]interface{}{"removed": removed},
	})
}

func (s *Session) handleUpdateConfig(f clientFrame) {
	if !auction.IsValidID(f.AuctionID) {
		s.replyError(f.RequestID, "INVALID_AUCTION_ID", "auctionId must match [A-Za-z0-9_-]{1,64}")
		return
	}
	if f.Config == nil {
		s.replyError(f.RequestID, "INVALID_CONFIG", "config is required")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if err := s.hub.core.UpdateConfig(ctx, f.AuctionID, *f.Config); err != nil {
		s.replyAppError(f.RequestID, err)
		return
	}
	s.reply(responseFrame{Type: frameResponse, RequestID: f.RequestID, Success: true})
}

func (s *Session) handlePlaceBid(f clientFrame) {
	if !auction.IsValidID(f.AuctionID) {
		s.replyError(f.RequestID, "INVALID_AUCTION_ID", "auctionId must match [A-Za-z0-9_-]{1,64}")
		return
	}
	if f.Amount == nil {
		s.replyError(f.RequestID, "INVALID_AMOUNT", "amount is required")
		return
	}
	amount, err := values.NewBidAmount(*f.Amount)
	if err != nil {
		s.replyError(f.RequestID, "INVALID_AMOUNT", err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), bidTimeout)
	defer cancel()
	result, err := s.hub.core.PlaceBid(ctx, f.AuctionID, amount)
	if err != nil {
		app := errors.From(err)
		s.reply(bidResultFrame{
			Type:      frameBidResult,
			RequestID: f.RequestID,
			AuctionID: f.AuctionID,
			Success:   false,
			Message:   app.Message,
			Code:      app.Code,
		})
		return
	}
	s.reply(bidResultFrame{
		Type:      frameBidResult,
		RequestID: f.RequestID,
		AuctionID: f.AuctionID,
		Success:   true,
		Amount:    result.Amount,
		Message:   result.Message,
	})
}

func (s *Session) handleGetMonitored(f clientFrame) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	auctions := s.hub.core.List(ctx)
	s.reply(responseFrame{
		Type:      frameResponse,
		RequestID: f.RequestID,
		Success:   true,
		Data:      map[string]interface{}{"auctions": auctions},
	})
}
