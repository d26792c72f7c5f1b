package rest

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/nellis-auction-tracker/internal/domain/auction"
	"github.com/davidleathers/nellis-auction-tracker/internal/domain/errors"
	"github.com/davidleathers/nellis-auction-tracker/internal/domain/values"
)

// Monitor round-trips get a short deadline; bids run long enough to cover
// the upstream retry budget.
const (
	commandTimeout = 10 * time.Second
	bidTimeout     = 60 * time.Second
)

// maxBodyBytes bounds request bodies. Cookie headers are the largest
// legitimate payload and stay well under this.
const maxBodyBytes = 64 << 10

// errorBody is the wire shape for failures.
type errorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Field   string `json:"field,omitempty"`
}

type monitorRequest struct {
	Config   *auction.ConfigPatch `json:"config,omitempty"`
	Metadata *auction.Metadata    `json:"metadata,omitempty"`
}

type bidRequest struct {
	Amount int64 `json:"amount" validate:"required,gt=0"`
}

type authRequest struct {
	Cookies string `json:"cookies" validate:"required"`
}

type settingsRequest struct {
	Settings auction.Settings `json:"settings"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps a domain error onto the wire shape. Anything that
// normalizes to a 5xx is logged here with its cause; 4xx noise is not.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	app := errors.From(err)
	if app.StatusCode >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}
	writeJSON(w, app.StatusCode, errorBody{
		Error: app.Message,
		Code:  app.Code,
		Field: app.Field(),
	})
}

// decodeInto reads a bounded JSON body into dst. Fields absent from the
// body keep whatever dst already carries, which is how partial settings
// updates merge.
func decodeInto(r *http.Request, dst interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return errors.NewValidationError("INVALID_BODY", "could not read request body")
	}
	if len(body) > maxBodyBytes {
		return errors.NewValidationError("BODY_TOO_LARGE", "request body exceeds limit")
	}
	if len(body) == 0 {
		return errors.NewValidationError("INVALID_BODY", "request body is required")
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return errors.NewValidationError("INVALID_JSON", "request body is not valid JSON")
	}
	return nil
}

// decodeOptional is decodeInto for endpoints where an absent body means
// "all defaults".
func decodeOptional(r *http.Request, dst interface{}) error {
	err := decodeInto(r, dst)
	if app, ok := err.(*errors.AppError); ok && app.Code == "INVALID_BODY" {
		return nil
	}
	return err
}

// auctionID validates the {id} path segment before it reaches the core.
func auctionID(r *http.Request) (string, error) {
	id := r.PathValue("id")
	if !auction.IsValidID(id) {
		return "", errors.NewValidationError("INVALID_AUCTION_ID", "auction id is malformed").WithField("id")
	}
	return id, nil
}

func (s *Server) handleListAuctions(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()

	auctions := s.deps.Core.List(ctx)
	if auctions == nil {
		auctions = []*auction.Auction{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"auctions": auctions,
		"count":    len(auctions),
	})
}

func (s *Server) handleGetAuction(w http.ResponseWriter, r *http.Request) {
	id, err := auctionID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()

	a, ok := s.deps.Core.Get(ctx, id)
	if !ok {
		s.writeError(w, errors.ErrNotMonitored)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"auction": a,
	})
}

func (s *Server) handleStartMonitoring(w http.ResponseWriter, r *http.Request) {
	id, err := auctionID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req monitorRequest
	if err := decodeOptional(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	var patch auction.ConfigPatch
	if req.Config != nil {
		patch = *req.Config
	}
	var meta auction.Metadata
	if req.Metadata != nil {
		meta = *req.Metadata
	}

	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()
	if err := s.deps.Core.Add(ctx, id, patch, meta); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (s *Server) handleStopMonitoring(w http.ResponseWriter, r *http.Request) {
	id, err := auctionID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()

	ok, err := s.deps.Core.Remove(ctx, id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	// Removal is idempotent: a second delete reports success=false, not 404.
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": ok})
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	id, err := auctionID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var patch auction.ConfigPatch
	if err := decodeInto(r, &patch); err != nil {
		s.writeError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()
	if err := s.deps.Core.UpdateConfig(ctx, id, patch); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (s *Server) handlePlaceBid(w http.ResponseWriter, r *http.Request) {
	id, err := auctionID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req bidRequest
	if err := decodeInto(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.writeError(w, errors.NewValidationError("INVALID_AMOUNT", "bid amount must be a positive integer").WithField("amount"))
		return
	}
	amount, err := values.NewBidAmount(req.Amount)
	if err != nil {
		s.writeError(w, errors.NewValidationError("INVALID_AMOUNT", err.Error()).WithField("amount"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), bidTimeout)
	defer cancel()
	result, err := s.deps.Core.PlaceBid(ctx, id, amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"result":  result,
	})
}

func (s *Server) handleBidHistory(w http.ResponseWriter, r *http.Request) {
	id, err := auctionID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.writeError(w, errors.NewValidationError("INVALID_LIMIT", "limit must be a positive integer").WithField("limit"))
			return
		}
		limit = n
	}

	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()
	history, err := s.deps.Store.GetBidHistory(ctx, id, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if history == nil {
		history = []auction.BidHistoryEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"history": history,
	})
}

// handleSetCredentials stores a new marketplace cookie header and probes
// the session it establishes. Storage succeeding is enough for success;
// the probe outcome rides along so the operator sees a dead session
// immediately.
func (s *Server) handleSetCredentials(w http.ResponseWriter, r *http.Request) {
	var req authRequest
	if err := decodeInto(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.writeError(w, errors.NewValidationError("INVALID_COOKIES", "cookies must not be empty").WithField("cookies"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()
	if err := s.deps.Creds.Set(ctx, req.Cookies); err != nil {
		s.writeError(w, err)
		return
	}

	valid, err := s.deps.Upstream.ValidateSession(ctx)
	if err != nil {
		s.logger.Warn("session validation failed after credential update", zap.Error(err))
		valid = false
	}

	status := s.deps.Creds.Status()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":       true,
		"session_valid": valid,
		"cookie_count":  status.CookieCount,
	})
}

func (s *Server) handleClearCredentials(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()
	if err := s.deps.Creds.Clear(ctx); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Creds.Status())
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"settings": s.deps.Core.Settings(),
	})
}

// handleUpdateSettings merges the posted fields over the current global
// defaults, persists the result, swaps it into the monitor, and tells
// connected dashboards.
func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	req := settingsRequest{Settings: s.deps.Core.Settings()}
	if err := decodeInto(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	next := req.Settings
	next.Normalize()

	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()
	if err := s.deps.Store.SaveSettings(ctx, next); err != nil {
		s.writeError(w, err)
		return
	}
	s.deps.Core.ApplySettings(next)
	s.deps.Hub.BroadcastSettings(next)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"settings": next,
	})
}
