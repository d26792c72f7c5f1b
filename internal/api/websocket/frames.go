package websocket

import (
	"github.com/davidleathers/nellis-auction-tracker/internal/domain/auction"
	"github.com/davidleathers/nellis-auction-tracker/internal/domain/values"
	"github.com/davidleathers/nellis-auction-tracker/internal/service/monitor"
)

// Client command types. Every inbound frame carries one of these in its
// "type" field; anything else earns an UNKNOWN_TYPE error frame.
const (
	cmdAuthenticate    = "authenticate"
	cmdSubscribe       = "subscribe"
	cmdUnsubscribe     = "unsubscribe"
	cmdStartMonitoring = "startMonitoring"
	cmdStopMonitoring  = "stopMonitoring"
	cmdUpdateConfig    = "updateConfig"
	cmdPlaceBid        = "placeBid"
	cmdGetMonitored    = "getMonitoredAuctions"
	cmdPing            = "ping"
)

// Server frame types.
const (
	frameConnected       = "connected"
	frameAuthenticated   = "authenticated"
	frameAuctionState    = "auctionState"
	frameAuctionUpdate   = "auctionUpdate"
	frameResponse        = "response"
	frameBidResult       = "bidResult"
	frameError           = "error"
	framePong            = "pong"
	frameSettingsUpdated = "settingsUpdated"
)

// clientFrame is the envelope for every inbound message. Only type is
// mandatory; the remaining fields are read per command. requestId, when
// present, echoes back on the targeted reply so callers can correlate.
type clientFrame struct {
	Type      string               `json:"type"`
	RequestID string               `json:"requestId,omitempty"`
	Token     string               `json:"token,omitempty"`
	AuctionID string               `json:"auctionId,omitempty"`
	Amount    *int64               `json:"amount,omitempty"`
	Config    *auction.ConfigPatch `json:"config,omitempty"`
	Metadata  *auction.Metadata    `json:"metadata,omitempty"`
}

// connectedFrame is the welcome sent as soon as a session registers.
type connectedFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

type authenticatedFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	Success   bool   `json:"success"`
}

// stateFrame carries a full auction record. Pushed to every authenticated
// session on each persisted state change, and once per monitored auction
// right after a session authenticates.
type stateFrame struct {
	Type    string           `json:"type"`
	Auction *auction.Auction `json:"auction"`
}

// updateFrame carries a targeted event (bid movement, outbid, ended) and
// only reaches sessions subscribed to the auction.
type updateFrame struct {
	Type      string         `json:"type"`
	AuctionID string         `json:"auctionId"`
	Update    monitor.Update `json:"update"`
}

type responseFrame struct {
	Type      string      `json:"type"`
	RequestID string      `json:"requestId,omitempty"`
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
}

type bidResultFrame struct {
	Type      string           `json:"type"`
	RequestID string           `json:"requestId,omitempty"`
	AuctionID string           `json:"auctionId"`
	Success   bool             `json:"success"`
	Amount    values.BidAmount `json:"amount"`
	Message   string           `json:"message,omitempty"`
	Code      string           `json:"code,omitempty"`
}

type errorFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

type pongFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	TS        int64  `json:"ts"`
}

type settingsFrame struct {
	Type     string           `json:"type"`
	Settings auction.Settings `json:"settings"`
}
