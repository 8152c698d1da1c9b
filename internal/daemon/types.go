package daemon

import "encoding/json"

// StatusResponse is returned by GET /v1/status.
type StatusResponse struct {
	PeerID         string `json:"peer_id"`
	Version        string `json:"version"`
	UptimeSeconds  int    `json:"uptime_seconds"`
	Initialized    bool   `json:"initialized"`
	ConnectedPeers int    `json:"connected_peers"`
	Room           string `json:"room,omitempty"`
	RoomMembers    int    `json:"room_members"`
}

// InitResponse is returned by POST /v1/init.
type InitResponse struct {
	PeerID string `json:"peer_id"`
}

// MessageRequest is the body for POST /v1/message.
type MessageRequest struct {
	Message string `json:"message"`
}

// RoomRequest is the body for POST /v1/room.
type RoomRequest struct {
	RoomName string `json:"roomName"`
}

// ConnectRequest is the body for POST /v1/connect.
type ConnectRequest struct {
	Addr string `json:"addr"`
}

// BlocklistResponse is returned by POST /v1/blocklist/reload.
type BlocklistResponse struct {
	Blocked int `json:"blocked"`
}

// StreamEvent is one event read from GET /v1/events.
type StreamEvent struct {
	ID   string
	Type string
	Data json.RawMessage
}

// ErrorResponse is returned on failure. Code is the p2pchat error
// taxonomy name when the failure maps to one.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// DataResponse wraps a successful response.
type DataResponse struct {
	Data any `json:"data"`
}
