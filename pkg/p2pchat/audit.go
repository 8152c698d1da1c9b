package p2pchat

import (
	"log/slog"
)

// AuditLogger writes structured audit events for security-relevant actions.
// All methods are nil-safe: calling any method on a nil *AuditLogger is a no-op.
type AuditLogger struct {
	logger *slog.Logger
}

// NewAuditLogger creates an AuditLogger that writes to the given handler
// under the "audit" group.
func NewAuditLogger(handler slog.Handler) *AuditLogger {
	return &AuditLogger{
		logger: slog.New(handler).WithGroup("audit"),
	}
}

// PeerDial logs the outcome of an explicit connect_to_peer dial.
func (a *AuditLogger) PeerDial(peerID, addr, result string) {
	if a == nil {
		return
	}
	a.logger.Info("peer_dial",
		"peer", peerID,
		"addr", addr,
		"result", result,
	)
}

// RoomJoined logs a room switch.
func (a *AuditLogger) RoomJoined(room, previous string) {
	if a == nil {
		return
	}
	a.logger.Info("room_joined",
		"room", room,
		"previous", previous,
	)
}

// MessageRejected logs an inbound message the topic validator refused.
func (a *AuditLogger) MessageRejected(peerID, reason string) {
	if a == nil {
		return
	}
	a.logger.Warn("message_rejected",
		"peer", peerID,
		"reason", reason,
	)
}

// ConnectionDenied logs a connection refused because the peer is blocked.
func (a *AuditLogger) ConnectionDenied(peerID, direction string) {
	if a == nil {
		return
	}
	a.logger.Warn("connection_denied",
		"peer", peerID,
		"direction", direction,
	)
}

// DaemonAPIAccess logs an API request to the daemon.
func (a *AuditLogger) DaemonAPIAccess(method, path string, status int) {
	if a == nil {
		return
	}
	a.logger.Info("daemon_api_access",
		"method", method,
		"path", path,
		"status", status,
	)
}
