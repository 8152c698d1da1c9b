package p2pchat

import "errors"

var (
	// ErrTransportBind is returned when the host cannot bind any of its
	// configured listen addresses.
	ErrTransportBind = errors.New("transport bind failed")

	// ErrInvalidAddress is returned for peer addresses that do not parse as a
	// multiaddr ending in /p2p/<peer id>, or that point at this node.
	ErrInvalidAddress = errors.New("invalid peer address")

	// ErrDialTimeout is returned when a dial does not complete within the
	// configured dial timeout.
	ErrDialTimeout = errors.New("dial timed out")

	// ErrUnreachablePeer is returned when a dial fails for any reason other
	// than the timeout (refused, no route, handshake failure).
	ErrUnreachablePeer = errors.New("peer unreachable")

	// ErrAlreadyDialing is returned when a dial to the same address is
	// already in flight.
	ErrAlreadyDialing = errors.New("already dialing address")

	// ErrInvalidRoomName is returned when a room name is empty after
	// trimming or fails validation.
	ErrInvalidRoomName = errors.New("invalid room name")

	// ErrEmptyMessage is returned when a message has no content.
	ErrEmptyMessage = errors.New("empty message")

	// ErrInvalidMessage is returned when message content is not valid UTF-8.
	ErrInvalidMessage = errors.New("invalid message encoding")

	// ErrMessageTooLarge is returned when a message exceeds the configured
	// size limit.
	ErrMessageTooLarge = errors.New("message too large")

	// ErrNotJoined is returned when sending before any room was joined.
	ErrNotJoined = errors.New("not joined to a room")

	// ErrNotInitialized is returned by commands that need a running host
	// before Init has succeeded.
	ErrNotInitialized = errors.New("node not initialized")
)

// Wire names for the error taxonomy. These are stable and shared with
// daemon clients.
const (
	CodeTransportBind   = "TransportBindError"
	CodeInvalidAddress  = "InvalidAddressError"
	CodeDialTimeout     = "DialTimeoutError"
	CodeUnreachablePeer = "UnreachablePeerError"
	CodeAlreadyDialing  = "AlreadyDialingError"
	CodeInvalidRoomName = "InvalidRoomNameError"
	CodeEmptyMessage    = "EmptyMessageError"
	CodeInvalidMessage  = "InvalidMessageError"
	CodeMessageTooLarge = "MessageTooLargeError"
	CodeNotJoined       = "NotJoinedError"
	CodeNotInitialized  = "NotInitializedError"
)

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrTransportBind, CodeTransportBind},
	{ErrInvalidAddress, CodeInvalidAddress},
	{ErrDialTimeout, CodeDialTimeout},
	{ErrUnreachablePeer, CodeUnreachablePeer},
	{ErrAlreadyDialing, CodeAlreadyDialing},
	{ErrInvalidRoomName, CodeInvalidRoomName},
	{ErrEmptyMessage, CodeEmptyMessage},
	{ErrInvalidMessage, CodeInvalidMessage},
	{ErrMessageTooLarge, CodeMessageTooLarge},
	{ErrNotJoined, CodeNotJoined},
	{ErrNotInitialized, CodeNotInitialized},
}

// ErrorCode returns the taxonomy name for err, or "" if err does not wrap
// one of the package sentinels.
func ErrorCode(err error) string {
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return ""
}

// ErrorForCode returns the sentinel for a taxonomy name, or nil.
func ErrorForCode(code string) error {
	for _, ec := range errorCodes {
		if ec.code == code {
			return ec.err
		}
	}
	return nil
}
