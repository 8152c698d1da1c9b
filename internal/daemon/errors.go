package daemon

import (
	"errors"
	"net/http"

	"github.com/shurlinet/parley/pkg/p2pchat"
)

var (
	// ErrDaemonAlreadyRunning is returned when trying to start a daemon
	// while another instance is already running on the same socket.
	ErrDaemonAlreadyRunning = errors.New("daemon already running")

	// ErrDaemonNotRunning is returned when trying to connect to a daemon
	// that is not running (socket file does not exist).
	ErrDaemonNotRunning = errors.New("daemon not running")

	// ErrUnauthorized is returned when a request lacks valid authentication.
	ErrUnauthorized = errors.New("unauthorized")
)

// statusForError maps node errors to HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, p2pchat.ErrInvalidAddress),
		errors.Is(err, p2pchat.ErrInvalidRoomName),
		errors.Is(err, p2pchat.ErrEmptyMessage),
		errors.Is(err, p2pchat.ErrInvalidMessage),
		errors.Is(err, p2pchat.ErrMessageTooLarge):
		return http.StatusBadRequest
	case errors.Is(err, p2pchat.ErrNotJoined),
		errors.Is(err, p2pchat.ErrNotInitialized),
		errors.Is(err, p2pchat.ErrAlreadyDialing):
		return http.StatusConflict
	case errors.Is(err, p2pchat.ErrDialTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, p2pchat.ErrUnreachablePeer):
		return http.StatusBadGateway
	case errors.Is(err, p2pchat.ErrTransportBind):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// RemoteError is a failure reported by the daemon. It unwraps to the
// matching p2pchat sentinel so errors.Is works on the client side.
type RemoteError struct {
	Status  int
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return "daemon: " + e.Message
}

func (e *RemoteError) Unwrap() error {
	if e.Status == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	return p2pchat.ErrorForCode(e.Code)
}
