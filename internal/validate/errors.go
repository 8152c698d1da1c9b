package validate

import "errors"

var (
	// ErrInvalidRoomName is returned when a room name is empty after
	// trimming, too long, or contains control characters.
	ErrInvalidRoomName = errors.New("invalid room name")

	// ErrInvalidNetworkName is returned when a discovery network name is not
	// a DNS label after normalization.
	ErrInvalidNetworkName = errors.New("invalid network name")
)
