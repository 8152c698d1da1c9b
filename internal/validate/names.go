package validate

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

const (
	// MaxRoomNameBytes caps the normalized room name so topic names stay short.
	MaxRoomNameBytes = 128

	// MaxNetworkNameBytes is the DNS label limit. The network name ends up
	// in the DHT protocol ID /parley/<network>/kad/1.0.0.
	MaxNetworkNameBytes = 63
)

// cleanName is the first step for every user-supplied name: valid UTF-8,
// NFC-normalized, trimmed and non-empty. Failures wrap kind.
func cleanName(name string, kind error) (string, error) {
	if !utf8.ValidString(name) {
		return "", fmt.Errorf("%w: not valid UTF-8", kind)
	}
	n := strings.TrimSpace(norm.NFC.String(name))
	if n == "" {
		return "", fmt.Errorf("%w: name cannot be empty", kind)
	}
	return n, nil
}

// RoomName trims and NFC-normalizes a room name and checks that the result
// is at most MaxRoomNameBytes long and free of control characters. Two
// spellings of the same name (composed or decomposed accents, surrounding
// spaces) map to the same room.
func RoomName(name string) (string, error) {
	n, err := cleanName(name, ErrInvalidRoomName)
	if err != nil {
		return "", err
	}
	if len(n) > MaxRoomNameBytes {
		return "", fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrInvalidRoomName, len(n), MaxRoomNameBytes)
	}
	for _, r := range n {
		if unicode.IsControl(r) {
			return "", fmt.Errorf("%w: contains control character %U", ErrInvalidRoomName, r)
		}
	}
	return n, nil
}

// NetworkName normalizes a discovery network name the way RoomName does,
// folds it to lower case and checks it is a DNS label: ASCII letters,
// digits and inner hyphens. Nodes only find each other's rooms when their
// normalized network names match.
func NetworkName(name string) (string, error) {
	n, err := cleanName(name, ErrInvalidNetworkName)
	if err != nil {
		return "", err
	}
	n = strings.ToLower(n)
	if len(n) > MaxNetworkNameBytes {
		return "", fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrInvalidNetworkName, len(n), MaxNetworkNameBytes)
	}
	if n[0] == '-' || n[len(n)-1] == '-' {
		return "", fmt.Errorf("%w: %q cannot start or end with a hyphen", ErrInvalidNetworkName, n)
	}
	for _, r := range n {
		if !isLabelRune(r) {
			return "", fmt.Errorf("%w: %q contains %q; use a-z, 0-9 and hyphens", ErrInvalidNetworkName, n, r)
		}
	}
	return n, nil
}

func isLabelRune(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-'
}
