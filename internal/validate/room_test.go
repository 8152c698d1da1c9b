package validate

import (
	"errors"
	"strings"
	"testing"
	"unicode"

	"golang.org/x/text/unicode/norm"
	"pgregory.net/rapid"
)

func TestRoomName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"lobby", "lobby"},
		{"  lobby  ", "lobby"},
		{"General Chat", "General Chat"},
		{"café", "café"},
		{"cafe\u0301", "caf\u00e9"}, // decomposed accent folds to composed
		{"日本語", "日本語"},
		{strings.Repeat("a", MaxRoomNameBytes), strings.Repeat("a", MaxRoomNameBytes)},
	}
	for _, tt := range tests {
		got, err := RoomName(tt.in)
		if err != nil {
			t.Errorf("RoomName(%q) error = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("RoomName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	invalid := []struct {
		in   string
		desc string
	}{
		{"", "empty"},
		{"   ", "whitespace only"},
		{"\t\n", "tabs and newlines"},
		{"bad\x00name", "NUL"},
		{"line\nbreak", "embedded newline"},
		{"\xff\xfe", "invalid UTF-8"},
		{strings.Repeat("a", MaxRoomNameBytes+1), "too long"},
	}
	for _, tt := range invalid {
		if _, err := RoomName(tt.in); !errors.Is(err, ErrInvalidRoomName) {
			t.Errorf("RoomName(%s) error = %v, want ErrInvalidRoomName", tt.desc, err)
		}
	}
}

func TestRoomNameProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		in := rapid.String().Draw(t, "name")
		got, err := RoomName(in)
		if err != nil {
			if !errors.Is(err, ErrInvalidRoomName) {
				t.Fatalf("RoomName(%q) error %v does not wrap ErrInvalidRoomName", in, err)
			}
			return
		}
		if got == "" || len(got) > MaxRoomNameBytes {
			t.Fatalf("RoomName(%q) = %q violates length bounds", in, got)
		}
		if got != strings.TrimSpace(got) {
			t.Fatalf("RoomName(%q) = %q is not trimmed", in, got)
		}
		if !norm.NFC.IsNormalString(got) {
			t.Fatalf("RoomName(%q) = %q is not NFC", in, got)
		}
		for _, r := range got {
			if unicode.IsControl(r) {
				t.Fatalf("RoomName(%q) = %q contains control rune", in, got)
			}
		}
		again, err := RoomName(got)
		if err != nil || again != got {
			t.Fatalf("RoomName not idempotent: %q -> %q (%v)", got, again, err)
		}
	})
}
