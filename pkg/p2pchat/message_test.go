package p2pchat

import (
	"errors"
	"testing"
	"time"
)

func TestEnvelopeRoundTripPreservesTimestamp(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 30, 0, 123456789, time.UTC)
	data, err := encodeEnvelope(Message{SenderID: "12D3KooWSender", Content: "hi", Timestamp: ts, Origin: OriginLocal})
	if err != nil {
		t.Fatalf("encodeEnvelope: %v", err)
	}
	m, err := decodeEnvelope(data)
	if err != nil {
		t.Fatalf("decodeEnvelope: %v", err)
	}
	if !m.Timestamp.Equal(ts) {
		t.Errorf("timestamp = %v, want %v", m.Timestamp, ts)
	}
	if m.Origin != OriginRemote {
		t.Errorf("decoded origin = %v, want remote", m.Origin)
	}
}

func TestDecodeEnvelopeRejects(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `hello`},
		{"wrong version", `{"v":2,"sender":"a","content":"x","ts":"2026-01-01T00:00:00Z"}`},
		{"missing sender", `{"v":1,"content":"x","ts":"2026-01-01T00:00:00Z"}`},
		{"empty content", `{"v":1,"sender":"a","content":"","ts":"2026-01-01T00:00:00Z"}`},
		{"missing timestamp", `{"v":1,"sender":"a","content":"x"}`},
		{"bad timestamp", `{"v":1,"sender":"a","content":"x","ts":"yesterday"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeEnvelope([]byte(tt.data))
			if !errors.Is(err, errMalformedEnvelope) {
				t.Errorf("decodeEnvelope(%s) error = %v, want errMalformedEnvelope", tt.data, err)
			}
		})
	}
}

func TestMessageEvent(t *testing.T) {
	ts := time.Now().UTC()
	local := Message{SenderID: "me", Content: "a", Timestamp: ts, Origin: OriginLocal}.Event()
	remote := Message{SenderID: "them", Content: "b", Timestamp: ts, Origin: OriginRemote}.Event()

	if local.Type != EventChatMessage || remote.Type != EventChatMessage {
		t.Fatalf("event types = %q, %q", local.Type, remote.Type)
	}
	lp := local.Payload.(ChatMessage)
	rp := remote.Payload.(ChatMessage)
	if !lp.IsSelf || lp.From != "me" {
		t.Errorf("local payload = %+v", lp)
	}
	if rp.IsSelf || rp.From != "them" || !rp.Timestamp.Equal(ts) {
		t.Errorf("remote payload = %+v", rp)
	}
}
