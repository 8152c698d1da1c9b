package p2pchat

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zeebo/blake3"
)

// Origin says whether a message was published by this node or received
// from the room.
type Origin int

const (
	OriginLocal Origin = iota
	OriginRemote
)

func (o Origin) String() string {
	if o == OriginLocal {
		return "local"
	}
	return "remote"
}

// Message is a single chat message. It is a value and never mutated after
// creation.
type Message struct {
	SenderID  string
	Content   string
	Timestamp time.Time
	Origin    Origin
}

// Event converts m into the chat-message event delivered to front ends.
func (m Message) Event() Event {
	return Event{
		Type: EventChatMessage,
		Payload: ChatMessage{
			From:      m.SenderID,
			Content:   m.Content,
			Timestamp: m.Timestamp,
			IsSelf:    m.Origin == OriginLocal,
		},
	}
}

// envelopeVersion is the wire format version carried in every envelope.
const envelopeVersion = 1

// envelope is the JSON payload published on a room topic.
type envelope struct {
	V       int       `json:"v"`
	Sender  string    `json:"sender"`
	Content string    `json:"content"`
	TS      time.Time `json:"ts"`
}

var errMalformedEnvelope = errors.New("malformed envelope")

func encodeEnvelope(m Message) ([]byte, error) {
	return json.Marshal(envelope{
		V:       envelopeVersion,
		Sender:  m.SenderID,
		Content: m.Content,
		TS:      m.Timestamp.UTC(),
	})
}

// decodeEnvelope parses a room payload into a remote Message.
func decodeEnvelope(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Message{}, fmt.Errorf("%w: %v", errMalformedEnvelope, err)
	}
	switch {
	case env.V != envelopeVersion:
		return Message{}, fmt.Errorf("%w: unsupported version %d", errMalformedEnvelope, env.V)
	case env.Sender == "":
		return Message{}, fmt.Errorf("%w: missing sender", errMalformedEnvelope)
	case env.Content == "":
		return Message{}, fmt.Errorf("%w: empty content", errMalformedEnvelope)
	case env.TS.IsZero():
		return Message{}, fmt.Errorf("%w: missing timestamp", errMalformedEnvelope)
	}
	return Message{
		SenderID:  env.Sender,
		Content:   env.Content,
		Timestamp: env.TS,
		Origin:    OriginRemote,
	}, nil
}

// contentHash is the BLAKE3 digest of a message body.
func contentHash(content string) [32]byte {
	return blake3.Sum256([]byte(content))
}
