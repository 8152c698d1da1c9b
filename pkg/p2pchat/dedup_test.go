package p2pchat

import (
	"fmt"
	"testing"
	"time"

	"pgregory.net/rapid"
)

func TestDedupWindowSuppressesRepeats(t *testing.T) {
	d := newDedupWindow(8)
	m := Message{SenderID: "a", Content: "hi", Timestamp: time.Unix(100, 5)}

	if !d.firstSeen(m) {
		t.Fatal("first sighting reported as duplicate")
	}
	if d.firstSeen(m) {
		t.Fatal("second sighting reported as new")
	}

	// Any field change makes a distinct key.
	variants := []Message{
		{SenderID: "b", Content: "hi", Timestamp: m.Timestamp},
		{SenderID: "a", Content: "hi!", Timestamp: m.Timestamp},
		{SenderID: "a", Content: "hi", Timestamp: m.Timestamp.Add(time.Nanosecond)},
	}
	for _, v := range variants {
		if !d.firstSeen(v) {
			t.Errorf("variant %+v reported as duplicate", v)
		}
	}
}

func TestDedupWindowEvictsLeastRecentlySeen(t *testing.T) {
	d := newDedupWindow(2)
	msg := func(i int) Message {
		return Message{SenderID: "a", Content: fmt.Sprint(i), Timestamp: time.Unix(int64(i), 0)}
	}

	d.firstSeen(msg(1))
	d.firstSeen(msg(2))
	d.firstSeen(msg(1)) // refresh 1, so 2 is now the oldest
	d.firstSeen(msg(3)) // evicts 2

	if d.firstSeen(msg(1)) {
		t.Error("recently seen message 1 was evicted")
	}
	if !d.firstSeen(msg(2)) {
		t.Error("message 2 should have been evicted")
	}
}

func TestDedupWindowProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		size := rapid.IntRange(1, 64).Draw(t, "size")
		d := newDedupWindow(size)

		msgs := rapid.SliceOf(rapid.Custom(func(t *rapid.T) Message {
			return Message{
				SenderID:  rapid.SampledFrom([]string{"a", "b", "c"}).Draw(t, "sender"),
				Content:   rapid.StringN(1, 8, -1).Draw(t, "content"),
				Timestamp: time.Unix(rapid.Int64Range(0, 10).Draw(t, "ts"), 0),
			}
		})).Draw(t, "msgs")

		for _, m := range msgs {
			d.firstSeen(m)
			// Immediately re-seeing a message is always a duplicate.
			if d.firstSeen(m) {
				t.Fatalf("message %+v reported new right after being seen", m)
			}
			if d.len() > size {
				t.Fatalf("window holds %d entries, limit %d", d.len(), size)
			}
		}
	})
}

func TestDedupWindowDefaultSize(t *testing.T) {
	d := newDedupWindow(0)
	for i := range DefaultDedupWindow + 10 {
		d.firstSeen(Message{SenderID: "a", Content: "x", Timestamp: time.Unix(int64(i), 0)})
	}
	if d.len() != DefaultDedupWindow {
		t.Errorf("len = %d, want %d", d.len(), DefaultDedupWindow)
	}
}
