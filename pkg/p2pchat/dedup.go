package p2pchat

import (
	"encoding/hex"
	"strconv"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultDedupWindow is the number of recent message keys remembered.
const DefaultDedupWindow = 1024

// dedupWindow remembers the most recently seen messages, keyed by
// (sender, timestamp, content hash). The least recently seen key is evicted
// once the window is full. Safe for concurrent use.
type dedupWindow struct {
	seen *lru.Cache[string, struct{}]
}

func newDedupWindow(size int) *dedupWindow {
	if size <= 0 {
		size = DefaultDedupWindow
	}
	// lru.New only fails for non-positive sizes.
	c, _ := lru.New[string, struct{}](size)
	return &dedupWindow{seen: c}
}

// firstSeen records m and reports whether it was not in the window.
// Seeing a key again refreshes its recency.
func (d *dedupWindow) firstSeen(m Message) bool {
	key := dedupKey(m)
	if d.seen.Contains(key) {
		d.seen.Get(key)
		return false
	}
	d.seen.Add(key, struct{}{})
	return true
}

func (d *dedupWindow) len() int {
	return d.seen.Len()
}

func dedupKey(m Message) string {
	h := contentHash(m.Content)
	return m.SenderID + "|" + strconv.FormatInt(m.Timestamp.UnixNano(), 10) + "|" + hex.EncodeToString(h[:])
}
