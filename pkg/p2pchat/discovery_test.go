package p2pchat

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
)

func TestRoomKey(t *testing.T) {
	k1, err := RoomKey("lobby")
	if err != nil {
		t.Fatalf("RoomKey: %v", err)
	}
	k2, _ := RoomKey("lobby")
	k3, _ := RoomKey("general")

	if !k1.Equals(k2) {
		t.Error("RoomKey is not deterministic")
	}
	if k1.Equals(k3) {
		t.Error("different rooms share a key")
	}
	if k1.Prefix().Codec != cid.Raw || k1.Version() != 1 {
		t.Errorf("key prefix = %+v, want CIDv1 raw", k1.Prefix())
	}
}

func TestRoomDiscoveryFindsRoomMember(t *testing.T) {
	ctx := context.Background()
	a := newTestNetwork(t)
	b := newTestNetwork(t)
	c := newTestNetwork(t)

	// b is the bootstrap node; a and c only know b.
	bInfo := peer.AddrInfo{ID: b.PeerID(), Addrs: b.Host().Addrs()}

	dB, err := NewRoomDiscovery(ctx, b.Host(), "test", nil, time.Second, nil)
	if err != nil {
		t.Fatalf("NewRoomDiscovery(b): %v", err)
	}
	t.Cleanup(func() { dB.Close() })

	m := NewMetrics("test", "go1.26.0")
	dA, err := NewRoomDiscovery(ctx, a.Host(), "test", []peer.AddrInfo{bInfo}, time.Second, m)
	if err != nil {
		t.Fatalf("NewRoomDiscovery(a): %v", err)
	}
	t.Cleanup(func() { dA.Close() })

	dC, err := NewRoomDiscovery(ctx, c.Host(), "test", []peer.AddrInfo{bInfo}, time.Second, nil)
	if err != nil {
		t.Fatalf("NewRoomDiscovery(c): %v", err)
	}
	t.Cleanup(func() { dC.Close() })

	for _, nw := range []*Network{a, c} {
		if n := connectAll(ctx, nw.Host(), []peer.AddrInfo{bInfo}); n != 1 {
			t.Fatalf("bootstrap connect = %d, want 1", n)
		}
	}

	dC.SetRoom("lobby")
	dA.SetRoom("lobby")

	// a and c may already be linked by routing-table traffic, so the
	// provider counter is what shows the room lookup ran.
	waitFor(t, 20*time.Second, "a to find c as a room provider", func() bool {
		return counterValue(t, m, "parley_dht_providers_found_total", nil) > 0
	})
	waitFor(t, 10*time.Second, "a to connect to c", func() bool {
		return slices.Contains(a.Host().Network().Peers(), c.PeerID())
	})

	// Clearing the room stops the loop without blocking.
	dA.SetRoom("")
}
