package p2pchat

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/libp2p/go-libp2p/core/peer"
)

var loopbackListen = []string{"/ip4/127.0.0.1/tcp/0"}

// newTestNetwork creates a Network on a loopback TCP port with an
// ephemeral identity.
func newTestNetwork(t *testing.T) *Network {
	t.Helper()
	nw, err := New(&NetworkConfig{ListenAddresses: loopbackListen})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { nw.Close() })
	return nw
}

func TestNewNilConfig(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatal("expected error for nil config")
	}
}

func TestNewPersistentIdentity(t *testing.T) {
	keyFile := filepath.Join(t.TempDir(), "identity.key")

	nw1, err := New(&NetworkConfig{KeyFile: keyFile, ListenAddresses: loopbackListen})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	id1 := nw1.PeerID()
	nw1.Close()

	nw2, err := New(&NetworkConfig{KeyFile: keyFile, ListenAddresses: loopbackListen})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer nw2.Close()
	if nw2.PeerID() != id1 {
		t.Errorf("peer ID changed across restarts: %s != %s", nw2.PeerID(), id1)
	}
}

func TestNewPrivateKeyOverridesKeyFile(t *testing.T) {
	priv, err := generateKey()
	if err != nil {
		t.Fatal(err)
	}
	want, _ := peer.IDFromPrivateKey(priv)
	keyFile := filepath.Join(t.TempDir(), "unused.key")

	nw, err := New(&NetworkConfig{KeyFile: keyFile, PrivateKey: priv, ListenAddresses: loopbackListen})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer nw.Close()
	if nw.PeerID() != want {
		t.Errorf("PeerID = %s, want %s", nw.PeerID(), want)
	}
	if _, err := os.Stat(keyFile); !os.IsNotExist(err) {
		t.Error("KeyFile should not be written when PrivateKey is set")
	}
}

func TestNewBindFailure(t *testing.T) {
	// TEST-NET-3 is never assigned to a local interface.
	_, err := New(&NetworkConfig{ListenAddresses: []string{"/ip4/203.0.113.1/tcp/4001"}})
	if !errors.Is(err, ErrTransportBind) {
		t.Fatalf("New() error = %v, want ErrTransportBind", err)
	}
	if ErrorCode(err) != CodeTransportBind {
		t.Errorf("ErrorCode = %q", ErrorCode(err))
	}
}

func TestListenAddrsCarryPeerID(t *testing.T) {
	nw := newTestNetwork(t)

	addrs := nw.AddrStrings()
	if len(addrs) == 0 {
		t.Fatal("no listen addresses")
	}
	suffix := "/p2p/" + nw.PeerID().String()
	for _, a := range addrs {
		if !strings.HasSuffix(a, suffix) {
			t.Errorf("address %q lacks %q suffix", a, suffix)
		}
		if _, ai, err := ParseDialAddress(a, ""); err != nil || ai.ID != nw.PeerID() {
			t.Errorf("address %q does not round-trip: %v", a, err)
		}
	}

	// The sequence is restartable.
	var again []string
	for a := range nw.ListenAddrs() {
		again = append(again, a.String())
	}
	if !slices.Equal(addrs, again) {
		t.Errorf("second iteration = %v, want %v", again, addrs)
	}
}

func TestListenAddrsNilNetwork(t *testing.T) {
	var nw *Network
	for a := range nw.ListenAddrs() {
		t.Fatalf("nil network yielded %s", a)
	}
}

func TestParsePeerAddrsMergesSamePeer(t *testing.T) {
	nw := newTestNetwork(t)
	id := nw.PeerID().String()

	infos, err := ParsePeerAddrs([]string{
		"/ip4/10.0.0.1/tcp/4001/p2p/" + id,
		"/ip4/10.0.0.2/tcp/4001/p2p/" + id,
	})
	if err != nil {
		t.Fatalf("ParsePeerAddrs: %v", err)
	}
	if len(infos) != 1 || len(infos[0].Addrs) != 2 {
		t.Fatalf("infos = %+v, want one peer with two addrs", infos)
	}

	if _, err := ParsePeerAddrs([]string{"/ip4/10.0.0.1/tcp/4001"}); err == nil {
		t.Error("expected error for address without /p2p/")
	}
}

func TestDHTProtocolPrefixForNamespace(t *testing.T) {
	if got := DHTProtocolPrefixForNamespace(""); got != "/parley" {
		t.Errorf("empty namespace = %q", got)
	}
	if got := DHTProtocolPrefixForNamespace("family"); got != "/parley/family" {
		t.Errorf("namespace family = %q", got)
	}
}

func TestTruncateError(t *testing.T) {
	if got := truncateError("first\nsecond"); got != "first" {
		t.Errorf("truncateError multi-line = %q", got)
	}
	long := strings.Repeat("x", 300)
	if got := truncateError(long); len(got) != 203 {
		t.Errorf("truncateError long len = %d, want 203", len(got))
	}
}
