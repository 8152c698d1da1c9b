package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shurlinet/parley/pkg/p2pchat"
)

// --- Mock runtime ---

const mockPeerID = "12D3KooWMockPeer0000000000000000000000000000000000"

// mockRuntime behaves like an in-memory node: it keeps a room and
// messages and fans events out through a real p2pchat.EventBus.
type mockRuntime struct {
	bus        *p2pchat.EventBus
	subscribed chan struct{}

	mu          sync.Mutex
	initialized bool
	initErr     error
	connectErr  error
	room        string
	sent        []string
	connected   []string
}

func newMockRuntime(t *testing.T) *mockRuntime {
	t.Helper()
	bus := p2pchat.NewEventBus(nil)
	t.Cleanup(bus.Close)
	return &mockRuntime{bus: bus, subscribed: make(chan struct{}, 8)}
}

func (m *mockRuntime) Init(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initErr != nil {
		return "", m.initErr
	}
	m.initialized = true
	return mockPeerID, nil
}

func (m *mockRuntime) Info() p2pchat.NodeInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	info := p2pchat.NodeInfo{Addresses: []string{}, ConnectedPeers: []string{}, RoomMembers: []string{}}
	if !m.initialized {
		return info
	}
	info.PeerID = mockPeerID
	info.Addresses = []string{"/ip4/127.0.0.1/tcp/4001/p2p/" + mockPeerID}
	info.ConnectedPeers = append(info.ConnectedPeers, m.connected...)
	info.Room = m.room
	return info
}

func (m *mockRuntime) Connections() []p2pchat.PeerConnectionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []p2pchat.PeerConnectionInfo
	for _, p := range m.connected {
		out = append(out, p2pchat.PeerConnectionInfo{PeerID: p, State: "connected", Direction: "Outbound"})
	}
	return out
}

func (m *mockRuntime) SendMessage(_ context.Context, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.room == "" {
		return p2pchat.ErrNotJoined
	}
	if strings.TrimSpace(msg) == "" {
		return p2pchat.ErrEmptyMessage
	}
	m.sent = append(m.sent, msg)
	m.bus.Emit(p2pchat.Event{Type: p2pchat.EventChatMessage, Payload: p2pchat.ChatMessage{
		From: mockPeerID, Content: msg, Timestamp: time.Now(), IsSelf: true,
	}})
	return nil
}

func (m *mockRuntime) JoinRoom(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if name == "" {
		return fmt.Errorf("%w: name cannot be empty", p2pchat.ErrInvalidRoomName)
	}
	if !m.initialized {
		return p2pchat.ErrNotInitialized
	}
	m.room = name
	return nil
}

func (m *mockRuntime) ConnectToPeer(_ context.Context, addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connectErr != nil {
		return m.connectErr
	}
	m.connected = append(m.connected, addr)
	return nil
}

func (m *mockRuntime) Events(buffer int, types ...string) *p2pchat.Subscription {
	sub := m.bus.Subscribe(buffer, types...)
	m.subscribed <- struct{}{}
	return sub
}

// --- Helpers ---

func newTestServer(t *testing.T) (*Server, *mockRuntime, string) {
	t.Helper()
	dir := t.TempDir()
	rt := newMockRuntime(t)
	srv := NewServer(rt, filepath.Join(dir, "test.sock"), filepath.Join(dir, ".test-cookie"), "test-0.1.0")
	return srv, rt, dir
}

// startTestServer starts a server and returns a connected client.
func startTestServer(t *testing.T) (*Server, *mockRuntime, *Client) {
	t.Helper()
	srv, rt, _ := newTestServer(t)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(srv.Stop)

	client, err := NewClient(srv.socketPath, srv.cookiePath)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return srv, rt, client
}

func waitSubscribed(t *testing.T, rt *mockRuntime) {
	t.Helper()
	select {
	case <-rt.subscribed:
	case <-time.After(5 * time.Second):
		t.Fatal("event stream never subscribed")
	}
}

// --- Tests ---

func TestGenerateCookie(t *testing.T) {
	token, err := generateCookie()
	if err != nil {
		t.Fatalf("generateCookie failed: %v", err)
	}
	if len(token) != 64 {
		t.Errorf("expected 64-char hex token, got %d chars", len(token))
	}
	token2, err := generateCookie()
	if err != nil {
		t.Fatalf("second generateCookie failed: %v", err)
	}
	if token == token2 {
		t.Error("two generated cookies should not be identical")
	}
}

func TestAuthMiddleware(t *testing.T) {
	srv, _, _ := newTestServer(t)
	srv.authToken = "test-secret-token"

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"valid", "Bearer test-secret-token", http.StatusOK},
		{"missing", "", http.StatusUnauthorized},
		{"wrong", "Bearer wrong-token", http.StatusUnauthorized},
		{"no scheme", "test-secret-token", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			})
			req := httptest.NewRequest("GET", "/v1/status", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			srv.authMiddleware(inner).ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestRequestID(t *testing.T) {
	handler := requestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/status", nil))
	generated := rec.Header().Get("X-Request-ID")
	if len(generated) != 36 {
		t.Errorf("generated request ID = %q, want a UUID", generated)
	}

	const given = "0b6c5e1e-8a4f-4d3e-9c1a-2f7d6b5a4c3e"
	req := httptest.NewRequest("GET", "/v1/status", nil)
	req.Header.Set("X-Request-ID", given)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != given {
		t.Errorf("request ID = %q, want caller's %q", got, given)
	}

	req = httptest.NewRequest("GET", "/v1/status", nil)
	req.Header.Set("X-Request-ID", "not-a-uuid\r\n")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got == "not-a-uuid\r\n" {
		t.Error("malformed request ID should be replaced")
	}
}

func TestRespondHelpers(t *testing.T) {
	rec := httptest.NewRecorder()
	respondJSON(rec, http.StatusOK, map[string]string{"hello": "world"})
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected application/json, got %s", ct)
	}
	var envelope struct {
		Data map[string]string `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatal(err)
	}
	if envelope.Data["hello"] != "world" {
		t.Errorf("data = %v", envelope.Data)
	}

	rec = httptest.NewRecorder()
	respondText(rec, http.StatusOK, "hello world\n")
	if rec.Body.String() != "hello world\n" || rec.Header().Get("Content-Type") != "text/plain" {
		t.Errorf("respondText wrote %q (%s)", rec.Body.String(), rec.Header().Get("Content-Type"))
	}

	rec = httptest.NewRecorder()
	respondNodeError(rec, fmt.Errorf("%w: no /p2p component", p2pchat.ErrInvalidAddress))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	var errResp ErrorResponse
	json.NewDecoder(rec.Body).Decode(&errResp)
	if errResp.Code != p2pchat.CodeInvalidAddress {
		t.Errorf("code = %q, want %q", errResp.Code, p2pchat.CodeInvalidAddress)
	}
}

func TestWantsText(t *testing.T) {
	req := httptest.NewRequest("GET", "/v1/status?format=text", nil)
	if !wantsText(req) {
		t.Error("expected wantsText=true for ?format=text")
	}
	req = httptest.NewRequest("GET", "/v1/status", nil)
	req.Header.Set("Accept", "text/plain")
	if !wantsText(req) {
		t.Error("expected wantsText=true for Accept: text/plain")
	}
	if wantsText(httptest.NewRequest("GET", "/v1/status", nil)) {
		t.Error("expected wantsText=false for default request")
	}
}

func TestServerStartStop(t *testing.T) {
	srv, _, dir := newTestServer(t)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	cookiePath := filepath.Join(dir, ".test-cookie")
	socketPath := filepath.Join(dir, "test.sock")
	info, err := os.Stat(cookiePath)
	if err != nil {
		t.Fatalf("cookie file should exist after Start: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("cookie permissions = %o, want 0600", perm)
	}
	if _, err := os.Stat(socketPath); err != nil {
		t.Errorf("socket file should exist after Start: %v", err)
	}

	srv.Stop()
	srv.Stop() // idempotent

	if _, err := os.Stat(cookiePath); !os.IsNotExist(err) {
		t.Error("cookie file should be removed after Stop")
	}
	if _, err := os.Stat(socketPath); !os.IsNotExist(err) {
		t.Error("socket file should be removed after Stop")
	}
}

func TestServerStaleSocketDetection(t *testing.T) {
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "test.sock")
	os.WriteFile(socketPath, []byte{}, 0600)

	srv := NewServer(newMockRuntime(t), socketPath, filepath.Join(dir, ".test-cookie"), "test")
	if err := srv.Start(); err != nil {
		t.Fatalf("Start with stale socket should succeed: %v", err)
	}
	srv.Stop()
}

func TestServerDaemonAlreadyRunning(t *testing.T) {
	srv1, _, dir := newTestServer(t)
	if err := srv1.Start(); err != nil {
		t.Fatalf("First Start failed: %v", err)
	}
	defer srv1.Stop()

	srv2 := NewServer(newMockRuntime(t), filepath.Join(dir, "test.sock"), filepath.Join(dir, ".test-cookie2"), "test")
	err := srv2.Start()
	if !errors.Is(err, ErrDaemonAlreadyRunning) {
		srv2.Stop()
		t.Fatalf("second Start error = %v, want ErrDaemonAlreadyRunning", err)
	}
}

func TestClientNewClient_SocketNotFound(t *testing.T) {
	_, err := NewClient("/nonexistent/socket", "/nonexistent/cookie")
	if !errors.Is(err, ErrDaemonNotRunning) {
		t.Fatalf("error = %v, want ErrDaemonNotRunning", err)
	}
}

func TestClientNewClient_CookieNotFound(t *testing.T) {
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "test.sock")
	os.WriteFile(socketPath, []byte{}, 0600)

	_, err := NewClient(socketPath, filepath.Join(dir, "nonexistent-cookie"))
	if err == nil || !strings.Contains(err.Error(), "cookie") {
		t.Fatalf("expected cookie-related error, got: %v", err)
	}
}

func TestClientWrongCookie(t *testing.T) {
	_, _, client := startTestServer(t)
	client.authToken = "stale"

	_, err := client.Status(context.Background())
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("error = %v, want ErrUnauthorized", err)
	}
}

func TestClientCommandFlow(t *testing.T) {
	_, rt, client := startTestServer(t)
	ctx := context.Background()

	// Before init
	err := client.JoinRoom(ctx, "lobby")
	if !errors.Is(err, p2pchat.ErrNotInitialized) {
		t.Fatalf("JoinRoom before init = %v, want ErrNotInitialized", err)
	}
	var remote *RemoteError
	if !errors.As(err, &remote) || remote.Status != http.StatusConflict {
		t.Errorf("remote error = %+v, want status 409", remote)
	}
	if err := client.SendMessage(ctx, "hi"); !errors.Is(err, p2pchat.ErrNotJoined) {
		t.Fatalf("SendMessage before join = %v, want ErrNotJoined", err)
	}

	id, err := client.Init(ctx)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if id != mockPeerID {
		t.Errorf("Init peer ID = %q, want %q", id, mockPeerID)
	}

	if err := client.JoinRoom(ctx, ""); !errors.Is(err, p2pchat.ErrInvalidRoomName) {
		t.Fatalf("JoinRoom(\"\") = %v, want ErrInvalidRoomName", err)
	}
	if err := client.JoinRoom(ctx, "lobby"); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	if err := client.SendMessage(ctx, "   "); !errors.Is(err, p2pchat.ErrEmptyMessage) {
		t.Fatalf("SendMessage(blank) = %v, want ErrEmptyMessage", err)
	}
	if err := client.SendMessage(ctx, "hello"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	info, err := client.Info(ctx)
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.PeerID != mockPeerID || info.Room != "lobby" {
		t.Errorf("Info = %+v", info)
	}

	status, err := client.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !status.Initialized || status.Version != "test-0.1.0" || status.Room != "lobby" {
		t.Errorf("Status = %+v", status)
	}

	rt.mu.Lock()
	sent := append([]string(nil), rt.sent...)
	rt.mu.Unlock()
	if len(sent) != 1 || sent[0] != "hello" {
		t.Errorf("sent = %v, want [hello]", sent)
	}
}

func TestClientConnectErrors(t *testing.T) {
	_, rt, client := startTestServer(t)
	ctx := context.Background()

	tests := []struct {
		err    error
		status int
	}{
		{p2pchat.ErrDialTimeout, http.StatusGatewayTimeout},
		{p2pchat.ErrUnreachablePeer, http.StatusBadGateway},
		{p2pchat.ErrAlreadyDialing, http.StatusConflict},
		{p2pchat.ErrInvalidAddress, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(p2pchat.ErrorCode(tt.err), func(t *testing.T) {
			rt.mu.Lock()
			rt.connectErr = fmt.Errorf("%w: detail", tt.err)
			rt.mu.Unlock()

			err := client.Connect(ctx, "/ip4/127.0.0.1/tcp/1/p2p/"+mockPeerID)
			if !errors.Is(err, tt.err) {
				t.Fatalf("Connect error = %v, want %v", err, tt.err)
			}
			var remote *RemoteError
			if !errors.As(err, &remote) || remote.Status != tt.status {
				t.Errorf("status = %+v, want %d", remote, tt.status)
			}
		})
	}

	rt.mu.Lock()
	rt.connectErr = nil
	rt.mu.Unlock()
	if err := client.Connect(ctx, "/ip4/127.0.0.1/tcp/1/p2p/"+mockPeerID); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	peers, err := client.Peers(ctx)
	if err != nil {
		t.Fatalf("Peers: %v", err)
	}
	if len(peers) != 1 {
		t.Errorf("Peers = %v, want 1 entry", peers)
	}
}

func TestClientInitTransportBind(t *testing.T) {
	_, rt, client := startTestServer(t)
	rt.mu.Lock()
	rt.initErr = fmt.Errorf("%w: address in use", p2pchat.ErrTransportBind)
	rt.mu.Unlock()

	_, err := client.Init(context.Background())
	if !errors.Is(err, p2pchat.ErrTransportBind) {
		t.Fatalf("Init error = %v, want ErrTransportBind", err)
	}
}

func TestClientEvents(t *testing.T) {
	_, rt, client := startTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stop := errors.New("stop")
	got := make(chan StreamEvent, 1)
	done := make(chan error, 1)
	go func() {
		done <- client.Events(ctx, func(ev StreamEvent) error {
			got <- ev
			return stop
		}, p2pchat.EventChatMessage)
	}()
	waitSubscribed(t, rt)

	// Filtered out by the types query
	rt.bus.Emit(p2pchat.Event{Type: p2pchat.EventPeersChanged, Payload: p2pchat.PeersChanged{Peers: []string{"x"}}})
	rt.bus.Emit(p2pchat.Event{Type: p2pchat.EventChatMessage, Payload: p2pchat.ChatMessage{
		From: "12D3KooWRemote", Content: "hello there", Timestamp: time.Now(),
	}})

	select {
	case ev := <-got:
		msg, err := DecodeChatMessage(ev)
		if err != nil {
			t.Fatalf("DecodeChatMessage: %v", err)
		}
		if msg.Content != "hello there" || msg.From != "12D3KooWRemote" || msg.IsSelf {
			t.Errorf("message = %+v", msg)
		}
		if ev.ID != "1" {
			t.Errorf("event id = %q, want 1", ev.ID)
		}
	case <-ctx.Done():
		t.Fatal("no event received")
	}
	if err := <-done; !errors.Is(err, stop) {
		t.Errorf("Events returned %v, want the callback's error", err)
	}
}

func TestEventStreamEndsOnStop(t *testing.T) {
	srv, rt, client := startTestServer(t)

	done := make(chan error, 1)
	go func() {
		done <- client.Events(context.Background(), func(StreamEvent) error { return nil })
	}()
	waitSubscribed(t, rt)

	srv.Stop()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("event stream still open after Stop")
	}
}

func TestClientShutdown(t *testing.T) {
	srv, _, client := startTestServer(t)

	if err := client.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown request failed: %v", err)
	}
	select {
	case <-srv.ShutdownCh():
	case <-time.After(2 * time.Second):
		t.Fatal("ShutdownCh was not closed after shutdown request")
	}

	// A second request must not panic on the closed channel.
	if err := client.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
}

func TestClientReloadBlocklist(t *testing.T) {
	srv, _, _ := newTestServer(t)
	calls := 0
	srv.SetBlocklistReloader(func() (int, error) {
		calls++
		return 2, nil
	})
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(srv.Stop)

	client, err := NewClient(srv.socketPath, srv.cookiePath)
	if err != nil {
		t.Fatal(err)
	}
	n, err := client.ReloadBlocklist(context.Background())
	if err != nil {
		t.Fatalf("ReloadBlocklist: %v", err)
	}
	if n != 2 || calls != 1 {
		t.Errorf("blocked = %d, calls = %d", n, calls)
	}
}
