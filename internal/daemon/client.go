package daemon

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/shurlinet/parley/pkg/p2pchat"
)

// maxEventLine bounds a single SSE line read by the client.
const maxEventLine = 1 << 20

// Client connects to a running daemon via its Unix socket.
type Client struct {
	httpClient *http.Client
	socketPath string
	authToken  string
}

// NewClient creates a new daemon client. It reads the auth cookie
// from cookiePath.
func NewClient(socketPath, cookiePath string) (*Client, error) {
	if _, err := os.Stat(socketPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrDaemonNotRunning, socketPath)
	}

	token, err := os.ReadFile(cookiePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read daemon cookie: %w", err)
	}

	return &Client{
		socketPath: socketPath,
		authToken:  strings.TrimSpace(string(token)),
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
		},
	}, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, "http://daemon"+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.authToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// do sends an HTTP request to the daemon and returns the raw response body.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader, headers map[string]string) ([]byte, int, error) {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return nil, 0, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to connect to daemon: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return data, resp.StatusCode, nil
}

// decodeError turns an error response into a *RemoteError.
func decodeError(data []byte, status int) error {
	var errResp ErrorResponse
	if json.Unmarshal(data, &errResp) == nil && errResp.Error != "" {
		return &RemoteError{Status: status, Code: errResp.Code, Message: errResp.Error}
	}
	return &RemoteError{Status: status, Message: fmt.Sprintf("HTTP %d", status)}
}

// doJSON sends a request and decodes the JSON {"data": ...} envelope into target.
func (c *Client) doJSON(ctx context.Context, method, path string, reqBody, target any) error {
	var body io.Reader
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	data, status, err := c.do(ctx, method, path, body, nil)
	if err != nil {
		return err
	}
	if status >= 400 {
		return decodeError(data, status)
	}

	if target != nil {
		var raw struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		if err := json.Unmarshal(raw.Data, target); err != nil {
			return fmt.Errorf("failed to decode response data: %w", err)
		}
	}
	return nil
}

// doText sends a request with Accept: text/plain and returns the text body.
func (c *Client) doText(ctx context.Context, path string) (string, error) {
	data, status, err := c.do(ctx, http.MethodGet, path, nil, map[string]string{"Accept": "text/plain"})
	if err != nil {
		return "", err
	}
	if status >= 400 {
		return "", decodeError(data, status)
	}
	return string(data), nil
}

// --- Queries ---

// Status returns the daemon's status.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.doJSON(ctx, http.MethodGet, "/v1/status", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// StatusText returns the daemon's status as plain text.
func (c *Client) StatusText(ctx context.Context) (string, error) {
	return c.doText(ctx, "/v1/status")
}

// Info returns the node's get_node_info snapshot.
func (c *Client) Info(ctx context.Context) (*p2pchat.NodeInfo, error) {
	var resp p2pchat.NodeInfo
	if err := c.doJSON(ctx, http.MethodGet, "/v1/info", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// InfoText returns the node info as plain text.
func (c *Client) InfoText(ctx context.Context) (string, error) {
	return c.doText(ctx, "/v1/info")
}

// Peers returns the connection manager's view of peers.
func (c *Client) Peers(ctx context.Context) ([]p2pchat.PeerConnectionInfo, error) {
	var resp []p2pchat.PeerConnectionInfo
	if err := c.doJSON(ctx, http.MethodGet, "/v1/peers", nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// --- Commands ---

// Init starts the node and returns its peer ID.
func (c *Client) Init(ctx context.Context) (string, error) {
	var resp InitResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/init", nil, &resp); err != nil {
		return "", err
	}
	return resp.PeerID, nil
}

// SendMessage publishes msg to the joined room.
func (c *Client) SendMessage(ctx context.Context, msg string) error {
	return c.doJSON(ctx, http.MethodPost, "/v1/message", MessageRequest{Message: msg}, nil)
}

// JoinRoom switches the node to room.
func (c *Client) JoinRoom(ctx context.Context, room string) error {
	return c.doJSON(ctx, http.MethodPost, "/v1/room", RoomRequest{RoomName: room}, nil)
}

// Connect dials a full /p2p/ multiaddr.
func (c *Client) Connect(ctx context.Context, addr string) error {
	return c.doJSON(ctx, http.MethodPost, "/v1/connect", ConnectRequest{Addr: addr}, nil)
}

// ReloadBlocklist makes the daemon re-read its blocked peers file and
// returns the number of blocked peers.
func (c *Client) ReloadBlocklist(ctx context.Context) (int, error) {
	var resp BlocklistResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/blocklist/reload", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Blocked, nil
}

// Shutdown requests the daemon to shut down gracefully.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/v1/shutdown", nil, nil)
}

// Events streams node events to fn until ctx is cancelled, the daemon
// closes the stream, or fn returns an error. types restricts the stream
// to the named event types.
func (c *Client) Events(ctx context.Context, fn func(StreamEvent) error, types ...string) error {
	path := "/v1/events"
	if len(types) > 0 {
		path += "?types=" + url.QueryEscape(strings.Join(types, ","))
	}
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to daemon: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxRequestBodySize))
		return decodeError(data, resp.StatusCode)
	}

	err = readEventStream(resp.Body, fn)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// readEventStream parses a text/event-stream body. Comment lines are
// skipped; an event is dispatched on each blank line.
func readEventStream(r io.Reader, fn func(StreamEvent) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), maxEventLine)

	var ev StreamEvent
	var data []byte
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if ev.Type != "" || len(data) > 0 {
				ev.Data = json.RawMessage(data)
				if err := fn(ev); err != nil {
					return err
				}
			}
			ev, data = StreamEvent{}, nil
		case strings.HasPrefix(line, ":"):
		default:
			field, value, _ := strings.Cut(line, ":")
			value = strings.TrimPrefix(value, " ")
			switch field {
			case "id":
				ev.ID = value
			case "event":
				ev.Type = value
			case "data":
				if len(data) > 0 {
					data = append(data, '\n')
				}
				data = append(data, value...)
			}
		}
	}
	return sc.Err()
}

// DecodeChatMessage decodes a chat-message stream event.
func DecodeChatMessage(ev StreamEvent) (p2pchat.ChatMessage, error) {
	var msg p2pchat.ChatMessage
	if ev.Type != p2pchat.EventChatMessage {
		return msg, fmt.Errorf("event %q is not a chat message", ev.Type)
	}
	if err := json.Unmarshal(ev.Data, &msg); err != nil {
		return msg, fmt.Errorf("decode chat message: %w", err)
	}
	return msg, nil
}
