package daemon

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shurlinet/parley/pkg/p2pchat"
)

// maxRequestBodySize limits JSON request bodies. Chat messages are capped
// well below this by the room engine.
const maxRequestBodySize = 1 << 20 // 1 MB

// eventKeepalive is how often an idle event stream gets a comment line,
// so dead clients are noticed and proxies keep the stream open.
const eventKeepalive = 15 * time.Second

func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Read-only
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /v1/info", s.handleInfo)
	mux.HandleFunc("GET /v1/peers", s.handlePeers)
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	// Commands
	mux.HandleFunc("POST /v1/init", s.handleInit)
	mux.HandleFunc("POST /v1/message", s.handleMessage)
	mux.HandleFunc("POST /v1/room", s.handleRoom)
	mux.HandleFunc("POST /v1/connect", s.handleConnect)
	mux.HandleFunc("POST /v1/blocklist/reload", s.handleBlocklistReload)
	mux.HandleFunc("POST /v1/shutdown", s.handleShutdown)
}

// --- Format helpers ---

// wantsText returns true if the client prefers plain text output.
func wantsText(r *http.Request) bool {
	if r.URL.Query().Get("format") == "text" {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "text/plain")
}

// respondJSON writes a JSON response with the given status code.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(DataResponse{Data: data})
}

// respondError writes a JSON error response.
func respondError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: msg})
}

// respondNodeError writes err with the status and taxonomy code its
// sentinel maps to.
func respondNodeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusForError(err))
	json.NewEncoder(w).Encode(ErrorResponse{Error: err.Error(), Code: p2pchat.ErrorCode(err)})
}

// respondText writes a plain text response.
func respondText(w http.ResponseWriter, status int, text string) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(status)
	fmt.Fprint(w, text)
}

// decodeBody decodes a bounded JSON request body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBodySize)).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// --- Handlers ---

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	info := s.runtime.Info()
	resp := StatusResponse{
		PeerID:         info.PeerID,
		Version:        s.version,
		UptimeSeconds:  int(time.Since(s.startTime).Seconds()),
		Initialized:    info.PeerID != "",
		ConnectedPeers: len(info.ConnectedPeers),
		Room:           info.Room,
		RoomMembers:    len(info.RoomMembers),
	}

	if wantsText(r) {
		var sb strings.Builder
		fmt.Fprintf(&sb, "peer_id: %s\n", resp.PeerID)
		fmt.Fprintf(&sb, "version: %s\n", resp.Version)
		fmt.Fprintf(&sb, "uptime: %ds\n", resp.UptimeSeconds)
		fmt.Fprintf(&sb, "initialized: %v\n", resp.Initialized)
		fmt.Fprintf(&sb, "connected_peers: %d\n", resp.ConnectedPeers)
		if resp.Room != "" {
			fmt.Fprintf(&sb, "room: %s (%d members)\n", resp.Room, resp.RoomMembers)
		}
		respondText(w, http.StatusOK, sb.String())
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	info := s.runtime.Info()
	if wantsText(r) {
		var sb strings.Builder
		fmt.Fprintf(&sb, "peer_id: %s\n", info.PeerID)
		for _, a := range info.Addresses {
			fmt.Fprintf(&sb, "address: %s\n", a)
		}
		for _, p := range info.ConnectedPeers {
			fmt.Fprintf(&sb, "peer: %s\n", p)
		}
		if info.Room != "" {
			fmt.Fprintf(&sb, "room: %s\n", info.Room)
			for _, m := range info.RoomMembers {
				fmt.Fprintf(&sb, "member: %s\n", m)
			}
		}
		respondText(w, http.StatusOK, sb.String())
		return
	}
	respondJSON(w, http.StatusOK, info)
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	conns := s.runtime.Connections()
	if conns == nil {
		conns = []p2pchat.PeerConnectionInfo{}
	}
	if wantsText(r) {
		var sb strings.Builder
		for _, c := range conns {
			fmt.Fprintf(&sb, "%s  %s  %s  %s\n", c.PeerID, c.State, c.Direction, c.Addr)
		}
		respondText(w, http.StatusOK, sb.String())
		return
	}
	respondJSON(w, http.StatusOK, conns)
}

func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	id, err := s.runtime.Init(r.Context())
	if err != nil {
		slog.Warn("daemon: init failed", "error", err)
		respondNodeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, InitResponse{PeerID: id})
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req MessageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.runtime.SendMessage(r.Context(), req.Message); err != nil {
		respondNodeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

func (s *Server) handleRoom(w http.ResponseWriter, r *http.Request) {
	var req RoomRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.runtime.JoinRoom(r.Context(), req.RoomName); err != nil {
		respondNodeError(w, err)
		return
	}
	slog.Info("room joined via API", "room", req.RoomName)
	respondJSON(w, http.StatusOK, map[string]string{"status": "joined", "room": req.RoomName})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req ConnectRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.runtime.ConnectToPeer(r.Context(), req.Addr); err != nil {
		respondNodeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "connected"})
}

func (s *Server) handleBlocklistReload(w http.ResponseWriter, r *http.Request) {
	if s.reloadBlocklist == nil {
		respondError(w, http.StatusNotFound, "no blocked_peers_file configured")
		return
	}
	n, err := s.reloadBlocklist()
	if err != nil {
		slog.Warn("daemon: blocklist reload failed", "error", err)
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, BlocklistResponse{Blocked: n})
}

// handleEvents streams node events as Server-Sent Events until the client
// goes away or the daemon stops. ?types=a,b restricts the event types.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var types []string
	if q := r.URL.Query().Get("types"); q != "" {
		types = strings.Split(q, ",")
	}

	rc := http.NewResponseController(w)
	sub := s.runtime.Events(p2pchat.DefaultSubscriberBuffer, types...)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, ": stream %s\n\n", w.Header().Get("X-Request-ID"))
	if err := rc.Flush(); err != nil {
		slog.Debug("daemon: event stream not flushable", "error", err)
		return
	}

	keepalive := time.NewTicker(eventKeepalive)
	defer keepalive.Stop()

	var seq uint64
	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.done:
			return
		case <-keepalive.C:
			if _, err := io.WriteString(w, ": keepalive\n\n"); err != nil {
				return
			}
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			data, err := json.Marshal(ev.Payload)
			if err != nil {
				slog.Warn("daemon: encode event failed", "type", ev.Type, "error", err)
				continue
			}
			seq++
			if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", seq, ev.Type, data); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "shutting down"})

	// Signal after the response is flushed
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.requestShutdown()
	}()
}
