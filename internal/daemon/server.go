package daemon

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/shurlinet/parley/pkg/p2pchat"
)

// Runtime is the node surface the daemon exposes. *p2pchat.Node
// implements it.
type Runtime interface {
	Init(ctx context.Context) (string, error)
	Info() p2pchat.NodeInfo
	Connections() []p2pchat.PeerConnectionInfo
	SendMessage(ctx context.Context, msg string) error
	JoinRoom(ctx context.Context, name string) error
	ConnectToPeer(ctx context.Context, addr string) error
	Events(buffer int, types ...string) *p2pchat.Subscription
}

// Server is the daemon's Unix socket HTTP API server.
type Server struct {
	runtime    Runtime
	httpServer *http.Server
	listener   net.Listener
	socketPath string
	cookiePath string
	authToken  string
	version    string
	startTime  time.Time

	shutdownCh   chan struct{} // closed to signal shutdown to the daemon main loop
	shutdownOnce sync.Once
	done         chan struct{} // closed by Stop to end event streams
	stopOnce     sync.Once

	// Optional observability (nil when telemetry disabled)
	metrics *p2pchat.Metrics
	audit   *p2pchat.AuditLogger

	reloadBlocklist BlocklistReloader // nil when no blocklist file is configured
}

// BlocklistReloader re-reads the blocked peers file and returns how many
// peers are now blocked.
type BlocklistReloader func() (int, error)

// NewServer creates a new daemon API server.
func NewServer(runtime Runtime, socketPath, cookiePath, version string) *Server {
	return &Server{
		runtime:    runtime,
		socketPath: socketPath,
		cookiePath: cookiePath,
		version:    version,
		startTime:  time.Now(),
		shutdownCh: make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// SetInstrumentation configures optional metrics and audit logging.
// Must be called before Start(). Both parameters are nil-safe.
func (s *Server) SetInstrumentation(metrics *p2pchat.Metrics, audit *p2pchat.AuditLogger) {
	s.metrics = metrics
	s.audit = audit
}

// SetBlocklistReloader enables POST /v1/blocklist/reload. Must be called
// before Start().
func (s *Server) SetBlocklistReloader(fn BlocklistReloader) {
	s.reloadBlocklist = fn
}

// ShutdownCh returns a channel that is closed when a shutdown is requested
// via the API (POST /v1/shutdown).
func (s *Server) ShutdownCh() <-chan struct{} {
	return s.shutdownCh
}

func (s *Server) requestShutdown() {
	s.shutdownOnce.Do(func() { close(s.shutdownCh) })
}

// Start creates the Unix socket, writes the cookie file, and starts serving.
// It returns immediately; the server runs in a background goroutine.
func (s *Server) Start() error {
	token, err := generateCookie()
	if err != nil {
		return fmt.Errorf("failed to generate auth cookie: %w", err)
	}
	s.authToken = token

	if err := s.checkStaleSocket(); err != nil {
		return err
	}

	// umask(0077) creates the socket as 0600 without a Listen/Chmod window.
	oldUmask := syscall.Umask(0077)
	listener, err := net.Listen("unix", s.socketPath)
	syscall.Umask(oldUmask)
	if err != nil {
		return fmt.Errorf("failed to listen on socket: %w", err)
	}

	// Cookie goes last so clients never read a token for a socket that
	// is not accepting yet.
	if err := os.WriteFile(s.cookiePath, []byte(token), 0600); err != nil {
		listener.Close()
		os.Remove(s.socketPath)
		return fmt.Errorf("failed to write cookie file: %w", err)
	}
	slog.Info("daemon cookie written", "path", s.cookiePath)

	s.listener = listener
	s.httpServer = &http.Server{
		Handler:     s.handler(),
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: /v1/events streams indefinitely. Dial handlers
		// are bounded by the node's dial timeout.
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			slog.Error("daemon server error", "error", err)
		}
	}()

	slog.Info("daemon API listening", "socket", s.socketPath)
	return nil
}

// handler assembles the middleware chain around the route mux.
func (s *Server) handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return InstrumentHandler(requestID(s.authMiddleware(mux)), s.metrics, s.audit)
}

// Stop ends event streams, shuts down the HTTP server, and removes the
// socket and cookie files.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		slog.Info("daemon server shutting down")
		close(s.done)

		if s.httpServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			s.httpServer.Shutdown(ctx)
		}

		os.Remove(s.socketPath)
		os.Remove(s.cookiePath)
		slog.Info("daemon server stopped")
	})
}

// checkStaleSocket checks if a daemon is already running on the socket.
// If the socket exists but no daemon is listening, it removes the stale socket.
func (s *Server) checkStaleSocket() error {
	if _, err := os.Stat(s.socketPath); os.IsNotExist(err) {
		return nil
	}

	conn, err := net.DialTimeout("unix", s.socketPath, 2*time.Second)
	if err != nil {
		slog.Info("removing stale daemon socket", "path", s.socketPath)
		os.Remove(s.socketPath)
		return nil
	}

	conn.Close()
	return fmt.Errorf("%w: socket %s is already in use", ErrDaemonAlreadyRunning, s.socketPath)
}

// generateCookie creates a 32-byte random hex token.
func generateCookie() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// authMiddleware checks the Authorization: Bearer <token> header on every request.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+s.authToken {
			respondError(w, http.StatusUnauthorized, "unauthorized: invalid or missing auth token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requestID tags every response with an X-Request-ID, reusing the
// caller's when present.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
			r.Header.Set("X-Request-ID", id)
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

// SocketPath returns the path to the Unix socket.
func (s *Server) SocketPath() string {
	return s.socketPath
}
