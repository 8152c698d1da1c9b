package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/shurlinet/parley/internal/config"
	"github.com/shurlinet/parley/internal/daemon"
	"github.com/shurlinet/parley/internal/watchdog"
	"github.com/shurlinet/parley/pkg/p2pchat"
)

// commandTimeout bounds one-shot client commands. connect_to_peer carries
// its own dial timeout inside the daemon.
const commandTimeout = 30 * time.Second

// --- Daemon paths ---

func daemonSocketPath() string {
	dir, err := config.DefaultConfigDir()
	if err != nil {
		fatal("cannot determine config directory: %v", err)
	}
	return filepath.Join(dir, "parley.sock")
}

func daemonCookiePath() string {
	dir, err := config.DefaultConfigDir()
	if err != nil {
		fatal("cannot determine config directory: %v", err)
	}
	return filepath.Join(dir, ".daemon-cookie")
}

func daemonClient() *daemon.Client {
	c, err := daemon.NewClient(daemonSocketPath(), daemonCookiePath())
	if err != nil {
		if errors.Is(err, daemon.ErrDaemonNotRunning) {
			fatal("%v\nStart it with: parley daemon", err)
		}
		fatal("%v", err)
	}
	return c
}

// --- Main daemon entry ---

func runDaemon(args []string) {
	if len(args) == 0 || args[0] == "start" || (len(args[0]) > 0 && args[0][0] == '-') {
		if len(args) > 0 && args[0] == "start" {
			args = args[1:]
		}
		if err := doDaemonStart(args, os.Stdout); err != nil {
			fatal("%v", err)
		}
		return
	}

	switch args[0] {
	case "stop":
		runDaemonStop()
	case "status":
		runStatus(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown daemon subcommand: %s\n\n", args[0])
		printDaemonUsage()
		osExit(1)
	}
}

func printDaemonUsage() {
	fmt.Println("Usage: parley daemon [subcommand]")
	fmt.Println()
	fmt.Println("  (no subcommand)  Run the daemon in the foreground")
	fmt.Println("  start            Same as no subcommand")
	fmt.Println("  status [--json]  Show daemon status")
	fmt.Println("  stop             Graceful shutdown")
	fmt.Println()
	fmt.Println("Flags: --config <path>, --no-init (wait for 'parley up' before networking)")
	fmt.Println()
	fmt.Println("SIGHUP re-reads the blocked peers file.")
}

// --- Start daemon (foreground) ---

func doDaemonStart(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("daemon", flag.ContinueOnError)
	configFlag := fs.String("config", "", "path to config file")
	noInit := fs.Bool("no-init", false, "do not start networking until 'parley up'")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, cfgFile, err := loadConfig(*configFlag)
	if err != nil {
		return err
	}
	key, err := loadIdentity(cfg, promptPassphrase)
	if err != nil {
		return err
	}

	var metrics *p2pchat.Metrics
	if cfg.Telemetry.Metrics.Enabled {
		metrics = p2pchat.NewMetrics(version, runtime.Version())
	}
	var audit *p2pchat.AuditLogger
	if cfg.Telemetry.Audit.Enabled {
		audit = p2pchat.NewAuditLogger(slog.NewJSONHandler(os.Stderr, nil))
	}

	fmt.Fprintf(stdout, "parley daemon %s (%s)\n", version, commit)
	if cfgFile != "" {
		fmt.Fprintf(stdout, "Config: %s\n", cfgFile)
	} else {
		fmt.Fprintln(stdout, "Config: built-in defaults (ephemeral identity)")
	}

	gater, err := newBlocklistGater(cfg, metrics, audit)
	if err != nil {
		return err
	}
	nc := nodeConfig(cfg, key, metrics, audit)
	applyBlocklist(&nc, gater)

	node := p2pchat.NewNode(nc)
	defer node.Close()

	var reload daemon.BlocklistReloader
	if gater != nil {
		reload = blocklistReloader(cfg.Network.BlockedPeersFile, gater, node)
		fmt.Fprintf(stdout, "Blocklist: %s (%d peer(s))\n", cfg.Network.BlockedPeersFile, gater.Len())
	}

	socketPath := daemonSocketPath()
	if err := os.MkdirAll(filepath.Dir(socketPath), 0700); err != nil {
		return fmt.Errorf("create daemon directory: %w", err)
	}
	srv := daemon.NewServer(node, socketPath, daemonCookiePath(), version)
	srv.SetInstrumentation(metrics, audit)
	if reload != nil {
		srv.SetBlocklistReloader(reload)
	}
	if err := srv.Start(); err != nil {
		return fmt.Errorf("daemon API failed to start: %w", err)
	}
	defer srv.Stop()
	fmt.Fprintf(stdout, "Daemon API: %s\n", srv.SocketPath())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if !*noInit {
		id, err := node.Init(ctx)
		if err != nil {
			return fmt.Errorf("init: %w", err)
		}
		fmt.Fprintf(stdout, "Peer ID: %s\n", id)
		for _, a := range node.Info().Addresses {
			fmt.Fprintf(stdout, "  %s\n", a)
		}
		// the node came up on this config, keep it as the rollback target
		if cfgFile != "" {
			if err := config.Archive(cfgFile); err != nil {
				slog.Warn("daemon: failed to archive config", "error", err)
			}
		}
	} else {
		fmt.Fprintln(stdout, "Networking idle until: parley up")
	}
	fmt.Fprintln(stdout)

	if metrics != nil {
		ms := startMetricsServer(cfg.Telemetry.Metrics.ListenAddress, metrics)
		defer ms.Close()
	}

	go watchdog.Run(ctx, watchdog.DefaultInterval, healthChecks(srv, node)...)
	if err := watchdog.Ready(); err != nil {
		slog.Debug("daemon: sd_notify ready failed", "error", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

wait:
	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				if reload == nil {
					slog.Info("daemon: SIGHUP ignored, no blocklist configured")
					continue
				}
				if n, err := reload(); err != nil {
					slog.Warn("daemon: blocklist reload failed", "error", err)
				} else {
					slog.Info("daemon: blocklist reloaded", "blocked", n)
				}
				continue
			}
			fmt.Fprintf(stdout, "\nReceived %s, shutting down...\n", sig)
			break wait
		case <-srv.ShutdownCh():
			fmt.Fprintln(stdout, "\nShutdown requested via API")
			break wait
		}
	}

	watchdog.Stopping()
	srv.Stop()
	node.Close()
	fmt.Fprintln(stdout, "Daemon stopped.")
	return nil
}

// healthChecks are the watchdog probes for a running daemon.
func healthChecks(srv *daemon.Server, node *p2pchat.Node) []watchdog.Check {
	return []watchdog.Check{
		{
			Name: "daemon-socket",
			Probe: func() error {
				_, err := os.Stat(srv.SocketPath())
				return err
			},
		},
		{
			Name: "listen-addresses",
			Probe: func() error {
				if node.Initialized() && len(node.Info().Addresses) == 0 {
					return errors.New("host has no listen addresses")
				}
				return nil
			},
		},
	}
}

func startMetricsServer(addr string, m *p2pchat.Metrics) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	ms := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
	go func() {
		slog.Info("metrics endpoint started", "addr", addr)
		if err := ms.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics endpoint error", "error", err)
		}
	}()
	return ms
}

func runDaemonStop() {
	c := daemonClient()
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if err := c.Shutdown(ctx); err != nil {
		fatal("%v", err)
	}
	fmt.Println("Shutdown requested.")
}
