package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/shurlinet/parley/internal/blocklist"
	"github.com/shurlinet/parley/internal/config"
	"github.com/shurlinet/parley/internal/daemon"
	"github.com/shurlinet/parley/pkg/p2pchat"
)

var errNoBlocklist = errors.New("no blocked_peers_file configured (set network.blocked_peers_file or re-run 'parley init')")

func runBlock(args []string) {
	if len(args) > 0 && args[0] == "list" {
		if err := doBlockList(args[1:], os.Stdout); err != nil {
			fatal("%v", err)
		}
		return
	}
	if err := doBlock(args, os.Stdout); err != nil {
		fatal("%v", err)
	}
}

func runUnblock(args []string) {
	if err := doUnblock(args, os.Stdout); err != nil {
		fatal("%v", err)
	}
}

// blocklistPath loads the config and returns its resolved blocklist file.
func blocklistPath(configFlag string) (string, error) {
	cfg, _, err := loadConfig(configFlag)
	if err != nil {
		return "", err
	}
	if cfg.Network.BlockedPeersFile == "" {
		return "", errNoBlocklist
	}
	return cfg.Network.BlockedPeersFile, nil
}

func doBlock(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("block", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configFlag := fs.String("config", "", "path to config file")
	comment := fs.String("comment", "", "note stored next to the peer ID")
	if err := fs.Parse(reorderArgs(args, nil)); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: parley block <peer-id> [--comment text]")
	}

	path, err := blocklistPath(*configFlag)
	if err != nil {
		return err
	}
	if err := blocklist.Add(path, fs.Arg(0), *comment); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Blocked %s\n", fs.Arg(0))
	reloadDaemonBlocklist(stdout)
	return nil
}

func doUnblock(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("unblock", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configFlag := fs.String("config", "", "path to config file")
	if err := fs.Parse(reorderArgs(args, nil)); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: parley unblock <peer-id>")
	}

	path, err := blocklistPath(*configFlag)
	if err != nil {
		return err
	}
	if err := blocklist.Remove(path, fs.Arg(0)); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Unblocked %s\n", fs.Arg(0))
	reloadDaemonBlocklist(stdout)
	return nil
}

func doBlockList(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("block list", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configFlag := fs.String("config", "", "path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	path, err := blocklistPath(*configFlag)
	if err != nil {
		return err
	}
	entries, err := blocklist.List(path)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(stdout, "No blocked peers.")
		return nil
	}
	for _, e := range entries {
		if e.Comment != "" {
			fmt.Fprintf(stdout, "%s  # %s\n", e.PeerID, e.Comment)
		} else {
			fmt.Fprintln(stdout, e.PeerID)
		}
	}
	return nil
}

// reloadDaemonBlocklist applies a blocklist edit to a running daemon. No
// daemon is fine: the file is read again on the next start.
func reloadDaemonBlocklist(stdout io.Writer) {
	c, err := daemon.NewClient(daemonSocketPath(), daemonCookiePath())
	if err != nil {
		slog.Debug("blocklist: daemon not reachable, skipping reload", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	n, err := c.ReloadBlocklist(ctx)
	if err != nil {
		fmt.Fprintf(stdout, "Warning: daemon did not reload the blocklist: %v\n", err)
		return
	}
	fmt.Fprintf(stdout, "Daemon reloaded: %d blocked peer(s)\n", n)
}

// --- Daemon side ---

// newBlocklistGater loads the configured blocklist. It returns nil when no
// file is configured. Denied connections are counted and audited.
func newBlocklistGater(cfg *config.Config, m *p2pchat.Metrics, audit *p2pchat.AuditLogger) (*blocklist.Gater, error) {
	if cfg.Network.BlockedPeersFile == "" {
		return nil, nil
	}
	set, err := blocklist.Load(cfg.Network.BlockedPeersFile)
	if err != nil {
		return nil, err
	}
	g := blocklist.NewGater(set)
	g.OnDenied(func(peerID, direction string) {
		if m != nil {
			m.ConnectionsDenied.WithLabelValues(direction).Inc()
		}
		audit.ConnectionDenied(peerID, direction)
	})
	return g, nil
}

// applyBlocklist installs g as the host's connection gater and as the
// room's sender filter.
func applyBlocklist(nc *p2pchat.NodeConfig, g *blocklist.Gater) {
	if g == nil {
		return
	}
	nc.Network.ConnectionGater = g
	nc.Room.Blocked = g.Blocked
}

// peerSet is the part of the node a blocklist reload acts on.
type peerSet interface {
	Connections() []p2pchat.PeerConnectionInfo
	Disconnect(id string) error
}

// blocklistReloader re-reads path into g and drops connections to peers
// that are now blocked.
func blocklistReloader(path string, g *blocklist.Gater, peers peerSet) daemon.BlocklistReloader {
	return func() (int, error) {
		set, err := blocklist.Load(path)
		if err != nil {
			return 0, err
		}
		g.Update(set)

		for _, c := range peers.Connections() {
			if c.State != p2pchat.StateConnected.String() {
				continue
			}
			id, err := peer.Decode(c.PeerID)
			if err != nil || !g.Blocked(id) {
				continue
			}
			if err := peers.Disconnect(c.PeerID); err != nil {
				slog.Warn("blocklist: disconnect failed", "peer", c.PeerID, "error", err)
				continue
			}
			slog.Info("blocklist: disconnected blocked peer", "peer", c.PeerID)
		}
		return g.Len(), nil
	}
}
