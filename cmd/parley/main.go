package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
)

// Set via -ldflags at build time:
//
//	go build -ldflags "-X main.version=0.1.0 -X main.commit=$(git rev-parse --short HEAD) -X main.buildDate=$(date -u +%Y-%m-%dT%H:%M:%SZ)" -o parley ./cmd/parley
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	level, args, err := extractLogLevel(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(2)
	}
	setupLogging(os.Stderr, level)

	if len(args) < 1 {
		printUsage()
		osExit(1)
	}

	switch args[0] {
	case "init":
		runInit(args[1:])
	case "daemon":
		runDaemon(args[1:])
	case "up":
		runUp(args[1:])
	case "status":
		runStatus(args[1:])
	case "info":
		runInfo(args[1:])
	case "peers":
		runPeers(args[1:])
	case "join":
		runJoin(args[1:])
	case "send":
		runSend(args[1:])
	case "connect":
		runConnect(args[1:])
	case "events":
		runEvents(args[1:])
	case "chat":
		runChat(args[1:])
	case "block":
		runBlock(args[1:])
	case "unblock":
		runUnblock(args[1:])
	case "whoami":
		runWhoami(args[1:])
	case "config":
		runConfig(args[1:])
	case "version", "--version":
		printVersion(os.Stdout)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", args[0])
		printUsage()
		osExit(1)
	}
}

// extractLogLevel pulls a leading --log-level flag off args. It must come
// before the command name.
func extractLogLevel(args []string) (slog.Level, []string, error) {
	level := slog.LevelInfo
	if len(args) == 0 || !strings.HasPrefix(args[0], "--log-level") {
		return level, args, nil
	}

	var value string
	if v, ok := strings.CutPrefix(args[0], "--log-level="); ok {
		value, args = v, args[1:]
	} else if args[0] == "--log-level" && len(args) > 1 {
		value, args = args[1], args[2:]
	} else {
		return level, args, fmt.Errorf("--log-level requires a value (debug, info, warn, error)")
	}

	if err := level.UnmarshalText([]byte(value)); err != nil {
		return level, args, fmt.Errorf("invalid --log-level %q: %w", value, err)
	}
	return level, args, nil
}

func setupLogging(w io.Writer, level slog.Level) {
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
	})))
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "parley %s (%s) built %s\n", version, commit, buildDate)
	fmt.Fprintf(w, "Go %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

func printUsage() {
	fmt.Println("Usage: parley [--log-level level] <command> [options]")
	fmt.Println()
	fmt.Println("Node:")
	fmt.Println("  daemon [--no-init]                       Run the chat node with its control socket")
	fmt.Println("  daemon stop                              Graceful shutdown")
	fmt.Println("  up                                       Start networking on a daemon run with --no-init")
	fmt.Println("  status [--json]                          Daemon and node status")
	fmt.Println("  info [--json]                            Peer ID, addresses, peers and room")
	fmt.Println("  peers [--json]                           Connected peers")
	fmt.Println()
	fmt.Println("Chat:")
	fmt.Println("  join <room>                              Join a room (leaves the current one)")
	fmt.Println("  send <message>                           Publish to the current room")
	fmt.Println("  connect <multiaddr>                      Dial a peer, e.g. /ip4/1.2.3.4/tcp/4001/p2p/12D3...")
	fmt.Println("  events [--types a,b] [--json]            Stream node events")
	fmt.Println("  chat [room]                              Interactive chat session")
	fmt.Println()
	fmt.Println("Blocking:")
	fmt.Println("  block <peer-id> [--comment text]         Refuse connections and messages from a peer")
	fmt.Println("  block list                               Show blocked peers")
	fmt.Println("  unblock <peer-id>                        Remove a peer from the blocklist")
	fmt.Println()
	fmt.Println("Identity & configuration:")
	fmt.Println("  init [--seal] [--force] [--ephemeral]    Write config and identity key")
	fmt.Println("  whoami                                   Show your peer ID")
	fmt.Println("  config validate [--config path]          Validate config")
	fmt.Println("  config show     [--config path]          Show resolved config")
	fmt.Println("  config rollback [--config path]          Restore the archived config")
	fmt.Println("  version                                  Show version information")
	fmt.Println()
	fmt.Println("Without --config, parley searches: ./parley.yaml, ~/.config/parley/config.yaml, /etc/parley/config.yaml")
	fmt.Println("and falls back to built-in defaults with an ephemeral identity.")
	fmt.Println()
	fmt.Println("A sealed identity key is unlocked from $" + passphraseEnv + " or a terminal prompt.")
	fmt.Println()
	fmt.Println("Get started:  parley init && parley daemon")
}
