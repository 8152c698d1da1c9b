package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/shurlinet/parley/internal/daemon"
	"github.com/shurlinet/parley/pkg/p2pchat"
)

// clientCommand runs fn against the local daemon with a bounded context
// and exits 1 on error.
func clientCommand(args []string, fn func(ctx context.Context, c *daemon.Client, args []string, stdout io.Writer) error) {
	c := daemonClient()
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if err := fn(ctx, c, args, os.Stdout); err != nil {
		cancel()
		fatal("%v", err)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// --- init_p2p ---

func runUp(args []string) { clientCommand(args, doUp) }

func doUp(ctx context.Context, c *daemon.Client, _ []string, stdout io.Writer) error {
	id, err := c.Init(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Peer ID: %s\n", id)
	return nil
}

// --- status / get_node_info / peers ---

func runStatus(args []string) { clientCommand(args, doStatus) }

func doStatus(ctx context.Context, c *daemon.Client, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonFlag := fs.Bool("json", false, "output as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *jsonFlag {
		resp, err := c.Status(ctx)
		if err != nil {
			return err
		}
		return printJSON(stdout, resp)
	}
	text, err := c.StatusText(ctx)
	if err != nil {
		return err
	}
	fmt.Fprint(stdout, text)
	return nil
}

func runInfo(args []string) { clientCommand(args, doInfo) }

func doInfo(ctx context.Context, c *daemon.Client, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("info", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonFlag := fs.Bool("json", false, "output as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *jsonFlag {
		info, err := c.Info(ctx)
		if err != nil {
			return err
		}
		return printJSON(stdout, info)
	}
	text, err := c.InfoText(ctx)
	if err != nil {
		return err
	}
	fmt.Fprint(stdout, text)
	return nil
}

func runPeers(args []string) { clientCommand(args, doPeers) }

func doPeers(ctx context.Context, c *daemon.Client, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("peers", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonFlag := fs.Bool("json", false, "output as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	peers, err := c.Peers(ctx)
	if err != nil {
		return err
	}
	if *jsonFlag {
		return printJSON(stdout, peers)
	}
	if len(peers) == 0 {
		fmt.Fprintln(stdout, "No connected peers.")
		return nil
	}
	for _, p := range peers {
		fmt.Fprintf(stdout, "%s  %-10s %s\n", p.PeerID, p.State, p.Addr)
	}
	return nil
}

// --- join_room / send_message / connect_to_peer ---

func runJoin(args []string) { clientCommand(args, doJoin) }

func doJoin(ctx context.Context, c *daemon.Client, args []string, stdout io.Writer) error {
	if len(args) != 1 {
		return errors.New("usage: parley join <room>")
	}
	if err := c.JoinRoom(ctx, args[0]); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Joined %s\n", strings.TrimSpace(args[0]))
	return nil
}

func runSend(args []string) { clientCommand(args, doSend) }

// doSend joins all arguments with spaces, so quoting is optional.
func doSend(ctx context.Context, c *daemon.Client, args []string, _ io.Writer) error {
	if len(args) == 0 {
		return errors.New("usage: parley send <message>")
	}
	return c.SendMessage(ctx, strings.Join(args, " "))
}

func runConnect(args []string) { clientCommand(args, doConnect) }

func doConnect(ctx context.Context, c *daemon.Client, args []string, stdout io.Writer) error {
	if len(args) != 1 {
		return errors.New("usage: parley connect <multiaddr>")
	}
	if err := c.Connect(ctx, args[0]); err != nil {
		if errors.Is(err, p2pchat.ErrInvalidAddress) {
			return fmt.Errorf("%w\nThe address must end in /p2p/<peer-id>", err)
		}
		return err
	}
	fmt.Fprintf(stdout, "Connected to %s\n", args[0])
	return nil
}

// --- events ---

func runEvents(args []string) {
	c := daemonClient()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := doEvents(ctx, c, args, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		fatal("%v", err)
	}
}

// doEvents prints the daemon's event stream, one line per event, until
// ctx ends or the daemon closes the stream.
func doEvents(ctx context.Context, c *daemon.Client, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("events", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	typesFlag := fs.String("types", "", "comma-separated event types to show")
	jsonFlag := fs.Bool("json", false, "print raw JSON payloads")
	if err := fs.Parse(reorderArgs(args, map[string]bool{"json": true})); err != nil {
		return err
	}

	var types []string
	if *typesFlag != "" {
		for t := range strings.SplitSeq(*typesFlag, ",") {
			if t = strings.TrimSpace(t); t != "" {
				types = append(types, t)
			}
		}
	}

	return c.Events(ctx, func(ev daemon.StreamEvent) error {
		if *jsonFlag {
			_, err := fmt.Fprintf(stdout, "%s %s\n", ev.Type, ev.Data)
			return err
		}
		_, err := fmt.Fprintln(stdout, formatEvent(ev))
		return err
	}, types...)
}

// formatEvent renders an event for a terminal line.
func formatEvent(ev daemon.StreamEvent) string {
	switch ev.Type {
	case p2pchat.EventChatMessage:
		msg, err := daemon.DecodeChatMessage(ev)
		if err != nil {
			break
		}
		from := p2pchat.ShortPeerID(msg.From)
		if msg.IsSelf {
			from = "me"
		}
		return fmt.Sprintf("[%s] <%s> %s", msg.Timestamp.Local().Format("15:04:05"), from, msg.Content)
	case p2pchat.EventPeersChanged:
		var p p2pchat.PeersChanged
		if json.Unmarshal(ev.Data, &p) == nil {
			return fmt.Sprintf("* %d connected peer(s)", len(p.Peers))
		}
	case p2pchat.EventAddressesChanged:
		var a p2pchat.AddressesChanged
		if json.Unmarshal(ev.Data, &a) == nil {
			return "* listening on " + strings.Join(a.Addresses, ", ")
		}
	case p2pchat.EventRoomPeerJoined, p2pchat.EventRoomPeerLeft:
		var r p2pchat.RoomPeerEvent
		if json.Unmarshal(ev.Data, &r) == nil {
			verb := "joined"
			if ev.Type == p2pchat.EventRoomPeerLeft {
				verb = "left"
			}
			return fmt.Sprintf("* %s %s %s", p2pchat.ShortPeerID(r.Peer), verb, r.Room)
		}
	case p2pchat.EventPeerDiscovered:
		var d p2pchat.PeerDiscovered
		if json.Unmarshal(ev.Data, &d) == nil {
			return fmt.Sprintf("* found %s via %s (%d addr(s))", p2pchat.ShortPeerID(d.Peer), d.Source, len(d.Addrs))
		}
	}
	return fmt.Sprintf("%s %s", ev.Type, ev.Data)
}
