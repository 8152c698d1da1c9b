package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shurlinet/parley/internal/daemon"
	"github.com/shurlinet/parley/internal/termcolor"
	"github.com/shurlinet/parley/pkg/p2pchat"
)

var chatEventTypes = []string{
	p2pchat.EventChatMessage,
	p2pchat.EventPeersChanged,
	p2pchat.EventRoomPeerJoined,
	p2pchat.EventRoomPeerLeft,
	p2pchat.EventPeerDiscovered,
}

func runChat(args []string) {
	fs := flag.NewFlagSet("chat", flag.ContinueOnError)
	configFlag := fs.String("config", "", "path to config file")
	if err := fs.Parse(reorderArgs(args, nil)); err != nil {
		osExit(2)
	}
	cfg, _, err := loadConfig(*configFlag)
	if err != nil {
		fatal("%v", err)
	}

	c := daemonClient()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	session := &chatSession{
		client: c,
		out:    termcolor.Stdout(),
		poll:   cfg.Chat.PollInterval,
	}
	if err := session.run(ctx, os.Stdin, fs.Arg(0)); err != nil && !errors.Is(err, context.Canceled) {
		fatal("%v", err)
	}
}

// chatSession is an interactive front end: events stream to the screen
// while stdin lines are sent as messages or slash commands. Node info is
// polled every poll interval to report peer count changes.
type chatSession struct {
	client *daemon.Client
	out    *termcolor.Printer
	poll   time.Duration

	self string

	mu        sync.Mutex
	lastPeers int
}

func (s *chatSession) run(ctx context.Context, in io.Reader, room string) error {
	info, err := s.client.Info(ctx)
	if err != nil {
		return err
	}
	if info.PeerID == "" {
		id, err := s.client.Init(ctx)
		if err != nil {
			return err
		}
		s.self = id
	} else {
		s.self = info.PeerID
	}
	s.lastPeers = len(info.ConnectedPeers)

	if room != "" {
		if err := s.client.JoinRoom(ctx, room); err != nil {
			return err
		}
	} else {
		room = info.Room
	}
	s.out.Green("parley chat as %s", p2pchat.ShortPeerID(s.self))
	if room != "" {
		s.out.Faint("room: %s. Type /help for commands.", room)
	} else {
		s.out.Yellow("No room joined yet. Use /join <room>.")
	}

	g, ctx := errgroup.WithContext(ctx)
	ctx, quit := context.WithCancel(ctx)
	defer quit()

	g.Go(func() error {
		err := s.client.Events(ctx, s.showEvent, chatEventTypes...)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			return errors.New("daemon closed the event stream")
		}
		return err
	})
	g.Go(func() error {
		s.pollInfo(ctx)
		return nil
	})

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	g.Go(func() error {
		defer quit()
		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				if done := s.handleLine(ctx, line); done {
					return nil
				}
			}
		}
	})

	return g.Wait()
}

// handleLine sends a message or runs a slash command. It reports true when
// the session should end.
func (s *chatSession) handleLine(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		if err := s.client.SendMessage(ctx, line); err != nil {
			s.reportError(err)
		}
		return false
	}

	cmd, arg, _ := strings.Cut(line[1:], " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "quit", "exit":
		return true
	case "join":
		if err := s.client.JoinRoom(ctx, arg); err != nil {
			s.reportError(err)
			return false
		}
		s.out.Faint("joined %s", arg)
	case "connect":
		s.out.Faint("dialing %s ...", arg)
		if err := s.client.Connect(ctx, arg); err != nil {
			s.reportError(err)
			return false
		}
		s.out.Green("connected")
	case "info":
		info, err := s.client.Info(ctx)
		if err != nil {
			s.reportError(err)
			return false
		}
		s.out.Faint("peer %s, room %q, %d peer(s), %d room member(s)",
			info.PeerID, info.Room, len(info.ConnectedPeers), len(info.RoomMembers))
		for _, a := range info.Addresses {
			s.out.Faint("  %s", a)
		}
	case "peers":
		info, err := s.client.Info(ctx)
		if err != nil {
			s.reportError(err)
			return false
		}
		if len(info.ConnectedPeers) == 0 {
			s.out.Faint("no connected peers")
		}
		for _, p := range info.ConnectedPeers {
			s.out.Println("  " + s.out.Paint(p, p))
		}
	case "help":
		s.out.Faint("/join <room>  /connect <multiaddr>  /peers  /info  /quit")
	default:
		s.out.Red("unknown command /%s (try /help)", cmd)
	}
	return false
}

func (s *chatSession) reportError(err error) {
	switch {
	case errors.Is(err, p2pchat.ErrNotJoined):
		s.out.Yellow("join a room first: /join <room>")
	case errors.Is(err, p2pchat.ErrNotInitialized):
		s.out.Yellow("node is not initialized: run 'parley up'")
	default:
		s.out.Red("%v", err)
	}
}

func (s *chatSession) showEvent(ev daemon.StreamEvent) error {
	switch ev.Type {
	case p2pchat.EventChatMessage:
		msg, err := daemon.DecodeChatMessage(ev)
		if err != nil {
			return nil
		}
		ts := s.out.Dim(msg.Timestamp.Local().Format("15:04"))
		name := s.out.Paint(msg.From, p2pchat.ShortPeerID(msg.From))
		if msg.IsSelf {
			name = s.out.Self("me")
		}
		s.out.Println(fmt.Sprintf("%s %s: %s", ts, name, msg.Content))
	case p2pchat.EventRoomPeerJoined, p2pchat.EventRoomPeerLeft:
		var r p2pchat.RoomPeerEvent
		if json.Unmarshal(ev.Data, &r) != nil {
			return nil
		}
		verb := "joined"
		if ev.Type == p2pchat.EventRoomPeerLeft {
			verb = "left"
		}
		s.out.Faint("* %s %s %s", p2pchat.ShortPeerID(r.Peer), verb, r.Room)
	case p2pchat.EventPeersChanged:
		var p p2pchat.PeersChanged
		if json.Unmarshal(ev.Data, &p) == nil {
			s.peerCount(len(p.Peers))
		}
	case p2pchat.EventPeerDiscovered:
		var d p2pchat.PeerDiscovered
		if json.Unmarshal(ev.Data, &d) == nil {
			s.out.Faint("* found %s via %s", p2pchat.ShortPeerID(d.Peer), d.Source)
		}
	}
	return nil
}

// pollInfo refreshes the node snapshot so peer count changes surface even
// when an event was dropped for this slow subscriber.
func (s *chatSession) pollInfo(ctx context.Context) {
	if s.poll <= 0 {
		return
	}
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		info, err := s.client.Info(ctx)
		if err != nil {
			continue
		}
		s.peerCount(len(info.ConnectedPeers))
	}
}

func (s *chatSession) peerCount(n int) {
	s.mu.Lock()
	changed := n != s.lastPeers
	s.lastPeers = n
	s.mu.Unlock()
	if changed {
		s.out.Faint("* %d connected peer(s)", n)
	}
}
