package p2pchat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	lru "github.com/hashicorp/golang-lru/v2"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	pb "github.com/libp2p/go-libp2p-pubsub/pb"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/zeebo/blake3"
	"golang.org/x/time/rate"

	"github.com/shurlinet/parley/internal/validate"
)

// TopicPrefix namespaces room topics on the gossip network.
const TopicPrefix = "parley/room/"

const (
	// DefaultMaxMessageBytes caps message content.
	DefaultMaxMessageBytes = 64 << 10

	// DefaultRateLimit and DefaultRateBurst bound how many messages per
	// second a single sender may push through this node's validator.
	DefaultRateLimit = 20
	DefaultRateBurst = 40

	// envelopeOverhead leaves room for the JSON envelope around content.
	envelopeOverhead = 512

	// publishTimeout bounds one background broadcast.
	publishTimeout = 30 * time.Second

	// limiterCacheSize bounds the number of senders with live rate limiters.
	limiterCacheSize = 4096

	// gossipHeartbeat is shorter than the gossipsub default so that room
	// meshes form quickly on small networks.
	gossipHeartbeat = time.Second
)

// TopicForRoom returns the gossip topic of a normalized room name.
func TopicForRoom(room string) string {
	return TopicPrefix + room
}

// RoomConfig tunes the room engine. Zero values select the defaults.
type RoomConfig struct {
	MaxMessageBytes int
	DedupWindow     int
	RateLimit       float64 // messages per second per sender
	RateBurst       int

	// Blocked, when set, drops messages authored by the peers it reports,
	// including ones relayed by other members.
	Blocked func(peer.ID) bool
}

func (c RoomConfig) withDefaults() RoomConfig {
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = DefaultDedupWindow
	}
	if c.RateLimit <= 0 {
		c.RateLimit = DefaultRateLimit
	}
	if c.RateBurst <= 0 {
		c.RateBurst = DefaultRateBurst
	}
	return c
}

// NewGossipSub creates the gossipsub router used by the room engine.
// Messages are signed and verified strictly, and the message ID is the
// BLAKE3 hash of the payload so identical envelopes collapse in the
// router's seen cache. Own messages are flooded to every known room
// member, so a publish right after a peer joins reaches it before the
// first heartbeat has built a mesh.
func NewGossipSub(ctx context.Context, h host.Host) (*pubsub.PubSub, error) {
	params := pubsub.DefaultGossipSubParams()
	params.HeartbeatInterval = gossipHeartbeat

	ps, err := pubsub.NewGossipSub(ctx, h,
		pubsub.WithGossipSubParams(params),
		pubsub.WithMessageSignaturePolicy(pubsub.StrictSign),
		pubsub.WithMessageIdFn(messageID),
		pubsub.WithFloodPublish(true),
	)
	if err != nil {
		return nil, fmt.Errorf("gossipsub: %w", err)
	}
	return ps, nil
}

func messageID(m *pb.Message) string {
	sum := blake3.Sum256(m.GetData())
	return string(sum[:])
}

// room is the live state of the joined room.
type room struct {
	name    string
	topic   *pubsub.Topic
	sub     *pubsub.Subscription
	handler *pubsub.TopicEventHandler
	dedup   *dedupWindow

	cancel context.CancelFunc
	loops  sync.WaitGroup

	membersMu sync.RWMutex
	members   map[peer.ID]struct{}
}

// RoomEngine routes chat messages for at most one joined room.
type RoomEngine struct {
	host    host.Host
	ps      *pubsub.PubSub
	bus     *EventBus
	metrics *Metrics
	audit   *AuditLogger
	cfg     RoomConfig

	// onJoin is called with the normalized room name after every switch.
	onJoin func(room string)

	mu      sync.Mutex // serializes Join/Close and guards current and topics
	current *room
	// topics keeps handles that could not be closed on leave (the router
	// still held a reference). They are reused on the next join.
	topics map[string]*pubsub.Topic

	limiters *lru.Cache[peer.ID, *rate.Limiter]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup // background broadcasts
}

// NewRoomEngine creates an engine on an existing gossipsub router. Metrics
// and audit are optional (nil-safe).
func NewRoomEngine(ctx context.Context, h host.Host, ps *pubsub.PubSub, bus *EventBus, cfg RoomConfig, m *Metrics, audit *AuditLogger) *RoomEngine {
	limiters, _ := lru.New[peer.ID, *rate.Limiter](limiterCacheSize)
	e := &RoomEngine{
		host:     h,
		ps:       ps,
		bus:      bus,
		metrics:  m,
		audit:    audit,
		cfg:      cfg.withDefaults(),
		topics:   make(map[string]*pubsub.Topic),
		limiters: limiters,
	}
	e.ctx, e.cancel = context.WithCancel(ctx)
	return e
}

// OnJoin registers a callback run after every successful room switch.
func (e *RoomEngine) OnJoin(fn func(room string)) {
	e.mu.Lock()
	e.onJoin = fn
	e.mu.Unlock()
}

// Join subscribes to name, leaving the current room first. Joining the
// current room again is a no-op. Join returns once the local subscription
// exists; remote delivery follows as the mesh forms.
func (e *RoomEngine) Join(ctx context.Context, name string) error {
	normalized, err := validate.RoomName(name)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRoomName, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ctx.Err() != nil {
		return fmt.Errorf("room engine closed: %w", e.ctx.Err())
	}
	if e.current != nil && e.current.name == normalized {
		return nil
	}
	// The current room is kept when the caller gave up before the switch.
	if err := ctx.Err(); err != nil {
		return err
	}

	previous := ""
	if e.current != nil {
		previous = e.current.name
		e.leaveLocked()
	}

	topicName := TopicForRoom(normalized)
	topic, err := e.topicLocked(topicName)
	if err != nil {
		return err
	}
	sub, err := topic.Subscribe()
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", topicName, err)
	}
	handler, err := topic.EventHandler()
	if err != nil {
		sub.Cancel()
		return fmt.Errorf("topic event handler %s: %w", topicName, err)
	}

	rctx, cancel := context.WithCancel(e.ctx)
	r := &room{
		name:    normalized,
		topic:   topic,
		sub:     sub,
		handler: handler,
		dedup:   newDedupWindow(e.cfg.DedupWindow),
		cancel:  cancel,
		members: make(map[peer.ID]struct{}),
	}
	r.loops.Add(2)
	go e.readLoop(rctx, r)
	go e.peerEventLoop(rctx, r)
	e.current = r

	if e.metrics != nil {
		e.metrics.RoomJoinsTotal.Inc()
		e.metrics.RoomMembers.Set(0)
	}
	e.audit.RoomJoined(normalized, previous)
	slog.Info("room: joined", "room", normalized, "previous", previous)

	if e.onJoin != nil {
		e.onJoin(normalized)
	}
	return nil
}

// topicLocked returns a handle for topicName, registering the validator
// and joining the topic on first use.
func (e *RoomEngine) topicLocked(topicName string) (*pubsub.Topic, error) {
	if t, ok := e.topics[topicName]; ok {
		return t, nil
	}
	if err := e.ps.RegisterTopicValidator(topicName, e.validate, pubsub.WithValidatorInline(true)); err != nil {
		return nil, fmt.Errorf("register validator %s: %w", topicName, err)
	}
	t, err := e.ps.Join(topicName)
	if err != nil {
		_ = e.ps.UnregisterTopicValidator(topicName)
		return nil, fmt.Errorf("join topic %s: %w", topicName, err)
	}
	e.topics[topicName] = t
	return t, nil
}

// leaveLocked tears down the current room. After it returns no further
// events from that room are emitted.
func (e *RoomEngine) leaveLocked() {
	r := e.current
	if r == nil {
		return
	}
	e.current = nil

	r.cancel()
	r.handler.Cancel()
	r.sub.Cancel()
	r.loops.Wait()

	topicName := TopicForRoom(r.name)
	if err := r.topic.Close(); err != nil {
		slog.Debug("room: topic still referenced, keeping handle", "room", r.name, "error", err)
	} else {
		delete(e.topics, topicName)
		_ = e.ps.UnregisterTopicValidator(topicName)
	}

	if e.metrics != nil {
		e.metrics.RoomMembers.Set(0)
	}
	slog.Info("room: left", "room", r.name)
}

// Publish emits content to the local subscriber immediately and broadcasts
// it to the room in the background. Broadcast failures are logged only.
func (e *RoomEngine) Publish(ctx context.Context, content string) error {
	e.mu.Lock()
	r := e.current
	e.mu.Unlock()

	if r == nil {
		return ErrNotJoined
	}
	if strings.TrimSpace(content) == "" {
		return ErrEmptyMessage
	}
	if !utf8.ValidString(content) {
		return ErrInvalidMessage
	}
	if len(content) > e.cfg.MaxMessageBytes {
		return fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrMessageTooLarge, len(content), e.cfg.MaxMessageBytes)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m := Message{
		SenderID:  e.host.ID().String(),
		Content:   content,
		Timestamp: time.Now().UTC(),
		Origin:    OriginLocal,
	}
	data, err := encodeEnvelope(m)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	e.bus.Emit(m.Event())

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		pctx, cancel := context.WithTimeout(e.ctx, publishTimeout)
		defer cancel()
		if err := r.topic.Publish(pctx, data); err != nil {
			slog.Warn("room: broadcast failed", "room", r.name, "error", err)
			e.countPublish("failure")
			return
		}
		e.countPublish("success")
	}()
	return nil
}

// Room returns the joined room name, or "" before the first join.
func (e *RoomEngine) Room() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return ""
	}
	return e.current.name
}

// Members returns the sorted IDs of remote peers subscribed to the current room.
func (e *RoomEngine) Members() []string {
	e.mu.Lock()
	r := e.current
	e.mu.Unlock()
	if r == nil {
		return []string{}
	}
	r.membersMu.RLock()
	defer r.membersMu.RUnlock()
	out := make([]string, 0, len(r.members))
	for id := range r.members {
		out = append(out, id.String())
	}
	slices.Sort(out)
	return out
}

// Close leaves the current room and waits for background broadcasts.
func (e *RoomEngine) Close() {
	e.mu.Lock()
	e.leaveLocked()
	for name, t := range e.topics {
		if err := t.Close(); err == nil {
			_ = e.ps.UnregisterTopicValidator(name)
		}
	}
	clear(e.topics)
	e.cancel()
	e.mu.Unlock()
	e.wg.Wait()
}

// validate is the topic validator. Own messages pass; remote messages must
// decode, carry a sender matching the signed origin and stay within the
// sender's rate budget.
func (e *RoomEngine) validate(_ context.Context, _ peer.ID, msg *pubsub.Message) pubsub.ValidationResult {
	from := msg.GetFrom()
	if from == e.host.ID() {
		return pubsub.ValidationAccept
	}
	if len(msg.GetData()) > e.cfg.MaxMessageBytes+envelopeOverhead {
		e.reject(from, "too_large")
		return pubsub.ValidationReject
	}
	m, err := decodeEnvelope(msg.GetData())
	if err != nil {
		e.reject(from, "malformed")
		return pubsub.ValidationReject
	}
	if m.SenderID != from.String() {
		e.reject(from, "sender_mismatch")
		return pubsub.ValidationReject
	}
	if e.cfg.Blocked != nil && e.cfg.Blocked(from) {
		if e.metrics != nil {
			e.metrics.MessagesRejectedTotal.WithLabelValues("blocked").Inc()
		}
		return pubsub.ValidationIgnore
	}
	if !e.limiterFor(from).Allow() {
		if e.metrics != nil {
			e.metrics.MessagesRejectedTotal.WithLabelValues("rate_limited").Inc()
		}
		return pubsub.ValidationIgnore
	}
	msg.ValidatorData = m
	return pubsub.ValidationAccept
}

func (e *RoomEngine) reject(from peer.ID, reason string) {
	slog.Debug("room: rejected message", "peer", shortID(from), "reason", reason)
	if e.metrics != nil {
		e.metrics.MessagesRejectedTotal.WithLabelValues(reason).Inc()
	}
	e.audit.MessageRejected(from.String(), reason)
}

func (e *RoomEngine) limiterFor(id peer.ID) *rate.Limiter {
	if l, ok := e.limiters.Get(id); ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(e.cfg.RateLimit), e.cfg.RateBurst)
	if prev, ok, _ := e.limiters.PeekOrAdd(id, l); ok {
		return prev
	}
	return l
}

func (e *RoomEngine) readLoop(ctx context.Context, r *room) {
	defer r.loops.Done()
	self := e.host.ID()
	for {
		msg, err := r.sub.Next(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, pubsub.ErrSubscriptionCancelled) {
				slog.Warn("room: subscription ended", "room", r.name, "error", err)
			}
			return
		}
		if msg.GetFrom() == self {
			continue
		}
		m, ok := msg.ValidatorData.(Message)
		if !ok {
			if m, err = decodeEnvelope(msg.GetData()); err != nil {
				continue
			}
		}
		if !r.dedup.firstSeen(m) {
			if e.metrics != nil {
				e.metrics.MessagesDedupedTotal.Inc()
			}
			continue
		}
		// A room switch may have started while this message was in hand.
		if ctx.Err() != nil {
			return
		}
		if e.metrics != nil {
			e.metrics.MessagesReceivedTotal.Inc()
		}
		e.bus.Emit(m.Event())
	}
}

func (e *RoomEngine) peerEventLoop(ctx context.Context, r *room) {
	defer r.loops.Done()
	for {
		ev, err := r.handler.NextPeerEvent(ctx)
		if err != nil {
			return
		}
		typ := EventRoomPeerJoined
		r.membersMu.Lock()
		switch ev.Type {
		case pubsub.PeerJoin:
			r.members[ev.Peer] = struct{}{}
		case pubsub.PeerLeave:
			delete(r.members, ev.Peer)
			typ = EventRoomPeerLeft
		}
		n := len(r.members)
		r.membersMu.Unlock()

		if e.metrics != nil {
			e.metrics.RoomMembers.Set(float64(n))
		}
		slog.Debug("room: membership changed", "room", r.name, "peer", shortID(ev.Peer), "event", typ, "members", n)
		e.bus.Emit(Event{Type: typ, Payload: RoomPeerEvent{Room: r.name, Peer: ev.Peer.String()}})
	}
}

func (e *RoomEngine) countPublish(result string) {
	if e.metrics != nil {
		e.metrics.MessagesPublishedTotal.WithLabelValues(result).Inc()
	}
}
