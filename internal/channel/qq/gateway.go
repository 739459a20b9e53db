package qq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/vaan0524/qqbridge/pkg/channel"
)

// Gateway opcodes.
const (
	opDispatch       = 0
	opHeartbeat      = 1
	opIdentify       = 2
	opReconnect      = 7
	opInvalidSession = 9
	opHello          = 10
	opHeartbeatAck   = 11
)

// opNames maps opcodes to readable names for logging.
var opNames = map[int]string{
	opDispatch:       "DISPATCH",
	opHeartbeat:      "HEARTBEAT",
	opIdentify:       "IDENTIFY",
	opReconnect:      "RECONNECT",
	opInvalidSession: "INVALID_SESSION",
	opHello:          "HELLO",
	opHeartbeatAck:   "HEARTBEAT_ACK",
}

func opName(op int) string {
	if name, ok := opNames[op]; ok {
		return name
	}
	return fmt.Sprintf("OP_%d", op)
}

// Dispatch event types this channel consumes.
const (
	eventReady        = "READY"
	eventC2CMessage   = "C2C_MESSAGE_CREATE"
	eventGroupMessage = "GROUP_AT_MESSAGE_CREATE"
)

// frame is a gateway control frame.
type frame struct {
	Op   int             `json:"op"`
	Seq  int64           `json:"s,omitempty"`
	Type string          `json:"t,omitempty"`
	Data json.RawMessage `json:"d,omitempty"`
}

var errServerReconnect = fmt.Errorf("qq: server requested reconnect")

// gateway owns the persistent websocket: the opcode state machine, the
// heartbeat loop and the reconnect policy. Inbound messages go to onMessage;
// lifecycle faults fan out on the event bus after the reconnect budget is
// spent. All socket writes funnel through one writer goroutine so heartbeat
// and identify frames never interleave.
type gateway struct {
	cfg       Config
	api       *apiClient
	events    *channel.EventBus
	onMessage func(context.Context, channel.Message)

	mu          sync.Mutex
	state       ConnState
	sessionID   string
	lastSeq     int64
	conn        *websocket.Conn
	outbound    chan []byte
	connDone    chan struct{}
	identified  bool
	pendingAcks int

	closed    atomic.Bool
	readyCh   chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	runErr    error
}

func newGateway(cfg Config, api *apiClient, events *channel.EventBus, onMessage func(context.Context, channel.Message)) *gateway {
	return &gateway{
		cfg:       cfg,
		api:       api,
		events:    events,
		onMessage: onMessage,
		readyCh:   make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// run drives the connection until ctx is cancelled, close() is called, or
// the reconnect budget is exhausted. It never blocks the caller's loop on a
// bare sleep: reconnect delays run on a timer that also honors ctx.
func (g *gateway) run(ctx context.Context) {
	defer close(g.done)

	delay := g.cfg.ReconnectDelay
	attempts := 0

	for {
		if g.closed.Load() || ctx.Err() != nil {
			return
		}

		ready, err := g.runConn(ctx)
		if g.closed.Load() || ctx.Err() != nil {
			return
		}
		if ready {
			// The session got to Ready, so the budget measures consecutive
			// failures, not lifetime ones.
			attempts = 0
			delay = g.cfg.ReconnectDelay
		}

		attempts++
		if attempts > g.cfg.MaxReconnects {
			g.runErr = fmt.Errorf("qq: gateway reconnect attempts exhausted: %w", err)
			slog.Error("qq gateway giving up", "attempts", attempts-1, "error", err)
			g.toState(StateClosed)
			g.events.Publish(channel.Event{Type: channel.EventError, Err: g.runErr})
			return
		}

		g.toState(StateReconnecting)
		g.events.Publish(channel.Event{Type: channel.EventReconnect})
		slog.Warn("qq gateway disconnected, reconnecting",
			"attempt", attempts, "delay", delay, "error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		delay *= 2
		if delay > g.cfg.ReconnectMax {
			delay = g.cfg.ReconnectMax
		}
	}
}

// runConn owns one socket lifetime: dial, frame loop, teardown. Returns
// whether the session reached Ready and the error that ended it.
func (g *gateway) runConn(ctx context.Context) (ready bool, err error) {
	g.mu.Lock()
	if g.state == StateReconnecting {
		if next, terr := transition(g.state, StateConnecting); terr == nil {
			g.state = next
		}
	}
	g.mu.Unlock()

	url := g.cfg.GatewayURL
	if url == "" {
		url = g.api.gatewayURL(ctx)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return false, fmt.Errorf("qq: gateway dial %s: %w", url, err)
	}

	connDone := make(chan struct{})
	outbound := make(chan []byte, 16)

	g.mu.Lock()
	g.conn = conn
	g.outbound = outbound
	g.connDone = connDone
	g.identified = false
	g.pendingAcks = 0
	g.mu.Unlock()
	g.toState(StateAwaitingHello)

	defer close(connDone)
	defer conn.Close()

	// Single writer: heartbeat and identify frames queue here.
	go func() {
		for {
			select {
			case <-connDone:
				return
			case msg := <-outbound:
				if werr := conn.WriteMessage(websocket.TextMessage, msg); werr != nil {
					slog.Warn("qq gateway write failed", "error", werr)
					conn.Close()
					return
				}
			}
		}
	}()

	// Tear the socket down on shutdown so the read loop unblocks.
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-connDone:
		}
	}()

	slog.Info("qq gateway connected", "url", url)

	for {
		_, data, rerr := conn.ReadMessage()
		if rerr != nil {
			return ready, fmt.Errorf("qq: gateway read: %w", rerr)
		}

		var f frame
		if uerr := json.Unmarshal(data, &f); uerr != nil {
			// Malformed frame: log and keep the connection up.
			slog.Warn("qq gateway dropped malformed frame", "error", uerr)
			continue
		}

		switch f.Op {
		case opHello:
			g.handleHello(ctx, f, connDone)
		case opHeartbeatAck:
			g.mu.Lock()
			g.pendingAcks = 0
			g.mu.Unlock()
			slog.Debug("qq heartbeat acked")
		case opDispatch:
			if g.handleDispatch(ctx, f) {
				ready = true
			}
		case opReconnect:
			return ready, errServerReconnect
		case opInvalidSession:
			g.handleInvalidSession(ctx)
		default:
			slog.Debug("qq gateway ignoring frame", "op", opName(f.Op))
		}
	}
}

// handleHello starts the heartbeat loop at the server-declared interval,
// then identifies. Heartbeats never start before this frame arrives.
func (g *gateway) handleHello(ctx context.Context, f frame, connDone chan struct{}) {
	interval := time.Duration(gjson.GetBytes(f.Data, "heartbeat_interval").Int()) * time.Millisecond
	if interval <= 0 {
		interval = 41250 * time.Millisecond
	}

	g.toState(StateIdentifying)
	go g.heartbeatLoop(interval, connDone)
	g.sendIdentify(ctx)
}

// sendIdentify presents credentials and intents. Exactly once per socket;
// InvalidSession resets the guard to identify again on the same socket.
func (g *gateway) sendIdentify(ctx context.Context) {
	g.mu.Lock()
	if g.identified {
		g.mu.Unlock()
		slog.Error("qq gateway identify attempted twice on one socket")
		return
	}
	g.identified = true
	g.mu.Unlock()

	token, err := g.api.tokens.Token(ctx)
	if err != nil {
		slog.Error("qq identify blocked on token", "error", err)
		g.closeConn()
		return
	}

	g.enqueue(map[string]any{
		"op": opIdentify,
		"d": map[string]any{
			"token":      "QQBot " + token,
			"intents":    g.cfg.Intents,
			"shard":      []int{0, 1},
			"properties": map[string]string{},
		},
	})
}

// heartbeatLoop sends {op:1, d:lastSeq} every interval. Consecutive
// unacknowledged beats past the limit mean a stalled connection; the socket
// is closed to force the reconnect path.
func (g *gateway) heartbeatLoop(interval time.Duration, connDone chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-connDone:
			return
		case <-ticker.C:
			g.mu.Lock()
			missed := g.pendingAcks
			g.pendingAcks++
			seq := g.lastSeq
			g.mu.Unlock()

			if missed >= g.cfg.MissedAckLimit {
				slog.Warn("qq heartbeat acks missing, forcing reconnect", "missed", missed)
				g.closeConn()
				return
			}
			g.enqueue(map[string]any{"op": opHeartbeat, "d": seq})
		}
	}
}

// handleDispatch routes application events. Returns true when the frame was
// READY. Every sequenced frame advances lastSeq for the next heartbeat.
func (g *gateway) handleDispatch(ctx context.Context, f frame) bool {
	if f.Seq > 0 {
		g.mu.Lock()
		g.lastSeq = f.Seq
		g.mu.Unlock()
	}

	switch f.Type {
	case eventReady:
		g.mu.Lock()
		g.sessionID = gjson.GetBytes(f.Data, "session_id").String()
		sessionID := g.sessionID
		g.mu.Unlock()
		g.toState(StateReady)
		g.readyOnce.Do(func() { close(g.readyCh) })
		slog.Info("qq gateway ready", "session", sessionID)
		return true
	case eventC2CMessage:
		sender := gjson.GetBytes(f.Data, "author.user_openid").String()
		g.emitMessage(ctx, f.Data, sender, channel.Target{Kind: channel.TargetUser, ID: sender})
	case eventGroupMessage:
		sender := gjson.GetBytes(f.Data, "author.member_openid").String()
		group := gjson.GetBytes(f.Data, "group_openid").String()
		g.emitMessage(ctx, f.Data, sender, channel.Target{Kind: channel.TargetGroup, ID: group})
	default:
		slog.Debug("qq gateway ignoring event", "type", f.Type)
	}
	return false
}

func (g *gateway) emitMessage(ctx context.Context, data json.RawMessage, sender string, target channel.Target) {
	id := gjson.GetBytes(data, "id").String()
	if id == "" {
		id = uuid.NewString()
	}

	msg := channel.Message{
		ID:     id,
		Source: "qq",
		// Group at-messages arrive with the bot mention stripped but a
		// leading space left behind.
		Content:   strings.TrimSpace(gjson.GetBytes(data, "content").String()),
		SenderID:  sender,
		Target:    target,
		Timestamp: parseTimestamp(gjson.GetBytes(data, "timestamp").String()),
	}

	slog.Info("qq message received",
		"sender", msg.SenderID, "target", msg.Target.ID, "kind", msg.Target.Kind)

	// Handler runs outside the read loop so a slow consumer can't starve
	// heartbeat ack processing.
	go g.onMessage(ctx, msg)
}

func parseTimestamp(s string) int64 {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UnixMilli()
	}
	return time.Now().UnixMilli()
}

// handleInvalidSession clears session state and re-identifies on the same
// socket, per protocol. No re-dial.
func (g *gateway) handleInvalidSession(ctx context.Context) {
	slog.Warn("qq gateway session invalidated, re-identifying")
	g.mu.Lock()
	g.sessionID = ""
	g.lastSeq = 0
	g.identified = false
	g.mu.Unlock()

	g.toState(StateIdentifying)
	g.sendIdentify(ctx)
}

// enqueue queues a frame for the single writer. Frames race harmlessly with
// socket teardown: once connDone closes they are dropped.
func (g *gateway) enqueue(payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("qq gateway frame marshal failed", "error", err)
		return
	}

	g.mu.Lock()
	outbound, connDone := g.outbound, g.connDone
	g.mu.Unlock()
	if outbound == nil {
		return
	}

	select {
	case outbound <- data:
	case <-connDone:
	}
}

// toState applies a transition, refusing illegal ones.
func (g *gateway) toState(to ConnState) {
	g.mu.Lock()
	defer g.mu.Unlock()
	next, err := transition(g.state, to)
	if err != nil {
		slog.Error("qq gateway refused state change", "error", err)
		return
	}
	g.state = next
	slog.Debug("qq gateway state", "state", next)
}

// currentState reports the connection phase.
func (g *gateway) currentState() ConnState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *gateway) closeConn() {
	g.mu.Lock()
	conn := g.conn
	g.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// waitReady blocks until the first Ready, a fatal run error, or ctx.
func (g *gateway) waitReady(ctx context.Context) error {
	select {
	case <-g.readyCh:
		return nil
	case <-g.done:
		if g.runErr != nil {
			return g.runErr
		}
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close shuts the connection down for good: no further reconnects, no more
// heartbeats. Idempotent.
func (g *gateway) close() {
	if !g.closed.CompareAndSwap(false, true) {
		return
	}
	g.toState(StateClosed)
	g.closeConn()
	g.events.Publish(channel.Event{Type: channel.EventClose})
}
