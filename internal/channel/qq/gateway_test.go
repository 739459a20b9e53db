package qq

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/vaan0524/qqbridge/pkg/channel"
)

var upgrader = websocket.Upgrader{}

// startGateway runs a gateway against a scripted websocket server. serve is
// invoked per accepted connection with its ordinal (1-based).
func startGateway(t *testing.T, tune func(*Config), serve func(conn *websocket.Conn, connNum int)) (*gateway, chan channel.Message, *channel.EventBus, *atomic.Int64) {
	t.Helper()

	api, _ := newTestClient(t)

	var conns atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		serve(conn, int(conns.Add(1)))
	}))
	t.Cleanup(srv.Close)

	cfg := Config{
		AppID:          "app",
		AppSecret:      "secret",
		GatewayURL:     "ws" + strings.TrimPrefix(srv.URL, "http"),
		ReconnectDelay: 10 * time.Millisecond,
		ReconnectMax:   20 * time.Millisecond,
		MaxReconnects:  3,
	}.withDefaults()
	if tune != nil {
		tune(&cfg)
	}

	msgs := make(chan channel.Message, 16)
	bus := channel.NewEventBus()
	gw := newGateway(cfg, api, bus, func(ctx context.Context, m channel.Message) {
		msgs <- m
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go gw.run(ctx)

	return gw, msgs, bus, &conns
}

func writeFrame(conn *websocket.Conn, v any) {
	data, _ := json.Marshal(v)
	conn.WriteMessage(websocket.TextMessage, data)
}

// frames pumps client frames into a channel so server scripts can wait with
// timeouts without poisoning the connection with read deadlines.
func frames(conn *websocket.Conn) <-chan frame {
	ch := make(chan frame, 32)
	go func() {
		defer close(ch)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var f frame
			if json.Unmarshal(data, &f) == nil {
				ch <- f
			}
		}
	}()
	return ch
}

func nextFrame(ch <-chan frame, timeout time.Duration) (frame, bool) {
	select {
	case f, ok := <-ch:
		return f, ok
	case <-time.After(timeout):
		return frame{}, false
	}
}

func hello(conn *websocket.Conn, intervalMillis int) {
	writeFrame(conn, map[string]any{
		"op": opHello,
		"d":  map[string]any{"heartbeat_interval": intervalMillis},
	})
}

func ready(conn *websocket.Conn, seq int64) {
	writeFrame(conn, map[string]any{
		"op": opDispatch, "s": seq, "t": eventReady,
		"d": map[string]any{"session_id": "sess-1"},
	})
}

func TestGatewayHelloIdentifyReadyDispatch(t *testing.T) {
	identified := make(chan frame, 1)

	gw, msgs, _, _ := startGateway(t, nil, func(conn *websocket.Conn, n int) {
		fr := frames(conn)
		hello(conn, 60000)

		f, ok := nextFrame(fr, 2*time.Second)
		if !ok || f.Op != opIdentify {
			t.Errorf("first client frame op = %d, want identify", f.Op)
			return
		}
		identified <- f

		ready(conn, 1)
		writeFrame(conn, map[string]any{
			"op": opDispatch, "s": 2, "t": eventC2CMessage,
			"d": map[string]any{
				"id":        "mid-1",
				"content":   " hello there ",
				"timestamp": "2024-06-01T12:00:00Z",
				"author":    map[string]any{"user_openid": "user-1"},
			},
		})

		// Hold the connection open until the client goes away.
		for range fr {
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := gw.waitReady(ctx); err != nil {
		t.Fatalf("waitReady: %v", err)
	}
	if got := gw.currentState(); got != StateReady {
		t.Errorf("state after ready = %s", got)
	}

	f := <-identified
	if !strings.HasPrefix(gjson.GetBytes(f.Data, "token").String(), "QQBot ") {
		t.Error("identify token missing QQBot prefix")
	}
	if gjson.GetBytes(f.Data, "intents").Int() == 0 {
		t.Error("identify carries no intents")
	}

	select {
	case m := <-msgs:
		if m.ID != "mid-1" {
			t.Errorf("message ID = %q", m.ID)
		}
		if m.Content != "hello there" {
			t.Errorf("content = %q, want trimmed text", m.Content)
		}
		if m.Target.Kind != channel.TargetUser || m.Target.ID != "user-1" {
			t.Errorf("target = %+v", m.Target)
		}
		if m.Timestamp != time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC).UnixMilli() {
			t.Errorf("timestamp = %d", m.Timestamp)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("inbound message never reached the handler")
	}

	gw.close()
}

func TestGatewayGroupMessageTarget(t *testing.T) {
	gw, msgs, _, _ := startGateway(t, nil, func(conn *websocket.Conn, n int) {
		fr := frames(conn)
		hello(conn, 60000)
		if _, ok := nextFrame(fr, 2*time.Second); !ok {
			return
		}
		ready(conn, 1)
		writeFrame(conn, map[string]any{
			"op": opDispatch, "s": 2, "t": eventGroupMessage,
			"d": map[string]any{
				"id":           "mid-2",
				"content":      "ping",
				"group_openid": "group-9",
				"author":       map[string]any{"member_openid": "member-3"},
			},
		})
		for range fr {
		}
	})
	defer gw.close()

	select {
	case m := <-msgs:
		if m.Target.Kind != channel.TargetGroup || m.Target.ID != "group-9" {
			t.Errorf("target = %+v, want group-9", m.Target)
		}
		if m.SenderID != "member-3" {
			t.Errorf("sender = %q", m.SenderID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("group message never arrived")
	}
}

func TestGatewayNoFramesBeforeHello(t *testing.T) {
	result := make(chan string, 1)

	gw, _, _, _ := startGateway(t, nil, func(conn *websocket.Conn, n int) {
		fr := frames(conn)

		// No Hello yet: the client must stay silent.
		if f, ok := nextFrame(fr, 150*time.Millisecond); ok {
			result <- "unexpected frame before hello: " + opName(f.Op)
			return
		}

		hello(conn, 50)

		f, ok := nextFrame(fr, time.Second)
		if !ok || f.Op != opIdentify {
			result <- "first frame after hello was not identify"
			return
		}
		f, ok = nextFrame(fr, time.Second)
		if !ok || f.Op != opHeartbeat {
			result <- "second frame was not a heartbeat"
			return
		}
		if seq := gjson.ParseBytes(f.Data).Int(); seq != 0 {
			result <- "heartbeat seq should be 0 before any dispatch"
			return
		}
		result <- ""
		for range fr {
		}
	})
	defer gw.close()

	select {
	case msg := <-result:
		if msg != "" {
			t.Fatal(msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server script never completed")
	}
}

func TestGatewayHeartbeatCarriesLastSeq(t *testing.T) {
	result := make(chan string, 1)

	gw, _, _, _ := startGateway(t, func(c *Config) { c.MissedAckLimit = 100 }, func(conn *websocket.Conn, n int) {
		fr := frames(conn)
		hello(conn, 50)
		if f, ok := nextFrame(fr, time.Second); !ok || f.Op != opIdentify {
			result <- "no identify"
			return
		}
		ready(conn, 7)

		// Heartbeats queued before the dispatch was processed may still
		// carry 0; eventually one must carry 7.
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			f, ok := nextFrame(fr, time.Second)
			if !ok {
				result <- "connection died before a sequenced heartbeat"
				return
			}
			if f.Op == opHeartbeat && gjson.ParseBytes(f.Data).Int() == 7 {
				result <- ""
				return
			}
		}
		result <- "no heartbeat carried the dispatched seq"
	})
	defer gw.close()

	if msg := <-result; msg != "" {
		t.Fatal(msg)
	}
}

func TestGatewayInvalidSessionReidentifies(t *testing.T) {
	result := make(chan string, 1)

	gw, _, _, conns := startGateway(t, nil, func(conn *websocket.Conn, n int) {
		fr := frames(conn)
		hello(conn, 60000)
		if f, ok := nextFrame(fr, time.Second); !ok || f.Op != opIdentify {
			result <- "no initial identify"
			return
		}
		ready(conn, 1)

		writeFrame(conn, map[string]any{"op": opInvalidSession})

		f, ok := nextFrame(fr, 2*time.Second)
		if !ok || f.Op != opIdentify {
			result <- "no re-identify after invalid session"
			return
		}
		result <- ""
		for range fr {
		}
	})
	defer gw.close()

	if msg := <-result; msg != "" {
		t.Fatal(msg)
	}
	if n := conns.Load(); n != 1 {
		t.Errorf("invalid session re-dialed: %d connections", n)
	}
}

func TestGatewayServerReconnectRequest(t *testing.T) {
	gw, _, bus, conns := startGateway(t, nil, func(conn *websocket.Conn, n int) {
		fr := frames(conn)
		hello(conn, 60000)
		if _, ok := nextFrame(fr, time.Second); !ok {
			return
		}
		ready(conn, 1)
		if n == 1 {
			writeFrame(conn, map[string]any{"op": opReconnect})
			return // drop the connection
		}
		for range fr {
		}
	})
	defer gw.close()

	events, done := bus.Subscribe()
	defer bus.Unsubscribe(done)

	deadline := time.After(3 * time.Second)
	for {
		select {
		case e := <-events:
			if e.Type != channel.EventReconnect {
				continue
			}
			// Wait for the second session to establish.
			waitUntil := time.Now().Add(2 * time.Second)
			for time.Now().Before(waitUntil) {
				if conns.Load() >= 2 {
					return
				}
				time.Sleep(10 * time.Millisecond)
			}
			t.Fatal("no second connection after reconnect request")
		case <-deadline:
			t.Fatal("no reconnect event after server reconnect request")
		}
	}
}

func TestGatewayReconnectBudgetExhausted(t *testing.T) {
	gw, _, bus, conns := startGateway(t, func(c *Config) {
		c.MaxReconnects = 2
		c.ReconnectDelay = 5 * time.Millisecond
	}, func(conn *websocket.Conn, n int) {
		// Refuse every session immediately.
	})

	events, done := bus.Subscribe()
	defer bus.Unsubscribe(done)

	deadline := time.After(5 * time.Second)
	for {
		select {
		case e := <-events:
			if e.Type != channel.EventError {
				continue
			}
			if e.Err == nil {
				t.Error("error event with nil error")
			}
			<-gw.done
			if got := gw.currentState(); got != StateClosed {
				t.Errorf("state after exhaustion = %s, want closed", got)
			}
			// Budget of 2 means 3 socket attempts total, then stop.
			time.Sleep(50 * time.Millisecond)
			if n := conns.Load(); n != 3 {
				t.Errorf("%d connection attempts, want 3", n)
			}
			if err := gw.waitReady(context.Background()); err == nil {
				t.Error("waitReady should fail after exhaustion")
			}
			return
		case <-deadline:
			t.Fatal("no error event after reconnect budget exhausted")
		}
	}
}

func TestGatewayMissedAcksForceReconnect(t *testing.T) {
	gw, _, _, conns := startGateway(t, func(c *Config) {
		c.MissedAckLimit = 2
	}, func(conn *websocket.Conn, n int) {
		fr := frames(conn)
		hello(conn, 30)
		// Never acknowledge a heartbeat; just drain frames.
		for range fr {
		}
	})
	defer gw.close()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if conns.Load() >= 2 {
			return // stalled connection was detected and re-dialed
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("missed heartbeat acks never forced a reconnect")
}
