// Package qq implements the QQ official bot channel: a persistent gateway
// websocket for inbound messages and an authenticated REST path for outbound
// text and attachments. The assistant layer above sees only the
// pkg/channel contract; connection loss, token expiry and upload
// choreography are handled here.
package qq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/vaan0524/qqbridge/pkg/channel"
)

// Channel implements channel.Channel for the QQ bot platform.
type Channel struct {
	cfg      Config
	tokens   *TokenProvider
	api      *apiClient
	delivery *delivery
	events   *channel.EventBus

	mu      sync.Mutex
	gw      *gateway
	handler channel.MessageHandler
}

// New creates a QQ channel. Start must be called before messages flow;
// outbound sends work independently of the gateway state.
func New(cfg Config) *Channel {
	cfg = cfg.withDefaults()
	httpClient := newHTTPClient()
	tokens := newTokenProvider(cfg, httpClient)
	api := newAPIClient(cfg, tokens, httpClient)

	return &Channel{
		cfg:      cfg,
		tokens:   tokens,
		api:      api,
		delivery: newDelivery(cfg, api),
		events:   channel.NewEventBus(),
	}
}

// Name returns the channel identifier.
func (c *Channel) Name() string { return "qq" }

// Events exposes lifecycle events (error, close, reconnect) for subscribers.
func (c *Channel) Events() *channel.EventBus { return c.events }

// Start connects to the gateway and blocks until ctx is cancelled or the
// reconnect budget is exhausted. It returns once the connection has failed
// for good; the initial connection having reached Ready is observable via
// WaitReady.
func (c *Channel) Start(ctx context.Context, handler channel.MessageHandler) error {
	if c.cfg.AppID == "" || c.cfg.AppSecret == "" {
		return fmt.Errorf("qq: app id and secret are required")
	}

	c.mu.Lock()
	if c.gw != nil {
		c.mu.Unlock()
		return fmt.Errorf("qq: channel already started")
	}
	c.handler = handler
	c.gw = newGateway(c.cfg, c.api, c.events, c.dispatch)
	gw := c.gw
	c.mu.Unlock()

	slog.Info("qq channel starting", "app", c.cfg.AppID, "sandbox", c.cfg.Sandbox)
	gw.run(ctx)

	if ctx.Err() != nil {
		return nil // graceful shutdown
	}
	if gw.runErr != nil {
		return gw.runErr
	}
	return nil
}

// WaitReady blocks until the gateway session is established, the connection
// fails permanently, or ctx expires.
func (c *Channel) WaitReady(ctx context.Context) error {
	c.mu.Lock()
	gw := c.gw
	c.mu.Unlock()
	if gw == nil {
		return fmt.Errorf("qq: channel not started")
	}
	return gw.waitReady(ctx)
}

// State reports the gateway connection phase.
func (c *Channel) State() ConnState {
	c.mu.Lock()
	gw := c.gw
	c.mu.Unlock()
	if gw == nil {
		return StateClosed
	}
	return gw.currentState()
}

// Send delivers a text response through the splitting path. Plain HTTP
// sends do not depend on the socket, so this works even mid-reconnect.
func (c *Channel) Send(ctx context.Context, resp channel.Response) error {
	return c.delivery.sendText(ctx, resp.Target, resp.Content, resp.ReplyTo)
}

// SendFile delivers an attachment, with optional caption.
func (c *Channel) SendFile(ctx context.Context, target channel.Target, att channel.Attachment, replyTo, caption string) error {
	return c.delivery.sendAttachment(ctx, target, att, replyTo, caption)
}

// Stop shuts the gateway down and blocks further reconnection.
func (c *Channel) Stop() error {
	c.mu.Lock()
	gw := c.gw
	c.mu.Unlock()
	if gw != nil {
		gw.close()
	}
	return nil
}

// dispatch hands an inbound message to the registered handler. Handler
// errors are reported back to the sender the same way the assistant's own
// replies travel.
func (c *Channel) dispatch(ctx context.Context, msg channel.Message) {
	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()
	if handler == nil {
		return
	}

	if err := handler(ctx, msg); err != nil {
		slog.Error("qq message handler error", "error", err)
		if serr := c.Send(ctx, channel.Response{
			Target:  msg.Target,
			Content: fmt.Sprintf("(error: %s)", err),
			ReplyTo: msg.ID,
		}); serr != nil {
			slog.Error("qq error reply failed", "error", serr)
		}
	}
}
