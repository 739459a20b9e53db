package qq

import "time"

// Production endpoints. Sandbox swaps the REST base; the token endpoint is
// shared between both environments.
const (
	tokenURL        = "https://bots.qq.com/app/getAppAccessToken"
	apiBase         = "https://api.sgroup.qq.com"
	sandboxAPIBase  = "https://sandbox.api.sgroup.qq.com"
	fallbackGateway = "wss://api.sgroup.qq.com/websocket"
)

// intentPublicMessages subscribes to C2C and group-at message events.
const intentPublicMessages = 1 << 25

// Config holds QQ channel configuration. Zero values are filled in by
// withDefaults; only AppID and AppSecret are required.
type Config struct {
	AppID     string
	AppSecret string
	Sandbox   bool

	// Intents is the gateway event subscription bitmask.
	Intents int

	// TokenURL, APIBase and GatewayURL override the platform endpoints.
	// GatewayURL skips the /gateway discovery call when set. Used in tests.
	TokenURL   string
	APIBase    string
	GatewayURL string

	// TokenMargin is subtracted from the server-declared token TTL before
	// the token is considered stale.
	TokenMargin time.Duration

	// MaxMessageLen is the per-message character limit; longer text is
	// split at safe boundaries. ChunkDelay separates the resulting sends.
	MaxMessageLen int
	ChunkDelay    time.Duration

	// Retry tuning for transient API failures.
	RetryBase     time.Duration
	RetryMax      time.Duration
	RetryAttempts int

	// Reconnect tuning. The delay doubles per attempt up to ReconnectMax;
	// after MaxReconnects failed attempts the connection stays closed and
	// an error event is emitted.
	ReconnectDelay time.Duration
	ReconnectMax   time.Duration
	MaxReconnects  int

	// MissedAckLimit forces a reconnect after this many consecutive
	// heartbeats without an acknowledgment.
	MissedAckLimit int

	// ReplySeqCap bounds the per-reply sequence map; the oldest half is
	// evicted once the cap is exceeded.
	ReplySeqCap int
}

func (c Config) withDefaults() Config {
	if c.Intents == 0 {
		c.Intents = intentPublicMessages
	}
	if c.TokenURL == "" {
		c.TokenURL = tokenURL
	}
	if c.APIBase == "" {
		if c.Sandbox {
			c.APIBase = sandboxAPIBase
		} else {
			c.APIBase = apiBase
		}
	}
	if c.TokenMargin == 0 {
		c.TokenMargin = 60 * time.Second
	}
	if c.MaxMessageLen == 0 {
		c.MaxMessageLen = 1900
	}
	if c.ChunkDelay == 0 {
		c.ChunkDelay = 500 * time.Millisecond
	}
	if c.RetryBase == 0 {
		c.RetryBase = time.Second
	}
	if c.RetryMax == 0 {
		c.RetryMax = 5 * time.Second
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = 3
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 2 * time.Second
	}
	if c.ReconnectMax == 0 {
		c.ReconnectMax = 60 * time.Second
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = 10
	}
	if c.MissedAckLimit == 0 {
		c.MissedAckLimit = 3
	}
	if c.ReplySeqCap == 0 {
		c.ReplySeqCap = 1000
	}
	return c
}
