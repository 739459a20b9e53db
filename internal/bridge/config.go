// Package bridge wires configuration for the qqbridge daemon.
package bridge

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/vaan0524/qqbridge/internal/channel/qq"
)

// Config is the daemon configuration file. Values starting with '$' resolve
// from the environment, and QQBRIDGE_PRIVATE_CONFIG may point at an overlay
// file merged on top (for credentials kept out of the main config).
type Config struct {
	Name string   `json:"name"`
	QQ   QQConfig `json:"qq"`
}

// QQConfig mirrors the channel settings with file-friendly types (durations
// as strings, e.g. "500ms").
type QQConfig struct {
	AppID         string `json:"app_id"`
	AppSecret     string `json:"app_secret"`
	Sandbox       bool   `json:"sandbox"`
	MaxMessageLen int    `json:"max_message_len,omitempty"`
	ChunkDelay    string `json:"chunk_delay,omitempty"`
	MaxReconnects int    `json:"max_reconnects,omitempty"`
	RetryAttempts int    `json:"retry_attempts,omitempty"`
}

// Load reads the config file (optional), merging defaults, the file, and
// the private overlay, in that order.
func Load(path string) (*Config, error) {
	base := defaultConfig()
	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, fmt.Errorf("marshal default config: %w", err)
	}

	merged := baseJSON
	if path != "" {
		fileData, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		merged, err = deepMergeJSON(merged, fileData)
		if err != nil {
			return nil, fmt.Errorf("merge config %s: %w", path, err)
		}
	}

	if overlay := os.Getenv("QQBRIDGE_PRIVATE_CONFIG"); overlay != "" {
		overlayData, err := os.ReadFile(overlay)
		if err != nil {
			return nil, fmt.Errorf("read private config %s: %w", overlay, err)
		}
		merged, err = deepMergeJSON(merged, overlayData)
		if err != nil {
			return nil, fmt.Errorf("merge private config %s: %w", overlay, err)
		}
	}

	var cfg Config
	if err := json.Unmarshal(merged, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.Name = resolveEnv(cfg.Name)
	cfg.QQ.AppID = resolveEnv(cfg.QQ.AppID)
	cfg.QQ.AppSecret = resolveEnv(cfg.QQ.AppSecret)

	if cfg.Name == "" {
		cfg.Name = "qqbridge"
	}
	return &cfg, nil
}

// Channel converts the file config into channel settings.
func (c *Config) Channel() (qq.Config, error) {
	cfg := qq.Config{
		AppID:         c.QQ.AppID,
		AppSecret:     c.QQ.AppSecret,
		Sandbox:       c.QQ.Sandbox,
		MaxMessageLen: c.QQ.MaxMessageLen,
		MaxReconnects: c.QQ.MaxReconnects,
		RetryAttempts: c.QQ.RetryAttempts,
	}
	if c.QQ.ChunkDelay != "" {
		d, err := time.ParseDuration(c.QQ.ChunkDelay)
		if err != nil {
			return qq.Config{}, fmt.Errorf("parse chunk_delay: %w", err)
		}
		cfg.ChunkDelay = d
	}
	return cfg, nil
}

func deepMergeJSON(base, overlay []byte) ([]byte, error) {
	var baseMap map[string]interface{}
	if len(base) > 0 {
		if err := json.Unmarshal(base, &baseMap); err != nil {
			return nil, err
		}
	}
	if baseMap == nil {
		baseMap = map[string]interface{}{}
	}

	var overlayMap map[string]interface{}
	if len(overlay) > 0 {
		if err := json.Unmarshal(overlay, &overlayMap); err != nil {
			return nil, err
		}
	}
	mergeMap(baseMap, overlayMap)
	return json.Marshal(baseMap)
}

func mergeMap(dst, src map[string]interface{}) {
	for k, v := range src {
		dstObj, dstIsObj := dst[k].(map[string]interface{})
		srcObj, srcIsObj := v.(map[string]interface{})
		if dstIsObj && srcIsObj {
			mergeMap(dstObj, srcObj)
			dst[k] = dstObj
			continue
		}
		dst[k] = v
	}
}

func resolveEnv(s string) string {
	if len(s) > 1 && s[0] == '$' {
		if v := os.Getenv(s[1:]); v != "" {
			return v
		}
	}
	return s
}

func defaultConfig() *Config {
	return &Config{
		Name: "qqbridge",
		QQ: QQConfig{
			AppID:     envOr("QQ_BOT_APP_ID", ""),
			AppSecret: envOr("QQ_BOT_SECRET", ""),
			Sandbox:   envOr("QQ_BOT_SANDBOX", "") != "",
		},
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
