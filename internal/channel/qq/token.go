package qq

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// TokenProvider fetches and caches the bot access token. The token is held
// in memory only and refreshed before expiry with a safety margin. The mutex
// is held across the exchange so concurrent callers coalesce into a single
// in-flight request; late arrivals see the fresh token via the double-check.
type TokenProvider struct {
	appID  string
	secret string
	url    string
	margin time.Duration
	client *http.Client

	mu        sync.Mutex
	token     string
	expiresAt time.Time

	now func() time.Time // test hook
}

func newTokenProvider(cfg Config, client *http.Client) *TokenProvider {
	return &TokenProvider{
		appID:  cfg.AppID,
		secret: cfg.AppSecret,
		url:    cfg.TokenURL,
		margin: cfg.TokenMargin,
		client: client,
		now:    time.Now,
	}
}

// Token returns a valid access token, exchanging credentials if the cached
// one is stale. A failed exchange never discards a cached token that is
// still inside its raw TTL.
func (p *TokenProvider) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if p.token != "" && now.Before(p.expiresAt.Add(-p.margin)) {
		return p.token, nil
	}

	token, ttl, err := p.exchange(ctx)
	if err != nil {
		if p.token != "" && now.Before(p.expiresAt) {
			slog.Warn("qq token refresh failed, reusing unexpired token", "error", err)
			return p.token, nil
		}
		return "", &AuthError{Err: err}
	}

	p.token = token
	if ttl < p.margin {
		ttl = p.margin
	}
	p.expiresAt = now.Add(ttl)
	slog.Info("qq access token refreshed", "expires_in", ttl)
	return p.token, nil
}

func (p *TokenProvider) exchange(ctx context.Context) (string, time.Duration, error) {
	body, _ := json.Marshal(map[string]string{
		"appId":        p.appID,
		"clientSecret": p.secret,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("token endpoint HTTP %d: %s", resp.StatusCode, respBody)
	}

	var tokenResp struct {
		AccessToken string          `json:"access_token"`
		ExpiresIn   json.RawMessage `json:"expires_in"`
	}
	if err := json.Unmarshal(respBody, &tokenResp); err != nil {
		return "", 0, fmt.Errorf("parse token response: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return "", 0, fmt.Errorf("token response missing access_token: %s", respBody)
	}

	ttl, err := parseExpiresIn(tokenResp.ExpiresIn)
	if err != nil {
		return "", 0, err
	}
	return tokenResp.AccessToken, ttl, nil
}

// parseExpiresIn accepts the TTL as either a JSON number or a quoted string
// of seconds; the platform has served both.
func parseExpiresIn(raw json.RawMessage) (time.Duration, error) {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" || s == "null" {
		return 0, fmt.Errorf("token response missing expires_in")
	}
	secs, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse expires_in %q: %w", s, err)
	}
	return time.Duration(secs) * time.Second, nil
}
