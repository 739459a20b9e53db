package qq

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/vaan0524/qqbridge/pkg/channel"
)

// msg_type values on the /messages endpoint.
const (
	msgTypeText  = 0
	msgTypeMedia = 7
)

// file_type values on the /files endpoint.
var fileTypes = map[channel.AttachmentKind]int{
	channel.AttachmentImage: 1,
	channel.AttachmentVideo: 2,
	channel.AttachmentAudio: 3,
	channel.AttachmentFile:  4,
}

// uploadResult is the outcome of an upload call. FileInfo is the opaque
// reference for a later media send when the upload was two-phase; Delivered
// is set when srv_send_msg made the platform deliver in one call.
type uploadResult struct {
	FileInfo  string
	FileUUID  string
	TTL       int
	Delivered bool
}

// apiClient issues authenticated REST calls against the QQ open API. It is
// stateless apart from the per-reply sequence counter; every method builds
// its request through the token provider and funnels through one retry
// wrapper for transient failures.
type apiClient struct {
	base   string
	appID  string
	tokens *TokenProvider
	client *http.Client
	retry  retryPolicy
	seqs   *replySeq
}

func newAPIClient(cfg Config, tokens *TokenProvider, client *http.Client) *apiClient {
	return &apiClient{
		base:   cfg.APIBase,
		appID:  cfg.AppID,
		tokens: tokens,
		client: client,
		retry:  retryPolicy{Base: cfg.RetryBase, Max: cfg.RetryMax, Attempts: cfg.RetryAttempts},
		seqs:   newReplySeq(cfg.ReplySeqCap),
	}
}

func messagesPath(t channel.Target) string {
	if t.Kind == channel.TargetGroup {
		return "/v2/groups/" + t.ID + "/messages"
	}
	return "/v2/users/" + t.ID + "/messages"
}

func filesPath(t channel.Target) string {
	if t.Kind == channel.TargetGroup {
		return "/v2/groups/" + t.ID + "/files"
	}
	return "/v2/users/" + t.ID + "/files"
}

// sendText posts a plain text message. replyTo, when set, links the message
// to the inbound message id it answers.
func (c *apiClient) sendText(ctx context.Context, target channel.Target, content, replyTo string) error {
	body := map[string]any{
		"content":  content,
		"msg_type": msgTypeText,
	}
	if replyTo != "" {
		body["msg_id"] = replyTo
	}

	resp, err := c.post(ctx, messagesPath(target), body)
	if err != nil {
		return err
	}
	slog.Debug("qq text sent", "target", target.ID, "id", gjson.GetBytes(resp, "id").String())
	return nil
}

// sendMedia posts a rich-media message referencing a previously uploaded
// file. msg_seq distinguishes repeated media replies to the same inbound
// message; without it the platform deduplicates them.
func (c *apiClient) sendMedia(ctx context.Context, target channel.Target, fileInfo, replyTo string) error {
	body := map[string]any{
		"msg_type": msgTypeMedia,
		"media":    map[string]string{"file_info": fileInfo},
		"msg_seq":  c.seqs.Next(replyTo),
	}
	if replyTo != "" {
		body["msg_id"] = replyTo
	}

	resp, err := c.post(ctx, messagesPath(target), body)
	if err != nil {
		return err
	}
	slog.Debug("qq media sent", "target", target.ID, "id", gjson.GetBytes(resp, "id").String())
	return nil
}

// upload pushes attachment bytes to the platform. With directSend the
// platform delivers the file in the same call (single-phase, used for audio
// and plain files); otherwise the returned FileInfo feeds a sendMedia call
// (two-phase, used for image and video).
func (c *apiClient) upload(ctx context.Context, target channel.Target, data []byte, kind channel.AttachmentKind, ext string, directSend bool) (*uploadResult, error) {
	body := map[string]any{
		"file_type":      fileTypes[kind],
		"file_type_data": ext,
		"file_data":      base64.StdEncoding.EncodeToString(data),
		"srv_send_msg":   directSend,
	}

	resp, err := c.post(ctx, filesPath(target), body)
	if err != nil {
		return nil, err
	}

	res := &uploadResult{
		FileInfo:  gjson.GetBytes(resp, "file_info").String(),
		FileUUID:  gjson.GetBytes(resp, "file_uuid").String(),
		TTL:       int(gjson.GetBytes(resp, "ttl").Int()),
		Delivered: directSend,
	}
	if !directSend && res.FileInfo == "" {
		return nil, fmt.Errorf("qq upload response missing file_info: %s", resp)
	}
	return res, nil
}

// gatewayURL asks the platform for the websocket connect URL, falling back
// to the well-known address when discovery fails.
func (c *apiClient) gatewayURL(ctx context.Context) string {
	resp, err := c.do(ctx, http.MethodGet, "/gateway", nil)
	if err != nil {
		slog.Warn("qq gateway discovery failed, using fallback", "error", err)
		return fallbackGateway
	}
	if url := gjson.GetBytes(resp, "url").String(); url != "" {
		return url
	}
	slog.Warn("qq gateway discovery returned no url, using fallback")
	return fallbackGateway
}

// post sends an authenticated JSON request with transient-failure retry.
func (c *apiClient) post(ctx context.Context, path string, body map[string]any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	var resp []byte
	err = withRetry(ctx, c.retry, isTransient, func() error {
		var err error
		resp, err = c.do(ctx, http.MethodPost, path, payload)
		return err
	})
	return resp, err
}

// do issues one authenticated request and classifies the response. Non-2xx
// responses become an APIError carrying the platform code and message so
// callers can tell transient outages from permanent rejects.
func (c *apiClient) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reqBody)
	if err != nil {
		return nil, err
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "QQBot "+token)
	req.Header.Set("X-Union-Appid", c.appID)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{
			Status:  resp.StatusCode,
			Code:    int(gjson.GetBytes(respBody, "code").Int()),
			Message: gjson.GetBytes(respBody, "message").String(),
		}
	}
	return respBody, nil
}

// newHTTPClient is the shared REST client. Per-request timeouts are the only
// cancellation this layer supports.
func newHTTPClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}
