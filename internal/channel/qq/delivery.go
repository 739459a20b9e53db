package qq

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/vaan0524/qqbridge/pkg/channel"
)

// Per-kind upload ceilings in bytes. Checked before any network call.
var sizeLimits = map[channel.AttachmentKind]int{
	channel.AttachmentImage: 10 << 20,
	channel.AttachmentVideo: 100 << 20,
	channel.AttachmentAudio: 20 << 20,
	channel.AttachmentFile:  100 << 20,
}

// extKinds classifies a filename extension once; an attachment is never
// reclassified mid-flight.
var extKinds = map[string]channel.AttachmentKind{
	"jpg": channel.AttachmentImage, "jpeg": channel.AttachmentImage,
	"png": channel.AttachmentImage, "gif": channel.AttachmentImage,
	"webp": channel.AttachmentImage,
	"mp4":  channel.AttachmentVideo, "mov": channel.AttachmentVideo,
	"mp3": channel.AttachmentAudio, "wav": channel.AttachmentAudio,
	"silk": channel.AttachmentAudio, "amr": channel.AttachmentAudio,
}

// textFallbackExts are extensions safe to re-deliver as plain text when the
// media path fails.
var textFallbackExts = map[string]bool{
	"txt": true, "md": true, "markdown": true, "log": true,
	"json": true, "yaml": true, "yml": true, "csv": true,
	"xml": true, "toml": true,
}

// classifyAttachment derives the media kind and bare extension from a
// filename. Unknown extensions are generic files.
func classifyAttachment(filename string) (channel.AttachmentKind, string) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	if kind, ok := extKinds[ext]; ok {
		return kind, ext
	}
	return channel.AttachmentFile, ext
}

// delivery turns abstract send requests into API calls: it splits long text,
// size-checks and routes attachments through the right upload choreography,
// and degrades to text framing when the media path fails.
type delivery struct {
	cfg Config
	api *apiClient
}

func newDelivery(cfg Config, api *apiClient) *delivery {
	return &delivery{cfg: cfg, api: api}
}

// sendText delivers content, splitting past MaxMessageLen. Only the first
// chunk replies to replyTo; the rest go out as fresh messages with a short
// delay between them to stay under platform rate limits.
func (d *delivery) sendText(ctx context.Context, target channel.Target, content, replyTo string) error {
	chunks := splitMessage(content, d.cfg.MaxMessageLen)
	for i, chunk := range chunks {
		reply := ""
		if i == 0 {
			reply = replyTo
		}
		if err := d.api.sendText(ctx, target, chunk, reply); err != nil {
			return fmt.Errorf("send chunk %d/%d: %w", i+1, len(chunks), err)
		}
		if i < len(chunks)-1 {
			time.Sleep(d.cfg.ChunkDelay)
		}
	}
	if len(chunks) > 1 {
		slog.Info("qq long message sent", "target", target.ID, "chunks", len(chunks), "total_len", len(content))
	}
	return nil
}

// sendAttachment delivers a file. Image and video take the two-phase path
// (upload for a file_info token, then a media-reference message); audio and
// generic files go single-phase with srv_send_msg. When the media path
// fails for a text-like file, the bytes are re-delivered through the text
// splitter instead.
func (d *delivery) sendAttachment(ctx context.Context, target channel.Target, att channel.Attachment, replyTo, caption string) error {
	kind, ext := classifyAttachment(att.Filename)

	if limit := sizeLimits[kind]; len(att.Data) > limit {
		return &SizeLimitError{Kind: kind, Size: len(att.Data), Limit: limit}
	}

	err := d.sendMedia(ctx, target, att, kind, ext, replyTo)
	if err != nil {
		if !textFallbackExts[ext] {
			return err
		}
		slog.Warn("qq media delivery failed, falling back to text",
			"file", att.Filename, "error", err)
		if ferr := d.sendAsText(ctx, target, att, replyTo); ferr != nil {
			return &FallbackError{Primary: err, Fallback: ferr}
		}
	} else {
		slog.Info("qq attachment sent", "target", target.ID, "file", att.Filename, "kind", kind, "bytes", len(att.Data))
	}

	if caption != "" {
		if cerr := d.sendText(ctx, target, caption, ""); cerr != nil {
			return fmt.Errorf("attachment delivered but caption failed: %w", cerr)
		}
	}
	return nil
}

func (d *delivery) sendMedia(ctx context.Context, target channel.Target, att channel.Attachment, kind channel.AttachmentKind, ext, replyTo string) error {
	switch kind {
	case channel.AttachmentImage, channel.AttachmentVideo:
		res, err := d.api.upload(ctx, target, att.Data, kind, ext, false)
		if err != nil {
			return err
		}
		return d.api.sendMedia(ctx, target, res.FileInfo, replyTo)
	default:
		_, err := d.api.upload(ctx, target, att.Data, kind, ext, true)
		return err
	}
}

// sendAsText frames the attachment bytes as chunked plain text:
// "<filename> (i/total):\n<chunk>".
func (d *delivery) sendAsText(ctx context.Context, target channel.Target, att channel.Attachment, replyTo string) error {
	if !utf8.Valid(att.Data) {
		return fmt.Errorf("qq: %s is not valid text", att.Filename)
	}

	chunks := splitMessage(string(att.Data), d.cfg.MaxMessageLen)
	for i, chunk := range chunks {
		framed := fmt.Sprintf("%s (%d/%d):\n%s", att.Filename, i+1, len(chunks), chunk)
		reply := ""
		if i == 0 {
			reply = replyTo
		}
		if err := d.api.sendText(ctx, target, framed, reply); err != nil {
			return err
		}
		if i < len(chunks)-1 {
			time.Sleep(d.cfg.ChunkDelay)
		}
	}
	return nil
}
