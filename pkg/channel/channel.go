// Package channel defines the contract between the assistant layer and a
// messaging platform channel. The assistant only ever sees these types; all
// platform protocol details (sockets, tokens, upload choreography) stay behind
// the Channel interface.
package channel

import "context"

// TargetKind says whether a message goes to a single user or a group chat.
type TargetKind string

const (
	TargetUser  TargetKind = "user"
	TargetGroup TargetKind = "group"
)

// Target identifies the recipient of an outbound message.
type Target struct {
	Kind TargetKind
	ID   string // platform open-id of the user or group
}

// Message is an inbound message from the platform.
type Message struct {
	// ID is the platform message id, usable as ReplyTo on responses.
	ID string

	// Source identifies the channel (e.g., "qq").
	Source string

	// SenderID is the platform-specific sender identifier.
	SenderID string

	// Target is where a reply should go (the sender for direct messages,
	// the group for group messages).
	Target Target

	// Content is the message text.
	Content string

	// Timestamp is the message timestamp in milliseconds.
	Timestamp int64
}

// AttachmentKind classifies an outbound attachment. It is derived once from
// the filename extension and never changes mid-flight.
type AttachmentKind string

const (
	AttachmentImage AttachmentKind = "image"
	AttachmentVideo AttachmentKind = "video"
	AttachmentAudio AttachmentKind = "audio"
	AttachmentFile  AttachmentKind = "file"
)

// Attachment is an outbound file attachment.
type Attachment struct {
	Filename string
	Data     []byte
}

// Response is an outgoing text message.
type Response struct {
	Target  Target
	Content string

	// ReplyTo links the response to an inbound message id. Optional.
	ReplyTo string
}

// MessageHandler is called for each message received from the channel.
type MessageHandler func(ctx context.Context, msg Message) error

// EventType tags a lifecycle event emitted by a channel.
type EventType string

const (
	EventError     EventType = "error"     // reconnect budget exhausted or fatal fault
	EventClose     EventType = "close"     // caller-initiated shutdown completed
	EventReconnect EventType = "reconnect" // connection dropped, reconnect scheduled
)

// Event is a channel lifecycle notification. Err is set for EventError.
type Event struct {
	Type EventType
	Err  error
}

// Channel is the interface for a communication channel.
type Channel interface {
	// Name returns the channel identifier (e.g., "qq").
	Name() string

	// Start connects and begins listening for messages. Blocks until ctx is
	// cancelled or the connection fails permanently. Received messages are
	// sent to the handler function.
	Start(ctx context.Context, handler MessageHandler) error

	// Send delivers a text response, splitting it when it exceeds the
	// platform's message length limit.
	Send(ctx context.Context, resp Response) error

	// SendFile delivers a file attachment, with an optional caption sent as
	// a follow-up text message. replyTo may be empty.
	SendFile(ctx context.Context, target Target, att Attachment, replyTo, caption string) error

	// Stop gracefully shuts down the channel.
	Stop() error
}
