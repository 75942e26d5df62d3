// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned by ChatClient implementations when a message or
// channel no longer exists. Delete cascades treat it as success.
var ErrNotFound = errors.New("relay: not found")

// Message is an inbound chat message as delivered by the platform gateway.
// It is immutable once received; the engine never mutates it.
type Message struct {
	ID             string
	ChannelID      string
	Community      string // human-readable name of the origin server/community
	SenderID       string
	SenderName     string // display name used in the relay header
	AvatarURL      string
	Text           string
	Attachments    []Attachment
	MentionedUsers []string
	MentionedRoles []string
	CreatedAt      time.Time
}

// Attachment references an uploaded file by name. The payload is not held
// in memory; the dispatcher opens the source and streams it through a
// local spool file at delivery time.
type Attachment struct {
	Name   string
	Source AttachmentSource
}

// AttachmentSource provides the attachment bytes on demand.
type AttachmentSource interface {
	Open(ctx context.Context) (io.ReadCloser, error)
}

// Notice is the private notification sent to a user whose mention was
// stripped from a relayed message.
type Notice struct {
	MentionedBy string
	ChannelID   string
	Community   string
	When        time.Time
}

// Webhook posts messages under an arbitrary display identity. Used by the
// webhook delivery mode to impersonate the original author instead of
// prefixing a header.
type Webhook interface {
	Send(ctx context.Context, text, username, avatarURL string) (messageID string, err error)
}

// ChatClient is the outbound contract to the chat platform. The gateway
// connection itself lives outside the engine; the engine only issues these
// calls. Every call carries the host platform's inherent network timeout
// via ctx; the engine never retries.
type ChatClient interface {
	SendText(ctx context.Context, channelID, text string) (messageID string, err error)
	SendAttachment(ctx context.Context, channelID string, data io.Reader, filename string) (messageID string, err error)
	SendStatus(ctx context.Context, channelID, title, body string) error
	DeleteMessage(ctx context.Context, channelID, messageID string) error
	FetchMessage(ctx context.Context, channelID, messageID string) (*Message, error)
	FetchHistory(ctx context.Context, channelID string, limit int) ([]*Message, error)
	SendDirectNotice(ctx context.Context, userID string, notice Notice) error
	CreateOrReuseWebhook(ctx context.Context, channelID, displayName string) (Webhook, error)
	IsChannelNSFW(ctx context.Context, channelID string) (bool, error)
}
