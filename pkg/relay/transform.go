// Copyright 2024-2026 Aiku AI

package relay

import (
	"regexp"
	"strings"
)

// Mention and custom-emoji token syntax of the host platform.
var (
	userMentionPattern   = regexp.MustCompile(`<@!?(\d+)>`)
	roleMentionPattern   = regexp.MustCompile(`<@&(\d+)>`)
	customEmojiPattern   = regexp.MustCompile(`<(a?):([\w~]+):(\d+)>`)
	collapseSpacePattern = regexp.MustCompile(`  +`)
)

// UserNotice pairs a mention notice with its recipient.
type UserNotice struct {
	UserID string
	Notice Notice
}

// Outbound is the transformed payload ready for fan-out. Attachments are
// carried by reference; the dispatcher streams their bytes at delivery
// time.
type Outbound struct {
	Text        string
	Attachments []Attachment
	Notices     []UserNotice
	// DropEmpty is set when stripping left no text and there are no
	// attachments. The caller deletes the origin and relays nothing.
	DropEmpty bool
}

// Transformer rewrites message content for safe cross-posting. It holds
// only configuration and is safe for concurrent use.
type Transformer struct {
	massPingPolicy MassPingPolicy
	emojiBaseURL   string
}

// NewTransformer creates a transformer from the engine config.
func NewTransformer(cfg *Config) *Transformer {
	return &Transformer{
		massPingPolicy: cfg.MassPingPolicy,
		emojiBaseURL:   strings.TrimSuffix(cfg.EmojiBaseURL, "/"),
	}
}

// Transform produces the outbound payload for one inbound message. The
// bypass set lists user ids whose mentions are relayed untouched.
func (t *Transformer) Transform(msg *Message, bypass []string) *Outbound {
	text := msg.Text

	if t.massPingPolicy == MassPingStrip {
		for _, token := range massPingTokens {
			text = strings.ReplaceAll(text, token, "")
		}
	}

	var notices []UserNotice
	text = userMentionPattern.ReplaceAllStringFunc(text, func(token string) string {
		userID := userMentionPattern.FindStringSubmatch(token)[1]
		if contains(bypass, userID) {
			return token
		}
		notices = append(notices, UserNotice{
			UserID: userID,
			Notice: Notice{
				MentionedBy: msg.SenderName,
				ChannelID:   msg.ChannelID,
				Community:   msg.Community,
				When:        msg.CreatedAt,
			},
		})
		return ""
	})

	text = roleMentionPattern.ReplaceAllString(text, "")

	text = customEmojiPattern.ReplaceAllStringFunc(text, func(token string) string {
		m := customEmojiPattern.FindStringSubmatch(token)
		if t.emojiBaseURL == "" {
			return ":" + m[2] + ":"
		}
		ext := ".png"
		if m[1] == "a" {
			ext = ".gif"
		}
		return t.emojiBaseURL + "/" + m[3] + ext
	})

	text = collapseSpacePattern.ReplaceAllString(text, " ")

	out := &Outbound{
		Text:        text,
		Attachments: msg.Attachments,
		Notices:     notices,
	}
	if strings.TrimSpace(text) == "" && len(msg.Attachments) == 0 {
		out.DropEmpty = true
	}
	return out
}
