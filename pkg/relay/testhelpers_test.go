// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package relay

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"github.com/aiku/wormhole/pkg/store"
)

// sentMessage records one outbound send on the fake platform.
type sentMessage struct {
	ID        string
	ChannelID string
	Text      string
	Filename  string // set for attachment sends
	Username  string // set for webhook sends
}

// directNotice records one SendDirectNotice call.
type directNotice struct {
	UserID string
	Notice Notice
}

// statusSend records one SendStatus call.
type statusSend struct {
	ChannelID string
	Title     string
	Body      string
}

// fakeChat is an in-memory ChatClient that records every call and lets
// tests inject per-channel failures.
type fakeChat struct {
	mu     sync.Mutex
	nextID int

	sent     []sentMessage
	statuses []statusSend
	notices  []directNotice
	deleted  []string // "channel/message"

	// live holds message ids that exist and can still be deleted.
	live map[string]bool

	// failChannels makes sends to these channels fail.
	failChannels map[string]bool
	// nsfwChannels flags channels as NSFW.
	nsfwChannels map[string]bool
	// history is returned by FetchHistory, per channel.
	history map[string][]*Message
}

var _ ChatClient = (*fakeChat)(nil)

func newFakeChat() *fakeChat {
	return &fakeChat{
		live:         make(map[string]bool),
		failChannels: make(map[string]bool),
		nsfwChannels: make(map[string]bool),
		history:      make(map[string][]*Message),
	}
}

func (f *fakeChat) send(channelID, text, filename, username string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failChannels[channelID] {
		return "", fmt.Errorf("channel %s unreachable", channelID)
	}
	f.nextID++
	id := fmt.Sprintf("copy-%d", f.nextID)
	f.sent = append(f.sent, sentMessage{
		ID:        id,
		ChannelID: channelID,
		Text:      text,
		Filename:  filename,
		Username:  username,
	})
	f.live[channelID+"/"+id] = true
	return id, nil
}

func (f *fakeChat) SendText(_ context.Context, channelID, text string) (string, error) {
	return f.send(channelID, text, "", "")
}

func (f *fakeChat) SendAttachment(_ context.Context, channelID string, data io.Reader, filename string) (string, error) {
	if _, err := io.Copy(io.Discard, data); err != nil {
		return "", err
	}
	return f.send(channelID, "", filename, "")
}

func (f *fakeChat) SendStatus(_ context.Context, channelID, title, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failChannels[channelID] {
		return fmt.Errorf("channel %s unreachable", channelID)
	}
	f.statuses = append(f.statuses, statusSend{ChannelID: channelID, Title: title, Body: body})
	return nil
}

func (f *fakeChat) DeleteMessage(_ context.Context, channelID, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := channelID + "/" + messageID
	if !f.live[key] {
		return ErrNotFound
	}
	delete(f.live, key)
	f.deleted = append(f.deleted, key)
	return nil
}

func (f *fakeChat) FetchMessage(_ context.Context, channelID, messageID string) (*Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.live[channelID+"/"+messageID] {
		return nil, ErrNotFound
	}
	return &Message{ID: messageID, ChannelID: channelID}, nil
}

func (f *fakeChat) FetchHistory(_ context.Context, channelID string, limit int) ([]*Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	history := f.history[channelID]
	if len(history) > limit {
		history = history[:limit]
	}
	return history, nil
}

// Notices returns a snapshot of recorded direct notices.
func (f *fakeChat) Notices() []directNotice {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]directNotice, len(f.notices))
	copy(cp, f.notices)
	return cp
}

func (f *fakeChat) SendDirectNotice(_ context.Context, userID string, notice Notice) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices = append(f.notices, directNotice{UserID: userID, Notice: notice})
	return nil
}

func (f *fakeChat) CreateOrReuseWebhook(_ context.Context, channelID, displayName string) (Webhook, error) {
	return &fakeWebhook{chat: f, channelID: channelID}, nil
}

func (f *fakeChat) IsChannelNSFW(_ context.Context, channelID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nsfwChannels[channelID], nil
}

// addLive registers an existing message so DeleteMessage can succeed.
func (f *fakeChat) addLive(channelID, messageID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.live[channelID+"/"+messageID] = true
}

// Sent returns a snapshot of recorded sends.
func (f *fakeChat) Sent() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]sentMessage, len(f.sent))
	copy(cp, f.sent)
	return cp
}

// SentTo returns the text sends delivered to one channel.
func (f *fakeChat) SentTo(channelID string) []sentMessage {
	var out []sentMessage
	for _, m := range f.Sent() {
		if m.ChannelID == channelID {
			out = append(out, m)
		}
	}
	return out
}

// Deleted returns a snapshot of "channel/message" delete keys.
func (f *fakeChat) Deleted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]string, len(f.deleted))
	copy(cp, f.deleted)
	return cp
}

// Statuses returns a snapshot of recorded status sends.
func (f *fakeChat) Statuses() []statusSend {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]statusSend, len(f.statuses))
	copy(cp, f.statuses)
	return cp
}

type fakeWebhook struct {
	chat      *fakeChat
	channelID string
}

func (w *fakeWebhook) Send(_ context.Context, text, username, _ string) (string, error) {
	return w.chat.send(w.channelID, text, "", username)
}

// bytesSource is an AttachmentSource serving a fixed payload.
type bytesSource []byte

func (b bytesSource) Open(context.Context) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(b)), nil
}

// testConfig returns a post-processed config with test-friendly defaults.
func testConfig(mods ...func(*Config)) *Config {
	cfg := &Config{}
	for _, mod := range mods {
		mod(cfg)
	}
	if err := cfg.PostProcess(); err != nil {
		panic(err)
	}
	return cfg
}

// testEngine wires an engine on a fake platform and an in-memory store.
func testEngine(mods ...func(*Config)) (*Engine, *fakeChat) {
	chat := newFakeChat()
	engine := NewEngine(testConfig(mods...), chat, store.NewMemory(), zerolog.Nop())
	return engine, chat
}

// linkChannels opens a public group with the given members.
func linkChannels(engine *Engine, groupID int, channels ...string) error {
	for _, ch := range channels {
		if _, err := engine.Registry().Open(context.Background(), groupID, ch); err != nil {
			return err
		}
	}
	return nil
}

// testMessage builds a minimal inbound message.
func testMessage(id, channelID, senderID, text string) *Message {
	return &Message{
		ID:         id,
		ChannelID:  channelID,
		Community:  "Community",
		SenderID:   senderID,
		SenderName: "U",
		Text:       text,
	}
}
