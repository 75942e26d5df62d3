// Copyright 2024-2026 Aiku AI

// Package mattermost adapts a Mattermost server to the relay engine's
// platform contracts: outbound operations via the REST API and inbound
// events via the WebSocket gateway.
package mattermost

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"

	"github.com/aiku/wormhole/pkg/relay"
)

// Client implements relay.ChatClient against a Mattermost server using a
// bot account token.
type Client struct {
	api       *model.Client4
	serverURL string
	userID    string
	community string
	log       zerolog.Logger

	userMu    sync.RWMutex
	userNames map[string]string // user id -> display name
}

var _ relay.ChatClient = (*Client)(nil)

// NewClient verifies the token and resolves the bot's team, whose display
// name becomes the community name on relayed headers.
func NewClient(ctx context.Context, serverURL, token string, log zerolog.Logger) (*Client, error) {
	api := model.NewAPIv4Client(serverURL)
	api.SetToken(token)

	me, _, err := api.GetMe(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to verify Mattermost token: %w", err)
	}

	community := serverURL
	teams, _, err := api.GetTeamsForUser(ctx, me.Id, "")
	if err == nil && len(teams) > 0 {
		community = teams[0].DisplayName
	}

	c := &Client{
		api:       api,
		serverURL: serverURL,
		userID:    me.Id,
		community: community,
		log:       log.With().Str("component", "mm_client").Logger(),
		userNames: make(map[string]string),
	}
	c.log.Info().Str("server_url", serverURL).Str("user_id", me.Id).
		Str("username", me.Username).Msg("Authenticated")
	return c, nil
}

// BotUserID returns the authenticated bot's user id. The gateway uses it
// for echo prevention.
func (c *Client) BotUserID() string {
	return c.userID
}

func (c *Client) SendText(ctx context.Context, channelID, text string) (string, error) {
	post, _, err := c.api.CreatePost(ctx, &model.Post{
		ChannelId: channelID,
		Message:   text,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create post: %w", err)
	}
	return post.Id, nil
}

func (c *Client) SendAttachment(ctx context.Context, channelID string, data io.Reader, filename string) (string, error) {
	payload, err := io.ReadAll(data)
	if err != nil {
		return "", fmt.Errorf("failed to read attachment data: %w", err)
	}
	upload, _, err := c.api.UploadFile(ctx, payload, channelID, filename)
	if err != nil {
		return "", fmt.Errorf("failed to upload file: %w", err)
	}
	if len(upload.FileInfos) == 0 {
		return "", fmt.Errorf("no file info returned from upload")
	}
	post, _, err := c.api.CreatePost(ctx, &model.Post{
		ChannelId: channelID,
		FileIds:   []string{upload.FileInfos[0].Id},
	})
	if err != nil {
		return "", fmt.Errorf("failed to create attachment post: %w", err)
	}
	return post.Id, nil
}

func (c *Client) SendStatus(ctx context.Context, channelID, title, body string) error {
	_, err := c.SendText(ctx, channelID, fmt.Sprintf("**%s** — %s", title, body))
	return err
}

func (c *Client) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	resp, err := c.api.DeletePost(ctx, messageID)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return relay.ErrNotFound
		}
		return fmt.Errorf("failed to delete post: %w", err)
	}
	return nil
}

func (c *Client) FetchMessage(ctx context.Context, channelID, messageID string) (*relay.Message, error) {
	post, resp, err := c.api.GetPost(ctx, messageID, "")
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, relay.ErrNotFound
		}
		return nil, fmt.Errorf("failed to fetch post: %w", err)
	}
	return c.convertPost(ctx, post), nil
}

func (c *Client) FetchHistory(ctx context.Context, channelID string, limit int) ([]*relay.Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 200
	}
	postList, _, err := c.api.GetPostsForChannel(ctx, channelID, 0, limit, "", false, false)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch channel history: %w", err)
	}
	var messages []*relay.Message
	for _, post := range postList.ToSlice() {
		if post.Type != "" && post.Type != model.PostTypeDefault {
			continue
		}
		messages = append(messages, c.convertPost(ctx, post))
	}
	return messages, nil
}

func (c *Client) SendDirectNotice(ctx context.Context, userID string, notice relay.Notice) error {
	dm, _, err := c.api.CreateDirectChannel(ctx, c.userID, userID)
	if err != nil {
		return fmt.Errorf("failed to open direct channel: %w", err)
	}
	text := fmt.Sprintf("%s mentioned you in a wormhole channel (%s) at %s.",
		notice.MentionedBy, notice.Community, notice.When.Format(time.RFC1123))
	_, _, err = c.api.CreatePost(ctx, &model.Post{
		ChannelId: dm.Id,
		Message:   text,
	})
	if err != nil {
		return fmt.Errorf("failed to send direct notice: %w", err)
	}
	return nil
}

// CreateOrReuseWebhook returns an impersonation handle for the channel.
// Mattermost incoming webhooks do not report the id of the post they
// create, which the correspondence table needs, so impersonation posts
// directly with webhook-style identity override props instead.
func (c *Client) CreateOrReuseWebhook(ctx context.Context, channelID, displayName string) (relay.Webhook, error) {
	return &identityWebhook{api: c.api, channelID: channelID}, nil
}

// IsChannelNSFW reports the platform's NSFW convention: Mattermost has no
// channel flag, so a channel is NSFW when its name starts with "nsfw-" or
// its header carries a "#nsfw" tag.
func (c *Client) IsChannelNSFW(ctx context.Context, channelID string) (bool, error) {
	channel, _, err := c.api.GetChannel(ctx, channelID, "")
	if err != nil {
		return false, fmt.Errorf("failed to fetch channel: %w", err)
	}
	if strings.HasPrefix(channel.Name, "nsfw-") {
		return true, nil
	}
	return strings.Contains(strings.ToLower(channel.Header), "#nsfw"), nil
}

// convertPost maps a Mattermost post to the engine's message entity.
func (c *Client) convertPost(ctx context.Context, post *model.Post) *relay.Message {
	msg := &relay.Message{
		ID:         post.Id,
		ChannelID:  post.ChannelId,
		Community:  c.community,
		SenderID:   post.UserId,
		SenderName: c.displayName(ctx, post.UserId),
		Text:       post.Message,
		CreatedAt:  time.UnixMilli(post.CreateAt),
	}
	for _, fileID := range post.FileIds {
		info, _, err := c.api.GetFileInfo(ctx, fileID)
		if err != nil {
			c.log.Warn().Err(err).Str("file_id", fileID).Msg("Failed to get file info")
			continue
		}
		msg.Attachments = append(msg.Attachments, relay.Attachment{
			Name:   info.Name,
			Source: &fileSource{api: c.api, fileID: fileID},
		})
	}
	return msg
}

// displayName resolves and caches a user's display name.
func (c *Client) displayName(ctx context.Context, userID string) string {
	c.userMu.RLock()
	name, ok := c.userNames[userID]
	c.userMu.RUnlock()
	if ok {
		return name
	}

	user, _, err := c.api.GetUser(ctx, userID, "")
	if err != nil {
		c.log.Debug().Err(err).Str("user_id", userID).Msg("Failed to resolve user")
		return userID
	}
	name = user.Nickname
	if name == "" {
		name = user.Username
	}
	c.userMu.Lock()
	c.userNames[userID] = name
	c.userMu.Unlock()
	return name
}

// fileSource fetches an uploaded file's bytes on demand.
type fileSource struct {
	api    *model.Client4
	fileID string
}

func (f *fileSource) Open(ctx context.Context) (io.ReadCloser, error) {
	data, _, err := f.api.GetFile(ctx, f.fileID)
	if err != nil {
		return nil, fmt.Errorf("failed to download file %s: %w", f.fileID, err)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// identityWebhook posts with webhook-style identity overrides.
type identityWebhook struct {
	api       *model.Client4
	channelID string
}

func (w *identityWebhook) Send(ctx context.Context, text, username, avatarURL string) (string, error) {
	post := &model.Post{
		ChannelId: w.channelID,
		Message:   text,
	}
	post.AddProp("override_username", username)
	if avatarURL != "" {
		post.AddProp("override_icon_url", avatarURL)
	}
	post.AddProp("from_webhook", "true")

	created, _, err := w.api.CreatePost(ctx, post)
	if err != nil {
		return "", fmt.Errorf("failed to create impersonated post: %w", err)
	}
	return created.Id, nil
}
