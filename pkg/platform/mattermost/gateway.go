// Copyright 2024-2026 Aiku AI

package mattermost

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"

	"github.com/aiku/wormhole/pkg/relay"
)

// EventHandler receives converted platform events. *relay.Engine
// satisfies it.
type EventHandler interface {
	HandleMessageCreate(ctx context.Context, msg *relay.Message) error
	HandleMessageEdit(ctx context.Context, msg *relay.Message) error
	HandleMessageDelete(ctx context.Context, channelID, messageID string) error
	HandleMemberBanned(ctx context.Context, userID, homeChannelID string) error
}

// Gateway maintains the WebSocket connection and feeds events to the
// relay engine. Each event is handled in its own goroutine; the engine
// tolerates interleaving.
type Gateway struct {
	client   *Client
	handler  EventHandler
	wsClient *model.WebSocketClient
	log      zerolog.Logger

	stopOnce sync.Once
	stopChan chan struct{}
}

// NewGateway creates a gateway feeding handler from the client's server.
func NewGateway(client *Client, handler EventHandler, log zerolog.Logger) *Gateway {
	return &Gateway{
		client:   client,
		handler:  handler,
		log:      log.With().Str("component", "mm_gateway").Logger(),
		stopChan: make(chan struct{}),
	}
}

// Connect opens the WebSocket and starts the listen loop.
func (g *Gateway) Connect(ctx context.Context) error {
	wsURL := httpToWS(g.client.serverURL)
	wsClient, err := model.NewWebSocketClient4(wsURL, g.client.api.AuthToken)
	if err != nil {
		return fmt.Errorf("failed to create websocket client: %w", err)
	}
	g.wsClient = wsClient
	g.wsClient.Listen()
	go g.listen(ctx)

	g.log.Info().Str("ws_url", wsURL).Msg("WebSocket connected")
	return nil
}

// Stop terminates the listen loop.
func (g *Gateway) Stop() {
	g.stopOnce.Do(func() {
		close(g.stopChan)
		if g.wsClient != nil {
			g.wsClient.Close()
		}
	})
}

// httpToWS converts an HTTP(S) URL to a WS(S) URL.
func httpToWS(url string) string {
	if strings.HasPrefix(url, "https://") {
		return "wss://" + strings.TrimPrefix(url, "https://")
	}
	if strings.HasPrefix(url, "http://") {
		return "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url
}

func (g *Gateway) listen(ctx context.Context) {
	for {
		select {
		case <-g.stopChan:
			return
		case <-ctx.Done():
			return
		case evt, ok := <-g.wsClient.EventChannel:
			if !ok {
				g.log.Warn().Msg("WebSocket event channel closed, reconnecting")
				g.reconnect(ctx)
				return
			}
			if evt == nil {
				continue
			}
			go g.handleEvent(ctx, evt)
		}
	}
}

// reconnect retries Connect with exponential backoff until it succeeds
// or the gateway is stopped.
func (g *Gateway) reconnect(ctx context.Context) {
	backoff := time.Second
	for {
		select {
		case <-g.stopChan:
			return
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		err := g.Connect(ctx)
		if err == nil {
			return
		}
		g.log.Error().Err(err).Dur("backoff", backoff).Msg("Failed to reconnect WebSocket")
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

// handleEvent dispatches one WebSocket event to the engine.
func (g *Gateway) handleEvent(ctx context.Context, evt *model.WebSocketEvent) {
	switch evt.EventType() {
	case model.WebsocketEventPosted:
		post := g.parsePost(evt)
		if post == nil {
			return
		}
		msg := g.client.convertPost(ctx, post)
		if err := g.handler.HandleMessageCreate(ctx, msg); err != nil {
			g.log.Error().Err(err).Str("post_id", post.Id).Msg("Failed to handle new message")
		}
	case model.WebsocketEventPostEdited:
		post := g.parsePost(evt)
		if post == nil {
			return
		}
		msg := g.client.convertPost(ctx, post)
		if err := g.handler.HandleMessageEdit(ctx, msg); err != nil {
			g.log.Error().Err(err).Str("post_id", post.Id).Msg("Failed to handle edit")
		}
	case model.WebsocketEventPostDeleted:
		post := g.parsePost(evt)
		if post == nil {
			return
		}
		if err := g.handler.HandleMessageDelete(ctx, post.ChannelId, post.Id); err != nil {
			g.log.Error().Err(err).Str("post_id", post.Id).Msg("Failed to handle delete")
		}
	case model.WebsocketEventUserRemoved:
		// Removal from a linked channel is this platform's ban signal.
		userID, _ := evt.GetData()["user_id"].(string)
		channelID := evt.GetBroadcast().ChannelId
		if userID == "" || channelID == "" || userID == g.client.userID {
			return
		}
		if err := g.handler.HandleMemberBanned(ctx, userID, channelID); err != nil {
			g.log.Error().Err(err).Str("user_id", userID).Msg("Failed to handle ban sweep")
		}
	default:
		g.log.Trace().Str("event_type", string(evt.EventType())).Msg("Unhandled event type")
	}
}

// parsePost extracts and validates a post from a WebSocket event,
// applying echo prevention. Returns nil to skip silently.
func (g *Gateway) parsePost(evt *model.WebSocketEvent) *model.Post {
	postJSON, ok := evt.GetData()["post"].(string)
	if !ok {
		return nil
	}

	var post model.Post
	if err := json.Unmarshal([]byte(postJSON), &post); err != nil {
		g.log.Warn().Err(err).Msg("Failed to unmarshal post from event")
		return nil
	}

	// Echo prevention: skip the relay's own posts, including webhook-style
	// impersonated copies, and system messages.
	if post.UserId == g.client.userID {
		return nil
	}
	if post.Type != "" && post.Type != model.PostTypeDefault {
		return nil
	}
	if post.GetProp("from_webhook") == "true" {
		return nil
	}
	return &post
}
