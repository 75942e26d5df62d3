// Copyright 2024-2026 Aiku AI

package mattermost

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"

	"github.com/aiku/wormhole/pkg/relay"
)

const (
	testToken   = "bot-token"
	testBotID   = "bot-user-id"
	testHumanID = "human-user-id"
)

// endpointCall records which API endpoints were hit during a test.
type endpointCall struct {
	Method string
	Path   string
	Body   string
}

// fakeMM wraps an httptest.Server simulating the Mattermost REST API for
// the endpoints the relay client uses. It records calls and keeps created
// posts so deletes and fetches behave like the real server.
type fakeMM struct {
	Server *httptest.Server

	mu       sync.Mutex
	calls    []endpointCall
	nextPost int

	// Users maps user ID to model.User for GetMe/GetUser responses.
	Users map[string]*model.User
	// TokenToUser maps bearer tokens to user IDs.
	TokenToUser map[string]string
	// Channels maps channel ID to model.Channel.
	Channels map[string]*model.Channel
	// Teams maps user ID to team list.
	Teams map[string][]*model.Team
	// Posts maps post ID to the stored post.
	Posts map[string]*model.Post
	// ChannelPosts maps channel ID to a canned history PostList.
	ChannelPosts map[string]*model.PostList
	// Files maps file ID to its info; FileData to its payload.
	Files    map[string]*model.FileInfo
	FileData map[string][]byte
}

func newFakeMM() *fakeMM {
	f := &fakeMM{
		Users:        make(map[string]*model.User),
		TokenToUser:  make(map[string]string),
		Channels:     make(map[string]*model.Channel),
		Teams:        make(map[string][]*model.Team),
		Posts:        make(map[string]*model.Post),
		ChannelPosts: make(map[string]*model.PostList),
		Files:        make(map[string]*model.FileInfo),
		FileData:     make(map[string][]byte),
	}
	f.TokenToUser[testToken] = testBotID
	f.Users[testBotID] = &model.User{Id: testBotID, Username: "wormhole"}
	f.Users[testHumanID] = &model.User{Id: testHumanID, Username: "alice", Nickname: "Alice"}
	f.Teams[testBotID] = []*model.Team{{Id: "team-id", DisplayName: "Community"}}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	return f
}

func (f *fakeMM) Close() {
	f.Server.Close()
}

func (f *fakeMM) record(method, path, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, endpointCall{Method: method, Path: path, Body: body})
}

func (f *fakeMM) Calls() []endpointCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]endpointCall, len(f.calls))
	copy(cp, f.calls)
	return cp
}

func (f *fakeMM) CalledPath(path string) bool {
	for _, c := range f.Calls() {
		if strings.Contains(c.Path, path) {
			return true
		}
	}
	return false
}

// CreatedPosts returns the stored posts in creation order.
func (f *fakeMM) CreatedPosts() []*model.Post {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Post
	for i := 1; i <= f.nextPost; i++ {
		if p, ok := f.Posts[fmt.Sprintf("post-%d", i)]; ok {
			out = append(out, p)
		}
	}
	return out
}

func (f *fakeMM) resolveToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	for tok, uid := range f.TokenToUser {
		if auth == "BEARER "+tok || auth == "Bearer "+tok {
			return uid
		}
	}
	return ""
}

func (f *fakeMM) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.record(r.Method, r.URL.Path, string(body))

	path := r.URL.Path

	switch {
	// GET /api/v4/users/me
	case r.Method == "GET" && path == "/api/v4/users/me":
		uid := f.resolveToken(r)
		if uid == "" {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"message": "unauthorized"})
			return
		}
		_ = json.NewEncoder(w).Encode(f.Users[uid])

	// GET /api/v4/users/{user_id}/teams
	case r.Method == "GET" && strings.HasSuffix(path, "/teams"):
		parts := strings.Split(path, "/")
		if len(parts) >= 5 {
			if teams, ok := f.Teams[parts[4]]; ok {
				_ = json.NewEncoder(w).Encode(teams)
				return
			}
		}
		_ = json.NewEncoder(w).Encode([]*model.Team{})

	// GET /api/v4/users/{user_id}
	case r.Method == "GET" && strings.HasPrefix(path, "/api/v4/users/") && !strings.Contains(path[len("/api/v4/users/"):], "/"):
		uid := path[len("/api/v4/users/"):]
		if u, ok := f.Users[uid]; ok {
			_ = json.NewEncoder(w).Encode(u)
			return
		}
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "no such user"})

	// POST /api/v4/posts
	case r.Method == "POST" && path == "/api/v4/posts":
		var post model.Post
		_ = json.Unmarshal(body, &post)
		f.mu.Lock()
		f.nextPost++
		post.Id = fmt.Sprintf("post-%d", f.nextPost)
		f.Posts[post.Id] = &post
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(&post)

	// GET/DELETE /api/v4/posts/{post_id}
	case strings.HasPrefix(path, "/api/v4/posts/") && !strings.Contains(path[len("/api/v4/posts/"):], "/"):
		postID := path[len("/api/v4/posts/"):]
		f.mu.Lock()
		post, ok := f.Posts[postID]
		if ok && r.Method == "DELETE" {
			delete(f.Posts, postID)
		}
		f.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]string{"message": "no such post"})
			return
		}
		if r.Method == "DELETE" {
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
			return
		}
		_ = json.NewEncoder(w).Encode(post)

	// GET /api/v4/channels/{channel_id}/posts
	case r.Method == "GET" && strings.HasPrefix(path, "/api/v4/channels/") && strings.HasSuffix(path, "/posts"):
		parts := strings.Split(path, "/")
		if len(parts) >= 6 {
			if pl, ok := f.ChannelPosts[parts[4]]; ok {
				_ = json.NewEncoder(w).Encode(pl)
				return
			}
		}
		_ = json.NewEncoder(w).Encode(model.NewPostList())

	// POST /api/v4/channels/direct
	case r.Method == "POST" && path == "/api/v4/channels/direct":
		_ = json.NewEncoder(w).Encode(&model.Channel{Id: "dm-channel-id", Type: model.ChannelTypeDirect})

	// GET /api/v4/channels/{channel_id}
	case r.Method == "GET" && strings.HasPrefix(path, "/api/v4/channels/") && !strings.Contains(path[len("/api/v4/channels/"):], "/"):
		chID := path[len("/api/v4/channels/"):]
		if ch, ok := f.Channels[chID]; ok {
			_ = json.NewEncoder(w).Encode(ch)
			return
		}
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "no such channel"})

	// GET /api/v4/files/{file_id}/info
	case r.Method == "GET" && strings.Contains(path, "/files/") && strings.HasSuffix(path, "/info"):
		parts := strings.Split(path, "/")
		if len(parts) >= 5 {
			if fi, ok := f.Files[parts[4]]; ok {
				_ = json.NewEncoder(w).Encode(fi)
				return
			}
		}
		w.WriteHeader(http.StatusNotFound)

	// GET /api/v4/files/{file_id}
	case r.Method == "GET" && strings.HasPrefix(path, "/api/v4/files/") && !strings.Contains(path[len("/api/v4/files/"):], "/"):
		fileID := path[len("/api/v4/files/"):]
		if data, ok := f.FileData[fileID]; ok {
			_, _ = w.Write(data)
			return
		}
		w.WriteHeader(http.StatusNotFound)

	// POST /api/v4/files (upload)
	case r.Method == "POST" && path == "/api/v4/files":
		_ = json.NewEncoder(w).Encode(&model.FileUploadResponse{
			FileInfos: []*model.FileInfo{{Id: "uploaded-file-id", Name: "upload"}},
		})

	default:
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "not found: " + path})
	}
}

// newTestClient authenticates a Client against the fake server.
func newTestClient(t *testing.T, f *fakeMM) *Client {
	t.Helper()
	c, err := NewClient(context.Background(), f.Server.URL, testToken, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return c
}

// stubHandler records the engine calls the gateway makes.
type stubHandler struct {
	mu      sync.Mutex
	created []*relay.Message
	edited  []*relay.Message
	deleted []string // "channel/message"
	banned  []string // "user/channel"
}

func (s *stubHandler) HandleMessageCreate(_ context.Context, msg *relay.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created = append(s.created, msg)
	return nil
}

func (s *stubHandler) HandleMessageEdit(_ context.Context, msg *relay.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edited = append(s.edited, msg)
	return nil
}

func (s *stubHandler) HandleMessageDelete(_ context.Context, channelID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, channelID+"/"+messageID)
	return nil
}

func (s *stubHandler) HandleMemberBanned(_ context.Context, userID, homeChannelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.banned = append(s.banned, userID+"/"+homeChannelID)
	return nil
}

// newWebSocketEvent creates a model.WebSocketEvent for testing handlers.
func newWebSocketEvent(eventType model.WebsocketEventType, channelID string, data map[string]any) *model.WebSocketEvent {
	evt := model.NewWebSocketEvent(eventType, "", channelID, "", nil, "")
	return evt.SetData(data)
}

// postEventData wraps a post the way Mattermost delivers it over the
// WebSocket: JSON-encoded under the "post" key.
func postEventData(t *testing.T, post *model.Post) map[string]any {
	t.Helper()
	raw, err := json.Marshal(post)
	if err != nil {
		t.Fatalf("failed to marshal post: %v", err)
	}
	return map[string]any{"post": string(raw)}
}
