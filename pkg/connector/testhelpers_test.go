// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"

	"github.com/aiku/mattermost-telegram-bridge/pkg/usermap"
)

const (
	testChannelID = "town-square"
	testChatID    = int64(-100)
	testToken     = "test-token"
)

// mockTelegram captures messages sent to Telegram.
type mockTelegram struct {
	mu   sync.Mutex
	sent []tgbotapi.MessageConfig
	err  error
}

func (m *mockTelegram) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return tgbotapi.Message{}, m.err
	}
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		m.sent = append(m.sent, msg)
	}
	return tgbotapi.Message{MessageID: len(m.sent)}, nil
}

func (m *mockTelegram) Sent() []tgbotapi.MessageConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]tgbotapi.MessageConfig, len(m.sent))
	copy(cp, m.sent)
	return cp
}

func (m *mockTelegram) setErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// chanSource hands out updates pushed to it and returns an empty batch when
// none arrive for a short while.
type chanSource struct {
	updates chan []tgbotapi.Update
}

func newChanSource() *chanSource {
	return &chanSource{updates: make(chan []tgbotapi.Update, 16)}
}

func (s *chanSource) GetUpdates(ctx context.Context, _, _ int) ([]tgbotapi.Update, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case batch := <-s.updates:
		return batch, nil
	case <-time.After(20 * time.Millisecond):
		return nil, nil
	}
}

// endpointCall records which API endpoints were hit during a test.
type endpointCall struct {
	Method string
	Path   string
	Body   string
}

// fakeMM is a test helper that wraps an httptest.Server simulating the
// Mattermost API. It records calls and provides canned responses.
type fakeMM struct {
	Server *httptest.Server

	mu    sync.Mutex
	calls []endpointCall
	posts []*model.Post

	// Users maps user ID to model.User for GetUser/GetMe responses.
	Users map[string]*model.User
	// TokenToUser maps bearer tokens to user IDs for GetMe auth.
	TokenToUser map[string]string
	// ChannelUsers maps channel ID to its members in page order.
	ChannelUsers map[string][]*model.User
	// Files maps file ID to model.FileInfo.
	Files map[string]*model.FileInfo
	// FailEndpoints causes requests whose URI contains a key to return 500.
	FailEndpoints map[string]bool

	// postGate, when set, blocks post creation until it is closed or the
	// request is abandoned.
	postGate    chan struct{}
	postStarted chan struct{}
}

func newFakeMM() *fakeMM {
	f := &fakeMM{
		Users:         make(map[string]*model.User),
		TokenToUser:   make(map[string]string),
		ChannelUsers:  make(map[string][]*model.User),
		Files:         make(map[string]*model.FileInfo),
		FailEndpoints: make(map[string]bool),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	return f
}

func (f *fakeMM) Close() {
	f.Server.Close()
}

// addUser registers a user and adds it to the bridged channel.
func (f *fakeMM) addUser(id, username string) *model.User {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := &model.User{Id: id, Username: username}
	f.Users[id] = u
	f.ChannelUsers[testChannelID] = append(f.ChannelUsers[testChannelID], u)
	return u
}

// withBridgeUser registers the account the bridge authenticates as.
func (f *fakeMM) withBridgeUser() *fakeMM {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Users["bridge-user-id"] = &model.User{Id: "bridge-user-id", Username: "bridge"}
	f.TokenToUser[testToken] = "bridge-user-id"
	return f
}

func (f *fakeMM) setFail(part string, fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fail {
		f.FailEndpoints[part] = true
	} else {
		delete(f.FailEndpoints, part)
	}
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

func (f *fakeMM) CallCount(path string) int {
	n := 0
	for _, c := range f.Calls() {
		if c.Path == path {
			n++
		}
	}
	return n
}

// holdPosts makes post creation block. started receives once per blocked
// request; release lets every blocked and future request through.
func (f *fakeMM) holdPosts() (started <-chan struct{}, release func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.postGate = make(chan struct{})
	f.postStarted = make(chan struct{}, 16)
	var once sync.Once
	gate := f.postGate
	return f.postStarted, func() { once.Do(func() { close(gate) }) }
}

func (f *fakeMM) Posts() []*model.Post {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]*model.Post, len(f.posts))
	copy(cp, f.posts)
	return cp
}

func (f *fakeMM) resolveToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	f.mu.Lock()
	defer f.mu.Unlock()
	for tok, uid := range f.TokenToUser {
		if auth == "BEARER "+tok || auth == "Bearer "+tok {
			return uid
		}
	}
	return ""
}

func (f *fakeMM) failing(uri string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for part := range f.FailEndpoints {
		if strings.Contains(uri, part) {
			return true
		}
	}
	return false
}

func (f *fakeMM) user(id string) (*model.User, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.Users[id]
	return u, ok
}

func (f *fakeMM) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.record(r.Method, r.URL.Path, string(body))

	if f.failing(r.URL.RequestURI()) {
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "fake error"})
		return
	}

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
		if u, ok := f.user(uid); ok {
			_ = json.NewEncoder(w).Encode(u)
			return
		}
		w.WriteHeader(http.StatusNotFound)

	// GET /api/v4/users?in_channel={channel_id}&page={page}&per_page={per_page}
	case r.Method == "GET" && path == "/api/v4/users":
		q := r.URL.Query()
		page, _ := strconv.Atoi(q.Get("page"))
		perPage, _ := strconv.Atoi(q.Get("per_page"))
		if perPage <= 0 {
			perPage = 60
		}
		f.mu.Lock()
		members := f.ChannelUsers[q.Get("in_channel")]
		start := min(page*perPage, len(members))
		end := min(start+perPage, len(members))
		pageUsers := append([]*model.User{}, members[start:end]...)
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(pageUsers)

	// GET /api/v4/users/{user_id}
	case r.Method == "GET" && strings.HasPrefix(path, "/api/v4/users/") && !strings.Contains(path[len("/api/v4/users/"):], "/"):
		if u, ok := f.user(path[len("/api/v4/users/"):]); ok {
			_ = json.NewEncoder(w).Encode(u)
			return
		}
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "user not found"})

	// POST /api/v4/posts
	case r.Method == "POST" && path == "/api/v4/posts":
		f.mu.Lock()
		gate, started := f.postGate, f.postStarted
		f.mu.Unlock()
		if gate != nil {
			started <- struct{}{}
			select {
			case <-gate:
			case <-r.Context().Done():
				return
			}
		}
		var post model.Post
		_ = json.Unmarshal(body, &post)
		f.mu.Lock()
		post.Id = "created-post-" + strconv.Itoa(len(f.posts)+1)
		f.posts = append(f.posts, &post)
		f.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(&post)

	// GET /api/v4/files/{file_id}/info
	case r.Method == "GET" && strings.HasSuffix(path, "/info") && strings.Contains(path, "/files/"):
		parts := strings.Split(path, "/")
		if len(parts) >= 5 {
			f.mu.Lock()
			fi, ok := f.Files[parts[4]]
			f.mu.Unlock()
			if ok {
				_ = json.NewEncoder(w).Encode(fi)
				return
			}
		}
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "file not found"})

	default:
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "not found: " + path})
	}
}

// newWebSocketEvent creates a model.WebSocketEvent for testing handlers.
func newWebSocketEvent(eventType model.WebsocketEventType, channelID string, data map[string]any) *model.WebSocketEvent {
	evt := model.NewWebSocketEvent(eventType, "", channelID, "", nil, "")
	return evt.SetData(data)
}

// newPostedEvent wraps post in a posted event like the server sends it.
func newPostedEvent(post *model.Post, senderName string) *model.WebSocketEvent {
	data, _ := json.Marshal(post)
	payload := map[string]any{"post": string(data)}
	if senderName != "" {
		payload["sender_name"] = "@" + senderName
	}
	return newWebSocketEvent(model.WebsocketEventPosted, post.ChannelId, payload)
}

func newTestConfig(t testing.TB, serverURL string) *Config {
	t.Helper()
	dir := t.TempDir()
	cfg := &Config{
		Mattermost: MattermostConfig{
			ServerURL: serverURL,
			Token:     testToken,
			ChannelID: testChannelID,
			UsersFile: filepath.Join(dir, "mattermost-users.json"),
		},
		Telegram: TelegramConfig{
			Token:     "tg-token",
			ChatID:    testChatID,
			UsersFile: filepath.Join(dir, "telegram-users.json"),
		},
		AdminAPIAddr: "127.0.0.1:0",
	}
	if err := cfg.PostProcess(); err != nil {
		t.Fatalf("PostProcess: %v", err)
	}
	return cfg
}

// newTestBridge creates a bridge with loaded user maps and a mock Telegram
// client, without connecting to anything. The Mattermost client points at
// serverURL and acts as the "bridge" user.
func newTestBridge(t testing.TB, serverURL string) (*Bridge, *mockTelegram) {
	t.Helper()
	return newTestBridgeWithConfig(t, newTestConfig(t, serverURL))
}

func newTestBridgeWithConfig(t testing.TB, cfg *Config) (*Bridge, *mockTelegram) {
	t.Helper()
	tg := &mockTelegram{}
	reg := usermap.NewRegistry(usermap.WithDebounce(10 * time.Millisecond))
	b := NewBridge(cfg, zerolog.Nop(), WithTelegram(tg, newChanSource()), WithRegistry(reg))

	var err error
	if b.mmUsers, err = reg.GetInstance(context.Background(), cfg.Mattermost.UsersFile); err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if b.tgUsers, err = reg.GetInstance(context.Background(), cfg.Telegram.UsersFile); err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	b.mattermost.userID = "bridge-user-id"
	b.mattermost.username = "bridge"
	t.Cleanup(func() {
		_ = reg.Flush(context.Background())
	})
	return b, tg
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

var errSendFailed = errors.New("telegram unavailable")
