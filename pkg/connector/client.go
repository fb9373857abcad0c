// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"
)

const (
	usersPageSize      = 200
	minReconnectDelay  = time.Second
	maxReconnectDelay  = time.Minute
	mattermostCallWait = 30 * time.Second
)

// MattermostClient is the bridge's authenticated Mattermost session. It keeps
// a WebSocket connection open for real-time events and uses the REST API for
// user lookups and posting.
type MattermostClient struct {
	bridge *Bridge

	client    *model.Client4
	serverURL string
	userID    string
	username  string

	wsLock   sync.Mutex
	wsClient *model.WebSocketClient

	stopOnce sync.Once
	stopChan chan struct{}
	runDone  chan struct{}
	log      zerolog.Logger
}

// NewMattermostClient creates a client from the bridge config.
func NewMattermostClient(b *Bridge) *MattermostClient {
	client := model.NewAPIv4Client(b.Config.Mattermost.ServerURL)
	client.SetToken(b.Config.Mattermost.Token)
	return &MattermostClient{
		bridge:    b,
		client:    client,
		serverURL: b.Config.Mattermost.ServerURL,
		stopChan:  make(chan struct{}),
		log:       b.Log.With().Str("component", "mm_client").Logger(),
	}
}

// Connect verifies the token, loads the channel members into the user map
// and starts the WebSocket listener. Only an authentication failure is
// returned; the listener reconnects on its own.
func (m *MattermostClient) Connect(ctx context.Context) error {
	m.log.Info().Str("server_url", m.serverURL).Msg("Connecting to Mattermost")

	me, _, err := m.client.GetMe(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to verify Mattermost session: %w", err)
	}
	m.userID = me.Id
	m.username = me.Username
	m.log.Info().Str("user_id", me.Id).Str("username", me.Username).Msg("Authenticated")

	if err := m.syncUsers(ctx); err != nil {
		m.log.Warn().Err(err).Msg("Failed to sync channel members")
	}

	m.runDone = make(chan struct{})
	go func() {
		defer close(m.runDone)
		m.run(ctx)
	}()
	return nil
}

// Wait blocks until the WebSocket listener started by Connect has returned,
// including any event handler it was running.
func (m *MattermostClient) Wait(ctx context.Context) error {
	if m.runDone == nil {
		return nil
	}
	select {
	case <-m.runDone:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to wait for mattermost listener: %w", ctx.Err())
	}
}

// run keeps a WebSocket connection open until the client is stopped.
func (m *MattermostClient) run(ctx context.Context) {
	delay := minReconnectDelay
	for {
		ws, err := m.connectWebSocket()
		if err != nil {
			m.log.Warn().Err(err).Dur("retry_in", delay).Msg("WebSocket connection failed")
			select {
			case <-ctx.Done():
				return
			case <-m.stopChan:
				return
			case <-time.After(delay):
			}
			delay = min(delay*2, maxReconnectDelay)
			continue
		}
		delay = minReconnectDelay
		if stopped := m.listenWebSocket(ctx, ws); stopped {
			return
		}
	}
}

func (m *MattermostClient) connectWebSocket() (*model.WebSocketClient, error) {
	wsURL := httpToWS(m.serverURL)
	ws, err := model.NewWebSocketClient4(wsURL, m.client.AuthToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create websocket client: %w", err)
	}
	ws.Listen()

	m.wsLock.Lock()
	m.wsClient = ws
	m.wsLock.Unlock()

	m.log.Info().Str("ws_url", wsURL).Msg("WebSocket connected")
	return ws, nil
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

// listenWebSocket handles events until the connection drops or the client
// stops. It reports whether the client was stopped.
func (m *MattermostClient) listenWebSocket(ctx context.Context, ws *model.WebSocketClient) bool {
	for {
		select {
		case <-m.stopChan:
			return true
		case <-ctx.Done():
			return true
		case evt, ok := <-ws.EventChannel:
			if !ok {
				m.log.Warn().Msg("WebSocket event channel closed, reconnecting")
				return false
			}
			if evt == nil {
				continue
			}
			m.handleEvent(ctx, evt)
		}
	}
}

// syncUsers stores every member of the bridged channel in the user map.
func (m *MattermostClient) syncUsers(ctx context.Context) error {
	channelID := m.bridge.Config.Mattermost.ChannelID
	count := 0
	for page := 0; ; page++ {
		users, _, err := m.client.GetUsersInChannel(ctx, channelID, page, usersPageSize, "")
		if err != nil {
			return fmt.Errorf("failed to get channel members: %w", err)
		}
		for _, user := range users {
			if err := m.bridge.mmUsers.SetByID(user.Id, user.Username); err != nil {
				m.log.Debug().Err(err).Str("user_id", user.Id).Msg("Skipping user without username")
				continue
			}
			count++
		}
		if len(users) < usersPageSize {
			break
		}
	}
	m.log.Info().Int("count", count).Str("channel_id", channelID).Msg("Synced channel members")
	return nil
}

// resolveUserName returns the username of a Mattermost user, asking the
// server and remembering the answer if the user is not in the map yet.
func (m *MattermostClient) resolveUserName(ctx context.Context, userID string) (string, error) {
	if name, ok := m.bridge.mmUsers.LookupID(userID); ok {
		return name, nil
	}
	user, _, err := m.client.GetUser(ctx, userID, "")
	if err != nil {
		return "", fmt.Errorf("failed to get user %s: %w", userID, err)
	}
	if err := m.bridge.mmUsers.SetByID(user.Id, user.Username); err != nil {
		return "", err
	}
	return user.Username, nil
}

// fileNames returns the names of the given attachments. Attachments whose
// info cannot be fetched are reported as "file".
func (m *MattermostClient) fileNames(ctx context.Context, fileIDs []string) []string {
	names := make([]string, 0, len(fileIDs))
	for _, fileID := range fileIDs {
		info, _, err := m.client.GetFileInfo(ctx, fileID)
		if err != nil {
			m.log.Warn().Err(err).Str("file_id", fileID).Msg("Failed to get file info")
			names = append(names, "file")
			continue
		}
		names = append(names, info.Name)
	}
	return names
}

// CreatePost posts message to the bridged channel.
func (m *MattermostClient) CreatePost(ctx context.Context, message string) (*model.Post, error) {
	ctx, cancel := context.WithTimeout(ctx, mattermostCallWait)
	defer cancel()
	post, _, err := m.client.CreatePost(ctx, &model.Post{
		ChannelId: m.bridge.Config.Mattermost.ChannelID,
		Message:   message,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create post: %w", err)
	}
	return post, nil
}

// Disconnect closes the WebSocket connection and stops the listener.
func (m *MattermostClient) Disconnect() {
	m.stopOnce.Do(func() {
		close(m.stopChan)
	})
	m.wsLock.Lock()
	defer m.wsLock.Unlock()
	if m.wsClient != nil {
		m.wsClient.Close()
		m.wsClient = nil
	}
}

// UserID returns the Mattermost user ID of the bridge account.
func (m *MattermostClient) UserID() string {
	return m.userID
}
