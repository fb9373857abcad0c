// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/mattermost/mattermost/server/public/model"

	"github.com/aiku/mattermost-telegram-bridge/pkg/connector/mattermostfmt"
)

// handleEvent dispatches a Mattermost WebSocket event to the appropriate handler.
func (m *MattermostClient) handleEvent(ctx context.Context, evt *model.WebSocketEvent) {
	switch evt.EventType() {
	case model.WebsocketEventPosted:
		m.handlePosted(ctx, evt)
	case model.WebsocketEventUserUpdated:
		m.handleUserUpdated(evt)
	default:
		m.log.Trace().Str("event_type", string(evt.EventType())).Msg("Unhandled event type")
	}
}

// parsePostedEvent extracts a post and its sender's username from a
// WebSocket event. The username is empty when the event does not carry one.
func parsePostedEvent(evt *model.WebSocketEvent) (*model.Post, string, error) {
	postJSON, ok := evt.GetData()["post"].(string)
	if !ok {
		return nil, "", fmt.Errorf("posted event missing post data")
	}

	var post model.Post
	if err := json.Unmarshal([]byte(postJSON), &post); err != nil {
		return nil, "", fmt.Errorf("failed to unmarshal post: %w", err)
	}
	senderName, _ := evt.GetData()["sender_name"].(string)
	return &post, strings.TrimPrefix(senderName, "@"), nil
}

// shouldRelay applies channel filtering and echo prevention to a post.
// It returns the reason the post is dropped, or "" to relay it.
func (m *MattermostClient) shouldRelay(post *model.Post, senderName string) string {
	switch {
	case post.ChannelId != m.bridge.Config.Mattermost.ChannelID:
		return "other_channel"
	case post.UserId == m.userID:
		return "own_post"
	case post.Type != "" && post.Type != model.PostTypeDefault:
		return "system_post"
	case senderName != "" && isBridgeUsername(senderName, m.username, m.bridge.Config.Mattermost.BotPrefix):
		return "bridge_user"
	case post.Message == "" && len(post.FileIds) == 0:
		return "empty"
	default:
		return ""
	}
}

func (m *MattermostClient) handlePosted(ctx context.Context, evt *model.WebSocketEvent) {
	post, senderName, err := parsePostedEvent(evt)
	if err != nil {
		m.log.Warn().Err(err).Msg("Failed to parse posted event")
		return
	}

	if senderName != "" && post.UserId != "" {
		if err := m.bridge.mmUsers.SetByID(post.UserId, senderName); err != nil {
			m.log.Debug().Err(err).Str("user_id", post.UserId).Msg("Failed to map post sender")
		}
	}

	if reason := m.shouldRelay(post, senderName); reason != "" {
		droppedMessages.WithLabelValues(reason).Inc()
		m.log.Trace().
			Str("post_id", post.Id).
			Str("user_id", post.UserId).
			Str("reason", reason).
			Msg("Not relaying post")
		return
	}

	if senderName == "" {
		senderName, err = m.resolveUserName(ctx, post.UserId)
		if err != nil {
			m.log.Warn().Err(err).Str("user_id", post.UserId).Msg("Failed to resolve post sender")
			senderName = post.UserId
		}
	}

	m.log.Debug().
		Str("post_id", post.Id).
		Str("user_id", post.UserId).
		Str("username", senderName).
		Msg("Relaying post to Telegram")

	if err := m.relayToTelegram(ctx, post, senderName); err != nil {
		droppedMessages.WithLabelValues("send_failed").Inc()
		m.log.Error().Err(err).Str("post_id", post.Id).Msg("Failed to relay post to Telegram")
		return
	}
	relayedMessages.WithLabelValues(directionToTelegram).Inc()
}

// handleUserUpdated keeps the user map current when a user changes their
// username.
func (m *MattermostClient) handleUserUpdated(evt *model.WebSocketEvent) {
	raw, ok := evt.GetData()["user"]
	if !ok {
		return
	}
	// The payload is a *model.User when built locally and a decoded JSON
	// object when received over the wire.
	data, err := json.Marshal(raw)
	if err != nil {
		m.log.Warn().Err(err).Msg("Failed to encode user_updated payload")
		return
	}
	var user model.User
	if err := json.Unmarshal(data, &user); err != nil {
		m.log.Warn().Err(err).Msg("Failed to parse user_updated payload")
		return
	}
	if err := m.bridge.mmUsers.SetByID(user.Id, user.Username); err != nil {
		m.log.Debug().Err(err).Msg("Ignoring user_updated without id or username")
		return
	}
	m.log.Debug().Str("user_id", user.Id).Str("username", user.Username).Msg("Updated user from event")
}

// formatForTelegram renders a post as Telegram HTML. The message markdown is
// converted; sender and file names are escaped.
func formatForTelegram(senderName, message string, attachments []string) string {
	var sb strings.Builder
	sb.WriteString("<b>")
	sb.WriteString(html.EscapeString(senderName))
	sb.WriteString("</b>\n")
	sb.WriteString(mattermostfmt.Parse(message))
	for _, name := range attachments {
		if !strings.HasSuffix(sb.String(), "\n") {
			sb.WriteString("\n")
		}
		sb.WriteString("<i>[file: ")
		sb.WriteString(html.EscapeString(name))
		sb.WriteString("]</i>")
	}
	return sb.String()
}

func (m *MattermostClient) relayToTelegram(ctx context.Context, post *model.Post, senderName string) error {
	var attachments []string
	if len(post.FileIds) > 0 {
		attachments = m.fileNames(ctx, post.FileIds)
	}
	msg := tgbotapi.NewMessage(m.bridge.Config.Telegram.ChatID, formatForTelegram(senderName, post.Message, attachments))
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	if _, err := m.bridge.telegram.Send(msg); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// isBridgeUsername returns true if the username belongs to the bridge itself
// or to a bot matching the configured prefix. Posts from these users are never
// relayed.
func isBridgeUsername(username, ownUsername, botPrefix string) bool {
	switch {
	case ownUsername != "" && strings.EqualFold(username, ownUsername):
		return true
	case username == "telegram-bridge":
		return true
	case botPrefix != "" && strings.HasPrefix(username, botPrefix):
		return true
	default:
		return false
	}
}
