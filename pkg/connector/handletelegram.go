// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/aiku/mattermost-telegram-bridge/pkg/connector/telegramfmt"
	"github.com/aiku/mattermost-telegram-bridge/pkg/telegram"
)

var mentionPattern = regexp.MustCompile(`@([A-Za-z0-9_.\-]+)`)

// subscribe registers the bridge's Telegram handlers.
func (b *Bridge) subscribe(d *telegram.Dispatcher) {
	d.On(telegram.EventMessage, b.handleTelegramMessage)
	d.On(telegram.EventText, b.handleTelegramText)
	for _, typ := range []telegram.EventType{
		telegram.EventPhoto,
		telegram.EventDocument,
		telegram.EventAudio,
		telegram.EventVideo,
		telegram.EventSticker,
	} {
		d.On(typ, b.handleTelegramMedia)
	}
}

func (b *Bridge) inBridgedChat(msg *tgbotapi.Message) bool {
	return msg != nil && msg.Chat != nil && msg.Chat.ID == b.Config.Telegram.ChatID
}

// handleTelegramMessage records the sender of every message in the bridged
// chat in the Telegram user map.
func (b *Bridge) handleTelegramMessage(_ context.Context, evt telegram.Event) {
	msg := evt.Message
	if !b.inBridgedChat(msg) || msg.From == nil || msg.From.UserName == "" {
		return
	}
	if err := b.tgUsers.SetByID(MakeTelegramUserID(msg.From.ID), msg.From.UserName); err != nil {
		b.Log.Debug().Err(err).Int64("tg_user_id", msg.From.ID).Msg("Failed to map Telegram sender")
	}
}

func (b *Bridge) handleTelegramText(ctx context.Context, evt telegram.Event) {
	msg := evt.Message
	b.relayToMattermost(ctx, msg, b.resolveMentions(telegramfmt.Parse(msg.Text, msg.Entities)))
}

func (b *Bridge) handleTelegramMedia(ctx context.Context, evt telegram.Event) {
	notice := mediaNotice(evt.Type, evt.Message)
	if caption := evt.Message.Caption; caption != "" {
		notice += " " + b.resolveMentions(telegramfmt.Parse(caption, evt.Message.CaptionEntities))
	}
	b.relayToMattermost(ctx, evt.Message, notice)
}

// mediaNotice describes a media message in a single line.
func mediaNotice(typ telegram.EventType, msg *tgbotapi.Message) string {
	switch typ {
	case telegram.EventDocument:
		if msg.Document != nil && msg.Document.FileName != "" {
			return fmt.Sprintf("[document: %s]", msg.Document.FileName)
		}
	case telegram.EventAudio:
		if msg.Audio != nil && msg.Audio.Title != "" {
			return fmt.Sprintf("[audio: %s]", msg.Audio.Title)
		}
	case telegram.EventSticker:
		if msg.Sticker != nil && msg.Sticker.Emoji != "" {
			return fmt.Sprintf("[sticker %s]", msg.Sticker.Emoji)
		}
	}
	return "[" + string(typ) + "]"
}

// resolveMentions rewrites @mentions of known Mattermost users to the
// username's canonical case so Mattermost highlights them.
func (b *Bridge) resolveMentions(text string) string {
	return mentionPattern.ReplaceAllStringFunc(text, func(mention string) string {
		name := mention[1:]
		if canonical, ok := b.canonicalUsername(name); ok {
			return "@" + canonical
		}
		// A trailing dot usually ends the sentence.
		trimmed := strings.TrimRight(name, ".")
		if trimmed == "" || trimmed == name {
			return mention
		}
		if canonical, ok := b.canonicalUsername(trimmed); ok {
			return "@" + canonical + name[len(trimmed):]
		}
		return mention
	})
}

func (b *Bridge) canonicalUsername(name string) (string, bool) {
	id, ok := b.mmUsers.LookupName(name)
	if !ok {
		return "", false
	}
	return b.mmUsers.LookupID(id)
}

// relayToMattermost posts text to the bridged channel on behalf of the
// message sender. Messages from other chats and replayed messages are
// skipped.
func (b *Bridge) relayToMattermost(ctx context.Context, msg *tgbotapi.Message, text string) {
	if !b.inBridgedChat(msg) {
		droppedMessages.WithLabelValues("other_chat").Inc()
		return
	}
	if strings.TrimSpace(text) == "" {
		droppedMessages.WithLabelValues("empty").Inc()
		return
	}
	key := makeMessageKey(msg.Chat.ID, msg.MessageID)
	if seen, _ := b.seen.ContainsOrAdd(key, struct{}{}); seen {
		droppedMessages.WithLabelValues("replayed").Inc()
		b.Log.Debug().Str("message_key", key).Msg("Skipping already relayed Telegram message")
		return
	}

	sender := b.Config.FormatDisplayname(telegramDisplayParams(msg.From))
	if sender == "" {
		sender = "unknown"
	}
	post, err := b.mattermost.CreatePost(ctx, fmt.Sprintf("**%s**: %s", sender, text))
	if err != nil {
		// Allow a replay of this update to try again.
		b.seen.Remove(key)
		droppedMessages.WithLabelValues("send_failed").Inc()
		b.Log.Error().Err(err).Str("message_key", key).Msg("Failed to relay Telegram message to Mattermost")
		return
	}
	relayedMessages.WithLabelValues(directionToMattermost).Inc()
	b.Log.Debug().
		Str("message_key", key).
		Str("post_id", post.Id).
		Str("sender", sender).
		Msg("Relayed Telegram message to Mattermost")
}
