// Copyright 2024-2026 Aiku AI

package telegram

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// BotSource fetches updates through the Bot API client.
type BotSource struct {
	Bot *tgbotapi.BotAPI
	// AllowedUpdates restricts the update kinds returned. Empty means the
	// server default.
	AllowedUpdates []string
}

var _ Source = (*BotSource)(nil)

type fetchResult struct {
	updates []tgbotapi.Update
	err     error
}

// GetUpdates calls getUpdates. The underlying client cannot be cancelled, so
// when ctx is done first the request is abandoned and ctx.Err() is returned.
// Updates of an abandoned request are not confirmed and are delivered again
// by the next fetch.
func (s *BotSource) GetUpdates(ctx context.Context, offset, timeout int) ([]tgbotapi.Update, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg := tgbotapi.NewUpdate(offset)
	cfg.Timeout = timeout
	cfg.AllowedUpdates = s.AllowedUpdates

	done := make(chan fetchResult, 1)
	go func() {
		updates, err := s.Bot.GetUpdates(cfg)
		done <- fetchResult{updates: updates, err: err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-done:
		return res.updates, res.err
	}
}

// NewBot creates a Bot API client. endpoint overrides the API endpoint format
// (tgbotapi.APIEndpoint) when not empty.
func NewBot(token, endpoint string) (*tgbotapi.BotAPI, error) {
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(token, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to telegram: %w", err)
	}
	return bot, nil
}

type botLogger struct {
	log zerolog.Logger
}

func (l botLogger) Println(v ...any) {
	l.log.Debug().Msg(fmt.Sprint(v...))
}

func (l botLogger) Printf(format string, v ...any) {
	l.log.Debug().Msgf(format, v...)
}

// SetLibraryLogger sends the Bot API client's own log output to log at debug
// level.
func SetLibraryLogger(log zerolog.Logger) error {
	return tgbotapi.SetLogger(botLogger{log: log.With().Str("component", "tgbotapi").Logger()})
}
