// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/aiku/mattermost-telegram-bridge/pkg/telegram"
	"github.com/aiku/mattermost-telegram-bridge/pkg/usermap"
)

// seenCacheSize is the number of recently relayed Telegram messages
// remembered to drop replayed updates.
const seenCacheSize = 1024

// TelegramSender sends messages to Telegram. *tgbotapi.BotAPI implements it.
type TelegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Bridge relays messages between a Telegram chat and a Mattermost channel
// and keeps the user maps of both sides up to date.
type Bridge struct {
	Config *Config
	Log    zerolog.Logger
	Users  *usermap.Registry

	mmUsers *usermap.Map
	tgUsers *usermap.Map

	telegram   TelegramSender
	source     telegram.Source
	dispatcher *telegram.Dispatcher
	mattermost *MattermostClient

	metrics *prometheus.Registry
	seen    *lru.Cache[string, struct{}]

	apiAddr  net.Addr
	server   *http.Server
	cancel   context.CancelFunc
	pollDone chan struct{}
	stopOnce sync.Once
}

// BridgeOption configures a Bridge.
type BridgeOption func(*Bridge)

// WithTelegram replaces the Bot API client, mainly for tests.
func WithTelegram(sender TelegramSender, source telegram.Source) BridgeOption {
	return func(b *Bridge) {
		b.telegram = sender
		b.source = source
	}
}

// WithRegistry sets the user map registry.
func WithRegistry(reg *usermap.Registry) BridgeOption {
	return func(b *Bridge) { b.Users = reg }
}

// NewBridge creates a bridge. cfg must have been post-processed.
func NewBridge(cfg *Config, log zerolog.Logger, opts ...BridgeOption) *Bridge {
	seen, _ := lru.New[string, struct{}](seenCacheSize)
	b := &Bridge{
		Config:  cfg,
		Log:     log,
		metrics: prometheus.NewRegistry(),
		seen:    seen,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.Users == nil {
		b.Users = usermap.NewRegistry(
			usermap.WithDebounce(cfg.UsermapDebounce()),
			usermap.WithLogger(log),
		)
	}
	b.metrics.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	b.metrics.MustRegister(usermap.Collectors()...)
	b.metrics.MustRegister(telegram.Collectors()...)
	b.metrics.MustRegister(relayedMessages, droppedMessages)
	b.mattermost = NewMattermostClient(b)
	return b
}

// Start loads the user maps, connects to both platforms and starts relaying.
// Failing to load a user map or to authenticate with either platform is
// fatal.
func (b *Bridge) Start(ctx context.Context) error {
	var err error
	b.mmUsers, err = b.Users.GetInstance(ctx, b.Config.Mattermost.UsersFile)
	if err != nil {
		return err
	}
	b.tgUsers, err = b.Users.GetInstance(ctx, b.Config.Telegram.UsersFile)
	if err != nil {
		return err
	}

	if b.telegram == nil {
		if err := telegram.SetLibraryLogger(b.Log); err != nil {
			b.Log.Warn().Err(err).Msg("Failed to set Telegram library logger")
		}
		bot, err := telegram.NewBot(b.Config.Telegram.Token, b.Config.Telegram.APIEndpoint)
		if err != nil {
			return err
		}
		b.Log.Info().Str("username", bot.Self.UserName).Msg("Authenticated with Telegram")
		b.telegram = bot
		b.source = &telegram.BotSource{Bot: bot, AllowedUpdates: []string{"message"}}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b.cancel = cancel

	if err := b.mattermost.Connect(runCtx); err != nil {
		cancel()
		return fmt.Errorf("failed to connect to mattermost: %w", err)
	}

	if err := b.startAdminAPI(); err != nil {
		cancel()
		b.mattermost.Disconnect()
		return err
	}

	b.dispatcher = telegram.NewDispatcher(b.source,
		telegram.WithTimeout(b.Config.Telegram.PollTimeout),
		telegram.WithRetryDelay(b.Config.RetryDelay()),
		telegram.WithLogger(b.Log),
	)
	b.subscribe(b.dispatcher)
	b.pollDone = make(chan struct{})
	go func() {
		defer close(b.pollDone)
		_ = b.dispatcher.Run(runCtx)
	}()

	b.Log.Info().
		Int64("telegram_chat_id", b.Config.Telegram.ChatID).
		Str("mattermost_channel_id", b.Config.Mattermost.ChannelID).
		Msg("Bridge started")
	return nil
}

func (b *Bridge) startAdminAPI() error {
	addr := b.Config.AdminAPIAddr
	if addr == "" {
		addr = defaultAdminAPIAddr
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	b.apiAddr = ln.Addr()
	b.server = &http.Server{
		Handler:      b.adminHandler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		b.Log.Info().Str("addr", ln.Addr().String()).Msg("Starting bridge admin API")
		if err := b.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			b.Log.Error().Err(err).Msg("Bridge admin API error")
		}
	}()
	return nil
}

// Stop stops polling and the Mattermost listener and waits for their
// handlers to return. Then it shuts down the admin API and writes every user
// map.
func (b *Bridge) Stop(ctx context.Context) error {
	var errs []error
	b.stopOnce.Do(func() {
		if b.cancel != nil {
			b.cancel()
		}
		b.mattermost.Disconnect()
		if err := b.mattermost.Wait(ctx); err != nil {
			errs = append(errs, err)
		}
		if b.pollDone != nil {
			select {
			case <-b.pollDone:
			case <-ctx.Done():
				errs = append(errs, fmt.Errorf("failed to wait for telegram polling: %w", ctx.Err()))
			}
		}
		if b.server != nil {
			if err := b.server.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("failed to stop admin API: %w", err))
			}
		}
		if err := b.Users.Flush(ctx); err != nil {
			errs = append(errs, err)
		}
		b.Log.Info().Msg("Bridge stopped")
	})
	return errors.Join(errs...)
}

// MattermostUsers returns the Mattermost user map. It is nil before Start.
func (b *Bridge) MattermostUsers() *usermap.Map { return b.mmUsers }

// TelegramUsers returns the Telegram user map. It is nil before Start.
func (b *Bridge) TelegramUsers() *usermap.Map { return b.tgUsers }
