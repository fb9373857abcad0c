// Copyright 2024-2026 Aiku AI

package telegram

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// EventType names an event published by the Dispatcher.
type EventType string

const (
	EventUpdate   EventType = "update"
	EventMessage  EventType = "message"
	EventText     EventType = "text"
	EventPhoto    EventType = "photo"
	EventDocument EventType = "document"
	EventAudio    EventType = "audio"
	EventVideo    EventType = "video"
	EventSticker  EventType = "sticker"
)

const (
	DefaultTimeout    = 60
	DefaultRetryDelay = time.Second
)

// Event is delivered to handlers. Message is nil for EventUpdate events of
// updates that carry no message.
type Event struct {
	Type    EventType
	Update  *tgbotapi.Update
	Message *tgbotapi.Message
}

// Handler receives events. It runs on the polling goroutine, so the next
// fetch waits until it returns.
type Handler func(ctx context.Context, evt Event)

// Source fetches updates starting at offset. timeout is the long-poll hint
// in seconds.
type Source interface {
	GetUpdates(ctx context.Context, offset, timeout int) ([]tgbotapi.Update, error)
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithTimeout sets the long-poll timeout in seconds.
func WithTimeout(seconds int) DispatcherOption {
	return func(d *Dispatcher) {
		if seconds >= 0 {
			d.timeout = seconds
		}
	}
}

// WithRetryDelay sets the pause after a failed fetch.
func WithRetryDelay(delay time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if delay >= 0 {
			d.retryDelay = delay
		}
	}
}

// WithLogger sets the dispatcher logger.
func WithLogger(log zerolog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.log = log.With().Str("component", "telegram_dispatcher").Logger() }
}

// Dispatcher long-polls a Source and publishes typed events.
type Dispatcher struct {
	source     Source
	timeout    int
	retryDelay time.Duration
	log        zerolog.Logger

	offset atomic.Int64

	handlersLock sync.RWMutex
	handlers     map[EventType][]Handler
}

// NewDispatcher creates a dispatcher reading from source.
func NewDispatcher(source Source, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		source:     source,
		timeout:    DefaultTimeout,
		retryDelay: DefaultRetryDelay,
		log:        zerolog.Nop(),
		handlers:   make(map[EventType][]Handler),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// On subscribes handler to events of type typ. Handlers of one type run in
// subscription order.
func (d *Dispatcher) On(typ EventType, handler Handler) {
	d.handlersLock.Lock()
	defer d.handlersLock.Unlock()
	d.handlers[typ] = append(d.handlers[typ], handler)
}

// Offset returns the offset the next fetch will request.
func (d *Dispatcher) Offset() int {
	return int(d.offset.Load())
}

// Run polls until ctx is done and returns ctx.Err().
func (d *Dispatcher) Run(ctx context.Context) error {
	d.log.Info().Int("timeout", d.timeout).Msg("Starting update polling")
	for {
		if err := ctx.Err(); err != nil {
			d.log.Info().Int("offset", d.Offset()).Msg("Stopped update polling")
			return err
		}
		if err := d.poll(ctx); err != nil {
			if ctx.Err() != nil {
				continue
			}
			pollErrors.Inc()
			d.log.Warn().Err(err).Int("offset", d.Offset()).Msg("Failed to fetch updates, retrying")
			if d.retryDelay > 0 {
				select {
				case <-ctx.Done():
				case <-time.After(d.retryDelay):
				}
			}
		}
	}
}

// poll runs one fetch cycle. The offset is left unchanged if the fetch fails.
func (d *Dispatcher) poll(ctx context.Context) error {
	updates, err := d.source.GetUpdates(ctx, d.Offset(), d.timeout)
	if err != nil {
		return fmt.Errorf("failed to get updates: %w", err)
	}
	// A batch that arrives after cancellation is left unconfirmed.
	if err := ctx.Err(); err != nil {
		return err
	}
	updatesReceived.Add(float64(len(updates)))
	for i := range updates {
		update := &updates[i]
		if next := int64(update.UpdateID) + 1; next > d.offset.Load() {
			d.offset.Store(next)
			currentOffset.Set(float64(next))
		}
		d.dispatch(ctx, update)
	}
	return nil
}

func (d *Dispatcher) dispatch(ctx context.Context, update *tgbotapi.Update) {
	d.publish(ctx, Event{Type: EventUpdate, Update: update, Message: update.Message})
	msg := update.Message
	if msg == nil {
		return
	}
	d.publish(ctx, Event{Type: EventMessage, Update: update, Message: msg})
	if typ, ok := Classify(msg); ok {
		d.publish(ctx, Event{Type: typ, Update: update, Message: msg})
	}
}

func (d *Dispatcher) publish(ctx context.Context, evt Event) {
	d.handlersLock.RLock()
	handlers := d.handlers[evt.Type]
	d.handlersLock.RUnlock()

	eventsPublished.WithLabelValues(string(evt.Type)).Inc()
	for _, handler := range handlers {
		d.callHandler(ctx, handler, evt)
	}
}

func (d *Dispatcher) callHandler(ctx context.Context, handler Handler, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().
				Str("event_type", string(evt.Type)).
				Int("update_id", evt.Update.UpdateID).
				Any("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("Event handler panicked")
		}
	}()
	handler(ctx, evt)
}

// Classify returns the content type of msg. The first match wins, checked in
// the order text, photo, document, audio, video, sticker.
func Classify(msg *tgbotapi.Message) (EventType, bool) {
	switch {
	case msg == nil:
		return "", false
	case msg.Text != "":
		return EventText, true
	case len(msg.Photo) > 0:
		return EventPhoto, true
	case msg.Document != nil:
		return EventDocument, true
	case msg.Audio != nil:
		return EventAudio, true
	case msg.Video != nil:
		return EventVideo, true
	case msg.Sticker != nil:
		return EventSticker, true
	default:
		return "", false
	}
}
