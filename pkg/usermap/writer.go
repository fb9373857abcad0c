// Copyright 2024-2026 Aiku AI

package usermap

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// writeTimeout bounds a single write of the backing file.
const writeTimeout = 30 * time.Second

// writer debounces write requests for one map and runs the resulting writes
// on a single goroutine.
type writer struct {
	delay   time.Duration
	persist func(ctx context.Context) error
	log     zerolog.Logger
	label   string

	// wake has capacity one; requests that arrive while a write is queued
	// are folded into it.
	wake chan struct{}

	mu    sync.Mutex
	timer *time.Timer
	// seq identifies the most recent timer so a superseded one cannot fire.
	seq       uint64
	requested uint64
	completed uint64
	lastErr   error
	// written is closed and replaced after every write.
	written chan struct{}
}

func newWriter(delay time.Duration, persist func(ctx context.Context) error, log zerolog.Logger, label string) *writer {
	w := &writer{
		delay:   delay,
		persist: persist,
		log:     log,
		label:   label,
		wake:    make(chan struct{}, 1),
		written: make(chan struct{}),
	}
	go w.run()
	return w
}

// schedule restarts the quiet window. The write happens once no further
// request has arrived for w.delay.
func (w *writer) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.seq++
	seq := w.seq
	w.timer = time.AfterFunc(w.delay, func() { w.fire(seq) })
	persistRequests.WithLabelValues(w.label).Inc()
}

func (w *writer) fire(seq uint64) {
	w.mu.Lock()
	if seq != w.seq || w.timer == nil {
		w.mu.Unlock()
		return
	}
	w.timer = nil
	w.requested++
	w.mu.Unlock()
	w.kick()
}

func (w *writer) kick() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *writer) run() {
	for range w.wake {
		w.mu.Lock()
		gen := w.requested
		pending := gen > w.completed
		w.mu.Unlock()
		if !pending {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		start := time.Now()
		err := w.persist(ctx)
		cancel()
		if err != nil {
			w.log.Error().Err(err).Msg("Writing user map failed")
			writesTotal.WithLabelValues(w.label, "error").Inc()
		} else {
			w.log.Debug().Dur("duration", time.Since(start)).Msg("Wrote user map")
			writesTotal.WithLabelValues(w.label, "ok").Inc()
		}

		w.mu.Lock()
		w.completed = gen
		w.lastErr = err
		close(w.written)
		w.written = make(chan struct{})
		w.mu.Unlock()
	}
}

// flush cancels the pending timer, requests a write and waits for it.
func (w *writer) flush(ctx context.Context) error {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.requested++
	target := w.requested
	w.mu.Unlock()
	w.kick()

	for {
		w.mu.Lock()
		if w.completed >= target {
			err := w.lastErr
			w.mu.Unlock()
			return err
		}
		written := w.written
		w.mu.Unlock()

		select {
		case <-written:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
