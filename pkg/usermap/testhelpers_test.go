// Copyright 2024-2026 Aiku AI

package usermap

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var errFakeIO = errors.New("fake io error")

// memStorage is an in-memory Storage that records write activity.
type memStorage struct {
	mu      sync.Mutex
	files   map[string][]byte
	writes  int
	exists  int
	readErr error
	failing bool
	delay   time.Duration

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func newMemStorage() *memStorage {
	return &memStorage{files: make(map[string][]byte)}
}

func (s *memStorage) Exists(_ context.Context, location string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exists++
	_, ok := s.files[location]
	return ok, nil
}

func (s *memStorage) Read(_ context.Context, location string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr != nil {
		return nil, s.readErr
	}
	return append([]byte(nil), s.files[location]...), nil
}

func (s *memStorage) Write(_ context.Context, location string, data []byte) error {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		cur := s.maxInFlight.Load()
		if n <= cur || s.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}

	s.mu.Lock()
	delay := s.delay
	s.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	if s.failing {
		return errFakeIO
	}
	s.files[location] = append([]byte(nil), data...)
	return nil
}

func (s *memStorage) put(filename, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[resolveLocation(filename)] = []byte(content)
}

func (s *memStorage) get(filename string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.files[resolveLocation(filename)])
}

func (s *memStorage) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

func (s *memStorage) setFailing(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = v
}

func (s *memStorage) setReadErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readErr = err
}

func (s *memStorage) setDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

func scheduled(m *Map) uint64 {
	m.writer.mu.Lock()
	defer m.writer.mu.Unlock()
	return m.writer.seq
}
