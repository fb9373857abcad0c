// Copyright 2024-2026 Aiku AI

package usermap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultDebounce is the quiet window between the last mutation and the
// write of the backing file.
const DefaultDebounce = 500 * time.Millisecond

var (
	// ErrUnregistered is the panic value when a Map that was not obtained
	// from a Registry is used.
	ErrUnregistered = errors.New("usermap: map was not obtained from a Registry")
	// ErrEmptyKey is returned when setting a mapping with an empty ID or name.
	ErrEmptyKey = errors.New("usermap: empty id or name")
)

type options struct {
	storage  Storage
	debounce time.Duration
	log      zerolog.Logger
}

// Option configures the maps created by a Registry.
type Option func(*options)

// WithStorage sets the storage used for backing files.
func WithStorage(s Storage) Option { return func(o *options) { o.storage = s } }

// WithDebounce sets the quiet window before a write.
func WithDebounce(d time.Duration) Option { return func(o *options) { o.debounce = d } }

// WithLogger sets the parent logger of created maps.
func WithLogger(log zerolog.Logger) Option { return func(o *options) { o.log = log } }

// Registry hands out one Map per filename, loading it on first access.
type Registry struct {
	maps *xsync.MapOf[string, *Map]
	opts options
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	o := options{
		storage:  NewAFSStorage(),
		debounce: DefaultDebounce,
		log:      zerolog.Nop(),
	}
	for _, fn := range opts {
		fn(&o)
	}
	if o.debounce < 0 {
		o.debounce = 0
	}
	return &Registry{
		maps: xsync.NewMapOf[string, *Map](),
		opts: o,
	}
}

// GetInstance returns the map for filename, loading it if this is the first
// request for that filename. A load failure is returned and not remembered,
// so a later call tries again.
func (r *Registry) GetInstance(ctx context.Context, filename string) (*Map, error) {
	if m, ok := r.maps.Load(filename); ok {
		return m, nil
	}

	var loadErr error
	m, ok := r.maps.Compute(filename, func(existing *Map, loaded bool) (*Map, bool) {
		if loaded {
			return existing, false
		}
		created, err := newMap(ctx, filename, r.opts)
		if err != nil {
			loadErr = err
			return nil, true
		}
		return created, false
	})
	if loadErr != nil {
		return nil, fmt.Errorf("failed to load user map %q: %w", filename, loadErr)
	}
	if !ok {
		return nil, fmt.Errorf("failed to load user map %q", filename)
	}
	return m, nil
}

// Filenames returns the filenames of all loaded maps.
func (r *Registry) Filenames() []string {
	var names []string
	r.maps.Range(func(name string, _ *Map) bool {
		names = append(names, name)
		return true
	})
	return names
}

// Flush writes every loaded map and waits for the writes.
func (r *Registry) Flush(ctx context.Context) error {
	var errs []error
	r.maps.Range(func(name string, m *Map) bool {
		if err := m.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to flush %q: %w", name, err))
		}
		return true
	})
	return errors.Join(errs...)
}

var defaultRegistry = sync.OnceValue(func() *Registry {
	return NewRegistry(WithLogger(log.Logger))
})

// GetInstance returns the map for filename from the process-wide registry.
func GetInstance(ctx context.Context, filename string) (*Map, error) {
	return defaultRegistry().GetInstance(ctx, filename)
}
