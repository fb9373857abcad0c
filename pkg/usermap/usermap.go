// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package usermap

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Map is a durable mapping between user IDs and usernames.
type Map struct {
	filename string
	location string
	storage  Storage
	log      zerolog.Logger

	mu       sync.RWMutex
	idToName map[string]string
	// nameToID is keyed by the lowercased username.
	nameToID map[string]string

	writer *writer
}

func newMap(ctx context.Context, filename string, o options) (*Map, error) {
	m := &Map{
		filename: filename,
		location: resolveLocation(filename),
		storage:  o.storage,
		log:      o.log.With().Str("component", "usermap").Str("file", filename).Logger(),
	}
	if err := m.load(ctx); err != nil {
		return nil, err
	}
	m.writer = newWriter(o.debounce, m.save, m.log, filename)
	return m, nil
}

// load reads the backing file into memory, creating it if it does not exist.
func (m *Map) load(ctx context.Context) error {
	exists, err := m.storage.Exists(ctx, m.location)
	if err != nil {
		return fmt.Errorf("failed to check %s: %w", m.location, err)
	}
	if !exists {
		m.log.Info().Str("location", m.location).Msg("User map file not found, creating it")
		if err := m.storage.Write(ctx, m.location, []byte("{}\n")); err != nil {
			return fmt.Errorf("failed to create %s: %w", m.location, err)
		}
	}

	data, err := m.storage.Read(ctx, m.location)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", m.location, err)
	}

	var idToName map[string]string
	if err := json.Unmarshal(data, &idToName); err != nil {
		m.log.Warn().Err(err).
			Str("location", m.location).
			Int("length", len(data)).
			Msg("Invalid JSON in user map file, starting with an empty map")
		idToName = nil
	} else if idToName == nil {
		m.log.Warn().
			Str("location", m.location).
			Msg("User map file does not hold a JSON object, starting with an empty map")
	}
	if idToName == nil {
		idToName = make(map[string]string)
	}

	nameToID := make(map[string]string, len(idToName))
	for _, id := range slices.Sorted(maps.Keys(idToName)) {
		key := strings.ToLower(idToName[id])
		if prev, ok := nameToID[key]; ok {
			m.log.Warn().
				Str("name", idToName[id]).
				Str("id", id).
				Str("previous_id", prev).
				Msg("Duplicate username in user map file, name lookups resolve to the first ID")
			continue
		}
		nameToID[key] = id
	}

	m.idToName = idToName
	m.nameToID = nameToID
	mapEntries.WithLabelValues(m.filename).Set(float64(len(idToName)))
	m.log.Debug().Int("count", len(idToName)).Msg("Loaded user map")
	return nil
}

// save writes the current state to the backing file.
func (m *Map) save(ctx context.Context) error {
	m.mu.RLock()
	data, err := json.MarshalIndent(m.idToName, "", "\t")
	m.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to encode user map: %w", err)
	}
	return m.storage.Write(ctx, m.location, append(data, '\n'))
}

func (m *Map) mustBeRegistered() {
	if m == nil || m.writer == nil {
		panic(ErrUnregistered)
	}
}

// SetByName maps a username to an ID.
func (m *Map) SetByName(name, id string) error {
	m.mustBeRegistered()
	return m.set(id, name)
}

// SetByID maps an ID to a username.
func (m *Map) SetByID(id, name string) error {
	m.mustBeRegistered()
	return m.set(id, name)
}

// set stores the pair and requests a write. Nothing happens if the pair is
// already stored.
func (m *Map) set(id, name string) error {
	if id == "" || name == "" {
		return ErrEmptyKey
	}
	key := strings.ToLower(name)

	m.mu.Lock()
	if m.idToName[id] == name && m.nameToID[key] == id {
		m.mu.Unlock()
		return nil
	}
	if old, ok := m.idToName[id]; ok {
		if oldKey := strings.ToLower(old); oldKey != key && m.nameToID[oldKey] == id {
			delete(m.nameToID, oldKey)
		}
	}
	if prev, ok := m.nameToID[key]; ok && prev != id && strings.ToLower(m.idToName[prev]) == key {
		delete(m.idToName, prev)
		m.log.Debug().Str("name", name).Str("previous_id", prev).Msg("Username moved to a new ID")
	}
	m.idToName[id] = name
	m.nameToID[key] = id
	count := len(m.idToName)
	m.mu.Unlock()

	mapEntries.WithLabelValues(m.filename).Set(float64(count))
	m.log.Debug().Str("id", id).Str("name", name).Msg("Updated user mapping")
	m.writer.schedule()
	return nil
}

// LookupID returns the username for id.
func (m *Map) LookupID(id string) (string, bool) {
	m.mustBeRegistered()
	m.mu.RLock()
	defer m.mu.RUnlock()
	name, ok := m.idToName[id]
	return name, ok
}

// LookupName returns the ID for name. The comparison is case-insensitive.
func (m *Map) LookupName(name string) (string, bool) {
	m.mustBeRegistered()
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.nameToID[strings.ToLower(name)]
	return id, ok
}

// IDToName returns a copy of the id -> username mapping.
func (m *Map) IDToName() map[string]string {
	m.mustBeRegistered()
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.idToName)
}

// NameToID returns a copy of the lowercased username -> id mapping.
func (m *Map) NameToID() map[string]string {
	m.mustBeRegistered()
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.nameToID)
}

// Len returns the number of stored mappings.
func (m *Map) Len() int {
	m.mustBeRegistered()
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.idToName)
}

// Filename returns the name the map was registered under.
func (m *Map) Filename() string {
	m.mustBeRegistered()
	return m.filename
}

// Flush writes the current state now, without waiting for the debounce
// window, and waits for the write to finish.
func (m *Map) Flush(ctx context.Context) error {
	m.mustBeRegistered()
	return m.writer.flush(ctx)
}
