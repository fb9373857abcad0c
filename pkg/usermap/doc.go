// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package usermap keeps a durable, bidirectional mapping between a chat
// platform's internal user IDs and their usernames.
//
// Each [Map] is backed by a JSON object file (id -> username) that is loaded
// once and rewritten whenever a mapping changes. Names are indexed
// case-insensitively for reverse lookups and are unique: claiming a name for
// a new ID evicts the previous holder.
//
// # Persistence
//
// Mutations are visible to readers immediately. Writes to the backing file
// are debounced (500ms by default) so a burst of updates, such as the initial
// user sync after connecting, produces a single write. A per-map worker
// performs the writes one at a time, so two writes to the same file never
// overlap. A failed write is logged and retried with the next mutation.
//
// A backing file that does not parse as a JSON object of strings is logged
// and replaced by an empty map. Any other read error is returned to the
// caller of [Registry.GetInstance].
//
// # Instances
//
// Maps are only obtainable through a [Registry], which hands out exactly one
// [Map] per filename. The zero value of [Map] is not usable and panics with
// [ErrUnregistered].
package usermap
