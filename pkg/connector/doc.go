// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package connector relays messages between a Telegram group chat and a
// Mattermost channel.
//
// # Core Types
//
// [Bridge] owns the lifecycle: it loads the user maps, authenticates with
// both platforms, runs the Telegram update dispatcher and serves the admin
// API.
//
// [MattermostClient] is the bridge's Mattermost session. It keeps a WebSocket
// connection open for real-time events and uses the REST API for user
// lookups and posting.
//
// # User Maps
//
// Two durable user maps are kept, one per platform. The Mattermost map is
// filled from the channel member list on connect, from every post and from
// user_updated events. The Telegram map is filled from message senders.
// Mentions in relayed Telegram text are rewritten to the canonical
// Mattermost username.
//
// # Echo Prevention
//
// Posts by the bridge account, by usernames matching the configured bot
// prefix and system posts are never relayed back to Telegram. Telegram
// updates are delivered at least once, so recently relayed messages are
// remembered and replays are dropped.
//
// # Admin API
//
//   - GET /api/usermap?map=mattermost|telegram returns a map snapshot.
//   - GET /api/usermap/lookup?map=...&id=... or &name=... looks up one user.
//   - GET /metrics serves Prometheus metrics.
package connector
