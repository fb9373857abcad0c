// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package telegram turns the Telegram Bot API update stream into typed
// events.
//
// A [Dispatcher] long-polls a [Source] with the offset of the next unseen
// update, advances the offset past every update it receives and publishes, in
// order, an [EventUpdate] event, then for updates carrying a message an
// [EventMessage] event followed by at most one content event ([EventText],
// [EventPhoto], [EventDocument], [EventAudio], [EventVideo] or
// [EventSticker]).
//
// The offset lives in memory only, so updates may be delivered again after a
// restart. Handlers must tolerate seeing the same update twice.
//
// Failed fetches are logged and retried after a short pause; they never stop
// the dispatcher. [Dispatcher.Run] returns only when its context is done.
package telegram
