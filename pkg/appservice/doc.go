// Copyright 2025-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package appservice implements the homeserver-facing half of a Matrix
// application service: the HTTP push interface that receives transactions,
// the registration file that declares the service to the homeserver, and
// the intent layer that lets the service act as its virtual users.
//
// # Core Types
//
// [AppService] owns the HTTP listener and the transaction receiver. The
// homeserver pushes batches of events to PUT /_matrix/app/v1/transactions,
// which are authenticated, deduplicated and fed into the Events channel.
//
// [EventProcessor] consumes the Events channel and dispatches each event to
// handlers registered per event type. A panicking handler is recovered so a
// misbehaving consumer cannot take down the receiver.
//
// [Intent] is a Matrix client bound to one virtual user. It registers the
// user on first use, asserts the user's identity on every request via the
// appservice token, and joins rooms on demand with a bot-assisted invite
// fallback.
//
// [Registration] mirrors the YAML file the homeserver consumes: tokens,
// the bot localpart and the user/alias namespaces the service claims.
//
// # Transaction Contract
//
// The homeserver retries a transaction until it is acknowledged with 200,
// so the receiver acknowledges every authenticated transaction exactly once
// per transaction ID and never surfaces per-event handler failures as HTTP
// errors. Replays of an already processed transaction ID are acknowledged
// without dispatching the events again.
package appservice
