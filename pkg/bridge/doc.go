// Copyright 2025-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package bridge ties the appservice transaction receiver, the state
// store and a network connector into a running Matrix bridge.
//
// A bridge binary embeds this package with a [NetworkConnector]
// implementation for its remote service. The framework owns everything
// Matrix-side: receiving transactions, dispatching events, puppeting
// ghosts, admin rooms and the provisioning API. The connector owns the
// remote side and calls back into [Bridge.RelayRemoteMessage] and its
// siblings for anything that should reach Matrix.
//
// # Core Types
//
// [Bridge] is the orchestrator. [Bridge.Start] runs the full stack until
// the context is cancelled.
//
// [UserLogin] binds one authenticated Matrix user to their stored remote
// credentials and is the handle the connector works with.
//
// # Echo Prevention
//
// Four layers keep messages from looping between the two sides:
//
//  1. Events sent by the bot or a ghost are dropped before dispatch,
//     the homeserver echoes the bridge's own sends in transactions.
//  2. Remote message IDs returned by the connector's relays are cached
//     and matching inbound remote messages are dropped.
//  3. Per room exactly one authenticated user, the frontier, relays
//     remote events. Events seen through other logins are dropped.
//  4. Remote messages from an authenticated user without a double
//     puppet token are dropped, their own client already shows them.
//
// Each layer catches a loop the others miss. Relaxing any one of them
// brings back duplicate messages under some room topology.
//
// # Sub-packages
//
//   - matrixfmt flattens Matrix HTML to remote markup.
//   - remotefmt renders remote markup as Matrix HTML.
package bridge
