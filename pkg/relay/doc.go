// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package relay implements the wormhole multi-channel relay engine:
// messages posted in any linked channel are re-posted into every other
// channel of the same link group, so separate channels behave as one
// shared conversation.
//
// # Core Types
//
// [Engine] assembles the components and receives platform events through
// its Handle* methods. [Registry] owns link-group membership (numbered
// public slots and password-gated private groups) and the moderation
// state lists. [Pipeline] decides whether an inbound message may be
// relayed; checks run in a fixed order and short-circuit. [Transformer]
// rewrites content for safe cross-posting (mass pings, mentions, custom
// emoji). [Dispatcher] fans the transformed payload out to each other
// member channel and cascades edits and deletions. [Tracker] is the
// volatile correspondence table mapping an origin message to each of its
// delivered copies.
//
// # Delivery Contract
//
// Delivery is at-most-once per destination. A failure against one
// destination is logged and isolated; the remaining destinations still
// receive the copy and nothing is retried. The correspondence table
// lives in process memory only: after a restart, earlier messages can no
// longer be edited or deleted across the wormhole.
//
// # External Collaborators
//
// The platform gateway, command parsing and identity lookups live
// outside this package. The engine talks to the platform exclusively
// through [ChatClient] and persists configuration through the
// store.Store key-value contract.
package relay
