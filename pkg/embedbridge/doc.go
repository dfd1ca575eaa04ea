// Copyright 2025-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package embedbridge implements the session/authentication bridge between
// an untrusted host page and an embedded Matrix chat client.
//
// The host drives the bridge with commands (checkReady, login,
// restoreSession/existingSession, logout, selectRoom) and receives
// asynchronous status events; it never touches the credential storage
// directly. There is no synchronous return value for any command.
//
// # Core Types
//
// [Bridge] is the controller: a single dispatch goroutine consumes inbound
// messages and operation results, so state transitions never race. Panics
// below the controller are converted to typed failure events; nothing
// escapes to the host unreported.
//
// [SessionMachine] owns the authentication lifecycle (unauthenticated →
// restoring/authenticating → authenticated → logging out). A monotonically
// increasing attempt token tags every side-effecting operation so results
// of superseded attempts are dropped instead of corrupting fresher state.
//
// [LifecycleManager] holds the single live [ClientHandle] and wraps attach
// with the account-mismatch recovery policy: clear the local cache and
// retry exactly once, then surface the failure. At most one handle is live
// per bridge instance.
//
// [CredentialStore] persists the session descriptor (the four keys are one
// atomic group) and the per-account cache, encrypted at rest with age.
//
// [Codec] validates inbound messages (wrong-origin and malformed payloads
// are dropped silently) and serializes every outgoing event type.
package embedbridge
