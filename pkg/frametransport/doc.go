// Copyright 2025-2026 Aiku AI

// Package frametransport carries bridge messages over a websocket between
// the host page and the embedded session bridge. The browser Origin header
// plays the role of the message source: upgrades from any origin other
// than the configured host are refused, and every inbound message is
// tagged with its origin for the codec's source check.
package frametransport
