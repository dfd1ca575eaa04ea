// Copyright 2025-2026 Aiku AI

package embedbridge

import "errors"

var (
	// ErrOriginRejected marks a message whose source is not the configured
	// host origin. Dropped without any event back to the sender.
	ErrOriginRejected = errors.New("message origin rejected")

	// ErrMalformedMessage marks a payload that does not match any known
	// command schema. Dropped without any event back to the sender.
	ErrMalformedMessage = errors.New("malformed bridge message")

	// ErrLoginRejected is returned when the homeserver rejects the password
	// login call.
	ErrLoginRejected = errors.New("login rejected")

	// ErrAccountMismatch is returned by ClientHandle.Start when the local
	// account cache was created for a different account than the one being
	// attached.
	ErrAccountMismatch = errors.New("local account cache belongs to a different account")

	// ErrAttachFailed is a terminal attach failure: the start error was not
	// an account mismatch, or the single mismatch-recovery retry also failed.
	ErrAttachFailed = errors.New("attach failed")

	// ErrRemoteLogoutFailed is returned when the homeserver answers the
	// session-invalidation request with a non-2xx status. Local state is
	// left untouched.
	ErrRemoteLogoutFailed = errors.New("remote logout failed")

	// ErrNoActiveSession is returned when logout finds no session to
	// invalidate, either locally or on the homeserver. It is not a failure.
	ErrNoActiveSession = errors.New("no active session")

	// ErrHandleLive is returned when an attach is requested while a chat
	// client handle is already live. The state machine gates transitions so
	// this only fires on a programming error.
	ErrHandleLive = errors.New("a chat client handle is already live")
)
