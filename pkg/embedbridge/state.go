// Copyright 2025-2026 Aiku AI

package embedbridge

// SessionState is the bridge's authentication lifecycle state. Exactly one
// is active at a time; transitions happen only inside the controller's
// dispatch loop.
type SessionState int

const (
	StateUnauthenticated SessionState = iota
	StateRestoring
	StateAuthenticating
	StateAuthenticated
	StateLoggingOut
	StateFailed
)

func (s SessionState) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateRestoring:
		return "restoring"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateLoggingOut:
		return "logging_out"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// idle reports whether a new login or restore may start from this state.
func (s SessionState) idle() bool {
	return s == StateUnauthenticated || s == StateFailed
}
