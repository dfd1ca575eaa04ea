// Copyright 2025-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package embedbridge

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

// EventSink receives outgoing frame-to-host events. Implementations must be
// safe for concurrent use: loginComplete is emitted from the operation
// goroutine while the dispatch loop may emit ready.
type EventSink interface {
	Emit(evt Event)
}

// descriptorStore is the slice of the credential store the state machine
// needs: the persisted session descriptor group.
type descriptorStore interface {
	LoadSession(ctx context.Context) (*SessionDescriptor, error)
	SaveSession(ctx context.Context, desc SessionDescriptor) error
	ClearSession(ctx context.Context) error
}

type opKind int

const (
	opAttach opKind = iota
	opLogin
	opLogout
)

// OpResult is the outcome of an asynchronous session operation, posted back
// to the dispatch loop. The attempt token lets the machine drop results of
// superseded attempts instead of applying them to fresher state.
type OpResult struct {
	attempt uint64
	kind    opKind
	desc    SessionDescriptor
	err     error
}

// PendingOp is a side-effecting operation the controller must run in its
// own goroutine. Exactly zero or one PendingOp comes out of each command.
type PendingOp struct {
	attempt uint64
	kind    opKind
	run     func(ctx context.Context) OpResult
}

// Run executes the operation and returns its result.
func (op *PendingOp) Run(ctx context.Context) OpResult {
	return op.run(ctx)
}

// Failure builds a result reporting err for this operation, used when the
// operation itself could not run to completion.
func (op *PendingOp) Failure(err error) OpResult {
	return OpResult{attempt: op.attempt, kind: op.kind, err: err}
}

// SessionMachine owns the authentication lifecycle. All methods must be
// called from the controller's dispatch loop; the machine itself holds no
// locks.
type SessionMachine struct {
	lifecycle *LifecycleManager
	store     descriptorStore
	sink      EventSink
	log       zerolog.Logger

	// defaultHomeserver fills in login commands that omit homeserverUrl.
	defaultHomeserver string

	state        SessionState
	attempt      uint64
	failReason   string
	activeRoomID string
}

// NewSessionMachine creates a machine in the Unauthenticated state.
func NewSessionMachine(lifecycle *LifecycleManager, store descriptorStore, sink EventSink, defaultHomeserver string, log zerolog.Logger) *SessionMachine {
	return &SessionMachine{
		lifecycle:         lifecycle,
		store:             store,
		sink:              sink,
		defaultHomeserver: defaultHomeserver,
		state:             StateUnauthenticated,
		log:               log.With().Str("component", "session").Logger(),
	}
}

// State returns the current session state.
func (sm *SessionMachine) State() SessionState {
	return sm.state
}

// ActiveRoomID returns the room last selected by the host, or "".
func (sm *SessionMachine) ActiveRoomID() string {
	return sm.activeRoomID
}

// HandleCommand applies a decoded command. It either emits events directly
// (for synchronous outcomes) or returns a PendingOp the controller must run
// asynchronously; every command produces a response eventually.
func (sm *SessionMachine) HandleCommand(cmd Command) *PendingOp {
	switch cmd := cmd.(type) {
	case CheckReadyCommand:
		sm.sink.Emit(ReadyEvent{})
		return nil

	case LoginCommand:
		return sm.handleLogin(cmd)

	case RestoreSessionCommand:
		return sm.handleRestore(cmd)

	case LogoutCommand:
		return sm.handleLogout()

	case SelectRoomCommand:
		sm.handleSelectRoom(cmd)
		return nil

	default:
		sm.log.Warn().Str("command", string(cmd.CommandType())).Msg("No handler for command")
		return nil
	}
}

func (sm *SessionMachine) handleLogin(cmd LoginCommand) *PendingOp {
	if !sm.state.idle() {
		sm.log.Warn().Stringer("state", sm.state).Msg("Rejecting login command")
		sm.sink.Emit(LoginFailedEvent{Error: sm.busyReason()})
		return nil
	}

	homeserverURL := cmd.HomeserverURL
	if homeserverURL == "" {
		homeserverURL = sm.defaultHomeserver
	}
	if homeserverURL == "" {
		sm.sink.Emit(LoginFailedEvent{Error: "no homeserver URL provided or configured"})
		return nil
	}

	sm.beginAttempt(StateAuthenticating)
	attempt := sm.attempt
	lifecycle := sm.lifecycle
	sink := sm.sink
	return &PendingOp{
		attempt: attempt,
		kind:    opLogin,
		run: func(ctx context.Context) OpResult {
			desc, err := lifecycle.LoginAndAttach(ctx, homeserverURL, cmd.Username, cmd.Password, func(d SessionDescriptor) {
				sink.Emit(LoginCompleteEvent{sessionFields(d)})
			})
			return OpResult{attempt: attempt, kind: opLogin, desc: desc, err: err}
		},
	}
}

// StartupRestore begins re-attaching the persisted session descriptor, if a
// complete one survived the previous run. Called once by the controller
// before any host commands are processed; a bridge restart must not cost
// the host its session.
func (sm *SessionMachine) StartupRestore(ctx context.Context) *PendingOp {
	desc, err := sm.store.LoadSession(ctx)
	if err != nil {
		sm.log.Error().Err(err).Msg("Failed to load persisted session")
		return nil
	}
	if desc == nil {
		return nil
	}
	sm.log.Info().Str("user_id", desc.UserID).Msg("Restoring persisted session")
	return sm.beginAttach(*desc)
}

func (sm *SessionMachine) handleRestore(cmd RestoreSessionCommand) *PendingOp {
	desc := cmd.Descriptor()
	if !desc.Complete() {
		sm.sink.Emit(UnableToRestoreSessionEvent{Error: "incomplete session descriptor"})
		return nil
	}
	if !sm.state.idle() {
		sm.log.Warn().Stringer("state", sm.state).Msg("Rejecting restore command")
		sm.sink.Emit(SessionLoadFailedEvent{Error: sm.busyReason()})
		return nil
	}

	return sm.beginAttach(desc)
}

func (sm *SessionMachine) beginAttach(desc SessionDescriptor) *PendingOp {
	sm.beginAttempt(StateRestoring)
	attempt := sm.attempt
	lifecycle := sm.lifecycle
	return &PendingOp{
		attempt: attempt,
		kind:    opAttach,
		run: func(ctx context.Context) OpResult {
			err := lifecycle.Attach(ctx, desc)
			return OpResult{attempt: attempt, kind: opAttach, desc: desc, err: err}
		},
	}
}

func (sm *SessionMachine) handleLogout() *PendingOp {
	switch {
	case sm.state == StateAuthenticated:
		sm.beginAttempt(StateLoggingOut)
		attempt := sm.attempt
		lifecycle := sm.lifecycle
		return &PendingOp{
			attempt: attempt,
			kind:    opLogout,
			run: func(ctx context.Context) OpResult {
				return OpResult{attempt: attempt, kind: opLogout, err: lifecycle.Logout(ctx)}
			},
		}

	case sm.state.idle():
		// Nothing to invalidate; do not touch the homeserver.
		sm.sink.Emit(LogoutCompleteEvent{Info: "No active session"})
		return nil

	default:
		sm.log.Warn().Stringer("state", sm.state).Msg("Rejecting logout command")
		sm.sink.Emit(LogoutAllFailedEvent{Error: sm.busyReason()})
		return nil
	}
}

func (sm *SessionMachine) handleSelectRoom(cmd SelectRoomCommand) {
	if sm.state != StateAuthenticated {
		sm.sink.Emit(RoomSelectFailedEvent{Error: "no active session"})
		return
	}
	sm.activeRoomID = cmd.RoomID
	sm.log.Info().Str("room_id", cmd.RoomID).Msg("Room selected")
	sm.sink.Emit(RoomSelectedEvent{RoomID: cmd.RoomID})
}

// HandleResult applies the outcome of an asynchronous operation. Results
// carrying a stale attempt token are dropped.
func (sm *SessionMachine) HandleResult(ctx context.Context, res OpResult) {
	if res.attempt != sm.attempt {
		sm.log.Debug().
			Uint64("result_attempt", res.attempt).
			Uint64("current_attempt", sm.attempt).
			Msg("Dropping result of superseded attempt")
		return
	}

	switch res.kind {
	case opAttach:
		sm.finishAttach(ctx, res, false)
	case opLogin:
		sm.finishAttach(ctx, res, true)
	case opLogout:
		sm.finishLogout(ctx, res)
	}
}

func (sm *SessionMachine) finishAttach(ctx context.Context, res OpResult, viaLogin bool) {
	if res.err != nil {
		sm.fail(res.err)
		if viaLogin {
			sm.sink.Emit(LoginFailedEvent{Error: res.err.Error()})
		} else {
			sm.sink.Emit(SessionLoadFailedEvent{Error: res.err.Error()})
		}
		return
	}

	if err := sm.store.SaveSession(ctx, res.desc); err != nil {
		// A session that cannot be persisted would silently vanish on the
		// next reload; treat it as a failed attempt.
		sm.log.Error().Err(err).Msg("Failed to persist session descriptor")
		sm.lifecycle.Detach(ctx)
		sm.fail(err)
		if viaLogin {
			sm.sink.Emit(LoginFailedEvent{Error: "persist session: " + err.Error()})
		} else {
			sm.sink.Emit(SessionLoadFailedEvent{Error: "persist session: " + err.Error()})
		}
		return
	}

	sm.transition(StateAuthenticated)
	if viaLogin {
		sm.sink.Emit(LoginSuccessEvent{sessionFields(res.desc)})
	} else {
		sm.sink.Emit(ExistingSessionLoadedEvent{})
	}
}

func (sm *SessionMachine) finishLogout(ctx context.Context, res OpResult) {
	switch {
	case res.err == nil:
		sm.clearAndReset(ctx)
		sm.sink.Emit(LogoutCompleteEvent{})

	case errors.Is(res.err, ErrNoActiveSession):
		sm.clearAndReset(ctx)
		sm.sink.Emit(LogoutCompleteEvent{Info: "No active session"})

	default:
		// The handle is still live; the host keeps its session.
		sm.transition(StateAuthenticated)
		sm.sink.Emit(LogoutAllFailedEvent{Error: res.err.Error()})
	}
}

func (sm *SessionMachine) clearAndReset(ctx context.Context) {
	if err := sm.store.ClearSession(ctx); err != nil {
		sm.log.Error().Err(err).Msg("Failed to clear persisted session descriptor")
	}
	sm.activeRoomID = ""
	sm.transition(StateUnauthenticated)
}

// Shutdown detaches any live handle. Called once when the controller loop
// exits.
func (sm *SessionMachine) Shutdown(ctx context.Context) {
	sm.lifecycle.Detach(ctx)
}

func (sm *SessionMachine) beginAttempt(to SessionState) {
	sm.attempt++
	sm.failReason = ""
	sm.transition(to)
}

func (sm *SessionMachine) fail(err error) {
	sm.failReason = err.Error()
	sm.transition(StateFailed)
}

func (sm *SessionMachine) transition(to SessionState) {
	if sm.state == to {
		return
	}
	sm.log.Debug().Stringer("from", sm.state).Stringer("to", to).Msg("Session state transition")
	sm.state = to
}

func (sm *SessionMachine) busyReason() string {
	switch sm.state {
	case StateRestoring:
		return "session restore already in progress"
	case StateAuthenticating:
		return "login already in progress"
	case StateLoggingOut:
		return "logout already in progress"
	case StateAuthenticated:
		return "already authenticated"
	default:
		return "operation not permitted in state " + sm.state.String()
	}
}
