// Copyright 2025-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package embedbridge

import (
	"context"
	"errors"
	"testing"
)

func restoreCommand(desc SessionDescriptor) RestoreSessionCommand {
	return RestoreSessionCommand{
		HomeserverURL: desc.HomeserverURL,
		UserID:        desc.UserID,
		DeviceID:      desc.DeviceID,
		AccessToken:   desc.AccessToken,
	}
}

func TestCheckReadyAlwaysAnswers(t *testing.T) {
	machine, sink, _, _ := newTestMachine(&fakeFactory{}, "")

	drive(t, machine, CheckReadyCommand{})
	drive(t, machine, CheckReadyCommand{})
	assertTypes(t, sink.Types(), EventReady, EventReady)

	// Ready stays available after authentication too.
	sink.Reset()
	drive(t, machine, restoreCommand(testDescriptor))
	drive(t, machine, CheckReadyCommand{})
	assertTypes(t, sink.Types(), EventExistingSessionLoaded, EventReady)
}

func TestLoginSuccess(t *testing.T) {
	factory := &fakeFactory{loginDesc: testDescriptor}
	machine, sink, store, _ := newTestMachine(factory, "")

	drive(t, machine, LoginCommand{HomeserverURL: testDescriptor.HomeserverURL, Username: "alice", Password: "pw"})

	assertTypes(t, sink.Types(), EventLoginComplete, EventLoginSuccess)
	if got := machine.State(); got != StateAuthenticated {
		t.Errorf("state = %s, want %s", got, StateAuthenticated)
	}

	complete := sink.Events()[0].(LoginCompleteEvent)
	success := sink.Events()[1].(LoginSuccessEvent)
	if complete.SessionFields != sessionFields(testDescriptor) {
		t.Errorf("loginComplete fields = %+v", complete.SessionFields)
	}
	if success.SessionFields != sessionFields(testDescriptor) {
		t.Errorf("loginSuccess fields = %+v", success.SessionFields)
	}

	if len(store.saved) != 1 || store.saved[0] != testDescriptor {
		t.Errorf("persisted descriptors = %+v, want exactly %+v", store.saved, testDescriptor)
	}
}

func TestLoginDefaultHomeserver(t *testing.T) {
	factory := &fakeFactory{}
	machine, sink, _, _ := newTestMachine(factory, "https://default.example")

	drive(t, machine, LoginCommand{Username: "alice", Password: "pw"})

	assertTypes(t, sink.Types(), EventLoginComplete, EventLoginSuccess)
	success := sink.Events()[1].(LoginSuccessEvent)
	if success.HomeserverURL != "https://default.example" {
		t.Errorf("homeserver = %s, want configured default", success.HomeserverURL)
	}
}

func TestLoginNoHomeserverAnywhere(t *testing.T) {
	machine, sink, store, _ := newTestMachine(&fakeFactory{}, "")

	drive(t, machine, LoginCommand{Username: "alice", Password: "pw"})

	assertTypes(t, sink.Types(), EventLoginFailed)
	if got := machine.State(); got != StateUnauthenticated {
		t.Errorf("state = %s, want %s", got, StateUnauthenticated)
	}
	if len(store.saved) != 0 {
		t.Error("nothing should be persisted")
	}
}

func TestLoginRejected(t *testing.T) {
	factory := &fakeFactory{loginErr: ErrLoginRejected}
	machine, sink, _, _ := newTestMachine(factory, "")

	drive(t, machine, LoginCommand{HomeserverURL: "https://matrix.example", Username: "alice", Password: "wrong"})

	assertTypes(t, sink.Types(), EventLoginFailed)
	if got := machine.State(); got != StateFailed {
		t.Errorf("state = %s, want %s", got, StateFailed)
	}

	// A failed attempt does not poison the machine; the next one can succeed.
	sink.Reset()
	factory.mu.Lock()
	factory.loginErr = nil
	factory.mu.Unlock()
	drive(t, machine, LoginCommand{HomeserverURL: "https://matrix.example", Username: "alice", Password: "pw"})
	assertTypes(t, sink.Types(), EventLoginComplete, EventLoginSuccess)
}

func TestCommandsRejectedWhileBusy(t *testing.T) {
	machine, sink, _, _ := newTestMachine(&fakeFactory{}, "")

	// Hold the restore in flight by not running its operation yet.
	op := machine.HandleCommand(restoreCommand(testDescriptor))
	if op == nil {
		t.Fatal("restore should return a pending operation")
	}
	sink.Reset()

	drive(t, machine, LoginCommand{HomeserverURL: "https://matrix.example", Username: "alice", Password: "pw"})
	drive(t, machine, restoreCommand(testDescriptor))
	drive(t, machine, LogoutCommand{})
	assertTypes(t, sink.Types(), EventLoginFailed, EventSessionLoadFailed, EventLogoutAllFailed)

	// The held operation still completes normally afterwards.
	sink.Reset()
	ctx := context.Background()
	machine.HandleResult(ctx, op.Run(ctx))
	assertTypes(t, sink.Types(), EventExistingSessionLoaded)
}

func TestLoginRejectedWhileAuthenticated(t *testing.T) {
	machine, sink, _, _ := newTestMachine(&fakeFactory{}, "")

	drive(t, machine, restoreCommand(testDescriptor))
	sink.Reset()

	drive(t, machine, LoginCommand{HomeserverURL: "https://matrix.example", Username: "alice", Password: "pw"})
	assertTypes(t, sink.Types(), EventLoginFailed)
	if got := machine.State(); got != StateAuthenticated {
		t.Errorf("state = %s, want %s", got, StateAuthenticated)
	}
}

func TestStaleResultDropped(t *testing.T) {
	factory := &fakeFactory{startErrs: []error{errors.New("network down")}}
	machine, sink, _, _ := newTestMachine(factory, "")
	ctx := context.Background()

	staleOp := machine.HandleCommand(restoreCommand(testDescriptor))
	staleRes := staleOp.Run(ctx)
	machine.HandleResult(ctx, staleRes)
	assertTypes(t, sink.Types(), EventSessionLoadFailed)
	sink.Reset()

	// A fresh login supersedes the failed attempt. Replaying the stale
	// result must not disturb it.
	freshOp := machine.HandleCommand(LoginCommand{HomeserverURL: "https://matrix.example", Username: "alice", Password: "pw"})
	machine.HandleResult(ctx, staleRes)
	if len(sink.Events()) != 0 {
		t.Fatalf("stale result produced events: %v", sink.Types())
	}
	if got := machine.State(); got != StateAuthenticating {
		t.Errorf("state = %s, want %s", got, StateAuthenticating)
	}

	machine.HandleResult(ctx, freshOp.Run(ctx))
	assertTypes(t, sink.Types(), EventLoginComplete, EventLoginSuccess)
}

func TestStartupRestore(t *testing.T) {
	factory := &fakeFactory{}
	machine, sink, store, _ := newTestMachine(factory, "")
	store.stored = &testDescriptor
	ctx := context.Background()

	op := machine.StartupRestore(ctx)
	if op == nil {
		t.Fatal("StartupRestore() returned no operation for a stored session")
	}
	machine.HandleResult(ctx, op.Run(ctx))

	assertTypes(t, sink.Types(), EventExistingSessionLoaded)
	if got := machine.State(); got != StateAuthenticated {
		t.Errorf("state = %s, want %s", got, StateAuthenticated)
	}
}

func TestStartupRestoreNothingStored(t *testing.T) {
	machine, sink, _, _ := newTestMachine(&fakeFactory{}, "")

	if op := machine.StartupRestore(context.Background()); op != nil {
		t.Fatal("StartupRestore() returned an operation with nothing stored")
	}
	if len(sink.Events()) != 0 {
		t.Fatalf("unexpected events: %v", sink.Types())
	}
	if got := machine.State(); got != StateUnauthenticated {
		t.Errorf("state = %s, want %s", got, StateUnauthenticated)
	}
}

func TestRestoreIncompleteDescriptor(t *testing.T) {
	machine, sink, _, _ := newTestMachine(&fakeFactory{}, "")

	drive(t, machine, RestoreSessionCommand{UserID: "@alice:matrix.example"})

	assertTypes(t, sink.Types(), EventUnableToRestoreSession)
	if got := machine.State(); got != StateUnauthenticated {
		t.Errorf("state = %s, want %s", got, StateUnauthenticated)
	}
}

func TestRestoreAttachFailure(t *testing.T) {
	factory := &fakeFactory{startErrs: []error{errors.New("homeserver unreachable")}}
	machine, sink, store, _ := newTestMachine(factory, "")

	drive(t, machine, restoreCommand(testDescriptor))

	assertTypes(t, sink.Types(), EventSessionLoadFailed)
	if got := machine.State(); got != StateFailed {
		t.Errorf("state = %s, want %s", got, StateFailed)
	}
	if len(store.saved) != 0 {
		t.Error("failed restore must not persist a descriptor")
	}
}

func TestLoginRecoversFromAccountMismatch(t *testing.T) {
	factory := &fakeFactory{loginDesc: testDescriptor, startErrs: []error{ErrAccountMismatch}}
	machine, sink, _, cache := newTestMachine(factory, "")

	drive(t, machine, LoginCommand{HomeserverURL: testDescriptor.HomeserverURL, Username: "alice", Password: "pw"})

	assertTypes(t, sink.Types(), EventLoginComplete, EventLoginSuccess)
	if got := machine.State(); got != StateAuthenticated {
		t.Errorf("state = %s, want %s", got, StateAuthenticated)
	}
	if cache.clearCount() != 1 {
		t.Errorf("cache cleared %d times, want exactly 1", cache.clearCount())
	}
}

func TestRestoreDoubleMismatchIsTerminal(t *testing.T) {
	factory := &fakeFactory{startErrs: []error{ErrAccountMismatch, ErrAccountMismatch}}
	machine, sink, _, cache := newTestMachine(factory, "")

	drive(t, machine, restoreCommand(testDescriptor))

	assertTypes(t, sink.Types(), EventSessionLoadFailed)
	if got := machine.State(); got != StateFailed {
		t.Errorf("state = %s, want %s", got, StateFailed)
	}
	if cache.clearCount() != 1 {
		t.Errorf("cache cleared %d times, want 1 (no third attempt)", cache.clearCount())
	}
	if created, _, _ := factory.counts(); created != 2 {
		t.Errorf("handles created = %d, want 2", created)
	}
}

func TestPersistFailureDetachesHandle(t *testing.T) {
	factory := &fakeFactory{loginDesc: testDescriptor}
	machine, sink, store, _ := newTestMachine(factory, "")
	store.saveErr = errors.New("disk full")

	drive(t, machine, LoginCommand{HomeserverURL: testDescriptor.HomeserverURL, Username: "alice", Password: "pw"})

	assertTypes(t, sink.Types(), EventLoginComplete, EventLoginFailed)
	if got := machine.State(); got != StateFailed {
		t.Errorf("state = %s, want %s", got, StateFailed)
	}
	if _, live, _ := factory.counts(); live != 0 {
		t.Errorf("live handles = %d, want 0 after persist failure", live)
	}
}

func TestLogoutHappyPath(t *testing.T) {
	factory := &fakeFactory{}
	machine, sink, store, _ := newTestMachine(factory, "")

	drive(t, machine, restoreCommand(testDescriptor))
	drive(t, machine, SelectRoomCommand{RoomID: "!room:matrix.example"})
	sink.Reset()

	drive(t, machine, LogoutCommand{})

	assertTypes(t, sink.Types(), EventLogoutComplete)
	if evt := sink.Events()[0].(LogoutCompleteEvent); evt.Info != "" {
		t.Errorf("info = %q, want empty for a real logout", evt.Info)
	}
	if got := machine.State(); got != StateUnauthenticated {
		t.Errorf("state = %s, want %s", got, StateUnauthenticated)
	}
	if store.cleared != 1 {
		t.Errorf("store cleared %d times, want 1", store.cleared)
	}
	if machine.ActiveRoomID() != "" {
		t.Error("active room should reset on logout")
	}
	if _, live, _ := factory.counts(); live != 0 {
		t.Errorf("live handles = %d, want 0", live)
	}
}

func TestLogoutWithNoSession(t *testing.T) {
	machine, sink, store, _ := newTestMachine(&fakeFactory{}, "")

	drive(t, machine, LogoutCommand{})

	assertTypes(t, sink.Types(), EventLogoutComplete)
	if evt := sink.Events()[0].(LogoutCompleteEvent); evt.Info != "No active session" {
		t.Errorf("info = %q, want no-session notice", evt.Info)
	}
	if store.cleared != 0 {
		t.Error("nothing should be cleared when there was no session")
	}
}

func TestLogoutAfterFailedAttempt(t *testing.T) {
	factory := &fakeFactory{loginErr: ErrLoginRejected}
	machine, sink, _, _ := newTestMachine(factory, "")

	drive(t, machine, LoginCommand{HomeserverURL: "https://matrix.example", Username: "alice", Password: "wrong"})
	sink.Reset()

	drive(t, machine, LogoutCommand{})
	assertTypes(t, sink.Types(), EventLogoutComplete)
	if evt := sink.Events()[0].(LogoutCompleteEvent); evt.Info != "No active session" {
		t.Errorf("info = %q, want no-session notice", evt.Info)
	}
}

func TestLogoutRemoteFailureKeepsSession(t *testing.T) {
	factory := &fakeFactory{logoutErr: ErrRemoteLogoutFailed}
	machine, sink, store, _ := newTestMachine(factory, "")

	drive(t, machine, restoreCommand(testDescriptor))
	sink.Reset()

	drive(t, machine, LogoutCommand{})

	assertTypes(t, sink.Types(), EventLogoutAllFailed)
	if got := machine.State(); got != StateAuthenticated {
		t.Errorf("state = %s, want %s after remote failure", got, StateAuthenticated)
	}
	if store.cleared != 0 {
		t.Error("local credentials must survive a failed remote logout")
	}
	if _, live, _ := factory.counts(); live != 1 {
		t.Errorf("live handles = %d, want 1", live)
	}
}

func TestLogoutTokenAlreadyInvalid(t *testing.T) {
	factory := &fakeFactory{logoutErr: ErrNoActiveSession}
	machine, sink, store, _ := newTestMachine(factory, "")

	drive(t, machine, restoreCommand(testDescriptor))
	sink.Reset()

	drive(t, machine, LogoutCommand{})

	assertTypes(t, sink.Types(), EventLogoutComplete)
	if evt := sink.Events()[0].(LogoutCompleteEvent); evt.Info != "No active session" {
		t.Errorf("info = %q, want no-session notice", evt.Info)
	}
	if store.cleared != 1 {
		t.Errorf("store cleared %d times, want 1", store.cleared)
	}
	if got := machine.State(); got != StateUnauthenticated {
		t.Errorf("state = %s, want %s", got, StateUnauthenticated)
	}
}

func TestSelectRoom(t *testing.T) {
	machine, sink, _, _ := newTestMachine(&fakeFactory{}, "")

	drive(t, machine, SelectRoomCommand{RoomID: "!room:matrix.example"})
	assertTypes(t, sink.Types(), EventRoomSelectFailed)
	sink.Reset()

	drive(t, machine, restoreCommand(testDescriptor))
	sink.Reset()

	drive(t, machine, SelectRoomCommand{RoomID: "!room:matrix.example"})
	assertTypes(t, sink.Types(), EventRoomSelected)
	if got := machine.ActiveRoomID(); got != "!room:matrix.example" {
		t.Errorf("active room = %q", got)
	}

	// Selecting another room just replaces the focus.
	sink.Reset()
	drive(t, machine, SelectRoomCommand{RoomID: "!other:matrix.example"})
	assertTypes(t, sink.Types(), EventRoomSelected)
	if got := machine.ActiveRoomID(); got != "!other:matrix.example" {
		t.Errorf("active room = %q", got)
	}
}
