// Copyright 2025-2026 Aiku AI

package embedbridge

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

var testDescriptor = SessionDescriptor{
	HomeserverURL: "https://matrix.example",
	UserID:        "@alice:matrix.example",
	DeviceID:      "EMBEDDEV",
	AccessToken:   "syt_secret",
}

// recordingSink collects emitted events for assertions.
type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Emit(evt Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
}

func (s *recordingSink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

func (s *recordingSink) Types() []EventType {
	events := s.Events()
	types := make([]EventType, len(events))
	for i, evt := range events {
		types[i] = evt.EventType()
	}
	return types
}

func (s *recordingSink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = nil
}

func (s *recordingSink) Last(t *testing.T) Event {
	t.Helper()
	events := s.Events()
	if len(events) == 0 {
		t.Fatal("no events emitted")
	}
	return events[len(events)-1]
}

func assertTypes(t *testing.T, got []EventType, want ...EventType) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got events %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: got %s, want %s (full sequence %v)", i, got[i], want[i], got)
		}
	}
}

// fakeFactory implements ClientFactory. Start errors are consumed in order,
// one per created handle; once the list is exhausted handles start cleanly.
type fakeFactory struct {
	mu        sync.Mutex
	loginErr  error
	loginDesc SessionDescriptor
	startErrs []error
	logoutErr error

	created int
	live    int
	maxLive int
}

func (f *fakeFactory) Login(ctx context.Context, homeserverURL, username, password string) (SessionDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loginErr != nil {
		return SessionDescriptor{}, f.loginErr
	}
	desc := f.loginDesc
	if desc == (SessionDescriptor{}) {
		desc = SessionDescriptor{
			HomeserverURL: homeserverURL,
			UserID:        "@" + username + ":matrix.example",
			DeviceID:      "FAKEDEV",
			AccessToken:   "syt_fake",
		}
	}
	return desc, nil
}

func (f *fakeFactory) NewHandle(desc SessionDescriptor) (ClientHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	var startErr error
	if len(f.startErrs) > 0 {
		startErr = f.startErrs[0]
		f.startErrs = f.startErrs[1:]
	}
	return &fakeHandle{factory: f, startErr: startErr, logoutErr: f.logoutErr}, nil
}

func (f *fakeFactory) counts() (created, live, maxLive int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created, f.live, f.maxLive
}

type fakeHandle struct {
	factory   *fakeFactory
	startErr  error
	logoutErr error

	started  bool
	stopOnce sync.Once
}

func (h *fakeHandle) Start(ctx context.Context) error {
	if h.startErr != nil {
		return h.startErr
	}
	h.started = true
	h.factory.mu.Lock()
	h.factory.live++
	if h.factory.live > h.factory.maxLive {
		h.factory.maxLive = h.factory.live
	}
	h.factory.mu.Unlock()
	return nil
}

func (h *fakeHandle) Stop(ctx context.Context) {
	h.stopOnce.Do(func() {
		if !h.started {
			return
		}
		h.factory.mu.Lock()
		h.factory.live--
		h.factory.mu.Unlock()
	})
}

func (h *fakeHandle) Logout(ctx context.Context) error {
	return h.logoutErr
}

// fakeCache counts mismatch-recovery cache clears.
type fakeCache struct {
	mu       sync.Mutex
	clears   int
	clearErr error
}

func (c *fakeCache) ClearCache(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.clearErr != nil {
		return c.clearErr
	}
	c.clears++
	return nil
}

func (c *fakeCache) clearCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clears
}

// fakeDescStore records descriptor persistence without a database.
type fakeDescStore struct {
	mu      sync.Mutex
	stored  *SessionDescriptor
	saved   []SessionDescriptor
	cleared int
	saveErr error
}

func (s *fakeDescStore) LoadSession(ctx context.Context) (*SessionDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stored, nil
}

func (s *fakeDescStore) SaveSession(ctx context.Context, desc SessionDescriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saved = append(s.saved, desc)
	return nil
}

func (s *fakeDescStore) ClearSession(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleared++
	return nil
}

// newTestMachine wires a machine over fakes and returns the pieces the test
// needs to drive and observe it.
func newTestMachine(factory *fakeFactory, defaultHomeserver string) (*SessionMachine, *recordingSink, *fakeDescStore, *fakeCache) {
	sink := &recordingSink{}
	store := &fakeDescStore{}
	cache := &fakeCache{}
	lifecycle := NewLifecycleManager(factory, cache, testLogger())
	machine := NewSessionMachine(lifecycle, store, sink, defaultHomeserver, testLogger())
	return machine, sink, store, cache
}

// drive runs a command through the machine synchronously, executing any
// pending operation inline the way the controller loop would.
func drive(t *testing.T, machine *SessionMachine, cmd Command) {
	t.Helper()
	ctx := context.Background()
	op := machine.HandleCommand(cmd)
	if op == nil {
		return
	}
	machine.HandleResult(ctx, op.Run(ctx))
}
