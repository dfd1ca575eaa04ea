// Copyright 2025-2026 Aiku AI

package embedbridge

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// cacheClearer is the slice of the credential store the lifecycle manager
// needs for mismatch recovery. Narrowed to an interface so tests can count
// clears without a real store.
type cacheClearer interface {
	ClearCache(ctx context.Context) error
}

// LifecycleManager owns the single live ClientHandle and wraps handle
// creation with the account-mismatch recovery policy: clear the local
// cache and retry exactly once, then give up.
type LifecycleManager struct {
	factory ClientFactory
	cache   cacheClearer
	log     zerolog.Logger

	mu     sync.Mutex
	handle ClientHandle
}

// NewLifecycleManager creates a manager with no live handle.
func NewLifecycleManager(factory ClientFactory, cache cacheClearer, log zerolog.Logger) *LifecycleManager {
	return &LifecycleManager{
		factory: factory,
		cache:   cache,
		log:     log.With().Str("component", "lifecycle").Logger(),
	}
}

// Attach creates a handle bound to the descriptor and starts it. An
// account-mismatch on the first start triggers one recovery cycle: discard
// the local cache, recreate the handle, retry. Any failure after that is
// ErrAttachFailed; there is no third attempt.
func (m *LifecycleManager) Attach(ctx context.Context, desc SessionDescriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attachLocked(ctx, desc)
}

func (m *LifecycleManager) attachLocked(ctx context.Context, desc SessionDescriptor) error {
	if m.handle != nil {
		return ErrHandleLive
	}

	handle, err := m.startHandle(ctx, desc)
	if err != nil {
		if !errors.Is(err, ErrAccountMismatch) {
			return fmt.Errorf("%w: %v", ErrAttachFailed, err)
		}
		m.log.Warn().Str("user_id", desc.UserID).
			Msg("Local cache belongs to a different account, clearing and retrying once")
		if clearErr := m.cache.ClearCache(ctx); clearErr != nil {
			return fmt.Errorf("%w: clear cache: %v", ErrAttachFailed, clearErr)
		}
		handle, err = m.startHandle(ctx, desc)
		if err != nil {
			return fmt.Errorf("%w: retry after cache clear: %v", ErrAttachFailed, err)
		}
	}

	m.handle = handle
	m.log.Info().Str("user_id", desc.UserID).Msg("Chat client attached")
	return nil
}

func (m *LifecycleManager) startHandle(ctx context.Context, desc SessionDescriptor) (ClientHandle, error) {
	handle, err := m.factory.NewHandle(desc)
	if err != nil {
		return nil, err
	}
	if err := handle.Start(ctx); err != nil {
		handle.Stop(ctx)
		return nil, err
	}
	return handle, nil
}

// LoginAndAttach performs a stateless password login to obtain a
// descriptor, then attaches it. onLoggedIn fires after the login call
// succeeds and before the attach begins; the temporary login client never
// starts syncing and is discarded regardless of outcome.
func (m *LifecycleManager) LoginAndAttach(ctx context.Context, homeserverURL, username, password string, onLoggedIn func(SessionDescriptor)) (SessionDescriptor, error) {
	desc, err := m.factory.Login(ctx, homeserverURL, username, password)
	if err != nil {
		return SessionDescriptor{}, err
	}
	if onLoggedIn != nil {
		onLoggedIn(desc)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.attachLocked(ctx, desc); err != nil {
		return desc, err
	}
	return desc, nil
}

// Detach stops and releases the live handle. Calling it with no live
// handle is a no-op, not an error.
func (m *LifecycleManager) Detach(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handle == nil {
		return
	}
	m.handle.Stop(ctx)
	m.handle = nil
	m.log.Info().Msg("Chat client detached")
}

// Logout invalidates the session on the homeserver through the live
// handle, then detaches it. When the remote call fails the handle stays
// live and no local state changes. A server that no longer knows the token
// counts as already logged out: the handle is detached and
// ErrNoActiveSession is returned for the caller to report as info.
func (m *LifecycleManager) Logout(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handle == nil {
		return ErrNoActiveSession
	}

	if err := m.handle.Logout(ctx); err != nil {
		if errors.Is(err, ErrNoActiveSession) {
			m.handle.Stop(ctx)
			m.handle = nil
			return ErrNoActiveSession
		}
		return err
	}

	m.handle.Stop(ctx)
	m.handle = nil
	m.log.Info().Msg("Remote logout complete, chat client detached")
	return nil
}

// HasLiveHandle reports whether a handle is currently live.
func (m *LifecycleManager) HasLiveHandle() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handle != nil
}
