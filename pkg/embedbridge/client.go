// Copyright 2025-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package embedbridge

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
)

// SessionDescriptor is the four-tuple identifying an authenticated session.
// Either all four fields are present (a complete descriptor) or the session
// is treated as absent; it is never partially persisted.
type SessionDescriptor struct {
	HomeserverURL string
	UserID        string
	DeviceID      string
	AccessToken   string
}

// Complete reports whether all four fields are non-empty.
func (d SessionDescriptor) Complete() bool {
	return d.HomeserverURL != "" && d.UserID != "" && d.DeviceID != "" && d.AccessToken != ""
}

// ClientHandle is one live authenticated connection to the chat server.
// At most one handle is live per bridge instance.
type ClientHandle interface {
	// Start verifies the session and launches the sync loop. Returns
	// ErrAccountMismatch when the local account cache belongs to a
	// different account than the descriptor's.
	Start(ctx context.Context) error
	// Stop tears down the sync loop. Idempotent.
	Stop(ctx context.Context)
	// Logout invalidates the session on the homeserver. Returns
	// ErrNoActiveSession when the server no longer knows the token and
	// ErrRemoteLogoutFailed for any other non-2xx response.
	Logout(ctx context.Context) error
}

// ClientFactory creates client handles and performs stateless logins.
type ClientFactory interface {
	NewHandle(desc SessionDescriptor) (ClientHandle, error)
	// Login performs a password login on a throwaway, never-started client
	// and returns the resulting descriptor.
	Login(ctx context.Context, homeserverURL, username, password string) (SessionDescriptor, error)
}

// MatrixClientFactory is the production ClientFactory backed by mautrix.
type MatrixClientFactory struct {
	store      *CredentialStore
	deviceName string
	log        zerolog.Logger
}

var _ ClientFactory = (*MatrixClientFactory)(nil)

// NewMatrixClientFactory creates a factory whose handles use store as their
// account cache and register deviceName with the homeserver on login.
func NewMatrixClientFactory(store *CredentialStore, deviceName string, log zerolog.Logger) *MatrixClientFactory {
	return &MatrixClientFactory{
		store:      store,
		deviceName: deviceName,
		log:        log.With().Str("component", "matrix_client").Logger(),
	}
}

func (f *MatrixClientFactory) Login(ctx context.Context, homeserverURL, username, password string) (SessionDescriptor, error) {
	client, err := mautrix.NewClient(homeserverURL, "", "")
	if err != nil {
		return SessionDescriptor{}, fmt.Errorf("%w: %v", ErrLoginRejected, err)
	}
	resp, err := client.Login(ctx, &mautrix.ReqLogin{
		Type: mautrix.AuthTypePassword,
		Identifier: mautrix.UserIdentifier{
			Type: mautrix.IdentifierTypeUser,
			User: username,
		},
		Password:                 password,
		InitialDeviceDisplayName: f.deviceName,
	})
	if err != nil {
		return SessionDescriptor{}, fmt.Errorf("%w: %v", ErrLoginRejected, err)
	}
	f.log.Info().
		Str("homeserver_url", homeserverURL).
		Str("user_id", resp.UserID.String()).
		Str("device_id", resp.DeviceID.String()).
		Msg("Password login succeeded")
	return SessionDescriptor{
		HomeserverURL: homeserverURL,
		UserID:        resp.UserID.String(),
		DeviceID:      resp.DeviceID.String(),
		AccessToken:   resp.AccessToken,
	}, nil
}

func (f *MatrixClientFactory) NewHandle(desc SessionDescriptor) (ClientHandle, error) {
	client, err := mautrix.NewClient(desc.HomeserverURL, id.UserID(desc.UserID), desc.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}
	client.DeviceID = id.DeviceID(desc.DeviceID)
	client.Store = f.store.SyncStore()
	return &matrixHandle{
		client: client,
		store:  f.store,
		owner:  desc.UserID,
		log:    f.log.With().Str("user_id", desc.UserID).Logger(),
	}, nil
}

// matrixHandle wraps one mautrix.Client sync session.
type matrixHandle struct {
	client *mautrix.Client
	store  *CredentialStore
	owner  string
	log    zerolog.Logger

	cancelSync context.CancelFunc
	stopOnce   sync.Once
}

func (h *matrixHandle) Start(ctx context.Context) error {
	owner, err := h.store.CacheOwner(ctx)
	if err != nil {
		return fmt.Errorf("read cache owner: %w", err)
	}
	if owner != "" && owner != h.owner {
		return fmt.Errorf("%w: cache owned by %s", ErrAccountMismatch, owner)
	}

	whoami, err := h.client.Whoami(ctx)
	if err != nil {
		return fmt.Errorf("verify session: %w", err)
	}
	if whoami.UserID.String() != h.owner {
		return fmt.Errorf("verify session: token belongs to %s, expected %s", whoami.UserID, h.owner)
	}

	if err := h.store.SetCacheOwner(ctx, h.owner); err != nil {
		return fmt.Errorf("record cache owner: %w", err)
	}

	// The sync loop outlives the attach call; it is bound to the handle,
	// not to the command that created it.
	syncCtx, cancel := context.WithCancel(context.Background())
	h.cancelSync = cancel
	go func() {
		if err := h.client.SyncWithContext(syncCtx); err != nil && !errors.Is(err, context.Canceled) {
			h.log.Error().Err(err).Msg("Sync loop exited")
		}
	}()

	h.log.Info().Str("device_id", h.client.DeviceID.String()).Msg("Chat client started")
	return nil
}

func (h *matrixHandle) Stop(ctx context.Context) {
	h.stopOnce.Do(func() {
		if h.cancelSync != nil {
			h.cancelSync()
		}
		h.client.StopSync()
		h.log.Info().Msg("Chat client stopped")
	})
}

func (h *matrixHandle) Logout(ctx context.Context) error {
	if _, err := h.client.LogoutAll(ctx); err != nil {
		if errors.Is(err, mautrix.MUnknownToken) {
			return ErrNoActiveSession
		}
		return fmt.Errorf("%w: %v", ErrRemoteLogoutFailed, err)
	}
	return nil
}
