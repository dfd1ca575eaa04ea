// Copyright 2025-2026 Aiku AI

package embedbridge

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"filippo.io/age"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
)

// Persisted key names for the session credential group. The four session
// keys are written and cleared as a single transaction.
const (
	keyHomeserverURL  = "homeserver_url"
	keyUserID         = "user_id"
	keyDeviceID       = "device_id"
	keyAccessToken    = "access_token"
	keyIsGuest        = "is_guest"
	keyHasAccessToken = "has_access_token"
)

var sessionKeyGroup = []string{keyHomeserverURL, keyUserID, keyDeviceID, keyAccessToken, keyIsGuest, keyHasAccessToken}

// CredentialStore is the persistent store for session credentials and the
// encrypted per-account cache. Cache values are encrypted at rest with age
// using a scrypt recipient derived from the configured passphrase.
type CredentialStore struct {
	db        *sql.DB
	path      string
	recipient *age.ScryptRecipient
	identity  *age.ScryptIdentity
	log       zerolog.Logger
}

// NewCredentialStore opens (or creates) the SQLite store at path.
func NewCredentialStore(path, cachePassphrase string, log zerolog.Logger) (*CredentialStore, error) {
	if cachePassphrase == "" {
		return nil, fmt.Errorf("credential store: cache passphrase is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}

	recipient, err := age.NewScryptRecipient(cachePassphrase)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("derive cache recipient: %w", err)
	}
	// Cache values are small tokens written on every sync; the default
	// archival work factor makes each write take seconds.
	recipient.SetWorkFactor(14)

	identity, err := age.NewScryptIdentity(cachePassphrase)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("derive cache identity: %w", err)
	}

	store := &CredentialStore{
		db:        db,
		path:      path,
		recipient: recipient,
		identity:  identity,
		log:       log.With().Str("component", "credential_store").Logger(),
	}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize credential store schema: %w", err)
	}
	return store, nil
}

// Close closes the underlying database.
func (s *CredentialStore) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *CredentialStore) Path() string {
	return s.path
}

func (s *CredentialStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS session_credentials (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS cache_owner (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		owner TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS account_cache (
		owner TEXT NOT NULL,
		cache_key TEXT NOT NULL,
		value BLOB NOT NULL,
		PRIMARY KEY (owner, cache_key)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// LoadSession returns the persisted session descriptor, or nil when the
// stored group is absent or incomplete. A partial group is treated as no
// session at all.
func (s *CredentialStore) LoadSession(ctx context.Context) (*SessionDescriptor, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key, value FROM session_credentials")
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	defer rows.Close()

	values := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("load session: %w", err)
		}
		values[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	desc := SessionDescriptor{
		HomeserverURL: values[keyHomeserverURL],
		UserID:        values[keyUserID],
		DeviceID:      values[keyDeviceID],
		AccessToken:   values[keyAccessToken],
	}
	if !desc.Complete() {
		return nil, nil
	}
	return &desc, nil
}

// SaveSession persists the descriptor. The four session keys plus the
// is_guest flag and has-token marker are written in one transaction so a
// crash can never leave a partial group behind.
func (s *CredentialStore) SaveSession(ctx context.Context, desc SessionDescriptor) error {
	if !desc.Complete() {
		return fmt.Errorf("save session: incomplete descriptor")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	defer tx.Rollback()

	pairs := map[string]string{
		keyHomeserverURL:  desc.HomeserverURL,
		keyUserID:         desc.UserID,
		keyDeviceID:       desc.DeviceID,
		keyAccessToken:    desc.AccessToken,
		keyIsGuest:        "false",
		keyHasAccessToken: "true",
	}
	for key, value := range pairs {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO session_credentials (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
			key, value,
		); err != nil {
			return fmt.Errorf("save session key %s: %w", key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	s.log.Debug().Str("user_id", desc.UserID).Msg("Session descriptor persisted")
	return nil
}

// ClearSession removes the whole session credential group in one
// transaction.
func (s *CredentialStore) ClearSession(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	defer tx.Rollback()

	for _, key := range sessionKeyGroup {
		if _, err := tx.ExecContext(ctx, "DELETE FROM session_credentials WHERE key = ?", key); err != nil {
			return fmt.Errorf("clear session key %s: %w", key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	s.log.Debug().Msg("Session descriptor cleared")
	return nil
}

// CacheOwner returns the account the local cache was created for, or ""
// when the cache is empty.
func (s *CredentialStore) CacheOwner(ctx context.Context) (string, error) {
	var owner string
	err := s.db.QueryRowContext(ctx, "SELECT owner FROM cache_owner WHERE id = 1").Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read cache owner: %w", err)
	}
	return owner, nil
}

// SetCacheOwner records the account the cache belongs to.
func (s *CredentialStore) SetCacheOwner(ctx context.Context, owner string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO cache_owner (id, owner) VALUES (1, ?) ON CONFLICT(id) DO UPDATE SET owner = excluded.owner",
		owner,
	)
	if err != nil {
		return fmt.Errorf("set cache owner: %w", err)
	}
	return nil
}

// ClearCache discards the whole local account cache, owner marker included.
// Used by the lifecycle manager's account-mismatch recovery.
func (s *CredentialStore) ClearCache(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM account_cache"); err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM cache_owner"); err != nil {
		return fmt.Errorf("clear cache owner: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	s.log.Info().Msg("Local account cache cleared")
	return nil
}

func (s *CredentialStore) putCache(ctx context.Context, owner, key string, plaintext []byte) error {
	ciphertext, err := s.encrypt(plaintext)
	if err != nil {
		return fmt.Errorf("encrypt cache value %s: %w", key, err)
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO account_cache (owner, cache_key, value) VALUES (?, ?, ?) ON CONFLICT(owner, cache_key) DO UPDATE SET value = excluded.value",
		owner, key, ciphertext,
	)
	if err != nil {
		return fmt.Errorf("write cache value %s: %w", key, err)
	}
	return nil
}

func (s *CredentialStore) getCache(ctx context.Context, owner, key string) ([]byte, bool, error) {
	var ciphertext []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM account_cache WHERE owner = ? AND cache_key = ?",
		owner, key,
	).Scan(&ciphertext)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read cache value %s: %w", key, err)
	}
	plaintext, err := s.decrypt(ciphertext)
	if err != nil {
		return nil, false, fmt.Errorf("decrypt cache value %s: %w", key, err)
	}
	return plaintext, true, nil
}

func (s *CredentialStore) encrypt(plaintext []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, s.recipient)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *CredentialStore) decrypt(ciphertext []byte) ([]byte, error) {
	r, err := age.Decrypt(bytes.NewReader(ciphertext), s.identity)
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}

// SyncStore returns a mautrix.SyncStore view over the account cache so the
// live client persists its filter ID and next-batch token through the
// encrypted store.
func (s *CredentialStore) SyncStore() mautrix.SyncStore {
	return &accountSyncStore{store: s}
}

const (
	cacheKeyFilterID  = "filter_id"
	cacheKeyNextBatch = "next_batch"
)

type accountSyncStore struct {
	store *CredentialStore
}

var _ mautrix.SyncStore = (*accountSyncStore)(nil)

func (a *accountSyncStore) SaveFilterID(ctx context.Context, userID id.UserID, filterID string) error {
	return a.store.putCache(ctx, userID.String(), cacheKeyFilterID, []byte(filterID))
}

func (a *accountSyncStore) LoadFilterID(ctx context.Context, userID id.UserID) (string, error) {
	value, ok, err := a.store.getCache(ctx, userID.String(), cacheKeyFilterID)
	if err != nil || !ok {
		return "", err
	}
	return string(value), nil
}

func (a *accountSyncStore) SaveNextBatch(ctx context.Context, userID id.UserID, nextBatchToken string) error {
	return a.store.putCache(ctx, userID.String(), cacheKeyNextBatch, []byte(nextBatchToken))
}

func (a *accountSyncStore) LoadNextBatch(ctx context.Context, userID id.UserID) (string, error) {
	value, ok, err := a.store.getCache(ctx, userID.String(), cacheKeyNextBatch)
	if err != nil || !ok {
		return "", err
	}
	return string(value), nil
}
