// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/stacklok/oidcd/pkg/logger"
)

// SQLiteConfig configures the SQLite backend.
type SQLiteConfig struct {
	// Path is the database file. It and its directory are created if missing.
	Path string `yaml:"path"`
}

// SQLiteStorage implements Storage on a single SQLite database file. It
// suits single-replica deployments that must survive restarts.
//
// The pool holds one connection and transactions start IMMEDIATE, so every
// read-modify-write runs serialized against the database.
type SQLiteStorage struct {
	db *sql.DB

	now                func() time.Time
	cleanupInterval    time.Duration
	invalidatedCodeTTL time.Duration
	revocationTTL      time.Duration

	stopCleanup chan struct{}
	cleanupDone chan struct{}
	closeOnce   sync.Once
	closeErr    error
}

// SQLiteStorageOption configures a SQLiteStorage.
type SQLiteStorageOption func(*SQLiteStorage)

// WithSQLiteClock overrides the time source used for expiry decisions.
func WithSQLiteClock(now func() time.Time) SQLiteStorageOption {
	return func(s *SQLiteStorage) { s.now = now }
}

// WithSQLiteRevocationTTL sets how long revoked grants are remembered.
func WithSQLiteRevocationTTL(ttl time.Duration) SQLiteStorageOption {
	return func(s *SQLiteStorage) { s.revocationTTL = ttl }
}

// WithSQLiteCleanupInterval sets how often expired rows are deleted.
func WithSQLiteCleanupInterval(interval time.Duration) SQLiteStorageOption {
	return func(s *SQLiteStorage) { s.cleanupInterval = interval }
}

// NewSQLiteStorage opens the database at path, applies migrations and starts
// the background cleanup.
func NewSQLiteStorage(ctx context.Context, path string, opts ...SQLiteStorageOption) (*SQLiteStorage, error) {
	db, err := openSQLite(ctx, path)
	if err != nil {
		return nil, err
	}

	s := &SQLiteStorage{
		db:                 db,
		now:                time.Now,
		cleanupInterval:    DefaultCleanupInterval,
		invalidatedCodeTTL: DefaultInvalidatedCodeTTL,
		revocationTTL:      DefaultGrantRevocationTTL,
		stopCleanup:        make(chan struct{}),
		cleanupDone:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	go s.cleanupLoop()

	logger.Infow("sqlite storage opened", "path", path)
	return s, nil
}

func openSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := "file:" + path +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Health pings the database.
func (s *SQLiteStorage) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close stops the cleanup loop and closes the database.
func (s *SQLiteStorage) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCleanup)
		<-s.cleanupDone
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}

func (s *SQLiteStorage) cleanupLoop() {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			n, err := s.cleanupExpired(context.Background())
			if err != nil {
				logger.Warnw("failed to remove expired storage entries", "error", err)
				continue
			}
			if n > 0 {
				logger.Debugw("removed expired storage entries", "count", n)
			}
		}
	}
}

var expiringTables = []string{
	"authorization_codes", "refresh_tokens", "revoked_grants", "interactions", "consents", "sessions",
}

// cleanupExpired deletes expired rows and returns how many were removed.
func (s *SQLiteStorage) cleanupExpired(ctx context.Context) (int64, error) {
	now := s.now().UnixNano()
	var total int64
	for _, table := range expiringTables {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM `+table+` WHERE expires_at != 0 AND expires_at <= ?`, now)
		if err != nil {
			return total, fmt.Errorf("cleaning %s: %w", table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// -----------------------
// Helpers
// -----------------------

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStorage) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// rollback rolls back tx, ignoring errors (tx may already be committed).
func rollback(tx *sql.Tx) { _ = tx.Rollback() }

// unixNano stores a zero time as 0, meaning no expiry.
func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func expiredAt(expiresAt int64, now time.Time) bool {
	return expiresAt != 0 && now.UnixNano() >= expiresAt
}

func encodeRow(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshaling row: %w", err)
	}
	return string(data), nil
}

func decodeRow[T any](data string) (*T, error) {
	var v T
	if err := json.Unmarshal([]byte(data), &v); err != nil {
		return nil, fmt.Errorf("unmarshaling row: %w", err)
	}
	return &v, nil
}

// isUniqueViolation checks for a SQLite UNIQUE or PRIMARY KEY constraint
// violation.
func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

// -----------------------
// Clients
// -----------------------

// RegisterClient adds or replaces a client.
func (s *SQLiteStorage) RegisterClient(ctx context.Context, client *Client) error {
	if client == nil || client.ID == "" {
		return errors.New("client id is required")
	}
	data, err := encodeRow(client)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO clients (id, data) VALUES (?, ?)
		 ON CONFLICT (id) DO UPDATE SET data = excluded.data`,
		client.ID, data)
	if err != nil {
		return fmt.Errorf("storing client: %w", err)
	}
	return nil
}

// GetClient returns ErrNotFound for unknown clients.
func (s *SQLiteStorage) GetClient(ctx context.Context, id string) (*Client, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM clients WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("client %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading client: %w", err)
	}
	return decodeRow[Client](data)
}

// -----------------------
// Authorization codes
// -----------------------

// CreateAuthorizationCode stores a fresh code.
func (s *SQLiteStorage) CreateAuthorizationCode(ctx context.Context, code *AuthorizationCode) error {
	return createCode(ctx, s.db, code)
}

func createCode(ctx context.Context, q queryer, code *AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return errors.New("authorization code is required")
	}
	data, err := encodeRow(code)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO authorization_codes (signature, data, expires_at) VALUES (?, ?, ?)`,
		codeSignature(code.Code), data, unixNano(code.ExpiresAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("authorization code: %w", ErrAlreadyExists)
		}
		return fmt.Errorf("storing authorization code: %w", err)
	}
	return nil
}

// ConsumeAuthorizationCode atomically marks the code used. Replays return
// ErrCodeAlreadyUsed together with the stored code.
func (s *SQLiteStorage) ConsumeAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error) {
	now := s.now()
	sig := codeSignature(code)

	var result *AuthorizationCode
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var data string
		err := tx.QueryRowContext(ctx, `SELECT data FROM authorization_codes WHERE signature = ?`, sig).Scan(&data)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrCodeNotFound
		}
		if err != nil {
			return fmt.Errorf("loading authorization code: %w", err)
		}
		c, err := decodeRow[AuthorizationCode](data)
		if err != nil {
			return err
		}
		c.Code = code
		if c.Used() {
			result = c
			return ErrCodeAlreadyUsed
		}
		if !now.Before(c.ExpiresAt) {
			return ErrCodeExpired
		}

		c.UsedAt = now
		updated, err := encodeRow(c)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE authorization_codes SET data = ?, expires_at = ? WHERE signature = ?`,
			updated, unixNano(later(c.ExpiresAt, now.Add(s.invalidatedCodeTTL))), sig)
		if err != nil {
			return fmt.Errorf("marking authorization code used: %w", err)
		}
		result = c
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrCodeAlreadyUsed) {
			return result, err
		}
		return nil, err
	}
	return result, nil
}

// -----------------------
// Refresh tokens
// -----------------------

// StoreRefreshToken records a newly issued refresh token.
func (s *SQLiteStorage) StoreRefreshToken(ctx context.Context, token *RefreshToken) error {
	if token == nil || token.ID == "" {
		return errors.New("refresh token id is required")
	}
	return insertRefreshToken(ctx, s.db, token)
}

func insertRefreshToken(ctx context.Context, q queryer, token *RefreshToken) error {
	data, err := encodeRow(token)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO refresh_tokens (id, grant_id, data, expires_at) VALUES (?, ?, ?, ?)`,
		token.ID, token.GrantID, data, unixNano(token.ExpiresAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("refresh token: %w", ErrAlreadyExists)
		}
		return fmt.Errorf("storing refresh token: %w", err)
	}
	return nil
}

func loadRefreshToken(ctx context.Context, q queryer, id string, now time.Time) (*RefreshToken, error) {
	var (
		data      string
		expiresAt int64
	)
	err := q.QueryRowContext(ctx, `SELECT data, expires_at FROM refresh_tokens WHERE id = ?`, id).Scan(&data, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading refresh token: %w", err)
	}
	if expiredAt(expiresAt, now) {
		return nil, ErrTokenNotFound
	}
	return decodeRow[RefreshToken](data)
}

// GetRefreshToken returns the token if it is still usable.
func (s *SQLiteStorage) GetRefreshToken(ctx context.Context, id string) (*RefreshToken, error) {
	now := s.now()
	t, err := loadRefreshToken(ctx, s.db, id, now)
	if err != nil {
		return nil, err
	}
	if !t.RotatedAt.IsZero() {
		return nil, ErrTokenRevoked
	}
	revoked, err := grantRevoked(ctx, s.db, t.GrantID, now)
	if err != nil {
		return nil, err
	}
	if revoked {
		return nil, ErrTokenRevoked
	}
	return t, nil
}

// RotateRefreshToken supersedes oldID with next. Presenting a token that was
// already rotated revokes its grant.
func (s *SQLiteStorage) RotateRefreshToken(ctx context.Context, oldID string, next *RefreshToken) (*RefreshToken, error) {
	if next == nil || next.ID == "" {
		return nil, errors.New("replacement refresh token id is required")
	}
	now := s.now()

	var (
		old    *RefreshToken
		replay bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		old, err = loadRefreshToken(ctx, tx, oldID, now)
		if err != nil {
			return err
		}
		revoked, err := grantRevoked(ctx, tx, old.GrantID, now)
		if err != nil {
			return err
		}
		if revoked {
			return ErrTokenRevoked
		}
		if !old.RotatedAt.IsZero() {
			replay = true
			return s.revokeGrant(ctx, tx, old.GrantID, now)
		}

		n := *next
		n.ParentID = old.ID
		if n.GrantID == "" {
			n.GrantID = old.GrantID
		}
		if err := insertRefreshToken(ctx, tx, &n); err != nil {
			return err
		}

		old.RotatedAt = now
		old.ReplacedBy = next.ID
		data, err := encodeRow(old)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE refresh_tokens SET data = ? WHERE id = ?`, data, old.ID); err != nil {
			return fmt.Errorf("marking refresh token rotated: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if replay {
		logger.Warnw("refresh token replay detected, grant revoked",
			"grant_id", old.GrantID, "client_id", old.ClientID)
		return old, ErrTokenRevoked
	}
	return old, nil
}

// RevokeGrant invalidates every token derived from grantID.
func (s *SQLiteStorage) RevokeGrant(ctx context.Context, grantID string) error {
	if grantID == "" {
		return nil
	}
	return s.revokeGrant(ctx, s.db, grantID, s.now())
}

func (s *SQLiteStorage) revokeGrant(ctx context.Context, q queryer, grantID string, now time.Time) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO revoked_grants (grant_id, expires_at) VALUES (?, ?)
		 ON CONFLICT (grant_id) DO UPDATE SET expires_at = excluded.expires_at`,
		grantID, now.Add(s.revocationTTL).UnixNano())
	if err != nil {
		return fmt.Errorf("revoking grant: %w", err)
	}
	return nil
}

// IsGrantRevoked reports whether grantID was revoked.
func (s *SQLiteStorage) IsGrantRevoked(ctx context.Context, grantID string) (bool, error) {
	return grantRevoked(ctx, s.db, grantID, s.now())
}

func grantRevoked(ctx context.Context, q queryer, grantID string, now time.Time) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx,
		`SELECT 1 FROM revoked_grants WHERE grant_id = ? AND expires_at > ?`,
		grantID, now.UnixNano()).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking grant revocation: %w", err)
	}
	return true, nil
}

// -----------------------
// Interactions
// -----------------------

// CreateInteraction stores a new interaction.
func (s *SQLiteStorage) CreateInteraction(ctx context.Context, interaction *Interaction) error {
	if interaction == nil || interaction.UID == "" {
		return errors.New("interaction uid is required")
	}
	data, err := encodeRow(interaction)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO interactions (uid, data, expires_at) VALUES (?, ?, ?)`,
		interaction.UID, data, unixNano(interaction.ExpiresAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("interaction: %w", ErrAlreadyExists)
		}
		return fmt.Errorf("storing interaction: %w", err)
	}
	return nil
}

func loadInteraction(ctx context.Context, q queryer, uid string, now time.Time) (*Interaction, error) {
	var (
		data      string
		expiresAt int64
	)
	err := q.QueryRowContext(ctx, `SELECT data, expires_at FROM interactions WHERE uid = ?`, uid).Scan(&data, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("interaction: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading interaction: %w", err)
	}
	if expiredAt(expiresAt, now) {
		return nil, fmt.Errorf("interaction: %w", ErrExpired)
	}
	return decodeRow[Interaction](data)
}

// GetInteraction returns ErrNotFound or ErrExpired.
func (s *SQLiteStorage) GetInteraction(ctx context.Context, uid string) (*Interaction, error) {
	return loadInteraction(ctx, s.db, uid, s.now())
}

// UpdateInteraction applies fn to the stored interaction inside a transaction
// and writes the result if fn succeeds.
func (s *SQLiteStorage) UpdateInteraction(
	ctx context.Context, uid string, fn func(*Interaction) error,
) (*Interaction, error) {
	now := s.now()

	var updated *Interaction
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		i, err := loadInteraction(ctx, tx, uid, now)
		if err != nil {
			return err
		}
		if err := fn(i); err != nil {
			return err
		}
		i.UID = uid
		data, err := encodeRow(i)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE interactions SET data = ?, expires_at = ? WHERE uid = ?`,
			data, unixNano(i.ExpiresAt), uid)
		if err != nil {
			return fmt.Errorf("updating interaction: %w", err)
		}
		updated = i
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cloneInteraction(updated), nil
}

// CompleteInteraction removes the interaction and stores code in one
// transaction.
func (s *SQLiteStorage) CompleteInteraction(ctx context.Context, uid string, code *AuthorizationCode) error {
	now := s.now()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := loadInteraction(ctx, tx, uid, now); err != nil {
			return err
		}
		if err := createCode(ctx, tx, code); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM interactions WHERE uid = ?`, uid); err != nil {
			return fmt.Errorf("deleting interaction: %w", err)
		}
		return nil
	})
}

// DeleteInteraction removes the interaction. Deleting a missing interaction
// is not an error.
func (s *SQLiteStorage) DeleteInteraction(ctx context.Context, uid string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM interactions WHERE uid = ?`, uid); err != nil {
		return fmt.Errorf("deleting interaction: %w", err)
	}
	return nil
}

// -----------------------
// Consents
// -----------------------

// SaveConsent remembers approved scopes, replacing any earlier consent.
func (s *SQLiteStorage) SaveConsent(ctx context.Context, consent *Consent) error {
	if consent == nil || consent.Subject == "" || consent.ClientID == "" {
		return errors.New("consent subject and client are required")
	}
	data, err := encodeRow(consent)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO consents (subject, client_id, data, expires_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (subject, client_id) DO UPDATE SET data = excluded.data, expires_at = excluded.expires_at`,
		consent.Subject, consent.ClientID, data, unixNano(consent.ExpiresAt))
	if err != nil {
		return fmt.Errorf("storing consent: %w", err)
	}
	return nil
}

// GetConsent returns ErrNotFound when no live consent exists.
func (s *SQLiteStorage) GetConsent(ctx context.Context, subject, clientID string) (*Consent, error) {
	var (
		data      string
		expiresAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT data, expires_at FROM consents WHERE subject = ? AND client_id = ?`,
		subject, clientID).Scan(&data, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && expiredAt(expiresAt, s.now())) {
		return nil, fmt.Errorf("consent: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading consent: %w", err)
	}
	return decodeRow[Consent](data)
}

// -----------------------
// Sessions
// -----------------------

// CreateSession stores a login session.
func (s *SQLiteStorage) CreateSession(ctx context.Context, session *Session) error {
	if session == nil || session.ID == "" {
		return errors.New("session id is required")
	}
	data, err := encodeRow(session)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, data, expires_at) VALUES (?, ?, ?)`,
		session.ID, data, unixNano(session.ExpiresAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("session: %w", ErrAlreadyExists)
		}
		return fmt.Errorf("storing session: %w", err)
	}
	return nil
}

// GetSession returns ErrNotFound or ErrExpired.
func (s *SQLiteStorage) GetSession(ctx context.Context, id string) (*Session, error) {
	var (
		data      string
		expiresAt int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT data, expires_at FROM sessions WHERE id = ?`, id).Scan(&data, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}
	if expiredAt(expiresAt, s.now()) {
		return nil, fmt.Errorf("session: %w", ErrExpired)
	}
	return decodeRow[Session](data)
}

// DeleteSession ends a login session.
func (s *SQLiteStorage) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

var _ Storage = (*SQLiteStorage)(nil)
