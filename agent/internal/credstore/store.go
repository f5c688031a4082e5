// Package credstore persists the agent's single credential (access token,
// refresh token and user record) in a local SQLite database.
//
// Values live in a key/value table under fixed key names. Every mutation runs
// in one transaction so readers never observe a partially written credential.
package credstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/phishguard/phishguard/pkg/protocol"
)

// Fixed key names.
const (
	KeyAccessToken  = "access_token"
	KeyRefreshToken = "refresh_token"
	KeyUser         = "user"
)

// Credential is the persisted session state.
type Credential struct {
	AccessToken  string
	RefreshToken string
	User         protocol.UserProfile
}

// Store is the persistence interface used by the session manager.
type Store interface {
	// Load returns the stored credential, or nil when either the access token
	// or the user record is absent.
	Load(ctx context.Context) (*Credential, error)
	// Save replaces the whole credential.
	Save(ctx context.Context, cred Credential) error
	// SwapTokens replaces the access token and, when refresh is non-empty,
	// the refresh token. The user record is untouched.
	SwapTokens(ctx context.Context, access, refresh string) error
	// Clear removes every stored key.
	Clear(ctx context.Context) error
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the database at dsn and runs migrations.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	// In-memory databases need a shared cache so every pooled connection sees
	// the same data.
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	return err
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Load(ctx context.Context) (*Credential, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM kv WHERE key IN (?, ?, ?)`,
		KeyAccessToken, KeyRefreshToken, KeyUser)
	if err != nil {
		return nil, fmt.Errorf("query credential: %w", err)
	}
	defer rows.Close()

	values := make(map[string]string, 3)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		values[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if values[KeyAccessToken] == "" || values[KeyUser] == "" {
		return nil, nil
	}

	cred := &Credential{
		AccessToken:  values[KeyAccessToken],
		RefreshToken: values[KeyRefreshToken],
	}
	if err := json.Unmarshal([]byte(values[KeyUser]), &cred.User); err != nil {
		return nil, fmt.Errorf("decode user record: %w", err)
	}
	return cred, nil
}

func (s *SQLiteStore) Save(ctx context.Context, cred Credential) error {
	if cred.AccessToken == "" {
		return errors.New("access token is required")
	}
	user, err := json.Marshal(cred.User)
	if err != nil {
		return fmt.Errorf("encode user record: %w", err)
	}
	return s.tx(ctx, func(tx *sql.Tx) error {
		if err := put(ctx, tx, KeyAccessToken, cred.AccessToken); err != nil {
			return err
		}
		if cred.RefreshToken != "" {
			if err := put(ctx, tx, KeyRefreshToken, cred.RefreshToken); err != nil {
				return err
			}
		} else if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, KeyRefreshToken); err != nil {
			return err
		}
		return put(ctx, tx, KeyUser, string(user))
	})
}

func (s *SQLiteStore) SwapTokens(ctx context.Context, access, refresh string) error {
	if access == "" {
		return errors.New("access token is required")
	}
	return s.tx(ctx, func(tx *sql.Tx) error {
		if err := put(ctx, tx, KeyAccessToken, access); err != nil {
			return err
		}
		if refresh == "" {
			return nil
		}
		return put(ctx, tx, KeyRefreshToken, refresh)
	})
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`DELETE FROM kv WHERE key IN (?, ?, ?)`,
			KeyAccessToken, KeyRefreshToken, KeyUser)
		return err
	})
}

func (s *SQLiteStore) tx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func put(ctx context.Context, tx *sql.Tx, key, value string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}
