package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mkoval/authlink/internal/common"
	"github.com/mkoval/authlink/internal/cryptox"
	"github.com/mkoval/authlink/internal/dbx"
)

// SQLiteStore keeps the persisted session record as an encrypted blob in a
// local sqlite database, under a namespaced key so several properties can
// share one file without colliding.
type SQLiteStore struct {
	db        dbx.DBTX
	namespace string
	password  []byte
}

// NewSQLiteStore wraps db. The password derives the at-rest encryption key;
// namespace distinguishes records of different properties.
func NewSQLiteStore(db dbx.DBTX, namespace string, password []byte) *SQLiteStore {
	return &SQLiteStore{db: db, namespace: namespace, password: password}
}

// EnsureSchema creates the records table and its index. Runs in one
// transaction so a crash mid-setup leaves no partial schema.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	return dbx.WithTx(ctx, db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if _, err := tx.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS records (
				key        TEXT PRIMARY KEY,
				value      BLOB NOT NULL,
				updated_at INTEGER NOT NULL DEFAULT 0
			)`); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			CREATE INDEX IF NOT EXISTS idx_records_updated_at ON records (updated_at)`)
		return err
	})
}

func (s *SQLiteStore) key() string {
	return "authlink:session:" + s.namespace
}

func (s *SQLiteStore) Save(ctx context.Context, rec *PersistedRecord) error {
	env, err := cryptox.EncryptRecord(rec, s.password)
	if err != nil {
		return fmt.Errorf("encrypting session record: %w", err)
	}
	blob, err := json.Marshal(env)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO records (key, value, updated_at) VALUES (?, ?, strftime('%s','now'))
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, s.key(), blob)
	if err != nil {
		return fmt.Errorf("failed to save session record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context) (*PersistedRecord, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM records WHERE key = ?`, s.key()).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session record: %w", err)
	}

	var env cryptox.Envelope
	if err := json.Unmarshal(blob, &env); err != nil {
		return nil, fmt.Errorf("corrupt session envelope: %w", err)
	}

	rec := &PersistedRecord{}
	if err := cryptox.DecryptRecord(&env, s.password, rec); err != nil {
		return nil, fmt.Errorf("decrypting session record: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE key = ?`, s.key())
	if err != nil {
		return fmt.Errorf("failed to clear session record: %w", err)
	}
	return nil
}
