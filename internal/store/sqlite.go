// Package store persists the accessory cache and the last issued access
// token in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"nestbridge/internal/auth"

	_ "github.com/mattn/go-sqlite3"
)

// AccessoryRecord is one cached accessory handle.
type AccessoryRecord struct {
	UUID         string
	DisplayName  string
	DeviceID     string
	Name         string
	SerialNumber string
	CreatedAt    time.Time
}

// SQLiteStore implements the accessory cache and auth.TokenStore.
type SQLiteStore struct {
	db *sql.DB
}

// New opens (creating if needed) the database at dbPath.
func New(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite allows a single writer.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS accessories (
			uuid TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			device_id TEXT NOT NULL,
			name TEXT NOT NULL,
			serial_number TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS oauth_tokens (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			access_token TEXT NOT NULL,
			expires_at INTEGER NOT NULL,
			updated_at DATETIME NOT NULL
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ListAccessories returns every cached accessory in creation order.
func (s *SQLiteStore) ListAccessories(ctx context.Context) ([]AccessoryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT uuid, display_name, device_id, name, serial_number, created_at
		FROM accessories ORDER BY created_at, uuid
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []AccessoryRecord
	for rows.Next() {
		var r AccessoryRecord
		if err := rows.Scan(&r.UUID, &r.DisplayName, &r.DeviceID, &r.Name, &r.SerialNumber, &r.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// SaveAccessory inserts or replaces a cached accessory. CreatedAt is set
// when zero.
func (s *SQLiteStore) SaveAccessory(ctx context.Context, r AccessoryRecord) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accessories (uuid, display_name, device_id, name, serial_number, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(uuid) DO UPDATE SET
			display_name = excluded.display_name,
			device_id = excluded.device_id,
			name = excluded.name,
			serial_number = excluded.serial_number
	`, r.UUID, r.DisplayName, r.DeviceID, r.Name, r.SerialNumber, r.CreatedAt)
	return err
}

// GetToken returns the stored access token, or nil if none was saved.
func (s *SQLiteStore) GetToken(ctx context.Context) (*auth.Token, error) {
	var token auth.Token
	var expiresAt int64

	err := s.db.QueryRowContext(ctx, `
		SELECT access_token, expires_at FROM oauth_tokens WHERE id = 1
	`).Scan(&token.AccessToken, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	token.ExpiresAt = time.UnixMilli(expiresAt)
	return &token, nil
}

// SaveToken stores token, replacing any previous one.
func (s *SQLiteStore) SaveToken(ctx context.Context, token *auth.Token) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO oauth_tokens (id, access_token, expires_at, updated_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			access_token = excluded.access_token,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`, token.AccessToken, token.ExpiresAt.UnixMilli(), time.Now().UTC())
	return err
}
