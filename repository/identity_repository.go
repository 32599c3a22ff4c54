package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// IdentityRepository stores device identity values by key.
type IdentityRepository interface {
	Get(ctx context.Context, key string) (string, bool, error)
	// PutIfAbsent stores value unless key already exists and returns the
	// stored value.
	PutIfAbsent(ctx context.Context, key, value string) (string, error)
}

// sqliteIdentityRepository implements IdentityRepository for SQLite.
type sqliteIdentityRepository struct {
	db *sql.DB
}

// NewSQLiteIdentityRepository creates a new sqliteIdentityRepository.
func NewSQLiteIdentityRepository(db *sql.DB) IdentityRepository {
	return &sqliteIdentityRepository{db: db}
}

// Get returns the value stored under key.
func (r *sqliteIdentityRepository) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := r.db.QueryRowContext(ctx, "SELECT value FROM identity WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get identity[%s]: %w", key, err)
	}
	return value, true, nil
}

// PutIfAbsent inserts value for key; an existing value wins.
func (r *sqliteIdentityRepository) PutIfAbsent(ctx context.Context, key, value string) (string, error) {
	_, err := r.db.ExecContext(ctx, "INSERT INTO identity (key, value) VALUES (?, ?) ON CONFLICT(key) DO NOTHING", key, value)
	if err != nil {
		return "", fmt.Errorf("failed to insert identity[%s]: %w", key, err)
	}
	stored, ok, err := r.Get(ctx, key)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("identity[%s] missing after insert", key)
	}
	return stored, nil
}
