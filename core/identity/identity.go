// Package identity keeps the per-device user id and nickname. Both are
// created on first use and never change afterwards.
package identity

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"

	"github.com/google/uuid"

	"github.com/eschnou/sunorooms/db"
	"github.com/eschnou/sunorooms/logger"
	"github.com/eschnou/sunorooms/repository"
)

const (
	keyUserID   = "user_id"
	keyNickname = "nickname"
)

// Store hands out the device identity.
type Store struct {
	conn *sql.DB
	repo repository.IdentityRepository
}

// Open opens the identity database at path.
func Open(path string) (*Store, error) {
	conn, err := db.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open identity store: %w", err)
	}
	return &Store{conn: conn, repo: repository.NewSQLiteIdentityRepository(conn)}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.conn.Close()
}

// GetOrCreateUserID returns the device user id, "user_<uuid>".
func (s *Store) GetOrCreateUserID(ctx context.Context) (string, error) {
	return s.getOrCreate(ctx, keyUserID, func() string {
		return "user_" + uuid.NewString()
	})
}

// GetOrCreateNickname returns the device nickname, "User_<n>" with n below 10000.
func (s *Store) GetOrCreateNickname(ctx context.Context) (string, error) {
	return s.getOrCreate(ctx, keyNickname, func() string {
		return fmt.Sprintf("User_%d", rand.Intn(10000))
	})
}

func (s *Store) getOrCreate(ctx context.Context, key string, generate func() string) (string, error) {
	value, ok, err := s.repo.Get(ctx, key)
	if err != nil {
		return "", err
	}
	if ok {
		return value, nil
	}

	value, err = s.repo.PutIfAbsent(ctx, key, generate())
	if err != nil {
		return "", err
	}
	logger.Info("Created device identity", logger.String("key", key), logger.String("value", value))
	return value, nil
}
