package repository

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eschnou/sunorooms/db"
)

func TestIdentityRepository_PutIfAbsentKeepsFirstValue(t *testing.T) {
	conn, err := db.Open(filepath.Join(t.TempDir(), "identity.db"))
	require.NoError(t, err)
	defer conn.Close()

	repo := NewSQLiteIdentityRepository(conn)
	ctx := context.Background()

	_, ok, err := repo.Get(ctx, "user_id")
	require.NoError(t, err)
	assert.False(t, ok)

	stored, err := repo.PutIfAbsent(ctx, "user_id", "user_a")
	require.NoError(t, err)
	assert.Equal(t, "user_a", stored)

	stored, err = repo.PutIfAbsent(ctx, "user_id", "user_b")
	require.NoError(t, err)
	assert.Equal(t, "user_a", stored)

	value, ok, err := repo.Get(ctx, "user_id")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "user_a", value)
}
