package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenStoreSQLite(t *testing.T) {
	cfg := &config.Config{
		StoreBackend: config.StoreBackendSQLite,
		SQLitePath:   filepath.Join(t.TempDir(), "store.db"),
	}
	store, closeFn, err := OpenStore(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	defer closeFn()

	id, err := store.CreateSession(context.Background(), 3, time.Now())
	require.NoError(t, err)
	s, err := store.GetSession(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 3, s.UserID)
}

func TestOpenStorePostgresBadURL(t *testing.T) {
	cfg := &config.Config{StoreBackend: config.StoreBackendPostgres, DatabaseURL: "://nope"}
	_, _, err := OpenStore(context.Background(), cfg, zerolog.Nop())
	assert.Error(t, err)
}
