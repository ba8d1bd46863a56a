// ABOUTME: Postgres store helpers and migration tests
// ABOUTME: Skipped unless WABRIDGE_TEST_POSTGRES_DSN points at a disposable database

package store

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPostgresStore(t *testing.T, dsn string) *PostgresStore {
	t.Helper()

	s, err := NewPostgresStore(t.Context(), dsn, PostgresOptions{MaxConns: 8})
	if err != nil {
		t.Fatalf("NewPostgresStore failed: %v", err)
	}
	return s
}

func TestMigratePostgres_Idempotent(t *testing.T) {
	dsn := os.Getenv("WABRIDGE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("WABRIDGE_TEST_POSTGRES_DSN not set")
	}

	require.NoError(t, MigratePostgres(t.Context(), dsn))
	require.NoError(t, MigratePostgres(t.Context(), dsn))

	s := newTestPostgresStore(t, dsn)
	defer s.Close()
	assert.NoError(t, s.Ping(context.Background()))
}

func TestNewPostgresStore_BadDSN(t *testing.T) {
	_, err := NewPostgresStore(t.Context(), "postgres://%zz", PostgresOptions{})
	assert.Error(t, err)
}
