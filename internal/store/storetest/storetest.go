// Package storetest opens an in-process SQLite store for package tests.
package storetest

import (
	"context"
	"path/filepath"
	"testing"

	"chatcore/internal/auth"
	"chatcore/internal/db"
	"chatcore/internal/models"
	"chatcore/internal/store"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open returns a migrated store backed by a fresh SQLite file. A single
// connection serializes transactions the way row locks do on Postgres.
func Open(t testing.TB) *store.GormStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chatcore.db")
	gdb, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Migrate(gdb))
	return store.NewGormStore(gdb)
}

// User creates a user whose password is "pw-" + username.
func User(t testing.TB, st *store.GormStore, username string) *models.User {
	t.Helper()
	hash, err := auth.HashPassword("pw-" + username)
	require.NoError(t, err)
	u, err := st.CreateUser(context.Background(), username, hash)
	require.NoError(t, err)
	return u
}

// Chat creates a chat with the given members.
func Chat(t testing.TB, st *store.GormStore, title string, members ...uint) *models.Chat {
	t.Helper()
	c, err := st.CreateChat(context.Background(), title, members...)
	require.NoError(t, err)
	return c
}

// DB exposes the underlying handle for assertions on raw rows.
func DB(st *store.GormStore) *gorm.DB {
	return st.DB()
}
