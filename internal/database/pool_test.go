package database

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

type row struct {
	ID   uint `gorm:"primaryKey"`
	Name string
}

func setupPool(t *testing.T, owned bool) *Pool {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "pool.db")), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&row{}))

	cfg := DefaultPoolConfig()
	cfg.MaxOpenConns = 1
	p, err := NewPool(db, cfg, owned, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestPool_ConfigAndPing(t *testing.T) {
	p := setupPool(t, true)
	require.NoError(t, p.Ping(context.Background()))
	assert.Equal(t, 1, p.Stats().MaxOpenConnections)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.Error(t, p.Ping(context.Background()))
	assert.Error(t, p.WithTransaction(context.Background(), func(*gorm.DB) error { return nil }))
}

func TestNewPool_NilDB(t *testing.T) {
	_, err := NewPool(nil, DefaultPoolConfig(), false, nil)
	assert.Error(t, err)
}

func TestWithTransaction_RollsBack(t *testing.T) {
	p := setupPool(t, true)
	ctx := context.Background()

	err := p.WithTransaction(ctx, func(tx *gorm.DB) error {
		require.NoError(t, tx.Create(&row{Name: "a"}).Error)
		return errors.New("abort")
	})
	require.Error(t, err)

	var n int64
	require.NoError(t, p.DB().Model(&row{}).Count(&n).Error)
	assert.Zero(t, n)
}

func TestWithTransactionRetry(t *testing.T) {
	p := setupPool(t, true)
	ctx := context.Background()

	var attempts atomic.Int32
	err := p.WithTransactionRetry(ctx, 3, func(tx *gorm.DB) error {
		if attempts.Add(1) < 3 {
			return errors.New("deadlock detected")
		}
		return tx.Create(&row{Name: "ok"}).Error
	})
	require.NoError(t, err)
	assert.Equal(t, int32(3), attempts.Load())

	attempts.Store(0)
	err = p.WithTransactionRetry(ctx, 3, func(*gorm.DB) error {
		attempts.Add(1)
		return errors.New("UNIQUE constraint failed")
	})
	require.Error(t, err)
	assert.Equal(t, int32(1), attempts.Load())

	err = p.WithTransactionRetry(ctx, 2, func(*gorm.DB) error {
		return errors.New("database is locked")
	})
	assert.ErrorContains(t, err, "after 2 attempts")
}

func TestWithTransactionRetry_ContextCancelled(t *testing.T) {
	p := setupPool(t, true)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	err := p.WithTransactionRetry(ctx, 100, func(*gorm.DB) error {
		return errors.New("deadlock")
	})
	require.Error(t, err)
}

func TestPool_NotOwnedLeavesConnectionOpen(t *testing.T) {
	p := setupPool(t, false)
	require.NoError(t, p.Close())
	sqlDB, err := p.DB().DB()
	require.NoError(t, err)
	assert.NoError(t, sqlDB.Ping())
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		err        error
		conflict   bool
		connection bool
	}{
		{nil, false, false},
		{errors.New("ERROR: deadlock detected (SQLSTATE 40P01)"), true, false},
		{errors.New("could not serialize access (SQLSTATE 40001)"), true, false},
		{errors.New("Lock wait timeout exceeded"), true, false},
		{errors.New("dial tcp: connection refused"), false, true},
		{fmt.Errorf("insert: %w", context.DeadlineExceeded), false, true},
		{errors.New("driver: bad connection"), false, true},
		{errors.New("syntax error"), false, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.conflict, IsConflict(tt.err), "%v", tt.err)
		assert.Equal(t, tt.connection, IsConnectionError(tt.err), "%v", tt.err)
	}
}
