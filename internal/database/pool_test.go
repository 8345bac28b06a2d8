package database

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"
)

func sqliteConfig() *PoolConfig {
	return &PoolConfig{
		Driver:       DriverSQLite,
		DSN:          ":memory:",
		MaxOpenConns: 1,
		LogLevel:     logger.Silent,
	}
}

func TestDialector_SelectsByDriver(t *testing.T) {
	tests := []struct {
		driver string
		want   string
	}{
		{driver: "", want: "postgres"},
		{driver: DriverPostgres, want: "postgres"},
		{driver: DriverSQLite, want: "sqlite"},
	}

	for _, tt := range tests {
		t.Run("driver="+tt.driver, func(t *testing.T) {
			dial, err := dialector(&PoolConfig{Driver: tt.driver, DSN: "x"})
			require.NoError(t, err)
			assert.Equal(t, tt.want, dial.Name())
		})
	}

	_, err := dialector(&PoolConfig{Driver: "oracle", DSN: "x"})
	assert.EqualError(t, err, `unsupported database driver "oracle"`)
}

func TestPoolConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*PoolConfig)
		wantErr string
	}{
		{name: "ok", mutate: func(*PoolConfig) {}},
		{name: "missing dsn", mutate: func(c *PoolConfig) { c.DSN = "" }, wantErr: "database DSN is required"},
		{name: "negative idle", mutate: func(c *PoolConfig) { c.MaxIdleConns = -1 }, wantErr: "connection limits must not be negative (open=1 idle=-1)"},
		{name: "negative lifetime", mutate: func(c *PoolConfig) { c.ConnMaxIdleTime = -time.Second }, wantErr: "connection lifetimes must not be negative"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := sqliteConfig()
			tt.mutate(cfg)
			err := cfg.validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.EqualError(t, err, tt.wantErr)
		})
	}
}

func TestNewDatabasePool_NilConfigNeedsDSN(t *testing.T) {
	pool, err := NewDatabasePool(nil)
	assert.Nil(t, pool)
	assert.EqualError(t, err, "database DSN is required")
}

func TestNewDatabasePool_RejectsBeforeConnecting(t *testing.T) {
	cfg := sqliteConfig()
	cfg.Driver = "oracle"
	pool, err := NewDatabasePool(cfg)
	assert.Nil(t, pool)
	assert.ErrorContains(t, err, "unsupported database driver")
}

func TestNewDatabasePool_SQLiteLifecycle(t *testing.T) {
	pool, err := NewDatabasePool(sqliteConfig())
	require.NoError(t, err)
	assert.Equal(t, "sqlite", pool.DB.Dialector.Name())

	require.NoError(t, pool.Health())
	assert.Equal(t, 1, pool.Stats()["max_open_connections"])

	require.NoError(t, pool.DB.Exec("CREATE TABLE pool_rows (id TEXT PRIMARY KEY)").Error)
	require.NoError(t, pool.DB.Exec("INSERT INTO pool_rows (id) VALUES (?)", "e1").Error)

	require.NoError(t, pool.Close())
	assert.Error(t, pool.Health(), "closed pool must not report healthy")
}

func TestDatabasePool_Uninitialized(t *testing.T) {
	pool := &DatabasePool{}

	assert.Equal(t, map[string]interface{}{"error": "database not initialized"}, pool.Stats())
	assert.EqualError(t, pool.Health(), "database not initialized")
	assert.NoError(t, pool.Close())
}
