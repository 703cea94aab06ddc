package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/stock-engine/config"
	"github.com/warp/stock-engine/ledger"
)

func TestLoadConfig_FlagsOverrideEnvironment(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("SQLITE_PATH", "/tmp/env.db")

	cfg, err := loadConfig(&flags{port: 9100, db: ":memory:"})
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, ":memory:", cfg.SQLitePath)
}

func TestLoadConfig_DBFlagGoesToPostgresDSN(t *testing.T) {
	t.Setenv("DB_DRIVER", "")
	t.Setenv("DATABASE_URL", "")

	cfg, err := loadConfig(&flags{driver: "postgres", db: "postgres://localhost/stock"})
	require.NoError(t, err)

	assert.Equal(t, "postgres://localhost/stock", cfg.DatabaseURL)
}

func TestLoadConfig_DriverFlagBuildsDSNFromParts(t *testing.T) {
	t.Setenv("DB_DRIVER", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("POSTGRES_HOST", "db.internal")
	t.Setenv("POSTGRES_DB", "inventory")

	cfg, err := loadConfig(&flags{driver: "postgres"})
	require.NoError(t, err)

	assert.Contains(t, cfg.DatabaseURL, "host=db.internal")
	assert.Contains(t, cfg.DatabaseURL, "dbname=inventory")
}

func TestNewLogger(t *testing.T) {
	_, err := newLogger(&config.Config{LogLevel: "debug", LogFormat: "console"})
	assert.NoError(t, err)

	_, err = newLogger(&config.Config{LogLevel: "loud", LogFormat: "json"})
	assert.Error(t, err)

	_, err = newLogger(&config.Config{LogLevel: "info", LogFormat: "xml"})
	assert.Error(t, err)
}

func TestBuildDependencies_InMemorySQLite(t *testing.T) {
	ctx := context.Background()
	cfg := &config.Config{DBDriver: config.DriverSQLite, SQLitePath: ":memory:", LogLevel: "info", LogFormat: "json"}

	st, err := openStore(ctx, cfg)
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, st.Ping(ctx))

	deps, err := buildDependencies(ctx, cfg, nil)
	require.NoError(t, err)
	defer deps.Close()

	_, err = deps.Service.GetStock(ctx, "ABC123", "")
	assert.ErrorIs(t, err, ledger.ErrProductNotFound)
}
