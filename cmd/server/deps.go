package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/warp/stock-engine/api"
	"github.com/warp/stock-engine/config"
	"github.com/warp/stock-engine/inventory"
	"github.com/warp/stock-engine/ledger"
	"github.com/warp/stock-engine/store/postgres"
	"github.com/warp/stock-engine/store/redis"
	"github.com/warp/stock-engine/store/sqlite"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// store is what the process needs from either database.
type store interface {
	ledger.TxStore
	api.Pinger
	Close() error
}

type dependencies struct {
	Store   store
	Service *inventory.Service
	Metrics *api.Metrics

	redisClient *goredis.Client
}

func (d *dependencies) Close() {
	if d.redisClient != nil {
		d.redisClient.Close()
	}
	d.Store.Close()
}

func buildDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*dependencies, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	deps := &dependencies{Store: st}

	svcCfg := inventory.Config{Logger: logger}
	if cfg.RedisAddr != "" {
		deps.redisClient = goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		cache := redis.NewStockCache(deps.redisClient, cfg.StockCacheTTL)
		if err := cache.Ping(ctx); err != nil {
			// Reads fall back to the ledger while Redis is down.
			logger.Warn("stock cache unreachable", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		}
		svcCfg.Cache = cache
	}
	deps.Service = inventory.NewService(st, svcCfg)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	deps.Metrics = api.NewMetrics(reg)

	return deps, nil
}

// openStore opens the configured database and brings its schema up to date.
func openStore(ctx context.Context, cfg *config.Config) (store, error) {
	switch cfg.DBDriver {
	case config.DriverSQLite:
		if cfg.SQLitePath != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		st, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		return st, nil

	case config.DriverPostgres:
		st, err := postgres.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		if err := st.Migrate(ctx); err != nil {
			st.Close()
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
		return st, nil

	default:
		return nil, fmt.Errorf("unknown driver %q", cfg.DBDriver)
	}
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}

	var zcfg zap.Config
	switch cfg.LogFormat {
	case "console":
		zcfg = zap.NewDevelopmentConfig()
	case "json", "":
		zcfg = zap.NewProductionConfig()
	default:
		return nil, errors.New("LOG_FORMAT: want json or console")
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}
