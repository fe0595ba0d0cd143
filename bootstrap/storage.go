package bootstrap

import (
	"context"
	"fmt"
	"time"

	"perfwatch/config"
	"perfwatch/core"
	"perfwatch/storage"

	"go.uber.org/zap"
)

// clickHouseRetryDelays spaces connection attempts while ClickHouse starts up
var clickHouseRetryDelays = []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}

// StorageComponents holds the opened stores
type StorageComponents struct {
	SQLite *storage.SQLite
	// Samples is the metric store read by the engine, detector and analyzer
	Samples storage.SampleReader
	// ClickHouse is set when sample_store is clickhouse
	ClickHouse *storage.ClickHouseSampleReader
	// Lease is set when the Redis lease is enabled
	Lease *core.RedisLease
}

// Close releases every open connection
func (s *StorageComponents) Close(sugar *zap.SugaredLogger) {
	if s.Lease != nil {
		if err := s.Lease.Close(); err != nil {
			sugar.Errorw("Failed to close Redis client", "error", err)
		}
	}
	if s.ClickHouse != nil {
		if err := s.ClickHouse.Close(); err != nil {
			sugar.Errorw("Failed to close ClickHouse connection", "error", err)
		}
	}
	if s.SQLite != nil {
		if err := s.SQLite.Close(); err != nil {
			sugar.Errorw("Failed to close SQLite", "error", err)
		}
	}
}

// InitStorage opens SQLite, the configured sample store and the optional lease
func InitStorage(ctx context.Context, cfg *config.Config, sugar *zap.SugaredLogger) (*StorageComponents, error) {
	sqlite, err := InitSQLite(cfg.GetSQLitePath(), sugar)
	if err != nil {
		return nil, err
	}
	sc := &StorageComponents{SQLite: sqlite, Samples: sqlite}

	if cfg.SampleStore == "clickhouse" {
		ch, err := InitClickHouse(ctx, cfg, sugar)
		if err != nil {
			sc.Close(sugar)
			return nil, err
		}
		sc.ClickHouse = ch
		sc.Samples = ch
	}

	if cfg.Redis.Enabled {
		lease, err := InitLease(ctx, cfg, sugar)
		if err != nil {
			sc.Close(sugar)
			return nil, err
		}
		sc.Lease = lease
	}
	return sc, nil
}

// InitSQLite opens the pipeline database
func InitSQLite(path string, sugar *zap.SugaredLogger) (*storage.SQLite, error) {
	sqlite, err := storage.NewSQLite(path, sugar)
	if err != nil {
		printFatal("SQLite Initialization Failed", ClassifySQLiteError(err, path))
		return nil, fmt.Errorf("failed to initialize SQLite: %w", err)
	}
	sugar.Info("SQLite initialized successfully")
	return sqlite, nil
}

// InitClickHouse connects to the ClickHouse metric store, retrying while it
// comes up, and makes sure the sample table exists
func InitClickHouse(ctx context.Context, cfg *config.Config, sugar *zap.SugaredLogger) (*storage.ClickHouseSampleReader, error) {
	var (
		ch      *storage.ClickHouseSampleReader
		lastErr error
	)
	for attempt := 0; attempt <= len(clickHouseRetryDelays); attempt++ {
		if attempt > 0 {
			delay := clickHouseRetryDelays[attempt-1]
			sugar.Infow("Retrying ClickHouse connection",
				"attempt", attempt,
				"max_retries", len(clickHouseRetryDelays),
				"delay", delay)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		ch, lastErr = storage.NewClickHouseSampleReader(cfg.ClickHouse, sugar)
		if lastErr == nil {
			break
		}
		sugar.Warnw("ClickHouse connection attempt failed", "attempt", attempt+1, "error", lastErr)
	}
	if lastErr != nil {
		printFatal("ClickHouse Connection Failed", ClassifyConnectionError(lastErr, "ClickHouse", cfg.ClickHouse.Addr))
		return nil, fmt.Errorf("failed to connect to ClickHouse after %d attempts: %w", len(clickHouseRetryDelays)+1, lastErr)
	}

	if err := ch.EnsureSchema(ctx); err != nil {
		_ = ch.Close()
		printFatal("ClickHouse Schema Setup Failed",
			fmt.Sprintf("Failed to create/verify table %s.%s: %v", cfg.ClickHouse.Database, cfg.ClickHouse.Table, err))
		return nil, err
	}
	return ch, nil
}

// InitLease connects the Redis recalculation lease
func InitLease(ctx context.Context, cfg *config.Config, sugar *zap.SugaredLogger) (*core.RedisLease, error) {
	lease := core.NewRedisLease(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PoolSize, sugar)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := lease.Ping(pingCtx); err != nil {
		_ = lease.Close()
		printFatal("Redis Connection Failed", ClassifyConnectionError(err, "Redis", cfg.Redis.Addr))
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	sugar.Infow("Redis recalculation lease enabled", "addr", cfg.Redis.Addr)
	return lease, nil
}
