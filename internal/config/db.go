package config

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// ConnectDB opens the pgx pool, retrying with exponential backoff while the
// database comes up.
func ConnectDB(ctx context.Context, cfg AppConfig, log *zap.Logger) (*pgxpool.Pool, error) {
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	pc.MaxConns = int32(cfg.MaxConns)
	pc.MinConns = 1
	pc.HealthCheckPeriod = 10 * time.Second
	pc.MaxConnLifetime = 30 * time.Minute
	pc.MaxConnIdleTime = 5 * time.Minute

	const maxRetries = 5
	delay := 500 * time.Millisecond
	for i := 1; ; i++ {
		pool, err := pgxpool.NewWithConfig(ctx, pc)
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				return pool, nil
			}
			pool.Close()
		}
		if i == maxRetries {
			return nil, fmt.Errorf("failed to connect to DB after %d attempts: %w", maxRetries, err)
		}

		log.Warn("db connect failed, retrying",
			zap.Int("attempt", i),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
}
