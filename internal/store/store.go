// Package store is the durable state store (§4.A): a pgx connection pool
// over the relational tables backing nodes, instances, servers, bans,
// message persistence, transient file blobs, and the pub/sub bus.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"

	"github.com/dcsfleet/control/internal/store/migrations"
)

// Store wraps the pool and exposes the narrow set of queries every other
// component needs; it has no business logic of its own.
type Store struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

var gooseOnce sync.Once

// Open connects to dsn with a pool sized min 5 / max 10 (§4.A), applies
// pending goose migrations, and reaps stale file rows.
func Open(ctx context.Context, dsn string, log zerolog.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database url: %w", err)
	}
	cfg.MinConns = 5
	cfg.MaxConns = 10

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if err := runMigrations(ctx, dsn); err != nil {
		pool.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	s := &Store{pool: pool, log: log.With().Str("component", "store").Logger()}

	if err := s.reapFiles(ctx); err != nil {
		s.log.Warn().Err(err).Msg("failed to reap stale files")
	}

	return s, nil
}

// runMigrations applies pending upgrade scripts; Open runs it on every
// node's boot, and it is idempotent across repeated boots (§4.A).
func runMigrations(ctx context.Context, dsn string) error {
	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("opening sql connection for migrations: %w", err)
	}
	defer sqlDB.Close()

	var dialectErr error
	gooseOnce.Do(func() {
		goose.SetBaseFS(migrations.FS)
		dialectErr = goose.SetDialect("postgres")
	})
	if dialectErr != nil {
		return dialectErr
	}
	return goose.UpContext(ctx, sqlDB, ".")
}

// Close releases the pool.
func (s *Store) Close() { s.pool.Close() }

// Pool exposes the raw pool for components that need transactions this
// package doesn't wrap (e.g. the coordinator's election transaction).
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// reapFiles deletes file blob rows older than 300 seconds (§4.A); Open runs
// it on every node's boot, master or not, and ReapFilesLoop once a minute.
func (s *Store) reapFiles(ctx context.Context) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM files WHERE created < (now() AT TIME ZONE 'utc') - interval '300 seconds'
	`)
	if err != nil {
		return err
	}
	if n := tag.RowsAffected(); n > 0 {
		s.log.Info().Int64("count", n).Msg("reaped stale file blobs")
	}
	return nil
}

// ReapFilesLoop periodically reaps stale file blobs, grounded on the
// store's own 300s TTL rule, run once per minute.
func (s *Store) ReapFilesLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.reapFiles(ctx); err != nil {
				s.log.Warn().Err(err).Msg("file reaper failed")
			}
		}
	}
}
