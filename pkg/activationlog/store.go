// Package activationlog implements the durable, append-only audit trail of
// completed activations (supplemented feature, not named by the core spec
// but present in the original system): one row per (claim_id, agent_id,
// outcome, token usage, duration), queryable for operator debugging and
// per-agent history. Backed directly by jackc/pgx/v5 rather than the
// teacher's ent ORM — see DESIGN.md for why only pgx is wired here.
package activationlog

import (
	"context"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	stdsql "database/sql"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver used only for migrations
)

//go:embed migrations
var migrationsFS embed.FS

// Config holds connection pool tuning, mirroring the teacher's
// database.Config shape adapted from database/sql.DB knobs to pgxpool's.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConns <= 0 {
		c.MaxConns = 10
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = time.Hour
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = 30 * time.Minute
	}
	return c
}

// Store is the activation-log collaborator: a pooled Postgres connection
// plus the migration runner that brings the schema up on construction.
type Store struct {
	pool *pgxpool.Pool
}

// New connects, configures the pool, runs pending migrations, and returns
// a ready Store. Mirrors the teacher's database.NewClient control flow
// (open, configure pool, migrate) adapted to pgxpool instead of
// database/sql+ent.
func New(ctx context.Context, cfg Config) (*Store, error) {
	cfg = cfg.withDefaults()

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("activationlog: parse dsn: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("activationlog: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("activationlog: ping: %w", err)
	}

	if err := runMigrations(cfg.DSN); err != nil {
		pool.Close()
		return nil, fmt.Errorf("activationlog: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// runMigrations applies every embedded migration using golang-migrate's
// database/sql-backed Postgres driver (the migration path needs
// database/sql, unlike the pool used for normal queries).
func runMigrations(dsn string) error {
	db, err := stdsql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create postgres driver: %w", err)
	}
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Close releases the pool. Safe to call once.
func (s *Store) Close() {
	s.pool.Close()
}

// Health reports connectivity and pool statistics, mirroring the
// teacher's database.Health shape.
type Health struct {
	Status           string        `json:"status"`
	ResponseTime     time.Duration `json:"response_time_ms"`
	TotalConns       int32         `json:"total_conns"`
	IdleConns        int32         `json:"idle_conns"`
	AcquiredConns    int32         `json:"acquired_conns"`
	MaxConns         int32         `json:"max_conns"`
}

func (s *Store) Health(ctx context.Context) Health {
	start := time.Now()
	if err := s.pool.Ping(ctx); err != nil {
		return Health{Status: "unhealthy", ResponseTime: time.Since(start)}
	}
	stat := s.pool.Stat()
	return Health{
		Status:        "healthy",
		ResponseTime:  time.Since(start),
		TotalConns:    stat.TotalConns(),
		IdleConns:     stat.IdleConns(),
		AcquiredConns: stat.AcquiredConns(),
		MaxConns:      stat.MaxConns(),
	}
}
