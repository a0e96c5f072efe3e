// Package database persists admin-managed server records so a serve-mode
// gateway survives restarts. Persistence is optional: without a configured
// DSN the gateway runs purely in memory.
package database

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/fluidmcp/fluidmcp/pkg/config"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps the PostgreSQL connection pool.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open connects, verifies reachability, and applies pending migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db, logger: slog.Default().With("component", "database")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	s.logger.Info("Database ready")
	return s, nil
}

func (s *Store) migrate() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := migratepgx.WithInstance(s.db, &migratepgx.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "pgx", driver)
	if err != nil {
		return fmt.Errorf("build migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// SaveRecord upserts one server record.
func (s *Store) SaveRecord(ctx context.Context, id string, cfg config.ServerConfig) error {
	payload, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal server %q: %w", id, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO server_records (id, config, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (id) DO UPDATE SET config = EXCLUDED.config, updated_at = now()`,
		id, payload)
	if err != nil {
		return fmt.Errorf("save server %q: %w", id, err)
	}
	return nil
}

// DeleteRecord removes one server record. Deleting an absent id is a no-op.
func (s *Store) DeleteRecord(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM server_records WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete server %q: %w", id, err)
	}
	return nil
}

// LoadRecords returns every persisted server record, keyed by id.
func (s *Store) LoadRecords(ctx context.Context) (map[string]config.ServerConfig, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, config FROM server_records`)
	if err != nil {
		return nil, fmt.Errorf("load server records: %w", err)
	}
	defer rows.Close()

	out := make(map[string]config.ServerConfig)
	for rows.Next() {
		var id string
		var payload []byte
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, fmt.Errorf("scan server record: %w", err)
		}
		var cfg config.ServerConfig
		if err := json.Unmarshal(payload, &cfg); err != nil {
			s.logger.Warn("Skipping malformed server record", "server", id, "error", err)
			continue
		}
		out[id] = cfg
	}
	return out, rows.Err()
}

// Health verifies the pool is still reachable, feeding the liveness endpoint.
func (s *Store) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}

// Close releases the pool.
func (s *Store) Close() error {
	return s.db.Close()
}
