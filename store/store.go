// Package store persists functions, variables and workflows in a SQL
// database: an embedded SQLite file by default, or PostgreSQL.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BDNK1/flowbase/runtime"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned, wrapped with the requested ID, when a row is missing.
var ErrNotFound = runtime.ErrNotFound

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	Driver            string `yaml:"driver" default:"sqlite" validate:"oneof=sqlite postgres"`
	DSN               string `yaml:"dsn" default:"./flowbase.db" validate:"required"`
	MaxOpenConns      int    `yaml:"max_open_conns" default:"10" validate:"gte=1,lte=100"`
	MaxIdleConns      int    `yaml:"max_idle_conns" default:"5" validate:"gte=0,lte=50"`
	ConnMaxLifetimeMs int    `yaml:"conn_max_lifetime_ms" default:"300000" validate:"gte=0"`
}

// Store is a SQL-backed catalogue of functions, variables and workflows.
// It implements runtime.WorkflowSource.
type Store struct {
	l      *slog.Logger
	db     *sql.DB
	driver string
}

var _ runtime.WorkflowSource = (*Store)(nil)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS functions (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT '',
		input_types TEXT NOT NULL,
		output_type TEXT NOT NULL,
		code TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS variables (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT '',
		code TEXT NOT NULL,
		type TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS workflows (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		steps TEXT NOT NULL,
		on_error TEXT
	)`,
}

// Open connects to the configured database and creates missing tables.
func Open(ctx context.Context, l *slog.Logger, cfg Config) (*Store, error) {
	if l == nil {
		l = slog.New(slog.DiscardHandler)
	}
	if err := runtime.InitializeConfig(&cfg, nil); err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	if cfg.Driver == DriverPostgres {
		if err := runtime.ValidateVar(cfg.DSN, "dsn"); err != nil {
			return nil, fmt.Errorf("store: malformed postgres dsn: %w", err)
		}
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("store: failed to open %s database: %w", cfg.Driver, err)
	}

	if cfg.Driver == DriverSQLite {
		// One connection keeps ":memory:" databases shared and writes serialized.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxIdleConns)
		db.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetimeMs) * time.Millisecond)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: failed to ping database: %w", err)
	}

	s := &Store{l: l, db: db, driver: cfg.Driver}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: failed to create tables: %w", err)
		}
	}

	l.InfoContext(ctx, "Store opened", "driver", cfg.Driver)
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// rebind rewrites "?" placeholders into the numbered form PostgreSQL expects.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

// deleteByID removes one row, failing with ErrNotFound when nothing matched.
func (s *Store) deleteByID(ctx context.Context, table, id string) error {
	res, err := s.exec(ctx, "DELETE FROM "+table+" WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("store: failed to delete from %s: %w", table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: failed to delete from %s: %w", table, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", strings.TrimSuffix(table, "s"), id, ErrNotFound)
	}
	return nil
}
