// Package sqldb provides workflow functions that query a SQL database:
//
//	sql.get(query string, params object) -> object    {"found", "row"}
//	sql.query(query string, params object) -> object  {"rows", "count"}
//	sql.exec(query string, params object) -> object   {"affectedRows"}
//
// params is a list of positional parameters written in the driver's own
// placeholder syntax ("?" for SQLite, "$1" for PostgreSQL). Query failures
// are step failures carrying the query as metadata.
package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/BDNK1/flowbase/runtime"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Config holds the SQL plugin configuration
type Config struct {
	Driver            string `yaml:"driver" default:"postgres" validate:"oneof=sqlite postgres"`
	DSN               string `yaml:"dsn"`
	MaxOpenConns      int    `yaml:"max_open_conns" default:"10" validate:"gte=1,lte=100"`
	MaxIdleConns      int    `yaml:"max_idle_conns" default:"5" validate:"gte=0,lte=50"`
	ConnMaxLifetimeMs int    `yaml:"conn_max_lifetime_ms" default:"300000" validate:"gte=0"`
}

// Enabled reports whether a database is configured.
func (c Config) Enabled() bool {
	return c.DSN != ""
}

// SQLPlugin implements the sql.* functions
type SQLPlugin struct {
	Config Config
	l      *slog.Logger
	db     *sql.DB
}

func New(l *slog.Logger, cfg Config) *SQLPlugin {
	if l == nil {
		l = slog.New(slog.DiscardHandler)
	}
	return &SQLPlugin{Config: cfg, l: l}
}

// Register adds the sql.* functions to app with cfg.
func Register(ctx context.Context, l *slog.Logger, app *runtime.App, cfg Config) (*SQLPlugin, error) {
	p := New(l, cfg)
	if err := app.RegisterPlugin(ctx, "sql", p); err != nil {
		return nil, err
	}
	return p, nil
}

// Initialize opens the connection pool and verifies it.
func (p *SQLPlugin) Initialize(ctx context.Context) error {
	if err := runtime.InitializeConfig(&p.Config, nil); err != nil {
		return fmt.Errorf("sql: %w", err)
	}
	if !p.Config.Enabled() {
		return fmt.Errorf("sql: dsn is required")
	}
	if p.Config.Driver == "postgres" {
		if err := runtime.ValidateVar(p.Config.DSN, "dsn"); err != nil {
			return fmt.Errorf("sql: malformed postgres dsn: %w", err)
		}
	}

	p.l.DebugContext(ctx, "Opening SQL plugin database",
		"driver", p.Config.Driver,
		"dsn", maskDSN(p.Config.DSN))

	db, err := sql.Open(p.Config.Driver, p.Config.DSN)
	if err != nil {
		return fmt.Errorf("sql: failed to open connection: %w", err)
	}

	if p.Config.Driver == "sqlite" {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(p.Config.MaxOpenConns)
		db.SetMaxIdleConns(p.Config.MaxIdleConns)
		db.SetConnMaxLifetime(time.Duration(p.Config.ConnMaxLifetimeMs) * time.Millisecond)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("sql: failed to ping database: %w", err)
	}

	p.db = db
	return nil
}

// Shutdown closes the connection pool
func (p *SQLPlugin) Shutdown(ctx context.Context) error {
	if p.db == nil {
		return nil
	}
	err := p.db.Close()
	p.db = nil
	return err
}

// Get runs a query and returns its first row.
func (p *SQLPlugin) Get(ctx context.Context, query string, params []any) (map[string]any, error) {
	rows, err := p.rows(ctx, query, params, 1)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return map[string]any{"found": false, "row": map[string]any{}}, nil
	}
	return map[string]any{"found": true, "row": rows[0]}, nil
}

// Query runs a query and returns every row.
func (p *SQLPlugin) Query(ctx context.Context, query string, params []any) (map[string]any, error) {
	rows, err := p.rows(ctx, query, params, -1)
	if err != nil {
		return nil, err
	}
	list := make([]any, len(rows))
	for i, r := range rows {
		list[i] = r
	}
	return map[string]any{"rows": list, "count": len(rows)}, nil
}

// Exec runs an INSERT, UPDATE or DELETE statement.
func (p *SQLPlugin) Exec(ctx context.Context, query string, params []any) (map[string]any, error) {
	if p.db == nil {
		return nil, fmt.Errorf("sql: plugin is not initialized")
	}
	result, err := p.db.ExecContext(ctx, query, params...)
	if err != nil {
		return nil, queryError("sql.exec", query, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, queryError("sql.exec", query, err)
	}
	return map[string]any{"affectedRows": affected}, nil
}

// rows reads at most limit rows, or all of them when limit is negative.
func (p *SQLPlugin) rows(ctx context.Context, query string, params []any, limit int) ([]map[string]any, error) {
	if p.db == nil {
		return nil, fmt.Errorf("sql: plugin is not initialized")
	}

	rows, err := p.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, queryError("sql.query", query, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, queryError("sql.query", query, err)
	}
	colTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, queryError("sql.query", query, err)
	}

	var out []map[string]any
	for (limit < 0 || len(out) < limit) && rows.Next() {
		row, err := scanRow(cols, colTypes, rows)
		if err != nil {
			return nil, queryError("sql.query", query, err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, queryError("sql.query", query, err)
	}
	return out, nil
}

// scanRow scans a single row into a map. JSON columns are decoded; other
// byte columns become strings.
func scanRow(cols []string, colTypes []*sql.ColumnType, rows *sql.Rows) (map[string]any, error) {
	values := make([]any, len(cols))
	valuePtrs := make([]any, len(cols))
	for i := range values {
		valuePtrs[i] = &values[i]
	}

	if err := rows.Scan(valuePtrs...); err != nil {
		return nil, err
	}

	result := make(map[string]any, len(cols))
	for i, col := range cols {
		b, ok := values[i].([]byte)
		if !ok {
			result[col] = values[i]
			continue
		}
		switch colTypes[i].DatabaseTypeName() {
		case "JSONB", "JSON":
			var v any
			if err := json.Unmarshal(b, &v); err == nil {
				result[col] = v
				continue
			}
		}
		result[col] = string(b)
	}
	return result, nil
}

func queryError(op, query string, err error) error {
	return runtime.NewStepError(fmt.Errorf("%s: %w", op, err)).WithMetadata("query", query)
}

// maskDSN hides the password of a URL-style DSN for logging.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	return u.Redacted()
}
