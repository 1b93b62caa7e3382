// internal/db/db.go
package db

import (
	"context"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/unclebandit/campaign-mailer/internal/config"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

func init() {
	// modernc registers as "sqlite", which sqlx does not know by default.
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

// Open connects to the configured database, verifies it and applies the
// embedded schema for its dialect.
func Open(ctx context.Context, cfg config.DatabaseConfig, log zerolog.Logger) (*sqlx.DB, error) {
	var (
		conn *sqlx.DB
		err  error
	)
	switch strings.ToLower(cfg.Driver) {
	case DriverPostgres, "":
		conn, err = sqlx.ConnectContext(ctx, DriverPostgres, cfg.GetDatabaseURL())
		if err != nil {
			return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
		}
		conn.SetMaxOpenConns(cfg.MaxConns)
		conn.SetMaxIdleConns(cfg.MinConns)
		conn.SetConnMaxLifetime(time.Hour)
	case DriverSQLite:
		conn, err = openSQLite(ctx, cfg.Path)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	if err := Migrate(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, err
	}

	log.Info().Str("driver", conn.DriverName()).Msg("connected to database")
	return conn, nil
}

func openSQLite(ctx context.Context, path string) (*sqlx.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	conn, err := sqlx.ConnectContext(ctx, DriverSQLite, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// One writer; also keeps a :memory: database on a single connection.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	_, _ = conn.ExecContext(ctx, "PRAGMA busy_timeout = 5000")
	if path != ":memory:" {
		_, _ = conn.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	}
	_, _ = conn.ExecContext(ctx, "PRAGMA foreign_keys = ON")
	return conn, nil
}

// Migrate applies the schema for the connection's dialect. Statements are
// idempotent.
func Migrate(ctx context.Context, conn *sqlx.DB) error {
	name := "migrations/postgres.sql"
	if conn.DriverName() == DriverSQLite {
		name = "migrations/sqlite.sql"
	}
	b, err := migrationsFS.ReadFile(name)
	if err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("migrate %s: %w", name, err)
	}
	return nil
}
