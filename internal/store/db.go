package store

import (
	"context"
	"embed"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	migrate "github.com/rubenv/sql-migrate"
)

// Connection defaults
const (
	// DefaultBusyTimeout is how long SQLite waits on a locked database before failing.
	DefaultBusyTimeout = 5 * time.Second
	// MigrationTable records applied schema versions.
	MigrationTable = "queue_schema_migrations"

	dialectSQLite   = "sqlite3"
	dialectPostgres = "postgres"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationFiles embed.FS

// DB is a queue database handle shared by the inbound and outbound SQL stores.
type DB struct {
	*sqlx.DB
	dialect string
}

// Dialect returns "sqlite3" or "postgres".
func (db *DB) Dialect() string { return db.dialect }

// OpenDB opens dsn with the dialect DetectDSNType reports and applies migrations.
func OpenDB(ctx context.Context, dsn string) (*DB, error) {
	if DetectDSNType(dsn) == dialectPostgres {
		return OpenPostgres(ctx, dsn)
	}
	return OpenSQLite(ctx, dsn)
}

// OpenSQLite opens (creating if needed) the SQLite database at path in WAL mode and
// applies migrations.
func OpenSQLite(ctx context.Context, path string) (*DB, error) {
	slog.Debug("OpenSQLite invoked", "path", path)
	if path == "" {
		return nil, fmt.Errorf("database path not set")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, DirPermissions); err != nil {
			slog.Error("Failed to create database directory", "error", err, "dir", dir)
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	conn, err := sqlx.Open(dialectSQLite, sqliteDSN(path))
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	db := &DB{DB: conn, dialect: dialectSQLite}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// sqliteDSN appends the pragmas every connection in the pool needs: WAL journaling, a busy
// timeout for writer contention, NORMAL sync and immediate write transactions.
func sqliteDSN(path string) string {
	params := url.Values{}
	params.Set("_journal_mode", "WAL")
	params.Set("_busy_timeout", fmt.Sprint(DefaultBusyTimeout.Milliseconds()))
	params.Set("_synchronous", "NORMAL")
	params.Set("_foreign_keys", "on")
	params.Set("_txlock", "immediate")
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + params.Encode()
}

// OpenPostgres connects to PostgreSQL, configures the pool and applies migrations.
func OpenPostgres(ctx context.Context, dsn string) (*DB, error) {
	slog.Debug("OpenPostgres invoked", "DSN_set", dsn != "")
	conn, err := sqlx.Open(dialectPostgres, dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}
	conn.SetMaxOpenConns(20)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(30 * time.Minute)
	conn.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		conn.Close()
		slog.Error("Postgres ping failed", "error", err)
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	db := &DB{DB: conn, dialect: dialectPostgres}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) migrate() error {
	root := "migrations/sqlite"
	if db.dialect == dialectPostgres {
		root = "migrations/postgres"
	}
	source := &migrate.EmbedFileSystemMigrationSource{FileSystem: migrationFiles, Root: root}
	set := migrate.MigrationSet{TableName: MigrationTable}
	n, err := set.Exec(db.DB.DB, db.dialect, source, migrate.Up)
	if err != nil {
		slog.Error("Failed to run migrations", "error", err, "dialect", db.dialect)
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Queue migrations applied", "count", n, "dialect", db.dialect)
	return nil
}

// Vacuum reclaims space after large deletions. It is a no-op on PostgreSQL, where
// autovacuum handles it.
func (db *DB) Vacuum(ctx context.Context) error {
	if db.dialect != dialectSQLite {
		return nil
	}
	if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("failed to vacuum database: %w", err)
	}
	return nil
}

// Close checkpoints the SQLite write-ahead log and closes the pool.
func (db *DB) Close() error {
	if db.dialect == dialectSQLite {
		if _, err := db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			slog.Warn("SQLite WAL checkpoint failed", "error", err)
		}
	}
	return db.DB.Close()
}
