package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	sqliteBusyTimeout = 5 * time.Second

	// sqliteReaderConns bounds the concurrent read connections. WAL mode
	// serves many readers alongside the single writer.
	sqliteReaderConns = 4
)

// openSQLite opens the archive file for writes with a single connection.
func openSQLite(path string) (*sql.DB, error) {
	normalized := normalizeSQLitePath(path)
	if err := os.MkdirAll(filepath.Dir(normalized), 0o755); err != nil {
		return nil, fmt.Errorf("failed to prepare archive directory: %w", err)
	}

	// Writer DSN settings:
	// - foreign_keys=on: enforce FK constraints consistently.
	// - busy_timeout: wait briefly on locks instead of failing.
	// - journal_mode=WAL: readers proceed against snapshots.
	// - synchronous=NORMAL: durability/perf tradeoff for an archive.
	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL",
		normalized,
		int(sqliteBusyTimeout/time.Millisecond),
	)
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}

	// One writer connection serializes writes and avoids SQLITE_BUSY.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	return conn, nil
}

// openSQLiteReader opens a read-only pool over the same file. journal_mode
// and synchronous are database-level settings owned by the writer.
func openSQLiteReader(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=ro&_busy_timeout=%d",
		normalizeSQLitePath(path),
		int(sqliteBusyTimeout/time.Millisecond),
	)
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open read-only archive: %w", err)
	}

	conn.SetMaxOpenConns(sqliteReaderConns)
	conn.SetMaxIdleConns(sqliteReaderConns)

	return conn, nil
}

func normalizeSQLitePath(path string) string {
	if path == "" {
		return path
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}
