// Package db opens the dispatch-archive database. SQLite is the default;
// PostgreSQL is available for deployments that already run one. Both are
// exposed through a writer/reader pool so SQLite can serialize writes while
// serving concurrent reads from WAL snapshots.
package db

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/collabot/collabot/internal/common/config"
	"github.com/collabot/collabot/internal/db/dialect"
)

// Pool provides separate read and write database connections.
//
// For SQLite with WAL mode the writer is limited to one connection to avoid
// SQLITE_BUSY under write contention, while the reader pool serves SELECTs
// concurrently. For PostgreSQL both sides are the same *sqlx.DB since pgx
// pools internally.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// Open opens the archive database described by the config section.
func Open(cfg config.ArchiveConfig) (*Pool, error) {
	switch cfg.Driver {
	case "sqlite":
		writer, err := openSQLite(cfg.Path)
		if err != nil {
			return nil, err
		}
		reader, err := openSQLiteReader(cfg.Path)
		if err != nil {
			_ = writer.Close()
			return nil, err
		}
		return &Pool{
			writer: sqlx.NewDb(writer, dialect.SQLite3),
			reader: sqlx.NewDb(reader, dialect.SQLite3),
		}, nil
	case "postgres":
		conn, err := openPostgres(cfg.DSN)
		if err != nil {
			return nil, err
		}
		shared := sqlx.NewDb(conn, dialect.PGX)
		return &Pool{writer: shared, reader: shared}, nil
	default:
		return nil, fmt.Errorf("unknown archive driver %q", cfg.Driver)
	}
}

// Writer returns the connection used for INSERT, UPDATE, DELETE, and
// transactions.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader returns the connection used for SELECT queries.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Close closes both sides of the pool.
func (p *Pool) Close() error {
	wErr := p.writer.Close()
	// Both sides share one *sqlx.DB on Postgres; avoid a double close.
	if p.reader != p.writer {
		if rErr := p.reader.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}
