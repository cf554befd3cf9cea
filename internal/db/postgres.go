package db

import (
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	postgresMaxConns  = 25
	postgresIdleConns = 5
)

// openPostgres opens the archive database over pgx.
func openPostgres(dsn string) (*sql.DB, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres archive: %w", err)
	}

	conn.SetMaxOpenConns(postgresMaxConns)
	conn.SetMaxIdleConns(postgresIdleConns)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping postgres archive: %w", err)
	}

	return conn, nil
}
