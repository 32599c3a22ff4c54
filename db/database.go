package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/eschnou/sunorooms/logger"

	_ "modernc.org/sqlite" // SQLite driver
)

// Open opens (creating if needed) the SQLite file at path and ensures the
// schema exists.
func Open(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one writer; avoids SQLITE_BUSY between pooled connections
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec(`PRAGMA busy_timeout = 5000;`); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}

	if err := InitDB(conn); err != nil {
		conn.Close()
		return nil, err
	}

	logger.Debug("Database opened", logger.String("path", path))
	return conn, nil
}

// InitDB creates the tables if they don't exist.
func InitDB(conn *sql.DB) error {
	return createIdentityTable(conn)
}

func createIdentityTable(conn *sql.DB) error {
	query := `
	CREATE TABLE IF NOT EXISTS identity (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`
	if _, err := conn.Exec(query); err != nil {
		return fmt.Errorf("failed to create identity table: %w", err)
	}
	return nil
}
