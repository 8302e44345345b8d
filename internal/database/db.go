package database

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// DB wraps sql.DB with speedwatch-specific methods
type DB struct {
	*sql.DB
}

// New creates a new database connection
func New(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("database open failed: %w", err)
	}

	// Enable WAL mode for better concurrent access
	db.Exec("PRAGMA journal_mode=WAL")
	db.Exec("PRAGMA synchronous=NORMAL")

	return &DB{db}, nil
}

// InitSchema creates all necessary tables
func (db *DB) InitSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS samples (
        id TEXT PRIMARY KEY,
        timestamp DATETIME NOT NULL,
        download_mbps REAL NOT NULL,
        upload_mbps REAL NOT NULL,
        ping_ms REAL NOT NULL,
        jitter_ms REAL,
        bytes_received INTEGER,
        bytes_sent INTEGER,
        download_slow BOOLEAN NOT NULL DEFAULT 0,
        upload_slow BOOLEAN NOT NULL DEFAULT 0,
        server_id TEXT,
        server_name TEXT,
        isp TEXT,
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP
    );

    CREATE INDEX IF NOT EXISTS idx_samples_timestamp ON samples(timestamp);

    CREATE TABLE IF NOT EXISTS outages (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        start_time DATETIME NOT NULL,
        end_time DATETIME NOT NULL,
        duration_seconds INTEGER,
        failed_checks INTEGER
    );

    CREATE INDEX IF NOT EXISTS idx_outages_start ON outages(start_time);
    `

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("schema creation failed: %w", err)
	}

	return nil
}
