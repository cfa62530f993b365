package sqlite

import (
	"database/sql"
	"fmt"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

// migrations are applied in order, tracked by PRAGMA user_version. Each
// entry must be additive: existing rows survive every upgrade.
var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS transfers (
  id           INTEGER PRIMARY KEY NOT NULL,
  url          TEXT NOT NULL,
  destination  TEXT NOT NULL UNIQUE,
  group_id     INTEGER NOT NULL DEFAULT 0,
  priority     INTEGER NOT NULL DEFAULT 0,
  status       INTEGER NOT NULL DEFAULT 0,
  error        INTEGER NOT NULL DEFAULT 0,
  downloaded   INTEGER NOT NULL DEFAULT 0,
  total        INTEGER NOT NULL DEFAULT -1,
  network_type INTEGER NOT NULL DEFAULT -1,
  created      INTEGER NOT NULL,
  retries      INTEGER NOT NULL DEFAULT 0,
  max_retries  INTEGER NOT NULL DEFAULT 0,
  headers      TEXT NOT NULL DEFAULT '{}',
  extras       TEXT NOT NULL DEFAULT '{}'
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_transfers_group_status
ON transfers (group_id, status);
`,
	`
CREATE INDEX IF NOT EXISTS idx_transfers_status_priority
ON transfers (status, priority DESC, created ASC);
`,
}

// InitDB opens the SQLite database and forward-migrates the schema.
func InitDB(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()

		return nil, err
	}

	return db, nil
}

func migrate(db *sql.DB) error {
	var version int
	if err := db.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	for v := version; v < len(migrations); v++ {
		if _, err := db.Exec(migrations[v]); err != nil {
			return fmt.Errorf("failed to apply migration %d: %w", v+1, err)
		}

		if _, err := db.Exec(fmt.Sprintf(`PRAGMA user_version = %d`, v+1)); err != nil {
			return fmt.Errorf("failed to bump schema version: %w", err)
		}
	}

	return nil
}
