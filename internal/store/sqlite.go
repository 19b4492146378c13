package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/testdeck-dev/testdeck/internal/events"
)

// DatabaseFileName is the store database inside the project data dir.
const DatabaseFileName = "tests.db"

const schema = `
CREATE TABLE IF NOT EXISTS tests (
	framework_id TEXT NOT NULL,
	run_id       TEXT NOT NULL,
	report_id    TEXT NOT NULL,
	path         TEXT NOT NULL,
	discovery_id INTEGER NOT NULL,
	executable   TEXT NOT NULL DEFAULT '',
	file         TEXT NOT NULL DEFAULT '',
	line         INTEGER NOT NULL DEFAULT 0,
	last_status  TEXT NOT NULL,
	last_run     TEXT,
	last_message TEXT NOT NULL DEFAULT '',
	stale        INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (framework_id, run_id)
);

CREATE TABLE IF NOT EXISTS discoveries (
	framework_id  TEXT PRIMARY KEY,
	discovered_at TEXT NOT NULL
);
`

const upsertQuery = `
INSERT INTO tests (framework_id, run_id, report_id, path, discovery_id,
                   executable, file, line, last_status, last_run, last_message, stale)
VALUES (:framework_id, :run_id, :report_id, :path, :discovery_id,
        :executable, :file, :line, :last_status, :last_run, :last_message, :stale)
ON CONFLICT (framework_id, run_id) DO UPDATE SET
	report_id    = excluded.report_id,
	path         = excluded.path,
	discovery_id = excluded.discovery_id,
	executable   = excluded.executable,
	file         = excluded.file,
	line         = excluded.line,
	last_status  = excluded.last_status,
	last_run     = excluded.last_run,
	last_message = excluded.last_message,
	stale        = excluded.stale
`

type testRow struct {
	FrameworkID string         `db:"framework_id"`
	RunID       string         `db:"run_id"`
	ReportID    string         `db:"report_id"`
	Path        string         `db:"path"`
	DiscoveryID int            `db:"discovery_id"`
	Executable  string         `db:"executable"`
	File        string         `db:"file"`
	Line        int            `db:"line"`
	LastStatus  string         `db:"last_status"`
	LastRun     sql.NullString `db:"last_run"`
	LastMessage string         `db:"last_message"`
	Stale       bool           `db:"stale"`
}

// SQLite persists leaf rows in a single-file database under the project
// data dir. Every mutation is one row upsert; the tree is reconstructed
// from the leaf paths on load.
type SQLite struct {
	db *sqlx.DB
}

// OpenSQLite opens (creating if needed) the store database in dataDir.
func OpenSQLite(dataDir string) (*SQLite, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	db, err := sqlx.Open("sqlite", filepath.Join(dataDir, DatabaseFileName))
	if err != nil {
		return nil, fmt.Errorf("opening test database: %w", err)
	}
	// The store serializes writes; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (b *SQLite) Close() error { return b.db.Close() }

func (b *SQLite) UpsertTest(t *Test) error {
	path, err := json.Marshal(t.Path)
	if err != nil {
		return fmt.Errorf("encoding path: %w", err)
	}

	row := testRow{
		FrameworkID: t.FrameworkID,
		RunID:       t.RunID,
		ReportID:    t.ReportID,
		Path:        string(path),
		DiscoveryID: t.DiscoveryID,
		LastStatus:  string(t.LastStatus),
		LastMessage: t.LastMessage,
		Stale:       t.Stale,
	}
	if t.Location != nil {
		row.Executable = t.Location.Executable
		row.File = t.Location.File
		row.Line = t.Location.Line
	}
	if t.LastRun != nil {
		row.LastRun = sql.NullString{String: t.LastRun.UTC().Format(time.RFC3339Nano), Valid: true}
	}

	if _, err := b.db.NamedExec(upsertQuery, row); err != nil {
		return fmt.Errorf("upserting test %s/%s: %w", t.FrameworkID, t.RunID, err)
	}
	return nil
}

func (b *SQLite) DeleteTest(frameworkID, runID string) error {
	_, err := b.db.Exec(`DELETE FROM tests WHERE framework_id = ? AND run_id = ?`, frameworkID, runID)
	if err != nil {
		return fmt.Errorf("deleting test %s/%s: %w", frameworkID, runID, err)
	}
	return nil
}

func (b *SQLite) SetLastDiscovery(frameworkID string, at time.Time) error {
	_, err := b.db.Exec(`
		INSERT INTO discoveries (framework_id, discovered_at) VALUES (?, ?)
		ON CONFLICT (framework_id) DO UPDATE SET discovered_at = excluded.discovered_at`,
		frameworkID, at.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("recording discovery time: %w", err)
	}
	return nil
}

func (b *SQLite) Load() ([]*Test, map[string]time.Time, error) {
	var rows []testRow
	if err := b.db.Select(&rows, `SELECT * FROM tests`); err != nil {
		return nil, nil, fmt.Errorf("loading tests: %w", err)
	}

	tests := make([]*Test, 0, len(rows))
	for _, row := range rows {
		t := &Test{
			FrameworkID: row.FrameworkID,
			RunID:       row.RunID,
			ReportID:    row.ReportID,
			DiscoveryID: row.DiscoveryID,
			LastStatus:  events.Status(row.LastStatus),
			LastMessage: row.LastMessage,
			Stale:       row.Stale,
		}
		if err := json.Unmarshal([]byte(row.Path), &t.Path); err != nil {
			return nil, nil, fmt.Errorf("decoding path of %s/%s: %w", row.FrameworkID, row.RunID, err)
		}
		if row.Executable != "" || row.File != "" || row.Line != 0 {
			t.Location = &events.Location{Executable: row.Executable, File: row.File, Line: row.Line}
		}
		if row.LastRun.Valid {
			at, err := time.Parse(time.RFC3339Nano, row.LastRun.String)
			if err != nil {
				return nil, nil, fmt.Errorf("decoding last_run of %s/%s: %w", row.FrameworkID, row.RunID, err)
			}
			t.LastRun = &at
		}
		tests = append(tests, t)
	}

	type discoveryRow struct {
		FrameworkID  string `db:"framework_id"`
		DiscoveredAt string `db:"discovered_at"`
	}
	var discRows []discoveryRow
	if err := b.db.Select(&discRows, `SELECT * FROM discoveries`); err != nil {
		return nil, nil, fmt.Errorf("loading discovery times: %w", err)
	}
	discoveries := make(map[string]time.Time, len(discRows))
	for _, row := range discRows {
		at, err := time.Parse(time.RFC3339Nano, row.DiscoveredAt)
		if err != nil {
			return nil, nil, fmt.Errorf("decoding discovery time of %s: %w", row.FrameworkID, err)
		}
		discoveries[row.FrameworkID] = at
	}

	return tests, discoveries, nil
}
