// Package sqlite provides the SQLite-backed repository implementation.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"

	sqliteutil "github.com/mjfuentes/amiga-sub003/internal/common/sqlite"
)

// schemaVersion is bumped whenever a migration is appended.
const schemaVersion = 3

// busyRetries bounds retries for writes that hit a locked database.
const busyRetries = 5

// Repository provides SQLite-based storage operations.
type Repository struct {
	db     *sqlx.DB // writer
	ro     *sqlx.DB // reader (read-only pool)
	ownsDB bool
}

// NewWithDB creates a new SQLite repository with existing database
// connections (shared ownership).
func NewWithDB(writer, reader *sqlx.DB) (*Repository, error) {
	return newRepository(writer, reader, false)
}

func newRepository(writer, reader *sqlx.DB, ownsDB bool) (*Repository, error) {
	repo := &Repository{db: writer, ro: reader, ownsDB: ownsDB}
	if err := repo.initSchema(); err != nil {
		if ownsDB {
			if closeErr := writer.Close(); closeErr != nil {
				return nil, fmt.Errorf("failed to close database after schema error: %w", closeErr)
			}
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return repo, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	if !r.ownsDB {
		return nil
	}
	return r.db.Close()
}

// DB returns the underlying sql.DB instance for shared access
func (r *Repository) DB() *sql.DB {
	return r.db.DB
}

// initSchema creates the database tables if they don't exist and applies
// pending migrations.
func (r *Repository) initSchema() error {
	if err := r.initVersionTable(); err != nil {
		return err
	}
	if err := r.initCoreSchema(); err != nil {
		return err
	}
	if err := r.runMigrations(); err != nil {
		return err
	}
	return r.ensureIndexes()
}

func (r *Repository) initVersionTable() error {
	_, err := r.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`)
	return err
}

func (r *Repository) currentVersion() (int, error) {
	var version int
	err := r.db.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return version, nil
}

func (r *Repository) setVersion(version int) error {
	if _, err := r.db.Exec(`DELETE FROM schema_version`); err != nil {
		return err
	}
	_, err := r.db.Exec(`INSERT INTO schema_version (version) VALUES (?)`, version)
	return err
}

func (r *Repository) initCoreSchema() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		name TEXT DEFAULT '',
		admin INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		last_seen_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		session_uuid TEXT NOT NULL UNIQUE,
		prompt TEXT NOT NULL,
		description TEXT DEFAULT '',
		state TEXT NOT NULL DEFAULT 'pending',
		priority INTEGER NOT NULL DEFAULT 2,
		submit_seq INTEGER NOT NULL DEFAULT 0,
		agent_kind TEXT NOT NULL DEFAULT 'coder',
		branch TEXT,
		workspace TEXT,
		pid INTEGER,
		result TEXT,
		error TEXT,
		error_kind TEXT,
		metadata TEXT DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		started_at TIMESTAMP,
		completed_at TIMESTAMP,
		FOREIGN KEY (user_id) REFERENCES users(id)
	);

	CREATE TABLE IF NOT EXISTS tool_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		session_uuid TEXT NOT NULL,
		tool_name TEXT NOT NULL,
		file_path TEXT,
		phase TEXT NOT NULL DEFAULT 'started',
		orphaned INTEGER NOT NULL DEFAULT 0,
		started_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS agent_status (
		task_id TEXT PRIMARY KEY,
		session_uuid TEXT NOT NULL,
		agent_kind TEXT NOT NULL DEFAULT 'coder',
		pid INTEGER NOT NULL DEFAULT 0,
		state TEXT NOT NULL DEFAULT 'starting',
		started_at TIMESTAMP NOT NULL,
		last_event_at TIMESTAMP,
		exit_code INTEGER,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS file_index (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		path TEXT NOT NULL,
		tool_name TEXT NOT NULL DEFAULT '',
		touches INTEGER NOT NULL DEFAULT 1,
		first_seen TIMESTAMP NOT NULL,
		last_seen TIMESTAMP NOT NULL,
		UNIQUE(task_id, path),
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS activity_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		message TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);
	`)
	return err
}

// runMigrations applies additive migrations guarded by the stored version.
func (r *Repository) runMigrations() error {
	version, err := r.currentVersion()
	if err != nil {
		return err
	}
	if version >= schemaVersion {
		return nil
	}

	if version < 2 {
		// v2: tool_events gained a free-form detail column (command text for
		// Bash, pattern for Grep, and so on).
		if err := sqliteutil.EnsureColumn(r.db.DB, "tool_events", "detail", "TEXT"); err != nil {
			return err
		}
	}

	if version < 3 {
		// v3: tool_events carries the full hook payload so post-hook data
		// survives restarts (parameters, output preview, error class, timing
		// and token usage).
		for _, col := range []struct {
			name string
			typ  string
		}{
			{"parameters", "TEXT"},
			{"output_preview", "TEXT"},
			{"output_length", "INTEGER"},
			{"has_error", "INTEGER NOT NULL DEFAULT 0"},
			{"error_category", "TEXT"},
			{"duration_millis", "REAL"},
			{"token_usage", "TEXT"},
		} {
			if err := sqliteutil.EnsureColumn(r.db.DB, "tool_events", col.name, col.typ); err != nil {
				return err
			}
		}
	}

	return r.setVersion(schemaVersion)
}

func (r *Repository) ensureIndexes() error {
	_, err := r.db.Exec(`
	CREATE INDEX IF NOT EXISTS idx_tasks_user_id ON tasks(user_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state);
	CREATE INDEX IF NOT EXISTS idx_tasks_user_state ON tasks(user_id, state);
	CREATE INDEX IF NOT EXISTS idx_tool_events_task_id ON tool_events(task_id);
	CREATE INDEX IF NOT EXISTS idx_tool_events_correlation ON tool_events(session_uuid, tool_name, phase, started_at);
	CREATE INDEX IF NOT EXISTS idx_activity_log_task_id ON activity_log(task_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_file_index_task_id ON file_index(task_id);
	CREATE INDEX IF NOT EXISTS idx_agent_status_state ON agent_status(state);
	`)
	return err
}

// isBusy reports whether err is a transient SQLITE_BUSY or SQLITE_LOCKED.
func isBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

// execRetry runs a write, retrying up to busyRetries times with linear
// backoff when the database is locked.
func (r *Repository) execRetry(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	var res sql.Result
	var err error
	for attempt := 0; attempt < busyRetries; attempt++ {
		res, err = r.db.ExecContext(ctx, query, args...)
		if err == nil || !isBusy(err) {
			return res, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 50 * time.Millisecond):
		}
	}
	return res, err
}
