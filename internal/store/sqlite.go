package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fentz26/labflow/internal/models"
	_ "modernc.org/sqlite"
)

// SQLiteStore keeps the task collection in a SQLite database, one row per
// task with history and files as JSON columns. It also holds the audit
// table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (creating if needed) the database at dbPath and runs
// migrations.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// Open with WAL mode for better concurrency
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite only supports one writer at a time
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id INTEGER PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL,
		assigned_to TEXT NOT NULL,
		assigned_by TEXT NOT NULL,
		priority TEXT NOT NULL DEFAULT 'medium',
		status TEXT NOT NULL DEFAULT 'pending',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		due_date TEXT,
		category TEXT,
		note TEXT,
		original_title TEXT,
		completion_note TEXT,
		completed_at TEXT,
		handover_history TEXT NOT NULL DEFAULT '[]',
		files TEXT NOT NULL DEFAULT '[]'
	);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS pdr (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		actor TEXT,
		inputs_hash TEXT NOT NULL,
		outcome TEXT NOT NULL,
		task_id INTEGER,
		details TEXT,
		timestamp TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_assigned_to ON tasks(assigned_to);
	CREATE INDEX IF NOT EXISTS idx_pdr_task_id ON pdr(task_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// --- Collection Operations ---

// Load reads every task plus the id mark and version.
func (s *SQLiteStore) Load(ctx context.Context) (*Collection, error) {
	// One read transaction so the version matches the rows.
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read: %w", err)
	}
	defer tx.Rollback()

	c := &Collection{}
	if c.NextID, err = s.meta(ctx, tx, "next_id"); err != nil {
		return nil, err
	}
	if c.Version, err = s.meta(ctx, tx, "version"); err != nil {
		return nil, err
	}

	rows, err := tx.QueryContext(ctx, `SELECT id, title, description, assigned_to, assigned_by, priority, status,
		created_at, updated_at, due_date, category, note, original_title, completion_note, completed_at,
		handover_history, files FROM tasks ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		c.Tasks = append(c.Tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return c, nil
}

// Save replaces the stored collection with c. It fails with ErrConflict if
// another writer saved since c was loaded.
func (s *SQLiteStore) Save(ctx context.Context, c *Collection) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := s.meta(ctx, tx, "version")
	if err != nil {
		return err
	}
	if current != c.Version {
		return ErrConflict
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks`); err != nil {
		return fmt.Errorf("clear tasks: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO tasks (id, title, description, assigned_to, assigned_by, priority,
		status, created_at, updated_at, due_date, category, note, original_title, completion_note, completed_at,
		handover_history, files) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, t := range c.Tasks {
		normalize(t)
		history, err := json.Marshal(t.HandoverHistory)
		if err != nil {
			return fmt.Errorf("encode history of task %d: %w", t.ID, err)
		}
		files, err := json.Marshal(t.Files)
		if err != nil {
			return fmt.Errorf("encode files of task %d: %w", t.ID, err)
		}
		_, err = stmt.ExecContext(ctx,
			t.ID, t.Title, t.Description, t.AssignedTo, t.AssignedBy, t.Priority, t.Status,
			t.CreatedAt, t.UpdatedAt, nullString(t.DueDate), nullString(t.Category), nullString(t.Note),
			nullString(t.OriginalTitle), nullString(t.CompletionNote), nullString(t.CompletedAt),
			string(history), string(files),
		)
		if err != nil {
			return fmt.Errorf("insert task %d: %w", t.ID, err)
		}
	}

	if err := setMeta(ctx, tx, "next_id", c.NextID); err != nil {
		return err
	}
	if err := setMeta(ctx, tx, "version", c.Version+1); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	c.Version++
	return nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (s *SQLiteStore) meta(ctx context.Context, q queryer, key string) (int64, error) {
	var v int64
	err := q.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query meta %s: %w", key, err)
	}
	return v, nil
}

func setMeta(ctx context.Context, tx *sql.Tx, key string, value int64) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("update meta %s: %w", key, err)
	}
	return nil
}

func scanTask(rows *sql.Rows) (*models.Task, error) {
	t := &models.Task{}
	var dueDate, category, note, originalTitle, completionNote, completedAt sql.NullString
	var history, files string

	err := rows.Scan(&t.ID, &t.Title, &t.Description, &t.AssignedTo, &t.AssignedBy, &t.Priority, &t.Status,
		&t.CreatedAt, &t.UpdatedAt, &dueDate, &category, &note, &originalTitle, &completionNote, &completedAt,
		&history, &files)
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	t.DueDate = dueDate.String
	t.Category = category.String
	t.Note = note.String
	t.OriginalTitle = originalTitle.String
	t.CompletionNote = completionNote.String
	t.CompletedAt = completedAt.String

	if err := json.Unmarshal([]byte(history), &t.HandoverHistory); err != nil {
		return nil, fmt.Errorf("decode history of task %d: %w", t.ID, err)
	}
	if err := json.Unmarshal([]byte(files), &t.Files); err != nil {
		return nil, fmt.Errorf("decode files of task %d: %w", t.ID, err)
	}
	normalize(t)
	return t, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// --- PDR Operations ---

// WritePDR stores a Process Decision Record.
func (s *SQLiteStore) WritePDR(ctx context.Context, e models.PDREntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pdr (id, action, actor, inputs_hash, outcome, task_id, details, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Action, nullString(e.Actor), e.InputsHash, e.Outcome, e.TaskID, nullString(e.Details), e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert pdr: %w", err)
	}
	return nil
}

// ListPDR returns the decision records of one task, oldest first. A zero
// taskID lists every record.
func (s *SQLiteStore) ListPDR(ctx context.Context, taskID int64) ([]models.PDREntry, error) {
	query := `SELECT id, action, actor, inputs_hash, outcome, task_id, details, timestamp FROM pdr`
	var args []interface{}
	if taskID != 0 {
		query += ` WHERE task_id = ?`
		args = append(args, taskID)
	}
	query += ` ORDER BY timestamp, rowid`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pdr: %w", err)
	}
	defer rows.Close()

	var entries []models.PDREntry
	for rows.Next() {
		var e models.PDREntry
		var actor, details sql.NullString
		var tid sql.NullInt64
		if err := rows.Scan(&e.ID, &e.Action, &actor, &e.InputsHash, &e.Outcome, &tid, &details, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan pdr: %w", err)
		}
		e.Actor = actor.String
		e.Details = details.String
		e.TaskID = tid.Int64
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
