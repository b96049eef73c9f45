package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/throw-if-null/taskrelay/internal/api"
)

type Store struct {
	db *sql.DB
}

var ErrNotFound = errors.New("not found")

// DSN returns the modernc sqlite data source name for a database file, with a
// busy timeout and foreign keys enabled on every connection.
func DSN(path string) string {
	return "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Init runs migrations using PRAGMA user_version.
func (s *Store) Init() error {
	var ver int
	if err := s.db.QueryRow(`PRAGMA user_version`).Scan(&ver); err != nil {
		return err
	}
	if ver >= 1 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// v1 schema
	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  description TEXT NOT NULL,
  type TEXT NOT NULL,
  status TEXT NOT NULL,
  created_at TEXT NOT NULL,
  scheduled_for TEXT,
  completed_at TEXT,
  approval_mode TEXT NOT NULL DEFAULT 'manual',
  output TEXT NOT NULL DEFAULT '',
  changes TEXT NOT NULL DEFAULT '[]'
);
`); err != nil {
		return err
	}

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS interactions (
  id TEXT PRIMARY KEY,
  task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
  type TEXT NOT NULL,
  message TEXT NOT NULL,
  options TEXT,
  response TEXT,
  timestamp TEXT NOT NULL
);
`); err != nil {
		return err
	}

	if _, err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`); err != nil {
		return err
	}
	if _, err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_interactions_task ON interactions(task_id)`); err != nil {
		return err
	}

	if _, err := tx.Exec(`PRAGMA user_version = 1`); err != nil {
		return err
	}

	return tx.Commit()
}

const taskColumns = `id, description, type, status, created_at, scheduled_for, completed_at, approval_mode, output, changes`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (*api.Task, error) {
	var (
		t                         api.Task
		createdAt, changes        string
		scheduledFor, completedAt sql.NullString
	)
	if err := r.Scan(&t.ID, &t.Description, &t.Type, &t.Status, &createdAt, &scheduledFor, &completedAt, &t.ApprovalMode, &t.Output, &changes); err != nil {
		return nil, err
	}
	var err error
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("task %s created_at: %w", t.ID, err)
	}
	if t.ScheduledFor, err = parseNullTime(scheduledFor); err != nil {
		return nil, fmt.Errorf("task %s scheduled_for: %w", t.ID, err)
	}
	if t.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, fmt.Errorf("task %s completed_at: %w", t.ID, err)
	}
	t.Changes = []api.FileChange{}
	if changes != "" {
		if err := json.Unmarshal([]byte(changes), &t.Changes); err != nil {
			return nil, fmt.Errorf("task %s changes: %w", t.ID, err)
		}
	}
	return &t, nil
}

func (s *Store) GetTask(taskID string) (*api.Task, error) {
	t, err := scanTask(s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

// ListTasks returns tasks ordered newest first. If limit <= 0, return all.
func (s *Store) ListTasks(limit int) ([]*api.Task, error) {
	q := `SELECT ` + taskColumns + ` FROM tasks ORDER BY created_at DESC, id`
	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = s.db.Query(q+` LIMIT ?`, limit)
	} else {
		rows, err = s.db.Query(q)
	}
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

// ListByStatus returns tasks in status, oldest first.
func (s *Store) ListByStatus(status api.TaskStatus) ([]*api.Task, error) {
	rows, err := s.db.Query(`SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY created_at, id`, string(status))
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

func collectTasks(rows *sql.Rows) ([]*api.Task, error) {
	defer rows.Close()
	out := []*api.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// PutTask inserts t or replaces the stored copy.
func (s *Store) PutTask(t *api.Task) error {
	changes := t.Changes
	if changes == nil {
		changes = []api.FileChange{}
	}
	cb, err := json.Marshal(changes)
	if err != nil {
		return err
	}
	approval := t.ApprovalMode
	if approval == "" {
		approval = api.ApprovalManual
	}
	return withRetry(func() error {
		_, err := s.db.Exec(`
INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  description = excluded.description,
  type = excluded.type,
  status = excluded.status,
  scheduled_for = excluded.scheduled_for,
  completed_at = excluded.completed_at,
  approval_mode = excluded.approval_mode,
  output = excluded.output,
  changes = excluded.changes`,
			t.ID, t.Description, string(t.Type), string(t.Status), formatTime(t.CreatedAt),
			formatNullTime(t.ScheduledFor), formatNullTime(t.CompletedAt), string(approval),
			t.Output, string(cb),
		)
		return err
	})
}

// DeleteTask removes the task and its interactions.
func (s *Store) DeleteTask(taskID string) error {
	return withRetry(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.Exec(`DELETE FROM interactions WHERE task_id = ?`, taskID); err != nil {
			return err
		}
		res, err := tx.Exec(`DELETE FROM tasks WHERE id = ?`, taskID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return tx.Commit()
	})
}

// PutInteraction inserts i or replaces the stored copy. The owning task must exist.
func (s *Store) PutInteraction(i *api.Interaction) error {
	var options sql.NullString
	if i.Options != nil {
		b, err := json.Marshal(i.Options)
		if err != nil {
			return err
		}
		options = sql.NullString{String: string(b), Valid: true}
	}
	var response sql.NullString
	if i.Response != nil {
		response = sql.NullString{String: *i.Response, Valid: true}
	}
	return withRetry(func() error {
		res, err := s.db.Exec(`
INSERT INTO interactions (id, task_id, type, message, options, response, timestamp)
SELECT ?, ?, ?, ?, ?, ?, ? WHERE EXISTS (SELECT 1 FROM tasks WHERE id = ?)
ON CONFLICT(id) DO UPDATE SET
  type = excluded.type,
  message = excluded.message,
  options = excluded.options,
  response = excluded.response`,
			i.ID, i.TaskID, string(i.Type), i.Message, options, response, formatTime(i.Timestamp), i.TaskID,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// ListInteractions returns the interactions of a task, oldest first.
func (s *Store) ListInteractions(taskID string) ([]*api.Interaction, error) {
	rows, err := s.db.Query(`SELECT id, task_id, type, message, options, response, timestamp FROM interactions WHERE task_id = ? ORDER BY timestamp, rowid`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*api.Interaction{}
	for rows.Next() {
		var (
			i                 api.Interaction
			options, response sql.NullString
			ts                string
		)
		if err := rows.Scan(&i.ID, &i.TaskID, &i.Type, &i.Message, &options, &response, &ts); err != nil {
			return nil, err
		}
		if options.Valid {
			if err := json.Unmarshal([]byte(options.String), &i.Options); err != nil {
				return nil, fmt.Errorf("interaction %s options: %w", i.ID, err)
			}
		}
		if response.Valid {
			r := response.String
			i.Response = &r
		}
		if i.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("interaction %s timestamp: %w", i.ID, err)
		}
		out = append(out, &i)
	}
	return out, rows.Err()
}

// SetInteractionResponse records the response forwarded for an interaction.
func (s *Store) SetInteractionResponse(taskID, interactionID, response string) error {
	return withRetry(func() error {
		res, err := s.db.Exec(`UPDATE interactions SET response = ? WHERE task_id = ? AND id = ?`, response, taskID, interactionID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// withRetry retries fn on SQLITE_BUSY with exponential backoff.
func withRetry(fn func() error) error {
	const maxRetries = 5
	var lastErr error
	for i := 0; i < maxRetries; i++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if isSqliteBusy(err) {
			time.Sleep(time.Duration(10*(1<<i)) * time.Millisecond)
			continue
		}
		return err
	}
	return lastErr
}

// isSqliteBusy reports whether err represents a busy/locked sqlite condition.
func isSqliteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database is busy") || strings.Contains(msg, "SQLITE_BUSY")
}

// timeLayout is RFC3339 with a fixed-width fraction so stored values sort
// lexically in time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatNullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) String() string {
	return fmt.Sprintf("store(%p)", s)
}
