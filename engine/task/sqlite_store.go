package task

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id                TEXT PRIMARY KEY,
	owner_id          TEXT NOT NULL DEFAULT '',
	group_id          TEXT NOT NULL DEFAULT '',
	priority          INTEGER NOT NULL DEFAULT 0,
	type              TEXT NOT NULL DEFAULT '',
	payload           TEXT NOT NULL DEFAULT '',
	output            TEXT NOT NULL DEFAULT '',
	state             TEXT NOT NULL DEFAULT 'queued',
	progress          REAL NOT NULL DEFAULT 0,
	progress_details  TEXT NOT NULL DEFAULT '',
	progress_payload  TEXT NOT NULL DEFAULT '',
	state_details     TEXT NOT NULL DEFAULT '',
	parent_task_id    TEXT NOT NULL DEFAULT '',
	root_task_id      TEXT NOT NULL DEFAULT '',
	weight            REAL NOT NULL DEFAULT 1,
	subtask_parallel  INTEGER NOT NULL DEFAULT 0,
	track_history     INTEGER NOT NULL DEFAULT 0,
	auth_token        TEXT NOT NULL DEFAULT '',
	created_at        DATETIME NOT NULL,
	updated_at        DATETIME NOT NULL,
	started_at        DATETIME,
	completed_at      DATETIME
);
CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_task_id);
CREATE INDEX IF NOT EXISTS idx_tasks_owner ON tasks(owner_id);
`

// SQLiteStore is a persistent Repository backed by SQLite, adapted from the
// teacher's task.SQLiteStore: single connection to avoid SQLITE_BUSY, same
// schema-on-open / scan-row technique, extended with the parent/root tree
// columns and queries the execution core's tree invariants require.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and ensures
// the tasks table exists. The caller is responsible for calling Close.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Get(id string) (*Item, error) {
	row := s.db.QueryRow(selectCols+" FROM tasks WHERE id = ?", id)
	t, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t, err
}

func (s *SQLiteStore) Put(t *Item) error {
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	_, err := s.db.Exec(`
		INSERT INTO tasks
			(id, owner_id, group_id, priority, type, payload, output, state, progress,
			 progress_details, progress_payload, state_details, parent_task_id, root_task_id,
			 weight, subtask_parallel, track_history, auth_token,
			 created_at, updated_at, started_at, completed_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			owner_id=excluded.owner_id, group_id=excluded.group_id, priority=excluded.priority,
			type=excluded.type, payload=excluded.payload, output=excluded.output,
			state=excluded.state, progress=excluded.progress,
			progress_details=excluded.progress_details, progress_payload=excluded.progress_payload,
			state_details=excluded.state_details, parent_task_id=excluded.parent_task_id,
			root_task_id=excluded.root_task_id, weight=excluded.weight,
			subtask_parallel=excluded.subtask_parallel, track_history=excluded.track_history,
			auth_token=excluded.auth_token, updated_at=excluded.updated_at,
			started_at=excluded.started_at, completed_at=excluded.completed_at`,
		t.ID, t.OwnerID, t.GroupID, t.Priority, t.Type, t.Payload, t.Output,
		string(t.State), t.Progress, t.ProgressDetails, t.ProgressPayload, t.StateDetails,
		t.ParentTaskID, t.RootTaskID, t.Weight, boolToInt(t.SubtaskParallelism), boolToInt(t.TrackHistory),
		t.AuthToken, t.CreatedAt, t.UpdatedAt, nullTime(t.StartedAt), nullTime(t.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("put task: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Delete(id string) error {
	res, err := s.db.Exec("DELETE FROM tasks WHERE id=?", id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (s *SQLiteStore) GetByOwner(owner string) ([]*Item, error) {
	rows, err := s.db.Query(selectCols+" FROM tasks WHERE owner_id = ? ORDER BY created_at DESC", owner)
	if err != nil {
		return nil, fmt.Errorf("list by owner: %w", err)
	}
	defer rows.Close()
	return scanItems(rows)
}

func (s *SQLiteStore) GetChildren(parentID string) ([]*Item, error) {
	rows, err := s.db.Query(selectCols+" FROM tasks WHERE parent_task_id = ? ORDER BY created_at ASC", parentID)
	if err != nil {
		return nil, fmt.Errorf("list children: %w", err)
	}
	defer rows.Close()
	return scanItems(rows)
}

func (s *SQLiteStore) ChildCount(parentID string) (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(1) FROM tasks WHERE parent_task_id = ?", parentID).Scan(&n)
	return n, err
}

// GetDescendants performs a breadth-first walk, issuing one GetChildren
// query per visited node — the tree depth in practice is small (spec.md §9 notes recursion
// is bounded by depth), so this avoids a recursive CTE for portability.
func (s *SQLiteStore) GetDescendants(rootID string) ([]*Item, error) {
	var out []*Item
	frontier := []string{rootID}
	for len(frontier) > 0 {
		var next []string
		for _, id := range frontier {
			kids, err := s.GetChildren(id)
			if err != nil {
				return nil, err
			}
			for _, k := range kids {
				out = append(out, k)
				next = append(next, k.ID)
			}
		}
		frontier = next
	}
	return out, nil
}

func (s *SQLiteStore) AddBatch(items []*Item) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("add batch: %w", err)
	}
	for _, t := range items {
		now := time.Now().UTC()
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		t.UpdatedAt = now
		_, err := tx.Exec(`
			INSERT INTO tasks
				(id, owner_id, group_id, priority, type, payload, output, state, progress,
				 progress_details, progress_payload, state_details, parent_task_id, root_task_id,
				 weight, subtask_parallel, track_history, auth_token,
				 created_at, updated_at, started_at, completed_at)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			t.ID, t.OwnerID, t.GroupID, t.Priority, t.Type, t.Payload, t.Output,
			string(t.State), t.Progress, t.ProgressDetails, t.ProgressPayload, t.StateDetails,
			t.ParentTaskID, t.RootTaskID, t.Weight, boolToInt(t.SubtaskParallelism), boolToInt(t.TrackHistory),
			t.AuthToken, t.CreatedAt, t.UpdatedAt, nullTime(t.StartedAt), nullTime(t.CompletedAt),
		)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("add batch: insert %s: %w", t.ID, err)
		}
	}
	return tx.Commit()
}

// DeleteSubtree removes rootID and every descendant inside one transaction,
// leaves first, so a crash mid-delete never leaves an orphaned child row.
func (s *SQLiteStore) DeleteSubtree(rootID string) error {
	descendants, err := s.GetDescendants(rootID)
	if err != nil {
		return err
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("delete subtree: %w", err)
	}
	for i := len(descendants) - 1; i >= 0; i-- {
		if _, err := tx.Exec("DELETE FROM tasks WHERE id=?", descendants[i].ID); err != nil {
			tx.Rollback()
			return fmt.Errorf("delete subtree: %w", err)
		}
	}
	if _, err := tx.Exec("DELETE FROM tasks WHERE id=?", rootID); err != nil {
		tx.Rollback()
		return fmt.Errorf("delete subtree: %w", err)
	}
	return tx.Commit()
}

const selectCols = `SELECT id, owner_id, group_id, priority, type, payload, output, state, progress,
	progress_details, progress_payload, state_details, parent_task_id, root_task_id,
	weight, subtask_parallel, track_history, auth_token,
	created_at, updated_at, started_at, completed_at`

// scanner abstracts sql.Row and sql.Rows for scanItem.
type scanner interface {
	Scan(dest ...any) error
}

func scanItem(s scanner) (*Item, error) {
	var t Item
	var state string
	var subtaskParallel, trackHistory int
	var startedAt, completedAt sql.NullTime

	err := s.Scan(
		&t.ID, &t.OwnerID, &t.GroupID, &t.Priority, &t.Type, &t.Payload, &t.Output,
		&state, &t.Progress, &t.ProgressDetails, &t.ProgressPayload, &t.StateDetails,
		&t.ParentTaskID, &t.RootTaskID, &t.Weight, &subtaskParallel, &trackHistory, &t.AuthToken,
		&t.CreatedAt, &t.UpdatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	t.State = State(state)
	t.SubtaskParallelism = subtaskParallel != 0
	t.TrackHistory = trackHistory != 0
	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return &t, nil
}

func scanItems(rows *sql.Rows) ([]*Item, error) {
	var out []*Item
	for rows.Next() {
		t, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
