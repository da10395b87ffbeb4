package store

import (
	"database/sql"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested task does not exist.
var ErrNotFound = errors.New("not found")

// Task outcomes as stored in the outcome column. A running task has none.
const (
	OutcomeNone      = ""
	OutcomeCompleted = "completed"
	OutcomeCanceled  = "canceled"
	OutcomeFailed    = "failed"
)

// Task is one detection task in the session log.
type Task struct {
	ID         string
	Mode       string
	Source     string
	Outcome    string
	ResultPath string
	Error      string
	CreatedAt  time.Time
	FinishedAt *time.Time
}

// Running reports whether the task has no outcome yet.
func (t *Task) Running() bool {
	return t.Outcome == OutcomeNone
}

// TaskRepository provides access to the task log.
type TaskRepository struct {
	db *sql.DB
}

// Tasks returns the task repository for this store.
func (s *Store) Tasks() *TaskRepository {
	return &TaskRepository{db: s.db}
}

// Create inserts a started task. CreatedAt defaults to now.
func (r *TaskRepository) Create(t *Task) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}

	_, err := r.db.Exec(
		`INSERT INTO tasks (id, mode, source, created_at) VALUES (?, ?, ?, ?)`,
		t.ID, t.Mode, t.Source, t.CreatedAt,
	)
	return err
}

// Finish records the outcome of a task.
func (r *TaskRepository) Finish(id, outcome, resultPath, errText string, at time.Time) error {
	result, err := r.db.Exec(
		`UPDATE tasks SET outcome = ?, result_path = ?, error = ?, finished_at = ?
		 WHERE id = ?`,
		outcome, resultPath, errText, at, id,
	)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

// GetByID retrieves a task by its ID.
func (r *TaskRepository) GetByID(id string) (*Task, error) {
	row := r.db.QueryRow(
		`SELECT id, mode, source, outcome, result_path, error, created_at, finished_at
		 FROM tasks WHERE id = ?`,
		id,
	)

	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return t, nil
}

// List returns the newest tasks first. A limit <= 0 returns all of them.
func (r *TaskRepository) List(limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := r.db.Query(
		`SELECT id, mode, source, outcome, result_path, error, created_at, finished_at
		 FROM tasks ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}

	return tasks, rows.Err()
}

// CountByOutcome returns how many tasks of mode ended with each outcome.
// Running tasks are counted under OutcomeNone.
func (r *TaskRepository) CountByOutcome(mode string) (map[string]int, error) {
	rows, err := r.db.Query(
		`SELECT outcome, COUNT(*) FROM tasks WHERE mode = ? GROUP BY outcome`,
		mode,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, err
		}
		counts[outcome] = n
	}

	return counts, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (*Task, error) {
	t := &Task{}
	var finished sql.NullTime

	err := s.Scan(&t.ID, &t.Mode, &t.Source, &t.Outcome, &t.ResultPath, &t.Error, &t.CreatedAt, &finished)
	if err != nil {
		return nil, err
	}

	if finished.Valid {
		at := finished.Time
		t.FinishedAt = &at
	}
	return t, nil
}
