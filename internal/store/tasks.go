package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/jaakkos/stringwork/internal/storeerr"
)

// AddTask inserts a new task row. Callers (the CLI layer) are responsible
// for enforcing that exactly one of cron_expression/interval_seconds/a
// single next_run_at is populated per the task's type before calling this.
func (s *Store) AddTask(t Task) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}
	if t.Status == "" {
		t.Status = TaskPending
	}
	if t.Timezone == "" {
		t.Timezone = "UTC"
	}
	_, err := s.db.Exec(
		`INSERT INTO tasks (id, name, prompt, type, cron_expression, interval_seconds, timezone, next_run_at,
		                     priority, require_idle, miss_threshold, reply_channel, reply_endpoint, status, last_error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.Prompt, string(t.Type), t.CronExpression, t.IntervalSeconds, t.Timezone, formatTime(t.NextRunAt),
		t.Priority, boolToInt(t.RequireIdle), t.MissThreshold, t.ReplyChannel, t.ReplyEndpoint, string(t.Status), t.LastError,
		formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("store: add task %s: %w", t.ID, err)
	}
	return nil
}

// GetTask loads a single task by id.
func (s *Store) GetTask(id string) (*Task, error) {
	row := s.db.QueryRow(taskSelectColumns+` FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

const taskSelectColumns = `SELECT id, name, prompt, type, cron_expression, interval_seconds, timezone, next_run_at,
	priority, require_idle, miss_threshold, reply_channel, reply_endpoint, status, last_error, created_at, updated_at`

func scanTask(row *sql.Row) (*Task, error) {
	var t Task
	var typ, nextRun, status, createdAt, updatedAt string
	var requireIdle int
	if err := row.Scan(&t.ID, &t.Name, &t.Prompt, &typ, &t.CronExpression, &t.IntervalSeconds, &t.Timezone, &nextRun,
		&t.Priority, &requireIdle, &t.MissThreshold, &t.ReplyChannel, &t.ReplyEndpoint, &status, &t.LastError,
		&createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, storeerr.ErrNotFound
		}
		return nil, fmt.Errorf("store: scan task: %w", err)
	}
	var err error
	if t.NextRunAt, err = parseTime(nextRun); err != nil {
		return nil, err
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	t.Type = TaskType(typ)
	t.Status = TaskStatus(status)
	t.RequireIdle = intToBool(requireIdle)
	return &t, nil
}

// ListTasks returns all tasks, optionally filtered by status (empty means
// all), ordered by next_run_at.
func (s *Store) ListTasks(status TaskStatus) ([]Task, error) {
	var rows *sql.Rows
	var err error
	if status == "" {
		rows, err = s.db.Query(taskSelectColumnsPlural() + ` ORDER BY next_run_at ASC`)
	} else {
		rows, err = s.db.Query(taskSelectColumnsPlural()+` WHERE status = ? ORDER BY next_run_at ASC`, string(status))
	}
	if err != nil {
		return nil, fmt.Errorf("store: list tasks: %w", err)
	}
	defer rows.Close()
	return scanTaskRows(rows)
}

func taskSelectColumnsPlural() string {
	return `SELECT id, name, prompt, type, cron_expression, interval_seconds, timezone, next_run_at,
	priority, require_idle, miss_threshold, reply_channel, reply_endpoint, status, last_error, created_at, updated_at FROM tasks`
}

func scanTaskRows(rows *sql.Rows) ([]Task, error) {
	var out []Task
	for rows.Next() {
		var t Task
		var typ, nextRun, status, createdAt, updatedAt string
		var requireIdle int
		if err := rows.Scan(&t.ID, &t.Name, &t.Prompt, &typ, &t.CronExpression, &t.IntervalSeconds, &t.Timezone, &nextRun,
			&t.Priority, &requireIdle, &t.MissThreshold, &t.ReplyChannel, &t.ReplyEndpoint, &status, &t.LastError,
			&createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("store: scan task row: %w", err)
		}
		var err error
		if t.NextRunAt, err = parseTime(nextRun); err != nil {
			return nil, err
		}
		if t.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		t.Type = TaskType(typ)
		t.Status = TaskStatus(status)
		t.RequireIdle = intToBool(requireIdle)
		out = append(out, t)
	}
	return out, rows.Err()
}

// NextDueTask selects the single next due pending task: minimum
// next_run_at <= now, tiebreak by priority then next_run_at.
// It does not claim the row.
func (s *Store) NextDueTask(now time.Time) (*Task, error) {
	row := s.db.QueryRow(
		taskSelectColumns+` FROM tasks WHERE status = 'pending' AND next_run_at <= ?
		 ORDER BY priority ASC, next_run_at ASC LIMIT 1`, formatTime(now))
	return scanTask(row)
}

// ClaimTaskRunning atomically moves a pending task to running. Returns
// storeerr.ErrConflict if another scheduler instance claimed it first.
func (s *Store) ClaimTaskRunning(id string, now time.Time) error {
	res, err := s.db.Exec(
		`UPDATE tasks SET status = 'running', updated_at = ? WHERE id = ? AND status = 'pending'`,
		formatTime(now), id)
	if err != nil {
		return fmt.Errorf("store: claim task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: claim task %s: %w", id, err)
	}
	if n == 0 {
		return storeerr.ErrConflict
	}
	return nil
}

// RescheduleTask advances a task's next_run_at and returns it to pending,
// used both for recurring/interval completion and for miss-window skips.
func (s *Store) RescheduleTask(id string, nextRunAt time.Time, now time.Time) error {
	_, err := s.db.Exec(
		`UPDATE tasks SET status = 'pending', next_run_at = ?, updated_at = ? WHERE id = ?`,
		formatTime(nextRunAt), formatTime(now), id)
	if err != nil {
		return fmt.Errorf("store: reschedule task %s: %w", id, err)
	}
	return nil
}

// FailTask marks a task failed with the given error.
func (s *Store) FailTask(id, lastErr string, now time.Time) error {
	_, err := s.db.Exec(
		`UPDATE tasks SET status = 'failed', last_error = ?, updated_at = ? WHERE id = ?`,
		lastErr, formatTime(now), id)
	if err != nil {
		return fmt.Errorf("store: fail task %s: %w", id, err)
	}
	return nil
}

// CompleteTask marks a running task completed.
func (s *Store) CompleteTask(id string, now time.Time) error {
	_, err := s.db.Exec(
		`UPDATE tasks SET status = 'completed', updated_at = ? WHERE id = ?`, formatTime(now), id)
	if err != nil {
		return fmt.Errorf("store: complete task %s: %w", id, err)
	}
	return nil
}

// PauseTask and ResumeTask toggle a task out of / back into the pending
// rotation without touching next_run_at.
func (s *Store) PauseTask(id string, now time.Time) error {
	_, err := s.db.Exec(`UPDATE tasks SET status = 'paused', updated_at = ? WHERE id = ?`, formatTime(now), id)
	if err != nil {
		return fmt.Errorf("store: pause task %s: %w", id, err)
	}
	return nil
}

func (s *Store) ResumeTask(id string, now time.Time) error {
	_, err := s.db.Exec(`UPDATE tasks SET status = 'pending', updated_at = ? WHERE id = ? AND status = 'paused'`, formatTime(now), id)
	if err != nil {
		return fmt.Errorf("store: resume task %s: %w", id, err)
	}
	return nil
}

// RemoveTask deletes a task and its history.
func (s *Store) RemoveTask(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: remove task %s: %w", id, err)
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("store: remove task %s: %w", id, err)
	}
	if _, err := tx.Exec(`DELETE FROM task_history WHERE task_id = ?`, id); err != nil {
		return fmt.Errorf("store: remove task history %s: %w", id, err)
	}
	return tx.Commit()
}

// ReapStaleRunning reaps running tasks whose updated_at is older than
// timeout: one-shot -> failed, recurring/interval -> completed (so the next
// cycle reschedules them). Returns the number of rows reaped.
func (s *Store) ReapStaleRunning(timeout time.Duration, now time.Time) (int64, error) {
	cutoff := formatTime(now.Add(-timeout))
	res1, err := s.db.Exec(
		`UPDATE tasks SET status = 'failed', last_error = 'stale running task reaped', updated_at = ?
		 WHERE status = 'running' AND type = 'one-time' AND updated_at < ?`,
		formatTime(now), cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: reap stale one-shot tasks: %w", err)
	}
	n1, _ := res1.RowsAffected()

	res2, err := s.db.Exec(
		`UPDATE tasks SET status = 'completed', updated_at = ?
		 WHERE status = 'running' AND type != 'one-time' AND updated_at < ?`,
		formatTime(now), cutoff)
	if err != nil {
		return n1, fmt.Errorf("store: reap stale recurring tasks: %w", err)
	}
	n2, _ := res2.RowsAffected()
	return n1 + n2, nil
}

// CompletedRecurring returns completed recurring/interval tasks awaiting
// rescheduling.
func (s *Store) CompletedRecurring() ([]Task, error) {
	rows, err := s.db.Query(taskSelectColumnsPlural() + ` WHERE status = 'completed' AND type != 'one-time'`)
	if err != nil {
		return nil, fmt.Errorf("store: completed recurring tasks: %w", err)
	}
	defer rows.Close()
	return scanTaskRows(rows)
}

// AppendHistory records one dispatch attempt.
func (s *Store) AppendHistory(h TaskHistory) (int64, error) {
	if h.StartedAt.IsZero() {
		h.StartedAt = time.Now()
	}
	res, err := s.db.Exec(
		`INSERT INTO task_history (task_id, status, started_at, finished_at, detail) VALUES (?, ?, ?, ?, ?)`,
		h.TaskID, string(h.Status), formatTime(h.StartedAt), formatTime(h.FinishedAt), h.Detail)
	if err != nil {
		return 0, fmt.Errorf("store: append history for task %s: %w", h.TaskID, err)
	}
	return res.LastInsertId()
}

// FinishHistory records the terminal outcome of a previously started
// history entry.
func (s *Store) FinishHistory(id int64, status TaskHistoryStatus, detail string, now time.Time) error {
	_, err := s.db.Exec(
		`UPDATE task_history SET status = ?, finished_at = ?, detail = ? WHERE id = ?`,
		string(status), formatTime(now), detail, id)
	if err != nil {
		return fmt.Errorf("store: finish history %d: %w", id, err)
	}
	return nil
}

// ListHistory returns the dispatch history for a task, most recent first.
func (s *Store) ListHistory(taskID string, limit int) ([]TaskHistory, error) {
	rows, err := s.db.Query(
		`SELECT id, task_id, status, started_at, finished_at, detail FROM task_history
		 WHERE task_id = ? ORDER BY id DESC LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list history for task %s: %w", taskID, err)
	}
	defer rows.Close()

	var out []TaskHistory
	for rows.Next() {
		var h TaskHistory
		var status, started, finished string
		if err := rows.Scan(&h.ID, &h.TaskID, &status, &started, &finished, &h.Detail); err != nil {
			return nil, fmt.Errorf("store: scan history row: %w", err)
		}
		h.Status = TaskHistoryStatus(status)
		var err error
		if h.StartedAt, err = parseTime(started); err != nil {
			return nil, err
		}
		if h.FinishedAt, err = parseTime(finished); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// PurgeOldHistory deletes history rows older than the retention window.
// Run hourly by the Scheduler.
func (s *Store) PurgeOldHistory(retention time.Duration, now time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM task_history WHERE started_at < ?`, formatTime(now.Add(-retention)))
	if err != nil {
		return 0, fmt.Errorf("store: purge old history: %w", err)
	}
	return res.RowsAffected()
}
