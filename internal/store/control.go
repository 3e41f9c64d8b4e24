package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jaakkos/stringwork/internal/storeerr"
)

// EnqueueControlOptions carries the optional CLI-surfaced knobs for a new
// control entry.
type EnqueueControlOptions struct {
	Priority      int
	RequireIdle   bool
	BypassState   bool
	AckDeadline   time.Duration // if zero, defaults to 5 minutes
	AvailableIn   time.Duration
	HeartbeatPhase string
}

// EnqueueControl inserts a new pending control entry, substituting any
// occurrence of ControlPlaceholder in content with the entry's own id once
// it is known, and returns the id.
func (s *Store) EnqueueControl(channel, endpoint, content string, opts EnqueueControlOptions) (int64, error) {
	now := time.Now()
	ackDeadline := opts.AckDeadline
	if ackDeadline == 0 {
		ackDeadline = 5 * time.Minute
	}
	ackDeadlineAt := now.Add(ackDeadline)
	availableAt := now
	if opts.AvailableIn > 0 {
		availableAt = now.Add(opts.AvailableIn)
	}
	priority := opts.Priority
	if priority == 0 {
		priority = PrioritySystemIdleRequired
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("store: enqueue control: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`INSERT INTO control_entries (timestamp, channel, endpoint_id, content, status, priority, require_idle, retry_count, ack_deadline_at, available_at, bypass_state, last_error, heartbeat_phase)
		 VALUES (?, ?, ?, ?, 'pending', ?, ?, 0, ?, ?, ?, '', ?)`,
		formatTime(now), channel, endpoint, content, priority, boolToInt(opts.RequireIdle),
		formatTime(ackDeadlineAt), formatTime(availableAt), boolToInt(opts.BypassState), opts.HeartbeatPhase,
	)
	if err != nil {
		return 0, fmt.Errorf("store: enqueue control: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: enqueue control id: %w", err)
	}
	if strings.Contains(content, ControlPlaceholder) {
		resolved := strings.ReplaceAll(content, ControlPlaceholder, fmt.Sprintf("%d", id))
		if _, err := tx.Exec(`UPDATE control_entries SET content = ? WHERE id = ?`, resolved, id); err != nil {
			return 0, fmt.Errorf("store: substitute control placeholder: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: enqueue control: %w", err)
	}
	return id, nil
}

// ClaimNextControl atomically claims the best deliverable pending control
// entry. Candidates past their ack_deadline, not yet available, or (unless
// bypassState is set) at priority 1 (idle-required) while the assistant is
// busy, or
// (unless bypass_state is set) while health is not ok, are skipped.
func (s *Store) ClaimNextControl(assistantIdle, healthOK bool) (*Control, error) {
	now := formatTime(time.Now())
	query := `SELECT id FROM control_entries
	          WHERE status = 'pending' AND available_at <= ? AND ack_deadline_at > ?
	          AND (bypass_state = 1 OR priority > 1 OR ? = 1)
	          AND (bypass_state = 1 OR ? = 1)
	          ORDER BY priority ASC, timestamp ASC, id ASC LIMIT 1`
	var id int64
	if err := s.db.QueryRow(query, now, now, boolToInt(assistantIdle), boolToInt(healthOK)).Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return nil, storeerr.ErrNotFound
		}
		return nil, fmt.Errorf("store: select next control: %w", err)
	}
	res, err := s.db.Exec(`UPDATE control_entries SET status = 'running' WHERE id = ? AND status = 'pending'`, id)
	if err != nil {
		return nil, fmt.Errorf("store: claim control %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("store: claim control %d: %w", id, err)
	}
	if n == 0 {
		return nil, storeerr.ErrConflict
	}
	return s.GetControl(id)
}

// PeekNextControlPriority returns the priority of the best deliverable
// pending control entry without claiming it, and false if none is
// deliverable.
func (s *Store) PeekNextControlPriority(assistantIdle, healthOK bool) (int, bool, error) {
	now := formatTime(time.Now())
	query := `SELECT priority FROM control_entries
	          WHERE status = 'pending' AND available_at <= ? AND ack_deadline_at > ?
	          AND (bypass_state = 1 OR priority > 1 OR ? = 1)
	          AND (bypass_state = 1 OR ? = 1)
	          ORDER BY priority ASC, timestamp ASC, id ASC LIMIT 1`
	var priority int
	if err := s.db.QueryRow(query, now, now, boolToInt(assistantIdle), boolToInt(healthOK)).Scan(&priority); err != nil {
		if err == sql.ErrNoRows {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("store: peek next control: %w", err)
	}
	return priority, true, nil
}

// GetControl loads a single control entry by id.
func (s *Store) GetControl(id int64) (*Control, error) {
	row := s.db.QueryRow(
		`SELECT id, timestamp, channel, endpoint_id, content, status, priority, require_idle, retry_count,
		        ack_deadline_at, available_at, bypass_state, last_error, heartbeat_phase
		 FROM control_entries WHERE id = ?`, id)
	return scanControl(row)
}

func scanControl(row *sql.Row) (*Control, error) {
	var c Control
	var ts, status, ackDeadline, available string
	var requireIdle, bypass int
	if err := row.Scan(&c.ID, &ts, &c.Channel, &c.EndpointID, &c.Content, &status, &c.Priority, &requireIdle,
		&c.RetryCount, &ackDeadline, &available, &bypass, &c.LastError, &c.HeartbeatPhase); err != nil {
		if err == sql.ErrNoRows {
			return nil, storeerr.ErrNotFound
		}
		return nil, fmt.Errorf("store: scan control: %w", err)
	}
	var err error
	if c.Timestamp, err = parseTime(ts); err != nil {
		return nil, err
	}
	if c.AckDeadlineAt, err = parseTime(ackDeadline); err != nil {
		return nil, err
	}
	if c.AvailableAt, err = parseTime(available); err != nil {
		return nil, err
	}
	c.Status = ControlStatus(status)
	c.RequireIdle = intToBool(requireIdle)
	c.BypassState = intToBool(bypass)
	return &c, nil
}

// AckControl marks a control entry done, unless its ack deadline has
// already passed, in which case it is (or was already) timed out — the
// call is idempotent either way.
func (s *Store) AckControl(id int64) (ControlStatus, error) {
	c, err := s.GetControl(id)
	if err != nil {
		return "", err
	}
	if c.Status == ControlDone || c.Status == ControlTimeout || c.Status == ControlFailed {
		return c.Status, nil
	}
	if time.Now().After(c.AckDeadlineAt) {
		_, err := s.db.Exec(`UPDATE control_entries SET status = 'timeout' WHERE id = ?`, id)
		if err != nil {
			return "", fmt.Errorf("store: timeout control %d: %w", id, err)
		}
		return ControlTimeout, nil
	}
	if _, err := s.db.Exec(`UPDATE control_entries SET status = 'done' WHERE id = ?`, id); err != nil {
		return "", fmt.Errorf("store: ack control %d: %w", id, err)
	}
	return ControlDone, nil
}

// ReapTimedOutControl converts every pending or running control entry whose
// ack_deadline_at has passed into timeout, and returns how many rows it
// changed. Safe to call from more than one process concurrently.
func (s *Store) ReapTimedOutControl() (int64, error) {
	res, err := s.db.Exec(
		`UPDATE control_entries SET status = 'timeout'
		 WHERE status IN ('pending', 'running') AND ack_deadline_at <= ?`,
		formatTime(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("store: reap timed out control: %w", err)
	}
	return res.RowsAffected()
}

// PendingHeartbeat returns the single non-terminal control entry of the
// given heartbeat phase family (any phase), if one exists. The heartbeat
// engine uses this to enforce "at most one pending heartbeat control entry
// at a time".
func (s *Store) PendingHeartbeat() (*Control, error) {
	row := s.db.QueryRow(
		`SELECT id, timestamp, channel, endpoint_id, content, status, priority, require_idle, retry_count,
		        ack_deadline_at, available_at, bypass_state, last_error, heartbeat_phase
		 FROM control_entries
		 WHERE heartbeat_phase != '' AND status IN ('pending', 'running')
		 ORDER BY id DESC LIMIT 1`)
	return scanControl(row)
}

// ClearHeartbeatPending cancels the currently pending heartbeat control
// entry, if any, by marking it done without requiring the assistant's ack.
// Used when the health state machine transitions to a state whose recovery
// probe differs from the pending phase.
func (s *Store) ClearHeartbeatPending() error {
	_, err := s.db.Exec(
		`UPDATE control_entries SET status = 'done'
		 WHERE heartbeat_phase != '' AND status IN ('pending', 'running')`)
	if err != nil {
		return fmt.Errorf("store: clear heartbeat pending: %w", err)
	}
	return nil
}

// MarkControlFailed records a last_error and marks a control entry failed.
func (s *Store) MarkControlFailed(id int64, lastErr string) error {
	_, err := s.db.Exec(`UPDATE control_entries SET status = 'failed', last_error = ? WHERE id = ?`, lastErr, id)
	if err != nil {
		return fmt.Errorf("store: fail control %d: %w", id, err)
	}
	return nil
}

// RevertControl reverts a running control entry back to pending after a
// transport failure.
func (s *Store) RevertControl(id int64) error {
	_, err := s.db.Exec(
		`UPDATE control_entries SET status = 'pending', retry_count = retry_count + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: revert control %d: %w", id, err)
	}
	return nil
}
