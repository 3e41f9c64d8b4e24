package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jaakkos/stringwork/internal/storeerr"
)

// EnqueueConversation inserts a new pending conversation row and returns its
// assigned id.
func (s *Store) EnqueueConversation(c Conversation) (int64, error) {
	if c.Timestamp.IsZero() {
		c.Timestamp = time.Now()
	}
	if c.Status == "" {
		c.Status = ConversationPending
	}
	res, err := s.db.Exec(
		`INSERT INTO conversations (timestamp, direction, channel, endpoint_id, content, status, priority, require_idle, retry_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		formatTime(c.Timestamp), string(c.Direction), c.Channel, c.EndpointID, c.Content,
		string(c.Status), c.Priority, boolToInt(c.RequireIdle), c.RetryCount,
	)
	if err != nil {
		return 0, fmt.Errorf("store: enqueue conversation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: enqueue conversation id: %w", err)
	}
	return id, nil
}

// ClaimNextConversation atomically moves the best deliverable pending
// conversation to running and returns it. When assistantIdle is false, a
// priority-1 (idle-required) candidate is skipped in favor of the best
// candidate at priority > 1, per the idle-gating rule. Returns
// storeerr.ErrNotFound if nothing is deliverable right now, or
// storeerr.ErrConflict if a concurrent claimant won the race — the caller
// should simply continue its poll loop in either case.
func (s *Store) ClaimNextConversation(assistantIdle bool) (*Conversation, error) {
	query := `SELECT id FROM conversations WHERE status = 'pending'`
	if !assistantIdle {
		query += ` AND priority > 1`
	}
	query += ` ORDER BY priority ASC, timestamp ASC, id ASC LIMIT 1`

	var id int64
	if err := s.db.QueryRow(query).Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return nil, storeerr.ErrNotFound
		}
		return nil, fmt.Errorf("store: select next conversation: %w", err)
	}

	res, err := s.db.Exec(`UPDATE conversations SET status = 'running' WHERE id = ? AND status = 'pending'`, id)
	if err != nil {
		return nil, fmt.Errorf("store: claim conversation %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("store: claim conversation %d: %w", id, err)
	}
	if n == 0 {
		return nil, storeerr.ErrConflict
	}
	return s.GetConversation(id)
}

// PeekNextConversationPriority returns the priority of the best
// deliverable pending conversation without claiming it, and false if none
// is deliverable. The Dispatcher uses this to compare against the control
// queue's best candidate before deciding which queue to claim from.
func (s *Store) PeekNextConversationPriority(assistantIdle bool) (int, bool, error) {
	query := `SELECT priority FROM conversations WHERE status = 'pending'`
	if !assistantIdle {
		query += ` AND priority > 1`
	}
	query += ` ORDER BY priority ASC, timestamp ASC, id ASC LIMIT 1`

	var priority int
	if err := s.db.QueryRow(query).Scan(&priority); err != nil {
		if err == sql.ErrNoRows {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("store: peek next conversation: %w", err)
	}
	return priority, true, nil
}

// GetConversation loads a single conversation row by id.
func (s *Store) GetConversation(id int64) (*Conversation, error) {
	row := s.db.QueryRow(
		`SELECT id, timestamp, direction, channel, endpoint_id, content, status, priority, require_idle, retry_count
		 FROM conversations WHERE id = ?`, id)
	return scanConversation(row)
}

func scanConversation(row *sql.Row) (*Conversation, error) {
	var c Conversation
	var ts, direction, status string
	var requireIdle int
	if err := row.Scan(&c.ID, &ts, &direction, &c.Channel, &c.EndpointID, &c.Content, &status, &c.Priority, &requireIdle, &c.RetryCount); err != nil {
		if err == sql.ErrNoRows {
			return nil, storeerr.ErrNotFound
		}
		return nil, fmt.Errorf("store: scan conversation: %w", err)
	}
	t, err := parseTime(ts)
	if err != nil {
		return nil, err
	}
	c.Timestamp = t
	c.Direction = Direction(direction)
	c.Status = ConversationStatus(status)
	c.RequireIdle = intToBool(requireIdle)
	return &c, nil
}

// MarkDelivered marks a running conversation as delivered.
func (s *Store) MarkDelivered(id int64) error {
	_, err := s.db.Exec(`UPDATE conversations SET status = 'delivered' WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: mark conversation %d delivered: %w", id, err)
	}
	return nil
}

// RevertConversation reverts a running conversation back to pending after a
// transport failure, bumping retry_count. If the resulting retry_count
// exceeds maxRetries, the row is marked failed instead.
func (s *Store) RevertConversation(id int64, maxRetries int) error {
	row := s.db.QueryRow(`SELECT retry_count FROM conversations WHERE id = ?`, id)
	var retries int
	if err := row.Scan(&retries); err != nil {
		if err == sql.ErrNoRows {
			return storeerr.ErrNotFound
		}
		return fmt.Errorf("store: revert conversation %d: %w", id, err)
	}
	retries++
	if retries > maxRetries {
		_, err := s.db.Exec(`UPDATE conversations SET status = 'failed', retry_count = ? WHERE id = ?`, retries, id)
		if err != nil {
			return fmt.Errorf("store: fail conversation %d: %w", id, err)
		}
		return nil
	}
	_, err := s.db.Exec(`UPDATE conversations SET status = 'pending', retry_count = ? WHERE id = ?`, retries, id)
	if err != nil {
		return fmt.Errorf("store: revert conversation %d: %w", id, err)
	}
	return nil
}

// RecentConversations returns the most recent n conversations, oldest first.
func (s *Store) RecentConversations(n int) ([]Conversation, error) {
	rows, err := s.db.Query(
		`SELECT id, timestamp, direction, channel, endpoint_id, content, status, priority, require_idle, retry_count
		 FROM conversations ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("store: recent conversations: %w", err)
	}
	defer rows.Close()
	out, err := scanConversationRows(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// UnsummarizedRange returns conversations with id greater than the given
// checkpoint end id (the last summarized conversation).
func (s *Store) UnsummarizedRange(lastCheckpointEndID int64) ([]Conversation, error) {
	rows, err := s.db.Query(
		`SELECT id, timestamp, direction, channel, endpoint_id, content, status, priority, require_idle, retry_count
		 FROM conversations WHERE id > ? ORDER BY id ASC`, lastCheckpointEndID)
	if err != nil {
		return nil, fmt.Errorf("store: unsummarized range: %w", err)
	}
	defer rows.Close()
	return scanConversationRows(rows)
}

func scanConversationRows(rows *sql.Rows) ([]Conversation, error) {
	var out []Conversation
	for rows.Next() {
		var c Conversation
		var ts, direction, status string
		var requireIdle int
		if err := rows.Scan(&c.ID, &ts, &direction, &c.Channel, &c.EndpointID, &c.Content, &status, &c.Priority, &requireIdle, &c.RetryCount); err != nil {
			return nil, fmt.Errorf("store: scan conversation row: %w", err)
		}
		t, err := parseTime(ts)
		if err != nil {
			return nil, err
		}
		c.Timestamp = t
		c.Direction = Direction(direction)
		c.Status = ConversationStatus(status)
		c.RequireIdle = intToBool(requireIdle)
		out = append(out, c)
	}
	return out, rows.Err()
}

// FormatForDisplay produces a human-readable transcript of the given
// conversations, used by session-init.
func FormatForDisplay(records []Conversation) string {
	var b strings.Builder
	for _, c := range records {
		arrow := "->"
		if c.Direction == DirectionOut {
			arrow = "<-"
		}
		fmt.Fprintf(&b, "[%s] %s %s: %s\n", c.Timestamp.Format(time.RFC3339), arrow, c.Channel, c.Content)
	}
	return b.String()
}
