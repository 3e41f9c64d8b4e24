package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/jaakkos/stringwork/internal/storeerr"
)

// CreateCheckpoint records that conversations up to endID have been
// summarized, and returns the new checkpoint's id.
func (s *Store) CreateCheckpoint(startID, endID int64, summary string) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO checkpoints (start_conversation_id, end_conversation_id, summary, created_at) VALUES (?, ?, ?, ?)`,
		startID, endID, summary, formatTime(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("store: create checkpoint: %w", err)
	}
	return res.LastInsertId()
}

// ListCheckpoints returns the most recent limit checkpoints, newest first.
func (s *Store) ListCheckpoints(limit int) ([]Checkpoint, error) {
	rows, err := s.db.Query(
		`SELECT id, start_conversation_id, end_conversation_id, summary, created_at
		 FROM checkpoints ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		var cp Checkpoint
		var createdAt string
		if err := rows.Scan(&cp.ID, &cp.StartConversationID, &cp.EndConversationID, &cp.Summary, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan checkpoint: %w", err)
		}
		if cp.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// LatestCheckpoint returns the most recently created checkpoint.
func (s *Store) LatestCheckpoint() (*Checkpoint, error) {
	row := s.db.QueryRow(
		`SELECT id, start_conversation_id, end_conversation_id, summary, created_at
		 FROM checkpoints ORDER BY id DESC LIMIT 1`)
	var cp Checkpoint
	var createdAt string
	if err := row.Scan(&cp.ID, &cp.StartConversationID, &cp.EndConversationID, &cp.Summary, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, storeerr.ErrNotFound
		}
		return nil, fmt.Errorf("store: latest checkpoint: %w", err)
	}
	var err error
	if cp.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &cp, nil
}
