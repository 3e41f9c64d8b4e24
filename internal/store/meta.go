package store

import (
	"database/sql"
	"fmt"
)

// SetMeta upserts a single key/value pair in the meta table, a loosely-typed
// key/value register for counters and small persisted scalars — here it
// backs the health state machine's fields, which must survive a Guardian
// restart.
func (s *Store) SetMeta(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO meta (key, value) VALUES (?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("store: set meta %s: %w", key, err)
	}
	return nil
}

// GetMeta returns the value for key and whether it was present.
func (s *Store) GetMeta(key string) (string, bool, error) {
	row := s.db.QueryRow(`SELECT value FROM meta WHERE key = ?`, key)
	var v string
	if err := row.Scan(&v); err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, fmt.Errorf("store: get meta %s: %w", key, err)
	}
	return v, true, nil
}
