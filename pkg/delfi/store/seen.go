// Package store – seen.go tracks which senders have contacted this
// node before, so the welcome footer goes out exactly once.
package store

import (
	"database/sql"
	"fmt"
)

// SeenBefore reports whether senderID has ever messaged this node.
func (s *Store) SeenBefore(senderID string) (bool, error) {
	var one int
	err := s.db.QueryRow(
		`SELECT 1 FROM seen_senders WHERE sender_id = ?`, senderID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking seen sender: %w", err)
	}
	return true, nil
}

// MarkSeen records first contact with a sender. Idempotent.
func (s *Store) MarkSeen(senderID string) error {
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO seen_senders (sender_id, first_seen) VALUES (?, ?)`,
		senderID, formatTime(s.now()))
	if err != nil {
		return fmt.Errorf("marking sender seen: %w", err)
	}
	return nil
}

// CountSeenSenders reports how many distinct senders have made contact.
func (s *Store) CountSeenSenders() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM seen_senders`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting seen senders: %w", err)
	}
	return n, nil
}
