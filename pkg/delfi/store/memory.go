// Package store – memory.go persists conversation turns when the
// operator enables durable memory.
package store

import (
	"fmt"
	"time"
)

// Turn is one side of a conversation exchange.
type Turn struct {
	SenderID string
	Role     string // "user" or "oracle"
	Content  string
	Created  time.Time
}

// SaveTurn appends a conversation turn for a sender.
func (s *Store) SaveTurn(t Turn) error {
	if t.Created.IsZero() {
		t.Created = s.now()
	}
	_, err := s.db.Exec(
		`INSERT INTO memory_turns (sender_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		t.SenderID, t.Role, t.Content, formatTime(t.Created))
	if err != nil {
		return fmt.Errorf("saving conversation turn: %w", err)
	}
	return nil
}

// RecentTurns returns a sender's last max turns, oldest first, skipping
// anything older than maxAge.
func (s *Store) RecentTurns(senderID string, max int, maxAge time.Duration) ([]Turn, error) {
	cutoff := s.now().Add(-maxAge)
	rows, err := s.db.Query(
		`SELECT sender_id, role, content, created_at FROM (
			SELECT id, sender_id, role, content, created_at FROM memory_turns
			WHERE sender_id = ? AND created_at > ?
			ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`,
		senderID, formatTime(cutoff), max)
	if err != nil {
		return nil, fmt.Errorf("listing conversation turns: %w", err)
	}
	defer rows.Close()

	var out []Turn
	for rows.Next() {
		var t Turn
		var ts string
		if err := rows.Scan(&t.SenderID, &t.Role, &t.Content, &ts); err != nil {
			return nil, fmt.Errorf("scanning conversation turn: %w", err)
		}
		t.Created = parseTime(ts)
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteTurns forgets a sender's conversation history.
func (s *Store) DeleteTurns(senderID string) error {
	if _, err := s.db.Exec(`DELETE FROM memory_turns WHERE sender_id = ?`, senderID); err != nil {
		return fmt.Errorf("deleting conversation turns: %w", err)
	}
	return nil
}

// PurgeTurnsBefore drops turns older than cutoff across all senders.
func (s *Store) PurgeTurnsBefore(cutoff time.Time) (int, error) {
	res, err := s.db.Exec(
		`DELETE FROM memory_turns WHERE created_at <= ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purging conversation turns: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
