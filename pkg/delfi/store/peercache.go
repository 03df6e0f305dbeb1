// Package store – peercache.go persists Q/A pairs received from peer
// nodes during sync, plus the per-peer sync checkpoint.
package store

import (
	"database/sql"
	"fmt"
	"time"
)

// PeerAnswer is one cached question/answer pair learned from a peer.
type PeerAnswer struct {
	ID       int64
	PeerID   string
	PeerName string
	Query    string
	Response string
	Received time.Time
	TTL      time.Duration
}

// SavePeerAnswer inserts a peer-sourced Q/A pair.
func (s *Store) SavePeerAnswer(a PeerAnswer) error {
	if a.Received.IsZero() {
		a.Received = s.now()
	}
	_, err := s.db.Exec(
		`INSERT INTO peer_cache (peer_id, peer_name, query, response, timestamp, ttl)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		a.PeerID, a.PeerName, a.Query, a.Response,
		formatTime(a.Received), int64(a.TTL.Seconds()),
	)
	if err != nil {
		return fmt.Errorf("saving peer answer: %w", err)
	}
	return nil
}

// RecentPeerAnswers returns up to limit unexpired entries, newest
// first. Expired rows encountered along the way are deleted.
func (s *Store) RecentPeerAnswers(limit int) ([]PeerAnswer, error) {
	if err := s.purgeExpiredPeerAnswers(); err != nil {
		return nil, err
	}

	rows, err := s.db.Query(
		`SELECT id, peer_id, peer_name, query, response, timestamp, ttl
		 FROM peer_cache ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing peer answers: %w", err)
	}
	defer rows.Close()

	return scanPeerAnswers(rows)
}

// PeerAnswersSince returns this node's peer-cache entries received
// after since and no older than maxAge, oldest first. Used when
// serving a sync request from a peer.
func (s *Store) PeerAnswersSince(since time.Time, maxAge time.Duration) ([]PeerAnswer, error) {
	floor := s.now().Add(-maxAge)
	if since.After(floor) {
		floor = since
	}

	rows, err := s.db.Query(
		`SELECT id, peer_id, peer_name, query, response, timestamp, ttl
		 FROM peer_cache WHERE timestamp > ? ORDER BY timestamp ASC`,
		formatTime(floor))
	if err != nil {
		return nil, fmt.Errorf("listing peer answers since %s: %w", floor, err)
	}
	defer rows.Close()

	return scanPeerAnswers(rows)
}

// CountPeerAnswers reports the number of stored entries.
func (s *Store) CountPeerAnswers() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM peer_cache`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting peer answers: %w", err)
	}
	return n, nil
}

// PrunePeerAnswers keeps the cache under maxEntries by deleting the
// oldest rows first. Returns the number of rows removed.
func (s *Store) PrunePeerAnswers(maxEntries int) (int, error) {
	if maxEntries <= 0 {
		return 0, nil
	}
	res, err := s.db.Exec(
		`DELETE FROM peer_cache WHERE id NOT IN (
			SELECT id FROM peer_cache ORDER BY timestamp DESC LIMIT ?
		)`, maxEntries)
	if err != nil {
		return 0, fmt.Errorf("pruning peer answers: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// DeletePeerAnswers removes every entry sourced from one peer.
func (s *Store) DeletePeerAnswers(peerID string) error {
	if _, err := s.db.Exec(`DELETE FROM peer_cache WHERE peer_id = ?`, peerID); err != nil {
		return fmt.Errorf("deleting peer answers for %s: %w", peerID, err)
	}
	return nil
}

func (s *Store) purgeExpiredPeerAnswers() error {
	// ttl is seconds; julianday arithmetic keeps the comparison in SQL.
	_, err := s.db.Exec(
		`DELETE FROM peer_cache
		 WHERE (julianday(?) - julianday(timestamp)) * 86400 > ttl`,
		formatTime(s.now()))
	if err != nil {
		return fmt.Errorf("purging expired peer answers: %w", err)
	}
	return nil
}

func scanPeerAnswers(rows *sql.Rows) ([]PeerAnswer, error) {
	var out []PeerAnswer
	for rows.Next() {
		var a PeerAnswer
		var ts string
		var ttlSec int64
		if err := rows.Scan(&a.ID, &a.PeerID, &a.PeerName, &a.Query, &a.Response, &ts, &ttlSec); err != nil {
			return nil, fmt.Errorf("scanning peer answer: %w", err)
		}
		a.Received = parseTime(ts)
		a.TTL = time.Duration(ttlSec) * time.Second
		out = append(out, a)
	}
	return out, rows.Err()
}

// LastSyncPoint returns when this node last synced with a peer.
// The zero time means never.
func (s *Store) LastSyncPoint(peerID string) (time.Time, error) {
	var ts string
	err := s.db.QueryRow(
		`SELECT last_sync_at FROM sync_points WHERE peer_id = ?`, peerID).Scan(&ts)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("reading sync point for %s: %w", peerID, err)
	}
	return parseTime(ts), nil
}

// SetSyncPoint records the completion time of a sync with a peer.
func (s *Store) SetSyncPoint(peerID string, at time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO sync_points (peer_id, last_sync_at) VALUES (?, ?)
		 ON CONFLICT(peer_id) DO UPDATE SET last_sync_at = excluded.last_sync_at`,
		peerID, formatTime(at))
	if err != nil {
		return fmt.Errorf("recording sync point for %s: %w", peerID, err)
	}
	return nil
}
