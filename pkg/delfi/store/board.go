// Package store – board.go persists community board posts.
package store

import (
	"fmt"
	"strings"
	"time"
)

// Post is one community board entry.
type Post struct {
	ID       string
	AuthorID string
	Body     string
	Created  time.Time
}

// InsertPost stores a new board post.
func (s *Store) InsertPost(p Post) error {
	if p.Created.IsZero() {
		p.Created = s.now()
	}
	_, err := s.db.Exec(
		`INSERT INTO board_posts (id, author_id, body, created_at) VALUES (?, ?, ?, ?)`,
		p.ID, p.AuthorID, p.Body, formatTime(p.Created))
	if err != nil {
		return fmt.Errorf("inserting board post: %w", err)
	}
	return nil
}

// RecentPosts returns up to limit posts, newest first.
func (s *Store) RecentPosts(limit int) ([]Post, error) {
	rows, err := s.db.Query(
		`SELECT id, author_id, body, created_at FROM board_posts
		 ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing board posts: %w", err)
	}
	defer rows.Close()

	var out []Post
	for rows.Next() {
		var p Post
		var ts string
		if err := rows.Scan(&p.ID, &p.AuthorID, &p.Body, &ts); err != nil {
			return nil, fmt.Errorf("scanning board post: %w", err)
		}
		p.Created = parseTime(ts)
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeletePostByPrefix removes the post whose ID starts with idPrefix,
// but only when authorID wrote it. Returns false when nothing matched.
func (s *Store) DeletePostByPrefix(idPrefix, authorID string) (bool, error) {
	idPrefix = strings.TrimSpace(idPrefix)
	if idPrefix == "" {
		return false, nil
	}
	res, err := s.db.Exec(
		`DELETE FROM board_posts WHERE id LIKE ? || '%' AND author_id = ?`,
		idPrefix, authorID)
	if err != nil {
		return false, fmt.Errorf("deleting board post: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CountPosts reports the number of stored posts.
func (s *Store) CountPosts() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM board_posts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting board posts: %w", err)
	}
	return n, nil
}

// CountPostsBy counts posts by one author created after since. Drives
// the per-sender posting rate limit.
func (s *Store) CountPostsBy(authorID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM board_posts WHERE author_id = ? AND created_at > ?`,
		authorID, formatTime(since)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting posts by %s: %w", authorID, err)
	}
	return n, nil
}

// PurgePostsBefore deletes posts created at or before cutoff.
func (s *Store) PurgePostsBefore(cutoff time.Time) (int, error) {
	res, err := s.db.Exec(
		`DELETE FROM board_posts WHERE created_at <= ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purging board posts: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// PrunePosts keeps the board under maxPosts, dropping oldest first.
func (s *Store) PrunePosts(maxPosts int) (int, error) {
	if maxPosts <= 0 {
		return 0, nil
	}
	res, err := s.db.Exec(
		`DELETE FROM board_posts WHERE id NOT IN (
			SELECT id FROM board_posts ORDER BY created_at DESC LIMIT ?
		)`, maxPosts)
	if err != nil {
		return 0, fmt.Errorf("pruning board posts: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
