// Package store – vectors.go persists document chunks and their
// embeddings so the retrieval index survives restarts without
// re-embedding the whole knowledge folder.
package store

import (
	"encoding/binary"
	"fmt"
	"math"
)

// DocChunk is one embedded slice of a knowledge file.
type DocChunk struct {
	File      string
	FileHash  string
	Index     int
	Content   string
	Embedding []float32
}

// ReplaceFileChunks atomically swaps the stored chunks for one file.
func (s *Store) ReplaceFileChunks(file, hash string, chunks []DocChunk) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("starting chunk replace: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM doc_chunks WHERE file = ?`, file); err != nil {
		return fmt.Errorf("clearing old chunks for %s: %w", file, err)
	}

	for i, c := range chunks {
		id := fmt.Sprintf("%s::chunk%d", file, i)
		_, err := tx.Exec(
			`INSERT INTO doc_chunks (id, file, file_hash, chunk_idx, content, embedding)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			id, file, hash, i, c.Content, encodeEmbedding(c.Embedding))
		if err != nil {
			return fmt.Errorf("inserting chunk %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing chunk replace: %w", err)
	}
	return nil
}

// DeleteFileChunks removes every chunk belonging to a file.
func (s *Store) DeleteFileChunks(file string) error {
	if _, err := s.db.Exec(`DELETE FROM doc_chunks WHERE file = ?`, file); err != nil {
		return fmt.Errorf("deleting chunks for %s: %w", file, err)
	}
	return nil
}

// AllChunks loads the whole index, ordered by file and position.
func (s *Store) AllChunks() ([]DocChunk, error) {
	rows, err := s.db.Query(
		`SELECT file, file_hash, chunk_idx, content, embedding
		 FROM doc_chunks ORDER BY file, chunk_idx`)
	if err != nil {
		return nil, fmt.Errorf("loading chunks: %w", err)
	}
	defer rows.Close()

	var out []DocChunk
	for rows.Next() {
		var c DocChunk
		var blob []byte
		if err := rows.Scan(&c.File, &c.FileHash, &c.Index, &c.Content, &blob); err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		c.Embedding = decodeEmbedding(blob)
		out = append(out, c)
	}
	return out, rows.Err()
}

// FileHashes returns the stored content hash per indexed file, used
// for change detection before re-embedding.
func (s *Store) FileHashes() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT file, file_hash FROM doc_chunks`)
	if err != nil {
		return nil, fmt.Errorf("loading file hashes: %w", err)
	}
	defer rows.Close()

	hashes := make(map[string]string)
	for rows.Next() {
		var file, hash string
		if err := rows.Scan(&file, &hash); err != nil {
			return nil, fmt.Errorf("scanning file hash: %w", err)
		}
		hashes[file] = hash
	}
	return hashes, rows.Err()
}

// CountChunks reports the number of indexed chunks.
func (s *Store) CountChunks() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM doc_chunks`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting chunks: %w", err)
	}
	return n, nil
}

// Embeddings are stored as little-endian float32 blobs: 4 bytes per
// dimension, no header.
func encodeEmbedding(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeEmbedding(buf []byte) []float32 {
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v
}
