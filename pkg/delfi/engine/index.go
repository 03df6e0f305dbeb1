// Package engine – index.go maintains the document index: chunked
// knowledge files with their embeddings, persisted through the store
// and held in memory for scoring. Retrieval is hybrid: cosine
// similarity plus a per-keyword distance boost for literal matches.
package engine

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/delfinet/delfi/pkg/delfi/store"
)

// VectorStore persists chunk embeddings across restarts.
type VectorStore interface {
	ReplaceFileChunks(file, fileHash string, chunks []store.DocChunk) error
	DeleteFileChunks(file string) error
	AllChunks() ([]store.DocChunk, error)
	FileHashes() (map[string]string, error)
}

// Embedder turns texts into embedding vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Result is one retrieved chunk with its relevance after keyword
// boosting. Similarity is 1 - adjusted distance.
type Result struct {
	Text       string
	File       string
	Similarity float64
}

type indexedChunk struct {
	file string // base name, for display
	text string
	vec  []float32
}

// Index is the in-memory retrieval index backed by the store.
type Index struct {
	mu       sync.RWMutex
	byFile   map[string][]indexedChunk // file path -> embedded chunks
	hashes   map[string]string         // file path -> content hash
	vectors  VectorStore
	embedder Embedder
	logger   *slog.Logger
}

// NewIndex creates an empty index. Call Load to restore persisted
// chunks before the first IndexFolder pass.
func NewIndex(vectors VectorStore, embedder Embedder, logger *slog.Logger) *Index {
	if logger == nil {
		logger = slog.Default()
	}
	return &Index{
		byFile:   make(map[string][]indexedChunk),
		hashes:   make(map[string]string),
		vectors:  vectors,
		embedder: embedder,
		logger:   logger.With("component", "index"),
	}
}

// Load restores persisted chunks into memory so previously indexed
// files are searchable before the embedder comes up.
func (ix *Index) Load() error {
	hashes, err := ix.vectors.FileHashes()
	if err != nil {
		return fmt.Errorf("loading file hashes: %w", err)
	}
	chunks, err := ix.vectors.AllChunks()
	if err != nil {
		return fmt.Errorf("loading chunks: %w", err)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.hashes = hashes
	ix.byFile = make(map[string][]indexedChunk)
	for _, c := range chunks {
		ix.byFile[c.File] = append(ix.byFile[c.File], indexedChunk{
			file: filepath.Base(c.File),
			text: c.Content,
			vec:  c.Embedding,
		})
	}

	if n := len(chunks); n > 0 {
		ix.logger.Info("index restored", "chunks", n, "files", len(ix.byFile))
	}
	return nil
}

// IndexFolder scans folder recursively and indexes new or changed
// .txt and .md files. Vectors for files deleted from disk are
// removed. Returns the number of files newly indexed.
func (ix *Index) IndexFolder(ctx context.Context, folder string) (int, error) {
	if _, err := os.Stat(folder); err != nil {
		ix.logger.Warn("knowledge folder not found", "folder", folder)
		return 0, nil
	}

	indexed := 0
	current := make(map[string]bool)

	err := filepath.WalkDir(folder, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext != ".txt" && ext != ".md" {
			return nil
		}
		current[path] = true

		changed, err := ix.indexFile(ctx, path)
		if err != nil {
			ix.logger.Error("failed to index file", "file", filepath.Base(path), "error", err)
			return nil
		}
		if changed {
			indexed++
		}
		return nil
	})
	if err != nil {
		return indexed, fmt.Errorf("scanning %s: %w", folder, err)
	}

	ix.removeDeleted(current)

	if indexed > 0 {
		ix.logger.Info("indexed files", "files", indexed, "chunks_total", ix.ChunkCount())
	}
	return indexed, nil
}

// indexFile reads, chunks, embeds, and stores one file. Returns true
// when the file was new or its content changed.
func (ix *Index) indexFile(ctx context.Context, path string) (bool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("reading file: %w", err)
	}
	content := string(raw)

	sum := md5.Sum(raw) // change detection, not integrity
	hash := hex.EncodeToString(sum[:])

	ix.mu.RLock()
	unchanged := ix.hashes[path] == hash
	ix.mu.RUnlock()
	if unchanged {
		return false, nil
	}

	chunks := chunkText(content, defaultChunkSize, defaultChunkOverlap)
	if len(chunks) == 0 {
		return false, nil
	}

	vecs, err := ix.embedder.Embed(ctx, chunks)
	if err != nil {
		return false, fmt.Errorf("embedding %d chunks: %w", len(chunks), err)
	}

	docChunks := make([]store.DocChunk, len(chunks))
	memChunks := make([]indexedChunk, len(chunks))
	base := filepath.Base(path)
	for i, text := range chunks {
		docChunks[i] = store.DocChunk{
			File:      path,
			FileHash:  hash,
			Index:     i,
			Content:   text,
			Embedding: vecs[i],
		}
		memChunks[i] = indexedChunk{file: base, text: text, vec: vecs[i]}
	}

	if err := ix.vectors.ReplaceFileChunks(path, hash, docChunks); err != nil {
		return false, fmt.Errorf("persisting chunks: %w", err)
	}

	ix.mu.Lock()
	ix.hashes[path] = hash
	ix.byFile[path] = memChunks
	ix.mu.Unlock()

	ix.logger.Debug("file indexed", "file", base, "chunks", len(chunks))
	return true, nil
}

// removeDeleted drops vectors for files no longer on disk.
func (ix *Index) removeDeleted(current map[string]bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	for path := range ix.hashes {
		if current[path] {
			continue
		}
		if err := ix.vectors.DeleteFileChunks(path); err != nil {
			ix.logger.Warn("failed to remove deleted file chunks", "file", filepath.Base(path), "error", err)
		}
		delete(ix.hashes, path)
		delete(ix.byFile, path)
		ix.logger.Info("removed deleted file from index", "file", filepath.Base(path))
	}
}

// Search retrieves the topK most relevant chunks for a query. Every
// chunk is scored: cosine distance minus keywordBoost per query
// keyword found literally in the chunk, floored at zero. Chunks with
// adjusted distance above distanceThreshold are dropped.
func (ix *Index) Search(ctx context.Context, query string, topK int) ([]Result, error) {
	if ix.ChunkCount() == 0 {
		return nil, nil
	}
	if topK <= 0 {
		topK = 3
	}

	vecs, err := ix.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	queryVec := vecs[0]
	keywords := extractKeywords(query)

	type candidate struct {
		chunk    indexedChunk
		adjusted float64
	}

	ix.mu.RLock()
	var candidates []candidate
	for _, chunks := range ix.byFile {
		for _, c := range chunks {
			dist := cosineDistance(queryVec, c.vec)
			lower := strings.ToLower(c.text)
			matched := 0
			for _, kw := range keywords {
				if strings.Contains(lower, kw) {
					matched++
				}
			}
			adjusted := math.Max(dist-keywordBoost*float64(matched), 0)
			candidates = append(candidates, candidate{chunk: c, adjusted: adjusted})
		}
	}
	ix.mu.RUnlock()

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].adjusted < candidates[j].adjusted
	})

	var results []Result
	for _, c := range candidates {
		if c.adjusted > distanceThreshold || len(results) >= topK {
			continue
		}
		results = append(results, Result{
			Text:       c.chunk.text,
			File:       c.chunk.file,
			Similarity: 1 - c.adjusted,
		})
	}

	if len(results) > 0 {
		files := make([]string, 0, len(results))
		seen := make(map[string]bool)
		for _, r := range results {
			if !seen[r.File] {
				seen[r.File] = true
				files = append(files, r.File)
			}
		}
		ix.logger.Info("retrieval hit", "chunks", len(results), "files", strings.Join(files, ", "))
	} else {
		ix.logger.Info("no relevant chunks found")
	}
	return results, nil
}

// Topics lists topic names derived from indexed file names: the stem
// with underscores and dots turned into dashes, sorted.
func (ix *Index) Topics() []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	set := make(map[string]bool)
	for path := range ix.hashes {
		base := filepath.Base(path)
		stem := strings.TrimSuffix(base, filepath.Ext(base))
		stem = strings.ReplaceAll(stem, "_", "-")
		stem = strings.ReplaceAll(stem, ".", "-")
		set[stem] = true
	}

	topics := make([]string, 0, len(set))
	for t := range set {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

// ChunkCount is the number of indexed chunks.
func (ix *Index) ChunkCount() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	n := 0
	for _, chunks := range ix.byFile {
		n += len(chunks)
	}
	return n
}

// FileCount is the number of indexed files.
func (ix *Index) FileCount() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.byFile)
}

// cosineDistance returns 1 - cosine similarity. Vectors with zero
// norm are maximally distant.
func cosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 1
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(normA)*math.Sqrt(normB))
}
