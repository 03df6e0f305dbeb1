// Package knowledge implements the three-tier knowledge system shared
// between oracles: Operator (local docs, full authority), Peer (cached
// answers from configured peers), and Gossip (topic metadata only).
// Resolution always prefers the highest tier that matches; gossip never
// answers a question directly, it only produces referrals.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/delfinet/delfi/pkg/delfi/engine"
	"github.com/delfinet/delfi/pkg/delfi/store"
)

// Tier orders knowledge sources by trust. Higher wins.
type Tier int

const (
	TierGossip Tier = iota + 1
	TierPeer
	TierOperator
)

func (t Tier) String() string {
	switch t {
	case TierOperator:
		return "operator"
	case TierPeer:
		return "peer"
	case TierGossip:
		return "gossip"
	default:
		return "unknown"
	}
}

// Errors surfaced by ingestion.
var (
	// ErrUntrustedPeer means the entry came from a node not in the
	// configured peer list.
	ErrUntrustedPeer = errors.New("node is not a configured peer")

	// ErrContradiction means a peer entry covers a topic the local
	// docs are authoritative for, and reject_contradictions is on.
	ErrContradiction = errors.New("peer entry contradicts operator knowledge")
)

// Config is the mesh_knowledge section of the daemon config.
type Config struct {
	Gossip               GossipConfig `yaml:"gossip"`
	Peers                []PeerConfig `yaml:"peers"`
	Sync                 SyncConfig   `yaml:"sync"`
	ServeToPeers         bool         `yaml:"serve_to_peers"`
	TagResponses         bool         `yaml:"tag_responses"`
	RejectContradictions bool         `yaml:"reject_contradictions"`
}

// GossipConfig controls topic announcements.
type GossipConfig struct {
	Enabled bool `yaml:"enabled"`

	// AnnounceInterval is the seconds between our own announcements.
	AnnounceInterval int `yaml:"announce_interval"`

	// DirectoryTTL is the seconds a heard node stays in the
	// directory without re-announcing.
	DirectoryTTL int `yaml:"directory_ttl"`
}

// PeerConfig names one trusted peer. The node ID is the identity;
// the name is a display label.
type PeerConfig struct {
	NodeID string `yaml:"node_id"`
	Name   string `yaml:"name"`
}

// SyncConfig controls the scheduled peer cache exchange.
type SyncConfig struct {
	Enabled bool `yaml:"enabled"`

	// WindowStart and WindowEnd bound the daily sync window, "HH:MM".
	WindowStart string `yaml:"window_start"`
	WindowEnd   string `yaml:"window_end"`

	// MaxCacheAge is the oldest entry worth requesting, e.g. "7d".
	MaxCacheAge string `yaml:"max_cache_age"`

	// MaxCacheEntries bounds the peer cache table.
	MaxCacheEntries int `yaml:"max_cache_entries"`
}

// DefaultConfig returns the mesh_knowledge defaults: everything
// passive, trust the operator, tag what peers said.
func DefaultConfig() Config {
	return Config{
		Gossip: GossipConfig{
			Enabled:          false,
			AnnounceInterval: 14400,
			DirectoryTTL:     86400,
		},
		Sync: SyncConfig{
			Enabled:         false,
			WindowStart:     "02:00",
			WindowEnd:       "05:00",
			MaxCacheAge:     "7d",
			MaxCacheEntries: 500,
		},
		ServeToPeers:         false,
		TagResponses:         true,
		RejectContradictions: true,
	}
}

// OperatorSource is the Operator tier: the local document index.
type OperatorSource interface {
	Retrieve(ctx context.Context, query string) []engine.Result
	Topics() []string
}

// Sender transmits one direct message; wired to the oracle's
// outbound queue.
type Sender func(to, text string)

// PeerEntry is one Q/A pair offered by a peer during sync.
type PeerEntry struct {
	PeerID   string
	PeerName string
	Query    string
	Response string
	Received time.Time
}

// Resolution is the outcome of resolving a query against the tiers.
// Exactly one of Chunks, Peer, or Referral is populated, matching
// the Tier.
type Resolution struct {
	Tier     Tier
	Chunks   []engine.Result
	Peer     *PeerMatch
	Referral string
}

// TrustStore owns the Peer and Gossip tiers and fronts the Operator
// tier for resolution.
type TrustStore struct {
	cfg      Config
	st       *store.Store
	operator OperatorSource
	dir      *Directory
	logger   *slog.Logger

	// mu serializes peer-tier writes so a sync exchange holds the
	// store exclusively against any other ingest.
	mu sync.Mutex

	selfMu sync.Mutex
	selfID string
}

// New builds the trust store. The gossip directory persists under
// dataDir.
func New(cfg Config, st *store.Store, operator OperatorSource, dataDir string, logger *slog.Logger) *TrustStore {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "knowledge")

	ttl := time.Duration(cfg.Gossip.DirectoryTTL) * time.Second
	if ttl <= 0 {
		ttl = 86400 * time.Second
	}
	dir := NewDirectory(filepath.Join(dataDir, "node-directory.json"), ttl, logger)

	return &TrustStore{
		cfg:      cfg,
		st:       st,
		operator: operator,
		dir:      dir,
		logger:   logger,
	}
}

// Config returns the mesh_knowledge configuration in effect.
func (ts *TrustStore) Config() Config { return ts.cfg }

// Directory exposes the gossip directory.
func (ts *TrustStore) Directory() *Directory { return ts.dir }

// SetSelfID records our own radio node ID so resolution and sync
// never treat our own cached answers as peer knowledge.
func (ts *TrustStore) SetSelfID(id string) {
	ts.selfMu.Lock()
	ts.selfID = id
	ts.selfMu.Unlock()
}

// SelfID returns our radio node ID, empty before the link reports it.
func (ts *TrustStore) SelfID() string {
	ts.selfMu.Lock()
	defer ts.selfMu.Unlock()
	return ts.selfID
}

// Resolve returns the highest-precedence tier with a match, or nil.
// Operator retrieval runs outside the store lock: it calls the
// embedder and can take a while.
func (ts *TrustStore) Resolve(ctx context.Context, query string) *Resolution {
	if chunks := ts.operator.Retrieve(ctx, query); len(chunks) > 0 {
		return &Resolution{Tier: TierOperator, Chunks: chunks}
	}

	ts.mu.Lock()
	match := ts.matchPeerCache(query)
	ts.mu.Unlock()
	if match != nil {
		return &Resolution{Tier: TierPeer, Peer: match}
	}

	if referral, ok := ts.dir.Referral(query); ok {
		return &Resolution{Tier: TierGossip, Referral: referral}
	}
	return nil
}

// IngestPeerEntry stores one peer Q/A pair, enforcing trust rules:
// only configured peers, and no contradictions of operator knowledge
// when reject_contradictions is on.
func (ts *TrustStore) IngestPeerEntry(entry PeerEntry) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.ingestLocked(entry)
}

func (ts *TrustStore) ingestLocked(entry PeerEntry) error {
	if !ts.IsTrustedPeer(entry.PeerID) {
		ts.logger.Debug("ignoring answer from untrusted node", "node_id", entry.PeerID)
		return ErrUntrustedPeer
	}

	if ts.cfg.RejectContradictions && ts.contradictsOperator(entry.Query) {
		ts.logger.Info("rejected contradicting peer entry",
			"peer", entry.PeerName, "query", preview(entry.Query, 50))
		return ErrContradiction
	}

	received := entry.Received
	if received.IsZero() {
		received = time.Now()
	}
	err := ts.st.SavePeerAnswer(store.PeerAnswer{
		PeerID:   entry.PeerID,
		PeerName: entry.PeerName,
		Query:    entry.Query,
		Response: entry.Response,
		Received: received,
		TTL:      ts.cacheTTL(),
	})
	if err != nil {
		return fmt.Errorf("storing peer answer: %w", err)
	}

	if max := ts.cfg.Sync.MaxCacheEntries; max > 0 {
		if _, err := ts.st.PrunePeerAnswers(max); err != nil {
			ts.logger.Warn("peer cache prune failed", "error", err)
		}
	}

	ts.logger.Info("cached peer answer", "peer", entry.PeerName, "query", preview(entry.Query, 50))
	return nil
}

// SaveOwnAnswer persists one of our own answers into the shareable
// cache, so sync can offer it to peers. Only meaningful when
// serve_to_peers is on.
func (ts *TrustStore) SaveOwnAnswer(nodeName, query, response string) {
	if !ts.cfg.ServeToPeers {
		return
	}
	self := ts.SelfID()
	if self == "" {
		return
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	err := ts.st.SavePeerAnswer(store.PeerAnswer{
		PeerID:   self,
		PeerName: nodeName,
		Query:    query,
		Response: response,
		Received: time.Now(),
		TTL:      ts.cacheTTL(),
	})
	if err != nil {
		ts.logger.Warn("failed to cache own answer for sync", "error", err)
		return
	}
	if max := ts.cfg.Sync.MaxCacheEntries; max > 0 {
		ts.st.PrunePeerAnswers(max)
	}
}

// IsTrustedPeer reports whether the node ID is in the configured
// peer list.
func (ts *TrustStore) IsTrustedPeer(nodeID string) bool {
	for _, p := range ts.cfg.Peers {
		if p.NodeID == nodeID {
			return true
		}
	}
	return false
}

// PeerName returns the display name for a configured peer, falling
// back to the node ID.
func (ts *TrustStore) PeerName(nodeID string) string {
	for _, p := range ts.cfg.Peers {
		if p.NodeID == nodeID && p.Name != "" {
			return p.Name
		}
	}
	return nodeID
}

// PeerNames lists configured peer names for status display.
func (ts *TrustStore) PeerNames() []string {
	names := make([]string, 0, len(ts.cfg.Peers))
	for _, p := range ts.cfg.Peers {
		if p.Name != "" {
			names = append(names, p.Name)
		} else {
			names = append(names, p.NodeID)
		}
	}
	return names
}

// contradictsOperator reports whether the local docs are
// authoritative for any topic the query touches. Peer answers on
// those topics are the contradiction case: the operator's documents
// win, so the peer entry is refused.
func (ts *TrustStore) contradictsOperator(query string) bool {
	queryWords := wordSet(query)
	if len(queryWords) == 0 {
		return false
	}
	for _, topic := range ts.operator.Topics() {
		for _, w := range strings.Fields(strings.ReplaceAll(strings.ToLower(topic), "-", " ")) {
			if _, ok := queryWords[w]; ok {
				return true
			}
		}
	}
	return false
}

func wordSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(text)) {
		set[w] = struct{}{}
	}
	return set
}

func preview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
