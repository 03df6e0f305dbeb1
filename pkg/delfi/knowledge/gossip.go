// Package knowledge – gossip.go is the Tier 3 node directory: parsed
// DEL-FI announcements from other oracles, decayed by TTL, persisted
// as JSON so a restart doesn't forget the neighborhood.
package knowledge

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// protocolVersion is the gossip wire version. Announcements with a
// different version are ignored.
const protocolVersion = 1

// framePrefix marks every inter-oracle control message.
const framePrefix = "DEL-FI:"

// NodeInfo is what we know about one heard node.
type NodeInfo struct {
	Name     string    `json:"name"`
	Version  int       `json:"version"`
	Topics   string    `json:"topics,omitempty"` // comma-joined, as announced
	Model    string    `json:"model,omitempty"`
	LastSeen time.Time `json:"last_seen"`
}

// Directory is the gossip node directory.
type Directory struct {
	mu     sync.Mutex
	nodes  map[string]NodeInfo
	file   string
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewDirectory loads the persisted directory, or starts empty.
func NewDirectory(file string, ttl time.Duration, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Directory{
		nodes:  make(map[string]NodeInfo),
		file:   file,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
	}
	d.load()
	return d
}

// IsControlFrame reports whether a message is inter-oracle protocol
// traffic rather than a user message.
func IsControlFrame(text string) bool {
	return strings.HasPrefix(text, framePrefix)
}

// FormatAnnouncement builds this node's gossip announcement.
func FormatAnnouncement(nodeName, model string, topics []string) string {
	return fmt.Sprintf("DEL-FI:%d:ANNOUNCE:%s:topics=%s:model=%s",
		protocolVersion, nodeName, strings.Join(topics, ","), model)
}

// parseAnnouncement decodes DEL-FI:1:ANNOUNCE:NAME:key=val:... into
// node info. Returns false for malformed or incompatible frames.
func parseAnnouncement(text string, now time.Time) (NodeInfo, bool) {
	if !strings.HasPrefix(text, framePrefix) {
		return NodeInfo{}, false
	}
	parts := strings.Split(text, ":")
	if len(parts) < 4 {
		return NodeInfo{}, false
	}

	version, err := strconv.Atoi(parts[1])
	if err != nil || version != protocolVersion {
		return NodeInfo{}, false
	}
	if parts[2] != "ANNOUNCE" {
		return NodeInfo{}, false
	}

	info := NodeInfo{Name: parts[3], Version: version, LastSeen: now}
	for _, part := range parts[4:] {
		key, val, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		switch key {
		case "topics":
			info.Topics = val
		case "model":
			info.Model = val
		}
	}
	return info, true
}

// HandleAnnouncement upserts the announcing node. The topic list is
// replaced wholesale, never merged, so dropped topics disappear.
// Returns false if the frame wasn't a valid announcement.
func (d *Directory) HandleAnnouncement(nodeID, text string) bool {
	info, ok := parseAnnouncement(text, d.now())
	if !ok {
		return false
	}

	d.mu.Lock()
	d.nodes[nodeID] = info
	d.expireLocked()
	d.saveLocked()
	d.mu.Unlock()

	d.logger.Info("gossip heard", "name", info.Name, "node_id", nodeID)
	return true
}

// Sweep evicts nodes that haven't announced within the TTL and
// returns how many were dropped.
func (d *Directory) Sweep() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	evicted := d.expireLocked()
	if evicted > 0 {
		d.saveLocked()
	}
	return evicted
}

func (d *Directory) expireLocked() int {
	cutoff := d.now().Add(-d.ttl)
	evicted := 0
	for id, info := range d.nodes {
		if info.LastSeen.Before(cutoff) {
			delete(d.nodes, id)
			evicted++
		}
	}
	return evicted
}

// Info returns what we know about one node.
func (d *Directory) Info(nodeID string) (NodeInfo, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	info, ok := d.nodes[nodeID]
	return info, ok
}

// All returns a copy of the directory.
func (d *Directory) All() map[string]NodeInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]NodeInfo, len(d.nodes))
	for id, info := range d.nodes {
		out[id] = info
	}
	return out
}

// Len is the number of nodes currently in the directory.
func (d *Directory) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.nodes)
}

// Referral checks the directory for a node advertising a topic the
// query touches, and formats the referral message. Node IDs are
// walked in sorted order so the answer is stable.
func (d *Directory) Referral(query string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	words := wordSet(query)
	if len(words) == 0 || len(d.nodes) == 0 {
		return "", false
	}

	ids := make([]string, 0, len(d.nodes))
	for id := range d.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		info := d.nodes[id]
		if info.Topics == "" {
			continue
		}
		for _, topic := range strings.Split(strings.ToLower(info.Topics), ",") {
			for w := range wordSet(strings.ReplaceAll(topic, "-", " ")) {
				if _, hit := words[w]; hit {
					name := info.Name
					if name == "" {
						name = id
					}
					return fmt.Sprintf(
						"I don't have docs on that. %s advertises: %s. Try DMing them directly.",
						name, info.Topics), true
				}
			}
		}
	}
	return "", false
}

// FormatPeers renders the !peers response: configured peers first
// with any gossiped topics, then nearby un-peered nodes.
func (ts *TrustStore) FormatPeers() string {
	var parts []string
	peerIDs := make(map[string]bool)

	if len(ts.cfg.Peers) > 0 {
		parts = append(parts, "Peered:")
		for _, p := range ts.cfg.Peers {
			peerIDs[p.NodeID] = true
			name := p.Name
			if name == "" {
				name = p.NodeID
			}
			if info, ok := ts.dir.Info(p.NodeID); ok && info.Topics != "" {
				parts = append(parts, fmt.Sprintf("  %s (%s)", name, info.Topics))
			} else {
				parts = append(parts, "  "+name)
			}
		}
	}

	nearby := ts.dir.All()
	ids := make([]string, 0, len(nearby))
	for id := range nearby {
		if !peerIDs[id] {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	if len(ids) > 0 {
		parts = append(parts, "Nearby:")
		for _, id := range ids {
			info := nearby[id]
			name := info.Name
			if name == "" {
				name = id
			}
			if info.Topics != "" {
				parts = append(parts, fmt.Sprintf("  %s (%s)", name, info.Topics))
			} else {
				parts = append(parts, "  "+name)
			}
		}
	}

	if len(parts) == 0 {
		return "No peers configured and no nearby nodes heard."
	}
	return strings.Join(parts, "\n")
}

// ---------- Persistence ----------

func (d *Directory) load() {
	data, err := os.ReadFile(d.file)
	if err != nil {
		return
	}
	var nodes map[string]NodeInfo
	if err := json.Unmarshal(data, &nodes); err != nil {
		d.logger.Warn("corrupt node directory, starting empty", "error", err)
		return
	}
	d.nodes = nodes
	if len(nodes) > 0 {
		d.logger.Info("node directory loaded", "nodes", len(nodes))
	}
}

func (d *Directory) saveLocked() {
	data, err := json.MarshalIndent(d.nodes, "", "  ")
	if err != nil {
		return
	}
	if err := os.WriteFile(d.file, data, 0o644); err != nil {
		d.logger.Warn("failed to save node directory", "error", err)
	}
}
