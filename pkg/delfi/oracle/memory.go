// Package oracle – memory.go keeps per-sender conversation history so
// the engine prompt can carry recent context. Off by default; mesh
// conversations are short and sporadic, so the ring buffer per sender
// is small and whole conversations expire after a quiet period.
package oracle

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/delfinet/delfi/pkg/delfi/store"
)

// memoryHardCap bounds memory_max_turns whatever the config says.
const memoryHardCap = 50

// exchange is one completed query/answer pair.
type exchange struct {
	user   string
	oracle string
}

type conversation struct {
	turns   []exchange
	touched time.Time
}

// Memory is per-sender conversation history with TTL. With
// persistent_memory it reads and writes through the sqlite store;
// otherwise everything lives in process memory.
type Memory struct {
	maxTurns int
	ttl      time.Duration
	persist  bool
	st       *store.Store
	logger   *slog.Logger
	now      func() time.Time

	mu            sync.Mutex
	conversations map[string]*conversation
}

// NewMemory builds conversation memory from the config. A zero
// memory_max_turns disables the feature entirely.
func NewMemory(cfg *Config, st *store.Store, logger *slog.Logger) *Memory {
	if logger == nil {
		logger = slog.Default()
	}
	maxTurns := cfg.MemoryMaxTurns
	if maxTurns > memoryHardCap {
		maxTurns = memoryHardCap
	}
	return &Memory{
		maxTurns:      maxTurns,
		ttl:           time.Duration(cfg.MemoryTTL) * time.Second,
		persist:       cfg.PersistentMemory,
		st:            st,
		logger:        logger.With("component", "memory"),
		now:           time.Now,
		conversations: make(map[string]*conversation),
	}
}

// Enabled reports whether conversation memory is on.
func (m *Memory) Enabled() bool {
	return m != nil && m.maxTurns > 0
}

// AddExchange records a completed query/answer pair for a sender.
func (m *Memory) AddExchange(senderID, userMsg, oracleMsg string) {
	if !m.Enabled() {
		return
	}

	if m.persist && m.st != nil {
		err := m.st.SaveTurn(store.Turn{SenderID: senderID, Role: "user", Content: userMsg})
		if err == nil {
			err = m.st.SaveTurn(store.Turn{SenderID: senderID, Role: "oracle", Content: oracleMsg})
		}
		if err != nil {
			m.logger.Warn("could not persist conversation turn", "error", err)
		}
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.conversations[senderID]
	if c == nil || m.expired(c) {
		c = &conversation{}
		m.conversations[senderID] = c
	}
	c.turns = append(c.turns, exchange{user: userMsg, oracle: oracleMsg})
	if len(c.turns) > m.maxTurns {
		c.turns = c.turns[len(c.turns)-m.maxTurns:]
	}
	c.touched = m.now()
}

// PromptFragment formats a sender's recent history for the engine
// prompt. Empty string when there is no live history.
func (m *Memory) PromptFragment(senderID string) string {
	turns := m.history(senderID)
	if len(turns) == 0 {
		return ""
	}

	lines := make([]string, 0, 1+2*len(turns))
	lines = append(lines, "Recent conversation with this user:")
	for _, t := range turns {
		lines = append(lines, "User: "+t.user, "Assistant: "+t.oracle)
	}
	return strings.Join(lines, "\n")
}

// Clear wipes history for a single sender.
func (m *Memory) Clear(senderID string) {
	if m == nil {
		return
	}
	if m.persist && m.st != nil {
		if err := m.st.DeleteTurns(senderID); err != nil {
			m.logger.Warn("could not clear conversation turns", "error", err)
		}
	}
	m.mu.Lock()
	delete(m.conversations, senderID)
	m.mu.Unlock()
}

// Cleanup removes expired conversations. Called periodically from the
// scheduler; returns how many entries were dropped.
func (m *Memory) Cleanup() int {
	if !m.Enabled() {
		return 0
	}

	if m.persist && m.st != nil {
		n, err := m.st.PurgeTurnsBefore(m.now().Add(-m.ttl))
		if err != nil {
			m.logger.Warn("could not purge conversation turns", "error", err)
			return 0
		}
		return n
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	dropped := 0
	for id, c := range m.conversations {
		if m.expired(c) {
			delete(m.conversations, id)
			dropped++
		}
	}
	return dropped
}

// ---------- Internal ----------

// history returns a sender's live exchanges, oldest first.
func (m *Memory) history(senderID string) []exchange {
	if !m.Enabled() {
		return nil
	}

	if m.persist && m.st != nil {
		rows, err := m.st.RecentTurns(senderID, m.maxTurns*2, m.ttl)
		if err != nil {
			m.logger.Warn("could not read conversation turns", "error", err)
			return nil
		}
		// Pair user/oracle rows back into exchanges; dangling rows
		// from a crash mid-write are skipped.
		var out []exchange
		var pendingUser string
		var havePending bool
		for _, t := range rows {
			switch t.Role {
			case "user":
				pendingUser = t.Content
				havePending = true
			case "oracle":
				if havePending {
					out = append(out, exchange{user: pendingUser, oracle: t.Content})
					havePending = false
				}
			}
		}
		if len(out) > m.maxTurns {
			out = out[len(out)-m.maxTurns:]
		}
		return out
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.conversations[senderID]
	if c == nil || m.expired(c) {
		return nil
	}
	out := make([]exchange, len(c.turns))
	copy(out, c.turns)
	return out
}

func (m *Memory) expired(c *conversation) bool {
	return m.now().Sub(c.touched) > m.ttl
}
