// Package mesh – tcp.go implements the meshtastic bridge adapter:
// newline-delimited JSON frames over a TCP socket to the bridge
// process that owns the radio. The adapter reconnects on link loss,
// deduplicates radio retransmits, and drops broadcasts and our own
// echoes before they reach the oracle.
package mesh

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/delfinet/delfi/pkg/delfi/format"
)

const (
	dialTimeout       = 10 * time.Second
	reconnectInterval = 10 * time.Second

	// Inter-chunk delay when the safety-net splitter fires, so an
	// oversized send does not flood the airwaves.
	interChunkDelay = 3 * time.Second

	seenMax  = 1000
	seenKeep = 500
)

// bridgeFrame is one JSON line on the bridge socket, both directions.
type bridgeFrame struct {
	Type      string `json:"type"` // hello, message, send, auth
	ID        string `json:"id,omitempty"`
	NodeID    string `json:"node_id,omitempty"`
	From      string `json:"from,omitempty"`
	FromName  string `json:"from_name,omitempty"`
	To        string `json:"to,omitempty"`
	Text      string `json:"text,omitempty"`
	Token     string `json:"token,omitempty"`
	Broadcast bool   `json:"broadcast,omitempty"`
}

// TCP is the meshtastic bridge adapter.
type TCP struct {
	cfg      Config
	maxFrame int
	logger   *slog.Logger

	messages chan *Message

	mu   sync.Mutex
	conn net.Conn

	// seen holds recent packet IDs for retransmit dedup, trimmed to
	// the newest half once it hits seenMax.
	seenMu    sync.Mutex
	seen      map[string]struct{}
	seenOrder []string

	connected  atomic.Bool
	selfID     atomic.Value // string, learned from the hello frame
	lastMsg    atomic.Value // time.Time
	errorCount atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
}

// NewTCP creates a bridge adapter. maxFrameBytes caps a single radio
// frame; longer sends are split as a safety net.
func NewTCP(cfg Config, maxFrameBytes int, logger *slog.Logger) *TCP {
	if logger == nil {
		logger = slog.Default()
	}
	if maxFrameBytes <= 0 {
		maxFrameBytes = 230
	}
	return &TCP{
		cfg:      cfg,
		maxFrame: maxFrameBytes,
		logger:   logger.With("component", "bridge"),
		messages: make(chan *Message, 256),
		seen:     make(map[string]struct{}),
	}
}

// ---------- Adapter interface ----------

// Name returns "bridge".
func (t *TCP) Name() string { return "bridge" }

// Connect dials the bridge and starts the read loop. The read loop
// keeps reconnecting every 10 seconds if the link drops later.
func (t *TCP) Connect(ctx context.Context) error {
	if t.cfg.Address == "" {
		return fmt.Errorf("bridge: address is required")
	}
	t.ctx, t.cancel = context.WithCancel(ctx)

	if err := t.dial(); err != nil {
		return fmt.Errorf("bridge: %w: %v", ErrConnectFailed, err)
	}
	go t.readLoop()
	return nil
}

// Disconnect closes the link and stops the read loop.
func (t *TCP) Disconnect() error {
	if t.cancel != nil {
		t.cancel()
	}
	t.connected.Store(false)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		err := t.conn.Close()
		t.conn = nil
		return err
	}
	return nil
}

// Send transmits a direct message. Text longer than one radio frame
// is split here as a last resort; the formatter upstream should
// already have chunked it.
func (t *TCP) Send(ctx context.Context, to, text string) error {
	if !t.connected.Load() {
		return fmt.Errorf("bridge: %w", ErrNotConnected)
	}

	if len(text) <= t.maxFrame {
		return t.sendOne(to, text)
	}

	chunks := format.ChunkText(text, t.maxFrame)
	t.logger.Warn("oversized send split at adapter", "to", to, "chunks", len(chunks))
	for i, chunk := range chunks {
		if err := t.sendOne(to, chunk); err != nil {
			return err
		}
		if i < len(chunks)-1 {
			select {
			case <-time.After(interChunkDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

// Receive returns the incoming message channel.
func (t *TCP) Receive() <-chan *Message {
	return t.messages
}

// IsConnected returns true while the bridge socket is up.
func (t *TCP) IsConnected() bool {
	return t.connected.Load()
}

// Health returns the adapter health status.
func (t *TCP) Health() HealthStatus {
	status := HealthStatus{
		Connected:  t.connected.Load(),
		ErrorCount: int(t.errorCount.Load()),
		Details: map[string]any{
			"address": t.cfg.Address,
		},
	}
	if v, ok := t.lastMsg.Load().(time.Time); ok {
		status.LastMessageAt = v
	}
	if id, ok := t.selfID.Load().(string); ok {
		status.Details["node_id"] = id
	}
	return status
}

// SelfID returns our radio node ID, empty until the bridge says hello.
func (t *TCP) SelfID() string {
	if id, ok := t.selfID.Load().(string); ok {
		return id
	}
	return ""
}

// ---------- Link management ----------

func (t *TCP) dial() error {
	conn, err := net.DialTimeout("tcp", t.cfg.Address, dialTimeout)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.conn != nil {
		t.conn.Close()
	}
	t.conn = conn
	t.mu.Unlock()

	if t.cfg.AuthToken != "" {
		if err := t.writeFrame(bridgeFrame{Type: "auth", Token: t.cfg.AuthToken}); err != nil {
			return fmt.Errorf("sending auth: %w", err)
		}
	}

	t.connected.Store(true)
	t.logger.Info("bridge connected", "address", t.cfg.Address)
	return nil
}

func (t *TCP) currentConn() net.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}

// readLoop consumes frames until the context dies, reconnecting
// whenever the socket drops.
func (t *TCP) readLoop() {
	for {
		conn := t.currentConn()
		if conn == nil {
			return
		}

		scanner := bufio.NewScanner(conn)
		scanner.Buffer(make([]byte, 0, 4096), 64*1024)
		for scanner.Scan() {
			t.handleLine(scanner.Bytes())
		}

		t.connected.Store(false)
		if t.ctx.Err() != nil {
			return
		}
		t.logger.Warn("bridge link lost, reconnecting", "interval", reconnectInterval)
		if !t.reconnect() {
			return
		}
	}
}

func (t *TCP) reconnect() bool {
	ticker := time.NewTicker(reconnectInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.ctx.Done():
			return false
		case <-ticker.C:
			if err := t.dial(); err != nil {
				t.errorCount.Add(1)
				t.logger.Warn("reconnect failed", "error", err)
				continue
			}
			return true
		}
	}
}

// ---------- Frame handling ----------

func (t *TCP) handleLine(line []byte) {
	var frame bridgeFrame
	if err := json.Unmarshal(line, &frame); err != nil {
		t.errorCount.Add(1)
		t.logger.Warn("bad frame from bridge", "error", err)
		return
	}

	switch frame.Type {
	case "hello":
		t.selfID.Store(frame.NodeID)
		t.logger.Info("bridge hello", "node_id", frame.NodeID)

	case "message":
		t.handleMessage(frame)

	default:
		t.logger.Debug("ignoring bridge frame", "type", frame.Type)
	}
}

func (t *TCP) handleMessage(frame bridgeFrame) {
	if frame.From == "" || frame.Text == "" {
		return
	}

	// Never answer our own transmissions echoed back.
	if self, ok := t.selfID.Load().(string); ok && frame.From == self {
		return
	}

	if t.alreadySeen(frame.ID) {
		return
	}

	// Broadcasts: log but don't respond.
	if frame.Broadcast {
		t.logger.Info("broadcast heard", "from", frame.From, "text", preview(frame.Text, 60))
		return
	}

	now := time.Now()
	t.lastMsg.Store(now)

	msg := &Message{
		ID:        frame.ID,
		From:      frame.From,
		FromName:  frame.FromName,
		Content:   frame.Text,
		Timestamp: now,
	}

	select {
	case t.messages <- msg:
	default:
		t.errorCount.Add(1)
		t.logger.Warn("inbound queue full, dropping message", "from", frame.From)
	}
}

// alreadySeen records the packet ID and reports whether it was
// already known.
func (t *TCP) alreadySeen(id string) bool {
	if id == "" {
		return false
	}
	t.seenMu.Lock()
	defer t.seenMu.Unlock()

	if _, dup := t.seen[id]; dup {
		return true
	}
	t.seen[id] = struct{}{}
	t.seenOrder = append(t.seenOrder, id)

	if len(t.seenOrder) > seenMax {
		drop := t.seenOrder[:len(t.seenOrder)-seenKeep]
		for _, old := range drop {
			delete(t.seen, old)
		}
		t.seenOrder = append([]string(nil), t.seenOrder[len(t.seenOrder)-seenKeep:]...)
	}
	return false
}

func (t *TCP) sendOne(to, text string) error {
	err := t.writeFrame(bridgeFrame{Type: "send", To: to, Text: text})
	if err != nil {
		t.errorCount.Add(1)
		return fmt.Errorf("bridge: %w: %v", ErrSendFailed, err)
	}
	return nil
}

func (t *TCP) writeFrame(frame bridgeFrame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	payload = append(payload, '\n')

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return ErrNotConnected
	}
	_, err = t.conn.Write(payload)
	return err
}

func preview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
