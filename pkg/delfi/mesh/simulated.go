// Package mesh – simulated.go is the in-process adapter used by
// delfid simulate and by tests. Messages are injected directly and
// sends are recorded instead of transmitted.
package mesh

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// SimSenderID is the node ID messages appear from when the simulate
// REPL does not impersonate anyone.
const SimSenderID = "!sim00001"

// SimSelfID is the simulated radio's own node ID.
const SimSelfID = "!de1f1001"

// SentMessage is one recorded transmission from the simulated radio.
type SentMessage struct {
	To   string
	Text string
	At   time.Time
}

// Simulated is an in-process Adapter with no radio behind it.
type Simulated struct {
	logger   *slog.Logger
	messages chan *Message
	sent     chan SentMessage

	outMu  sync.Mutex
	outbox []SentMessage

	connected atomic.Bool
	lastMsg   atomic.Value
	seq       atomic.Int64
	closeOnce sync.Once
}

// NewSimulated creates a simulated adapter.
func NewSimulated(logger *slog.Logger) *Simulated {
	if logger == nil {
		logger = slog.Default()
	}
	return &Simulated{
		logger:   logger.With("component", "simulated"),
		messages: make(chan *Message, 256),
		sent:     make(chan SentMessage, 256),
	}
}

// ---------- Adapter interface ----------

// Name returns "simulated".
func (s *Simulated) Name() string { return "simulated" }

// Connect marks the adapter up. There is nothing to dial.
func (s *Simulated) Connect(ctx context.Context) error {
	s.connected.Store(true)
	s.logger.Info("simulated radio up")
	return nil
}

// Disconnect marks the adapter down and closes the message stream.
func (s *Simulated) Disconnect() error {
	s.connected.Store(false)
	s.closeOnce.Do(func() { close(s.messages) })
	return nil
}

// Send records the transmission and forwards it to the Sent stream.
func (s *Simulated) Send(_ context.Context, to, text string) error {
	if !s.connected.Load() {
		return fmt.Errorf("simulated: %w", ErrNotConnected)
	}
	msg := SentMessage{To: to, Text: text, At: time.Now()}

	s.outMu.Lock()
	s.outbox = append(s.outbox, msg)
	s.outMu.Unlock()

	select {
	case s.sent <- msg:
	default:
	}
	return nil
}

// Receive returns the incoming message channel.
func (s *Simulated) Receive() <-chan *Message {
	return s.messages
}

// SelfID returns the simulated radio's node ID.
func (s *Simulated) SelfID() string {
	return SimSelfID
}

// IsConnected returns true between Connect and Disconnect.
func (s *Simulated) IsConnected() bool {
	return s.connected.Load()
}

// Health returns the adapter health status.
func (s *Simulated) Health() HealthStatus {
	status := HealthStatus{
		Connected: s.connected.Load(),
		Details:   map[string]any{"outbox": len(s.Outbox())},
	}
	if v, ok := s.lastMsg.Load().(time.Time); ok {
		status.LastMessageAt = v
	}
	return status
}

// ---------- Simulation controls ----------

// Inject delivers a message as if it arrived off the air.
func (s *Simulated) Inject(from, fromName, text string) {
	if !s.connected.Load() {
		return
	}
	now := time.Now()
	s.lastMsg.Store(now)
	s.messages <- &Message{
		ID:        fmt.Sprintf("sim-%d", s.seq.Add(1)),
		From:      from,
		FromName:  fromName,
		Content:   text,
		Timestamp: now,
	}
}

// Sent streams transmissions as they happen, for the simulate REPL.
func (s *Simulated) Sent() <-chan SentMessage {
	return s.sent
}

// Outbox returns a snapshot of everything sent so far.
func (s *Simulated) Outbox() []SentMessage {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	out := make([]SentMessage, len(s.outbox))
	copy(out, s.outbox)
	return out
}
