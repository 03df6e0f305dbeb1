// Package mesh defines the radio adapter interface and its types.
// Each adapter (the meshtastic bridge, the in-process simulator)
// delivers direct messages off the mesh and transmits replies, hiding
// transport details from the oracle.
package mesh

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Message is one inbound text message from the mesh.
type Message struct {
	// ID is the radio packet identifier, used for deduplicating
	// retransmits.
	ID string

	// From is the sender node ID (e.g. "!a1b2c3d4"). Node IDs are
	// assigned by the radio and are the only trusted identity.
	From string

	// FromName is the sender's advertised display name, if known.
	// Display names are cosmetic and never used for identity.
	FromName string

	// Content is the message text.
	Content string

	// Timestamp is when the adapter received the message.
	Timestamp time.Time

	// IsBroadcast marks channel-wide messages. The oracle only
	// answers direct messages.
	IsBroadcast bool
}

// Adapter is the interface every radio transport implements.
type Adapter interface {
	// Name returns the adapter identifier (e.g. "bridge", "simulated").
	Name() string

	// Connect establishes the radio link.
	Connect(ctx context.Context) error

	// Disconnect gracefully closes the link.
	Disconnect() error

	// Send transmits a direct message to the given node ID.
	Send(ctx context.Context, to, text string) error

	// Receive returns a Go channel that emits incoming messages.
	Receive() <-chan *Message

	// SelfID returns our own radio node ID, or "" until the
	// transport has learned it.
	SelfID() string

	// IsConnected returns true while the link is up.
	IsConnected() bool

	// Health returns the adapter health status.
	Health() HealthStatus
}

// HealthStatus represents the health state of an adapter.
type HealthStatus struct {
	Connected     bool
	LastMessageAt time.Time
	ErrorCount    int
	Details       map[string]any
}

// Config selects and configures the radio adapter.
type Config struct {
	// Type selects the adapter: "tcp" (meshtastic bridge) or
	// "simulated" (in-process, for delfid simulate).
	Type string `yaml:"type"`

	// Address is the meshtastic bridge address for the tcp adapter.
	Address string `yaml:"address"`

	// AuthToken authenticates to the bridge. Normally injected from
	// the keyring or DELFI_BRIDGE_TOKEN rather than written to disk.
	AuthToken string `yaml:"auth_token,omitempty"`
}

// DefaultConfig returns a Config pointing at a local meshtasticd.
func DefaultConfig() Config {
	return Config{
		Type:    "tcp",
		Address: "localhost:4403",
	}
}

// Errors.
var (
	ErrNotConnected  = fmt.Errorf("radio is not connected")
	ErrSendFailed    = fmt.Errorf("failed to send message")
	ErrConnectFailed = fmt.Errorf("failed to connect to radio")
)

// New builds the adapter named by cfg.Type.
func New(cfg Config, maxFrameBytes int, logger *slog.Logger) (Adapter, error) {
	switch cfg.Type {
	case "", "tcp":
		return NewTCP(cfg, maxFrameBytes, logger), nil
	case "simulated":
		return NewSimulated(logger), nil
	default:
		return nil, fmt.Errorf("unknown mesh adapter type %q", cfg.Type)
	}
}
