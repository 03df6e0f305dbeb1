package oracle

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/delfinet/delfi/pkg/delfi/knowledge"
	"github.com/delfinet/delfi/pkg/delfi/mesh"
)

// waitOutbox polls the simulated radio until n frames have been sent.
func waitOutbox(t *testing.T, adapter *mesh.Simulated, n int) []mesh.SentMessage {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if out := adapter.Outbox(); len(out) >= n {
			return out
		}
		time.Sleep(20 * time.Millisecond)
	}
	out := adapter.Outbox()
	t.Fatalf("outbox has %d frames after 3s, want %d: %v", len(out), n, out)
	return nil
}

func TestHandleMessageDropsBroadcasts(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.handleMessage(ctx, nil)
	h.handleMessage(ctx, &mesh.Message{From: "!a1b2c3d4", Content: "hello everyone", IsBroadcast: true})
	h.handleMessage(ctx, &mesh.Message{From: "!a1b2c3d4", Content: "   "})

	if out := h.adapter.Outbox(); len(out) != 0 {
		t.Errorf("outbox = %v, want nothing for broadcasts and empties", out)
	}
	if len(h.queue) != 0 {
		t.Errorf("queue depth = %d, want 0", len(h.queue))
	}
}

func TestHandleMessageCommandInline(t *testing.T) {
	h := newHarness(t, nil)

	h.handleMessage(context.Background(), &mesh.Message{From: "!a1b2c3d4", Content: "!ping"})

	out := h.adapter.Outbox()
	if len(out) != 1 || out[0].Text != "pong from Del-Fi" || out[0].To != "!a1b2c3d4" {
		t.Errorf("outbox = %v, want pong to the sender", out)
	}
	if len(h.queue) != 0 {
		t.Error("a command reached the query queue")
	}
}

func TestHandleMessageLearnsSelfID(t *testing.T) {
	h := newHarness(t, nil)

	if got := h.trustTS.SelfID(); got != "" {
		t.Fatalf("SelfID() = %q before any traffic, want empty", got)
	}
	h.handleMessage(context.Background(), &mesh.Message{From: "!a1b2c3d4", Content: "!ping"})
	if got := h.trustTS.SelfID(); got != mesh.SimSelfID {
		t.Errorf("SelfID() = %q, want %q from the adapter", got, mesh.SimSelfID)
	}
}

func TestHandleMessageControlFrame(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.MeshKnowledge.Peers = []knowledge.PeerConfig{{NodeID: "!cafe0001", Name: "ridge"}}
	})

	h.handleMessage(context.Background(), &mesh.Message{
		From:    "!cafe0001",
		Content: "DEL-FI:1:ANNOUNCE:ridge:topics=water,wells:model=qwen",
	})

	if _, ok := h.trustTS.Directory().Info("!cafe0001"); !ok {
		t.Error("announcement did not land in the gossip directory")
	}
	if out := h.adapter.Outbox(); len(out) != 0 {
		t.Errorf("control frame produced a reply: %v", out)
	}
	if len(h.queue) != 0 {
		t.Error("control frame reached the query queue")
	}
}

func TestAdmitQueryThrottle(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.RateLimitSeconds = 30
	})
	ctx := context.Background()

	h.admitQuery(ctx, "!a1b2c3d4", "first question", false)
	if len(h.queue) != 1 {
		t.Fatalf("queue depth = %d after first query, want 1", len(h.queue))
	}

	h.admitQuery(ctx, "!a1b2c3d4", "second question", false)
	out := h.adapter.Outbox()
	if len(out) != 1 {
		t.Fatalf("outbox = %v, want exactly the throttle notice", out)
	}
	if out[0].Text != "Del-Fi: Rate limited — wait 30s before asking again." {
		t.Errorf("throttle notice = %q", out[0].Text)
	}
	if len(h.queue) != 1 {
		t.Errorf("queue depth = %d, want the throttled query dropped", len(h.queue))
	}

	// Commands skip the limiter entirely.
	h.admitQuery(ctx, "!a1b2c3d4", "first question", true)
	if len(h.queue) != 2 {
		t.Errorf("queue depth = %d, want command-path query admitted", len(h.queue))
	}
}

func TestAdmitQueryBusyNotice(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.workerBusy.Store(true)

	h.admitQuery(ctx, "!a1b2c3d4", "first question", false)
	h.admitQuery(ctx, "!b2c3d4e5", "second question", false)
	h.admitQuery(ctx, "!a1b2c3d4", "impatient repeat", false)

	out := h.adapter.Outbox()
	if len(out) != 2 {
		t.Fatalf("outbox = %v, want one notice per waiting sender", out)
	}
	if out[0].Text != "Del-Fi: Working on another question, yours is next." {
		t.Errorf("first notice = %q", out[0].Text)
	}
	if out[1].Text != "Del-Fi: 2 questions ahead of yours, hang tight." {
		t.Errorf("second notice = %q", out[1].Text)
	}
}

func TestAdmitQueryBusyNoticeDisabled(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.BusyNotice = false
	})
	h.workerBusy.Store(true)

	h.admitQuery(context.Background(), "!a1b2c3d4", "a question", false)
	if out := h.adapter.Outbox(); len(out) != 0 {
		t.Errorf("outbox = %v, want silence with busy_notice off", out)
	}
}

func TestAdmitQueryQueueFull(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.BusyNotice = false
	})
	ctx := context.Background()

	for i := 0; i < queryQueueCap; i++ {
		h.queue <- queryJob{senderID: "!filler01", text: "padding"}
	}

	h.admitQuery(ctx, "!a1b2c3d4", "one too many", false)

	out := h.adapter.Outbox()
	if len(out) != 1 || out[0].Text != "Del-Fi: I'm swamped right now. Try again in a few minutes." {
		t.Errorf("outbox = %v, want the swamped notice", out)
	}
	h.mu.Lock()
	_, pending := h.pending["!a1b2c3d4"]
	h.mu.Unlock()
	if pending {
		t.Error("refused sender left in the pending set")
	}
}

func TestAnswerSafelyRecoversPanics(t *testing.T) {
	h := newHarness(t, nil)
	h.markSeen(t, "!a1b2c3d4")
	h.engine = nil // forces a nil dereference inside the cascade

	msgs := h.answerSafely(context.Background(), queryJob{senderID: "!a1b2c3d4", text: "where is the well"})
	if len(msgs) != 1 || msgs[0] != "I hit an error processing that. Try again." {
		t.Errorf("got %v, want the recovery notice", msgs)
	}
}

func TestDeliverPacesFrames(t *testing.T) {
	h := newHarness(t, nil)

	start := time.Now()
	h.deliver(context.Background(), "!a1b2c3d4", []string{"frame one", "frame two"})
	elapsed := time.Since(start)

	out := h.adapter.Outbox()
	if len(out) != 2 || out[0].Text != "frame one" || out[1].Text != "frame two" {
		t.Fatalf("outbox = %v, want both frames in order", out)
	}
	if elapsed < autoSendDelay {
		t.Errorf("frames delivered %v apart, want at least %v", elapsed, autoSendDelay)
	}
}

func TestDeliverStopsOnCancel(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	h.deliver(ctx, "!a1b2c3d4", []string{"frame one", "frame two"})

	out := h.adapter.Outbox()
	if len(out) != 1 {
		t.Errorf("outbox = %v, want only the first frame before cancellation", out)
	}
}

func TestSendClampsLongReplies(t *testing.T) {
	h := newHarness(t, nil)

	h.send(context.Background(), "!a1b2c3d4", strings.Repeat("status word ", 40))

	out := h.adapter.Outbox()
	if len(out) != 1 {
		t.Fatalf("outbox = %v, want one clamped frame", out)
	}
	if n := len(out[0].Text); n == 0 || n > h.cfg.MaxResponseBytes {
		t.Errorf("frame is %d bytes, want within %d", n, h.cfg.MaxResponseBytes)
	}

	h.send(context.Background(), "!a1b2c3d4", "")
	if out := h.adapter.Outbox(); len(out) != 1 {
		t.Error("empty reply was transmitted")
	}
}

func TestRunEndToEnd(t *testing.T) {
	h := newHarness(t, nil)
	h.indexDoc(t, "wells.txt", "The well sits behind the chapel.")
	h.healthy(t)
	h.markSeen(t, "!a1b2c3d4")
	h.ollama.setReply("Behind the chapel, fifty meters east.")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	h.adapter.Inject("!a1b2c3d4", "Ada", "where is the well")
	out := waitOutbox(t, h.adapter, 1)
	if out[0].Text != "Behind the chapel, fifty meters east." {
		t.Errorf("answer = %q", out[0].Text)
	}

	h.adapter.Inject("!a1b2c3d4", "Ada", "!ping")
	out = waitOutbox(t, h.adapter, 2)
	if out[1].Text != "pong from Del-Fi" {
		t.Errorf("command reply = %q", out[1].Text)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancellation")
	}
}

func TestRunReturnsWhenStreamCloses(t *testing.T) {
	h := newHarness(t, nil)

	done := make(chan error, 1)
	go func() { done <- h.Run(context.Background()) }()

	time.Sleep(50 * time.Millisecond)
	h.adapter.Disconnect()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v, want nil on stream close", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after the adapter closed")
	}
}
