// Package oracle – commands.go answers the ! command surface. All of
// these run inline on the ingress loop and never touch the engine;
// !retry is the one that hands work back to the query queue.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/delfinet/delfi/pkg/delfi/format"
)

const boardDisabledText = "The board is not enabled on this node."

// handleCommand dispatches one ! command and returns the reply.
// An empty reply means the command queued work instead of answering.
func (o *Oracle) handleCommand(ctx context.Context, senderID, text string) string {
	cmd, rest, _ := strings.Cut(text, " ")
	arg := strings.TrimSpace(rest)

	switch cmd {
	case "!help":
		return o.cmdHelp()
	case "!status":
		return o.cmdStatus()
	case "!topics":
		return o.cmdTopics()
	case "!ping":
		return "pong from " + o.cfg.NodeName
	case "!more":
		return o.cmdMore(senderID, arg)
	case "!retry":
		return o.cmdRetry(ctx, senderID)
	case "!forget":
		return o.cmdForget(senderID)
	case "!board":
		if !o.board.Enabled() {
			return boardDisabledText
		}
		return o.board.Read(arg)
	case "!post":
		if !o.board.Enabled() {
			return boardDisabledText
		}
		return o.board.Post(senderID, arg)
	case "!unpost":
		if !o.board.Enabled() {
			return boardDisabledText
		}
		return o.board.Unpost(senderID, arg)
	case "!peers":
		return o.cmdPeers()
	case "!data":
		return o.cmdData()
	default:
		return fmt.Sprintf("Unknown command: %s. Try !help", cmd)
	}
}

func (o *Oracle) cmdHelp() string {
	return fmt.Sprintf(
		"%s · AI oracle · %d docs\nAsk anything in plain text.\n!topics !status !board !post\n!more !retry !forget !ping !peers !data",
		o.cfg.NodeName, o.engine.FileCount())
}

func (o *Oracle) cmdStatus() string {
	ollama := "✗"
	if o.engine.Available() {
		ollama = "✓"
	}
	rag := "✗"
	if o.engine.FileCount() > 0 {
		rag = "✓"
	}
	return fmt.Sprintf(
		"%s up %s · %s · %d docs\nqueries: %d\nollama: %s · rag: %s",
		o.cfg.NodeName, formatUptime(o.now().Sub(o.started)), o.cfg.Model,
		o.engine.FileCount(), o.queryCount.Load(), ollama, rag)
}

func (o *Oracle) cmdTopics() string {
	topics := o.engine.Topics()
	if len(topics) == 0 {
		return "No documents loaded. Drop .txt or .md files into the knowledge folder."
	}
	return "Topics: " + strings.Join(topics, ", ")
}

// cmdMore continues or re-serves a paginated answer. A bare !more
// advances the cursor; !more N re-serves chunk N without moving it.
// A non-numeric argument behaves like a bare !more.
func (o *Oracle) cmdMore(senderID, arg string) string {
	if n, convErr := strconv.Atoi(arg); arg != "" && convErr == nil {
		page, err := o.pager.Reget(senderID, n)
		switch {
		case errors.Is(err, ErrInvalidIndex):
			_, total, _ := o.pager.Active(senderID)
			return fmt.Sprintf("No chunk %d. Response has %d parts.", n, total)
		case err != nil:
			return "No pending response. Send a question first."
		}
		return pageText(page)
	}

	page, err := o.pager.Next(senderID)
	switch {
	case errors.Is(err, ErrEndOfSequence):
		return "End of response. No more chunks."
	case err != nil:
		return "No pending response. Send a question first."
	}
	return pageText(page)
}

// pageText renders a page, reattaching the continuation marker while
// chunks remain.
func pageText(p Page) string {
	if p.Last {
		return p.Text
	}
	return p.Text + format.MoreTag
}

// cmdRetry re-runs the sender's last query through the worker with
// the cached answer invalidated first.
func (o *Oracle) cmdRetry(ctx context.Context, senderID string) string {
	o.mu.Lock()
	last, ok := o.last[senderID]
	o.mu.Unlock()
	if !ok || last == "" {
		return "No previous query to retry. Ask a question first."
	}

	o.cache.Invalidate(Fingerprint(last))
	o.admitQuery(ctx, senderID, last, true)
	return ""
}

func (o *Oracle) cmdForget(senderID string) string {
	if !o.memory.Enabled() {
		return "Conversation memory is not enabled on this node."
	}
	o.memory.Clear(senderID)
	return "Memory cleared. I won't remember our previous conversation."
}

func (o *Oracle) cmdPeers() string {
	if !o.cfg.MeshConfigured() {
		return "Mesh knowledge not configured on this node."
	}
	return o.trust.FormatPeers()
}

func (o *Oracle) cmdData() string {
	if o.facts == nil || !o.facts.HasFacts() {
		return fmt.Sprintf(
			"No sensor data loaded. Write readings to %s (see sensor_feed.example.json).",
			o.cfg.FactFeedPath())
	}
	return o.facts.Snapshot()
}

// formatUptime is a human-readable uptime string.
func formatUptime(elapsed time.Duration) string {
	secs := int(elapsed.Seconds())
	days := secs / 86400
	hours := (secs % 86400) / 3600
	if days > 0 {
		return fmt.Sprintf("%dd %dh", days, hours)
	}
	minutes := (secs % 3600) / 60
	return fmt.Sprintf("%dh %dm", hours, minutes)
}
