// Package oracle – router.go classifies inbound text and runs the
// query cascade: greeting, live sensor facts, the response cache,
// then trust-tiered knowledge resolution feeding the engine. Answers
// are refused rather than hallucinated when nothing backs them.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/delfinet/delfi/pkg/delfi/engine"
	"github.com/delfinet/delfi/pkg/delfi/format"
	"github.com/delfinet/delfi/pkg/delfi/knowledge"
)

// Canned replies for engine trouble. Kept friendly and frame-sized.
const (
	warmingText = "I'm still warming up, try again in a minute."
	troubleText = "I'm having trouble thinking right now. Try again in a minute."
)

// messageKind is the classification of one inbound message.
type messageKind int

const (
	kindEmpty messageKind = iota
	kindCommand
	kindControl
	kindQuery
)

// greetings are bare salutations that get the canned intro instead of
// an engine call.
var greetings = map[string]struct{}{
	"hi": {}, "hello": {}, "hey": {}, "yo": {},
	"sup": {}, "howdy": {}, "hola": {}, "greetings": {},
}

// classify buckets a trimmed message. DEL-FI control frames only
// count as such when mesh knowledge is configured; otherwise they
// fall through as ordinary queries, matching how an unconfigured
// node treats unknown chatter.
func (o *Oracle) classify(text string) messageKind {
	switch {
	case text == "":
		return kindEmpty
	case strings.HasPrefix(text, "!"):
		return kindCommand
	case knowledge.IsControlFrame(text) && o.cfg.MeshConfigured():
		return kindControl
	default:
		return kindQuery
	}
}

// isGreeting checks if a message is a simple greeting, not a question.
func isGreeting(text string) bool {
	cleaned := strings.TrimRight(strings.ToLower(strings.TrimSpace(text)), "!.,?")
	_, ok := greetings[cleaned]
	return ok
}

// answerQuery runs the full cascade for one freeform query and
// returns the frames to transmit. Runs on the worker goroutine.
func (o *Oracle) answerQuery(ctx context.Context, senderID, query string) []string {
	o.queryCount.Add(1)
	o.mu.Lock()
	o.last[senderID] = query
	o.mu.Unlock()

	o.logger.Info("query", "sender", senderID, "text", preview(query, 80))

	history := o.memory.PromptFragment(senderID)
	boardCtx := o.board.ContextFragment(query)

	// A bare greeting from a new face gets the canned intro, no
	// engine call and no welcome footer on top of it.
	if isGreeting(query) {
		if seen, _ := o.st.SeenBefore(senderID); !seen {
			if err := o.st.MarkSeen(senderID); err != nil {
				o.logger.Warn("could not mark sender seen", "error", err)
			}
			return []string{fmt.Sprintf(
				"Hi from %s. I answer questions using local docs.\nTry asking something, or send !help · !topics",
				o.cfg.NodeName)}
		}
	}

	// Tier 0: live sensor readings answer before the cache so fresh
	// values are never replayed stale. Not cached either, freshness
	// is the whole point.
	if o.facts != nil {
		if matched, ok := o.facts.MatchQuery(query, o.cfg.FactKeywords); ok {
			o.logger.Info("fact feed match, answering without the engine")
			return o.finalize(senderID, o.cfg.NodeName+": "+matched, "")
		}
	}

	if entry, ok := o.cache.Lookup(Fingerprint(query)); ok {
		o.logger.Info("cache hit")
		return o.packageReply(senderID, entry.Chunks)
	}

	if !o.engine.Available() {
		return []string{warmingText}
	}

	res := o.trust.Resolve(ctx, query)
	if res == nil {
		// Nothing backs an answer. Refuse rather than hallucinate.
		o.logger.Info("no context found, declining to answer")
		return o.finalize(senderID, fmt.Sprintf(
			"%s: I don't have anything in my knowledge base about that. Try !topics to see what I know.",
			o.cfg.NodeName), "")
	}

	req := engine.Request{Query: query, History: history, BoardContext: boardCtx}
	provenance := ""
	switch res.Tier {
	case knowledge.TierOperator:
		req.Chunks = res.Chunks
	case knowledge.TierPeer:
		o.logger.Info("answering from peer cache", "peer", res.Peer.PeerName)
		req.PeerContext = fmt.Sprintf("[%s]: %s", res.Peer.PeerName, res.Peer.Response)
		if o.trust.Config().TagResponses {
			provenance = res.Peer.PeerName
		}
	case knowledge.TierGossip:
		return o.finalize(senderID, res.Referral, "")
	}

	genCtx, cancel := context.WithTimeout(ctx, o.cfg.GenerateTimeout())
	defer cancel()

	answer, err := o.engine.Generate(genCtx, req)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			o.logger.Warn("generation timed out", "timeout", o.cfg.GenerateTimeout())
			return []string{fmt.Sprintf("%s: That one timed out on me. Try a shorter question.", o.cfg.NodeName)}
		case errors.Is(err, engine.ErrUnavailable):
			return []string{warmingText}
		default:
			o.logger.Error("generation failed", "error", err)
			return []string{troubleText}
		}
	}

	answer = format.Clean(answer)
	if answer == "" {
		return []string{troubleText}
	}

	// Both operator and peer answers are context-backed: cache the
	// formatted chunks so a replay keeps its provenance tag. Only
	// answers from our own docs are offered to syncing peers.
	_, chunks, _ := format.FormatResponse(answer, o.cfg.MaxResponseBytes, provenance)
	o.cache.Store(Fingerprint(query), chunks)
	if res.Tier == knowledge.TierOperator {
		o.trust.SaveOwnAnswer(o.cfg.NodeName, query, answer)
	}
	o.memory.AddExchange(senderID, query, answer)

	return o.packageReply(senderID, chunks)
}

// finalize formats a ready answer and assembles the outbound frames.
func (o *Oracle) finalize(senderID, text, provenance string) []string {
	_, chunks, _ := format.FormatResponse(text, o.cfg.MaxResponseBytes, provenance)
	return o.packageReply(senderID, chunks)
}

// packageReply turns a chunk sequence into the frames to push now.
// The first auto_send_chunks frames go out immediately; the rest stay
// behind !more. Only the last pushed frame carries the continuation
// marker, so intermediate frames read cleanly. First-contact senders
// get the welcome footer when it fits the budget.
func (o *Oracle) packageReply(senderID string, chunks []string) []string {
	if len(chunks) == 0 {
		return nil
	}

	n := 1
	if len(chunks) > 1 && o.cfg.AutoSendChunks > 1 {
		n = o.cfg.AutoSendChunks
		if n > len(chunks) {
			n = len(chunks)
		}
	}

	msgs := make([]string, n)
	copy(msgs, chunks[:n])

	if len(chunks) > 1 {
		o.pager.Begin(senderID, chunks, n)
		if n < len(chunks) {
			msgs[n-1] += format.MoreTag
		}
	} else {
		// A fresh single-frame answer retires any stale sequence.
		o.pager.Clear(senderID)
	}

	if seen, _ := o.st.SeenBefore(senderID); !seen {
		if err := o.st.MarkSeen(senderID); err != nil {
			o.logger.Warn("could not mark sender seen", "error", err)
		}
		footer := fmt.Sprintf("\n---\nDel-Fi oracle · %d docs · !help !topics", o.engine.FileCount())
		if len(msgs[0])+len(footer) <= o.cfg.MaxResponseBytes {
			msgs[0] += footer
		}
	}

	return msgs
}
