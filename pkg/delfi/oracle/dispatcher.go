// Package oracle – dispatcher.go is the message pump. One goroutine
// consumes the radio, answers commands and control frames inline, and
// hands freeform queries to a single background worker so at most one
// engine call runs at a time. The ingress loop never blocks on the
// worker and no per-message error may kill it.
package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/delfinet/delfi/pkg/delfi/engine"
	"github.com/delfinet/delfi/pkg/delfi/facts"
	"github.com/delfinet/delfi/pkg/delfi/format"
	"github.com/delfinet/delfi/pkg/delfi/knowledge"
	"github.com/delfinet/delfi/pkg/delfi/mesh"
	"github.com/delfinet/delfi/pkg/delfi/store"
)

const (
	// autoSendDelay paces consecutive frames of one answer so the
	// radio's duty cycle is not saturated.
	autoSendDelay = 500 * time.Millisecond

	// moreBufferTTL is how long a paginated answer stays resumable.
	moreBufferTTL = 10 * time.Minute

	// cacheMaxEntries bounds the in-memory response cache.
	cacheMaxEntries = 100

	// queryQueueCap bounds the pending-query backlog. On a channel
	// this slow the backlog should never get near it.
	queryQueueCap = 64
)

// queryJob is one freeform query waiting for the worker.
type queryJob struct {
	senderID string
	text     string
}

// Deps are the collaborators the dispatcher is wired with.
type Deps struct {
	Adapter mesh.Adapter
	Engine  *engine.Engine
	Trust   *knowledge.TrustStore
	Syncer  *knowledge.Syncer
	Facts   *facts.Store
	Store   *store.Store
	Logger  *slog.Logger
}

// Oracle ties the whole message path together: classification, rate
// limiting, the response cache, pagination, memory, the board, and
// the trust-tiered knowledge cascade.
type Oracle struct {
	cfg     *Config
	adapter mesh.Adapter
	engine  *engine.Engine
	trust   *knowledge.TrustStore
	syncer  *knowledge.Syncer
	facts   *facts.Store
	st      *store.Store
	memory  *Memory
	board   *Board
	limiter *RateLimiter
	cache   *ResponseCache
	pager   *Paginator
	logger  *slog.Logger
	now     func() time.Time

	started    time.Time
	queryCount atomic.Int64
	workerBusy atomic.Bool

	queue chan queryJob

	// mu guards pending (senders with a queued query, for busy-notice
	// dedup) and last (per-sender last query, for !retry).
	mu      sync.Mutex
	pending map[string]struct{}
	last    map[string]string
}

// New wires an Oracle from its configuration and collaborators.
func New(cfg *Config, deps Deps) *Oracle {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Oracle{
		cfg:     cfg,
		adapter: deps.Adapter,
		engine:  deps.Engine,
		trust:   deps.Trust,
		syncer:  deps.Syncer,
		facts:   deps.Facts,
		st:      deps.Store,
		memory:  NewMemory(cfg, deps.Store, logger),
		board:   NewBoard(cfg, deps.Store, logger),
		limiter: NewRateLimiter(cfg.RateLimit()),
		cache:   NewResponseCache(cfg.CacheTTL(), cacheMaxEntries),
		pager:   NewPaginator(moreBufferTTL),
		logger:  logger.With("component", "oracle"),
		now:     time.Now,
		queue:   make(chan queryJob, queryQueueCap),
		pending: make(map[string]struct{}),
		last:    make(map[string]string),
	}
}

// Memory exposes conversation memory, for the scheduler's cleanup job.
func (o *Oracle) Memory() *Memory { return o.memory }

// Board exposes the community board, for the startup banner.
func (o *Oracle) Board() *Board { return o.board }

// QueryCount reports how many freeform queries have been handled.
func (o *Oracle) QueryCount() int64 { return o.queryCount.Load() }

// SweepCaches reaps expired response-cache entries and pagination
// sessions. Both expire lazily on access anyway; the periodic sweep
// keeps memory flat when nobody re-asks.
func (o *Oracle) SweepCaches() {
	if n := o.cache.Sweep(); n > 0 {
		o.logger.Debug("response cache swept", "removed", n)
	}
	if n := o.pager.Sweep(); n > 0 {
		o.logger.Debug("pagination sessions swept", "removed", n)
	}
}

// Run consumes the radio until ctx is cancelled or the adapter closes
// its stream. Must be called once.
func (o *Oracle) Run(ctx context.Context) error {
	o.started = o.now()
	go o.worker(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-o.adapter.Receive():
			if !ok {
				o.logger.Info("radio stream closed")
				return nil
			}
			o.handleMessage(ctx, msg)
		}
	}
}

// handleMessage routes one inbound message. Commands and control
// frames are answered inline; queries go through admission to the
// worker queue.
func (o *Oracle) handleMessage(ctx context.Context, msg *mesh.Message) {
	if msg == nil || msg.IsBroadcast {
		return
	}

	// The radio assigns our node ID; pick it up once the transport
	// has learned it so own sync rows carry the right origin.
	if o.trust.SelfID() == "" {
		if id := o.adapter.SelfID(); id != "" {
			o.trust.SetSelfID(id)
		}
	}

	text := strings.TrimSpace(msg.Content)
	switch o.classify(text) {
	case kindEmpty:
		return
	case kindCommand:
		reply := o.handleCommand(ctx, msg.From, text)
		if reply != "" {
			o.send(ctx, msg.From, reply)
		}
	case kindControl:
		o.handleControlFrame(msg.From, text)
	case kindQuery:
		o.admitQuery(ctx, msg.From, text, false)
	}
}

// handleControlFrame feeds a DEL-FI frame to sync first (requests,
// entries, session ends), then to the gossip directory.
func (o *Oracle) handleControlFrame(senderID, text string) {
	if o.syncer != nil && o.syncer.HandleFrame(senderID, text) {
		return
	}
	o.trust.Directory().HandleAnnouncement(senderID, text)
}

// admitQuery runs rate limiting and enqueues the query for the
// worker, emitting a busy notice when one is already in flight.
// viaCommand marks !retry, which skips the limiter like any command.
func (o *Oracle) admitQuery(ctx context.Context, senderID, text string, viaCommand bool) {
	if !viaCommand {
		adm := o.limiter.Admit(senderID, false)
		if !adm.OK {
			wait := int((adm.Wait + time.Second - 1) / time.Second)
			o.send(ctx, senderID, fmt.Sprintf(
				"%s: Rate limited — wait %ds before asking again.", o.cfg.NodeName, wait))
			return
		}
	}

	o.mu.Lock()
	_, alreadyPending := o.pending[senderID]
	o.pending[senderID] = struct{}{}
	o.mu.Unlock()

	busy := o.workerBusy.Load() || len(o.queue) > 0
	if busy && o.cfg.BusyNotice && !alreadyPending {
		o.send(ctx, senderID, o.busyNotice())
	}

	select {
	case o.queue <- queryJob{senderID: senderID, text: text}:
	default:
		// Pathological backlog. Spec for the sender is honesty over
		// silence, so say so instead of dropping quietly.
		o.mu.Lock()
		delete(o.pending, senderID)
		o.mu.Unlock()
		o.logger.Warn("query queue full, refusing", "sender", senderID)
		o.send(ctx, senderID, fmt.Sprintf(
			"%s: I'm swamped right now. Try again in a few minutes.", o.cfg.NodeName))
	}
}

// busyNotice tells a sender where they are in line.
func (o *Oracle) busyNotice() string {
	position := len(o.queue) + 1
	if position <= 1 {
		return fmt.Sprintf("%s: Working on another question, yours is next.", o.cfg.NodeName)
	}
	return fmt.Sprintf("%s: %d questions ahead of yours, hang tight.", o.cfg.NodeName, position)
}

// worker is the single background goroutine that runs engine calls.
func (o *Oracle) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-o.queue:
			o.workerBusy.Store(true)
			msgs := o.answerSafely(ctx, job)
			o.deliver(ctx, job.senderID, msgs)
			o.workerBusy.Store(false)

			o.mu.Lock()
			delete(o.pending, job.senderID)
			o.mu.Unlock()
		}
	}
}

// answerSafely runs the query cascade with a panic net so one bad
// query cannot take the worker down.
func (o *Oracle) answerSafely(ctx context.Context, job queryJob) (msgs []string) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("query worker panic", "panic", r, "query", preview(job.text, 80))
			msgs = []string{"I hit an error processing that. Try again."}
		}
	}()
	return o.answerQuery(ctx, job.senderID, job.text)
}

// deliver sends a multi-frame reply with pacing between frames.
func (o *Oracle) deliver(ctx context.Context, to string, msgs []string) {
	for i, m := range msgs {
		if i > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(autoSendDelay):
			}
		}
		o.send(ctx, to, m)
	}
}

// send transmits one frame, clamping it to the byte budget as a last
// safety net for command replies and notices.
func (o *Oracle) send(ctx context.Context, to, text string) {
	if text == "" {
		return
	}
	if len(text) > o.cfg.MaxResponseBytes {
		text = format.TruncateAtBoundary(text, o.cfg.MaxResponseBytes)
	}
	if err := o.adapter.Send(ctx, to, text); err != nil {
		o.logger.Error("send failed", "to", to, "error", err)
	}
}

func preview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
