// Package knowledge – sync.go runs the overnight peer-cache exchange.
// Inside a configured quiet window each node asks its peers for Q/A
// pairs it hasn't seen yet, one radio frame per entry:
//
//	DEL-FI:1:SYNC-REQ:<since-unix>:<max-age-seconds>
//	DEL-FI:1:SYNC-ENTRY:<ts-unix>:q=<escaped>:a=<escaped>
//	DEL-FI:1:SYNC-END:<count>
package knowledge

import (
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/delfinet/delfi/pkg/delfi/store"
)

const (
	frameSyncReq   = "SYNC-REQ"
	frameSyncEntry = "SYNC-ENTRY"
	frameSyncEnd   = "SYNC-END"

	// sessionTimeout abandons an exchange whose peer went quiet.
	sessionTimeout = 2 * time.Minute

	// maxServeEntries caps how many entries one exchange puts on the
	// air. The rest wait for the next window.
	maxServeEntries = 20
)

// SyncState names the phases of the exchange cycle.
type SyncState int

const (
	StateIdle SyncState = iota
	StateWindowOpen
	StateExchanging
)

func (s SyncState) String() string {
	switch s {
	case StateWindowOpen:
		return "window-open"
	case StateExchanging:
		return "exchanging"
	default:
		return "idle"
	}
}

type syncSession struct {
	peerName  string
	startedAt time.Time
	imported  int
	rejected  int
}

// Syncer drives cache exchanges with configured peers. All frames
// travel as direct messages through the supplied Sender.
type Syncer struct {
	ts       *TrustStore
	send     Sender
	maxFrame int
	logger   *slog.Logger
	now      func() time.Time

	mu          sync.Mutex
	sessions    map[string]*syncSession
	lastAttempt map[string]time.Time
}

// NewSyncer builds the syncer. maxFrame bounds SYNC-ENTRY frames so
// each fits a single radio transmission.
func NewSyncer(ts *TrustStore, send Sender, maxFrame int, logger *slog.Logger) *Syncer {
	if maxFrame <= 0 {
		maxFrame = 230
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		ts:          ts,
		send:        send,
		maxFrame:    maxFrame,
		logger:      logger.With("component", "sync"),
		now:         time.Now,
		sessions:    make(map[string]*syncSession),
		lastAttempt: make(map[string]time.Time),
	}
}

// State reports where the syncer is in its cycle.
func (s *Syncer) State() SyncState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sessions) > 0 {
		return StateExchanging
	}
	cfg := s.ts.cfg.Sync
	if cfg.Enabled && InWindow(s.now(), cfg.WindowStart, cfg.WindowEnd) {
		return StateWindowOpen
	}
	return StateIdle
}

// Tick is called periodically by the scheduler. Inside the window it
// opens at most one exchange per peer per window; outside it only
// reaps stale sessions.
func (s *Syncer) Tick() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expireSessionsLocked()

	cfg := s.ts.cfg.Sync
	if !cfg.Enabled || len(s.ts.cfg.Peers) == 0 {
		return
	}
	now := s.now()
	if !InWindow(now, cfg.WindowStart, cfg.WindowEnd) {
		return
	}
	anchor := windowAnchor(now, cfg.WindowStart)

	for _, peer := range s.ts.cfg.Peers {
		if _, active := s.sessions[peer.NodeID]; active {
			continue
		}
		if attempt, ok := s.lastAttempt[peer.NodeID]; ok && !attempt.Before(anchor) {
			continue
		}
		since, err := s.ts.st.LastSyncPoint(peer.NodeID)
		if err != nil {
			s.logger.Warn("cannot read sync point", "peer", peer.NodeID, "error", err)
			continue
		}

		name := s.ts.PeerName(peer.NodeID)
		s.sessions[peer.NodeID] = &syncSession{peerName: name, startedAt: now}
		s.send(peer.NodeID, formatSyncReq(since, s.ts.cacheTTL()))
		s.logger.Info("sync requested", "peer", name)
	}
}

// HandleFrame processes one sync frame from the radio. Returns true
// when the text was sync traffic, so the router stops treating it as
// a user message. Announcements are not sync traffic.
func (s *Syncer) HandleFrame(fromID, text string) bool {
	kind, parts, ok := parseSyncFrame(text)
	if !ok {
		return false
	}
	switch kind {
	case frameSyncReq:
		if req, ok := parseSyncReq(parts); ok {
			s.serveRequest(fromID, req)
		}
		return true
	case frameSyncEntry:
		if query, response, received, ok := parseSyncEntry(parts); ok {
			s.acceptEntry(fromID, query, response, received)
		}
		return true
	case frameSyncEnd:
		s.finishExchange(fromID, parts)
		return true
	default:
		return false
	}
}

// serveRequest answers a peer's SYNC-REQ with our shareable entries,
// skipping anything that originated from the requester.
func (s *Syncer) serveRequest(fromID string, req syncRequest) {
	if !s.ts.cfg.ServeToPeers {
		s.logger.Debug("sync request refused, serving disabled", "node_id", fromID)
		return
	}
	if !s.ts.IsTrustedPeer(fromID) {
		s.logger.Debug("sync request from untrusted node", "node_id", fromID)
		return
	}

	entries, err := s.ts.st.PeerAnswersSince(req.Since, req.MaxAge)
	if err != nil {
		s.logger.Warn("cannot list entries for sync", "error", err)
		return
	}

	sent := 0
	for _, e := range entries {
		if e.PeerID == fromID {
			continue
		}
		if sent >= maxServeEntries {
			break
		}
		s.send(fromID, formatSyncEntry(e, s.maxFrame))
		sent++
	}
	s.send(fromID, formatSyncEnd(sent))
	s.logger.Info("served sync request", "peer", s.ts.PeerName(fromID), "entries", sent)
}

// acceptEntry ingests one offered entry. Entries arriving outside an
// exchange we opened are dropped: unsolicited cache pushes are not
// part of the protocol. The relaying peer is recorded as the source,
// trust does not pass through to whoever it heard first.
func (s *Syncer) acceptEntry(fromID, query, response string, received time.Time) {
	s.mu.Lock()
	sess, active := s.sessions[fromID]
	s.mu.Unlock()
	if !active {
		s.logger.Debug("sync entry outside a session", "node_id", fromID)
		return
	}

	err := s.ts.IngestPeerEntry(PeerEntry{
		PeerID:   fromID,
		PeerName: sess.peerName,
		Query:    query,
		Response: response,
		Received: received,
	})

	s.mu.Lock()
	if sess, ok := s.sessions[fromID]; ok {
		if err != nil {
			sess.rejected++
		} else {
			sess.imported++
		}
	}
	s.mu.Unlock()
}

func (s *Syncer) finishExchange(fromID string, parts []string) {
	s.mu.Lock()
	sess, active := s.sessions[fromID]
	if active {
		delete(s.sessions, fromID)
		s.lastAttempt[fromID] = s.now()
	}
	s.mu.Unlock()
	if !active {
		return
	}

	offered := 0
	if len(parts) == 4 {
		offered, _ = strconv.Atoi(parts[3])
	}
	if err := s.ts.st.SetSyncPoint(fromID, s.now()); err != nil {
		s.logger.Warn("cannot record sync point", "peer", sess.peerName, "error", err)
	}
	s.logger.Info("sync complete", "peer", sess.peerName,
		"offered", offered, "imported", sess.imported, "rejected", sess.rejected)
}

// expireSessionsLocked reaps exchanges whose peer went quiet. A dead
// attempt still counts for this window; the next window retries.
func (s *Syncer) expireSessionsLocked() {
	cutoff := s.now().Add(-sessionTimeout)
	for id, sess := range s.sessions {
		if sess.startedAt.Before(cutoff) {
			s.logger.Warn("sync session timed out", "peer", sess.peerName,
				"imported", sess.imported, "rejected", sess.rejected)
			delete(s.sessions, id)
			s.lastAttempt[id] = s.now()
		}
	}
}

// ---------- Window Arithmetic ----------

// InWindow reports whether now falls inside the HH:MM window,
// handling windows that wrap midnight. Start is inclusive, end
// exclusive; an empty or malformed window is always closed.
func InWindow(now time.Time, start, end string) bool {
	startM, ok1 := parseClock(start)
	endM, ok2 := parseClock(end)
	if !ok1 || !ok2 || startM == endM {
		return false
	}
	cur := now.Hour()*60 + now.Minute()
	if startM < endM {
		return cur >= startM && cur < endM
	}
	return cur >= startM || cur < endM
}

// windowAnchor is the most recent moment the window opened, used to
// run at most one exchange per peer per window.
func windowAnchor(now time.Time, start string) time.Time {
	mins, ok := parseClock(start)
	if !ok {
		return now
	}
	anchor := time.Date(now.Year(), now.Month(), now.Day(), mins/60, mins%60, 0, 0, now.Location())
	if anchor.After(now) {
		anchor = anchor.AddDate(0, 0, -1)
	}
	return anchor
}

func parseClock(s string) (int, bool) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, false
	}
	hour, err1 := strconv.Atoi(h)
	min, err2 := strconv.Atoi(m)
	if err1 != nil || err2 != nil || hour < 0 || hour > 23 || min < 0 || min > 59 {
		return 0, false
	}
	return hour*60 + min, true
}

// ParseAge parses durations like "7d" or "12h". Day suffixes are not
// part of time.ParseDuration but config files use them.
func ParseAge(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty age")
	}
	if num, ok := strings.CutSuffix(s, "d"); ok {
		days, err := strconv.ParseFloat(num, 64)
		if err != nil {
			return 0, fmt.Errorf("parsing age %q: %w", s, err)
		}
		return time.Duration(days * 24 * float64(time.Hour)), nil
	}
	return time.ParseDuration(s)
}

// ---------- Wire Format ----------

type syncRequest struct {
	Since  time.Time
	MaxAge time.Duration
}

func formatSyncReq(since time.Time, maxAge time.Duration) string {
	sinceUnix := int64(0)
	if !since.IsZero() {
		sinceUnix = since.Unix()
	}
	return fmt.Sprintf("DEL-FI:%d:%s:%d:%d",
		protocolVersion, frameSyncReq, sinceUnix, int64(maxAge.Seconds()))
}

// formatSyncEntry renders one cached answer as a single frame,
// trimming the response until it fits. Queries and answers are
// query-escaped so ':' never appears inside a field.
func formatSyncEntry(a store.PeerAnswer, maxFrame int) string {
	resp := []rune(a.Response)
	for {
		frame := fmt.Sprintf("DEL-FI:%d:%s:%d:q=%s:a=%s",
			protocolVersion, frameSyncEntry, a.Received.Unix(),
			url.QueryEscape(a.Query), url.QueryEscape(string(resp)))
		if len(frame) <= maxFrame || len(resp) == 0 {
			return frame
		}
		cut := len(resp) / 4
		if cut < 8 {
			cut = 8
		}
		if cut > len(resp) {
			cut = len(resp)
		}
		resp = resp[:len(resp)-cut]
	}
}

func formatSyncEnd(count int) string {
	return fmt.Sprintf("DEL-FI:%d:%s:%d", protocolVersion, frameSyncEnd, count)
}

// parseSyncFrame validates the prefix and version and returns the
// frame kind plus its raw fields.
func parseSyncFrame(text string) (string, []string, bool) {
	if !strings.HasPrefix(text, framePrefix) {
		return "", nil, false
	}
	parts := strings.Split(text, ":")
	if len(parts) < 4 {
		return "", nil, false
	}
	version, err := strconv.Atoi(parts[1])
	if err != nil || version != protocolVersion {
		return "", nil, false
	}
	return parts[2], parts, true
}

func parseSyncReq(parts []string) (syncRequest, bool) {
	if len(parts) != 5 {
		return syncRequest{}, false
	}
	sinceUnix, err1 := strconv.ParseInt(parts[3], 10, 64)
	ageSec, err2 := strconv.ParseInt(parts[4], 10, 64)
	if err1 != nil || err2 != nil || ageSec <= 0 {
		return syncRequest{}, false
	}
	req := syncRequest{MaxAge: time.Duration(ageSec) * time.Second}
	if sinceUnix > 0 {
		req.Since = time.Unix(sinceUnix, 0)
	}
	return req, true
}

func parseSyncEntry(parts []string) (string, string, time.Time, bool) {
	if len(parts) != 6 {
		return "", "", time.Time{}, false
	}
	ts, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return "", "", time.Time{}, false
	}
	q, okQ := strings.CutPrefix(parts[4], "q=")
	a, okA := strings.CutPrefix(parts[5], "a=")
	if !okQ || !okA {
		return "", "", time.Time{}, false
	}
	query, err1 := url.QueryUnescape(q)
	response, err2 := url.QueryUnescape(a)
	if err1 != nil || err2 != nil || query == "" || response == "" {
		return "", "", time.Time{}, false
	}
	return query, response, time.Unix(ts, 0), true
}
