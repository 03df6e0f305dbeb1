package knowledge

import (
	"strings"
	"testing"
	"time"

	"github.com/delfinet/delfi/pkg/delfi/store"
)

type sentFrame struct {
	to   string
	text string
}

func TestInWindow(t *testing.T) {
	at := func(hour, min int) time.Time {
		return time.Date(2026, 3, 1, hour, min, 0, 0, time.UTC)
	}
	tests := []struct {
		name       string
		start, end string
		now        time.Time
		want       bool
	}{
		{"inside", "02:00", "05:00", at(3, 0), true},
		{"start is inclusive", "02:00", "05:00", at(2, 0), true},
		{"end is exclusive", "02:00", "05:00", at(5, 0), false},
		{"just before", "02:00", "05:00", at(1, 59), false},
		{"midday", "02:00", "05:00", at(12, 0), false},
		{"wraps midnight, before midnight", "22:00", "02:00", at(23, 30), true},
		{"wraps midnight, after midnight", "22:00", "02:00", at(1, 0), true},
		{"wraps midnight, outside", "22:00", "02:00", at(12, 0), false},
		{"zero-length window", "02:00", "02:00", at(2, 0), false},
		{"malformed start", "2am", "05:00", at(3, 0), false},
		{"malformed end", "02:00", "", at(3, 0), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := InWindow(tt.now, tt.start, tt.end); got != tt.want {
				t.Errorf("InWindow(%v, %q, %q) = %v, want %v",
					tt.now.Format("15:04"), tt.start, tt.end, got, tt.want)
			}
		})
	}
}

func TestWindowAnchor(t *testing.T) {
	now := time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC)
	if got := windowAnchor(now, "02:00"); !got.Equal(time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)) {
		t.Errorf("windowAnchor() = %v, want same-day 02:00", got)
	}

	// Past midnight the window opened yesterday evening.
	now = time.Date(2026, 3, 1, 1, 0, 0, 0, time.UTC)
	if got := windowAnchor(now, "22:00"); !got.Equal(time.Date(2026, 2, 28, 22, 0, 0, 0, time.UTC)) {
		t.Errorf("windowAnchor() = %v, want previous-day 22:00", got)
	}
}

func TestParseAge(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"7d", 7 * 24 * time.Hour, false},
		{"1.5d", 36 * time.Hour, false},
		{"12h", 12 * time.Hour, false},
		{"90m", 90 * time.Minute, false},
		{" 7d ", 7 * 24 * time.Hour, false},
		{"", 0, true},
		{"soon", 0, true},
		{"xd", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseAge(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseAge(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err == nil && got != tt.want {
			t.Errorf("ParseAge(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSyncEntryFrameRoundTrip(t *testing.T) {
	received := time.Date(2026, 3, 1, 4, 0, 0, 0, time.UTC)
	frame := formatSyncEntry(store.PeerAnswer{
		Query:    "where is gate a?",
		Response: "Gate A: north side, by the café.",
		Received: received,
	}, 230)

	if len(frame) > 230 {
		t.Fatalf("frame is %d bytes, want <= 230", len(frame))
	}

	kind, parts, ok := parseSyncFrame(frame)
	if !ok || kind != frameSyncEntry {
		t.Fatalf("parseSyncFrame(%q) = %q, %v", frame, kind, ok)
	}
	query, response, ts, ok := parseSyncEntry(parts)
	if !ok {
		t.Fatalf("parseSyncEntry() rejected %q", frame)
	}
	if query != "where is gate a?" {
		t.Errorf("query = %q", query)
	}
	if response != "Gate A: north side, by the café." {
		t.Errorf("response = %q", response)
	}
	if ts.Unix() != received.Unix() {
		t.Errorf("received = %v, want %v", ts, received)
	}
}

func TestSyncEntryFrameTrimsToFit(t *testing.T) {
	long := strings.Repeat("the spring runs clear all summer ", 40)
	frame := formatSyncEntry(store.PeerAnswer{
		Query:    "is the spring safe to drink from",
		Response: long,
		Received: time.Now(),
	}, 230)

	if len(frame) > 230 {
		t.Fatalf("frame is %d bytes, want <= 230", len(frame))
	}
	kind, parts, ok := parseSyncFrame(frame)
	if !ok || kind != frameSyncEntry {
		t.Fatalf("parseSyncFrame() = %q, %v", kind, ok)
	}
	_, response, _, ok := parseSyncEntry(parts)
	if !ok {
		t.Fatal("parseSyncEntry() rejected trimmed frame")
	}
	if response == "" {
		t.Fatal("trimmed response is empty")
	}
	if !strings.HasPrefix(long, response) {
		t.Errorf("trimmed response %q is not a prefix of the original", response)
	}
}

func TestSyncReqFrame(t *testing.T) {
	frame := formatSyncReq(time.Time{}, 7*24*time.Hour)
	if frame != "DEL-FI:1:SYNC-REQ:0:604800" {
		t.Errorf("formatSyncReq(never) = %q", frame)
	}

	_, parts, _ := parseSyncFrame(frame)
	req, ok := parseSyncReq(parts)
	if !ok {
		t.Fatal("parseSyncReq() rejected own frame")
	}
	if !req.Since.IsZero() {
		t.Errorf("Since = %v, want zero", req.Since)
	}
	if req.MaxAge != 7*24*time.Hour {
		t.Errorf("MaxAge = %v, want 168h", req.MaxAge)
	}

	since := time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC)
	_, parts, _ = parseSyncFrame(formatSyncReq(since, time.Hour))
	req, ok = parseSyncReq(parts)
	if !ok || req.Since.Unix() != since.Unix() {
		t.Errorf("parseSyncReq() since = %v, want %v", req.Since, since)
	}
}

func TestTickOncePerWindow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Sync.Enabled = true
	cfg.Peers = []PeerConfig{{NodeID: "!peer0001", Name: "Nomad"}}
	ts, _ := newTestTrust(t, cfg, &fakeOperator{})

	var frames []sentFrame
	s := NewSyncer(ts, func(to, text string) {
		frames = append(frames, sentFrame{to, text})
	}, 230, discardLogger())
	now := time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	s.Tick()
	if len(frames) != 1 {
		t.Fatalf("Tick() sent %d frames, want 1", len(frames))
	}
	if frames[0].to != "!peer0001" {
		t.Errorf("request sent to %q, want !peer0001", frames[0].to)
	}
	kind, parts, ok := parseSyncFrame(frames[0].text)
	if !ok || kind != frameSyncReq {
		t.Fatalf("first frame = %q, want a sync request", frames[0].text)
	}
	req, _ := parseSyncReq(parts)
	if !req.Since.IsZero() {
		t.Errorf("first request Since = %v, want zero (never synced)", req.Since)
	}
	if s.State() != StateExchanging {
		t.Errorf("State() = %v, want exchanging", s.State())
	}

	// Session in flight: no second request.
	s.Tick()
	if len(frames) != 1 {
		t.Errorf("Tick() during exchange sent %d frames, want 1", len(frames))
	}

	if !s.HandleFrame("!peer0001", formatSyncEnd(0)) {
		t.Fatal("HandleFrame() did not recognize SYNC-END")
	}
	if s.State() != StateWindowOpen {
		t.Errorf("State() after exchange = %v, want window-open", s.State())
	}

	// Done for this window.
	s.Tick()
	if len(frames) != 1 {
		t.Errorf("Tick() after exchange sent %d frames, want 1", len(frames))
	}

	// Next night: a fresh request resuming from the sync point.
	now = now.Add(24 * time.Hour)
	s.Tick()
	if len(frames) != 2 {
		t.Fatalf("Tick() next window sent %d frames total, want 2", len(frames))
	}
	_, parts, _ = parseSyncFrame(frames[1].text)
	req, _ = parseSyncReq(parts)
	if req.Since.Unix() != now.Add(-24*time.Hour).Unix() {
		t.Errorf("resumed Since = %v, want last window's end", req.Since)
	}
}

func TestTickOutsideWindow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Sync.Enabled = true
	cfg.Peers = []PeerConfig{{NodeID: "!peer0001", Name: "Nomad"}}
	ts, _ := newTestTrust(t, cfg, &fakeOperator{})

	var frames []sentFrame
	s := NewSyncer(ts, func(to, text string) {
		frames = append(frames, sentFrame{to, text})
	}, 230, discardLogger())
	s.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	s.Tick()
	if len(frames) != 0 {
		t.Errorf("Tick() outside window sent %d frames, want 0", len(frames))
	}
	if s.State() != StateIdle {
		t.Errorf("State() = %v, want idle", s.State())
	}
}

func TestTickDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Peers = []PeerConfig{{NodeID: "!peer0001", Name: "Nomad"}}
	ts, _ := newTestTrust(t, cfg, &fakeOperator{})

	var frames []sentFrame
	s := NewSyncer(ts, func(to, text string) {
		frames = append(frames, sentFrame{to, text})
	}, 230, discardLogger())
	s.now = func() time.Time { return time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC) }

	s.Tick()
	if len(frames) != 0 {
		t.Errorf("Tick() with sync disabled sent %d frames, want 0", len(frames))
	}
}

func TestServeRequest(t *testing.T) {
	week := 7 * 24 * time.Hour
	cfg := DefaultConfig()
	cfg.ServeToPeers = true
	cfg.Peers = []PeerConfig{{NodeID: "!asker001", Name: "Nomad"}}
	ts, st := newTestTrust(t, cfg, &fakeOperator{})
	ts.SetSelfID("!self0001")

	seed := []store.PeerAnswer{
		{PeerID: "!asker001", PeerName: "Nomad", Query: "q from asker", Response: "their own", Received: time.Now().Add(-3 * time.Hour), TTL: week},
		{PeerID: "!other001", PeerName: "Scout", Query: "where is gate a", Response: "Gate A is north.", Received: time.Now().Add(-2 * time.Hour), TTL: week},
		{PeerID: "!self0001", PeerName: "Del-Fi", Query: "when does the market open", Response: "9am daily.", Received: time.Now().Add(-time.Hour), TTL: week},
	}
	for _, a := range seed {
		if err := st.SavePeerAnswer(a); err != nil {
			t.Fatalf("SavePeerAnswer() error = %v", err)
		}
	}

	var frames []sentFrame
	s := NewSyncer(ts, func(to, text string) {
		frames = append(frames, sentFrame{to, text})
	}, 230, discardLogger())

	if !s.HandleFrame("!asker001", formatSyncReq(time.Time{}, week)) {
		t.Fatal("HandleFrame() did not recognize SYNC-REQ")
	}

	// Two entries (the asker's own rows are skipped) plus the end marker.
	if len(frames) != 3 {
		t.Fatalf("served %d frames, want 3: %+v", len(frames), frames)
	}
	var queries []string
	for _, f := range frames[:2] {
		_, parts, _ := parseSyncFrame(f.text)
		q, _, _, ok := parseSyncEntry(parts)
		if !ok {
			t.Fatalf("served entry does not parse: %q", f.text)
		}
		queries = append(queries, q)
	}
	if queries[0] != "where is gate a" || queries[1] != "when does the market open" {
		t.Errorf("served queries = %v, want oldest first excluding requester", queries)
	}
	if frames[2].text != formatSyncEnd(2) {
		t.Errorf("last frame = %q, want %q", frames[2].text, formatSyncEnd(2))
	}
}

func TestServeRequestGates(t *testing.T) {
	tests := []struct {
		name  string
		serve bool
		from  string
	}{
		{"serving disabled", false, "!asker001"},
		{"untrusted requester", true, "!stranger"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.ServeToPeers = tt.serve
			cfg.Peers = []PeerConfig{{NodeID: "!asker001", Name: "Nomad"}}
			ts, _ := newTestTrust(t, cfg, &fakeOperator{})

			var frames []sentFrame
			s := NewSyncer(ts, func(to, text string) {
				frames = append(frames, sentFrame{to, text})
			}, 230, discardLogger())

			if !s.HandleFrame(tt.from, formatSyncReq(time.Time{}, time.Hour)) {
				t.Fatal("HandleFrame() did not recognize SYNC-REQ")
			}
			if len(frames) != 0 {
				t.Errorf("refused request produced %d frames, want 0", len(frames))
			}
		})
	}
}

func TestAcceptEntries(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Sync.Enabled = true
	cfg.Peers = []PeerConfig{{NodeID: "!peer0001", Name: "Nomad"}}
	op := &fakeOperator{topics: []string{"market-hours"}}
	ts, st := newTestTrust(t, cfg, op)

	var frames []sentFrame
	s := NewSyncer(ts, func(to, text string) {
		frames = append(frames, sentFrame{to, text})
	}, 230, discardLogger())
	now := time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	s.Tick()
	if s.State() != StateExchanging {
		t.Fatalf("State() = %v, want exchanging", s.State())
	}

	good := formatSyncEntry(store.PeerAnswer{
		Query: "where is gate a", Response: "North side.", Received: now.Add(-time.Hour),
	}, 230)
	contradicting := formatSyncEntry(store.PeerAnswer{
		Query: "what are the market hours", Response: "9 to 5.", Received: now.Add(-time.Hour),
	}, 230)

	if !s.HandleFrame("!peer0001", good) {
		t.Fatal("HandleFrame() did not recognize SYNC-ENTRY")
	}
	s.HandleFrame("!peer0001", contradicting)
	s.HandleFrame("!peer0001", formatSyncEnd(2))

	if n, _ := st.CountPeerAnswers(); n != 1 {
		t.Errorf("CountPeerAnswers() = %d, want 1 (contradiction rejected)", n)
	}
	point, err := st.LastSyncPoint("!peer0001")
	if err != nil {
		t.Fatalf("LastSyncPoint() error = %v", err)
	}
	if point.Unix() != now.Unix() {
		t.Errorf("sync point = %v, want %v", point, now)
	}

	// The exchange is over; stray entries no longer land anywhere.
	s.HandleFrame("!peer0001", good)
	if n, _ := st.CountPeerAnswers(); n != 1 {
		t.Errorf("CountPeerAnswers() after stray entry = %d, want 1", n)
	}
}

func TestSessionTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Sync.Enabled = true
	cfg.Peers = []PeerConfig{{NodeID: "!peer0001", Name: "Nomad"}}
	ts, st := newTestTrust(t, cfg, &fakeOperator{})

	var frames []sentFrame
	s := NewSyncer(ts, func(to, text string) {
		frames = append(frames, sentFrame{to, text})
	}, 230, discardLogger())
	now := time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	s.Tick()
	if s.State() != StateExchanging {
		t.Fatalf("State() = %v, want exchanging", s.State())
	}

	now = now.Add(3 * time.Minute)
	s.Tick()
	if len(frames) != 1 {
		t.Errorf("Tick() after timeout sent %d frames, want 1 (no retry this window)", len(frames))
	}

	// The dead session is gone and a late SYNC-END records nothing.
	s.HandleFrame("!peer0001", formatSyncEnd(0))
	point, err := st.LastSyncPoint("!peer0001")
	if err != nil {
		t.Fatalf("LastSyncPoint() error = %v", err)
	}
	if !point.IsZero() {
		t.Errorf("sync point = %v, want zero after abandoned session", point)
	}
}

func TestHandleFrameIgnoresNonSync(t *testing.T) {
	cfg := DefaultConfig()
	ts, _ := newTestTrust(t, cfg, &fakeOperator{})
	s := NewSyncer(ts, func(to, text string) {}, 230, discardLogger())

	if s.HandleFrame("!node0001", "hello there") {
		t.Error("HandleFrame() claimed a user message")
	}
	if s.HandleFrame("!node0001", "DEL-FI:1:ANNOUNCE:Nomad:topics=maps") {
		t.Error("HandleFrame() claimed an announcement")
	}
	if !s.HandleFrame("!node0001", "DEL-FI:1:SYNC-REQ:abc:def") {
		t.Error("HandleFrame() did not claim a malformed sync request")
	}
}
