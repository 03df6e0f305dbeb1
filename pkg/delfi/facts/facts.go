// Package facts serves structured sensor readings for absolute-truth
// queries. An external collector writes a JSON feed file; the store
// ingests it, tracks freshness, and answers measurement questions
// directly so time-sensitive values never pass through the model.
//
// Feed schema (one JSON object per file):
//
//	{
//	  "<fact_key>": {
//	    "value":               <number, string or bool>,
//	    "unit":                "<string>",           (optional)
//	    "timestamp":           "<RFC 3339>",
//	    "source":              "<string>",
//	    "stale_after_seconds": <int>,                (optional, default 3600)
//	    "confidence":          <0.0-1.0>             (optional)
//	  }
//	}
package facts

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

const defaultStaleAfter = 3600

var tokenRe = regexp.MustCompile(`[^a-zA-Z0-9]+`)

// Fact is one named reading from the sensor feed.
type Fact struct {
	Value      any      `json:"value"`
	Unit       string   `json:"unit,omitempty"`
	Timestamp  string   `json:"timestamp"`
	Source     string   `json:"source"`
	StaleAfter int      `json:"stale_after_seconds,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// Reading is a Fact enriched with freshness at read time.
type Reading struct {
	Key string
	Fact
	Age   time.Duration
	Stale bool
}

// Store holds the current fact set, reloading the feed file when its
// mtime changes. All methods are safe for concurrent use.
type Store struct {
	mu        sync.Mutex
	facts     map[string]Fact
	feedFile  string
	feedMtime time.Time

	// persistFile keeps ingested facts across restarts. Empty disables.
	persistFile string

	logger *slog.Logger
	now    func() time.Time
}

// New creates a fact store reading from feedFile. Previously persisted
// facts are loaded immediately; the feed itself is picked up on the
// first Refresh.
func New(feedFile, persistFile string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		facts:       make(map[string]Fact),
		feedFile:    feedFile,
		persistFile: persistFile,
		logger:      logger.With("component", "facts"),
		now:         time.Now,
	}
	s.loadPersisted()
	return s
}

// Refresh re-reads the feed file when it changed since the last call.
// Missing or malformed feeds are logged and skipped, never fatal.
func (s *Store) Refresh() {
	info, err := os.Stat(s.feedFile)
	if err != nil {
		return
	}

	s.mu.Lock()
	unchanged := !info.ModTime().After(s.feedMtime)
	if !unchanged {
		s.feedMtime = info.ModTime()
	}
	s.mu.Unlock()
	if unchanged {
		return
	}

	data, err := os.ReadFile(s.feedFile)
	if err != nil {
		s.logger.Warn("reading fact feed failed", "error", err)
		return
	}

	var payload map[string]Fact
	if err := json.Unmarshal(data, &payload); err != nil {
		s.logger.Warn("invalid JSON in fact feed", "error", err)
		return
	}

	count, errs := s.Ingest(payload)
	if count > 0 {
		s.logger.Info("fact feed updated", "ingested", count)
	}
	for _, e := range errs {
		s.logger.Warn("fact feed entry rejected", "reason", e)
	}
}

// Ingest upserts facts from a payload. Invalid entries are reported
// and skipped; valid ones land even when siblings fail.
func (s *Store) Ingest(payload map[string]Fact) (int, []string) {
	var errs []string
	count := 0

	for key, f := range payload {
		if f.Value == nil {
			errs = append(errs, fmt.Sprintf("%s: missing value", key))
			continue
		}
		if f.Timestamp == "" || f.Source == "" {
			errs = append(errs, fmt.Sprintf("%s: missing timestamp or source", key))
			continue
		}
		if f.StaleAfter <= 0 {
			f.StaleAfter = defaultStaleAfter
		}

		s.mu.Lock()
		s.facts[key] = f
		s.mu.Unlock()
		count++
	}

	if count > 0 {
		s.savePersisted()
	}
	return count, errs
}

// Get returns a single enriched reading.
func (s *Store) Get(key string) (Reading, bool) {
	s.mu.Lock()
	f, ok := s.facts[key]
	s.mu.Unlock()
	if !ok {
		return Reading{}, false
	}
	return s.enrich(key, f), true
}

// All returns every reading, sorted by key.
func (s *Store) All() []Reading {
	s.mu.Lock()
	keys := make([]string, 0, len(s.facts))
	for k := range s.facts {
		keys = append(keys, k)
	}
	s.mu.Unlock()
	sort.Strings(keys)

	out := make([]Reading, 0, len(keys))
	for _, k := range keys {
		if r, ok := s.Get(k); ok {
			out = append(out, r)
		}
	}
	return out
}

// HasFacts reports whether anything has been ingested.
func (s *Store) HasFacts() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.facts) > 0
}

// FormatValue renders one fact for the radio. Stale readings carry
// their original timestamp and an explicit caveat.
func (s *Store) FormatValue(key string) (string, bool) {
	r, ok := s.Get(key)
	if !ok {
		return "", false
	}

	unit := ""
	if r.Unit != "" {
		unit = " " + r.Unit
	}
	conf := ""
	if r.Confidence != nil {
		conf = fmt.Sprintf(", %d%% conf", int(*r.Confidence*100))
	}
	label := titleCase(strings.ReplaceAll(key, "_", " "))
	age := formatAge(r.Age)

	if r.Stale {
		return fmt.Sprintf("%s: %v%s (%s, as of %s — %s ago%s — may not be current)",
			label, r.Value, unit, r.Source, formatStamp(r.Timestamp), age, conf), true
	}
	return fmt.Sprintf("%s: %v%s (%s, %s ago%s)", label, r.Value, unit, r.Source, age, conf), true
}

// Snapshot renders all facts as one compact block for !data.
func (s *Store) Snapshot() string {
	all := s.All()
	if len(all) == 0 {
		return "No sensor data available."
	}

	lines := make([]string, 0, len(all))
	for _, r := range all {
		unit := ""
		if r.Unit != "" {
			unit = " " + r.Unit
		}
		stale := ""
		if r.Stale {
			stale = " [STALE]"
		}
		lines = append(lines, fmt.Sprintf("%s: %v%s (%s ago)%s",
			r.Key, r.Value, unit, formatAge(r.Age), stale))
	}
	return strings.Join(lines, "\n")
}

// MatchQuery answers a measurement question straight from the store.
// It bails fast unless one of the configured keywords appears in the
// query, then returns facts whose key tokens overlap the query tokens.
// ok is false when the query should fall through to retrieval.
func (s *Store) MatchQuery(query string, keywords []string) (string, bool) {
	if !s.HasFacts() {
		return "", false
	}

	qLower := strings.ToLower(query)
	hit := false
	for _, kw := range keywords {
		if kw != "" && strings.Contains(qLower, strings.ToLower(kw)) {
			hit = true
			break
		}
	}
	if !hit {
		return "", false
	}

	qTokens := tokenSet(qLower)
	var matched []string
	for _, r := range s.All() {
		for token := range tokenSet(strings.ToLower(r.Key)) {
			if _, ok := qTokens[token]; ok {
				matched = append(matched, r.Key)
				break
			}
		}
	}
	if len(matched) == 0 {
		return "", false
	}

	sort.Strings(matched)
	var lines []string
	for _, key := range matched {
		if line, ok := s.FormatValue(key); ok {
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		return "", false
	}
	// Joined on one line so a multi-fact answer still fits a frame.
	return strings.Join(lines, " | "), true
}

func (s *Store) enrich(key string, f Fact) Reading {
	age := s.age(f.Timestamp)
	return Reading{
		Key:   key,
		Fact:  f,
		Age:   age,
		Stale: age > time.Duration(f.StaleAfter)*time.Second,
	}
}

// age computes seconds since an RFC 3339 timestamp, zero on parse
// failure so a bad stamp reads as fresh rather than ancient.
func (s *Store) age(stamp string) time.Duration {
	t, err := parseStamp(stamp)
	if err != nil {
		return 0
	}
	return s.now().Sub(t)
}

func parseStamp(stamp string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, stamp); err == nil {
		return t, nil
	}
	// Collector scripts sometimes omit the zone; treat as UTC.
	return time.ParseInLocation("2006-01-02T15:04:05", stamp, time.UTC)
}

func formatStamp(stamp string) string {
	t, err := parseStamp(stamp)
	if err != nil {
		return stamp
	}
	return t.UTC().Format("Jan 02 15:04")
}

func formatAge(age time.Duration) string {
	s := int(age.Seconds())
	if s < 0 {
		s = 0
	}
	switch {
	case s < 60:
		return fmt.Sprintf("%d sec", s)
	case s < 3600:
		return fmt.Sprintf("%d min", s/60)
	case s < 86400:
		return fmt.Sprintf("%d hr", s/3600)
	default:
		return fmt.Sprintf("%d day(s)", s/86400)
	}
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

func tokenSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range tokenRe.Split(s, -1) {
		if tok != "" {
			set[tok] = struct{}{}
		}
	}
	return set
}

func (s *Store) loadPersisted() {
	if s.persistFile == "" {
		return
	}
	data, err := os.ReadFile(s.persistFile)
	if err != nil {
		return
	}
	var facts map[string]Fact
	if err := json.Unmarshal(data, &facts); err != nil {
		s.logger.Warn("could not load persisted facts", "error", err)
		return
	}
	s.mu.Lock()
	s.facts = facts
	s.mu.Unlock()
	s.logger.Info("loaded persisted facts", "count", len(facts))
}

func (s *Store) savePersisted() {
	if s.persistFile == "" {
		return
	}
	s.mu.Lock()
	data, err := json.MarshalIndent(s.facts, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.persistFile), 0o755); err != nil {
		s.logger.Warn("could not persist facts", "error", err)
		return
	}
	if err := os.WriteFile(s.persistFile, data, 0o644); err != nil {
		s.logger.Warn("could not persist facts", "error", err)
	}
}
