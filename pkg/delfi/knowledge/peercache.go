// Package knowledge – peercache.go matches incoming questions against
// the Tier 2 cache of answers learned from configured peers.
package knowledge

import (
	"time"
)

const (
	// matchThreshold is the minimum word overlap for a cached peer
	// answer to count as a hit.
	matchThreshold = 0.5

	// matchWindow bounds how many recent cache entries are scored
	// per query.
	matchWindow = 100
)

// PeerMatch is a peer-cache hit: a previously synced answer whose
// original question overlaps the current one.
type PeerMatch struct {
	PeerName string
	Query    string
	Response string
	Received time.Time
}

// matchPeerCache scores the newest cached entries against the query
// by word overlap and returns the best match over the threshold.
// Rows this node cached under its own ID are shareable with peers
// but are never peer knowledge here. Callers hold ts.mu.
func (ts *TrustStore) matchPeerCache(query string) *PeerMatch {
	queryWords := wordSet(query)
	if len(queryWords) == 0 {
		return nil
	}

	entries, err := ts.st.RecentPeerAnswers(matchWindow)
	if err != nil {
		ts.logger.Warn("peer cache lookup failed", "error", err)
		return nil
	}

	self := ts.SelfID()
	var best *PeerMatch
	bestScore := 0.0
	for _, e := range entries {
		if self != "" && e.PeerID == self {
			continue
		}
		cachedWords := wordSet(e.Query)
		if len(cachedWords) == 0 {
			continue
		}

		overlap := 0
		for w := range queryWords {
			if _, ok := cachedWords[w]; ok {
				overlap++
			}
		}
		denom := len(queryWords)
		if len(cachedWords) > denom {
			denom = len(cachedWords)
		}

		score := float64(overlap) / float64(denom)
		if score > matchThreshold && score > bestScore {
			bestScore = score
			best = &PeerMatch{
				PeerName: e.PeerName,
				Query:    e.Query,
				Response: e.Response,
				Received: e.Received,
			}
		}
	}

	if best != nil {
		ts.logger.Info("peer cache hit",
			"peer", best.PeerName, "score", bestScore, "query", preview(query, 50))
	}
	return best
}

// cacheTTL is how long cached answers live, from sync.max_cache_age.
func (ts *TrustStore) cacheTTL() time.Duration {
	ttl, err := ParseAge(ts.cfg.Sync.MaxCacheAge)
	if err != nil || ttl <= 0 {
		return 7 * 24 * time.Hour
	}
	return ttl
}
