// Package oracle – ratelimit.go implements per-sender admission control
// for freeform queries. Commands always pass; queries are gated by a
// per-sender timestamp so one node can't monopolize the channel.
package oracle

import (
	"sync"
	"time"
)

// Admission is the outcome of a rate-limit check. When OK is false,
// Wait holds the remaining time before the sender may query again.
type Admission struct {
	OK   bool
	Wait time.Duration
}

// RateLimiter gates freeform queries per sender. The timestamp is
// updated at admission time, not at answer completion, so a slow
// engine call does not let a burst through behind it.
type RateLimiter struct {
	mu        sync.Mutex
	interval  time.Duration
	lastQuery map[string]time.Time

	// now is replaceable in tests.
	now func() time.Time
}

// NewRateLimiter creates a limiter with the given minimum interval
// between freeform queries from the same sender.
func NewRateLimiter(interval time.Duration) *RateLimiter {
	return &RateLimiter{
		interval:  interval,
		lastQuery: make(map[string]time.Time),
		now:       time.Now,
	}
}

// Admit checks whether a message from senderID may proceed.
// Commands are always admitted and never touch the sender's timestamp.
func (l *RateLimiter) Admit(senderID string, isCommand bool) Admission {
	if isCommand {
		return Admission{OK: true}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if last, ok := l.lastQuery[senderID]; ok {
		elapsed := now.Sub(last)
		if elapsed < l.interval {
			return Admission{OK: false, Wait: l.interval - elapsed}
		}
	}

	l.lastQuery[senderID] = now
	return Admission{OK: true}
}

// Reset forgets a sender's last-query timestamp. Used when the operator
// clears a sender's state.
func (l *RateLimiter) Reset(senderID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.lastQuery, senderID)
}
