// Package oracle – pagination.go implements the per-sender cursor over
// a chunked answer. A sender pulls the rest of a long answer with
// !more (advance) and !more N (re-fetch, cursor unchanged).
package oracle

import (
	"errors"
	"sync"
	"time"
)

// Pagination errors, mapped to user-facing hints by the command layer.
var (
	ErrNoSequence    = errors.New("no active chunk sequence")
	ErrEndOfSequence = errors.New("end of chunk sequence")
	ErrInvalidIndex  = errors.New("chunk index out of range")
)

// Page is one chunk served from a sender's active sequence.
type Page struct {
	Text  string
	Index int // 1-based position in the sequence
	Total int
	Last  bool
}

type pageSession struct {
	chunks    []string
	cursor    int // index of the last delivered chunk, 0-based
	createdAt time.Time
}

// Paginator tracks each sender's position in their most recent chunked
// answer. Sessions expire after a TTL so a stale !more days later
// doesn't replay an old answer.
type Paginator struct {
	mu       sync.Mutex
	sessions map[string]*pageSession
	ttl      time.Duration

	now func() time.Time
}

// NewPaginator creates a paginator whose sessions expire after ttl.
func NewPaginator(ttl time.Duration) *Paginator {
	return &Paginator{
		sessions: make(map[string]*pageSession),
		ttl:      ttl,
		now:      time.Now,
	}
}

// Begin starts a new sequence for a sender, replacing any previous
// one. delivered is how many leading chunks were already pushed to the
// sender (at least 1, the first frame of the answer).
func (p *Paginator) Begin(senderID string, chunks []string, delivered int) {
	if len(chunks) == 0 {
		return
	}
	if delivered < 1 {
		delivered = 1
	}
	if delivered > len(chunks) {
		delivered = len(chunks)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions[senderID] = &pageSession{
		chunks:    chunks,
		cursor:    delivered - 1,
		createdAt: p.now(),
	}
}

// Clear drops a sender's sequence. Called when a new answer fits in a
// single frame, so the cursor always refers to the latest answer.
func (p *Paginator) Clear(senderID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sessions, senderID)
}

// Next advances the sender's cursor and returns the following chunk.
// Past the end it returns ErrEndOfSequence and leaves the sequence in
// place so !more N re-fetches still work.
func (p *Paginator) Next(senderID string) (Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, err := p.session(senderID)
	if err != nil {
		return Page{}, err
	}
	if s.cursor+1 >= len(s.chunks) {
		return Page{}, ErrEndOfSequence
	}

	s.cursor++
	return p.page(s, s.cursor), nil
}

// Reget re-serves chunk index (1-based) without moving the cursor.
func (p *Paginator) Reget(senderID string, index int) (Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, err := p.session(senderID)
	if err != nil {
		return Page{}, err
	}
	if index < 1 || index > len(s.chunks) {
		return Page{}, ErrInvalidIndex
	}
	return p.page(s, index-1), nil
}

// Active reports the sender's position: chunks delivered so far and
// the sequence total. ok is false when there is no live sequence.
func (p *Paginator) Active(senderID string) (delivered, total int, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, err := p.session(senderID)
	if err != nil {
		return 0, 0, false
	}
	return s.cursor + 1, len(s.chunks), true
}

// Sweep reaps sessions past the TTL that no !more has touched.
// Returns how many were removed.
func (p *Paginator) Sweep() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	removed := 0
	for id, s := range p.sessions {
		if p.now().Sub(s.createdAt) > p.ttl {
			delete(p.sessions, id)
			removed++
		}
	}
	return removed
}

// session returns the sender's live session, reaping it when expired.
// Caller holds p.mu.
func (p *Paginator) session(senderID string) (*pageSession, error) {
	s, ok := p.sessions[senderID]
	if !ok {
		return nil, ErrNoSequence
	}
	if p.now().Sub(s.createdAt) > p.ttl {
		delete(p.sessions, senderID)
		return nil, ErrNoSequence
	}
	return s, nil
}

func (p *Paginator) page(s *pageSession, i int) Page {
	return Page{
		Text:  s.chunks[i],
		Index: i + 1,
		Total: len(s.chunks),
		Last:  i == len(s.chunks)-1,
	}
}
