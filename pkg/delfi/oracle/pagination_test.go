package oracle

import (
	"errors"
	"testing"
	"time"
)

func TestNextWalksSequenceInOrder(t *testing.T) {
	p := NewPaginator(10 * time.Minute)
	p.Begin("!a1", []string{"one", "two", "three"}, 1)

	page, err := p.Next("!a1")
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if page.Text != "two" || page.Index != 2 || page.Last {
		t.Errorf("Next() = %+v, want chunk two (2/3, not last)", page)
	}

	page, err = p.Next("!a1")
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if page.Text != "three" || !page.Last {
		t.Errorf("Next() = %+v, want chunk three (last)", page)
	}

	if _, err := p.Next("!a1"); !errors.Is(err, ErrEndOfSequence) {
		t.Errorf("Next() past end error = %v, want ErrEndOfSequence", err)
	}
}

func TestRegetDoesNotMoveCursor(t *testing.T) {
	p := NewPaginator(10 * time.Minute)
	p.Begin("!a1", []string{"one", "two", "three"}, 1)

	page, err := p.Reget("!a1", 3)
	if err != nil {
		t.Fatalf("Reget(3) error = %v", err)
	}
	if page.Text != "three" || page.Index != 3 {
		t.Errorf("Reget(3) = %+v, want chunk three", page)
	}

	// The cursor is still at chunk 1, so Next serves chunk 2.
	page, err = p.Next("!a1")
	if err != nil {
		t.Fatalf("Next() after Reget error = %v", err)
	}
	if page.Text != "two" {
		t.Errorf("Next() after Reget = %q, want %q", page.Text, "two")
	}
}

func TestRegetAfterSequenceEnd(t *testing.T) {
	p := NewPaginator(10 * time.Minute)
	p.Begin("!a1", []string{"one", "two"}, 1)

	if _, err := p.Next("!a1"); err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if _, err := p.Next("!a1"); !errors.Is(err, ErrEndOfSequence) {
		t.Fatalf("Next() error = %v, want ErrEndOfSequence", err)
	}

	// Re-fetch still works once the cursor has run off the end.
	page, err := p.Reget("!a1", 1)
	if err != nil {
		t.Fatalf("Reget(1) error = %v", err)
	}
	if page.Text != "one" {
		t.Errorf("Reget(1) = %q, want %q", page.Text, "one")
	}
}

func TestRegetIndexValidation(t *testing.T) {
	p := NewPaginator(10 * time.Minute)
	p.Begin("!a1", []string{"one", "two", "three"}, 1)

	tests := []struct {
		name  string
		index int
	}{
		{"zero", 0},
		{"negative", -1},
		{"past end", 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := p.Reget("!a1", tt.index); !errors.Is(err, ErrInvalidIndex) {
				t.Errorf("Reget(%d) error = %v, want ErrInvalidIndex", tt.index, err)
			}
		})
	}
}

func TestNoActiveSequence(t *testing.T) {
	p := NewPaginator(10 * time.Minute)

	if _, err := p.Next("!a1"); !errors.Is(err, ErrNoSequence) {
		t.Errorf("Next() with no session error = %v, want ErrNoSequence", err)
	}
	if _, err := p.Reget("!a1", 1); !errors.Is(err, ErrNoSequence) {
		t.Errorf("Reget() with no session error = %v, want ErrNoSequence", err)
	}
}

func TestBeginReplacesSequence(t *testing.T) {
	p := NewPaginator(10 * time.Minute)
	p.Begin("!a1", []string{"old one", "old two"}, 1)
	p.Begin("!a1", []string{"new one", "new two"}, 1)

	page, err := p.Next("!a1")
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if page.Text != "new two" {
		t.Errorf("Next() = %q, want %q (cursor reset on new sequence)", page.Text, "new two")
	}
}

func TestBeginClampsDelivered(t *testing.T) {
	p := NewPaginator(10 * time.Minute)
	p.Begin("!a1", []string{"one", "two", "three"}, 5)

	delivered, total, ok := p.Active("!a1")
	if !ok || delivered != 3 || total != 3 {
		t.Errorf("Active() = (%d, %d, %v), want (3, 3, true)", delivered, total, ok)
	}
	if _, err := p.Next("!a1"); !errors.Is(err, ErrEndOfSequence) {
		t.Errorf("Next() error = %v, want ErrEndOfSequence", err)
	}
}

func TestSessionExpiry(t *testing.T) {
	p := NewPaginator(10 * time.Minute)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	p.now = func() time.Time { return now }

	p.Begin("!a1", []string{"one", "two"}, 1)

	now = base.Add(10*time.Minute + time.Second)
	if _, err := p.Next("!a1"); !errors.Is(err, ErrNoSequence) {
		t.Errorf("Next() on expired session error = %v, want ErrNoSequence", err)
	}
}

func TestClear(t *testing.T) {
	p := NewPaginator(10 * time.Minute)
	p.Begin("!a1", []string{"one", "two"}, 1)
	p.Clear("!a1")

	if _, _, ok := p.Active("!a1"); ok {
		t.Error("Active() after Clear = true, want false")
	}
}

func TestAutoSentChunksAdvanceCursor(t *testing.T) {
	p := NewPaginator(10 * time.Minute)
	// Three chunks pushed automatically out of five.
	p.Begin("!a1", []string{"c1", "c2", "c3", "c4", "c5"}, 3)

	page, err := p.Next("!a1")
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if page.Text != "c4" || page.Index != 4 {
		t.Errorf("Next() = %+v, want chunk c4", page)
	}
}
