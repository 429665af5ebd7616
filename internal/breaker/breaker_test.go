package breaker

import (
	"testing"
	"time"
)

// fakeClock lets tests step time deterministically.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time             { return c.t }
func (c *fakeClock) advance(d time.Duration)    { c.t = c.t.Add(d) }

func newTestBreaker() (*Breaker, *fakeClock) {
	clk := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	b := New("fcm", Settings{
		ErrorThreshold:       0.05,
		Window:               time.Hour,
		MinRequests:          10,
		OpenTimeout:          10 * time.Minute,
		ErrorDuration:        2 * time.Minute,
		HalfOpenMaxRequests:  10,
		HalfOpenSuccessCount: 10,
	}, Hooks{})
	b.now = clk.now
	return b, clk
}

func TestBreaker_StaysClosedBelowMinRequests(t *testing.T) {
	b, _ := newTestBreaker()
	for i := 0; i < 9; i++ {
		b.RecordFailure()
	}
	if got := b.GetState(); got != Closed {
		t.Fatalf("expected closed below minimum requests, got %s", got)
	}
}

func TestBreaker_OpensAfterPersistentErrorRate(t *testing.T) {
	b, clk := newTestBreaker()

	for i := 0; i < 10; i++ {
		b.RecordFailure()
	}
	// Rate is over threshold but has not persisted yet.
	if got := b.GetState(); got != Closed {
		t.Fatalf("expected closed before error duration elapses, got %s", got)
	}

	clk.advance(2 * time.Minute)
	b.RecordFailure()
	if got := b.GetState(); got != Open {
		t.Fatalf("expected open after error rate persisted, got %s", got)
	}
	if b.AllowRequest() {
		t.Fatal("open breaker must short-circuit requests")
	}
}

func TestBreaker_HalfOpenProbesAndClose(t *testing.T) {
	b, clk := newTestBreaker()

	for i := 0; i < 10; i++ {
		b.RecordFailure()
	}
	clk.advance(2 * time.Minute)
	b.RecordFailure()
	if b.GetState() != Open {
		t.Fatal("setup: breaker should be open")
	}

	clk.advance(10 * time.Minute)
	if !b.AllowRequest() {
		t.Fatal("expected first probe admitted after open timeout")
	}
	if got := b.GetState(); got != HalfOpen {
		t.Fatalf("expected half_open, got %s", got)
	}

	// Remaining 9 probes admitted, the 11th rejected.
	for i := 0; i < 9; i++ {
		if !b.AllowRequest() {
			t.Fatalf("probe %d should be admitted", i+2)
		}
	}
	if b.AllowRequest() {
		t.Fatal("probe beyond halfOpenMaxRequests should be rejected")
	}

	for i := 0; i < 10; i++ {
		b.RecordSuccess()
	}
	if got := b.GetState(); got != Closed {
		t.Fatalf("expected closed after success threshold, got %s", got)
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, clk := newTestBreaker()

	for i := 0; i < 10; i++ {
		b.RecordFailure()
	}
	clk.advance(2 * time.Minute)
	b.RecordFailure()
	clk.advance(10 * time.Minute)
	b.AllowRequest() // enters half-open

	b.RecordFailure()
	if got := b.GetState(); got != Open {
		t.Fatalf("expected open after half-open failure, got %s", got)
	}
	// Timeout restarts: immediately after reopening, requests are blocked.
	if b.AllowRequest() {
		t.Fatal("expected requests blocked right after reopening")
	}
	clk.advance(10 * time.Minute)
	if !b.AllowRequest() {
		t.Fatal("expected probe admitted after restarted timeout")
	}
}

func TestBreaker_WindowPruning(t *testing.T) {
	b, clk := newTestBreaker()

	for i := 0; i < 10; i++ {
		b.RecordFailure()
	}
	// Old failures age out of the window; fresh successes keep it closed.
	clk.advance(61 * time.Minute)
	for i := 0; i < 10; i++ {
		b.RecordSuccess()
	}
	stats := b.GetStats()
	if stats.Failures != 0 {
		t.Fatalf("expected pruned window, got %d failures", stats.Failures)
	}
	if stats.State != Closed {
		t.Fatalf("expected closed, got %s", stats.State)
	}
}
