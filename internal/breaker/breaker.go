package breaker

import (
	"sync"
	"time"
)

// State of the circuit breaker.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// Settings tune one breaker. Zero values are replaced by defaults.
type Settings struct {
	ErrorThreshold       float64       // open when windowed error rate exceeds this
	Window               time.Duration // rolling outcome window
	MinRequests          int           // below this many requests the breaker stays closed
	OpenTimeout          time.Duration // open → half-open after this
	ErrorDuration        time.Duration // error rate must persist this long before opening
	HalfOpenMaxRequests  int           // probes admitted while half-open
	HalfOpenSuccessCount int           // successes needed to close again
}

func (s Settings) withDefaults() Settings {
	if s.ErrorThreshold == 0 {
		s.ErrorThreshold = 0.05
	}
	if s.Window == 0 {
		s.Window = time.Hour
	}
	if s.MinRequests == 0 {
		s.MinRequests = 10
	}
	if s.OpenTimeout == 0 {
		s.OpenTimeout = 10 * time.Minute
	}
	if s.ErrorDuration == 0 {
		s.ErrorDuration = 2 * time.Minute
	}
	if s.HalfOpenMaxRequests == 0 {
		s.HalfOpenMaxRequests = 10
	}
	if s.HalfOpenSuccessCount == 0 {
		s.HalfOpenSuccessCount = 10
	}
	return s
}

type outcome struct {
	ts      time.Time
	success bool
}

// Stats is a point-in-time snapshot for metrics and the detailed health view.
type Stats struct {
	State         State
	Requests      int
	Failures      int
	ErrorRate     float64
	OpenedAt      time.Time
	HalfOpenAdmit int
}

// Hooks receive state transitions for gauge reporting. Optional.
type Hooks struct {
	OnStateChange func(name string, from, to State)
}

// Breaker is a rolling-window error-rate circuit breaker guarding one
// outbound gateway. All methods are safe for concurrent use.
type Breaker struct {
	name     string
	settings Settings
	hooks    Hooks
	now      func() time.Time

	mu             sync.Mutex
	state          State
	window         []outcome
	overSince      time.Time // when the error rate first crossed the threshold
	openedAt       time.Time
	halfOpenAdmit  int // probes admitted this half-open period
	halfOpenOK     int // successes observed this half-open period
}

func New(name string, settings Settings, hooks Hooks) *Breaker {
	return &Breaker{
		name:     name,
		settings: settings.withDefaults(),
		hooks:    hooks,
		now:      time.Now,
		state:    Closed,
	}
}

// AllowRequest reports whether a request may proceed, admitting half-open
// probes and handling the open → half-open timeout transition.
func (b *Breaker) AllowRequest() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if b.now().Sub(b.openedAt) >= b.settings.OpenTimeout {
			b.transition(HalfOpen)
			b.halfOpenAdmit = 1
			return true
		}
		return false
	default: // HalfOpen
		if b.halfOpenAdmit < b.settings.HalfOpenMaxRequests {
			b.halfOpenAdmit++
			return true
		}
		return false
	}
}

func (b *Breaker) RecordSuccess() { b.record(true) }
func (b *Breaker) RecordFailure() { b.record(false) }

func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()

	if b.state == HalfOpen {
		if !success {
			// Any half-open failure reopens and restarts the timeout.
			b.transition(Open)
			b.openedAt = now
			b.resetWindow()
			return
		}
		b.halfOpenOK++
		if b.halfOpenOK >= b.settings.HalfOpenSuccessCount {
			b.transition(Closed)
			b.resetWindow()
		}
		return
	}

	b.window = append(b.window, outcome{ts: now, success: success})
	b.prune(now)

	total, failures := b.tally()
	if total < b.settings.MinRequests {
		b.overSince = time.Time{}
		return
	}
	rate := float64(failures) / float64(total)
	if rate <= b.settings.ErrorThreshold {
		b.overSince = time.Time{}
		return
	}
	if b.overSince.IsZero() {
		b.overSince = now
		return
	}
	if now.Sub(b.overSince) >= b.settings.ErrorDuration && b.state == Closed {
		b.transition(Open)
		b.openedAt = now
	}
}

func (b *Breaker) GetState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) GetStats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	total, failures := b.tally()
	var rate float64
	if total > 0 {
		rate = float64(failures) / float64(total)
	}
	return Stats{
		State:         b.state,
		Requests:      total,
		Failures:      failures,
		ErrorRate:     rate,
		OpenedAt:      b.openedAt,
		HalfOpenAdmit: b.halfOpenAdmit,
	}
}

// callers must hold b.mu

func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.halfOpenAdmit = 0
	b.halfOpenOK = 0
	b.overSince = time.Time{}
	if b.hooks.OnStateChange != nil {
		b.hooks.OnStateChange(b.name, from, to)
	}
}

func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-b.settings.Window)
	i := 0
	for i < len(b.window) && b.window[i].ts.Before(cutoff) {
		i++
	}
	if i > 0 {
		b.window = append(b.window[:0], b.window[i:]...)
	}
}

func (b *Breaker) tally() (total, failures int) {
	for _, o := range b.window {
		total++
		if !o.success {
			failures++
		}
	}
	return total, failures
}

func (b *Breaker) resetWindow() {
	b.window = b.window[:0]
	b.overSince = time.Time{}
}
