package retry

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// BreakerState is the circuit state for one provider.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrCircuitOpen is returned when the breaker blocks a call.
var ErrCircuitOpen = errors.New("retry: circuit breaker is open")

// BreakerConfig tunes one circuit breaker.
type BreakerConfig struct {
	// FailureThreshold consecutive failures trip CLOSED -> OPEN.
	FailureThreshold int
	// SuccessThreshold consecutive successes close a HALF_OPEN circuit.
	SuccessThreshold int
	// OpenTimeout is how long OPEN lasts before probing with HALF_OPEN.
	OpenTimeout time.Duration
	// OnStateChange fires on every transition, outside the breaker lock.
	// Transitions driven by the OPEN timeout are observed during reads, so
	// those callbacks run on their own goroutine and may arrive after the
	// read that triggered them returns.
	OnStateChange func(name string, from, to BreakerState)
}

// DefaultBreakerConfig: 5 failures trip, 30s open, 3 successes to close.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 3,
		OpenTimeout:      30 * time.Second,
	}
}

// Breaker is a per-provider circuit breaker. Transitions are linearizable:
// all state reads and writes happen under one mutex, and the opened-at
// timestamp is authoritative for the OPEN -> HALF_OPEN transition.
type Breaker struct {
	name string
	cfg  BreakerConfig
	now  func() time.Time

	mu                   sync.Mutex
	state                BreakerState
	consecutiveFailures  int
	consecutiveSuccesses int
	openedAt             time.Time
}

// NewBreaker creates a closed breaker for the named provider.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 3
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	return &Breaker{name: name, cfg: cfg, state: StateClosed, now: time.Now}
}

// SetClock overrides the time source. Test helper.
func (b *Breaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// Name returns the provider this breaker guards.
func (b *Breaker) Name() string { return b.name }

// State returns the current state, applying the OPEN timeout if due.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState()
}

// Allow reports whether a call may proceed. In HALF_OPEN probes are allowed;
// a failure reopens immediately.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.currentState() == StateOpen {
		return ErrCircuitOpen
	}
	return nil
}

// RecordSuccess resets the failure count in any state and closes a HALF_OPEN
// circuit once the success threshold is met.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	var change func()
	b.consecutiveFailures = 0
	switch b.currentState() {
	case StateHalfOpen:
		b.consecutiveSuccesses++
		if b.consecutiveSuccesses >= b.cfg.SuccessThreshold {
			change = b.setState(StateClosed)
		}
	case StateClosed:
		b.consecutiveSuccesses++
	}
	b.mu.Unlock()
	if change != nil {
		change()
	}
}

// RecordFailure counts a failure; the threshold trips CLOSED -> OPEN, and any
// failure in HALF_OPEN reopens.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	var change func()
	b.consecutiveSuccesses = 0
	switch b.currentState() {
	case StateClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			change = b.setState(StateOpen)
		}
	case StateHalfOpen:
		change = b.setState(StateOpen)
	}
	b.mu.Unlock()
	if change != nil {
		change()
	}
}

// currentState applies the OPEN timeout. Callers hold b.mu.
func (b *Breaker) currentState() BreakerState {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.OpenTimeout {
		if fire := b.setState(StateHalfOpen); fire != nil {
			// currentState runs under b.mu, so the callback goes to its own
			// goroutine rather than blocking the read path on merchant code.
			go fire()
		}
	}
	return b.state
}

// setState mutates state and returns the deferred OnStateChange call.
// Callers hold b.mu.
func (b *Breaker) setState(next BreakerState) func() {
	if b.state == next {
		return nil
	}
	prev := b.state
	b.state = next
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0
	if next == StateOpen {
		b.openedAt = b.now()
	}

	slog.Info("circuit breaker transition", "psp", b.name, "from", prev.String(), "to", next.String())
	if b.cfg.OnStateChange == nil {
		return nil
	}
	name, cb := b.name, b.cfg.OnStateChange
	return func() { cb(name, prev, next) }
}

// BreakerSet manages one breaker per PSP, created on first use.
type BreakerSet struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	cfg      BreakerConfig
}

func NewBreakerSet(cfg BreakerConfig) *BreakerSet {
	return &BreakerSet{breakers: make(map[string]*Breaker), cfg: cfg}
}

// Get returns the breaker for a provider, creating it if needed.
func (s *BreakerSet) Get(name string) *Breaker {
	s.mu.RLock()
	b, ok := s.breakers[name]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok = s.breakers[name]; ok {
		return b
	}
	b = NewBreaker(name, s.cfg)
	s.breakers[name] = b
	return b
}

// States snapshots every breaker's state, for health reporting.
func (s *BreakerSet) States() map[string]BreakerState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]BreakerState, len(s.breakers))
	for name, b := range s.breakers {
		out[name] = b.State()
	}
	return out
}
