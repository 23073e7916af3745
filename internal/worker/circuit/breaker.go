package circuit

import (
	"errors"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the breaker state machine position.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

type Config struct {
	FailureThreshold    int           // consecutive failures before opening
	SuccessThreshold    int           // successes needed in half-open to close
	HalfOpenRequests    int           // max probes admitted in half-open
	OpenTimeout         time.Duration // time before open promotes to half-open
	FailureRateWindow   time.Duration // window for the failure-rate trigger
	MinRequestsInWindow int           // min samples before the rate applies
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold:    5,
		SuccessThreshold:    3,
		HalfOpenRequests:    3,
		OpenTimeout:         30 * time.Second,
		FailureRateWindow:   60 * time.Second,
		MinRequestsInWindow: 10,
	}
}

// Breaker opens on consecutive failures or on a >50% failure rate over the
// window, admits a few probes after the open timeout, and closes again on
// enough probe successes. Any half-open failure reopens it.
type Breaker struct {
	name   string
	config Config

	state           State
	failures        int
	successes       int
	requests        int
	lastFailure     time.Time
	lastStateChange time.Time

	requestTimes []time.Time
	failureTimes []time.Time

	mu sync.RWMutex
}

func NewBreaker(name string, config Config) *Breaker {
	return &Breaker{
		name:            name,
		config:          config,
		state:           StateClosed,
		lastStateChange: time.Now(),
	}
}

// Allow reports whether a request may proceed, promoting Open to HalfOpen
// after the open timeout.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true

	case StateOpen:
		if time.Since(b.lastStateChange) > b.config.OpenTimeout {
			b.transitionTo(StateHalfOpen)
			b.requests++
			return true
		}
		return false

	case StateHalfOpen:
		if b.requests < b.config.HalfOpenRequests {
			b.requests++
			return true
		}
		return false
	}

	return false
}

// Execute runs fn under the breaker.
func (b *Breaker) Execute(fn func() error) error {
	if !b.Allow() {
		return ErrCircuitOpen
	}

	if err := fn(); err != nil {
		b.RecordFailure()
		return err
	}

	b.RecordSuccess()
	return nil
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.requestTimes = append(b.requestTimes, time.Now())
	b.cleanupWindows()

	switch b.state {
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.transitionTo(StateClosed)
		}
	case StateClosed:
		b.failures = 0
	}
}

func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.requestTimes = append(b.requestTimes, now)
	b.failureTimes = append(b.failureTimes, now)
	b.lastFailure = now
	b.cleanupWindows()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.config.FailureThreshold || b.shouldOpenByRate() {
			b.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		b.transitionTo(StateOpen)
	}
}

func (b *Breaker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Metrics is a point-in-time view of one breaker.
type Metrics struct {
	Name            string
	State           string
	Failures        int
	Successes       int
	TotalRequests   int
	FailureRate     float64
	LastFailure     time.Time
	LastStateChange time.Time
}

func (b *Breaker) Metrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.cleanupWindows()

	return Metrics{
		Name:            b.name,
		State:           b.state.String(),
		Failures:        b.failures,
		Successes:       b.successes,
		TotalRequests:   len(b.requestTimes),
		FailureRate:     b.failureRate(),
		LastFailure:     b.lastFailure,
		LastStateChange: b.lastStateChange,
	}
}

func (b *Breaker) transitionTo(state State) {
	b.state = state
	b.lastStateChange = time.Now()
	b.failures = 0
	b.successes = 0
	b.requests = 0
}

func (b *Breaker) cleanupWindows() {
	cutoff := time.Now().Add(-b.config.FailureRateWindow)

	trim := func(times []time.Time) []time.Time {
		kept := times[:0]
		for _, t := range times {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		return kept
	}
	b.requestTimes = trim(b.requestTimes)
	b.failureTimes = trim(b.failureTimes)
}

func (b *Breaker) shouldOpenByRate() bool {
	if len(b.requestTimes) < b.config.MinRequestsInWindow {
		return false
	}
	return b.failureRate() > 0.5
}

func (b *Breaker) failureRate() float64 {
	if len(b.requestTimes) == 0 {
		return 0
	}
	return float64(len(b.failureTimes)) / float64(len(b.requestTimes))
}

// Registry hands out one breaker per executor, lazily.
type Registry struct {
	breakers map[string]*Breaker
	config   Config
	mu       sync.RWMutex
}

func NewRegistry(defaultConfig Config) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		config:   defaultConfig,
	}
}

func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	if b, exists := r.breakers[name]; exists {
		r.mu.RUnlock()
		return b
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	if b, exists := r.breakers[name]; exists {
		return b
	}

	b := NewBreaker(name, r.config)
	r.breakers[name] = b
	return b
}

func (r *Registry) AllMetrics() []Metrics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	metrics := make([]Metrics, 0, len(r.breakers))
	for _, b := range r.breakers {
		metrics = append(metrics, b.Metrics())
	}
	return metrics
}
