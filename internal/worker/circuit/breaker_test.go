package circuit

import (
	"errors"
	"testing"
	"time"
)

func TestBreaker_InitialState(t *testing.T) {
	b := NewBreaker("test", DefaultConfig())

	if b.State() != StateClosed {
		t.Errorf("Initial state = %v, want StateClosed", b.State())
	}
	if !b.Allow() {
		t.Error("Closed breaker should allow requests")
	}
}

func TestBreaker_OpenAfterConsecutiveFailures(t *testing.T) {
	cfg := Config{
		FailureThreshold:    3,
		SuccessThreshold:    1,
		HalfOpenRequests:    1,
		OpenTimeout:         time.Hour,
		FailureRateWindow:   time.Hour,
		MinRequestsInWindow: 100,
	}
	b := NewBreaker("test", cfg)

	for i := 0; i < cfg.FailureThreshold; i++ {
		if b.State() != StateClosed {
			t.Errorf("should still be closed after %d failures", i)
		}
		b.RecordFailure()
	}

	if b.State() != StateOpen {
		t.Errorf("State = %v, want StateOpen after %d failures", b.State(), cfg.FailureThreshold)
	}
	if b.Allow() {
		t.Error("Open breaker should not allow requests")
	}
}

func TestBreaker_SuccessResetsConsecutiveCount(t *testing.T) {
	cfg := Config{
		FailureThreshold:    3,
		SuccessThreshold:    1,
		HalfOpenRequests:    1,
		OpenTimeout:         time.Hour,
		FailureRateWindow:   time.Hour,
		MinRequestsInWindow: 100,
	}
	b := NewBreaker("test", cfg)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()

	if b.State() != StateClosed {
		t.Errorf("State = %v, want StateClosed (streak broken by success)", b.State())
	}
}

func TestBreaker_OpenByFailureRate(t *testing.T) {
	cfg := Config{
		FailureThreshold:    100,
		SuccessThreshold:    1,
		HalfOpenRequests:    1,
		OpenTimeout:         time.Hour,
		FailureRateWindow:   time.Hour,
		MinRequestsInWindow: 10,
	}
	b := NewBreaker("test", cfg)

	// 6 failures / 10 requests = 60% once the minimum sample size is met.
	for i := 0; i < 4; i++ {
		b.RecordSuccess()
	}
	for i := 0; i < 6; i++ {
		b.RecordFailure()
	}

	if b.State() != StateOpen {
		t.Errorf("State = %v, want StateOpen via failure rate", b.State())
	}
}

func TestBreaker_TransitionToHalfOpen(t *testing.T) {
	cfg := Config{
		FailureThreshold:    2,
		SuccessThreshold:    1,
		HalfOpenRequests:    1,
		OpenTimeout:         10 * time.Millisecond,
		FailureRateWindow:   time.Hour,
		MinRequestsInWindow: 100,
	}
	b := NewBreaker("test", cfg)

	b.RecordFailure()
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("State = %v, want StateOpen", b.State())
	}

	time.Sleep(20 * time.Millisecond)

	if !b.Allow() {
		t.Error("Should allow a probe after open timeout")
	}
	if b.State() != StateHalfOpen {
		t.Errorf("State = %v, want StateHalfOpen", b.State())
	}
}

func TestBreaker_HalfOpenProbeBudget(t *testing.T) {
	cfg := Config{
		FailureThreshold:    1,
		SuccessThreshold:    5,
		HalfOpenRequests:    3,
		OpenTimeout:         time.Millisecond,
		FailureRateWindow:   time.Hour,
		MinRequestsInWindow: 100,
	}
	b := NewBreaker("test", cfg)

	b.RecordFailure()
	time.Sleep(5 * time.Millisecond)

	admitted := 0
	for i := 0; i < 10; i++ {
		if b.Allow() {
			admitted++
		}
	}
	if admitted != cfg.HalfOpenRequests {
		t.Errorf("admitted %d probes, want %d", admitted, cfg.HalfOpenRequests)
	}
}

func TestBreaker_CloseFromHalfOpen(t *testing.T) {
	cfg := Config{
		FailureThreshold:    2,
		SuccessThreshold:    2,
		HalfOpenRequests:    3,
		OpenTimeout:         10 * time.Millisecond,
		FailureRateWindow:   time.Hour,
		MinRequestsInWindow: 100,
	}
	b := NewBreaker("test", cfg)

	b.RecordFailure()
	b.RecordFailure()
	time.Sleep(20 * time.Millisecond)
	b.Allow()

	b.RecordSuccess()
	if b.State() != StateHalfOpen {
		t.Error("should still be half-open after 1 success")
	}
	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Errorf("State = %v, want StateClosed after %d successes", b.State(), cfg.SuccessThreshold)
	}
}

func TestBreaker_ReopenOnHalfOpenFailure(t *testing.T) {
	cfg := Config{
		FailureThreshold:    2,
		SuccessThreshold:    3,
		HalfOpenRequests:    5,
		OpenTimeout:         10 * time.Millisecond,
		FailureRateWindow:   time.Hour,
		MinRequestsInWindow: 100,
	}
	b := NewBreaker("test", cfg)

	b.RecordFailure()
	b.RecordFailure()
	time.Sleep(20 * time.Millisecond)
	b.Allow()

	b.RecordFailure()
	if b.State() != StateOpen {
		t.Errorf("State = %v, want StateOpen after half-open failure", b.State())
	}
}

func TestBreaker_Execute(t *testing.T) {
	cfg := Config{
		FailureThreshold:    1,
		SuccessThreshold:    1,
		HalfOpenRequests:    1,
		OpenTimeout:         time.Hour,
		FailureRateWindow:   time.Hour,
		MinRequestsInWindow: 100,
	}
	b := NewBreaker("test", cfg)

	boom := errors.New("boom")
	if err := b.Execute(func() error { return boom }); !errors.Is(err, boom) {
		t.Errorf("Execute error = %v, want boom", err)
	}
	if err := b.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Execute on open breaker error = %v, want ErrCircuitOpen", err)
	}
}

func TestRegistry_LazySingleton(t *testing.T) {
	r := NewRegistry(DefaultConfig())

	a := r.Get("http")
	b := r.Get("http")
	if a != b {
		t.Error("Registry.Get returned distinct breakers for one name")
	}
	if c := r.Get("email"); c == a {
		t.Error("distinct names must get distinct breakers")
	}
}
