package resilience

import (
	"errors"
	"testing"
	"time"
)

var errTest = errors.New("test error")

func TestNewBreaker_Defaults(t *testing.T) {
	b := NewBreaker(Config{Name: "test"})
	if b.maxFailures != 5 {
		t.Errorf("maxFailures = %d, want 5", b.maxFailures)
	}
	if b.resetTimeout != 30*time.Second {
		t.Errorf("resetTimeout = %v, want 30s", b.resetTimeout)
	}
	if b.probeBudget != 3 {
		t.Errorf("probeBudget = %d, want 3", b.probeBudget)
	}
	if b.State() != StateClosed {
		t.Errorf("initial state = %v, want closed", b.State())
	}
}

func TestBreaker_ClosedAllowsCalls(t *testing.T) {
	b := NewBreaker(Config{Name: "test", MaxFailures: 3})
	called := false
	err := b.Do(func() error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("fn was not called")
	}
}

func TestBreaker_ClosedToOpen(t *testing.T) {
	b := NewBreaker(Config{
		Name:         "test",
		MaxFailures:  3,
		ResetTimeout: time.Hour, // long timeout so it stays open
	})

	for i := 0; i < 3; i++ {
		_ = b.Do(func() error { return errTest })
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open after 3 faults", b.State())
	}

	err := b.Do(func() error {
		t.Fatal("fn must not run while open")
		return nil
	})
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("err = %v, want ErrOpen", err)
	}
}

func TestBreaker_SuccessResetsFaultCount(t *testing.T) {
	b := NewBreaker(Config{Name: "test", MaxFailures: 3, ResetTimeout: time.Hour})

	_ = b.Do(func() error { return errTest })
	_ = b.Do(func() error { return errTest })
	_ = b.Do(func() error { return nil })
	_ = b.Do(func() error { return errTest })
	_ = b.Do(func() error { return errTest })

	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed; success must reset the count", b.State())
	}
}

func TestBreaker_HalfOpenAfterResetTimeout(t *testing.T) {
	b := NewBreaker(Config{
		Name:         "test",
		MaxFailures:  1,
		ResetTimeout: 10 * time.Millisecond,
		ProbeBudget:  1,
	})

	_ = b.Do(func() error { return errTest })
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}

	time.Sleep(20 * time.Millisecond)
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half-open after the reset timeout", b.State())
	}

	// One successful probe closes it.
	if err := b.Do(func() error { return nil }); err != nil {
		t.Fatalf("probe call: %v", err)
	}
	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed after a successful probe", b.State())
	}
}

func TestBreaker_ProbeFaultReopens(t *testing.T) {
	b := NewBreaker(Config{
		Name:         "test",
		MaxFailures:  1,
		ResetTimeout: 10 * time.Millisecond,
		ProbeBudget:  3,
	})

	_ = b.Do(func() error { return errTest })
	time.Sleep(20 * time.Millisecond)

	_ = b.Do(func() error { return errTest })
	if b.State() != StateOpen {
		t.Errorf("state = %v, want open again after a probe fault", b.State())
	}
}

func TestBreaker_TripPredicateFilters(t *testing.T) {
	benign := errors.New("benign")
	b := NewBreaker(Config{
		Name:         "test",
		MaxFailures:  1,
		ResetTimeout: time.Hour,
		Trip:         func(err error) bool { return !errors.Is(err, benign) },
	})

	// Benign errors reach the caller but never trip the breaker.
	for i := 0; i < 5; i++ {
		if err := b.Do(func() error { return benign }); !errors.Is(err, benign) {
			t.Fatalf("err = %v, want benign passed through", err)
		}
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed; benign errors must not trip", b.State())
	}

	_ = b.Do(func() error { return errTest })
	if b.State() != StateOpen {
		t.Errorf("state = %v, want open after a real fault", b.State())
	}
}

func TestState_String(t *testing.T) {
	cases := map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half-open",
		State(42):     "unknown",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}
