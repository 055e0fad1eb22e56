package resilience

import (
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func fail() error    { return errBoom }
func succeed() error { return nil }

func TestBreakerStaysClosedBelowThreshold(t *testing.T) {
	t.Parallel()

	b := NewBreaker(Config{MaxFailures: 3})
	for i := 0; i < 2; i++ {
		if err := b.Execute(fail); !errors.Is(err, errBoom) {
			t.Fatalf("err = %v", err)
		}
	}
	if b.State() != Closed {
		t.Fatalf("state = %v, want closed", b.State())
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	b := NewBreaker(Config{MaxFailures: 3, Cooldown: time.Hour})
	for i := 0; i < 3; i++ {
		b.Execute(fail)
	}
	if b.State() != Open {
		t.Fatalf("state = %v, want open", b.State())
	}
	if err := b.Execute(succeed); !errors.Is(err, ErrOpen) {
		t.Fatalf("open breaker ran the call: %v", err)
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	t.Parallel()

	b := NewBreaker(Config{MaxFailures: 3})
	b.Execute(fail)
	b.Execute(fail)
	b.Execute(succeed)
	b.Execute(fail)
	b.Execute(fail)
	if b.State() != Closed {
		t.Fatalf("state = %v, want closed after interleaved success", b.State())
	}
}

func TestBreakerHalfOpenProbesAndCloses(t *testing.T) {
	t.Parallel()

	b := NewBreaker(Config{MaxFailures: 1, Cooldown: time.Millisecond, ProbeMax: 2})
	b.Execute(fail)
	if b.State() != Open {
		t.Fatalf("state = %v, want open", b.State())
	}

	time.Sleep(5 * time.Millisecond)
	if b.State() != HalfOpen {
		t.Fatalf("state = %v, want half-open after cooldown", b.State())
	}

	if err := b.Execute(succeed); err != nil {
		t.Fatalf("probe rejected: %v", err)
	}
	if err := b.Execute(succeed); err != nil {
		t.Fatalf("probe rejected: %v", err)
	}
	if b.State() != Closed {
		t.Fatalf("state = %v, want closed after probes", b.State())
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	t.Parallel()

	b := NewBreaker(Config{MaxFailures: 1, Cooldown: time.Millisecond, ProbeMax: 2})
	b.Execute(fail)
	time.Sleep(5 * time.Millisecond)

	b.Execute(fail) // probe fails
	if b.State() != Open {
		t.Fatalf("state = %v, want open after failed probe", b.State())
	}
	if err := b.Execute(succeed); !errors.Is(err, ErrOpen) {
		t.Fatalf("re-opened breaker ran the call: %v", err)
	}
}

func TestBreakerHalfOpenLimitsProbes(t *testing.T) {
	t.Parallel()

	b := NewBreaker(Config{MaxFailures: 1, Cooldown: time.Millisecond, ProbeMax: 1})
	b.Execute(fail)
	time.Sleep(5 * time.Millisecond)

	if !b.Allow() {
		t.Fatal("first probe must be allowed")
	}
	if b.Allow() {
		t.Fatal("second probe must be rejected while the first is in flight")
	}
	b.RecordSuccess()
	if b.State() != Closed {
		t.Fatalf("state = %v, want closed", b.State())
	}
}

func TestBreakerDefaults(t *testing.T) {
	t.Parallel()

	b := NewBreaker(Config{Name: "orders"})
	if b.maxFailures != 3 || b.cooldown != 30*time.Second || b.probeMax != 2 {
		t.Fatalf("defaults = %d/%v/%d", b.maxFailures, b.cooldown, b.probeMax)
	}
}
