package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errBackend = errors.New("backend unavailable")

func fail(context.Context) error    { return errBackend }
func succeed(context.Context) error { return nil }

func TestBreaker_ClosedAllowsCalls(t *testing.T) {
	b := NewBreaker("audit", 3, time.Second)
	called := false
	err := b.Do(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !called {
		t.Fatal("expected fn to be called")
	}
}

func TestBreaker_OpensAfterMaxFailures(t *testing.T) {
	b := NewBreaker("audit", 3, time.Second)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := b.Do(ctx, fail); !errors.Is(err, errBackend) {
			t.Fatalf("call %d: expected backend error, got %v", i, err)
		}
	}

	if err := b.Do(ctx, succeed); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if b.State() != StateOpen {
		t.Errorf("State() = %s, want open", b.State())
	}
}

func TestBreaker_HalfOpenAfterCooldown(t *testing.T) {
	now := time.Now()
	var transitions []string
	b := NewBreaker("draft", 2, time.Second, WithStateChange(func(_ string, from, to State) {
		transitions = append(transitions, from.String()+"->"+to.String())
	}))
	b.now = func() time.Time { return now }
	ctx := context.Background()

	_ = b.Do(ctx, fail)
	_ = b.Do(ctx, fail)

	if err := b.Do(ctx, succeed); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}

	now = now.Add(2 * time.Second)
	if b.State() != StateHalfOpen {
		t.Errorf("State() = %s, want half-open", b.State())
	}
	if err := b.Do(ctx, succeed); err != nil {
		t.Fatalf("expected trial call to run, got %v", err)
	}
	if b.State() != StateClosed {
		t.Errorf("State() = %s, want closed", b.State())
	}

	want := []string{"closed->open", "open->half-open", "half-open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, transitions[i], want[i])
		}
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	b := NewBreaker("audit", 2, time.Second)
	b.now = func() time.Time { return now }
	ctx := context.Background()

	_ = b.Do(ctx, fail)
	_ = b.Do(ctx, fail)
	now = now.Add(2 * time.Second)

	_ = b.Do(ctx, fail)
	if err := b.Do(ctx, succeed); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen after reopen, got %v", err)
	}
}

func TestBreaker_HalfOpenAllowsSingleTrial(t *testing.T) {
	now := time.Now()
	b := NewBreaker("audit", 1, time.Second)
	b.now = func() time.Time { return now }
	ctx := context.Background()

	_ = b.Do(ctx, fail)
	now = now.Add(2 * time.Second)

	err := b.Do(ctx, func(ctx context.Context) error {
		if inner := b.Do(ctx, succeed); !errors.Is(inner, ErrCircuitOpen) {
			t.Errorf("concurrent trial: expected ErrCircuitOpen, got %v", inner)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("trial call error = %v", err)
	}
}

func TestBreaker_CallerCancellationIsNotAFailure(t *testing.T) {
	b := NewBreaker("audit", 1, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.Do(ctx, func(ctx context.Context) error { return ctx.Err() })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if b.State() != StateClosed {
		t.Errorf("State() = %s, want closed", b.State())
	}
}

func TestBreaker_RepeatedDeadlinesOpen(t *testing.T) {
	b := NewBreaker("audit", 2, time.Minute)
	hang := func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}

	for i := 0; i < 2; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
		err := b.Do(ctx, hang)
		cancel()
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("call %d: expected DeadlineExceeded, got %v", i, err)
		}
	}
	if b.State() != StateOpen {
		t.Errorf("State() = %s, want open", b.State())
	}
	if err := b.Do(context.Background(), succeed); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker("audit", 3, time.Second)
	ctx := context.Background()

	_ = b.Do(ctx, fail)
	_ = b.Do(ctx, fail)
	_ = b.Do(ctx, succeed)
	_ = b.Do(ctx, fail)
	_ = b.Do(ctx, fail)

	if err := b.Do(ctx, succeed); err != nil {
		t.Fatalf("expected breaker to stay closed, got %v", err)
	}
}

func TestBreaker_Disabled(t *testing.T) {
	b := NewBreaker("audit", 0, time.Second)
	for i := 0; i < 10; i++ {
		_ = b.Do(context.Background(), fail)
	}
	if err := b.Do(context.Background(), succeed); err != nil {
		t.Fatalf("disabled breaker should never open, got %v", err)
	}
}
