package engine

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type recordingSleeper struct {
	slept []time.Duration
}

func (r *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	r.slept = append(r.slept, d)
	return ctx.Err()
}

func newTestInvoker(classifier Classifier) (*BackoffInvoker, *recordingSleeper) {
	sleeper := &recordingSleeper{}
	inv := NewBackoffInvoker(BackoffOptions{
		Classifier: classifier,
		Unit:       time.Millisecond,
		Logger:     zerolog.Nop(),
		Sleep:      sleeper.Sleep,
	})
	return inv, sleeper
}

func throttled() error {
	return NewThrottledError("slow down", nil).WithCode(ErrCodeRateLimited)
}

func TestBackoffDelaySequence(t *testing.T) {
	inv, sleeper := newTestInvoker(nil)

	var observed []int
	calls := 0
	err := inv.Do(context.Background(), func(ctx context.Context) error {
		observed = append(observed, inv.Delay())
		calls++
		if calls <= 5 {
			return throttled()
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}

	if want := []int{0, 1, 2, 4, 4, 4}; !reflect.DeepEqual(observed, want) {
		t.Errorf("expected delays %v, got %v", want, observed)
	}
	want := []time.Duration{
		1 * time.Millisecond,
		2 * time.Millisecond,
		4 * time.Millisecond,
		4 * time.Millisecond,
		4 * time.Millisecond,
	}
	if !reflect.DeepEqual(sleeper.slept, want) {
		t.Errorf("expected sleeps %v, got %v", want, sleeper.slept)
	}
	if inv.Delay() != 0 {
		t.Errorf("expected success to reset the delay, got %d", inv.Delay())
	}
}

func TestBackoffOtherErrorsFailFast(t *testing.T) {
	inv, sleeper := newTestInvoker(nil)
	denied := errors.New("access denied")

	calls := 0
	err := inv.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return throttled()
		}
		return denied
	})

	if !errors.Is(err, denied) {
		t.Errorf("expected %v, got %v", denied, err)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
	if inv.Delay() != 1 {
		t.Errorf("expected other errors to leave the delay at 1, got %d", inv.Delay())
	}
	if len(sleeper.slept) != 1 {
		t.Errorf("expected 1 sleep, got %v", sleeper.slept)
	}
}

func TestBackoffDelayCarriesAcrossCalls(t *testing.T) {
	inv, sleeper := newTestInvoker(nil)
	denied := errors.New("not found")

	calls := 0
	_ = inv.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return throttled()
		}
		return denied
	})
	if inv.Delay() != 2 {
		t.Fatalf("expected delay 2 after two throttles, got %d", inv.Delay())
	}

	sleeper.slept = nil
	if err := inv.Do(context.Background(), func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if want := []time.Duration{2 * time.Millisecond}; !reflect.DeepEqual(sleeper.slept, want) {
		t.Errorf("expected sleeps %v, got %v", want, sleeper.slept)
	}
	if inv.Delay() != 0 {
		t.Errorf("expected delay 0, got %d", inv.Delay())
	}
}

func TestBackoffCustomClassifier(t *testing.T) {
	slowDown := errors.New("SlowDown")
	inv, _ := newTestInvoker(func(err error) ErrorKind {
		if errors.Is(err, slowDown) {
			return KindRateLimited
		}
		return KindOther
	})

	calls := 0
	got, err := Invoke(context.Background(), inv, func(ctx context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", slowDown
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if got != "ok" || calls != 2 {
		t.Errorf("expected ok after 2 calls, got %q after %d", got, calls)
	}

	// Throttled EngineErrors are not rate limited for this classifier.
	_, err = Invoke(context.Background(), inv, func(ctx context.Context) (int, error) {
		return 0, throttled()
	})
	if !IsThrottled(err) {
		t.Errorf("expected the throttled error to be returned, got %v", err)
	}
}

func TestBackoffCancellation(t *testing.T) {
	inv, _ := newTestInvoker(nil)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := inv.Do(ctx, func(ctx context.Context) error {
		calls++
		cancel()
		return throttled()
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected no attempt after cancellation, got %d calls", calls)
	}
}

func TestBackoffSleepHonoursContext(t *testing.T) {
	inv := NewBackoffInvoker(BackoffOptions{Unit: time.Hour, Logger: zerolog.Nop()})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := inv.Do(ctx, func(ctx context.Context) error { return throttled() })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected context.DeadlineExceeded, got %v", err)
	}
	if elapsed := time.Since(start); elapsed >= time.Minute {
		t.Errorf("expected the sleep to stop at the deadline, took %s", elapsed)
	}
}

func TestChainClassifiers(t *testing.T) {
	custom := errors.New("TooManyRequests")
	c := ChainClassifiers(DefaultClassifier, func(err error) ErrorKind {
		if errors.Is(err, custom) {
			return KindRateLimited
		}
		return KindOther
	})

	tests := []struct {
		err  error
		want ErrorKind
	}{
		{throttled(), KindRateLimited},
		{custom, KindRateLimited},
		{errors.New("boom"), KindOther},
	}
	for _, tt := range tests {
		if got := c(tt.err); got != tt.want {
			t.Errorf("classify(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
