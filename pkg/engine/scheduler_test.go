package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// stubRunner counts cycles and optionally fails.
type stubRunner struct {
	tech     string
	interval time.Duration
	err      error
	delay    time.Duration

	runs    atomic.Int32
	active  atomic.Int32
	maxSeen atomic.Int32
}

func (r *stubRunner) Technology() string      { return r.tech }
func (r *stubRunner) Interval() time.Duration { return r.interval }

func (r *stubRunner) Run(ctx context.Context) (*CycleReport, error) {
	n := r.active.Add(1)
	defer r.active.Add(-1)
	for {
		cur := r.maxSeen.Load()
		if n <= cur || r.maxSeen.CompareAndSwap(cur, n) {
			break
		}
	}
	r.runs.Add(1)

	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return &CycleReport{Technology: r.tech, Status: CycleStatusCancelled}, ctx.Err()
		}
	}
	if r.err != nil {
		return &CycleReport{Technology: r.tech, Status: CycleStatusFailed}, r.err
	}
	return &CycleReport{Technology: r.tech, Status: CycleStatusSucceeded}, nil
}

func TestSchedulerRunOnce(t *testing.T) {
	failing := &stubRunner{tech: "iamrole", err: errors.New("boom")}
	runners := []CycleRunner{
		&stubRunner{tech: "securitygroup", delay: 5 * time.Millisecond},
		failing,
		&stubRunner{tech: "s3"},
	}

	var mu sync.Mutex
	var seen []string
	s := NewCycleScheduler(runners, SchedulerOptions{
		MaxParallel: 2,
		Logger:      zerolog.Nop(),
		OnOutcome: func(o CycleOutcome) {
			mu.Lock()
			seen = append(seen, o.Technology)
			mu.Unlock()
		},
	})

	outcomes := s.RunOnce(context.Background())
	if len(outcomes) != 3 {
		t.Fatalf("expected 3 outcomes, got %d", len(outcomes))
	}

	if outcomes[0].Technology != "securitygroup" || outcomes[0].Err != nil {
		t.Errorf("unexpected first outcome %s: %v", outcomes[0].Technology, outcomes[0].Err)
	}
	if outcomes[0].Report.Status != CycleStatusSucceeded {
		t.Errorf("expected status %s, got %s", CycleStatusSucceeded, outcomes[0].Report.Status)
	}
	if outcomes[1].Technology != "iamrole" || outcomes[1].Err == nil || outcomes[1].Err.Error() != "boom" {
		t.Errorf("unexpected second outcome %s: %v", outcomes[1].Technology, outcomes[1].Err)
	}
	if outcomes[2].Technology != "s3" || outcomes[2].Err != nil {
		t.Errorf("unexpected third outcome %s: %v", outcomes[2].Technology, outcomes[2].Err)
	}

	sort.Strings(seen)
	if want := []string{"iamrole", "s3", "securitygroup"}; len(seen) != 3 || seen[0] != want[0] || seen[1] != want[1] || seen[2] != want[2] {
		t.Errorf("expected OnOutcome for %v, got %v", want, seen)
	}
}

func TestSchedulerRunOnceRespectsLimit(t *testing.T) {
	shared := &stubRunner{tech: "sg", delay: 10 * time.Millisecond}
	runners := []CycleRunner{shared, shared, shared, shared}

	s := NewCycleScheduler(runners, SchedulerOptions{MaxParallel: 2, Logger: zerolog.Nop()})
	s.RunOnce(context.Background())

	if got := shared.runs.Load(); got != 4 {
		t.Errorf("expected 4 runs, got %d", got)
	}
	if got := shared.maxSeen.Load(); got > 2 {
		t.Errorf("expected at most 2 concurrent cycles, saw %d", got)
	}
}

func TestSchedulerRunRepeatsUntilCancelled(t *testing.T) {
	fast := &stubRunner{tech: "sg", interval: 5 * time.Millisecond}
	slow := &stubRunner{tech: "s3", interval: time.Hour}

	s := NewCycleScheduler([]CycleRunner{fast, slow}, SchedulerOptions{Logger: zerolog.Nop()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(time.Second)
	for fast.runs.Load() < 3 {
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("fast runner ran %d times, want at least 3", fast.runs.Load())
		}
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected a clean stop, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop after cancel")
	}
	if got := slow.runs.Load(); got != 1 {
		t.Errorf("expected the slow runner to start once immediately, got %d runs", got)
	}
}

func TestSchedulerRunWithoutRunners(t *testing.T) {
	s := NewCycleScheduler(nil, SchedulerOptions{Logger: zerolog.Nop()})
	err := s.Run(context.Background())
	if err == nil {
		t.Fatal("expected an error without runners")
	}
	if !IsPermanent(err) {
		t.Errorf("expected a permanent error, got %v", err)
	}
}
