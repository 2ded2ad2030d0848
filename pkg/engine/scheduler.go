package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// CycleRunner is anything that runs watch cycles; *Watcher implements it.
type CycleRunner interface {
	Technology() string
	Interval() time.Duration
	Run(ctx context.Context) (*CycleReport, error)
}

// CycleOutcome is the result of one cycle run by the scheduler.
type CycleOutcome struct {
	Technology string
	Report     *CycleReport
	Err        error
}

// SchedulerOptions configures a CycleScheduler.
type SchedulerOptions struct {
	// MaxParallel bounds the number of cycles running at once.
	MaxParallel int

	// OnOutcome is called after every cycle. It may be called concurrently.
	OnOutcome func(CycleOutcome)

	Logger zerolog.Logger
}

// CycleScheduler runs independent watch cycles concurrently. A failing cycle
// never cancels the others.
type CycleScheduler struct {
	maxParallel int
	runners     []CycleRunner
	onOutcome   func(CycleOutcome)
	logger      zerolog.Logger
}

// NewCycleScheduler creates a scheduler over runners.
func NewCycleScheduler(runners []CycleRunner, opts SchedulerOptions) *CycleScheduler {
	maxParallel := opts.MaxParallel
	if maxParallel <= 0 {
		maxParallel = 4
	}
	return &CycleScheduler{
		maxParallel: maxParallel,
		runners:     runners,
		onOutcome:   opts.OnOutcome,
		logger:      opts.Logger.With().Str("component", "scheduler").Logger(),
	}
}

// RunOnce runs one cycle of every runner and returns the outcomes in runner
// order.
func (s *CycleScheduler) RunOnce(ctx context.Context) []CycleOutcome {
	outcomes := make([]CycleOutcome, len(s.runners))

	g := new(errgroup.Group)
	g.SetLimit(s.maxParallel)
	for i, runner := range s.runners {
		g.Go(func() error {
			outcomes[i] = s.runCycle(ctx, runner)
			return nil
		})
	}
	_ = g.Wait()

	return outcomes
}

// Run repeats every runner on its own interval until ctx is cancelled. Each
// runner starts immediately. Cycles of the same runner never overlap.
func (s *CycleScheduler) Run(ctx context.Context) error {
	if len(s.runners) == 0 {
		return NewPermanentError("no watchers to schedule", nil).WithCode(ErrCodeValidation)
	}

	// Shared limit across runners so slow APIs cannot starve the process.
	sem := make(chan struct{}, s.maxParallel)

	var wg sync.WaitGroup
	for _, runner := range s.runners {
		wg.Add(1)
		go func(runner CycleRunner) {
			defer wg.Done()
			s.loop(ctx, runner, sem)
		}(runner)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *CycleScheduler) loop(ctx context.Context, runner CycleRunner, sem chan struct{}) {
	interval := runner.Interval()
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		s.runCycle(ctx, runner)
		<-sem

		s.logger.Debug().
			Str("technology", runner.Technology()).
			Dur("interval", interval).
			Msg("Waiting for next cycle")

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func (s *CycleScheduler) runCycle(ctx context.Context, runner CycleRunner) CycleOutcome {
	start := time.Now()
	report, err := runner.Run(ctx)
	outcome := CycleOutcome{Technology: runner.Technology(), Report: report, Err: err}

	if err != nil {
		s.logger.Error().
			Err(err).
			Str("technology", runner.Technology()).
			Dur("elapsed", time.Since(start)).
			Msg("Cycle failed")
	}
	if s.onOutcome != nil {
		s.onOutcome(outcome)
	}
	return outcome
}
