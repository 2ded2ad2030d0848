package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrorKind is the retry classification of an error returned by a remote call.
type ErrorKind int

const (
	// KindOther errors are returned to the caller immediately.
	KindOther ErrorKind = iota

	// KindRateLimited errors are retried with backoff, without limit.
	KindRateLimited
)

// String returns the kind name.
func (k ErrorKind) String() string {
	if k == KindRateLimited {
		return "rate_limited"
	}
	return "other"
}

// Classifier decides whether an error signals rate limiting.
type Classifier func(err error) ErrorKind

// DefaultClassifier treats throttled EngineErrors as rate limited.
func DefaultClassifier(err error) ErrorKind {
	if IsThrottled(err) {
		return KindRateLimited
	}
	return KindOther
}

// ChainClassifiers returns a classifier that reports KindRateLimited when any
// of the given classifiers does.
func ChainClassifiers(classifiers ...Classifier) Classifier {
	return func(err error) ErrorKind {
		for _, c := range classifiers {
			if c != nil && c(err) == KindRateLimited {
				return KindRateLimited
			}
		}
		return KindOther
	}
}

const (
	defaultBackoffUnit = time.Second
	defaultMaxDelay    = 4
)

// BackoffOptions configures a BackoffInvoker.
type BackoffOptions struct {
	// Classifier decides which errors are retried. Defaults to DefaultClassifier.
	Classifier Classifier

	// Unit is the length of one delay step. Defaults to one second.
	Unit time.Duration

	// MaxDelay caps the delay, in units. Defaults to 4.
	MaxDelay int

	// Technology labels log lines and metrics.
	Technology string

	Logger  zerolog.Logger
	Metrics MetricsRecorder

	// Sleep waits for d or until ctx is done. Defaults to a timer select.
	Sleep func(ctx context.Context, d time.Duration) error
}

// BackoffInvoker executes remote calls and retries them while the remote API
// reports rate limiting. The delay starts at zero, becomes one unit on the
// first rate-limited response, doubles up to MaxDelay, and is held there. A
// success resets it to zero. The delay belongs to the invoker and carries
// over between calls, so a throttled API is approached slowly by the next
// call as well.
type BackoffInvoker struct {
	mu    sync.Mutex
	delay int

	classify Classifier
	unit     time.Duration
	maxDelay int
	tech     string
	logger   zerolog.Logger
	metrics  MetricsRecorder
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewBackoffInvoker creates an invoker with a zero delay.
func NewBackoffInvoker(opts BackoffOptions) *BackoffInvoker {
	inv := &BackoffInvoker{
		classify: opts.Classifier,
		unit:     opts.Unit,
		maxDelay: opts.MaxDelay,
		tech:     opts.Technology,
		logger:   opts.Logger.With().Str("component", "backoff").Logger(),
		metrics:  opts.Metrics,
		sleep:    opts.Sleep,
	}
	if inv.classify == nil {
		inv.classify = DefaultClassifier
	}
	if inv.unit <= 0 {
		inv.unit = defaultBackoffUnit
	}
	if inv.maxDelay <= 0 {
		inv.maxDelay = defaultMaxDelay
	}
	if inv.sleep == nil {
		inv.sleep = sleepContext
	}
	return inv
}

// Delay returns the current delay in units.
func (b *BackoffInvoker) Delay() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.delay
}

// Do runs op until it succeeds or fails with an error that is not rate
// limiting. The context is checked before every attempt; cancellation ends
// the loop with the context error.
func (b *BackoffInvoker) Do(ctx context.Context, op func(ctx context.Context) error) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		delay := b.Delay()
		if delay > 0 {
			if err := b.sleep(ctx, time.Duration(delay)*b.unit); err != nil {
				return err
			}
		}

		err := op(ctx)
		if err == nil {
			b.recovered(delay)
			return nil
		}

		if b.classify(err) != KindRateLimited {
			return err
		}

		next := b.escalate()
		b.logger.Warn().
			Err(err).
			Str("technology", b.tech).
			Int("delay", next).
			Msg("Rate limited, backing off")
		if b.metrics != nil {
			b.metrics.RecordRateLimitRetry(b.tech, time.Duration(next)*b.unit)
		}
	}
}

// Invoke runs op through inv and returns its result.
func Invoke[T any](ctx context.Context, inv *BackoffInvoker, op func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := inv.Do(ctx, func(ctx context.Context) error {
		r, err := op(ctx)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}

func (b *BackoffInvoker) escalate() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case b.delay == 0:
		b.delay = 1
	case b.delay < b.maxDelay:
		b.delay *= 2
	}
	if b.delay > b.maxDelay {
		b.delay = b.maxDelay
	}
	return b.delay
}

func (b *BackoffInvoker) recovered(delay int) {
	if delay == 0 {
		return
	}
	b.mu.Lock()
	b.delay = 0
	b.mu.Unlock()
	b.logger.Info().
		Str("technology", b.tech).
		Int("previous_delay", delay).
		Msg("Recovered from rate limiting")
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
