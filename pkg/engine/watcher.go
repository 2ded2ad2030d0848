package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/driftwatch/driftwatch/pkg/confval"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// DefaultPollInterval is the advisory cadence of a watcher.
const DefaultPollInterval = 15 * time.Minute

// CycleStore records cycle bookkeeping next to the item history.
type CycleStore interface {
	CreateCycle(ctx context.Context, report *CycleReport) error
	CompleteCycle(ctx context.Context, report *CycleReport) error
}

// WatcherConfig wires a watcher for one technology and a set of accounts.
type WatcherConfig struct {
	Technology string
	Accounts   []string

	Producer    SnapshotProducer
	Datastore   Datastore
	IgnoreRules IgnoreRuleSource
	Auditor     Auditor
	Cycles      CycleStore

	// Invoker is shared by every remote call of the watcher. When nil one is
	// created with Classifier.
	Invoker    *BackoffInvoker
	Classifier Classifier

	HonorEphemerals bool
	EphemeralPaths  []confval.Selector

	// PersistEphemeral stores every modification, including purely
	// ephemeral ones, when ephemerals are honored.
	PersistEphemeral bool

	Canonicalizer Canonicalizer

	// PollInterval is reported with every cycle; scheduling is up to the caller.
	PollInterval time.Duration

	Logger  zerolog.Logger
	Metrics MetricsRecorder
	Events  EventPublisher
	Tracer  trace.Tracer
}

// Validate checks the watcher configuration.
func (c *WatcherConfig) Validate() error {
	if c.Technology == "" {
		return NewPermanentError("technology is required", nil).WithCode(ErrCodeValidation)
	}
	if len(c.Accounts) == 0 {
		return NewPermanentError("at least one account is required", nil).
			WithCode(ErrCodeValidation).WithResource(c.Technology)
	}
	if c.Producer == nil {
		return NewPermanentError("snapshot producer is required", nil).
			WithCode(ErrCodeValidation).WithResource(c.Technology)
	}
	if c.Datastore == nil {
		return NewPermanentError("datastore is required", nil).
			WithCode(ErrCodeValidation).WithResource(c.Technology)
	}
	return nil
}

// CycleReport is the outcome of one watch cycle.
type CycleReport struct {
	ID              string           `json:"id"`
	Technology      string           `json:"technology"`
	Accounts        []string         `json:"accounts"`
	Status          CycleStatus      `json:"status"`
	StartedAt       time.Time        `json:"started_at"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
	Duration        time.Duration    `json:"duration"`
	PollInterval    time.Duration    `json:"poll_interval"`
	HonorEphemerals bool             `json:"honor_ephemerals"`
	ItemsFetched    int              `json:"items_fetched"`
	Created         []*ChangeRecord  `json:"created"`
	Deleted         []*ChangeRecord  `json:"deleted"`
	Changed         []*ChangeRecord  `json:"changed"`
	Ephemeral       []*ChangeRecord  `json:"ephemeral"`
	Persisted       int              `json:"persisted"`
	Exceptions      []ExceptionEntry `json:"exceptions"`
	Flags           IssueFlags       `json:"flags"`
	Error           string           `json:"error,omitempty"`
}

// IsChanged reports whether the cycle found a creation, deletion or durable
// change. Ephemeral churn alone does not count.
func (r *CycleReport) IsChanged() bool {
	return len(r.Created) > 0 || len(r.Deleted) > 0 || len(r.Changed) > 0
}

// EphemeralsSkipped reports whether ephemeral paths were ignored when
// classifying changes.
func (r *CycleReport) EphemeralsSkipped() bool {
	return r.HonorEphemerals
}

// Watcher runs watch cycles for one technology.
type Watcher struct {
	cfg        WatcherConfig
	invoker    *BackoffInvoker
	reconciler *Reconciler
	logger     zerolog.Logger
	tracer     trace.Tracer
}

// NewWatcher validates cfg and creates a watcher.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}

	logger := cfg.Logger.With().Str("technology", cfg.Technology).Logger()

	invoker := cfg.Invoker
	if invoker == nil {
		invoker = NewBackoffInvoker(BackoffOptions{
			Classifier: cfg.Classifier,
			Technology: cfg.Technology,
			Logger:     logger,
			Metrics:    cfg.Metrics,
		})
	}

	tracer := cfg.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("driftwatch/engine")
	}

	return &Watcher{
		cfg:     cfg,
		invoker: invoker,
		reconciler: NewReconciler(ReconcilerOptions{
			HonorEphemerals: cfg.HonorEphemerals,
			EphemeralPaths:  cfg.EphemeralPaths,
			Canonicalizer:   cfg.Canonicalizer,
			Logger:          logger,
		}),
		logger: logger,
		tracer: tracer,
	}, nil
}

// Technology returns the watched technology.
func (w *Watcher) Technology() string { return w.cfg.Technology }

// Accounts returns the watched accounts.
func (w *Watcher) Accounts() []string { return w.cfg.Accounts }

// Interval returns the advisory poll interval.
func (w *Watcher) Interval() time.Duration { return w.cfg.PollInterval }

// Run executes one watch cycle: fetch, read previous, reconcile, audit,
// persist. Fetch failures are recorded and suppress the affected locations;
// every other failure aborts the cycle and is returned along with the
// report.
func (w *Watcher) Run(ctx context.Context) (*CycleReport, error) {
	report := &CycleReport{
		ID:           uuid.New().String(),
		Technology:   w.cfg.Technology,
		Accounts:     append([]string(nil), w.cfg.Accounts...),
		Status:       CycleStatusRunning,
		StartedAt:    time.Now(),
		PollInterval: w.cfg.PollInterval,

		HonorEphemerals: w.cfg.HonorEphemerals,
	}
	logger := w.logger.With().Str("cycle_id", report.ID).Logger()

	ctx, span := w.tracer.Start(ctx, "cycle.run", trace.WithAttributes(
		attribute.String("cycle.id", report.ID),
		attribute.String("technology", w.cfg.Technology),
		attribute.StringSlice("accounts", w.cfg.Accounts),
	))
	defer span.End()

	if w.cfg.Metrics != nil {
		w.cfg.Metrics.RecordCycleStarted(w.cfg.Technology)
	}
	if w.cfg.Cycles != nil {
		if err := w.cfg.Cycles.CreateCycle(ctx, report); err != nil {
			return w.fail(ctx, span, report, fmt.Errorf("failed to record cycle start: %w", err))
		}
	}
	w.publish(ctx, report.ID, EventTypeCycleStarted, "", "Watch cycle started", nil)
	logger.Info().Strs("accounts", w.cfg.Accounts).Msg("Starting watch cycle")

	exceptions := NewExceptionScope(logger)

	filter, err := w.loadIgnoreFilter(ctx, logger)
	if err != nil {
		return w.fail(ctx, span, report, err)
	}

	current, err := w.fetchCurrent(ctx, report, filter, exceptions)
	if err != nil {
		return w.fail(ctx, span, report, err)
	}
	report.ItemsFetched = len(current)

	previous, err := w.readPrevious(ctx, filter)
	if err != nil {
		return w.fail(ctx, span, report, err)
	}

	_, rspan := w.tracer.Start(ctx, "cycle.reconcile")
	result, err := w.reconciler.Reconcile(previous, current, exceptions)
	rspan.End()
	if err != nil {
		return w.fail(ctx, span, report, fmt.Errorf("failed to reconcile %s: %w", w.cfg.Technology, err))
	}
	report.Created = result.Created
	report.Deleted = result.Deleted
	report.Changed = result.Changed
	report.Ephemeral = result.Ephemeral
	report.Exceptions = exceptions.Entries()

	if w.cfg.Auditor != nil {
		if err := w.cfg.Auditor.Audit(ctx, result.CreatedAndChanged()); err != nil {
			return w.fail(ctx, span, report, fmt.Errorf("failed to audit changes: %w", err))
		}
	}
	report.Flags = IssuesFound(result.CreatedAndChanged())

	if err := w.save(ctx, report, result); err != nil {
		return w.fail(ctx, span, report, err)
	}

	w.recordResult(ctx, report, result)

	report.Status = CycleStatusSucceeded
	if len(report.Exceptions) > 0 {
		report.Status = CycleStatusPartial
	}
	w.complete(ctx, report)

	span.SetAttributes(
		attribute.Int("changes.created", len(report.Created)),
		attribute.Int("changes.deleted", len(report.Deleted)),
		attribute.Int("changes.changed", len(report.Changed)),
		attribute.Int("changes.ephemeral", len(report.Ephemeral)),
		attribute.Int("exceptions", len(report.Exceptions)),
	)
	span.SetStatus(codes.Ok, "")

	w.publish(ctx, report.ID, EventTypeCycleCompleted, "",
		fmt.Sprintf("Watch cycle completed with status %s", report.Status), map[string]interface{}{
			"created":   len(report.Created),
			"deleted":   len(report.Deleted),
			"changed":   len(report.Changed),
			"ephemeral": len(report.Ephemeral),
		})
	logger.Info().
		Str("status", string(report.Status)).
		Int("created", len(report.Created)).
		Int("deleted", len(report.Deleted)).
		Int("changed", len(report.Changed)).
		Int("ephemeral", len(report.Ephemeral)).
		Int("exceptions", len(report.Exceptions)).
		Bool("has_new_issue", report.Flags.HasNewIssue).
		Dur("duration", report.Duration).
		Dur("interval", report.PollInterval).
		Msg("Watch cycle completed")

	if report.EphemeralsSkipped() && len(report.Ephemeral) > len(report.Changed) {
		logger.Debug().
			Int("ephemeral_only", len(report.Ephemeral)-len(report.Changed)).
			Msg("Ephemeral-only changes were kept out of the changed set")
	}

	return report, nil
}

func (w *Watcher) loadIgnoreFilter(ctx context.Context, logger zerolog.Logger) (*IgnoreFilter, error) {
	if w.cfg.IgnoreRules == nil {
		return NewIgnoreFilter(nil, logger), nil
	}
	rules, err := w.cfg.IgnoreRules.IgnoreRules(ctx, w.cfg.Technology)
	if err != nil {
		return nil, fmt.Errorf("failed to load ignore rules for %s: %w", w.cfg.Technology, err)
	}
	return NewIgnoreFilter(rules, logger), nil
}

// fetchCurrent retrieves every account and region through the invoker.
// Failures are recorded at the most specific scope known.
func (w *Watcher) fetchCurrent(
	ctx context.Context,
	report *CycleReport,
	filter *IgnoreFilter,
	exceptions *ExceptionScope,
) ([]ResourceItem, error) {
	ctx, span := w.tracer.Start(ctx, "cycle.fetch")
	defer span.End()

	tech := w.cfg.Technology
	var current []ResourceItem

	for _, account := range w.cfg.Accounts {
		regions, err := Invoke(ctx, w.invoker, func(ctx context.Context) ([]string, error) {
			return w.cfg.Producer.Regions(ctx, account)
		})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			w.recordFailure(ctx, report, exceptions, scopeOf(err, AccountScope(tech, account)), err)
			continue
		}

		observed := 0
		for _, region := range regions {
			res, err := Invoke(ctx, w.invoker, func(ctx context.Context) (*FetchResult, error) {
				return w.cfg.Producer.Fetch(ctx, account, region)
			})
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return nil, ctxErr
				}
				w.recordFailure(ctx, report, exceptions, scopeOf(err, RegionScope(tech, account, region)), err)
				continue
			}
			if res == nil {
				continue
			}

			for _, f := range res.Failures {
				w.recordFailure(ctx, report, exceptions, f.Location, f.Err)
			}

			for _, item := range res.Items {
				if item.Technology == "" {
					item.Technology = tech
				}
				if item.Account == "" {
					item.Account = account
				}
				if item.Region == "" {
					item.Region = region
				}
				item.Active = true
				if filter.ShouldIgnore(item.Technology, item.Name) {
					continue
				}
				current = append(current, item)
				observed++
			}
		}

		if w.cfg.Metrics != nil {
			w.cfg.Metrics.SetItemsObserved(tech, account, observed)
		}
	}

	span.SetAttributes(attribute.Int("items", len(current)))
	return current, nil
}

// readPrevious loads the last recorded snapshot of every account.
func (w *Watcher) readPrevious(ctx context.Context, filter *IgnoreFilter) ([]ResourceItem, error) {
	var previous []ResourceItem
	for _, account := range w.cfg.Accounts {
		revs, err := w.cfg.Datastore.PreviousRevisions(ctx, w.cfg.Technology, account)
		if err != nil {
			return nil, fmt.Errorf("failed to read previous revisions for %s/%s: %w",
				w.cfg.Technology, account, err)
		}
		items := make([]ResourceItem, 0, len(revs))
		for _, item := range revs {
			items = append(items, item)
		}
		sort.Slice(items, func(i, j int) bool { return items[i].Location().Less(items[j].Location()) })
		previous = append(previous, filter.Filter(items)...)
	}
	return previous, nil
}

// save persists created and deleted records, then the modification set.
func (w *Watcher) save(ctx context.Context, report *CycleReport, result *ReconcileResult) error {
	ctx, span := w.tracer.Start(ctx, "cycle.persist")
	defer span.End()

	batches := [][]*ChangeRecord{
		result.Created,
		result.Deleted,
		result.Modifications(w.cfg.PersistEphemeral),
	}
	for _, batch := range batches {
		for _, rec := range batch {
			if err := rec.Save(ctx, w.cfg.Datastore); err != nil {
				return err
			}
			report.Persisted++
		}
	}
	span.SetAttributes(attribute.Int("persisted", report.Persisted))
	return nil
}

func (w *Watcher) recordResult(ctx context.Context, report *CycleReport, result *ReconcileResult) {
	buckets := []struct {
		bucket  Bucket
		records []*ChangeRecord
	}{
		{BucketCreated, result.Created},
		{BucketDeleted, result.Deleted},
		{BucketChanged, result.Changed},
		{BucketEphemeral, result.Ephemeral},
	}
	for _, b := range buckets {
		if w.cfg.Metrics != nil {
			w.cfg.Metrics.RecordChanges(w.cfg.Technology, string(b.bucket), len(b.records))
		}
		for _, rec := range b.records {
			w.publish(ctx, report.ID, bucketEvent(b.bucket), rec.Location().String(),
				fmt.Sprintf("Item %s", b.bucket), map[string]interface{}{
					"account": rec.Account,
					"region":  rec.Region,
					"name":    rec.Name,
				})
		}
	}
	if w.cfg.Metrics != nil && result.Suppressed > 0 {
		w.cfg.Metrics.RecordSuppressed(w.cfg.Technology, result.Suppressed)
	}
}

func (w *Watcher) recordFailure(
	ctx context.Context,
	report *CycleReport,
	exceptions *ExceptionScope,
	loc PartialLocation,
	err error,
) {
	exceptions.Record(loc, err)
	if w.cfg.Metrics != nil {
		w.cfg.Metrics.RecordFetchFailure(w.cfg.Technology, loc.Scope())
		w.cfg.Metrics.RecordError(string(ClassOf(err)), ErrCodeFetchFailed)
	}
	w.publish(ctx, report.ID, EventTypeFetchFailed, loc.String(), err.Error(), map[string]interface{}{
		"scope": loc.Scope(),
	})
}

// scopeOf returns the location carried by a FetchError, or fallback.
func scopeOf(err error, fallback PartialLocation) PartialLocation {
	var fe *FetchError
	if errors.As(err, &fe) && fe.Location.Valid() {
		return fe.Location
	}
	return fallback
}

func (w *Watcher) fail(ctx context.Context, span trace.Span, report *CycleReport, err error) (*CycleReport, error) {
	report.Status = CycleStatusFailed
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		report.Status = CycleStatusCancelled
	}
	report.Error = err.Error()

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	if w.cfg.Metrics != nil {
		w.cfg.Metrics.RecordError(string(ClassOf(err)), "")
	}
	w.complete(ctx, report)
	w.publish(ctx, report.ID, EventTypeCycleFailed, "", err.Error(), nil)
	w.logger.Error().Err(err).Str("cycle_id", report.ID).Str("status", string(report.Status)).Msg("Watch cycle failed")
	return report, err
}

func (w *Watcher) complete(ctx context.Context, report *CycleReport) {
	now := time.Now()
	report.CompletedAt = &now
	report.Duration = now.Sub(report.StartedAt)

	if w.cfg.Metrics != nil {
		w.cfg.Metrics.RecordCycleCompleted(w.cfg.Technology, string(report.Status), report.Duration)
	}
	if w.cfg.Cycles != nil {
		// Bookkeeping must land even when the cycle was cancelled.
		if err := w.cfg.Cycles.CompleteCycle(context.WithoutCancel(ctx), report); err != nil {
			w.logger.Error().Err(err).Str("cycle_id", report.ID).Msg("Failed to record cycle completion")
		}
	}
}

func (w *Watcher) publish(ctx context.Context, cycleID string, eventType EventType, location, message string, data map[string]interface{}) {
	if w.cfg.Events == nil {
		return
	}
	event := &Event{
		ID:         uuid.New().String(),
		Type:       eventType,
		Timestamp:  time.Now(),
		CycleID:    cycleID,
		Technology: w.cfg.Technology,
		Location:   location,
		Message:    message,
		Level:      eventType.Severity(),
		Data:       data,
	}
	if err := w.cfg.Events.Publish(ctx, event); err != nil {
		w.logger.Debug().Err(err).Str("event", string(eventType)).Msg("Failed to publish event")
	}
}
