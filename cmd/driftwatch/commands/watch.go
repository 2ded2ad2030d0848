package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/driftwatch/driftwatch/pkg/config"
	"github.com/driftwatch/driftwatch/pkg/engine"
	"github.com/driftwatch/driftwatch/pkg/policy"
	"github.com/driftwatch/driftwatch/pkg/producers"
	"github.com/driftwatch/driftwatch/pkg/render"
	"github.com/driftwatch/driftwatch/pkg/stores"
	"github.com/driftwatch/driftwatch/pkg/telemetry"
)

type watchOptions struct {
	daemon     bool
	metrics    string
	report     string
	eventsFile string
	eventTypes []string
}

func newWatchCommand(a *app) *cobra.Command {
	var opts watchOptions

	cmd := &cobra.Command{
		Use:   "watch [technology...]",
		Short: "Run watch cycles",
		Long: `Fetch the current configuration of every watched technology, compare it
with the stored snapshot, audit the changes and persist them.

Without --daemon one cycle of each technology runs and the command exits
with an error if any cycle failed. With --daemon every technology repeats
on its poll interval until interrupted.`,
		Example: `  # One cycle of every enabled technology
  driftwatch watch

  # Only security groups, as an HTML report
  driftwatch watch securitygroup --report html > report.html

  # Keep watching and expose Prometheus metrics
  driftwatch watch --daemon --metrics :9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.jsonOutput() && !cmd.Flags().Changed("report") {
				opts.report = render.FormatJSON
			}
			return a.runWatch(cmd.Context(), args, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.daemon, "daemon", false, "repeat cycles on their poll interval until interrupted")
	cmd.Flags().StringVar(&opts.metrics, "metrics", "", "serve Prometheus metrics on this address")
	cmd.Flags().StringVar(&opts.report, "report", render.FormatText, "report format (text, html, json)")
	cmd.Flags().StringVar(&opts.eventsFile, "events", "", "append cycle events as JSON lines to this file")
	cmd.Flags().StringSliceVar(&opts.eventTypes, "event-types", nil, "publish only these event types (e.g. item.deleted,cycle.failed)")

	return cmd
}

func (a *app) runWatch(ctx context.Context, names []string, opts watchOptions) error {
	if _, err := render.New(opts.report, ""); err != nil {
		return err
	}

	cfg, err := a.loadConfig(ctx)
	if err != nil {
		return err
	}
	techs, err := selectTechnologies(cfg, names)
	if err != nil {
		return err
	}

	// Opened first so it outlives the event publisher flush on shutdown.
	var events *os.File
	if opts.eventsFile != "" {
		events, err = os.OpenFile(opts.eventsFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open events file: %w", err)
		}
		defer events.Close()
	}

	tel, err := telemetry.NewTelemetry(telemetryConfig(cfg, opts))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			log.Warn().Err(err).Msg("Failed to shut down telemetry")
		}
	}()
	ctx = tel.WithContext(ctx)
	logger := tel.Logger.Zerolog()

	if filter := eventTypeFilter(opts.eventTypes); filter != nil {
		tel.Events.AddFilter(filter)
	}
	tel.Events.Subscribe(telemetry.LogSubscriber(tel.Logger), telemetry.FilterByLevel(telemetry.EventLevelError))
	if events != nil {
		tel.Events.Subscribe(telemetry.JSONLinesSubscriber(events), nil)
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := syncAccounts(ctx, store, cfg); err != nil {
		return err
	}

	auditor, err := newAuditor(ctx, cfg, store, opts.daemon)
	if err != nil {
		return err
	}

	registry := producers.NewRegistry(logger)
	defer func() {
		if err := registry.Close(context.Background()); err != nil {
			log.Warn().Err(err).Msg("Failed to release producers")
		}
	}()

	runners := make([]engine.CycleRunner, 0, len(techs))
	for _, tech := range techs {
		built, err := registry.Build(ctx, cfg, tech)
		if err != nil {
			return err
		}
		w, err := newWatcher(cfg, tech, built, store, auditor, tel)
		if err != nil {
			return err
		}
		runners = append(runners, w)
	}

	var mu sync.Mutex
	scheduler := engine.NewCycleScheduler(runners, engine.SchedulerOptions{
		MaxParallel: cfg.Defaults.MaxParallel,
		Logger:      logger,
		OnOutcome: func(o engine.CycleOutcome) {
			if o.Report == nil {
				return
			}
			if opts.daemon && !o.Report.IsChanged() && len(o.Report.Exceptions) == 0 && o.Err == nil {
				logger.Info().Str("technology", o.Technology).Msg("No changes")
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if err := render.RenderReport(a.out, opts.report, cfg.PathSeparator(), o.Report); err != nil {
				logger.Error().Err(err).Str("technology", o.Technology).Msg("Failed to render report")
			}
			logger.Info().
				Str("technology", o.Technology).
				Str("status", string(o.Report.Status)).
				Msg(render.Summary(o.Report))
		},
	})

	if opts.daemon {
		if err := tel.StartMetricsServer(ctx); err != nil {
			return err
		}
		logger.Info().Int("technologies", len(runners)).Msg("Watching")
		return scheduler.Run(ctx)
	}

	var errs []error
	for _, o := range scheduler.RunOnce(ctx) {
		if o.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", o.Technology, o.Err))
		}
	}
	return errors.Join(errs...)
}

// selectTechnologies returns the enabled technologies named on the command
// line, or all of them.
func selectTechnologies(cfg *config.WatchConfig, names []string) ([]config.TechnologyConfig, error) {
	if len(names) == 0 {
		techs := cfg.EnabledTechnologies()
		if len(techs) == 0 {
			return nil, fmt.Errorf("no enabled technology configured")
		}
		return techs, nil
	}
	out := make([]config.TechnologyConfig, 0, len(names))
	for _, name := range names {
		tech, ok := cfg.Technology(name)
		if !ok {
			return nil, fmt.Errorf("unknown technology %q", name)
		}
		if tech.Disabled {
			return nil, fmt.Errorf("technology %q is disabled", name)
		}
		out = append(out, tech)
	}
	return out, nil
}

// eventTypeFilter returns nil when every event type is published.
func eventTypeFilter(names []string) telemetry.EventFilter {
	if len(names) == 0 {
		return nil
	}
	types := make([]engine.EventType, 0, len(names))
	for _, n := range names {
		types = append(types, engine.EventType(strings.TrimSpace(n)))
	}
	return telemetry.FilterByType(types...)
}

// telemetryConfig starts from the daemon profile for --daemon runs and
// applies the telemetry section of the configuration on top.
func telemetryConfig(cfg *config.WatchConfig, opts watchOptions) *telemetry.Config {
	tc := telemetry.DefaultConfig()
	if opts.daemon {
		tc = telemetry.DaemonConfig()
	}
	if cfg.Telemetry.LogLevel != "" {
		tc.Logging.Level = cfg.Telemetry.LogLevel
	}
	if cfg.Telemetry.LogFormat != "" {
		tc.Logging.Format = cfg.Telemetry.LogFormat
	}
	tc.Logging.EnableCaller = false

	tc.Metrics.Enabled = cfg.Telemetry.Metrics.Enabled || opts.metrics != ""
	if opts.metrics != "" {
		tc.Metrics.ListenAddress = opts.metrics
	} else if cfg.Telemetry.Metrics.Listen != "" {
		tc.Metrics.ListenAddress = cfg.Telemetry.Metrics.Listen
	}

	tr := cfg.Telemetry.Tracing
	tc.Tracing.Enabled = tr.Enabled
	if tr.Exporter != "" {
		tc.Tracing.Exporter = tr.Exporter
	}
	tc.Tracing.Endpoint = tr.Endpoint
	if tr.SamplingRate > 0 {
		tc.Tracing.SamplingRate = tr.SamplingRate
	}
	return tc
}

// syncAccounts registers the configured accounts in the datastore.
func syncAccounts(ctx context.Context, store stores.Store, cfg *config.WatchConfig) error {
	for _, acct := range cfg.Accounts {
		if err := store.UpsertAccount(ctx, &stores.Account{
			Name:       acct.Name,
			Identifier: acct.Identifier,
			Notes:      acct.Notes,
			Active:     acct.IsActive(),
		}); err != nil {
			return err
		}
	}
	return nil
}

// newAuditor returns nil when policies are disabled.
func newAuditor(ctx context.Context, cfg *config.WatchConfig, issues policy.IssueSource, watch bool) (engine.Auditor, error) {
	if cfg.Policies.Disabled {
		return nil, nil
	}
	opts := []policy.Option{policy.WithIssueSource(issues)}
	if cfg.Policies.SkipBuiltins {
		opts = append(opts, policy.WithoutBuiltins())
	}
	auditor, err := policy.NewAuditor(log.Logger, opts...)
	if err != nil {
		return nil, err
	}

	paths := existingPaths(cfg.Policies.Paths)
	if len(paths) == 0 {
		return auditor, nil
	}
	if err := auditor.LoadPolicies(ctx, paths); err != nil {
		return nil, err
	}
	if watch && cfg.Policies.Watch {
		if err := auditor.Watch(ctx, paths); err != nil {
			return nil, fmt.Errorf("failed to watch policies: %w", err)
		}
	}
	return auditor, nil
}

func existingPaths(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			log.Warn().Str("path", p).Msg("Policy path not found, skipping")
			continue
		}
		out = append(out, p)
	}
	return out
}

func newWatcher(
	cfg *config.WatchConfig,
	tech config.TechnologyConfig,
	built *producers.Built,
	store stores.Store,
	auditor engine.Auditor,
	tel *telemetry.Telemetry,
) (*engine.Watcher, error) {
	selectors, err := cfg.EphemeralSelectors(tech)
	if err != nil {
		return nil, err
	}
	canonicalizer, err := cfg.Canonicalizer(tech)
	if err != nil {
		return nil, err
	}

	accounts := make([]string, 0)
	for _, acct := range cfg.AccountsFor(tech) {
		accounts = append(accounts, acct.Name)
	}

	wc := engine.WatcherConfig{
		Technology:       tech.Name,
		Accounts:         accounts,
		Producer:         built.Producer,
		Datastore:        store,
		IgnoreRules:      store,
		Auditor:          auditor,
		Cycles:           store,
		Classifier:       built.Classifier,
		HonorEphemerals:  cfg.HonorEphemerals(tech),
		EphemeralPaths:   selectors,
		PersistEphemeral: cfg.PersistEphemeral(tech),
		Canonicalizer:    canonicalizer,
		PollInterval:     cfg.PollInterval(tech),
	}
	tel.Instrument(&wc)
	tel.Logger.WithTechnology(tech.Name).WithFields(map[string]interface{}{
		"accounts":      len(accounts),
		"poll_interval": wc.PollInterval.String(),
	}).Debug("Watcher configured")
	return engine.NewWatcher(wc)
}
