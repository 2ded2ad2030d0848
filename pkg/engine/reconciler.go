package engine

import (
	"fmt"
	"sort"

	"github.com/driftwatch/driftwatch/pkg/confval"
	"github.com/rs/zerolog"
)

// ReconcilerOptions configures change classification.
type ReconcilerOptions struct {
	// HonorEphemerals enables the durable/ephemeral split of modifications.
	HonorEphemerals bool

	// EphemeralPaths select config fields whose changes carry no security
	// meaning. They are removed before the durable comparison.
	EphemeralPaths []confval.Selector

	// Canonicalizer projects configs before every comparison. Nil compares
	// configs as they are.
	Canonicalizer Canonicalizer

	Logger zerolog.Logger
}

// Reconciler computes created, deleted and modified resources between two
// snapshots. It keeps no state between calls.
type Reconciler struct {
	opts   ReconcilerOptions
	logger zerolog.Logger
}

// NewReconciler creates a reconciler.
func NewReconciler(opts ReconcilerOptions) *Reconciler {
	return &Reconciler{
		opts:   opts,
		logger: opts.Logger.With().Str("component", "reconciler").Logger(),
	}
}

// ItemIndex maps locations to items.
type ItemIndex map[Location]ResourceItem

// IndexItems indexes items by location. When two items share a location the
// later one wins and a warning is logged.
func IndexItems(items []ResourceItem, logger zerolog.Logger) ItemIndex {
	idx := make(ItemIndex, len(items))
	for _, item := range items {
		loc := item.Location()
		if _, dup := idx[loc]; dup {
			logger.Warn().
				Str("location", loc.String()).
				Msg("Duplicate location in snapshot, keeping the last item")
		}
		idx[loc] = item
	}
	return idx
}

// sortedLocations returns the keys of idx in a stable order.
func (idx ItemIndex) sortedLocations() []Location {
	locs := make([]Location, 0, len(idx))
	for loc := range idx {
		locs = append(locs, loc)
	}
	sort.Slice(locs, func(i, j int) bool { return locs[i].Less(locs[j]) })
	return locs
}

// ReconcileResult holds the reconciliation buckets, each ordered by location.
type ReconcileResult struct {
	Created   []*ChangeRecord `json:"created"`
	Deleted   []*ChangeRecord `json:"deleted"`
	Changed   []*ChangeRecord `json:"changed"`
	Ephemeral []*ChangeRecord `json:"ephemeral"`

	// Suppressed counts locations skipped because of recorded exceptions.
	Suppressed int `json:"suppressed"`

	honorEphemerals bool
	inclusive       map[Location]*ChangeRecord
}

// IsChanged reports whether anything was created, deleted or durably changed.
func (r *ReconcileResult) IsChanged() bool {
	return len(r.Created) > 0 || len(r.Deleted) > 0 || len(r.Changed) > 0
}

// CreatedAndChanged returns the records the auditor looks at.
func (r *ReconcileResult) CreatedAndChanged() []*ChangeRecord {
	out := make([]*ChangeRecord, 0, len(r.Created)+len(r.Changed))
	out = append(out, r.Created...)
	out = append(out, r.Changed...)
	return out
}

// Modifications returns the modification records that should be written to
// the datastore. With ephemerals honored this is either the whole ephemeral
// bucket plus any durable change missing from it or, when persistEphemeral
// is false, the unfiltered record behind every durable change, so stored
// configs are never missing ephemeral fields.
// Audit results of durable records are carried over to the unfiltered ones.
func (r *ReconcileResult) Modifications(persistEphemeral bool) []*ChangeRecord {
	if !r.honorEphemerals {
		return r.Changed
	}

	durable := make(map[Location]*ChangeRecord, len(r.Changed))
	for _, rec := range r.Changed {
		durable[rec.Location()] = rec
	}

	if persistEphemeral {
		out := make([]*ChangeRecord, 0, len(r.Ephemeral)+len(r.Changed))
		for _, rec := range r.Ephemeral {
			if d, ok := durable[rec.Location()]; ok {
				carryAudit(d, rec)
			}
			out = append(out, rec)
		}
		// A durable change with no unfiltered counterpart still has to be
		// stored, e.g. when canonicalization hides it from the full compare.
		for _, rec := range r.Changed {
			if _, ok := r.inclusive[rec.Location()]; !ok {
				out = append(out, rec)
			}
		}
		sort.SliceStable(out, func(i, j int) bool { return out[i].Location().Less(out[j].Location()) })
		return out
	}

	out := make([]*ChangeRecord, 0, len(r.Changed))
	for _, rec := range r.Changed {
		if full, ok := r.inclusive[rec.Location()]; ok {
			carryAudit(rec, full)
			out = append(out, full)
			continue
		}
		out = append(out, rec)
	}
	return out
}

func carryAudit(from, to *ChangeRecord) {
	to.AuditIssues = from.AuditIssues
	to.ConfirmedNewIssues = from.ConfirmedNewIssues
	to.ConfirmedFixedIssues = from.ConfirmedFixedIssues
	to.ConfirmedExistingIssues = from.ConfirmedExistingIssues
	to.FoundNewIssue = from.FoundNewIssue
}

// Reconcile classifies every location of previous and current.
func (r *Reconciler) Reconcile(previous, current []ResourceItem, exceptions *ExceptionScope) (*ReconcileResult, error) {
	prev := IndexItems(previous, r.logger)
	cur := IndexItems(current, r.logger)

	result := &ReconcileResult{
		honorEphemerals: r.opts.HonorEphemerals,
		inclusive:       make(map[Location]*ChangeRecord),
	}

	result.Created = r.FindNew(prev, cur)
	deleted, suppressedDeleted := r.FindDeleted(prev, cur, exceptions)
	result.Deleted = deleted

	mods, err := r.FindModified(prev, cur, exceptions)
	if err != nil {
		return nil, err
	}
	result.Changed = mods.Changed
	result.Ephemeral = mods.Ephemeral
	result.Suppressed = suppressedDeleted + mods.Suppressed
	for _, rec := range mods.Ephemeral {
		result.inclusive[rec.Location()] = rec
	}

	r.logger.Debug().
		Int("created", len(result.Created)).
		Int("deleted", len(result.Deleted)).
		Int("changed", len(result.Changed)).
		Int("ephemeral", len(result.Ephemeral)).
		Int("suppressed", result.Suppressed).
		Msg("Reconciled snapshots")

	return result, nil
}

// FindDeleted returns a record for every location of prev missing from cur
// that is not suppressed, and the number of suppressed locations.
func (r *Reconciler) FindDeleted(prev, cur ItemIndex, exceptions *ExceptionScope) ([]*ChangeRecord, int) {
	var out []*ChangeRecord
	suppressed := 0
	for _, loc := range prev.sortedLocations() {
		if _, ok := cur[loc]; ok {
			continue
		}
		if exceptions.IsSuppressed(loc) {
			suppressed++
			r.logger.Debug().Str("location", loc.String()).Msg("Skipping deletion check for suppressed location")
			continue
		}
		old := prev[loc]
		rec, _ := NewChangeRecord(&old, nil)
		out = append(out, rec)
	}
	return out, suppressed
}

// FindNew returns a record for every location of cur missing from prev.
// Exceptions never hide creations: a failure means the previous state is
// unknown, not the current one.
func (r *Reconciler) FindNew(prev, cur ItemIndex) []*ChangeRecord {
	var out []*ChangeRecord
	for _, loc := range cur.sortedLocations() {
		if _, ok := prev[loc]; ok {
			continue
		}
		item := cur[loc]
		rec, _ := NewChangeRecord(nil, &item)
		out = append(out, rec)
	}
	return out
}

// Modifications holds the outcome of FindModified.
type Modifications struct {
	Changed    []*ChangeRecord
	Ephemeral  []*ChangeRecord
	Suppressed int
}

// FindModified compares every location present in both snapshots.
func (r *Reconciler) FindModified(prev, cur ItemIndex, exceptions *ExceptionScope) (*Modifications, error) {
	mods := &Modifications{}
	for _, loc := range cur.sortedLocations() {
		old, ok := prev[loc]
		if !ok {
			continue
		}
		if exceptions.IsSuppressed(loc) {
			mods.Suppressed++
			r.logger.Debug().Str("location", loc.String()).Msg("Skipping modification check for suppressed location")
			continue
		}
		item := cur[loc]

		differs, err := r.differs(old.Config, item.Config)
		if err != nil {
			return nil, fmt.Errorf("failed to compare %s: %w", loc, err)
		}
		var inclusive *ChangeRecord
		if differs {
			inclusive, _ = NewChangeRecord(&old, &item)
		}

		if !r.opts.HonorEphemerals {
			if inclusive != nil {
				mods.Changed = append(mods.Changed, inclusive)
			}
			continue
		}

		durable, err := r.durableChange(old, item)
		if err != nil {
			return nil, fmt.Errorf("failed to compare durable config of %s: %w", loc, err)
		}
		if durable != nil {
			mods.Changed = append(mods.Changed, durable)
		}
		if inclusive != nil {
			mods.Ephemeral = append(mods.Ephemeral, inclusive)
		}
	}
	return mods, nil
}

// durableChange compares deep copies of both items with every ephemeral path
// removed, and returns a record built from the filtered copies if they still
// differ.
func (r *Reconciler) durableChange(old, cur ResourceItem) (*ChangeRecord, error) {
	oldFiltered := old
	curFiltered := cur
	oldFiltered.Config = r.stripEphemerals(old.Config.Clone())
	curFiltered.Config = r.stripEphemerals(cur.Config.Clone())

	differs, err := r.differs(oldFiltered.Config, curFiltered.Config)
	if err != nil || !differs {
		return nil, err
	}
	rec, _ := NewChangeRecord(&oldFiltered, &curFiltered)
	return rec, nil
}

func (r *Reconciler) stripEphemerals(v confval.Value) confval.Value {
	for _, sel := range r.opts.EphemeralPaths {
		v, _ = sel.Prune(v)
	}
	return v
}

func (r *Reconciler) differs(a, b confval.Value) (bool, error) {
	if r.opts.Canonicalizer != nil {
		var err error
		if a, err = r.opts.Canonicalizer.Canonicalize(a); err != nil {
			return false, err
		}
		if b, err = r.opts.Canonicalizer.Canonicalize(b); err != nil {
			return false, err
		}
	}
	return !confval.Equal(a, b), nil
}
