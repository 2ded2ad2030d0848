package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// fakeProducer serves items per account and region. Errors take precedence.
type fakeProducer struct {
	tech        string
	regions     map[string][]string
	regionErr   map[string]error
	items       map[string][]ResourceItem // account/region
	fetchErr    map[string][]error        // account/region, consumed in order
	failures    map[string][]FetchFailure
	fetchCalled int
}

func (p *fakeProducer) Technology() string { return p.tech }

func (p *fakeProducer) Regions(ctx context.Context, account string) ([]string, error) {
	if err := p.regionErr[account]; err != nil {
		return nil, err
	}
	return p.regions[account], nil
}

func (p *fakeProducer) Fetch(ctx context.Context, account, region string) (*FetchResult, error) {
	p.fetchCalled++
	key := account + "/" + region
	if errs := p.fetchErr[key]; len(errs) > 0 {
		err := errs[0]
		p.fetchErr[key] = errs[1:]
		return nil, err
	}
	return &FetchResult{Items: p.items[key], Failures: p.failures[key]}, nil
}

// memStore is an in-memory Datastore, IgnoreRuleSource and CycleStore.
type memStore struct {
	mu        sync.Mutex
	items     map[Location]ResourceItem
	rules     []IgnoreRule
	persisted []PersistRequest
	failOn    string
	cycles    map[string]CycleStatus
}

func newMemStore() *memStore {
	return &memStore{items: make(map[Location]ResourceItem), cycles: make(map[string]CycleStatus)}
}

func (s *memStore) PreviousRevisions(ctx context.Context, technology, account string) (map[Location]ResourceItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[Location]ResourceItem)
	for loc, item := range s.items {
		if loc.Technology == technology && loc.Account == account && item.Active {
			out[loc] = item
		}
	}
	return out, nil
}

func (s *memStore) Persist(ctx context.Context, req PersistRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if req.Name == s.failOn {
		return errors.New("write failed")
	}
	s.persisted = append(s.persisted, req)
	s.items[req.Location()] = ResourceItem{
		Technology: req.Technology, Account: req.Account, Region: req.Region, Name: req.Name,
		Config: req.Config, Active: req.Active, AuditIssues: req.AuditIssues,
	}
	return nil
}

func (s *memStore) IgnoreRules(ctx context.Context, technology string) ([]IgnoreRule, error) {
	var out []IgnoreRule
	for _, r := range s.rules {
		if r.Technology == technology {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memStore) CreateCycle(ctx context.Context, report *CycleReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cycles[report.ID] = report.Status
	return nil
}

func (s *memStore) CompleteCycle(ctx context.Context, report *CycleReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cycles[report.ID] = report.Status
	return nil
}

func (s *memStore) seed(items ...ResourceItem) {
	for _, it := range items {
		s.items[it.Location()] = it
	}
}

// auditFunc adapts a function to the Auditor interface and counts calls.
type auditFunc struct {
	fn    func(records []*ChangeRecord) error
	calls int
}

func (a *auditFunc) Audit(ctx context.Context, records []*ChangeRecord) error {
	a.calls++
	if a.fn == nil {
		return nil
	}
	return a.fn(records)
}

type eventLog struct {
	mu     sync.Mutex
	events []*Event
}

func (e *eventLog) Publish(ctx context.Context, event *Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
	return nil
}

func (e *eventLog) has(typ EventType) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ev := range e.events {
		if ev.Type == typ {
			return true
		}
	}
	return false
}

func fastInvoker() *BackoffInvoker {
	return NewBackoffInvoker(BackoffOptions{
		Unit:   time.Microsecond,
		Logger: zerolog.Nop(),
	})
}

func newTestWatcher(t *testing.T, cfg WatcherConfig) *Watcher {
	t.Helper()
	w, err := NewWatcher(cfg)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	return w
}

func runCycle(t *testing.T, w *Watcher) *CycleReport {
	t.Helper()
	report, err := w.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	return report
}

func TestWatcherCycle(t *testing.T) {
	store := newMemStore()
	store.seed(
		sgItem("sg-1", map[string]interface{}{"rules": []interface{}{"22"}}),
		sgItem("sg-gone", map[string]interface{}{}),
		sgItem("test-ignored", map[string]interface{}{}),
	)
	store.rules = []IgnoreRule{{Technology: "sg", Prefix: "TEST-"}}

	producer := &fakeProducer{
		tech:    "sg",
		regions: map[string][]string{"a1": {"us-east-1"}},
		items: map[string][]ResourceItem{
			"a1/us-east-1": {
				{Name: "sg-1", Config: sgItem("", map[string]interface{}{"rules": []interface{}{"22", "80"}}).Config},
				{Name: "sg-2", Config: sgItem("", map[string]interface{}{}).Config},
				{Name: "test-other", Config: sgItem("", map[string]interface{}{}).Config},
			},
		},
		fetchErr: map[string][]error{"a1/us-east-1": {throttled(), throttled()}},
	}

	auditor := &auditFunc{fn: func(records []*ChangeRecord) error {
		if len(records) != 2 {
			t.Errorf("expected 2 records to audit, got %d", len(records))
			return nil
		}
		records[0].AuditIssues = []AuditIssue{{Issue: "new group"}}
		records[0].FoundNewIssue = true
		return nil
	}}

	events := &eventLog{}
	w := newTestWatcher(t, WatcherConfig{
		Technology:  "sg",
		Accounts:    []string{"a1"},
		Producer:    producer,
		Datastore:   store,
		IgnoreRules: store,
		Auditor:     auditor,
		Cycles:      store,
		Invoker:     fastInvoker(),
		Logger:      zerolog.Nop(),
		Events:      events,
	})

	report := runCycle(t, w)
	if auditor.calls != 1 {
		t.Errorf("expected 1 audit, got %d", auditor.calls)
	}

	if report.Status != CycleStatusSucceeded {
		t.Errorf("expected status %s, got %s", CycleStatusSucceeded, report.Status)
	}
	if producer.fetchCalled != 3 {
		t.Errorf("expected two throttled attempts then success, got %d fetches", producer.fetchCalled)
	}
	if report.ItemsFetched != 2 {
		t.Errorf("expected 2 items fetched, got %d", report.ItemsFetched)
	}
	expectNames(t, "created", report.Created, "sg-2")
	expectNames(t, "deleted", report.Deleted, "sg-gone")
	expectNames(t, "changed", report.Changed, "sg-1")
	if !report.IsChanged() {
		t.Error("expected the report to be changed")
	}
	if want := (IssueFlags{HasIssues: true, HasNewIssue: true, HasUnjustifiedIssue: true}); report.Flags != want {
		t.Errorf("expected flags %+v, got %+v", want, report.Flags)
	}
	if report.PollInterval != DefaultPollInterval {
		t.Errorf("expected poll interval %s, got %s", DefaultPollInterval, report.PollInterval)
	}
	if report.Persisted != 3 {
		t.Errorf("expected 3 persisted records, got %d", report.Persisted)
	}
	if store.cycles[report.ID] != CycleStatusSucceeded {
		t.Errorf("expected the stored cycle to succeed, got %s", store.cycles[report.ID])
	}
	if report.CompletedAt == nil {
		t.Error("expected CompletedAt to be set")
	}

	if gone := store.items[Location{"sg", "a1", "us-east-1", "sg-gone"}]; gone.Active {
		t.Error("expected the deleted item to be stored inactive")
	}

	for _, typ := range []EventType{EventTypeCycleStarted, EventTypeItemCreated, EventTypeCycleCompleted} {
		if !events.has(typ) {
			t.Errorf("expected a %s event", typ)
		}
	}

	// A second cycle over the same data reports nothing.
	producer.fetchErr = nil
	w.cfg.Auditor = &auditFunc{}
	if report = runCycle(t, w); report.IsChanged() {
		t.Error("expected a second cycle to report no change")
	}
}

func TestWatcherFetchFailuresSuppress(t *testing.T) {
	store := newMemStore()
	east := sgItem("sg-east", map[string]interface{}{})
	west := sgItem("sg-west", map[string]interface{}{})
	west.Region = "us-west-2"
	other := sgItem("sg-a2", map[string]interface{}{})
	other.Account = "a2"
	keep := sgItem("sg-keep", map[string]interface{}{"v": 1})
	store.seed(east, west, other, keep)

	producer := &fakeProducer{
		tech: "sg",
		regions: map[string][]string{
			"a1": {"us-east-1", "us-west-2"},
		},
		regionErr: map[string]error{"a2": errors.New("access denied")},
		items: map[string][]ResourceItem{
			"a1/us-east-1": {{Name: "sg-new", Config: keep.Config}},
		},
		fetchErr: map[string][]error{"a1/us-west-2": {errors.New("region disabled")}},
		failures: map[string][]FetchFailure{
			"a1/us-east-1": {{Location: ItemScope(keep.Location()), Err: errors.New("describe failed")}},
		},
	}

	w := newTestWatcher(t, WatcherConfig{
		Technology: "sg",
		Accounts:   []string{"a1", "a2"},
		Producer:   producer,
		Datastore:  store,
		Invoker:    fastInvoker(),
		Logger:     zerolog.Nop(),
	})

	report := runCycle(t, w)

	if report.Status != CycleStatusPartial {
		t.Errorf("expected status %s, got %s", CycleStatusPartial, report.Status)
	}
	expectNames(t, "deleted (only the healthy region)", report.Deleted, "sg-east")
	expectNames(t, "created", report.Created, "sg-new")
	if len(report.Exceptions) != 3 {
		t.Fatalf("expected 3 exceptions, got %+v", report.Exceptions)
	}
	want := []PartialLocation{
		AccountScope("sg", "a2"),
		RegionScope("sg", "a1", "us-west-2"),
		ItemScope(keep.Location()),
	}
	for i, loc := range want {
		if report.Exceptions[i].Location != loc {
			t.Errorf("exception %d: expected %s, got %s", i, loc, report.Exceptions[i].Location)
		}
	}
}

func TestWatcherFetchErrorScope(t *testing.T) {
	store := newMemStore()
	a := sgItem("sg-a", map[string]interface{}{})
	b := sgItem("sg-b", map[string]interface{}{})
	store.seed(a, b)

	producer := &fakeProducer{
		tech:    "sg",
		regions: map[string][]string{"a1": {"us-east-1"}},
		fetchErr: map[string][]error{"a1/us-east-1": {
			&FetchError{Location: ItemScope(a.Location()), Err: errors.New("policy read failed")},
		}},
	}

	w := newTestWatcher(t, WatcherConfig{
		Technology: "sg", Accounts: []string{"a1"}, Producer: producer, Datastore: store,
		Invoker: fastInvoker(), Logger: zerolog.Nop(),
	})

	report := runCycle(t, w)
	if len(report.Exceptions) != 1 {
		t.Fatalf("expected 1 exception, got %+v", report.Exceptions)
	}
	if depth := report.Exceptions[0].Location.Depth; depth != 4 {
		t.Errorf("expected an item scoped exception, got depth %d", depth)
	}
	expectNames(t, "deleted", report.Deleted, "sg-b")
}

func TestWatcherPersistErrorPropagates(t *testing.T) {
	store := newMemStore()
	store.failOn = "sg-1"
	producer := &fakeProducer{
		tech:    "sg",
		regions: map[string][]string{"a1": {"us-east-1"}},
		items:   map[string][]ResourceItem{"a1/us-east-1": {{Name: "sg-1"}}},
	}

	w := newTestWatcher(t, WatcherConfig{
		Technology: "sg", Accounts: []string{"a1"}, Producer: producer, Datastore: store,
		Cycles: store, Invoker: fastInvoker(), Logger: zerolog.Nop(),
	})

	report, err := w.Run(context.Background())
	if err == nil {
		t.Fatal("expected the persist error to fail the cycle")
	}
	if report.Status != CycleStatusFailed || store.cycles[report.ID] != CycleStatusFailed {
		t.Errorf("expected a failed cycle, got %s (stored %s)", report.Status, store.cycles[report.ID])
	}
	if report.Error == "" {
		t.Error("expected the report to carry the error")
	}
}

func TestWatcherPersistsEphemeralBucket(t *testing.T) {
	for _, persistEphemeral := range []bool{true, false} {
		store := newMemStore()
		store.seed(sgItem("sg-1", map[string]interface{}{"seen": "t1"}))
		producer := &fakeProducer{
			tech:    "sg",
			regions: map[string][]string{"a1": {"us-east-1"}},
			items: map[string][]ResourceItem{"a1/us-east-1": {
				{Name: "sg-1", Config: sgItem("", map[string]interface{}{"seen": "t2"}).Config},
			}},
		}
		w := newTestWatcher(t, WatcherConfig{
			Technology: "sg", Accounts: []string{"a1"}, Producer: producer, Datastore: store,
			HonorEphemerals: true, EphemeralPaths: newTestReconciler(true, "seen").opts.EphemeralPaths,
			PersistEphemeral: persistEphemeral,
			Invoker:          fastInvoker(), Logger: zerolog.Nop(),
		})

		report := runCycle(t, w)
		expectNames(t, "changed", report.Changed)
		expectNames(t, "ephemeral", report.Ephemeral, "sg-1")
		if report.IsChanged() {
			t.Error("expected an ephemeral change not to count as a change")
		}
		if !report.EphemeralsSkipped() {
			t.Error("expected EphemeralsSkipped")
		}
		want := 0
		if persistEphemeral {
			want = 1
		}
		if len(store.persisted) != want {
			t.Errorf("persistEphemeral=%v: expected %d persisted records, got %d", persistEphemeral, want, len(store.persisted))
		}
	}
}

func TestWatcherCancellation(t *testing.T) {
	store := newMemStore()
	producer := &fakeProducer{
		tech:     "sg",
		regions:  map[string][]string{"a1": {"us-east-1"}},
		fetchErr: map[string][]error{"a1/us-east-1": {throttled(), throttled(), throttled()}},
	}
	inv := NewBackoffInvoker(BackoffOptions{Unit: time.Hour, Logger: zerolog.Nop()})

	w := newTestWatcher(t, WatcherConfig{
		Technology: "sg", Accounts: []string{"a1"}, Producer: producer, Datastore: store,
		Invoker: inv, Logger: zerolog.Nop(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	report, err := w.Run(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected context.DeadlineExceeded, got %v", err)
	}
	if report.Status != CycleStatusCancelled {
		t.Errorf("expected status %s, got %s", CycleStatusCancelled, report.Status)
	}
}

func TestWatcherConfigValidate(t *testing.T) {
	_, err := NewWatcher(WatcherConfig{})
	if err == nil || !IsPermanent(err) {
		t.Errorf("expected a permanent error for an empty config, got %v", err)
	}

	_, err = NewWatcher(WatcherConfig{Technology: "sg", Accounts: []string{"a1"}})
	if err == nil || !strings.Contains(err.Error(), "producer") {
		t.Errorf("expected a missing producer error, got %v", err)
	}
}
