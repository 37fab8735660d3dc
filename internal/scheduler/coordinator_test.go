package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"checkind/internal/checkin"
	"checkind/internal/eventbus"
	"checkind/internal/provider"
	"checkind/internal/store"
	"checkind/internal/wake"
	logx "checkind/pkg/logx"
)

// ---- fakes ----

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type memAccounts struct {
	mu        sync.Mutex
	byID      map[string]checkin.Account
	order     []string
	markCalls int
}

func newMemAccounts(accounts ...checkin.Account) *memAccounts {
	m := &memAccounts{byID: map[string]checkin.Account{}}
	for _, a := range accounts {
		m.byID[a.ID] = a
		m.order = append(m.order, a.ID)
	}
	return m
}

func (m *memAccounts) List(context.Context) ([]checkin.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]checkin.Account, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.byID[id])
	}
	return out, nil
}

func (m *memAccounts) Put(_ context.Context, a checkin.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[a.ID]; !ok {
		m.order = append(m.order, a.ID)
	}
	m.byID[a.ID] = a
	return nil
}

func (m *memAccounts) Update(_ context.Context, id string, p store.AccountPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.byID[id]
	if !ok {
		return store.ErrAccountNotFound
	}
	if p.Name != nil {
		a.Name = *p.Name
	}
	if p.SiteType != nil {
		a.SiteType = *p.SiteType
	}
	if p.DetectionEnabled != nil {
		a.DetectionEnabled = *p.DetectionEnabled
	}
	if p.AutoRunEnabled != nil {
		a.AutoRunEnabled = *p.AutoRunEnabled
	}
	if p.DoneToday != nil {
		a.DoneToday = *p.DoneToday
	}
	if p.LastDoneDate != nil {
		a.LastDoneDate = *p.LastDoneDate
	}
	m.byID[id] = a
	return nil
}

func (m *memAccounts) MarkDoneToday(_ context.Context, id, date string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.byID[id]
	if !ok {
		return store.ErrAccountNotFound
	}
	a.DoneToday = true
	a.LastDoneDate = date
	m.byID[id] = a
	m.markCalls++
	return nil
}

func (m *memAccounts) get(id string) checkin.Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byID[id]
}

type memStatus struct {
	mu    sync.Mutex
	st    checkin.Status
	ok    bool
	saves int
}

func (m *memStatus) Get(context.Context) (checkin.Status, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st, m.ok, nil
}

func (m *memStatus) Save(_ context.Context, st checkin.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st = st
	m.ok = true
	m.saves++
	return nil
}

func (m *memStatus) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st = checkin.Status{}
	m.ok = false
	return nil
}

func (m *memStatus) current() checkin.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st
}

// fakeProvider returns a canned result (or error) and counts calls.
type fakeProvider struct {
	canRun bool
	result provider.Result
	err    error
	panics bool
	block  chan struct{} // when non-nil, Run waits for a signal or ctx
	calls  atomic.Int32
}

func (p *fakeProvider) CanRun(checkin.Account) bool { return p.canRun }

func (p *fakeProvider) Run(ctx context.Context, _ checkin.Account) (provider.Result, error) {
	p.calls.Add(1)
	if p.panics {
		panic("boom")
	}
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return provider.Result{}, ctx.Err()
		}
	}
	return p.result, p.err
}

type fakeWaker struct {
	mu        sync.Mutex
	at        map[string]time.Time
	registers int
	cancels   int
	events    chan wake.Event
}

func newFakeWaker() *fakeWaker {
	return &fakeWaker{at: map[string]time.Time{}, events: make(chan wake.Event, 4)}
}

func (w *fakeWaker) Register(name string, at time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.at[name] = at
	w.registers++
	return nil
}

func (w *fakeWaker) Cancel(name string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.at[name]
	delete(w.at, name)
	w.cancels++
	return ok
}

func (w *fakeWaker) Get(name string) (wake.Info, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	at, ok := w.at[name]
	return wake.Info{Name: name, At: at}, ok
}

func (w *fakeWaker) Events() <-chan wake.Event { return w.events }
func (w *fakeWaker) Close()                    {}

func (w *fakeWaker) registered() (time.Time, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	at, ok := w.at[WakeName]
	return at, ok
}

type memSettings struct {
	mu  sync.Mutex
	set checkin.Settings
}

func (m *memSettings) Schedule() checkin.Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.set
}

func (m *memSettings) SaveSchedule(p checkin.SettingsPatch) (checkin.Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.set = p.Apply(m.set)
	return m.set, nil
}

func enabledSettings() checkin.Settings {
	return checkin.Settings{
		GlobalEnabled: true,
		WindowStart:   "09:00",
		WindowEnd:     "18:00",
		ScheduleMode:  checkin.ModeRandom,
		RetryStrategy: checkin.RetryStrategy{Enabled: true, IntervalMinutes: 30, MaxAttemptsPerDay: 3},
	}
}

func newTestCoordinator(accounts store.AccountStore, status store.StatusStore, reg *provider.Registry, clock checkin.Clock) *Coordinator {
	return NewCoordinator(CoordinatorOptions{}, accounts, status, reg, clock, eventbus.New(), logx.Nop())
}

// ---- tests ----

func TestRunPassMixedOutcomes(t *testing.T) {
	now := time.Date(2026, 3, 10, 11, 0, 0, 0, time.Local)
	clock := newFakeClock(now)
	accounts := newMemAccounts(
		checkin.Account{ID: "a1", Name: "one", SiteType: "good", DetectionEnabled: true, AutoRunEnabled: true},
		checkin.Account{ID: "a2", Name: "two", SiteType: "bad", DetectionEnabled: true, AutoRunEnabled: true},
		checkin.Account{ID: "a3", Name: "three", SiteType: "good", DetectionEnabled: true, AutoRunEnabled: false},
		checkin.Account{ID: "a4", Name: "four", SiteType: "good", DetectionEnabled: false, AutoRunEnabled: true},
	)
	status := &memStatus{}
	reg := provider.NewRegistry()
	good := &fakeProvider{canRun: true, result: provider.Result{Status: checkin.StatusSuccess, Message: "ok"}}
	bad := &fakeProvider{canRun: true, err: errors.New("login rejected")}
	reg.Register("good", good)
	reg.Register("bad", bad)

	c := newTestCoordinator(accounts, status, reg, clock)
	st, err := c.RunPass(context.Background(), enabledSettings())
	if err != nil {
		t.Fatal(err)
	}

	want := checkin.RunSummary{TotalEligible: 3, Executed: 2, SuccessCount: 1, FailedCount: 1, SkippedCount: 1, NeedsRetry: true}
	if st.Summary != want {
		t.Fatalf("summary = %+v, want %+v", st.Summary, want)
	}
	if st.LastRunResult != checkin.RunPartial {
		t.Fatalf("verdict = %q", st.LastRunResult)
	}
	if !st.PendingRetry {
		t.Fatal("expected pending retry after a failure")
	}
	if st.Attempts.Attempts != 1 || st.Attempts.Date != checkin.DateOf(now) {
		t.Fatalf("attempts = %+v", st.Attempts)
	}

	// Detection-disabled account is invisible.
	if _, ok := st.PerAccount["a4"]; ok {
		t.Fatal("a4 should not appear in results")
	}
	if len(st.AccountsSnapshot) != 3 {
		t.Fatalf("snapshot count = %d", len(st.AccountsSnapshot))
	}
	if got := st.PerAccount["a3"]; got.Status != checkin.StatusSkipped || got.ReasonCode != checkin.SkipAutoRunDisabled {
		t.Fatalf("a3 result = %+v", got)
	}

	// Success marks done-today in the account store.
	if a := accounts.get("a1"); !a.DoneToday || a.LastDoneDate != checkin.DateOf(now) {
		t.Fatalf("a1 not marked done: %+v", a)
	}
	if a := accounts.get("a2"); a.DoneToday {
		t.Fatal("failed account must not be marked done")
	}

	// Status persisted wholesale.
	if persisted := status.current(); persisted.Summary != want {
		t.Fatalf("persisted summary = %+v", persisted.Summary)
	}
}

func TestRunPassAllSkippedMakesNoProviderCalls(t *testing.T) {
	now := time.Date(2026, 3, 10, 11, 0, 0, 0, time.Local)
	today := checkin.DateOf(now)
	accounts := newMemAccounts(
		checkin.Account{ID: "a1", SiteType: "s", DetectionEnabled: true, AutoRunEnabled: true, DoneToday: true, LastDoneDate: today},
		checkin.Account{ID: "a2", SiteType: "s", DetectionEnabled: true, AutoRunEnabled: false},
	)
	status := &memStatus{}
	reg := provider.NewRegistry()
	p := &fakeProvider{canRun: true, result: provider.Result{Status: checkin.StatusSuccess}}
	reg.Register("s", p)

	c := newTestCoordinator(accounts, status, reg, newFakeClock(now))
	st, err := c.RunPass(context.Background(), enabledSettings())
	if err != nil {
		t.Fatal(err)
	}

	if n := p.calls.Load(); n != 0 {
		t.Fatalf("provider called %d times", n)
	}
	if st.Summary.Executed != 0 || st.Summary.SkippedCount != 2 {
		t.Fatalf("summary = %+v", st.Summary)
	}
	if st.LastRunResult != checkin.RunSuccess || st.PendingRetry {
		t.Fatalf("verdict = %q pendingRetry = %v", st.LastRunResult, st.PendingRetry)
	}
	if got := st.PerAccount["a1"].ReasonCode; got != checkin.SkipAlreadyChecked {
		t.Fatalf("a1 reason = %q", got)
	}
}

func TestRunPassGloballyDisabledIsNoOp(t *testing.T) {
	accounts := newMemAccounts(
		checkin.Account{ID: "a1", SiteType: "s", DetectionEnabled: true, AutoRunEnabled: true},
	)
	status := &memStatus{}
	reg := provider.NewRegistry()
	p := &fakeProvider{canRun: true, result: provider.Result{Status: checkin.StatusSuccess}}
	reg.Register("s", p)

	set := enabledSettings()
	set.GlobalEnabled = false
	c := newTestCoordinator(accounts, status, reg, newFakeClock(time.Now()))
	if _, err := c.RunPass(context.Background(), set); err != nil {
		t.Fatal(err)
	}
	if p.calls.Load() != 0 {
		t.Fatal("provider must not run when automation is disabled")
	}
	if status.saves != 0 {
		t.Fatal("disabled pass must not rewrite status")
	}
}

func TestRunPassRollsOverStaleDoneFlags(t *testing.T) {
	now := time.Date(2026, 3, 10, 11, 0, 0, 0, time.Local)
	accounts := newMemAccounts(
		checkin.Account{ID: "a1", SiteType: "s", DetectionEnabled: true, AutoRunEnabled: true,
			DoneToday: true, LastDoneDate: "2026-03-09"},
	)
	status := &memStatus{}
	reg := provider.NewRegistry()
	p := &fakeProvider{canRun: true, result: provider.Result{Status: checkin.StatusSuccess}}
	reg.Register("s", p)

	c := newTestCoordinator(accounts, status, reg, newFakeClock(now))
	st, err := c.RunPass(context.Background(), enabledSettings())
	if err != nil {
		t.Fatal(err)
	}
	// Yesterday's flag must not block today's run.
	if p.calls.Load() != 1 {
		t.Fatalf("provider calls = %d", p.calls.Load())
	}
	if st.PerAccount["a1"].Status != checkin.StatusSuccess {
		t.Fatalf("a1 = %+v", st.PerAccount["a1"])
	}
	if a := accounts.get("a1"); a.LastDoneDate != checkin.DateOf(now) {
		t.Fatalf("done date not refreshed: %+v", a)
	}
}

func TestRunPassAttemptBudgetExhaustedDropsRetry(t *testing.T) {
	now := time.Date(2026, 3, 10, 11, 0, 0, 0, time.Local)
	accounts := newMemAccounts(
		checkin.Account{ID: "a1", SiteType: "s", DetectionEnabled: true, AutoRunEnabled: true},
	)
	status := &memStatus{}
	status.st = checkin.Status{Attempts: checkin.AttemptsTracker{Date: checkin.DateOf(now), Attempts: 3}}
	status.ok = true
	reg := provider.NewRegistry()
	reg.Register("s", &fakeProvider{canRun: true, err: errors.New("still down")})

	c := newTestCoordinator(accounts, status, reg, newFakeClock(now))
	st, err := c.RunPass(context.Background(), enabledSettings())
	if err != nil {
		t.Fatal(err)
	}
	if st.Attempts.Attempts != 4 {
		t.Fatalf("attempts = %+v", st.Attempts)
	}
	if st.PendingRetry {
		t.Fatal("budget exhausted, pendingRetry must be false")
	}
}

// faultyAccounts injects account-store failures.
type faultyAccounts struct {
	*memAccounts
	listErr   error
	listPanic bool
}

func (f *faultyAccounts) List(ctx context.Context) ([]checkin.Account, error) {
	if f.listPanic {
		panic("account table corrupted")
	}
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.memAccounts.List(ctx)
}

// faultyStatus injects status-store failures.
type faultyStatus struct {
	*memStatus
	getErr  error
	saveErr error
}

func (f *faultyStatus) Get(ctx context.Context) (checkin.Status, bool, error) {
	if f.getErr != nil {
		return checkin.Status{}, false, f.getErr
	}
	return f.memStatus.Get(ctx)
}

func (f *faultyStatus) Save(ctx context.Context, st checkin.Status) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	return f.memStatus.Save(ctx, st)
}

func TestRunPassAccountListFailurePersistsFailedStatus(t *testing.T) {
	now := time.Date(2026, 3, 10, 11, 0, 0, 0, time.Local)
	accounts := &faultyAccounts{
		memAccounts: newMemAccounts(
			checkin.Account{ID: "a1", SiteType: "s", DetectionEnabled: true, AutoRunEnabled: true},
		),
		listErr: errors.New("disk error"),
	}
	status := &memStatus{}
	reg := provider.NewRegistry()
	p := &fakeProvider{canRun: true, result: provider.Result{Status: checkin.StatusSuccess}}
	reg.Register("s", p)

	c := newTestCoordinator(accounts, status, reg, newFakeClock(now))
	st, err := c.RunPass(context.Background(), enabledSettings())
	if err != nil {
		t.Fatal(err)
	}
	if st.LastRunResult != checkin.RunFailed {
		t.Fatalf("verdict = %q, want failed", st.LastRunResult)
	}
	if len(st.PerAccount) != 0 {
		t.Fatalf("perAccount = %+v, want empty", st.PerAccount)
	}
	if st.Attempts.Attempts != 1 || st.Attempts.Date != checkin.DateOf(now) {
		t.Fatalf("attempts = %+v", st.Attempts)
	}
	if p.calls.Load() != 0 {
		t.Fatal("provider must not run when listing fails")
	}
	// The failure is persisted so a restart still sees a FAILED run.
	persisted := status.current()
	if status.saves != 1 || persisted.LastRunResult != checkin.RunFailed {
		t.Fatalf("persisted = %+v (saves=%d)", persisted, status.saves)
	}
}

func TestRunPassStatusReadFailureSkipsExecution(t *testing.T) {
	now := time.Date(2026, 3, 10, 11, 0, 0, 0, time.Local)
	accounts := newMemAccounts(
		checkin.Account{ID: "a1", SiteType: "s", DetectionEnabled: true, AutoRunEnabled: true},
	)
	status := &faultyStatus{memStatus: &memStatus{}, getErr: errors.New("db locked")}
	reg := provider.NewRegistry()
	p := &fakeProvider{canRun: true, result: provider.Result{Status: checkin.StatusSuccess}}
	reg.Register("s", p)

	c := newTestCoordinator(accounts, status, reg, newFakeClock(now))
	st, err := c.RunPass(context.Background(), enabledSettings())
	if err != nil {
		t.Fatal(err)
	}
	// Without the persisted attempt counter the budget is unknown; executing
	// could overrun it, so the pass records a failure instead.
	if p.calls.Load() != 0 {
		t.Fatal("provider must not run when status cannot be read")
	}
	if st.LastRunResult != checkin.RunFailed || len(st.PerAccount) != 0 {
		t.Fatalf("status = %+v", st)
	}
	if got := status.memStatus.current(); got.LastRunResult != checkin.RunFailed {
		t.Fatalf("persisted = %+v", got)
	}
}

func TestRunPassStatusSaveFailureStillReturnsResult(t *testing.T) {
	now := time.Date(2026, 3, 10, 11, 0, 0, 0, time.Local)
	accounts := newMemAccounts(
		checkin.Account{ID: "a1", SiteType: "s", DetectionEnabled: true, AutoRunEnabled: true},
	)
	status := &faultyStatus{memStatus: &memStatus{}, saveErr: errors.New("disk full")}
	reg := provider.NewRegistry()
	reg.Register("s", &fakeProvider{canRun: true, result: provider.Result{Status: checkin.StatusSuccess, Message: "ok"}})

	c := newTestCoordinator(accounts, status, reg, newFakeClock(now))
	st, err := c.RunPass(context.Background(), enabledSettings())
	if err != nil {
		t.Fatal(err)
	}
	if st.LastRunResult != checkin.RunSuccess || st.Summary.SuccessCount != 1 {
		t.Fatalf("status = %+v", st)
	}
	if st.PerAccount["a1"].Status != checkin.StatusSuccess {
		t.Fatalf("a1 = %+v", st.PerAccount["a1"])
	}
}

func TestRunPassPanicPersistsFailedStatus(t *testing.T) {
	now := time.Date(2026, 3, 10, 11, 0, 0, 0, time.Local)
	accounts := &faultyAccounts{memAccounts: newMemAccounts(), listPanic: true}
	status := &memStatus{}

	c := newTestCoordinator(accounts, status, provider.NewRegistry(), newFakeClock(now))
	st, err := c.RunPass(context.Background(), enabledSettings())
	if err != nil {
		t.Fatal(err)
	}
	if st.LastRunResult != checkin.RunFailed || len(st.PerAccount) != 0 {
		t.Fatalf("status = %+v", st)
	}
	if st.Attempts.Attempts != 1 {
		t.Fatalf("attempts = %+v", st.Attempts)
	}
	if got := status.current(); got.LastRunResult != checkin.RunFailed {
		t.Fatalf("persisted = %+v", got)
	}
}

func TestRunAccountPanicBecomesFailedResult(t *testing.T) {
	accounts := newMemAccounts()
	reg := provider.NewRegistry()
	reg.Register("s", &fakeProvider{canRun: true, panics: true})

	c := newTestCoordinator(accounts, &memStatus{}, reg, newFakeClock(time.Now()))
	res := c.RunAccount(context.Background(), checkin.Account{ID: "a1", SiteType: "s"})
	if res.Status != checkin.StatusFailed {
		t.Fatalf("status = %q", res.Status)
	}
	if res.Message == "" {
		t.Fatal("expected a panic message")
	}
}

func TestRunAccountHonorsTimeout(t *testing.T) {
	accounts := newMemAccounts()
	reg := provider.NewRegistry()
	reg.Register("s", &fakeProvider{canRun: true, block: make(chan struct{})})

	c := NewCoordinator(CoordinatorOptions{ProviderTimeout: 20 * time.Millisecond},
		accounts, &memStatus{}, reg, checkin.SystemClock(), eventbus.New(), logx.Nop())
	res := c.RunAccount(context.Background(), checkin.Account{ID: "a1", SiteType: "s"})
	if res.Status != checkin.StatusFailed {
		t.Fatalf("status = %q, want failed on timeout", res.Status)
	}
}
