package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"checkind/internal/checkin"
	"checkind/internal/eventbus"
	"checkind/internal/provider"
	"checkind/internal/store"
	"checkind/internal/wake"
	logx "checkind/pkg/logx"
)

// WakeName is the single wake-up registration the scheduler keeps armed.
const WakeName = "checkin:daily"

// ErrPassInFlight is returned when a pass is requested while one is running.
var ErrPassInFlight = errors.New("check-in pass already in flight")

// SettingsSource hands out the current schedule and accepts partial updates.
// In the daemon this is backed by the config manager; tests use an in-memory
// implementation.
type SettingsSource interface {
	Schedule() checkin.Settings
	SaveSchedule(patch checkin.SettingsPatch) (checkin.Settings, error)
}

// Deps are the collaborators the scheduler service is wired with.
type Deps struct {
	Settings SettingsSource
	Status   store.StatusStore
	Accounts store.AccountStore
	Registry *provider.Registry
	Waker    wake.Waker
	Clock    checkin.Clock
	Bus      eventbus.Bus
	Log      logx.Logger
}

// Service owns the scheduling loop: it plans the next wake-up, runs passes
// when wakes fire, and exposes the manual run/retry/update operations.
//
// At most one pass runs at a time; concurrent requests get ErrPassInFlight.
type Service struct {
	deps  Deps
	coord *Coordinator

	rngMu sync.Mutex
	rng   *rand.Rand

	inFlight atomic.Bool

	cron   *cron.Cron
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(deps Deps, opt CoordinatorOptions) *Service {
	if deps.Clock == nil {
		deps.Clock = checkin.SystemClock()
	}
	return &Service{
		deps:  deps,
		coord: NewCoordinator(opt, deps.Accounts, deps.Status, deps.Registry, deps.Clock, deps.Bus, deps.Log),
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Apply swaps the execution knobs (timeout, pacing) at runtime.
func (s *Service) Apply(opt CoordinatorOptions) { s.coord.Apply(opt) }

// Start arms the initial wake-up and launches the wake loop plus the
// midnight rollover job. Idempotent only in the sense that calling it twice
// is a bug; the daemon calls it once.
func (s *Service) Start(ctx context.Context) error {
	s.stopCh = make(chan struct{})

	s.wg.Add(1)
	go s.wakeLoop(ctx)

	s.cron = cron.New()
	if _, err := s.cron.AddFunc("@midnight", s.rolloverJob); err != nil {
		return fmt.Errorf("schedule rollover job: %w", err)
	}
	s.cron.Start()

	if _, err := s.Plan(ctx); err != nil {
		s.deps.Log.Warn("initial planning failed", logx.Err(err))
	}
	return nil
}

// Stop disarms the wake-up and stops background work. Blocks until the wake
// loop exits; a pass already running is allowed to finish on its own context.
func (s *Service) Stop() {
	if s.stopCh != nil {
		close(s.stopCh)
	}
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	s.deps.Waker.Cancel(WakeName)
	s.wg.Wait()
}

func (s *Service) wakeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case ev, ok := <-s.deps.Waker.Events():
			if !ok {
				return
			}
			if ev.Name != WakeName {
				continue
			}
			s.deps.Log.Info("wake fired", logx.Time("planned_at", ev.At))
			if _, err := s.runAndReplan(ctx); err != nil {
				if errors.Is(err, ErrPassInFlight) {
					s.deps.Log.Warn("wake ignored, pass in flight")
				} else {
					s.deps.Log.Error("scheduled pass failed", logx.Err(err))
				}
			}
		}
	}
}

func (s *Service) rolloverJob() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.coord.ResetStaleFlags(ctx); err != nil {
		s.deps.Log.Warn("midnight rollover failed", logx.Err(err))
		return
	}
	s.deps.Log.Debug("midnight rollover done")
}

// Plan computes the next trigger from current settings and status, arms (or
// disarms) the wake-up, and persists NextScheduledAt. Returns the planned
// instant, zero when nothing was armed.
func (s *Service) Plan(ctx context.Context) (time.Time, error) {
	set := s.deps.Settings.Schedule()
	st, _, err := s.deps.Status.Get(ctx)
	if err != nil {
		s.deps.Log.Warn("status load failed during planning", logx.Err(err))
	}

	if !set.GlobalEnabled {
		s.clearTrigger(ctx, &st, "automation disabled")
		return time.Time{}, nil
	}

	now := s.deps.Clock.Now()
	s.rngMu.Lock()
	next := checkin.ComputeNextTrigger(set, st, now, s.rng)
	s.rngMu.Unlock()

	if next.IsZero() {
		s.clearTrigger(ctx, &st, "no valid trigger (check window settings)")
		return time.Time{}, nil
	}

	if err := s.deps.Waker.Register(WakeName, next); err != nil {
		return time.Time{}, fmt.Errorf("arm wake: %w", err)
	}
	st.NextScheduledAt = next
	if err := s.deps.Status.Save(ctx, st); err != nil {
		s.deps.Log.Error("status save failed during planning", logx.Err(err))
	}

	retry := st.PendingRetry && set.RetryStrategy.Enabled
	s.deps.Log.Info("next pass planned",
		logx.Time("at", next), logx.Bool("retry", retry))
	s.deps.Bus.Publish(EventTriggerPlanned, TriggerEvent{At: next, Retry: retry})
	return next, nil
}

func (s *Service) clearTrigger(ctx context.Context, st *checkin.Status, why string) {
	s.deps.Waker.Cancel(WakeName)
	if !st.NextScheduledAt.IsZero() {
		st.NextScheduledAt = time.Time{}
		if err := s.deps.Status.Save(ctx, *st); err != nil {
			s.deps.Log.Error("status save failed while clearing trigger", logx.Err(err))
		}
	}
	s.deps.Log.Info("trigger cleared", logx.String("reason", why))
	s.deps.Bus.Publish(EventTriggerCleared, TriggerEvent{})
}

func (s *Service) runAndReplan(ctx context.Context) (checkin.Status, error) {
	if !s.inFlight.CompareAndSwap(false, true) {
		return checkin.Status{}, ErrPassInFlight
	}
	set := s.deps.Settings.Schedule()
	st, err := s.coord.RunPass(ctx, set)
	s.inFlight.Store(false)
	if err != nil {
		return st, err
	}
	next, perr := s.Plan(ctx)
	if perr != nil {
		s.deps.Log.Error("re-planning after pass failed", logx.Err(perr))
	}
	st.NextScheduledAt = next
	return st, nil
}

// RunNow triggers a pass immediately, outside any window, and re-plans
// afterwards. The pass consumes the daily attempt budget like any other.
func (s *Service) RunNow(ctx context.Context) (checkin.Status, error) {
	return s.runAndReplan(ctx)
}

// Status returns the persisted status document.
func (s *Service) Status(ctx context.Context) (checkin.Status, bool, error) {
	return s.deps.Status.Get(ctx)
}

// UpdateSettings merges a partial schedule update, persists it, and re-plans
// the next trigger under the new settings.
func (s *Service) UpdateSettings(ctx context.Context, patch checkin.SettingsPatch) (checkin.Settings, error) {
	set, err := s.deps.Settings.SaveSchedule(patch)
	if err != nil {
		return checkin.Settings{}, err
	}
	if _, err := s.Plan(ctx); err != nil {
		s.deps.Log.Error("re-planning after settings update failed", logx.Err(err))
	}
	return set, nil
}

// RetryAccount re-runs a single account synchronously and folds the outcome
// into the persisted status: the per-account result is replaced and the
// summary, verdict and pending-retry flag are recomputed from the merged map.
// It does not consume the attempt budget and does not re-plan the trigger.
//
// Unknown accounts and missing providers are hard errors, unlike during a
// pass where they become skip results.
func (s *Service) RetryAccount(ctx context.Context, id string) (checkin.RunResult, error) {
	list, err := s.deps.Accounts.List(ctx)
	if err != nil {
		return checkin.RunResult{}, err
	}
	var acct *checkin.Account
	for i := range list {
		if list[i].ID == id {
			acct = &list[i]
			break
		}
	}
	if acct == nil {
		return checkin.RunResult{}, fmt.Errorf("account %q: %w", id, store.ErrAccountNotFound)
	}
	if _, ok := s.deps.Registry.Resolve(acct.SiteType); !ok {
		return checkin.RunResult{}, fmt.Errorf("site type %q: %w", acct.SiteType, provider.ErrNotFound)
	}

	res := s.coord.RunAccount(ctx, *acct)
	s.deps.Log.Info("manual retry finished",
		logx.String("account", id), logx.String("status", string(res.Status)))

	st, _, gerr := s.deps.Status.Get(ctx)
	if gerr != nil {
		s.deps.Log.Warn("status load failed during retry merge", logx.Err(gerr))
	}
	if st.PerAccount == nil {
		st.PerAccount = map[string]checkin.RunResult{}
	}
	st.PerAccount[id] = res
	for i := range st.AccountsSnapshot {
		if st.AccountsSnapshot[i].AccountID == id {
			st.AccountsSnapshot[i].LastResult = &res
			break
		}
	}
	st.Summary = checkin.Summarize(st.PerAccount)
	st.LastRunResult = st.Summary.Verdict()

	set := s.deps.Settings.Schedule()
	st.PendingRetry = retryWanted(st.Summary, set, st.Attempts)
	if err := s.deps.Status.Save(ctx, st); err != nil {
		s.deps.Log.Error("status save failed after retry", logx.Err(err))
	}
	return res, nil
}

// NextWake reports the currently armed wake-up, if any.
func (s *Service) NextWake() (time.Time, bool) {
	info, ok := s.deps.Waker.Get(WakeName)
	if !ok {
		return time.Time{}, false
	}
	return info.At, true
}
