package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"checkind/internal/checkin"
	"checkind/internal/eventbus"
	"checkind/internal/provider"
	"checkind/internal/store"
	logx "checkind/pkg/logx"
)

// Coordinator executes one full check-in pass: classify accounts, fan out to
// providers, aggregate the results, and persist the status document.
type Coordinator struct {
	accounts store.AccountStore
	status   store.StatusStore
	registry *provider.Registry
	clock    checkin.Clock
	bus      eventbus.Bus
	log      logx.Logger

	mu      sync.RWMutex
	timeout time.Duration
	limiter *rate.Limiter
}

// CoordinatorOptions are the execution knobs, hot-swappable via Apply.
type CoordinatorOptions struct {
	// ProviderTimeout bounds each provider call. 0 disables the bound.
	ProviderTimeout time.Duration
	// PacePerMinute limits provider call starts per minute. 0 disables pacing.
	PacePerMinute int
}

func NewCoordinator(opt CoordinatorOptions, accounts store.AccountStore, status store.StatusStore, reg *provider.Registry, clock checkin.Clock, bus eventbus.Bus, log logx.Logger) *Coordinator {
	c := &Coordinator{
		accounts: accounts,
		status:   status,
		registry: reg,
		clock:    clock,
		bus:      bus,
		log:      log,
	}
	c.Apply(opt)
	return c
}

// Apply swaps the execution knobs at runtime.
func (c *Coordinator) Apply(opt CoordinatorOptions) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeout = opt.ProviderTimeout
	if opt.PacePerMinute > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(float64(opt.PacePerMinute)/60.0), 1)
	} else {
		c.limiter = nil
	}
}

func (c *Coordinator) knobs() (time.Duration, *rate.Limiter) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.timeout, c.limiter
}

// RunPass performs one scheduled (or manual) check-in pass and returns the
// status document it persisted. It always produces a status, downgrading
// internal errors to a FAILED run rather than propagating them; the returned
// error is reserved for context cancellation.
//
// NextScheduledAt is left zero here; planning happens after the pass.
func (c *Coordinator) RunPass(ctx context.Context, set checkin.Settings) (st checkin.Status, err error) {
	prev, _, perr := c.status.Get(ctx)
	if !set.GlobalEnabled {
		c.log.Debug("pass skipped, automation disabled")
		return prev, nil
	}

	started := c.clock.Now()
	today := checkin.DateOf(started)
	attempts := checkin.BumpAttempts(prev.Attempts, today)

	if perr != nil {
		// Running from an empty status would restart the attempt counter and
		// let a retry loop blow past the per-day budget. Record the failure
		// and let the next wake try again with a readable status.
		c.log.Error("status load failed", logx.Err(perr))
		st = c.failedStatus(started, attempts, "status store unavailable: "+perr.Error())
		c.saveStatus(ctx, &st)
		return st, nil
	}

	// A provider bug or store fault must never leave the persisted status
	// describing a pass that silently vanished.
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("pass panicked", logx.Any("panic", r))
			st = c.failedStatus(started, attempts, fmt.Sprintf("internal error: %v", r))
			c.saveStatus(ctx, &st)
			err = nil
		}
	}()

	if err := ctx.Err(); err != nil {
		return prev, err
	}

	list, lerr := c.accounts.List(ctx)
	if lerr != nil {
		c.log.Error("account list failed", logx.Err(lerr))
		st = c.failedStatus(started, attempts, "account store unavailable: "+lerr.Error())
		c.saveStatus(ctx, &st)
		return st, nil
	}
	list = c.rollOverDoneFlags(ctx, list, today)

	snaps, runnable, perAccount := c.classify(list, started)

	st = checkin.Status{
		LastRunAt:        started,
		PerAccount:       perAccount,
		Attempts:         attempts,
		AccountsSnapshot: snaps,
	}

	if len(runnable) == 0 {
		st.Summary = checkin.Summarize(perAccount)
		st.LastRunResult = st.Summary.Verdict()
		c.saveStatus(ctx, &st)
		c.log.Info("pass finished without provider calls",
			logx.Int("skipped", st.Summary.SkippedCount))
		c.bus.Publish(EventRunFinished, RunEvent{
			StartedAt: started,
			Duration:  c.clock.Now().Sub(started),
			Verdict:   st.LastRunResult,
			Summary:   st.Summary,
		})
		return st, nil
	}

	c.log.Info("pass started",
		logx.Int("runnable", len(runnable)),
		logx.Int("skipped", len(perAccount)),
		logx.Int("attempt", attempts.Attempts))
	c.bus.Publish(EventRunStarted, RunEvent{StartedAt: started})

	results := make([]checkin.RunResult, len(runnable))
	var wg sync.WaitGroup
	for i, a := range runnable {
		wg.Add(1)
		go func(i int, a checkin.Account) {
			defer wg.Done()
			results[i] = c.RunAccount(ctx, a)
		}(i, a)
	}
	wg.Wait()

	snapIdx := make(map[string]int, len(snaps))
	for i, s := range snaps {
		snapIdx[s.AccountID] = i
	}
	for i := range results {
		r := results[i]
		perAccount[r.AccountID] = r
		if j, ok := snapIdx[r.AccountID]; ok {
			snaps[j].LastResult = &results[i]
		}
	}

	st.Summary = checkin.Summarize(perAccount)
	st.LastRunResult = st.Summary.Verdict()
	st.PendingRetry = retryWanted(st.Summary, set, attempts)
	c.saveStatus(ctx, &st)

	dur := c.clock.Now().Sub(started)
	c.log.Info("pass finished",
		logx.String("verdict", string(st.LastRunResult)),
		logx.Int("success", st.Summary.SuccessCount),
		logx.Int("failed", st.Summary.FailedCount),
		logx.Int("skipped", st.Summary.SkippedCount),
		logx.Bool("pending_retry", st.PendingRetry),
		logx.Duration("took", dur))
	c.bus.Publish(EventRunFinished, RunEvent{
		StartedAt: started,
		Duration:  dur,
		Verdict:   st.LastRunResult,
		Summary:   st.Summary,
	})
	return st, nil
}

// retryWanted reports whether a failed pass should arm the retry tier.
func retryWanted(sum checkin.RunSummary, set checkin.Settings, attempts checkin.AttemptsTracker) bool {
	return sum.FailedCount > 0 &&
		set.RetryStrategy.Enabled &&
		attempts.Attempts < set.RetryStrategy.MaxAttemptsPerDay
}

// rollOverDoneFlags clears done-today flags carried over from a previous
// calendar day. Store write failures are logged and the in-memory view is
// corrected regardless, so the pass itself sees fresh flags.
func (c *Coordinator) rollOverDoneFlags(ctx context.Context, list []checkin.Account, today string) []checkin.Account {
	f := false
	for i := range list {
		a := &list[i]
		if !a.DoneToday || a.LastDoneDate == today {
			continue
		}
		if err := c.accounts.Update(ctx, a.ID, store.AccountPatch{DoneToday: &f}); err != nil {
			c.log.Warn("done-today rollover write failed",
				logx.String("account", a.ID), logx.Err(err))
		}
		a.DoneToday = false
	}
	return list
}

// ResetStaleFlags is the midnight rollover job body: it clears done-today
// flags whose date is no longer today, independent of any pass.
func (c *Coordinator) ResetStaleFlags(ctx context.Context) error {
	list, err := c.accounts.List(ctx)
	if err != nil {
		return err
	}
	c.rollOverDoneFlags(ctx, list, checkin.DateOf(c.clock.Now()))
	return nil
}

// classify splits accounts into runnable ones and skip results. Accounts with
// detection disabled are invisible to the pass: no snapshot, no result.
func (c *Coordinator) classify(list []checkin.Account, now time.Time) ([]checkin.AccountSnapshot, []checkin.Account, map[string]checkin.RunResult) {
	snaps := make([]checkin.AccountSnapshot, 0, len(list))
	runnable := make([]checkin.Account, 0, len(list))
	perAccount := make(map[string]checkin.RunResult, len(list))

	for _, a := range list {
		if !a.DetectionEnabled {
			continue
		}
		p, ok := c.registry.Resolve(a.SiteType)

		var reason checkin.SkipReason
		switch {
		case !a.AutoRunEnabled:
			reason = checkin.SkipAutoRunDisabled
		case a.DoneToday:
			reason = checkin.SkipAlreadyChecked
		case !ok:
			reason = checkin.SkipNoProvider
		case !p.CanRun(a):
			reason = checkin.SkipProviderNotReady
		}

		snap := checkin.AccountSnapshot{
			AccountID:         a.ID,
			AccountName:       a.Name,
			SiteType:          a.SiteType,
			DetectionEnabled:  a.DetectionEnabled,
			AutoRunEnabled:    a.AutoRunEnabled,
			ProviderAvailable: ok,
			DoneToday:         a.DoneToday,
			LastDoneDate:      a.LastDoneDate,
			SkipReason:        reason,
		}
		if reason != "" {
			perAccount[a.ID] = checkin.RunResult{
				AccountID:   a.ID,
				AccountName: a.Name,
				Status:      checkin.StatusSkipped,
				Message:     skipMessage(reason),
				ReasonCode:  reason,
				Timestamp:   now,
			}
			c.bus.Publish(EventAccountSkipped, SkipEvent{
				AccountID: a.ID,
				Reason:    reason,
			})
			c.log.Debug("account skipped",
				logx.String("account", a.ID), logx.String("reason", string(reason)))
		} else {
			runnable = append(runnable, a)
		}
		snaps = append(snaps, snap)
	}
	return snaps, runnable, perAccount
}

func skipMessage(r checkin.SkipReason) string {
	switch r {
	case checkin.SkipAutoRunDisabled:
		return "auto check-in disabled for this account"
	case checkin.SkipAlreadyChecked:
		return "already checked in today"
	case checkin.SkipNoProvider:
		return "no provider registered for this site type"
	case checkin.SkipProviderNotReady:
		return "provider is missing required account data"
	default:
		return string(r)
	}
}

// RunAccount executes one account's check-in with pacing, timeout and panic
// containment. It never returns an error; anything unexpected becomes a
// failed result.
func (c *Coordinator) RunAccount(ctx context.Context, a checkin.Account) (res checkin.RunResult) {
	res = checkin.RunResult{
		AccountID:   a.ID,
		AccountName: a.Name,
		Status:      checkin.StatusFailed,
		Timestamp:   c.clock.Now(),
	}
	defer func() {
		if r := recover(); r != nil {
			res.Status = checkin.StatusFailed
			res.Message = fmt.Sprintf("provider panic: %v", r)
			c.log.Error("provider panicked",
				logx.String("account", a.ID), logx.Any("panic", r))
		}
	}()

	p, ok := c.registry.Resolve(a.SiteType)
	if !ok {
		res.Message = "no provider registered for this site type"
		return res
	}

	timeout, limiter := c.knobs()
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			res.Message = "pacing wait aborted: " + err.Error()
			return res
		}
	}

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	out, err := p.Run(runCtx, a)
	res.Timestamp = c.clock.Now()
	if err != nil {
		res.Message = err.Error()
		return res
	}
	res.Status = out.Status
	res.Message = out.Message

	if out.Status == checkin.StatusSuccess || out.Status == checkin.StatusAlreadyChecked {
		// Best effort: a write failure here means one extra (harmless)
		// "already checked" attempt later, not a broken pass.
		date := checkin.DateOf(res.Timestamp)
		if err := c.accounts.MarkDoneToday(context.WithoutCancel(ctx), a.ID, date); err != nil {
			c.log.Warn("done-today write failed",
				logx.String("account", a.ID), logx.Err(err))
		}
	}
	return res
}

func (c *Coordinator) failedStatus(started time.Time, attempts checkin.AttemptsTracker, msg string) checkin.Status {
	st := checkin.Status{
		LastRunAt:     started,
		LastRunResult: checkin.RunFailed,
		PerAccount:    map[string]checkin.RunResult{},
		Attempts:      attempts,
	}
	c.log.Error("pass aborted", logx.String("reason", msg))
	return st
}

func (c *Coordinator) saveStatus(ctx context.Context, st *checkin.Status) {
	if err := c.status.Save(context.WithoutCancel(ctx), *st); err != nil {
		c.log.Error("status save failed", logx.Err(err))
	}
}
