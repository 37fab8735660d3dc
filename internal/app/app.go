// Package app wires the daemon together: config, logging, storage, the
// scheduler service and the RPC surface.
package app

import (
	"context"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"checkind/internal/checkin"
	"checkind/internal/config"
	"checkind/internal/eventbus"
	"checkind/internal/provider"
	"checkind/internal/scheduler"
	"checkind/internal/server"
	"checkind/internal/store"
	"checkind/internal/wake"
	logx "checkind/pkg/logx"
)

type App struct {
	cfgm *config.Manager

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	db    *store.SQLite
	reg   *provider.Registry
	waker *wake.Timers
	sched *scheduler.Service
	rpc   *server.RPCServer

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	db, err := store.Open(store.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: cfg.Storage.BusyTimeoutDuration(),
	}, log.With(logx.String("comp", "store")))
	if err != nil {
		logSvc.Close()
		return nil, err
	}

	bus := eventbus.New()
	reg := provider.NewRegistry()
	waker := wake.NewTimers()

	sched := scheduler.New(scheduler.Deps{
		Settings: scheduleSource{cfgm},
		Status:   db,
		Accounts: db,
		Registry: reg,
		Waker:    waker,
		Clock:    checkin.SystemClock(),
		Bus:      bus,
		Log:      log.With(logx.String("comp", "scheduler")),
	}, scheduler.CoordinatorOptions{
		ProviderTimeout: cfg.Checkin.ProviderTimeoutDuration(),
		PacePerMinute:   cfg.Checkin.PacePerMinute,
	})

	var rpc *server.RPCServer
	if cfg.RPC.Enabled {
		rpc = server.NewRPCServer(server.RPCConfig{Addr: cfg.RPC.Addr},
			sched, db, log.With(logx.String("comp", "rpc")))
	}

	return &App{
		cfgm:  cfgm,
		log:   log,
		logs:  logSvc,
		bus:   bus,
		db:    db,
		reg:   reg,
		waker: waker,
		sched: sched,
		rpc:   rpc,
	}, nil
}

// Providers exposes the registry so site providers can be registered before
// Start.
func (a *App) Providers() *provider.Registry { return a.reg }

func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if err := a.sched.Start(runCtx); err != nil {
		cancel()
		return err
	}
	if a.rpc != nil {
		if err := a.rpc.Start(); err != nil {
			cancel()
			return err
		}
	}

	// Debug visibility into bus traffic; components subscribe themselves for
	// anything behavioral.
	events, unsub := a.bus.Subscribe(128)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer unsub()
		for {
			select {
			case <-runCtx.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	}()

	// Config hot reload: logging and execution knobs apply live; a schedule
	// change re-plans the trigger. Storage changes need a restart.
	sub := a.cfgm.Subscribe(8)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-runCtx.Done():
				return
			case cfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(runCtx, cfg)
			}
		}
	}()
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.cfgm.Watch(runCtx); err != nil {
			a.log.Warn("config watch stopped", logx.Err(err))
		}
	}()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	a.log.Info("started")
	return nil
}

func (a *App) applyConfig(ctx context.Context, cfg *config.Config) {
	if cfg == nil {
		return
	}
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	a.sched.Apply(scheduler.CoordinatorOptions{
		ProviderTimeout: cfg.Checkin.ProviderTimeoutDuration(),
		PacePerMinute:   cfg.Checkin.PacePerMinute,
	})
	if _, err := a.sched.Plan(ctx); err != nil {
		a.log.Warn("re-planning after config reload failed", logx.Err(err))
	}
	a.log.Info("config reloaded")
}

func (a *App) Stop(ctx context.Context) error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	a.log.Info("stopping")

	if a.cancel != nil {
		a.cancel()
	}
	if a.rpc != nil {
		stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		a.rpc.Stop(stopCtx)
		cancel()
	}
	a.sched.Stop()
	a.waker.Close()
	a.wg.Wait()

	if err := a.db.Close(); err != nil {
		a.log.Warn("store close failed", logx.Err(err))
	}
	a.log.Info("stopped")
	a.logs.Close()
	return nil
}

// scheduleSource adapts the config manager to the scheduler's settings port.
type scheduleSource struct {
	m *config.Manager
}

func (s scheduleSource) Schedule() checkin.Settings {
	cfg := s.m.Get()
	if cfg == nil {
		return config.Default().Checkin.Schedule
	}
	return cfg.Checkin.Schedule
}

func (s scheduleSource) SaveSchedule(patch checkin.SettingsPatch) (checkin.Settings, error) {
	return s.m.SaveSchedule(patch)
}
