// Package server exposes the scheduler over a local JSON-RPC 2.0 endpoint.
// The surface is unauthenticated and intended for loopback use only.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/creachadair/jrpc2"
	"github.com/creachadair/jrpc2/handler"
	"github.com/creachadair/jrpc2/jhttp"

	"checkind/internal/checkin"
	"checkind/internal/provider"
	"checkind/internal/scheduler"
	"checkind/internal/store"
	logx "checkind/pkg/logx"
)

// Custom JSON-RPC error codes for check-in operations.
const (
	codeAccountNotFound = jrpc2.Code(-32001)
	codeNoProvider      = jrpc2.Code(-32002)
	codePassInFlight    = jrpc2.Code(-32003)
	codeInvalidParams   = jrpc2.Code(-32602)
	codeInternal        = jrpc2.Code(-32000)
)

// RPCConfig holds configuration for the JSON-RPC endpoint.
type RPCConfig struct {
	Addr string // listen address, e.g. "127.0.0.1:7311"
}

// RPCServer manages the JSON-RPC 2.0 bridge and method handlers.
type RPCServer struct {
	addr      string
	scheduler *scheduler.Service
	accounts  store.AccountStore
	bridge    jhttp.Bridge
	httpSrv   *http.Server
	log       logx.Logger
}

// StatusResult is the response for checkin.getStatus.
type StatusResult struct {
	Present bool            `json:"present"`
	Status  *checkin.Status `json:"status,omitempty"`
	// NextWake is the wake currently armed in memory; normally it matches
	// status.nextScheduledAt.
	NextWake *time.Time `json:"nextWake,omitempty"`
}

// RunNowResult is the response for checkin.runNow.
type RunNowResult struct {
	Status checkin.Status `json:"status"`
}

// RetryParams is the input for checkin.retryAccount.
type RetryParams struct {
	AccountID string `json:"accountId"`
}

// RetryResult is the response for checkin.retryAccount.
type RetryResult struct {
	Result checkin.RunResult `json:"result"`
}

// UpdateSettingsResult is the response for checkin.updateSettings.
type UpdateSettingsResult struct {
	Settings checkin.Settings `json:"settings"`
}

// AccountsResult is the response for accounts.list.
type AccountsResult struct {
	Accounts []checkin.Account `json:"accounts"`
}

// NewRPCServer creates the RPC server with method handlers and HTTP bridge.
func NewRPCServer(cfg RPCConfig, sched *scheduler.Service, accounts store.AccountStore, log logx.Logger) *RPCServer {
	rs := &RPCServer{
		addr:      cfg.Addr,
		scheduler: sched,
		accounts:  accounts,
		log:       log,
	}
	rs.bridge = jhttp.NewBridge(rs.methods(), nil)
	return rs
}

func (rs *RPCServer) methods() handler.Map {
	return handler.Map{
		"checkin.runNow":         handler.New(rs.checkinRunNow),
		"checkin.retryAccount":   handler.New(rs.checkinRetryAccount),
		"checkin.getStatus":      handler.New(rs.checkinGetStatus),
		"checkin.updateSettings": handler.New(rs.checkinUpdateSettings),
		"accounts.list":          handler.New(rs.accountsList),
	}
}

// Handler exposes the bridge for tests and embedding.
func (rs *RPCServer) Handler() http.Handler { return rs.bridge }

// Start binds the listener and serves until Stop is called. The returned
// error reflects bind failures; serve errors are logged.
func (rs *RPCServer) Start() error {
	ln, err := net.Listen("tcp", rs.addr)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/rpc", rs.bridge)
	rs.httpSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	rs.log.Info("rpc listening", logx.String("addr", ln.Addr().String()))
	go func() {
		if err := rs.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rs.log.Error("rpc serve failed", logx.Err(err))
		}
	}()
	return nil
}

// Stop shuts down the HTTP listener and the jrpc2 bridge.
func (rs *RPCServer) Stop(ctx context.Context) {
	if rs.httpSrv != nil {
		_ = rs.httpSrv.Shutdown(ctx)
	}
	rs.bridge.Close()
}

// checkinRunNow triggers a full pass immediately and returns the resulting
// status, including the freshly re-planned trigger.
func (rs *RPCServer) checkinRunNow(ctx context.Context) (*RunNowResult, error) {
	st, err := rs.scheduler.RunNow(ctx)
	if err != nil {
		if errors.Is(err, scheduler.ErrPassInFlight) {
			return nil, &jrpc2.Error{Code: codePassInFlight, Message: "a pass is already running"}
		}
		return nil, &jrpc2.Error{Code: codeInternal, Message: err.Error()}
	}
	return &RunNowResult{Status: st}, nil
}

// checkinRetryAccount re-runs one account and folds the result into the
// persisted status.
func (rs *RPCServer) checkinRetryAccount(ctx context.Context, p *RetryParams) (*RetryResult, error) {
	if p.AccountID == "" {
		return nil, &jrpc2.Error{Code: codeInvalidParams, Message: "missing required param: accountId"}
	}
	res, err := rs.scheduler.RetryAccount(ctx, p.AccountID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrAccountNotFound):
			return nil, &jrpc2.Error{Code: codeAccountNotFound, Message: err.Error()}
		case errors.Is(err, provider.ErrNotFound):
			return nil, &jrpc2.Error{Code: codeNoProvider, Message: err.Error()}
		default:
			return nil, &jrpc2.Error{Code: codeInternal, Message: err.Error()}
		}
	}
	return &RetryResult{Result: res}, nil
}

func (rs *RPCServer) checkinGetStatus(ctx context.Context) (*StatusResult, error) {
	st, ok, err := rs.scheduler.Status(ctx)
	if err != nil {
		return nil, &jrpc2.Error{Code: codeInternal, Message: err.Error()}
	}
	out := &StatusResult{Present: ok}
	if ok {
		out.Status = &st
	}
	if at, armed := rs.scheduler.NextWake(); armed {
		out.NextWake = &at
	}
	return out, nil
}

// checkinUpdateSettings merges a partial schedule update and re-plans.
func (rs *RPCServer) checkinUpdateSettings(ctx context.Context, p *checkin.SettingsPatch) (*UpdateSettingsResult, error) {
	if err := validatePatch(p); err != nil {
		return nil, &jrpc2.Error{Code: codeInvalidParams, Message: err.Error()}
	}
	set, err := rs.scheduler.UpdateSettings(ctx, *p)
	if err != nil {
		return nil, &jrpc2.Error{Code: codeInternal, Message: err.Error()}
	}
	return &UpdateSettingsResult{Settings: set}, nil
}

func (rs *RPCServer) accountsList(ctx context.Context) (*AccountsResult, error) {
	list, err := rs.accounts.List(ctx)
	if err != nil {
		return nil, &jrpc2.Error{Code: codeInternal, Message: err.Error()}
	}
	if list == nil {
		list = []checkin.Account{}
	}
	return &AccountsResult{Accounts: list}, nil
}

// validatePatch rejects malformed time strings and modes up front so a typo
// can't silently disarm the trigger.
func validatePatch(p *checkin.SettingsPatch) error {
	check := func(name, v string) error {
		if _, err := checkin.ToMinutes(v); err != nil {
			return errors.New("invalid " + name + ": " + err.Error())
		}
		return nil
	}
	if p.WindowStart != nil {
		if err := check("windowStart", *p.WindowStart); err != nil {
			return err
		}
	}
	if p.WindowEnd != nil {
		if err := check("windowEnd", *p.WindowEnd); err != nil {
			return err
		}
	}
	if p.DeterministicTime != nil && *p.DeterministicTime != "" {
		if err := check("deterministicTime", *p.DeterministicTime); err != nil {
			return err
		}
	}
	if p.ScheduleMode != nil {
		switch *p.ScheduleMode {
		case checkin.ModeRandom, checkin.ModeDeterministic:
		default:
			return errors.New("invalid scheduleMode: " + string(*p.ScheduleMode))
		}
	}
	if p.RetryStrategy != nil {
		if p.RetryStrategy.IntervalMinutes < 0 || p.RetryStrategy.MaxAttemptsPerDay < 0 {
			return errors.New("retryStrategy values must not be negative")
		}
	}
	return nil
}
