// Package provider defines the per-site check-in capability and the
// registry that dispatches accounts to it by site type. Provider bodies
// (the actual HTTP work) live outside this module; the scheduler only
// consumes the capability surface.
package provider

import (
	"context"
	"errors"
	"sort"
	"sync"

	"checkind/internal/checkin"
)

var ErrNotFound = errors.New("no provider for site type")

// Result is what a provider reports for one account.
//
// Providers must not return an error for expected failure modes; those are
// expressed through Status/Message. Returned errors (and panics) are
// treated as unexpected and downgraded to a failed result by the caller.
type Result struct {
	Status  checkin.ResultStatus
	Message string
	Data    any
}

// Provider performs the daily check-in for one site type.
type Provider interface {
	// CanRun reports whether the account carries everything the provider
	// needs (credentials, endpoint, ...).
	CanRun(account checkin.Account) bool

	// Run performs the check-in. The context carries the per-account
	// deadline imposed by the coordinator.
	Run(ctx context.Context, account checkin.Account) (Result, error)
}

// Registry maps site-type tags to providers. Registration is typically done
// once at startup; lookups happen on every pass.
type Registry struct {
	mu     sync.RWMutex
	byType map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{byType: map[string]Provider{}}
}

// Register installs p for the given site type, replacing any previous
// provider registered under the same tag.
func (r *Registry) Register(siteType string, p Provider) {
	if siteType == "" || p == nil {
		return
	}
	r.mu.Lock()
	r.byType[siteType] = p
	r.mu.Unlock()
}

// Resolve returns the provider for an account's site type.
func (r *Registry) Resolve(siteType string) (Provider, bool) {
	r.mu.RLock()
	p, ok := r.byType[siteType]
	r.mu.RUnlock()
	return p, ok
}

// Types lists registered site types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.byType))
	for k := range r.byType {
		out = append(out, k)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}
