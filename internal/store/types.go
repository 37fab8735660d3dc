package store

import (
	"context"
	"errors"
	"time"

	"checkind/internal/checkin"
)

var (
	ErrClosed          = errors.New("store closed")
	ErrAccountNotFound = errors.New("account not found")
)

// Config configures the SQLite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// AccountPatch is a partial account update. Nil fields keep current values.
type AccountPatch struct {
	Name             *string
	SiteType         *string
	DetectionEnabled *bool
	AutoRunEnabled   *bool
	DoneToday        *bool
	LastDoneDate     *string
}

// AccountStore is the account persistence surface the scheduler consumes.
type AccountStore interface {
	List(ctx context.Context) ([]checkin.Account, error)
	Put(ctx context.Context, a checkin.Account) error
	Update(ctx context.Context, id string, p AccountPatch) error
	// MarkDoneToday flags the account as checked in for the given date.
	MarkDoneToday(ctx context.Context, id, date string) error
}

// StatusStore persists the scheduler status as one wholesale document.
type StatusStore interface {
	Get(ctx context.Context) (checkin.Status, bool, error)
	Save(ctx context.Context, st checkin.Status) error
	Clear(ctx context.Context) error
}
