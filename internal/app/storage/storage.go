package storage

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hickar/mailrelay/internal/app/mailer"
)

// ErrNoState is returned by backends which hold no run state yet.
var ErrNoState = errors.New("no run state stored")

// Backend persists a single run state record.
type Backend interface {
	Read(ctx context.Context) (mailer.RunState, error)
	Write(ctx context.Context, state mailer.RunState) error
	Close() error
}

// Accounting loads and saves run counters scoped to a calendar day.
//
// Accounting never fails a run: unreadable or stale state is replaced
// with zeroed counters for today, and write failures are only logged.
type Accounting struct {
	backend  Backend
	location *time.Location
	now      func() time.Time
	logger   *slog.Logger
}

type Option func(*Accounting)

// WithClock overrides time source used to determine current day.
func WithClock(now func() time.Time) Option {
	return func(a *Accounting) {
		a.now = now
	}
}

func NewAccounting(backend Backend, location *time.Location, logger *slog.Logger, opts ...Option) *Accounting {
	if location == nil {
		location = time.Local
	}

	a := &Accounting{
		backend:  backend,
		location: location,
		now:      time.Now,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(a)
	}

	return a
}

// Load returns today's counters.
func (a *Accounting) Load(ctx context.Context) mailer.RunState {
	today := mailer.NewRunState(a.now().In(a.location))

	state, err := a.backend.Read(ctx)
	switch {
	case errors.Is(err, ErrNoState):
		a.logger.DebugContext(ctx, "no run state stored, starting from zero")
	case err != nil:
		a.logger.WarnContext(ctx, "run state unreadable, starting from zero", slog.Any("error", err))
	case !state.Valid():
		a.logger.WarnContext(ctx, "run state is malformed, starting from zero", slog.String("date", state.Date))
	case state.Date != today.Date:
		a.logger.InfoContext(ctx, "new calendar day, resetting run counters",
			slog.String("previous_date", state.Date),
			slog.String("date", today.Date),
		)
	default:
		return state
	}

	return today
}

// Save persists counters. Failures are logged and otherwise ignored.
func (a *Accounting) Save(ctx context.Context, state mailer.RunState) {
	if err := a.backend.Write(ctx, state); err != nil {
		a.logger.WarnContext(ctx, "failed to persist run state", slog.Any("error", err))
	}
}

// Close releases underlying backend.
func (a *Accounting) Close() error {
	return a.backend.Close()
}
