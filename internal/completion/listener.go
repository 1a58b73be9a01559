package completion

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ashureev/mockprep/internal/domain"
	"github.com/ashureev/mockprep/internal/events"
	"github.com/ashureev/mockprep/internal/metrics"
	"github.com/ashureev/mockprep/internal/session"
)

// MismatchFunc is told when an applied contribution did not fit the schedule.
type MismatchFunc func(ctx context.Context, m session.StepMismatch)

// Listener applies completion events to a session store, one event at a
// time with no batching.
type Listener struct {
	store      *session.Store
	logger     *slog.Logger
	onMismatch MismatchFunc
}

// NewListener creates a listener for st. onMismatch may be nil.
func NewListener(st *session.Store, logger *slog.Logger, onMismatch MismatchFunc) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{store: st, logger: logger, onMismatch: onMismatch}
}

// Attach subscribes the listener to bus and returns the unsubscribe func.
func (l *Listener) Attach(bus *events.Bus) (detach func()) {
	return bus.Subscribe(l.Handle)
}

// Handle normalizes ev and folds it into the store. Events that carry no
// score are ignored.
func (l *Listener) Handle(ctx context.Context, ev events.Event) error {
	snap, err := l.store.Snapshot()
	if err != nil {
		l.drop(ev, "no_session", err)
		return err
	}

	c, err := Normalize(ev, snap.CurrentTopic)
	if errors.Is(err, ErrNotContribution) {
		return nil
	}
	if err != nil {
		l.drop(ev, "invalid", err)
		return err
	}

	var mismatch *session.StepMismatch
	switch c.Kind {
	case KindBulk:
		_, mismatch, err = l.store.ApplyBulk(ctx, c.Bulk)
	case KindAttempt:
		_, _, mismatch, err = l.store.ApplyAttempt(ctx, c.Attempt)
	case KindFinalize:
		_, _, err = l.store.FinalizePending(ctx, c.Finalize.AttemptID, c.Finalize.Score, c.Finalize.IsCorrect)
	}
	if err != nil {
		l.drop(ev, dropReason(err), err)
		return err
	}

	if mismatch != nil {
		metrics.SequenceMismatch(string(mismatch.Before.Mode))
		l.logger.Warn("Contribution does not match schedule",
			"owner", l.store.Owner(), "type", ev.Type, "step", mismatch.Before.StepsCompleted+1, "error", mismatch.Err)
		if l.onMismatch != nil {
			l.onMismatch(ctx, *mismatch)
		}
	}

	metrics.ContributionApplied(string(ev.Type))
	l.logger.Debug("Contribution applied", "owner", l.store.Owner(), "type", ev.Type)
	return nil
}

func (l *Listener) drop(ev events.Event, reason string, err error) {
	metrics.ContributionDropped(string(ev.Type), reason)
	l.logger.Warn("Dropping completion event", "owner", l.store.Owner(), "type", ev.Type, "reason", reason, "error", err)
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrNoActiveSession):
		return "no_session"
	case errors.Is(err, domain.ErrSessionClosed):
		return "closed"
	case errors.Is(err, domain.ErrAttemptNotPending):
		return "not_pending"
	case errors.Is(err, domain.ErrInvalidInput):
		return "invalid"
	}
	return "error"
}
