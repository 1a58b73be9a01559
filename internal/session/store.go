// Package session owns the authoritative interview session record for one
// owner: lifecycle, the round state machine, score folding and persistence.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/mockprep/internal/domain"
	"github.com/ashureev/mockprep/internal/metrics"
	"github.com/ashureev/mockprep/internal/scoring"
	"github.com/ashureev/mockprep/internal/sequence"
	"github.com/ashureev/mockprep/internal/store"
	"github.com/google/uuid"
)

const saveTimeout = 5 * time.Second

// Observer receives a snapshot after every committed mutation, in commit
// order. A nil snapshot means the session was ended. Observers must not
// mutate the Store they are subscribed to.
type Observer func(snapshot *domain.Session)

// Options tunes a Store. Zero values pick defaults.
type Options struct {
	Logger    *slog.Logger
	Schedules sequence.Set
	Now       func() time.Time
}

// Store is the single writer for one owner's session. Every mutation is
// applied in memory, saved, then published to observers.
type Store struct {
	owner     string
	repo      store.Repository
	schedules sequence.Set
	logger    *slog.Logger
	now       func() time.Time

	mu        sync.Mutex
	current   *domain.Session
	observers map[uint64]Observer
	nextObsID uint64
	issued    uint64 // notification tickets handed out under mu

	turnMu    sync.Mutex
	turn      *sync.Cond
	delivered uint64
}

// New creates a Store for owner backed by repo.
func New(owner string, repo store.Repository, opts Options) *Store {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	s := &Store{
		owner:     owner,
		repo:      repo,
		schedules: opts.Schedules,
		logger:    opts.Logger.With("owner", owner),
		now:       opts.Now,
		observers: make(map[uint64]Observer),
	}
	s.turn = sync.NewCond(&s.turnMu)
	return s
}

// Owner returns the owner key this store writes under.
func (s *Store) Owner() string { return s.owner }

// Start replaces any current session with a fresh one and persists it
// before returning. On a save failure the previous state is kept.
func (s *Store) Start(ctx context.Context, mode domain.Mode, userName string, topics []string) (*domain.Session, error) {
	if !mode.Valid() {
		return nil, fmt.Errorf("%w: unknown mode %q", domain.ErrInvalidInput, mode)
	}
	userName = strings.TrimSpace(userName)
	if userName == "" {
		return nil, fmt.Errorf("%w: userName is required", domain.ErrInvalidInput)
	}
	cleaned := make([]string, 0, len(topics))
	for _, t := range topics {
		if t = strings.TrimSpace(t); t != "" {
			cleaned = append(cleaned, t)
		}
	}
	if len(cleaned) == 0 {
		return nil, fmt.Errorf("%w: at least one topic is required", domain.ErrInvalidInput)
	}

	now := s.now()
	sess := &domain.Session{
		ID:              uuid.NewString(),
		Mode:            mode,
		UserName:        userName,
		SelectedTopics:  cleaned,
		CurrentTopic:    cleaned[0],
		TopicScores:     map[string]domain.TopicScore{},
		Attempts:        []domain.QuestionAttempt{},
		Rounds:          make([]domain.InterviewRound, len(cleaned)),
		InterviewStatus: domain.StatusIntroduction,
		StartedAt:       now,
		LastActivityAt:  now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	for i, topic := range cleaned {
		sess.Rounds[i] = domain.InterviewRound{
			ID:     uuid.NewString(),
			Topic:  topic,
			Type:   domain.QuestionMCQ,
			Status: domain.RoundPending,
		}
	}

	s.mu.Lock()
	if err := s.repo.Save(ctx, s.owner, sess); err != nil {
		s.mu.Unlock()
		metrics.PersistFailure("start")
		return nil, fmt.Errorf("persist new session: %w", err)
	}
	s.current = sess
	snap := sess.Clone()
	obs := s.observerList()
	ticket := s.ticketLocked()
	s.mu.Unlock()

	metrics.SessionStarted(string(mode))
	s.logger.Info("Session started", "session_id", sess.ID, "mode", mode, "topics", len(cleaned))
	s.deliver(ticket, obs, snap)
	return snap.Clone(), nil
}

// End clears the in-memory session and the persisted record, then releases
// every observer. Ending without a session is a no-op apart from the delete.
func (s *Store) End(ctx context.Context) error {
	s.mu.Lock()
	had := s.current != nil
	s.current = nil
	obs := s.observerList()
	s.observers = make(map[uint64]Observer)
	err := s.repo.Delete(ctx, s.owner)
	var ticket uint64
	if had {
		ticket = s.ticketLocked()
	}
	s.mu.Unlock()

	if had {
		metrics.SessionEnded("ended")
		s.logger.Info("Session ended")
		s.deliver(ticket, obs, nil)
	}
	if err != nil {
		metrics.PersistFailure("delete")
		return fmt.Errorf("delete persisted session: %w", err)
	}
	return nil
}

// Restore loads the persisted session. A mode mismatch or a corrupt record
// is deleted and reported as a clean slate (nil, nil).
func (s *Store) Restore(ctx context.Context, mode domain.Mode) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.repo.Load(ctx, s.owner, mode)
	switch {
	case errors.Is(err, store.ErrModeMismatch):
		s.logger.Info("Discarding persisted session from another mode", "want", mode, "detail", err)
		s.discardLocked(ctx)
		return nil, nil
	case errors.Is(err, store.ErrCorrupt):
		s.logger.Warn("Discarding corrupt persisted session", "error", err)
		s.discardLocked(ctx)
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("load session: %w", err)
	case sess == nil:
		s.current = nil
		return nil, nil
	}

	if sess.TopicScores == nil {
		sess.TopicScores = map[string]domain.TopicScore{}
	}
	s.current = sess
	s.logger.Info("Session restored", "session_id", sess.ID, "mode", sess.Mode, "status", sess.InterviewStatus)
	return sess.Clone(), nil
}

func (s *Store) discardLocked(ctx context.Context) {
	s.current = nil
	if err := s.repo.Delete(ctx, s.owner); err != nil {
		metrics.PersistFailure("delete")
		s.logger.Error("Failed to delete discarded session", "error", err)
	}
}

// Snapshot returns a copy of the current session.
func (s *Store) Snapshot() (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil, domain.ErrNoActiveSession
	}
	return s.current.Clone(), nil
}

// Subscribe registers obs and returns a function that removes it.
func (s *Store) Subscribe(obs Observer) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextObsID
	s.nextObsID++
	s.observers[id] = obs
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.observers, id)
	}
}

// Close drops observers without touching persisted state.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = make(map[uint64]Observer)
}

// SetCurrentTopic records the topic the agent is currently asking about.
func (s *Store) SetCurrentTopic(ctx context.Context, topic string) (*domain.Session, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil, fmt.Errorf("%w: topic is required", domain.ErrInvalidInput)
	}
	return s.mutate(ctx, "set_topic", func(cur *domain.Session, now time.Time) (*domain.Session, error) {
		if cur.InterviewStatus.Terminal() {
			return nil, domain.ErrSessionClosed
		}
		next := cur.Clone()
		next.CurrentTopic = topic
		next.Touch(now)
		return next, nil
	})
}

// StartRound moves the round at currentRound from pending to in progress.
// Empty topic or type keep the round's defaults.
func (s *Store) StartRound(ctx context.Context, topic string, qt domain.QuestionType) (*domain.Session, error) {
	if qt != "" && !qt.Valid() {
		return nil, fmt.Errorf("%w: unknown round type %q", domain.ErrInvalidInput, qt)
	}
	return s.mutate(ctx, "start_round", func(cur *domain.Session, now time.Time) (*domain.Session, error) {
		if cur.InterviewStatus.Terminal() {
			return nil, domain.ErrSessionClosed
		}
		next := cur.Clone()
		round := next.ActiveRound()
		if round == nil {
			return nil, fmt.Errorf("%w: no round left to start", domain.ErrInvalidTransition)
		}
		if round.Status != domain.RoundPending {
			return nil, fmt.Errorf("%w: round %d is %s", domain.ErrInvalidTransition, next.CurrentRound, round.Status)
		}
		if t := strings.TrimSpace(topic); t != "" {
			round.Topic = t
		}
		if qt != "" {
			round.Type = qt
		}
		started := now
		round.Status = domain.RoundInProgress
		round.StartedAt = &started
		next.InterviewStatus = domain.StatusInProgress
		next.CurrentTopic = round.Topic
		next.Touch(now)
		return next, nil
	})
}

// CompleteRound closes the in-progress round at index. Rounds complete
// strictly in order; any other index is rejected.
func (s *Store) CompleteRound(ctx context.Context, index, score, maxScore int) (*domain.Session, error) {
	if maxScore < 1 || score < 0 || score > maxScore {
		return nil, fmt.Errorf("%w: round score %d/%d", domain.ErrInvalidInput, score, maxScore)
	}
	return s.mutate(ctx, "complete_round", func(cur *domain.Session, now time.Time) (*domain.Session, error) {
		if cur.InterviewStatus.Terminal() {
			return nil, domain.ErrSessionClosed
		}
		if index != cur.CurrentRound {
			return nil, fmt.Errorf("%w: got %d, current is %d", domain.ErrRoundOutOfOrder, index, cur.CurrentRound)
		}
		next := cur.Clone()
		round := next.ActiveRound()
		if round == nil || round.Status != domain.RoundInProgress {
			return nil, fmt.Errorf("%w: round %d is not in progress", domain.ErrInvalidTransition, index)
		}

		completed := now
		sc, mx := score, maxScore
		round.Status = domain.RoundCompleted
		round.Score = &sc
		round.MaxScore = &mx
		round.CompletedAt = &completed

		if next.CurrentRound == len(next.Rounds)-1 {
			next.InterviewStatus = domain.StatusCompleted
			next.EndReason = domain.EndReasonRoundsCompleted
			next.CurrentTopic = ""
		} else {
			next.CurrentRound++
			next.CurrentTopic = next.Rounds[next.CurrentRound].Topic
		}
		next.Touch(now)
		return next, nil
	})
}

// ExpectedStep returns the schedule step the next contribution should fill.
func (s *Store) ExpectedStep() (sequence.Step, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return sequence.Step{}, false
	}
	sch, err := s.schedule(s.current.Mode)
	if err != nil || sch == nil {
		return sequence.Step{}, false
	}
	return sch.Expect(s.current.StepsCompleted)
}

// StepMismatch describes a contribution that did not fit the schedule. It
// is computed under the same lock that applies the contribution.
type StepMismatch struct {
	Before      *domain.Session // session as the contribution found it
	Got         domain.QuestionType
	Expected    sequence.Step
	HasExpected bool
	Err         error
}

// ApplyAttempt folds one single-question result and consumes a schedule step.
// A non-nil mismatch means the result was scored off schedule.
func (s *Store) ApplyAttempt(ctx context.Context, a scoring.Attempt) (*domain.Session, domain.QuestionAttempt, *StepMismatch, error) {
	var (
		rec      domain.QuestionAttempt
		mismatch *StepMismatch
	)
	snap, err := s.mutate(ctx, "apply_attempt", func(cur *domain.Session, now time.Time) (*domain.Session, error) {
		if !cur.AcceptsContributions() {
			return nil, domain.ErrSessionClosed
		}
		next, r, err := scoring.ApplyAttempt(cur, a, now)
		if err != nil {
			return nil, err
		}
		rec = r
		mismatch = s.checkStep(cur, a.Type)
		s.consumeStep(next)
		return next, nil
	})
	if err != nil {
		return nil, rec, nil, err
	}
	return snap, rec, mismatch, nil
}

// ApplyBulk folds a quiz-level record and consumes a schedule step.
// A non-nil mismatch means the record was scored off schedule.
func (s *Store) ApplyBulk(ctx context.Context, b scoring.Bulk) (*domain.Session, *StepMismatch, error) {
	var mismatch *StepMismatch
	snap, err := s.mutate(ctx, "apply_bulk", func(cur *domain.Session, now time.Time) (*domain.Session, error) {
		if !cur.AcceptsContributions() {
			return nil, domain.ErrSessionClosed
		}
		next, err := scoring.ApplyBulk(cur, b, now)
		if err != nil {
			return nil, err
		}
		mismatch = s.checkStep(cur, b.Type)
		s.consumeStep(next)
		return next, nil
	})
	if err != nil {
		return nil, nil, err
	}
	return snap, mismatch, nil
}

// checkStep compares kind with the step cur expects next. Untyped
// contributions and modes without a schedule never mismatch.
func (s *Store) checkStep(cur *domain.Session, kind domain.QuestionType) *StepMismatch {
	if kind == "" {
		return nil
	}
	sch, err := s.schedule(cur.Mode)
	if err != nil || sch == nil {
		return nil
	}
	err = sch.Check(cur.StepsCompleted, kind)
	if !errors.Is(err, sequence.ErrStepMismatch) {
		return nil
	}
	expected, ok := sch.Expect(cur.StepsCompleted)
	return &StepMismatch{
		Before:      cur.Clone(),
		Got:         kind,
		Expected:    expected,
		HasExpected: ok,
		Err:         err,
	}
}

// FinalizePending settles a placeholder attempt. Grades may land after the
// session completed, so only review blocks it.
func (s *Store) FinalizePending(ctx context.Context, attemptID string, score int, isCorrect bool) (*domain.Session, domain.QuestionAttempt, error) {
	var rec domain.QuestionAttempt
	snap, err := s.mutate(ctx, "finalize_pending", func(cur *domain.Session, now time.Time) (*domain.Session, error) {
		if cur.InterviewStatus == domain.StatusReview {
			return nil, domain.ErrSessionClosed
		}
		next, r, err := scoring.FinalizePending(cur, attemptID, score, isCorrect, now)
		if err != nil {
			return nil, err
		}
		rec = r
		return next, nil
	})
	return snap, rec, err
}

// RecordViolation mirrors the monitor's violation count. The count never
// goes down.
func (s *Store) RecordViolation(ctx context.Context, count int) (*domain.Session, error) {
	return s.mutate(ctx, "record_violation", func(cur *domain.Session, now time.Time) (*domain.Session, error) {
		next := cur.Clone()
		if count > next.ViolationCount {
			next.ViolationCount = count
		}
		next.Touch(now)
		return next, nil
	})
}

// Terminate moves the session to completed with reason. Terminating a
// session that already ended keeps its original reason.
func (s *Store) Terminate(ctx context.Context, reason domain.EndReason) (*domain.Session, error) {
	return s.mutate(ctx, "terminate", func(cur *domain.Session, now time.Time) (*domain.Session, error) {
		next := cur.Clone()
		if next.InterviewStatus.Terminal() {
			return next, nil
		}
		next.InterviewStatus = domain.StatusCompleted
		next.EndReason = reason
		next.CurrentTopic = ""
		next.Touch(now)
		metrics.SessionEnded(string(reason))
		s.logger.Info("Session terminated", "session_id", next.ID, "reason", reason)
		return next, nil
	})
}

// BeginReview moves a completed session into review.
func (s *Store) BeginReview(ctx context.Context) (*domain.Session, error) {
	return s.mutate(ctx, "begin_review", func(cur *domain.Session, now time.Time) (*domain.Session, error) {
		if cur.InterviewStatus != domain.StatusCompleted {
			return nil, fmt.Errorf("%w: review requires a completed session, got %s", domain.ErrInvalidTransition, cur.InterviewStatus)
		}
		next := cur.Clone()
		next.InterviewStatus = domain.StatusReview
		next.Touch(now)
		return next, nil
	})
}

// consumeStep advances the schedule position and completes the session once
// every question step is used. next is already a private copy.
func (s *Store) consumeStep(next *domain.Session) {
	next.StepsCompleted++
	sch, err := s.schedule(next.Mode)
	if err != nil || sch == nil {
		return
	}
	if next.StepsCompleted >= sch.QuestionSteps() {
		next.InterviewStatus = domain.StatusCompleted
		next.EndReason = domain.EndReasonStepsCompleted
		next.CurrentTopic = ""
		metrics.SessionEnded(string(domain.EndReasonStepsCompleted))
		s.logger.Info("Session completed all scheduled steps", "session_id", next.ID, "steps", next.StepsCompleted)
	}
}

func (s *Store) schedule(mode domain.Mode) (*sequence.Schedule, error) {
	if s.schedules == nil {
		return nil, nil
	}
	return s.schedules.For(mode)
}

type mutation func(cur *domain.Session, now time.Time) (*domain.Session, error)

// mutate runs fn under the writer lock, saves the result and notifies
// observers after the lock is released. Notifications still leave in the
// order the mutations committed. fn must not modify cur.
func (s *Store) mutate(ctx context.Context, op string, fn mutation) (*domain.Session, error) {
	s.mu.Lock()
	if s.current == nil {
		s.mu.Unlock()
		return nil, domain.ErrNoActiveSession
	}
	next, err := fn(s.current, s.now())
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.current = next
	s.save(ctx, op, next)
	snap := next.Clone()
	obs := s.observerList()
	ticket := s.ticketLocked()
	s.mu.Unlock()

	s.deliver(ticket, obs, snap)
	return snap.Clone(), nil
}

// save persists without failing the mutation; memory stays authoritative.
func (s *Store) save(ctx context.Context, op string, sess *domain.Session) {
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
	defer cancel()
	if err := s.repo.Save(saveCtx, s.owner, sess); err != nil {
		metrics.PersistFailure(op)
		s.logger.Error("Failed to persist session", "op", op, "session_id", sess.ID, "error", err)
	}
}

func (s *Store) observerList() []Observer {
	out := make([]Observer, 0, len(s.observers))
	for _, o := range s.observers {
		out = append(out, o)
	}
	return out
}

// ticketLocked reserves the next notification slot. Every ticket must be
// passed to deliver exactly once. Caller holds mu.
func (s *Store) ticketLocked() uint64 {
	t := s.issued
	s.issued++
	return t
}

// deliver waits until every earlier ticket has notified, then notifies obs.
func (s *Store) deliver(ticket uint64, obs []Observer, snap *domain.Session) {
	s.turnMu.Lock()
	for s.delivered != ticket {
		s.turn.Wait()
	}
	s.turnMu.Unlock()

	defer func() {
		s.turnMu.Lock()
		s.delivered++
		s.turnMu.Unlock()
		s.turn.Broadcast()
	}()
	notify(obs, snap)
}

func notify(obs []Observer, snap *domain.Session) {
	for _, o := range obs {
		if snap == nil {
			o(nil)
			continue
		}
		o(snap.Clone())
	}
}
