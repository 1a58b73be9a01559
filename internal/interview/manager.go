// Package interview wires one runtime per owner: the session store, its
// event bus, the completion listener and, for proctored modes, the
// integrity monitor. It owns the termination policy and turns timer,
// schedule and proctoring signals into agent directives.
package interview

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/mockprep/internal/agent"
	"github.com/ashureev/mockprep/internal/completion"
	"github.com/ashureev/mockprep/internal/domain"
	"github.com/ashureev/mockprep/internal/events"
	"github.com/ashureev/mockprep/internal/proctor"
	"github.com/ashureev/mockprep/internal/scoring"
	"github.com/ashureev/mockprep/internal/sequence"
	"github.com/ashureev/mockprep/internal/session"
	"github.com/ashureev/mockprep/internal/store"
	"github.com/ashureev/mockprep/internal/stream"
)

// Config collects the collaborators a Manager needs. Notifier, Broadcaster
// and Sockets are optional.
type Config struct {
	Repo        store.Repository
	Schedules   sequence.Set
	Notifier    agent.Notifier
	Broadcaster *stream.Broadcaster
	Sockets     *proctor.Registry
	Proctor     proctor.Config
	Logger      *slog.Logger
	Now         func() time.Time
}

// runtime is everything that lives for one owner's session.
type runtime struct {
	owner    string
	store    *session.Store
	bus      *events.Bus
	detach   []func()
	mu       sync.Mutex
	monitor  *proctor.Monitor
	released bool
}

// Manager maps owner keys to their runtimes.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	runtimes map[string]*runtime

	pushes sync.WaitGroup
}

// NewManager creates an empty manager.
func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = agent.NopNotifier{}
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Manager{
		cfg:      cfg,
		logger:   cfg.Logger,
		runtimes: make(map[string]*runtime),
	}
}

func (m *Manager) newRuntime(owner string) *runtime {
	rt := &runtime{
		owner: owner,
		store: session.New(owner, m.cfg.Repo, session.Options{
			Logger:    m.logger,
			Schedules: m.cfg.Schedules,
			Now:       m.cfg.Now,
		}),
		bus: events.NewBus(m.logger),
	}

	listener := completion.NewListener(rt.store, m.logger, func(ctx context.Context, mm session.StepMismatch) {
		m.dispatch(ctx, agent.MismatchDirective(owner, mm.Before, mm.Expected, mm.HasExpected, mm.Got, m.cfg.Now()))
	})
	rt.detach = append(rt.detach, listener.Attach(rt.bus))
	if m.cfg.Sockets != nil {
		rt.detach = append(rt.detach, rt.bus.Subscribe(m.cfg.Sockets.Forward(owner)))
	}
	rt.detach = append(rt.detach, rt.bus.Subscribe(func(ctx context.Context, ev events.Event) error {
		return m.onProctorEvent(ctx, rt, ev)
	}))
	if b := m.cfg.Broadcaster; b != nil {
		rt.detach = append(rt.detach, rt.store.Subscribe(func(snap *domain.Session) {
			if snap == nil {
				b.Publish(owner, stream.EventEnded, map[string]string{"status": "ended"})
				return
			}
			b.Publish(owner, stream.EventSession, snap)
		}))
	}
	return rt
}

// acquire returns the owner's runtime, creating it when missing. created
// reports whether this call made it.
func (m *Manager) acquire(owner string) (rt *runtime, created bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rt, ok := m.runtimes[owner]; ok {
		return rt, false
	}
	rt = m.newRuntime(owner)
	m.runtimes[owner] = rt
	return rt, true
}

// release removes rt from the map and tears it down without touching
// persisted state.
func (m *Manager) release(rt *runtime) {
	m.mu.Lock()
	if cur, ok := m.runtimes[rt.owner]; ok && cur == rt {
		delete(m.runtimes, rt.owner)
	}
	m.mu.Unlock()

	rt.mu.Lock()
	if rt.released {
		rt.mu.Unlock()
		return
	}
	rt.released = true
	if rt.monitor != nil {
		rt.monitor.Stop()
		rt.monitor = nil
	}
	rt.mu.Unlock()

	for _, d := range rt.detach {
		d()
	}
	rt.bus.Close()
	rt.store.Close()
}

// active returns the owner's runtime with a live session, restoring it from
// the repository after a restart.
func (m *Manager) active(ctx context.Context, owner string) (*runtime, *domain.Session, error) {
	if owner == "" {
		return nil, nil, domain.ErrNoActiveSession
	}
	rt, created := m.acquire(owner)
	if snap, err := rt.store.Snapshot(); err == nil {
		return rt, snap, nil
	}

	snap, err := rt.store.Restore(ctx, "")
	if err == nil && snap == nil {
		err = domain.ErrNoActiveSession
	}
	if err != nil {
		if created {
			m.release(rt)
		}
		return nil, nil, err
	}
	m.resetMonitor(rt, snap)
	return rt, snap, nil
}

// resetMonitor replaces the runtime's monitor to match snap.
func (m *Manager) resetMonitor(rt *runtime, snap *domain.Session) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.monitor != nil {
		rt.monitor.Stop()
		rt.monitor = nil
	}
	if snap == nil || !snap.Mode.Proctored() || !snap.AcceptsContributions() {
		return
	}
	rt.monitor = proctor.NewMonitor(rt.bus, m.cfg.Proctor, snap.ViolationCount, m.logger.With("owner", rt.owner))
}

func (rt *runtime) currentMonitor() *proctor.Monitor {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.monitor
}

// Start begins a new session for owner, replacing any previous one.
func (m *Manager) Start(ctx context.Context, owner string, mode domain.Mode, userName string, topics []string) (*domain.Session, error) {
	if owner == "" {
		return nil, fmt.Errorf("%w: owner is required", domain.ErrInvalidInput)
	}
	rt, _ := m.acquire(owner)
	snap, err := rt.store.Start(ctx, mode, userName, topics)
	if err != nil {
		return nil, err
	}
	m.resetMonitor(rt, snap)
	return snap, nil
}

// Restore returns the owner's session for mode. A session persisted under
// another mode is discarded and reported as ErrNoActiveSession.
func (m *Manager) Restore(ctx context.Context, owner string, mode domain.Mode) (*domain.Session, error) {
	if mode != "" && !mode.Valid() {
		return nil, fmt.Errorf("%w: unknown mode %q", domain.ErrInvalidInput, mode)
	}
	if owner == "" {
		return nil, domain.ErrNoActiveSession
	}
	rt, created := m.acquire(owner)
	if snap, err := rt.store.Snapshot(); err == nil && (mode == "" || snap.Mode == mode) {
		return snap, nil
	}

	snap, err := rt.store.Restore(ctx, mode)
	if err == nil && snap == nil {
		err = domain.ErrNoActiveSession
	}
	if err != nil {
		m.resetMonitor(rt, nil)
		if created {
			m.release(rt)
		}
		return nil, err
	}
	m.resetMonitor(rt, snap)
	return snap, nil
}

// Snapshot returns the owner's current session.
func (m *Manager) Snapshot(ctx context.Context, owner string) (*domain.Session, error) {
	_, snap, err := m.active(ctx, owner)
	return snap, err
}

// End ends the owner's session: the monitor stops, the socket closes, the
// persisted record is deleted and observers are released.
func (m *Manager) End(ctx context.Context, owner string) error {
	if owner == "" {
		return nil
	}
	rt, _ := m.acquire(owner)
	err := rt.store.End(ctx)
	m.release(rt)
	if m.cfg.Sockets != nil {
		m.cfg.Sockets.Terminate(ctx, owner, "session ended")
	}
	if m.cfg.Broadcaster != nil {
		m.cfg.Broadcaster.Forget(owner)
	}
	return err
}

// Close drops the owner's in-memory runtime. Persisted state is left alone;
// the sweeper calls this after deleting idle records.
func (m *Manager) Close(owner string) {
	m.mu.Lock()
	rt, ok := m.runtimes[owner]
	m.mu.Unlock()
	if ok {
		m.release(rt)
	}
	if m.cfg.Sockets != nil {
		m.cfg.Sockets.Terminate(context.Background(), owner, "session expired")
	}
	if m.cfg.Broadcaster != nil {
		m.cfg.Broadcaster.Forget(owner)
	}
	m.logger.Info("Runtime closed", "owner", owner)
}

// Shutdown releases every runtime and waits for in-flight directive pushes.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	rts := make([]*runtime, 0, len(m.runtimes))
	for _, rt := range m.runtimes {
		rts = append(rts, rt)
	}
	m.mu.Unlock()

	for _, rt := range rts {
		m.release(rt)
	}
	m.pushes.Wait()
}

// SetCurrentTopic records the topic under discussion.
func (m *Manager) SetCurrentTopic(ctx context.Context, owner, topic string) (*domain.Session, error) {
	rt, _, err := m.active(ctx, owner)
	if err != nil {
		return nil, err
	}
	return rt.store.SetCurrentTopic(ctx, topic)
}

// StartRound moves the current round to in_progress.
func (m *Manager) StartRound(ctx context.Context, owner, topic string, qt domain.QuestionType) (*domain.Session, error) {
	rt, _, err := m.active(ctx, owner)
	if err != nil {
		return nil, err
	}
	return rt.store.StartRound(ctx, topic, qt)
}

// CompleteRound scores the current round and tells the agent what follows.
func (m *Manager) CompleteRound(ctx context.Context, owner string, index, score, maxScore int) (*domain.Session, error) {
	rt, _, err := m.active(ctx, owner)
	if err != nil {
		return nil, err
	}
	snap, err := rt.store.CompleteRound(ctx, index, score, maxScore)
	if err != nil {
		return nil, err
	}
	m.dispatch(ctx, agent.RoundCompleteDirective(owner, snap, index, m.cfg.Now()))
	if !snap.AcceptsContributions() {
		m.resetMonitor(rt, snap)
	}
	return snap, nil
}

// BeginReview moves a completed session into review.
func (m *Manager) BeginReview(ctx context.Context, owner string) (*domain.Session, error) {
	rt, _, err := m.active(ctx, owner)
	if err != nil {
		return nil, err
	}
	return rt.store.BeginReview(ctx)
}

// Publish delivers a widget or timer event for owner and returns the
// resulting session.
func (m *Manager) Publish(ctx context.Context, owner string, ev events.Event) (*domain.Session, error) {
	rt, snap, err := m.active(ctx, owner)
	if err != nil {
		return nil, err
	}

	switch p := ev.Payload.(type) {
	case events.TheoryQuestionTimeout:
		m.logger.Info("Theory question timed out", "owner", owner, "topic", p.Topic)
		m.dispatch(ctx, agent.TimeoutDirective(owner, snap, p, m.cfg.Now()))
		return snap, nil
	case events.FullscreenExitDetected:
		if mon := rt.currentMonitor(); mon != nil {
			mon.Observe(ctx, proctor.SignalFullscreenExitReported)
		}
		return rt.store.Snapshot()
	}

	if err := rt.bus.Publish(ctx, ev); err != nil {
		return nil, err
	}
	next, err := rt.store.Snapshot()
	if err != nil {
		return nil, err
	}
	if !next.AcceptsContributions() {
		m.resetMonitor(rt, next)
	}
	return next, nil
}

// Analysis returns the strong/weak/needs-work bands of the owner's session.
func (m *Manager) Analysis(ctx context.Context, owner string) (scoring.Analysis, error) {
	_, snap, err := m.active(ctx, owner)
	if err != nil {
		return scoring.Analysis{}, err
	}
	return scoring.Analyze(snap.TopicScores), nil
}

// AgentContext renders the plain-text context for the dialogue agent.
func (m *Manager) AgentContext(ctx context.Context, owner string) (string, error) {
	rt, snap, err := m.active(ctx, owner)
	if err != nil {
		return "", err
	}
	next, ok := rt.store.ExpectedStep()
	return agent.BuildContext(snap, next, ok), nil
}

// ProctorMonitor returns the live monitor of a proctored session.
func (m *Manager) ProctorMonitor(ctx context.Context, owner string) (*proctor.Monitor, error) {
	rt, snap, err := m.active(ctx, owner)
	if err != nil {
		return nil, err
	}
	if !snap.Mode.Proctored() {
		return nil, fmt.Errorf("%w: mode %s", proctor.ErrNotProctored, snap.Mode)
	}
	mon := rt.currentMonitor()
	if mon == nil {
		return nil, fmt.Errorf("%w: session is %s", proctor.ErrNotProctored, snap.InterviewStatus)
	}
	return mon, nil
}

// onProctorEvent applies the termination policy to monitor output.
func (m *Manager) onProctorEvent(ctx context.Context, rt *runtime, ev events.Event) error {
	switch p := ev.Payload.(type) {
	case events.WarningCleared:
		if m.cfg.Broadcaster != nil {
			m.cfg.Broadcaster.Publish(rt.owner, stream.EventWarningCleared, p)
		}
		return nil

	case events.Violation:
		if m.cfg.Broadcaster != nil {
			m.cfg.Broadcaster.Publish(rt.owner, stream.EventViolation, p)
		}
		snap, err := rt.store.RecordViolation(ctx, p.Count)
		if err != nil {
			if errors.Is(err, domain.ErrNoActiveSession) {
				return nil
			}
			return err
		}
		now := m.cfg.Now()
		m.dispatch(ctx, agent.ViolationDirective(rt.owner, snap, p, now))

		if p.Level != string(proctor.LevelLimitExceeded) || !snap.Mode.Proctored() || !snap.AcceptsContributions() {
			return nil
		}
		snap, err = rt.store.Terminate(ctx, domain.EndReasonProctoringTerminated)
		if err != nil {
			return err
		}
		m.logger.Warn("[PROCTOR] Violation limit reached, session terminated", "owner", rt.owner, "count", p.Count)
		m.resetMonitor(rt, snap)
		if m.cfg.Sockets != nil {
			m.cfg.Sockets.Terminate(ctx, rt.owner, string(domain.EndReasonProctoringTerminated))
		}
		m.dispatch(ctx, agent.TerminateDirective(rt.owner, snap, domain.EndReasonProctoringTerminated, now))
	}
	return nil
}

// dispatch mirrors d to the SSE stream and pushes it to the agent in the
// background.
func (m *Manager) dispatch(ctx context.Context, d domain.Directive) {
	if m.cfg.Broadcaster != nil {
		m.cfg.Broadcaster.Publish(d.Owner, stream.EventDirective, d)
	}
	m.logger.Info("Directive issued", "owner", d.Owner, "kind", d.Kind)

	m.pushes.Add(1)
	go func() {
		defer m.pushes.Done()
		if err := m.cfg.Notifier.Push(context.WithoutCancel(ctx), d); err != nil {
			m.logger.Warn("Directive not delivered to agent", "owner", d.Owner, "kind", d.Kind, "error", err)
		}
	}()
}
