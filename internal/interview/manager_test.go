package interview

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/mockprep/internal/domain"
	"github.com/ashureev/mockprep/internal/events"
	"github.com/ashureev/mockprep/internal/proctor"
	"github.com/ashureev/mockprep/internal/sequence"
	"github.com/ashureev/mockprep/internal/store"
	"github.com/ashureev/mockprep/internal/stream"
)

const owner = "anon_test:tab-1"

type fakeNotifier struct {
	pushed chan domain.Directive
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{pushed: make(chan domain.Directive, 64)}
}

func (f *fakeNotifier) Push(_ context.Context, d domain.Directive) error {
	f.pushed <- d
	return nil
}

func (f *fakeNotifier) Close() {}

// next waits for n directives and returns them in arrival order.
func (f *fakeNotifier) next(t *testing.T, n int) []domain.Directive {
	t.Helper()
	out := make([]domain.Directive, 0, n)
	for len(out) < n {
		select {
		case d := <-f.pushed:
			out = append(out, d)
		case <-time.After(2 * time.Second):
			t.Fatalf("got %d directives, want %d", len(out), n)
		}
	}
	return out
}

func kinds(ds []domain.Directive) map[domain.DirectiveKind]int {
	out := make(map[domain.DirectiveKind]int)
	for _, d := range ds {
		out[d.Kind]++
	}
	return out
}

func newRepo(t *testing.T) store.Repository {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func newManager(t *testing.T, repo store.Repository) (*Manager, *fakeNotifier) {
	t.Helper()
	set, err := sequence.Load()
	require.NoError(t, err)

	b := stream.NewBroadcaster(stream.Config{}, nil)
	n := newFakeNotifier()
	m := NewManager(Config{
		Repo:        repo,
		Schedules:   set,
		Notifier:    n,
		Broadcaster: b,
		Proctor:     proctor.Config{WarningDuration: time.Hour},
	})
	t.Cleanup(func() {
		m.Shutdown()
		b.Close()
	})
	return m, n
}

func TestManagerAppliesQuiz(t *testing.T) {
	m, _ := newManager(t, newRepo(t))
	ctx := context.Background()

	_, err := m.Start(ctx, owner, domain.ModePractice, "Ada", []string{"DSA", "SQL"})
	require.NoError(t, err)

	snap, err := m.Publish(ctx, owner, events.Event{Type: events.TypeQuizComplete, Payload: events.QuizComplete{
		Topic: "DSA", TotalQuestions: 5, CorrectAnswers: 4,
	}})
	require.NoError(t, err)
	assert.Equal(t, 4, snap.TotalScore)
	assert.Equal(t, 5, snap.MaxPossibleScore)
	assert.Equal(t, 1, snap.StepsCompleted)

	analysis, err := m.Analysis(ctx, owner)
	require.NoError(t, err)
	assert.Contains(t, analysis.Strong, "DSA")

	text, err := m.AgentContext(ctx, owner)
	require.NoError(t, err)
	assert.Contains(t, text, "Candidate: Ada")
}

func TestManagerRequiresSession(t *testing.T) {
	m, _ := newManager(t, newRepo(t))
	ctx := context.Background()

	_, err := m.Snapshot(ctx, owner)
	assert.ErrorIs(t, err, domain.ErrNoActiveSession)

	_, err = m.Publish(ctx, owner, events.Event{Type: events.TypeMatchComplete, Payload: events.MatchComplete{Score: 1, TotalQuestions: 2}})
	assert.ErrorIs(t, err, domain.ErrNoActiveSession)

	_, err = m.Snapshot(ctx, "")
	assert.ErrorIs(t, err, domain.ErrNoActiveSession)

	_, err = m.Start(ctx, "", domain.ModeTest, "Ada", []string{"DSA"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestManagerTerminatesInterviewAtLimit(t *testing.T) {
	m, n := newManager(t, newRepo(t))
	ctx := context.Background()

	_, err := m.Start(ctx, owner, domain.ModeInterview, "Ada", []string{"DSA"})
	require.NoError(t, err)
	mon, err := m.ProctorMonitor(ctx, owner)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, ok := mon.Observe(ctx, proctor.SignalVisibilityHidden)
		require.True(t, ok, "violation %d", i+1)
	}

	snap, err := m.Snapshot(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, snap.InterviewStatus)
	assert.Equal(t, domain.EndReasonProctoringTerminated, snap.EndReason)
	assert.Equal(t, 4, snap.ViolationCount)

	got := kinds(n.next(t, 5))
	assert.Equal(t, 4, got[domain.DirectiveViolation])
	assert.Equal(t, 1, got[domain.DirectiveTerminate])

	_, ok := mon.Observe(ctx, proctor.SignalVisibilityHidden)
	assert.False(t, ok, "monitor should stop after termination")
	_, err = m.ProctorMonitor(ctx, owner)
	assert.ErrorIs(t, err, proctor.ErrNotProctored)
}

func TestManagerPracticeIsNotProctored(t *testing.T) {
	m, _ := newManager(t, newRepo(t))
	ctx := context.Background()

	_, err := m.Start(ctx, owner, domain.ModePractice, "Ada", []string{"DSA"})
	require.NoError(t, err)

	_, err = m.ProctorMonitor(ctx, owner)
	assert.ErrorIs(t, err, proctor.ErrNotProctored)

	snap, err := m.Publish(ctx, owner, events.Event{Type: events.TypeFullscreenExitDetected, Payload: events.FullscreenExitDetected{}})
	require.NoError(t, err)
	assert.Equal(t, 0, snap.ViolationCount)
}

func TestManagerReportedFullscreenExitCounts(t *testing.T) {
	m, n := newManager(t, newRepo(t))
	ctx := context.Background()

	_, err := m.Start(ctx, owner, domain.ModeInterview, "Ada", []string{"DSA"})
	require.NoError(t, err)

	snap, err := m.Publish(ctx, owner, events.Event{Type: events.TypeFullscreenExitDetected, Payload: events.FullscreenExitDetected{}})
	require.NoError(t, err)
	assert.Equal(t, 1, snap.ViolationCount)

	d := n.next(t, 1)[0]
	assert.Equal(t, domain.DirectiveViolation, d.Kind)
	assert.Equal(t, snap.ID, d.SessionID)
}

func TestManagerTimeoutDirective(t *testing.T) {
	m, n := newManager(t, newRepo(t))
	ctx := context.Background()

	start, err := m.Start(ctx, owner, domain.ModeTest, "Ada", []string{"OS"})
	require.NoError(t, err)

	snap, err := m.Publish(ctx, owner, events.Event{Type: events.TypeTheoryQuestionTimeout, Payload: events.TheoryQuestionTimeout{
		Topic: "OS", Question: "What is a page fault?", TimeLimit: 120,
	}})
	require.NoError(t, err)
	assert.Equal(t, 0, snap.StepsCompleted)

	d := n.next(t, 1)[0]
	assert.Equal(t, domain.DirectiveTimeout, d.Kind)
	assert.Equal(t, start.ID, d.SessionID)
	assert.Equal(t, owner, d.Owner)
}

func TestManagerMismatchDirective(t *testing.T) {
	m, n := newManager(t, newRepo(t))
	ctx := context.Background()

	_, err := m.Start(ctx, owner, domain.ModeInterview, "Ada", []string{"DSA"})
	require.NoError(t, err)

	// Interview opens with mcq.
	snap, err := m.Publish(ctx, owner, events.Event{Type: events.TypeTheoryScoreRecorded, Payload: events.TheoryScoreRecorded{
		Topic: "DSA", Score: 7,
	}})
	require.NoError(t, err)
	assert.Equal(t, 7, snap.TotalScore)

	d := n.next(t, 1)[0]
	assert.Equal(t, domain.DirectiveStepMismatch, d.Kind)
}

func TestManagerCompleteRound(t *testing.T) {
	m, n := newManager(t, newRepo(t))
	ctx := context.Background()

	_, err := m.Start(ctx, owner, domain.ModePractice, "Ada", []string{"DSA", "SQL"})
	require.NoError(t, err)
	_, err = m.StartRound(ctx, owner, "", "")
	require.NoError(t, err)

	_, err = m.CompleteRound(ctx, owner, 1, 8, 10)
	assert.ErrorIs(t, err, domain.ErrRoundOutOfOrder)

	snap, err := m.CompleteRound(ctx, owner, 0, 8, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.CurrentRound)
	assert.Equal(t, "SQL", snap.CurrentTopic)

	d := n.next(t, 1)[0]
	assert.Equal(t, domain.DirectiveRoundComplete, d.Kind)
	assert.Contains(t, d.Text, "SQL")

	_, err = m.BeginReview(ctx, owner)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestManagerRestoresAfterRestart(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	first, _ := newManager(t, repo)
	started, err := first.Start(ctx, owner, domain.ModeInterview, "Ada", []string{"DSA"})
	require.NoError(t, err)
	mon, err := first.ProctorMonitor(ctx, owner)
	require.NoError(t, err)
	mon.Observe(ctx, proctor.SignalVisibilityHidden)
	mon.Observe(ctx, proctor.SignalVisibilityHidden)
	first.Shutdown()

	second, _ := newManager(t, repo)
	snap, err := second.Restore(ctx, owner, domain.ModeInterview)
	require.NoError(t, err)
	assert.Equal(t, started.ID, snap.ID)
	assert.Equal(t, 2, snap.ViolationCount)

	restored, err := second.ProctorMonitor(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, 2, restored.State().Count)
	v, ok := restored.Observe(ctx, proctor.SignalVisibilityHidden)
	require.True(t, ok)
	assert.Equal(t, string(proctor.LevelFinalWarning), v.Level)
}

func TestManagerRestoreOtherModeDiscards(t *testing.T) {
	repo := newRepo(t)
	m, _ := newManager(t, repo)
	ctx := context.Background()

	_, err := m.Start(ctx, owner, domain.ModeTest, "Ada", []string{"DSA"})
	require.NoError(t, err)
	m.Close(owner)

	_, err = m.Restore(ctx, owner, domain.ModePractice)
	assert.ErrorIs(t, err, domain.ErrNoActiveSession)

	persisted, err := repo.Load(ctx, owner, "")
	require.NoError(t, err)
	assert.Nil(t, persisted)

	_, err = m.Restore(ctx, owner, domain.Mode("exam"))
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestManagerEndAndClose(t *testing.T) {
	repo := newRepo(t)
	m, _ := newManager(t, repo)
	ctx := context.Background()

	started, err := m.Start(ctx, owner, domain.ModePractice, "Ada", []string{"DSA"})
	require.NoError(t, err)

	// Close keeps the persisted record, so the next call restores it.
	m.Close(owner)
	snap, err := m.Snapshot(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, started.ID, snap.ID)

	require.NoError(t, m.End(ctx, owner))
	_, err = m.Snapshot(ctx, owner)
	assert.ErrorIs(t, err, domain.ErrNoActiveSession)

	persisted, err := repo.Load(ctx, owner, "")
	require.NoError(t, err)
	assert.Nil(t, persisted)
}
