package proctor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/mockprep/internal/events"
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
	ch     chan events.Event
}

func newRecorder(bus *events.Bus) *recorder {
	r := &recorder{ch: make(chan events.Event, 16)}
	bus.Subscribe(func(_ context.Context, ev events.Event) error {
		r.mu.Lock()
		r.events = append(r.events, ev)
		r.mu.Unlock()
		r.ch <- ev
		return nil
	})
	return r
}

func (r *recorder) violations() []events.Violation {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Violation
	for _, ev := range r.events {
		if v, ok := ev.Payload.(events.Violation); ok {
			out = append(out, v)
		}
	}
	return out
}

func TestLevelFor(t *testing.T) {
	t.Parallel()

	cfg := Config{}
	tests := []struct {
		count int
		want  Level
	}{
		{0, LevelNone},
		{1, LevelWarning},
		{2, LevelWarning},
		{3, LevelFinalWarning},
		{4, LevelLimitExceeded},
		{9, LevelLimitExceeded},
	}
	for _, tt := range tests {
		if got := cfg.LevelFor(tt.count); got != tt.want {
			t.Errorf("LevelFor(%d) = %q, want %q", tt.count, got, tt.want)
		}
	}

	if got := (Config{Limit: 6}).LevelFor(5); got != LevelFinalWarning {
		t.Errorf("LevelFor(5) with limit 6 = %q", got)
	}
}

func TestMonitorEscalates(t *testing.T) {
	t.Parallel()

	bus := events.NewBus(nil)
	rec := newRecorder(bus)
	m := NewMonitor(bus, Config{WarningDuration: time.Hour}, 0, nil)
	t.Cleanup(m.Stop)
	ctx := context.Background()

	want := []Level{LevelWarning, LevelWarning, LevelFinalWarning, LevelLimitExceeded}
	for i, level := range want {
		v, ok := m.Observe(ctx, SignalVisibilityHidden)
		if !ok {
			t.Fatalf("violation %d not recorded", i+1)
		}
		if v.Count != i+1 || v.Level != string(level) {
			t.Fatalf("violation %d = %+v, want level %q", i+1, v, level)
		}
	}

	if got := len(rec.violations()); got != 4 {
		t.Fatalf("published %d violations, want 4", got)
	}
	if st := m.State(); st.Count != 4 || st.Warning != LevelLimitExceeded {
		t.Fatalf("state = %+v", st)
	}
}

func TestMonitorNoViolationsNoWarnings(t *testing.T) {
	t.Parallel()

	bus := events.NewBus(nil)
	rec := newRecorder(bus)
	m := NewMonitor(bus, Config{}, 0, nil)
	t.Cleanup(m.Stop)
	ctx := context.Background()

	for _, sig := range []Signal{SignalFullscreenEntered, SignalVisibilityVisible, Signal("blur")} {
		if _, ok := m.Observe(ctx, sig); ok {
			t.Fatalf("signal %q produced a violation", sig)
		}
	}
	if st := m.State(); st.Count != 0 || st.Warning != LevelNone {
		t.Fatalf("state = %+v", st)
	}
	if len(rec.violations()) != 0 {
		t.Fatal("unexpected violations published")
	}
}

func TestMonitorFullscreenExitOnlyWhileActive(t *testing.T) {
	t.Parallel()

	bus := events.NewBus(nil)
	m := NewMonitor(bus, Config{WarningDuration: time.Hour}, 0, nil)
	t.Cleanup(m.Stop)
	ctx := context.Background()

	if _, ok := m.Observe(ctx, SignalFullscreenExit); ok {
		t.Fatal("exit without fullscreen counted")
	}

	m.Observe(ctx, SignalFullscreenEntered)
	if _, ok := m.Observe(ctx, SignalFullscreenExit); !ok {
		t.Fatal("exit from fullscreen not counted")
	}
	if _, ok := m.Observe(ctx, SignalFullscreenExit); ok {
		t.Fatal("second exit counted while not in fullscreen")
	}
	if got := m.State().Count; got != 1 {
		t.Fatalf("count = %d, want 1", got)
	}

	if _, ok := m.Observe(ctx, SignalFullscreenExitReported); !ok {
		t.Fatal("reported exit not counted")
	}
	if got := m.State().Count; got != 2 {
		t.Fatalf("count = %d, want 2", got)
	}
}

func TestMonitorDeniedIsDegraded(t *testing.T) {
	t.Parallel()

	m := NewMonitor(events.NewBus(nil), Config{}, 0, nil)
	t.Cleanup(m.Stop)

	if !m.Start() {
		t.Fatal("Start should request fullscreen on a fresh monitor")
	}
	m.Observe(context.Background(), SignalFullscreenDenied)

	st := m.State()
	if !st.Degraded || st.FullscreenActive || st.Count != 0 {
		t.Fatalf("state = %+v", st)
	}
	if m.Start() {
		t.Fatal("Start should not request fullscreen again after denial")
	}
}

func TestMonitorWarningAutoClears(t *testing.T) {
	t.Parallel()

	bus := events.NewBus(nil)
	rec := newRecorder(bus)
	m := NewMonitor(bus, Config{WarningDuration: 20 * time.Millisecond}, 0, nil)
	t.Cleanup(m.Stop)

	m.Observe(context.Background(), SignalVisibilityHidden)
	<-rec.ch

	select {
	case ev := <-rec.ch:
		cleared, ok := ev.Payload.(events.WarningCleared)
		if !ok || ev.Type != events.TypeWarningCleared || cleared.Count != 1 {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("warning was not cleared")
	}

	st := m.State()
	if st.Warning != LevelNone || st.Count != 1 {
		t.Fatalf("state = %+v", st)
	}
}

func TestMonitorRestoresCountAndStops(t *testing.T) {
	t.Parallel()

	m := NewMonitor(events.NewBus(nil), Config{WarningDuration: time.Hour}, 2, nil)
	v, ok := m.Observe(context.Background(), SignalVisibilityHidden)
	if !ok || v.Count != 3 || v.Level != string(LevelFinalWarning) {
		t.Fatalf("violation = %+v", v)
	}

	m.Stop()
	if _, ok := m.Observe(context.Background(), SignalVisibilityHidden); ok {
		t.Fatal("stopped monitor recorded a violation")
	}
	st := m.State()
	if !st.Stopped || st.Count != 3 || st.Warning != LevelNone {
		t.Fatalf("state = %+v", st)
	}
}
