// Package proctor counts integrity violations (tab switches, fullscreen
// exits), escalates warnings, and exposes the sensor WebSocket.
package proctor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/mockprep/internal/events"
	"github.com/ashureev/mockprep/internal/metrics"
)

// Level is the escalation reported with each violation.
type Level string

const (
	LevelNone          Level = ""
	LevelWarning       Level = "warning"
	LevelFinalWarning  Level = "final_warning"
	LevelLimitExceeded Level = "limit_exceeded"
)

// Signal is a raw sensor reading from the client.
type Signal string

const (
	SignalFullscreenEntered Signal = "fullscreen-entered"
	SignalFullscreenDenied  Signal = "fullscreen-denied"
	SignalFullscreenExit    Signal = "fullscreen-exit"
	SignalVisibilityHidden  Signal = "visibility-hidden"
	SignalVisibilityVisible Signal = "visibility-visible"

	// SignalFullscreenExitReported is a fullscreen exit the client detected
	// on its own. It counts even if the monitor never saw fullscreen-entered.
	SignalFullscreenExitReported Signal = "fullscreen-exit-detected"
)

const (
	DefaultWarningDuration = 5 * time.Second
	DefaultLimit           = 4
)

// Config tunes escalation. Limit is the count at which the caller should
// terminate; the final warning fires one violation earlier.
type Config struct {
	WarningDuration time.Duration
	Limit           int
}

func (c Config) withDefaults() Config {
	if c.WarningDuration <= 0 {
		c.WarningDuration = DefaultWarningDuration
	}
	if c.Limit < 2 {
		c.Limit = DefaultLimit
	}
	return c
}

// LevelFor maps a violation count onto an escalation level.
func (c Config) LevelFor(count int) Level {
	c = c.withDefaults()
	switch {
	case count <= 0:
		return LevelNone
	case count >= c.Limit:
		return LevelLimitExceeded
	case count == c.Limit-1:
		return LevelFinalWarning
	default:
		return LevelWarning
	}
}

// State is a point-in-time view of the monitor.
type State struct {
	Count            int   `json:"count"`
	FullscreenActive bool  `json:"fullscreenActive"`
	Degraded         bool  `json:"degraded"`
	Warning          Level `json:"warning,omitempty"`
	Stopped          bool  `json:"stopped"`
}

// Monitor tracks one session's violations. Violations are published on the
// session bus; the policy decision on limit_exceeded belongs to the caller.
type Monitor struct {
	bus    *events.Bus
	cfg    Config
	logger *slog.Logger

	mu         sync.Mutex
	count      int
	fullscreen bool
	degraded   bool
	warning    Level
	warnGen    uint64
	timer      *time.Timer
	stopped    bool
}

// NewMonitor creates a monitor publishing on bus. initialCount restores a
// count persisted with the session.
func NewMonitor(bus *events.Bus, cfg Config, initialCount int, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if initialCount < 0 {
		initialCount = 0
	}
	return &Monitor{
		bus:    bus,
		cfg:    cfg.withDefaults(),
		logger: logger,
		count:  initialCount,
	}
}

// Start arms the monitor for a newly connected sensor and reports whether
// the client should be asked to enter fullscreen.
func (m *Monitor) Start() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return false
	}
	return !m.fullscreen && !m.degraded
}

// Observe feeds one sensor signal. It returns the violation it produced, if any.
func (m *Monitor) Observe(ctx context.Context, sig Signal) (events.Violation, bool) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return events.Violation{}, false
	}

	switch sig {
	case SignalFullscreenEntered:
		m.fullscreen = true
		m.degraded = false
		m.mu.Unlock()
		return events.Violation{}, false

	case SignalFullscreenDenied:
		m.fullscreen = false
		m.degraded = true
		m.mu.Unlock()
		m.logger.Warn("[PROCTOR] Fullscreen denied, continuing in degraded mode")
		return events.Violation{}, false

	case SignalVisibilityVisible:
		m.mu.Unlock()
		return events.Violation{}, false

	case SignalFullscreenExit:
		if !m.fullscreen {
			m.mu.Unlock()
			return events.Violation{}, false
		}
		m.fullscreen = false

	case SignalFullscreenExitReported:
		m.fullscreen = false

	case SignalVisibilityHidden:

	default:
		m.mu.Unlock()
		m.logger.Debug("[PROCTOR] Ignoring unknown signal", "signal", sig)
		return events.Violation{}, false
	}

	m.count++
	level := m.cfg.LevelFor(m.count)
	m.warning = level
	m.warnGen++
	gen := m.warnGen
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(m.cfg.WarningDuration, func() { m.clearWarning(gen) })
	v := events.Violation{Count: m.count, Level: string(level), Signal: string(sig)}
	m.mu.Unlock()

	metrics.Violation(string(level))
	m.logger.Info("[PROCTOR] Violation recorded", "count", v.Count, "level", v.Level, "signal", v.Signal)
	if err := m.bus.Publish(ctx, events.Event{Type: events.TypeViolation, Payload: v}); err != nil {
		m.logger.Warn("[PROCTOR] Violation handlers failed", "error", err)
	}
	return v, true
}

func (m *Monitor) clearWarning(gen uint64) {
	m.mu.Lock()
	if m.stopped || gen != m.warnGen || m.warning == LevelNone {
		m.mu.Unlock()
		return
	}
	m.warning = LevelNone
	m.timer = nil
	count := m.count
	m.mu.Unlock()

	if err := m.bus.Publish(context.Background(), events.Event{
		Type:    events.TypeWarningCleared,
		Payload: events.WarningCleared{Count: count},
	}); err != nil {
		m.logger.Debug("[PROCTOR] Warning clear not delivered", "error", err)
	}
}

// State returns the current monitor state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return State{
		Count:            m.count,
		FullscreenActive: m.fullscreen,
		Degraded:         m.degraded,
		Warning:          m.warning,
		Stopped:          m.stopped,
	}
}

// Stop cancels the warning timer and ignores later signals.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	m.warning = LevelNone
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}
