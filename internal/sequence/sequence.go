// Package sequence holds the fixed step schedule every mode must follow.
// The engine does not pick questions; it only checks that the stream of
// completed widgets lines up with the schedule and reports drift.
package sequence

import (
	_ "embed"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/ashureev/mockprep/internal/domain"
	"gopkg.in/yaml.v3"
)

// StepsPerMode is the schedule length for every mode, summary included.
const StepsPerMode = 15

const summaryKind = "summary"

var (
	ErrStepMismatch      = errors.New("step does not match schedule")
	ErrScheduleExhausted = errors.New("schedule has no question steps left")
	ErrUnknownMode       = errors.New("no schedule for mode")
)

//go:embed schedules.yaml
var schedulesYAML []byte

// Step is one position in a schedule. A question step allows one or more
// widget formats; the final step is the score summary.
type Step struct {
	Kinds   []domain.QuestionType
	Summary bool
}

// Allows reports whether a widget of kind k may fill this step.
func (s Step) Allows(k domain.QuestionType) bool {
	return slices.Contains(s.Kinds, k)
}

func (s Step) String() string {
	if s.Summary {
		return summaryKind
	}
	parts := make([]string, len(s.Kinds))
	for i, k := range s.Kinds {
		parts[i] = string(k)
	}
	return strings.Join(parts, "|")
}

// Schedule is the ordered step list for one mode.
type Schedule struct {
	Mode  domain.Mode
	Steps []Step
}

// QuestionSteps is the number of steps that expect a contribution.
func (s *Schedule) QuestionSteps() int {
	n := 0
	for _, st := range s.Steps {
		if !st.Summary {
			n++
		}
	}
	return n
}

// Expect returns the step at position, or false past the end.
func (s *Schedule) Expect(position int) (Step, bool) {
	if position < 0 || position >= len(s.Steps) {
		return Step{}, false
	}
	return s.Steps[position], true
}

// Check validates that a contribution of kind fits the step at position.
func (s *Schedule) Check(position int, kind domain.QuestionType) error {
	if position >= s.QuestionSteps() {
		return fmt.Errorf("%w: position %d in %s", ErrScheduleExhausted, position, s.Mode)
	}
	step, ok := s.Expect(position)
	if !ok {
		return fmt.Errorf("%w: position %d", ErrScheduleExhausted, position)
	}
	if !step.Allows(kind) {
		return fmt.Errorf("%w: step %d expects %s, got %s", ErrStepMismatch, position+1, step, kind)
	}
	return nil
}

// Set maps each mode to its schedule.
type Set map[domain.Mode]*Schedule

// For returns the schedule for mode.
func (s Set) For(mode domain.Mode) (*Schedule, error) {
	sch, ok := s[mode]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMode, mode)
	}
	return sch, nil
}

// Load parses the embedded schedules.
func Load() (Set, error) {
	return Parse(schedulesYAML)
}

// Parse decodes and validates schedules from YAML of the form
// mode: [kind, kind|kind, ..., summary].
func Parse(data []byte) (Set, error) {
	var raw map[string][]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse schedules: %w", err)
	}

	set := make(Set, len(raw))
	for name, steps := range raw {
		mode := domain.Mode(name)
		if !mode.Valid() {
			return nil, fmt.Errorf("unknown mode %q in schedules", name)
		}
		sch, err := parseSchedule(mode, steps)
		if err != nil {
			return nil, err
		}
		set[mode] = sch
	}

	for _, mode := range []domain.Mode{domain.ModePractice, domain.ModeTest, domain.ModeInterview} {
		if _, ok := set[mode]; !ok {
			return nil, fmt.Errorf("schedules missing mode %s", mode)
		}
	}
	return set, nil
}

func parseSchedule(mode domain.Mode, raw []string) (*Schedule, error) {
	if len(raw) != StepsPerMode {
		return nil, fmt.Errorf("mode %s has %d steps, want %d", mode, len(raw), StepsPerMode)
	}

	sch := &Schedule{Mode: mode, Steps: make([]Step, 0, len(raw))}
	for i, entry := range raw {
		entry = strings.TrimSpace(entry)
		last := i == len(raw)-1

		if entry == summaryKind {
			if !last {
				return nil, fmt.Errorf("mode %s: summary at step %d, only allowed last", mode, i+1)
			}
			sch.Steps = append(sch.Steps, Step{Summary: true})
			continue
		}
		if last {
			return nil, fmt.Errorf("mode %s: last step is %q, want summary", mode, entry)
		}

		var step Step
		for _, k := range strings.Split(entry, "|") {
			kind := domain.QuestionType(strings.TrimSpace(k))
			if !kind.Valid() {
				return nil, fmt.Errorf("mode %s: unknown kind %q at step %d", mode, k, i+1)
			}
			step.Kinds = append(step.Kinds, kind)
		}
		sch.Steps = append(sch.Steps, step)
	}
	return sch, nil
}
