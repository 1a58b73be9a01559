// Package completion turns widget completion events into score
// contributions and applies them to the session store.
package completion

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ashureev/mockprep/internal/domain"
	"github.com/ashureev/mockprep/internal/events"
	"github.com/ashureev/mockprep/internal/scoring"
)

const (
	// TheoryMaxScore is the ceiling of the agent's theory rating scale.
	TheoryMaxScore = 10
	// TheoryPassThreshold is the lowest rating that counts as correct.
	TheoryPassThreshold = 6
	// SubmissionMaxScore is the value of a code or whiteboard submission.
	SubmissionMaxScore = 10
)

// ErrNotContribution marks events that carry no score (timeouts, proctoring).
var ErrNotContribution = errors.New("event is not a score contribution")

// Kind selects which field of a Contribution is set.
type Kind int

const (
	KindAttempt Kind = iota + 1
	KindBulk
	KindFinalize
)

// Finalize settles a pending submission.
type Finalize struct {
	AttemptID string
	Score     int
	IsCorrect bool
}

// Contribution is the canonical shape handed to the session store.
type Contribution struct {
	Kind     Kind
	Source   events.Type
	Attempt  scoring.Attempt
	Bulk     scoring.Bulk
	Finalize Finalize
}

// Step is the schedule kind this contribution fills, or "" when it does
// not consume a step.
func (c Contribution) Step() domain.QuestionType {
	switch c.Kind {
	case KindAttempt:
		return c.Attempt.Type
	case KindBulk:
		return c.Bulk.Type
	}
	return ""
}

// Normalize maps one event onto a contribution. fallbackTopic fills in the
// topic for producers that do not send one (code and whiteboard widgets).
func Normalize(ev events.Event, fallbackTopic string) (Contribution, error) {
	c := Contribution{Source: ev.Type}

	switch p := ev.Payload.(type) {
	case events.QuizComplete:
		if p.WrongAnswers != 0 && p.CorrectAnswers+p.WrongAnswers != p.TotalQuestions {
			return c, fmt.Errorf("%w: quiz counts %d+%d != %d",
				domain.ErrInvalidInput, p.CorrectAnswers, p.WrongAnswers, p.TotalQuestions)
		}
		c.Kind = KindBulk
		c.Bulk = scoring.Bulk{
			Type:           domain.QuestionMCQ,
			Topic:          p.Topic,
			TotalQuestions: p.TotalQuestions,
			CorrectAnswers: p.CorrectAnswers,
			Difficulty:     p.Difficulty,
			TimeSpent:      p.TimeSpent,
		}

	case events.TheoryScoreRecorded:
		c.Kind = KindAttempt
		c.Attempt = scoring.Attempt{
			Type:       domain.QuestionTheory,
			Topic:      p.Topic,
			Question:   p.Question,
			Score:      p.Score,
			MaxScore:   TheoryMaxScore,
			IsCorrect:  p.Score >= TheoryPassThreshold,
			TimeSpent:  p.TimeSpent,
			Difficulty: p.Difficulty,
		}

	case events.MatchComplete:
		c.Kind = KindBulk
		c.Bulk = scoring.Bulk{
			Type:           domain.QuestionMatch,
			Topic:          p.Topic,
			TotalQuestions: p.TotalQuestions,
			CorrectAnswers: p.Score,
			Difficulty:     p.Difficulty,
			TimeSpent:      p.TimeSpent,
		}

	case events.CodeSubmitted:
		c.Kind = KindAttempt
		c.Attempt = pending(domain.QuestionCoding, p.Topic, fallbackTopic, p.Title, p.Difficulty, p.TimeSpent)

	case events.WhiteboardSubmitted:
		c.Kind = KindAttempt
		c.Attempt = pending(domain.QuestionWhiteboard, p.Topic, fallbackTopic, p.Title, p.Difficulty, p.TimeSpent)

	case events.SubmissionGraded:
		if strings.TrimSpace(p.AttemptID) == "" {
			return c, fmt.Errorf("%w: attemptId is required", domain.ErrInvalidInput)
		}
		c.Kind = KindFinalize
		c.Finalize = Finalize{AttemptID: p.AttemptID, Score: p.Score, IsCorrect: p.IsCorrect}

	case events.TheoryQuestionTimeout, events.FullscreenExitDetected, events.Violation, events.WarningCleared:
		return c, ErrNotContribution

	default:
		return c, fmt.Errorf("%w: unsupported payload %T for %s", domain.ErrInvalidInput, ev.Payload, ev.Type)
	}

	if c.Kind == KindAttempt {
		return c, c.Attempt.Validate()
	}
	if c.Kind == KindBulk {
		return c, c.Bulk.Validate()
	}
	return c, nil
}

func pending(qt domain.QuestionType, topic, fallback, title, difficulty string, timeSpent int) scoring.Attempt {
	if strings.TrimSpace(topic) == "" {
		topic = fallback
	}
	return scoring.Attempt{
		Type:       qt,
		Topic:      topic,
		Question:   title,
		MaxScore:   SubmissionMaxScore,
		TimeSpent:  timeSpent,
		Difficulty: difficulty,
		Pending:    true,
	}
}
