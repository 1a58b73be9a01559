// Package events defines the typed messages exchanged inside one session
// runtime and the session-scoped bus that carries them.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Type tags an event on the wire.
type Type string

// Widget completion and timeout events.
const (
	TypeQuizComplete           Type = "quiz-complete"
	TypeTheoryScoreRecorded    Type = "theory-score-recorded"
	TypeMatchComplete          Type = "match-complete"
	TypeCodeSubmitted          Type = "code-submitted"
	TypeWhiteboardSubmitted    Type = "whiteboard-submitted"
	TypeSubmissionGraded       Type = "submission-graded"
	TypeTheoryQuestionTimeout  Type = "theory-question-timeout"
	TypeFullscreenExitDetected Type = "fullscreen-exit-detected"
)

// Events raised inside the engine.
const (
	TypeViolation      Type = "proctor-violation"
	TypeWarningCleared Type = "proctor-warning-cleared"
)

var ErrUnknownType = errors.New("unknown event type")

// Event is one message on the bus. Payload holds the struct matching Type.
type Event struct {
	Type    Type
	Payload any
	At      time.Time
}

// QuizComplete reports a finished multi-question quiz widget.
// WrongAnswers and Percentage are advisory.
type QuizComplete struct {
	Topic          string `json:"topic"`
	TotalQuestions int    `json:"totalQuestions"`
	CorrectAnswers int    `json:"correctAnswers"`
	WrongAnswers   int    `json:"wrongAnswers"`
	Percentage     int    `json:"percentage"`
	Difficulty     string `json:"difficulty"`
	TimeSpent      int    `json:"timeSpent"`
}

// TheoryScoreRecorded reports the agent's rating of one open theory answer.
type TheoryScoreRecorded struct {
	Topic      string `json:"topic"`
	Question   string `json:"question"`
	Score      int    `json:"score"`
	MaxScore   int    `json:"maxScore"`
	IsCorrect  bool   `json:"isCorrect"`
	TimeSpent  int    `json:"timeSpent"`
	Difficulty string `json:"difficulty"`
}

// MatchComplete reports a finished matching exercise. Score is the number
// of pairs matched correctly.
type MatchComplete struct {
	Topic          string `json:"topic"`
	Score          int    `json:"score"`
	TotalQuestions int    `json:"totalQuestions"`
	Percentage     int    `json:"percentage"`
	IsCorrect      bool   `json:"isCorrect"`
	TimeSpent      int    `json:"timeSpent"`
	Difficulty     string `json:"difficulty"`
}

// CodeSubmitted is sent when the learner submits code for grading.
type CodeSubmitted struct {
	Title      string `json:"title"`
	Language   string `json:"language"`
	Topic      string `json:"topic"`
	Difficulty string `json:"difficulty"`
	TimeSpent  int    `json:"timeSpent"`
}

// WhiteboardSubmitted is sent when a diagram is handed in for grading.
type WhiteboardSubmitted struct {
	Title      string `json:"title"`
	Topic      string `json:"topic"`
	Difficulty string `json:"difficulty"`
	TimeSpent  int    `json:"timeSpent"`
}

// SubmissionGraded carries the agent's grade for a pending submission.
type SubmissionGraded struct {
	AttemptID string `json:"attemptId"`
	Score     int    `json:"score"`
	IsCorrect bool   `json:"isCorrect"`
	Feedback  string `json:"feedback,omitempty"`
}

type TheoryQuestionTimeout struct {
	Topic     string `json:"topic"`
	Question  string `json:"question"`
	TimeLimit int    `json:"timeLimit"`
}

type FullscreenExitDetected struct{}

// Violation is published by the proctoring monitor for every counted violation.
type Violation struct {
	Count  int    `json:"count"`
	Level  string `json:"level"`
	Signal string `json:"signal"`
}

// WarningCleared is published when a warning's display time elapses.
type WarningCleared struct {
	Count int `json:"count"`
}

type envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Decode parses a {type, payload} envelope into a typed Event.
func Decode(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Event{}, fmt.Errorf("decode event envelope: %w", err)
	}
	return DecodePayload(env.Type, env.Payload)
}

// DecodePayload decodes payload according to t.
func DecodePayload(t Type, payload json.RawMessage) (Event, error) {
	var target any
	switch t {
	case TypeQuizComplete:
		target = &QuizComplete{}
	case TypeTheoryScoreRecorded:
		target = &TheoryScoreRecorded{}
	case TypeMatchComplete:
		target = &MatchComplete{}
	case TypeCodeSubmitted:
		target = &CodeSubmitted{}
	case TypeWhiteboardSubmitted:
		target = &WhiteboardSubmitted{}
	case TypeSubmissionGraded:
		target = &SubmissionGraded{}
	case TypeTheoryQuestionTimeout:
		target = &TheoryQuestionTimeout{}
	case TypeFullscreenExitDetected:
		return Event{Type: t, Payload: FullscreenExitDetected{}}, nil
	default:
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}

	if len(payload) == 0 || string(payload) == "null" {
		return Event{}, fmt.Errorf("event %s: payload is required", t)
	}
	if err := json.Unmarshal(payload, target); err != nil {
		return Event{}, fmt.Errorf("decode %s payload: %w", t, err)
	}
	return Event{Type: t, Payload: deref(target)}, nil
}

func deref(v any) any {
	switch p := v.(type) {
	case *QuizComplete:
		return *p
	case *TheoryScoreRecorded:
		return *p
	case *MatchComplete:
		return *p
	case *CodeSubmitted:
		return *p
	case *WhiteboardSubmitted:
		return *p
	case *SubmissionGraded:
		return *p
	case *TheoryQuestionTimeout:
		return *p
	}
	return v
}
