package domain

import "time"

// QuestionType is the widget format of a question or round.
type QuestionType string

const (
	QuestionMCQ        QuestionType = "mcq"
	QuestionTheory     QuestionType = "theory"
	QuestionCoding     QuestionType = "coding"
	QuestionMatch      QuestionType = "match"
	QuestionWhiteboard QuestionType = "whiteboard"
)

// Valid reports whether t is a known question format.
func (t QuestionType) Valid() bool {
	switch t {
	case QuestionMCQ, QuestionTheory, QuestionCoding, QuestionMatch, QuestionWhiteboard:
		return true
	}
	return false
}

// RoundStatus is the per-round lifecycle state.
type RoundStatus string

const (
	RoundPending    RoundStatus = "pending"
	RoundInProgress RoundStatus = "in_progress"
	RoundCompleted  RoundStatus = "completed"
)

// InterviewRound is one topic-scoped segment of a session.
type InterviewRound struct {
	ID          string       `json:"id"`
	Topic       string       `json:"topic"`
	Type        QuestionType `json:"type"`
	Status      RoundStatus  `json:"status"`
	Score       *int         `json:"score,omitempty"`
	MaxScore    *int         `json:"maxScore,omitempty"`
	StartedAt   *time.Time   `json:"startedAt,omitempty"`
	CompletedAt *time.Time   `json:"completedAt,omitempty"`
}

// QuestionAttempt is a single scored question interaction.
// Attempts are immutable except that a Pending placeholder is finalized once.
type QuestionAttempt struct {
	ID         string       `json:"id"`
	Type       QuestionType `json:"type"`
	Topic      string       `json:"topic"`
	Question   string       `json:"question"`
	IsCorrect  bool         `json:"isCorrect"`
	Score      int          `json:"score"`
	MaxScore   int          `json:"maxScore"`
	TimeSpent  int          `json:"timeSpent"`
	Timestamp  time.Time    `json:"timestamp"`
	Difficulty string       `json:"difficulty,omitempty"`
	Pending    bool         `json:"pending,omitempty"`
}
