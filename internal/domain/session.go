// Package domain contains core domain types for the interview engine.
package domain

import (
	"slices"
	"time"
)

// Mode selects the interview flavour and its step schedule.
type Mode string

const (
	ModePractice  Mode = "practice"
	ModeTest      Mode = "test"
	ModeInterview Mode = "interview"
)

// Valid reports whether m is one of the known modes.
func (m Mode) Valid() bool {
	switch m {
	case ModePractice, ModeTest, ModeInterview:
		return true
	}
	return false
}

// Proctored reports whether integrity monitoring is enforced for the mode.
func (m Mode) Proctored() bool {
	return m == ModeInterview
}

// InterviewStatus is the session-level lifecycle state.
type InterviewStatus string

const (
	StatusNotStarted   InterviewStatus = "not_started"
	StatusIntroduction InterviewStatus = "introduction"
	StatusInProgress   InterviewStatus = "in_progress"
	StatusCompleted    InterviewStatus = "completed"
	StatusReview       InterviewStatus = "review"
)

// Terminal reports whether the session no longer accepts contributions.
func (s InterviewStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusReview
}

// EndReason records why a session reached a terminal state.
type EndReason string

const (
	EndReasonNone                 EndReason = ""
	EndReasonRoundsCompleted      EndReason = "rounds_completed"
	EndReasonStepsCompleted       EndReason = "steps_completed"
	EndReasonProctoringTerminated EndReason = "proctoring_terminated"
)

// TopicScore is the running per-topic tally.
type TopicScore struct {
	Topic         string    `json:"topic"`
	Correct       int       `json:"correct"`
	Total         int       `json:"total"`
	Percentage    int       `json:"percentage"`
	LastAttempted time.Time `json:"lastAttempted"`
}

// Session is one interview attempt and its score ledger.
type Session struct {
	ID             string   `json:"id"`
	Mode           Mode     `json:"mode"`
	UserName       string   `json:"userName"`
	SelectedTopics []string `json:"selectedTopics"`
	CurrentTopic   string   `json:"currentTopic,omitempty"`

	QuestionsAttempted     int `json:"questionsAttempted"`
	QuestionsCorrect       int `json:"questionsCorrect"`
	TotalScore             int `json:"totalScore"`
	MaxPossibleScore       int `json:"maxPossibleScore"`
	AverageTimePerQuestion int `json:"averageTimePerQuestion"`

	TopicScores map[string]TopicScore `json:"topicScores"`
	Attempts    []QuestionAttempt     `json:"attempts"`
	Rounds      []InterviewRound      `json:"rounds"`

	CurrentRound    int             `json:"currentRound"`
	InterviewStatus InterviewStatus `json:"interviewStatus"`
	StepsCompleted  int             `json:"stepsCompleted"`
	ViolationCount  int             `json:"violationCount"`
	EndReason       EndReason       `json:"endReason,omitempty"`

	StartedAt      time.Time `json:"startedAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Touch refreshes the activity timestamps. Every mutation calls it.
func (s *Session) Touch(now time.Time) {
	s.LastActivityAt = now
	s.UpdatedAt = now
}

// Clone returns a deep copy so callers can fold changes without aliasing.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.SelectedTopics = slices.Clone(s.SelectedTopics)
	c.Attempts = slices.Clone(s.Attempts)
	c.Rounds = slices.Clone(s.Rounds)
	c.TopicScores = make(map[string]TopicScore, len(s.TopicScores))
	for k, v := range s.TopicScores {
		c.TopicScores[k] = v
	}
	return &c
}

// AcceptsContributions reports whether scores may still be recorded.
func (s *Session) AcceptsContributions() bool {
	return s.InterviewStatus == StatusIntroduction || s.InterviewStatus == StatusInProgress
}

// ActiveRound returns the round at CurrentRound, or nil when all rounds are done.
func (s *Session) ActiveRound() *InterviewRound {
	if s.CurrentRound < 0 || s.CurrentRound >= len(s.Rounds) {
		return nil
	}
	return &s.Rounds[s.CurrentRound]
}

// FindAttempt returns the index of the attempt with the given id, or -1.
func (s *Session) FindAttempt(id string) int {
	return slices.IndexFunc(s.Attempts, func(a QuestionAttempt) bool { return a.ID == id })
}
