// Package scoring folds completed-question results into session totals and
// classifies per-topic performance.
package scoring

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ashureev/mockprep/internal/domain"
	"github.com/google/uuid"
)

// Attempt is the single-question contribution shape.
type Attempt struct {
	Type       domain.QuestionType
	Topic      string
	Question   string
	IsCorrect  bool
	Score      int
	MaxScore   int
	TimeSpent  int
	Difficulty string
	// Pending marks a placeholder recorded before the agent's grade arrives.
	Pending bool
}

// Bulk is the aggregated multi-question contribution shape (quiz, matching).
type Bulk struct {
	Type           domain.QuestionType
	Topic          string
	TotalQuestions int
	CorrectAnswers int
	Difficulty     string
	TimeSpent      int
}

// Validate checks the attempt can be folded without breaking score invariants.
func (a Attempt) Validate() error {
	switch {
	case strings.TrimSpace(a.Topic) == "":
		return fmt.Errorf("%w: attempt topic is required", domain.ErrInvalidInput)
	case a.MaxScore < 1:
		return fmt.Errorf("%w: maxScore must be >= 1, got %d", domain.ErrInvalidInput, a.MaxScore)
	case a.Score < 0 || a.Score > a.MaxScore:
		return fmt.Errorf("%w: score %d outside [0, %d]", domain.ErrInvalidInput, a.Score, a.MaxScore)
	case a.TimeSpent < 0:
		return fmt.Errorf("%w: timeSpent must be >= 0", domain.ErrInvalidInput)
	case a.Pending && (a.Score != 0 || a.IsCorrect):
		return fmt.Errorf("%w: pending attempt must start at zero", domain.ErrInvalidInput)
	}
	return nil
}

// Validate checks the bulk record is internally consistent.
func (b Bulk) Validate() error {
	switch {
	case strings.TrimSpace(b.Topic) == "":
		return fmt.Errorf("%w: bulk topic is required", domain.ErrInvalidInput)
	case b.TotalQuestions < 1:
		return fmt.Errorf("%w: totalQuestions must be >= 1, got %d", domain.ErrInvalidInput, b.TotalQuestions)
	case b.CorrectAnswers < 0 || b.CorrectAnswers > b.TotalQuestions:
		return fmt.Errorf("%w: correctAnswers %d outside [0, %d]", domain.ErrInvalidInput, b.CorrectAnswers, b.TotalQuestions)
	case b.TimeSpent < 0:
		return fmt.Errorf("%w: timeSpent must be >= 0", domain.ErrInvalidInput)
	}
	return nil
}

// ApplyAttempt returns a copy of s with one attempt appended and every
// counter, the topic tally and the average time recomputed.
func ApplyAttempt(s *domain.Session, a Attempt, now time.Time) (*domain.Session, domain.QuestionAttempt, error) {
	if s == nil {
		return nil, domain.QuestionAttempt{}, domain.ErrNoActiveSession
	}
	if err := a.Validate(); err != nil {
		return nil, domain.QuestionAttempt{}, err
	}

	next := s.Clone()
	rec := domain.QuestionAttempt{
		ID:         uuid.NewString(),
		Type:       a.Type,
		Topic:      a.Topic,
		Question:   a.Question,
		IsCorrect:  a.IsCorrect,
		Score:      a.Score,
		MaxScore:   a.MaxScore,
		TimeSpent:  a.TimeSpent,
		Timestamp:  now,
		Difficulty: a.Difficulty,
		Pending:    a.Pending,
	}
	next.Attempts = append(next.Attempts, rec)

	next.QuestionsAttempted++
	correct := 0
	if a.IsCorrect {
		correct = 1
		next.QuestionsCorrect++
	}
	next.TotalScore += a.Score
	next.MaxPossibleScore += a.MaxScore
	next.TopicScores[a.Topic] = MergeTopic(next.TopicScores[a.Topic], a.Topic, correct, 1, now)
	next.AverageTimePerQuestion = averageTime(next.Attempts)
	next.Touch(now)

	return next, rec, nil
}

// ApplyBulk returns a copy of s with a quiz-level record merged in. No
// individual attempts are appended, so Attempts is not a complete audit trail.
func ApplyBulk(s *domain.Session, b Bulk, now time.Time) (*domain.Session, error) {
	if s == nil {
		return nil, domain.ErrNoActiveSession
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}

	next := s.Clone()
	next.QuestionsAttempted += b.TotalQuestions
	next.QuestionsCorrect += b.CorrectAnswers
	next.TotalScore += b.CorrectAnswers
	next.MaxPossibleScore += b.TotalQuestions
	next.TopicScores[b.Topic] = MergeTopic(next.TopicScores[b.Topic], b.Topic, b.CorrectAnswers, b.TotalQuestions, now)
	next.Touch(now)

	return next, nil
}

// FinalizePending settles a placeholder attempt with the agent's grade.
// The placeholder already counted toward QuestionsAttempted and
// MaxPossibleScore, so only the earned part is added and nothing decreases.
func FinalizePending(s *domain.Session, attemptID string, score int, isCorrect bool, now time.Time) (*domain.Session, domain.QuestionAttempt, error) {
	if s == nil {
		return nil, domain.QuestionAttempt{}, domain.ErrNoActiveSession
	}
	idx := s.FindAttempt(attemptID)
	if idx < 0 || !s.Attempts[idx].Pending {
		return nil, domain.QuestionAttempt{}, fmt.Errorf("%w: %s", domain.ErrAttemptNotPending, attemptID)
	}
	if score < 0 || score > s.Attempts[idx].MaxScore {
		return nil, domain.QuestionAttempt{}, fmt.Errorf("%w: score %d outside [0, %d]", domain.ErrInvalidInput, score, s.Attempts[idx].MaxScore)
	}

	next := s.Clone()
	rec := next.Attempts[idx]
	rec.Pending = false
	rec.Score = score
	rec.IsCorrect = isCorrect
	next.Attempts[idx] = rec

	next.TotalScore += score
	correct := 0
	if isCorrect {
		correct = 1
		next.QuestionsCorrect++
	}
	next.TopicScores[rec.Topic] = MergeTopic(next.TopicScores[rec.Topic], rec.Topic, correct, 0, now)
	next.Touch(now)

	return next, rec, nil
}

// MergeTopic adds a contribution to an existing topic tally and recomputes
// the rounded percentage. A zero-valued existing tally is a fresh topic.
func MergeTopic(existing domain.TopicScore, topic string, correct, total int, now time.Time) domain.TopicScore {
	merged := domain.TopicScore{
		Topic:         topic,
		Correct:       existing.Correct + correct,
		Total:         existing.Total + total,
		LastAttempted: now,
	}
	if merged.Total > 0 {
		merged.Percentage = Percent(merged.Correct, merged.Total)
	}
	return merged
}

// Percent returns round(100*part/whole), rounding half away from zero.
func Percent(part, whole int) int {
	if whole <= 0 {
		return 0
	}
	return int(math.Round(100 * float64(part) / float64(whole)))
}

func averageTime(attempts []domain.QuestionAttempt) int {
	if len(attempts) == 0 {
		return 0
	}
	sum := 0
	for _, a := range attempts {
		sum += a.TimeSpent
	}
	return int(math.Round(float64(sum) / float64(len(attempts))))
}
