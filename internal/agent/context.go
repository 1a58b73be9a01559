// Package agent bridges the interview engine and the external dialogue
// agent: it renders the session context the agent reads and pushes
// directives the agent must act on.
package agent

import (
	"fmt"
	"strings"

	"github.com/ashureev/mockprep/internal/domain"
	"github.com/ashureev/mockprep/internal/scoring"
	"github.com/ashureev/mockprep/internal/sequence"
)

// BuildContext renders the plain-text session summary handed to the agent.
// next is the schedule step the agent should ask for; hasNext is false once
// the schedule is exhausted.
func BuildContext(s *domain.Session, next sequence.Step, hasNext bool) string {
	if s == nil {
		return "No active interview session."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Mode: %s\n", s.Mode)
	fmt.Fprintf(&b, "Candidate: %s\n", s.UserName)
	fmt.Fprintf(&b, "Topics: %s\n", strings.Join(s.SelectedTopics, ", "))
	fmt.Fprintf(&b, "Status: %s", s.InterviewStatus)
	if s.EndReason != domain.EndReasonNone {
		fmt.Fprintf(&b, " (%s)", s.EndReason)
	}
	b.WriteString("\n")

	if n := len(s.Rounds); n > 0 {
		round := min(s.CurrentRound+1, n)
		fmt.Fprintf(&b, "Round: %d/%d", round, n)
		if s.CurrentTopic != "" {
			fmt.Fprintf(&b, " on %s", s.CurrentTopic)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "Steps: %d/%d\n", s.StepsCompleted, sequence.StepsPerMode)
	switch {
	case !s.AcceptsContributions():
		b.WriteString("Next step: none, the session is closed\n")
	case hasNext && next.Summary:
		b.WriteString("Next step: summary, wrap up and present the results\n")
	case hasNext:
		fmt.Fprintf(&b, "Next step: %s\n", next)
	default:
		b.WriteString("Next step: summary\n")
	}

	fmt.Fprintf(&b, "Score: %d/%d (%d%%)\n", s.TotalScore, s.MaxPossibleScore, scoring.Percent(s.TotalScore, s.MaxPossibleScore))
	fmt.Fprintf(&b, "Correct: %d of %d attempted\n", s.QuestionsCorrect, s.QuestionsAttempted)
	if s.AverageTimePerQuestion > 0 {
		fmt.Fprintf(&b, "Average time per question: %ds\n", s.AverageTimePerQuestion)
	}

	var pending []string
	for _, a := range s.Attempts {
		if a.Pending {
			pending = append(pending, fmt.Sprintf("%s %q (%s, id %s)", a.Type, a.Question, a.Topic, a.ID))
		}
	}
	if len(pending) > 0 {
		fmt.Fprintf(&b, "Awaiting grading: %s\n", strings.Join(pending, "; "))
	}

	analysis := scoring.Analyze(s.TopicScores)
	writeBand(&b, "Strong topics", analysis.Strong)
	writeBand(&b, "Weak topics", analysis.Weak)
	writeBand(&b, "Needs work", analysis.NeedsWork)
	if s.Mode == domain.ModePractice {
		writeBand(&b, "Focus next on", scoring.FocusTopics(analysis))
	}

	if s.Mode.Proctored() {
		fmt.Fprintf(&b, "Integrity violations: %d\n", s.ViolationCount)
	}
	return b.String()
}

func writeBand(b *strings.Builder, label string, topics []string) {
	if len(topics) == 0 {
		return
	}
	fmt.Fprintf(b, "%s: %s\n", label, strings.Join(topics, ", "))
}
