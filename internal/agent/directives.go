package agent

import (
	"fmt"
	"time"

	"github.com/ashureev/mockprep/internal/domain"
	"github.com/ashureev/mockprep/internal/events"
	"github.com/ashureev/mockprep/internal/proctor"
	"github.com/ashureev/mockprep/internal/sequence"
)

// Meta values must stay scalar so the directive converts to a protobuf Struct.
func newDirective(kind domain.DirectiveKind, owner string, s *domain.Session, text string, meta map[string]any, now time.Time) domain.Directive {
	d := domain.Directive{
		Kind:      kind,
		Owner:     owner,
		Text:      text,
		Meta:      meta,
		Timestamp: now,
	}
	if s != nil {
		d.SessionID = s.ID
	}
	return d
}

// ViolationDirective tells the agent how to react to an integrity violation.
func ViolationDirective(owner string, s *domain.Session, v events.Violation, now time.Time) domain.Directive {
	var text string
	switch v.Level {
	case string(proctor.LevelFinalWarning):
		text = fmt.Sprintf("Final warning: the candidate left the interview window again (violation %d). "+
			"Tell them one more violation will end the interview.", v.Count)
	case string(proctor.LevelLimitExceeded):
		text = fmt.Sprintf("The candidate reached %d integrity violations. The interview is over.", v.Count)
	default:
		text = fmt.Sprintf("The candidate left the interview window (violation %d). "+
			"Ask them to stay in fullscreen and keep this tab focused.", v.Count)
	}
	return newDirective(domain.DirectiveViolation, owner, s, text, map[string]any{
		"count":  v.Count,
		"level":  v.Level,
		"signal": v.Signal,
	}, now)
}

// TimeoutDirective reports that a timed theory question ran out.
func TimeoutDirective(owner string, s *domain.Session, t events.TheoryQuestionTimeout, now time.Time) domain.Directive {
	text := fmt.Sprintf("Time is up on the current %s question. Acknowledge it briefly and move to the next step.", t.Topic)
	if t.Question != "" {
		text = fmt.Sprintf("Time is up on %q (%s). Acknowledge it briefly and move to the next step.", t.Question, t.Topic)
	}
	return newDirective(domain.DirectiveTimeout, owner, s, text, map[string]any{
		"topic":     t.Topic,
		"timeLimit": t.TimeLimit,
	}, now)
}

// MismatchDirective reports a contribution that did not fit the schedule.
func MismatchDirective(owner string, s *domain.Session, expected sequence.Step, hasExpected bool, got domain.QuestionType, now time.Time) domain.Directive {
	want := "none"
	if hasExpected {
		want = expected.String()
	}
	text := fmt.Sprintf("A %s result arrived where the schedule expected %s. It was scored; "+
		"steer the next question back onto the schedule.", got, want)
	return newDirective(domain.DirectiveStepMismatch, owner, s, text, map[string]any{
		"expected": want,
		"got":      string(got),
	}, now)
}

// TerminateDirective tells the agent the session ended early.
func TerminateDirective(owner string, s *domain.Session, reason domain.EndReason, now time.Time) domain.Directive {
	text := "The interview has ended. Thank the candidate and stop asking questions."
	if reason == domain.EndReasonProctoringTerminated {
		text = "The interview was terminated after repeated integrity violations. " +
			"Inform the candidate politely and stop asking questions."
	}
	return newDirective(domain.DirectiveTerminate, owner, s, text, map[string]any{
		"reason": string(reason),
	}, now)
}

// RoundCompleteDirective announces a finished round and what comes next.
func RoundCompleteDirective(owner string, s *domain.Session, index int, now time.Time) domain.Directive {
	meta := map[string]any{"round": index}
	text := fmt.Sprintf("Round %d is complete.", index+1)
	if s != nil && index >= 0 && index < len(s.Rounds) {
		r := s.Rounds[index]
		meta["topic"] = r.Topic
		if r.Score != nil && r.MaxScore != nil {
			meta["score"] = *r.Score
			meta["maxScore"] = *r.MaxScore
			text = fmt.Sprintf("Round %d on %s is complete with %d/%d.", index+1, r.Topic, *r.Score, *r.MaxScore)
		}
		if s.CurrentTopic != "" {
			text += fmt.Sprintf(" Move on to %s.", s.CurrentTopic)
		} else {
			text += " All rounds are done; present the summary."
		}
	}
	return newDirective(domain.DirectiveRoundComplete, owner, s, text, meta, now)
}
