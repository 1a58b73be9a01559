package domain

import "time"

// DirectiveKind categorizes messages addressed to the dialogue agent.
type DirectiveKind string

const (
	DirectiveViolation     DirectiveKind = "violation"
	DirectiveTimeout       DirectiveKind = "timeout"
	DirectiveStepMismatch  DirectiveKind = "step_mismatch"
	DirectiveTerminate     DirectiveKind = "terminate"
	DirectiveRoundComplete DirectiveKind = "round_complete"
)

// Directive is an instruction for the generative agent, synthesized from
// proctoring and timer signals. Text is natural language the agent can relay.
type Directive struct {
	Kind      DirectiveKind  `json:"kind"`
	SessionID string         `json:"sessionId"`
	Owner     string         `json:"-"`
	Text      string         `json:"text"`
	Meta      map[string]any `json:"meta,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
