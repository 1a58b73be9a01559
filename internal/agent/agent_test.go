package agent

import (
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/mockprep/internal/domain"
	"github.com/ashureev/mockprep/internal/events"
	"github.com/ashureev/mockprep/internal/sequence"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

func sampleSession() *domain.Session {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	score, maxScore := 8, 10
	return &domain.Session{
		ID:                 "sess-1",
		Mode:               domain.ModePractice,
		UserName:           "Ada",
		SelectedTopics:     []string{"DSA", "SQL"},
		CurrentTopic:       "SQL",
		QuestionsAttempted: 7,
		QuestionsCorrect:   5,
		TotalScore:         5,
		MaxPossibleScore:   17,
		TopicScores: map[string]domain.TopicScore{
			"DSA": {Topic: "DSA", Correct: 4, Total: 5, Percentage: 80},
			"SQL": {Topic: "SQL", Correct: 1, Total: 2, Percentage: 50},
		},
		Attempts: []domain.QuestionAttempt{
			{ID: "a1", Type: domain.QuestionCoding, Topic: "DSA", Question: "Two Sum", MaxScore: 10, Pending: true},
		},
		Rounds: []domain.InterviewRound{
			{ID: "r1", Topic: "DSA", Type: domain.QuestionMCQ, Status: domain.RoundCompleted, Score: &score, MaxScore: &maxScore},
			{ID: "r2", Topic: "SQL", Type: domain.QuestionMCQ, Status: domain.RoundInProgress},
		},
		CurrentRound:    1,
		InterviewStatus: domain.StatusInProgress,
		StepsCompleted:  3,
		StartedAt:       now,
	}
}

func TestBuildContext(t *testing.T) {
	t.Parallel()

	set, err := sequence.Load()
	if err != nil {
		t.Fatalf("load schedules: %v", err)
	}
	s := sampleSession()
	sch, err := set.For(s.Mode)
	if err != nil {
		t.Fatalf("schedule for %s: %v", s.Mode, err)
	}
	next, ok := sch.Expect(s.StepsCompleted)

	got := BuildContext(s, next, ok)
	for _, want := range []string{
		"Mode: practice\n",
		"Candidate: Ada\n",
		"Topics: DSA, SQL\n",
		"Round: 2/2 on SQL\n",
		"Steps: 3/15\n",
		"Next step: mcq\n",
		"Score: 5/17 (29%)\n",
		"Correct: 5 of 7 attempted\n",
		`Awaiting grading: coding "Two Sum" (DSA, id a1)`,
		"Strong topics: DSA\n",
		"Needs work: SQL\n",
		"Focus next on: SQL\n",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("context missing %q\n%s", want, got)
		}
	}
	if strings.Contains(got, "Integrity violations") {
		t.Errorf("practice context should not report violations\n%s", got)
	}
}

func TestBuildContextClosedAndProctored(t *testing.T) {
	t.Parallel()

	s := sampleSession()
	s.Mode = domain.ModeInterview
	s.InterviewStatus = domain.StatusCompleted
	s.EndReason = domain.EndReasonProctoringTerminated
	s.ViolationCount = 4

	got := BuildContext(s, sequence.Step{}, false)
	for _, want := range []string{
		"Status: completed (proctoring_terminated)\n",
		"Next step: none, the session is closed\n",
		"Integrity violations: 4\n",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("context missing %q\n%s", want, got)
		}
	}
	if strings.Contains(got, "Focus next on") {
		t.Errorf("focus topics are practice only\n%s", got)
	}

	if got := BuildContext(nil, sequence.Step{}, false); got != "No active interview session." {
		t.Errorf("nil context = %q", got)
	}
}

func TestDirectives(t *testing.T) {
	t.Parallel()

	now := time.Now()
	s := sampleSession()

	tests := []struct {
		name string
		d    domain.Directive
		kind domain.DirectiveKind
		text string
	}{
		{"warning", ViolationDirective("o", s, events.Violation{Count: 1, Level: "warning"}, now), domain.DirectiveViolation, "violation 1"},
		{"final", ViolationDirective("o", s, events.Violation{Count: 3, Level: "final_warning"}, now), domain.DirectiveViolation, "Final warning"},
		{"limit", ViolationDirective("o", s, events.Violation{Count: 4, Level: "limit_exceeded"}, now), domain.DirectiveViolation, "interview is over"},
		{"timeout", TimeoutDirective("o", s, events.TheoryQuestionTimeout{Topic: "OS", Question: "What is a page?"}, now), domain.DirectiveTimeout, `"What is a page?"`},
		{"mismatch", MismatchDirective("o", s, sequence.Step{Kinds: []domain.QuestionType{domain.QuestionMCQ}}, true, domain.QuestionTheory, now), domain.DirectiveStepMismatch, "expected mcq"},
		{"terminate", TerminateDirective("o", s, domain.EndReasonProctoringTerminated, now), domain.DirectiveTerminate, "integrity violations"},
		{"round", RoundCompleteDirective("o", s, 0, now), domain.DirectiveRoundComplete, "Round 1 on DSA is complete with 8/10. Move on to SQL."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if tt.d.Kind != tt.kind || tt.d.SessionID != "sess-1" || tt.d.Owner != "o" {
				t.Fatalf("directive = %+v", tt.d)
			}
			if !strings.Contains(tt.d.Text, tt.text) {
				t.Fatalf("text %q does not contain %q", tt.d.Text, tt.text)
			}
			if _, err := directiveStruct(tt.d); err != nil {
				t.Fatalf("directiveStruct: %v", err)
			}
		})
	}
}

type directiveSink interface {
	Push(context.Context, *structpb.Struct) (*emptypb.Empty, error)
}

type recordingSink struct {
	mu   sync.Mutex
	got  []*structpb.Struct
	fail bool
}

func (s *recordingSink) Push(_ context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return nil, status.Error(codes.Unavailable, "agent busy")
	}
	s.got = append(s.got, in)
	return &emptypb.Empty{}, nil
}

var directiveServiceDesc = grpc.ServiceDesc{
	ServiceName: "interview.agent.v1.AgentDirectives",
	HandlerType: (*directiveSink)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "Push",
		Handler: func(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			return srv.(directiveSink).Push(ctx, in)
		},
	}},
}

func newBufconnNotifier(t *testing.T, sink *recordingSink) *GrpcNotifier {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	srv.RegisterService(&directiveServiceDesc, sink)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	cfg := DefaultGrpcConfig("passthrough:///bufnet")
	n, err := NewGrpcNotifier(cfg, nil, grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	if err != nil {
		t.Fatalf("NewGrpcNotifier: %v", err)
	}
	t.Cleanup(n.Close)
	return n
}

func TestGrpcNotifierPush(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	n := newBufconnNotifier(t, sink)

	d := ViolationDirective("anon_x:tab", sampleSession(), events.Violation{Count: 2, Level: "warning", Signal: "visibility-hidden"}, time.Now())
	if err := n.Push(context.Background(), d); err != nil {
		t.Fatalf("Push: %v", err)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.got) != 1 {
		t.Fatalf("received %d directives", len(sink.got))
	}
	fields := sink.got[0].AsMap()
	if fields["kind"] != "violation" || fields["sessionId"] != "sess-1" || fields["owner"] != "anon_x:tab" {
		t.Fatalf("fields = %v", fields)
	}
	meta, ok := fields["meta"].(map[string]any)
	if !ok || meta["count"] != float64(2) || meta["signal"] != "visibility-hidden" {
		t.Fatalf("meta = %v", fields["meta"])
	}
}

func TestGrpcNotifierPushError(t *testing.T) {
	t.Parallel()

	n := newBufconnNotifier(t, &recordingSink{fail: true})
	err := n.Push(context.Background(), TerminateDirective("o", nil, domain.EndReasonProctoringTerminated, time.Now()))
	if status.Code(err) != codes.Unavailable {
		t.Fatalf("Push err = %v, want Unavailable", err)
	}
}

func TestNewGrpcNotifierRequiresAddress(t *testing.T) {
	t.Parallel()

	if _, err := NewGrpcNotifier(GrpcConfig{}, nil); err == nil {
		t.Fatal("expected error without address")
	}
	if err := (NopNotifier{}).Push(context.Background(), domain.Directive{}); err != nil {
		t.Fatalf("NopNotifier.Push = %v", err)
	}
}
