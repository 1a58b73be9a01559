package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(violations.WithLabelValues("final_warning"))
	Violation("final_warning")
	if got := testutil.ToFloat64(violations.WithLabelValues("final_warning")); got != before+1 {
		t.Fatalf("violations = %v, want %v", got, before+1)
	}

	before = testutil.ToFloat64(contributionsDropped.WithLabelValues("quiz-complete", "no_session"))
	ContributionDropped("quiz-complete", "no_session")
	if got := testutil.ToFloat64(contributionsDropped.WithLabelValues("quiz-complete", "no_session")); got != before+1 {
		t.Fatalf("dropped = %v, want %v", got, before+1)
	}
}

func TestMiddlewareUsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Post("/api/session/rounds/{index}/complete", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})

	labels := []string{http.MethodPost, "/api/session/rounds/{index}/complete", "409"}
	before := testutil.ToFloat64(httpRequests.WithLabelValues(labels...))

	req := httptest.NewRequest(http.MethodPost, "/api/session/rounds/3/complete", nil)
	r.ServeHTTP(httptest.NewRecorder(), req)

	if got := testutil.ToFloat64(httpRequests.WithLabelValues(labels...)); got != before+1 {
		t.Fatalf("http_requests_total = %v, want %v", got, before+1)
	}
}

func TestHandlerExposesNamespace(t *testing.T) {
	SessionStarted("practice")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if !strings.Contains(rec.Body.String(), "mockprep_sessions_started_total") {
		t.Fatalf("metrics output missing sessions counter")
	}
}
