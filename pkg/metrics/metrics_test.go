package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/quatton/qbench/pkg/fleet"
)

func TestActiveInstancesGauge(t *testing.T) {
	m := New()
	ctx := context.Background()
	ev := fleet.Event{OrchestrationID: "o", SpecID: "a"}

	for _, p := range []fleet.Phase{fleet.PhaseProvisioning, fleet.PhaseUploading, fleet.PhaseRunning} {
		ev.Phase = p
		m.OnEvent(ctx, ev)
	}
	if got := testutil.ToFloat64(m.activeInstances); got != 1 {
		t.Fatalf("active = %v, want 1", got)
	}

	ev.Phase = fleet.PhaseDone
	m.OnEvent(ctx, ev)
	if got := testutil.ToFloat64(m.activeInstances); got != 0 {
		t.Fatalf("active = %v, want 0", got)
	}

	// An instance rejected before provisioning never counted as active.
	m.OnEvent(ctx, fleet.Event{OrchestrationID: "o", SpecID: "b", Phase: fleet.PhaseFailed})
	if got := testutil.ToFloat64(m.activeInstances); got != 0 {
		t.Fatalf("active = %v after early failure, want 0", got)
	}
	if got := testutil.ToFloat64(m.phaseTransitions.WithLabelValues("running")); got != 1 {
		t.Errorf("running transitions = %v, want 1", got)
	}
}

func TestRunOutcomes(t *testing.T) {
	m := New()
	ctx := context.Background()
	idx := 0
	m.OnEvent(ctx, fleet.Event{Phase: fleet.PhaseRunning, RunIndex: &idx, RunStatus: fleet.RunStatusTimedOut})
	m.OnEvent(ctx, fleet.Event{Phase: fleet.PhaseRunning, RunIndex: &idx, RunStatus: fleet.RunStatusSucceeded})
	m.OnEvent(ctx, fleet.Event{Phase: fleet.PhaseRunning, RunIndex: &idx, RunStatus: fleet.RunStatusSucceeded})

	if got := testutil.ToFloat64(m.runOutcomes.WithLabelValues("succeeded")); got != 2 {
		t.Errorf("succeeded = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.runOutcomes.WithLabelValues("timed_out")); got != 1 {
		t.Errorf("timed_out = %v, want 1", got)
	}
	// Run events are not phase transitions.
	if got := testutil.CollectAndCount(m.phaseTransitions); got != 0 {
		t.Errorf("phase transition series = %d, want 0", got)
	}
}

func TestOnReport(t *testing.T) {
	m := New()
	r := fleet.NewReport("o", "exp")
	start := time.Now().Add(-time.Minute)
	r.Append(fleet.InstanceOutcome{SpecID: "a", Provider: fleet.ProviderEC2, Phase: fleet.PhaseDone, StartedAt: start, FinishedAt: time.Now()})
	r.Append(fleet.InstanceOutcome{SpecID: "b", Provider: fleet.ProviderEC2, Phase: fleet.PhaseFailed, StartedAt: start, FinishedAt: time.Now()})

	if err := m.OnReport(context.Background(), r); err != nil {
		t.Fatal(err)
	}
	if got := testutil.ToFloat64(m.instanceOutcomes.WithLabelValues("ec2", "done")); got != 1 {
		t.Errorf("done = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(m.instanceDuration); got != 1 {
		t.Errorf("duration series = %d, want 1", got)
	}
}

func TestHandlerAndMiddleware(t *testing.T) {
	m := New()
	m.DialRetry()
	m.MarkerCheck(true, nil)

	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/orchestrations/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Handle("/metrics", m.Handler())

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/orchestrations/abc", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		"qbench_dial_retries_total 1",
		`qbench_marker_checks_total{result="present"} 1`,
		`qbench_http_requests_total{method="GET",path="/orchestrations/{id}",status="204"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
