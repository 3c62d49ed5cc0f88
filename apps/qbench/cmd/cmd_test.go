package cmd

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/quatton/qbench/pkg/fleet"
	"github.com/quatton/qbench/pkg/qerr"
)

func TestSelectSpecs(t *testing.T) {
	specs := []fleet.InstanceSpec{{ID: "a"}, {ID: "b"}, {ID: "c"}}

	all, err := selectSpecs(specs, nil)
	if err != nil || len(all) != 3 {
		t.Fatalf("selectSpecs(nil) = %d specs, %v", len(all), err)
	}

	got, err := selectSpecs(specs, []string{"c", "a"})
	if err != nil {
		t.Fatalf("selectSpecs: %v", err)
	}
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "c" {
		t.Errorf("selection should keep declaration order, got %+v", got)
	}

	if _, err := selectSpecs(specs, []string{"missing"}); err == nil {
		t.Error("expected error for unknown instance")
	}
}

func TestProviderKinds(t *testing.T) {
	specs := []fleet.InstanceSpec{
		{Provider: fleet.ProviderKubernetes},
		{Provider: fleet.ProviderEC2},
		{Provider: fleet.ProviderKubernetes},
	}
	kinds := providerKinds(specs)
	if len(kinds) != 2 || kinds[0] != fleet.ProviderKubernetes || kinds[1] != fleet.ProviderEC2 {
		t.Errorf("providerKinds = %v", kinds)
	}
}

func TestNewLogger(t *testing.T) {
	for _, format := range []string{"", "text", "json"} {
		if _, err := newLogger(false, false, format); err != nil {
			t.Errorf("newLogger(%q): %v", format, err)
		}
	}
	if _, err := newLogger(false, false, "xml"); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestExitCode(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{errInstancesFailed, 1},
		{qerr.Errorf(qerr.CodeInvalidSpec, "bad"), 3},
		{qerr.New(qerr.CodeCancelled, errors.New("interrupted")), 130},
		{errors.New("boom"), 1},
	}
	for _, tc := range cases {
		if got := exitCode(tc.err); got != tc.want {
			t.Errorf("exitCode(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestPrintReport(t *testing.T) {
	r := fleet.NewReport("orch-1", "demo")
	r.Append(fleet.InstanceOutcome{
		SpecID:     "b",
		Order:      1,
		Phase:      fleet.PhaseFailed,
		Error:      "boot timed out",
		InstanceID: "i-2",
		Runs:       []fleet.RunAttempt{{Status: fleet.RunStatusSkipped}},
	})
	r.Append(fleet.InstanceOutcome{
		SpecID:     "a",
		Order:      0,
		Phase:      fleet.PhaseDone,
		InstanceID: "i-1",
		Runs:       []fleet.RunAttempt{{Status: fleet.RunStatusSucceeded}, {Status: fleet.RunStatusFailed}},
	})
	r.FinishedAt = r.StartedAt.Add(90 * time.Second)

	var buf bytes.Buffer
	printReport(&buf, r)
	out := buf.String()

	lines := strings.Split(out, "\n")
	if !strings.HasPrefix(lines[1], "a ") || !strings.HasPrefix(lines[2], "b ") {
		t.Errorf("outcomes should be listed in declaration order:\n%s", out)
	}
	if !strings.Contains(lines[1], "1/2") {
		t.Errorf("expected run tally 1/2 for a:\n%s", out)
	}
	if !strings.Contains(out, "1 done, 1 failed, 0 skipped in 1m30s (orchestration orch-1)") {
		t.Errorf("unexpected summary:\n%s", out)
	}
}

func TestPrintOrphans(t *testing.T) {
	insts := []*fleet.Instance{
		{OrchestrationID: "o1", Spec: fleet.InstanceSpec{ID: "a"}, Phase: fleet.PhaseRunning,
			Handle: &fleet.Handle{Provider: fleet.ProviderEC2, Region: "us-east-1", InstanceID: "i-1"}},
		{OrchestrationID: "o1", Spec: fleet.InstanceSpec{ID: "b"}, Phase: fleet.PhaseProvisioning},
	}
	var buf bytes.Buffer
	printOrphans(&buf, insts)
	out := buf.String()
	if !strings.Contains(out, "i-1") || !strings.Contains(out, "us-east-1") {
		t.Errorf("missing handle fields:\n%s", out)
	}
	if strings.Count(out, "\n") != 3 {
		t.Errorf("expected header plus two rows:\n%s", out)
	}
}
