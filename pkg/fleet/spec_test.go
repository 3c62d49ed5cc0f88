package fleet

import (
	"strings"
	"testing"
	"time"
)

func validSpec() InstanceSpec {
	return InstanceSpec{
		ID:        "g5-2xl",
		Provider:  ProviderEC2,
		Region:    "us-east-1",
		Compute:   ComputeSpec{InstanceType: "g5.2xlarge", Image: "ami-123", Storage: DefaultStorage()},
		RunScript: "run.sh.tmpl",
		Runs:      []RunConfig{{Name: "cfg-a", ConfigFile: "a.yml"}},
		Timeout:   time.Minute,
		Deploy:    true,
	}
}

func TestValidateOK(t *testing.T) {
	if err := validSpec().Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateUndeployedNeedsOnlyID(t *testing.T) {
	s := InstanceSpec{ID: "later"}
	if err := s.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateCollectsProblems(t *testing.T) {
	s := validSpec()
	s.Runs = nil
	s.Timeout = 0
	err := s.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	msg := err.Error()
	for _, want := range []string{"timeout must be positive", "at least one run config"} {
		if !strings.Contains(msg, want) {
			t.Errorf("expected %q in %q", want, msg)
		}
	}
}

func TestValidateExistingInstance(t *testing.T) {
	s := validSpec()
	s.Existing = &ExistingInstance{ID: "i-abc"}
	if err := s.Validate(); err == nil || !strings.Contains(err.Error(), "private key path") {
		t.Fatalf("expected key path error, got %v", err)
	}
	s.Existing.PrivateKeyPath = "/keys/k.pem"
	s.Compute = ComputeSpec{}
	if err := s.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestNewInstancePendingRuns(t *testing.T) {
	s := validSpec()
	s.Runs = append(s.Runs, RunConfig{Name: "cfg-b"})
	inst := NewInstance("orch", s)
	if len(inst.Runs) != 2 || inst.Runs[1].Index != 1 || inst.Runs[1].Status != RunStatusPending {
		t.Fatalf("unexpected runs %+v", inst.Runs)
	}
}

func TestHandleHome(t *testing.T) {
	if got := (Handle{User: "ubuntu"}).Home(); got != "/home/ubuntu" {
		t.Fatalf("got %q", got)
	}
	if got := (Handle{}).Home(); got != "/root" {
		t.Fatalf("got %q", got)
	}
}
