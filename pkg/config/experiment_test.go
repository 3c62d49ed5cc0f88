package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/quatton/qbench/pkg/fleet"
)

const experimentYAML = `
general:
  name: nightly
run_steps:
  delete_instance: false
network_rule:
  name: bench-sg
defaults:
  region: us-west-2
  image: ami-123
  image_name: ubuntu-22.04
  instance_type: g5.xlarge
  startup_script: scripts/startup.sh
  run_script: scripts/run.sh
  timeout: 3600
  params:
    write_bucket: s3://results
instances:
  - id: gpu-a
    runs:
      - configs/small.yml
      - name: large
        config_file: configs/large.yml
        params:
          local_mode: true
    uploads:
      - local: token.txt
        remote_dir: /tmp
  - id: gpu-b
    instance_type: p4d.24xlarge
    timeout: 90m
    deploy: false
    storage:
      volume_size_gib: 500
    runs:
      - configs/small.yml
  - id: byo
    existing:
      id: i-0abc
      private_key_path: keys/byo.pem
    runs:
      - configs/small.yml
orchestrator:
  poll_interval: 15s
`

func writeExperiment(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "qbench.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadExperiment(t *testing.T) {
	path := writeExperiment(t, experimentYAML)
	dir := filepath.Dir(path)

	exp, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if exp.Name != "nightly" {
		t.Errorf("Name = %q", exp.Name)
	}
	if exp.Steps.DeleteInstance || !exp.Steps.DeployInstance || !exp.Steps.TeardownOnError {
		t.Errorf("Steps = %+v", exp.Steps)
	}
	if exp.Names.NetworkRule != "bench-sg" || exp.Names.KeyPair == "" {
		t.Errorf("Names = %+v", exp.Names)
	}
	if exp.Orchestrator.PollInterval != 15*time.Second || exp.Orchestrator.BootTimeout != 25*time.Minute {
		t.Errorf("Orchestrator = %+v", exp.Orchestrator)
	}
	if exp.Orchestrator.ResultsDir != filepath.Join(dir, "results") {
		t.Errorf("ResultsDir = %q", exp.Orchestrator.ResultsDir)
	}
	if len(exp.Instances) != 3 {
		t.Fatalf("got %d instances, want 3", len(exp.Instances))
	}

	a := exp.Instances[0]
	if a.Provider != fleet.ProviderEC2 || a.Region != "us-west-2" || a.Compute.InstanceType != "g5.xlarge" {
		t.Errorf("gpu-a defaults not applied: %+v", a)
	}
	if a.Timeout != time.Hour {
		t.Errorf("gpu-a timeout = %s, want 1h", a.Timeout)
	}
	if !a.Deploy {
		t.Error("gpu-a should deploy by default")
	}
	if a.RunScript != filepath.Join(dir, "scripts", "run.sh") {
		t.Errorf("RunScript = %q", a.RunScript)
	}
	if a.Compute.Storage != fleet.DefaultStorage() {
		t.Errorf("Storage = %+v", a.Compute.Storage)
	}
	if len(a.Runs) != 2 {
		t.Fatalf("gpu-a runs = %+v", a.Runs)
	}
	if a.Runs[0].Name != "small" || a.Runs[0].ConfigFile != filepath.Join(dir, "configs", "small.yml") {
		t.Errorf("run 0 = %+v", a.Runs[0])
	}
	if a.Runs[0].Params.WriteBucket != "s3://results" || a.Runs[0].Params.LocalMode {
		t.Errorf("run 0 params = %+v", a.Runs[0].Params)
	}
	if a.Runs[1].Name != "large" || !a.Runs[1].Params.LocalMode {
		t.Errorf("run 1 = %+v", a.Runs[1])
	}
	if len(a.Uploads) != 1 || a.Uploads[0].Local != filepath.Join(dir, "token.txt") || a.Uploads[0].RemoteDir != "/tmp" {
		t.Errorf("uploads = %+v", a.Uploads)
	}

	b := exp.Instances[1]
	if b.Deploy || b.Compute.InstanceType != "p4d.24xlarge" || b.Timeout != 90*time.Minute {
		t.Errorf("gpu-b = %+v", b)
	}
	if b.Compute.Storage.VolumeSizeGiB != 500 || b.Compute.Storage.VolumeType != "gp3" {
		t.Errorf("gpu-b storage = %+v", b.Compute.Storage)
	}

	byo := exp.Instances[2]
	if !byo.BYO() || byo.Existing.ID != "i-0abc" || byo.Existing.PrivateKeyPath != filepath.Join(dir, "keys", "byo.pem") {
		t.Errorf("byo = %+v", byo.Existing)
	}
}

func TestLoadRejectsTimeoutOutOfRange(t *testing.T) {
	path := writeExperiment(t, `
instances:
  - id: a
    timeout: 10
    runs: [c.yml]
`)
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "instances[0]") {
		t.Fatalf("Load() error = %v, want timeout range error", err)
	}
}

func TestLoadRequiresInstances(t *testing.T) {
	path := writeExperiment(t, "general:\n  name: empty\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for experiment without instances")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestEnvOverridesName(t *testing.T) {
	t.Setenv("QBENCH_GENERAL_NAME", "from-env")
	path := writeExperiment(t, experimentYAML)
	exp, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if exp.Name != "from-env" {
		t.Errorf("Name = %q, want from-env", exp.Name)
	}
}

func TestLoadRejectsBadOrchestratorSettings(t *testing.T) {
	tests := []struct {
		name    string
		setting string
		want    string
	}{
		{"zero poll interval", "poll_interval: 0", "poll_interval"},
		{"negative boot timeout", "boot_timeout: -1m", "boot_timeout"},
		{"zero teardown timeout", "teardown_timeout: 0", "teardown_timeout"},
		{"zero transfer timeout", "transfer_timeout: 0", "transfer_timeout"},
		{"negative launch retries", "launch_retries: -1", "launch_retries"},
		{"zero max probe errors", "max_probe_errors: 0", "max_probe_errors"},
		{"zero dial attempts", "dial_attempts: 0", "dial_attempts"},
		{"negative launch settle", "launch_settle: -2s", "launch_settle"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeExperiment(t, `
instances:
  - id: a
    runs: [c.yml]
orchestrator:
  `+tt.setting+`
`)
			_, err := Load(path)
			if err == nil || !strings.Contains(err.Error(), "orchestrator."+tt.want) {
				t.Fatalf("Load() error = %v, want complaint about %s", err, tt.want)
			}
		})
	}
}

func TestOrchestratorValidateCollectsAllProblems(t *testing.T) {
	err := OrchestratorSettings{LaunchRetries: -1}.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, name := range []string{"poll_interval", "boot_timeout", "teardown_timeout", "transfer_timeout", "max_probe_errors", "dial_attempts", "launch_retries"} {
		if !strings.Contains(err.Error(), name) {
			t.Errorf("error does not mention %s:\n%v", name, err)
		}
	}
}

func TestLoadOrchestratorDefaultsAreValid(t *testing.T) {
	path := writeExperiment(t, "instances:\n  - id: a\n    runs: [c.yml]\n")
	exp, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	o := exp.Orchestrator
	if o.TransferTimeout != 30*time.Minute || o.LaunchSettle != 2*time.Second || o.MaxProbeErrors != 5 {
		t.Errorf("Orchestrator = %+v", o)
	}
}
