package k8s

import (
	"os"
	"path/filepath"
	"testing"
)

const kubeconfig = `apiVersion: v1
kind: Config
clusters:
- cluster:
    server: https://127.0.0.1:6443
  name: test
contexts:
- context:
    cluster: test
    user: test
  name: test
current-context: test
users:
- name: test
  user:
    token: abc
`

func TestGetConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config")
	if err := os.WriteFile(path, []byte(kubeconfig), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := GetConfig(path)
	if err != nil {
		t.Fatalf("GetConfig() error = %v", err)
	}
	if cfg.Host != "https://127.0.0.1:6443" || cfg.BearerToken != "abc" {
		t.Errorf("config = host %q token %q", cfg.Host, cfg.BearerToken)
	}
}

func TestGetConfigMissingFile(t *testing.T) {
	if _, err := GetConfig(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatal("expected error for missing kubeconfig")
	}
}

func TestDefaultKubeconfigPrefersEnv(t *testing.T) {
	t.Setenv("KUBECONFIG", "/etc/kube/config")
	if got := DefaultKubeconfig(); got != "/etc/kube/config" {
		t.Errorf("DefaultKubeconfig() = %q", got)
	}
}
