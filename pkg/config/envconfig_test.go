package config

import (
	"strings"
	"testing"
)

func TestLoadSettingsDefaults(t *testing.T) {
	t.Setenv("QBENCH_ENVIRONMENT", "production")
	s, err := LoadSettings()
	if err != nil {
		t.Fatalf("LoadSettings() error = %v", err)
	}
	if s.Port != "3000" || s.DB.Host != "localhost" || s.DB.Port != 5432 || s.DB.SSLMode != "disable" {
		t.Errorf("defaults = %+v", s)
	}
	if s.HasS3() || s.HasRedis() || s.HasNATS() || s.Ledger {
		t.Errorf("optional services should be off: %+v", s)
	}
}

func TestLoadSettingsFromEnv(t *testing.T) {
	t.Setenv("QBENCH_ENVIRONMENT", "production")
	t.Setenv("QBENCH_DB_HOST", "db.internal")
	t.Setenv("QBENCH_DB_SSLMODE", "require")
	t.Setenv("QBENCH_LEDGER", "true")
	t.Setenv("QBENCH_REDIS_ADDR", "valkey:6379")
	t.Setenv("QBENCH_NATS_URL", "nats://nats:4222")

	s, err := LoadSettings()
	if err != nil {
		t.Fatal(err)
	}
	if s.DB.Host != "db.internal" || s.DB.SSLMode != "require" || !s.Ledger {
		t.Errorf("db = %+v ledger=%v", s.DB, s.Ledger)
	}
	if got := s.ValkeyConfig(); got.Addr != "valkey:6379" || got.Prefix != "qbench:" {
		t.Errorf("ValkeyConfig() = %+v", got)
	}
	if !s.HasNATS() {
		t.Error("HasNATS() = false")
	}
}

func TestSettingsValidateCollectsProblems(t *testing.T) {
	s := &Settings{Port: "http", S3Endpoint: "minio:9000", NATSURL: "::"}
	err := s.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"QBENCH_PORT", "QBENCH_S3_BUCKET", "QBENCH_NATS_URL"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestMaskSecret(t *testing.T) {
	cases := map[string]string{
		"":                  "<not set>",
		"short":             "***",
		"minioadmin-secret": "mini...cret",
	}
	for in, want := range cases {
		if got := MaskSecret(in); got != want {
			t.Errorf("MaskSecret(%q) = %q, want %q", in, got, want)
		}
	}
}
