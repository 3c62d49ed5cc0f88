package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/quatton/qbench/pkg/db"
	"github.com/quatton/qbench/pkg/kv"
	"github.com/quatton/qbench/pkg/qart"
)

// Settings are the infrastructure endpoints qbench talks to, read from
// QBENCH_* environment variables. Every backing service is optional.
type Settings struct {
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	Port        string `envconfig:"PORT" default:"3000"`
	MetricsAddr string `envconfig:"METRICS_ADDR"`

	Ledger bool      `envconfig:"LEDGER" default:"false"`
	DB     db.Config `envconfig:"DB"`

	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	S3Endpoint  string `envconfig:"S3_ENDPOINT"`
	S3AccessKey string `envconfig:"S3_ACCESS_KEY"`
	S3SecretKey string `envconfig:"S3_SECRET_KEY"`
	S3Bucket    string `envconfig:"S3_BUCKET"`
	S3Region    string `envconfig:"S3_REGION" default:"us-east-1"`
	S3UseSSL    bool   `envconfig:"S3_USE_SSL" default:"true"`
	S3Prefix    string `envconfig:"S3_PREFIX"`

	NATSURL string `envconfig:"NATS_URL"`

	KubeNamespace string `envconfig:"KUBE_NAMESPACE" default:"default"`
	Kubeconfig    string `envconfig:"KUBECONFIG"`
}

// IsDev reports whether QBENCH_ENVIRONMENT names a development setup.
func IsDev() bool {
	env := strings.ToLower(os.Getenv(EnvPrefix + "_ENVIRONMENT"))
	return env == "development" || env == "dev" || env == ""
}

// LoadSettings reads Settings from the environment, loading .env first in
// development. All validation problems are reported together.
func LoadSettings() (*Settings, error) {
	if IsDev() {
		// .env is optional
		_ = godotenv.Load()
	}

	var s Settings
	if err := envconfig.Process(EnvPrefix, &s); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Settings) Validate() error {
	var problems []string

	if p, err := strconv.Atoi(s.Port); err != nil || p <= 0 || p > 65535 {
		problems = append(problems, "  QBENCH_PORT must be a valid port number")
	}
	if s.HasS3() {
		if s.S3AccessKey == "" || s.S3SecretKey == "" || s.S3Bucket == "" {
			problems = append(problems, "  QBENCH_S3_ACCESS_KEY, QBENCH_S3_SECRET_KEY and QBENCH_S3_BUCKET are required when QBENCH_S3_ENDPOINT is set")
		}
	} else if s.S3Bucket != "" {
		problems = append(problems, "  QBENCH_S3_ENDPOINT is required when QBENCH_S3_BUCKET is set")
	}
	if s.NATSURL != "" {
		if u, err := url.Parse(s.NATSURL); err != nil || u.Host == "" {
			problems = append(problems, "  QBENCH_NATS_URL must be a URL such as nats://localhost:4222")
		}
	}
	if s.RedisDB < 0 {
		problems = append(problems, "  QBENCH_REDIS_DB must not be negative")
	}

	if len(problems) > 0 {
		return fmt.Errorf("environment validation failed:\n%s", strings.Join(problems, "\n"))
	}
	return nil
}

func (s *Settings) HasS3() bool {
	return s.S3Endpoint != ""
}

func (s *Settings) HasRedis() bool {
	return s.RedisAddr != ""
}

func (s *Settings) HasNATS() bool {
	return s.NATSURL != ""
}

func (s *Settings) S3Config() qart.S3Config {
	return qart.S3Config{
		Endpoint:  s.S3Endpoint,
		AccessKey: s.S3AccessKey,
		SecretKey: s.S3SecretKey,
		Bucket:    s.S3Bucket,
		Region:    s.S3Region,
		UseSSL:    s.S3UseSSL,
		Prefix:    s.S3Prefix,
	}
}

func (s *Settings) ValkeyConfig() kv.ValkeyConfig {
	return kv.ValkeyConfig{
		Addr:     s.RedisAddr,
		Password: s.RedisPassword,
		DB:       s.RedisDB,
		Prefix:   "qbench:",
	}
}

func MaskSecret(secret string) string {
	if secret == "" {
		return "<not set>"
	}
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:4] + "..." + secret[len(secret)-4:]
}

func enabled(on bool) string {
	if on {
		return "enabled"
	}
	return "disabled"
}

func (s *Settings) Print(fmtr func(string, ...interface{})) {
	fmtr("Configuration:\n")
	fmtr("  Environment: %s\n", s.Environment)
	fmtr("  Port: %s\n", s.Port)
	if s.Ledger {
		fmtr("  Ledger: %s@%s:%d/%s (sslmode=%s, password %s)\n",
			s.DB.User, s.DB.Host, s.DB.Port, s.DB.Database, s.DB.SSLMode, MaskSecret(s.DB.Password))
	} else {
		fmtr("  Ledger: disabled\n")
	}
	fmtr("  Claims store: %s\n", enabled(s.HasRedis()))
	if s.HasRedis() {
		fmtr("    Addr: %s (db %d)\n", s.RedisAddr, s.RedisDB)
	}
	fmtr("  Artifact mirror: %s\n", enabled(s.HasS3()))
	if s.HasS3() {
		fmtr("    Endpoint: %s bucket=%s region=%s\n", s.S3Endpoint, s.S3Bucket, s.S3Region)
		fmtr("    Access key: %s\n", MaskSecret(s.S3AccessKey))
		fmtr("    Secret key: %s\n", MaskSecret(s.S3SecretKey))
	}
	fmtr("  Event stream: %s\n", enabled(s.HasNATS()))
	fmtr("  Kubernetes namespace: %s\n", s.KubeNamespace)
}
