package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
queue:
  workers: 8
  poll_ms: 250
admission:
  default_spacing_ms: 2000
retry:
  base_delay_ms: 1000
  quarantine_threshold: 4
sweep:
  lease_ttl_minutes: 90
intake:
  max_size_bytes: 1048576
  bucket: scout-intake
logging:
  development: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("server.port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Queue.Workers != 8 {
		t.Errorf("queue.workers = %d, want 8", cfg.Queue.Workers)
	}
	if cfg.Retry.QuarantineThreshold != 4 {
		t.Errorf("retry.quarantine_threshold = %d, want 4", cfg.Retry.QuarantineThreshold)
	}
	if got := cfg.DefaultSpacing(); got != 2*time.Second {
		t.Errorf("DefaultSpacing() = %v, want 2s", got)
	}
	if got := cfg.LeaseTTL(); got != 90*time.Minute {
		t.Errorf("LeaseTTL() = %v, want 90m", got)
	}
	if cfg.Intake.MaxSizeBytes != 1048576 {
		t.Errorf("intake.max_size_bytes = %d", cfg.Intake.MaxSizeBytes)
	}
	// Untouched keys keep their defaults.
	if cfg.Transform.BatchSize != 500 {
		t.Errorf("transform.batch_size default = %d, want 500", cfg.Transform.BatchSize)
	}
}

func TestLoadDefaultsOnly(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Retry.QuarantineThreshold != 6 {
		t.Errorf("quarantine_threshold default = %d, want 6", cfg.Retry.QuarantineThreshold)
	}
	if cfg.Intake.MaxSizeBytes != int64(200*1024*1024) {
		t.Errorf("max_size_bytes default = %d", cfg.Intake.MaxSizeBytes)
	}
}

func TestValidateRejectsAuthWithoutKey(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	cfg.Auth.Enabled = true
	cfg.Auth.APIKey = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() accepted auth without api key")
	}
}
