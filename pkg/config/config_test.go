package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	tmp := t.TempDir()
	orig, _ := os.Getwd()
	defer func() { _ = os.Chdir(orig) }()
	_ = os.Chdir(tmp)

	cfg := Load()

	if cfg.Approval.TimeoutSeconds != 600 {
		t.Errorf("Approval.TimeoutSeconds = %d, want 600", cfg.Approval.TimeoutSeconds)
	}
	if cfg.Pool.Concurrency != 3 {
		t.Errorf("Pool.Concurrency = %d, want 3", cfg.Pool.Concurrency)
	}
	if cfg.Runway.MaxRetries != 2 {
		t.Errorf("Runway.MaxRetries = %d, want 2", cfg.Runway.MaxRetries)
	}
	if cfg.SegmentCount() != 48 {
		t.Errorf("SegmentCount() = %d, want 48", cfg.SegmentCount())
	}
	if cfg.ApprovalInterval() != 2*time.Second {
		t.Errorf("ApprovalInterval() = %v, want 2s", cfg.ApprovalInterval())
	}
}

func TestLoadFromYAML(t *testing.T) {
	tmp := t.TempDir()
	orig, _ := os.Getwd()
	defer func() { _ = os.Chdir(orig) }()
	_ = os.Chdir(tmp)

	yaml := `
pool:
  concurrency: 5
pipeline:
  target_duration_seconds: 60
  segment_duration_seconds: 6
runway:
  base_url: http://localhost:9999
`
	_ = os.WriteFile(filepath.Join(tmp, "config.yaml"), []byte(yaml), 0644)

	cfg := Load()

	if cfg.Pool.Concurrency != 5 {
		t.Errorf("Pool.Concurrency = %d, want 5", cfg.Pool.Concurrency)
	}
	if cfg.SegmentCount() != 10 {
		t.Errorf("SegmentCount() = %d, want 10", cfg.SegmentCount())
	}
	if cfg.Runway.BaseURL != "http://localhost:9999" {
		t.Errorf("Runway.BaseURL = %q", cfg.Runway.BaseURL)
	}
	// Unset fields still get defaults.
	if cfg.Runway.Model != "gen3" {
		t.Errorf("Runway.Model = %q, want gen3", cfg.Runway.Model)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "allKeysPresent",
			mutate:  func(*Config) {},
			wantErr: false,
		},
		{
			name:    "missingGroqKey",
			mutate:  func(c *Config) { c.GroqAPIKey = "" },
			wantErr: true,
		},
		{
			name:    "missingRunwayKey",
			mutate:  func(c *Config) { c.RunwayAPIKey = "" },
			wantErr: true,
		},
		{
			name:    "gcsEnabledWithoutBucket",
			mutate:  func(c *Config) { c.GCS.Enabled = true },
			wantErr: true,
		},
		{
			name: "gcsEnabledWithBucket",
			mutate: func(c *Config) {
				c.GCS.Enabled = true
				c.GCSBucket = "my-bucket"
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				GroqAPIKey:   "g",
				RunwayAPIKey: "r",
				TTSAPIKey:    "t",
			}
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
