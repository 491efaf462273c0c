package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "app:\n  name: pegkeeper\n"))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Scheduler.Interval != time.Minute {
		t.Fatalf("expected default interval 1m, got %s", cfg.Scheduler.Interval)
	}
	if cfg.Oracle.MaxFeedAge != 5*time.Minute {
		t.Fatalf("expected default feed age 5m, got %s", cfg.Oracle.MaxFeedAge)
	}
	if cfg.Safety.MaxConsecutiveErrors != 5 {
		t.Fatalf("expected default max errors 5, got %d", cfg.Safety.MaxConsecutiveErrors)
	}
	if cfg.Tiers.Emergency.ThresholdPct != 10.0 {
		t.Fatalf("expected default emergency threshold 10, got %v", cfg.Tiers.Emergency.ThresholdPct)
	}
	if cfg.Executor.Retry.MaxAttempts != 3 {
		t.Fatalf("expected default retry attempts 3, got %d", cfg.Executor.Retry.MaxAttempts)
	}
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
peg:
  target_price: 0.001
  low_threshold_pct: 0.8
safety:
  max_daily_volume_quote: 250
scheduler:
  interval: 30s
`))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Peg.TargetPrice != 0.001 {
		t.Fatalf("expected target 0.001, got %v", cfg.Peg.TargetPrice)
	}
	if cfg.Safety.MaxDailyVolumeQuote != 250 {
		t.Fatalf("expected daily cap 250, got %v", cfg.Safety.MaxDailyVolumeQuote)
	}
	if cfg.Scheduler.Interval != 30*time.Second {
		t.Fatalf("expected interval 30s, got %s", cfg.Scheduler.Interval)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"zero target", "peg:\n  target_price: 0\n"},
		{"negative threshold", "peg:\n  low_threshold_pct: -1\n"},
		{"zero max errors", "safety:\n  max_consecutive_errors: 0\n"},
		{"unordered tiers", "tiers:\n  medium:\n    threshold_pct: 0.2\n"},
		{"size factor above one", "tiers:\n  low:\n    size_factor: 1.5\n"},
		{"telegram without token", "alerting:\n  telegram:\n    enabled: true\n    chat_id: c\n"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tc.yaml)); err == nil {
				t.Fatal("expected a validation error")
			}
		})
	}
}

func TestResolveMaxPoints(t *testing.T) {
	cfg := &Config{Export: ExportConfig{MaxDataPoints: 1000}}
	if got := cfg.ResolveMaxPoints(0); got != 1000 {
		t.Fatalf("expected config default 1000, got %d", got)
	}
	if got := cfg.ResolveMaxPoints(50); got != 50 {
		t.Fatalf("expected override 50, got %d", got)
	}
}
