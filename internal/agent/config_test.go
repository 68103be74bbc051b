package agent

import "testing"

func TestWithDefaultsFillsZeroValues(t *testing.T) {
	cfg := Config{}.withDefaults()
	if cfg.HeartbeatInterval == 0 {
		t.Fatalf("expected default heartbeat interval")
	}
	if cfg.PollInterval == 0 {
		t.Fatalf("expected default poll interval")
	}
	if cfg.Capacity != 4 {
		t.Fatalf("expected default capacity 4, got %d", cfg.Capacity)
	}
}

func TestWithDefaultsPreservesSetValues(t *testing.T) {
	cfg := Config{Capacity: 8}.withDefaults()
	if cfg.Capacity != 8 {
		t.Fatalf("expected capacity to stay 8, got %d", cfg.Capacity)
	}
}

func TestIdentityReportsPlatform(t *testing.T) {
	id := Identity()
	if id == "" {
		t.Fatalf("expected non-empty identity string")
	}
}
