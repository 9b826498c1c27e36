package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTuning(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tuning.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeTuning(t, `
tick_period_minutes: 30
gate_open_minute: 5
gate_close_minute: 8
initial_grant: 2500000
`)
	tune, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if tune.TickPeriodMinutes != 30 || tune.GateOpenMinute != 5 || tune.InitialGrant != 250_0000 {
		t.Fatalf("overlay wrong: %+v", tune)
	}
	// Untouched keys keep their defaults.
	if tune.DefaultCurrency != "SHARD" || tune.SnapshotEveryTicks != 1 {
		t.Fatalf("defaults lost: %+v", tune)
	}
}

func TestLoadRejectsInvertedGateWindow(t *testing.T) {
	path := writeTuning(t, `
gate_open_minute: 12
gate_close_minute: 10
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("inverted gate window accepted")
	}
}

func TestDerivedDurations(t *testing.T) {
	tune := Defaults()
	if tune.SweepInterval() != time.Second {
		t.Fatalf("sweep interval = %v", tune.SweepInterval())
	}
	if tune.ResolveDeadline() != 30*time.Second {
		t.Fatalf("resolve deadline = %v", tune.ResolveDeadline())
	}
	if !tune.IsGoldenHour(21) || tune.IsGoldenHour(3) {
		t.Fatalf("golden hours wrong: %v", tune.GoldenHours)
	}
}
