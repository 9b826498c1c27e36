package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Tuning is the operational configuration for one deployment. Values here
// shape timing and policy wiring; scoring policy itself lives in policy.yaml.
type Tuning struct {
	TickPeriodMinutes int `yaml:"tick_period_minutes"`
	TickCatchupWindow int `yaml:"tick_catchup_window"`

	SlotDurationMinutes int `yaml:"slot_duration_minutes"`
	GateOpenMinute      int `yaml:"gate_open_minute"`
	GateCloseMinute     int `yaml:"gate_close_minute"`

	PlanLookaheadHours int   `yaml:"plan_lookahead_hours"`
	GoldenHours        []int `yaml:"golden_hours"`

	SweepIntervalMs  int `yaml:"sweep_interval_ms"`
	ResolveDeadlineS int `yaml:"resolve_deadline_s"`

	SnapshotEveryTicks int `yaml:"snapshot_every_ticks"`

	InitialGrant    int64  `yaml:"initial_grant"`
	DefaultCurrency string `yaml:"default_currency"`

	RateLimit RateLimit `yaml:"rate_limit"`

	VarResting   map[string]float64 `yaml:"var_resting"`
	VarDecayRate float64            `yaml:"var_decay_rate"`
	ThreadAccrue int                `yaml:"thread_accrue"`
}

type RateLimit struct {
	PerIPRPS   float64 `yaml:"per_ip_rps"`
	PerIPBurst int     `yaml:"per_ip_burst"`
}

func Defaults() Tuning {
	return Tuning{
		TickPeriodMinutes:   60,
		TickCatchupWindow:   2,
		SlotDurationMinutes: 60,
		GateOpenMinute:      10,
		GateCloseMinute:     12,
		PlanLookaheadHours:  3,
		GoldenHours:         []int{12, 19, 20, 21, 22},
		SweepIntervalMs:     1000,
		ResolveDeadlineS:    30,
		SnapshotEveryTicks:  1,
		InitialGrant:        100_0000, // 100 SHARD in minor units
		DefaultCurrency:     "SHARD",
		RateLimit:           RateLimit{PerIPRPS: 10, PerIPBurst: 30},
		VarResting:          map[string]float64{"tension": 0.5},
		VarDecayRate:        0.1,
		ThreadAccrue:        1,
	}
}

func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := t.validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func (t Tuning) validate() error {
	if t.TickPeriodMinutes <= 0 {
		return fmt.Errorf("tick_period_minutes must be positive")
	}
	if t.GateCloseMinute <= t.GateOpenMinute {
		return fmt.Errorf("gate_close_minute must be after gate_open_minute")
	}
	if t.GateCloseMinute >= t.SlotDurationMinutes {
		return fmt.Errorf("gate_close_minute must fall inside the slot")
	}
	if t.VarDecayRate < 0 || t.VarDecayRate > 1 {
		return fmt.Errorf("var_decay_rate must be in [0,1]")
	}
	return nil
}

func (t Tuning) SweepInterval() time.Duration {
	return time.Duration(t.SweepIntervalMs) * time.Millisecond
}

func (t Tuning) ResolveDeadline() time.Duration {
	return time.Duration(t.ResolveDeadlineS) * time.Second
}

func (t Tuning) IsGoldenHour(h int) bool {
	for _, g := range t.GoldenHours {
		if g == h {
			return true
		}
	}
	return false
}
