package plan

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"theatreos/internal/config"
	"theatreos/internal/store"
	"theatreos/internal/world"
)

func newTestGenerator(t *testing.T) *Generator {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "t.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	logger := log.New(io.Discard, "", 0)
	w := world.NewStore(db, logger, world.Options{})
	if _, err := w.CreateInstance(context.Background(), "inst_1", "Veridian",
		map[string]float64{"tension": 0.4},
		map[string]world.Thread{
			"thread_01": {PhaseID: "climax", Progress: 10, BranchBucket: "main"},
			"thread_02": {PhaseID: "intro", Progress: 2, BranchBucket: "main"},
			"thread_03": {PhaseID: "rising", Progress: 5, BranchBucket: "main"},
		}); err != nil {
		t.Fatalf("create instance: %v", err)
	}
	return NewGenerator(db, w, config.Defaults(), logger)
}

func TestSlotIDIsDeterministic(t *testing.T) {
	at := time.Date(2026, 8, 28, 21, 0, 0, 0, time.UTC)
	a, b := SlotID(at), SlotID(at)
	if a != b {
		t.Fatalf("slot id unstable: %s vs %s", a, b)
	}
	if a == SlotID(at.Add(time.Hour)) {
		t.Fatalf("different windows share a slot id")
	}
}

func TestPublishIsIdempotent(t *testing.T) {
	g := newTestGenerator(t)
	ctx := context.Background()
	window := time.Date(2026, 8, 26, 15, 0, 0, 0, time.UTC)

	p1, err := g.Publish(ctx, "inst_1", window)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	p2, err := g.Publish(ctx, "inst_1", window)
	if err != nil {
		t.Fatalf("republish: %v", err)
	}
	if p1.PlanID != p2.PlanID {
		t.Fatalf("republish produced a second plan: %s vs %s", p1.PlanID, p2.PlanID)
	}
	if p1.Fallback {
		t.Fatalf("healthy generation produced a fallback plan")
	}
	if p1.PrimaryThread != "thread_01" {
		t.Fatalf("primary = %s, want thread_01 (deepest phase, most progress)", p1.PrimaryThread)
	}
}

func TestPublishFallsBackToSkeleton(t *testing.T) {
	g := newTestGenerator(t)
	g.selectHook = func(world.State) (string, []string, error) {
		return "", nil, errors.New("thread scoring exploded")
	}
	ctx := context.Background()
	window := time.Date(2026, 8, 26, 16, 0, 0, 0, time.UTC)

	p, err := g.Publish(ctx, "inst_1", window)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if !p.Fallback {
		t.Fatalf("expected the skeleton plan")
	}
	if len(p.GateTemplate.Options) < 2 {
		t.Fatalf("skeleton gate has %d options", len(p.GateTemplate.Options))
	}
	// The window is planned; a reload sees the stored skeleton.
	got, err := g.BySlot(ctx, "inst_1", p.SlotID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !got.Fallback || got.PlanID != p.PlanID {
		t.Fatalf("stored plan differs: %+v", got)
	}
}

func TestBeatMixSumsToOne(t *testing.T) {
	for _, tension := range []float64{0.0, 0.35, 0.8, 1.0} {
		mix := beatMix(tension, time.Date(2026, 8, 26, 21, 0, 0, 0, time.UTC))
		var total float64
		for _, v := range mix {
			total += v
		}
		if total < 0.999 || total > 1.001 {
			t.Fatalf("mix at tension %v sums to %v", tension, total)
		}
	}
}

func TestOverrideLayersOverImmutablePlan(t *testing.T) {
	g := newTestGenerator(t)
	ctx := context.Background()
	window := time.Date(2026, 8, 26, 17, 0, 0, 0, time.UTC)

	p, err := g.Publish(ctx, "inst_1", window)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	patch, _ := json.Marshal(map[string]any{"primary_thread": "thread_02"})
	if _, err := g.ApplyOverride(ctx, "inst_1", p.SlotID, patch, "ops correction", "op_jo"); err != nil {
		t.Fatalf("override: %v", err)
	}

	// Stored row untouched.
	stored, err := g.BySlot(ctx, "inst_1", p.SlotID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if stored.PrimaryThread != p.PrimaryThread {
		t.Fatalf("override mutated the plan row")
	}

	// Effective view carries the patch; untouched fields survive.
	eff, err := g.Effective(ctx, "inst_1", p.SlotID)
	if err != nil {
		t.Fatalf("effective: %v", err)
	}
	if eff.PrimaryThread != "thread_02" {
		t.Fatalf("effective primary = %s", eff.PrimaryThread)
	}
	if eff.GateTemplate.TemplateID != p.GateTemplate.TemplateID {
		t.Fatalf("override clobbered unpatched fields")
	}
}

func TestOverrideUnknownSlotFails(t *testing.T) {
	g := newTestGenerator(t)
	if _, err := g.ApplyOverride(context.Background(), "inst_1", "W1_D1_0000",
		json.RawMessage(`{}`), "r", "op"); err == nil {
		t.Fatalf("override of missing plan accepted")
	}
}
