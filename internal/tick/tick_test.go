package tick

import (
	"context"
	"io"
	"log"
	"math"
	"path/filepath"
	"testing"
	"time"

	"theatreos/internal/config"
	"theatreos/internal/store"
	"theatreos/internal/world"
)

func newTestEngine(t *testing.T) (*Engine, *world.Store) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "t.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	logger := log.New(io.Discard, "", 0)
	w := world.NewStore(db, logger, world.Options{CatchupWindow: 2, SnapshotEvery: 1})
	return New(w, config.Defaults(), logger), w
}

func TestCurrentTickIDIsHoursSinceEpoch(t *testing.T) {
	e, _ := newTestEngine(t)
	at := time.Date(2026, 8, 27, 14, 30, 0, 0, time.UTC)
	want := at.Unix() / 3600
	if got := e.CurrentTickID(at); got != want {
		t.Fatalf("tick id = %d, want %d", got, want)
	}
	// Same hour, different minute: same tick.
	if e.CurrentTickID(at.Add(20*time.Minute)) != want {
		t.Fatalf("tick id changed within the hour")
	}
	if e.CurrentTickID(at.Add(time.Hour)) != want+1 {
		t.Fatalf("tick id did not advance across the hour")
	}
}

func TestAdvanceAppliesDecayAndAccrual(t *testing.T) {
	e, w := newTestEngine(t)
	ctx := context.Background()
	if _, err := w.CreateInstance(ctx, "inst_1", "Veridian",
		map[string]float64{"tension": 0.9},
		map[string]world.Thread{"thread_01": {PhaseID: "intro", BranchBucket: "main"}}); err != nil {
		t.Fatalf("create: %v", err)
	}

	s, err := e.Advance(ctx, "inst_1", 100)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	// 0.9 decays toward the resting 0.5 by rate 0.1.
	if got := s.Vars["tension"]; math.Abs(got-0.86) > 1e-9 {
		t.Fatalf("tension = %v, want 0.86", got)
	}
	if s.Threads["thread_01"].Progress != 1 {
		t.Fatalf("thread progress = %d, want 1", s.Threads["thread_01"].Progress)
	}
	if s.TickID != 100 {
		t.Fatalf("tick id = %d, want 100", s.TickID)
	}
}

func TestAdvanceTwiceAppliesOnce(t *testing.T) {
	e, w := newTestEngine(t)
	ctx := context.Background()
	if _, err := w.CreateInstance(ctx, "inst_1", "Veridian",
		map[string]float64{"tension": 0.9},
		map[string]world.Thread{"thread_01": {PhaseID: "intro", BranchBucket: "main"}}); err != nil {
		t.Fatalf("create: %v", err)
	}

	s1, err := e.Advance(ctx, "inst_1", 100)
	if err != nil {
		t.Fatalf("first advance: %v", err)
	}
	s2, err := e.Advance(ctx, "inst_1", 100)
	if err != nil {
		t.Fatalf("second advance: %v", err)
	}
	if s1.Version != s2.Version || s1.Vars["tension"] != s2.Vars["tension"] {
		t.Fatalf("replayed tick moved state: v%d vs v%d", s1.Version, s2.Version)
	}
	if s2.Threads["thread_01"].Progress != 1 {
		t.Fatalf("progress double-counted: %d", s2.Threads["thread_01"].Progress)
	}
}
