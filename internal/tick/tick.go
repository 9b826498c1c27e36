// Package tick advances a theatre's world by one discrete step per period.
// Advancement is exactly-once per (instance, tick_id): the delta id is
// derived from both, and the world store's idempotency does the rest.
package tick

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"theatreos/internal/config"
	"theatreos/internal/world"
)

type Engine struct {
	world *world.Store
	cfg   config.Tuning
	log   *log.Logger
}

func New(w *world.Store, cfg config.Tuning, logger *log.Logger) *Engine {
	return &Engine{world: w, cfg: cfg, log: logger}
}

// CurrentTickID is periods since the Unix epoch (hours at the default
// 60-minute period).
func (e *Engine) CurrentTickID(now time.Time) int64 {
	return now.Unix() / int64(e.cfg.TickPeriodMinutes*60)
}

func DeltaID(instanceID string, tickID int64) string {
	return fmt.Sprintf("tick_%s_%d", instanceID, tickID)
}

// Advance applies the deterministic decay/accumulation rules for one tick.
// A second call with the same tick_id observes the recorded delta and
// returns the already-advanced state.
func (e *Engine) Advance(ctx context.Context, instanceID string, tickID int64) (world.State, error) {
	s, err := e.world.Snapshot(ctx, instanceID)
	if err != nil {
		return world.State{}, err
	}

	st, err := e.world.Apply(ctx, instanceID, DeltaID(instanceID, tickID), tickID, e.ops(s, tickID))
	if errors.Is(err, world.ErrDuplicateDelta) {
		e.log.Printf("tick %d already applied for %s", tickID, instanceID)
		return st, nil
	}
	if err != nil {
		return world.State{}, err
	}
	e.log.Printf("tick %d completed for %s (version %d)", tickID, instanceID, st.Version)
	return st, nil
}

// ops builds the tick's mutation list from the pre-tick state. Keys are
// visited in sorted order so the event log is reproducible.
func (e *Engine) ops(s world.State, tickID int64) []world.Op {
	var ops []world.Op

	vars := make([]string, 0, len(s.Vars))
	for k := range s.Vars {
		vars = append(vars, k)
	}
	sort.Strings(vars)
	for _, k := range vars {
		cur := s.Vars[k]
		rest, ok := e.cfg.VarResting[k]
		if !ok {
			rest = 0.5
		}
		next := cur + (rest-cur)*e.cfg.VarDecayRate
		if next != cur {
			ops = append(ops, world.Op{Op: world.OpVarSet, VarID: k, Value: next})
		}
	}

	threads := make([]string, 0, len(s.Threads))
	for k := range s.Threads {
		threads = append(threads, k)
	}
	sort.Strings(threads)
	for _, k := range threads {
		ops = append(ops, world.Op{Op: world.OpThreadAdvance, ThreadID: k, ProgressAdd: int64(e.cfg.ThreadAccrue)})
	}

	ops = append(ops, world.Op{Op: world.OpTickComplete, TickID: tickID})
	return ops
}
