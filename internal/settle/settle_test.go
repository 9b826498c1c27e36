package settle

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"theatreos/internal/config"
	"theatreos/internal/gate"
	"theatreos/internal/plan"
	"theatreos/internal/policy"
	"theatreos/internal/store"
	"theatreos/internal/wallet"
	"theatreos/internal/world"
)

type rig struct {
	db     *store.DB
	gates  *gate.Manager
	ledger *wallet.Ledger
	worlds *world.Store
	engine *Engine
}

func newRig(t *testing.T) *rig {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "t.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	logger := log.New(io.Discard, "", 0)
	cfg := config.Defaults()
	worlds := world.NewStore(db, logger, world.Options{CatchupWindow: 1 << 30})
	if _, err := worlds.CreateInstance(context.Background(), "inst_1", "Veridian",
		map[string]float64{"tension": 0.5}, nil); err != nil {
		t.Fatalf("create instance: %v", err)
	}
	ledger := wallet.New(db, logger)
	gates := gate.NewManager(db, cfg, ledger, logger)
	engine := NewEngine(db, gates, ledger, worlds, policy.Defaults(), cfg, logger)
	return &rig{db: db, gates: gates, ledger: ledger, worlds: worlds, engine: engine}
}

// closedGate creates a gate whose participation window already ended.
func (r *rig) closedGate(t *testing.T, gateType string) gate.Gate {
	t.Helper()
	windowStart := time.Now().UTC().Add(-time.Hour).Truncate(time.Hour)
	g, err := r.gates.EnsureFromPlan(context.Background(), plan.Plan{
		PlanID:        "plan_1",
		InstanceID:    "inst_1",
		SlotID:        plan.SlotID(windowStart),
		WindowStartMs: windowStart.UnixMilli(),
		WindowEndMs:   windowStart.Add(time.Hour).UnixMilli(),
		GateTemplate: plan.GateTemplate{
			TemplateID: "tmpl_1",
			Type:       gateType,
			Title:      "Test gate",
			Options: []plan.Option{
				{OptionID: "opt_a", Label: "A"},
				{OptionID: "opt_b", Label: "B"},
			},
		},
		Status: plan.StatusPublished,
	})
	if err != nil {
		t.Fatalf("ensure gate: %v", err)
	}
	return g
}

// seedVote writes a vote row directly; participation-window rules are the
// gate package's tests, not these.
func (r *rig) seedVote(t *testing.T, gateID, userID, optionID, ring string) {
	t.Helper()
	now := time.Now().UnixMilli()
	if _, err := r.db.SQL().Exec(
		`INSERT INTO gate_vote (gate_id, user_id, option_id, ring_level, idem_key, created_at, updated_at)
		 VALUES (?,?,?,?,?,?,?)`,
		gateID, userID, optionID, ring, "k_"+userID, now, now); err != nil {
		t.Fatalf("seed vote: %v", err)
	}
}

// seedStake grants exactly the stake, locks it, and writes the stake row,
// leaving the user's balance at zero.
func (r *rig) seedStake(t *testing.T, gateID, userID, optionID string, amount int64) {
	t.Helper()
	ctx := context.Background()
	if err := r.ledger.Grant(ctx, userID, "SHARD", amount); err != nil {
		t.Fatalf("grant: %v", err)
	}
	tx, err := r.db.BeginWrite(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := r.ledger.LockTx(ctx, tx, userID, "SHARD", amount, gateID); err != nil {
		t.Fatalf("lock: %v", err)
	}
	now := time.Now().UnixMilli()
	if _, err := tx.Exec(
		`INSERT INTO gate_stake (gate_id, user_id, currency, option_id, amount_locked, idem_key, created_at, updated_at)
		 VALUES (?,?,?,?,?,?,?,?)`,
		gateID, userID, "SHARD", optionID, amount, "s_"+userID, now, now); err != nil {
		t.Fatalf("seed stake: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func (r *rig) balance(t *testing.T, userID string) int64 {
	t.Helper()
	bal, err := r.ledger.Balance(context.Background(), userID, "SHARD")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return bal
}

func TestResolveVotesOnlyWeightedWinner(t *testing.T) {
	r := newRig(t)
	g := r.closedGate(t, plan.GateTypePublic)
	// Two plain votes against one inner-ring vote: 2.0 beats 1.5.
	r.seedVote(t, g.GateID, "u1", "opt_a", "C")
	r.seedVote(t, g.GateID, "u2", "opt_a", "C")
	r.seedVote(t, g.GateID, "u3", "opt_b", "A")

	if err := r.engine.Resolve(context.Background(), g.GateID); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	got, _ := r.gates.ByID(context.Background(), g.GateID)
	if got.Status != gate.StatusResolved || got.Winner != "opt_a" {
		t.Fatalf("status=%s winner=%s", got.Status, got.Winner)
	}
	if _, err := r.gates.Explanation(context.Background(), g.GateID); err != nil {
		t.Fatalf("explanation: %v", err)
	}
}

func TestPariMutuelConservation(t *testing.T) {
	r := newRig(t)
	g := r.closedGate(t, plan.GateTypeFate)
	r.seedVote(t, g.GateID, "u1", "opt_a", "C")
	r.seedVote(t, g.GateID, "u2", "opt_a", "C")
	r.seedStake(t, g.GateID, "u1", "opt_a", 100_0000)
	r.seedStake(t, g.GateID, "u2", "opt_a", 50_0000)
	r.seedStake(t, g.GateID, "u3", "opt_b", 200_0000)

	if err := r.engine.Resolve(context.Background(), g.GateID); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	// Fee 50 permille, floored per position: 50000 + 25000 + 100000.
	const totalLocked = 350_0000
	const totalFees = 17_5000
	const distributable = totalLocked - totalFees

	u1, u2, u3 := r.balance(t, "u1"), r.balance(t, "u2"), r.balance(t, "u3")
	if u3 != 0 {
		t.Fatalf("loser paid: %d", u3)
	}
	if u1+u2 != distributable {
		t.Fatalf("winners got %d, want %d", u1+u2, distributable)
	}
	// Pro-rata 2:1 with the rounding remainder on the largest position.
	if u2 != distributable/3 {
		t.Fatalf("u2 = %d, want %d", u2, distributable/3)
	}
	if u1 != distributable-distributable/3 {
		t.Fatalf("u1 = %d (remainder misplaced)", u1)
	}
	if burn := r.balance(t, wallet.BurnAccount); burn != totalFees {
		t.Fatalf("burn = %d, want %d", burn, totalFees)
	}
	if u1+u2+u3+r.balance(t, wallet.BurnAccount) != totalLocked {
		t.Fatalf("value created or destroyed")
	}

	mismatches, err := r.ledger.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(mismatches) != 0 {
		t.Fatalf("ledger drifted: %+v", mismatches)
	}
}

func TestResolveTwiceSettlesOnce(t *testing.T) {
	r := newRig(t)
	g := r.closedGate(t, plan.GateTypeFate)
	r.seedVote(t, g.GateID, "u1", "opt_a", "C")
	r.seedStake(t, g.GateID, "u1", "opt_a", 100_0000)

	ctx := context.Background()
	if err := r.engine.Resolve(ctx, g.GateID); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	before := r.balance(t, "u1")
	burnBefore := r.balance(t, wallet.BurnAccount)

	if err := r.engine.Resolve(ctx, g.GateID); err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if r.balance(t, "u1") != before || r.balance(t, wallet.BurnAccount) != burnBefore {
		t.Fatalf("re-resolve moved money")
	}

	// Exactly one resolution event in the world log.
	evs, err := r.worlds.Events(ctx, "inst_1", 0, 0, world.EventGateResolved, 10)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(evs) != 1 {
		t.Fatalf("gate.resolved events = %d, want 1", len(evs))
	}
}

func TestResolveWritesWorldDeltaOrFails(t *testing.T) {
	r := newRig(t)
	g := r.closedGate(t, plan.GateTypeFate)
	r.seedVote(t, g.GateID, "u1", "opt_a", "C")
	r.seedStake(t, g.GateID, "u1", "opt_a", 100_0000)
	ctx := context.Background()

	// Point the gate at an instance the world store does not know, so the
	// outcome delta cannot land.
	if _, err := r.db.SQL().Exec(
		`UPDATE gate_instance SET instance_id = 'inst_gone' WHERE gate_id = ?`, g.GateID); err != nil {
		t.Fatalf("repoint: %v", err)
	}
	if err := r.engine.Resolve(ctx, g.GateID); err == nil {
		t.Fatalf("resolved without a world delta")
	}
	got, _ := r.gates.ByID(ctx, g.GateID)
	if got.Status != gate.StatusFailed {
		t.Fatalf("status = %s, want FAILED", got.Status)
	}
	if bal := r.balance(t, "u1"); bal != 0 {
		t.Fatalf("money moved on a failed resolve: %d", bal)
	}

	// Repair and re-drive: FAILED is claimable and the delta gets written.
	if _, err := r.db.SQL().Exec(
		`UPDATE gate_instance SET instance_id = 'inst_1' WHERE gate_id = ?`, g.GateID); err != nil {
		t.Fatalf("repair: %v", err)
	}
	if err := r.engine.Resolve(ctx, g.GateID); err != nil {
		t.Fatalf("re-resolve: %v", err)
	}
	got, _ = r.gates.ByID(ctx, g.GateID)
	if got.Status != gate.StatusResolved || got.Winner != "opt_a" {
		t.Fatalf("status=%s winner=%s", got.Status, got.Winner)
	}
	evs, err := r.worlds.Events(ctx, "inst_1", 0, 0, world.EventGateResolved, 10)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(evs) != 1 {
		t.Fatalf("gate.resolved events = %d, want 1", len(evs))
	}
	// Sole staker on the winner: the pool minus the fee comes back.
	if bal := r.balance(t, "u1"); bal != 95_0000 {
		t.Fatalf("payout = %d, want 950000", bal)
	}
}

func TestSweeperFailsStuckClaimThenRedrive(t *testing.T) {
	r := newRig(t)
	g := r.closedGate(t, plan.GateTypeFate)
	r.seedVote(t, g.GateID, "u1", "opt_a", "C")
	r.seedStake(t, g.GateID, "u1", "opt_a", 100_0000)
	ctx := context.Background()

	// Plant a claim that outlived the resolve deadline.
	stale := time.Now().Add(-config.Defaults().ResolveDeadline() - time.Minute).UnixMilli()
	if _, err := r.db.SQL().Exec(
		`UPDATE gate_instance SET status = ?, updated_at = ? WHERE gate_id = ?`,
		gate.StatusResolving, stale, g.GateID); err != nil {
		t.Fatalf("plant claim: %v", err)
	}

	r.engine.sweepOnce(ctx)
	got, _ := r.gates.ByID(ctx, g.GateID)
	if got.Status != gate.StatusFailed {
		t.Fatalf("stuck claim not failed: %s", got.Status)
	}

	// FAILED is claimable again; the re-drive completes the settlement.
	if err := r.engine.Resolve(ctx, g.GateID); err != nil {
		t.Fatalf("re-drive: %v", err)
	}
	got, _ = r.gates.ByID(ctx, g.GateID)
	if got.Status != gate.StatusResolved || got.Winner != "opt_a" {
		t.Fatalf("status=%s winner=%s", got.Status, got.Winner)
	}
	if bal := r.balance(t, "u1"); bal != 95_0000 {
		t.Fatalf("payout = %d, want 950000", bal)
	}

	// A further resolve is a no-op on the money.
	if err := r.engine.Resolve(ctx, g.GateID); err != nil {
		t.Fatalf("third resolve: %v", err)
	}
	if bal := r.balance(t, "u1"); bal != 95_0000 {
		t.Fatalf("re-resolve moved money: %d", bal)
	}
}

func TestNoWinnerStakesRefundMinusFee(t *testing.T) {
	r := newRig(t)
	g := r.closedGate(t, plan.GateTypeFate)
	// Votes carry opt_a; all the money sat on opt_b.
	r.seedVote(t, g.GateID, "u1", "opt_a", "C")
	r.seedStake(t, g.GateID, "u3", "opt_b", 200_0000)

	if err := r.engine.Resolve(context.Background(), g.GateID); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	got, _ := r.gates.ByID(context.Background(), g.GateID)
	if got.Winner != "opt_a" {
		t.Fatalf("winner = %s", got.Winner)
	}
	// 200_0000 minus the 50-permille fee comes home; the fee burns.
	if bal := r.balance(t, "u3"); bal != 190_0000 {
		t.Fatalf("refund = %d, want 1900000", bal)
	}
	if burn := r.balance(t, wallet.BurnAccount); burn != 10_0000 {
		t.Fatalf("burn = %d, want 100000", burn)
	}
}

func TestResolveBeforeCloseRejected(t *testing.T) {
	r := newRig(t)
	windowStart := time.Now().UTC().Truncate(time.Hour).Add(time.Hour)
	g, err := r.gates.EnsureFromPlan(context.Background(), plan.Plan{
		PlanID: "plan_f", InstanceID: "inst_1", SlotID: plan.SlotID(windowStart),
		WindowStartMs: windowStart.UnixMilli(), WindowEndMs: windowStart.Add(time.Hour).UnixMilli(),
		GateTemplate: plan.GateTemplate{
			TemplateID: "tmpl_f", Type: plan.GateTypePublic, Title: "future",
			Options: []plan.Option{{OptionID: "opt_a"}, {OptionID: "opt_b"}},
		},
		Status: plan.StatusPublished,
	})
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if err := r.engine.Resolve(context.Background(), g.GateID); err == nil {
		t.Fatalf("resolved a gate still open")
	}
}

func TestPickWinnerTieBreakDeterministic(t *testing.T) {
	scores := []OptionScore{
		{OptionID: "opt_b", Total: 0.5},
		{OptionID: "opt_a", Total: 0.5},
	}
	w1, tied := pickWinner(scores, 7)
	if !tied {
		t.Fatalf("tie not detected")
	}
	w2, _ := pickWinner(scores, 7)
	if w1 != w2 {
		t.Fatalf("same seed, different winner: %s vs %s", w1, w2)
	}
	// Seed indexes the sorted tied ids: 7 % 2 = 1 -> opt_b.
	if w1 != "opt_b" {
		t.Fatalf("winner = %s, want opt_b", w1)
	}
	if w, _ := pickWinner(scores, 8); w != "opt_a" {
		t.Fatalf("seed 8 winner = %s, want opt_a", w)
	}
	// Negative seeds still land in range.
	if w, _ := pickWinner(scores, -3); w != "opt_b" && w != "opt_a" {
		t.Fatalf("negative seed broke selection: %s", w)
	}
}

func TestSqrtDampeningBluntsWhale(t *testing.T) {
	r := newRig(t)
	g := r.closedGate(t, plan.GateTypeFate)
	// No votes, no evidence: stakes alone decide. Nine small positions
	// against one whale with more total money.
	users := []string{"s1", "s2", "s3", "s4", "s5", "s6", "s7", "s8", "s9"}
	for _, u := range users {
		r.seedStake(t, g.GateID, u, "opt_a", 10_0000)
	}
	r.seedStake(t, g.GateID, "whale", "opt_b", 100_0000)

	if err := r.engine.Resolve(context.Background(), g.GateID); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	got, _ := r.gates.ByID(context.Background(), g.GateID)
	// Linear aggregation would hand this to the whale (1000000 > 900000);
	// sqrt per position gives 9*sqrt(100000) vs sqrt(1000000).
	if got.Winner != "opt_a" {
		t.Fatalf("whale bought the gate: winner = %s", got.Winner)
	}
}
