// Package settle resolves closed gates: scores options from votes, stakes
// and evidence under the active policy, picks a winner (seeded tie-break),
// and settles locked funds pari-mutuel. Every settled unit is accounted for;
// payouts plus burned fees always equal the locked total, in integers.
package settle

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"theatreos/internal/config"
	"theatreos/internal/gate"
	"theatreos/internal/policy"
	"theatreos/internal/store"
	"theatreos/internal/wallet"
	"theatreos/internal/world"
)

var (
	// ErrBusy means another worker holds the RESOLVING claim.
	ErrBusy = errors.New("settle: resolution in progress")
)

type Engine struct {
	db     *store.DB
	gates  *gate.Manager
	wallet *wallet.Ledger
	world  *world.Store
	pol    policy.Policy
	cfg    config.Tuning
	log    *log.Logger
	now    func() time.Time

	// onResolved, when set, is called after a successful commit so the feed
	// layer can push the outcome.
	onResolved func(gateID string, summary json.RawMessage)
}

func NewEngine(db *store.DB, gates *gate.Manager, w *wallet.Ledger, ws *world.Store, pol policy.Policy, cfg config.Tuning, logger *log.Logger) *Engine {
	return &Engine{db: db, gates: gates, wallet: w, world: ws, pol: pol, cfg: cfg, log: logger, now: time.Now}
}

func (e *Engine) OnResolved(fn func(gateID string, summary json.RawMessage)) { e.onResolved = fn }

// OptionScore is the per-option breakdown recorded in the explanation.
type OptionScore struct {
	OptionID string  `json:"option_id"`
	Vote     float64 `json:"vote"`
	Stake    float64 `json:"stake"`
	Evidence float64 `json:"evidence"`
	Total    float64 `json:"total"`
}

// PoolSummary is the per-currency money outcome.
type PoolSummary struct {
	Currency    string `json:"currency"`
	TotalLocked int64  `json:"total_locked"`
	TotalPayout int64  `json:"total_payout"`
	TotalFee    int64  `json:"total_fee"`
	Refunded    bool   `json:"refunded"`
}

// Summary is the stored explanation for a resolved gate.
type Summary struct {
	GateID        string        `json:"gate_id"`
	Winner        string        `json:"winner_option_id"`
	Scores        []OptionScore `json:"scores"`
	TieBreak      bool          `json:"tie_break"`
	Pools         []PoolSummary `json:"pools"`
	PolicyVersion int           `json:"policy_version"`
	ResolvedAtMs  int64         `json:"resolved_at_ms"`
}

// Resolve drives one gate from closed to RESOLVED. Safe to call repeatedly
// and from competing workers; exactly one attempt wins the claim and money
// moves exactly once.
func (e *Engine) Resolve(ctx context.Context, gateID string) error {
	claimed, err := e.claim(ctx, gateID)
	if err != nil {
		return err
	}
	if !claimed {
		return nil // already resolved
	}

	if err := e.resolveClaimed(ctx, gateID); err != nil {
		e.fail(ctx, gateID, err)
		return err
	}
	return nil
}

// claim moves the gate to RESOLVING. Returns false when the gate is already
// RESOLVED (nothing to do) and ErrBusy when another claim is live.
func (e *Engine) claim(ctx context.Context, gateID string) (bool, error) {
	nowMs := e.now().UnixMilli()
	res, err := e.db.SQL().ExecContext(ctx,
		`UPDATE gate_instance SET status = ?, updated_at = ?
		 WHERE gate_id = ? AND status IN (?,?,?,?) AND close_at <= ?`,
		gate.StatusResolving, nowMs, gateID,
		gate.StatusScheduled, gate.StatusOpen, gate.StatusClosing, gate.StatusFailed, nowMs)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}

	g, err := e.gates.ByID(ctx, gateID)
	if err != nil {
		return false, err
	}
	switch g.Status {
	case gate.StatusResolved:
		return false, nil
	case gate.StatusResolving:
		return false, ErrBusy
	default:
		return false, fmt.Errorf("settle: gate %s not closable yet (status %s)", gateID, g.Status)
	}
}

func (e *Engine) resolveClaimed(ctx context.Context, gateID string) error {
	g, err := e.gates.ByID(ctx, gateID)
	if err != nil {
		return err
	}
	votes, err := e.gates.VotesFor(ctx, gateID)
	if err != nil {
		return err
	}
	stakes, err := e.gates.StakesFor(ctx, gateID)
	if err != nil {
		return err
	}
	evidence, err := e.gates.EvidenceFor(ctx, gateID)
	if err != nil {
		return err
	}

	scores := e.score(g, votes, stakes, evidence)
	winner, tied := pickWinner(scores, g.RandomSeed)

	// The world delta lands before the gate flips to RESOLVED: a gate the
	// store calls resolved always has its outcome in the event log. If the
	// delta cannot be written the gate goes FAILED and stays re-drivable;
	// the delta id keeps the retry from double-applying.
	if err := e.applyOutcome(ctx, g, winner); err != nil {
		return err
	}

	tx, err := e.db.BeginWrite(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	pools, err := e.settleStakes(ctx, tx, g, winner, stakes)
	if err != nil {
		return err
	}

	sum := Summary{
		GateID:        gateID,
		Winner:        winner,
		Scores:        scores,
		TieBreak:      tied,
		Pools:         pools,
		PolicyVersion: e.pol.Version,
		ResolvedAtMs:  e.now().UnixMilli(),
	}
	sumJSON, err := json.Marshal(sum)
	if err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE gate_instance SET status = ?, winner_option_id = ?, summary_json = ?, updated_at = ?
		 WHERE gate_id = ? AND status = ?`,
		gate.StatusResolved, winner, string(sumJSON), sum.ResolvedAtMs, gateID, gate.StatusResolving)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("settle: lost claim on %s", gateID)
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	e.log.Printf("gate %s resolved: winner=%s tie_break=%v pools=%d", gateID, winner, tied, len(pools))
	if e.onResolved != nil {
		e.onResolved(gateID, sumJSON)
	}
	return nil
}

// score builds the per-option blend. Components are normalized to fractions
// of their own pool first so votes, money and evidence argue on equal
// footing before the blend weights apportion influence.
func (e *Engine) score(g gate.Gate, votes []gate.VoteRow, stakes []gate.StakeRow, evidence []gate.EvidenceRow) []OptionScore {
	voteRaw := map[string]float64{}
	votedOption := map[string]string{}
	for _, v := range votes {
		voteRaw[v.OptionID] += e.pol.RingWeight(v.RingLevel)
		votedOption[v.UserID] = v.OptionID
	}

	stakeRaw := map[string]float64{}
	for _, s := range stakes {
		stakeRaw[s.OptionID] += e.pol.StakeDampening.Eval(float64(s.Amount))
	}

	// Evidence backs the submitter's voted option; evidence from non-voters
	// carries no directional signal and is dropped.
	evidRaw := map[string]float64{}
	for _, ev := range evidence {
		opt, ok := votedOption[ev.UserID]
		if !ok {
			continue
		}
		evidRaw[opt] += e.pol.TierWeight(ev.Tier)
	}

	normalize := func(raw map[string]float64) map[string]float64 {
		var total float64
		for _, v := range raw {
			total += v
		}
		out := make(map[string]float64, len(raw))
		if total <= 0 {
			return out
		}
		for k, v := range raw {
			out[k] = v / total
		}
		return out
	}
	voteN, stakeN, evidN := normalize(voteRaw), normalize(stakeRaw), normalize(evidRaw)

	scores := make([]OptionScore, 0, len(g.Options))
	for _, o := range g.Options {
		s := OptionScore{
			OptionID: o.OptionID,
			Vote:     voteN[o.OptionID],
			Stake:    stakeN[o.OptionID],
			Evidence: evidN[o.OptionID],
		}
		s.Total = e.pol.VoteBlend*s.Vote + e.pol.StakeBlend*s.Stake + e.pol.EvidenceBlend*s.Evidence
		scores = append(scores, s)
	}
	return scores
}

// pickWinner takes the top total; exact ties fall to the gate's stored seed
// over the sorted tied ids, so re-resolution cannot change the answer.
func pickWinner(scores []OptionScore, seed int64) (string, bool) {
	if len(scores) == 0 {
		return "", false
	}
	best := scores[0].Total
	for _, s := range scores[1:] {
		if s.Total > best {
			best = s.Total
		}
	}
	var tied []string
	for _, s := range scores {
		if s.Total == best {
			tied = append(tied, s.OptionID)
		}
	}
	sort.Strings(tied)
	if len(tied) == 1 {
		return tied[0], false
	}
	idx := seed % int64(len(tied))
	if idx < 0 {
		idx += int64(len(tied))
	}
	return tied[idx], true
}

// settleStakes moves every locked unit exactly once. Per currency:
// each position pays a floored fee, the rest goes to winning positions
// pro-rata with the rounding remainder handed to the largest winner. A pool
// with no winning stake refunds stakers their position minus the fee.
// Re-entry skips positions that already have a settlement row.
func (e *Engine) settleStakes(ctx context.Context, tx *sql.Tx, g gate.Gate, winner string, stakes []gate.StakeRow) ([]PoolSummary, error) {
	byCurrency := map[string][]gate.StakeRow{}
	for _, s := range stakes {
		byCurrency[s.Currency] = append(byCurrency[s.Currency], s)
	}
	currencies := make([]string, 0, len(byCurrency))
	for c := range byCurrency {
		currencies = append(currencies, c)
	}
	sort.Strings(currencies)

	nowMs := e.now().UnixMilli()
	var pools []PoolSummary
	for _, currency := range currencies {
		pool := byCurrency[currency]

		var totalLocked, totalFees, winnerTotal int64
		fees := make(map[string]int64, len(pool))
		for _, s := range pool {
			fee := s.Amount * e.pol.FeeRatePermille / 1000
			fees[s.UserID] = fee
			totalLocked += s.Amount
			totalFees += fee
			if s.OptionID == winner {
				winnerTotal += s.Amount
			}
		}
		distributable := totalLocked - totalFees

		payouts := make(map[string]int64, len(pool))
		refunded := false
		if winnerTotal > 0 {
			var paid int64
			var largest gate.StakeRow
			for _, s := range pool {
				if s.OptionID != winner {
					continue
				}
				p := distributable * s.Amount / winnerTotal
				payouts[s.UserID] = p
				paid += p
				if s.Amount > largest.Amount || (s.Amount == largest.Amount && (largest.UserID == "" || s.UserID < largest.UserID)) {
					largest = s
				}
			}
			if rem := distributable - paid; rem > 0 {
				payouts[largest.UserID] += rem
			}
		} else if totalLocked > 0 {
			// Nobody backed the winner; the pool goes home minus the fee
			// rather than evaporating.
			refunded = true
			for _, s := range pool {
				payouts[s.UserID] = s.Amount - fees[s.UserID]
			}
		}

		var totalPaid int64
		for _, s := range pool {
			var exists int
			err := tx.QueryRowContext(ctx,
				`SELECT 1 FROM gate_settlement WHERE gate_id = ? AND user_id = ? AND currency = ?`,
				g.GateID, s.UserID, currency).Scan(&exists)
			if err == nil {
				continue // settled by a prior attempt
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return nil, err
			}

			payout := payouts[s.UserID]
			fee := fees[s.UserID]
			if payout > 0 {
				reason := wallet.ReasonStakePayout
				if refunded {
					reason = wallet.ReasonStakeRefund
				}
				if err := e.wallet.MoveTx(ctx, tx, s.UserID, currency, payout, reason, "gate", g.GateID); err != nil {
					return nil, err
				}
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO gate_settlement (gate_id, user_id, currency, stake, payout, fee, net_delta, created_at)
				 VALUES (?,?,?,?,?,?,?,?)`,
				g.GateID, s.UserID, currency, s.Amount, payout, fee, payout-s.Amount, nowMs); err != nil {
				return nil, err
			}
			totalPaid += payout
		}

		// Fees leave circulation through the burn sink; the sink's settlement
		// row keeps re-entry from burning twice.
		if totalFees > 0 {
			var exists int
			err := tx.QueryRowContext(ctx,
				`SELECT 1 FROM gate_settlement WHERE gate_id = ? AND user_id = ? AND currency = ?`,
				g.GateID, wallet.BurnAccount, currency).Scan(&exists)
			if errors.Is(err, sql.ErrNoRows) {
				if err := e.wallet.BurnTx(ctx, tx, currency, totalFees, g.GateID); err != nil {
					return nil, err
				}
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO gate_settlement (gate_id, user_id, currency, stake, payout, fee, net_delta, created_at)
					 VALUES (?,?,?,0,0,?,?,?)`,
					g.GateID, wallet.BurnAccount, currency, totalFees, totalFees, nowMs); err != nil {
					return nil, err
				}
			} else if err != nil {
				return nil, err
			}
		}

		var sumPayout int64
		for _, p := range payouts {
			sumPayout += p
		}
		if sumPayout+totalFees != totalLocked {
			return nil, fmt.Errorf("settle: conservation violated for %s/%s: %d + %d != %d",
				g.GateID, currency, sumPayout, totalFees, totalLocked)
		}

		pools = append(pools, PoolSummary{
			Currency:    currency,
			TotalLocked: totalLocked,
			TotalPayout: sumPayout,
			TotalFee:    totalFees,
			Refunded:    refunded,
		})
	}
	return pools, nil
}

// applyOutcome records the resolution in the world log. The delta id is
// derived from the gate, so a re-resolved gate cannot double-apply.
func (e *Engine) applyOutcome(ctx context.Context, g gate.Gate, winner string) error {
	tickID := e.now().Unix() / int64(e.cfg.TickPeriodMinutes*60)
	ops := []world.Op{
		{Op: world.OpGateResolved, GateID: g.GateID, WinnerID: winner},
		{Op: world.OpVarAdd, VarID: "tension", Delta: tensionShift(g.Type)},
	}
	deltaID := fmt.Sprintf("gate_%s_outcome", g.GateID)
	if _, err := e.world.Apply(ctx, g.InstanceID, deltaID, tickID, ops); err != nil && !errors.Is(err, world.ErrDuplicateDelta) {
		return fmt.Errorf("outcome delta for %s: %w", g.GateID, err)
	}
	return nil
}

func tensionShift(gateType string) float64 {
	switch gateType {
	case "FateMajor":
		return -0.10
	case "Council":
		return -0.08
	case "Fate":
		return -0.05
	default:
		return -0.03
	}
}

func (e *Engine) fail(ctx context.Context, gateID string, cause error) {
	body, _ := json.Marshal(map[string]string{"error": cause.Error()})
	_, err := e.db.SQL().ExecContext(ctx,
		`UPDATE gate_instance SET status = ?, summary_json = ?, updated_at = ?
		 WHERE gate_id = ? AND status = ?`,
		gate.StatusFailed, string(body), e.now().UnixMilli(), gateID, gate.StatusResolving)
	if err != nil {
		e.log.Printf("gate %s: marking FAILED also failed: %v", gateID, err)
		return
	}
	e.log.Printf("gate %s FAILED: %v", gateID, cause)
}

// MarkFailed forces a stuck RESOLVING claim to FAILED so a later sweep can
// retry it.
func (e *Engine) MarkFailed(ctx context.Context, gateID, reason string) error {
	e.fail(ctx, gateID, errors.New(reason))
	return nil
}

// RunSweeper is the background lifecycle driver: it resolves due gates and
// fails claims that outlived the resolve deadline. Blocks until ctx ends.
func (e *Engine) RunSweeper(ctx context.Context) {
	t := time.NewTicker(e.cfg.SweepInterval())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			e.sweepOnce(ctx)
		}
	}
}

func (e *Engine) sweepOnce(ctx context.Context) {
	now := e.now()

	stuck, err := e.gates.StuckResolving(ctx, now, e.cfg.ResolveDeadline())
	if err != nil {
		e.log.Printf("sweep: stuck query failed: %v", err)
	}
	for _, id := range stuck {
		_ = e.MarkFailed(ctx, id, "resolve deadline exceeded")
	}

	due, err := e.gates.DueForResolution(ctx, now)
	if err != nil {
		e.log.Printf("sweep: due query failed: %v", err)
		return
	}
	for _, id := range due {
		if err := e.Resolve(ctx, id); err != nil && !errors.Is(err, ErrBusy) {
			e.log.Printf("sweep: resolve %s failed: %v", id, err)
		}
	}
}
