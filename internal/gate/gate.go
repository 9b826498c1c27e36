// Package gate runs the decision-gate lifecycle: creation from a published
// plan, the OPEN participation window (votes, stakes, evidence), and the
// bucketed lobby view. Wall clock beats stored status everywhere; a gate
// whose close_at has passed rejects input even if the sweeper has not
// caught up yet.
package gate

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"theatreos/internal/config"
	"theatreos/internal/idem"
	"theatreos/internal/plan"
	"theatreos/internal/protocol"
	"theatreos/internal/store"
	"theatreos/internal/wallet"
)

// Gate statuses. SCHEDULED and OPEN are time-derived; CLOSING through FAILED
// are owned by the settlement path.
const (
	StatusScheduled = "SCHEDULED"
	StatusOpen      = "OPEN"
	StatusClosing   = "CLOSING"
	StatusResolving = "RESOLVING"
	StatusResolved  = "RESOLVED"
	StatusFailed    = "FAILED"
)

var (
	ErrNotFound      = errors.New("gate: not found")
	ErrClosed        = errors.New("gate: not accepting input")
	ErrInvalidOption = errors.New("gate: unknown option")
	ErrInvalidAmount = errors.New("gate: invalid amount")
	ErrStakeDisabled = errors.New("gate: staking not enabled")
	ErrOptionSwitch  = errors.New("gate: stake already on another option")
	ErrNotResolved   = errors.New("gate: not resolved yet")
)

type Gate struct {
	GateID      string
	InstanceID  string
	PlanID      string
	TemplateID  string
	Type        string
	Status      string
	Title       string
	Options     []plan.Option
	OpenAtMs    int64
	CloseAtMs   int64
	ResolveAtMs int64
	RandomSeed  int64
	Winner      string
	Summary     json.RawMessage
}

// StakeAllowed mirrors the template rule: public gates are vote-only.
func (g Gate) StakeAllowed() bool { return g.Type != plan.GateTypePublic }

func (g Gate) hasOption(optionID string) bool {
	for _, o := range g.Options {
		if o.OptionID == optionID {
			return true
		}
	}
	return false
}

// EffectiveStatus derives the participation phase from the clock. Stored
// terminal and settlement-owned statuses win; otherwise close_at is the
// authority.
func (g Gate) EffectiveStatus(now time.Time) string {
	switch g.Status {
	case StatusResolving, StatusResolved, StatusFailed:
		return g.Status
	}
	ms := now.UnixMilli()
	switch {
	case ms < g.OpenAtMs:
		return StatusScheduled
	case ms < g.CloseAtMs:
		return StatusOpen
	default:
		return StatusClosing
	}
}

type Manager struct {
	db     *store.DB
	cfg    config.Tuning
	wallet *wallet.Ledger
	log    *log.Logger
	now    func() time.Time
}

func NewManager(db *store.DB, cfg config.Tuning, w *wallet.Ledger, logger *log.Logger) *Manager {
	return &Manager{db: db, cfg: cfg, wallet: w, log: logger, now: time.Now}
}

// EnsureFromPlan creates the window's gate if it does not exist yet. The
// gate id is derived from (instance, slot) so re-running plan publication
// never doubles a gate.
func (m *Manager) EnsureFromPlan(ctx context.Context, p plan.Plan) (Gate, error) {
	gateID := fmt.Sprintf("gate_%s_%s", p.InstanceID, p.SlotID)
	windowStart := time.UnixMilli(p.WindowStartMs)
	openAt := windowStart.Add(time.Duration(m.cfg.GateOpenMinute) * time.Minute).UnixMilli()
	closeAt := windowStart.Add(time.Duration(m.cfg.GateCloseMinute) * time.Minute).UnixMilli()

	opts, err := json.Marshal(p.GateTemplate.Options)
	if err != nil {
		return Gate{}, err
	}
	nowMs := m.now().UnixMilli()
	res, err := m.db.SQL().ExecContext(ctx,
		`INSERT OR IGNORE INTO gate_instance (gate_id, instance_id, plan_id, template_id, type,
		   status, title, options_json, open_at, close_at, resolve_at, random_seed, created_at, updated_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		gateID, p.InstanceID, p.PlanID, p.GateTemplate.TemplateID, p.GateTemplate.Type,
		StatusScheduled, p.GateTemplate.Title, string(opts), openAt, closeAt, closeAt,
		rand.Int63(), nowMs, nowMs)
	if err != nil {
		return Gate{}, err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		m.log.Printf("gate %s scheduled (%s, open %s, close %s)", gateID, p.GateTemplate.Type,
			time.UnixMilli(openAt).UTC().Format(time.RFC3339),
			time.UnixMilli(closeAt).UTC().Format(time.RFC3339))
	}
	return m.ByID(ctx, gateID)
}

func (m *Manager) ByID(ctx context.Context, gateID string) (Gate, error) {
	return scanGate(m.db.SQL().QueryRowContext(ctx,
		`SELECT gate_id, instance_id, plan_id, template_id, type, status, title, options_json,
		   open_at, close_at, resolve_at, random_seed,
		   COALESCE(winner_option_id,''), COALESCE(summary_json,'')
		 FROM gate_instance WHERE gate_id = ?`, gateID))
}

func scanGate(row *sql.Row) (Gate, error) {
	var (
		g       Gate
		opts    string
		summary string
	)
	err := row.Scan(&g.GateID, &g.InstanceID, &g.PlanID, &g.TemplateID, &g.Type, &g.Status,
		&g.Title, &opts, &g.OpenAtMs, &g.CloseAtMs, &g.ResolveAtMs, &g.RandomSeed,
		&g.Winner, &summary)
	if errors.Is(err, sql.ErrNoRows) {
		return Gate{}, ErrNotFound
	}
	if err != nil {
		return Gate{}, err
	}
	if err := json.Unmarshal([]byte(opts), &g.Options); err != nil {
		return Gate{}, err
	}
	if summary != "" {
		g.Summary = json.RawMessage(summary)
	}
	return g, nil
}

func gateForUpdate(ctx context.Context, tx *sql.Tx, gateID string) (Gate, error) {
	return scanGate(tx.QueryRowContext(ctx,
		`SELECT gate_id, instance_id, plan_id, template_id, type, status, title, options_json,
		   open_at, close_at, resolve_at, random_seed,
		   COALESCE(winner_option_id,''), COALESCE(summary_json,'')
		 FROM gate_instance WHERE gate_id = ?`, gateID))
}

// VoteReceipt is what the client gets back, and what a replayed idempotency
// key returns verbatim.
type VoteReceipt struct {
	GateID    string `json:"gate_id"`
	UserID    string `json:"user_id"`
	OptionID  string `json:"option_id"`
	RingLevel string `json:"ring_level"`
	Accepted  bool   `json:"accepted"`
}

// Vote records or revises the user's single vote while the gate is OPEN.
func (m *Manager) Vote(ctx context.Context, gateID string, req protocol.VoteRequest) (VoteReceipt, error) {
	ring := req.RingLevel
	if ring == "" {
		ring = "C"
	}
	if ring != "A" && ring != "B" && ring != "C" {
		return VoteReceipt{}, fmt.Errorf("%w: ring level %q", ErrInvalidOption, req.RingLevel)
	}

	tx, err := m.db.BeginWrite(ctx)
	if err != nil {
		return VoteReceipt{}, err
	}
	defer tx.Rollback()

	scope := "gate_vote:" + gateID
	reqHash := idem.Hash(req)
	if prior, ok, err := idem.CheckTx(ctx, tx, req.IdempotencyKey, scope, reqHash); err != nil {
		return VoteReceipt{}, err
	} else if ok {
		var r VoteReceipt
		if err := json.Unmarshal(prior, &r); err != nil {
			return VoteReceipt{}, err
		}
		return r, nil
	}

	g, err := gateForUpdate(ctx, tx, gateID)
	if err != nil {
		return VoteReceipt{}, err
	}
	if st := g.EffectiveStatus(m.now()); st != StatusOpen {
		return VoteReceipt{}, fmt.Errorf("%w: status %s", ErrClosed, st)
	}
	if !g.hasOption(req.OptionID) {
		return VoteReceipt{}, fmt.Errorf("%w: %s", ErrInvalidOption, req.OptionID)
	}

	nowMs := m.now().UnixMilli()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO gate_vote (gate_id, user_id, option_id, ring_level, idem_key, created_at, updated_at)
		 VALUES (?,?,?,?,?,?,?)
		 ON CONFLICT(gate_id, user_id) DO UPDATE SET
		   option_id = excluded.option_id, ring_level = excluded.ring_level,
		   idem_key = excluded.idem_key, updated_at = excluded.updated_at`,
		gateID, req.UserID, req.OptionID, ring, req.IdempotencyKey, nowMs, nowMs); err != nil {
		return VoteReceipt{}, err
	}

	r := VoteReceipt{GateID: gateID, UserID: req.UserID, OptionID: req.OptionID, RingLevel: ring, Accepted: true}
	if err := idem.SaveTx(ctx, tx, req.IdempotencyKey, scope, reqHash, r); err != nil {
		return VoteReceipt{}, err
	}
	if err := tx.Commit(); err != nil {
		return VoteReceipt{}, err
	}
	return r, nil
}

type StakeReceipt struct {
	GateID      string `json:"gate_id"`
	UserID      string `json:"user_id"`
	OptionID    string `json:"option_id"`
	Currency    string `json:"currency"`
	AmountAdded int64  `json:"amount_added"`
	TotalLocked int64  `json:"total_locked"`
}

// Stake locks funds behind one option. Stakes only grow: more can be added
// to the same option while OPEN, but never moved or withdrawn.
func (m *Manager) Stake(ctx context.Context, gateID string, req protocol.StakeRequest) (StakeReceipt, error) {
	if req.Amount <= 0 {
		return StakeReceipt{}, fmt.Errorf("%w: %d", ErrInvalidAmount, req.Amount)
	}
	currency := req.Currency
	if currency == "" {
		currency = m.cfg.DefaultCurrency
	}

	tx, err := m.db.BeginWrite(ctx)
	if err != nil {
		return StakeReceipt{}, err
	}
	defer tx.Rollback()

	scope := "gate_stake:" + gateID
	reqHash := idem.Hash(req)
	if prior, ok, err := idem.CheckTx(ctx, tx, req.IdempotencyKey, scope, reqHash); err != nil {
		return StakeReceipt{}, err
	} else if ok {
		var r StakeReceipt
		if err := json.Unmarshal(prior, &r); err != nil {
			return StakeReceipt{}, err
		}
		return r, nil
	}

	g, err := gateForUpdate(ctx, tx, gateID)
	if err != nil {
		return StakeReceipt{}, err
	}
	if st := g.EffectiveStatus(m.now()); st != StatusOpen {
		return StakeReceipt{}, fmt.Errorf("%w: status %s", ErrClosed, st)
	}
	if !g.StakeAllowed() {
		return StakeReceipt{}, ErrStakeDisabled
	}
	if !g.hasOption(req.OptionID) {
		return StakeReceipt{}, fmt.Errorf("%w: %s", ErrInvalidOption, req.OptionID)
	}

	var (
		priorOption string
		priorLocked int64
	)
	err = tx.QueryRowContext(ctx,
		`SELECT option_id, amount_locked FROM gate_stake WHERE gate_id = ? AND user_id = ? AND currency = ?`,
		gateID, req.UserID, currency).Scan(&priorOption, &priorLocked)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return StakeReceipt{}, err
	}
	if priorOption != "" && priorOption != req.OptionID {
		return StakeReceipt{}, fmt.Errorf("%w: locked on %s", ErrOptionSwitch, priorOption)
	}

	// Debit first; rollback covers both on any later failure.
	if err := m.wallet.LockTx(ctx, tx, req.UserID, currency, req.Amount, gateID); err != nil {
		return StakeReceipt{}, err
	}

	nowMs := m.now().UnixMilli()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO gate_stake (gate_id, user_id, currency, option_id, amount_locked, idem_key, created_at, updated_at)
		 VALUES (?,?,?,?,?,?,?,?)
		 ON CONFLICT(gate_id, user_id, currency) DO UPDATE SET
		   amount_locked = amount_locked + excluded.amount_locked,
		   idem_key = excluded.idem_key, updated_at = excluded.updated_at`,
		gateID, req.UserID, currency, req.OptionID, req.Amount, req.IdempotencyKey, nowMs, nowMs); err != nil {
		return StakeReceipt{}, err
	}

	r := StakeReceipt{
		GateID:      gateID,
		UserID:      req.UserID,
		OptionID:    req.OptionID,
		Currency:    currency,
		AmountAdded: req.Amount,
		TotalLocked: priorLocked + req.Amount,
	}
	if err := idem.SaveTx(ctx, tx, req.IdempotencyKey, scope, reqHash, r); err != nil {
		return StakeReceipt{}, err
	}
	if err := tx.Commit(); err != nil {
		return StakeReceipt{}, err
	}
	m.log.Printf("stake %d %s on %s/%s by %s", req.Amount, currency, gateID, req.OptionID, req.UserID)
	return r, nil
}

type EvidenceReceipt struct {
	GateID       string `json:"gate_id"`
	UserID       string `json:"user_id"`
	SubmissionID string `json:"submission_id"`
	EvidenceRef  string `json:"evidence_ref"`
	Tier         string `json:"tier"`
}

// SubmitEvidence attaches a found artifact to the gate. The same artifact
// from the same user counts once.
func (m *Manager) SubmitEvidence(ctx context.Context, gateID string, req protocol.EvidenceRequest) (EvidenceReceipt, error) {
	tier := req.Tier
	if tier == "" {
		tier = "D"
	}
	if tier != "A" && tier != "B" && tier != "C" && tier != "D" {
		return EvidenceReceipt{}, fmt.Errorf("%w: tier %q", ErrInvalidOption, req.Tier)
	}

	tx, err := m.db.BeginWrite(ctx)
	if err != nil {
		return EvidenceReceipt{}, err
	}
	defer tx.Rollback()

	scope := "gate_evidence:" + gateID
	reqHash := idem.Hash(req)
	if prior, ok, err := idem.CheckTx(ctx, tx, req.IdempotencyKey, scope, reqHash); err != nil {
		return EvidenceReceipt{}, err
	} else if ok {
		var r EvidenceReceipt
		if err := json.Unmarshal(prior, &r); err != nil {
			return EvidenceReceipt{}, err
		}
		return r, nil
	}

	g, err := gateForUpdate(ctx, tx, gateID)
	if err != nil {
		return EvidenceReceipt{}, err
	}
	if st := g.EffectiveStatus(m.now()); st != StatusOpen {
		return EvidenceReceipt{}, fmt.Errorf("%w: status %s", ErrClosed, st)
	}

	subID := uuid.NewString()
	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO gate_evidence (submission_id, gate_id, user_id, evidence_ref, tier, idem_key, created_at)
		 VALUES (?,?,?,?,?,?,?)`,
		subID, gateID, req.UserID, req.EvidenceRef, tier, req.IdempotencyKey, m.now().UnixMilli())
	if err != nil {
		return EvidenceReceipt{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Same artifact resubmitted; surface the original submission.
		if err := tx.QueryRowContext(ctx,
			`SELECT submission_id, tier FROM gate_evidence WHERE gate_id = ? AND user_id = ? AND evidence_ref = ?`,
			gateID, req.UserID, req.EvidenceRef).Scan(&subID, &tier); err != nil {
			return EvidenceReceipt{}, err
		}
	}

	r := EvidenceReceipt{GateID: gateID, UserID: req.UserID, SubmissionID: subID, EvidenceRef: req.EvidenceRef, Tier: tier}
	if err := idem.SaveTx(ctx, tx, req.IdempotencyKey, scope, reqHash, r); err != nil {
		return EvidenceReceipt{}, err
	}
	if err := tx.Commit(); err != nil {
		return EvidenceReceipt{}, err
	}
	return r, nil
}

// Lobby buckets. Exact counts never leave the server while a gate is live.
const (
	BucketFew          = "few"
	BucketSome         = "some"
	BucketMany         = "many"
	BucketOverwhelming = "overwhelming"
)

func CountBucket(n int) string {
	switch {
	case n < 10:
		return BucketFew
	case n < 50:
		return BucketSome
	case n < 200:
		return BucketMany
	default:
		return BucketOverwhelming
	}
}

type LobbyOption struct {
	OptionID string `json:"option_id"`
	Label    string `json:"label"`
	Votes    string `json:"votes"`
	Stakes   string `json:"stakes"`
}

type LobbyView struct {
	GateID       string        `json:"gate_id"`
	Status       string        `json:"status"`
	Title        string        `json:"title"`
	Type         string        `json:"type"`
	CloseAtMs    int64         `json:"close_at_ms"`
	Participants string        `json:"participants"`
	Options      []LobbyOption `json:"options"`
	Winner       string        `json:"winner_option_id,omitempty"`
}

// Lobby is the public per-gate view: bucketed presence, never raw tallies.
func (m *Manager) Lobby(ctx context.Context, gateID string) (LobbyView, error) {
	g, err := m.ByID(ctx, gateID)
	if err != nil {
		return LobbyView{}, err
	}

	voteCounts := map[string]int{}
	rows, err := m.db.SQL().QueryContext(ctx,
		`SELECT option_id, COUNT(*) FROM gate_vote WHERE gate_id = ? GROUP BY option_id`, gateID)
	if err != nil {
		return LobbyView{}, err
	}
	for rows.Next() {
		var opt string
		var n int
		if err := rows.Scan(&opt, &n); err != nil {
			rows.Close()
			return LobbyView{}, err
		}
		voteCounts[opt] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return LobbyView{}, err
	}

	stakeCounts := map[string]int{}
	rows, err = m.db.SQL().QueryContext(ctx,
		`SELECT option_id, COUNT(DISTINCT user_id) FROM gate_stake WHERE gate_id = ? GROUP BY option_id`, gateID)
	if err != nil {
		return LobbyView{}, err
	}
	for rows.Next() {
		var opt string
		var n int
		if err := rows.Scan(&opt, &n); err != nil {
			rows.Close()
			return LobbyView{}, err
		}
		stakeCounts[opt] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return LobbyView{}, err
	}

	total := 0
	for _, n := range voteCounts {
		total += n
	}
	v := LobbyView{
		GateID:       g.GateID,
		Status:       g.EffectiveStatus(m.now()),
		Title:        g.Title,
		Type:         g.Type,
		CloseAtMs:    g.CloseAtMs,
		Participants: CountBucket(total),
	}
	if v.Status == StatusResolved {
		v.Winner = g.Winner
	}
	for _, o := range g.Options {
		v.Options = append(v.Options, LobbyOption{
			OptionID: o.OptionID,
			Label:    o.Label,
			Votes:    CountBucket(voteCounts[o.OptionID]),
			Stakes:   CountBucket(stakeCounts[o.OptionID]),
		})
	}
	return v, nil
}

// Explanation returns the settlement summary. Before RESOLVED there is
// nothing to explain.
func (m *Manager) Explanation(ctx context.Context, gateID string) (json.RawMessage, error) {
	g, err := m.ByID(ctx, gateID)
	if err != nil {
		return nil, err
	}
	if g.Status != StatusResolved {
		return nil, fmt.Errorf("%w: status %s", ErrNotResolved, g.EffectiveStatus(m.now()))
	}
	return g.Summary, nil
}

// DueForResolution lists gates whose close time has passed and which no
// settlement attempt has claimed or finished.
func (m *Manager) DueForResolution(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := m.db.SQL().QueryContext(ctx,
		`SELECT gate_id FROM gate_instance
		 WHERE status IN (?,?,?) AND close_at <= ?
		 ORDER BY close_at`,
		StatusScheduled, StatusOpen, StatusClosing, now.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// StuckResolving lists claims that outlived the resolve deadline; the
// sweeper fails them so they stop blocking the lifecycle.
func (m *Manager) StuckResolving(ctx context.Context, now time.Time, deadline time.Duration) ([]string, error) {
	cutoff := now.Add(-deadline).UnixMilli()
	rows, err := m.db.SQL().QueryContext(ctx,
		`SELECT gate_id FROM gate_instance WHERE status = ? AND updated_at <= ?`,
		StatusResolving, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Vote, Stake and Evidence rows as the settlement engine consumes them.
type VoteRow struct {
	UserID    string
	OptionID  string
	RingLevel string
}

type StakeRow struct {
	UserID   string
	Currency string
	OptionID string
	Amount   int64
}

type EvidenceRow struct {
	UserID string
	Tier   string
}

func (m *Manager) VotesFor(ctx context.Context, gateID string) ([]VoteRow, error) {
	rows, err := m.db.SQL().QueryContext(ctx,
		`SELECT user_id, option_id, ring_level FROM gate_vote WHERE gate_id = ? ORDER BY user_id`, gateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []VoteRow
	for rows.Next() {
		var v VoteRow
		if err := rows.Scan(&v.UserID, &v.OptionID, &v.RingLevel); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (m *Manager) StakesFor(ctx context.Context, gateID string) ([]StakeRow, error) {
	rows, err := m.db.SQL().QueryContext(ctx,
		`SELECT user_id, currency, option_id, amount_locked FROM gate_stake WHERE gate_id = ? ORDER BY user_id, currency`, gateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []StakeRow
	for rows.Next() {
		var s StakeRow
		if err := rows.Scan(&s.UserID, &s.Currency, &s.OptionID, &s.Amount); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (m *Manager) EvidenceFor(ctx context.Context, gateID string) ([]EvidenceRow, error) {
	rows, err := m.db.SQL().QueryContext(ctx,
		`SELECT user_id, tier FROM gate_evidence WHERE gate_id = ? ORDER BY user_id, created_at`, gateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []EvidenceRow
	for rows.Next() {
		var e EvidenceRow
		if err := rows.Scan(&e.UserID, &e.Tier); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
