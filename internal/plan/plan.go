// Package plan turns world state into the forward-looking hour plan: which
// narrative thread leads, what beat mix downstream generation must hit, and
// which gate template the window runs. Planning failure is never allowed to
// leave a window empty; the static skeleton plan fills it instead.
package plan

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"

	"theatreos/internal/config"
	"theatreos/internal/store"
	"theatreos/internal/world"
)

// Gate types, ordered roughly by rarity.
const (
	GateTypePublic    = "Public"
	GateTypeFate      = "Fate"
	GateTypeFateMajor = "FateMajor"
	GateTypeCouncil   = "Council"
)

// Plan statuses.
const (
	StatusPublished = "PUBLISHED"
)

type Plan struct {
	PlanID         string             `json:"plan_id"`
	InstanceID     string             `json:"instance_id"`
	SlotID         string             `json:"slot_id"`
	WindowStartMs  int64              `json:"window_start_ms"`
	WindowEndMs    int64              `json:"window_end_ms"`
	PrimaryThread  string             `json:"primary_thread"`
	SupportThreads []string           `json:"support_threads"`
	BeatMix        map[string]float64 `json:"beat_mix"`
	GateTemplate   GateTemplate       `json:"gate_template"`
	MustDrop       []MustDrop         `json:"must_drop"`
	Status         string             `json:"status"`
	Fallback       bool               `json:"fallback"`
}

type GateTemplate struct {
	TemplateID       string   `json:"template_id"`
	Type             string   `json:"type"`
	Title            string   `json:"title"`
	Options          []Option `json:"options"`
	StakeAllowed     bool     `json:"stake_allowed"`
	EvidenceRequired bool     `json:"evidence_required"`
}

type Option struct {
	OptionID string `json:"option_id"`
	Label    string `json:"label"`
}

type MustDrop struct {
	EvidenceTypeID string `json:"evidence_type_id"`
	Tier           string `json:"tier"`
	TTLHours       int    `json:"ttl_hours"`
}

// Override is a layered operational correction; the published plan row
// itself is immutable.
type Override struct {
	OverrideID string          `json:"override_id"`
	SlotID     string          `json:"slot_id"`
	Payload    json.RawMessage `json:"payload"`
	Reason     string          `json:"reason"`
	Operator   string          `json:"operator"`
	CreatedAt  int64           `json:"created_at"`
}

var beatMixTemplates = map[string]map[string]float64{
	"standard":     {"reveal": 0.25, "tension": 0.30, "action": 0.20, "quiet": 0.15, "echo": 0.10},
	"high_tension": {"reveal": 0.15, "tension": 0.45, "action": 0.25, "quiet": 0.10, "echo": 0.05},
	"revelation":   {"reveal": 0.45, "tension": 0.20, "action": 0.15, "quiet": 0.10, "echo": 0.10},
	"aftermath":    {"reveal": 0.10, "tension": 0.15, "action": 0.10, "quiet": 0.35, "echo": 0.30},
}

type Generator struct {
	db    *store.DB
	world *world.Store
	cfg   config.Tuning
	log   *log.Logger

	// selectHook overrides thread selection; tests use it to force the
	// fallback path.
	selectHook func(world.State) (string, []string, error)
}

func NewGenerator(db *store.DB, w *world.Store, cfg config.Tuning, logger *log.Logger) *Generator {
	return &Generator{db: db, world: w, cfg: cfg, log: logger}
}

// SlotID is deterministic per (window), W{week}_D{day}_{HHMM}.
func SlotID(windowStart time.Time) string {
	t := windowStart.UTC()
	_, wk := t.ISOWeek()
	week := (wk % 4) + 1
	return fmt.Sprintf("W%d_D%d_%02d%02d", week, int(t.Weekday())+1, t.Hour(), t.Minute())
}

// Publish produces exactly one plan for the window, idempotently. Any
// generation failure degrades to the skeleton plan; the window is planned
// either way.
func (g *Generator) Publish(ctx context.Context, instanceID string, windowStart time.Time) (Plan, error) {
	windowStart = windowStart.UTC().Truncate(time.Hour)
	slotID := SlotID(windowStart)

	if existing, err := g.BySlot(ctx, instanceID, slotID); err == nil {
		return existing, nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return Plan{}, err
	}

	p, err := g.generate(ctx, instanceID, slotID, windowStart)
	if err != nil {
		g.log.Printf("plan generation failed for %s %s, using skeleton: %v", instanceID, slotID, err)
		p = g.Skeleton(instanceID, slotID, windowStart)
	}

	if err := g.insert(ctx, p); err != nil {
		// Lost a publish race; the stored plan wins.
		if existing, lerr := g.BySlot(ctx, instanceID, slotID); lerr == nil {
			return existing, nil
		}
		return Plan{}, err
	}
	g.log.Printf("published plan %s (%s, primary=%s, gate=%s, fallback=%v)",
		p.SlotID, instanceID, p.PrimaryThread, p.GateTemplate.Type, p.Fallback)
	return p, nil
}

func (g *Generator) generate(ctx context.Context, instanceID, slotID string, windowStart time.Time) (Plan, error) {
	s, err := g.world.Snapshot(ctx, instanceID)
	if err != nil {
		return Plan{}, err
	}

	primary, support, err := g.selectThreads(ctx, s)
	if err != nil {
		return Plan{}, err
	}

	tension := s.Vars["tension"]
	mix := beatMix(tension, windowStart)
	tmpl := g.gateTemplate(slotID, tension, windowStart)
	drops := mustDrop(slotID, primary)

	return Plan{
		PlanID:         uuid.NewString(),
		InstanceID:     instanceID,
		SlotID:         slotID,
		WindowStartMs:  windowStart.UnixMilli(),
		WindowEndMs:    windowStart.Add(time.Duration(g.cfg.SlotDurationMinutes) * time.Minute).UnixMilli(),
		PrimaryThread:  primary,
		SupportThreads: support,
		BeatMix:        mix,
		GateTemplate:   tmpl,
		MustDrop:       drops,
		Status:         StatusPublished,
	}, nil
}

// Skeleton is the pre-declared rescue plan: static thread, standard mix, a
// plain two-option public gate. Boring by design, but a gate can always be
// created from it.
func (g *Generator) Skeleton(instanceID, slotID string, windowStart time.Time) Plan {
	return Plan{
		PlanID:         uuid.NewString(),
		InstanceID:     instanceID,
		SlotID:         slotID,
		WindowStartMs:  windowStart.UnixMilli(),
		WindowEndMs:    windowStart.Add(time.Duration(g.cfg.SlotDurationMinutes) * time.Minute).UnixMilli(),
		PrimaryThread:  "thread_01",
		SupportThreads: []string{},
		BeatMix:        beatMixTemplates["standard"],
		GateTemplate: GateTemplate{
			TemplateID: "skeleton_public",
			Type:       GateTypePublic,
			Title:      "The city holds its breath",
			Options: []Option{
				{OptionID: "opt_a", Label: "Press forward"},
				{OptionID: "opt_b", Label: "Hold back"},
			},
		},
		MustDrop: []MustDrop{{EvidenceTypeID: "ev_generic_clue", Tier: "C", TTLHours: 24}},
		Status:   StatusPublished,
		Fallback: true,
	}
}

func (g *Generator) selectThreads(ctx context.Context, s world.State) (string, []string, error) {
	if g.selectHook != nil {
		return g.selectHook(s)
	}
	if len(s.Threads) == 0 {
		return "thread_01", []string{"thread_02", "thread_03"}, nil
	}

	type scored struct {
		id    string
		score float64
	}
	var candidates []scored
	for id, th := range s.Threads {
		score := float64(th.Progress) * 0.5
		score += float64(phaseDepth(th.PhaseID)) * 2
		recent, err := g.countRecentPrimary(ctx, s.InstanceID, id)
		if err != nil {
			return "", nil, err
		}
		score -= float64(recent) * 3
		candidates = append(candidates, scored{id: id, score: score})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].id < candidates[j].id
	})

	primary := candidates[0].id
	var support []string
	for _, c := range candidates[1:] {
		if len(support) == 3 {
			break
		}
		support = append(support, c.id)
	}
	return primary, support, nil
}

func (g *Generator) countRecentPrimary(ctx context.Context, instanceID, threadID string) (int, error) {
	cutoff := time.Now().Add(-6 * time.Hour).UnixMilli()
	var n int
	err := g.db.SQL().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM hour_plan
		 WHERE instance_id = ? AND primary_thread = ? AND window_start >= ?`,
		instanceID, threadID, cutoff).Scan(&n)
	return n, err
}

func phaseDepth(phaseID string) int {
	switch phaseID {
	case "", "intro":
		return 1
	case "rising":
		return 2
	case "climax":
		return 3
	case "falling":
		return 4
	default:
		return 1
	}
}

func beatMix(tension float64, windowStart time.Time) map[string]float64 {
	hour := windowStart.UTC().Hour()
	day := int(windowStart.UTC().Weekday())

	name := "standard"
	switch {
	case day == 5 && hour >= 20: // Friday night
		name = "high_tension"
	case day == 0: // Sunday
		name = "aftermath"
	case tension > 0.7:
		name = "high_tension"
	case tension < 0.3:
		name = "aftermath"
	}

	mix := make(map[string]float64, len(beatMixTemplates[name]))
	for k, v := range beatMixTemplates[name] {
		mix[k] = v
	}
	if tension > 0.5 {
		mix["tension"] = min(0.5, mix["tension"]+(tension-0.5)*0.2)
		mix["quiet"] = max(0.05, mix["quiet"]-(tension-0.5)*0.1)
	}

	var total float64
	for _, v := range mix {
		total += v
	}
	for k := range mix {
		mix[k] /= total
	}
	return mix
}

// gateTemplate picks the window's gate. Chance rolls are seeded from the
// slot id so regenerating the same window cannot flip the outcome.
func (g *Generator) gateTemplate(slotID string, tension float64, windowStart time.Time) GateTemplate {
	hour := windowStart.UTC().Hour()
	day := int(windowStart.UTC().Weekday())
	rng := slotRand(slotID)

	gateType := GateTypePublic
	switch {
	case day == 0 && hour >= 18: // Sunday evening council
		gateType = GateTypeCouncil
	case day == 5 && hour >= 21: // Friday late night
		gateType = GateTypeFateMajor
	case tension > 0.6 || (g.cfg.IsGoldenHour(hour) && rng.Float64() < 0.3):
		gateType = GateTypeFate
	}

	optionCount := 2
	if gateType != GateTypePublic {
		optionCount = 3
	}
	options := make([]Option, 0, optionCount)
	for i := 0; i < optionCount; i++ {
		options = append(options, Option{
			OptionID: fmt.Sprintf("opt_%c", 'a'+i),
			Label:    fmt.Sprintf("Option %c", 'A'+i),
		})
	}

	return GateTemplate{
		TemplateID:       fmt.Sprintf("tmpl_%s", slotID),
		Type:             gateType,
		Title:            fmt.Sprintf("Gate for %s", slotID),
		Options:          options,
		StakeAllowed:     gateType != GateTypePublic,
		EvidenceRequired: gateType == GateTypeFateMajor || gateType == GateTypeCouncil,
	}
}

func mustDrop(slotID, primary string) []MustDrop {
	if primary == "" {
		primary = "generic"
	}
	rng := slotRand(slotID + "_drops")
	drops := []MustDrop{{EvidenceTypeID: "ev_" + primary + "_clue", Tier: "C", TTLHours: 24}}
	if rng.Float64() < 0.5 {
		drops = append(drops, MustDrop{EvidenceTypeID: "ev_" + primary + "_fragment", Tier: "B", TTLHours: 48})
	}
	if rng.Float64() < 0.1 {
		drops = append(drops, MustDrop{EvidenceTypeID: "ev_" + primary + "_key", Tier: "A", TTLHours: 72})
	}
	return drops
}

func slotRand(seedKey string) *rand.Rand {
	h := fnv.New64a()
	h.Write([]byte(seedKey))
	return rand.New(rand.NewSource(int64(h.Sum64())))
}

func (g *Generator) insert(ctx context.Context, p Plan) error {
	support, _ := json.Marshal(p.SupportThreads)
	mix, _ := json.Marshal(p.BeatMix)
	tmpl, _ := json.Marshal(p.GateTemplate)
	drops, _ := json.Marshal(p.MustDrop)
	fallback := 0
	if p.Fallback {
		fallback = 1
	}
	_, err := g.db.SQL().ExecContext(ctx,
		`INSERT INTO hour_plan (plan_id, instance_id, slot_id, window_start, window_end,
		   primary_thread, support_threads_json, beat_mix_json, gate_template_json,
		   must_drop_json, status, fallback, created_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.PlanID, p.InstanceID, p.SlotID, p.WindowStartMs, p.WindowEndMs,
		p.PrimaryThread, string(support), string(mix), string(tmpl),
		string(drops), p.Status, fallback, time.Now().UnixMilli())
	return err
}

// BySlot loads one published plan. sql.ErrNoRows passes through for
// callers that branch on absence.
func (g *Generator) BySlot(ctx context.Context, instanceID, slotID string) (Plan, error) {
	row := g.db.SQL().QueryRowContext(ctx,
		`SELECT plan_id, instance_id, slot_id, window_start, window_end, COALESCE(primary_thread,''),
		   support_threads_json, beat_mix_json, gate_template_json, must_drop_json, status, fallback
		 FROM hour_plan WHERE instance_id = ? AND slot_id = ?`,
		instanceID, slotID)
	return scanPlan(row)
}

func (g *Generator) ByID(ctx context.Context, planID string) (Plan, error) {
	row := g.db.SQL().QueryRowContext(ctx,
		`SELECT plan_id, instance_id, slot_id, window_start, window_end, COALESCE(primary_thread,''),
		   support_threads_json, beat_mix_json, gate_template_json, must_drop_json, status, fallback
		 FROM hour_plan WHERE plan_id = ?`, planID)
	return scanPlan(row)
}

func scanPlan(row *sql.Row) (Plan, error) {
	var (
		p        Plan
		support  string
		mix      string
		tmpl     string
		drops    string
		fallback int
	)
	if err := row.Scan(&p.PlanID, &p.InstanceID, &p.SlotID, &p.WindowStartMs, &p.WindowEndMs,
		&p.PrimaryThread, &support, &mix, &tmpl, &drops, &p.Status, &fallback); err != nil {
		return Plan{}, err
	}
	if err := json.Unmarshal([]byte(support), &p.SupportThreads); err != nil {
		return Plan{}, err
	}
	if err := json.Unmarshal([]byte(mix), &p.BeatMix); err != nil {
		return Plan{}, err
	}
	if err := json.Unmarshal([]byte(tmpl), &p.GateTemplate); err != nil {
		return Plan{}, err
	}
	if err := json.Unmarshal([]byte(drops), &p.MustDrop); err != nil {
		return Plan{}, err
	}
	p.Fallback = fallback != 0
	return p, nil
}

// ApplyOverride records an operator correction layered over the immutable
// plan row.
func (g *Generator) ApplyOverride(ctx context.Context, instanceID, slotID string, payload json.RawMessage, reason, operator string) (Override, error) {
	if _, err := g.BySlot(ctx, instanceID, slotID); err != nil {
		return Override{}, err
	}
	o := Override{
		OverrideID: uuid.NewString(),
		SlotID:     slotID,
		Payload:    payload,
		Reason:     reason,
		Operator:   operator,
		CreatedAt:  time.Now().UnixMilli(),
	}
	_, err := g.db.SQL().ExecContext(ctx,
		`INSERT INTO hour_plan_override (override_id, instance_id, slot_id, payload_json, reason, operator, created_at)
		 VALUES (?,?,?,?,?,?,?)`,
		o.OverrideID, instanceID, o.SlotID, string(o.Payload), o.Reason, o.Operator, o.CreatedAt)
	return o, err
}

// Effective merges the latest override fields over the stored plan.
func (g *Generator) Effective(ctx context.Context, instanceID, slotID string) (Plan, error) {
	p, err := g.BySlot(ctx, instanceID, slotID)
	if err != nil {
		return Plan{}, err
	}
	var payload string
	err = g.db.SQL().QueryRowContext(ctx,
		`SELECT payload_json FROM hour_plan_override
		 WHERE instance_id = ? AND slot_id = ?
		 ORDER BY created_at DESC, override_id DESC LIMIT 1`,
		instanceID, slotID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return p, nil
	}
	if err != nil {
		return Plan{}, err
	}

	var patch struct {
		PrimaryThread  *string             `json:"primary_thread"`
		SupportThreads *[]string           `json:"support_threads"`
		BeatMix        *map[string]float64 `json:"beat_mix"`
		GateTemplate   *GateTemplate       `json:"gate_template"`
		MustDrop       *[]MustDrop         `json:"must_drop"`
	}
	if err := json.Unmarshal([]byte(payload), &patch); err != nil {
		return Plan{}, err
	}
	if patch.PrimaryThread != nil {
		p.PrimaryThread = *patch.PrimaryThread
	}
	if patch.SupportThreads != nil {
		p.SupportThreads = *patch.SupportThreads
	}
	if patch.BeatMix != nil {
		p.BeatMix = *patch.BeatMix
	}
	if patch.GateTemplate != nil {
		p.GateTemplate = *patch.GateTemplate
	}
	if patch.MustDrop != nil {
		p.MustDrop = *patch.MustDrop
	}
	return p, nil
}
