// Package policy holds the data-driven scoring rules for gate settlement.
// The document is versioned and validated against a JSON schema so operators
// can retune dampening, blend weights, and fees without a redeploy.
package policy

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// Transform kinds understood by the interpreter.
const (
	TransformLinear = "linear"
	TransformSqrt   = "sqrt"
	TransformLog1p  = "log1p"
)

type Policy struct {
	Version int `yaml:"version" json:"version"`

	// Dampening applied to each stake position before aggregation. Sub-linear
	// kinds keep a single large position from linearly dominating the score.
	StakeDampening Transform `yaml:"stake_dampening" json:"stake_dampening"`

	// Blend fractions for the final per-option score.
	VoteBlend     float64 `yaml:"vote_blend" json:"vote_blend"`
	StakeBlend    float64 `yaml:"stake_blend" json:"stake_blend"`
	EvidenceBlend float64 `yaml:"evidence_blend" json:"evidence_blend"`

	// FeeRatePermille of each settled pool is burned (removed from
	// circulation), in thousandths.
	FeeRatePermille int64 `yaml:"fee_rate_permille" json:"fee_rate_permille"`

	// RingWeights scale a vote by the voter's ring level.
	RingWeights map[string]float64 `yaml:"ring_weights" json:"ring_weights,omitempty"`

	// TierWeights scale evidence submissions by tier.
	TierWeights map[string]float64 `yaml:"tier_weights" json:"tier_weights,omitempty"`
}

type Transform struct {
	Kind  string  `yaml:"kind" json:"kind"`
	Scale float64 `yaml:"scale,omitempty" json:"scale,omitempty"`
}

// Eval interprets the transform over a non-negative input.
func (t Transform) Eval(x float64) float64 {
	if x <= 0 {
		return 0
	}
	scale := t.Scale
	if scale == 0 {
		scale = 1
	}
	switch t.Kind {
	case TransformSqrt:
		return scale * math.Sqrt(x)
	case TransformLog1p:
		return scale * math.Log1p(x)
	default:
		return scale * x
	}
}

func Defaults() Policy {
	return Policy{
		Version:         1,
		StakeDampening:  Transform{Kind: TransformSqrt},
		VoteBlend:       0.7,
		StakeBlend:      0.3,
		EvidenceBlend:   0.1,
		FeeRatePermille: 50,
		RingWeights:     map[string]float64{"A": 1.5, "B": 1.2, "C": 1.0},
		TierWeights:     map[string]float64{"A": 3.0, "B": 2.0, "C": 1.0, "D": 0.5},
	}
}

// Load reads a policy document and validates it against the schema before it
// is allowed anywhere near settlement.
func Load(path, schemaPath string) (Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, err
	}
	var p Policy
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return Policy{}, fmt.Errorf("policy.yaml: %w", err)
	}
	if schemaPath != "" {
		if err := validate(p, schemaPath); err != nil {
			return Policy{}, fmt.Errorf("policy.yaml: %w", err)
		}
	}
	if err := p.check(); err != nil {
		return Policy{}, fmt.Errorf("policy.yaml: %w", err)
	}
	return p, nil
}

func validate(p Policy, schemaPath string) error {
	schema, err := jsonschema.Compile(schemaPath)
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	// Round-trip through JSON so the validator sees plain JSON types.
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return err
	}
	return schema.Validate(doc)
}

func (p Policy) check() error {
	switch p.StakeDampening.Kind {
	case TransformLinear, TransformSqrt, TransformLog1p:
	default:
		return fmt.Errorf("unknown dampening kind %q", p.StakeDampening.Kind)
	}
	if p.FeeRatePermille < 0 || p.FeeRatePermille >= 1000 {
		return fmt.Errorf("fee_rate_permille out of range: %d", p.FeeRatePermille)
	}
	if p.VoteBlend < 0 || p.StakeBlend < 0 || p.EvidenceBlend < 0 {
		return fmt.Errorf("blend weights must be non-negative")
	}
	if p.VoteBlend+p.StakeBlend+p.EvidenceBlend == 0 {
		return fmt.Errorf("at least one blend weight must be positive")
	}
	return nil
}

// RingWeight returns the vote multiplier for a ring level, defaulting to 1.
func (p Policy) RingWeight(ring string) float64 {
	if w, ok := p.RingWeights[ring]; ok {
		return w
	}
	return 1.0
}

// TierWeight returns the evidence multiplier for a tier, defaulting to 0 for
// unknown tiers so junk submissions cannot move a score.
func (p Policy) TierWeight(tier string) float64 {
	if w, ok := p.TierWeights[tier]; ok {
		return w
	}
	return 0
}
