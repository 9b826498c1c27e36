// Package world is the event-sourced store for theatre world state. All
// mutation flows through Apply as an idempotent delta; the live materialized
// state and a replay of the event log must never disagree.
package world

import (
	"encoding/json"
	"errors"
)

// State is the versioned aggregate for one theatre instance. Readers get a
// value copy; writers go through Store.Apply.
type State struct {
	InstanceID string             `json:"instance_id"`
	TickID     int64              `json:"tick_id"`
	Version    int64              `json:"version"`
	Vars       map[string]float64 `json:"vars"`
	Threads    map[string]Thread  `json:"threads"`
	Objects    map[string]Holder  `json:"objects"`
}

type Thread struct {
	PhaseID      string `json:"phase_id"`
	Progress     int64  `json:"progress"`
	BranchBucket string `json:"branch_bucket"`
}

type Holder struct {
	HolderType string `json:"holder_type"`
	HolderID   string `json:"holder_id"`
}

func newState(instanceID string) State {
	return State{
		InstanceID: instanceID,
		Vars:       map[string]float64{},
		Threads:    map[string]Thread{},
		Objects:    map[string]Holder{},
	}
}

// Clone returns a deep copy so callers can hold a snapshot value safely.
func (s State) Clone() State {
	c := s
	c.Vars = make(map[string]float64, len(s.Vars))
	for k, v := range s.Vars {
		c.Vars[k] = v
	}
	c.Threads = make(map[string]Thread, len(s.Threads))
	for k, v := range s.Threads {
		c.Threads[k] = v
	}
	c.Objects = make(map[string]Holder, len(s.Objects))
	for k, v := range s.Objects {
		c.Objects[k] = v
	}
	return c
}

// Event is one immutable row of the append-only world event log.
type Event struct {
	Seq        int64           `json:"seq"`
	EventID    string          `json:"event_id"`
	InstanceID string          `json:"instance_id"`
	TickID     int64           `json:"tick_id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	DeltaID    string          `json:"delta_id,omitempty"`
	CreatedAt  int64           `json:"created_at"`
}

// Event types.
const (
	EventTheatreCreated = "theatre.created"
	EventTickCompleted  = "world.tick.completed"
	EventVarChanged     = "world.var.changed"
	EventThreadAdvanced = "thread.advanced"
	EventObjectChanged  = "object.holder.changed"
	EventGateResolved   = "gate.resolved"
)

// Op is one tagged mutation inside a delta.
type Op struct {
	Op string `json:"op"`

	VarID string  `json:"var_id,omitempty"`
	Delta float64 `json:"delta,omitempty"`
	Value float64 `json:"value,omitempty"`

	ThreadID     string `json:"thread_id,omitempty"`
	PhaseTo      string `json:"phase_to,omitempty"`
	ProgressAdd  int64  `json:"progress_add,omitempty"`
	BranchBucket string `json:"branch_bucket,omitempty"`

	ObjectID   string `json:"object_id,omitempty"`
	HolderType string `json:"holder_type,omitempty"`
	HolderID   string `json:"holder_id,omitempty"`

	TickID int64 `json:"tick_id,omitempty"`

	GateID   string `json:"gate_id,omitempty"`
	WinnerID string `json:"winner_id,omitempty"`
}

// Op kinds.
const (
	OpVarAdd         = "var_add"
	OpVarSet         = "var_set"
	OpThreadAdvance  = "thread_advance"
	OpObjectTransfer = "object_transfer"
	OpTickComplete   = "tick_complete"
	OpGateResolved   = "gate_resolved"
)

var (
	// ErrDuplicateDelta means the delta_id was applied before. Non-fatal:
	// Apply returns the state as of the original application.
	ErrDuplicateDelta = errors.New("world: duplicate delta")

	// ErrStaleTick means the delta declared a tick behind the store's current
	// tick by more than the catch-up window.
	ErrStaleTick = errors.New("world: stale tick")

	ErrNotFound = errors.New("world: instance not found")

	// ErrReplayDivergence means the folded event log does not reproduce the
	// live materialized state. Fatal: indicates an event-application bug and
	// must never be auto-repaired.
	ErrReplayDivergence = errors.New("world: replay divergence")
)
