package world

import (
	"encoding/json"
	"fmt"
)

// Payload shapes for each event type. Events carry old and new values so the
// log reads as an audit trail, but fold only ever applies "new": given the
// same prior state and event, the result is identical on live apply and
// replay.

type createdPayload struct {
	City    string             `json:"city"`
	Vars    map[string]float64 `json:"vars"`
	Threads map[string]Thread  `json:"threads"`
}

type varChangedPayload struct {
	VarID string  `json:"var_id"`
	Old   float64 `json:"old"`
	New   float64 `json:"new"`
}

type threadAdvancedPayload struct {
	ThreadID string `json:"thread_id"`
	From     Thread `json:"from"`
	To       Thread `json:"to"`
}

type objectChangedPayload struct {
	ObjectID string `json:"object_id"`
	Old      Holder `json:"old"`
	New      Holder `json:"new"`
}

type tickCompletedPayload struct {
	TickID int64 `json:"tick_id"`
}

type gateResolvedPayload struct {
	GateID   string `json:"gate_id"`
	WinnerID string `json:"winner_id"`
}

// fold applies one event to the state in place. It must stay pure: no clock,
// no randomness, no reads outside (state, event).
func fold(s *State, eventType string, payload json.RawMessage) error {
	switch eventType {
	case EventTheatreCreated:
		var p createdPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		for k, v := range p.Vars {
			s.Vars[k] = clamp01(v)
		}
		for k, v := range p.Threads {
			s.Threads[k] = v
		}
	case EventVarChanged:
		var p varChangedPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		s.Vars[p.VarID] = clamp01(p.New)
	case EventThreadAdvanced:
		var p threadAdvancedPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		s.Threads[p.ThreadID] = p.To
	case EventObjectChanged:
		var p objectChangedPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		s.Objects[p.ObjectID] = p.New
	case EventTickCompleted:
		var p tickCompletedPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		s.TickID = p.TickID
	case EventGateResolved:
		// Narrative consequences arrive as separate var/thread events in the
		// same delta; the resolution marker itself mutates nothing.
	default:
		return fmt.Errorf("world: unknown event type %q", eventType)
	}
	s.Version++
	return nil
}

// buildEvent computes the event an op produces against the current state.
// The payload captures old and new so the log is self-describing.
func buildEvent(s *State, op Op) (string, any, error) {
	switch op.Op {
	case OpVarAdd:
		old := s.Vars[op.VarID]
		return EventVarChanged, varChangedPayload{VarID: op.VarID, Old: old, New: clamp01(old + op.Delta)}, nil
	case OpVarSet:
		old := s.Vars[op.VarID]
		return EventVarChanged, varChangedPayload{VarID: op.VarID, Old: old, New: clamp01(op.Value)}, nil
	case OpThreadAdvance:
		from := s.Threads[op.ThreadID]
		to := from
		if to.PhaseID == "" {
			to.PhaseID = "intro"
		}
		if to.BranchBucket == "" {
			to.BranchBucket = "main"
		}
		if op.PhaseTo != "" {
			to.PhaseID = op.PhaseTo
		}
		to.Progress += op.ProgressAdd
		if op.BranchBucket != "" {
			to.BranchBucket = op.BranchBucket
		}
		return EventThreadAdvanced, threadAdvancedPayload{ThreadID: op.ThreadID, From: from, To: to}, nil
	case OpObjectTransfer:
		old := s.Objects[op.ObjectID]
		return EventObjectChanged, objectChangedPayload{
			ObjectID: op.ObjectID,
			Old:      old,
			New:      Holder{HolderType: op.HolderType, HolderID: op.HolderID},
		}, nil
	case OpTickComplete:
		return EventTickCompleted, tickCompletedPayload{TickID: op.TickID}, nil
	case OpGateResolved:
		return EventGateResolved, gateResolvedPayload{GateID: op.GateID, WinnerID: op.WinnerID}, nil
	default:
		return "", nil, fmt.Errorf("world: unknown op %q", op.Op)
	}
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
