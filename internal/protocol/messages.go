package protocol

import "encoding/json"

const Version = "1.0"

// ErrorBody is the uniform error envelope returned by the HTTP surface.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// VoteRequest is the body of POST /v1/gates/{gate_id}/vote.
type VoteRequest struct {
	UserID         string `json:"user_id"`
	OptionID       string `json:"option_id"`
	RingLevel      string `json:"ring_level,omitempty"`
	IdempotencyKey string `json:"idempotency_key"`
}

// StakeRequest is the body of POST /v1/gates/{gate_id}/stake.
// Amount is in minor units of the named currency.
type StakeRequest struct {
	UserID         string `json:"user_id"`
	OptionID       string `json:"option_id"`
	Currency       string `json:"currency"`
	Amount         int64  `json:"amount"`
	IdempotencyKey string `json:"idempotency_key"`
}

// EvidenceRequest is the body of POST /v1/gates/{gate_id}/evidence.
type EvidenceRequest struct {
	UserID         string `json:"user_id"`
	EvidenceRef    string `json:"evidence_ref"`
	Tier           string `json:"tier,omitempty"`
	IdempotencyKey string `json:"idempotency_key"`
}

// PublishPlanRequest is the body of POST /v1/internal/plans/publish.
type PublishPlanRequest struct {
	InstanceID    string `json:"instance_id"`
	WindowStartMs int64  `json:"window_start_ms,omitempty"`
}

// TickRequest is the body of POST /v1/internal/tick.
type TickRequest struct {
	InstanceID string `json:"instance_id"`
}

// FeedMessage wraps websocket lobby pushes so clients can route by type.
type FeedMessage struct {
	Type    string          `json:"type"`
	GateID  string          `json:"gate_id"`
	Payload json.RawMessage `json:"payload"`
}

const (
	FeedTypeLobby    = "LOBBY"
	FeedTypeResolved = "RESOLVED"
)
