package protocol

const (
	// Request validation.
	ErrBadRequest    = "E_BAD_REQUEST"
	ErrInvalidOption = "E_INVALID_OPTION"
	ErrInvalidAmount = "E_INVALID_AMOUNT"

	// Lifecycle/state.
	ErrGateNotFound = "E_GATE_NOT_FOUND"
	ErrGateClosed   = "E_GATE_CLOSED"
	ErrNotResolved  = "E_NOT_RESOLVED"
	ErrStaleTick    = "E_STALE_TICK"

	// Idempotency/conflict.
	ErrKeyReuse = "E_KEY_REUSE"

	// Wallet.
	ErrInsufficientFunds = "E_INSUFFICIENT_FUNDS"

	// Operational.
	ErrRateLimit = "E_RATE_LIMIT"
	ErrInternal  = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrBadRequest:        {},
	ErrInvalidOption:     {},
	ErrInvalidAmount:     {},
	ErrGateNotFound:      {},
	ErrGateClosed:        {},
	ErrNotResolved:       {},
	ErrStaleTick:         {},
	ErrKeyReuse:          {},
	ErrInsufficientFunds: {},
	ErrRateLimit:         {},
	ErrInternal:          {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
