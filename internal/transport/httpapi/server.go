// Package httpapi is the JSON surface over gates, plans, ticks and wallets.
// Handlers validate, rate-limit and translate; all semantics live in the
// domain packages.
package httpapi

import (
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"theatreos/internal/config"
	"theatreos/internal/gate"
	"theatreos/internal/idem"
	"theatreos/internal/plan"
	"theatreos/internal/protocol"
	"theatreos/internal/tick"
	"theatreos/internal/wallet"
	"theatreos/internal/world"
)

type Server struct {
	gates   *gate.Manager
	plans   *plan.Generator
	ticks   *tick.Engine
	wallet  *wallet.Ledger
	worlds  *world.Store
	cfg     config.Tuning
	log     *log.Logger
	limiter *ipLimiter
}

func NewServer(gates *gate.Manager, plans *plan.Generator, ticks *tick.Engine, w *wallet.Ledger, worlds *world.Store, cfg config.Tuning, logger *log.Logger) *Server {
	return &Server{
		gates:   gates,
		plans:   plans,
		ticks:   ticks,
		wallet:  w,
		worlds:  worlds,
		cfg:     cfg,
		log:     logger,
		limiter: newIPLimiter(rate.Limit(cfg.RateLimit.PerIPRPS), cfg.RateLimit.PerIPBurst),
	}
}

// Register mounts all routes on mux. The websocket feed registers its own
// route beside these.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/gates/{gate_id}/vote", s.limited(s.handleVote))
	mux.HandleFunc("POST /v1/gates/{gate_id}/stake", s.limited(s.handleStake))
	mux.HandleFunc("POST /v1/gates/{gate_id}/evidence", s.limited(s.handleEvidence))
	mux.HandleFunc("GET /v1/gates/{gate_id}/lobby", s.limited(s.handleLobby))
	mux.HandleFunc("GET /v1/gates/{gate_id}/explanation", s.limited(s.handleExplanation))
	mux.HandleFunc("GET /v1/wallets/{user_id}", s.limited(s.handleBalance))
	mux.HandleFunc("POST /v1/internal/plans/publish", s.handlePublishPlan)
	mux.HandleFunc("POST /v1/internal/tick", s.handleTick)
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	gateID := r.PathValue("gate_id")
	var req protocol.VoteRequest
	if err := decode(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, protocol.ErrBadRequest, err.Error())
		return
	}
	if req.UserID == "" || req.OptionID == "" {
		writeErr(w, http.StatusBadRequest, protocol.ErrBadRequest, "user_id and option_id required")
		return
	}
	if req.IdempotencyKey == "" {
		writeErr(w, http.StatusBadRequest, protocol.ErrBadRequest, "idempotency_key required")
		return
	}
	receipt, err := s.gates.Vote(r.Context(), gateID, req)
	if err != nil {
		s.writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleStake(w http.ResponseWriter, r *http.Request) {
	gateID := r.PathValue("gate_id")
	var req protocol.StakeRequest
	if err := decode(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, protocol.ErrBadRequest, err.Error())
		return
	}
	if req.UserID == "" || req.OptionID == "" {
		writeErr(w, http.StatusBadRequest, protocol.ErrBadRequest, "user_id and option_id required")
		return
	}
	if req.IdempotencyKey == "" {
		writeErr(w, http.StatusBadRequest, protocol.ErrBadRequest, "idempotency_key required")
		return
	}
	receipt, err := s.gates.Stake(r.Context(), gateID, req)
	if err != nil {
		s.writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleEvidence(w http.ResponseWriter, r *http.Request) {
	gateID := r.PathValue("gate_id")
	var req protocol.EvidenceRequest
	if err := decode(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, protocol.ErrBadRequest, err.Error())
		return
	}
	if req.UserID == "" || req.EvidenceRef == "" {
		writeErr(w, http.StatusBadRequest, protocol.ErrBadRequest, "user_id and evidence_ref required")
		return
	}
	if req.IdempotencyKey == "" {
		writeErr(w, http.StatusBadRequest, protocol.ErrBadRequest, "idempotency_key required")
		return
	}
	receipt, err := s.gates.SubmitEvidence(r.Context(), gateID, req)
	if err != nil {
		s.writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleLobby(w http.ResponseWriter, r *http.Request) {
	v, err := s.gates.Lobby(r.Context(), r.PathValue("gate_id"))
	if err != nil {
		s.writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleExplanation(w http.ResponseWriter, r *http.Request) {
	sum, err := s.gates.Explanation(r.Context(), r.PathValue("gate_id"))
	if err != nil {
		s.writeDomainErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(sum)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	currency := r.URL.Query().Get("currency")
	if currency == "" {
		currency = s.cfg.DefaultCurrency
	}
	bal, err := s.wallet.Balance(r.Context(), r.PathValue("user_id"), currency)
	if err != nil {
		s.writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": r.PathValue("user_id"), "currency": currency, "balance": bal,
	})
}

func (s *Server) handlePublishPlan(w http.ResponseWriter, r *http.Request) {
	var req protocol.PublishPlanRequest
	if err := decode(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, protocol.ErrBadRequest, err.Error())
		return
	}
	if req.InstanceID == "" {
		writeErr(w, http.StatusBadRequest, protocol.ErrBadRequest, "instance_id required")
		return
	}
	windowStart := time.Now().UTC().Truncate(time.Hour)
	if req.WindowStartMs > 0 {
		windowStart = time.UnixMilli(req.WindowStartMs).UTC()
	}
	p, err := s.plans.Publish(r.Context(), req.InstanceID, windowStart)
	if err != nil {
		s.writeDomainErr(w, err)
		return
	}
	g, err := s.gates.EnsureFromPlan(r.Context(), p)
	if err != nil {
		s.writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"plan": p, "gate_id": g.GateID})
}

func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	var req protocol.TickRequest
	if err := decode(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, protocol.ErrBadRequest, err.Error())
		return
	}
	if req.InstanceID == "" {
		writeErr(w, http.StatusBadRequest, protocol.ErrBadRequest, "instance_id required")
		return
	}
	st, err := s.ticks.Advance(r.Context(), req.InstanceID, s.ticks.CurrentTickID(time.Now()))
	if err != nil {
		s.writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) writeDomainErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, gate.ErrNotFound), errors.Is(err, world.ErrNotFound):
		writeErr(w, http.StatusNotFound, protocol.ErrGateNotFound, err.Error())
	case errors.Is(err, gate.ErrClosed):
		writeErr(w, http.StatusConflict, protocol.ErrGateClosed, err.Error())
	case errors.Is(err, gate.ErrInvalidOption):
		writeErr(w, http.StatusBadRequest, protocol.ErrInvalidOption, err.Error())
	case errors.Is(err, gate.ErrInvalidAmount), errors.Is(err, gate.ErrStakeDisabled), errors.Is(err, gate.ErrOptionSwitch):
		writeErr(w, http.StatusBadRequest, protocol.ErrInvalidAmount, err.Error())
	case errors.Is(err, gate.ErrNotResolved):
		writeErr(w, http.StatusConflict, protocol.ErrNotResolved, err.Error())
	case errors.Is(err, idem.ErrKeyReuse):
		writeErr(w, http.StatusConflict, protocol.ErrKeyReuse, err.Error())
	case errors.Is(err, wallet.ErrInsufficientFunds):
		writeErr(w, http.StatusPaymentRequired, protocol.ErrInsufficientFunds, err.Error())
	case errors.Is(err, world.ErrStaleTick):
		writeErr(w, http.StatusConflict, protocol.ErrStaleTick, err.Error())
	default:
		s.log.Printf("internal error: %v", err)
		writeErr(w, http.StatusInternalServerError, protocol.ErrInternal, "internal error")
	}
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, protocol.ErrorBody{Code: code, Message: msg})
}

// ipLimiter is a token bucket per client address; buckets idle for ten
// minutes are dropped.
type ipLimiter struct {
	mu    sync.Mutex
	rps   rate.Limit
	burst int
	seen  map[string]*ipEntry
}

type ipEntry struct {
	lim  *rate.Limiter
	last time.Time
}

func newIPLimiter(rps rate.Limit, burst int) *ipLimiter {
	if rps <= 0 {
		rps = 10
	}
	if burst <= 0 {
		burst = 30
	}
	return &ipLimiter{rps: rps, burst: burst, seen: map[string]*ipEntry{}}
}

func (l *ipLimiter) allow(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.seen[host]
	if !ok {
		e = &ipEntry{lim: rate.NewLimiter(l.rps, l.burst)}
		l.seen[host] = e
	}
	e.last = now
	if len(l.seen) > 1024 {
		for k, v := range l.seen {
			if now.Sub(v.last) > 10*time.Minute {
				delete(l.seen, k)
			}
		}
	}
	return e.lim.Allow()
}

func (s *Server) limited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.allow(r.RemoteAddr) {
			writeErr(w, http.StatusTooManyRequests, protocol.ErrRateLimit, "slow down")
			return
		}
		next(w, r)
	}
}
