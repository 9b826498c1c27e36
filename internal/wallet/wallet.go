// Package wallet is the only place money-like value is created, moved, or
// destroyed. The ledger is append-only; balances are a materialized
// projection over it and reconciliation checks the two never drift.
package wallet

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"theatreos/internal/store"
)

// Ledger entry reasons.
const (
	ReasonStakeLock    = "STAKE_LOCK"
	ReasonStakePayout  = "STAKE_PAYOUT"
	ReasonStakeRefund  = "STAKE_REFUND"
	ReasonStakeBurn    = "STAKE_BURN"
	ReasonInitialGrant = "INITIAL_GRANT"
)

// BurnAccount accumulates burned value so every ledger delta lands on some
// account and gate settlements sum to zero.
const BurnAccount = "_burn"

var ErrInsufficientFunds = errors.New("wallet: insufficient funds")

type Ledger struct {
	db  *store.DB
	log *log.Logger
}

func New(db *store.DB, logger *log.Logger) *Ledger {
	return &Ledger{db: db, log: logger}
}

func (l *Ledger) Balance(ctx context.Context, userID, currency string) (int64, error) {
	var bal int64
	err := l.db.SQL().QueryRowContext(ctx,
		`SELECT balance FROM wallet_balance WHERE user_id = ? AND currency = ?`,
		userID, currency).Scan(&bal)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return bal, err
}

// Grant gives a new user their onboarding balance. A user who already has a
// balance row for the currency is left untouched.
func (l *Ledger) Grant(ctx context.Context, userID, currency string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("wallet: grant amount must be positive")
	}
	tx, err := l.db.BeginWrite(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var existing int64
	err = tx.QueryRowContext(ctx,
		`SELECT balance FROM wallet_balance WHERE user_id = ? AND currency = ?`,
		userID, currency).Scan(&existing)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if err := l.MoveTx(ctx, tx, userID, currency, amount, ReasonInitialGrant, "system", "onboarding"); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	l.log.Printf("granted %d %s to %s", amount, currency, userID)
	return nil
}

// LockTx debits amount for a stake inside the caller's transaction, so a
// failed stake write rolls the lock back with it. Insufficient balance fails
// without touching anything.
func (l *Ledger) LockTx(ctx context.Context, tx *sql.Tx, userID, currency string, amount int64, refID string) error {
	if amount <= 0 {
		return fmt.Errorf("wallet: lock amount must be positive")
	}
	var bal int64
	err := tx.QueryRowContext(ctx,
		`SELECT balance FROM wallet_balance WHERE user_id = ? AND currency = ?`,
		userID, currency).Scan(&bal)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if bal < amount {
		return fmt.Errorf("%w: have %d, need %d", ErrInsufficientFunds, bal, amount)
	}
	return l.MoveTx(ctx, tx, userID, currency, -amount, ReasonStakeLock, "gate", refID)
}

// MoveTx appends one ledger row and applies the delta to the balance
// projection, inside the caller's transaction.
func (l *Ledger) MoveTx(ctx context.Context, tx *sql.Tx, userID, currency string, delta int64, reason, refType, refID string) error {
	now := time.Now().UnixMilli()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO wallet_ledger (tx_id, user_id, currency, delta, reason, ref_type, ref_id, created_at)
		 VALUES (?,?,?,?,?,?,?,?)`,
		uuid.NewString(), userID, currency, delta, reason, refType, refID, now); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO wallet_balance (user_id, currency, balance, updated_at) VALUES (?,?,?,?)
		 ON CONFLICT(user_id, currency) DO UPDATE SET
		   balance = balance + excluded.balance, updated_at = excluded.updated_at`,
		userID, currency, delta, now)
	return err
}

// BurnTx records value removed from circulation against the burn sink.
func (l *Ledger) BurnTx(ctx context.Context, tx *sql.Tx, currency string, amount int64, refID string) error {
	if amount <= 0 {
		return nil
	}
	return l.MoveTx(ctx, tx, BurnAccount, currency, amount, ReasonStakeBurn, "gate", refID)
}

// Mismatch is one balance row that disagrees with the ledger sum.
type Mismatch struct {
	UserID    string
	Currency  string
	Balance   int64
	LedgerSum int64
}

// Reconcile recomputes every balance from the ledger and reports rows that
// drifted. An empty result is the invariant holding.
func (l *Ledger) Reconcile(ctx context.Context) ([]Mismatch, error) {
	rows, err := l.db.SQL().QueryContext(ctx,
		`SELECT lg.user_id, lg.currency, COALESCE(SUM(lg.delta), 0), COALESCE(b.balance, 0)
		 FROM wallet_ledger lg
		 LEFT JOIN wallet_balance b ON b.user_id = lg.user_id AND b.currency = lg.currency
		 GROUP BY lg.user_id, lg.currency`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Mismatch
	for rows.Next() {
		var m Mismatch
		if err := rows.Scan(&m.UserID, &m.Currency, &m.LedgerSum, &m.Balance); err != nil {
			return nil, err
		}
		if m.LedgerSum != m.Balance {
			out = append(out, m)
		}
	}
	return out, rows.Err()
}
