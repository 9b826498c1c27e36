package wallet

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"testing"

	"theatreos/internal/store"
)

func newTestLedger(t *testing.T) (*Ledger, *store.DB) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "t.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db, log.New(io.Discard, "", 0)), db
}

func TestGrantOnce(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	if err := l.Grant(ctx, "u1", "SHARD", 100_0000); err != nil {
		t.Fatalf("grant: %v", err)
	}
	// Second grant is a no-op, not a double credit.
	if err := l.Grant(ctx, "u1", "SHARD", 100_0000); err != nil {
		t.Fatalf("regrant: %v", err)
	}
	bal, err := l.Balance(ctx, "u1", "SHARD")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if bal != 100_0000 {
		t.Fatalf("balance = %d, want 1000000", bal)
	}
}

func TestLockInsufficientFundsLeavesStateUntouched(t *testing.T) {
	l, db := newTestLedger(t)
	ctx := context.Background()
	if err := l.Grant(ctx, "u1", "SHARD", 50_0000); err != nil {
		t.Fatalf("grant: %v", err)
	}

	tx, err := db.BeginWrite(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	err = l.LockTx(ctx, tx, "u1", "SHARD", 80_0000, "gate_x")
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("want ErrInsufficientFunds, got %v", err)
	}
	_ = tx.Rollback()

	bal, _ := l.Balance(ctx, "u1", "SHARD")
	if bal != 50_0000 {
		t.Fatalf("balance moved on failed lock: %d", bal)
	}
	var rows int
	if err := db.SQL().QueryRow(`SELECT COUNT(*) FROM wallet_ledger WHERE reason = ?`, ReasonStakeLock).Scan(&rows); err != nil {
		t.Fatalf("count: %v", err)
	}
	if rows != 0 {
		t.Fatalf("failed lock left %d ledger rows", rows)
	}
}

func TestLockAndRollbackTogether(t *testing.T) {
	l, db := newTestLedger(t)
	ctx := context.Background()
	if err := l.Grant(ctx, "u1", "SHARD", 50_0000); err != nil {
		t.Fatalf("grant: %v", err)
	}

	tx, err := db.BeginWrite(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := l.LockTx(ctx, tx, "u1", "SHARD", 20_0000, "gate_x"); err != nil {
		t.Fatalf("lock: %v", err)
	}
	// Caller's transaction fails after the lock; the debit rolls back too.
	_ = tx.Rollback()

	bal, _ := l.Balance(ctx, "u1", "SHARD")
	if bal != 50_0000 {
		t.Fatalf("rolled-back lock stuck: %d", bal)
	}
}

func TestReconcileDetectsDrift(t *testing.T) {
	l, db := newTestLedger(t)
	ctx := context.Background()
	if err := l.Grant(ctx, "u1", "SHARD", 100_0000); err != nil {
		t.Fatalf("grant: %v", err)
	}

	mismatches, err := l.Reconcile(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(mismatches) != 0 {
		t.Fatalf("clean ledger reported drift: %+v", mismatches)
	}

	// Corrupt the projection behind the ledger's back.
	if _, err := db.SQL().Exec(`UPDATE wallet_balance SET balance = balance + 5 WHERE user_id = 'u1'`); err != nil {
		t.Fatalf("corrupt: %v", err)
	}
	mismatches, err = l.Reconcile(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(mismatches) != 1 || mismatches[0].Balance != 100_0005 || mismatches[0].LedgerSum != 100_0000 {
		t.Fatalf("drift not detected: %+v", mismatches)
	}
}

func TestBurnLandsOnSink(t *testing.T) {
	l, db := newTestLedger(t)
	ctx := context.Background()

	tx, err := db.BeginWrite(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := l.BurnTx(ctx, tx, "SHARD", 7_0000, "gate_x"); err != nil {
		t.Fatalf("burn: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	bal, _ := l.Balance(ctx, BurnAccount, "SHARD")
	if bal != 7_0000 {
		t.Fatalf("burn sink balance = %d, want 70000", bal)
	}
}
