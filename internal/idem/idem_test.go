package idem

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"theatreos/internal/store"
)

func newTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "t.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestCheckSaveReplay(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	req := map[string]string{"option_id": "opt_a"}
	hash := Hash(req)

	tx, _ := db.BeginWrite(ctx)
	if _, ok, err := CheckTx(ctx, tx, "key1", "vote:g1", hash); err != nil || ok {
		t.Fatalf("fresh key: ok=%v err=%v", ok, err)
	}
	if err := SaveTx(ctx, tx, "key1", "vote:g1", hash, map[string]bool{"accepted": true}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	tx, _ = db.BeginWrite(ctx)
	defer tx.Rollback()
	resp, ok, err := CheckTx(ctx, tx, "key1", "vote:g1", hash)
	if err != nil || !ok {
		t.Fatalf("replay: ok=%v err=%v", ok, err)
	}
	var body map[string]bool
	if err := json.Unmarshal(resp, &body); err != nil || !body["accepted"] {
		t.Fatalf("stored response mangled: %s", resp)
	}
}

func TestKeyReuseWithDifferentBody(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	tx, _ := db.BeginWrite(ctx)
	if err := SaveTx(ctx, tx, "key1", "vote:g1", Hash(map[string]string{"option_id": "opt_a"}), "ok"); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	tx, _ = db.BeginWrite(ctx)
	defer tx.Rollback()

	// Same key, different request body.
	_, _, err := CheckTx(ctx, tx, "key1", "vote:g1", Hash(map[string]string{"option_id": "opt_b"}))
	if !errors.Is(err, ErrKeyReuse) {
		t.Fatalf("want ErrKeyReuse, got %v", err)
	}
	// Same key, different scope.
	_, _, err = CheckTx(ctx, tx, "key1", "stake:g1", Hash(map[string]string{"option_id": "opt_a"}))
	if !errors.Is(err, ErrKeyReuse) {
		t.Fatalf("want ErrKeyReuse for scope change, got %v", err)
	}
}

func TestHashIsStable(t *testing.T) {
	a := Hash(map[string]string{"x": "1"})
	b := Hash(map[string]string{"x": "1"})
	if a != b {
		t.Fatalf("hash not deterministic")
	}
	if a == Hash(map[string]string{"x": "2"}) {
		t.Fatalf("hash ignored body change")
	}
}
