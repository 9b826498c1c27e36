// Package idem is the idempotency guard for client-submitted mutations. A
// replayed key returns the originally recorded response instead of
// re-executing; a reused key with a different request body is a conflict.
package idem

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrKeyReuse = errors.New("idem: key reused with different request")

// Hash canonicalizes a request body for key-reuse detection.
func Hash(v any) string {
	b, _ := json.Marshal(v)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// CheckTx looks the key up inside the caller's transaction. On replay the
// stored response is returned with ok=true.
func CheckTx(ctx context.Context, tx *sql.Tx, key, scope, requestHash string) (json.RawMessage, bool, error) {
	var (
		storedScope string
		storedHash  string
		response    string
	)
	err := tx.QueryRowContext(ctx,
		`SELECT scope, request_hash, response_json FROM idempotency WHERE idem_key = ?`,
		key).Scan(&storedScope, &storedHash, &response)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if storedScope != scope || storedHash != requestHash {
		return nil, false, fmt.Errorf("%w: key %s", ErrKeyReuse, key)
	}
	return json.RawMessage(response), true, nil
}

// SaveTx records the response for a freshly executed request. Committing it
// in the same transaction as the effects is what makes replays safe.
func SaveTx(ctx context.Context, tx *sql.Tx, key, scope, requestHash string, response any) error {
	b, err := json.Marshal(response)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO idempotency (idem_key, scope, request_hash, response_json, created_at)
		 VALUES (?,?,?,?,?)`,
		key, scope, requestHash, string(b), time.Now().UnixMilli())
	return err
}
