package world

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"theatreos/internal/store"
)

type Store struct {
	db      *store.DB
	log     *log.Logger
	archive *Archive

	// catchup is how many ticks behind the head a delta may declare before
	// it is rejected as stale.
	catchup int64

	snapshotEvery int64
}

type Options struct {
	CatchupWindow int
	SnapshotEvery int
	Archive       *Archive
}

func NewStore(db *store.DB, logger *log.Logger, opts Options) *Store {
	if opts.CatchupWindow <= 0 {
		opts.CatchupWindow = 2
	}
	if opts.SnapshotEvery <= 0 {
		opts.SnapshotEvery = 1
	}
	return &Store{
		db:            db,
		log:           logger,
		archive:       opts.Archive,
		catchup:       int64(opts.CatchupWindow),
		snapshotEvery: int64(opts.SnapshotEvery),
	}
}

// CreateInstance bootstraps a theatre. Idempotent: an existing instance is
// returned as-is. The initial state is itself evented (theatre.created) so a
// replay from tick zero starts from nothing and still converges.
func (st *Store) CreateInstance(ctx context.Context, instanceID, city string, vars map[string]float64, threads map[string]Thread) (State, error) {
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	if cur, err := st.Snapshot(ctx, instanceID); err == nil {
		return cur, nil
	} else if !errors.Is(err, ErrNotFound) {
		return State{}, err
	}

	tx, err := st.db.BeginWrite(ctx)
	if err != nil {
		return State{}, err
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO theatre (instance_id, city, status, created_at) VALUES (?,?,?,?)`,
		instanceID, city, "ACTIVE", now); err != nil {
		return State{}, err
	}

	s := newState(instanceID)
	payload := createdPayload{City: city, Vars: vars, Threads: threads}
	ev, err := st.appendEvent(ctx, tx, &s, 0, EventTheatreCreated, payload, "")
	if err != nil {
		return State{}, err
	}
	if err := st.writeHead(ctx, tx, &s, now, true); err != nil {
		return State{}, err
	}
	if err := tx.Commit(); err != nil {
		return State{}, err
	}
	st.mirror(ev)
	st.log.Printf("created theatre %s (%s)", instanceID, city)
	return s.Clone(), nil
}

// Apply runs one idempotent delta against an instance. The event rows and
// the materialized head move as a single transaction; a duplicate delta_id
// returns the state as of its original application with ErrDuplicateDelta.
func (st *Store) Apply(ctx context.Context, instanceID, deltaID string, declaredTick int64, ops []Op) (State, error) {
	if deltaID == "" {
		return State{}, fmt.Errorf("world: empty delta_id")
	}
	if len(ops) == 0 {
		return State{}, fmt.Errorf("world: empty delta")
	}

	tx, err := st.db.BeginWrite(ctx)
	if err != nil {
		return State{}, err
	}
	defer tx.Rollback()

	var stateJSON string
	err = tx.QueryRowContext(ctx,
		`SELECT state_json FROM world_delta WHERE delta_id = ?`, deltaID).Scan(&stateJSON)
	if err == nil {
		var prior State
		if uerr := json.Unmarshal([]byte(stateJSON), &prior); uerr != nil {
			return State{}, uerr
		}
		return prior, ErrDuplicateDelta
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return State{}, err
	}

	s, err := st.loadHead(ctx, tx, instanceID)
	if err != nil {
		return State{}, err
	}
	if declaredTick < s.TickID-st.catchup {
		return State{}, fmt.Errorf("%w: declared %d, head %d", ErrStaleTick, declaredTick, s.TickID)
	}

	now := time.Now().UnixMilli()
	events := make([]Event, 0, len(ops))
	tickCompleted := false
	for _, op := range ops {
		ev, err := st.appendEvent(ctx, tx, &s, declaredTick, "", op, deltaID)
		if err != nil {
			return State{}, err
		}
		if ev.Type == EventTickCompleted {
			tickCompleted = true
		}
		events = append(events, ev)
	}

	if err := st.writeHead(ctx, tx, &s, now, false); err != nil {
		return State{}, err
	}

	headJSON, err := json.Marshal(s)
	if err != nil {
		return State{}, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO world_delta (delta_id, instance_id, tick_id, version, state_json, created_at)
		 VALUES (?,?,?,?,?,?)`,
		deltaID, instanceID, s.TickID, s.Version, string(headJSON), now); err != nil {
		return State{}, err
	}

	if tickCompleted && s.TickID%st.snapshotEvery == 0 {
		lastSeq := events[len(events)-1].Seq
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO world_snapshot (instance_id, tick_id, version, event_seq, state_json, digest, created_at)
			 VALUES (?,?,?,?,?,?,?)`,
			instanceID, s.TickID, s.Version, lastSeq, string(headJSON), s.Digest(), now); err != nil {
			return State{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return State{}, err
	}
	for _, ev := range events {
		st.mirror(ev)
	}
	return s.Clone(), nil
}

// appendEvent builds the event for op (or a pre-built payload when eventType
// is given), folds it into s, and persists the row.
func (st *Store) appendEvent(ctx context.Context, tx *sql.Tx, s *State, tickID int64, eventType string, opOrPayload any, deltaID string) (Event, error) {
	var payload any
	var err error
	if eventType == "" {
		op, ok := opOrPayload.(Op)
		if !ok {
			return Event{}, fmt.Errorf("world: bad op")
		}
		eventType, payload, err = buildEvent(s, op)
		if err != nil {
			return Event{}, err
		}
	} else {
		payload = opOrPayload
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	if err := fold(s, eventType, raw); err != nil {
		return Event{}, err
	}
	if err := st.projectCurrent(ctx, tx, s.InstanceID, eventType, raw); err != nil {
		return Event{}, err
	}

	ev := Event{
		EventID:    uuid.NewString(),
		InstanceID: s.InstanceID,
		TickID:     tickID,
		Type:       eventType,
		Payload:    raw,
		DeltaID:    deltaID,
		CreatedAt:  time.Now().UnixMilli(),
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO world_event (event_id, instance_id, tick_id, type, payload_json, delta_id, created_at)
		 VALUES (?,?,?,?,?,?,?)`,
		ev.EventID, ev.InstanceID, ev.TickID, ev.Type, string(ev.Payload), nullable(ev.DeltaID), ev.CreatedAt)
	if err != nil {
		return Event{}, err
	}
	ev.Seq, err = res.LastInsertId()
	if err != nil {
		return Event{}, err
	}
	return ev, nil
}

// projectCurrent keeps the per-entity read tables (world_var, world_thread,
// world_object) in step with the head. They are a queryable projection only;
// the head state_json stays the source of truth.
func (st *Store) projectCurrent(ctx context.Context, tx *sql.Tx, instanceID, eventType string, raw json.RawMessage) error {
	switch eventType {
	case EventVarChanged:
		var p varChangedPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO world_var (instance_id, var_id, value) VALUES (?,?,?)
			 ON CONFLICT(instance_id, var_id) DO UPDATE SET value = excluded.value`,
			instanceID, p.VarID, clamp01(p.New))
		return err
	case EventThreadAdvanced:
		var p threadAdvancedPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO world_thread (instance_id, thread_id, phase_id, progress, branch_bucket) VALUES (?,?,?,?,?)
			 ON CONFLICT(instance_id, thread_id) DO UPDATE SET
			   phase_id = excluded.phase_id, progress = excluded.progress, branch_bucket = excluded.branch_bucket`,
			instanceID, p.ThreadID, p.To.PhaseID, p.To.Progress, p.To.BranchBucket)
		return err
	case EventObjectChanged:
		var p objectChangedPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO world_object (instance_id, object_id, holder_type, holder_id) VALUES (?,?,?,?)
			 ON CONFLICT(instance_id, object_id) DO UPDATE SET
			   holder_type = excluded.holder_type, holder_id = excluded.holder_id`,
			instanceID, p.ObjectID, p.New.HolderType, p.New.HolderID)
		return err
	case EventTheatreCreated:
		var p createdPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
		for k, v := range p.Vars {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR REPLACE INTO world_var (instance_id, var_id, value) VALUES (?,?,?)`,
				instanceID, k, clamp01(v)); err != nil {
				return err
			}
		}
		for k, t := range p.Threads {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR REPLACE INTO world_thread (instance_id, thread_id, phase_id, progress, branch_bucket) VALUES (?,?,?,?,?)`,
				instanceID, k, t.PhaseID, t.Progress, t.BranchBucket); err != nil {
				return err
			}
		}
	}
	return nil
}

func (st *Store) loadHead(ctx context.Context, tx *sql.Tx, instanceID string) (State, error) {
	var stateJSON string
	err := tx.QueryRowContext(ctx,
		`SELECT state_json FROM world_current WHERE instance_id = ?`, instanceID).Scan(&stateJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return State{}, fmt.Errorf("%w: %s", ErrNotFound, instanceID)
	}
	if err != nil {
		return State{}, err
	}
	var s State
	if err := json.Unmarshal([]byte(stateJSON), &s); err != nil {
		return State{}, err
	}
	return s, nil
}

func (st *Store) writeHead(ctx context.Context, tx *sql.Tx, s *State, now int64, insert bool) error {
	headJSON, err := json.Marshal(s)
	if err != nil {
		return err
	}
	if insert {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO world_current (instance_id, tick_id, version, state_json, digest, updated_at)
			 VALUES (?,?,?,?,?,?)`,
			s.InstanceID, s.TickID, s.Version, string(headJSON), s.Digest(), now)
		return err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE world_current SET tick_id = ?, version = ?, state_json = ?, digest = ?, updated_at = ?
		 WHERE instance_id = ?`,
		s.TickID, s.Version, string(headJSON), s.Digest(), now, s.InstanceID)
	return err
}

// Snapshot returns the latest materialized state.
func (st *Store) Snapshot(ctx context.Context, instanceID string) (State, error) {
	var stateJSON string
	err := st.db.SQL().QueryRowContext(ctx,
		`SELECT state_json FROM world_current WHERE instance_id = ?`, instanceID).Scan(&stateJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return State{}, fmt.Errorf("%w: %s", ErrNotFound, instanceID)
	}
	if err != nil {
		return State{}, err
	}
	var s State
	if err := json.Unmarshal([]byte(stateJSON), &s); err != nil {
		return State{}, err
	}
	return s, nil
}

// Replay reconstructs state by folding the event log from the nearest stored
// snapshot at or before fromTick (or from nothing). The result must be
// bit-identical to the live head; VerifyReplay enforces that.
func (st *Store) Replay(ctx context.Context, instanceID string, fromTick int64) (State, error) {
	s := newState(instanceID)
	var sinceSeq int64

	if fromTick > 0 {
		var stateJSON string
		err := st.db.SQL().QueryRowContext(ctx,
			`SELECT state_json, event_seq FROM world_snapshot
			 WHERE instance_id = ? AND tick_id <= ?
			 ORDER BY tick_id DESC LIMIT 1`,
			instanceID, fromTick).Scan(&stateJSON, &sinceSeq)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return State{}, err
		}
		if err == nil {
			if uerr := json.Unmarshal([]byte(stateJSON), &s); uerr != nil {
				return State{}, uerr
			}
		}
	}

	rows, err := st.db.SQL().QueryContext(ctx,
		`SELECT seq, type, payload_json FROM world_event
		 WHERE instance_id = ? AND seq > ?
		 ORDER BY seq ASC`,
		instanceID, sinceSeq)
	if err != nil {
		return State{}, err
	}
	defer rows.Close()

	seen := false
	for rows.Next() {
		var (
			seq     int64
			typ     string
			payload string
		)
		if err := rows.Scan(&seq, &typ, &payload); err != nil {
			return State{}, err
		}
		seen = true
		if err := fold(&s, typ, json.RawMessage(payload)); err != nil {
			return State{}, err
		}
	}
	if err := rows.Err(); err != nil {
		return State{}, err
	}
	if !seen && sinceSeq == 0 && s.Version == 0 {
		return State{}, fmt.Errorf("%w: %s", ErrNotFound, instanceID)
	}
	return s, nil
}

// VerifyReplay folds the full log and compares digests with the live head.
// A mismatch is ErrReplayDivergence: fatal, operator territory.
func (st *Store) VerifyReplay(ctx context.Context, instanceID string) error {
	live, err := st.Snapshot(ctx, instanceID)
	if err != nil {
		return err
	}
	replayed, err := st.Replay(ctx, instanceID, 0)
	if err != nil {
		return err
	}
	if live.Digest() != replayed.Digest() {
		return fmt.Errorf("%w: instance %s live=%s replay=%s",
			ErrReplayDivergence, instanceID, live.Digest(), replayed.Digest())
	}
	return nil
}

// Events returns log rows for audit queries, newest first.
func (st *Store) Events(ctx context.Context, instanceID string, fromTick, toTick int64, eventType string, limit int) ([]Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	q := `SELECT seq, event_id, instance_id, tick_id, type, payload_json, COALESCE(delta_id,''), created_at
	      FROM world_event WHERE instance_id = ?`
	args := []any{instanceID}
	if fromTick > 0 {
		q += ` AND tick_id >= ?`
		args = append(args, fromTick)
	}
	if toTick > 0 {
		q += ` AND tick_id <= ?`
		args = append(args, toTick)
	}
	if eventType != "" {
		q += ` AND type = ?`
		args = append(args, eventType)
	}
	q += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit)

	rows, err := st.db.SQL().QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var payload string
		if err := rows.Scan(&ev.Seq, &ev.EventID, &ev.InstanceID, &ev.TickID, &ev.Type, &payload, &ev.DeltaID, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.Payload = json.RawMessage(payload)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (st *Store) mirror(ev Event) {
	if st.archive == nil {
		return
	}
	if err := st.archive.Write(ev); err != nil {
		st.log.Printf("archive write failed: %v", err)
	}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
