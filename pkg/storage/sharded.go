package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cuemby/relay/pkg/types"
)

const shardSchema = `
CREATE TABLE IF NOT EXISTS self_state (
	id                INTEGER PRIMARY KEY CHECK (id = 0),
	last_heartbeat    INTEGER NOT NULL DEFAULT 0,
	pid               INTEGER NOT NULL DEFAULT 0,
	hostname          TEXT NOT NULL DEFAULT '',
	cwd               TEXT NOT NULL DEFAULT '',
	mode              TEXT NOT NULL DEFAULT 'working',
	mode_since        INTEGER NOT NULL DEFAULT 0,
	recv_started      INTEGER NOT NULL DEFAULT 0,
	recv_deadline     INTEGER NOT NULL DEFAULT 0,
	recv_wait_seconds INTEGER NOT NULL DEFAULT 0,
	status_request    INTEGER NOT NULL DEFAULT 0,
	active_last_touch INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS inbox (
	msg_id   TEXT PRIMARY KEY,
	short_id TEXT NOT NULL,
	ts       INTEGER NOT NULL,
	ts_str   TEXT NOT NULL,
	from_id  TEXT NOT NULL,
	content  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS outbox (
	msg_id   TEXT PRIMARY KEY,
	short_id TEXT NOT NULL,
	ts       INTEGER NOT NULL,
	ts_str   TEXT NOT NULL,
	to_id    TEXT NOT NULL,
	content  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS status_result (
	id        INTEGER PRIMARY KEY CHECK (id = 0),
	rendered  TEXT NOT NULL DEFAULT '',
	filled_at INTEGER NOT NULL DEFAULT 0
);
`

// OutboxEntry is one pending cross-shard delivery the Reconciler has to
// move; To may be types.All, left unresolved by the sender and expanded
// by the Reconciler against its own online snapshot at reconcile time
// before writing into recipient inboxes.
type OutboxEntry struct {
	MsgID   string
	ShortID string
	Ts      float64
	TsStr   string
	To      types.AgentID
	Content string
}

// ShardStore is one agent's private file in the per-agent realization
// (spec.md §3 "P"): self_state, inbox, outbox, status_result.
type ShardStore struct {
	dir string
	id  types.AgentID
	db  *sql.DB
}

func shardPath(dir string, id types.AgentID) string {
	return filepath.Join(dir, fmt.Sprintf("agent_%s.db", id))
}

// ShardPath exposes the on-disk path for id's shard, used by the
// identity allocator to race-safely claim a free slot with O_EXCL
// before handing it off to OpenShard.
func ShardPath(dir string, id types.AgentID) string {
	return shardPath(dir, id)
}

// OpenShard opens (creating if absent) the shard file for id under dir.
func OpenShard(dir string, id types.AgentID, busyTimeout time.Duration) (*ShardStore, error) {
	db, err := openPragma(shardPath(dir, id), busyTimeout)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(shardSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init shard schema: %w", err)
	}
	if _, err := db.Exec(`INSERT OR IGNORE INTO self_state (id) VALUES (0)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("seed self_state: %w", err)
	}
	if _, err := db.Exec(`INSERT OR IGNORE INTO status_result (id) VALUES (0)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("seed status_result: %w", err)
	}
	return &ShardStore{dir: dir, id: id, db: db}, nil
}

// Recreate closes, deletes, and reopens this shard with an empty
// schema, per spec.md §4.1's corrupt-shard recovery path.
func (s *ShardStore) Recreate(busyTimeout time.Duration) error {
	s.db.Close()
	path := shardPath(s.dir, s.id)
	_ = os.Remove(path)
	_ = os.Remove(path + "-wal")
	_ = os.Remove(path + "-shm")
	fresh, err := OpenShard(s.dir, s.id, busyTimeout)
	if err != nil {
		return err
	}
	s.db = fresh.db
	return nil
}

func (s *ShardStore) Close() error { return s.db.Close() }

func (s *ShardStore) Checkpoint(ctx context.Context) error { return checkpoint(ctx, s.db) }
func (s *ShardStore) Optimize(ctx context.Context) error   { return optimize(ctx, s.db) }

// ShardEntry pairs a shard id with its self-state, for callers that
// need to scan every shard without holding them open (leader election,
// status local-scan fallback).
type ShardEntry struct {
	ID    types.AgentID
	State *types.SelfState
}

// ScanShards opens and closes every shard under dir in turn, returning
// each one's self-state. Shards that fail to open or read are skipped.
func ScanShards(dir string, busyTimeout time.Duration) ([]ShardEntry, error) {
	ids, err := ListShards(dir)
	if err != nil {
		return nil, err
	}
	var out []ShardEntry
	for _, id := range ids {
		shard, err := OpenShard(dir, id, busyTimeout)
		if err != nil {
			continue
		}
		st, err := shard.GetSelfState(context.Background())
		shard.Close()
		if err != nil {
			continue
		}
		out = append(out, ShardEntry{ID: id, State: st})
	}
	return out, nil
}

// ListShards returns every agent id with an existing shard file under dir.
func ListShards(dir string) ([]types.AgentID, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "agent_*.db"))
	if err != nil {
		return nil, fmt.Errorf("glob shards: %w", err)
	}
	var ids []types.AgentID
	for _, m := range matches {
		base := filepath.Base(m)
		id := strings.TrimSuffix(strings.TrimPrefix(base, "agent_"), ".db")
		if id != "" {
			ids = append(ids, types.AgentID(id))
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// DeleteShard removes a shard's file and WAL/SHM sidecars without
// opening it, used when the Identity Allocator reclaims an id whose
// heartbeat aged out (spec.md §4.2 sharded algorithm).
func DeleteShard(dir string, id types.AgentID) error {
	path := shardPath(dir, id)
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Remove(path + suffix); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// --- self_state ---

// GetSelfState reads this shard's singleton self-state row.
func (s *ShardStore) GetSelfState(ctx context.Context) (*types.SelfState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT last_heartbeat, pid, hostname, cwd, mode, mode_since, recv_started, recv_deadline, recv_wait_seconds, status_request, active_last_touch
		FROM self_state WHERE id = 0`)
	var st types.SelfState
	var mode string
	var lastHB, modeSince, recvStarted, recvDeadline, activeTouch int64
	var statusReq int
	err := row.Scan(&lastHB, &st.Pid, &st.Hostname, &st.Cwd, &mode, &modeSince, &recvStarted, &recvDeadline, &st.RecvWaitSeconds, &statusReq, &activeTouch)
	if err != nil {
		return nil, fmt.Errorf("get self_state: %w", err)
	}
	st.LastHeartbeat = timeOrZero(lastHB)
	st.Mode = types.Mode(mode)
	st.ModeSince = timeOrZero(modeSince)
	st.RecvStarted = timeOrZero(recvStarted)
	st.RecvDeadline = timeOrZero(recvDeadline)
	st.ActiveLastTouch = timeOrZero(activeTouch)
	st.StatusRequest = statusReq != 0
	return &st, nil
}

// PutSelfState overwrites this shard's singleton self-state row.
func (s *ShardStore) PutSelfState(ctx context.Context, st *types.SelfState) error {
	return withTx(ctx, s.db, "put_self_state", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE self_state SET last_heartbeat=?, pid=?, hostname=?, cwd=?, mode=?, mode_since=?, recv_started=?, recv_deadline=?, recv_wait_seconds=?, status_request=?, active_last_touch=?
			WHERE id = 0`,
			nsOrZero(st.LastHeartbeat), st.Pid, st.Hostname, st.Cwd, string(st.Mode), nsOrZero(st.ModeSince),
			nsOrZero(st.RecvStarted), nsOrZero(st.RecvDeadline), st.RecvWaitSeconds, boolToInt(st.StatusRequest), nsOrZero(st.ActiveLastTouch))
		return err
	})
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// --- outbox (sender-owned) ---

// AppendOutbox writes one pending delivery into this shard's outbox,
// one transaction per record per spec.md §4.5.
func (s *ShardStore) AppendOutbox(ctx context.Context, e *OutboxEntry) error {
	return withTx(ctx, s.db, "append_outbox", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO outbox (msg_id, short_id, ts, ts_str, to_id, content) VALUES (?, ?, ?, ?, ?, ?)`,
			e.MsgID, e.ShortID, int64(e.Ts*1e9), e.TsStr, string(e.To), e.Content)
		return err
	})
}

// SnapshotOutbox reads up to limit pending outbox rows, oldest first,
// for the Reconciler's read phase (spec.md §4.4 Reconciler step a).
func (s *ShardStore) SnapshotOutbox(ctx context.Context, limit int) ([]*OutboxEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT msg_id, short_id, ts, ts_str, to_id, content FROM outbox ORDER BY ts LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("snapshot outbox: %w", err)
	}
	defer rows.Close()

	var out []*OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		var tsNs int64
		var to string
		if err := rows.Scan(&e.MsgID, &e.ShortID, &tsNs, &e.TsStr, &to, &e.Content); err != nil {
			return nil, err
		}
		e.To = types.AgentID(to)
		e.Ts = float64(tsNs) / 1e9
		out = append(out, &e)
	}
	return out, rows.Err()
}

// DeleteOutbox removes fully-delivered outbox rows (Reconciler step c).
func (s *ShardStore) DeleteOutbox(ctx context.Context, msgIDs []string) error {
	if len(msgIDs) == 0 {
		return nil
	}
	return withTx(ctx, s.db, "delete_outbox", func(tx *sql.Tx) error {
		for _, id := range msgIDs {
			if _, err := tx.ExecContext(ctx, `DELETE FROM outbox WHERE msg_id = ?`, id); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *ShardStore) CountOutbox(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox`).Scan(&n)
	return n, err
}

// --- inbox (receiver-owned) ---

// WriteInbox inserts one delivered message into a recipient shard's
// inbox (Reconciler step b); ignores a duplicate msg_id so re-delivery
// after a partial reconciliation crash stays idempotent.
func (s *ShardStore) WriteInbox(ctx context.Context, e *OutboxEntry, from types.AgentID) error {
	return withTx(ctx, s.db, "write_inbox", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO inbox (msg_id, short_id, ts, ts_str, from_id, content) VALUES (?, ?, ?, ?, ?, ?)`,
			e.MsgID, e.ShortID, int64(e.Ts*1e9), e.TsStr, string(from), e.Content)
		return err
	})
}

// DrainInbox implements spec.md §4.6's sharded reduction: read every
// row and delete it in the same transaction. No lease is needed since
// the Reconciler is the sole writer and the owning agent the sole
// reader.
func (s *ShardStore) DrainInbox(ctx context.Context) ([]*types.Message, error) {
	var out []*types.Message
	err := withTx(ctx, s.db, "drain_inbox", func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT msg_id, short_id, ts, ts_str, from_id, content FROM inbox ORDER BY ts`)
		if err != nil {
			return err
		}
		var ids []string
		for rows.Next() {
			var m types.Message
			var tsNs int64
			var from string
			if err := rows.Scan(&m.MsgID, &m.ShortID, &tsNs, &m.TsStr, &from, &m.Content); err != nil {
				rows.Close()
				return err
			}
			m.From = types.AgentID(from)
			m.Ts = float64(tsNs) / 1e9
			m.State = types.StateInflight
			out = append(out, &m)
			ids = append(ids, m.MsgID)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		rows.Close()
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `DELETE FROM inbox WHERE msg_id = ?`, id); err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

// --- status_result ---

func (s *ShardStore) RequestStatus(ctx context.Context) error {
	return withTx(ctx, s.db, "request_status", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE self_state SET status_request = 1 WHERE id = 0`)
		return err
	})
}

// FillStatus is called by the Leader to satisfy a pending status
// request (Reconciler step d).
func (s *ShardStore) FillStatus(ctx context.Context, rendered string, now time.Time) error {
	return withTx(ctx, s.db, "fill_status", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE status_result SET rendered=?, filled_at=? WHERE id=0`, rendered, now.UnixNano()); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `UPDATE self_state SET status_request = 0 WHERE id = 0`)
		return err
	})
}

// PollStatus reads the status-result slot; fresh reports whether
// filled_at is at or after since, letting the caller detect a fresh fill.
func (s *ShardStore) PollStatus(ctx context.Context, since time.Time) (rendered string, fresh bool, err error) {
	var filledNs int64
	row := s.db.QueryRowContext(ctx, `SELECT rendered, filled_at FROM status_result WHERE id = 0`)
	if err := row.Scan(&rendered, &filledNs); err != nil {
		return "", false, err
	}
	filledAt := timeOrZero(filledNs)
	return rendered, !filledAt.Before(since), nil
}
