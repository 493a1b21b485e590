package storage

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cuemby/relay/pkg/metrics"
	"github.com/cuemby/relay/pkg/types"
)

// schemaVersion names the shared database file so an incompatible
// future layout never opens against an old one; spec.md §3 calls this
// file bridge_<version>.db.
const schemaVersion = "v1"

const sharedSchema = `
CREATE TABLE IF NOT EXISTS peers (
	id                TEXT PRIMARY KEY,
	pid               INTEGER NOT NULL,
	hostname          TEXT NOT NULL,
	last_seen         INTEGER NOT NULL,
	cwd               TEXT NOT NULL DEFAULT '',
	mode              TEXT NOT NULL DEFAULT 'working',
	mode_since        INTEGER NOT NULL DEFAULT 0,
	recv_started      INTEGER NOT NULL DEFAULT 0,
	recv_deadline     INTEGER NOT NULL DEFAULT 0,
	recv_wait_seconds INTEGER NOT NULL DEFAULT 0,
	active_last_touch INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS messages (
	msg_id       TEXT PRIMARY KEY,
	short_id     TEXT NOT NULL,
	ts           INTEGER NOT NULL,
	ts_str       TEXT NOT NULL,
	from_id      TEXT NOT NULL,
	to_id        TEXT NOT NULL,
	content      TEXT NOT NULL,
	state        TEXT NOT NULL DEFAULT 'queued',
	lease_owner  TEXT NOT NULL DEFAULT '',
	lease_until  INTEGER NOT NULL DEFAULT 0,
	attempt      INTEGER NOT NULL DEFAULT 0,
	delivered_at INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_messages_to_state_ts ON messages(to_id, state, ts);
CREATE INDEX IF NOT EXISTS idx_messages_lease_until ON messages(state, lease_until);
`

// SharedStore is the single-file realization (spec.md §3 "S"): every
// agent process opens the same bridge_<version>.db and contends for
// rows through SQLite's own locking.
type SharedStore struct {
	db *sql.DB
}

// OpenShared opens (creating if absent) the shared store rooted at dir.
func OpenShared(dir string, busyTimeout time.Duration) (*SharedStore, error) {
	path := filepath.Join(dir, fmt.Sprintf("bridge_%s.db", schemaVersion))
	db, err := openPragma(path, busyTimeout)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(sharedSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &SharedStore{db: db}, nil
}

func (s *SharedStore) Close() error { return s.db.Close() }

func (s *SharedStore) Checkpoint(ctx context.Context) error { return checkpoint(ctx, s.db) }
func (s *SharedStore) Optimize(ctx context.Context) error   { return optimize(ctx, s.db) }

// ClaimIdentity implements spec.md §4.2: delete candidate's row if it
// is stale or orphaned, then insert self. The primary-key constraint on
// id makes two processes racing the same candidate resolve to exactly
// one winner: the loser's INSERT fails, which the caller sees as
// ErrIdentityTaken and retries with the next candidate.
func (s *SharedStore) ClaimIdentity(ctx context.Context, candidate types.AgentID, self *types.Peer, ttl time.Duration, isDead func(hostname string, pid int) bool) error {
	return withTx(ctx, s.db, "claim_identity", func(tx *sql.Tx) error {
		var hostname string
		var pid int
		var lastSeen int64
		err := tx.QueryRowContext(ctx, `SELECT hostname, pid, last_seen FROM peers WHERE id = ?`, string(candidate)).
			Scan(&hostname, &pid, &lastSeen)
		switch {
		case err == sql.ErrNoRows:
			// free
		case err != nil:
			return fmt.Errorf("lookup candidate: %w", err)
		default:
			seen := time.Unix(0, lastSeen)
			stale := time.Now().Sub(seen) > ttl
			orphaned := hostname == self.Hostname && isDead(hostname, pid)
			if !stale && !orphaned {
				return ErrIdentityTaken
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM peers WHERE id = ?`, string(candidate)); err != nil {
				return fmt.Errorf("evict candidate: %w", err)
			}
		}

		self.ID = candidate
		return insertPeer(ctx, tx, self)
	})
}

func insertPeer(ctx context.Context, tx *sql.Tx, p *types.Peer) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO peers (id, pid, hostname, last_seen, cwd, mode, mode_since, recv_started, recv_deadline, recv_wait_seconds, active_last_touch)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			pid=excluded.pid, hostname=excluded.hostname, last_seen=excluded.last_seen,
			cwd=excluded.cwd, mode=excluded.mode, mode_since=excluded.mode_since,
			recv_started=excluded.recv_started, recv_deadline=excluded.recv_deadline,
			recv_wait_seconds=excluded.recv_wait_seconds, active_last_touch=excluded.active_last_touch
		`,
		string(p.ID), p.Pid, p.Hostname, p.LastSeen.UnixNano(), p.Cwd, string(p.Mode), nsOrZero(p.ModeSince),
		nsOrZero(p.RecvStarted), nsOrZero(p.RecvDeadline), p.RecvWaitSeconds, nsOrZero(p.ActiveLastTouch),
	)
	if err != nil {
		return fmt.Errorf("insert peer: %w", err)
	}
	return nil
}

func (s *SharedStore) UpsertPeer(ctx context.Context, p *types.Peer) error {
	return withTx(ctx, s.db, "upsert_peer", func(tx *sql.Tx) error {
		return insertPeer(ctx, tx, p)
	})
}

func (s *SharedStore) GetPeer(ctx context.Context, id types.AgentID) (*types.Peer, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, pid, hostname, last_seen, cwd, mode, mode_since, recv_started, recv_deadline, recv_wait_seconds, active_last_touch FROM peers WHERE id = ?`, string(id))
	p, err := scanPeer(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return p, err
}

func (s *SharedStore) ListPeers(ctx context.Context) ([]*types.Peer, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, pid, hostname, last_seen, cwd, mode, mode_since, recv_started, recv_deadline, recv_wait_seconds, active_last_touch FROM peers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	defer rows.Close()

	var out []*types.Peer
	for rows.Next() {
		p, err := scanPeer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SharedStore) DeletePeer(ctx context.Context, id types.AgentID) error {
	return withTx(ctx, s.db, "delete_peer", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM peers WHERE id = ?`, string(id))
		return err
	})
}

func (s *SharedStore) EvictDeadLocal(ctx context.Context, hostname string, isDead func(pid int) bool) ([]types.AgentID, error) {
	var evicted []types.AgentID
	err := withTx(ctx, s.db, "evict_dead_local", func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT id, pid FROM peers WHERE hostname = ?`, hostname)
		if err != nil {
			return err
		}
		var dead []types.AgentID
		for rows.Next() {
			var id types.AgentID
			var pid int
			if err := rows.Scan(&id, &pid); err != nil {
				rows.Close()
				return err
			}
			if isDead(pid) {
				dead = append(dead, id)
			}
		}
		if err := rows.Err(); err != nil {
			return err
		}
		rows.Close()
		for _, id := range dead {
			if _, err := tx.ExecContext(ctx, `DELETE FROM peers WHERE id = ?`, string(id)); err != nil {
				return err
			}
		}
		evicted = dead
		return nil
	})
	return evicted, err
}

func (s *SharedStore) EvictStale(ctx context.Context, now time.Time, ttl time.Duration) ([]types.AgentID, error) {
	var evicted []types.AgentID
	err := withTx(ctx, s.db, "evict_stale", func(tx *sql.Tx) error {
		cutoff := now.Add(-ttl).UnixNano()
		rows, err := tx.QueryContext(ctx, `SELECT id FROM peers WHERE last_seen < ?`, cutoff)
		if err != nil {
			return err
		}
		var ids []types.AgentID
		for rows.Next() {
			var id types.AgentID
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		rows.Close()
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `DELETE FROM peers WHERE id = ?`, string(id)); err != nil {
				return err
			}
		}
		evicted = ids
		return nil
	})
	return evicted, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPeer(row scanner) (*types.Peer, error) {
	var p types.Peer
	var id string
	var mode string
	var lastSeen, modeSince, recvStarted, recvDeadline, activeTouch int64
	err := row.Scan(&id, &p.Pid, &p.Hostname, &lastSeen, &p.Cwd, &mode, &modeSince, &recvStarted, &recvDeadline, &p.RecvWaitSeconds, &activeTouch)
	if err != nil {
		return nil, err
	}
	p.ID = types.AgentID(id)
	p.Mode = types.Mode(mode)
	p.LastSeen = time.Unix(0, lastSeen)
	p.ModeSince = timeOrZero(modeSince)
	p.RecvStarted = timeOrZero(recvStarted)
	p.RecvDeadline = timeOrZero(recvDeadline)
	p.ActiveLastTouch = timeOrZero(activeTouch)
	return &p, nil
}

func nsOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func timeOrZero(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// InsertMessages inserts one or more materialized messages in one
// transaction (spec.md §4.5 fan-out: multicast/broadcast produce N rows
// sharing ShortID but distinct MsgID).
func (s *SharedStore) InsertMessages(ctx context.Context, msgs []*types.Message) error {
	return withTx(ctx, s.db, "insert_messages", func(tx *sql.Tx) error {
		for _, m := range msgs {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO messages (msg_id, short_id, ts, ts_str, from_id, to_id, content, state, lease_owner, lease_until, attempt, delivered_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, 'queued', '', 0, 0, 0)`,
				m.MsgID, m.ShortID, int64(m.Ts*1e9), m.TsStr, string(m.From), string(m.To), m.Content,
			)
			if err != nil {
				return fmt.Errorf("insert message %s: %w", m.MsgID, err)
			}
		}
		return nil
	})
}

// LeaseAndRead implements spec.md §4.6 step 3: queued messages for `to`
// are admitted oldest-first until cumulative content would exceed
// maxChars, admitting at least one message regardless of its size, and
// flipped to inflight under owner.
func (s *SharedStore) LeaseAndRead(ctx context.Context, to types.AgentID, owner types.AgentID, now time.Time, leaseTTL time.Duration, maxChars int) ([]*types.Message, error) {
	var out []*types.Message
	err := withTx(ctx, s.db, "lease_and_read", func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT msg_id, short_id, ts, ts_str, from_id, to_id, content, attempt
			FROM messages WHERE to_id = ? AND state = 'queued' ORDER BY ts`, string(to))
		if err != nil {
			return err
		}
		var candidates []*types.Message
		for rows.Next() {
			var m types.Message
			var tsNs int64
			var from, toID string
			if err := rows.Scan(&m.MsgID, &m.ShortID, &tsNs, &m.TsStr, &from, &toID, &m.Content, &m.Attempt); err != nil {
				rows.Close()
				return err
			}
			m.From = types.AgentID(from)
			m.To = types.AgentID(toID)
			m.Ts = float64(tsNs) / 1e9
			candidates = append(candidates, &m)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		rows.Close()

		total := 0
		leaseUntil := now.Add(leaseTTL)
		for i, m := range candidates {
			if i > 0 && total+len(m.Content) > maxChars {
				break
			}
			total += len(m.Content)
			_, err := tx.ExecContext(ctx, `
				UPDATE messages SET state='inflight', lease_owner=?, lease_until=?, attempt=attempt+1 WHERE msg_id=?`,
				string(owner), leaseUntil.UnixNano(), m.MsgID)
			if err != nil {
				return err
			}
			m.State = types.StateInflight
			m.LeaseOwner = owner
			m.LeaseUntil = leaseUntil
			m.Attempt++
			out = append(out, m)
		}
		return nil
	})
	return out, err
}

func (s *SharedStore) Ack(ctx context.Context, owner types.AgentID, msgIDs []string) error {
	if len(msgIDs) == 0 {
		return nil
	}
	return withTx(ctx, s.db, "ack", func(tx *sql.Tx) error {
		for _, id := range msgIDs {
			res, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE msg_id = ? AND lease_owner = ? AND state = 'inflight'`, id, string(owner))
			if err != nil {
				return err
			}
			n, _ := res.RowsAffected()
			if n > 0 {
				metrics.MessagesDeliveredTotal.Inc()
			}
		}
		return nil
	})
}

func (s *SharedStore) Release(ctx context.Context, msgIDs []string) error {
	if len(msgIDs) == 0 {
		return nil
	}
	return withTx(ctx, s.db, "release", func(tx *sql.Tx) error {
		for _, id := range msgIDs {
			_, err := tx.ExecContext(ctx, `UPDATE messages SET state='queued', lease_owner='', lease_until=0 WHERE msg_id = ?`, id)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SharedStore) ReleaseAbandoned(ctx context.Context, now time.Time) (int, error) {
	var n int
	err := withTx(ctx, s.db, "release_abandoned", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE messages SET state='queued', lease_owner='', lease_until=0
			WHERE state='inflight' AND lease_until < ?`, now.UnixNano())
		if err != nil {
			return err
		}
		affected, _ := res.RowsAffected()
		n = int(affected)
		return nil
	})
	return n, err
}

func (s *SharedStore) TruncateExpired(ctx context.Context, now time.Time, ttl time.Duration) (int, error) {
	var n int
	err := withTx(ctx, s.db, "truncate_expired", func(tx *sql.Tx) error {
		cutoff := now.Add(-ttl).UnixNano()
		res, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE ts < ?`, cutoff)
		if err != nil {
			return err
		}
		affected, _ := res.RowsAffected()
		n = int(affected)
		return nil
	})
	return n, err
}

func (s *SharedStore) CountByState(ctx context.Context) (map[types.MessageState]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM messages GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("count by state: %w", err)
	}
	defer rows.Close()

	out := map[types.MessageState]int{types.StateQueued: 0, types.StateInflight: 0}
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		out[types.MessageState(state)] = count
	}
	return out, rows.Err()
}
