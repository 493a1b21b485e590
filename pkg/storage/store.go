// Package storage implements the filesystem-backed store contract from
// spec.md §3/§4.1 on top of SQLite (modernc.org/sqlite, pure Go, no
// cgo). Two concrete layouts share the same PRAGMA discipline and
// transaction helper: SharedStore (one bridge_<version>.db holding a
// peers table and a messages table, spec.md realization S) and
// ShardStore (one agent_<id>.db per process, realization P). Callers pick one at startup via config.Realization
// and never see both at once.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/cuemby/relay/pkg/types"
)

// ErrStoreBusy is surfaced when a transaction could not acquire the
// database lock before the configured busy_timeout elapsed.
var ErrStoreBusy = errors.New("storage: store busy")

// ErrNotFound is returned by single-row lookups that miss.
var ErrNotFound = errors.New("storage: not found")

// ErrIdentityTaken is returned by ClaimIdentity when candidate is held
// by another peer that is still online; the caller should try the next
// candidate in the pool.
var ErrIdentityTaken = errors.New("storage: identity taken")

// PeerStore is the presence-registry half of the store contract
// (spec.md §3 Peers, §4.2 Identity Allocator, §4.4 Heartbeat & Janitor).
type PeerStore interface {
	// ClaimIdentity attempts to claim candidate for self in one
	// transaction. Any existing row under candidate is deleted first if
	// it is stale (now-last_seen > ttl) or orphaned (same hostname, and
	// isDead reports its pid dead); self is then inserted. Returns
	// ErrIdentityTaken if candidate is held by a peer that is neither
	// stale nor orphaned.
	ClaimIdentity(ctx context.Context, candidate types.AgentID, self *types.Peer, ttl time.Duration, isDead func(hostname string, pid int) bool) error

	UpsertPeer(ctx context.Context, p *types.Peer) error
	GetPeer(ctx context.Context, id types.AgentID) (*types.Peer, error)
	ListPeers(ctx context.Context) ([]*types.Peer, error)
	DeletePeer(ctx context.Context, id types.AgentID) error

	// EvictDeadLocal deletes every peer on hostname whose pid isDead
	// reports dead, returning the evicted ids (spec §4.4 local sweep).
	EvictDeadLocal(ctx context.Context, hostname string, isDead func(pid int) bool) ([]types.AgentID, error)
	// EvictStale deletes every peer with now-last_seen > ttl (§4.4 remote sweep).
	EvictStale(ctx context.Context, now time.Time, ttl time.Duration) ([]types.AgentID, error)
}

// MessageStore is the message-queue half of the store contract
// (spec.md §3 Messages, §4.5 Delivery, §4.6 Receive).
type MessageStore interface {
	InsertMessages(ctx context.Context, msgs []*types.Message) error

	// LeaseAndRead performs spec §4.6 step 3 atomically: select this
	// recipient's queued messages up to maxChars of cumulative content
	// (oldest first, at least one message admitted regardless of size),
	// and transition them to inflight under owner until now+leaseTTL.
	LeaseAndRead(ctx context.Context, to types.AgentID, owner types.AgentID, now time.Time, leaseTTL time.Duration, maxChars int) ([]*types.Message, error)

	// Ack deletes exactly the given leased messages owned by owner.
	Ack(ctx context.Context, owner types.AgentID, msgIDs []string) error
	// Release returns the given messages to queued (best-effort abort path).
	Release(ctx context.Context, msgIDs []string) error

	// ReleaseAbandoned returns every lease expired as of now to queued,
	// wherever its owner (janitor remote sweep, §4.4). Returns the count.
	ReleaseAbandoned(ctx context.Context, now time.Time) (int, error)
	// TruncateExpired deletes messages older than ttl regardless of state.
	TruncateExpired(ctx context.Context, now time.Time, ttl time.Duration) (int, error)

	// CountByState is used by metrics and tests.
	CountByState(ctx context.Context) (map[types.MessageState]int, error)
}

// Store is the full shared-realization contract.
type Store interface {
	PeerStore
	MessageStore

	// Checkpoint runs PRAGMA wal_checkpoint(TRUNCATE).
	Checkpoint(ctx context.Context) error
	// Optimize runs PRAGMA optimize.
	Optimize(ctx context.Context) error
	Close() error
}
