// Package identity implements the three-digit identity allocator from
// spec.md §4.2: claim a currently-unused id (001-999) for this
// process, reusing ids whose owner is provably dead or TTL-expired.
package identity

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cuemby/relay/pkg/log"
	"github.com/cuemby/relay/pkg/metrics"
	"github.com/cuemby/relay/pkg/storage"
	"github.com/cuemby/relay/pkg/types"
)

// ErrPoolExhausted is returned when all 999 ids are held by live peers.
var ErrPoolExhausted = errors.New("identity: pool exhausted")

var logger = log.WithComponent("identity")

// Candidates returns the pool in claim order, 001..999, the scan order
// spec.md §4.2 specifies. ClaimShared takes the lowest free or
// reclaimable id; ClaimSharded takes the lowest id with no shard file.
func Candidates() []types.AgentID {
	ids := make([]types.AgentID, 0, 999)
	for i := 1; i <= 999; i++ {
		ids = append(ids, types.AgentID(fmt.Sprintf("%03d", i)))
	}
	return ids
}

// ClaimShared runs the shared-realization algorithm: iterate 001..999,
// asking the store to atomically evict-if-stale-or-orphaned and insert
// self under each candidate until one succeeds.
func ClaimShared(ctx context.Context, store storage.PeerStore, self *types.Peer, ttl time.Duration, isDead func(hostname string, pid int) bool) (types.AgentID, error) {
	for _, candidate := range Candidates() {
		err := store.ClaimIdentity(ctx, candidate, self, ttl, isDead)
		switch {
		case err == nil:
			logger.Info().Str("id", string(candidate)).Msg("claimed identity")
			return candidate, nil
		case errors.Is(err, storage.ErrIdentityTaken):
			metrics.IdentityClaimContention.Inc()
			continue
		default:
			return "", fmt.Errorf("claim %s: %w", candidate, err)
		}
	}
	return "", ErrPoolExhausted
}

// ClaimSharded runs the sharded-realization algorithm: the first id
// with no shard file is free and claimed with an exclusive file
// create; if every id has a shard, the one with the oldest
// last_heartbeat beyond ttl is evicted and recreated. Returns the
// claimed id and its freshly opened shard.
func ClaimSharded(ctx context.Context, dir string, busyTimeout time.Duration, now time.Time, ttl time.Duration) (types.AgentID, *storage.ShardStore, error) {
	existing, err := storage.ListShards(dir)
	if err != nil {
		return "", nil, fmt.Errorf("list shards: %w", err)
	}
	taken := make(map[types.AgentID]bool, len(existing))
	for _, id := range existing {
		taken[id] = true
	}

	for _, candidate := range Candidates() {
		if taken[candidate] {
			continue
		}
		ok, err := claimExclusive(dir, candidate)
		if err != nil {
			return "", nil, fmt.Errorf("claim file %s: %w", candidate, err)
		}
		if !ok {
			metrics.IdentityClaimContention.Inc()
			continue
		}
		shard, err := storage.OpenShard(dir, candidate, busyTimeout)
		if err != nil {
			return "", nil, err
		}
		logger.Info().Str("id", string(candidate)).Msg("claimed free shard")
		return candidate, shard, nil
	}

	// Pool looks full: find the oldest stale shard and reclaim it.
	var oldestID types.AgentID
	var oldestHB time.Time
	found := false
	for _, id := range existing {
		shard, err := storage.OpenShard(dir, id, busyTimeout)
		if err != nil {
			continue
		}
		st, err := shard.GetSelfState(ctx)
		shard.Close()
		if err != nil {
			continue
		}
		if now.Sub(st.LastHeartbeat) <= ttl {
			continue
		}
		if !found || st.LastHeartbeat.Before(oldestHB) {
			oldestHB = st.LastHeartbeat
			oldestID = id
			found = true
		}
	}
	if !found {
		return "", nil, ErrPoolExhausted
	}
	if err := storage.DeleteShard(dir, oldestID); err != nil {
		return "", nil, fmt.Errorf("evict shard %s: %w", oldestID, err)
	}
	ok, err := claimExclusive(dir, oldestID)
	if err != nil {
		return "", nil, fmt.Errorf("claim file %s: %w", oldestID, err)
	}
	if !ok {
		// Another process won the race to recreate it first.
		return "", nil, ErrPoolExhausted
	}
	shard, err := storage.OpenShard(dir, oldestID, busyTimeout)
	if err != nil {
		return "", nil, err
	}
	logger.Info().Str("id", string(oldestID)).Time("stale_heartbeat", oldestHB).Msg("reclaimed stale shard")
	return oldestID, shard, nil
}

// claimExclusive atomically creates id's shard file, the filesystem
// equivalent of the shared realization's primary-key insert: exactly
// one concurrent caller's O_EXCL create succeeds.
func claimExclusive(dir string, id types.AgentID) (bool, error) {
	f, err := os.OpenFile(storage.ShardPath(dir, id), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, f.Close()
}
