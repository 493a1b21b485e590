package heartbeat

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/relay/pkg/clock"
	"github.com/cuemby/relay/pkg/procprobe"
	"github.com/cuemby/relay/pkg/storage"
	"github.com/cuemby/relay/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSnapshotter struct{ peer types.Peer }

func (f fakeSnapshotter) Snapshot(now time.Time) types.Peer { return f.peer }

func TestTaskRefreshSharedUpsertsPeer(t *testing.T) {
	store, err := storage.OpenShared(t.TempDir(), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	fc := clock.NewFake(time.Now())
	task := New(Config{
		Interval: time.Second, TTL: time.Minute, MsgTTL: time.Hour, LeaseTTL: time.Minute,
		Clock: fc, Prober: procprobe.NewFake(), Hostname: "h", SelfID: "001",
		Self: fakeSnapshotter{peer: types.Peer{ID: "001", Hostname: "h", Mode: types.ModeWorking}},
		Store: store,
	})

	require.NoError(t, task.refresh(context.Background(), fc.Now()))

	peer, err := store.GetPeer(context.Background(), "001")
	require.NoError(t, err)
	assert.Equal(t, types.AgentID("001"), peer.ID)
}

func TestTaskLocalSweepEvictsDeadPid(t *testing.T) {
	store, err := storage.OpenShared(t.TempDir(), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	require.NoError(t, store.UpsertPeer(ctx, &types.Peer{ID: "001", Hostname: "h", Pid: 1, LastSeen: time.Now()}))

	fake := procprobe.NewFake()
	fake.Kill(1)

	task := New(Config{Hostname: "h", Prober: fake, Store: store})
	require.NoError(t, task.localSweep(ctx))

	_, err = store.GetPeer(ctx, "001")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPollIntervalFloorsAndScalesDown(t *testing.T) {
	assert.Equal(t, 500*time.Millisecond, pollInterval(1))
	assert.Equal(t, 100*time.Millisecond, pollInterval(10))
	assert.Equal(t, 100*time.Millisecond, pollInterval(100))
}

func TestExpandRecipientsConcreteID(t *testing.T) {
	online := map[types.AgentID]bool{"001": true, "002": true}
	assert.Equal(t, []types.AgentID{"002"}, expandRecipients("002", "001", online))
	assert.Nil(t, expandRecipients("003", "001", online))
}

func TestExpandRecipientsAllExcludesSender(t *testing.T) {
	online := map[types.AgentID]bool{"001": true, "002": true, "003": true}
	out := expandRecipients(types.All, "001", online)
	assert.ElementsMatch(t, []types.AgentID{"002", "003"}, out)
}

func TestOnlineShardIDsFiltersStale(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	for id, hb := range map[types.AgentID]time.Time{"001": now, "002": now.Add(-time.Hour), "003": now} {
		shard, err := storage.OpenShard(dir, id, time.Second)
		require.NoError(t, err)
		require.NoError(t, shard.PutSelfState(context.Background(), &types.SelfState{LastHeartbeat: hb}))
		require.NoError(t, shard.Close())
	}

	ids, err := onlineShardIDs(dir, time.Second, now, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []types.AgentID{"001", "003"}, ids)
}

func TestReconcileShardMovesOutboxToInbox(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	for _, id := range []types.AgentID{"001", "002"} {
		shard, err := storage.OpenShard(dir, id, time.Second)
		require.NoError(t, err)
		require.NoError(t, shard.PutSelfState(context.Background(), &types.SelfState{LastHeartbeat: now}))
		require.NoError(t, shard.Close())
	}

	source, err := storage.OpenShard(dir, "001", time.Second)
	require.NoError(t, err)
	require.NoError(t, source.AppendOutbox(context.Background(), &storage.OutboxEntry{
		MsgID: "m1", ShortID: "s1", Ts: float64(now.UnixNano()) / 1e9, TsStr: "t1", To: "002", Content: "hi",
	}))
	require.NoError(t, source.Close())

	r := &reconciler{cfg: Config{DataDir: dir, BusyTimeout: time.Second, TTL: time.Minute, BatchSize: 50, Clock: clock.NewFake(now)}}
	r.cycle()

	target, err := storage.OpenShard(dir, "002", time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = target.Close() })
	drained, err := target.DrainInbox(context.Background())
	require.NoError(t, err)
	require.Len(t, drained, 1)
	assert.Equal(t, "hi", drained[0].Content)

	source, err = storage.OpenShard(dir, "001", time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = source.Close() })
	n, err := source.CountOutbox(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

// TestReconcileShardExpandsAllAtReconcileTime covers the case delivery.go
// defers: "all" is written to the outbox unresolved, and a peer that
// comes online after the send but before the Leader's next reconcile
// tick is still a recipient, because expandRecipients resolves against
// the online snapshot the reconciler takes at cycle time.
func TestReconcileShardExpandsAllAtReconcileTime(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()

	for _, id := range []types.AgentID{"001", "002"} {
		shard, err := storage.OpenShard(dir, id, time.Second)
		require.NoError(t, err)
		require.NoError(t, shard.PutSelfState(context.Background(), &types.SelfState{LastHeartbeat: now}))
		require.NoError(t, shard.Close())
	}

	source, err := storage.OpenShard(dir, "001", time.Second)
	require.NoError(t, err)
	require.NoError(t, source.AppendOutbox(context.Background(), &storage.OutboxEntry{
		MsgID: "m1", ShortID: "s1", Ts: float64(now.UnixNano()) / 1e9, TsStr: "t1", To: types.All, Content: "hi",
	}))
	require.NoError(t, source.Close())

	// 003 joins after the send but before the reconciler runs.
	late, err := storage.OpenShard(dir, "003", time.Second)
	require.NoError(t, err)
	require.NoError(t, late.PutSelfState(context.Background(), &types.SelfState{LastHeartbeat: now}))
	require.NoError(t, late.Close())

	r := &reconciler{cfg: Config{DataDir: dir, BusyTimeout: time.Second, TTL: time.Minute, BatchSize: 50, Clock: clock.NewFake(now)}}
	r.cycle()

	for _, id := range []types.AgentID{"002", "003"} {
		target, err := storage.OpenShard(dir, id, time.Second)
		require.NoError(t, err)
		drained, err := target.DrainInbox(context.Background())
		require.NoError(t, err)
		require.Lenf(t, drained, 1, "shard %s should have received the broadcast", id)
		assert.Equal(t, "hi", drained[0].Content)
		require.NoError(t, target.Close())
	}

	source, err = storage.OpenShard(dir, "001", time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = source.Close() })
	n, err := source.CountOutbox(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
