package storage

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/relay/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShardSelfStateRoundTrip(t *testing.T) {
	dir := t.TempDir()
	shard, err := OpenShard(dir, "001", time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = shard.Close() })

	now := time.Now()
	st := &types.SelfState{LastHeartbeat: now, Pid: 42, Hostname: "h", Cwd: "/tmp", Mode: types.ModeWorking, ModeSince: now}
	require.NoError(t, shard.PutSelfState(context.Background(), st))

	got, err := shard.GetSelfState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, got.Pid)
	assert.Equal(t, "h", got.Hostname)
	assert.False(t, got.StatusRequest)
}

func TestShardOutboxInboxFlow(t *testing.T) {
	dir := t.TempDir()
	source, err := OpenShard(dir, "001", time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = source.Close() })
	target, err := OpenShard(dir, "002", time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = target.Close() })

	ctx := context.Background()
	now := time.Now()
	entry := &OutboxEntry{MsgID: "m1", ShortID: "s1", Ts: float64(now.UnixNano()) / 1e9, TsStr: "t1", To: "002", Content: "hi"}
	require.NoError(t, source.AppendOutbox(ctx, entry))

	pending, err := source.SnapshotOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, target.WriteInbox(ctx, pending[0], "001"))
	require.NoError(t, source.DeleteOutbox(ctx, []string{"m1"}))

	n, err := source.CountOutbox(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	drained, err := target.DrainInbox(ctx)
	require.NoError(t, err)
	require.Len(t, drained, 1)
	assert.Equal(t, "hi", drained[0].Content)
	assert.Equal(t, types.AgentID("001"), drained[0].From)

	drainedAgain, err := target.DrainInbox(ctx)
	require.NoError(t, err)
	assert.Empty(t, drainedAgain)
}

func TestShardWriteInboxIgnoresDuplicate(t *testing.T) {
	dir := t.TempDir()
	shard, err := OpenShard(dir, "001", time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = shard.Close() })

	ctx := context.Background()
	entry := &OutboxEntry{MsgID: "dup", ShortID: "s", Ts: 1, TsStr: "t", To: "001", Content: "x"}
	require.NoError(t, shard.WriteInbox(ctx, entry, "002"))
	require.NoError(t, shard.WriteInbox(ctx, entry, "002"))

	drained, err := shard.DrainInbox(ctx)
	require.NoError(t, err)
	assert.Len(t, drained, 1)
}

func TestShardStatusRequestFillPoll(t *testing.T) {
	dir := t.TempDir()
	shard, err := OpenShard(dir, "001", time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = shard.Close() })

	ctx := context.Background()
	requestedAt := time.Now()
	require.NoError(t, shard.RequestStatus(ctx))

	st, err := shard.GetSelfState(ctx)
	require.NoError(t, err)
	assert.True(t, st.StatusRequest)

	_, fresh, err := shard.PollStatus(ctx, requestedAt)
	require.NoError(t, err)
	assert.False(t, fresh)

	filledAt := requestedAt.Add(time.Millisecond)
	require.NoError(t, shard.FillStatus(ctx, "Agent 001 @ /tmp [THIS | working]", filledAt))

	rendered, fresh, err := shard.PollStatus(ctx, requestedAt)
	require.NoError(t, err)
	assert.True(t, fresh)
	assert.Contains(t, rendered, "Agent 001")

	st, err = shard.GetSelfState(ctx)
	require.NoError(t, err)
	assert.False(t, st.StatusRequest)
}

func TestListShardsAndScanShards(t *testing.T) {
	dir := t.TempDir()
	for _, id := range []types.AgentID{"003", "001", "002"} {
		shard, err := OpenShard(dir, id, time.Second)
		require.NoError(t, err)
		require.NoError(t, shard.PutSelfState(context.Background(), &types.SelfState{LastHeartbeat: time.Now(), Hostname: "h"}))
		require.NoError(t, shard.Close())
	}

	ids, err := ListShards(dir)
	require.NoError(t, err)
	assert.Equal(t, []types.AgentID{"001", "002", "003"}, ids)

	entries, err := ScanShards(dir, time.Second)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestDeleteShard(t *testing.T) {
	dir := t.TempDir()
	shard, err := OpenShard(dir, "001", time.Second)
	require.NoError(t, err)
	require.NoError(t, shard.Close())

	require.NoError(t, DeleteShard(dir, "001"))

	ids, err := ListShards(dir)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestShardRecreate(t *testing.T) {
	dir := t.TempDir()
	shard, err := OpenShard(dir, "001", time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = shard.Close() })

	require.NoError(t, shard.AppendOutbox(context.Background(), &OutboxEntry{MsgID: "m1", ShortID: "s", Ts: 1, TsStr: "t", To: "002", Content: "x"}))
	require.NoError(t, shard.Recreate(time.Second))

	n, err := shard.CountOutbox(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
