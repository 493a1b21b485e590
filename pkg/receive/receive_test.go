package receive

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/relay/pkg/clock"
	"github.com/cuemby/relay/pkg/config"
	"github.com/cuemby/relay/pkg/procprobe"
	"github.com/cuemby/relay/pkg/session"
	"github.com/cuemby/relay/pkg/storage"
	"github.com/cuemby/relay/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestSession(t *testing.T, realization types.Realization) (*session.Session, *clock.Fake) {
	t.Helper()
	cfg := config.Default()
	cfg.Realization = realization
	cfg.DataDir = t.TempDir()
	cfg.HeartbeatInterval = time.Hour
	cfg.RecvTick = time.Millisecond
	fc := clock.NewFake(time.Now())
	sess, err := session.Open(context.Background(), cfg, fc, procprobe.NewFake())
	require.NoError(t, err)
	t.Cleanup(func() { sess.Close(context.Background()) })
	return sess, fc
}

func TestPartitionStaleDropsMessagesBeforeSessionStart(t *testing.T) {
	start := time.Now()
	fresh := &types.Message{MsgID: "m1", Ts: float64(start.Add(time.Second).UnixNano()) / 1e9}
	stale := &types.Message{MsgID: "m2", Ts: float64(start.Add(-time.Second).UnixNano()) / 1e9}

	f, s := partitionStale([]*types.Message{fresh, stale}, start)
	require.Len(t, f, 1)
	require.Len(t, s, 1)
	assert.Equal(t, "m1", f[0].MsgID)
	assert.Equal(t, "m2", s[0].MsgID)
}

func TestRenderGroupsBySenderOldestFirst(t *testing.T) {
	now := time.Now()
	msgs := []*types.Message{
		{From: "002", Content: "second", Ts: 2, TsStr: "t2"},
		{From: "001", Content: "first", Ts: 1, TsStr: "t1"},
		{From: "001", Content: "third", Ts: 3, TsStr: "t3"},
	}
	out := render(msgs, now)
	assert.Regexp(t, `(?s)\[001\].*first.*third.*\[002\].*second`, out)
}

// A non-positive wait_seconds yields recv_deadline <= now, and spec.md
// §4.6 checks the deadline before lease-and-read: recv(0) must time
// out immediately rather than performing an unblocking poll.
func TestRecvZeroWaitTimesOutImmediately(t *testing.T) {
	sess, _ := openTestSession(t, types.Shared)
	out, err := Recv(context.Background(), sess, 0)
	require.NoError(t, err)
	assert.Equal(t, "Timeout (0s).", out)
}

func TestRecvZeroWaitDoesNotConsumeQueuedMessage(t *testing.T) {
	sess, fc := openTestSession(t, types.Shared)
	require.NoError(t, sess.Store().InsertMessages(context.Background(), []*types.Message{
		{MsgID: "m1", ShortID: "s1", Ts: float64(fc.Now().UnixNano()) / 1e9, TsStr: "t1", From: "002", To: sess.ID, Content: "hi", State: types.StateQueued},
	}))

	out, err := Recv(context.Background(), sess, 0)
	require.NoError(t, err)
	assert.Equal(t, "Timeout (0s).", out)

	counts, err := sess.Store().CountByState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, counts[types.StateQueued])
}

func TestRecvSharedReturnsQueuedMessageOnFirstPoll(t *testing.T) {
	sess, fc := openTestSession(t, types.Shared)
	require.NoError(t, sess.Store().InsertMessages(context.Background(), []*types.Message{
		{MsgID: "m1", ShortID: "s1", Ts: float64(fc.Now().UnixNano()) / 1e9, TsStr: "t1", From: "002", To: sess.ID, Content: "hi", State: types.StateQueued},
	}))

	out, err := Recv(context.Background(), sess, 1)
	require.NoError(t, err)
	assert.Contains(t, out, "hi")
	assert.Contains(t, out, "[002]")

	counts, err := sess.Store().CountByState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, counts[types.StateQueued]+counts[types.StateInflight])
}

func TestRecvSharedTimesOutWhenNothingArrives(t *testing.T) {
	sess, fc := openTestSession(t, types.Shared)

	done := make(chan string)
	go func() {
		out, err := Recv(context.Background(), sess, 1)
		assert.NoError(t, err)
		done <- out
	}()

	time.Sleep(10 * time.Millisecond) // let the goroutine enter its first poll
	fc.Advance(1500 * time.Millisecond)

	select {
	case out := <-done:
		assert.Equal(t, "Timeout (1s).", out)
	case <-time.After(time.Second):
		t.Fatal("recv did not time out")
	}
}

func TestRecvCancelledByNewActivity(t *testing.T) {
	sess, fc := openTestSession(t, types.Shared)

	done := make(chan string)
	go func() {
		out, err := Recv(context.Background(), sess, 30)
		assert.NoError(t, err)
		done <- out
	}()

	fc.Advance(time.Millisecond) // let recvLoop take its first pass
	time.Sleep(10 * time.Millisecond)
	sess.MarkActive()
	fc.Advance(time.Millisecond)

	select {
	case out := <-done:
		assert.Equal(t, "Cancelled by new command.", out)
	case <-time.After(time.Second):
		t.Fatal("recv was not cancelled")
	}
}

func TestRecvShardedDrainsInboxDirectly(t *testing.T) {
	sess, fc := openTestSession(t, types.Sharded)
	require.NoError(t, sess.Shard().WriteInbox(context.Background(), &storage.OutboxEntry{
		MsgID: "m1", ShortID: "s1", Ts: float64(fc.Now().UnixNano()) / 1e9, TsStr: "t1", Content: "hi",
	}, "002"))

	out, err := Recv(context.Background(), sess, 1)
	require.NoError(t, err)
	assert.Contains(t, out, "hi")
	assert.Contains(t, out, "[002]")
}
