package session

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/cuemby/relay/pkg/clock"
	"github.com/cuemby/relay/pkg/config"
	"github.com/cuemby/relay/pkg/procprobe"
	"github.com/cuemby/relay/pkg/storage"
	"github.com/cuemby/relay/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T, realization types.Realization) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Realization = realization
	cfg.DataDir = t.TempDir()
	cfg.HeartbeatInterval = time.Hour // keep the background ticker from firing during the test
	return cfg
}

func TestOpenSharedClaimsIdentityAndStartsHeartbeat(t *testing.T) {
	cfg := testConfig(t, types.Shared)
	fc := clock.NewFake(time.Now())

	sess, err := Open(context.Background(), cfg, fc, procprobe.NewFake())
	require.NoError(t, err)
	defer sess.Close(context.Background())

	assert.Equal(t, types.AgentID("001"), sess.ID)
	assert.NotNil(t, sess.Store())
	assert.Nil(t, sess.Shard())

	peer, err := sess.Store().GetPeer(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, peer.ID)
}

func TestOpenShardedClaimsIdentityAndSeedsSelfState(t *testing.T) {
	cfg := testConfig(t, types.Sharded)
	fc := clock.NewFake(time.Now())

	sess, err := Open(context.Background(), cfg, fc, procprobe.NewFake())
	require.NoError(t, err)
	defer sess.Close(context.Background())

	assert.Equal(t, types.AgentID("001"), sess.ID)
	assert.Nil(t, sess.Store())
	require.NotNil(t, sess.Shard())

	st, err := sess.Shard().GetSelfState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, sess.Hostname, st.Hostname)
}

func TestMarkActiveBumpsGeneration(t *testing.T) {
	cfg := testConfig(t, types.Shared)
	sess, err := Open(context.Background(), cfg, clock.NewFake(time.Now()), procprobe.NewFake())
	require.NoError(t, err)
	defer sess.Close(context.Background())

	g0 := sess.ActivityGeneration()
	g1 := sess.MarkActive()
	assert.Greater(t, g1, g0)
	assert.Equal(t, g1, sess.ActivityGeneration())
}

func TestEnterExitWaiting(t *testing.T) {
	cfg := testConfig(t, types.Shared)
	fc := clock.NewFake(time.Now())
	sess, err := Open(context.Background(), cfg, fc, procprobe.NewFake())
	require.NoError(t, err)
	defer sess.Close(context.Background())

	sess.EnterWaiting(fc.Now(), 30)
	snap := sess.Snapshot(fc.Now())
	assert.Equal(t, types.ModeWaiting, snap.Mode)
	assert.Equal(t, 30, snap.RecvWaitSeconds)

	sess.ExitWaiting(fc.Now())
	snap = sess.Snapshot(fc.Now())
	assert.Equal(t, types.ModeWorking, snap.Mode)
	assert.True(t, snap.RecvStarted.IsZero())
}

func TestCloseIsIdempotentAndDeletesSharedPeer(t *testing.T) {
	cfg := testConfig(t, types.Shared)
	sess, err := Open(context.Background(), cfg, clock.NewFake(time.Now()), procprobe.NewFake())
	require.NoError(t, err)

	store := sess.Store()
	sess.Close(context.Background())
	sess.Close(context.Background()) // must not panic or double-delete

	_, err = store.GetPeer(context.Background(), sess.ID)
	assert.Error(t, err)
}

func TestCloseLeavesShardedFileInPlace(t *testing.T) {
	cfg := testConfig(t, types.Sharded)
	sess, err := Open(context.Background(), cfg, clock.NewFake(time.Now()), procprobe.NewFake())
	require.NoError(t, err)

	id := sess.ID
	sess.Close(context.Background())

	_, err = os.Stat(storage.ShardPath(cfg.DataDir, id))
	require.NoError(t, err)

	reopened, err := storage.OpenShard(cfg.DataDir, id, cfg.BusyTimeout)
	require.NoError(t, err)
	defer reopened.Close()
}
