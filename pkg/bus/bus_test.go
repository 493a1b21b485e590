package bus

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/relay/pkg/delivery"
	"github.com/cuemby/relay/pkg/storage"
	"github.com/cuemby/relay/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestRenderSendErrorMapsKnownErrors(t *testing.T) {
	assert.Equal(t, "Error: cannot send to self.", renderSendError(delivery.ErrCannotSendToSelf))
	assert.Equal(t, "No other agents online.", renderSendError(delivery.ErrNoPeers))
	assert.Equal(t, "Error: Agent '007' offline.", renderSendError(&delivery.OfflineError{ID: "007"}))
	assert.Contains(t, renderSendError(storage.ErrStoreBusy), "store busy")
}

func TestRenderSendOutcome(t *testing.T) {
	sent := renderSendOutcome(delivery.Outcome{Result: delivery.ResultSent, Total: 2, ShortID: "abcd1234"}, time.Second)
	assert.Equal(t, "Sent (to 2 agent(s), id=abcd1234)", sent)

	partial := renderSendOutcome(delivery.Outcome{Result: delivery.ResultPartial, Delivered: 1, Total: 2, ShortID: "abcd1234"}, time.Second)
	assert.Equal(t, "Partially sent (to 1/2 agents, id=abcd1234)", partial)

	timeout := renderSendOutcome(delivery.Outcome{Result: delivery.ResultTimeout, Total: 2}, 2*time.Second)
	assert.Equal(t, "Send timeout after 2s (to 2 agents)", timeout)
}

func TestRenderRecvErrorCancelled(t *testing.T) {
	assert.Equal(t, "Cancelled by new command.", renderRecvError(context.Canceled))
}

func TestRenderDBErrorBusy(t *testing.T) {
	assert.Equal(t, "DB Error: store busy, please retry.", renderDBError(storage.ErrStoreBusy))
}

func TestStoreStatsAdapterCountsOnlinePeers(t *testing.T) {
	store, err := storage.OpenShared(t.TempDir(), time.Second)
	assert.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	now := time.Now()
	assert.NoError(t, store.UpsertPeer(ctx, &types.Peer{ID: "001", Hostname: "h", LastSeen: now}))
	assert.NoError(t, store.UpsertPeer(ctx, &types.Peer{ID: "002", Hostname: "h", LastSeen: now.Add(-time.Hour)}))

	adapter := storeStatsAdapter{store: store}
	n, err := adapter.CountPeersOnline(ctx, now, time.Minute)
	assert.NoError(t, err)
	assert.Equal(t, 1, n)
}
