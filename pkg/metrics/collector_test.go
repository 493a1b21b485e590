package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeStoreStats struct {
	states map[string]int
	online int
}

func (f *fakeStoreStats) CountByState(ctx context.Context) (map[string]int, error) {
	return f.states, nil
}

func (f *fakeStoreStats) CountPeersOnline(ctx context.Context, now time.Time, ttl time.Duration) (int, error) {
	return f.online, nil
}

// TestCollectorCollectUpdatesGauges verifies collect() reads the stats
// source and republishes its counts without needing the 15s ticker.
func TestCollectorCollectUpdatesGauges(t *testing.T) {
	stats := &fakeStoreStats{states: map[string]int{"queued": 3, "inflight": 1}, online: 2}
	c := NewCollector(stats, time.Minute)

	c.collect()

	if got := testutil.ToFloat64(PeersOnline); got != 2 {
		t.Errorf("PeersOnline = %v, want 2", got)
	}
	if got := testutil.ToFloat64(MessagesByState.WithLabelValues("queued")); got != 3 {
		t.Errorf("MessagesByState{queued} = %v, want 3", got)
	}
}

// TestCollectorStopIsIdempotent verifies Stop can be called more than
// once without panicking on a double close.
func TestCollectorStopIsIdempotent(t *testing.T) {
	c := NewCollector(&fakeStoreStats{states: map[string]int{}}, time.Minute)
	c.Stop()
	c.Stop()
}
