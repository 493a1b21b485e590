package heartbeat

import (
	"context"
	"math/rand"
	"time"

	"github.com/cuemby/relay/pkg/metrics"
	"github.com/cuemby/relay/pkg/status"
	"github.com/cuemby/relay/pkg/storage"
	"github.com/cuemby/relay/pkg/types"
)

// reconciler is the Leader's sub-task (sharded realization only),
// started and stopped by Task as leadership changes. It runs on its
// own dynamically-paced ticker rather than the fixed HEARTBEAT_INTERVAL
// cadence, per spec.md §4.4.
type reconciler struct {
	cfg    Config
	stopCh chan struct{}
	doneCh chan struct{}
}

func startReconciler(cfg Config) *reconciler {
	r := &reconciler{cfg: cfg, stopCh: make(chan struct{}), doneCh: make(chan struct{})}
	go r.run()
	return r
}

func (r *reconciler) stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *reconciler) run() {
	defer close(r.doneCh)
	for {
		agentCount, err := countOnlineShards(r.cfg.DataDir, r.cfg.BusyTimeout, r.cfg.Clock.Now(), r.cfg.TTL)
		if err != nil || agentCount == 0 {
			agentCount = 1
		}
		interval := pollInterval(agentCount)
		jitter := time.Duration(rand.Int63n(int64(maxJitter)))

		select {
		case <-time.After(interval + jitter):
			r.cycle()
		case <-r.stopCh:
			return
		}
	}
}

// pollInterval implements spec.md §4.4's dynamic tick pacing:
// max(0.1s, 0.5s/agent_count).
func pollInterval(agentCount int) time.Duration {
	d := time.Duration(float64(500*time.Millisecond) / float64(agentCount))
	if d < 100*time.Millisecond {
		return 100 * time.Millisecond
	}
	return d
}

func countOnlineShards(dir string, busyTimeout time.Duration, now time.Time, ttl time.Duration) (int, error) {
	ids, err := onlineShardIDs(dir, busyTimeout, now, ttl)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// cycle performs one Reconciler pass: for every online shard in sorted
// id order, move its pending outbox rows into recipient shards'
// inboxes and answer any pending status request.
func (r *reconciler) cycle() {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconciliationDuration)
	defer metrics.ReconciliationCyclesTotal.Inc()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	now := r.cfg.Clock.Now()
	onlineIDs, err := onlineShardIDs(r.cfg.DataDir, r.cfg.BusyTimeout, now, r.cfg.TTL)
	if err != nil {
		logger.Warn().Err(err).Msg("reconciler: list online shards failed")
		return
	}
	onlineSet := make(map[types.AgentID]bool, len(onlineIDs))
	for _, id := range onlineIDs {
		onlineSet[id] = true
	}

	for _, sourceID := range onlineIDs {
		r.reconcileShard(ctx, sourceID, onlineIDs, onlineSet, now)
	}
}

func (r *reconciler) reconcileShard(ctx context.Context, sourceID types.AgentID, onlineIDs []types.AgentID, onlineSet map[types.AgentID]bool, now time.Time) {
	source, err := storage.OpenShard(r.cfg.DataDir, sourceID, r.cfg.BusyTimeout)
	if err != nil {
		return
	}
	defer source.Close()

	// (a) snapshot-read pending outbox rows.
	pending, err := source.SnapshotOutbox(ctx, r.cfg.BatchSize)
	if err != nil || len(pending) == 0 {
		r.maybeAnswerStatus(ctx, source, sourceID, onlineIDs, now)
		return
	}

	// (b) outside the source shard's own transaction, fan out into
	// every target shard's inbox.
	delivered := make([]string, 0, len(pending))
	for _, entry := range pending {
		targets := expandRecipients(entry.To, sourceID, onlineSet)
		if len(targets) == 0 {
			// No live recipient; leave it for TTL truncation by a
			// future janitor pass rather than silently dropping it.
			continue
		}
		ok := true
		for _, target := range targets {
			if !r.writeToShard(ctx, target, entry, sourceID) {
				ok = false
			}
		}
		if ok {
			delivered = append(delivered, entry.MsgID)
		}
	}

	// (c) delete only the outbox rows that were fully delivered.
	if len(delivered) > 0 {
		_ = source.DeleteOutbox(ctx, delivered)
	}

	r.maybeAnswerStatus(ctx, source, sourceID, onlineIDs, now)
}

func (r *reconciler) writeToShard(ctx context.Context, target types.AgentID, entry *storage.OutboxEntry, from types.AgentID) bool {
	shard, err := storage.OpenShard(r.cfg.DataDir, target, r.cfg.BusyTimeout)
	if err != nil {
		return false
	}
	defer shard.Close()
	if err := shard.WriteInbox(ctx, entry, from); err != nil {
		return false
	}
	return true
}

// expandRecipients resolves "all" against the online snapshot minus
// the sender (spec.md §4.5/§4.4); a concrete id resolves to itself if
// still online.
func expandRecipients(to, sender types.AgentID, onlineSet map[types.AgentID]bool) []types.AgentID {
	if to != types.All {
		if onlineSet[to] {
			return []types.AgentID{to}
		}
		return nil
	}
	var out []types.AgentID
	for id := range onlineSet {
		if id != sender {
			out = append(out, id)
		}
	}
	return out
}

func (r *reconciler) maybeAnswerStatus(ctx context.Context, source *storage.ShardStore, sourceID types.AgentID, onlineIDs []types.AgentID, now time.Time) {
	st, err := source.GetSelfState(ctx)
	if err != nil || !st.StatusRequest {
		return
	}
	entries, err := storage.ScanShards(r.cfg.DataDir, r.cfg.BusyTimeout)
	if err != nil {
		return
	}
	rendered := status.RenderFromShards(entries, sourceID, now, r.cfg.TTL)
	_ = source.FillStatus(ctx, rendered, now)
}
