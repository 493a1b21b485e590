/*
Package heartbeat implements the single cooperative background task
from spec.md §4.4: Refresh, local liveness sweep, remote TTL sweep,
lease reclamation, message truncation, and periodic store maintenance,
all on one goroutine driven by a time.Ticker (the teacher's
reconciler.run()/scheduler.run() idiom). In the sharded realization the
same task also runs the Reconciler whenever this agent is the Leader
(the smallest online id): it drains every online shard's outbox into
recipient inboxes and answers pending status requests.

Tick counting implements the spec's "every 6 ticks" / "every 30 ticks"
cadence split with a plain counter, matching the default
HEARTBEAT_INTERVAL=10s giving ~60s and ~300s cadences respectively.
*/
package heartbeat

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/relay/pkg/clock"
	"github.com/cuemby/relay/pkg/log"
	"github.com/cuemby/relay/pkg/metrics"
	"github.com/cuemby/relay/pkg/procprobe"
	"github.com/cuemby/relay/pkg/storage"
	"github.com/cuemby/relay/pkg/types"
	"github.com/rs/zerolog"
)

// SelfSnapshotter reports the session's current peer row so the task
// can refresh it each tick without reaching back into pkg/session.
type SelfSnapshotter interface {
	Snapshot(now time.Time) types.Peer
}

const (
	remoteSweepEveryTicks      = 6
	storeMaintenanceEveryTicks = 30
	maxJitter                  = 50 * time.Millisecond
)

var logger = log.WithComponent("heartbeat")

// Config bundles everything one Task needs. Store is set for the
// shared realization; Shard+DataDir are set for the sharded
// realization. Exactly one of the two pairs is non-zero.
type Config struct {
	Interval time.Duration
	TTL      time.Duration
	MsgTTL   time.Duration
	LeaseTTL time.Duration
	BatchSize int

	Clock    clock.Clock
	Prober   procprobe.Prober
	Hostname string
	SelfID   types.AgentID
	Self     SelfSnapshotter

	Store storage.Store // shared realization

	Shard       *storage.ShardStore // sharded realization, this agent's own shard
	DataDir     string
	BusyTimeout time.Duration
}

// Task is the running Heartbeat & Janitor (and, when leading, the
// sharded-realization Reconciler).
type Task struct {
	cfg    Config
	logger zerolog.Logger
	stopCh chan struct{}
	doneCh chan struct{}

	mu         sync.Mutex
	isLeader   bool
	reconciler *reconciler
}

// New constructs a Task; call Start to begin ticking.
func New(cfg Config) *Task {
	return &Task{
		cfg:    cfg,
		logger: log.WithComponent("heartbeat"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start launches the tick loop on its own goroutine.
func (t *Task) Start() {
	go t.run()
}

// Stop signals the loop to exit and waits for it to finish.
func (t *Task) Stop() {
	close(t.stopCh)
	<-t.doneCh
	t.mu.Lock()
	r := t.reconciler
	t.reconciler = nil
	t.mu.Unlock()
	if r != nil {
		r.stop()
	}
}

// IsLeader reports whether this agent was the Leader as of the most
// recent tick (sharded realization only; always false for shared).
func (t *Task) IsLeader() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.isLeader
}

func (t *Task) run() {
	defer close(t.doneCh)
	t.logger.Info().Str("agent_id", string(t.cfg.SelfID)).Msg("heartbeat started")

	jitter := time.Duration(rand.Int63n(int64(maxJitter)))
	select {
	case <-time.After(jitter):
	case <-t.stopCh:
		return
	}

	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()

	var tickN uint64
	for {
		select {
		case <-ticker.C:
			tickN++
			t.tick(tickN)
		case <-t.stopCh:
			t.logger.Info().Msg("heartbeat stopped")
			return
		}
	}
}

func (t *Task) tick(n uint64) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.HeartbeatTickDuration)

	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.Interval)
	defer cancel()

	now := t.cfg.Clock.Now()

	if err := t.refresh(ctx, now); err != nil {
		t.logger.Warn().Err(err).Msg("refresh failed")
	}

	if err := t.localSweep(ctx); err != nil {
		t.logger.Warn().Err(err).Msg("local sweep failed")
	}

	if n%remoteSweepEveryTicks == 0 {
		if err := t.remoteSweep(ctx, now); err != nil {
			t.logger.Warn().Err(err).Msg("remote sweep failed")
		}
	}

	if n%storeMaintenanceEveryTicks == 0 {
		if err := t.storeMaintenance(ctx); err != nil {
			t.logger.Warn().Err(err).Msg("store maintenance failed")
		}
	}

	if t.cfg.Shard != nil {
		t.reconcileIfLeader(now)
	}
}

// reconcileIfLeader determines whether this agent is the Leader
// (smallest online id) and starts or stops the reconciler sub-task to
// match, per spec.md §4.4: "the Reconciler... started only when
// session.IsLeader()".
func (t *Task) reconcileIfLeader(now time.Time) {
	onlineIDs, err := onlineShardIDs(t.cfg.DataDir, t.cfg.BusyTimeout, now, t.cfg.TTL)
	if err != nil {
		t.logger.Warn().Err(err).Msg("leader election: list shards failed")
		return
	}
	leader := len(onlineIDs) > 0 && onlineIDs[0] == t.cfg.SelfID

	t.mu.Lock()
	defer t.mu.Unlock()
	t.isLeader = leader
	metrics.IsLeader.Set(0)
	if leader {
		metrics.IsLeader.Set(1)
	}

	switch {
	case leader && t.reconciler == nil:
		t.logger.Info().Msg("became leader, starting reconciler")
		t.reconciler = startReconciler(t.cfg)
	case !leader && t.reconciler != nil:
		t.logger.Info().Msg("lost leadership, stopping reconciler")
		r := t.reconciler
		t.reconciler = nil
		go r.stop()
	}
}

// refresh is spec.md §4.4 step 1.
func (t *Task) refresh(ctx context.Context, now time.Time) error {
	peer := t.cfg.Self.Snapshot(now)
	peer.LastSeen = now
	if peer.Mode == types.ModeWaiting {
		peer.ActiveLastTouch = now
	}

	if t.cfg.Store != nil {
		return t.cfg.Store.UpsertPeer(ctx, &peer)
	}
	st := peerToSelfState(&peer)
	return t.cfg.Shard.PutSelfState(ctx, st)
}

// localSweep is spec.md §4.4 step 2: runs every tick, shared realization only
// (the sharded realization has no shared peers table to scan).
func (t *Task) localSweep(ctx context.Context) error {
	if t.cfg.Store == nil {
		return nil
	}
	evicted, err := t.cfg.Store.EvictDeadLocal(ctx, t.cfg.Hostname, func(pid int) bool {
		return t.cfg.Prober.Probe(pid) == procprobe.Dead
	})
	if err != nil {
		return fmt.Errorf("evict dead local: %w", err)
	}
	for range evicted {
		metrics.PeersEvictedTotal.WithLabelValues("dead_pid").Inc()
	}
	if len(evicted) > 0 {
		t.logger.Info().Int("count", len(evicted)).Msg("evicted dead local peers")
	}
	return nil
}

// remoteSweep is spec.md §4.4 step 3.
func (t *Task) remoteSweep(ctx context.Context, now time.Time) error {
	if t.cfg.Store != nil {
		evicted, err := t.cfg.Store.EvictStale(ctx, now, t.cfg.TTL)
		if err != nil {
			return fmt.Errorf("evict stale: %w", err)
		}
		for range evicted {
			metrics.PeersEvictedTotal.WithLabelValues("ttl_expired").Inc()
		}

		released, err := t.cfg.Store.ReleaseAbandoned(ctx, now)
		if err != nil {
			return fmt.Errorf("release abandoned: %w", err)
		}
		if released > 0 {
			metrics.LeasesReclaimedTotal.Add(float64(released))
		}

		truncated, err := t.cfg.Store.TruncateExpired(ctx, now, t.cfg.MsgTTL)
		if err != nil {
			return fmt.Errorf("truncate expired: %w", err)
		}
		if truncated > 0 {
			metrics.MessagesTruncatedTotal.Add(float64(truncated))
		}

		states, err := t.cfg.Store.CountByState(ctx)
		if err == nil {
			for state, count := range states {
				metrics.MessagesByState.WithLabelValues(string(state)).Set(float64(count))
			}
		}
		peers, err := t.cfg.Store.ListPeers(ctx)
		if err == nil {
			metrics.PeersOnline.Set(float64(len(onlinePeers(peers, now, t.cfg.TTL))))
		}
		return nil
	}

	// Sharded realization: no global janitor needed for leases (no
	// leases exist, §4.6) but stale shards are still GC'd lazily by the
	// identity allocator on next claim, so there is nothing to do here
	// beyond this agent's own shard, handled by refresh.
	return nil
}

func (t *Task) storeMaintenance(ctx context.Context) error {
	var store interface {
		Checkpoint(context.Context) error
		Optimize(context.Context) error
	}
	if t.cfg.Store != nil {
		store = t.cfg.Store
	} else {
		store = t.cfg.Shard
	}
	if err := store.Checkpoint(ctx); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	if err := store.Optimize(ctx); err != nil {
		return fmt.Errorf("optimize: %w", err)
	}
	return nil
}

func onlinePeers(peers []*types.Peer, now time.Time, ttl time.Duration) []*types.Peer {
	var out []*types.Peer
	for _, p := range peers {
		if p.Online(now, ttl) {
			out = append(out, p)
		}
	}
	return out
}

func peerToSelfState(p *types.Peer) *types.SelfState {
	return &types.SelfState{
		LastHeartbeat:   p.LastSeen,
		Pid:             p.Pid,
		Hostname:        p.Hostname,
		Cwd:             p.Cwd,
		Mode:            p.Mode,
		ModeSince:       p.ModeSince,
		RecvStarted:     p.RecvStarted,
		RecvDeadline:    p.RecvDeadline,
		RecvWaitSeconds: p.RecvWaitSeconds,
		ActiveLastTouch: p.ActiveLastTouch,
	}
}

// onlineShardIDs scans every shard under dir and returns the ids whose
// self_state heartbeat is within ttl, sorted ascending.
func onlineShardIDs(dir string, busyTimeout time.Duration, now time.Time, ttl time.Duration) ([]types.AgentID, error) {
	entries, err := storage.ScanShards(dir, busyTimeout)
	if err != nil {
		return nil, err
	}
	var online []types.AgentID
	for _, e := range entries {
		if now.Sub(e.State.LastHeartbeat) <= ttl {
			online = append(online, e.ID)
		}
	}
	sort.Slice(online, func(i, j int) bool { return online[i] < online[j] })
	return online, nil
}
