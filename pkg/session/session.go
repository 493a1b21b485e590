/*
Package session implements the process-wide singleton from spec.md
§4.3: one Session per process, created once by Open at startup, carrying
(id, pid, hostname, cwd, start_time) plus the mutable mode/recv state
that Status and Receive read and the Heartbeat task refreshes. Close is
the guaranteed-release hook — idempotent, and it never returns an error
that could abort caller shutdown.
*/
package session

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cuemby/relay/pkg/clock"
	"github.com/cuemby/relay/pkg/config"
	"github.com/cuemby/relay/pkg/heartbeat"
	"github.com/cuemby/relay/pkg/identity"
	"github.com/cuemby/relay/pkg/log"
	"github.com/cuemby/relay/pkg/procprobe"
	"github.com/cuemby/relay/pkg/storage"
	"github.com/cuemby/relay/pkg/types"
)

// Session is the process-wide singleton. Exactly one exists per
// process; pkg/bus constructs it once at startup and threads it
// through every operation rather than relying on a package-level
// global.
type Session struct {
	ID        types.AgentID
	Pid       int
	Hostname  string
	Cwd       string
	StartTime time.Time

	cfg   config.Config
	clock clock.Clock

	store storage.Store       // shared realization
	shard *storage.ShardStore // sharded realization

	mu              sync.Mutex
	mode            types.Mode
	modeSince       time.Time
	recvStarted     time.Time
	recvDeadline    time.Time
	recvWaitSeconds int
	activeLastTouch time.Time
	activeGen       uint64

	hb        *heartbeat.Task
	closeOnce sync.Once
}

// Open claims an identity, inserts the initial peers/self_state row,
// and starts the Heartbeat/Janitor task. Callers must call Close when
// the process is done (directly, or via a registered signal handler).
func Open(ctx context.Context, cfg config.Config, clk clock.Clock, prober procprobe.Prober) (*Session, error) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	cwd, err := os.Getwd()
	if err != nil {
		cwd = ""
	}
	now := clk.Now()

	s := &Session{
		cfg:       cfg,
		clock:     clk,
		Pid:       os.Getpid(),
		Hostname:  hostname,
		Cwd:       cwd,
		StartTime: now,
		mode:      types.ModeWorking,
		modeSince: now,
	}

	switch cfg.Realization {
	case types.Shared:
		store, err := storage.OpenShared(cfg.DataDir, cfg.BusyTimeout)
		if err != nil {
			return nil, fmt.Errorf("open shared store: %w", err)
		}
		self := s.Snapshot(now)
		id, err := identity.ClaimShared(ctx, store, &self, cfg.HeartbeatTTL, func(hostname string, pid int) bool {
			return hostname == s.Hostname && prober.Probe(pid) == procprobe.Dead
		})
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("claim identity: %w", err)
		}
		s.ID = id
		s.store = store

	case types.Sharded:
		id, shard, err := identity.ClaimSharded(ctx, cfg.DataDir, cfg.BusyTimeout, now, cfg.HeartbeatTTL)
		if err != nil {
			return nil, fmt.Errorf("claim identity: %w", err)
		}
		s.ID = id
		s.shard = shard
		self := s.Snapshot(now)
		if err := shard.PutSelfState(ctx, selfStateFrom(&self)); err != nil {
			shard.Close()
			return nil, fmt.Errorf("seed self_state: %w", err)
		}

	default:
		return nil, fmt.Errorf("unknown realization %q", cfg.Realization)
	}

	hbCfg := heartbeat.Config{
		Interval:    cfg.HeartbeatInterval,
		TTL:         cfg.HeartbeatTTL,
		MsgTTL:      cfg.MsgTTL,
		LeaseTTL:    cfg.LeaseTTL,
		BatchSize:   cfg.BatchSize,
		Clock:       clk,
		Prober:      prober,
		Hostname:    s.Hostname,
		SelfID:      s.ID,
		Self:        s,
		Store:       s.store,
		Shard:       s.shard,
		DataDir:     cfg.DataDir,
		BusyTimeout: cfg.BusyTimeout,
	}
	s.hb = heartbeat.New(hbCfg)
	s.hb.Start()

	log.WithAgentID(string(s.ID)).Info().Msg("session opened")
	return s, nil
}

// Snapshot implements heartbeat.SelfSnapshotter: it reports this
// session's current peer row under the session's own lock.
func (s *Session) Snapshot(now time.Time) types.Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return types.Peer{
		ID: s.ID, Pid: s.Pid, Hostname: s.Hostname, LastSeen: now, Cwd: s.Cwd,
		Mode: s.mode, ModeSince: s.modeSince, RecvStarted: s.recvStarted,
		RecvDeadline: s.recvDeadline, RecvWaitSeconds: s.recvWaitSeconds,
		ActiveLastTouch: s.activeLastTouch,
	}
}

func selfStateFrom(p *types.Peer) *types.SelfState {
	return &types.SelfState{
		LastHeartbeat: p.LastSeen, Pid: p.Pid, Hostname: p.Hostname, Cwd: p.Cwd,
		Mode: p.Mode, ModeSince: p.ModeSince, RecvStarted: p.RecvStarted,
		RecvDeadline: p.RecvDeadline, RecvWaitSeconds: p.RecvWaitSeconds,
		ActiveLastTouch: p.ActiveLastTouch,
	}
}

// MarkActive bumps the activity generation, the signal Receive's long
// poll uses to detect a newer concurrent operation and cancel itself
// (spec.md §4.6 step 1, §5 cancellation).
func (s *Session) MarkActive() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeGen++
	s.activeLastTouch = s.clock.Now()
	return s.activeGen
}

// ActivityGeneration reads the current generation without bumping it.
func (s *Session) ActivityGeneration() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeGen
}

// EnterWaiting transitions to waiting mode with a fresh recv window.
func (s *Session) EnterWaiting(now time.Time, waitSeconds int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = types.ModeWaiting
	s.modeSince = now
	s.recvStarted = now
	s.recvDeadline = now.Add(time.Duration(waitSeconds) * time.Second)
	s.recvWaitSeconds = waitSeconds
}

// ExitWaiting returns to working mode; called unconditionally on every
// recv exit path (guaranteed-release scope, spec.md §4.6).
func (s *Session) ExitWaiting(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = types.ModeWorking
	s.modeSince = now
	s.recvStarted = time.Time{}
	s.recvDeadline = time.Time{}
	s.recvWaitSeconds = 0
}

// Store returns the shared-realization store, or nil in the sharded realization.
func (s *Session) Store() storage.Store { return s.store }

// Shard returns this session's own shard, or nil in the shared realization.
func (s *Session) Shard() *storage.ShardStore { return s.shard }

// Config returns the knobs this session was opened with.
func (s *Session) Config() config.Config { return s.cfg }

// Clock returns the clock this session was opened with.
func (s *Session) Clock() clock.Clock { return s.clock }

// IsLeader reports whether this session's heartbeat task currently
// considers it the sharded-realization Leader; always false when
// running the shared realization.
func (s *Session) IsLeader() bool {
	return s.hb.IsLeader()
}

// Close releases the session's presence row and stops the background
// task. It is idempotent and never returns an error: per spec.md §4.3,
// the release hook "must not itself fail the process".
func (s *Session) Close(ctx context.Context) {
	s.closeOnce.Do(func() {
		logger := log.WithAgentID(string(s.ID))
		s.hb.Stop()

		if s.store != nil {
			if err := s.store.DeletePeer(ctx, s.ID); err != nil {
				logger.Warn().Err(err).Msg("failed to delete peer row on close")
			}
			if err := s.store.Close(); err != nil {
				logger.Warn().Err(err).Msg("failed to close store")
			}
		}
		if s.shard != nil {
			// The shard file is left in place: it may still hold
			// undrained inbox rows or outbox rows awaiting
			// reconciliation. A stale shard is reclaimed later by
			// identity.ClaimSharded once its heartbeat ages past TTL.
			if err := s.shard.Close(); err != nil {
				logger.Warn().Err(err).Msg("failed to close shard")
			}
		}
		logger.Info().Msg("session closed")
	})
}
