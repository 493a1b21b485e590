// Package status renders the roster string spec.md §4.7 defines: every
// currently-online peer, this session first, then ascending id, each
// annotated with its coarse working/waiting activity state.
package status

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cuemby/relay/pkg/clock"
	"github.com/cuemby/relay/pkg/storage"
	"github.com/cuemby/relay/pkg/types"
)

// workingStaleThreshold is the elapsed-time cutoff past which a
// working peer renders as "❓ Working" instead of its elapsed seconds.
const workingStaleThreshold = 1800 * time.Second

// Entry is one roster line's source data, realization-agnostic.
type Entry struct {
	ID              types.AgentID
	Cwd             string
	Hostname        string
	Self            bool
	Mode            types.Mode
	ModeSince       time.Time
	RecvStarted     time.Time
	RecvWaitSeconds int
	ActiveLastTouch time.Time
}

func entryFromPeer(p *types.Peer, self types.AgentID) Entry {
	return Entry{
		ID: p.ID, Cwd: p.Cwd, Hostname: p.Hostname, Self: p.ID == self,
		Mode: p.Mode, ModeSince: p.ModeSince, RecvStarted: p.RecvStarted,
		RecvWaitSeconds: p.RecvWaitSeconds, ActiveLastTouch: p.ActiveLastTouch,
	}
}

func entryFromSelfState(id types.AgentID, st *types.SelfState, self types.AgentID) Entry {
	return Entry{
		ID: id, Cwd: st.Cwd, Hostname: st.Hostname, Self: id == self,
		Mode: st.Mode, ModeSince: st.ModeSince, RecvStarted: st.RecvStarted,
		RecvWaitSeconds: st.RecvWaitSeconds, ActiveLastTouch: st.ActiveLastTouch,
	}
}

// Render formats the full roster: self first, then ascending id.
func Render(entries []Entry, now time.Time) string {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Self != entries[j].Self {
			return entries[i].Self
		}
		return entries[i].ID < entries[j].ID
	})
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, line(e, now))
	}
	return strings.Join(lines, "\n")
}

func line(e Entry, now time.Time) string {
	loc := e.Cwd
	if loc == "" {
		loc = e.Hostname
	}
	flags := ""
	if e.Self {
		flags = "THIS | "
	}
	return fmt.Sprintf("Agent %s @ %s [%s%s]", e.ID, loc, flags, state(e, now))
}

func state(e Entry, now time.Time) string {
	if e.Mode == types.ModeWaiting && !e.RecvStarted.IsZero() {
		elapsed := clampDuration(now.Sub(e.RecvStarted), 0, time.Duration(e.RecvWaitSeconds)*time.Second)
		return fmt.Sprintf("🎧 Waiting (%ds/%ds)", int(elapsed.Seconds()), e.RecvWaitSeconds)
	}
	since := e.ModeSince
	if since.IsZero() {
		since = e.ActiveLastTouch
	}
	var elapsed time.Duration
	if !since.IsZero() {
		elapsed = now.Sub(since)
	}
	if elapsed >= workingStaleThreshold {
		return "❓ Working"
	}
	return fmt.Sprintf("🛠 Working (%ds)", int(elapsed.Seconds()))
}

func clampDuration(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

// Shared renders the roster directly from the shared store's peers
// table, filtering to peers online within ttl.
func Shared(ctx context.Context, store storage.PeerStore, selfID types.AgentID, now time.Time, ttl time.Duration) (string, error) {
	peers, err := store.ListPeers(ctx)
	if err != nil {
		return "", fmt.Errorf("list peers: %w", err)
	}
	var entries []Entry
	for _, p := range peers {
		if p.Online(now, ttl) {
			entries = append(entries, entryFromPeer(p, selfID))
		}
	}
	return Render(entries, now), nil
}

// RenderFromShards builds a roster from a ScanShards snapshot, the
// data source both the Leader's reconciler and a no-leader local-scan
// fallback use.
func RenderFromShards(entries []storage.ShardEntry, selfID types.AgentID, now time.Time, ttl time.Duration) string {
	var rows []Entry
	for _, e := range entries {
		if now.Sub(e.State.LastHeartbeat) <= ttl {
			rows = append(rows, entryFromSelfState(e.ID, e.State, selfID))
		}
	}
	return Render(rows, now)
}

// FromSharded implements spec.md §4.7's sharded path: request a fresh
// render from the Leader via status_request, poll up to 3s, and fall
// back to a local scan across every shard if the Leader never answers.
func FromSharded(ctx context.Context, shard *storage.ShardStore, dir string, selfID types.AgentID, clk clock.Clock, busyTimeout, ttl time.Duration) (string, error) {
	requestedAt := clk.Now()
	if err := shard.RequestStatus(ctx); err != nil {
		return "", fmt.Errorf("request status: %w", err)
	}

	deadline := requestedAt.Add(3 * time.Second)
	for clk.Now().Before(deadline) {
		rendered, fresh, err := shard.PollStatus(ctx, requestedAt)
		if err == nil && fresh {
			return rendered, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-clk.After(100 * time.Millisecond):
		}
	}

	entries, err := storage.ScanShards(dir, busyTimeout)
	if err != nil {
		return "", fmt.Errorf("local scan: %w", err)
	}
	return RenderFromShards(entries, selfID, clk.Now(), ttl), nil
}
