/*
Package receive implements the Recv operation from spec.md §4.6: an
interruptible, long-polling blocking receive with lease-on-read and
ACK-on-success. The only suspension points are the RECV_TICK sleep
between iterations and the store's own bounded busy-wait inside a
transaction, per spec.md §5.
*/
package receive

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cuemby/relay/pkg/log"
	"github.com/cuemby/relay/pkg/session"
	"github.com/cuemby/relay/pkg/types"
	"github.com/google/uuid"
)

var logger = log.WithComponent("receive")

// Recv blocks until a message arrives, waitSeconds elapses, or a newer
// operation on the same session marks activity.
func Recv(ctx context.Context, sess *session.Session, waitSeconds int) (string, error) {
	start := sess.Clock().Now()
	sess.EnterWaiting(start, waitSeconds)
	startGen := sess.ActivityGeneration()

	var leased []*types.Message
	result, err := recvLoop(ctx, sess, start, waitSeconds, startGen, &leased)

	exitNow := sess.Clock().Now()
	sess.ExitWaiting(exitNow)

	if err != nil && len(leased) > 0 {
		// Abort path: best-effort release, never delete (spec.md §4.6 step 6).
		if releaseErr := release(context.Background(), sess, leased); releaseErr != nil {
			logger.Warn().Err(releaseErr).Msg("best-effort release failed; janitor will reclaim after LEASE_TTL")
		}
	}
	return result, err
}

func recvLoop(ctx context.Context, sess *session.Session, start time.Time, waitSeconds int, startGen uint64, leasedOut *[]*types.Message) (string, error) {
	// recv_deadline = now + wait_seconds, checked before lease-and-read
	// (spec.md §4.6 steps 1-3): a non-positive wait_seconds yields a
	// deadline at or before start, so the first iteration below times
	// out immediately without ever leasing.
	deadline := start.Add(time.Duration(waitSeconds) * time.Second)
	recvTick := sess.Config().RecvTick
	pollEvery := sess.Config().RecvDBPollEvery

	var lastPoll time.Time
	firstPoll := true

	for {
		now := sess.Clock().Now()

		// 1. Cancellation check.
		if sess.ActivityGeneration() != startGen {
			return "Cancelled by new command.", nil
		}
		// 2. Deadline check.
		if !now.Before(deadline) {
			elapsed := int(now.Sub(start).Seconds())
			return fmt.Sprintf("Timeout (%ds).", elapsed), nil
		}

		if firstPoll || now.Sub(lastPoll) >= pollEvery {
			firstPoll = false
			lastPoll = now

			msgs, err := leaseAndRead(ctx, sess, now)
			if err != nil {
				return "", fmt.Errorf("lease and read: %w", err)
			}

			fresh, stale := partitionStale(msgs, sess.StartTime)
			if len(stale) > 0 {
				// Open question #1: stale mail addressed to a
				// reclaimed id is TTL-dropped rather than delivered.
				if err := ack(ctx, sess, stale); err != nil {
					logger.Warn().Err(err).Msg("failed to drop stale mail")
				}
			}

			if len(fresh) > 0 {
				*leasedOut = fresh
				rendered := render(fresh, now)
				if err := ack(ctx, sess, fresh); err != nil {
					return "", fmt.Errorf("ack: %w", err)
				}
				*leasedOut = nil
				return rendered, nil
			}
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-sess.Clock().After(recvTick):
		}
	}
}

// partitionStale implements the TTL-drop open question: a message
// timestamped before this session's start_time was addressed to a
// previous owner of this id and must not be delivered.
func partitionStale(msgs []*types.Message, sessionStart time.Time) (fresh, stale []*types.Message) {
	for _, m := range msgs {
		if m.Ts < float64(sessionStart.UnixNano())/1e9 {
			stale = append(stale, m)
		} else {
			fresh = append(fresh, m)
		}
	}
	return fresh, stale
}

func leaseAndRead(ctx context.Context, sess *session.Session, now time.Time) ([]*types.Message, error) {
	cfg := sess.Config()
	if store := sess.Store(); store != nil {
		return store.LeaseAndRead(ctx, sess.ID, sess.ID, now, cfg.LeaseTTL, cfg.MaxBatchChars)
	}

	// Sharded realization reduces step 3 to an atomic inbox drain: no
	// lease is needed since the reconciler is the sole writer and this
	// agent the sole reader (spec.md §4.6).
	drained, err := sess.Shard().DrainInbox(ctx)
	if err != nil {
		return nil, err
	}
	for _, m := range drained {
		m.MsgID = firstNonEmpty(m.MsgID, uuid.NewString())
		m.To = sess.ID
		m.LeaseOwner = sess.ID
	}
	return drained, nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func ack(ctx context.Context, sess *session.Session, msgs []*types.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.MsgID
	}
	if store := sess.Store(); store != nil {
		return store.Ack(ctx, sess.ID, ids)
	}
	// Sharded inbox rows were already deleted atomically by DrainInbox.
	return nil
}

func release(ctx context.Context, sess *session.Session, msgs []*types.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.MsgID
	}
	if store := sess.Store(); store != nil {
		return store.Release(ctx, ids)
	}
	// Sharded: the rows are already gone from the inbox (drained in the
	// same transaction they were read in); nothing to release.
	return nil
}

// render implements spec.md §4.6 step 4: group by sender, ascending ts
// per sender, ascending first-ts across senders.
func render(msgs []*types.Message, now time.Time) string {
	order := make([]types.AgentID, 0)
	groups := make(map[types.AgentID][]*types.Message)
	for _, m := range msgs {
		if _, ok := groups[m.From]; !ok {
			order = append(order, m.From)
		}
		groups[m.From] = append(groups[m.From], m)
	}
	for _, g := range groups {
		sort.Slice(g, func(i, j int) bool { return g[i].Ts < g[j].Ts })
	}
	sort.Slice(order, func(i, j int) bool {
		return groups[order[i]][0].Ts < groups[order[j]][0].Ts
	})

	var sb strings.Builder
	for i, from := range order {
		g := groups[from]
		if i > 0 {
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, "[%s] - %d message(s)\n", from, len(g))
		for _, m := range g {
			fmt.Fprintf(&sb, "  %s %s\n", m.TsStr, m.Content)
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}
