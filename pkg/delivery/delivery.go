/*
Package delivery implements the Send operation from spec.md §4.5:
resolve "to" (a single id, a comma-separated list, or "all") against
the live online snapshot, materialize one physical message per
recipient, and commit them durably. In the sharded realization it also
waits briefly for the Leader's reconciler to move the committed rows
out of this agent's own outbox before reporting the outcome.
*/
package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/relay/pkg/log"
	"github.com/cuemby/relay/pkg/metrics"
	"github.com/cuemby/relay/pkg/session"
	"github.com/cuemby/relay/pkg/storage"
	"github.com/cuemby/relay/pkg/types"
	"github.com/google/uuid"
)

var (
	// ErrCannotSendToSelf is returned when the sender's own id is in
	// the resolved recipient set.
	ErrCannotSendToSelf = errors.New("delivery: cannot send to self")
	// ErrNoPeers is returned when "all" resolves to an empty set.
	ErrNoPeers = errors.New("delivery: no other agents online")
	// ErrEmptyContent is returned for blank message content.
	ErrEmptyContent = errors.New("delivery: empty content")
	// ErrEmptyRecipient is returned for a blank or all-commas recipient spec.
	ErrEmptyRecipient = errors.New("delivery: empty recipient")
)

// OfflineError names the specific recipient id that was not found
// online, so pkg/bus can render spec.md §6's "Agent '<id>' offline."
// without delivery itself formatting user-facing text.
type OfflineError struct{ ID types.AgentID }

func (e *OfflineError) Error() string { return fmt.Sprintf("delivery: agent %s offline", e.ID) }

// Result is the coarse outcome category from spec.md §4.5/§6.
type Result string

const (
	ResultSent    Result = "sent"
	ResultPartial Result = "partial"
	ResultTimeout Result = "timeout"
)

// Outcome is Send's structured result; pkg/bus renders it into the
// exact strings spec.md §6 specifies.
type Outcome struct {
	Result    Result
	Delivered int
	Total     int
	ShortID   string
}

var logger = log.WithComponent("delivery")

// Send implements spec.md §4.5 end to end. For the sharded realization,
// a to of "all" is deferred rather than pre-resolved here: spec.md
// §4.4 has the Leader's reconciler compute the expanded recipient set
// against the online snapshot at reconcile time, not at send time, so
// a peer that comes online between this call and the next reconcile
// tick is still a recipient.
func Send(ctx context.Context, sess *session.Session, to, content string) (Outcome, error) {
	if strings.TrimSpace(content) == "" {
		return Outcome{}, ErrEmptyContent
	}
	if strings.TrimSpace(to) == "" {
		return Outcome{}, ErrEmptyRecipient
	}
	now := sess.Clock().Now()

	msgID := uuid.NewString()
	shortID := msgID[:8]
	tsStr := now.Format("15:04:05")

	if sess.Store() != nil {
		recipients, err := resolveRecipients(ctx, sess, to, now)
		if err != nil {
			return Outcome{}, err
		}
		return sendShared(ctx, sess, recipients, content, now, shortID, tsStr)
	}

	if strings.TrimSpace(to) == string(types.All) {
		estimate, err := validateBroadcast(ctx, sess, now)
		if err != nil {
			return Outcome{}, err
		}
		return sendShardedAll(ctx, sess, estimate, content, now, shortID, tsStr)
	}

	recipients, err := resolveRecipients(ctx, sess, to, now)
	if err != nil {
		return Outcome{}, err
	}
	return sendSharded(ctx, sess, recipients, content, now, shortID, tsStr)
}

// validateBroadcast checks "all"'s no-peers precondition without
// pre-resolving it to concrete ids. The returned count is only an
// estimate for the outcome's human-facing N; the recipients actually
// reached are whoever the reconciler's expandRecipients finds online
// when it next runs.
func validateBroadcast(ctx context.Context, sess *session.Session, now time.Time) (int, error) {
	online, err := onlineIDs(ctx, sess, now)
	if err != nil {
		return 0, fmt.Errorf("list online peers: %w", err)
	}
	count := 0
	for _, id := range online {
		if id != sess.ID {
			count++
		}
	}
	if count == 0 {
		return 0, ErrNoPeers
	}
	return count, nil
}

// resolveRecipients parses to and validates it against the live
// online snapshot, per spec.md §4.5's preconditions.
func resolveRecipients(ctx context.Context, sess *session.Session, to string, now time.Time) ([]types.AgentID, error) {
	online, err := onlineIDs(ctx, sess, now)
	if err != nil {
		return nil, fmt.Errorf("list online peers: %w", err)
	}
	onlineSet := make(map[types.AgentID]bool, len(online))
	for _, id := range online {
		onlineSet[id] = true
	}

	trimmed := strings.TrimSpace(to)
	if trimmed == "" {
		return nil, ErrEmptyRecipient
	}

	if trimmed == string(types.All) {
		var out []types.AgentID
		for _, id := range online {
			if id != sess.ID {
				out = append(out, id)
			}
		}
		if len(out) == 0 {
			return nil, ErrNoPeers
		}
		return out, nil
	}

	var out []types.AgentID
	for _, part := range strings.Split(trimmed, ",") {
		id := types.AgentID(strings.TrimSpace(part))
		if id == "" {
			continue
		}
		if id == sess.ID {
			return nil, ErrCannotSendToSelf
		}
		if !onlineSet[id] {
			return nil, &OfflineError{ID: id}
		}
		out = append(out, id)
	}
	if len(out) == 0 {
		return nil, ErrEmptyRecipient
	}
	return out, nil
}

func onlineIDs(ctx context.Context, sess *session.Session, now time.Time) ([]types.AgentID, error) {
	if store := sess.Store(); store != nil {
		peers, err := store.ListPeers(ctx)
		if err != nil {
			return nil, err
		}
		var out []types.AgentID
		for _, p := range peers {
			if p.Online(now, sess.Config().HeartbeatTTL) {
				out = append(out, p.ID)
			}
		}
		return out, nil
	}
	entries, err := storage.ScanShards(sess.Config().DataDir, sess.Config().BusyTimeout)
	if err != nil {
		return nil, err
	}
	var out []types.AgentID
	for _, e := range entries {
		if now.Sub(e.State.LastHeartbeat) <= sess.Config().HeartbeatTTL {
			out = append(out, e.ID)
		}
	}
	return out, nil
}

func sendShared(ctx context.Context, sess *session.Session, recipients []types.AgentID, content string, now time.Time, shortID, tsStr string) (Outcome, error) {
	msgs := make([]*types.Message, 0, len(recipients))
	for _, to := range recipients {
		msgs = append(msgs, &types.Message{
			MsgID: uuid.NewString(), ShortID: shortID, Ts: float64(now.UnixNano()) / 1e9, TsStr: tsStr,
			From: sess.ID, To: to, Content: content, State: types.StateQueued,
		})
	}
	if err := sess.Store().InsertMessages(ctx, msgs); err != nil {
		metrics.MessagesSentTotal.WithLabelValues("error").Inc()
		return Outcome{}, fmt.Errorf("insert messages: %w", err)
	}
	metrics.MessagesSentTotal.WithLabelValues("sent").Inc()
	logger.Info().Str("from", string(sess.ID)).Int("recipients", len(recipients)).Str("short_id", shortID).Msg("sent")
	return Outcome{Result: ResultSent, Delivered: len(recipients), Total: len(recipients), ShortID: shortID}, nil
}

func sendSharded(ctx context.Context, sess *session.Session, recipients []types.AgentID, content string, now time.Time, shortID, tsStr string) (Outcome, error) {
	cfg := sess.Config()
	entries := make([]*storage.OutboxEntry, 0, len(recipients))
	for _, to := range recipients {
		entries = append(entries, &storage.OutboxEntry{
			MsgID: uuid.NewString(), ShortID: shortID, Ts: float64(now.UnixNano()) / 1e9, TsStr: tsStr,
			To: to, Content: content,
		})
	}
	for _, e := range entries {
		if err := sess.Shard().AppendOutbox(ctx, e); err != nil {
			metrics.MessagesSentTotal.WithLabelValues("error").Inc()
			return Outcome{}, fmt.Errorf("append outbox: %w", err)
		}
	}

	pending := make(map[string]bool, len(entries))
	for _, e := range entries {
		pending[e.MsgID] = true
	}

	deadline := sess.Clock().Now().Add(cfg.SendWait)
	for sess.Clock().Now().Before(deadline) {
		left, err := sess.Shard().SnapshotOutbox(ctx, len(entries)+1)
		if err == nil {
			stillPending := 0
			for _, e := range left {
				if pending[e.MsgID] {
					stillPending++
				}
			}
			if stillPending == 0 {
				return Outcome{Result: ResultSent, Delivered: len(entries), Total: len(entries), ShortID: shortID}, nil
			}
		}
		select {
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		case <-sess.Clock().After(100 * time.Millisecond):
		}
	}

	left, err := sess.Shard().SnapshotOutbox(ctx, len(entries)+1)
	stillPending := len(entries)
	if err == nil {
		stillPending = 0
		for _, e := range left {
			if pending[e.MsgID] {
				stillPending++
			}
		}
	}
	delivered := len(entries) - stillPending
	if delivered == 0 {
		metrics.MessagesSentTotal.WithLabelValues("timeout").Inc()
		return Outcome{Result: ResultTimeout, Delivered: 0, Total: len(entries), ShortID: shortID}, nil
	}
	metrics.MessagesSentTotal.WithLabelValues("partial").Inc()
	return Outcome{Result: ResultPartial, Delivered: delivered, Total: len(entries), ShortID: shortID}, nil
}

// sendShardedAll writes a single outbox row carrying the unresolved
// "all" token (spec.md §4.4 Reconciler step b expands it, not this
// call). The row is deleted only once the reconciler has successfully
// written it to every shard it found online, so there is no partial
// outcome here: either the row is gone before SendWait elapses, or it
// isn't. estimatedRecipients is the online count from validateBroadcast,
// reported as-is since the actual expanded set is only known to the
// reconciler.
func sendShardedAll(ctx context.Context, sess *session.Session, estimatedRecipients int, content string, now time.Time, shortID, tsStr string) (Outcome, error) {
	cfg := sess.Config()
	entry := &storage.OutboxEntry{
		MsgID: uuid.NewString(), ShortID: shortID, Ts: float64(now.UnixNano()) / 1e9, TsStr: tsStr,
		To: types.All, Content: content,
	}
	if err := sess.Shard().AppendOutbox(ctx, entry); err != nil {
		metrics.MessagesSentTotal.WithLabelValues("error").Inc()
		return Outcome{}, fmt.Errorf("append outbox: %w", err)
	}

	gone := func() bool {
		left, err := sess.Shard().SnapshotOutbox(ctx, cfg.BatchSize+1)
		if err != nil {
			return false
		}
		for _, e := range left {
			if e.MsgID == entry.MsgID {
				return false
			}
		}
		return true
	}

	deadline := sess.Clock().Now().Add(cfg.SendWait)
	for sess.Clock().Now().Before(deadline) {
		if gone() {
			metrics.MessagesSentTotal.WithLabelValues("sent").Inc()
			return Outcome{Result: ResultSent, Delivered: estimatedRecipients, Total: estimatedRecipients, ShortID: shortID}, nil
		}
		select {
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		case <-sess.Clock().After(100 * time.Millisecond):
		}
	}

	if gone() {
		metrics.MessagesSentTotal.WithLabelValues("sent").Inc()
		return Outcome{Result: ResultSent, Delivered: estimatedRecipients, Total: estimatedRecipients, ShortID: shortID}, nil
	}
	metrics.MessagesSentTotal.WithLabelValues("timeout").Inc()
	return Outcome{Result: ResultTimeout, Delivered: 0, Total: estimatedRecipients, ShortID: shortID}, nil
}
