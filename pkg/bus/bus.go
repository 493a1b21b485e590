/*
Package bus wires storage, identity, session, heartbeat, delivery,
receive, and status into the three operation contracts spec.md §6
exposes to external callers: get_status, send, recv. CoreContext is the
explicit dependency-carrying replacement for what the original system
modeled as a process-wide singleton (spec.md §9): constructed once at
program entry and threaded through every call site, exactly the shape
spec.md §9 calls for.

Error rendering lives here and nowhere else: internal packages return
typed sentinel errors, and only CoreContext turns them into the short
diagnostic strings spec.md §6/§7 specify, so no internal package needs
to know about user-facing text.
*/
package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/relay/pkg/clock"
	"github.com/cuemby/relay/pkg/config"
	"github.com/cuemby/relay/pkg/delivery"
	"github.com/cuemby/relay/pkg/metrics"
	"github.com/cuemby/relay/pkg/procprobe"
	"github.com/cuemby/relay/pkg/receive"
	"github.com/cuemby/relay/pkg/session"
	"github.com/cuemby/relay/pkg/status"
	"github.com/cuemby/relay/pkg/storage"
)

// CoreContext is the single entry point embedders construct: one per
// process, closed exactly once at shutdown.
type CoreContext struct {
	Session   *session.Session
	collector *metrics.Collector
}

// New resolves configuration (defaults overlaid with an optional YAML
// file at configPath, empty for defaults only), opens the store, and
// claims this process's identity.
func New(ctx context.Context, configPath string) (*CoreContext, error) {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath, cfg)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}

	sess, err := session.Open(ctx, cfg, clock.Real(), procprobe.System())
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}

	c := &CoreContext{Session: sess}
	if store := sess.Store(); store != nil {
		c.collector = metrics.NewCollector(storeStatsAdapter{store: store}, cfg.HeartbeatTTL)
		c.collector.Start()
	}
	return c, nil
}

// Close releases the session and stops the metrics collector. Safe to
// call multiple times.
func (c *CoreContext) Close(ctx context.Context) {
	if c.collector != nil {
		c.collector.Stop()
	}
	c.Session.Close(ctx)
}

// storeStatsAdapter bridges storage.Store (which the metrics package
// cannot import, to avoid a storage<->metrics import cycle) to
// metrics.StoreStats's primitive-typed method set.
type storeStatsAdapter struct {
	store storage.Store
}

func (a storeStatsAdapter) CountByState(ctx context.Context) (map[string]int, error) {
	counts, err := a.store.CountByState(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(counts))
	for state, n := range counts {
		out[string(state)] = n
	}
	return out, nil
}

func (a storeStatsAdapter) CountPeersOnline(ctx context.Context, now time.Time, ttl time.Duration) (int, error) {
	peers, err := a.store.ListPeers(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, p := range peers {
		if p.Online(now, ttl) {
			n++
		}
	}
	return n, nil
}

// Status implements get_status() per spec.md §4.7/§6.
func (c *CoreContext) Status(ctx context.Context) (string, error) {
	c.Session.MarkActive()
	cfg := c.Session.Config()

	if store := c.Session.Store(); store != nil {
		rendered, err := status.Shared(ctx, store, c.Session.ID, c.Session.Clock().Now(), cfg.HeartbeatTTL)
		if err != nil {
			return renderDBError(err), nil
		}
		return rendered, nil
	}

	rendered, err := status.FromSharded(ctx, c.Session.Shard(), cfg.DataDir, c.Session.ID, c.Session.Clock(), cfg.BusyTimeout, cfg.HeartbeatTTL)
	if err != nil {
		return renderDBError(err), nil
	}
	return rendered, nil
}

// Send implements send(to, content) per spec.md §4.5/§6. It never
// returns a Go error: every failure renders to one of the fixed
// diagnostic strings the contract promises.
func (c *CoreContext) Send(ctx context.Context, to, content string) string {
	c.Session.MarkActive()

	outcome, err := delivery.Send(ctx, c.Session, to, content)
	if err != nil {
		return renderSendError(err)
	}
	return renderSendOutcome(outcome, c.Session.Config().SendWait)
}

// Recv implements recv(wait_seconds) per spec.md §4.6/§6.
func (c *CoreContext) Recv(ctx context.Context, waitSeconds int) string {
	result, err := receive.Recv(ctx, c.Session, waitSeconds)
	if err != nil {
		return renderRecvError(err)
	}
	return result
}

func renderSendError(err error) string {
	var offline *delivery.OfflineError
	switch {
	case errors.Is(err, delivery.ErrCannotSendToSelf):
		return "Error: cannot send to self."
	case errors.Is(err, delivery.ErrNoPeers):
		return "No other agents online."
	case errors.As(err, &offline):
		return fmt.Sprintf("Error: Agent '%s' offline.", offline.ID)
	case errors.Is(err, delivery.ErrEmptyContent):
		return "Error: message content cannot be empty."
	case errors.Is(err, delivery.ErrEmptyRecipient):
		return "Error: recipient must be 'all', an agent id, or a comma-separated list."
	default:
		return renderDBError(err)
	}
}

func renderSendOutcome(o delivery.Outcome, sendWait time.Duration) string {
	switch o.Result {
	case delivery.ResultSent:
		return fmt.Sprintf("Sent (to %d agent(s), id=%s)", o.Total, o.ShortID)
	case delivery.ResultPartial:
		return fmt.Sprintf("Partially sent (to %d/%d agents, id=%s)", o.Delivered, o.Total, o.ShortID)
	case delivery.ResultTimeout:
		return fmt.Sprintf("Send timeout after %ds (to %d agents)", int(sendWait.Seconds()), o.Total)
	default:
		return fmt.Sprintf("Sent (to %d agent(s), id=%s)", o.Total, o.ShortID)
	}
}

func renderRecvError(err error) string {
	if errors.Is(err, context.Canceled) {
		return "Cancelled by new command."
	}
	return renderDBError(err)
}

func renderDBError(err error) string {
	if errors.Is(err, storage.ErrStoreBusy) {
		return "DB Error: store busy, please retry."
	}
	return fmt.Sprintf("DB Error: %s", err)
}
