package metrics

import (
	"context"
	"sync"
	"time"
)

// StoreStats is the minimal read surface a Collector needs; pkg/bus
// adapts pkg/storage's Store to it (storeStatsAdapter).
type StoreStats interface {
	CountByState(ctx context.Context) (map[string]int, error)
	CountPeersOnline(ctx context.Context, now time.Time, ttl time.Duration) (int, error)
}

// Collector polls a store on its own cadence and republishes counts
// into the package gauges, independent of the heartbeat tick that also
// updates them on its own (slower) cadence.
type Collector struct {
	stats  StoreStats
	ttl    time.Duration
	stopCh chan struct{}
	once   sync.Once
}

// NewCollector creates a collector over stats, evaluating "online" peers
// against ttl.
func NewCollector(stats StoreStats, ttl time.Duration) *Collector {
	return &Collector{stats: stats, ttl: ttl, stopCh: make(chan struct{})}
}

// Start begins collecting on a 15s cadence, matching the teacher's
// manager-metrics collector.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector. Safe to call more than once.
func (c *Collector) Stop() {
	c.once.Do(func() { close(c.stopCh) })
}

func (c *Collector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	now := time.Now()
	if n, err := c.stats.CountPeersOnline(ctx, now, c.ttl); err == nil {
		PeersOnline.Set(float64(n))
	}
	if counts, err := c.stats.CountByState(ctx); err == nil {
		for state, n := range counts {
			MessagesByState.WithLabelValues(state).Set(float64(n))
		}
	}
}
