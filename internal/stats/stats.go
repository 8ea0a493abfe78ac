// Package stats periodically aggregates platform-wide trading activity
// and exports it as Prometheus gauges and log lines.
package stats

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/openpredict/market-engine/internal/metrics"
	"github.com/openpredict/market-engine/internal/model"
	"github.com/openpredict/market-engine/internal/store"
)

// window is the rolling window for the volume aggregate.
const window = 24 * time.Hour

// Collector snapshots platform stats on a fixed interval.
type Collector struct {
	store    store.Store
	logger   *slog.Logger
	interval time.Duration

	mu     sync.RWMutex
	latest *model.PlatformStats

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCollector creates a collector. A non-positive interval defaults to
// one minute.
func NewCollector(st store.Store, logger *slog.Logger, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Collector{store: st, logger: logger, interval: interval}
}

// Start collects once immediately, then on every tick until the context
// is cancelled or Stop is called.
func (c *Collector) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)

	if err := c.collect(ctx); err != nil {
		c.logger.Warn("initial stats collection failed", "error", err)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.collect(ctx); err != nil {
					c.logger.Warn("stats collection failed", "error", err)
				}
			}
		}
	}()
}

// Stop cancels collection and waits for the goroutine to exit.
func (c *Collector) Stop() {
	if c.cancel != nil {
		c.cancel()
		c.wg.Wait()
	}
}

func (c *Collector) collect(ctx context.Context) error {
	stats, err := c.store.PlatformStats(ctx, time.Now().Add(-window))
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.latest = stats
	c.mu.Unlock()

	metrics.ActiveEvents.Set(float64(stats.Events))
	metrics.TradingVolume24h.Set(stats.TradeVolume.InexactFloat64())

	c.logger.Info("platform stats",
		"trades_24h", stats.Trades,
		"users", stats.Users,
		"active_events", stats.Events,
		"volume_24h", stats.TradeVolume.String(),
	)
	return nil
}

// Latest returns the most recent snapshot, or nil before the first
// successful collection.
func (c *Collector) Latest() *model.PlatformStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latest
}
