package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/eugener/bastion/internal/kv"
)

// KVProber periodically pings the shared kv.Store so connectivity loss is
// visible in logs before a request-path caller has to discover it through
// the rate limiter's fail-open path or a cache miss.
type KVProber struct {
	store    kv.Store
	interval time.Duration
}

// NewKVProber creates a KVProber firing on interval.
func NewKVProber(store kv.Store, interval time.Duration) *KVProber {
	if interval <= 0 {
		interval = time.Minute
	}
	return &KVProber{store: store, interval: interval}
}

// Name implements Worker.
func (p *KVProber) Name() string { return "kv_prober" }

// Run implements Worker.
func (p *KVProber) Run(ctx context.Context) error {
	t := time.NewTicker(p.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := p.store.Ping(ctx); err != nil {
				slog.LogAttrs(ctx, slog.LevelWarn, "kv store health probe failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
