package worker

import (
	"context"
	"time"

	"github.com/rs/dnscache"
)

// DNSRefresher periodically refreshes the shared DNS cache used by the
// proxy's dialer.
type DNSRefresher struct {
	resolver *dnscache.Resolver
	interval time.Duration
}

// NewDNSRefresher creates a DNSRefresher firing on interval.
func NewDNSRefresher(resolver *dnscache.Resolver, interval time.Duration) *DNSRefresher {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &DNSRefresher{resolver: resolver, interval: interval}
}

// Name implements Worker.
func (d *DNSRefresher) Name() string { return "dns_refresher" }

// Run implements Worker.
func (d *DNSRefresher) Run(ctx context.Context) error {
	t := time.NewTicker(d.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			d.resolver.Refresh(true)
		}
	}
}
