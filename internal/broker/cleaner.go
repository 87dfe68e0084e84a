package broker

import (
	"context"
	"time"

	"github.com/kstaniek/ctmp-broker/internal/metrics"
)

// cleanerInterval is how often the TTL cleaner sweeps the queue. It is
// independent of TTL itself: a short interval just bounds how stale an
// expired entry's freed payload can be before it is reclaimed, the way the
// teacher's metrics_logger ticks on its own fixed cadence regardless of the
// values it reports.
const cleanerInterval = 500 * time.Millisecond

// runCleaner sweeps the queue on a fixed tick, freeing any entry's payload
// once its age exceeds the configured TTL (spec §4.6). It never unlinks
// entries and blocks ingestion or worker link-walks only briefly: all the
// work happens in queue.Queue.ReclaimExpired, which clears each payload under
// that entry's own mutex and holds the queue mutex only for each link step.
func (b *Broker) runCleaner(ctx context.Context) {
	ticker := time.NewTicker(cleanerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := b.queue.ReclaimExpired(b.cfg.TTL, time.Now())
			for i := 0; i < n; i++ {
				metrics.IncExpired()
			}
		}
	}
}
