package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/ctmp-broker/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"ingested", snap.Ingested,
					"delivered", snap.Delivered,
					"expired", snap.Expired,
					"dropped", snap.Dropped,
					"dispatcher_stalls", snap.DispatcherStall,
					"active_receivers", snap.ActiveReceivers,
					"busy_slots", snap.BusySlots,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
