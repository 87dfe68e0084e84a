package broker

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/kstaniek/ctmp-broker/internal/metrics"
	"github.com/kstaniek/ctmp-broker/internal/netutil"
	"github.com/kstaniek/ctmp-broker/internal/workerpool"
)

// runDispatcher accepts receivers and assigns each to an idle worker slot
// (spec §4.5). Exponential backoff when no slot is idle is the only
// receiver-side admission control; it is the dispatcher's sole retry policy,
// matching the teacher's use of cenkalti/backoff (already pulled in
// transitively by its Prometheus stack) for this exact "retry forever with
// growing delay" shape.
func (b *Broker) runDispatcher(ctx context.Context, ln net.Listener) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wrap := fmt.Errorf("%w: destination: %v", ErrAccept, err)
			metrics.IncError(mapErrToMetric(wrap))
			b.logger.Error("destination_accept_failed", "error", wrap)
			continue
		}
		connTS := time.Now()
		netutil.TuneConn(conn)

		idx := b.awaitIdleSlot(ctx)
		if idx < 0 { // context cancelled while backing off
			_ = conn.Close()
			return
		}

		slot := b.pool.Slot(idx)
		switch slot.Status() {
		case workerpool.Available:
			s := b.pool.Assign(idx, conn, connTS)
			b.reportOccupancy()
			b.logger.Info("receiver_connected", "slot", idx, "remote", conn.RemoteAddr().String())
			// Not tracked by b.wg: a worker parked in WaitForWake or blocked
			// on the queue's condition never observes ctx cancellation, so
			// waiting for it here would hang Run's shutdown forever. Workers
			// are started lazily and live for the process's lifetime (spec §5).
			go b.runWorker(ctx, s)
		case workerpool.Ready:
			b.pool.Wake(idx, conn, connTS)
			b.reportOccupancy()
			b.logger.Info("receiver_connected", "slot", idx, "remote", conn.RemoteAddr().String(), "reused", true)
		default:
			// FindIdle should never return a BUSY slot; close defensively.
			_ = conn.Close()
		}
	}
}

// awaitIdleSlot blocks (with exponential backoff) until FindIdle returns a
// slot, or ctx is cancelled.
func (b *Broker) awaitIdleSlot(ctx context.Context) int {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0 // retry forever
	bo.Reset()            // restart from InitialInterval, not the constructor's default

	for {
		if idx := b.pool.FindIdle(); idx >= 0 {
			return idx
		}
		metrics.IncDispatcherStall()
		d := bo.NextBackOff()
		select {
		case <-ctx.Done():
			return -1
		case <-time.After(d):
		}
	}
}

// countBusy reports the number of BUSY slots; a receiver only counts as
// "active" while its slot is BUSY, so this doubles as the active-receiver count.
func (b *Broker) countBusy() int {
	n := 0
	for i := 0; i < b.pool.Len(); i++ {
		if b.pool.IsBusy(i) {
			n++
		}
	}
	return n
}

// reportOccupancy refreshes the busy-slot/active-receiver gauges from the
// pool's busy-bitmask (the source of truth), rather than tracking a
// dispatcher-local counter that a worker's own disconnect handling could
// never keep in sync with.
func (b *Broker) reportOccupancy() {
	n := b.countBusy()
	metrics.SetBusySlots(n)
	metrics.SetActiveReceivers(n)
}
