package broker

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/kstaniek/ctmp-broker/internal/ctmp"
	"github.com/kstaniek/ctmp-broker/internal/metrics"
	"github.com/kstaniek/ctmp-broker/internal/netutil"
	"github.com/kstaniek/ctmp-broker/internal/queue"
	"github.com/kstaniek/ctmp-broker/internal/workerpool"
)

// runWorker is the per-slot send loop (spec §4.5). It owns a cursor into the
// queue and walks it forever, skipping entries ineligible for the currently
// attached receiver and parking on the slot's condition when a receiver goes
// away, until the slot is woken with a new one. It never returns while ctx
// is live: worker goroutines are started lazily and never joined.
func (b *Broker) runWorker(ctx context.Context, slot *workerpool.Slot) {
	conn, connTS := slot.Current()

	var current, prev *queue.Entry

	for {
		if ctx.Err() != nil {
			return
		}

		if current == nil {
			if prev == nil {
				current = b.queue.WaitForFirst(0)
			} else {
				current = b.queue.WaitForNext(prev, 0)
			}
		}

		if !netutil.Alive(conn) {
			var ok bool
			conn, connTS, ok = b.parkUntilWoken(ctx, slot, conn, current)
			if !ok {
				return
			}
			continue
		}

		sendFailed := false
		if canForward(current, connTS, slot.Index) {
			if msg := current.Payload(); msg != nil {
				if err := ctmp.Serialize(conn, msg); err != nil {
					metrics.IncError(mapErrToMetric(fmt.Errorf("%w: %v", ErrConnSend, err)))
					sendFailed = true
				} else {
					current.MarkSent(slot.Index, true)
					metrics.IncDelivered()
				}
			}
		}

		if sendFailed {
			var ok bool
			conn, connTS, ok = b.parkUntilWoken(ctx, slot, conn, current)
			if !ok {
				return
			}
			continue
		}

		prev = current
		current = b.queue.Next(current)
	}
}

// parkUntilWoken closes deadConn, releases slot back to READY, and blocks
// until the dispatcher wakes it with a new receiver (spec §4.5 step 7).
// current's sent-bit for this slot is cleared so the new receiver is not
// pre-marked as already delivered; current itself is NOT reset to the queue
// head — the new receiver's connection timestamp gates eligibility through
// canForward, so entries older than it are simply skipped rather than
// replayed. The final bool is false if ctx was cancelled while parked.
func (b *Broker) parkUntilWoken(ctx context.Context, slot *workerpool.Slot, deadConn net.Conn, current *queue.Entry) (net.Conn, time.Time, bool) {
	_ = deadConn.Close()
	slot.Release()
	b.reportOccupancy()
	b.logger.Info("receiver_disconnected", "slot", slot.Index)

	newConn, newTS := slot.WaitForWake()
	if ctx.Err() != nil {
		return nil, time.Time{}, false
	}
	if current != nil {
		current.MarkSent(slot.Index, false)
	}
	return newConn, newTS, true
}

// canForward reports whether entry is eligible for delivery on slot
// slotIndex to a receiver that connected at connTS: the entry must be
// strictly newer than the receiver's connection time AND not already sent
// by this slot. The timestamp check must precede the sent-bit
// check so a payload already freed by the cleaner is never dereferenced for
// an ineligible receiver (spec §4.6's safety argument).
func canForward(entry *queue.Entry, connTS time.Time, slotIndex int) bool {
	if entry == nil {
		return false
	}
	if !entry.Timestamp.After(connTS) {
		return false
	}
	return !entry.Sent(slotIndex)
}
