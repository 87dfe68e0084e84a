package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/kstaniek/ctmp-broker/internal/ctmp"
	"github.com/kstaniek/ctmp-broker/internal/metrics"
	"github.com/kstaniek/ctmp-broker/internal/netutil"
)

// runIngester accepts exactly one producer at a time and streams CTMP
// frames from it into the queue (spec §4.4). It never blocks on consumers;
// its only back-pressure is TCP receive buffering on the producer socket.
func (b *Broker) runIngester(ctx context.Context, ln net.Listener) {
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
			wrap := fmt.Errorf("%w: source: %v", ErrAccept, err)
			metrics.IncError(mapErrToMetric(wrap))
			b.logger.Error("source_accept_failed", "error", wrap)
			continue
		}
		netutil.TuneConn(conn)
		b.logger.Info("producer_connected", "remote", conn.RemoteAddr().String())
		b.serveProducer(ctx, conn)
		b.logger.Info("producer_disconnected")
	}
}

// serveProducer decodes frames from one producer connection until it goes
// away, appending every valid one to the queue. A failed parse neither tears
// down nor waits: the inner loop retries immediately, and the next Parse
// starts right after the rejected frame (after its 8-byte header only, for a
// bad magic byte; the codec does not scan for the next magic byte). Cancelling
// ctx closes conn, which unblocks a Parse waiting on the producer.
func (b *Broker) serveProducer(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if !netutil.Alive(conn) {
			return
		}

		msg, err := ctmp.Parse(conn, b.cfg.Extended)
		if err != nil {
			if errors.Is(err, ctmp.ErrClosed) {
				return
			}
			b.logger.Debug("frame_rejected", "error", err)
			metrics.IncDropped(dropReason(err))
			continue
		}

		b.queue.Append(msg, time.Now())
		metrics.IncIngested()
	}
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, ctmp.ErrBadMagic):
		return metrics.ReasonBadMagic
	case errors.Is(err, ctmp.ErrBadPadding):
		return metrics.ReasonBadPadding
	case errors.Is(err, ctmp.ErrBadOptions):
		return metrics.ReasonBadOptions
	case errors.Is(err, ctmp.ErrChecksum):
		return metrics.ReasonChecksum
	case errors.Is(err, ctmp.ErrShortRead):
		return metrics.ReasonShortRead
	default:
		return "other"
	}
}
