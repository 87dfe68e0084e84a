// Package broker implements the CTMP broker's concurrency core: the source
// ingester, the destination dispatcher, the per-slot worker loop, and the
// TTL cleaner (spec §4.4-§4.6). It is grounded on the teacher's
// internal/server package (accept-loop shape, net.TCPConn tuning,
// sync.WaitGroup lifecycle, wrapped sentinel errors) generalized from a
// single hub broadcast into the spec's cursor-walking worker pool.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/kstaniek/ctmp-broker/internal/logging"
	"github.com/kstaniek/ctmp-broker/internal/metrics"
	"github.com/kstaniek/ctmp-broker/internal/queue"
	"github.com/kstaniek/ctmp-broker/internal/workerpool"
)

// Config holds the broker's runtime-tunable parameters (spec §6 CLI).
type Config struct {
	Extended   bool
	NumWorkers int
	// Backlog is accepted for CLI compatibility (spec §6) but not applied:
	// the standard library's net.Listen does not expose a settable listen
	// backlog, a gap the spec itself hands to an external collaborator
	// ("socket option plumbing", §0).
	Backlog    int
	TTL        time.Duration
	SourceAddr string
	DestAddr   string
}

// Broker owns the shared queue, the worker pool, and both listeners.
type Broker struct {
	cfg    Config
	queue  *queue.Queue
	pool   *workerpool.Pool
	logger *slog.Logger

	mu          sync.Mutex
	srcListener net.Listener
	dstListener net.Listener

	lastErrMu sync.Mutex
	lastErr   error
	errCh     chan error

	ready chan struct{}

	wg sync.WaitGroup
}

// New constructs a Broker. cfg is assumed already validated (spec §6 ranges).
func New(cfg Config, logger *slog.Logger) (*Broker, error) {
	pool, err := workerpool.New(cfg.NumWorkers)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.L()
	}
	return &Broker{
		cfg:    cfg,
		queue:  queue.New(),
		pool:   pool,
		logger: logger,
		errCh:  make(chan error, 1),
		ready:  make(chan struct{}),
	}, nil
}

// Errors exposes a channel of fatal errors observed by the broker (Run's
// listener bind failures).
func (b *Broker) Errors() <-chan error { return b.errCh }

// Ready closes once both listeners are bound, letting callers (mDNS
// advertisement, readiness probes) wait for a real destination port.
func (b *Broker) Ready() <-chan struct{} { return b.ready }

func (b *Broker) setError(err error) {
	if err == nil {
		return
	}
	b.lastErrMu.Lock()
	b.lastErr = err
	b.lastErrMu.Unlock()
	select {
	case b.errCh <- err:
	default:
	}
}

// LastError returns the most recently observed fatal error, if any.
func (b *Broker) LastError() error {
	b.lastErrMu.Lock()
	defer b.lastErrMu.Unlock()
	return b.lastErr
}

// Run starts the ingester, dispatcher, and TTL cleaner and blocks until ctx
// is cancelled or a listener fails to bind.
func (b *Broker) Run(ctx context.Context) error {
	srcLn, err := net.Listen("tcp", b.cfg.SourceAddr)
	if err != nil {
		wrap := fmt.Errorf("%w: source: %v", ErrListen, err)
		metrics.IncError(mapErrToMetric(wrap))
		b.setError(wrap)
		return wrap
	}
	dstLn, err := net.Listen("tcp", b.cfg.DestAddr)
	if err != nil {
		_ = srcLn.Close()
		wrap := fmt.Errorf("%w: destination: %v", ErrListen, err)
		metrics.IncError(mapErrToMetric(wrap))
		b.setError(wrap)
		return wrap
	}

	b.mu.Lock()
	b.srcListener = srcLn
	b.dstListener = dstLn
	b.mu.Unlock()

	b.logger.Info("tcp_listen", "role", "source", "addr", srcLn.Addr().String())
	b.logger.Info("tcp_listen", "role", "destination", "addr", dstLn.Addr().String())
	close(b.ready)

	go func() { <-ctx.Done(); _ = srcLn.Close() }()
	go func() { <-ctx.Done(); _ = dstLn.Close() }()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.runIngester(ctx, srcLn)
	}()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.runDispatcher(ctx, dstLn)
	}()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.runCleaner(ctx)
	}()

	<-ctx.Done()
	b.wg.Wait()
	return nil
}

// SourceAddr returns the bound source listener address (useful for tests
// that bind to :0).
func (b *Broker) SourceAddr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.srcListener == nil {
		return nil
	}
	return b.srcListener.Addr()
}

// DestAddr returns the bound destination listener address.
func (b *Broker) DestAddr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dstListener == nil {
		return nil
	}
	return b.dstListener.Addr()
}
