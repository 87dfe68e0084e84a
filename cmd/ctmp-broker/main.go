package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/kstaniek/ctmp-broker/internal/broker"
	"github.com/kstaniek/ctmp-broker/internal/metrics"
)

// Helper implementations moved to dedicated files: version.go, config.go,
// logger.go, metrics_logger.go, mdns.go.

func main() {
	cfg, showHelp, err := parseFlags()
	if showHelp {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(2)
	}

	l := setupLogger(cfg.logFormat, cfg.logLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	b, err := broker.New(broker.Config{
		Extended:   cfg.extended,
		NumWorkers: cfg.numWorkers,
		Backlog:    cfg.backlog,
		TTL:        cfg.ttl,
		SourceAddr: fmt.Sprintf(":%d", sourcePort),
		DestAddr:   fmt.Sprintf(":%d", destPort),
	}, l)
	if err != nil {
		l.Error("broker_init_error", "error", err)
		os.Exit(1)
	}

	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- b.Run(ctx)
	}()

	go func() {
		if !cfg.mdnsEnable {
			return
		}
		select {
		case <-b.Ready():
		case <-ctx.Done():
			return
		}
		port := destPort
		if addr := b.DestAddr(); addr != nil {
			if _, p, err := net.SplitHostPort(addr.String()); err == nil {
				if pn, perr := strconv.Atoi(p); perr == nil {
					port = pn
				}
			}
		}
		cleanupMDNS, err := startMDNS(ctx, cfg, port)
		if err != nil {
			l.Warn("mdns_start_failed", "error", err)
			return
		}
		l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.mdnsName, "port", port)
		go func() { <-ctx.Done(); cleanupMDNS() }()
	}()

	metrics.SetReadinessFunc(func() bool {
		select {
		case <-b.Ready():
		default:
			return false
		}
		return ctx.Err() == nil
	})
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case s := <-sigCh:
		l.Info("shutdown_signal", "signal", s.String())
		cancel()
		<-runErrCh
	case err := <-runErrCh:
		if err != nil {
			l.Error("broker_run_error", "error", err)
		}
		cancel()
	}

	wg.Wait()
}
