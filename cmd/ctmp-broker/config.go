package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kstaniek/ctmp-broker/internal/workerpool"
)

// sourcePort and destPort are fixed by the protocol, not configurable.
const (
	sourcePort = 33333
	destPort   = 44444
)

type appConfig struct {
	extended   bool
	numWorkers int
	backlog    int
	ttl        time.Duration

	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration
	mdnsEnable      bool
	mdnsName        string
}

// parseFlags parses os.Args, applies CTMP_BROKER_* environment overrides for
// any flag not explicitly set, and validates the result. showHelp is true
// when -version was requested (the version line has already been printed),
// in which case cfg is nil and the caller should exit 0. -h/--help is handled
// by flag.Parse itself, which prints the usage text and exits 0.
func parseFlags() (cfg *appConfig, showHelp bool, err error) {
	cfg = &appConfig{}

	extended := flag.Bool("extended", false, "Enable extended CTMP (checksum + options byte)")
	flag.BoolVar(extended, "e", false, "Shorthand for --extended")
	numWorkers := flag.Int("num-workers", 32, "Worker slot count, 1-64")
	flag.IntVar(numWorkers, "n", 32, "Shorthand for --num-workers")
	backlog := flag.Int("backlog", 16, "Listen backlog, 1-64")
	flag.IntVar(backlog, "b", 16, "Shorthand for --backlog")
	ttlSeconds := flag.Int("ttl", 5, "Message time-to-live in seconds, 2-10")
	flag.IntVar(ttlSeconds, "t", 5, "Shorthand for --ttl")

	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	mdnsEnable := flag.Bool("mdns-enable", false, "Enable mDNS/Avahi advertisement")
	mdnsName := flag.String("mdns-name", "", "mDNS instance name (default ctmp-broker-<hostname>)")
	showVersion := flag.Bool("version", false, "Print version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage of %s:\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVersion {
		fmt.Printf("ctmp-broker %s (commit %s, built %s)\n", version, commit, date)
		return nil, true, nil
	}

	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	cfg.extended = *extended
	cfg.numWorkers = *numWorkers
	cfg.backlog = *backlog
	cfg.ttl = time.Duration(*ttlSeconds) * time.Second
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.logMetricsEvery = *logMetricsEvery
	cfg.mdnsEnable = *mdnsEnable
	cfg.mdnsName = *mdnsName

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		return nil, false, err
	}
	if err := cfg.validate(); err != nil {
		return nil, false, err
	}
	return cfg, false, nil
}

// validate enforces the CLI's documented integer ranges. A violation names
// the offending option and its bounds, matching the contract that invalid
// ranges exit with a message rather than a bare usage dump.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if c.numWorkers < 1 || c.numWorkers > workerpool.MaxSlots {
		return fmt.Errorf("num-workers must be in [1, %d] (got %d)", workerpool.MaxSlots, c.numWorkers)
	}
	if c.backlog < 1 || c.backlog > 64 {
		return fmt.Errorf("backlog must be in [1, 64] (got %d)", c.backlog)
	}
	if c.ttl < 2*time.Second || c.ttl > 10*time.Second {
		return fmt.Errorf("ttl must be in [2, 10] seconds (got %s)", c.ttl)
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	return nil
}

// applyEnvOverrides maps CTMP_BROKER_* environment variables onto cfg for
// every flag not explicitly set on the command line (flag wins over env).
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }

	if _, ok := set["extended"]; !ok {
		if v, ok := get("CTMP_BROKER_EXTENDED"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.extended = true
			case "0", "false", "no", "off":
				c.extended = false
			}
		}
	}
	if _, ok := set["num-workers"]; !ok {
		if v, ok := get("CTMP_BROKER_NUM_WORKERS"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				c.numWorkers = n
			} else if firstErr == nil {
				firstErr = fmt.Errorf("invalid CTMP_BROKER_NUM_WORKERS: %w", err)
			}
		}
	}
	if _, ok := set["backlog"]; !ok {
		if v, ok := get("CTMP_BROKER_BACKLOG"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				c.backlog = n
			} else if firstErr == nil {
				firstErr = fmt.Errorf("invalid CTMP_BROKER_BACKLOG: %w", err)
			}
		}
	}
	if _, ok := set["ttl"]; !ok {
		if v, ok := get("CTMP_BROKER_TTL"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				c.ttl = time.Duration(n) * time.Second
			} else if firstErr == nil {
				firstErr = fmt.Errorf("invalid CTMP_BROKER_TTL: %w", err)
			}
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("CTMP_BROKER_LOG_FORMAT"); ok && v != "" {
			c.logFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("CTMP_BROKER_LOG_LEVEL"); ok && v != "" {
			c.logLevel = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("CTMP_BROKER_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	if _, ok := set["log-metrics-interval"]; !ok {
		if v, ok := get("CTMP_BROKER_LOG_METRICS_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				c.logMetricsEvery = d
			} else if firstErr == nil {
				firstErr = fmt.Errorf("invalid CTMP_BROKER_LOG_METRICS_INTERVAL: %w", err)
			}
		}
	}
	if _, ok := set["mdns-enable"]; !ok {
		if v, ok := get("CTMP_BROKER_MDNS_ENABLE"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.mdnsEnable = true
			case "0", "false", "no", "off":
				c.mdnsEnable = false
			}
		}
	}
	if _, ok := set["mdns-name"]; !ok {
		if v, ok := get("CTMP_BROKER_MDNS_NAME"); ok && v != "" {
			c.mdnsName = v
		}
	}
	return firstErr
}
