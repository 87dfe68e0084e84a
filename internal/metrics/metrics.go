// Package metrics exposes the broker's Prometheus counters and gauges,
// shaped after the teacher's internal/metrics package: every runtime counter
// and gauge is mirrored by a cheap local atomic so an operator without a
// scraper can still get a periodic slog summary via Snap().
package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/ctmp-broker/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	FramesIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ctmp_frames_ingested_total",
		Help: "Total CTMP frames successfully parsed and enqueued from the source.",
	})
	FramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ctmp_frames_dropped_total",
		Help: "Total frames dropped by the codec, labeled by rejection reason.",
	}, []string{"reason"})
	FramesDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ctmp_frames_delivered_total",
		Help: "Total frame deliveries across all receivers.",
	})
	FramesExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ctmp_frames_expired_total",
		Help: "Total queue entries whose payload was reclaimed past TTL.",
	})
	ActiveReceivers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ctmp_active_receivers",
		Help: "Current number of connected destination receivers.",
	})
	BusySlotsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ctmp_busy_worker_slots",
		Help: "Current number of BUSY worker pool slots.",
	})
	DispatcherStalls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ctmp_dispatcher_stalls_total",
		Help: "Total times the dispatcher found no idle worker slot and backed off.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ctmp_errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})

	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Reason/error label values, kept stable to bound cardinality.
const (
	ReasonBadMagic   = "bad_magic"
	ReasonBadPadding = "bad_padding"
	ReasonBadOptions = "bad_options"
	ReasonChecksum   = "checksum"
	ReasonShortRead  = "short_read"

	ErrAccept    = "accept"
	ErrListen    = "listen"
	ErrConnRead  = "conn_read"
	ErrConnWrite = "conn_write"
)

// Local mirrored counters for cheap in-process logging (avoids a self-scrape).
var (
	localIngested  uint64
	localDelivered uint64
	localExpired   uint64
	localDropped   uint64
	localStalls    uint64
	localActiveRcv uint64
	localBusySlots uint64
	localErrors    uint64
)

// IncIngested records a successfully parsed, enqueued frame.
func IncIngested() {
	FramesIngested.Inc()
	atomic.AddUint64(&localIngested, 1)
}

// IncDropped records a rejected frame with its classification.
func IncDropped(reason string) {
	FramesDropped.WithLabelValues(reason).Inc()
	atomic.AddUint64(&localDropped, 1)
}

// IncDelivered records one successful send to one receiver.
func IncDelivered() {
	FramesDelivered.Inc()
	atomic.AddUint64(&localDelivered, 1)
}

// IncExpired records the TTL cleaner reclaiming one entry's payload.
func IncExpired() {
	FramesExpired.Inc()
	atomic.AddUint64(&localExpired, 1)
}

// IncDispatcherStall records the dispatcher backing off with no idle slot.
func IncDispatcherStall() {
	DispatcherStalls.Inc()
	atomic.AddUint64(&localStalls, 1)
}

// SetActiveReceivers publishes the current connected-receiver count.
func SetActiveReceivers(n int) {
	ActiveReceivers.Set(float64(n))
	atomic.StoreUint64(&localActiveRcv, uint64(n))
}

// SetBusySlots publishes the current BUSY slot count.
func SetBusySlots(n int) {
	BusySlotsGauge.Set(float64(n))
	atomic.StoreUint64(&localBusySlots, uint64(n))
}

// IncError increments the subsystem error counter.
func IncError(where string) {
	Errors.WithLabelValues(where).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// InitBuildInfo publishes a static build_info gauge sample.
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
}

// SetReadinessFunc registers the function consulted by /ready.
func SetReadinessFunc(fn func() bool) {
	readinessMu.Lock()
	readinessFn = fn
	readinessMu.Unlock()
}

// IsReady invokes the registered readiness function, defaulting to true
// before one is registered so the endpoint doesn't flap at startup.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil {
		return true
	}
	return fn()
}

// StartHTTP serves /metrics and /ready on addr.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Snapshot is a cheap copy of the local counters for the optional periodic
// slog summary (no Prometheus scraper required).
type Snapshot struct {
	Ingested        uint64
	Delivered       uint64
	Expired         uint64
	Dropped         uint64
	DispatcherStall uint64
	ActiveReceivers uint64
	BusySlots       uint64
	Errors          uint64
}

// Snap gathers a Snapshot of the local mirrored counters.
func Snap() Snapshot {
	return Snapshot{
		Ingested:        atomic.LoadUint64(&localIngested),
		Delivered:       atomic.LoadUint64(&localDelivered),
		Expired:         atomic.LoadUint64(&localExpired),
		Dropped:         atomic.LoadUint64(&localDropped),
		DispatcherStall: atomic.LoadUint64(&localStalls),
		ActiveReceivers: atomic.LoadUint64(&localActiveRcv),
		BusySlots:       atomic.LoadUint64(&localBusySlots),
		Errors:          atomic.LoadUint64(&localErrors),
	}
}
