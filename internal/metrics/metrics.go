package metrics

import (
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/gsusb-obd/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus collectors
var (
	USBTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "usb_tx_frames_total",
		Help: "Total CAN frames written to the adapter bulk OUT endpoint.",
	})
	USBRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "usb_rx_frames_total",
		Help: "Total CAN frames decoded from the adapter bulk IN endpoint.",
	})
	USBControlTransfers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "usb_control_transfers_total",
		Help: "Control transfers issued to the adapter by gs_usb request.",
	}, []string{"request"})
	PurgedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "usb_purged_frames_total",
		Help: "Total frames discarded while purging the receive queue.",
	})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_frames_total",
		Help: "Total rejected malformed frames or registers (size mismatch, invalid DLC).",
	})
	SessionState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "session_state",
		Help: "Adapter session state (0=closed, 1=opened, 2=configured, 3=running).",
	})
	OBDQueries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "obd_queries_total",
		Help: "OBD-II mode 01 queries by PID and result.",
	}, []string{"pid", "result"})
	OBDQueryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "obd_query_duration_seconds",
		Help:    "Latency of a complete OBD-II request/echo/response exchange.",
		Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2},
	})
	OBDValue = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "obd_pid_value",
		Help: "Last decoded value per OBD-II PID (unit depends on PID).",
	}, []string{"pid", "name"})
	MirrorTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "socketcan_mirror_tx_frames_total",
		Help: "Total CAN frames mirrored to the SocketCAN interface.",
	})
	FeedTxMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feed_tx_messages_total",
		Help: "Total telemetry messages written to feed clients.",
	})
	HubDroppedMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_dropped_messages_total",
		Help: "Total telemetry messages dropped by hub due to slow clients.",
	})
	HubKickedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_kicked_clients_total",
		Help: "Total clients disconnected due to backpressure kick policy.",
	})
	HubRejectedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_rejected_clients_total",
		Help: "Total client connection attempts rejected (e.g., max-clients).",
	})
	HubActiveClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_active_clients",
		Help: "Current number of active connected clients.",
	})
	HubBroadcastFanout = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_broadcast_fanout",
		Help: "Number of clients targeted in the most recent broadcast.",
	})
	HubQueueDepthMax = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_queue_depth_max",
		Help: "Observed max queued messages among clients since last sample window.",
	})
	HubQueueDepthAvg = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_queue_depth_avg",
		Help: "Approximate average queued messages per client in last sample.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrUSBControl     = "usb_control"
	ErrUSBBulkIn      = "usb_bulk_in"
	ErrUSBBulkOut     = "usb_bulk_out"
	ErrUSBTimeout     = "usb_timeout"
	ErrOBDQuery       = "obd_query"
	ErrMirrorWrite    = "socketcan_write"
	ErrMirrorOverflow = "socketcan_tx_overflow"
	ErrFeedUpgrade    = "feed_upgrade"
	ErrFeedWrite      = "feed_write"
	ErrFeedListen     = "feed_listen"
)

// OBD query result labels.
const (
	ResultOK      = "ok"
	ResultTimeout = "timeout"
	ResultError   = "error"
)

// StartHTTP serves Prometheus metrics at /metrics and readiness at /ready.
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

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localUSBTx       uint64
	localUSBRx       uint64
	localControl     uint64
	localPurged      uint64
	localMalformed   uint64
	localOBDQueries  uint64
	localOBDFailures uint64
	localMirrorTx    uint64
	localFeedTx      uint64
	localHubDrop     uint64
	localHubKick     uint64
	localHubReject   uint64
	localHubClients  uint64
	localFanout      uint64
	localQDMax       uint64
	localQDAvg       uint64
	localErrors      uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	USBTx         uint64
	USBRx         uint64
	Control       uint64
	Purged        uint64
	Malformed     uint64
	OBDQueries    uint64
	OBDFailures   uint64
	MirrorTx      uint64
	FeedTx        uint64
	HubDrops      uint64
	HubKicks      uint64
	HubRejects    uint64
	HubClients    uint64
	Fanout        uint64
	QueueDepthMax uint64
	QueueDepthAvg uint64
	Errors        uint64 // sum across error labels
}

func Snap() Snapshot {
	return Snapshot{
		USBTx:         atomic.LoadUint64(&localUSBTx),
		USBRx:         atomic.LoadUint64(&localUSBRx),
		Control:       atomic.LoadUint64(&localControl),
		Purged:        atomic.LoadUint64(&localPurged),
		Malformed:     atomic.LoadUint64(&localMalformed),
		OBDQueries:    atomic.LoadUint64(&localOBDQueries),
		OBDFailures:   atomic.LoadUint64(&localOBDFailures),
		MirrorTx:      atomic.LoadUint64(&localMirrorTx),
		FeedTx:        atomic.LoadUint64(&localFeedTx),
		HubDrops:      atomic.LoadUint64(&localHubDrop),
		HubKicks:      atomic.LoadUint64(&localHubKick),
		HubRejects:    atomic.LoadUint64(&localHubReject),
		HubClients:    atomic.LoadUint64(&localHubClients),
		Fanout:        atomic.LoadUint64(&localFanout),
		QueueDepthMax: atomic.LoadUint64(&localQDMax),
		QueueDepthAvg: atomic.LoadUint64(&localQDAvg),
		Errors:        atomic.LoadUint64(&localErrors),
	}
}

// Wrapper helpers to keep call sites simple.
func IncUSBTx() {
	USBTxFrames.Inc()
	atomic.AddUint64(&localUSBTx, 1)
}

func IncUSBRx() {
	USBRxFrames.Inc()
	atomic.AddUint64(&localUSBRx, 1)
}

// IncControl counts one control transfer for the named gs_usb request.
func IncControl(request string) {
	USBControlTransfers.WithLabelValues(request).Inc()
	atomic.AddUint64(&localControl, 1)
}

func AddPurged(n int) {
	if n <= 0 {
		return
	}
	PurgedFrames.Add(float64(n))
	atomic.AddUint64(&localPurged, uint64(n))
}

func IncMalformed() {
	MalformedFrames.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

func SetSessionState(state int) { SessionState.Set(float64(state)) }

// ObserveOBDQuery records one query outcome and its latency.
func ObserveOBDQuery(pid byte, result string, d time.Duration) {
	OBDQueries.WithLabelValues(pidLabel(pid), result).Inc()
	OBDQueryDuration.Observe(d.Seconds())
	atomic.AddUint64(&localOBDQueries, 1)
	if result != ResultOK {
		atomic.AddUint64(&localOBDFailures, 1)
	}
}

// SetOBDValue publishes the last decoded value for pid.
func SetOBDValue(pid byte, name string, v float64) {
	OBDValue.WithLabelValues(pidLabel(pid), name).Set(v)
}

func IncMirrorTx() {
	MirrorTxFrames.Inc()
	atomic.AddUint64(&localMirrorTx, 1)
}

func AddFeedTx(n int) {
	FeedTxMessages.Add(float64(n))
	atomic.AddUint64(&localFeedTx, uint64(n))
}

func IncHubDrop() {
	HubDroppedMessages.Inc()
	atomic.AddUint64(&localHubDrop, 1)
}

func IncHubKick() {
	HubKickedClients.Inc()
	atomic.AddUint64(&localHubKick, 1)
}

func IncHubReject() {
	HubRejectedClients.Inc()
	atomic.AddUint64(&localHubReject, 1)
}

func SetHubClients(n int) {
	HubActiveClients.Set(float64(n))
	atomic.StoreUint64(&localHubClients, uint64(n))
}

func SetBroadcastFanout(n int) {
	HubBroadcastFanout.Set(float64(n))
	atomic.StoreUint64(&localFanout, uint64(n))
}

// SetQueueDepth records a snapshot of max and avg queue depth.
func SetQueueDepth(max, avg int) {
	HubQueueDepthMax.Set(float64(max))
	HubQueueDepthAvg.Set(float64(avg))
	atomic.StoreUint64(&localQDMax, uint64(max))
	atomic.StoreUint64(&localQDAvg, uint64(avg))
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

func pidLabel(pid byte) string { return fmt.Sprintf("0x%02X", pid) }

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register common error label series so first error does not log a registration latency.
	for _, lbl := range []string{
		ErrUSBControl, ErrUSBBulkIn, ErrUSBBulkOut, ErrUSBTimeout,
		ErrOBDQuery, ErrMirrorWrite, ErrMirrorOverflow,
		ErrFeedUpgrade, ErrFeedWrite, ErrFeedListen,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // if not set yet, treat as ready so metrics endpoint doesn't flap
		return true
	}
	return fn()
}
