// Package metrics exposes Prometheus counters/gauges for the sync server.
package metrics

import (
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/process"
)

var (
	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sync_connections_total",
		Help: "Total number of sync connections established",
	})

	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sync_connections_active",
		Help: "Current number of attached sync connections",
	})

	ConnectionsRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sync_connections_rejected_total",
		Help: "Total number of rejected connection attempts (capacity, upgrade failure)",
	})

	HandshakeRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_handshake_rejected_total",
		Help: "Total handshake rejections by close code",
	}, []string{"close_code"})

	PullRequestsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sync_pull_requests_total",
		Help: "Total number of PullReq messages handled",
	})

	PushRequestsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sync_push_requests_total",
		Help: "Total number of PushReq messages accepted",
	})

	PushRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_push_rejected_total",
		Help: "Total number of PushReq messages rejected",
	}, []string{"reason"})

	BroadcastDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sync_broadcast_dropped_total",
		Help: "Total subscribers dropped due to a failed broadcast delivery",
	})

	StorageOpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sync_storage_operation_seconds",
		Help:    "EventStore operation latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	ProcessRSSBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sync_process_rss_bytes",
		Help: "Resident set size of the server process",
	})
)

// Register adds every collector to the default Prometheus registry. Safe to
// call once at startup.
func Register() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ConnectionsActive,
		ConnectionsRejected,
		HandshakeRejectedTotal,
		PullRequestsTotal,
		PushRequestsTotal,
		PushRejectedTotal,
		BroadcastDroppedTotal,
		StorageOpDuration,
		ProcessRSSBytes,
	)
}

// Handler returns the Prometheus scrape endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SampleProcessStats periodically updates process-level gauges (RSS) via
// gopsutil until stop is closed.
func SampleProcessStats(interval time.Duration, stop <-chan struct{}) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if info, err := proc.MemoryInfo(); err == nil {
				ProcessRSSBytes.Set(float64(info.RSS))
			}
		}
	}
}
