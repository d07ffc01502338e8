package empdb

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ConnectionsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "empdb_connections_accepted",
		Help: "The total number of accepted client connections",
	})

	ConnectionsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "empdb_connections_rejected",
		Help: "The total number of connections closed because the table was full",
	})

	OpenConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "empdb_open_connections",
		Help: "The number of currently tracked client connections",
	})

	FramesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "empdb_frames_received",
		Help: "The total number of complete frames dispatched",
	})

	ProtocolErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "empdb_protocol_errors",
		Help: "The total number of protocol violations that closed a connection",
	})

	RequestsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "empdb_requests_failed",
		Help: "The total number of well-formed requests the engine rejected",
	})

	RecordCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "empdb_record_count",
		Help: "The number of employee records currently in memory",
	})

	RecentPeers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "empdb_recent_peers",
		Help: "The number of distinct peer addresses seen recently",
	})

	QueueSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "empdb_audit_queue_size",
		Help: "The number of audit events waiting in the queue",
	})

	BusReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "empdb_bus_reconnects",
		Help: "The total number of reconnections to the audit message bus",
	})
)

// StartMetrics serves the prometheus endpoint in a separate goroutine.
func StartMetrics(metricsPort int) {
	go func() {
		listenAddress := ":" + strconv.Itoa(metricsPort)
		log.Debugln("Starting metrics at " + listenAddress + "/metrics")
		http.Handle("/metrics", promhttp.Handler())
		err := http.ListenAndServe(listenAddress, nil)
		if err != nil {
			log.Errorln("Failed to listen and serve metrics:", err)
			return
		}
	}()
}
