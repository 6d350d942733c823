package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	SitesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleetmon_sites_total",
			Help: "Number of monitored sites by connect status",
		},
		[]string{"status"},
	)

	SiteFilesPending = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleetmon_site_files_pending",
			Help: "Files queued for distribution per site",
		},
		[]string{"site"},
	)

	SiteBytesPending = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleetmon_site_bytes_pending",
			Help: "Bytes queued for distribution per site",
		},
		[]string{"site"},
	)

	SiteTransferRate = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleetmon_site_transfer_rate_bytes",
			Help: "Last reported transfer rate per site",
		},
		[]string{"site"},
	)

	SiteActiveTransfers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleetmon_site_active_transfers",
			Help: "Active transfers per site",
		},
		[]string{"site"},
	)

	// Polling client metrics
	PollMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetmon_poll_messages_total",
			Help: "Protocol messages received by site",
		},
		[]string{"site"},
	)

	ParseErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetmon_parse_errors_total",
			Help: "Messages the tag parser rejected, by site",
		},
		[]string{"site"},
	)

	ReconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetmon_reconnects_total",
			Help: "Connection attempts after a session loss, by site",
		},
		[]string{"site"},
	)

	FailoversTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetmon_failovers_total",
			Help: "Automatic endpoint toggles, by site",
		},
		[]string{"site"},
	)

	LogBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetmon_log_bytes_received_total",
			Help: "Log bytes received by the forwarders, by site",
		},
		[]string{"site"},
	)

	// Supervisor metrics
	ChildRestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetmon_child_restarts_total",
			Help: "Child task restarts by kind (client, forwarder)",
		},
		[]string{"kind"},
	)

	ConfigReloadsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetmon_config_reloads_total",
			Help: "Configuration reloads performed",
		},
	)

	// Snapshot metrics
	ReshuffleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleetmon_reshuffle_duration_seconds",
			Help:    "Time taken to reshuffle a list snapshot in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"list"},
	)

	PublishDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleetmon_status_area_publish_duration_seconds",
			Help:    "Time taken to publish the status area in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(SitesTotal)
	prometheus.MustRegister(SiteFilesPending)
	prometheus.MustRegister(SiteBytesPending)
	prometheus.MustRegister(SiteTransferRate)
	prometheus.MustRegister(SiteActiveTransfers)
	prometheus.MustRegister(PollMessagesTotal)
	prometheus.MustRegister(ParseErrorsTotal)
	prometheus.MustRegister(ReconnectsTotal)
	prometheus.MustRegister(FailoversTotal)
	prometheus.MustRegister(LogBytesTotal)
	prometheus.MustRegister(ChildRestartsTotal)
	prometheus.MustRegister(ConfigReloadsTotal)
	prometheus.MustRegister(ReshuffleDuration)
	prometheus.MustRegister(PublishDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
