/*
Package metrics provides Prometheus metrics collection and exposition for fleetmon.

The metrics package defines and registers all fleetmon metrics using the
Prometheus client library, providing observability into fleet health, polling
activity, snapshot maintenance, and supervisor behaviour. Metrics are exposed
via HTTP endpoint for scraping by Prometheus servers.

# Architecture

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                          │
	│  ┌────────────────────────────────────────────┐          │
	│  │          Prometheus Registry               │          │
	│  │  - Global DefaultRegistry                  │          │
	│  │  - MustRegister at package init            │          │
	│  │  - Automatic Go runtime metrics            │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                    │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Metric Categories                │          │
	│  │                                            │          │
	│  │  Fleet: sites by status, per-site gauges   │          │
	│  │  Polling: messages, parse errors,          │          │
	│  │           reconnects, failovers            │          │
	│  │  Supervisor: child restarts, reloads       │          │
	│  │  Snapshots: reshuffle/publish duration     │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                    │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          HTTP Metrics Endpoint             │          │
	│  │  - Path: /metrics                          │          │
	│  │  - Handler: promhttp.Handler()             │          │
	│  └────────────────────────────────────────────┘          │
	└──────────────────────────────────────────────────────────┘

# Metrics Catalog

Fleet metrics:

fleetmon_sites_total{status}:
  - Type: Gauge
  - Description: Monitored sites by connect status (ok/warn/error/disconnected/defunct/disabled)
  - Example: fleetmon_sites_total{status="ok"} 12

fleetmon_site_files_pending{site}, fleetmon_site_bytes_pending{site},
fleetmon_site_transfer_rate_bytes{site}, fleetmon_site_active_transfers{site}:
  - Type: Gauge
  - Description: Last reported live activity per site, refreshed from the
    shared status area by the Collector every 15 seconds

Polling client metrics:

fleetmon_poll_messages_total{site}:
  - Type: Counter
  - Description: Protocol messages received and dispatched

fleetmon_parse_errors_total{site}:
  - Type: Counter
  - Description: Messages the tag parser rejected

fleetmon_reconnects_total{site}, fleetmon_failovers_total{site}:
  - Type: Counter
  - Description: Session re-establishments and automatic endpoint toggles

Supervisor metrics:

fleetmon_child_restarts_total{kind}:
  - Type: Counter
  - Description: Child task restarts by kind (client, forwarder)

fleetmon_config_reloads_total:
  - Type: Counter
  - Description: Configuration reloads performed

Snapshot metrics:

fleetmon_reshuffle_duration_seconds{list}:
  - Type: Histogram
  - Description: Time taken to reshuffle a dir/job list snapshot

fleetmon_status_area_publish_duration_seconds:
  - Type: Histogram
  - Description: Time taken to publish the status area file

# Usage

Updating metrics:

	import "github.com/fleetmon/fleetmon/pkg/metrics"

	metrics.PollMessagesTotal.WithLabelValues("berlin").Inc()
	metrics.SitesTotal.WithLabelValues("ok").Set(12)

Timing an operation:

	timer := metrics.NewTimer()
	// ... reshuffle ...
	timer.ObserveDurationVec(metrics.ReshuffleDuration, "job_list")

# Design Patterns

Package Init Registration:
  - All metrics registered in init() function
  - MustRegister panics on duplicate registration
  - Ensures metrics available before main()

Label Discipline:
  - Site aliases are bounded by the configuration (tens, not thousands)
  - No unbounded labels (session IDs, timestamps)

# See Also

  - Prometheus client library: https://github.com/prometheus/client_golang
  - Histogram best practices: https://prometheus.io/docs/practices/histograms/
*/
package metrics
