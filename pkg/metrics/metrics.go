// Package metrics registers the agent's Prometheus collectors and
// exposes them through a single registry, the way the teacher's
// pkg/metrics package registers its own gauges/counters/histograms at
// init() time and serves them via promhttp.Handler().
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SystemVersion = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nixless_agent_system_version",
		Help: "Number of successful state transitions since bootstrap.",
	})

	RequestsSummary = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nixless_agent_requests_summary",
		Help: "Total number of GET /summary requests.",
	})

	RequestsNewConfiguration = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nixless_agent_requests_new_configuration",
		Help: "Total number of POST /new-configuration requests admitted.",
	})

	RequestsRollback = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nixless_agent_requests_rollback",
		Help: "Total number of POST /rollback-configuration requests admitted.",
	})

	DownloadDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nixless_agent_system_configuration_download_duration",
		Help:    "Time spent downloading a configuration's missing closure members, in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"system_package_id"})

	SetupDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nixless_agent_system_configuration_setup_duration",
		Help:    "Time spent staging a configuration (generation append plus history link), in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"system_package_id"})

	SwitchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nixless_agent_system_configuration_switch_duration",
		Help:    "Time spent in the activation controller's Switch call, in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"system_package_id"})
)

func init() {
	prometheus.MustRegister(
		SystemVersion,
		RequestsSummary,
		RequestsNewConfiguration,
		RequestsRollback,
		DownloadDuration,
		SetupDuration,
		SwitchDuration,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Recorder implements agent.Metrics over the package-level collectors.
// It is a distinct exported type (rather than bare functions) so the
// agent package can depend on the Metrics interface without importing
// prometheus client types directly.
type Recorder struct{}

func (Recorder) IncRequestsNewConfiguration() { RequestsNewConfiguration.Inc() }
func (Recorder) IncRequestsRollback()         { RequestsRollback.Inc() }

func (Recorder) ObserveDownloadDuration(systemPackageID string, d time.Duration) {
	DownloadDuration.WithLabelValues(systemPackageID).Observe(d.Seconds())
}

func (Recorder) ObserveSetupDuration(systemPackageID string, d time.Duration) {
	SetupDuration.WithLabelValues(systemPackageID).Observe(d.Seconds())
}

func (Recorder) ObserveSwitchDuration(systemPackageID string, d time.Duration) {
	SwitchDuration.WithLabelValues(systemPackageID).Observe(d.Seconds())
}

func (Recorder) SetSystemVersion(version uint64) {
	SystemVersion.Set(float64(version))
}
