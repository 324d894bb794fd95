package metrics

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	CycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dashboard_cycle_duration_seconds",
			Help:    "Refresh cycle duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"outcome"},
	)

	CyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashboard_cycles_total",
			Help: "Total refresh cycles run",
		},
		[]string{"trigger", "outcome"},
	)

	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dashboard_stage_duration_seconds",
			Help:    "Pipeline stage duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		},
		[]string{"stage"},
	)

	RecordsFetched = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dashboard_records_fetched",
			Help: "Raw records returned by the last fetch",
		},
	)

	RecordsFiltered = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dashboard_records_filtered",
			Help: "Records remaining after the cutoff filter",
		},
	)

	RecordsExcluded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dashboard_records_excluded",
			Help: "Records excluded by the cutoff filter",
		},
	)

	TransformOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashboard_transform_outcomes_total",
			Help: "Per-record transform outcomes",
		},
		[]string{"outcome"},
	)

	AnomaliesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dashboard_anomalies",
			Help: "Anomalies in the current summary by kind",
		},
		[]string{"kind"},
	)

	SnapshotAge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dashboard_snapshot_age_seconds",
			Help: "Age of the served snapshot in seconds",
		},
	)

	FetchFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashboard_fetch_failures_total",
			Help: "Fetch failures by classified reason",
		},
		[]string{"reason"},
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashboard_http_requests_total",
			Help: "HTTP requests by route and status",
		},
		[]string{"route", "status"},
	)
)

func Init() {
	prometheus.MustRegister(CycleDuration)
	prometheus.MustRegister(CyclesTotal)
	prometheus.MustRegister(StageDuration)
	prometheus.MustRegister(RecordsFetched)
	prometheus.MustRegister(RecordsFiltered)
	prometheus.MustRegister(RecordsExcluded)
	prometheus.MustRegister(TransformOutcomes)
	prometheus.MustRegister(AnomaliesTotal)
	prometheus.MustRegister(SnapshotAge)
	prometheus.MustRegister(FetchFailures)
	prometheus.MustRegister(HTTPRequestsTotal)
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
