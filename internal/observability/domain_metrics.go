package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	chatTurnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loanbot_chat_turns_total",
			Help: "Total number of chat turns by outcome.",
		},
		[]string{"outcome"},
	)
	chatTurnLatencyMs = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "loanbot_chat_turn_latency_ms",
			Help:    "End-to-end chat turn latency in milliseconds.",
			Buckets: []float64{50, 100, 250, 500, 1000, 2000, 5000, 10000, 30000, 60000},
		},
	)
	completionLatencyMs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "loanbot_completion_latency_ms",
			Help:    "Completion stream latency in milliseconds, from request to end of stream.",
			Buckets: []float64{100, 250, 500, 1000, 2000, 5000, 10000, 30000, 60000},
		},
		[]string{"status"},
	)
	warehouseQueryLatencyMs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "loanbot_warehouse_query_latency_ms",
			Help:    "Generated query execution latency in milliseconds.",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		},
		[]string{"status"},
	)
	kpiQueryFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loanbot_kpi_query_failures_total",
			Help: "Total number of KPI queries that failed and defaulted to zero.",
		},
		[]string{"kpi"},
	)
	kpiReportsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "loanbot_kpi_reports_total",
			Help: "Total number of KPI reports computed.",
		},
	)
	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "loanbot_active_sessions",
			Help: "Current number of connected chat sessions.",
		},
	)
	sessionConnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loanbot_session_connects_total",
			Help: "Total number of session connect attempts by result stage.",
		},
		[]string{"stage"},
	)
	archiveWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loanbot_archive_writes_total",
			Help: "Total number of session archive writes by status.",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(
		chatTurnsTotal,
		chatTurnLatencyMs,
		completionLatencyMs,
		warehouseQueryLatencyMs,
		kpiQueryFailuresTotal,
		kpiReportsTotal,
		activeSessions,
		sessionConnectsTotal,
		archiveWritesTotal,
	)
}

func ObserveChatTurn(outcome string, elapsed time.Duration) {
	chatTurnsTotal.WithLabelValues(outcome).Inc()
	chatTurnLatencyMs.Observe(float64(elapsed.Milliseconds()))
}

func ObserveCompletion(err error, elapsed time.Duration) {
	completionLatencyMs.WithLabelValues(statusLabel(err)).Observe(float64(elapsed.Milliseconds()))
}

func ObserveWarehouseQuery(err error, elapsed time.Duration) {
	warehouseQueryLatencyMs.WithLabelValues(statusLabel(err)).Observe(float64(elapsed.Milliseconds()))
}

func ObserveKPIReport(failed []string) {
	kpiReportsTotal.Inc()
	for _, name := range failed {
		kpiQueryFailuresTotal.WithLabelValues(name).Inc()
	}
}

// ObserveSessionConnect records a connect attempt. stage is "ok" on success
// or the failing connect stage.
func ObserveSessionConnect(stage string) {
	sessionConnectsTotal.WithLabelValues(stage).Inc()
}

func SetActiveSessions(count int) {
	if count < 0 {
		count = 0
	}
	activeSessions.Set(float64(count))
}

func ObserveArchiveWrite(err error) {
	archiveWritesTotal.WithLabelValues(statusLabel(err)).Inc()
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
