package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var sessionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "granite_sessions_open",
	Help: "Number of currently open client sessions",
})

var statementsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "granite_statements_total",
	Help: "Statements executed, labeled by result kind",
}, []string{"kind"})

var statementErrorsCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "granite_statement_errors_total",
	Help: "Total number of failed statements",
})

var scannersGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "granite_scanners_open",
	Help: "Number of currently open scanners across all sessions",
})

var authFailuresCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "granite_auth_failures_total",
	Help: "Total number of authentication failures",
})

var rateLimitRejectsCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "granite_rate_limit_rejects_total",
	Help: "Total number of connections rejected due to rate limiting",
})

var teardownRollbacksCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "granite_teardown_rollbacks_total",
	Help: "Transactions rolled back automatically at session teardown",
})

var planCacheHitsGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "granite_plan_cache_hits",
	Help: "Plan cache hits reported by the translator",
})

var planCacheMissesGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "granite_plan_cache_misses",
	Help: "Plan cache misses reported by the translator",
})
