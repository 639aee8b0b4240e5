package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ExecutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livelabs_executions_total",
		Help: "Total number of setup/validation/init script executions by script_type and status.",
	}, []string{"script_type", "status"})
	ExecutionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "livelabs_execution_duration_seconds",
		Help:    "Duration of script executions.",
		Buckets: prometheus.DefBuckets,
	})
	AppContainerStarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livelabs_app_container_starts_total",
		Help: "Total number of app container starts by status.",
	}, []string{"status"})
	AppContainerRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "livelabs_app_container_restarts_total",
		Help: "Total number of app container restarts triggered by reconciliation or the control API.",
	})
	AppContainersRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "livelabs_app_containers_running",
		Help: "Number of app containers currently in the running state.",
	})
	InitRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livelabs_init_runs_total",
		Help: "Total number of init script runs by terminal status.",
	}, []string{"status"})
	TerminalSessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "livelabs_terminal_sessions_active",
		Help: "Number of interactive terminal sessions currently open.",
	})
	TerminalSessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "livelabs_terminal_sessions_total",
		Help: "Total number of interactive terminal sessions opened.",
	})
	ProxyRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livelabs_proxy_requests_total",
		Help: "Total number of embedding-proxy fetch requests by status code class.",
	}, []string{"status_class"})
	ImagePullsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livelabs_image_pulls_total",
		Help: "Total number of image pulls by status.",
	}, []string{"status"})
)
