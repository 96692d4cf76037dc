// Package metrics provides Prometheus metrics for monitoring browsergrid.
package metrics

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ActionsTotal counts executed actions by type and status.
	ActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "browsergrid_actions_total",
			Help: "Total number of actions executed",
		},
		[]string{"action", "status"},
	)

	// ActionDuration tracks action duration by type.
	ActionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "browsergrid_action_duration_seconds",
			Help:    "Action duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~200s
		},
		[]string{"action"},
	)

	// BrowserPoolCapacity shows the configured pool capacity.
	BrowserPoolCapacity = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "browsergrid_browser_pool_capacity",
			Help: "Configured browser pool capacity",
		},
	)

	// BrowserPoolIdle shows idle browsers in the pool.
	BrowserPoolIdle = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "browsergrid_browser_pool_idle",
			Help: "Idle browsers in pool",
		},
	)

	// BrowserPoolInUse shows leased browsers.
	BrowserPoolInUse = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "browsergrid_browser_pool_in_use",
			Help: "Leased browsers in pool",
		},
	)

	// BrowserPoolWaiters shows callers queued for a browser.
	BrowserPoolWaiters = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "browsergrid_browser_pool_waiters",
			Help: "Callers waiting for a browser lease",
		},
	)

	// BrowserAcquisitions counts total browser acquisitions.
	BrowserAcquisitions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "browsergrid_browser_acquired_total",
			Help: "Total browser acquisitions from pool",
		},
	)

	// BrowserReplacements counts unhealthy browser replacements.
	BrowserReplacements = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "browsergrid_browser_replaced_total",
			Help: "Total unhealthy browsers replaced",
		},
	)

	// BrowserCrashes counts observed browser crashes.
	BrowserCrashes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "browsergrid_browser_crashes_total",
			Help: "Total browser crashes observed",
		},
	)

	// ActiveSessions shows current active sessions.
	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "browsergrid_active_sessions",
			Help: "Number of active sessions",
		},
	)

	// ActiveContexts shows current open browser contexts.
	ActiveContexts = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "browsergrid_active_contexts",
			Help: "Number of open browser contexts",
		},
	)

	// SessionsExpired counts sessions reaped by the TTL sweeper.
	SessionsExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "browsergrid_sessions_expired_total",
			Help: "Total sessions expired by TTL",
		},
	)

	// BlockedNavigations counts navigations rejected by URL policy.
	BlockedNavigations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "browsergrid_blocked_navigations_total",
			Help: "Total navigations rejected by URL policy",
		},
		[]string{"reason"},
	)

	// BlockedScripts counts scripts rejected by the deny patterns.
	BlockedScripts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "browsergrid_blocked_scripts_total",
			Help: "Total scripts rejected by validation",
		},
	)

	// ProxyHealthy shows healthy proxies in the pool.
	ProxyHealthy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "browsergrid_proxy_healthy",
			Help: "Healthy proxies in the pool",
		},
	)

	// ProxyRotations counts proxy rotations by cause.
	ProxyRotations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "browsergrid_proxy_rotations_total",
			Help: "Total proxy rotations by cause",
		},
		[]string{"cause"},
	)

	// ProxyFailures counts observed proxy failures.
	ProxyFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "browsergrid_proxy_failures_total",
			Help: "Total proxy failures observed",
		},
	)

	// EventsDropped counts events dropped by slow subscribers.
	EventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "browsergrid_events_dropped_total",
			Help: "Total events dropped due to full subscriber mailboxes",
		},
	)

	// MemoryUsageBytes shows current memory usage.
	MemoryUsageBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "browsergrid_memory_usage_bytes",
			Help: "Current memory usage in bytes (alloc)",
		},
	)

	// MemorySysBytes shows system memory obtained.
	MemorySysBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "browsergrid_memory_sys_bytes",
			Help: "Total memory obtained from system",
		},
	)

	// GoroutineCount shows current goroutine count.
	GoroutineCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "browsergrid_goroutines",
			Help: "Current number of goroutines",
		},
	)

	// BuildInfo provides build information as labels.
	BuildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "browsergrid_build_info",
			Help: "Build information",
		},
		[]string{"version", "go_version"},
	)
)

func init() {
	prometheus.MustRegister(
		ActionsTotal,
		ActionDuration,
		BrowserPoolCapacity,
		BrowserPoolIdle,
		BrowserPoolInUse,
		BrowserPoolWaiters,
		BrowserAcquisitions,
		BrowserReplacements,
		BrowserCrashes,
		ActiveSessions,
		ActiveContexts,
		SessionsExpired,
		BlockedNavigations,
		BlockedScripts,
		ProxyHealthy,
		ProxyRotations,
		ProxyFailures,
		EventsDropped,
		MemoryUsageBytes,
		MemorySysBytes,
		GoroutineCount,
		BuildInfo,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, goVersion string) {
	BuildInfo.WithLabelValues(version, goVersion).Set(1)
}

// StartMemoryCollector starts a goroutine that periodically updates memory metrics.
func StartMemoryCollector(interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			updateMemoryMetrics()
		case <-stopCh:
			return
		}
	}
}

func updateMemoryMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	MemoryUsageBytes.Set(float64(m.Alloc))
	MemorySysBytes.Set(float64(m.Sys))
	GoroutineCount.Set(float64(runtime.NumGoroutine()))
}

// RecordAction records metrics for a completed action.
func RecordAction(action, status string, duration time.Duration) {
	ActionsTotal.WithLabelValues(action, status).Inc()
	ActionDuration.WithLabelValues(action).Observe(duration.Seconds())
}

// UpdatePoolMetrics updates browser pool gauges.
func UpdatePoolMetrics(capacity, idle, inUse, waiters int) {
	BrowserPoolCapacity.Set(float64(capacity))
	BrowserPoolIdle.Set(float64(idle))
	BrowserPoolInUse.Set(float64(inUse))
	BrowserPoolWaiters.Set(float64(waiters))
}

// UpdateRegistryMetrics updates session and context gauges.
func UpdateRegistryMetrics(sessions, contexts int) {
	ActiveSessions.Set(float64(sessions))
	ActiveContexts.Set(float64(contexts))
}
