package health

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// overallStatus is 0=healthy, 1=degraded, 2=unhealthy.
	overallStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "printengine_health_status",
		Help: "Overall engine health (0=healthy, 1=degraded, 2=unhealthy)",
	})

	// breakerState is 0=closed, 1=half_open, 2=open, keyed by dependency name.
	breakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "printengine_breaker_state",
		Help: "Circuit breaker state per dependency (0=closed, 1=half_open, 2=open)",
	}, []string{"name"})

	jobsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "printengine_jobs_by_status",
		Help: "Current number of jobs in each status",
	}, []string{"status"})

	cacheEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "printengine_cache_entries",
		Help: "Current number of entries in the API response cache",
	})

	memoryHeapBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "printengine_memory_heap_alloc_bytes",
		Help: "Most recent sampled heap allocation in bytes",
	})

	memoryRSSBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "printengine_memory_rss_bytes",
		Help: "Most recent sampled Go runtime memory obtained from the OS (MemStats.Sys) in bytes",
	})
)
