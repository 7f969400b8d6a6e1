// Package health periodically snapshots the engine's overall status to a
// file on disk, for an out-of-process watchdog to consume.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ispyisail/clubprint-engine/internal/breaker"
	"github.com/ispyisail/clubprint-engine/internal/clock"
	"github.com/ispyisail/clubprint-engine/internal/config"
	"github.com/ispyisail/clubprint-engine/internal/store"
)

// Status is the overall engine health classification.
type Status string

const (
	Healthy   Status = "healthy"
	Degraded  Status = "degraded"
	Unhealthy Status = "unhealthy"
)

// BreakerSource is anything that exposes a circuit breaker's status; every
// sink and the API client implement it.
type BreakerSource interface {
	BreakerStatus() breaker.Status
}

// CacheSource exposes the API response cache's current utilisation.
type CacheSource interface {
	CacheUtilization() (len, capacity int)
}

// MemorySource exposes the MemoryMonitor's most recent reading.
type MemorySource interface {
	HeapAllocBytes() uint64
	RSSBytes() uint64
	AboveWarningThreshold() bool
}

// CheckResult is a single named check's pass/fail outcome.
type CheckResult struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// BreakerCheck is one dependency's breaker snapshot, as surfaced in the
// health file.
type BreakerCheck struct {
	Name             string `json:"name"`
	State            string `json:"state"`
	ConsecutiveFails int    `json:"consecutiveFails"`
}

// CacheCheck is the API response cache's utilisation snapshot.
type CacheCheck struct {
	Entries  int `json:"entries"`
	Capacity int `json:"capacity"`
}

// MemoryCheck is the most recent memory sample and whether it's above the
// configured warning threshold.
type MemoryCheck struct {
	HeapAllocBytes uint64 `json:"heapAllocBytes"`
	RSSBytes       uint64 `json:"rssBytes"`
	Warning        bool   `json:"warning"`
}

// Snapshot is the full contents of the health snapshot file.
type Snapshot struct {
	Status       Status         `json:"status"`
	Timestamp    time.Time      `json:"timestamp"`
	Store        CheckResult    `json:"store"`
	Breakers     []BreakerCheck `json:"breakers"`
	Cache        CacheCheck     `json:"cache"`
	Memory       MemoryCheck    `json:"memory"`
	JobsByStatus map[string]int `json:"jobsByStatus"`
}

// Reporter owns the periodic health-snapshot loop.
type Reporter struct {
	store          store.Store
	breakerSources []BreakerSource
	cacheSource    CacheSource
	memSource      MemorySource
	clk            clock.Clock
	cfg            config.HealthConfig
	outputPath     string
	log            *logrus.Logger

	stop chan struct{}
	done chan struct{}
}

// New builds a Reporter. outputDir is the directory the snapshot file is
// written into (the engine's data directory); cacheSource/memSource may be
// nil if those dependencies aren't wired (as in tests that omit them).
func New(st store.Store, breakerSources []BreakerSource, cacheSource CacheSource, memSource MemorySource, clk clock.Clock, cfg config.HealthConfig, outputDir string, log *logrus.Logger) *Reporter {
	return &Reporter{
		store:          st,
		breakerSources: breakerSources,
		cacheSource:    cacheSource,
		memSource:      memSource,
		clk:            clk,
		cfg:            cfg,
		outputPath:     filepath.Join(outputDir, cfg.SnapshotFilename),
		log:            log,
	}
}

// Start writes an initial snapshot synchronously, then launches the
// periodic snapshot loop on a background goroutine until Stop is called or
// ctx is cancelled.
func (r *Reporter) Start(ctx context.Context) {
	r.reportOnce(ctx)

	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	ticker := r.clk.NewTicker(r.cfg.SnapshotInterval())

	go func() {
		defer close(r.done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stop:
				return
			case <-ticker.C():
				r.reportOnce(ctx)
			}
		}
	}()
}

// Stop halts the snapshot loop and waits for it to exit.
func (r *Reporter) Stop() {
	if r.stop == nil {
		return
	}
	close(r.stop)
	<-r.done
}

// Snapshot builds and returns the current snapshot without writing it,
// useful for an in-process status query in addition to the file.
func (r *Reporter) Snapshot(ctx context.Context) Snapshot {
	jobs, storeCheck := r.jobCounts(ctx)

	breakers := make([]BreakerCheck, 0, len(r.breakerSources))
	anyOpen := false
	for _, src := range r.breakerSources {
		st := src.BreakerStatus()
		if st.State == breaker.Open {
			anyOpen = true
		}
		breakers = append(breakers, BreakerCheck{
			Name:             st.Name,
			State:            st.State.String(),
			ConsecutiveFails: st.ConsecutiveFails,
		})
	}

	cacheCheck := CacheCheck{}
	if r.cacheSource != nil {
		cacheCheck.Entries, cacheCheck.Capacity = r.cacheSource.CacheUtilization()
	}

	memCheck := MemoryCheck{}
	memWarning := false
	if r.memSource != nil {
		memCheck.HeapAllocBytes = r.memSource.HeapAllocBytes()
		memCheck.RSSBytes = r.memSource.RSSBytes()
		memWarning = r.memSource.AboveWarningThreshold()
		memCheck.Warning = memWarning
	}

	status := Healthy
	switch {
	case !storeCheck.OK:
		status = Unhealthy
	case anyOpen || jobs[string(store.JobFailed)] > r.cfg.FailedJobThreshold || memWarning:
		status = Degraded
	}

	return Snapshot{
		Status:       status,
		Timestamp:    r.clk.Now().UTC(),
		Store:        storeCheck,
		Breakers:     breakers,
		Cache:        cacheCheck,
		Memory:       memCheck,
		JobsByStatus: jobs,
	}
}

// jobCounts probes the store via CountJobsByStatus across every known job
// status; this doubles as the store's health check.
func (r *Reporter) jobCounts(ctx context.Context) (map[string]int, CheckResult) {
	statuses := []store.JobStatus{
		store.JobScheduled, store.JobProcessing, store.JobRetrying,
		store.JobCompleted, store.JobFailed,
	}
	counts := make(map[string]int, len(statuses))
	for _, s := range statuses {
		n, err := r.store.CountJobsByStatus(ctx, s)
		if err != nil {
			return counts, CheckResult{OK: false, Error: err.Error()}
		}
		counts[string(s)] = n
	}
	return counts, CheckResult{OK: true}
}

func (r *Reporter) reportOnce(ctx context.Context) {
	snap := r.Snapshot(ctx)
	r.updateMetrics(snap)

	if err := r.writeAtomic(snap); err != nil {
		r.log.WithError(err).Error("health: failed to write snapshot file")
		return
	}
	r.log.WithField("status", snap.Status).Debug("health: snapshot written")
}

func (r *Reporter) updateMetrics(snap Snapshot) {
	switch snap.Status {
	case Healthy:
		overallStatus.Set(0)
	case Degraded:
		overallStatus.Set(1)
	case Unhealthy:
		overallStatus.Set(2)
	}
	for _, b := range snap.Breakers {
		breakerState.WithLabelValues(b.Name).Set(breakerStateValue(b.State))
	}
	for status, n := range snap.JobsByStatus {
		jobsByStatus.WithLabelValues(status).Set(float64(n))
	}
	cacheEntries.Set(float64(snap.Cache.Entries))
	memoryHeapBytes.Set(float64(snap.Memory.HeapAllocBytes))
	memoryRSSBytes.Set(float64(snap.Memory.RSSBytes))
}

func breakerStateValue(s string) float64 {
	switch s {
	case "closed":
		return 0
	case "half_open":
		return 1
	case "open":
		return 2
	default:
		return -1
	}
}

// writeAtomic renders snap as JSON and renames it into place so a watchdog
// never observes a partially-written file.
func (r *Reporter) writeAtomic(snap Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("health: marshal snapshot: %w", err)
	}

	dir := filepath.Dir(r.outputPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("health: create snapshot dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".service-health-*.tmp")
	if err != nil {
		return fmt.Errorf("health: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("health: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("health: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, r.outputPath); err != nil {
		return fmt.Errorf("health: rename snapshot into place: %w", err)
	}
	return nil
}
