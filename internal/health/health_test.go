package health

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ispyisail/clubprint-engine/internal/breaker"
	"github.com/ispyisail/clubprint-engine/internal/clock"
	"github.com/ispyisail/clubprint-engine/internal/config"
	"github.com/ispyisail/clubprint-engine/internal/store"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(nopWriter{})
	return log
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func testHealthConfig() config.HealthConfig {
	return config.HealthConfig{
		SnapshotIntervalSeconds: 60,
		FailedJobThreshold:      2,
		SnapshotFilename:        "service-health.json",
	}
}

type fakeBreakerSource struct{ status breaker.Status }

func (f fakeBreakerSource) BreakerStatus() breaker.Status { return f.status }

type fakeCacheSource struct{ len, cap int }

func (f fakeCacheSource) CacheUtilization() (int, int) { return f.len, f.cap }

type fakeMemSource struct {
	heap, rss uint64
	warning   bool
}

func (f fakeMemSource) HeapAllocBytes() uint64    { return f.heap }
func (f fakeMemSource) RSSBytes() uint64          { return f.rss }
func (f fakeMemSource) AboveWarningThreshold() bool { return f.warning }

type failingStore struct{ *store.MemoryStore }

func (f failingStore) CountJobsByStatus(ctx context.Context, status store.JobStatus) (int, error) {
	return 0, errors.New("disk full")
}

func TestSnapshotHealthyWithNoBreakersOpenNoFailures(t *testing.T) {
	clk := clock.NewFake(time.Now())
	st := store.NewMemoryStore()
	r := New(st, nil, nil, nil, clk, testHealthConfig(), t.TempDir(), testLogger())

	snap := r.Snapshot(context.Background())
	if snap.Status != Healthy {
		t.Fatalf("status = %v, want healthy", snap.Status)
	}
}

func TestSnapshotUnhealthyWhenStoreCheckFails(t *testing.T) {
	clk := clock.NewFake(time.Now())
	st := failingStore{store.NewMemoryStore()}
	r := New(st, nil, nil, nil, clk, testHealthConfig(), t.TempDir(), testLogger())

	snap := r.Snapshot(context.Background())
	if snap.Status != Unhealthy {
		t.Fatalf("status = %v, want unhealthy", snap.Status)
	}
	if snap.Store.OK {
		t.Fatal("store check OK = true, want false")
	}
}

func TestSnapshotDegradedWhenABreakerIsOpen(t *testing.T) {
	clk := clock.NewFake(time.Now())
	st := store.NewMemoryStore()
	sources := []BreakerSource{fakeBreakerSource{breaker.Status{Name: "printer", State: breaker.Open}}}
	r := New(st, sources, nil, nil, clk, testHealthConfig(), t.TempDir(), testLogger())

	snap := r.Snapshot(context.Background())
	if snap.Status != Degraded {
		t.Fatalf("status = %v, want degraded", snap.Status)
	}
	if len(snap.Breakers) != 1 || snap.Breakers[0].State != "open" {
		t.Fatalf("breakers = %+v, want one open breaker", snap.Breakers)
	}
}

func TestSnapshotDegradedWhenFailedJobsExceedThreshold(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(time.Now())
	st := store.NewMemoryStore()
	for i := 0; i < 3; i++ {
		id := string(rune('a' + i))
		if _, err := st.UpsertEvents(ctx, []store.Event{{ID: id, Name: "e", StartTime: clk.Now(), Status: store.EventPending}}); err != nil {
			t.Fatalf("UpsertEvents: %v", err)
		}
		if err := st.ArmJob(ctx, id, "e", clk.Now()); err != nil {
			t.Fatalf("ArmJob: %v", err)
		}
		if err := st.FailJob(ctx, id, "boom"); err != nil {
			t.Fatalf("FailJob: %v", err)
		}
	}

	r := New(st, nil, nil, nil, clk, testHealthConfig(), t.TempDir(), testLogger())
	snap := r.Snapshot(ctx)
	if snap.Status != Degraded {
		t.Fatalf("status = %v, want degraded (3 failed jobs > threshold 2)", snap.Status)
	}
	if snap.JobsByStatus["failed"] != 3 {
		t.Fatalf("JobsByStatus[failed] = %d, want 3", snap.JobsByStatus["failed"])
	}
}

func TestSnapshotDegradedWhenMemoryAboveWarning(t *testing.T) {
	clk := clock.NewFake(time.Now())
	st := store.NewMemoryStore()
	mem := fakeMemSource{heap: 500 * 1024 * 1024, rss: 600 * 1024 * 1024, warning: true}
	r := New(st, nil, nil, mem, clk, testHealthConfig(), t.TempDir(), testLogger())

	snap := r.Snapshot(context.Background())
	if snap.Status != Degraded {
		t.Fatalf("status = %v, want degraded", snap.Status)
	}
	if !snap.Memory.Warning {
		t.Fatal("Memory.Warning = false, want true")
	}
}

func TestSnapshotIncludesCacheUtilization(t *testing.T) {
	clk := clock.NewFake(time.Now())
	st := store.NewMemoryStore()
	r := New(st, nil, fakeCacheSource{len: 42, cap: 1000}, nil, clk, testHealthConfig(), t.TempDir(), testLogger())

	snap := r.Snapshot(context.Background())
	if snap.Cache.Entries != 42 || snap.Cache.Capacity != 1000 {
		t.Fatalf("Cache = %+v, want {42 1000}", snap.Cache)
	}
}

func TestWriteAtomicProducesReadableJSONFile(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewFake(time.Now())
	st := store.NewMemoryStore()
	r := New(st, nil, nil, nil, clk, testHealthConfig(), dir, testLogger())

	r.reportOnce(context.Background())

	data, err := os.ReadFile(filepath.Join(dir, "service-health.json"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if snap.Status != Healthy {
		t.Fatalf("status = %v, want healthy", snap.Status)
	}
}

func TestStartWritesAnInitialSnapshotSynchronously(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewFake(time.Now())
	st := store.NewMemoryStore()
	r := New(st, nil, nil, nil, clk, testHealthConfig(), dir, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	defer r.Stop()

	if _, err := os.Stat(filepath.Join(dir, "service-health.json")); err != nil {
		t.Fatalf("expected snapshot file to exist immediately after Start: %v", err)
	}
}
