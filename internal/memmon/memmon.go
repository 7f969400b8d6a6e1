// Package memmon samples process memory on a periodic ticker and warns
// when usage crosses a configured threshold or grows monotonically across
// the retained sample ring.
package memmon

import (
	"context"
	"runtime"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/ispyisail/clubprint-engine/internal/clock"
	"github.com/ispyisail/clubprint-engine/internal/config"
)

// Sample is one point-in-time memory reading. RSSBytes holds
// runtime.MemStats.Sys (memory the Go runtime has obtained from the OS);
// the operating system's resident set size is not read.
type Sample struct {
	HeapAllocBytes uint64
	RSSBytes       uint64
}

// Monitor samples runtime.MemStats on cfg.SampleInterval and keeps the last
// cfg.RingSize readings for monotonic-growth detection.
type Monitor struct {
	cfg config.MemoryConfig
	clk clock.Clock
	log *logrus.Logger

	mu   sync.Mutex
	ring []Sample

	stop chan struct{}
	done chan struct{}
}

// New builds a Monitor. cfg.RingSize <= 0 falls back to 24 samples.
func New(cfg config.MemoryConfig, clk clock.Clock, log *logrus.Logger) *Monitor {
	if cfg.RingSize <= 0 {
		cfg.RingSize = 24
	}
	return &Monitor{cfg: cfg, clk: clk, log: log}
}

// Start launches the sampling loop on a background goroutine until Stop is
// called or ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	ticker := m.clk.NewTicker(m.cfg.SampleInterval())

	go func() {
		defer close(m.done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-ticker.C():
				m.sample()
			}
		}
	}()
}

// Stop halts the sampling loop and waits for it to exit.
func (m *Monitor) Stop() {
	if m.stop == nil {
		return
	}
	close(m.stop)
	<-m.done
}

func (m *Monitor) sample() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	s := Sample{HeapAllocBytes: ms.HeapAlloc, RSSBytes: ms.Sys}

	m.mu.Lock()
	m.ring = append(m.ring, s)
	if len(m.ring) > m.cfg.RingSize {
		m.ring = m.ring[len(m.ring)-m.cfg.RingSize:]
	}
	growing := monotonicGrowth(m.ring)
	m.mu.Unlock()

	warnHeap := s.HeapAllocBytes > uint64(m.cfg.WarningHeapMB)*1024*1024
	warnRSS := s.RSSBytes > uint64(m.cfg.WarningRSSMB)*1024*1024

	if warnHeap || warnRSS {
		m.log.WithFields(logrus.Fields{
			"heapAllocBytes": s.HeapAllocBytes,
			"rssBytes":       s.RSSBytes,
		}).Warn("memmon: memory usage above configured threshold")
	}
	if growing {
		m.log.Warn("memmon: monotonic memory growth detected across sample ring")
	}
}

// monotonicGrowth reports whether heap usage rose on every consecutive pair
// across the ring, once it holds at least 3 samples, a coarse leak signal.
func monotonicGrowth(ring []Sample) bool {
	if len(ring) < 3 {
		return false
	}
	for i := 1; i < len(ring); i++ {
		if ring[i].HeapAllocBytes <= ring[i-1].HeapAllocBytes {
			return false
		}
	}
	return true
}

// Latest returns the most recent sample and whether one has been taken yet.
func (m *Monitor) Latest() (Sample, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.ring) == 0 {
		return Sample{}, false
	}
	return m.ring[len(m.ring)-1], true
}

// HeapAllocBytes implements health.MemorySource.
func (m *Monitor) HeapAllocBytes() uint64 {
	s, _ := m.Latest()
	return s.HeapAllocBytes
}

// RSSBytes implements health.MemorySource.
func (m *Monitor) RSSBytes() uint64 {
	s, _ := m.Latest()
	return s.RSSBytes
}

// AboveWarningThreshold implements health.MemorySource.
func (m *Monitor) AboveWarningThreshold() bool {
	s, ok := m.Latest()
	if !ok {
		return false
	}
	return s.HeapAllocBytes > uint64(m.cfg.WarningHeapMB)*1024*1024 ||
		s.RSSBytes > uint64(m.cfg.WarningRSSMB)*1024*1024
}
