// Package metrics keeps the pipeline's counters. The pipeline only produces
// numbers; anything that scrapes, ships, or graphs them lives outside the
// core, so the surface is a handful of atomic counters plus Snapshot.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Metrics is the shared counter set for one pipeline instance.
type Metrics struct {
	cacheHits        atomic.Uint64
	cachePersistHits atomic.Uint64
	cacheMisses      atomic.Uint64
	cacheJoins       atomic.Uint64
	cacheEvictions   atomic.Uint64
	cacheExpirations atomic.Uint64

	computeFailures atomic.Uint64
	computeRetries  atomic.Uint64

	segmentsPublished atomic.Uint64
	duplicatesDropped atomic.Uint64
	sinkDropped       atomic.Uint64

	enrichCount   atomic.Uint64
	enrichSumNS   atomic.Int64
	enrichMaxNS   atomic.Int64
	activeStreams atomic.Int64

	mu           sync.Mutex
	gapsByStream map[string]uint64
}

// New returns a zeroed metrics set.
func New() *Metrics {
	return &Metrics{gapsByStream: make(map[string]uint64)}
}

func (m *Metrics) CacheHit()        { m.cacheHits.Add(1) }
func (m *Metrics) CachePersistHit() { m.cachePersistHits.Add(1) }
func (m *Metrics) CacheMiss()       { m.cacheMisses.Add(1) }
func (m *Metrics) CacheJoin()       { m.cacheJoins.Add(1) }
func (m *Metrics) CacheEviction()   { m.cacheEvictions.Add(1) }
func (m *Metrics) CacheExpiration() { m.cacheExpirations.Add(1) }

func (m *Metrics) ComputeFailure() { m.computeFailures.Add(1) }
func (m *Metrics) ComputeRetry()   { m.computeRetries.Add(1) }

func (m *Metrics) SegmentPublished() { m.segmentsPublished.Add(1) }
func (m *Metrics) DuplicateDropped() { m.duplicatesDropped.Add(1) }
func (m *Metrics) SinkDropped()      { m.sinkDropped.Add(1) }

func (m *Metrics) StreamOpened() { m.activeStreams.Add(1) }
func (m *Metrics) StreamClosed() { m.activeStreams.Add(-1) }

// GapPublished records a gap of n missing sequence numbers on a stream.
func (m *Metrics) GapPublished(streamID string, n uint64) {
	m.mu.Lock()
	m.gapsByStream[streamID] += n
	m.mu.Unlock()
}

// EnrichObserved records one engine invocation's wall time.
func (m *Metrics) EnrichObserved(d time.Duration) {
	ns := d.Nanoseconds()
	m.enrichCount.Add(1)
	m.enrichSumNS.Add(ns)
	for {
		cur := m.enrichMaxNS.Load()
		if ns <= cur || m.enrichMaxNS.CompareAndSwap(cur, ns) {
			return
		}
	}
}

// Snapshot is a point-in-time copy safe to serialize.
type Snapshot struct {
	CacheHits        uint64 `json:"cache_hits"`
	CachePersistHits uint64 `json:"cache_persist_hits"`
	CacheMisses      uint64 `json:"cache_misses"`
	CacheJoins       uint64 `json:"cache_inflight_joins"`
	CacheEvictions   uint64 `json:"cache_evictions"`
	CacheExpirations uint64 `json:"cache_expirations"`

	ComputeFailures uint64 `json:"compute_failures"`
	ComputeRetries  uint64 `json:"compute_retries"`

	SegmentsPublished uint64 `json:"segments_published"`
	DuplicatesDropped uint64 `json:"duplicates_dropped"`
	SinkDropped       uint64 `json:"sink_dropped"`
	ActiveStreams     int64  `json:"active_streams"`

	GapsByStream map[string]uint64 `json:"gaps_by_stream"`
	GapsTotal    uint64            `json:"gaps_total"`

	EnrichCount     uint64  `json:"enrich_count"`
	EnrichAvgMillis float64 `json:"enrich_avg_ms"`
	EnrichMaxMillis float64 `json:"enrich_max_ms"`
}

// Snapshot copies every counter. The per-stream gap map is cloned so callers
// can hold the result without racing the pipeline.
func (m *Metrics) Snapshot() Snapshot {
	s := Snapshot{
		CacheHits:         m.cacheHits.Load(),
		CachePersistHits:  m.cachePersistHits.Load(),
		CacheMisses:       m.cacheMisses.Load(),
		CacheJoins:        m.cacheJoins.Load(),
		CacheEvictions:    m.cacheEvictions.Load(),
		CacheExpirations:  m.cacheExpirations.Load(),
		ComputeFailures:   m.computeFailures.Load(),
		ComputeRetries:    m.computeRetries.Load(),
		SegmentsPublished: m.segmentsPublished.Load(),
		DuplicatesDropped: m.duplicatesDropped.Load(),
		SinkDropped:       m.sinkDropped.Load(),
		ActiveStreams:     m.activeStreams.Load(),
		GapsByStream:      make(map[string]uint64),
	}

	m.mu.Lock()
	for k, v := range m.gapsByStream {
		s.GapsByStream[k] = v
		s.GapsTotal += v
	}
	m.mu.Unlock()

	s.EnrichCount = m.enrichCount.Load()
	if s.EnrichCount > 0 {
		s.EnrichAvgMillis = float64(m.enrichSumNS.Load()) / float64(s.EnrichCount) / 1e6
	}
	s.EnrichMaxMillis = float64(m.enrichMaxNS.Load()) / 1e6
	return s
}
