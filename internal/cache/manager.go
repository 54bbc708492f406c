// Package cache guarantees at-most-once enrichment per fingerprint. The first
// request for a fingerprint computes; every concurrent request for the same
// fingerprint joins the in-flight computation instead of starting its own, and
// later requests are served from the result until TTL or capacity removes it.
package cache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"caption-pipeline-go/internal/logger"
	"caption-pipeline-go/internal/metrics"
	"caption-pipeline-go/internal/types"
)

// ComputeError wraps an engine failure. Every caller waiting on the
// fingerprint receives the same ComputeError; the failure is not cached, so
// the next request for the fingerprint computes again.
type ComputeError struct {
	Fingerprint types.Fingerprint
	Err         error
}

func (e *ComputeError) Error() string {
	return fmt.Sprintf("enrichment failed for %s: %v", e.Fingerprint.Short(), e.Err)
}

func (e *ComputeError) Unwrap() error { return e.Err }

// ComputeFunc produces enriched content for one segment. The manager invokes
// it at most once per fingerprint while the entry lives.
type ComputeFunc func(ctx context.Context) (types.EnrichedContent, error)

// entry is one cache slot. Until done is closed the entry is pending and sits
// outside the LRU list; pending entries are never evicted. seg and err are
// written once, before done closes, and read-only after.
type entry struct {
	done    chan struct{}
	seg     types.EnrichedSegment
	err     error
	ready   bool
	readyAt time.Time
	elem    *list.Element
}

// Options tune one cache instance. The config layer validates ranges; the
// manager only normalizes the sweep interval.
type Options struct {
	TTL        time.Duration
	MaxEntries int
	SweepEvery time.Duration
}

// Manager is the in-memory cache plus the optional persistent tier. All state
// transitions happen under mu; computation and store I/O run outside it.
type Manager struct {
	mu      sync.Mutex
	entries map[types.Fingerprint]*entry
	lru     *list.List // front = most recently used, ready entries only

	ttl        time.Duration
	maxEntries int
	sweepEvery time.Duration

	store *Store // nil when persistence is disabled
	mtr   *metrics.Metrics
	log   *logger.Logger

	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New builds a manager and starts its expiry sweeper. store may be nil.
func New(opts Options, store *Store, mtr *metrics.Metrics, log *logger.Logger) *Manager {
	if opts.SweepEvery <= 0 {
		opts.SweepEvery = 30 * time.Second
	}

	m := &Manager{
		entries:    make(map[types.Fingerprint]*entry),
		lru:        list.New(),
		ttl:        opts.TTL,
		maxEntries: opts.MaxEntries,
		sweepEvery: opts.SweepEvery,
		store:      store,
		mtr:        mtr,
		log:        log.WithComponent("cache"),
	}

	m.stop = make(chan struct{})
	if m.ttl > 0 {
		m.wg.Add(1)
		go m.sweep()
	}
	return m
}

// GetOrCompute returns the enriched segment for fp, running compute only if no
// ready or pending entry exists. The returned segment is rebound to seg's
// stream position; the cached value keeps the binding of the request that
// computed it. Cancelling ctx abandons the wait but never the computation,
// which other callers may be joined on.
func (m *Manager) GetOrCompute(ctx context.Context, fp types.Fingerprint, seg types.Segment, compute ComputeFunc) (types.EnrichedSegment, error) {
	now := time.Now()

	m.mu.Lock()
	if e, ok := m.entries[fp]; ok {
		if !e.ready {
			m.mu.Unlock()
			m.mtr.CacheJoin()
			return m.wait(ctx, e, seg, types.SourceCached)
		}
		if m.ttl <= 0 || now.Sub(e.readyAt) < m.ttl {
			m.lru.MoveToFront(e.elem)
			out := e.seg.WithBinding(seg.StreamID, seg.SequenceNo, types.SourceCached)
			m.mu.Unlock()
			m.mtr.CacheHit()
			return out, nil
		}
		// Expired but not yet swept; drop it and recompute below.
		m.removeLocked(fp, e)
		m.mtr.CacheExpiration()
	}

	e := &entry{done: make(chan struct{})}
	m.entries[fp] = e
	m.mu.Unlock()
	m.mtr.CacheMiss()

	go m.run(context.WithoutCancel(ctx), fp, seg, e, compute)
	return m.wait(ctx, e, seg, "")
}

// wait blocks until the entry resolves or ctx is cancelled. Entry fields are
// safe to read after done closes. An empty src adopts the entry's own marker:
// the caller that triggered the resolution sees fresh for an engine run and
// cached for a persistent-tier load; joiners always see cached.
func (m *Manager) wait(ctx context.Context, e *entry, seg types.Segment, src types.Source) (types.EnrichedSegment, error) {
	select {
	case <-e.done:
	case <-ctx.Done():
		return types.EnrichedSegment{}, ctx.Err()
	}
	if e.err != nil {
		return types.EnrichedSegment{}, e.err
	}
	if src == "" {
		src = e.seg.Source
	}
	return e.seg.WithBinding(seg.StreamID, seg.SequenceNo, src), nil
}

// run resolves a pending entry: persistent tier first, engine second. It owns
// the entry's final state and is the only writer of e.seg and e.err.
func (m *Manager) run(ctx context.Context, fp types.Fingerprint, seg types.Segment, e *entry, compute ComputeFunc) {
	if m.store != nil {
		stored, ok, err := m.store.Get(fp)
		if err != nil {
			m.log.WithError(err).Warn("persistent tier lookup failed, computing instead")
		} else if ok {
			m.mtr.CachePersistHit()
			stored.Source = types.SourceCached
			m.finalize(fp, e, stored)
			return
		}
	}

	start := time.Now()
	content, err := compute(ctx)
	m.mtr.EnrichObserved(time.Since(start))

	if err != nil {
		m.mtr.ComputeFailure()
		m.log.WithError(err).WithFields(map[string]interface{}{
			"fingerprint": fp.Short(),
			"stream_id":   seg.StreamID,
		}).Error("enrichment failed")

		m.mu.Lock()
		e.err = &ComputeError{Fingerprint: fp, Err: err}
		delete(m.entries, fp)
		close(e.done)
		m.mu.Unlock()
		return
	}

	m.finalize(fp, e, types.EnrichedSegment{
		Fingerprint: fp,
		StreamID:    seg.StreamID,
		SequenceNo:  seg.SequenceNo,
		Content:     content,
		ComputedAt:  time.Now().UTC(),
		Source:      types.SourceFresh,
	})

	if m.store != nil {
		if err := m.store.Put(e.seg); err != nil {
			m.log.WithError(err).Warn("persistent tier write failed")
		}
	}
}

// finalize flips a pending entry to ready, wakes the waiters, and applies
// capacity eviction.
func (m *Manager) finalize(fp types.Fingerprint, e *entry, seg types.EnrichedSegment) {
	m.mu.Lock()
	e.seg = seg
	e.ready = true
	e.readyAt = time.Now()
	e.elem = m.lru.PushFront(fp)
	close(e.done)
	m.evictLocked()
	m.mu.Unlock()
}

// evictLocked removes least recently used ready entries until the cache is
// back under capacity. Pending entries are not in the list and survive.
func (m *Manager) evictLocked() {
	for m.maxEntries > 0 && m.lru.Len() > m.maxEntries {
		back := m.lru.Back()
		fp := back.Value.(types.Fingerprint)
		m.removeLocked(fp, m.entries[fp])
		m.mtr.CacheEviction()
		m.log.WithField("fingerprint", fp.Short()).Debug("evicted least recently used entry")
	}
}

func (m *Manager) removeLocked(fp types.Fingerprint, e *entry) {
	delete(m.entries, fp)
	if e.elem != nil {
		m.lru.Remove(e.elem)
		e.elem = nil
	}
}

func (m *Manager) sweep() {
	defer m.wg.Done()
	t := time.NewTicker(m.sweepEvery)
	defer t.Stop()
	for {
		select {
		case <-m.stop:
			return
		case now := <-t.C:
			if n := m.expire(now); n > 0 {
				m.log.WithField("expired", n).Debug("swept expired cache entries")
			}
		}
	}
}

// expire removes every ready entry older than TTL. Exported behavior is
// exercised through GetOrCompute's lazy check as well; the sweeper exists so
// idle fingerprints do not pin memory until someone asks for them again.
func (m *Manager) expire(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for fp, e := range m.entries {
		if e.ready && now.Sub(e.readyAt) >= m.ttl {
			m.removeLocked(fp, e)
			m.mtr.CacheExpiration()
			n++
		}
	}
	return n
}

// Len reports how many entries the cache holds, pending included.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Close stops the sweeper, logs the final counters, and closes the persistent
// tier. In-flight computations finish on their own; their waiters are
// unaffected.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		close(m.stop)
	})
	m.wg.Wait()

	snap := m.mtr.Snapshot()
	m.log.WithFields(map[string]interface{}{
		"hits":        snap.CacheHits,
		"misses":      snap.CacheMisses,
		"joins":       snap.CacheJoins,
		"evictions":   snap.CacheEvictions,
		"expirations": snap.CacheExpirations,
	}).Info("cache closed")

	if m.store != nil {
		return m.store.Close()
	}
	return nil
}
