// Package coordinator owns stream state: it accepts segments in any order,
// runs them through the cache and the enrichment engines, and publishes to the
// sink in strictly increasing per-stream sequence order. Missing sequence
// numbers turn into gap markers once the reorder window runs out.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"caption-pipeline-go/internal/cache"
	"caption-pipeline-go/internal/config"
	"caption-pipeline-go/internal/engine"
	"caption-pipeline-go/internal/logger"
	"caption-pipeline-go/internal/metrics"
	"caption-pipeline-go/internal/sink"
	"caption-pipeline-go/internal/types"
)

// BacklogError reports a stream arrival queue at capacity. The segment was
// not accepted; the source may retry.
type BacklogError struct {
	StreamID string
}

func (e *BacklogError) Error() string {
	return fmt.Sprintf("stream %s: arrival queue full", e.StreamID)
}

// StreamClosedError reports an ingest against an explicitly closed stream.
// Nothing was mutated.
type StreamClosedError struct {
	StreamID string
}

func (e *StreamClosedError) Error() string {
	return fmt.Sprintf("stream %s is closed", e.StreamID)
}

// ErrShutdown is returned once the coordinator itself has been closed.
var ErrShutdown = errors.New("coordinator shut down")

// Coordinator routes segments to per-stream workers. Streams are independent:
// a slow or failing stream never blocks another one, and only the cache's
// entry table is shared between them.
type Coordinator struct {
	cfg   config.Config
	reg   *engine.Registry
	cache *cache.Manager
	sink  sink.Sink
	mtr   *metrics.Metrics
	log   *logger.Logger

	mu       sync.Mutex
	streams  map[string]*stream
	closed   map[string]struct{} // tombstones for explicitly closed streams, kept for the coordinator's lifetime
	shutdown bool

	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New builds a coordinator and starts its idle-stream sweeper.
func New(cfg config.Config, reg *engine.Registry, cm *cache.Manager, snk sink.Sink, mtr *metrics.Metrics, log *logger.Logger) *Coordinator {
	c := &Coordinator{
		cfg:      cfg,
		reg:      reg,
		cache:    cm,
		sink:     snk,
		mtr:      mtr,
		log:      log.WithComponent("coordinator"),
		streams:  make(map[string]*stream),
		closed:   make(map[string]struct{}),
		stop:     make(chan struct{}),
	}
	c.wg.Add(1)
	go c.sweepIdle()
	return c
}

// Ingest accepts one segment; the effect is asynchronous. strategy picks the
// enrichment engine, empty means the configured default. Returns
// *engine.UnknownStrategyError in strict mode for unregistered names,
// *StreamClosedError after CloseStream, and *BacklogError when the stream's
// arrival queue is full.
func (c *Coordinator) Ingest(seg types.Segment, strategy string) error {
	if seg.StreamID == "" {
		return fmt.Errorf("ingest: stream_id required")
	}
	if strategy == "" {
		strategy = c.cfg.StrategyName
	}
	eng, canonical, err := c.reg.Resolve(strategy)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return ErrShutdown
	}
	if _, closed := c.closed[seg.StreamID]; closed {
		c.mu.Unlock()
		return &StreamClosedError{StreamID: seg.StreamID}
	}

	s, ok := c.streams[seg.StreamID]
	if !ok {
		s = newStream(seg.StreamID, c.cfg.StreamQueueMax)
		c.streams[seg.StreamID] = s
		c.mtr.StreamOpened()
		c.wg.Add(1)
		go c.runStream(s)
		c.log.WithStream(seg.StreamID).Info("stream opened")
	}
	s.touch()

	select {
	case s.queue <- work{seg: seg, eng: eng, strategy: canonical}:
		c.mu.Unlock()
		return nil
	default:
		c.mu.Unlock()
		return &BacklogError{StreamID: seg.StreamID}
	}
}

// CloseStream flushes the stream's buffer in ascending sequence order,
// discards its state, and tombstones the id so later ingests fail with
// *StreamClosedError. A second close of the same stream is a no-op.
func (c *Coordinator) CloseStream(streamID string) error {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return ErrShutdown
	}
	if _, closed := c.closed[streamID]; closed {
		c.mu.Unlock()
		return nil
	}
	c.closed[streamID] = struct{}{}
	s, ok := c.streams[streamID]
	if ok {
		delete(c.streams, streamID)
		close(s.queue)
	}
	c.mu.Unlock()

	if ok {
		<-s.done
		c.mtr.StreamClosed()
		c.log.WithStream(streamID).Info("stream closed")
	}
	return nil
}

// enrich computes the fingerprint and defers to the cache. The compute
// function wraps the engine call in the enrichment timeout with one retry;
// its context is detached from any single caller, since other streams may be
// joined on the same fingerprint.
func (c *Coordinator) enrich(w work) (types.EnrichedSegment, error) {
	fp := types.NewFingerprint(w.seg.StreamID, w.seg.Payload, w.strategy)

	return c.cache.GetOrCompute(context.Background(), fp, w.seg, func(ctx context.Context) (types.EnrichedContent, error) {
		var content types.EnrichedContent
		attempt := func() error {
			tctx, cancel := context.WithTimeout(ctx, c.cfg.EnrichmentTimeout())
			defer cancel()
			out, err := w.eng.Enrich(tctx, w.seg)
			if err != nil {
				return err
			}
			content = out
			return nil
		}

		notify := func(err error, _ time.Duration) {
			c.mtr.ComputeRetry()
			c.log.WithError(err).WithField("fingerprint", fp.Short()).Warn("enrichment attempt failed, retrying")
		}

		bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 1), ctx)
		if err := backoff.RetryNotify(attempt, bo, notify); err != nil {
			return types.EnrichedContent{}, err
		}
		return content, nil
	})
}

// sweepIdle destroys streams that have not seen an ingest within the idle
// timeout. An idle-destroyed stream is not tombstoned: a later ingest simply
// starts it fresh. Explicit-close tombstones are never retired.
func (c *Coordinator) sweepIdle() {
	defer c.wg.Done()

	interval := c.cfg.StreamIdleTimeout() / 2
	if interval <= 0 {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-c.stop:
			return
		case now := <-t.C:
			c.reapIdle(now)
		}
	}
}

func (c *Coordinator) reapIdle(now time.Time) {
	idle := c.cfg.StreamIdleTimeout()

	var victims []*stream
	c.mu.Lock()
	for id, s := range c.streams {
		if s.idleFor(now) >= idle {
			delete(c.streams, id)
			close(s.queue)
			victims = append(victims, s)
		}
	}
	c.mu.Unlock()

	for _, s := range victims {
		<-s.done
		c.mtr.StreamClosed()
		c.log.WithStream(s.id).Info("stream destroyed after inactivity")
	}
}

// Close stops every stream worker after a best-effort flush and shuts the
// sweeper down. Ingest and CloseStream return ErrShutdown afterwards.
func (c *Coordinator) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.shutdown = true
		victims := make([]*stream, 0, len(c.streams))
		for id, s := range c.streams {
			delete(c.streams, id)
			close(s.queue)
			victims = append(victims, s)
		}
		c.mu.Unlock()

		close(c.stop)
		c.wg.Wait()
		for range victims {
			c.mtr.StreamClosed()
		}
		c.log.Info("coordinator stopped")
	})
	return nil
}
