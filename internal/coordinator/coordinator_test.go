package coordinator_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caption-pipeline-go/internal/cache"
	"caption-pipeline-go/internal/config"
	"caption-pipeline-go/internal/coordinator"
	"caption-pipeline-go/internal/engine"
	"caption-pipeline-go/internal/logger"
	"caption-pipeline-go/internal/metrics"
	"caption-pipeline-go/internal/sink"
	"caption-pipeline-go/internal/types"
)

func testLogger() *logger.Logger {
	log := logger.New()
	log.SetLevel("error")
	return log
}

// testConfig disables the timers that are not under test: the reorder window
// and idle timeout are long enough to never fire unless a test lowers them.
func testConfig() config.Config {
	cfg := config.Default()
	cfg.ReorderBufferMaxWaitMS = 60_000
	cfg.ReorderBufferMaxSize = 64
	cfg.EnrichmentTimeoutMS = 60_000
	cfg.StreamQueueMax = 32
	cfg.StreamIdleTimeoutMS = 60_000
	cfg.CacheSweepIntervalMS = 60_000
	return cfg
}

type pipe struct {
	coord *coordinator.Coordinator
	snk   *sink.ChannelSink
	mtr   *metrics.Metrics
}

func startPipeline(t *testing.T, cfg config.Config, reg *engine.Registry) *pipe {
	t.Helper()
	log := testLogger()
	mtr := metrics.New()
	cm := cache.New(cache.Options{
		TTL:        cfg.CacheTTL(),
		MaxEntries: cfg.CacheMaxEntries,
		SweepEvery: cfg.CacheSweepInterval(),
	}, nil, mtr, log)
	snk := sink.NewChannelSink(cfg.SinkBufferSize, sink.PolicyBlock, mtr, log)
	coord := coordinator.New(cfg, reg, cm, snk, mtr, log)
	t.Cleanup(func() {
		_ = coord.Close()
		_ = snk.Close()
		_ = cm.Close()
	})
	return &pipe{coord: coord, snk: snk, mtr: mtr}
}

func echoRegistry(t *testing.T) *engine.Registry {
	t.Helper()
	reg := engine.NewRegistry(false)
	require.NoError(t, reg.HandleFunc("standard", func(ctx context.Context, seg types.Segment) (types.EnrichedContent, error) {
		return types.EnrichedContent{Strategy: "standard", Text: seg.Text(), Confidence: 1}, nil
	}))
	return reg
}

func seg(stream string, seq uint64, payload string) types.Segment {
	return types.Segment{
		StreamID:   stream,
		SequenceNo: seq,
		Payload:    []byte(payload),
		CapturedAt: time.Now().UTC(),
	}
}

// collect reads exactly n events from the sink or fails the test.
func collect(t *testing.T, snk *sink.ChannelSink, n int, timeout time.Duration) []sink.Event {
	t.Helper()
	out := make([]sink.Event, 0, n)
	deadline := time.After(timeout)
	for len(out) < n {
		select {
		case ev := <-snk.Events():
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("collected %d of %d events before timeout", len(out), n)
		}
	}
	return out
}

func requireNoEvent(t *testing.T, snk *sink.ChannelSink, d time.Duration) {
	t.Helper()
	select {
	case ev := <-snk.Events():
		t.Fatalf("unexpected %s event", ev.Type)
	case <-time.After(d):
	}
}

func requireSegment(t *testing.T, ev sink.Event) *types.EnrichedSegment {
	t.Helper()
	require.Equal(t, sink.EventSegment, ev.Type)
	require.NotNil(t, ev.Segment)
	return ev.Segment
}

func requireGap(t *testing.T, ev sink.Event) *types.GapMarker {
	t.Helper()
	require.Equal(t, sink.EventGap, ev.Type)
	require.NotNil(t, ev.Gap)
	return ev.Gap
}

func TestInOrderSegmentsPublishInOrder(t *testing.T) {
	p := startPipeline(t, testConfig(), echoRegistry(t))

	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, p.coord.Ingest(seg("live-1", i, fmt.Sprintf("line %d", i)), ""))
	}

	events := collect(t, p.snk, 5, 2*time.Second)
	for i, ev := range events {
		s := requireSegment(t, ev)
		assert.Equal(t, uint64(i+1), s.SequenceNo)
		assert.Equal(t, "live-1", s.StreamID)
		assert.Equal(t, types.SourceFresh, s.Source)
		assert.Equal(t, fmt.Sprintf("line %d", i+1), s.Content.Text)
	}
	assert.Equal(t, uint64(5), p.mtr.Snapshot().SegmentsPublished)
}

func TestOutOfOrderSegmentsAreReordered(t *testing.T) {
	p := startPipeline(t, testConfig(), echoRegistry(t))

	for _, i := range []uint64{3, 1, 2} {
		require.NoError(t, p.coord.Ingest(seg("live-1", i, fmt.Sprintf("line %d", i)), ""))
	}

	events := collect(t, p.snk, 3, 2*time.Second)
	for i, ev := range events {
		s := requireSegment(t, ev)
		assert.Equal(t, uint64(i+1), s.SequenceNo, "published in sequence order, not arrival order")
	}
	assert.Zero(t, p.mtr.Snapshot().GapsTotal, "no gap markers for segments that did arrive")
}

func TestDuplicateSequencePublishedOnce(t *testing.T) {
	p := startPipeline(t, testConfig(), echoRegistry(t))

	// 2 commits immediately (first arrival is the base). 4 waits in the
	// buffer for 3; its duplicate and a late copy of 2 are both dropped.
	for _, i := range []uint64{2, 4, 4, 2, 3} {
		require.NoError(t, p.coord.Ingest(seg("live-1", i, fmt.Sprintf("line %d", i)), ""))
	}

	events := collect(t, p.snk, 3, 2*time.Second)
	for i, ev := range events {
		s := requireSegment(t, ev)
		assert.Equal(t, uint64(i+2), s.SequenceNo)
	}
	assert.Equal(t, uint64(2), p.mtr.Snapshot().DuplicatesDropped)
}

func TestGapMarkerAfterWaitExpires(t *testing.T) {
	cfg := testConfig()
	cfg.ReorderBufferMaxWaitMS = 120
	p := startPipeline(t, cfg, echoRegistry(t))

	// 5 never arrives.
	for _, i := range []uint64{1, 2, 3, 4, 6, 7, 8, 9, 10} {
		require.NoError(t, p.coord.Ingest(seg("live-1", i, fmt.Sprintf("line %d", i)), ""))
	}

	events := collect(t, p.snk, 10, 3*time.Second)
	for i := 0; i < 4; i++ {
		assert.Equal(t, uint64(i+1), requireSegment(t, events[i]).SequenceNo)
	}
	gap := requireGap(t, events[4])
	assert.Equal(t, uint64(5), gap.From)
	assert.Equal(t, uint64(5), gap.To)
	assert.Equal(t, "live-1", gap.StreamID)
	for i := 5; i < 10; i++ {
		assert.Equal(t, uint64(i+1), requireSegment(t, events[i]).SequenceNo)
	}

	snap := p.mtr.Snapshot()
	assert.Equal(t, uint64(1), snap.GapsTotal)
	assert.Equal(t, uint64(1), snap.GapsByStream["live-1"])
}

func TestReorderBufferOverflowForcesGap(t *testing.T) {
	cfg := testConfig()
	cfg.ReorderBufferMaxSize = 4
	p := startPipeline(t, cfg, echoRegistry(t))

	require.NoError(t, p.coord.Ingest(seg("live-1", 1, "line 1"), ""))
	for _, i := range []uint64{3, 4, 5, 6, 7} { // 2 missing; the fifth arrival overflows
		require.NoError(t, p.coord.Ingest(seg("live-1", i, fmt.Sprintf("line %d", i)), ""))
	}

	events := collect(t, p.snk, 7, 2*time.Second)
	assert.Equal(t, uint64(1), requireSegment(t, events[0]).SequenceNo)
	gap := requireGap(t, events[1])
	assert.Equal(t, uint64(2), gap.From)
	assert.Equal(t, uint64(2), gap.To)
	for i := 2; i < 7; i++ {
		assert.Equal(t, uint64(i+1), requireSegment(t, events[i]).SequenceNo)
	}
}

func TestCloseStreamFlushesWithoutGapMarkers(t *testing.T) {
	p := startPipeline(t, testConfig(), echoRegistry(t))

	require.NoError(t, p.coord.Ingest(seg("live-1", 1, "line 1"), ""))
	require.NoError(t, p.coord.Ingest(seg("live-1", 3, "line 3"), ""))
	require.NoError(t, p.coord.Ingest(seg("live-1", 5, "line 5"), ""))
	require.NoError(t, p.coord.CloseStream("live-1"))

	events := collect(t, p.snk, 3, 2*time.Second)
	want := []uint64{1, 3, 5}
	for i, ev := range events {
		assert.Equal(t, want[i], requireSegment(t, ev).SequenceNo)
	}
	requireNoEvent(t, p.snk, 100*time.Millisecond)
	assert.Zero(t, p.mtr.Snapshot().GapsTotal)

	// The id is tombstoned now.
	err := p.coord.Ingest(seg("live-1", 6, "line 6"), "")
	var closedErr *coordinator.StreamClosedError
	require.ErrorAs(t, err, &closedErr)
	assert.Equal(t, "live-1", closedErr.StreamID)

	assert.NoError(t, p.coord.CloseStream("live-1"), "second close is a no-op")
}

func TestSharedPayloadEnrichedOnce(t *testing.T) {
	var calls atomic.Int32
	reg := engine.NewRegistry(false)
	require.NoError(t, reg.HandleFunc("standard", func(ctx context.Context, seg types.Segment) (types.EnrichedContent, error) {
		calls.Add(1)
		return types.EnrichedContent{Strategy: "standard", Text: seg.Text(), Confidence: 1}, nil
	}))
	p := startPipeline(t, testConfig(), reg)

	require.NoError(t, p.coord.Ingest(seg("live-1", 1, "and now the weather"), ""))
	require.NoError(t, p.coord.Ingest(seg("live-1", 2, "and now the weather"), ""))

	events := collect(t, p.snk, 2, 2*time.Second)
	first := requireSegment(t, events[0])
	second := requireSegment(t, events[1])

	assert.Equal(t, types.SourceFresh, first.Source)
	assert.Equal(t, types.SourceCached, second.Source)
	assert.Equal(t, uint64(2), second.SequenceNo, "cached result is bound to the new position")
	assert.Equal(t, first.Content, second.Content, "replayed content is identical")
	assert.Equal(t, first.Fingerprint, second.Fingerprint)

	assert.Equal(t, int32(1), calls.Load())
	snap := p.mtr.Snapshot()
	assert.Equal(t, uint64(1), snap.CacheMisses)
	assert.Equal(t, uint64(1), snap.CacheHits)
}

func TestStrictModeRejectsUnknownStrategy(t *testing.T) {
	reg := engine.NewRegistry(true)
	require.NoError(t, reg.HandleFunc("standard", func(ctx context.Context, seg types.Segment) (types.EnrichedContent, error) {
		return types.EnrichedContent{Strategy: "standard", Text: seg.Text()}, nil
	}))
	p := startPipeline(t, testConfig(), reg)

	err := p.coord.Ingest(seg("live-1", 1, "hello"), "voice")
	var unknownErr *engine.UnknownStrategyError
	require.ErrorAs(t, err, &unknownErr)
	assert.Equal(t, "voice", unknownErr.Name)
	assert.Zero(t, p.mtr.Snapshot().ActiveStreams, "rejected ingest opens no stream")

	// Known names still resolve.
	require.NoError(t, p.coord.Ingest(seg("live-1", 1, "hello"), "standard"))
	collect(t, p.snk, 1, 2*time.Second)
}

func TestLenientModeFallsBackToDefault(t *testing.T) {
	var calls atomic.Int32
	reg := engine.NewRegistry(false)
	require.NoError(t, reg.HandleFunc("standard", func(ctx context.Context, seg types.Segment) (types.EnrichedContent, error) {
		calls.Add(1)
		return types.EnrichedContent{Strategy: "standard", Text: seg.Text(), Confidence: 1}, nil
	}))
	p := startPipeline(t, testConfig(), reg)

	require.NoError(t, p.coord.Ingest(seg("live-1", 1, "same text"), "voice"))
	require.NoError(t, p.coord.Ingest(seg("live-1", 2, "same text"), "standard"))

	events := collect(t, p.snk, 2, 2*time.Second)
	first := requireSegment(t, events[0])
	second := requireSegment(t, events[1])

	assert.Equal(t, "standard", first.Content.Strategy, "unknown name ran the default engine")
	assert.Equal(t, types.SourceCached, second.Source,
		"fallback resolution uses the canonical name, so both requests share one cache entry")
	assert.Equal(t, first.Fingerprint, second.Fingerprint)
	assert.Equal(t, int32(1), calls.Load())
}

func TestBacklogErrorWhenArrivalQueueFull(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	reg := engine.NewRegistry(false)
	require.NoError(t, reg.HandleFunc("standard", func(ctx context.Context, seg types.Segment) (types.EnrichedContent, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return types.EnrichedContent{Strategy: "standard", Text: seg.Text()}, nil
	}))

	cfg := testConfig()
	cfg.StreamQueueMax = 2
	p := startPipeline(t, cfg, reg)

	require.NoError(t, p.coord.Ingest(seg("live-1", 1, "line 1"), ""))
	<-started // the worker holds 1, so the queue is empty again

	require.NoError(t, p.coord.Ingest(seg("live-1", 2, "line 2"), ""))
	require.NoError(t, p.coord.Ingest(seg("live-1", 3, "line 3"), ""))

	err := p.coord.Ingest(seg("live-1", 4, "line 4"), "")
	var backlogErr *coordinator.BacklogError
	require.ErrorAs(t, err, &backlogErr)
	assert.Equal(t, "live-1", backlogErr.StreamID)

	close(release)
	events := collect(t, p.snk, 3, 2*time.Second)
	for i, ev := range events {
		assert.Equal(t, uint64(i+1), requireSegment(t, ev).SequenceNo)
	}
}

func TestEnrichmentFailureConsumesSequenceSilently(t *testing.T) {
	var badCalls atomic.Int32
	reg := engine.NewRegistry(false)
	require.NoError(t, reg.HandleFunc("standard", func(ctx context.Context, seg types.Segment) (types.EnrichedContent, error) {
		if seg.Text() == "bad" {
			badCalls.Add(1)
			return types.EnrichedContent{}, fmt.Errorf("model rejected input")
		}
		return types.EnrichedContent{Strategy: "standard", Text: seg.Text(), Confidence: 1}, nil
	}))
	p := startPipeline(t, testConfig(), reg)

	require.NoError(t, p.coord.Ingest(seg("live-1", 1, "ok before"), ""))
	require.NoError(t, p.coord.Ingest(seg("live-1", 2, "bad"), ""))
	require.NoError(t, p.coord.Ingest(seg("live-1", 3, "ok after"), ""))

	events := collect(t, p.snk, 2, 5*time.Second)
	assert.Equal(t, uint64(1), requireSegment(t, events[0]).SequenceNo)
	assert.Equal(t, uint64(3), requireSegment(t, events[1]).SequenceNo,
		"the failed sequence number is consumed, later segments keep flowing")
	requireNoEvent(t, p.snk, 100*time.Millisecond)

	snap := p.mtr.Snapshot()
	assert.Zero(t, snap.GapsTotal, "failures do not masquerade as gaps")
	assert.Equal(t, uint64(1), snap.ComputeFailures)
	assert.Equal(t, uint64(1), snap.ComputeRetries)
	assert.Equal(t, int32(2), badCalls.Load(), "one retry after the first failure")
}

func TestEnrichmentTimeoutDropsSegment(t *testing.T) {
	reg := engine.NewRegistry(false)
	require.NoError(t, reg.HandleFunc("standard", func(ctx context.Context, seg types.Segment) (types.EnrichedContent, error) {
		if seg.Text() == "slow" {
			<-ctx.Done()
			return types.EnrichedContent{}, ctx.Err()
		}
		return types.EnrichedContent{Strategy: "standard", Text: seg.Text(), Confidence: 1}, nil
	}))

	cfg := testConfig()
	cfg.EnrichmentTimeoutMS = 80
	p := startPipeline(t, cfg, reg)

	require.NoError(t, p.coord.Ingest(seg("live-1", 1, "slow"), ""))
	require.NoError(t, p.coord.Ingest(seg("live-1", 2, "fine"), ""))

	events := collect(t, p.snk, 1, 5*time.Second)
	assert.Equal(t, uint64(2), requireSegment(t, events[0]).SequenceNo)

	snap := p.mtr.Snapshot()
	assert.Equal(t, uint64(1), snap.ComputeFailures)
	assert.Equal(t, uint64(1), snap.ComputeRetries)
	assert.Zero(t, snap.GapsTotal)
}

func TestStreamsAreIndependent(t *testing.T) {
	release := make(chan struct{})
	reg := engine.NewRegistry(false)
	require.NoError(t, reg.HandleFunc("standard", func(ctx context.Context, seg types.Segment) (types.EnrichedContent, error) {
		if seg.StreamID == "stalled" {
			<-release
		}
		return types.EnrichedContent{Strategy: "standard", Text: seg.Text(), Confidence: 1}, nil
	}))
	p := startPipeline(t, testConfig(), reg)

	require.NoError(t, p.coord.Ingest(seg("stalled", 1, "stuck line"), ""))
	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, p.coord.Ingest(seg("healthy", i, fmt.Sprintf("line %d", i)), ""))
	}

	events := collect(t, p.snk, 3, 2*time.Second)
	for i, ev := range events {
		s := requireSegment(t, ev)
		assert.Equal(t, "healthy", s.StreamID, "a stalled stream must not block the others")
		assert.Equal(t, uint64(i+1), s.SequenceNo)
	}

	close(release)
	stalled := requireSegment(t, collect(t, p.snk, 1, 2*time.Second)[0])
	assert.Equal(t, "stalled", stalled.StreamID)
}

func TestCloseRejectsFurtherWork(t *testing.T) {
	p := startPipeline(t, testConfig(), echoRegistry(t))

	require.NoError(t, p.coord.Ingest(seg("live-1", 1, "line 1"), ""))
	collect(t, p.snk, 1, 2*time.Second)

	require.NoError(t, p.coord.Close())
	assert.ErrorIs(t, p.coord.Ingest(seg("live-1", 2, "line 2"), ""), coordinator.ErrShutdown)
	assert.ErrorIs(t, p.coord.CloseStream("live-1"), coordinator.ErrShutdown)
	assert.NoError(t, p.coord.Close(), "close is idempotent")
}

func TestIdleStreamDestroyedAndRecreatable(t *testing.T) {
	cfg := testConfig()
	cfg.StreamIdleTimeoutMS = 100
	p := startPipeline(t, cfg, echoRegistry(t))

	require.NoError(t, p.coord.Ingest(seg("live-1", 1, "only line"), ""))
	assert.Equal(t, int64(1), p.mtr.Snapshot().ActiveStreams)
	collect(t, p.snk, 1, 2*time.Second)

	require.Eventually(t, func() bool {
		return p.mtr.Snapshot().ActiveStreams == 0
	}, 3*time.Second, 10*time.Millisecond, "idle stream is destroyed")

	// Unlike an explicit close, inactivity leaves no tombstone; the same id
	// starts over, and the cache still remembers the payload.
	require.NoError(t, p.coord.Ingest(seg("live-1", 1, "only line"), ""))
	assert.Equal(t, int64(1), p.mtr.Snapshot().ActiveStreams)
	revived := requireSegment(t, collect(t, p.snk, 1, 2*time.Second)[0])
	assert.Equal(t, types.SourceCached, revived.Source)
}

func TestClosedStreamStaysClosedPastIdleTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.StreamIdleTimeoutMS = 100
	p := startPipeline(t, cfg, echoRegistry(t))

	require.NoError(t, p.coord.Ingest(seg("live-1", 1, "last line"), ""))
	collect(t, p.snk, 1, 2*time.Second)
	require.NoError(t, p.coord.CloseStream("live-1"))

	// The idle sweeper runs several times in this window; the tombstone must
	// outlive it.
	time.Sleep(400 * time.Millisecond)

	err := p.coord.Ingest(seg("live-1", 2, "after close"), "")
	var closedErr *coordinator.StreamClosedError
	require.ErrorAs(t, err, &closedErr)
	assert.Equal(t, "live-1", closedErr.StreamID)
	assert.Zero(t, p.mtr.Snapshot().ActiveStreams, "the closed id was not recreated")
}
