package coordinator

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"caption-pipeline-go/internal/engine"
	"caption-pipeline-go/internal/logger"
	"caption-pipeline-go/internal/sink"
	"caption-pipeline-go/internal/types"
)

// work is one accepted ingest travelling to a stream worker. The engine is
// resolved at ingest time so strict-mode resolution failures reach the caller
// synchronously; strategy holds the canonical resolved name.
type work struct {
	seg      types.Segment
	eng      engine.Engine
	strategy string
}

// buffered is one reorder-buffer slot. failed marks a sequence number whose
// enrichment errored after the retry: it consumes its position so the stream
// keeps moving, but nothing is published for it.
type buffered struct {
	seg    types.EnrichedSegment
	failed bool
}

// stream is the per-stream state. The worker goroutine is the only code that
// touches the sequencing fields; everything else reaches the stream through
// its queue.
type stream struct {
	id    string
	queue chan work
	done  chan struct{}

	lastActive atomic.Int64 // unix nanos, stamped on every accepted ingest

	// Worker-owned, unlocked.
	nextSeq   uint64
	started   bool
	buffer    map[uint64]buffered
	blockedAt time.Time // when the buffer last became blocked on a missing head
}

func newStream(id string, queueMax int) *stream {
	s := &stream{
		id:     id,
		queue:  make(chan work, queueMax),
		done:   make(chan struct{}),
		buffer: make(map[uint64]buffered),
	}
	s.touch()
	return s
}

func (s *stream) touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

func (s *stream) idleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, s.lastActive.Load()))
}

// runStream drains one stream's queue until it closes. Segments are enriched
// in arrival order; publication order is by sequence number, with the gap
// timer bounding how long a buffered segment waits for missing predecessors.
func (c *Coordinator) runStream(s *stream) {
	defer c.wg.Done()
	defer close(s.done)

	log := c.log.WithStream(s.id)

	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	armed := false

	disarm := func() {
		if armed {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			armed = false
		}
	}

	// settle re-derives the gap timer from the buffer state. It also fires
	// overdue gaps inline: enrichment can hold the loop past the deadline,
	// and the marker should not wait for another arrival after that.
	settle := func() {
		for {
			if len(s.buffer) == 0 {
				disarm()
				s.blockedAt = time.Time{}
				return
			}
			if s.blockedAt.IsZero() {
				s.blockedAt = time.Now()
			}
			wait := c.cfg.ReorderMaxWait() - time.Since(s.blockedAt)
			if wait > 0 {
				disarm()
				timer.Reset(wait)
				armed = true
				return
			}
			c.forceGap(s, log)
		}
	}

	for {
		select {
		case w, ok := <-s.queue:
			if !ok {
				c.flushAll(s, log)
				return
			}
			c.handle(s, w, log)
			settle()
		case <-timer.C:
			armed = false
			c.forceGap(s, log)
			settle()
		}
	}
}

// handle enriches one segment and threads it into the reorder buffer.
func (c *Coordinator) handle(s *stream, w work, log *logger.Logger) {
	seq := w.seg.SequenceNo

	if _, dup := s.buffer[seq]; dup || (s.started && seq < s.nextSeq) {
		c.mtr.DuplicateDropped()
		log.WithField("sequence_no", seq).Debug("dropped duplicate or late segment")
		return
	}

	if !s.started {
		// The first arrival establishes the stream's base and publishes
		// right away; lower numbers showing up after it are dropped as late.
		s.started = true
		s.nextSeq = seq
	}

	enriched, err := c.enrich(w)
	if err != nil {
		// The sequence number is consumed either way; gap markers stay
		// reserved for segments that never arrived.
		log.WithError(err).WithField("sequence_no", seq).Error("segment dropped, enrichment failed")
		s.buffer[seq] = buffered{failed: true}
	} else {
		s.buffer[seq] = buffered{seg: enriched}
	}

	c.flushReady(s, log)

	if len(s.buffer) > c.cfg.ReorderBufferMaxSize {
		log.WithField("buffered", len(s.buffer)).Warn("reorder buffer over capacity, forcing gap")
		c.forceGap(s, log)
	}
}

// flushReady publishes from the head of the buffer as long as the next
// expected sequence number is present.
func (c *Coordinator) flushReady(s *stream, log *logger.Logger) {
	for {
		b, ok := s.buffer[s.nextSeq]
		if !ok {
			return
		}
		delete(s.buffer, s.nextSeq)
		if !b.failed {
			c.publishSegment(b.seg, log)
		}
		s.nextSeq++
		s.blockedAt = time.Time{}
	}
}

// forceGap publishes a gap marker covering every missing number up to the
// oldest buffered segment, then drains whatever the advance unblocked.
func (c *Coordinator) forceGap(s *stream, log *logger.Logger) {
	if len(s.buffer) == 0 {
		return
	}
	min := s.nextSeq
	first := true
	for seq := range s.buffer {
		if first || seq < min {
			min = seq
			first = false
		}
	}
	if min > s.nextSeq {
		c.publishGap(types.GapMarker{StreamID: s.id, From: s.nextSeq, To: min - 1}, log)
		s.nextSeq = min
		s.blockedAt = time.Time{}
	}
	c.flushReady(s, log)
}

// flushAll drains the buffer lowest sequence number first. Used when a stream
// closes; missing numbers are skipped without markers since nobody is waiting
// for them anymore.
func (c *Coordinator) flushAll(s *stream, log *logger.Logger) {
	if len(s.buffer) == 0 {
		return
	}
	seqs := make([]uint64, 0, len(s.buffer))
	for seq := range s.buffer {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	published := 0
	for _, seq := range seqs {
		b := s.buffer[seq]
		delete(s.buffer, seq)
		if !b.failed {
			c.publishSegment(b.seg, log)
			published++
		}
	}
	log.WithField("flushed", published).Info("flushed buffered segments on close")
}

func (c *Coordinator) publishSegment(seg types.EnrichedSegment, log *logger.Logger) {
	if err := c.sink.Publish(context.Background(), sink.NewSegmentEvent(seg)); err != nil {
		log.WithError(err).WithField("sequence_no", seg.SequenceNo).Warn("sink rejected segment")
		return
	}
	c.mtr.SegmentPublished()
	log.WithFields(map[string]interface{}{
		"sequence_no": seg.SequenceNo,
		"fingerprint": seg.Fingerprint.Short(),
		"source":      seg.Source,
	}).Debug("published enriched segment")
}

func (c *Coordinator) publishGap(gap types.GapMarker, log *logger.Logger) {
	if err := c.sink.Publish(context.Background(), sink.NewGapEvent(gap)); err != nil {
		log.WithError(err).Warn("sink rejected gap marker")
		return
	}
	c.mtr.GapPublished(gap.StreamID, gap.Count())
	log.WithFields(map[string]interface{}{
		"from": gap.From,
		"to":   gap.To,
	}).Info("published gap marker")
}
