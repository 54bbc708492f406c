// Package sink is the publication boundary. The pipeline pushes enriched
// segments and gap markers here; whatever consumes them (websocket feed,
// replay writer, tests) reads the other end.
package sink

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"caption-pipeline-go/internal/logger"
	"caption-pipeline-go/internal/metrics"
	"caption-pipeline-go/internal/types"
)

// Event kinds.
const (
	EventSegment = "segment"
	EventGap     = "gap"
)

// Event is the published envelope. Exactly one of Segment and Gap is set,
// matching Type.
type Event struct {
	ID          string                 `json:"id"`
	Type        string                 `json:"type"`
	Segment     *types.EnrichedSegment `json:"segment,omitempty"`
	Gap         *types.GapMarker       `json:"gap,omitempty"`
	PublishedAt time.Time              `json:"published_at"`
}

// NewSegmentEvent wraps an enriched segment for publication.
func NewSegmentEvent(seg types.EnrichedSegment) Event {
	return Event{
		ID:          uuid.New().String(),
		Type:        EventSegment,
		Segment:     &seg,
		PublishedAt: time.Now().UTC(),
	}
}

// NewGapEvent wraps a gap marker for publication.
func NewGapEvent(gap types.GapMarker) Event {
	return Event{
		ID:          uuid.New().String(),
		Type:        EventGap,
		Gap:         &gap,
		PublishedAt: time.Now().UTC(),
	}
}

// Sink receives published events in order. Publish may block depending on the
// implementation's backpressure policy.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("sink closed")

// Backpressure policies for ChannelSink.
type Policy string

const (
	// PolicyBlock makes Publish wait for the consumer. Nothing is lost, the
	// pipeline slows down instead.
	PolicyBlock Policy = "block"
	// PolicyDropOldest evicts the oldest buffered event to make room. The
	// pipeline never stalls; live consumers that fall behind lose history.
	PolicyDropOldest Policy = "drop_oldest"
)

// ChannelSink delivers events over a bounded channel. Buffered events remain
// readable after Close; consumers watch Done to know no more will come.
type ChannelSink struct {
	ch     chan Event
	done   chan struct{}
	once   sync.Once
	policy Policy
	mtr    *metrics.Metrics
	log    *logger.Logger
}

// NewChannelSink builds a sink buffering up to size events.
func NewChannelSink(size int, policy Policy, mtr *metrics.Metrics, log *logger.Logger) *ChannelSink {
	if size <= 0 {
		size = 1
	}
	return &ChannelSink{
		ch:     make(chan Event, size),
		done:   make(chan struct{}),
		policy: policy,
		mtr:    mtr,
		log:    log.WithComponent("sink"),
	}
}

// Events is the consumer side of the sink.
func (s *ChannelSink) Events() <-chan Event { return s.ch }

// Done closes when the sink is closed.
func (s *ChannelSink) Done() <-chan struct{} { return s.done }

// Publish enqueues ev. Under PolicyBlock a full buffer blocks until the
// consumer catches up or ctx is cancelled; under PolicyDropOldest it evicts
// the oldest buffered event and delivers ev immediately.
func (s *ChannelSink) Publish(ctx context.Context, ev Event) error {
	if s.policy == PolicyDropOldest {
		for {
			select {
			case <-s.done:
				return ErrClosed
			case s.ch <- ev:
				return nil
			default:
			}
			select {
			case old := <-s.ch:
				s.mtr.SinkDropped()
				s.log.WithField("event_id", old.ID).Debug("dropped oldest event, consumer is behind")
			default:
				// Consumer drained the buffer between the two selects;
				// retry the send.
			}
		}
	}

	select {
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	case s.ch <- ev:
		return nil
	}
}

// Close stops the sink. Idempotent; already-buffered events stay readable.
func (s *ChannelSink) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

// Drain returns every event still buffered without blocking. Meant for
// consumers finishing up after Close.
func (s *ChannelSink) Drain() []Event {
	var out []Event
	for {
		select {
		case ev := <-s.ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}
