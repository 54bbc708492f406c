package aggregator

import (
	"caption-pipeline-go/internal/sink"
	"caption-pipeline-go/internal/types"
)

// Insight summarizes one replay run from the events the pipeline published.
type Insight struct {
	Events             int            `json:"events"`
	SegmentsPublished  int            `json:"segments_published"`
	GapMarkers         int            `json:"gap_markers"`
	MissingNumbers     uint64         `json:"missing_sequence_numbers"`
	FreshSegments      int            `json:"fresh_segments"`
	CachedSegments     int            `json:"cached_segments"`
	CacheEffectiveness float64        `json:"cache_effectiveness"`
	StrategyCounts     map[string]int `json:"strategy_counts"`
	LanguageCounts     map[string]int `json:"language_counts"`
	CommandCounts      map[string]int `json:"command_counts"`

	ByStream map[string]StreamInsight `json:"by_stream"`
}

// StreamInsight is the per-stream slice of a run.
type StreamInsight struct {
	Segments int    `json:"segments"`
	Gaps     int    `json:"gaps"`
	Missing  uint64 `json:"missing"`
}

// Aggregate folds published events into an Insight.
func Aggregate(events []sink.Event) Insight {
	in := Insight{
		Events:         len(events),
		StrategyCounts: map[string]int{},
		LanguageCounts: map[string]int{},
		CommandCounts:  map[string]int{},
		ByStream:       map[string]StreamInsight{},
	}

	for _, ev := range events {
		switch ev.Type {
		case sink.EventSegment:
			if ev.Segment == nil {
				continue
			}
			in.SegmentsPublished++
			st := in.ByStream[ev.Segment.StreamID]
			st.Segments++
			in.ByStream[ev.Segment.StreamID] = st

			if ev.Segment.Source == types.SourceCached {
				in.CachedSegments++
			} else {
				in.FreshSegments++
			}
			if s := ev.Segment.Content.Strategy; s != "" {
				in.StrategyCounts[s]++
			}
			if l := ev.Segment.Content.Language; l != "" {
				in.LanguageCounts[l]++
			}
			if c := ev.Segment.Content.Command; c != nil {
				in.CommandCounts[c.Name]++
			}
		case sink.EventGap:
			if ev.Gap == nil {
				continue
			}
			in.GapMarkers++
			in.MissingNumbers += ev.Gap.Count()
			st := in.ByStream[ev.Gap.StreamID]
			st.Gaps++
			st.Missing += ev.Gap.Count()
			in.ByStream[ev.Gap.StreamID] = st
		}
	}

	if n := in.FreshSegments + in.CachedSegments; n > 0 {
		in.CacheEffectiveness = float64(in.CachedSegments) / float64(n)
	}
	return in
}
