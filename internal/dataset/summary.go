package dataset

import (
	"caption-pipeline-go/internal/extractor"
	"caption-pipeline-go/internal/types"
)

// Summary is a compact view of a recorded export: enough to judge what a
// replay will exercise (streams, disorder, keyword spread) without running it.
type Summary struct {
	TotalSegments int                    `json:"total_segments"`
	Streams       int                    `json:"streams"`
	ByStream      map[string]StreamStats `json:"by_stream"`
	KeywordCounts map[string]int         `json:"keyword_counts"`
	ExampleTexts  []string               `json:"example_texts"`
}

// StreamStats describes one stream's sequence-number coverage.
type StreamStats struct {
	Segments   int    `json:"segments"`
	MinSeq     uint64 `json:"min_sequence_no"`
	MaxSeq     uint64 `json:"max_sequence_no"`
	Duplicates int    `json:"duplicates"`
	Missing    uint64 `json:"missing"`
}

// Summarize computes per-stream coverage over loaded segments.
func Summarize(segs []types.Segment) Summary {
	s := Summary{
		TotalSegments: len(segs),
		ByStream:      make(map[string]StreamStats),
		KeywordCounts: make(map[string]int),
	}

	seen := make(map[string]map[uint64]bool)
	for _, seg := range segs {
		st := s.ByStream[seg.StreamID]
		if seen[seg.StreamID] == nil {
			seen[seg.StreamID] = make(map[uint64]bool)
			st.MinSeq = seg.SequenceNo
			st.MaxSeq = seg.SequenceNo
		}
		if seen[seg.StreamID][seg.SequenceNo] {
			st.Duplicates++
		}
		seen[seg.StreamID][seg.SequenceNo] = true
		if seg.SequenceNo < st.MinSeq {
			st.MinSeq = seg.SequenceNo
		}
		if seg.SequenceNo > st.MaxSeq {
			st.MaxSeq = seg.SequenceNo
		}
		st.Segments++
		s.ByStream[seg.StreamID] = st

		for _, kw := range extractor.Extract(seg.Text()).Keywords {
			s.KeywordCounts[kw]++
		}
		if len(s.ExampleTexts) < 6 && len(seg.Payload) > 0 {
			s.ExampleTexts = append(s.ExampleTexts, seg.Text())
		}
	}

	for id, st := range s.ByStream {
		span := st.MaxSeq - st.MinSeq + 1
		distinct := uint64(len(seen[id]))
		if span > distinct {
			st.Missing = span - distinct
		}
		s.ByStream[id] = st
	}
	s.Streams = len(s.ByStream)
	return s
}

// LoadAndSummarize reads the export at path and summarizes it.
func LoadAndSummarize(path string) (Summary, error) {
	segs, err := Load(path)
	if err != nil {
		return Summary{}, err
	}
	return Summarize(segs), nil
}
