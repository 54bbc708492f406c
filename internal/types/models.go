package types

import "time"

// Segment is one unit of raw input from the segment source: an audio chunk or
// transcript fragment tagged with its stream and position. Immutable once
// created; sequence numbers increase per stream but may arrive with gaps or
// duplicates.
type Segment struct {
	StreamID   string    `json:"stream_id"`
	SequenceNo uint64    `json:"sequence_no"`
	Payload    []byte    `json:"payload"`
	CapturedAt time.Time `json:"captured_at"`
}

// Text returns the payload as text. Payloads are opaque bytes on the wire;
// all bundled engines treat them as UTF-8 transcript text.
func (s Segment) Text() string {
	return string(s.Payload)
}

// Entities holds structure pulled out of a transcript fragment.
type Entities struct {
	Emails       []string `json:"emails,omitempty"`
	PhoneNumbers []string `json:"phone_numbers,omitempty"`
	Names        []string `json:"names,omitempty"`
	Keywords     []string `json:"keywords,omitempty"`
}

// Empty reports whether no entity of any kind was found.
func (e Entities) Empty() bool {
	return len(e.Emails) == 0 && len(e.PhoneNumbers) == 0 &&
		len(e.Names) == 0 && len(e.Keywords) == 0
}

// Hint is a teleprompter prompt suggestion derived from a segment.
type Hint struct {
	Prompt string `json:"prompt"`
	Reason string `json:"reason,omitempty"`
}

// Command is a recognized voice-control instruction.
type Command struct {
	Name     string `json:"name"`
	Argument string `json:"argument,omitempty"`
}

// EnrichedContent is what an enrichment engine produces for one segment.
// Engines must be deterministic: identical segment text and strategy yield an
// identical EnrichedContent, which is what makes fingerprint caching sound.
type EnrichedContent struct {
	Strategy   string   `json:"strategy"`
	Text       string   `json:"text"`
	CallerText string   `json:"caller_text,omitempty"`
	Language   string   `json:"language,omitempty"`
	Entities   Entities `json:"entities"`
	Hint       *Hint    `json:"hint,omitempty"`
	Command    *Command `json:"command,omitempty"`
	Confidence float64  `json:"confidence"`
}

// Source records whether an enriched segment came from an engine run or from
// the cache.
type Source string

const (
	SourceFresh  Source = "fresh"
	SourceCached Source = "cached"
)

// EnrichedSegment is the published unit: enriched content bound to a stream
// position. Immutable once created; it is shared read-only as it moves from
// cache to coordinator to sink.
type EnrichedSegment struct {
	Fingerprint Fingerprint     `json:"fingerprint"`
	StreamID    string          `json:"stream_id"`
	SequenceNo  uint64          `json:"sequence_no"`
	Content     EnrichedContent `json:"content"`
	ComputedAt  time.Time       `json:"computed_at"`
	Source      Source          `json:"source"`
}

// WithBinding returns a copy bound to a different stream position with the
// given source marker. Cached content gets republished under the sequence
// number of the segment that asked for it; the stored value is never mutated.
func (e EnrichedSegment) WithBinding(streamID string, seq uint64, src Source) EnrichedSegment {
	e.StreamID = streamID
	e.SequenceNo = seq
	e.Source = src
	return e
}

// GapMarker is published in place of sequence numbers that never arrived
// within the reorder window. From and To are inclusive.
type GapMarker struct {
	StreamID string `json:"stream_id"`
	From     uint64 `json:"from"`
	To       uint64 `json:"to"`
}

// Count returns how many sequence numbers the gap spans.
func (g GapMarker) Count() uint64 {
	if g.To < g.From {
		return 0
	}
	return g.To - g.From + 1
}
