// Package dataset reads recorded transcript exports (xlsx) so captured
// sessions can be replayed through the pipeline.
package dataset

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"caption-pipeline-go/internal/types"
)

// Load reads segments from the first sheet, auto-detecting columns by header
// heuristics. Rows without a stream id or a parsable sequence number are
// skipped quietly; exports routinely carry trailing junk rows.
func Load(path string) ([]types.Segment, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read rows: %w", err)
	}
	if len(rows) <= 1 {
		return nil, fmt.Errorf("no data rows")
	}

	header := rows[0]
	streamIdx := -1
	seqIdx := -1
	textIdx := -1
	timeIdx := -1
	for i, h := range header {
		l := strings.ToLower(strings.TrimSpace(h))
		switch {
		case strings.Contains(l, "stream") || strings.Contains(l, "session") || strings.Contains(l, "call id"):
			if streamIdx == -1 {
				streamIdx = i
			}
		case strings.Contains(l, "seq") || strings.Contains(l, "chunk") || strings.Contains(l, "index"):
			if seqIdx == -1 {
				seqIdx = i
			}
		case strings.Contains(l, "transcript") || strings.Contains(l, "text") || strings.Contains(l, "payload"):
			if textIdx == -1 {
				textIdx = i
			}
		case strings.Contains(l, "captured") || strings.Contains(l, "timestamp") || strings.Contains(l, "time"):
			if timeIdx == -1 {
				timeIdx = i
			}
		}
	}
	// fallback heuristics: the common export layout is stream, seq, text
	if streamIdx == -1 && len(header) > 0 {
		streamIdx = 0
	}
	if seqIdx == -1 && len(header) > 1 {
		seqIdx = 1
	}
	if textIdx == -1 && len(header) > 2 {
		textIdx = 2
	}

	var out []types.Segment
	for i, r := range rows {
		if i == 0 {
			continue
		}
		seg := types.Segment{}
		if streamIdx >= 0 && streamIdx < len(r) {
			seg.StreamID = strings.TrimSpace(r[streamIdx])
		}
		if seg.StreamID == "" {
			continue
		}
		if seqIdx >= 0 && seqIdx < len(r) {
			n, err := strconv.ParseUint(strings.TrimSpace(r[seqIdx]), 10, 64)
			if err != nil {
				continue
			}
			seg.SequenceNo = n
		}
		if textIdx >= 0 && textIdx < len(r) {
			seg.Payload = []byte(r[textIdx])
		}
		if timeIdx >= 0 && timeIdx < len(r) {
			if ts, err := time.Parse(time.RFC3339, strings.TrimSpace(r[timeIdx])); err == nil {
				seg.CapturedAt = ts
			}
		}
		out = append(out, seg)
	}
	return out, nil
}
