package engine

import (
	"context"
	"unicode"

	"caption-pipeline-go/internal/actionable"
	"caption-pipeline-go/internal/extractor"
	"caption-pipeline-go/internal/types"
)

// MultiLanguage behaves like Standard but also tags each segment with the
// dominant script's language code, so downstream captioning can pick fonts
// and line-breaking rules per stream.
type MultiLanguage struct{}

func (MultiLanguage) Enrich(ctx context.Context, seg types.Segment) (types.EnrichedContent, error) {
	if err := ctx.Err(); err != nil {
		return types.EnrichedContent{}, err
	}

	raw := seg.Text()
	cleaned := extractor.Clean(raw)
	ents := extractor.Extract(cleaned)

	return types.EnrichedContent{
		Strategy:   StrategyMultiLanguage,
		Text:       cleaned,
		CallerText: extractor.CallerText(raw),
		Language:   detectLanguage(cleaned),
		Entities:   ents,
		Hint:       actionable.Suggest(cleaned, ents),
		Confidence: confidence(len(raw), len(cleaned)),
	}, nil
}

// scriptRanges maps a language code to the scripts that imply it. Order
// matters: the first entry whose script dominates the text wins, which keeps
// detection deterministic for mixed-script segments.
var scriptRanges = []struct {
	lang   string
	tables []*unicode.RangeTable
}{
	{"ja", []*unicode.RangeTable{unicode.Hiragana, unicode.Katakana}},
	{"ko", []*unicode.RangeTable{unicode.Hangul}},
	{"zh", []*unicode.RangeTable{unicode.Han}},
	{"ru", []*unicode.RangeTable{unicode.Cyrillic}},
	{"ar", []*unicode.RangeTable{unicode.Arabic}},
	{"hi", []*unicode.RangeTable{unicode.Devanagari}},
	{"en", []*unicode.RangeTable{unicode.Latin}},
}

// detectLanguage guesses a language code from the dominant script. Japanese
// text mixes kana with Han characters, so kana presence outranks a Han
// majority. Returns "und" when no letters are found.
func detectLanguage(text string) string {
	counts := make([]int, len(scriptRanges))
	total := 0
	for _, r := range text {
		if !unicode.IsLetter(r) {
			continue
		}
		total++
		for i, sr := range scriptRanges {
			if unicode.In(r, sr.tables...) {
				counts[i]++
				break
			}
		}
	}
	if total == 0 {
		return "und"
	}
	// Any kana at all means Japanese even when Han runes outnumber it.
	if counts[0] > 0 {
		return "ja"
	}
	best, bestCount := "und", 0
	for i, sr := range scriptRanges {
		if counts[i] > bestCount {
			best, bestCount = sr.lang, counts[i]
		}
	}
	return best
}
