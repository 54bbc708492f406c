package engine

import (
	"context"

	"caption-pipeline-go/internal/actionable"
	"caption-pipeline-go/internal/extractor"
	"caption-pipeline-go/internal/types"
)

// Strategy names of the bundled engines.
const (
	StrategyStandard      = "standard"
	StrategyMultiLanguage = "multilang"
	StrategyVoiceControl  = "voice-control"
)

// Standard is the default enrichment strategy: strip hold scripts, pull out
// the caller's side, extract entities, and attach a prompt hint.
type Standard struct{}

func (Standard) Enrich(ctx context.Context, seg types.Segment) (types.EnrichedContent, error) {
	if err := ctx.Err(); err != nil {
		return types.EnrichedContent{}, err
	}

	raw := seg.Text()
	cleaned := extractor.Clean(raw)
	ents := extractor.Extract(cleaned)

	return types.EnrichedContent{
		Strategy:   StrategyStandard,
		Text:       cleaned,
		CallerText: extractor.CallerText(raw),
		Entities:   ents,
		Hint:       actionable.Suggest(cleaned, ents),
		Confidence: confidence(len(raw), len(cleaned)),
	}, nil
}
