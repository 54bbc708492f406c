// Package engine defines the enrichment contract and the strategies bundled
// with the pipeline. An Engine maps one raw segment to enriched content; the
// pipeline treats it as an opaque, possibly slow function. Implementations
// must be side-effect-free and deterministic for identical input — the cache
// keys results by content fingerprint and replays them to later callers.
package engine

import (
	"context"

	"caption-pipeline-go/internal/types"
)

// Engine is the interface that wraps the Enrich method.
type Engine interface {
	// Enrich maps a raw segment to enriched content. It may block; callers
	// bound it with the context deadline.
	Enrich(ctx context.Context, seg types.Segment) (types.EnrichedContent, error)
}

// Func is an adapter to allow the use of ordinary functions as Engines.
type Func func(ctx context.Context, seg types.Segment) (types.EnrichedContent, error)

// Enrich calls the underlying function.
func (f Func) Enrich(ctx context.Context, seg types.Segment) (types.EnrichedContent, error) {
	return f(ctx, seg)
}

// confidence scores a segment by how much of it survived cleanup. The value
// is a pure function of the two lengths so identical input scores the same.
func confidence(rawLen, cleanLen int) float64 {
	if rawLen == 0 {
		return 0
	}
	c := float64(cleanLen) / float64(rawLen)
	if c > 1 {
		c = 1
	}
	return c
}
