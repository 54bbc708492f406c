package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"caption-pipeline-go/internal/types"
)

// Remote delegates enrichment to an external HTTP service. The service
// receives the segment as JSON and must answer with an EnrichedContent
// document. It is expected to answer identically for identical segments;
// replayed cache hits will otherwise disagree with fresh computes.
type Remote struct {
	name     string
	endpoint string
	client   *http.Client
}

// NewRemote builds a remote engine registered under name that POSTs
// segments to endpoint.
func NewRemote(name, endpoint string) *Remote {
	return &Remote{
		name:     name,
		endpoint: endpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

type remoteRequest struct {
	StreamID   string `json:"stream_id"`
	SequenceNo uint64 `json:"sequence_no"`
	Text       string `json:"text"`
}

func (r *Remote) Enrich(ctx context.Context, seg types.Segment) (types.EnrichedContent, error) {
	body, err := json.Marshal(remoteRequest{
		StreamID:   seg.StreamID,
		SequenceNo: seg.SequenceNo,
		Text:       seg.Text(),
	})
	if err != nil {
		return types.EnrichedContent{}, fmt.Errorf("remote enrich: encode request: %w", err)
	}

	var out types.EnrichedContent
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := r.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return fmt.Errorf("remote enrich: %s", readError(resp))
		}
		if resp.StatusCode >= 300 {
			return backoff.Permanent(fmt.Errorf("remote enrich: %s", readError(resp)))
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return backoff.Permanent(fmt.Errorf("remote enrich: decode response: %w", err))
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, 2), ctx)); err != nil {
		return types.EnrichedContent{}, err
	}

	// The service names itself whatever it likes; the registered name wins
	// so cached entries stay attributable to one strategy.
	out.Strategy = r.name
	return out, nil
}

func readError(resp *http.Response) string {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	msg := strings.TrimSpace(string(b))
	if msg == "" {
		return fmt.Sprintf("status %d", resp.StatusCode)
	}
	return fmt.Sprintf("status %d: %s", resp.StatusCode, msg)
}
