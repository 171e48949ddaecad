package llm

import (
	"context"
	"fmt"
	"time"
)

// Embedder calls the embeddings endpoint, caching per-text vectors so
// repeated query expansions cost one upstream call.
type Embedder struct {
	client *Client
	model  string
	dim    int
	cache  *embedCache
}

// NewEmbedder builds an embedder for model producing dim-dimensional
// vectors.
func NewEmbedder(client *Client, model string, dim int) *Embedder {
	return &Embedder{
		client: client,
		model:  model,
		dim:    dim,
		cache:  newEmbedCache(2048, 10*time.Minute),
	}
}

func (e *Embedder) Dimensions() int { return e.dim }

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

// Embed returns one vector per input text, in input order. Cached texts
// are served locally; only misses go upstream.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	var missTexts []string
	var missIdx []int
	for i, t := range texts {
		if vec, ok := e.cache.get(e.model + "\x00" + t); ok {
			out[i] = vec
			continue
		}
		missTexts = append(missTexts, t)
		missIdx = append(missIdx, i)
	}
	if len(missTexts) == 0 {
		return out, nil
	}

	var resp embeddingResponse
	err := e.client.postJSON(ctx, "/embeddings", embeddingRequest{Model: e.model, Input: missTexts}, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.Data) != len(missTexts) {
		return nil, fmt.Errorf("embeddings: got %d vectors for %d inputs", len(resp.Data), len(missTexts))
	}
	// The API may return data out of order; the index field is authoritative.
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(missIdx) {
			return nil, fmt.Errorf("embeddings: index %d out of range", d.Index)
		}
		pos := missIdx[d.Index]
		out[pos] = d.Embedding
		e.cache.put(e.model+"\x00"+texts[pos], d.Embedding)
	}
	return out, nil
}
