package retrieve

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gasable/hub/internal/store"
	"github.com/gasable/hub/pkg/models"
)

const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// bm25Doc is one indexed chunk of the snapshot.
type bm25Doc struct {
	id      string
	text    string
	agentID string
	tf      map[string]int
	length  int
}

// bm25Index is an in-process BM25 index over one namespace's corpus.
type bm25Index struct {
	docs  []bm25Doc
	df    map[string]int
	avgdl float64
}

func buildBM25Index(chunks []models.Chunk) *bm25Index {
	idx := &bm25Index{df: make(map[string]int)}
	var total int
	for _, c := range chunks {
		tokens := store.Tokenize(c.Text, 0)
		if len(tokens) == 0 {
			continue
		}
		tf := make(map[string]int, len(tokens))
		for _, t := range tokens {
			tf[t]++
		}
		for t := range tf {
			idx.df[t]++
		}
		idx.docs = append(idx.docs, bm25Doc{
			id: c.NodeID, text: c.Text, agentID: c.AgentID,
			tf: tf, length: len(tokens),
		})
		total += len(tokens)
	}
	if len(idx.docs) > 0 {
		idx.avgdl = float64(total) / float64(len(idx.docs))
	}
	return idx
}

// topK scores the query against documents visible to agentID with the
// Okapi BM25 formula.
func (idx *bm25Index) topK(query string, k int, agentID string) []models.Hit {
	terms := store.Tokenize(query, 0)
	if len(terms) == 0 || len(idx.docs) == 0 {
		return nil
	}
	n := float64(len(idx.docs))
	var hits []models.Hit
	for _, d := range idx.docs {
		if d.agentID != agentID && d.agentID != "default" {
			continue
		}
		var score float64
		for _, t := range terms {
			f := float64(d.tf[t])
			if f == 0 {
				continue
			}
			idf := math.Log(1 + (n-float64(idx.df[t])+0.5)/(float64(idx.df[t])+0.5))
			norm := f * (bm25K1 + 1) / (f + bm25K1*(1-bm25B+bm25B*float64(d.length)/idx.avgdl))
			score += idf * norm
		}
		if score <= 0 {
			continue
		}
		hits = append(hits, models.Hit{NodeID: d.id, Text: d.text, Score: score})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].NodeID < hits[j].NodeID
	})
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits
}

// bm25Cache keeps per-namespace snapshot indexes, rebuilt on a TTL. It
// backstops the SQL full-text lane when the database side is unavailable.
type bm25Cache struct {
	mu     sync.Mutex
	src    store.ChunkStore
	ttl    time.Duration
	limit  int
	byNS   map[string]*bm25Index
	builds map[string]time.Time
}

func newBM25Cache(src store.ChunkStore, ttl time.Duration, limit int) *bm25Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if limit <= 0 {
		limit = 5000
	}
	return &bm25Cache{
		src:    src,
		ttl:    ttl,
		limit:  limit,
		byNS:   make(map[string]*bm25Index),
		builds: make(map[string]time.Time),
	}
}

func (c *bm25Cache) topK(ctx context.Context, query string, k int, agentID, ns string) ([]models.Hit, error) {
	idx, err := c.index(ctx, ns)
	if err != nil {
		return nil, err
	}
	return idx.topK(query, k, agentID), nil
}

// index returns the namespace snapshot, rebuilding when stale. A failed
// rebuild serves the previous snapshot if one exists.
func (c *bm25Cache) index(ctx context.Context, ns string) (*bm25Index, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx, ok := c.byNS[ns]
	if ok && time.Since(c.builds[ns]) < c.ttl {
		return idx, nil
	}
	chunks, err := c.src.ListChunks(ctx, ns, c.limit)
	if err != nil {
		if ok {
			log.Warn().Err(err).Str("namespace", ns).Msg("bm25 snapshot rebuild failed, serving stale index")
			return idx, nil
		}
		return nil, err
	}
	idx = buildBM25Index(chunks)
	c.byNS[ns] = idx
	c.builds[ns] = time.Now()
	log.Debug().Str("namespace", ns).Int("docs", len(idx.docs)).Msg("bm25 snapshot rebuilt")
	return idx, nil
}
