package retrieve

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/gasable/hub/internal/store"
	"github.com/gasable/hub/pkg/models"
)

// vocabEmbedder embeds text as term counts over a fixed vocabulary, so
// cosine similarity behaves predictably in tests.
type vocabEmbedder struct{}

var vocab = []string{"diesel", "delivery", "ev", "charging", "pricing", "support"}

func (vocabEmbedder) Dimensions() int { return len(vocab) }

func (vocabEmbedder) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i, text := range texts {
		vec := make([]float64, len(vocab))
		lower := strings.ToLower(text)
		for j, term := range vocab {
			vec[j] = float64(strings.Count(lower, term))
		}
		out[i] = vec
	}
	return out, nil
}

// stalledEmbedder blocks until the budget context expires.
type stalledEmbedder struct{}

func (stalledEmbedder) Dimensions() int { return len(vocab) }

func (stalledEmbedder) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type recordingReporter struct {
	mu    sync.Mutex
	steps []string
}

func (r *recordingReporter) Step(name string, data map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, name)
}

func (r *recordingReporter) Final(map[string]interface{}) {}

func (r *recordingReporter) index(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, s := range r.steps {
		if s == name {
			return i
		}
	}
	return -1
}

func seedCorpus(t *testing.T) *store.MemoryStore {
	t.Helper()
	s := store.NewMemoryStore()
	embedder := vocabEmbedder{}
	texts := map[string]string{
		"doc://diesel#0":  "diesel delivery available across riyadh with same day pricing",
		"doc://ev#0":      "ev charging stations support type 2 connectors",
		"doc://support#0": "support hours and contact channels for customers",
	}
	var chunks []models.Chunk
	for id, text := range texts {
		vecs, err := embedder.Embed(context.Background(), []string{text})
		if err != nil {
			t.Fatalf("embed: %v", err)
		}
		chunks = append(chunks, models.Chunk{
			NodeID: id, Text: text, Embedding: vecs[0],
			AgentID: "default", Namespace: "global",
		})
	}
	chunks = append(chunks, models.Chunk{
		NodeID: "doc://tenant#0", Text: "tenant diesel contract details",
		Embedding: []float64{1, 0, 0, 0, 0, 0}, AgentID: "default", Namespace: "tenant-1",
	})
	if err := s.UpsertChunks(context.Background(), chunks); err != nil {
		t.Fatalf("UpsertChunks: %v", err)
	}
	return s
}

func testConfig() models.RetrievalConfig {
	cfg := models.DefaultRetrievalConfig()
	cfg.Expansions = 1
	cfg.BudgetMS = 5000
	return cfg
}

func TestRetrieveHappyPath(t *testing.T) {
	s := seedCorpus(t)
	r := New(s, vocabEmbedder{}, nil, "", "")
	rep := &recordingReporter{}

	res, err := r.Retrieve(context.Background(), "diesel delivery pricing", "default", "global", testConfig(), rep)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(res.Selected) == 0 {
		t.Fatal("no hits selected")
	}
	if res.Selected[0].NodeID != "doc://diesel#0" {
		t.Errorf("top hit = %s, want doc://diesel#0", res.Selected[0].NodeID)
	}
	if res.Language != "en" {
		t.Errorf("language = %q, want en", res.Language)
	}
	if res.Fallback != "" {
		t.Errorf("unexpected fallback %q", res.Fallback)
	}
	for i, h := range res.Selected {
		if h.Order != i {
			t.Errorf("hit %d has order %d", i, h.Order)
		}
	}
}

func TestRetrieveStepOrder(t *testing.T) {
	s := seedCorpus(t)
	r := New(s, vocabEmbedder{}, nil, "", "")
	rep := &recordingReporter{}

	if _, err := r.Retrieve(context.Background(), "diesel delivery", "default", "global", testConfig(), rep); err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	order := []string{
		"received_query", "expansions", "dense_retrieval", "lex_retrieval",
		"keyword_prefilter", "bm25", "fusion", "retrieval_done", "selected_context",
	}
	prev := -1
	for _, name := range order {
		idx := rep.index(name)
		if idx < 0 {
			t.Fatalf("step %q was not reported (steps: %v)", name, rep.steps)
		}
		if idx <= prev {
			t.Errorf("step %q out of order (steps: %v)", name, rep.steps)
		}
		prev = idx
	}
}

func TestRetrieveNamespaceIsolation(t *testing.T) {
	s := seedCorpus(t)
	r := New(s, vocabEmbedder{}, nil, "", "")

	res, err := r.Retrieve(context.Background(), "diesel delivery", "default", "global", testConfig(), nil)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	for _, h := range res.Selected {
		if h.NodeID == "doc://tenant#0" {
			t.Errorf("tenant-scoped chunk leaked into global results")
		}
	}
}

func TestRetrieveTimeoutFallback(t *testing.T) {
	s := seedCorpus(t)
	r := New(s, stalledEmbedder{}, nil, "", "")
	rep := &recordingReporter{}

	cfg := testConfig()
	cfg.BudgetMS = 50
	res, err := r.Retrieve(context.Background(), "diesel delivery", "default", "global", cfg, rep)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if !res.BudgetHit || res.Fallback != "timeout" {
		t.Errorf("budget_hit=%v fallback=%q, want true/timeout", res.BudgetHit, res.Fallback)
	}
	if len(res.Selected) == 0 {
		t.Error("lexical fallback returned no hits")
	}
	if rep.index("timeout_fallback") < 0 {
		t.Errorf("timeout_fallback step missing (steps: %v)", rep.steps)
	}
}

// ilikeRecorder captures the token slices the ILIKE lane is queried with.
type ilikeRecorder struct {
	*store.MemoryStore
	mu    sync.Mutex
	calls [][]string
}

func (s *ilikeRecorder) ILikeTopK(ctx context.Context, tokens []string, k int, agentID, ns string) ([]models.Hit, error) {
	s.mu.Lock()
	s.calls = append(s.calls, append([]string(nil), tokens...))
	s.mu.Unlock()
	return s.MemoryStore.ILikeTopK(ctx, tokens, k, agentID, ns)
}

func TestLexLaneRunsPerExpansion(t *testing.T) {
	s := &ilikeRecorder{MemoryStore: seedCorpus(t)}
	r := New(s, vocabEmbedder{}, nil, "", "")

	// One rewrite plus the original; each expansion gets its own ILIKE
	// query before the prefilter lane runs.
	if _, err := r.Retrieve(context.Background(), "diesel delivery", "default", "global", testConfig(), nil); err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	distinct := make(map[string]struct{})
	for _, tokens := range s.calls {
		distinct[strings.Join(tokens, " ")] = struct{}{}
	}
	if len(distinct) < 2 {
		t.Errorf("ILIKE lane saw %d distinct token sequences (%v), want one per expansion", len(distinct), s.calls)
	}
}

// brokenBM25Store fails the SQL full-text lane so the snapshot backstop
// has to serve it.
type brokenBM25Store struct {
	*store.MemoryStore
}

func (s *brokenBM25Store) BM25TopK(ctx context.Context, query string, k int, agentID, ns string) ([]models.Hit, error) {
	return nil, context.DeadlineExceeded
}

func TestRetrieveBM25SnapshotFallback(t *testing.T) {
	s := &brokenBM25Store{MemoryStore: seedCorpus(t)}
	r := New(s, vocabEmbedder{}, nil, "", "")
	rep := &recordingReporter{}

	res, err := r.Retrieve(context.Background(), "diesel delivery pricing", "default", "global", testConfig(), rep)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(res.Selected) == 0 {
		t.Fatal("no hits with the bm25 snapshot lane")
	}
	if res.Selected[0].NodeID != "doc://diesel#0" {
		t.Errorf("top hit = %s, want doc://diesel#0", res.Selected[0].NodeID)
	}
	if rep.index("bm25") < 0 {
		t.Errorf("bm25 step missing (steps: %v)", rep.steps)
	}
}

func TestRetrieveEmptyQuery(t *testing.T) {
	s := seedCorpus(t)
	r := New(s, vocabEmbedder{}, nil, "", "")

	_, err := r.Retrieve(context.Background(), "   ", "default", "global", testConfig(), nil)
	if err == nil {
		t.Fatal("expected error for empty query")
	}
	if kind := models.KindOf(err); kind != models.KindBadRequest {
		t.Errorf("error kind = %s, want BadRequest", kind)
	}
}
