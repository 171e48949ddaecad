package retrieve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/gasable/hub/internal/store"
	"github.com/gasable/hub/pkg/contracts"
	"github.com/gasable/hub/pkg/models"
)

// Retriever runs the hybrid pipeline against the corpus. Lanes degrade
// gracefully: a failing lane contributes nothing, and only a fully dark
// pipeline returns an error.
type Retriever struct {
	chunks      store.ChunkStore
	embedder    contracts.EmbeddingClient
	chat        contracts.ChatClient
	expander    *Expander
	rerankModel string
	bm25        *bm25Cache
}

// New builds a retriever. chat may be nil; expansion and rerank then use
// their deterministic fallbacks.
func New(chunks store.ChunkStore, embedder contracts.EmbeddingClient, chat contracts.ChatClient, expandModel, rerankModel string) *Retriever {
	return &Retriever{
		chunks:      chunks,
		embedder:    embedder,
		chat:        chat,
		expander:    NewExpander(chat, expandModel),
		rerankModel: rerankModel,
		bm25:        newBM25Cache(chunks, 0, 0),
	}
}

// ConfigureBM25 sizes the in-process BM25 snapshot that backstops the SQL
// full-text lane.
func (r *Retriever) ConfigureBM25(ttlSec, corpusLimit int) {
	r.bm25 = newBM25Cache(r.chunks, time.Duration(ttlSec)*time.Second, corpusLimit)
}

// Retrieve executes the pipeline for one query, reporting progress steps
// in order. The budget in cfg bounds the whole call; when it trips before
// the dense lane completes, the lexical fallback produces the result
// instead of an error.
func (r *Retriever) Retrieve(ctx context.Context, query, agentID, namespace string, cfg models.RetrievalConfig, rep contracts.StepReporter) (*models.RetrievalResult, error) {
	start := time.Now()
	if rep == nil {
		rep = contracts.NopReporter{}
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, models.E(models.KindBadRequest, "empty query")
	}
	if agentID == "" {
		agentID = "default"
	}
	if namespace == "" {
		namespace = "global"
	}

	budget := time.Duration(cfg.BudgetMS) * time.Millisecond
	if budget <= 0 {
		budget = 8 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	language := DetectLanguage(query)
	rep.Step("received_query", map[string]interface{}{
		"query": query, "agent_id": agentID, "namespace": namespace, "language": language,
	})

	expansions := r.expander.Expand(ctx, query, cfg.Expansions)
	rep.Step("expansions", map[string]interface{}{"expansions": expansions})

	result := &models.RetrievalResult{Expansions: expansions, Language: language}

	denseLists, err := r.denseLane(ctx, expansions, cfg, agentID, namespace)
	if err != nil {
		if !budgetExpired(ctx, err) {
			return nil, err
		}
		return r.timeoutFallback(ctx, query, cfg, agentID, namespace, result, start, rep)
	}
	denseFused := rrfFuse(denseLists...)
	if len(denseFused) > cfg.KDenseFuse {
		denseFused = denseFused[:cfg.KDenseFuse]
	}
	rep.Step("dense_retrieval", map[string]interface{}{"count": len(denseFused)})

	lexLists := r.lexLane(ctx, query, expansions, cfg, agentID, namespace, rep)

	if budgetExpired(ctx, nil) {
		return r.timeoutFallback(ctx, query, cfg, agentID, namespace, result, start, rep)
	}

	allLists := append([][]models.Hit{denseFused}, lexLists...)
	fused := rrfFuse(allLists...)
	rep.Step("fusion", map[string]interface{}{"count": len(fused)})

	applyBoosts(fused, query, cfg.PreferDomainBoost)
	fused = filterByOverlap(fused, query)
	result.Fused = fused
	rep.Step("retrieval_done", map[string]interface{}{
		"count": len(fused), "elapsed_ms": time.Since(start).Milliseconds(),
	})

	selected := mmrSelect(fused, cfg.MMRLambda, cfg.FinalK)
	r.backfillText(ctx, selected)
	rep.Step("selected_context", map[string]interface{}{"ids": hitIDs(selected)})

	if cfg.LLMRerank && r.chat != nil && !budgetExpired(ctx, nil) {
		selected = r.rerank(ctx, query, selected, rep)
	}
	for i := range selected {
		selected[i].Order = i
	}
	result.Selected = selected
	result.ElapsedMS = time.Since(start).Milliseconds()
	return result, nil
}

// denseLane embeds every expansion in one call and runs per-expansion
// vector searches in parallel.
func (r *Retriever) denseLane(ctx context.Context, expansions []string, cfg models.RetrievalConfig, agentID, ns string) ([][]models.Hit, error) {
	vecs, err := r.embedder.Embed(ctx, expansions)
	if err != nil {
		return nil, fmt.Errorf("embed expansions: %w", err)
	}
	lists := make([][]models.Hit, len(vecs))
	g, gctx := errgroup.WithContext(ctx)
	for i, vec := range vecs {
		i, vec := i, vec
		g.Go(func() error {
			hits, err := r.chunks.VectorTopK(gctx, vec, cfg.KDenseEach, agentID, ns)
			if err != nil {
				return fmt.Errorf("vector search: %w", err)
			}
			lists[i] = hits
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return lists, nil
}

// lexLane runs the per-expansion ILIKE lane, then the curated keyword
// prefilter and BM25 lanes. Lane failures are logged and skipped; lexical
// lanes are additive signal, not load-bearing.
func (r *Retriever) lexLane(ctx context.Context, query string, expansions []string, cfg models.RetrievalConfig, agentID, ns string, rep contracts.StepReporter) [][]models.Hit {
	var lists [][]models.Hit
	lexHits := 0
	for _, exp := range expansions {
		tokens := store.Tokenize(exp, 6)
		if len(tokens) == 0 {
			continue
		}
		hits, err := r.chunks.ILikeTopK(ctx, tokens, cfg.KLex, agentID, ns)
		if err != nil {
			log.Warn().Err(err).Msg("lexical lane failed")
			continue
		}
		if len(hits) > 0 {
			lists = append(lists, hits)
			lexHits += len(hits)
		}
	}
	if len(lists) == 0 {
		// No substring matches at all; trigram catches near-spellings.
		if trig, err := r.chunks.TrigramTopK(ctx, query, cfg.KLex, agentID, ns); err == nil && len(trig) > 0 {
			lists = append(lists, trig)
			lexHits = len(trig)
		}
	}
	rep.Step("lex_retrieval", map[string]interface{}{"count": lexHits, "lanes": len(lists)})

	if cfg.KeywordPrefilter {
		if terms := prefilterTerms(query); len(terms) > 0 {
			hits, err := r.chunks.ILikeTopK(ctx, terms, cfg.KLex, agentID, ns)
			if err != nil {
				log.Warn().Err(err).Msg("keyword prefilter lane failed")
			} else {
				if len(hits) > 0 {
					lists = append(lists, hits)
				}
				rep.Step("keyword_prefilter", map[string]interface{}{"count": len(hits), "terms": terms})
			}
		}
	}
	if cfg.UseBM25 {
		hits, err := r.chunks.BM25TopK(ctx, query, cfg.KLex, agentID, ns)
		if err != nil {
			log.Warn().Err(err).Msg("bm25 lane failed, trying snapshot")
			if snap, serr := r.bm25.topK(ctx, query, cfg.KLex, agentID, ns); serr == nil {
				lists = append(lists, snap)
				rep.Step("bm25", map[string]interface{}{"count": len(snap), "mode": "snapshot"})
			} else {
				log.Warn().Err(serr).Msg("bm25 snapshot failed")
			}
		} else {
			lists = append(lists, hits)
			rep.Step("bm25", map[string]interface{}{"count": len(hits)})
		}
	}
	return lists
}

// prefilterVocab is the curated bilingual vocabulary that turns on the
// keyword prefilter lane.
var prefilterVocab = []string{
	"contract", "supplier", "rfq", "tender", "diesel", "fuel",
	"delivery", "invoice", "quotation", "station",
	"عقد", "مورد", "مناقصة", "ديزل", "وقود", "توصيل", "فاتورة",
}

// prefilterTerms returns the vocabulary terms present in the query as
// whole words, in vocabulary order.
func prefilterTerms(query string) []string {
	lower := strings.ToLower(query)
	var out []string
	for _, term := range prefilterVocab {
		if containsWord(lower, term) {
			out = append(out, term)
		}
	}
	return out
}

// timeoutFallback serves a purely lexical result when the budget expired
// before the dense lane finished. Preferred-domain hits float to the top.
func (r *Retriever) timeoutFallback(ctx context.Context, query string, cfg models.RetrievalConfig, agentID, ns string, result *models.RetrievalResult, start time.Time, rep contracts.StepReporter) (*models.RetrievalResult, error) {
	// The budget context is gone; give the fallback a short grace window.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()

	tokens := store.Tokenize(query, 6)
	hits, err := r.chunks.ILikeTopK(fctx, tokens, cfg.KLex, agentID, ns)
	if err != nil || len(hits) == 0 {
		hits, err = r.chunks.TrigramTopK(fctx, query, cfg.KLex, agentID, ns)
		if err != nil {
			return nil, models.Wrap(models.KindUpstreamTimeout, "retrieval budget exceeded and lexical fallback failed", err)
		}
	}
	if cfg.PreferDomainBoost != "" {
		sort.SliceStable(hits, func(i, j int) bool {
			pi := strings.HasPrefix(hits[i].NodeID, cfg.PreferDomainBoost)
			pj := strings.HasPrefix(hits[j].NodeID, cfg.PreferDomainBoost)
			return pi && !pj
		})
	}
	if len(hits) > cfg.FinalK {
		hits = hits[:cfg.FinalK]
	}
	for i := range hits {
		hits[i].Order = i
	}
	result.Selected = hits
	result.Fused = hits
	result.BudgetHit = true
	result.Fallback = "timeout"
	result.ElapsedMS = time.Since(start).Milliseconds()
	rep.Step("timeout_fallback", map[string]interface{}{"count": len(hits)})
	return result, nil
}

// rerank asks the model to rescore the selected hits. Any failure keeps
// the MMR order.
func (r *Retriever) rerank(ctx context.Context, query string, hits []models.Hit, rep contracts.StepReporter) []models.Hit {
	if len(hits) < 2 {
		return hits
	}
	var sb strings.Builder
	sb.WriteString("Score each passage 0-10 for relevance to the query. Reply with JSON only: [{\"index\":0,\"score\":7.5},...]\n\nQuery: ")
	sb.WriteString(query)
	for i, h := range hits {
		text := h.Text
		if len(text) > 600 {
			text = text[:600]
		}
		fmt.Fprintf(&sb, "\n\n[%d] %s", i, text)
	}
	resp, err := r.chat.Chat(ctx, r.rerankModel, []models.ChatMessage{
		{Role: "user", Content: sb.String()},
	}, nil)
	if err != nil {
		log.Debug().Err(err).Msg("rerank model failed, keeping mmr order")
		return hits
	}
	raw := resp.Content
	startIdx := strings.IndexByte(raw, '[')
	endIdx := strings.LastIndexByte(raw, ']')
	if startIdx < 0 || endIdx <= startIdx {
		return hits
	}
	var scores []struct {
		Index int     `json:"index"`
		Score float64 `json:"score"`
	}
	if json.Unmarshal([]byte(raw[startIdx:endIdx+1]), &scores) != nil {
		return hits
	}
	rescored := make([]models.Hit, len(hits))
	copy(rescored, hits)
	for _, s := range scores {
		if s.Index >= 0 && s.Index < len(rescored) {
			rescored[s.Index].Score = s.Score
		}
	}
	sortHits(rescored)
	rep.Step("rerank", map[string]interface{}{"count": len(rescored)})
	return rescored
}

// backfillText fills hit texts the lanes returned id-only.
func (r *Retriever) backfillText(ctx context.Context, hits []models.Hit) {
	var missing []string
	for _, h := range hits {
		if h.Text == "" {
			missing = append(missing, h.NodeID)
		}
	}
	if len(missing) == 0 {
		return
	}
	chunks, err := r.chunks.FetchByIDs(ctx, missing)
	if err != nil {
		log.Warn().Err(err).Msg("text backfill failed")
		return
	}
	texts := make(map[string]string, len(chunks))
	for _, c := range chunks {
		texts[c.NodeID] = c.Text
	}
	for i := range hits {
		if hits[i].Text == "" {
			hits[i].Text = texts[hits[i].NodeID]
		}
	}
}

func budgetExpired(ctx context.Context, err error) bool {
	if err != nil && (errors.Is(err, context.DeadlineExceeded) || models.KindOf(err) == models.KindUpstreamTimeout) {
		return true
	}
	return ctx.Err() != nil
}

func hitIDs(hits []models.Hit) []string {
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.NodeID
	}
	return out
}
