package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gasable/hub/internal/answer"
	"github.com/gasable/hub/internal/config"
	"github.com/gasable/hub/internal/orchestrator"
	"github.com/gasable/hub/internal/retrieve"
	"github.com/gasable/hub/internal/status"
	"github.com/gasable/hub/internal/store"
	"github.com/gasable/hub/internal/tools"
	"github.com/gasable/hub/internal/workflow"
	"github.com/gasable/hub/pkg/models"
)

// termEmbedder embeds text as term counts over a small vocabulary.
type termEmbedder struct{}

var terms = []string{"diesel", "delivery", "pricing", "support"}

func (termEmbedder) Dimensions() int { return len(terms) }

func (termEmbedder) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i, text := range texts {
		vec := make([]float64, len(terms))
		lower := strings.ToLower(text)
		for j, term := range terms {
			vec[j] = float64(strings.Count(lower, term))
		}
		out[i] = vec
	}
	return out, nil
}

type harness struct {
	router http.Handler
	store  *store.MemoryStore
	cfg    *config.Config
}

func newHarness(t *testing.T, apiToken string) *harness {
	t.Helper()
	s := store.NewMemoryStore()
	cfg := &config.Config{
		Version:            "test",
		Retrieval:          models.DefaultRetrievalConfig(),
		SingleshotBudgetMS: 5000,
		StreamBudgetMS:     5000,
		APIToken:           apiToken,
		CORSOrigins:        []string{"*"},
	}
	cfg.Retrieval.Expansions = 1

	embedder := termEmbedder{}
	registry := tools.NewRegistry(s, nil)
	retriever := retrieve.New(s, embedder, nil, "", "")
	tools.RegisterBuiltins(registry, retriever, cfg.Retrieval)
	answerer := answer.New(nil, "", false)
	orch := orchestrator.New(s, s, registry, nil, "test-model")
	engine := workflow.NewEngine(registry)
	tracker := status.NewTracker(s, embedder, "test", "embedding")

	h := NewHandlers(cfg, s, retriever, answerer, orch, engine, registry, nil, tracker)
	return &harness{router: NewRouter(cfg, h), store: s, cfg: cfg}
}

func (h *harness) seedChunk(t *testing.T, id, text string) {
	t.Helper()
	vecs, err := termEmbedder{}.Embed(context.Background(), []string{text})
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	err = h.store.UpsertChunks(context.Background(), []models.Chunk{{
		NodeID: id, Text: text, Embedding: vecs[0],
		AgentID: "default", Namespace: "global",
	}})
	if err != nil {
		t.Fatalf("UpsertChunks: %v", err)
	}
}

func (h *harness) do(t *testing.T, method, path string, body interface{}, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func decodeMap(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestHealth(t *testing.T) {
	h := newHarness(t, "")
	rec := h.do(t, http.MethodGet, "/health", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeMap(t, rec)
	if body["status"] != "ok" || body["db"] != true {
		t.Errorf("health = %v", body)
	}
}

func TestQueryEmptyCorpusIsGroundedNoContext(t *testing.T) {
	h := newHarness(t, "")
	rec := h.do(t, http.MethodPost, "/api/query", map[string]interface{}{
		"q": "anything",
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeMap(t, rec)
	if body["answer"] != "No context available." {
		t.Errorf("answer = %v, want the no-context message", body["answer"])
	}
	hits, ok := body["hits"].([]interface{})
	if !ok || len(hits) != 0 {
		t.Errorf("hits = %v, want an empty array", body["hits"])
	}
	if ids, ok := body["context_ids"].([]interface{}); !ok || len(ids) != 0 {
		t.Errorf("context_ids = %v, want an empty array", body["context_ids"])
	}
}

func TestQueryWithSeededCorpus(t *testing.T) {
	h := newHarness(t, "")
	h.seedChunk(t, "doc://diesel#0", "Gasable provides diesel delivery with transparent pricing across the kingdom.")
	h.seedChunk(t, "doc://support#0", "Customer support is available around the clock.")

	rec := h.do(t, http.MethodPost, "/api/query", map[string]interface{}{
		"q": "diesel delivery pricing",
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeMap(t, rec)
	hits, _ := body["hits"].([]interface{})
	if len(hits) == 0 {
		t.Fatal("no hits returned")
	}
	top, _ := hits[0].(map[string]interface{})
	if top["id"] != "doc://diesel#0" {
		t.Errorf("top hit = %v, want doc://diesel#0", top["id"])
	}
	ids, _ := body["context_ids"].([]interface{})
	if len(ids) == 0 || ids[0] != "doc://diesel#0" {
		t.Errorf("context_ids = %v, want doc://diesel#0 first", ids)
	}
	meta, _ := body["meta"].(map[string]interface{})
	if meta == nil || meta["language"] != "en" {
		t.Errorf("meta = %v, want language en", meta)
	}
	if text, _ := body["answer"].(string); text == "No context available." || text == "" {
		t.Errorf("answer = %q, want a grounded answer", text)
	}
	if _, ok := body["structured"].(map[string]interface{}); !ok {
		t.Errorf("structured answer missing: %v", body["structured"])
	}
}

func TestQueryHonorsK(t *testing.T) {
	h := newHarness(t, "")
	h.seedChunk(t, "doc://diesel#0", "Diesel delivery with transparent pricing.")
	h.seedChunk(t, "doc://diesel#1", "Diesel pricing by region and delivery window.")
	h.seedChunk(t, "doc://diesel#2", "Delivery schedules for diesel customers.")

	rec := h.do(t, http.MethodPost, "/api/query", map[string]interface{}{
		"q": "diesel delivery pricing", "k": 1,
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	hits, _ := decodeMap(t, rec)["hits"].([]interface{})
	if len(hits) != 1 {
		t.Errorf("got %d hits, want 1 with k=1", len(hits))
	}
}

func TestQueryInvalidBody(t *testing.T) {
	h := newHarness(t, "")
	req := httptest.NewRequest(http.MethodPost, "/api/query", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestTokenGate(t *testing.T) {
	h := newHarness(t, "secret-token")

	invoke := map[string]interface{}{
		"name": "orders.place",
		"args": map[string]interface{}{"product": "diesel", "quantity": 1.0},
	}
	if rec := h.do(t, http.MethodPost, "/api/mcp_invoke", invoke, nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", rec.Code)
	}
	if rec := h.do(t, http.MethodPost, "/api/mcp_invoke", invoke, map[string]string{
		"X-API-Key": "wrong",
	}); rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong token: status = %d, want 401", rec.Code)
	}
	if rec := h.do(t, http.MethodPost, "/api/mcp_invoke", invoke, map[string]string{
		"X-API-Key": "secret-token",
	}); rec.Code != http.StatusOK {
		t.Errorf("x-api-key: status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if rec := h.do(t, http.MethodPost, "/api/mcp_invoke", invoke, map[string]string{
		"Authorization": "Bearer secret-token",
	}); rec.Code != http.StatusOK {
		t.Errorf("bearer: status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	// Reads stay open regardless of the token.
	if rec := h.do(t, http.MethodGet, "/api/mcp_tools", nil, nil); rec.Code != http.StatusOK {
		t.Errorf("read endpoint gated: status = %d", rec.Code)
	}
}

func TestTokenGateOpenWhenUnset(t *testing.T) {
	h := newHarness(t, "")
	rec := h.do(t, http.MethodPost, "/api/mcp_invoke", map[string]interface{}{
		"name": "orders.place",
		"args": map[string]interface{}{"product": "diesel", "quantity": 1.0},
	}, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 with no token configured: %s", rec.Code, rec.Body.String())
	}
}

func TestStatusReportsDBObject(t *testing.T) {
	h := newHarness(t, "")
	rec := h.do(t, http.MethodGet, "/api/status", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeMap(t, rec)
	db, ok := body["db"].(map[string]interface{})
	if !ok || db["status"] != "ok" {
		t.Errorf("db = %v, want {status: ok}", body["db"])
	}
	if body["embedding_col"] != "embedding" {
		t.Errorf("embedding_col = %v", body["embedding_col"])
	}
}

func TestMCPTokenRotatePath(t *testing.T) {
	h := newHarness(t, "")
	rec := h.do(t, http.MethodPost, "/api/keys/mcp_token/rotate", nil, nil)
	// Route must resolve; the disabled vault answers 409, never 404.
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409 with the vault disabled: %s", rec.Code, rec.Body.String())
	}
}

func TestAgentListScrubsAPIKey(t *testing.T) {
	h := newHarness(t, "")
	err := h.store.UpsertAgent(context.Background(), &models.Agent{
		ID: "support", DisplayName: "Support", Namespace: "global", APIKey: "leaky",
	})
	if err != nil {
		t.Fatalf("UpsertAgent: %v", err)
	}
	rec := h.do(t, http.MethodGet, "/api/agents", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "leaky") {
		t.Error("agent api key leaked through the list endpoint")
	}
}

func TestGetAgentNotFound(t *testing.T) {
	h := newHarness(t, "")
	rec := h.do(t, http.MethodGet, "/api/agents/ghost", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
	body := decodeMap(t, rec)
	if body["error_kind"] != "NotFound" {
		t.Errorf("error_kind = %v", body["error_kind"])
	}
}

func TestVaultDisabledWithoutMasterKey(t *testing.T) {
	h := newHarness(t, "")
	rec := h.do(t, http.MethodGet, "/api/keys", nil, nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409 when the vault is disabled", rec.Code)
	}
}

func TestWorkflowUpsertAndRun(t *testing.T) {
	h := newHarness(t, "")
	up := h.do(t, http.MethodPost, "/api/workflows", map[string]interface{}{
		"display_name": "order flow",
		"graph": map[string]interface{}{
			"nodes": []map[string]interface{}{
				{"id": "start", "type": "startNode"},
				{"id": "buy", "type": "toolNode", "tool": "orders.place", "data": map[string]interface{}{
					"params": map[string]interface{}{"product": "diesel", "quantity": 10.0},
				}},
			},
			"edges": []map[string]interface{}{
				{"id": "e1", "source": "start", "target": "buy"},
			},
		},
	}, nil)
	if up.Code != http.StatusOK {
		t.Fatalf("upsert status = %d: %s", up.Code, up.Body.String())
	}
	id, _ := decodeMap(t, up)["id"].(string)
	if id == "" {
		t.Fatal("no workflow id returned")
	}

	run := h.do(t, http.MethodPost, "/api/workflows/"+id+"/run", map[string]interface{}{}, nil)
	if run.Code != http.StatusOK {
		t.Fatalf("run status = %d: %s", run.Code, run.Body.String())
	}
	body := decodeMap(t, run)
	if body["status"] != "ok" {
		t.Errorf("workflow result = %v", body)
	}
}

func TestWorkflowUpsertRejectsEmptyGraph(t *testing.T) {
	h := newHarness(t, "")
	rec := h.do(t, http.MethodPost, "/api/workflows", map[string]interface{}{
		"display_name": "empty",
		"graph":        map[string]interface{}{"nodes": []interface{}{}},
	}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

// sseEvent is one parsed frame of an event stream.
type sseEvent struct {
	name string
	data map[string]interface{}
}

func parseSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	var events []sseEvent
	for _, block := range strings.Split(body, "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		var ev sseEvent
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "event: "):
				ev.name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev.data); err != nil {
					t.Fatalf("bad event data %q: %v", line, err)
				}
			}
		}
		events = append(events, ev)
	}
	return events
}

func TestQueryStreamEventOrder(t *testing.T) {
	h := newHarness(t, "")
	h.seedChunk(t, "doc://diesel#0", "Diesel delivery pricing details for fleet customers.")

	rec := h.do(t, http.MethodGet, "/api/query_stream?q=diesel+delivery", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}

	events := parseSSE(t, rec.Body.String())
	if len(events) < 3 {
		t.Fatalf("only %d events", len(events))
	}
	if events[0].name != "job" {
		t.Errorf("first event = %s, want job", events[0].name)
	}
	if _, ok := events[0].data["job_id"].(string); !ok {
		t.Errorf("job event carries no job_id: %v", events[0].data)
	}
	last := events[len(events)-1]
	if last.name != "final" {
		t.Errorf("last event = %s, want final", last.name)
	}
	if _, failed := last.data["error"]; failed {
		t.Errorf("final event reports an error: %v", last.data)
	}
	if _, ok := last.data["answer"].(string); !ok {
		t.Errorf("final event carries no answer: %v", last.data)
	}
	if _, ok := last.data["meta"].(map[string]interface{}); !ok {
		t.Errorf("final event carries no meta block: %v", last.data)
	}
	sawStep := false
	for _, ev := range events[1 : len(events)-1] {
		if ev.name == "step" {
			sawStep = true
		}
	}
	if !sawStep {
		t.Error("no step events between job and final")
	}
}

func TestQueryStreamPersistsJob(t *testing.T) {
	h := newHarness(t, "")
	h.seedChunk(t, "doc://diesel#0", "Diesel delivery pricing.")

	rec := h.do(t, http.MethodGet, "/api/query_stream?q=diesel", nil, nil)
	events := parseSSE(t, rec.Body.String())
	if len(events) == 0 || events[0].name != "job" {
		t.Fatalf("no job event in %q", rec.Body.String())
	}
	jobID := events[0].data["job_id"].(string)

	jr := h.do(t, http.MethodGet, "/api/jobs/"+jobID, nil, nil)
	if jr.Code != http.StatusOK {
		t.Fatalf("job fetch status = %d: %s", jr.Code, jr.Body.String())
	}
	job := decodeMap(t, jr)
	if job["status"] != "done" {
		t.Errorf("job status = %v, want done", job["status"])
	}
	if steps, _ := job["steps"].([]interface{}); len(steps) == 0 {
		t.Error("job recorded no steps")
	}
}

func TestQueryStreamRequiresQ(t *testing.T) {
	h := newHarness(t, "")
	rec := h.do(t, http.MethodGet, "/api/query_stream", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		kind models.ErrorKind
		want int
	}{
		{models.KindBadRequest, http.StatusBadRequest},
		{models.KindForbidden, http.StatusForbidden},
		{models.KindNotFound, http.StatusNotFound},
		{models.KindMissingCredential, http.StatusFailedDependency},
		{models.KindConstraintViolation, http.StatusConflict},
		{models.KindUpstreamTimeout, http.StatusGatewayTimeout},
		{models.KindToolTimeout, http.StatusGatewayTimeout},
		{models.KindUpstreamUnavailable, http.StatusBadGateway},
		{models.KindToolError, http.StatusBadGateway},
		{models.KindInternal, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := httpStatus(tc.kind); got != tc.want {
			t.Errorf("httpStatus(%s) = %d, want %d", tc.kind, got, tc.want)
		}
	}
}

func TestNamespaceHeaderScopesAgents(t *testing.T) {
	h := newHarness(t, "")
	ctx := context.Background()
	h.store.UpsertAgent(ctx, &models.Agent{ID: "a-global", Namespace: "global"})
	h.store.UpsertAgent(ctx, &models.Agent{ID: "a-tenant", Namespace: "tenant-1"})

	rec := h.do(t, http.MethodGet, "/api/agents", nil, map[string]string{"X-Namespace": "tenant-1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "a-tenant") || strings.Contains(body, "a-global") {
		t.Errorf("namespace scoping broken: %s", body)
	}
}
