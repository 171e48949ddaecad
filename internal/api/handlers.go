// Package api exposes the hub over HTTP: retrieval and orchestration
// (single-shot and SSE), agent and workflow management, the tool surface,
// the credential vault, and diagnostics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gasable/hub/internal/answer"
	"github.com/gasable/hub/internal/api/middleware"
	"github.com/gasable/hub/internal/config"
	"github.com/gasable/hub/internal/status"
	"github.com/gasable/hub/internal/store"
	"github.com/gasable/hub/pkg/contracts"
	"github.com/gasable/hub/pkg/models"
)

// Handlers carries the wired services for every endpoint.
type Handlers struct {
	cfg          *config.Config
	store        store.Store
	retriever    contracts.RetrieverService
	answerer     contracts.AnswererService
	orchestrator contracts.OrchestratorService
	workflows    contracts.WorkflowService
	registry     contracts.ToolRegistryService
	vault        contracts.VaultService
	tracker      *status.Tracker
}

func NewHandlers(cfg *config.Config, st store.Store, retriever contracts.RetrieverService,
	answerer contracts.AnswererService, orchestrator contracts.OrchestratorService,
	workflows contracts.WorkflowService, registry contracts.ToolRegistryService,
	vault contracts.VaultService, tracker *status.Tracker) *Handlers {
	return &Handlers{
		cfg: cfg, store: st, retriever: retriever, answerer: answerer,
		orchestrator: orchestrator, workflows: workflows, registry: registry,
		vault: vault, tracker: tracker,
	}
}

// ── JSON plumbing ───────────────────────────────────────────

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func httpStatus(kind models.ErrorKind) int {
	switch kind {
	case models.KindBadRequest:
		return http.StatusBadRequest
	case models.KindForbidden:
		return http.StatusForbidden
	case models.KindNotFound:
		return http.StatusNotFound
	case models.KindMissingCredential:
		return http.StatusFailedDependency
	case models.KindConstraintViolation:
		return http.StatusConflict
	case models.KindUpstreamTimeout, models.KindToolTimeout:
		return http.StatusGatewayTimeout
	case models.KindUpstreamUnavailable, models.KindToolError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, source string, err error) {
	var nf *store.ErrNotFound
	if errors.As(err, &nf) {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{
			"error": err.Error(), "error_kind": string(models.KindNotFound),
		})
		return
	}
	kind := models.KindOf(err)
	if h.tracker != nil && httpStatus(kind) >= 500 {
		h.tracker.RecordError(source, err.Error())
	}
	writeJSON(w, httpStatus(kind), map[string]interface{}{
		"error": err.Error(), "error_kind": string(kind),
	})
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return models.Wrap(models.KindBadRequest, "invalid request body", err)
	}
	return nil
}

// ── Diagnostics ─────────────────────────────────────────────

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.tracker.Health(r.Context()))
}

func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.tracker.Status(r.Context()))
}

func (h *Handlers) RecentErrors(w http.ResponseWriter, r *http.Request) {
	n, _ := strconv.Atoi(r.URL.Query().Get("n"))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"errors": h.tracker.RecentErrors(n),
	})
}

// ── Retrieval ───────────────────────────────────────────────

type queryRequest struct {
	Q         string                     `json:"q"`
	K         int                        `json:"k"`
	AgentID   string                     `json:"agent_id"`
	Namespace string                     `json:"namespace"`
	Overrides *models.RetrievalOverrides `json:"overrides"`
}

// resolveRetrieval merges defaults, agent settings, and call overrides.
func (h *Handlers) resolveRetrieval(ctx context.Context, agentID string, overrides *models.RetrievalOverrides, budgetMS int) models.RetrievalConfig {
	var agentOverrides *models.RetrievalOverrides
	if agentID != "" {
		if agent, err := h.store.GetAgent(ctx, agentID); err == nil {
			agentOverrides = agent.RAGSettings
			if agent.TopK > 0 && (agentOverrides == nil || agentOverrides.FinalK == nil) {
				k := agent.TopK
				if agentOverrides == nil {
					agentOverrides = &models.RetrievalOverrides{}
				}
				agentOverrides.FinalK = &k
			}
		}
	}
	cfg := models.MergeRetrievalConfig(h.cfg.Retrieval, agentOverrides, overrides)
	cfg.BudgetMS = budgetMS
	return cfg
}

// queryPayload is the wire shape shared by the single-shot response and
// the stream's final event: prose answer, its HTML rendering, the
// structured answer, the context ids, and a meta block.
func queryPayload(res *models.RetrievalResult, ans *models.StructuredAnswer, text string) map[string]interface{} {
	hits := res.Selected
	if hits == nil {
		hits = []models.Hit{}
	}
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.NodeID
	}
	meta := map[string]interface{}{
		"language":   res.Language,
		"expansions": res.Expansions,
		"budget_hit": res.BudgetHit,
		"elapsed_ms": res.ElapsedMS,
	}
	if res.Fallback != "" {
		meta["fallback"] = res.Fallback
	}
	html := answer.RenderHTML(ans)
	return map[string]interface{}{
		"answer":          text,
		"answer_html":     html,
		"context_ids":     ids,
		"structured":      ans,
		"structured_html": html,
		"hits":            hits,
		"meta":            meta,
	}
}

// Query is the single-shot retrieval+answer endpoint. An empty context is
// a grounded "no context" answer, not an error.
func (h *Handlers) Query(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, "query", err)
		return
	}
	ns := req.Namespace
	if ns == "" {
		ns = middleware.GetNamespace(r.Context())
	}
	if req.K > 0 {
		if req.Overrides == nil {
			req.Overrides = &models.RetrievalOverrides{}
		}
		if req.Overrides.FinalK == nil {
			k := req.K
			req.Overrides.FinalK = &k
		}
	}
	cfg := h.resolveRetrieval(r.Context(), req.AgentID, req.Overrides, h.cfg.SingleshotBudgetMS)

	res, err := h.retriever.Retrieve(r.Context(), req.Q, req.AgentID, ns, cfg, contracts.NopReporter{})
	if err != nil {
		h.writeError(w, "query", err)
		return
	}
	ans, text, err := h.answerer.Answer(r.Context(), req.Q, res.Language, res.Selected, contracts.NopReporter{})
	if err != nil {
		h.writeError(w, "query", err)
		return
	}
	writeJSON(w, http.StatusOK, queryPayload(res, ans, text))
}

// QueryStream runs the pipeline while streaming progress over SSE. The
// run also lands in a job record so a disconnected client can poll it.
func (h *Handlers) QueryStream(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		h.writeError(w, "query_stream", models.E(models.KindBadRequest, "q parameter is required"))
		return
	}
	agentID := r.URL.Query().Get("agent_id")
	ns := middleware.GetNamespace(r.Context())

	sse, ok := newSSEWriter(w)
	if !ok {
		h.writeError(w, "query_stream", models.E(models.KindInternal, "streaming unsupported by connection"))
		return
	}
	rep, jobID := h.streamReporter(sse)
	sse.writeEvent("job", map[string]interface{}{"job_id": jobID})

	// Survives client disconnects up to the stream budget.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()),
		time.Duration(h.cfg.StreamBudgetMS)*time.Millisecond)
	defer cancel()

	cfg := h.resolveRetrieval(ctx, agentID, nil, h.cfg.StreamBudgetMS)
	res, err := h.retriever.Retrieve(ctx, query, agentID, ns, cfg, rep)
	if err != nil {
		h.finalError(rep, "query_stream", err)
		return
	}
	ans, text, err := h.answerer.Answer(ctx, query, res.Language, res.Selected, rep)
	if err != nil {
		h.finalError(rep, "query_stream", err)
		return
	}
	payload := queryPayload(res, ans, text)
	payload["query"] = query
	rep.Final(payload)
}

// streamReporter builds an SSE reporter backed by a fresh job record.
func (h *Handlers) streamReporter(sse *sseWriter) (*sseReporter, string) {
	jobID := uuid.NewString()
	recorder := newJobRecorder(jobID, func(job *models.Job) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.store.UpdateJob(ctx, job); err != nil {
			log.Warn().Err(err).Str("job_id", job.ID).Msg("failed to save job")
		}
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.store.CreateJob(ctx, &recorder.job); err != nil {
		log.Warn().Err(err).Str("job_id", jobID).Msg("failed to create job")
	}
	return &sseReporter{sse: sse, job: recorder}, jobID
}

// finalError reports a stream failure as the terminal event.
func (h *Handlers) finalError(rep *sseReporter, source string, err error) {
	kind := models.KindOf(err)
	if h.tracker != nil && httpStatus(kind) >= 500 {
		h.tracker.RecordError(source, err.Error())
	}
	rep.Final(map[string]interface{}{
		"error": err.Error(), "error_kind": string(kind),
	})
}

// ── Orchestration ───────────────────────────────────────────

func (h *Handlers) Orchestrate(w http.ResponseWriter, r *http.Request) {
	var req models.OrchestrateRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, "orchestrate", err)
		return
	}
	if req.Namespace == "" {
		req.Namespace = middleware.GetNamespace(r.Context())
	}
	result, err := h.orchestrator.Orchestrate(r.Context(), req, contracts.NopReporter{})
	if err != nil {
		h.writeError(w, "orchestrate", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handlers) OrchestrateStream(w http.ResponseWriter, r *http.Request) {
	message := r.URL.Query().Get("message")
	if message == "" {
		h.writeError(w, "orchestrate_stream", models.E(models.KindBadRequest, "message parameter is required"))
		return
	}
	req := models.OrchestrateRequest{
		UserID:          r.URL.Query().Get("user_id"),
		Message:         message,
		Namespace:       middleware.GetNamespace(r.Context()),
		AgentPreference: r.URL.Query().Get("agent_preference"),
	}

	sse, ok := newSSEWriter(w)
	if !ok {
		h.writeError(w, "orchestrate_stream", models.E(models.KindInternal, "streaming unsupported by connection"))
		return
	}
	rep, jobID := h.streamReporter(sse)
	sse.writeEvent("job", map[string]interface{}{"job_id": jobID})

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()),
		time.Duration(h.cfg.StreamBudgetMS)*time.Millisecond)
	defer cancel()

	result, err := h.orchestrator.Orchestrate(ctx, req, rep)
	if err != nil {
		h.finalError(rep, "orchestrate_stream", err)
		return
	}
	payload := map[string]interface{}{
		"agent": result.Agent, "message": result.Message,
		"status": result.Status, "run_id": result.RunID,
	}
	if result.ErrorKind != "" {
		payload["error"] = result.Message
		payload["error_kind"] = string(result.ErrorKind)
	}
	rep.Final(payload)
}

// ── Agents ──────────────────────────────────────────────────

func (h *Handlers) ListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.store.ListAgents(r.Context(), middleware.GetNamespace(r.Context()))
	if err != nil {
		h.writeError(w, "agents", err)
		return
	}
	for i := range agents {
		agents[i].APIKey = "" // never leaks through the list
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"agents": agents})
}

func (h *Handlers) UpsertAgent(w http.ResponseWriter, r *http.Request) {
	var agent models.Agent
	if err := decodeBody(r, &agent); err != nil {
		h.writeError(w, "agents", err)
		return
	}
	if agent.ID == "" {
		h.writeError(w, "agents", models.E(models.KindBadRequest, "agent id is required"))
		return
	}
	if agent.Namespace == "" {
		agent.Namespace = middleware.GetNamespace(r.Context())
	}
	if err := h.store.UpsertAgent(r.Context(), &agent); err != nil {
		h.writeError(w, "agents", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "id": agent.ID})
}

func (h *Handlers) GetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := h.store.GetAgent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, "agents", err)
		return
	}
	agent.APIKey = ""
	writeJSON(w, http.StatusOK, agent)
}

// RotateAgentKey replaces the agent's API key; the new key is shown in
// this response only.
func (h *Handlers) RotateAgentKey(w http.ResponseWriter, r *http.Request) {
	agent, err := h.store.GetAgent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, "agents", err)
		return
	}
	agent.APIKey = uuid.NewString()
	if err := h.store.UpsertAgent(r.Context(), agent); err != nil {
		h.writeError(w, "agents", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": agent.ID, "api_key": agent.APIKey})
}

// ── Tools ───────────────────────────────────────────────────

func (h *Handlers) ListMCPTools(w http.ResponseWriter, r *http.Request) {
	specs, err := h.registry.List(r.Context())
	if err != nil {
		h.writeError(w, "mcp_tools", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tools": specs})
}

func (h *Handlers) InstallTool(w http.ResponseWriter, r *http.Request) {
	var spec models.ToolSpec
	if err := decodeBody(r, &spec); err != nil {
		h.writeError(w, "mcp_tools", err)
		return
	}
	if spec.Name == "" {
		h.writeError(w, "mcp_tools", models.E(models.KindBadRequest, "tool name is required"))
		return
	}
	if err := h.store.UpsertTool(r.Context(), &spec); err != nil {
		h.writeError(w, "mcp_tools", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "name": spec.Name})
}

type invokeRequest struct {
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args"`
}

// InvokeTool dispatches one tool call. Tool execution failures are 200s
// with status "error"; only registry-level refusals map to HTTP errors.
func (h *Handlers) InvokeTool(w http.ResponseWriter, r *http.Request) {
	var req invokeRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, "mcp_invoke", err)
		return
	}
	if req.Name == "" {
		h.writeError(w, "mcp_invoke", models.E(models.KindBadRequest, "tool name is required"))
		return
	}
	result, err := h.registry.Invoke(r.Context(), req.Name, req.Args)
	if err != nil {
		h.writeError(w, "mcp_invoke", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ListNodes returns installed tool specs only, without built-ins.
func (h *Handlers) ListNodes(w http.ResponseWriter, r *http.Request) {
	specs, err := h.store.ListTools(r.Context())
	if err != nil {
		h.writeError(w, "nodes", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"nodes": specs})
}

// ── Workflows ───────────────────────────────────────────────

func (h *Handlers) ListWorkflows(w http.ResponseWriter, r *http.Request) {
	flows, err := h.store.ListWorkflows(r.Context(), middleware.GetNamespace(r.Context()))
	if err != nil {
		h.writeError(w, "workflows", err)
		return
	}
	if r.URL.Query().Get("enrich") != "true" {
		writeJSON(w, http.StatusOK, map[string]interface{}{"workflows": flows})
		return
	}
	enriched := make([]map[string]interface{}, 0, len(flows))
	for _, wf := range flows {
		enriched = append(enriched, h.enrichWorkflow(r.Context(), &wf))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"workflows": enriched})
}

// enrichWorkflow attaches the resolved tool spec of every tool node.
func (h *Handlers) enrichWorkflow(ctx context.Context, wf *models.Workflow) map[string]interface{} {
	toolSpecs := map[string]*models.ToolSpec{}
	for _, n := range wf.Graph.Nodes {
		name := n.Tool
		if name == "" {
			name, _ = n.Data["tool"].(string)
		}
		if name == "" {
			name, _ = n.Data["toolName"].(string)
		}
		if name == "" {
			continue
		}
		if _, seen := toolSpecs[name]; seen {
			continue
		}
		spec, err := h.registry.Get(ctx, name)
		if err != nil {
			toolSpecs[name] = nil
			continue
		}
		toolSpecs[name] = spec
	}
	return map[string]interface{}{
		"workflow": wf,
		"tools":    toolSpecs,
	}
}

func (h *Handlers) UpsertWorkflow(w http.ResponseWriter, r *http.Request) {
	var wf models.Workflow
	if err := decodeBody(r, &wf); err != nil {
		h.writeError(w, "workflows", err)
		return
	}
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	if wf.Namespace == "" {
		wf.Namespace = middleware.GetNamespace(r.Context())
	}
	if len(wf.Graph.Nodes) == 0 {
		h.writeError(w, "workflows", models.E(models.KindBadRequest, "workflow graph has no nodes"))
		return
	}
	if err := h.store.UpsertWorkflow(r.Context(), &wf); err != nil {
		h.writeError(w, "workflows", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "id": wf.ID})
}

func (h *Handlers) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := h.store.GetWorkflow(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, "workflows", err)
		return
	}
	if r.URL.Query().Get("enrich") == "true" {
		writeJSON(w, http.StatusOK, h.enrichWorkflow(r.Context(), wf))
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

type runWorkflowRequest struct {
	Inputs map[string]interface{} `json:"inputs"`
}

// RunWorkflow executes a stored workflow. With an event-stream Accept
// header, node progress streams over SSE; otherwise the final result
// returns as JSON.
func (h *Handlers) RunWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := h.store.GetWorkflow(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, "workflows", err)
		return
	}
	var req runWorkflowRequest
	if r.ContentLength > 0 {
		if err := decodeBody(r, &req); err != nil {
			h.writeError(w, "workflows", err)
			return
		}
	}

	if r.Header.Get("Accept") == "text/event-stream" {
		sse, ok := newSSEWriter(w)
		if !ok {
			h.writeError(w, "workflows", models.E(models.KindInternal, "streaming unsupported by connection"))
			return
		}
		rep, jobID := h.streamReporter(sse)
		sse.writeEvent("job", map[string]interface{}{"job_id": jobID})
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()),
			time.Duration(h.cfg.StreamBudgetMS)*time.Millisecond)
		defer cancel()
		result, err := h.workflows.Run(ctx, wf, req.Inputs, rep)
		if err != nil {
			h.finalError(rep, "workflows", err)
			return
		}
		rep.Final(map[string]interface{}{"result": result})
		return
	}

	result, err := h.workflows.Run(r.Context(), wf, req.Inputs, contracts.NopReporter{})
	if err != nil {
		h.writeError(w, "workflows", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ── Vault ───────────────────────────────────────────────────

func (h *Handlers) requireVault(w http.ResponseWriter) bool {
	if h.vault == nil {
		h.writeError(w, "keys", models.E(models.KindConstraintViolation,
			"vault is disabled: HUB_MASTER_KEY is not set"))
		return false
	}
	return true
}

func (h *Handlers) ListKeys(w http.ResponseWriter, r *http.Request) {
	if !h.requireVault(w) {
		return
	}
	scope := r.URL.Query().Get("scope")
	if scope == "" {
		scope = "global"
	}
	keys, err := h.vault.List(r.Context(), scope)
	if err != nil {
		h.writeError(w, "keys", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"scope": scope, "keys": keys})
}

type putKeyRequest struct {
	Scope   string `json:"scope"`
	KeyName string `json:"key_name"`
	Value   string `json:"value"`
}

func (h *Handlers) PutKey(w http.ResponseWriter, r *http.Request) {
	if !h.requireVault(w) {
		return
	}
	var req putKeyRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, "keys", err)
		return
	}
	if req.Scope == "" {
		req.Scope = "global"
	}
	if err := h.vault.Put(r.Context(), req.Scope, req.KeyName, req.Value); err != nil {
		h.writeError(w, "keys", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
}

type rotateKeyRequest struct {
	Scope   string `json:"scope"`
	KeyName string `json:"key_name"`
}

func (h *Handlers) RotateKey(w http.ResponseWriter, r *http.Request) {
	if !h.requireVault(w) {
		return
	}
	var req rotateKeyRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, "keys", err)
		return
	}
	if req.Scope == "" {
		req.Scope = "global"
	}
	value, err := h.vault.Rotate(r.Context(), req.Scope, req.KeyName)
	if err != nil {
		h.writeError(w, "keys", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"scope": req.Scope, "key_name": req.KeyName, "value": value,
	})
}

// RotateMCPToken rotates the shared MCP_TOKEN, minting it on first use.
func (h *Handlers) RotateMCPToken(w http.ResponseWriter, r *http.Request) {
	if !h.requireVault(w) {
		return
	}
	value, err := h.vault.Rotate(r.Context(), "global", "MCP_TOKEN")
	if err != nil {
		var nf *store.ErrNotFound
		if !errors.As(err, &nf) {
			h.writeError(w, "keys", err)
			return
		}
		value = uuid.NewString()
		if err := h.vault.Put(r.Context(), "global", "MCP_TOKEN", value); err != nil {
			h.writeError(w, "keys", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"mcp_token": value})
}

// ── Runs & jobs ─────────────────────────────────────────────

func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := h.store.ListRuns(r.Context(), middleware.GetNamespace(r.Context()), limit)
	if err != nil {
		h.writeError(w, "runs", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, "jobs", err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}
