package orchestrator

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gasable/hub/internal/store"
	"github.com/gasable/hub/pkg/contracts"
	"github.com/gasable/hub/pkg/models"
)

const (
	maxToolCalls = 8
	runBudget    = 30 * time.Second
)

// Orchestrator selects an agent for each message and drives the assistant
// tool loop under the agent's allow-list. Every run is appended to the run
// log, successful or not.
type Orchestrator struct {
	agents   store.AgentStore
	runs     store.RunStore
	registry contracts.ToolRegistryService
	chat     contracts.ChatClient
	model    string
}

func New(agents store.AgentStore, runs store.RunStore, registry contracts.ToolRegistryService, chat contracts.ChatClient, model string) *Orchestrator {
	return &Orchestrator{agents: agents, runs: runs, registry: registry, chat: chat, model: model}
}

// Orchestrate routes the message, runs the tool loop, and persists the
// run. Domain failures (forbidden tool, missing credential, upstream
// outage) come back as an error-status result, not a Go error.
func (o *Orchestrator) Orchestrate(ctx context.Context, req models.OrchestrateRequest, rep contracts.StepReporter) (*models.OrchestrateResult, error) {
	if rep == nil {
		rep = contracts.NopReporter{}
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, models.E(models.KindBadRequest, "message is required")
	}
	namespace := req.Namespace
	if namespace == "" {
		namespace = "global"
	}

	start := time.Now()
	runID := uuid.NewString()
	ctx, cancel := context.WithTimeout(ctx, runBudget)
	defer cancel()

	available, err := o.agents.ListAgents(ctx, namespace)
	if err != nil {
		return nil, err
	}
	agentID := routeAgent(req.Message, req.AgentPreference, available)
	agent, err := o.agents.GetAgent(ctx, agentID)
	if err != nil {
		return nil, models.Wrap(models.KindNotFound, "no agent available for namespace "+namespace, err)
	}
	rep.Step("routed_to", map[string]interface{}{"agent": agent.ID, "run_id": runID})

	result := &models.OrchestrateResult{Agent: agent.ID, RunID: runID, Status: "ok"}
	record := &models.RunRecord{
		RunID:         runID,
		UserID:        req.UserID,
		Namespace:     namespace,
		SelectedAgent: agent.ID,
		UserMessage:   req.Message,
	}

	content, loopErr := o.toolLoop(ctx, agent, req.Message, record, rep)
	if loopErr != nil {
		result.Status = "error"
		result.ErrorKind = models.KindOf(loopErr)
		result.Message = loopErr.Error()
	} else {
		result.Message = content
	}

	record.ResultSummary = clip(result.Message, 500)
	record.ElapsedMS = time.Since(start).Milliseconds()
	if err := o.runs.AppendRun(ctx, record); err != nil {
		log.Error().Err(err).Str("run_id", runID).Msg("failed to persist run")
	}
	return result, nil
}

// toolLoop runs the chat conversation, dispatching allow-listed tool
// calls until the model answers in prose or the call ceiling trips.
func (o *Orchestrator) toolLoop(ctx context.Context, agent *models.Agent, userMessage string, record *models.RunRecord, rep contracts.StepReporter) (string, error) {
	tools, err := o.toolDefs(ctx, agent)
	if err != nil {
		return "", err
	}
	model := o.model
	if agent.AnswerModel != "" {
		model = agent.AnswerModel
	}
	messages := []models.ChatMessage{
		{Role: "system", Content: agent.SystemPrompt},
		{Role: "user", Content: userMessage},
	}

	calls := 0
	for {
		resp, err := o.chat.Chat(ctx, model, messages, tools)
		if err != nil {
			return "", err
		}
		if len(resp.ToolCalls) == 0 {
			return resp.Content, nil
		}
		messages = append(messages, models.ChatMessage{Role: "assistant", Content: resp.Content})
		for _, tc := range resp.ToolCalls {
			if calls >= maxToolCalls {
				return "", models.E(models.KindConstraintViolation, "tool call ceiling reached")
			}
			calls++
			observation, err := o.dispatch(ctx, agent, tc, record, rep)
			if err != nil {
				return "", err
			}
			messages = append(messages, models.ChatMessage{
				Role:       "tool",
				Content:    observation,
				Name:       tc.Name,
				ToolCallID: tc.ID,
			})
		}
	}
}

// dispatch runs one model-requested tool call. Disallowed tools and
// missing credentials abort the run; execution failures flow back to the
// model as error observations.
func (o *Orchestrator) dispatch(ctx context.Context, agent *models.Agent, tc models.ToolCall, record *models.RunRecord, rep contracts.StepReporter) (string, error) {
	rep.Step("tool_call_started", map[string]interface{}{"tool": tc.Name, "args": tc.Args})
	if !agent.AllowsTool(tc.Name) {
		record.ToolCalls = append(record.ToolCalls, models.ToolCallRecord{
			Name: tc.Name, Args: tc.Args, Status: "error", ErrorKind: models.KindForbidden,
		})
		rep.Step("tool_call_finished", map[string]interface{}{
			"tool": tc.Name, "status": "error", "error_kind": string(models.KindForbidden),
		})
		return "", models.E(models.KindForbidden, "agent "+agent.ID+" may not call tool "+tc.Name)
	}

	started := time.Now()
	result, err := o.registry.Invoke(ctx, tc.Name, tc.Args)
	took := time.Since(started).Milliseconds()
	if err != nil {
		kind := models.KindOf(err)
		record.ToolCalls = append(record.ToolCalls, models.ToolCallRecord{
			Name: tc.Name, Args: tc.Args, Status: "error",
			ErrorKind: kind, DurationMS: took,
		})
		rep.Step("tool_call_finished", map[string]interface{}{
			"tool": tc.Name, "status": "error", "error_kind": string(kind), "duration_ms": took,
		})
		return "", err
	}

	status := "ok"
	var kind models.ErrorKind
	if !result.OK() {
		status = "error"
		kind = models.KindToolError
	}
	record.ToolCalls = append(record.ToolCalls, models.ToolCallRecord{
		Name: tc.Name, Args: tc.Args, Status: status, ErrorKind: kind, DurationMS: took,
	})
	finished := map[string]interface{}{
		"tool": tc.Name, "status": status, "duration_ms": took,
	}
	if kind != "" {
		finished["error_kind"] = string(kind)
	}
	rep.Step("tool_call_finished", finished)
	return marshalObservation(result), nil
}

func (o *Orchestrator) toolDefs(ctx context.Context, agent *models.Agent) ([]models.ToolDef, error) {
	var defs []models.ToolDef
	for _, name := range agent.ToolAllowlist {
		spec, err := o.registry.Get(ctx, name)
		if err != nil {
			log.Warn().Str("tool", name).Err(err).Str("agent", agent.ID).
				Msg("allow-listed tool not in registry, skipping")
			continue
		}
		defs = append(defs, models.ToolDef{
			Name:        spec.Name,
			Description: spec.Description,
			Parameters:  spec.InputSchema,
		})
	}
	return defs, nil
}

func marshalObservation(result models.ToolResult) string {
	b, err := json.Marshal(result)
	if err != nil {
		return `{"status":"error","error":"unencodable tool result"}`
	}
	return string(b)
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
