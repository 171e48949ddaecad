// Package contracts defines the service interfaces that tie the hub's
// components together. Concrete implementations live under internal/;
// handlers and the workflow runtime depend only on these interfaces, so
// tests can swap in stubs without touching wiring code.
package contracts

import (
	"context"

	"github.com/gasable/hub/pkg/models"
)

// ── Progress reporting ──────────────────────────────────────

// StepReporter receives ordered progress steps from the retriever, the
// orchestrator, and the workflow runtime. The HTTP layer attaches an SSE
// framing implementation; background jobs attach a collecting one.
// Implementations must tolerate calls after the client has gone away.
type StepReporter interface {
	// Step records a named progress step with its payload.
	Step(name string, data map[string]interface{})

	// Final delivers the terminal payload. It is called exactly once and
	// no Step calls follow it.
	Final(payload map[string]interface{})
}

// NopReporter discards all events.
type NopReporter struct{}

func (NopReporter) Step(string, map[string]interface{}) {}
func (NopReporter) Final(map[string]interface{})        {}

// ── LLM clients ─────────────────────────────────────────────

// EmbeddingClient produces fixed-dimension vectors for texts. Embed is
// deterministic for identical input and must honor ctx cancellation.
type EmbeddingClient interface {
	Embed(ctx context.Context, texts []string) ([][]float64, error)
	Dimensions() int
}

// ChatClient sends a conversation to a chat model, optionally offering
// tools the model may call.
type ChatClient interface {
	Chat(ctx context.Context, model string, messages []models.ChatMessage, tools []models.ToolDef) (*models.ChatResponse, error)
}

// ── Retrieval & answering ───────────────────────────────────

// RetrieverService runs the hybrid retrieval pipeline.
type RetrieverService interface {
	Retrieve(ctx context.Context, query, agentID, namespace string, cfg models.RetrievalConfig, rep StepReporter) (*models.RetrievalResult, error)
}

// AnswererService synthesizes a grounded answer from retrieved hits.
type AnswererService interface {
	// Answer returns the structured answer and its prose rendering.
	Answer(ctx context.Context, query, language string, hits []models.Hit, rep StepReporter) (*models.StructuredAnswer, string, error)
}

// ── Tools & credentials ─────────────────────────────────────

// ToolRegistryService enumerates and dispatches callable tools.
type ToolRegistryService interface {
	List(ctx context.Context) ([]models.ToolSpec, error)
	Get(ctx context.Context, name string) (*models.ToolSpec, error)
	Invoke(ctx context.Context, name string, args map[string]interface{}) (models.ToolResult, error)
}

// VaultService stores and fetches per-scope secrets.
type VaultService interface {
	Put(ctx context.Context, scope, keyName, plaintext string) error
	Get(ctx context.Context, scope, keyName string) (string, error)
	List(ctx context.Context, scope string) ([]models.Secret, error)
	Rotate(ctx context.Context, scope, keyName string) (string, error)
}

// ── Orchestration & workflows ───────────────────────────────

// OrchestratorService routes a message to an agent and runs the assistant
// tool loop.
type OrchestratorService interface {
	Orchestrate(ctx context.Context, req models.OrchestrateRequest, rep StepReporter) (*models.OrchestrateResult, error)
}

// WorkflowService executes a persisted workflow graph.
type WorkflowService interface {
	Run(ctx context.Context, wf *models.Workflow, inputs map[string]interface{}, rep StepReporter) (*models.WorkflowResult, error)
}
