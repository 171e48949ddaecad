// Package models defines the shared data types for the Gasable Hub:
// corpus chunks, agents, tools, workflows, secrets, runs, and the
// retrieval/answer shapes exchanged between components and over the API.
package models

import (
	"encoding/json"
	"time"
)

// ── Corpus ──────────────────────────────────────────────────

// Chunk is one row of the retrieval corpus. NodeID follows the
// "<source-scheme>://<uri>#<chunk-index>" convention and is the primary key;
// re-ingestion upserts by NodeID, rows are never mutated in place.
type Chunk struct {
	NodeID     string                 `json:"node_id"`
	Text       string                 `json:"text"`
	Embedding  []float64              `json:"embedding,omitempty"`
	AgentID    string                 `json:"agent_id"`
	Namespace  string                 `json:"namespace"`
	ChunkIndex int                    `json:"chunk_index"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Hit is a scored retrieval candidate. Score semantics depend on the lane
// that produced it (cosine similarity, ts_rank_cd, token overlap); after
// fusion it carries the fused RRF score.
type Hit struct {
	NodeID   string                 `json:"id"`
	Text     string                 `json:"text,omitempty"`
	Score    float64                `json:"score"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	Order    int                    `json:"order,omitempty"`
}

// ── Retrieval configuration ─────────────────────────────────

// RetrievalConfig is the resolved configuration for one retrieval call.
// It is produced by merging global defaults, the agent's RAGSettings,
// and call-site overrides (in that order).
type RetrievalConfig struct {
	FinalK            int     `json:"final_k"`
	KDenseEach        int     `json:"k_dense_each"`
	KDenseFuse        int     `json:"k_dense_fuse"`
	KLex              int     `json:"k_lex"`
	Expansions        int     `json:"expansions"`
	MMRLambda         float64 `json:"mmr_lambda"`
	UseBM25           bool    `json:"use_bm25"`
	KeywordPrefilter  bool    `json:"keyword_prefilter"`
	LLMRerank         bool    `json:"llm_rerank"`
	PreferDomainBoost string  `json:"prefer_domain_boost,omitempty"`
	BudgetMS          int     `json:"budget_ms"`
}

// DefaultRetrievalConfig returns the documented pipeline defaults.
func DefaultRetrievalConfig() RetrievalConfig {
	return RetrievalConfig{
		FinalK:           6,
		KDenseEach:       8,
		KDenseFuse:       10,
		KLex:             12,
		Expansions:       2,
		MMRLambda:        0.7,
		UseBM25:          true,
		KeywordPrefilter: true,
		LLMRerank:        false,
		BudgetMS:         8000,
	}
}

// RetrievalOverrides is a sparse overlay applied on top of a base
// RetrievalConfig. Nil fields leave the base value untouched. The agent's
// rag_settings column unmarshals into this shape.
type RetrievalOverrides struct {
	FinalK            *int     `json:"final_k,omitempty"`
	KDenseEach        *int     `json:"k_dense_each,omitempty"`
	KDenseFuse        *int     `json:"k_dense_fuse,omitempty"`
	KLex              *int     `json:"k_lex,omitempty"`
	Expansions        *int     `json:"expansions,omitempty"`
	MMRLambda         *float64 `json:"mmr_lambda,omitempty"`
	UseBM25           *bool    `json:"use_bm25,omitempty"`
	KeywordPrefilter  *bool    `json:"keyword_prefilter,omitempty"`
	LLMRerank         *bool    `json:"rerank,omitempty"`
	PreferDomainBoost *string  `json:"prefer_domain_boost,omitempty"`
	BudgetMS          *int     `json:"budget_ms,omitempty"`
}

// MergeRetrievalConfig applies overlays to base left-to-right and returns
// the result. Pure function; neither base nor the overlays are modified.
func MergeRetrievalConfig(base RetrievalConfig, overlays ...*RetrievalOverrides) RetrievalConfig {
	out := base
	for _, o := range overlays {
		if o == nil {
			continue
		}
		if o.FinalK != nil {
			out.FinalK = *o.FinalK
		}
		if o.KDenseEach != nil {
			out.KDenseEach = *o.KDenseEach
		}
		if o.KDenseFuse != nil {
			out.KDenseFuse = *o.KDenseFuse
		}
		if o.KLex != nil {
			out.KLex = *o.KLex
		}
		if o.Expansions != nil {
			out.Expansions = *o.Expansions
		}
		if o.MMRLambda != nil {
			out.MMRLambda = *o.MMRLambda
		}
		if o.UseBM25 != nil {
			out.UseBM25 = *o.UseBM25
		}
		if o.KeywordPrefilter != nil {
			out.KeywordPrefilter = *o.KeywordPrefilter
		}
		if o.LLMRerank != nil {
			out.LLMRerank = *o.LLMRerank
		}
		if o.PreferDomainBoost != nil {
			out.PreferDomainBoost = *o.PreferDomainBoost
		}
		if o.BudgetMS != nil {
			out.BudgetMS = *o.BudgetMS
		}
	}
	return out
}

// RetrievalResult is the outcome of one retrieval pipeline call.
type RetrievalResult struct {
	Expansions []string `json:"expansions"`
	Selected   []Hit    `json:"selected"`
	Fused      []Hit    `json:"fused"`
	BudgetHit  bool     `json:"budget_hit"`
	Fallback   string   `json:"fallback,omitempty"` // "timeout" when the lexical fallback fired
	Language   string   `json:"language"`           // "en", "ar", or "mixed"
	ElapsedMS  int64    `json:"elapsed_ms"`
}

// ── Agents ──────────────────────────────────────────────────

// Agent is a registered assistant persona with its own prompt, tool
// allow-list, and retrieval overrides.
type Agent struct {
	ID            string              `json:"id"`
	DisplayName   string              `json:"display_name"`
	Namespace     string              `json:"namespace"`
	SystemPrompt  string              `json:"system_prompt"`
	ToolAllowlist []string            `json:"tool_allowlist"`
	AnswerModel   string              `json:"answer_model,omitempty"`
	RerankModel   string              `json:"rerank_model,omitempty"`
	TopK          int                 `json:"top_k,omitempty"`
	AssistantID   string              `json:"assistant_id,omitempty"`
	APIKey        string              `json:"api_key,omitempty"`
	RAGSettings   *RetrievalOverrides `json:"rag_settings,omitempty"`
	CreatedAt     time.Time           `json:"created_at,omitempty"`
	UpdatedAt     time.Time           `json:"updated_at,omitempty"`
}

// AllowsTool reports whether name is in the agent's tool allow-list.
func (a *Agent) AllowsTool(name string) bool {
	for _, t := range a.ToolAllowlist {
		if t == name {
			return true
		}
	}
	return false
}

// ── Tools ───────────────────────────────────────────────────

// ToolAuth names the credential provider backing a tool.
type ToolAuth struct {
	Provider string `json:"provider"`
	Type     string `json:"type"`
}

// ToolSpec describes a callable tool (a "node" in the installed catalog).
type ToolSpec struct {
	Name         string                 `json:"name"`
	Title        string                 `json:"title,omitempty"`
	Description  string                 `json:"description"`
	Category     string                 `json:"category,omitempty"`
	InputSchema  json.RawMessage        `json:"input_schema,omitempty"`
	OutputSchema map[string]interface{} `json:"output_schema,omitempty"`
	RequiredKeys []string               `json:"required_keys,omitempty"`
	Auth         *ToolAuth              `json:"auth,omitempty"`
	Idempotent   bool                   `json:"idempotent,omitempty"`
	Version      string                 `json:"version,omitempty"`
	InstalledAt  time.Time              `json:"installed_at,omitempty"`
}

// ToolResult is the JSON-shaped result of a tool invocation.
// Tool failures are values ({"status":"error", ...}), never panics.
type ToolResult map[string]interface{}

// OK reports whether the result carries status "ok".
func (r ToolResult) OK() bool {
	s, _ := r["status"].(string)
	return s == "ok"
}

// ── Workflows ───────────────────────────────────────────────

// Position is the UI placement of a workflow node. Carried through
// round-trips, ignored by the runtime.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// WorkflowNode is one node of a persisted workflow graph.
// Type is one of start, tool, agent, mapper — UI-flavored labels
// (startNode, toolNode, agentNode, decisionNode) are normalized
// by the runtime before execution.
type WorkflowNode struct {
	ID       string                 `json:"id"`
	Type     string                 `json:"type"`
	Tool     string                 `json:"tool,omitempty"`
	Data     map[string]interface{} `json:"data,omitempty"`
	Position *Position              `json:"position,omitempty"`
}

// WorkflowEdge is a typed edge. SourceHandle selects the branch label on
// mapper nodes ("true"/"false" or a named outcome).
type WorkflowEdge struct {
	ID           string `json:"id"`
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"source_handle,omitempty"`
	TargetHandle string `json:"target_handle,omitempty"`
}

// Graph is the persisted node/edge set of a workflow.
type Graph struct {
	Nodes []WorkflowNode `json:"nodes"`
	Edges []WorkflowEdge `json:"edges"`
}

// Workflow is a persisted directed-graph workflow.
type Workflow struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	Namespace   string    `json:"namespace"`
	Graph       Graph     `json:"graph"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
	UpdatedAt   time.Time `json:"updated_at,omitempty"`
}

// NodeResult is the recorded outcome of one workflow node execution.
type NodeResult struct {
	NodeID     string                 `json:"node_id"`
	Status     string                 `json:"status"` // ok | error | skipped
	Output     map[string]interface{} `json:"output,omitempty"`
	ErrorKind  ErrorKind              `json:"error_kind,omitempty"`
	Error      string                 `json:"error,omitempty"`
	DurationMS int64                  `json:"duration_ms"`
}

// WorkflowResult is the final payload of a workflow run.
type WorkflowResult struct {
	Status       string       `json:"status"` // ok | error
	FailedNodeID string       `json:"failed_node_id,omitempty"`
	ErrorKind    ErrorKind    `json:"error_kind,omitempty"`
	Message      string       `json:"message,omitempty"`
	RequiredKeys []string     `json:"required_keys,omitempty"`
	Nodes        []NodeResult `json:"nodes"`
	VisitOrder   []string     `json:"visit_order"`
	ElapsedMS    int64        `json:"elapsed_ms"`
}

// ── Secrets ─────────────────────────────────────────────────

// Secret is one encrypted credential version. Plaintext never leaves the
// vault boundary; Ciphertext is AES-GCM sealed with the process master key.
type Secret struct {
	Scope      string    `json:"scope"` // global | agent:<id> | tool:<name> | user:<id>
	KeyName    string    `json:"key_name"`
	Ciphertext []byte    `json:"-"`
	Version    int       `json:"version"`
	CreatedAt  time.Time `json:"created_at"`
}

// ── Runs & jobs ─────────────────────────────────────────────

// ToolCallRecord is one dispatched tool call inside an orchestration run.
type ToolCallRecord struct {
	Name       string                 `json:"name"`
	Args       map[string]interface{} `json:"args,omitempty"`
	Status     string                 `json:"status"` // ok | error
	ErrorKind  ErrorKind              `json:"error_kind,omitempty"`
	DurationMS int64                  `json:"duration_ms"`
}

// RunRecord is the append-only log entry for one orchestration call.
type RunRecord struct {
	RunID         string           `json:"run_id"`
	UserID        string           `json:"user_id"`
	Namespace     string           `json:"namespace"`
	SelectedAgent string           `json:"selected_agent"`
	UserMessage   string           `json:"user_message"`
	ToolCalls     []ToolCallRecord `json:"tool_calls"`
	ResultSummary string           `json:"result_summary"`
	ElapsedMS     int64            `json:"elapsed_ms"`
	CreatedAt     time.Time        `json:"created_at"`
}

// StepEvent is one progress step emitted over SSE or recorded on a Job.
type StepEvent struct {
	Name string                 `json:"step"`
	Data map[string]interface{} `json:"data,omitempty"`
	At   time.Time              `json:"at"`
}

// Job tracks a background streamed run so disconnected clients can poll it.
type Job struct {
	ID        string                 `json:"id"`
	Status    string                 `json:"status"` // running | done | error
	Steps     []StepEvent            `json:"steps"`
	Result    map[string]interface{} `json:"result,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// ── Chat / LLM shapes ───────────────────────────────────────

// ChatMessage is one turn in a model conversation.
type ChatMessage struct {
	Role       string `json:"role"`
	Content    string `json:"content"`
	Name       string `json:"name,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID   string                 `json:"id"`
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args"`
}

// ChatResponse is the model's reply: content, tool calls, or both.
type ChatResponse struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// ToolDef is the schema handed to the chat model for one callable tool.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ── Structured answers ──────────────────────────────────────

// AnswerSection is one section of a structured answer; either Bullets or
// Paragraph is set, not both.
type AnswerSection struct {
	Heading   string   `json:"heading"`
	Bullets   []string `json:"bullets,omitempty"`
	Paragraph string   `json:"paragraph,omitempty"`
}

// AnswerSource references a hit the answer is grounded on.
type AnswerSource struct {
	ID    string `json:"id"`
	Label string `json:"label,omitempty"`
}

// StructuredAnswer is the grounded answer shape: at most 8 summary bullets,
// at most 4 sections, every bullet at most 180 characters after sanitization.
type StructuredAnswer struct {
	Title    string          `json:"title"`
	Summary  []string        `json:"summary"`
	Sections []AnswerSection `json:"sections"`
	Sources  []AnswerSource  `json:"sources"`
}

// ── Orchestration ───────────────────────────────────────────

// OrchestrateRequest is the inbound payload for an orchestration call.
type OrchestrateRequest struct {
	UserID          string `json:"user_id"`
	Message         string `json:"message"`
	Namespace       string `json:"namespace,omitempty"`
	AgentPreference string `json:"agent_preference,omitempty"`
}

// OrchestrateResult is the terminal payload of an orchestration call.
type OrchestrateResult struct {
	Agent     string    `json:"agent"`
	Message   string    `json:"message"`
	Status    string    `json:"status"` // ok | error
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
	RunID     string    `json:"run_id,omitempty"`
}
