// Package store provides the storage interface and implementations for the
// hub: the retrieval corpus, agents, tools, workflows, secrets, and the run
// log. Handlers and services depend on the Store interface so the in-memory
// implementation can stand in for PostgreSQL in tests.
package store

import (
	"context"

	"github.com/gasable/hub/pkg/models"
)

// Store is the primary storage interface for the hub.
type Store interface {
	ChunkStore
	AgentStore
	ToolStore
	WorkflowStore
	SecretStore
	RunStore
	JobStore

	// Ping checks if the backend is reachable.
	Ping(ctx context.Context) error

	// Migrate creates the schema and required indexes.
	Migrate(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error
}

// ── Chunk store ─────────────────────────────────────────────

// ChunkStore is the corpus gateway. All topk operations return hits sorted
// descending by score and already filtered to
// (agent_id = agentID OR agent_id = 'default') AND namespace = ns.
type ChunkStore interface {
	// UpsertChunks inserts or replaces chunks by node_id.
	UpsertChunks(ctx context.Context, chunks []models.Chunk) error

	// FetchByIDs returns the chunks with the given node_ids, in no
	// particular order; missing ids are silently skipped.
	FetchByIDs(ctx context.Context, ids []string) ([]models.Chunk, error)

	// VectorTopK returns the k nearest chunks by cosine similarity.
	VectorTopK(ctx context.Context, vec []float64, k int, agentID, ns string) ([]models.Hit, error)

	// BM25TopK ranks by full-text relevance (ts_rank_cd over the tsv column).
	BM25TopK(ctx context.Context, query string, k int, agentID, ns string) ([]models.Hit, error)

	// ILikeTopK matches any of the tokens as case-insensitive substrings.
	// Tokens beyond the sixth are ignored.
	ILikeTopK(ctx context.Context, tokens []string, k int, agentID, ns string) ([]models.Hit, error)

	// TrigramTopK ranks by trigram similarity; the last-resort lexical lane.
	TrigramTopK(ctx context.Context, query string, k int, agentID, ns string) ([]models.Hit, error)

	// CountChunks returns the corpus size visible to (agentID, ns).
	CountChunks(ctx context.Context, agentID, ns string) (int64, error)

	// ListChunks returns up to limit chunks in the namespace, node_id
	// ascending, without embeddings. Feeds the in-process BM25 snapshot.
	ListChunks(ctx context.Context, ns string, limit int) ([]models.Chunk, error)
}

// ── Agent store ─────────────────────────────────────────────

type AgentStore interface {
	ListAgents(ctx context.Context, namespace string) ([]models.Agent, error)
	GetAgent(ctx context.Context, id string) (*models.Agent, error)
	UpsertAgent(ctx context.Context, agent *models.Agent) error
}

// ── Tool store ──────────────────────────────────────────────

// ToolStore persists user-installed tool specs (the nodes table).
// Built-in tools live in the registry, not here.
type ToolStore interface {
	ListTools(ctx context.Context) ([]models.ToolSpec, error)
	GetTool(ctx context.Context, name string) (*models.ToolSpec, error)
	UpsertTool(ctx context.Context, tool *models.ToolSpec) error
}

// ── Workflow store ──────────────────────────────────────────

type WorkflowStore interface {
	ListWorkflows(ctx context.Context, namespace string) ([]models.Workflow, error)
	GetWorkflow(ctx context.Context, id string) (*models.Workflow, error)
	UpsertWorkflow(ctx context.Context, wf *models.Workflow) error
}

// ── Secret store ────────────────────────────────────────────

// SecretStore persists ciphertext only; encryption happens in the vault.
type SecretStore interface {
	// PutSecret appends a new version for (scope, key_name).
	PutSecret(ctx context.Context, secret *models.Secret) error

	// GetSecret returns the latest version for (scope, key_name).
	GetSecret(ctx context.Context, scope, keyName string) (*models.Secret, error)

	// ListSecrets returns the latest version of every key in scope.
	ListSecrets(ctx context.Context, scope string) ([]models.Secret, error)
}

// ── Run log ─────────────────────────────────────────────────

type RunStore interface {
	// AppendRun persists one orchestration run record (append-only).
	AppendRun(ctx context.Context, run *models.RunRecord) error

	// ListRuns returns the most recent runs for a namespace, newest first.
	ListRuns(ctx context.Context, namespace string, limit int) ([]models.RunRecord, error)
}

// ── Jobs ────────────────────────────────────────────────────

type JobStore interface {
	CreateJob(ctx context.Context, job *models.Job) error
	UpdateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}
