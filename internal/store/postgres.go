package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/gasable/hub/pkg/models"
)

// PostgresStore backs the hub with PostgreSQL + pgvector. The dense lane
// orders by the cosine operator so the HNSW index is usable; the lexical
// lanes use the generated tsv column, ILIKE, and pg_trgm respectively.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
	table  string
	dim    int
}

// NewPostgresStore connects to the database with a short backoff and
// returns a store bound to schema.table for the corpus.
func NewPostgresStore(ctx context.Context, url, schema, table string, dim int) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.HealthCheckPeriod = 30 * time.Second

	var pool *pgxpool.Pool
	connect := func() error {
		p, err := pgxpool.NewWithConfig(ctx, cfg)
		if err != nil {
			return err
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			return err
		}
		pool = p
		return nil
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	if err := backoff.Retry(connect, bo); err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if schema == "" {
		schema = "public"
	}
	if table == "" {
		table = "gasable_index"
	}
	return &PostgresStore{pool: pool, schema: schema, table: table, dim: dim}, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) corpus() string {
	return s.schema + "." + s.table
}

// Migrate creates the schema, tables, and indexes. Safe to run repeatedly.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		`CREATE EXTENSION IF NOT EXISTS pg_trgm`,
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, s.schema),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			node_id     TEXT PRIMARY KEY,
			text        TEXT NOT NULL,
			embedding   vector(%d),
			agent_id    TEXT NOT NULL DEFAULT 'default',
			namespace   TEXT NOT NULL DEFAULT 'global',
			chunk_index INT NOT NULL DEFAULT 0,
			metadata    JSONB NOT NULL DEFAULT '{}'::jsonb,
			tsv         tsvector GENERATED ALWAYS AS (to_tsvector('simple', coalesce(text, ''))) STORED
		)`, s.corpus(), s.dim),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_embedding_hnsw
			ON %s USING hnsw (embedding vector_cosine_ops)`, s.table, s.corpus()),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_tsv_gin
			ON %s USING gin (tsv)`, s.table, s.corpus()),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_text_trgm
			ON %s USING gin (text gin_trgm_ops)`, s.table, s.corpus()),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_agent_ns
			ON %s (agent_id, namespace)`, s.table, s.corpus()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.gasable_agents (
			id             TEXT PRIMARY KEY,
			display_name   TEXT NOT NULL,
			namespace      TEXT NOT NULL DEFAULT 'global',
			system_prompt  TEXT NOT NULL DEFAULT '',
			tool_allowlist JSONB NOT NULL DEFAULT '[]'::jsonb,
			answer_model   TEXT NOT NULL DEFAULT '',
			rerank_model   TEXT NOT NULL DEFAULT '',
			top_k          INT NOT NULL DEFAULT 6,
			assistant_id   TEXT NOT NULL DEFAULT '',
			api_key        TEXT NOT NULL DEFAULT '',
			rag_settings   JSONB,
			created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s.schema),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.gasable_workflows (
			id           TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			namespace    TEXT NOT NULL DEFAULT 'global',
			graph        JSONB NOT NULL,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s.schema),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.nodes (
			name          TEXT PRIMARY KEY,
			spec          JSONB NOT NULL,
			installed_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s.schema),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.secrets (
			scope      TEXT NOT NULL,
			key_name   TEXT NOT NULL,
			ciphertext BYTEA NOT NULL,
			version    INT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (scope, key_name, version)
		)`, s.schema),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.agent_runs (
			run_id         TEXT PRIMARY KEY,
			user_id        TEXT NOT NULL DEFAULT '',
			namespace      TEXT NOT NULL DEFAULT 'global',
			selected_agent TEXT NOT NULL,
			user_message   TEXT NOT NULL,
			tool_calls     JSONB NOT NULL DEFAULT '[]'::jsonb,
			result_summary TEXT NOT NULL DEFAULT '',
			elapsed_ms     BIGINT NOT NULL DEFAULT 0,
			created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s.schema),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS agent_runs_ns_created
			ON %s.agent_runs (namespace, created_at DESC)`, s.schema),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.jobs (
			id         TEXT PRIMARY KEY,
			status     TEXT NOT NULL,
			steps      JSONB NOT NULL DEFAULT '[]'::jsonb,
			result     JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s.schema),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	log.Info().Str("table", s.corpus()).Int("dim", s.dim).Msg("📦 schema ready")
	return nil
}

// ── Chunks ──────────────────────────────────────────────────

func (s *PostgresStore) UpsertChunks(ctx context.Context, chunks []models.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	sql := fmt.Sprintf(`INSERT INTO %s (node_id, text, embedding, agent_id, namespace, chunk_index, metadata)
		VALUES ($1, $2, $3::vector, $4, $5, $6, $7)
		ON CONFLICT (node_id) DO UPDATE SET
			text = EXCLUDED.text,
			embedding = EXCLUDED.embedding,
			agent_id = EXCLUDED.agent_id,
			namespace = EXCLUDED.namespace,
			chunk_index = EXCLUDED.chunk_index,
			metadata = EXCLUDED.metadata`, s.corpus())
	for _, c := range chunks {
		agentID := c.AgentID
		if agentID == "" {
			agentID = "default"
		}
		ns := c.Namespace
		if ns == "" {
			ns = "global"
		}
		meta, err := json.Marshal(c.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata for %s: %w", c.NodeID, err)
		}
		if c.Metadata == nil {
			meta = []byte("{}")
		}
		batch.Queue(sql, c.NodeID, c.Text, pgvectorValue(c.Embedding), agentID, ns, c.ChunkIndex, meta)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range chunks {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("upsert chunk: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) FetchByIDs(ctx context.Context, ids []string) ([]models.Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT node_id, text, agent_id, namespace, chunk_index, metadata FROM %s WHERE node_id = ANY($1)`,
		s.corpus()), ids)
	if err != nil {
		return nil, fmt.Errorf("fetch chunks: %w", err)
	}
	defer rows.Close()
	var out []models.Chunk
	for rows.Next() {
		var c models.Chunk
		var meta []byte
		if err := rows.Scan(&c.NodeID, &c.Text, &c.AgentID, &c.Namespace, &c.ChunkIndex, &meta); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(meta, &c.Metadata)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) VectorTopK(ctx context.Context, vec []float64, k int, agentID, ns string) ([]models.Hit, error) {
	sql := fmt.Sprintf(`SELECT node_id, text, 1 - (embedding <=> $1::vector) AS score, metadata
		FROM %s
		WHERE embedding IS NOT NULL
		  AND (agent_id = $2 OR agent_id = 'default')
		  AND namespace = $3
		ORDER BY embedding <=> $1::vector
		LIMIT $4`, s.corpus())
	return s.queryHits(ctx, sql, pgvectorArray(vec), agentID, ns, k)
}

func (s *PostgresStore) BM25TopK(ctx context.Context, query string, k int, agentID, ns string) ([]models.Hit, error) {
	sql := fmt.Sprintf(`SELECT node_id, text, ts_rank_cd(tsv, plainto_tsquery('simple', $1)) AS score, metadata
		FROM %s
		WHERE tsv @@ plainto_tsquery('simple', $1)
		  AND (agent_id = $2 OR agent_id = 'default')
		  AND namespace = $3
		ORDER BY score DESC, node_id
		LIMIT $4`, s.corpus())
	return s.queryHits(ctx, sql, query, agentID, ns, k)
}

func (s *PostgresStore) ILikeTopK(ctx context.Context, tokens []string, k int, agentID, ns string) ([]models.Hit, error) {
	if len(tokens) > 6 {
		tokens = tokens[:6]
	}
	if len(tokens) == 0 {
		return nil, nil
	}
	// One ILIKE term per token; the score is the number of matched tokens.
	var conds, scores []string
	args := []interface{}{agentID, ns, k}
	for _, t := range tokens {
		args = append(args, "%"+t+"%")
		p := "$" + strconv.Itoa(len(args))
		conds = append(conds, "text ILIKE "+p)
		scores = append(scores, "(CASE WHEN text ILIKE "+p+" THEN 1 ELSE 0 END)")
	}
	sql := fmt.Sprintf(`SELECT node_id, text, (%s)::float8 AS score, metadata
		FROM %s
		WHERE (%s)
		  AND (agent_id = $1 OR agent_id = 'default')
		  AND namespace = $2
		ORDER BY score DESC, node_id
		LIMIT $3`, strings.Join(scores, " + "), s.corpus(), strings.Join(conds, " OR "))
	return s.queryHits(ctx, sql, args...)
}

func (s *PostgresStore) TrigramTopK(ctx context.Context, query string, k int, agentID, ns string) ([]models.Hit, error) {
	sql := fmt.Sprintf(`SELECT node_id, text, similarity(text, $1)::float8 AS score, metadata
		FROM %s
		WHERE text %% $1
		  AND (agent_id = $2 OR agent_id = 'default')
		  AND namespace = $3
		ORDER BY score DESC, node_id
		LIMIT $4`, s.corpus())
	return s.queryHits(ctx, sql, query, agentID, ns, k)
}

func (s *PostgresStore) ListChunks(ctx context.Context, ns string, limit int) ([]models.Chunk, error) {
	if limit <= 0 {
		limit = 5000
	}
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT node_id, text, agent_id, namespace, chunk_index, metadata
		FROM %s WHERE namespace = $1 ORDER BY node_id LIMIT $2`, s.corpus()), ns, limit)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	defer rows.Close()
	var out []models.Chunk
	for rows.Next() {
		var c models.Chunk
		var meta []byte
		if err := rows.Scan(&c.NodeID, &c.Text, &c.AgentID, &c.Namespace, &c.ChunkIndex, &meta); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(meta, &c.Metadata)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CountChunks(ctx context.Context, agentID, ns string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT count(*) FROM %s WHERE (agent_id = $1 OR agent_id = 'default') AND namespace = $2`,
		s.corpus()), agentID, ns).Scan(&n)
	return n, err
}

func (s *PostgresStore) queryHits(ctx context.Context, sql string, args ...interface{}) ([]models.Hit, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query hits: %w", err)
	}
	defer rows.Close()
	var out []models.Hit
	for rows.Next() {
		var h models.Hit
		var meta []byte
		if err := rows.Scan(&h.NodeID, &h.Text, &h.Score, &meta); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(meta, &h.Metadata)
		out = append(out, h)
	}
	return out, rows.Err()
}

// ── Agents ──────────────────────────────────────────────────

func (s *PostgresStore) ListAgents(ctx context.Context, namespace string) ([]models.Agent, error) {
	sql := fmt.Sprintf(`SELECT id, display_name, namespace, system_prompt, tool_allowlist,
			answer_model, rerank_model, top_k, assistant_id, api_key, rag_settings, created_at, updated_at
		FROM %s.gasable_agents`, s.schema)
	args := []interface{}{}
	if namespace != "" {
		sql += ` WHERE namespace = $1`
		args = append(args, namespace)
	}
	sql += ` ORDER BY id`
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()
	var out []models.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT id, display_name, namespace, system_prompt, tool_allowlist,
			answer_model, rerank_model, top_k, assistant_id, api_key, rag_settings, created_at, updated_at
		FROM %s.gasable_agents WHERE id = $1`, s.schema), id)
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, &ErrNotFound{Entity: "agent", Key: id}
	}
	return scanAgent(rows)
}

func scanAgent(rows pgx.Rows) (*models.Agent, error) {
	var a models.Agent
	var allowlist, ragSettings []byte
	if err := rows.Scan(&a.ID, &a.DisplayName, &a.Namespace, &a.SystemPrompt, &allowlist,
		&a.AnswerModel, &a.RerankModel, &a.TopK, &a.AssistantID, &a.APIKey, &ragSettings,
		&a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	_ = json.Unmarshal(allowlist, &a.ToolAllowlist)
	if len(ragSettings) > 0 {
		var ov models.RetrievalOverrides
		if json.Unmarshal(ragSettings, &ov) == nil {
			a.RAGSettings = &ov
		}
	}
	return &a, nil
}

func (s *PostgresStore) UpsertAgent(ctx context.Context, agent *models.Agent) error {
	allowlist, _ := json.Marshal(agent.ToolAllowlist)
	if agent.ToolAllowlist == nil {
		allowlist = []byte("[]")
	}
	var ragSettings interface{}
	if agent.RAGSettings != nil {
		b, err := json.Marshal(agent.RAGSettings)
		if err != nil {
			return fmt.Errorf("marshal rag settings: %w", err)
		}
		ragSettings = b
	}
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`INSERT INTO %s.gasable_agents
			(id, display_name, namespace, system_prompt, tool_allowlist, answer_model, rerank_model,
			 top_k, assistant_id, api_key, rag_settings)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			namespace = EXCLUDED.namespace,
			system_prompt = EXCLUDED.system_prompt,
			tool_allowlist = EXCLUDED.tool_allowlist,
			answer_model = EXCLUDED.answer_model,
			rerank_model = EXCLUDED.rerank_model,
			top_k = EXCLUDED.top_k,
			assistant_id = EXCLUDED.assistant_id,
			api_key = EXCLUDED.api_key,
			rag_settings = EXCLUDED.rag_settings,
			updated_at = now()`, s.schema),
		agent.ID, agent.DisplayName, agent.Namespace, agent.SystemPrompt, allowlist,
		agent.AnswerModel, agent.RerankModel, agent.TopK, agent.AssistantID, agent.APIKey, ragSettings)
	if err != nil {
		return fmt.Errorf("upsert agent: %w", err)
	}
	return nil
}

// ── Tools ───────────────────────────────────────────────────

func (s *PostgresStore) ListTools(ctx context.Context) ([]models.ToolSpec, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT spec, installed_at FROM %s.nodes ORDER BY name`, s.schema))
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	defer rows.Close()
	var out []models.ToolSpec
	for rows.Next() {
		var spec []byte
		var installedAt time.Time
		if err := rows.Scan(&spec, &installedAt); err != nil {
			return nil, err
		}
		var t models.ToolSpec
		if err := json.Unmarshal(spec, &t); err != nil {
			return nil, fmt.Errorf("decode tool spec: %w", err)
		}
		t.InstalledAt = installedAt
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetTool(ctx context.Context, name string) (*models.ToolSpec, error) {
	var spec []byte
	var installedAt time.Time
	err := s.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT spec, installed_at FROM %s.nodes WHERE name = $1`, s.schema), name).
		Scan(&spec, &installedAt)
	if err == pgx.ErrNoRows {
		return nil, &ErrNotFound{Entity: "tool", Key: name}
	}
	if err != nil {
		return nil, fmt.Errorf("get tool: %w", err)
	}
	var t models.ToolSpec
	if err := json.Unmarshal(spec, &t); err != nil {
		return nil, fmt.Errorf("decode tool spec: %w", err)
	}
	t.InstalledAt = installedAt
	return &t, nil
}

func (s *PostgresStore) UpsertTool(ctx context.Context, tool *models.ToolSpec) error {
	spec, err := json.Marshal(tool)
	if err != nil {
		return fmt.Errorf("marshal tool spec: %w", err)
	}
	_, err = s.pool.Exec(ctx, fmt.Sprintf(`INSERT INTO %s.nodes (name, spec)
		VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET spec = EXCLUDED.spec`, s.schema),
		tool.Name, spec)
	if err != nil {
		return fmt.Errorf("upsert tool: %w", err)
	}
	return nil
}

// ── Workflows ───────────────────────────────────────────────

func (s *PostgresStore) ListWorkflows(ctx context.Context, namespace string) ([]models.Workflow, error) {
	sql := fmt.Sprintf(`SELECT id, display_name, namespace, graph, created_at, updated_at
		FROM %s.gasable_workflows`, s.schema)
	args := []interface{}{}
	if namespace != "" {
		sql += ` WHERE namespace = $1`
		args = append(args, namespace)
	}
	sql += ` ORDER BY id`
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()
	var out []models.Workflow
	for rows.Next() {
		var w models.Workflow
		var graph []byte
		if err := rows.Scan(&w.ID, &w.DisplayName, &w.Namespace, &graph, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(graph, &w.Graph); err != nil {
			return nil, fmt.Errorf("decode workflow graph: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	var w models.Workflow
	var graph []byte
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT id, display_name, namespace, graph, created_at, updated_at
		FROM %s.gasable_workflows WHERE id = $1`, s.schema), id).
		Scan(&w.ID, &w.DisplayName, &w.Namespace, &graph, &w.CreatedAt, &w.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, &ErrNotFound{Entity: "workflow", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	if err := json.Unmarshal(graph, &w.Graph); err != nil {
		return nil, fmt.Errorf("decode workflow graph: %w", err)
	}
	return &w, nil
}

func (s *PostgresStore) UpsertWorkflow(ctx context.Context, wf *models.Workflow) error {
	graph, err := json.Marshal(wf.Graph)
	if err != nil {
		return fmt.Errorf("marshal workflow graph: %w", err)
	}
	_, err = s.pool.Exec(ctx, fmt.Sprintf(`INSERT INTO %s.gasable_workflows
			(id, display_name, namespace, graph)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			namespace = EXCLUDED.namespace,
			graph = EXCLUDED.graph,
			updated_at = now()`, s.schema),
		wf.ID, wf.DisplayName, wf.Namespace, graph)
	if err != nil {
		return fmt.Errorf("upsert workflow: %w", err)
	}
	return nil
}

// ── Secrets ─────────────────────────────────────────────────

func (s *PostgresStore) PutSecret(ctx context.Context, secret *models.Secret) error {
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`INSERT INTO %s.secrets (scope, key_name, ciphertext, version)
		VALUES ($1, $2, $3,
			(SELECT COALESCE(MAX(version), 0) + 1 FROM %s.secrets WHERE scope = $1 AND key_name = $2))
		RETURNING version`, s.schema, s.schema),
		secret.Scope, secret.KeyName, secret.Ciphertext).Scan(&secret.Version)
	if err != nil {
		return fmt.Errorf("put secret: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSecret(ctx context.Context, scope, keyName string) (*models.Secret, error) {
	var sec models.Secret
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT scope, key_name, ciphertext, version, created_at
		FROM %s.secrets WHERE scope = $1 AND key_name = $2
		ORDER BY version DESC LIMIT 1`, s.schema), scope, keyName).
		Scan(&sec.Scope, &sec.KeyName, &sec.Ciphertext, &sec.Version, &sec.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, &ErrNotFound{Entity: "secret", Key: scope + "/" + keyName}
	}
	if err != nil {
		return nil, fmt.Errorf("get secret: %w", err)
	}
	return &sec, nil
}

func (s *PostgresStore) ListSecrets(ctx context.Context, scope string) ([]models.Secret, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT DISTINCT ON (key_name)
			scope, key_name, ciphertext, version, created_at
		FROM %s.secrets WHERE scope = $1
		ORDER BY key_name, version DESC`, s.schema), scope)
	if err != nil {
		return nil, fmt.Errorf("list secrets: %w", err)
	}
	defer rows.Close()
	var out []models.Secret
	for rows.Next() {
		var sec models.Secret
		if err := rows.Scan(&sec.Scope, &sec.KeyName, &sec.Ciphertext, &sec.Version, &sec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, sec)
	}
	return out, rows.Err()
}

// ── Runs ────────────────────────────────────────────────────

func (s *PostgresStore) AppendRun(ctx context.Context, run *models.RunRecord) error {
	calls, _ := json.Marshal(run.ToolCalls)
	if run.ToolCalls == nil {
		calls = []byte("[]")
	}
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`INSERT INTO %s.agent_runs
			(run_id, user_id, namespace, selected_agent, user_message, tool_calls, result_summary, elapsed_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`, s.schema),
		run.RunID, run.UserID, run.Namespace, run.SelectedAgent, run.UserMessage,
		calls, run.ResultSummary, run.ElapsedMS)
	if err != nil {
		return fmt.Errorf("append run: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, namespace string, limit int) ([]models.RunRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	sql := fmt.Sprintf(`SELECT run_id, user_id, namespace, selected_agent, user_message,
			tool_calls, result_summary, elapsed_ms, created_at
		FROM %s.agent_runs`, s.schema)
	args := []interface{}{}
	if namespace != "" {
		sql += ` WHERE namespace = $1`
		args = append(args, namespace)
	}
	args = append(args, limit)
	sql += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args))
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	var out []models.RunRecord
	for rows.Next() {
		var r models.RunRecord
		var calls []byte
		if err := rows.Scan(&r.RunID, &r.UserID, &r.Namespace, &r.SelectedAgent, &r.UserMessage,
			&calls, &r.ResultSummary, &r.ElapsedMS, &r.CreatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(calls, &r.ToolCalls)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ── Jobs ────────────────────────────────────────────────────

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	steps, _ := json.Marshal(job.Steps)
	if job.Steps == nil {
		steps = []byte("[]")
	}
	var result interface{}
	if job.Result != nil {
		result, _ = json.Marshal(job.Result)
	}
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`INSERT INTO %s.jobs (id, status, steps, result)
		VALUES ($1, $2, $3, $4)`, s.schema),
		job.ID, job.Status, steps, result)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateJob(ctx context.Context, job *models.Job) error {
	steps, _ := json.Marshal(job.Steps)
	if job.Steps == nil {
		steps = []byte("[]")
	}
	var result interface{}
	if job.Result != nil {
		result, _ = json.Marshal(job.Result)
	}
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`UPDATE %s.jobs
		SET status = $2, steps = $3, result = $4, updated_at = now()
		WHERE id = $1`, s.schema),
		job.ID, job.Status, steps, result)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "job", Key: job.ID}
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	var j models.Job
	var steps, result []byte
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT id, status, steps, result, created_at, updated_at
		FROM %s.jobs WHERE id = $1`, s.schema), id).
		Scan(&j.ID, &j.Status, &steps, &result, &j.CreatedAt, &j.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, &ErrNotFound{Entity: "job", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	_ = json.Unmarshal(steps, &j.Steps)
	if len(result) > 0 {
		_ = json.Unmarshal(result, &j.Result)
	}
	return &j, nil
}

// pgvectorValue binds a float slice as a vector parameter. Text-only
// chunks carry no embedding; pgvector rejects the zero-dimension literal,
// so those bind as SQL NULL.
func pgvectorValue(vec []float64) interface{} {
	if len(vec) == 0 {
		return nil
	}
	return pgvectorArray(vec)
}

// pgvectorArray renders a float slice as the pgvector text literal
// "[1,2,3]".
func pgvectorArray(vec []float64) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(v, 'f', -1, 64))
	}
	b.WriteByte(']')
	return b.String()
}
