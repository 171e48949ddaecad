package store

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gasable/hub/pkg/models"
)

// MemoryStore is the in-memory Store used by tests and zero-config runs.
// Scoring mirrors the PostgreSQL lanes closely enough for the pipeline to
// behave identically: cosine similarity for vectors, token-frequency rank
// for BM25, substring match counts for ILIKE, trigram overlap for the
// similarity fallback.
type MemoryStore struct {
	mu        sync.RWMutex
	chunks    map[string]models.Chunk
	agents    map[string]models.Agent
	tools     map[string]models.ToolSpec
	workflows map[string]models.Workflow
	secrets   map[string][]models.Secret // scope\x00key → versions, ascending
	runs      []models.RunRecord
	jobs      map[string]models.Job
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chunks:    make(map[string]models.Chunk),
		agents:    make(map[string]models.Agent),
		tools:     make(map[string]models.ToolSpec),
		workflows: make(map[string]models.Workflow),
		secrets:   make(map[string][]models.Secret),
		jobs:      make(map[string]models.Job),
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error    { return nil }
func (s *MemoryStore) Migrate(ctx context.Context) error { return nil }
func (s *MemoryStore) Close() error                      { return nil }

// ── Chunks ──────────────────────────────────────────────────

func (s *MemoryStore) UpsertChunks(ctx context.Context, chunks []models.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range chunks {
		if c.AgentID == "" {
			c.AgentID = "default"
		}
		if c.Namespace == "" {
			c.Namespace = "global"
		}
		s.chunks[c.NodeID] = c
	}
	return nil
}

func (s *MemoryStore) FetchByIDs(ctx context.Context, ids []string) ([]models.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Chunk, 0, len(ids))
	for _, id := range ids {
		if c, ok := s.chunks[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func visible(c models.Chunk, agentID, ns string) bool {
	if c.Namespace != ns {
		return false
	}
	return c.AgentID == agentID || c.AgentID == "default"
}

func (s *MemoryStore) VectorTopK(ctx context.Context, vec []float64, k int, agentID, ns string) ([]models.Hit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var hits []models.Hit
	for _, c := range s.chunks {
		if !visible(c, agentID, ns) || len(c.Embedding) == 0 {
			continue
		}
		hits = append(hits, models.Hit{
			NodeID:   c.NodeID,
			Text:     c.Text,
			Score:    cosine(vec, c.Embedding),
			Metadata: c.Metadata,
		})
	}
	return top(hits, k), nil
}

func (s *MemoryStore) BM25TopK(ctx context.Context, query string, k int, agentID, ns string) ([]models.Hit, error) {
	terms := Tokenize(query, 0)
	if len(terms) == 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var hits []models.Hit
	for _, c := range s.chunks {
		if !visible(c, agentID, ns) {
			continue
		}
		docTokens := Tokenize(c.Text, 0)
		if len(docTokens) == 0 {
			continue
		}
		freq := make(map[string]int, len(docTokens))
		for _, t := range docTokens {
			freq[t]++
		}
		var score float64
		for _, t := range terms {
			score += float64(freq[t])
		}
		if score == 0 {
			continue
		}
		// Normalize by document length, like ts_rank_cd with default weights.
		score /= 1 + math.Log(float64(len(docTokens)))
		hits = append(hits, models.Hit{NodeID: c.NodeID, Text: c.Text, Score: score, Metadata: c.Metadata})
	}
	return top(hits, k), nil
}

func (s *MemoryStore) ILikeTopK(ctx context.Context, tokens []string, k int, agentID, ns string) ([]models.Hit, error) {
	if len(tokens) > 6 {
		tokens = tokens[:6]
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var hits []models.Hit
	for _, c := range s.chunks {
		if !visible(c, agentID, ns) {
			continue
		}
		lower := strings.ToLower(c.Text)
		var matched float64
		for _, t := range tokens {
			if t == "" {
				continue
			}
			if strings.Contains(lower, strings.ToLower(t)) {
				matched++
			}
		}
		if matched == 0 {
			continue
		}
		hits = append(hits, models.Hit{NodeID: c.NodeID, Text: c.Text, Score: matched, Metadata: c.Metadata})
	}
	return top(hits, k), nil
}

func (s *MemoryStore) TrigramTopK(ctx context.Context, query string, k int, agentID, ns string) ([]models.Hit, error) {
	qGrams := trigrams(query)
	if len(qGrams) == 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var hits []models.Hit
	for _, c := range s.chunks {
		if !visible(c, agentID, ns) {
			continue
		}
		score := trigramSimilarity(qGrams, trigrams(c.Text))
		if score <= 0 {
			continue
		}
		hits = append(hits, models.Hit{NodeID: c.NodeID, Text: c.Text, Score: score, Metadata: c.Metadata})
	}
	return top(hits, k), nil
}

func (s *MemoryStore) ListChunks(ctx context.Context, ns string, limit int) ([]models.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Chunk
	for _, c := range s.chunks {
		if c.Namespace != ns {
			continue
		}
		c.Embedding = nil
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) CountChunks(ctx context.Context, agentID, ns string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, c := range s.chunks {
		if visible(c, agentID, ns) {
			n++
		}
	}
	return n, nil
}

// ── Agents ──────────────────────────────────────────────────

func (s *MemoryStore) ListAgents(ctx context.Context, namespace string) ([]models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Agent
	for _, a := range s.agents {
		if namespace == "" || a.Namespace == namespace {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "agent", Key: id}
	}
	return &a, nil
}

func (s *MemoryStore) UpsertAgent(ctx context.Context, agent *models.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := *agent
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	a.UpdatedAt = time.Now().UTC()
	s.agents[a.ID] = a
	return nil
}

// ── Tools ───────────────────────────────────────────────────

func (s *MemoryStore) ListTools(ctx context.Context) ([]models.ToolSpec, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.ToolSpec, 0, len(s.tools))
	for _, t := range s.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) GetTool(ctx context.Context, name string) (*models.ToolSpec, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tools[name]
	if !ok {
		return nil, &ErrNotFound{Entity: "tool", Key: name}
	}
	return &t, nil
}

func (s *MemoryStore) UpsertTool(ctx context.Context, tool *models.ToolSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := *tool
	if t.InstalledAt.IsZero() {
		t.InstalledAt = time.Now().UTC()
	}
	s.tools[t.Name] = t
	return nil
}

// ── Workflows ───────────────────────────────────────────────

func (s *MemoryStore) ListWorkflows(ctx context.Context, namespace string) ([]models.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Workflow
	for _, w := range s.workflows {
		if namespace == "" || w.Namespace == namespace {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) GetWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workflows[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "workflow", Key: id}
	}
	return &w, nil
}

func (s *MemoryStore) UpsertWorkflow(ctx context.Context, wf *models.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := *wf
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	w.UpdatedAt = time.Now().UTC()
	s.workflows[w.ID] = w
	return nil
}

// ── Secrets ─────────────────────────────────────────────────

func secretKey(scope, keyName string) string { return scope + "\x00" + keyName }

func (s *MemoryStore) PutSecret(ctx context.Context, secret *models.Secret) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := secretKey(secret.Scope, secret.KeyName)
	sec := *secret
	sec.Version = len(s.secrets[key]) + 1
	if sec.CreatedAt.IsZero() {
		sec.CreatedAt = time.Now().UTC()
	}
	s.secrets[key] = append(s.secrets[key], sec)
	secret.Version = sec.Version
	return nil
}

func (s *MemoryStore) GetSecret(ctx context.Context, scope, keyName string) (*models.Secret, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := s.secrets[secretKey(scope, keyName)]
	if len(versions) == 0 {
		return nil, &ErrNotFound{Entity: "secret", Key: scope + "/" + keyName}
	}
	latest := versions[len(versions)-1]
	return &latest, nil
}

func (s *MemoryStore) ListSecrets(ctx context.Context, scope string) ([]models.Secret, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Secret
	for key, versions := range s.secrets {
		if len(versions) == 0 || !strings.HasPrefix(key, scope+"\x00") {
			continue
		}
		out = append(out, versions[len(versions)-1])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].KeyName < out[j].KeyName })
	return out, nil
}

// ── Runs ────────────────────────────────────────────────────

func (s *MemoryStore) AppendRun(ctx context.Context, run *models.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := *run
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	s.runs = append(s.runs, r)
	return nil
}

func (s *MemoryStore) ListRuns(ctx context.Context, namespace string, limit int) ([]models.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 100
	}
	var out []models.RunRecord
	for i := len(s.runs) - 1; i >= 0 && len(out) < limit; i-- {
		if namespace == "" || s.runs[i].Namespace == namespace {
			out = append(out, s.runs[i])
		}
	}
	return out, nil
}

// ── Jobs ────────────────────────────────────────────────────

func (s *MemoryStore) CreateJob(ctx context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := *job
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	j.UpdatedAt = j.CreatedAt
	s.jobs[j.ID] = j
	return nil
}

func (s *MemoryStore) UpdateJob(ctx context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return &ErrNotFound{Entity: "job", Key: job.ID}
	}
	j := *job
	j.UpdatedAt = time.Now().UTC()
	s.jobs[j.ID] = j
	return nil
}

func (s *MemoryStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "job", Key: id}
	}
	return &j, nil
}

// ── Scoring helpers ─────────────────────────────────────────

// Tokenize lowercases and splits on non-alphanumerics, dropping tokens of
// 2 characters or fewer. max 0 means unlimited.
func Tokenize(s string, max int) []string {
	var out []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 2 {
			out = append(out, strings.ToLower(cur.String()))
		}
		cur.Reset()
	}
	for _, r := range s {
		if isWordRune(r) {
			cur.WriteRune(r)
		} else {
			flush()
		}
		if max > 0 && len(out) >= max {
			return out
		}
	}
	flush()
	if max > 0 && len(out) > max {
		out = out[:max]
	}
	return out
}

func isWordRune(r rune) bool {
	return r == '_' ||
		(r >= '0' && r <= '9') ||
		(r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		(r >= 0x0600 && r <= 0x06FF) // Arabic block
}

func cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func trigrams(s string) map[string]struct{} {
	s = strings.ToLower(s)
	out := make(map[string]struct{})
	runes := []rune("  " + s + " ")
	for i := 0; i+3 <= len(runes); i++ {
		out[string(runes[i:i+3])] = struct{}{}
	}
	return out
}

// trigramSimilarity mirrors pg_trgm's similarity(): shared trigrams over
// the union.
func trigramSimilarity(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	var shared int
	for g := range a {
		if _, ok := b[g]; ok {
			shared++
		}
	}
	union := len(a) + len(b) - shared
	if union == 0 {
		return 0
	}
	return float64(shared) / float64(union)
}

// top sorts hits by score descending (node_id ascending on ties) and trims
// to k.
func top(hits []models.Hit, k int) []models.Hit {
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
