// Package workflow executes persisted workflow graphs: normalization,
// validation, the credential gate, and wave-parallel topological
// execution with branch-aware skipping.
package workflow

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/rs/zerolog/log"

	"github.com/gasable/hub/pkg/contracts"
	"github.com/gasable/hub/pkg/models"
)

const nodeTimeout = 60 * time.Second

// ToolRunner is the slice of the tool registry the engine needs.
type ToolRunner interface {
	Invoke(ctx context.Context, name string, args map[string]interface{}) (models.ToolResult, error)
	MissingKeys(ctx context.Context, name string) ([]string, error)
}

// Engine runs workflow graphs against a tool runner.
type Engine struct {
	tools ToolRunner
}

func NewEngine(tools ToolRunner) *Engine {
	return &Engine{tools: tools}
}

// Run validates the graph, gates on credentials, and executes it. With
// missing credentials no node runs at all; the result names the keys.
func (e *Engine) Run(ctx context.Context, wf *models.Workflow, inputs map[string]interface{}, rep contracts.StepReporter) (*models.WorkflowResult, error) {
	if rep == nil {
		rep = contracts.NopReporter{}
	}
	start := time.Now()

	g, err := buildGraph(&wf.Graph)
	if err != nil {
		return nil, err
	}

	if missing := e.missingCredentials(ctx, g); len(missing) > 0 {
		result := &models.WorkflowResult{
			Status:       "error",
			ErrorKind:    models.KindMissingCredential,
			Message:      "workflow requires credentials: " + strings.Join(missing, ", "),
			RequiredKeys: missing,
			ElapsedMS:    time.Since(start).Milliseconds(),
		}
		rep.Step("workflow_finished", map[string]interface{}{
			"status": result.Status, "required_keys": missing,
		})
		return result, nil
	}

	result := e.execute(ctx, g, inputs, rep)
	result.ElapsedMS = time.Since(start).Milliseconds()
	rep.Step("workflow_finished", map[string]interface{}{
		"status": result.Status, "visited": len(result.VisitOrder),
	})
	return result, nil
}

// ── Graph construction & validation ─────────────────────────

type graphNode struct {
	models.WorkflowNode
	kind     string // start | tool | mapper
	incoming []models.WorkflowEdge
	outgoing []models.WorkflowEdge
}

type execGraph struct {
	nodes map[string]*graphNode
	waves [][]string // topological waves, node ids sorted within each
	start string
}

// normalizeKind maps UI node type labels onto the three runtime kinds.
func normalizeKind(t string) (string, error) {
	switch strings.ToLower(t) {
	case "start", "startnode":
		return "start", nil
	case "tool", "toolnode", "agent", "agentnode":
		return "tool", nil
	case "mapper", "decision", "decisionnode":
		return "mapper", nil
	default:
		return "", models.E(models.KindBadRequest, "unknown node type: "+t)
	}
}

// buildGraph normalizes node kinds, checks the single-start and acyclic
// invariants, and precomputes topological waves with Kahn's algorithm.
func buildGraph(g *models.Graph) (*execGraph, error) {
	eg := &execGraph{nodes: make(map[string]*graphNode, len(g.Nodes))}
	for _, n := range g.Nodes {
		kind, err := normalizeKind(n.Type)
		if err != nil {
			return nil, err
		}
		if _, dup := eg.nodes[n.ID]; dup {
			return nil, models.E(models.KindBadRequest, "duplicate node id: "+n.ID)
		}
		eg.nodes[n.ID] = &graphNode{WorkflowNode: n, kind: kind}
		if kind == "start" {
			if eg.start != "" {
				return nil, models.E(models.KindBadRequest, "workflow must have exactly one start node")
			}
			eg.start = n.ID
		}
	}
	if eg.start == "" {
		return nil, models.E(models.KindBadRequest, "workflow must have exactly one start node")
	}

	indegree := make(map[string]int, len(eg.nodes))
	for _, e := range g.Edges {
		src, ok := eg.nodes[e.Source]
		if !ok {
			return nil, models.E(models.KindBadRequest, "edge source not found: "+e.Source)
		}
		dst, ok := eg.nodes[e.Target]
		if !ok {
			return nil, models.E(models.KindBadRequest, "edge target not found: "+e.Target)
		}
		src.outgoing = append(src.outgoing, e)
		dst.incoming = append(dst.incoming, e)
		indegree[e.Target]++
	}

	var frontier []string
	for id := range eg.nodes {
		if indegree[id] == 0 {
			frontier = append(frontier, id)
		}
	}
	visited := 0
	for len(frontier) > 0 {
		sort.Strings(frontier)
		eg.waves = append(eg.waves, frontier)
		var next []string
		for _, id := range frontier {
			visited++
			for _, e := range eg.nodes[id].outgoing {
				indegree[e.Target]--
				if indegree[e.Target] == 0 {
					next = append(next, e.Target)
				}
			}
		}
		frontier = next
	}
	if visited != len(eg.nodes) {
		return nil, models.E(models.KindBadRequest, "workflow graph contains a cycle")
	}
	return eg, nil
}

// missingCredentials collects the union of missing keys across all tool
// nodes, sorted and deduplicated.
func (e *Engine) missingCredentials(ctx context.Context, g *execGraph) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, wave := range g.waves {
		for _, id := range wave {
			n := g.nodes[id]
			if n.kind != "tool" || n.toolName() == "" {
				continue
			}
			missing, err := e.tools.MissingKeys(ctx, n.toolName())
			if err != nil {
				continue // unknown tools fail at execution, not at the gate
			}
			for _, key := range missing {
				if _, dup := seen[key]; !dup {
					seen[key] = struct{}{}
					out = append(out, key)
				}
			}
		}
	}
	sort.Strings(out)
	return out
}

// toolName resolves the tool reference from the node field or the graph
// editor's data keys.
func (n *graphNode) toolName() string {
	if n.Tool != "" {
		return n.Tool
	}
	if name, _ := n.Data["tool"].(string); name != "" {
		return name
	}
	name, _ := n.Data["toolName"].(string)
	return name
}

// ── Execution ───────────────────────────────────────────────

type runState struct {
	mu       sync.Mutex
	outputs  map[string]map[string]interface{}
	statuses map[string]string // ok | error | skipped
	branches map[string]string // mapper node id → selected handle
	results  []models.NodeResult
	visit    []string
	failed   string
	failKind models.ErrorKind
	failMsg  string
}

func (e *Engine) execute(ctx context.Context, g *execGraph, inputs map[string]interface{}, rep contracts.StepReporter) *models.WorkflowResult {
	if inputs == nil {
		inputs = map[string]interface{}{}
	}
	st := &runState{
		outputs:  make(map[string]map[string]interface{}),
		statuses: make(map[string]string),
		branches: make(map[string]string),
	}

	for _, wave := range g.waves {
		if st.failed != "" {
			break
		}
		var wg sync.WaitGroup
		for _, id := range wave {
			node := g.nodes[id]
			// Visit order follows the sorted wave, not goroutine timing.
			st.visit = append(st.visit, id)
			if e.shouldSkip(node, st) {
				st.mu.Lock()
				st.statuses[id] = "skipped"
				st.results = append(st.results, models.NodeResult{NodeID: id, Status: "skipped"})
				st.mu.Unlock()
				continue
			}
			wg.Add(1)
			go func(node *graphNode) {
				defer wg.Done()
				e.runNode(ctx, node, inputs, st, rep)
			}(node)
		}
		wg.Wait()
	}

	// Node results follow visit order regardless of goroutine timing.
	pos := make(map[string]int, len(st.visit))
	for i, id := range st.visit {
		pos[id] = i
	}
	sort.Slice(st.results, func(i, j int) bool {
		return pos[st.results[i].NodeID] < pos[st.results[j].NodeID]
	})

	result := &models.WorkflowResult{
		Status:     "ok",
		Nodes:      st.results,
		VisitOrder: st.visit,
	}
	if st.failed != "" {
		result.Status = "error"
		result.FailedNodeID = st.failed
		result.ErrorKind = st.failKind
		result.Message = st.failMsg
	}
	return result
}

// shouldSkip reports whether every path into the node is dead: parents
// skipped or failed, or a mapper chose the other branch.
func (e *Engine) shouldSkip(node *graphNode, st *runState) bool {
	if len(node.incoming) == 0 {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, edge := range node.incoming {
		if st.statuses[edge.Source] != "ok" {
			continue
		}
		if branch, isMapper := st.branches[edge.Source]; isMapper {
			if edge.SourceHandle == "" || edge.SourceHandle == branch {
				return false
			}
			continue
		}
		return false
	}
	return true
}

func (e *Engine) runNode(ctx context.Context, node *graphNode, inputs map[string]interface{}, st *runState, rep contracts.StepReporter) {
	rep.Step("node_started", map[string]interface{}{"node_id": node.ID, "type": node.kind})
	started := time.Now()

	output, branch, err := e.runNodeOnce(ctx, node, inputs, st)
	took := time.Since(started).Milliseconds()

	st.mu.Lock()
	if err != nil {
		st.statuses[node.ID] = "error"
		kind := models.KindOf(err)
		st.results = append(st.results, models.NodeResult{
			NodeID: node.ID, Status: "error", ErrorKind: kind,
			Error: err.Error(), DurationMS: took,
		})
		if onError(node) != "continue" && st.failed == "" {
			st.failed = node.ID
			st.failKind = kind
			st.failMsg = err.Error()
		}
		st.mu.Unlock()
		rep.Step("node_failed", map[string]interface{}{
			"node_id": node.ID, "error_kind": string(kind), "error": err.Error(),
		})
		return
	}
	st.statuses[node.ID] = "ok"
	st.outputs[node.ID] = output
	if branch != "" {
		st.branches[node.ID] = branch
	}
	st.results = append(st.results, models.NodeResult{
		NodeID: node.ID, Status: "ok", Output: output, DurationMS: took,
	})
	st.mu.Unlock()
	rep.Step("node_finished", map[string]interface{}{
		"node_id": node.ID, "duration_ms": took,
	})
}

// runNodeOnce executes a node with its retry budget. Branch is non-empty
// only for mappers.
func (e *Engine) runNodeOnce(ctx context.Context, node *graphNode, inputs map[string]interface{}, st *runState) (map[string]interface{}, string, error) {
	switch node.kind {
	case "start":
		return map[string]interface{}{"output": inputs}, "", nil
	case "mapper":
		return e.runMapper(node, inputs, st)
	}

	toolName := node.toolName()
	if toolName == "" {
		return nil, "", models.E(models.KindBadRequest, "tool node "+node.ID+" names no tool")
	}
	args := e.resolveParams(node, inputs, st)

	var lastErr error
	attempts := retries(node) + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			backoff := time.Duration(1<<(attempt-2)) * time.Second
			log.Debug().Str("node", node.ID).Int("attempt", attempt).Msg("retrying workflow node")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, "", models.Wrap(models.KindToolTimeout, "workflow canceled during retry", ctx.Err())
			}
		}
		nctx, cancel := context.WithTimeout(ctx, nodeTimeout)
		result, err := e.tools.Invoke(nctx, toolName, args)
		cancel()
		if err != nil {
			lastErr = err
			continue
		}
		if !result.OK() {
			msg, _ := result["error"].(string)
			lastErr = models.E(models.KindToolError, "tool "+toolName+" failed: "+msg)
			continue
		}
		return map[string]interface{}{"output": map[string]interface{}(result)}, "", nil
	}
	if models.KindOf(lastErr) == models.KindUpstreamTimeout {
		lastErr = models.Wrap(models.KindToolTimeout, "tool "+toolName+" timed out", lastErr)
	}
	return nil, "", lastErr
}

// ── Mapper conditions ───────────────────────────────────────

func (e *Engine) runMapper(node *graphNode, inputs map[string]interface{}, st *runState) (map[string]interface{}, string, error) {
	condition, _ := node.Data["condition"].(string)
	left := e.resolveValue(node.Data["left"], inputs, st)
	right := node.Data["right"]

	var outcome bool
	var err error
	switch condition {
	case "contains":
		outcome = strings.Contains(toString(left), toString(right))
	case "equals":
		outcome = toString(left) == toString(right)
	case "regex":
		var re *regexp.Regexp
		if re, err = regexp.Compile(toString(right)); err == nil {
			outcome = re.MatchString(toString(left))
		}
	case "greater":
		outcome = toFloat(left) > toFloat(right)
	case "less":
		outcome = toFloat(left) < toFloat(right)
	case "expr":
		program, _ := node.Data["expr"].(string)
		outcome, err = e.evalExpr(program, inputs, st)
	default:
		err = models.E(models.KindBadRequest, "mapper "+node.ID+" has unknown condition: "+condition)
	}
	if err != nil {
		return nil, "", models.Wrap(models.KindBadRequest, "mapper "+node.ID+" condition failed", err)
	}
	branch := "false"
	if outcome {
		branch = "true"
	}
	return map[string]interface{}{"output": map[string]interface{}{"result": outcome}}, branch, nil
}

// evalExpr runs an expr-lang program against the accumulated node outputs
// and the run inputs.
func (e *Engine) evalExpr(program string, inputs map[string]interface{}, st *runState) (bool, error) {
	if program == "" {
		return false, fmt.Errorf("empty expr program")
	}
	env := map[string]interface{}{"input": inputs}
	st.mu.Lock()
	for id, out := range st.outputs {
		env[id] = out
	}
	st.mu.Unlock()
	compiled, err := expr.Compile(program, expr.Env(env), expr.AsBool())
	if err != nil {
		return false, err
	}
	result, err := expr.Run(compiled, env)
	if err != nil {
		return false, err
	}
	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("expr did not evaluate to a boolean")
	}
	return b, nil
}

// ── Parameter templates ─────────────────────────────────────

// resolveParams materializes the node's params map, substituting
// "<node>.output" references with upstream outputs.
func (e *Engine) resolveParams(node *graphNode, inputs map[string]interface{}, st *runState) map[string]interface{} {
	raw, _ := node.Data["params"].(map[string]interface{})
	out := make(map[string]interface{}, len(raw))
	for k, v := range raw {
		out[k] = e.resolveValue(v, inputs, st)
	}
	return out
}

// resolveValue resolves reference strings of the form "X.output" or
// "X.output.field[.field...]" where X is a node id or "input". Anything
// else passes through untouched.
func (e *Engine) resolveValue(v interface{}, inputs map[string]interface{}, st *runState) interface{} {
	ref, ok := v.(string)
	if !ok {
		return v
	}
	parts := strings.Split(ref, ".")
	if len(parts) < 2 || parts[1] != "output" {
		if parts[0] == "input" && len(parts) > 1 {
			return dig(inputs, parts[1:])
		}
		return v
	}
	st.mu.Lock()
	source, found := st.outputs[parts[0]]
	st.mu.Unlock()
	if !found {
		return v
	}
	inner, _ := source["output"].(map[string]interface{})
	if len(parts) == 2 {
		if inner != nil {
			return inner
		}
		return source["output"]
	}
	return dig(inner, parts[2:])
}

func dig(m map[string]interface{}, path []string) interface{} {
	var cur interface{} = m
	for _, key := range path {
		node, ok := cur.(map[string]interface{})
		if !ok {
			return nil
		}
		cur = node[key]
	}
	return cur
}

// ── Node settings ───────────────────────────────────────────

func retries(node *graphNode) int {
	switch v := node.Data["retries"].(type) {
	case float64:
		if v > 0 {
			return int(v)
		}
	case int:
		if v > 0 {
			return v
		}
	}
	return 0
}

func onError(node *graphNode) string {
	mode, _ := node.Data["on_error"].(string)
	if mode == "continue" {
		return "continue"
	}
	return "fail_fast"
}

func toString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", s)
	}
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case string:
		var f float64
		fmt.Sscanf(n, "%g", &f)
		return f
	default:
		return 0
	}
}
