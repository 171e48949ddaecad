package workflow

import (
	"context"
	"reflect"
	"sync"
	"testing"

	"github.com/gasable/hub/pkg/models"
)

// fakeRunner is a scriptable ToolRunner that records invocations.
type fakeRunner struct {
	mu      sync.Mutex
	invoked []string
	args    map[string]map[string]interface{}
	missing map[string][]string
	fail    map[string]int // tool name → remaining failures before success
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		args:    make(map[string]map[string]interface{}),
		missing: make(map[string][]string),
		fail:    make(map[string]int),
	}
}

func (f *fakeRunner) Invoke(ctx context.Context, name string, args map[string]interface{}) (models.ToolResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invoked = append(f.invoked, name)
	f.args[name] = args
	if f.fail[name] > 0 {
		f.fail[name]--
		return models.ToolResult{"status": "error", "error": "transient"}, nil
	}
	return models.ToolResult{"status": "ok", "tool": name}, nil
}

func (f *fakeRunner) MissingKeys(ctx context.Context, name string) ([]string, error) {
	return f.missing[name], nil
}

func (f *fakeRunner) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.invoked...)
}

func startNode(id string) models.WorkflowNode {
	return models.WorkflowNode{ID: id, Type: "startNode"}
}

func toolNode(id, tool string, data map[string]interface{}) models.WorkflowNode {
	if data == nil {
		data = map[string]interface{}{}
	}
	return models.WorkflowNode{ID: id, Type: "toolNode", Tool: tool, Data: data}
}

func edge(src, dst, handle string) models.WorkflowEdge {
	return models.WorkflowEdge{ID: src + "->" + dst, Source: src, Target: dst, SourceHandle: handle}
}

func wf(nodes []models.WorkflowNode, edges []models.WorkflowEdge) *models.Workflow {
	return &models.Workflow{
		ID: "wf-test", DisplayName: "test", Namespace: "global",
		Graph: models.Graph{Nodes: nodes, Edges: edges},
	}
}

func TestRunLinearGraph(t *testing.T) {
	runner := newFakeRunner()
	e := NewEngine(runner)

	result, err := e.Run(context.Background(), wf(
		[]models.WorkflowNode{
			startNode("start"),
			toolNode("fetch", "web.fetch", nil),
			toolNode("notify", "gmail.send", nil),
		},
		[]models.WorkflowEdge{edge("start", "fetch", ""), edge("fetch", "notify", "")},
	), map[string]interface{}{"q": "diesel"}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != "ok" {
		t.Fatalf("status = %s: %s", result.Status, result.Message)
	}
	want := []string{"start", "fetch", "notify"}
	if !reflect.DeepEqual(result.VisitOrder, want) {
		t.Errorf("visit order = %v, want %v", result.VisitOrder, want)
	}
	if got := runner.calls(); !reflect.DeepEqual(got, []string{"web.fetch", "gmail.send"}) {
		t.Errorf("invoked = %v", got)
	}
	if len(result.Nodes) != 3 {
		t.Fatalf("node results = %d, want 3", len(result.Nodes))
	}
	for _, nr := range result.Nodes {
		if nr.Status != "ok" {
			t.Errorf("node %s status = %s", nr.NodeID, nr.Status)
		}
	}
}

func TestCredentialGateBlocksAllExecution(t *testing.T) {
	runner := newFakeRunner()
	runner.missing["gmail.send"] = []string{"GOOGLE_CLIENT_SECRET", "GOOGLE_CLIENT_ID"}
	runner.missing["slack.post"] = []string{"SLACK_BOT_TOKEN", "GOOGLE_CLIENT_ID"}
	e := NewEngine(runner)

	result, err := e.Run(context.Background(), wf(
		[]models.WorkflowNode{
			startNode("start"),
			toolNode("mail", "gmail.send", nil),
			toolNode("chat", "slack.post", nil),
		},
		[]models.WorkflowEdge{edge("start", "mail", ""), edge("mail", "chat", "")},
	), nil, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != "error" || result.ErrorKind != models.KindMissingCredential {
		t.Errorf("status=%s kind=%s, want error/MissingCredential", result.Status, result.ErrorKind)
	}
	want := []string{"GOOGLE_CLIENT_ID", "GOOGLE_CLIENT_SECRET", "SLACK_BOT_TOKEN"}
	if !reflect.DeepEqual(result.RequiredKeys, want) {
		t.Errorf("required keys = %v, want sorted union %v", result.RequiredKeys, want)
	}
	if calls := runner.calls(); len(calls) != 0 {
		t.Errorf("nodes executed despite missing credentials: %v", calls)
	}
	if len(result.Nodes) != 0 {
		t.Errorf("node results = %v, want none", result.Nodes)
	}
}

func TestToolResolvedFromNodeData(t *testing.T) {
	runner := newFakeRunner()
	e := NewEngine(runner)

	// Builder-produced graphs carry the tool in node data rather than the
	// top-level field, under either key.
	nodes := []models.WorkflowNode{
		startNode("start"),
		{ID: "fetch", Type: "toolNode", Data: map[string]interface{}{"tool": "web.fetch"}},
		{ID: "mail", Type: "toolNode", Data: map[string]interface{}{"toolName": "gmail.send"}},
	}
	edges := []models.WorkflowEdge{edge("start", "fetch", ""), edge("fetch", "mail", "")}

	result, err := e.Run(context.Background(), wf(nodes, edges), nil, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != "ok" {
		t.Fatalf("status = %s: %s", result.Status, result.Message)
	}
	if got := runner.calls(); !reflect.DeepEqual(got, []string{"web.fetch", "gmail.send"}) {
		t.Errorf("invoked = %v, want both data-declared tools", got)
	}
}

func TestCredentialGateSeesDataDeclaredTool(t *testing.T) {
	runner := newFakeRunner()
	runner.missing["gmail.send"] = []string{"GOOGLE_CLIENT_ID"}
	e := NewEngine(runner)

	result, err := e.Run(context.Background(), wf(
		[]models.WorkflowNode{
			startNode("start"),
			{ID: "mail", Type: "toolNode", Data: map[string]interface{}{"toolName": "gmail.send"}},
		},
		[]models.WorkflowEdge{edge("start", "mail", "")},
	), nil, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != "error" || result.ErrorKind != models.KindMissingCredential {
		t.Errorf("status=%s kind=%s, want error/MissingCredential", result.Status, result.ErrorKind)
	}
	if calls := runner.calls(); len(calls) != 0 {
		t.Errorf("node executed despite missing credentials: %v", calls)
	}
}

func TestMapperBranchSkipsOtherArm(t *testing.T) {
	runner := newFakeRunner()
	e := NewEngine(runner)

	nodes := []models.WorkflowNode{
		startNode("start"),
		{ID: "decide", Type: "decisionNode", Data: map[string]interface{}{
			"condition": "contains",
			"left":      "input.topic",
			"right":     "diesel",
		}},
		toolNode("yes", "orders.place", nil),
		toolNode("no", "gmail.send", nil),
	}
	edges := []models.WorkflowEdge{
		edge("start", "decide", ""),
		edge("decide", "yes", "true"),
		edge("decide", "no", "false"),
	}

	result, err := e.Run(context.Background(), wf(nodes, edges),
		map[string]interface{}{"topic": "diesel delivery"}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != "ok" {
		t.Fatalf("status = %s: %s", result.Status, result.Message)
	}
	statuses := map[string]string{}
	for _, nr := range result.Nodes {
		statuses[nr.NodeID] = nr.Status
	}
	if statuses["yes"] != "ok" {
		t.Errorf("true branch status = %s, want ok", statuses["yes"])
	}
	if statuses["no"] != "skipped" {
		t.Errorf("false branch status = %s, want skipped", statuses["no"])
	}
	if got := runner.calls(); !reflect.DeepEqual(got, []string{"orders.place"}) {
		t.Errorf("invoked = %v, want only the true branch", got)
	}
}

func TestExprCondition(t *testing.T) {
	runner := newFakeRunner()
	e := NewEngine(runner)

	nodes := []models.WorkflowNode{
		startNode("start"),
		{ID: "decide", Type: "mapper", Data: map[string]interface{}{
			"condition": "expr",
			"expr":      `input.amount > 100`,
		}},
		toolNode("big", "orders.place", nil),
		toolNode("small", "gmail.send", nil),
	}
	edges := []models.WorkflowEdge{
		edge("start", "decide", ""),
		edge("decide", "big", "true"),
		edge("decide", "small", "false"),
	}

	result, err := e.Run(context.Background(), wf(nodes, edges),
		map[string]interface{}{"amount": 250.0}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := runner.calls(); !reflect.DeepEqual(got, []string{"orders.place"}) {
		t.Errorf("invoked = %v, want only orders.place", got)
	}
	if result.Status != "ok" {
		t.Errorf("status = %s: %s", result.Status, result.Message)
	}
}

func TestParamReferenceResolution(t *testing.T) {
	runner := newFakeRunner()
	e := NewEngine(runner)

	nodes := []models.WorkflowNode{
		startNode("start"),
		toolNode("fetch", "web.fetch", nil),
		toolNode("mail", "gmail.send", map[string]interface{}{
			"params": map[string]interface{}{
				"body":    "fetch.output.tool",
				"subject": "input.subject",
				"static":  "unchanged",
			},
		}),
	}
	edges := []models.WorkflowEdge{edge("start", "fetch", ""), edge("fetch", "mail", "")}

	_, err := e.Run(context.Background(), wf(nodes, edges),
		map[string]interface{}{"subject": "report"}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := runner.args["gmail.send"]
	if got["body"] != "web.fetch" {
		t.Errorf(`body = %v, want the upstream output field "web.fetch"`, got["body"])
	}
	if got["subject"] != "report" {
		t.Errorf("subject = %v, want report", got["subject"])
	}
	if got["static"] != "unchanged" {
		t.Errorf("static = %v, want passthrough", got["static"])
	}
}

func TestFailFastStopsDownstream(t *testing.T) {
	runner := newFakeRunner()
	runner.fail["web.fetch"] = 100
	e := NewEngine(runner)

	result, err := e.Run(context.Background(), wf(
		[]models.WorkflowNode{
			startNode("start"),
			toolNode("fetch", "web.fetch", nil),
			toolNode("mail", "gmail.send", nil),
		},
		[]models.WorkflowEdge{edge("start", "fetch", ""), edge("fetch", "mail", "")},
	), nil, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != "error" || result.FailedNodeID != "fetch" {
		t.Errorf("status=%s failed=%s, want error/fetch", result.Status, result.FailedNodeID)
	}
	for _, call := range runner.calls() {
		if call == "gmail.send" {
			t.Error("downstream node ran after fail_fast failure")
		}
	}
}

func TestOnErrorContinue(t *testing.T) {
	runner := newFakeRunner()
	runner.fail["web.fetch"] = 100
	e := NewEngine(runner)

	result, err := e.Run(context.Background(), wf(
		[]models.WorkflowNode{
			startNode("start"),
			toolNode("fetch", "web.fetch", map[string]interface{}{"on_error": "continue"}),
			toolNode("mail", "gmail.send", nil),
		},
		[]models.WorkflowEdge{edge("start", "fetch", ""), edge("fetch", "mail", "")},
	), nil, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != "ok" {
		t.Errorf("status = %s, want ok with on_error continue", result.Status)
	}
	statuses := map[string]string{}
	for _, nr := range result.Nodes {
		statuses[nr.NodeID] = nr.Status
	}
	if statuses["fetch"] != "error" {
		t.Errorf("fetch status = %s, want error", statuses["fetch"])
	}
	if statuses["mail"] != "skipped" {
		t.Errorf("mail status = %s, want skipped (its only parent failed)", statuses["mail"])
	}
}

func TestRetriesEventuallySucceed(t *testing.T) {
	runner := newFakeRunner()
	runner.fail["web.fetch"] = 1
	e := NewEngine(runner)

	result, err := e.Run(context.Background(), wf(
		[]models.WorkflowNode{
			startNode("start"),
			toolNode("fetch", "web.fetch", map[string]interface{}{"retries": 2.0}),
		},
		[]models.WorkflowEdge{edge("start", "fetch", "")},
	), nil, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != "ok" {
		t.Errorf("status = %s, want ok after retry", result.Status)
	}
	if got := len(runner.calls()); got != 2 {
		t.Errorf("invocations = %d, want 2 (one failure, one success)", got)
	}
}

func TestVisitOrderDeterministic(t *testing.T) {
	runner := newFakeRunner()
	e := NewEngine(runner)

	// A diamond with parallel middle nodes exercises wave ordering.
	nodes := []models.WorkflowNode{
		startNode("a-start"),
		toolNode("b1", "web.fetch", nil),
		toolNode("b2", "orders.place", nil),
		toolNode("c-join", "gmail.send", nil),
	}
	edges := []models.WorkflowEdge{
		edge("a-start", "b1", ""), edge("a-start", "b2", ""),
		edge("b1", "c-join", ""), edge("b2", "c-join", ""),
	}

	var first []string
	for i := 0; i < 10; i++ {
		result, err := e.Run(context.Background(), wf(nodes, edges), nil, nil)
		if err != nil {
			t.Fatalf("Run #%d: %v", i, err)
		}
		if i == 0 {
			first = result.VisitOrder
			continue
		}
		if !reflect.DeepEqual(result.VisitOrder, first) {
			t.Fatalf("run #%d visit order %v differs from %v", i, result.VisitOrder, first)
		}
	}
	want := []string{"a-start", "b1", "b2", "c-join"}
	if !reflect.DeepEqual(first, want) {
		t.Errorf("visit order = %v, want %v", first, want)
	}
}

func TestGraphValidation(t *testing.T) {
	e := NewEngine(newFakeRunner())
	cases := []struct {
		name  string
		nodes []models.WorkflowNode
		edges []models.WorkflowEdge
	}{
		{"no start", []models.WorkflowNode{toolNode("a", "web.fetch", nil)}, nil},
		{"two starts", []models.WorkflowNode{startNode("s1"), startNode("s2")}, nil},
		{"unknown type", []models.WorkflowNode{startNode("s"), {ID: "x", Type: "banana"}}, nil},
		{"duplicate id", []models.WorkflowNode{startNode("s"), toolNode("s", "web.fetch", nil)}, nil},
		{"dangling edge", []models.WorkflowNode{startNode("s")}, []models.WorkflowEdge{edge("s", "ghost", "")}},
		{"cycle",
			[]models.WorkflowNode{startNode("s"), toolNode("a", "web.fetch", nil), toolNode("b", "web.fetch", nil)},
			[]models.WorkflowEdge{edge("s", "a", ""), edge("a", "b", ""), edge("b", "a", "")}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.Run(context.Background(), wf(tc.nodes, tc.edges), nil, nil)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if kind := models.KindOf(err); kind != models.KindBadRequest {
				t.Errorf("error kind = %s, want BadRequest", kind)
			}
		})
	}
}

func TestStepEventsReported(t *testing.T) {
	runner := newFakeRunner()
	e := NewEngine(runner)
	rep := &recordingReporter{}

	_, err := e.Run(context.Background(), wf(
		[]models.WorkflowNode{startNode("start"), toolNode("fetch", "web.fetch", nil)},
		[]models.WorkflowEdge{edge("start", "fetch", "")},
	), nil, rep)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	counts := map[string]int{}
	for _, s := range rep.steps {
		counts[s.name]++
	}
	if counts["node_started"] != 2 || counts["node_finished"] != 2 {
		t.Errorf("node step counts = %v, want 2 started and 2 finished", counts)
	}
	if counts["workflow_finished"] != 1 {
		t.Errorf("workflow_finished count = %d, want 1", counts["workflow_finished"])
	}
	last := rep.steps[len(rep.steps)-1]
	if last.name != "workflow_finished" {
		t.Errorf("last step = %s, want workflow_finished", last.name)
	}
}

type recordedStep struct {
	name string
	data map[string]interface{}
}

type recordingReporter struct {
	mu    sync.Mutex
	steps []recordedStep
}

func (r *recordingReporter) Step(name string, data map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, recordedStep{name: name, data: data})
}

func (r *recordingReporter) Final(map[string]interface{}) {}
