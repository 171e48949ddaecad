package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gasable/hub/pkg/models"
)

func TestEmbedCachePutGet(t *testing.T) {
	c := newEmbedCache(4, time.Minute)
	c.put("a", []float64{1, 2})
	vec, ok := c.get("a")
	if !ok || len(vec) != 2 || vec[0] != 1 {
		t.Errorf("get = %v %v, want the stored vector", vec, ok)
	}
	if _, ok := c.get("missing"); ok {
		t.Error("hit on a key that was never stored")
	}
}

func TestEmbedCacheTTLExpiry(t *testing.T) {
	c := newEmbedCache(4, 10*time.Millisecond)
	c.put("a", []float64{1})
	time.Sleep(25 * time.Millisecond)
	if _, ok := c.get("a"); ok {
		t.Error("expired entry served")
	}
}

func TestEmbedCacheEvictsOldest(t *testing.T) {
	c := newEmbedCache(2, time.Minute)
	c.put("a", []float64{1})
	c.put("b", []float64{2})
	c.get("a") // refresh a, b becomes oldest
	c.put("c", []float64{3})
	if _, ok := c.get("b"); ok {
		t.Error("least recently used entry survived eviction")
	}
	if _, ok := c.get("a"); !ok {
		t.Error("recently used entry was evicted")
	}
}

func TestUnconfiguredClientFailsFast(t *testing.T) {
	c := NewClient("http://localhost:0", "")
	err := c.postJSON(context.Background(), "/embeddings", map[string]string{}, &struct{}{})
	if err == nil {
		t.Fatal("expected error from unconfigured client")
	}
	if kind := models.KindOf(err); kind != models.KindUpstreamUnavailable {
		t.Errorf("error kind = %s, want UpstreamUnavailable", kind)
	}
}

func TestPostJSONRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"ok": "yes"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "test-key")
	var out map[string]string
	if err := c.postJSON(context.Background(), "/x", map[string]string{}, &out); err != nil {
		t.Fatalf("postJSON: %v", err)
	}
	if out["ok"] != "yes" {
		t.Errorf("out = %v", out)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("upstream calls = %d, want 3 (two failures, one success)", got)
	}
}

func TestPostJSONDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, `{"error":"bad model"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "test-key")
	err := c.postJSON(context.Background(), "/x", map[string]string{}, &struct{}{})
	if err == nil {
		t.Fatal("expected error for 400 response")
	}
	if kind := models.KindOf(err); kind != models.KindUpstreamUnavailable {
		t.Errorf("error kind = %s, want UpstreamUnavailable", kind)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("upstream calls = %d, want exactly 1 for a permanent error", got)
	}
}

func TestPostJSONDeadlineBecomesTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server's background reader can observe the
		// client disconnect and cancel the request context; otherwise this
		// handler never returns and srv.Close deadlocks.
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "test-key")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.postJSON(ctx, "/x", map[string]string{}, &struct{}{})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if kind := models.KindOf(err); kind != models.KindUpstreamTimeout {
		t.Errorf("error kind = %s, want UpstreamTimeout", kind)
	}
}

func embeddingHandler(counter *int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(counter, 1)
		var req struct {
			Input []string `json:"input"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		type datum struct {
			Index     int       `json:"index"`
			Embedding []float64 `json:"embedding"`
		}
		resp := struct {
			Data []datum `json:"data"`
		}{}
		// Reversed order exercises the index-authoritative reassembly.
		for i := len(req.Input) - 1; i >= 0; i-- {
			resp.Data = append(resp.Data, datum{Index: i, Embedding: []float64{float64(i), 1}})
		}
		json.NewEncoder(w).Encode(resp)
	}
}

func TestEmbedderOrderAndCache(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(embeddingHandler(&calls))
	defer srv.Close()

	e := NewEmbedder(NewClient(srv.URL, "test-key"), "test-embed", 2)
	ctx := context.Background()

	vecs, err := e.Embed(ctx, []string{"alpha", "beta", "gamma"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vecs) != 3 {
		t.Fatalf("got %d vectors, want 3", len(vecs))
	}
	for i, v := range vecs {
		if v[0] != float64(i) {
			t.Errorf("vector %d = %v, out-of-order response was not reassembled", i, v)
		}
	}

	// All three texts are now cached; no upstream call should happen.
	if _, err := e.Embed(ctx, []string{"beta", "alpha"}); err != nil {
		t.Fatalf("Embed (cached): %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("upstream calls = %d, want 1 (second batch fully cached)", got)
	}

	// A new text forces exactly one more call carrying only the miss.
	if _, err := e.Embed(ctx, []string{"alpha", "delta"}); err != nil {
		t.Fatalf("Embed (partial miss): %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("upstream calls = %d, want 2", got)
	}
}

func TestChatterParsesToolCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Tools []struct {
				Type string `json:"type"`
			} `json:"tools"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if len(req.Tools) != 1 || req.Tools[0].Type != "function" {
			http.Error(w, "tools not offered as functions", http.StatusBadRequest)
			return
		}
		w.Write([]byte(`{"choices":[{"message":{"content":"","tool_calls":[
			{"id":"c1","function":{"name":"orders.place","arguments":"{\"product\":\"diesel\",\"quantity\":5}"}},
			{"id":"c2","function":{"name":"web.fetch","arguments":"not json"}}
		]}}]}`))
	}))
	defer srv.Close()

	ch := NewChatter(NewClient(srv.URL, "test-key"))
	resp, err := ch.Chat(context.Background(), "test-model",
		[]models.ChatMessage{{Role: "user", Content: "order diesel"}},
		[]models.ToolDef{{Name: "orders.place", Parameters: json.RawMessage(`{"type":"object"}`)}})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if len(resp.ToolCalls) != 2 {
		t.Fatalf("tool calls = %d, want 2", len(resp.ToolCalls))
	}
	first := resp.ToolCalls[0]
	if first.Name != "orders.place" || first.Args["product"] != "diesel" {
		t.Errorf("first call = %+v", first)
	}
	if qty, ok := first.Args["quantity"].(float64); !ok || qty != 5 {
		t.Errorf("quantity = %v, want 5", first.Args["quantity"])
	}
	// Malformed arguments degrade to an empty map, not an error.
	if resp.ToolCalls[1].Args == nil || len(resp.ToolCalls[1].Args) != 0 {
		t.Errorf("malformed args = %v, want empty map", resp.ToolCalls[1].Args)
	}
}

func TestChatterEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	ch := NewChatter(NewClient(srv.URL, "test-key"))
	resp, err := ch.Chat(context.Background(), "m", nil, nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "" || len(resp.ToolCalls) != 0 {
		t.Errorf("resp = %+v, want empty", resp)
	}
}
