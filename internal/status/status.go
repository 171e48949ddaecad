// Package status tracks service health and a bounded ring of recent
// errors for the diagnostics endpoints.
package status

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/gasable/hub/internal/store"
	"github.com/gasable/hub/pkg/contracts"
)

const ringSize = 100

// RecordedError is one entry in the recent-errors ring.
type RecordedError struct {
	At      time.Time `json:"at"`
	Source  string    `json:"source"`
	Message string    `json:"message"`
}

// Tracker answers health and status probes and keeps the last hundred
// recorded errors. It is passed explicitly to whoever reports into it.
type Tracker struct {
	store     store.Store
	embedder  contracts.EmbeddingClient
	version   string
	embedCol  string
	startedAt time.Time

	mu   sync.Mutex
	ring []RecordedError
}

func NewTracker(st store.Store, embedder contracts.EmbeddingClient, version, embedCol string) *Tracker {
	return &Tracker{
		store:     st,
		embedder:  embedder,
		version:   version,
		embedCol:  embedCol,
		startedAt: time.Now().UTC(),
	}
}

// RecordError appends to the ring, evicting the oldest entry past the
// cap.
func (t *Tracker) RecordError(source, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ring = append(t.ring, RecordedError{At: time.Now().UTC(), Source: source, Message: message})
	if len(t.ring) > ringSize {
		t.ring = t.ring[len(t.ring)-ringSize:]
	}
}

// RecentErrors returns up to n entries, newest first.
func (t *Tracker) RecentErrors(n int) []RecordedError {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n <= 0 || n > len(t.ring) {
		n = len(t.ring)
	}
	out := make([]RecordedError, 0, n)
	for i := len(t.ring) - 1; i >= len(t.ring)-n; i-- {
		out = append(out, t.ring[i])
	}
	return out
}

// Health reports reachability of the storage backend. The embedder is
// advisory: a missing key degrades answers but does not fail health.
func (t *Tracker) Health(ctx context.Context) map[string]interface{} {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	dbOK := t.store.Ping(ctx) == nil
	out := map[string]interface{}{
		"status":   "ok",
		"db":       dbOK,
		"embedder": t.embedder != nil,
	}
	if !dbOK {
		out["status"] = "degraded"
	}
	return out
}

// Status is the full diagnostics payload. The db probe reports as a
// nested {status} object.
func (t *Tracker) Status(ctx context.Context) map[string]interface{} {
	out := t.Health(ctx)
	dbStatus := "error"
	if ok, _ := out["db"].(bool); ok {
		dbStatus = "ok"
	}
	out["db"] = map[string]interface{}{"status": dbStatus}
	out["version"] = t.version
	out["embedding_col"] = t.embedCol
	out["pid"] = os.Getpid()
	out["uptime_sec"] = int64(time.Since(t.startedAt).Seconds())
	t.mu.Lock()
	out["recent_error_count"] = len(t.ring)
	t.mu.Unlock()
	if t.embedder != nil {
		out["embedding_dim"] = t.embedder.Dimensions()
	}
	return out
}
