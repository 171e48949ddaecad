package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gasable/hub/pkg/models"
)

// promotedSteps are step names that get their own SSE event name; every
// other step rides on a generic "step" event with the name in the payload.
var promotedSteps = map[string]bool{
	"routed_to":          true,
	"tool_call_started":  true,
	"tool_call_finished": true,
	"node_started":       true,
	"node_finished":      true,
	"node_failed":        true,
	"workflow_finished":  true,
}

// sseWriter frames Server-Sent Events. Writes after the client
// disconnects are swallowed; the pipeline keeps running for the job
// record.
type sseWriter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	dead    bool
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseWriter{w: w, flusher: flusher}, true
}

// writeEvent frames one event: "event: <name>\ndata: <json>\n\n".
func (s *sseWriter) writeEvent(name string, payload interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte(`{}`)
	}
	if _, err := s.w.Write([]byte("event: " + name + "\ndata: " + string(data) + "\n\n")); err != nil {
		s.dead = true
		return
	}
	s.flusher.Flush()
}

// sseReporter adapts an sseWriter into a StepReporter, optionally
// mirroring everything into a job recorder.
type sseReporter struct {
	sse *sseWriter
	job *jobRecorder
}

func (r *sseReporter) Step(name string, data map[string]interface{}) {
	if r.job != nil {
		r.job.step(name, data)
	}
	if r.sse == nil {
		return
	}
	if promotedSteps[name] {
		r.sse.writeEvent(name, data)
		return
	}
	payload := map[string]interface{}{"step": name}
	for k, v := range data {
		payload[k] = v
	}
	r.sse.writeEvent("step", payload)
}

func (r *sseReporter) Final(payload map[string]interface{}) {
	if r.job != nil {
		r.job.final(payload)
	}
	if r.sse != nil {
		r.sse.writeEvent("final", payload)
	}
}

// jobRecorder accumulates the steps of one streamed run so disconnected
// clients can replay it through the jobs endpoint.
type jobRecorder struct {
	mu    sync.Mutex
	job   models.Job
	saver func(*models.Job)
}

func newJobRecorder(id string, saver func(*models.Job)) *jobRecorder {
	return &jobRecorder{
		job: models.Job{
			ID:        id,
			Status:    "running",
			CreatedAt: time.Now().UTC(),
		},
		saver: saver,
	}
}

func (j *jobRecorder) step(name string, data map[string]interface{}) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.job.Steps = append(j.job.Steps, models.StepEvent{Name: name, Data: data, At: time.Now().UTC()})
}

func (j *jobRecorder) final(payload map[string]interface{}) {
	j.mu.Lock()
	j.job.Result = payload
	j.job.Status = "done"
	if _, failed := payload["error"]; failed {
		j.job.Status = "error"
	}
	snapshot := j.job
	j.mu.Unlock()
	if j.saver != nil {
		j.saver(&snapshot)
	}
}
