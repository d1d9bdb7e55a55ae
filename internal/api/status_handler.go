package api

import (
	"encoding/json"
	"net/http"

	"github.com/mikeyg42/starfocus/internal/focus"
	"github.com/mikeyg42/starfocus/internal/history"
	"github.com/mikeyg42/starfocus/internal/pipeline"
	"github.com/mikeyg42/starfocus/internal/stream"
)

// LoopStatus is the slice of the capture loop the API reads.
type LoopStatus interface {
	State() pipeline.State
	Stats() pipeline.Stats
}

// StatusHandler reports the loop state and the focus history.
type StatusHandler struct {
	loop   LoopStatus
	hist   *history.Ring
	cast   *stream.Broadcaster
	method focus.Method
}

// NewStatusHandler creates a new status handler.
func NewStatusHandler(loop LoopStatus, hist *history.Ring, cast *stream.Broadcaster, method focus.Method) *StatusHandler {
	return &StatusHandler{
		loop:   loop,
		hist:   hist,
		cast:   cast,
		method: method,
	}
}

// RegisterRoutes registers the status endpoint on the mux.
func (h *StatusHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.GetStatus(w, r)
	})
}

// StatusResponse is the status payload sent to the frontend.
type StatusResponse struct {
	State   string      `json:"state"`
	Method  string      `json:"method"`
	Samples []float64   `json:"samples"`
	Last    *float64    `json:"last,omitempty"`
	Frames  int64       `json:"frames"`
	Skipped int64       `json:"skipped"`
	Stream  StreamStats `json:"stream"`
}

// StreamStats summarizes the broadcaster counters.
type StreamStats struct {
	Consumers int   `json:"consumers"`
	Published int64 `json:"published"`
	Dropped   int64 `json:"dropped"`
}

// GetStatus handles GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	stats := h.loop.Stats()
	castStats := h.cast.Stats()

	resp := StatusResponse{
		State:   h.loop.State().String(),
		Method:  string(h.method),
		Samples: h.hist.Snapshot(),
		Frames:  stats.Frames,
		Skipped: stats.Skipped,
		Stream: StreamStats{
			Consumers: castStats.Consumers,
			Published: castStats.Published,
			Dropped:   castStats.Dropped,
		},
	}
	if last, ok := h.hist.Last(); ok {
		resp.Last = &last
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
