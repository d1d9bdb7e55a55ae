package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/starfocus/internal/settings"
)

// SettingsHandler handles camera settings and region selection requests.
type SettingsHandler struct {
	store  *settings.Store
	logger *zap.Logger
}

// NewSettingsHandler creates a new settings handler.
func NewSettingsHandler(store *settings.Store) *SettingsHandler {
	return &SettingsHandler{
		store:  store,
		logger: zap.L().Named("api"),
	}
}

// RegisterRoutes registers the settings endpoints on the mux. Writes are
// rate limited per IP; 600 per minute is invisible to a human operator.
func (h *SettingsHandler) RegisterRoutes(mux *http.ServeMux) {
	limiter := NewRateLimiter(600, time.Minute)
	updateSettings := limiter.Middleware(h.UpdateSettings)
	updateROI := limiter.Middleware(h.UpdateROI)

	mux.HandleFunc("/api/settings", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			h.GetSettings(w, r)
		case http.MethodPost:
			updateSettings(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/api/roi", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			updateROI(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
}

// settingsResponse is the settings payload sent to the frontend.
type settingsResponse struct {
	Camera settings.Camera `json:"camera"`
	ROI    *settings.ROI   `json:"roi,omitempty"`
}

func (h *SettingsHandler) currentSettings() settingsResponse {
	resp := settingsResponse{Camera: h.store.Snapshot()}
	if roi, ok := h.store.ROI(); ok {
		resp.ROI = &roi
	}
	return resp
}

// GetSettings handles GET /api/settings
func (h *SettingsHandler) GetSettings(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.currentSettings())
}

// UpdateSettings handles POST /api/settings. The body is a partial update;
// absent fields keep their current value, out-of-range numbers are clamped.
func (h *SettingsHandler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var patch settings.Patch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	applied := h.store.Apply(patch)
	h.logger.Info("settings updated",
		zap.Int("gain", applied.Gain),
		zap.Int("exposure", applied.ExposureValue),
		zap.String("exposure_unit", string(applied.ExposureUnit)))

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success":  true,
		"settings": h.currentSettings(),
	})
}

// roiRequest selects a region in normalized coordinates, or clears it.
type roiRequest struct {
	Clear bool    `json:"clear"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	W     float64 `json:"w"`
	H     float64 `json:"h"`
}

// UpdateROI handles POST /api/roi
func (h *SettingsHandler) UpdateROI(w http.ResponseWriter, r *http.Request) {
	var req roiRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	if req.Clear {
		h.store.ClearROI()
		h.logger.Info("roi cleared")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": true,
		})
		return
	}

	roi := settings.ROI{X: req.X, Y: req.Y, W: req.W, H: req.H}
	if err := h.store.SetROI(roi); err != nil {
		http.Error(w, fmt.Sprintf("Invalid region: %v", err), http.StatusBadRequest)
		return
	}
	h.logger.Info("roi set",
		zap.Float64("x", roi.X), zap.Float64("y", roi.Y),
		zap.Float64("w", roi.W), zap.Float64("h", roi.H))

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": true,
		"roi":     roi,
	})
}
