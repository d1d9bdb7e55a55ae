package api

import (
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/mikeyg42/starfocus/internal/stream"
)

// StreamHandler serves the annotated preview as an MJPEG stream. Each HTTP
// client gets its own broadcaster subscription; a slow client only loses its
// own frames.
type StreamHandler struct {
	cast   *stream.Broadcaster
	logger *zap.Logger
}

// NewStreamHandler creates a new MJPEG stream handler.
func NewStreamHandler(cast *stream.Broadcaster) *StreamHandler {
	return &StreamHandler{
		cast:   cast,
		logger: zap.L().Named("api"),
	}
}

// RegisterRoutes registers the stream endpoint on the mux.
func (h *StreamHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/stream", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.ServeStream(w, r)
	})
}

// ServeStream handles GET /stream. It writes multipart JPEG parts until the
// client disconnects or the broadcaster shuts down.
func (h *StreamHandler) ServeStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	id, frames := h.cast.Subscribe()
	defer h.cast.Unsubscribe(id)

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Connection", "close")

	// Push the headers out now so viewers render as soon as the first
	// frame lands.
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	h.logger.Info("stream viewer connected", zap.String("id", id))
	defer h.logger.Info("stream viewer disconnected", zap.String("id", id))

	for {
		select {
		case <-r.Context().Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			if len(frame) == 0 {
				continue
			}
			if err := writePart(w, frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writePart writes one multipart frame with its boundary and headers.
func writePart(w io.Writer, frame []byte) error {
	if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(frame)); err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}
