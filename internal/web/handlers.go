package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cjeanneret/CamCore/internal/logic/capture"
	"github.com/cjeanneret/CamCore/internal/logic/geometry"
)

const (
	maxBodyBytes        = 1 << 20
	defaultSleepTimeout = 30 * time.Second
)

// Status is the pipeline snapshot served on GET /state.
type Status struct {
	State          string        `json:"state"`
	SleepRequested bool          `json:"sleep_requested"`
	Asleep         bool          `json:"asleep"`
	Pending        int64         `json:"pending"`
	PixelFormat    string        `json:"pixel_format"`
	FrameSize      string        `json:"frame_size"`
	Capture        capture.Stats `json:"capture"`
}

// ReconfigureRequest is the body of POST /reconfigure.
type ReconfigureRequest struct {
	FrameSize string `json:"frame_size"`
}

// Controls are the pipeline operations exposed over HTTP.
// A nil function makes its route answer 503 Service Unavailable.
type Controls struct {
	Status         func() Status
	Sleep          func(ctx context.Context) error
	SleepTimeout   time.Duration // bounds a POST /sleep drain (default 30s)
	Wake           func()
	Reconfigure    func(ctx context.Context, size geometry.FrameSize) error
	Snapshot       func(quality int) ([]byte, error)
	DefaultQuality int
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Broadcaster *StatusBroadcaster
	Controls    Controls

	// Context scopes work that outlives a request, such as a sleep drain.
	// Server.Run sets it to the server's context.
	Context context.Context

	sleepingMu sync.Mutex
	sleeping   bool
}

// NewHandlers creates handlers with the given dependencies.
func NewHandlers(broadcaster *StatusBroadcaster, controls Controls) *Handlers {
	return &Handlers{
		Broadcaster: broadcaster,
		Controls:    controls,
	}
}

// ValidateReconfigure parses and checks a reconfigure request.
func ValidateReconfigure(req ReconfigureRequest) (geometry.FrameSize, error) {
	if req.FrameSize == "" {
		return 0, fmt.Errorf("frame_size is required")
	}
	return geometry.ParseFrameSize(req.FrameSize)
}

func (h *Handlers) baseContext() context.Context {
	if h.Context != nil {
		return h.Context
	}
	return context.Background()
}

func (h *Handlers) sleepTimeout() time.Duration {
	if h.Controls.SleepTimeout > 0 {
		return h.Controls.SleepTimeout
	}
	return defaultSleepTimeout
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// HandleState returns the pipeline status as JSON.
func (h *Handlers) HandleState(w http.ResponseWriter, r *http.Request) {
	if h.Controls.Status == nil {
		http.Error(w, "status not configured", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, h.Controls.Status())
}

// HandleSleep handles POST /sleep. Draining may take a while, so it runs
// in a goroutine and the outcome is broadcast on the status stream.
func (h *Handlers) HandleSleep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.Controls.Sleep == nil {
		http.Error(w, "sleep not configured", http.StatusServiceUnavailable)
		return
	}

	h.sleepingMu.Lock()
	if h.sleeping {
		h.sleepingMu.Unlock()
		http.Error(w, "sleep already in progress", http.StatusConflict)
		return
	}
	h.sleeping = true
	h.sleepingMu.Unlock()

	go func() {
		defer func() {
			h.sleepingMu.Lock()
			h.sleeping = false
			h.sleepingMu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(h.baseContext(), h.sleepTimeout())
		defer cancel()
		if err := h.Controls.Sleep(ctx); err != nil {
			h.Broadcaster.Broadcast("error", "Sleep failed: "+err.Error())
			log.Printf("sleep failed: %v", err)
		} else {
			h.Broadcaster.Broadcast("info", "Pipeline asleep")
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sleeping"})
}

// HandleWake handles POST /wake.
func (h *Handlers) HandleWake(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.Controls.Wake == nil {
		http.Error(w, "wake not configured", http.StatusServiceUnavailable)
		return
	}
	h.Controls.Wake()
	h.Broadcaster.Broadcast("info", "Wake requested")
	writeJSON(w, http.StatusOK, map[string]string{"status": "awake"})
}

// HandleReconfigure handles POST /reconfigure with {"frame_size":"QVGA"}.
func (h *Handlers) HandleReconfigure(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ReconfigureRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	size, err := ValidateReconfigure(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if h.Controls.Reconfigure == nil {
		http.Error(w, "reconfigure not configured", http.StatusServiceUnavailable)
		return
	}
	if err := h.Controls.Reconfigure(r.Context(), size); err != nil {
		h.Broadcaster.Broadcast("error", "Reconfigure failed: "+err.Error())
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	h.Broadcaster.Broadcast("info", "Frame size now "+size.String())
	writeJSON(w, http.StatusOK, map[string]string{"frame_size": size.String()})
}

// HandleSnapshot handles GET /snapshot?quality=N and returns a JPEG.
func (h *Handlers) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	if h.Controls.Snapshot == nil {
		http.Error(w, "snapshot not configured", http.StatusServiceUnavailable)
		return
	}

	quality := h.Controls.DefaultQuality
	if q := r.URL.Query().Get("quality"); q != "" {
		v, err := strconv.Atoi(q)
		if err != nil {
			http.Error(w, "quality must be an integer", http.StatusBadRequest)
			return
		}
		quality = v
	}

	img, err := h.Controls.Snapshot(quality)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(img)))
	w.Write(img)
}

// HandleStatusStream handles GET /status/stream for SSE.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	// Heartbeat while idle
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()

		case <-ticker.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}
