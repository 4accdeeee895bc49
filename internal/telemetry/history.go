package telemetry

import (
	"sync"

	"skyfleet/internal/model"
)

// History is a fixed-capacity ring of recent telemetry points for one
// vehicle. Once full, each append evicts the oldest point. All
// methods are safe for concurrent use.
type History struct {
	mu       sync.Mutex
	points   []model.TelemetryPoint
	capacity int
	// start indexes the oldest retained point; count is the number of
	// points currently stored (count <= capacity).
	start int
	count int
}

func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = 1
	}
	return &History{
		points:   make([]model.TelemetryPoint, capacity),
		capacity: capacity,
	}
}

// Append records a point, evicting the oldest when at capacity.
func (h *History) Append(p model.TelemetryPoint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	idx := (h.start + h.count) % h.capacity
	h.points[idx] = p
	if h.count < h.capacity {
		h.count++
		return
	}
	h.start = (h.start + 1) % h.capacity
}

// Len returns the number of retained points.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Snapshot returns up to limit of the most recent points, oldest
// first. limit <= 0 returns everything retained.
func (h *History) Snapshot(limit int) []model.TelemetryPoint {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := h.count
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]model.TelemetryPoint, n)
	// Skip past the older points when a limit trims the front.
	first := h.start + (h.count - n)
	for i := 0; i < n; i++ {
		out[i] = h.points[(first+i)%h.capacity]
	}
	return out
}
