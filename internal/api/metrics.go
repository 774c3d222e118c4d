package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/coap-bridge/internal/bridge"
	"github.com/nerrad567/coap-bridge/internal/device"
	"github.com/nerrad567/coap-bridge/internal/publisher"
	"github.com/nerrad567/coap-bridge/internal/session"
)

// SystemMetrics represents the complete system metrics response.
type SystemMetrics struct {
	Timestamp     string                `json:"timestamp"`
	Version       string                `json:"version"`
	UptimeSeconds int64                 `json:"uptime_seconds"`
	Runtime       RuntimeMetrics        `json:"runtime"`
	Bridge        *bridge.Stats         `json:"bridge,omitempty"`
	Sessions      *session.Stats        `json:"sessions,omitempty"`
	Publisher     *publisher.Stats      `json:"publisher,omitempty"`
	Devices       *device.RecorderStats `json:"devices,omitempty"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// handleMetrics returns a JSON snapshot of every component's counters.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	metrics := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
	}

	if s.bridge != nil {
		stats := s.bridge.Stats()
		metrics.Bridge = &stats
	}
	if s.sessions != nil {
		stats := s.sessions.Stats()
		metrics.Sessions = &stats
	}
	if s.publisher != nil {
		stats := s.publisher.Stats()
		metrics.Publisher = &stats
	}
	if s.devices != nil {
		stats := s.devices.Stats()
		metrics.Devices = &stats
	}

	writeJSON(w, http.StatusOK, metrics)
}
