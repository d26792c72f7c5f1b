package rest

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/davidleathers/nellis-auction-tracker/internal/api/websocket"
	"github.com/davidleathers/nellis-auction-tracker/internal/infrastructure/nellis"
	"github.com/davidleathers/nellis-auction-tracker/internal/infrastructure/sse"
	"github.com/davidleathers/nellis-auction-tracker/internal/infrastructure/store"
	"github.com/davidleathers/nellis-auction-tracker/internal/service/monitor"
)

const (
	healthHealthy  = "healthy"
	healthDegraded = "degraded"
)

type healthResponse struct {
	Status        string          `json:"status"`
	Version       string          `json:"version"`
	UptimeSeconds float64         `json:"uptime_s"`
	Store         store.Stats     `json:"store"`
	Monitor       monitor.Stats   `json:"monitor"`
	Upstream      nellis.Stats    `json:"upstream"`
	SSE           sse.Stats       `json:"sse"`
	WebSocket     websocket.Stats `json:"websocket"`
	MemoryStats   memoryStats     `json:"memory_stats"`
}

type memoryStats struct {
	Goroutines  int    `json:"goroutines"`
	HeapAllocMB uint64 `json:"heap_alloc_mb"`
	HeapSysMB   uint64 `json:"heap_sys_mb"`
	GCRuns      uint32 `json:"gc_runs"`
}

// handleHealth reports overall service condition. The report always comes
// back 200; a tracker running on the in-memory fallback is degraded but
// still doing its job.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	storeStats := s.deps.Store.Stats()
	status := healthHealthy
	if !storeStats.Connected {
		status = healthDegraded
	}

	writeJSON(w, http.StatusOK, healthResponse{
		Status:        status,
		Version:       s.cfg.Version,
		UptimeSeconds: time.Since(s.started).Seconds(),
		Store:         storeStats,
		Monitor:       s.deps.Core.MonitorStats(ctx),
		Upstream:      s.deps.Upstream.Stats(),
		SSE:           s.deps.Streams.Stats(),
		WebSocket:     s.deps.Hub.Stats(),
		MemoryStats: memoryStats{
			Goroutines:  runtime.NumGoroutine(),
			HeapAllocMB: m.HeapAlloc / 1024 / 1024,
			HeapSysMB:   m.HeapSys / 1024 / 1024,
			GCRuns:      m.NumGC,
		},
	})
}
