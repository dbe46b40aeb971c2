package gateway

import (
	"context"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/R3E-Network/swiftpay/internal/httputil"
)

// ProcessStats is the resource usage reported by /info.
type ProcessStats struct {
	PID        int32   `json:"pid"`
	RSSBytes   uint64  `json:"rss_bytes,omitempty"`
	CPUPercent float64 `json:"cpu_percent,omitempty"`
	Threads    int32   `json:"threads,omitempty"`
	Goroutines int     `json:"goroutines"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"service":   s.opts.ServiceName,
		"version":   s.opts.Version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	settings := s.wallet.Settings()
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"service":        s.opts.ServiceName,
		"version":        s.opts.Version,
		"go_version":     runtime.Version(),
		"storage_driver": s.opts.StorageDriver,
		"consistency":    string(s.wallet.Mode()),
		"uptime":         time.Since(s.startedAt).Round(time.Second).String(),
		"settings":       settings,
		"process":        processStats(r.Context()),
	})
}

// processStats collects what gopsutil can read for this process. Fields it
// cannot read are left zero.
func processStats(ctx context.Context) ProcessStats {
	pid := int32(os.Getpid())
	stats := ProcessStats{PID: pid, Goroutines: runtime.NumGoroutine()}

	p, err := process.NewProcess(pid)
	if err != nil {
		return stats
	}
	if mem, err := p.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		stats.RSSBytes = mem.RSS
	}
	if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
		stats.CPUPercent = cpu
	}
	if n, err := p.NumThreadsWithContext(ctx); err == nil {
		stats.Threads = n
	}
	return stats
}
