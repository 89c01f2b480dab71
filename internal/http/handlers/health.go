// Package handlers provides the HTTP API handlers for loopsync.
package handlers

import (
	"context"
	"os"
	"runtime"
	"sort"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/loopsync/loopsync/pkg/duration"
)

// HealthHandler handles the health check endpoints.
type HealthHandler struct {
	version   string
	startTime time.Time
	engine    Engine
	pool      ConnStates
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(version string) *HealthHandler {
	return &HealthHandler{
		version:   version,
		startTime: time.Now(),
	}
}

// WithEngine attaches the sync engine for readiness and health detail.
func (h *HealthHandler) WithEngine(engine Engine) *HealthHandler {
	h.engine = engine
	return h
}

// WithPool attaches the connection pool for per-remote state reporting.
func (h *HealthHandler) WithPool(pool ConnStates) *HealthHandler {
	h.pool = pool
	return h
}

// Register registers the health routes with the API.
func (h *HealthHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getHealth",
		Method:      "GET",
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns service health including system metrics, engine state, and remote connection states.",
		Tags:        []string{"System"},
	}, h.GetHealth)

	huma.Register(api, huma.Operation{
		OperationID: "getLivez",
		Method:      "GET",
		Path:        "/livez",
		Summary:     "Liveness probe",
		Tags:        []string{"System"},
	}, h.GetLivez)

	huma.Register(api, huma.Operation{
		OperationID: "getReadyz",
		Method:      "GET",
		Path:        "/readyz",
		Summary:     "Readiness probe",
		Description: "Ready once the state document is loaded and the engine is constructed. Remote connections may be down; riding through that is the engine's job.",
		Tags:        []string{"System"},
	}, h.GetReadyz)
}

// HealthInput is the input for the health endpoint.
type HealthInput struct{}

// HealthOutput is the output for the health endpoint.
type HealthOutput struct {
	Body HealthResponse
}

// GetHealth returns the health status of the service.
func (h *HealthHandler) GetHealth(ctx context.Context, _ *HealthInput) (*HealthOutput, error) {
	now := time.Now()
	uptime := now.Sub(h.startTime)

	resp := HealthResponse{
		Status:        "healthy",
		Timestamp:     now.UTC().Format(time.RFC3339),
		Version:       h.version,
		Uptime:        duration.Format(uptime.Round(time.Second)),
		UptimeSeconds: uptime.Seconds(),
		CPUInfo:       h.getCPUInfo(),
		Memory:        h.getMemoryInfo(),
	}

	if h.engine != nil {
		snap := h.engine.Status()
		resp.Components.Engine = EngineHealth{
			Mode:           snap.Mode,
			DroppedTicks:   snap.DroppedTicks,
			EffectiveSlots: len(snap.Rows),
		}
	}

	if h.pool != nil {
		states := h.pool.States()
		conns := make([]ConnectionHealth, 0, len(states))
		for addr, state := range states {
			conns = append(conns, ConnectionHealth{Addr: addr, State: state.String()})
		}
		sort.Slice(conns, func(i, j int) bool { return conns[i].Addr < conns[j].Addr })
		resp.Components.Connections = conns
	}

	return &HealthOutput{Body: resp}, nil
}

// LivezInput is the input for the liveness endpoint.
type LivezInput struct{}

// LivezOutput is the output for the liveness endpoint.
type LivezOutput struct {
	Body struct {
		Status string `json:"status"`
	}
}

// GetLivez reports process liveness.
func (h *HealthHandler) GetLivez(ctx context.Context, _ *LivezInput) (*LivezOutput, error) {
	out := &LivezOutput{}
	out.Body.Status = "ok"
	return out, nil
}

// ReadyzInput is the input for the readiness endpoint.
type ReadyzInput struct{}

// ReadyzOutput is the output for the readiness endpoint.
type ReadyzOutput struct {
	Body struct {
		Status     string            `json:"status"`
		Components map[string]string `json:"components"`
	}
}

// GetReadyz reports whether the service can do useful work.
func (h *HealthHandler) GetReadyz(ctx context.Context, _ *ReadyzInput) (*ReadyzOutput, error) {
	out := &ReadyzOutput{}
	out.Body.Components = map[string]string{}

	if h.engine == nil {
		out.Body.Status = "not_ready"
		out.Body.Components["engine"] = "not_configured"
		return out, nil
	}

	out.Body.Status = "ready"
	out.Body.Components["engine"] = "ok"
	out.Body.Components["mode"] = h.engine.Mode()
	return out, nil
}

// getCPUInfo returns CPU load information.
func (h *HealthHandler) getCPUInfo() CPUInfo {
	cores := runtime.NumCPU()

	info := CPUInfo{Cores: cores}

	loadAvg, err := load.Avg()
	if err == nil && loadAvg != nil {
		info.Load1Min = loadAvg.Load1
		info.Load5Min = loadAvg.Load5
		info.Load15Min = loadAvg.Load15

		if cores > 0 {
			info.LoadPercentage1Min = (loadAvg.Load1 / float64(cores)) * 100
		}
	}

	return info
}

// getMemoryInfo returns host and process memory usage.
func (h *HealthHandler) getMemoryInfo() MemoryInfo {
	info := MemoryInfo{}

	vmStat, err := mem.VirtualMemory()
	if err == nil && vmStat != nil {
		info.TotalMemoryMB = float64(vmStat.Total) / 1024 / 1024
		info.UsedMemoryMB = float64(vmStat.Used) / 1024 / 1024
		info.AvailableMemoryMB = float64(vmStat.Available) / 1024 / 1024
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err == nil {
		if memInfo, err := proc.MemoryInfo(); err == nil && memInfo != nil {
			info.ProcessMB = float64(memInfo.RSS) / 1024 / 1024
		}
	}

	return info
}
