package handlers

import (
	"context"

	"github.com/loopsync/loopsync/internal/amcp"
	"github.com/loopsync/loopsync/internal/config"
	"github.com/loopsync/loopsync/internal/engine"
)

// Engine is the controller surface the handlers drive.
type Engine interface {
	Status() *engine.Snapshot
	Mode() string
	SetMode(mode string) error
	ResetClock()
	DroppedTicks() uint64

	Config() *config.Playout
	UpdateConfig(ctx context.Context, patch *config.PlayoutPatch) (*config.Playout, error)

	PreloadAll(ctx context.Context) error
	StartAll(ctx context.Context) error
	PauseAll(ctx context.Context) error
	ResyncAll(ctx context.Context, mode string, frame *int64) error

	Subscribe() *engine.Subscriber
	Unsubscribe(id string)
}

// ConnStates is the slice of the connection pool the health handler reads.
type ConnStates interface {
	States() map[string]amcp.State
}

// StatusBody wraps the engine snapshot in the API success envelope.
type StatusBody struct {
	OK bool `json:"ok"`
	engine.Snapshot
}

// ConfigBody wraps the playout document in the API success envelope.
type ConfigBody struct {
	OK bool `json:"ok"`
	config.Playout
}

// Health types

// HealthResponse is the /health body.
type HealthResponse struct {
	Status        string           `json:"status"`
	Timestamp     string           `json:"timestamp"`
	Version       string           `json:"version"`
	Uptime        string           `json:"uptime"`
	UptimeSeconds float64          `json:"uptime_seconds"`
	CPUInfo       CPUInfo          `json:"cpu"`
	Memory        MemoryInfo       `json:"memory"`
	Components    HealthComponents `json:"components"`
}

// CPUInfo reports host load.
type CPUInfo struct {
	Cores              int     `json:"cores"`
	Load1Min           float64 `json:"load_1min"`
	Load5Min           float64 `json:"load_5min"`
	Load15Min          float64 `json:"load_15min"`
	LoadPercentage1Min float64 `json:"load_percentage_1min"`
}

// MemoryInfo reports host and process memory.
type MemoryInfo struct {
	TotalMemoryMB     float64 `json:"total_mb"`
	UsedMemoryMB      float64 `json:"used_mb"`
	AvailableMemoryMB float64 `json:"available_mb"`
	ProcessMB         float64 `json:"process_mb"`
}

// HealthComponents groups subsystem health.
type HealthComponents struct {
	Engine      EngineHealth       `json:"engine"`
	Connections []ConnectionHealth `json:"connections"`
}

// EngineHealth is the sync engine's health block.
type EngineHealth struct {
	Mode           string `json:"mode"`
	DroppedTicks   uint64 `json:"dropped_ticks"`
	EffectiveSlots int    `json:"effective_slots"`
}

// ConnectionHealth is one pooled remote connection's lifecycle state.
type ConnectionHealth struct {
	Addr  string `json:"addr"`
	State string `json:"state"`
}
