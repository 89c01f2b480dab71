package handlers

import (
	"context"

	"github.com/danielgtaylor/huma/v2"

	"github.com/loopsync/loopsync/internal/config"
)

// ControlHandler exposes the sync operations: mode changes, preload,
// start, pause, resync, and clock reset.
type ControlHandler struct {
	engine Engine
}

// NewControlHandler creates a new control handler.
func NewControlHandler(engine Engine) *ControlHandler {
	return &ControlHandler{engine: engine}
}

// Register registers the control routes with the API.
func (h *ControlHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "setMode",
		Method:      "POST",
		Path:        "/api/mode",
		Summary:     "Set engine mode",
		Description: "Switches the drift controller between off, manual, and auto.",
		Tags:        []string{"Control"},
	}, h.SetMode)

	huma.Register(api, huma.Operation{
		OperationID: "preload",
		Method:      "POST",
		Path:        "/api/preload",
		Summary:     "Preload all slots",
		Description: "Loads every effective slot's clip on both layers, paused and invisible.",
		Tags:        []string{"Control"},
	}, h.Preload)

	huma.Register(api, huma.Operation{
		OperationID: "start",
		Method:      "POST",
		Path:        "/api/start",
		Summary:     "Start all slots",
		Description: "Captures a fresh clock epoch and starts every effective slot from its start timecode.",
		Tags:        []string{"Control"},
	}, h.Start)

	huma.Register(api, huma.Operation{
		OperationID: "pause",
		Method:      "POST",
		Path:        "/api/pause",
		Summary:     "Pause all playing slots",
		Description: "Freezes both layers of every playing slot. The shared clock keeps running.",
		Tags:        []string{"Control"},
	}, h.Pause)

	huma.Register(api, huma.Operation{
		OperationID: "resync",
		Method:      "POST",
		Path:        "/api/resync",
		Summary:     "Force a resync",
		Description: "Re-seeks every playing slot's standby layer and swaps it on air, as a cut or a fade. Omitting frame resyncs each slot to its own computed target.",
		Tags:        []string{"Control"},
	}, h.Resync)

	huma.Register(api, huma.Operation{
		OperationID: "resetClock",
		Method:      "POST",
		Path:        "/api/reset-clock",
		Summary:     "Reset the shared clock",
		Description: "Re-bases the logical wall clock at the current instant without touching playback.",
		Tags:        []string{"Control"},
	}, h.ResetClock)
}

// OKOutput is the bare success envelope shared by the parameterless
// control operations.
type OKOutput struct {
	Body struct {
		OK bool `json:"ok"`
	}
}

func okOutput() *OKOutput {
	out := &OKOutput{}
	out.Body.OK = true
	return out
}

// SetModeInput is the input for the mode endpoint.
type SetModeInput struct {
	Body struct {
		Mode string `json:"mode" doc:"One of: off, manual, auto"`
	}
}

// SetModeOutput is the output for the mode endpoint.
type SetModeOutput struct {
	Body struct {
		OK   bool   `json:"ok"`
		Mode string `json:"mode"`
	}
}

// SetMode switches the drift-controller mode.
func (h *ControlHandler) SetMode(ctx context.Context, input *SetModeInput) (*SetModeOutput, error) {
	if err := h.engine.SetMode(input.Body.Mode); err != nil {
		return nil, huma.Error400BadRequest(err.Error())
	}

	out := &SetModeOutput{}
	out.Body.OK = true
	out.Body.Mode = h.engine.Mode()
	return out, nil
}

// PreloadInput is the input for the preload endpoint.
type PreloadInput struct{}

// Preload runs preloadAll across every effective slot.
func (h *ControlHandler) Preload(ctx context.Context, _ *PreloadInput) (*OKOutput, error) {
	if err := h.engine.PreloadAll(ctx); err != nil {
		return nil, remoteError(err)
	}
	return okOutput(), nil
}

// StartInput is the input for the start endpoint.
type StartInput struct{}

// Start runs startAll, capturing a fresh clock epoch.
func (h *ControlHandler) Start(ctx context.Context, _ *StartInput) (*OKOutput, error) {
	if err := h.engine.StartAll(ctx); err != nil {
		return nil, remoteError(err)
	}
	return okOutput(), nil
}

// PauseInput is the input for the pause endpoint.
type PauseInput struct{}

// Pause runs pauseAll across every playing slot.
func (h *ControlHandler) Pause(ctx context.Context, _ *PauseInput) (*OKOutput, error) {
	if err := h.engine.PauseAll(ctx); err != nil {
		return nil, remoteError(err)
	}
	return okOutput(), nil
}

// ResyncBody selects the visual mode and an optional uniform frame.
type ResyncBody struct {
	Mode  string `json:"mode,omitempty" doc:"cut or fade; empty uses the configured resyncMode"`
	Frame *int64 `json:"frame,omitempty" doc:"Uniform frame to resync to; omitted computes each slot's target"`
}

// ResyncInput is the input for the resync endpoint. The body is optional;
// an empty POST resyncs with the configured mode at computed targets.
type ResyncInput struct {
	Body *ResyncBody
}

// Resync forces a resync of every playing slot.
func (h *ControlHandler) Resync(ctx context.Context, input *ResyncInput) (*OKOutput, error) {
	var mode string
	var frame *int64
	if input.Body != nil {
		mode = input.Body.Mode
		frame = input.Body.Frame
	}

	switch mode {
	case "", config.ResyncModeCut, config.ResyncModeFade:
	default:
		return nil, huma.Error400BadRequest("resyncMode must be one of: cut, fade")
	}

	if err := h.engine.ResyncAll(ctx, mode, frame); err != nil {
		return nil, remoteError(err)
	}
	return okOutput(), nil
}

// ResetClockInput is the input for the clock reset endpoint.
type ResetClockInput struct{}

// ResetClock re-bases the shared clock at the current instant.
func (h *ControlHandler) ResetClock(ctx context.Context, _ *ResetClockInput) (*OKOutput, error) {
	h.engine.ResetClock()
	return okOutput(), nil
}
