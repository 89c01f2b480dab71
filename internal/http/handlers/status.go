package handlers

import (
	"context"

	"github.com/danielgtaylor/huma/v2"
)

// StatusHandler serves the engine status snapshot.
type StatusHandler struct {
	engine Engine
}

// NewStatusHandler creates a new status handler.
func NewStatusHandler(engine Engine) *StatusHandler {
	return &StatusHandler{engine: engine}
}

// Register registers the status route with the API.
func (h *StatusHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getStatus",
		Method:      "GET",
		Path:        "/api/status",
		Summary:     "Engine status",
		Description: "Returns the current mode, clock parameters, and one row per effective slot.",
		Tags:        []string{"Status"},
	}, h.GetStatus)
}

// GetStatusInput is the input for the status endpoint.
type GetStatusInput struct{}

// GetStatusOutput is the output for the status endpoint.
type GetStatusOutput struct {
	Body StatusBody
}

// GetStatus returns the current engine snapshot.
func (h *StatusHandler) GetStatus(ctx context.Context, _ *GetStatusInput) (*GetStatusOutput, error) {
	snap := h.engine.Status()
	return &GetStatusOutput{Body: StatusBody{OK: true, Snapshot: *snap}}, nil
}
