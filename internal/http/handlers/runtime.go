package handlers

import (
	"context"

	"github.com/danielgtaylor/huma/v2"

	"github.com/loopsync/loopsync/internal/observability"
)

// RuntimeHandler exposes runtime-adjustable process settings: the log
// level and the request-logging toggle.
type RuntimeHandler struct{}

// NewRuntimeHandler creates a new runtime settings handler.
func NewRuntimeHandler() *RuntimeHandler {
	return &RuntimeHandler{}
}

// Register registers the runtime settings routes with the API.
func (h *RuntimeHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getRuntimeSettings",
		Method:      "GET",
		Path:        "/api/runtime",
		Summary:     "Get runtime settings",
		Tags:        []string{"System"},
	}, h.GetRuntime)

	huma.Register(api, huma.Operation{
		OperationID: "updateRuntimeSettings",
		Method:      "PUT",
		Path:        "/api/runtime",
		Summary:     "Update runtime settings",
		Description: "Applies log level and request-logging changes immediately, without restart.",
		Tags:        []string{"System"},
	}, h.UpdateRuntime)
}

// RuntimeSettings is the runtime settings data.
type RuntimeSettings struct {
	LogLevel             string `json:"log_level"`
	EnableRequestLogging bool   `json:"enable_request_logging"`
}

// GetRuntimeInput is the input for reading runtime settings.
type GetRuntimeInput struct{}

// GetRuntimeOutput is the output for reading runtime settings.
type GetRuntimeOutput struct {
	Body struct {
		OK       bool            `json:"ok"`
		Settings RuntimeSettings `json:"settings"`
	}
}

// GetRuntime returns the current runtime settings.
func (h *RuntimeHandler) GetRuntime(ctx context.Context, _ *GetRuntimeInput) (*GetRuntimeOutput, error) {
	out := &GetRuntimeOutput{}
	out.Body.OK = true
	out.Body.Settings = RuntimeSettings{
		LogLevel:             observability.GetLogLevel(),
		EnableRequestLogging: observability.IsRequestLoggingEnabled(),
	}
	return out, nil
}

// UpdateRuntimeInput is the input for updating runtime settings.
type UpdateRuntimeInput struct {
	Body struct {
		LogLevel             *string `json:"log_level,omitempty" doc:"debug, info, warn, or error"`
		EnableRequestLogging *bool   `json:"enable_request_logging,omitempty"`
	}
}

// UpdateRuntimeOutput is the output for updating runtime settings.
type UpdateRuntimeOutput struct {
	Body struct {
		OK             bool            `json:"ok"`
		Settings       RuntimeSettings `json:"settings"`
		AppliedChanges []string        `json:"applied_changes"`
	}
}

// UpdateRuntime applies runtime settings changes. Level changes take
// effect on every logger sharing the process-wide level var.
func (h *RuntimeHandler) UpdateRuntime(ctx context.Context, input *UpdateRuntimeInput) (*UpdateRuntimeOutput, error) {
	applied := []string{}

	if input.Body.LogLevel != nil {
		observability.SetLogLevel(*input.Body.LogLevel)
		applied = append(applied, "log_level")
	}

	if input.Body.EnableRequestLogging != nil {
		observability.SetRequestLogging(*input.Body.EnableRequestLogging)
		applied = append(applied, "enable_request_logging")
	}

	out := &UpdateRuntimeOutput{}
	out.Body.OK = true
	out.Body.Settings = RuntimeSettings{
		LogLevel:             observability.GetLogLevel(),
		EnableRequestLogging: observability.IsRequestLoggingEnabled(),
	}
	out.Body.AppliedChanges = applied
	return out, nil
}
