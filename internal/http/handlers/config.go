package handlers

import (
	"context"

	"github.com/danielgtaylor/huma/v2"

	"github.com/loopsync/loopsync/internal/config"
)

// ConfigHandler serves the playout configuration document.
type ConfigHandler struct {
	engine Engine
}

// NewConfigHandler creates a new config handler.
func NewConfigHandler(engine Engine) *ConfigHandler {
	return &ConfigHandler{engine: engine}
}

// Register registers the config routes with the API. POST /api/settings is
// a historical alias some dashboards still call.
func (h *ConfigHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getConfig",
		Method:      "GET",
		Path:        "/api/config",
		Summary:     "Get playout configuration",
		Description: "Returns the persisted playout document: clock parameters and the slot table.",
		Tags:        []string{"Config"},
	}, h.GetConfig)

	huma.Register(api, huma.Operation{
		OperationID: "updateConfig",
		Method:      "POST",
		Path:        "/api/config",
		Summary:     "Update playout configuration",
		Description: "Merges a partial update into the document, validates it, and persists atomically. A present slots array replaces the whole table, truncated to slotCapacity.",
		Tags:        []string{"Config"},
	}, h.UpdateConfig)

	huma.Register(api, huma.Operation{
		OperationID: "updateSettings",
		Method:      "POST",
		Path:        "/api/settings",
		Summary:     "Update playout configuration (alias)",
		Description: "Alias of POST /api/config.",
		Tags:        []string{"Config"},
	}, h.UpdateConfig)
}

// GetConfigInput is the input for reading the configuration.
type GetConfigInput struct{}

// GetConfigOutput is the output for reading the configuration.
type GetConfigOutput struct {
	Body ConfigBody
}

// GetConfig returns the current playout document.
func (h *ConfigHandler) GetConfig(ctx context.Context, _ *GetConfigInput) (*GetConfigOutput, error) {
	doc := h.engine.Config()
	return &GetConfigOutput{Body: ConfigBody{OK: true, Playout: *doc}}, nil
}

// UpdateConfigInput is the input for updating the configuration.
type UpdateConfigInput struct {
	Body config.PlayoutPatch
}

// UpdateConfigOutput is the output for updating the configuration.
type UpdateConfigOutput struct {
	Body ConfigBody
}

// UpdateConfig merges a partial update and persists the result. Invalid
// fields reject the whole patch with the field named; nothing is applied
// partially.
func (h *ConfigHandler) UpdateConfig(ctx context.Context, input *UpdateConfigInput) (*UpdateConfigOutput, error) {
	draft := h.engine.Config()
	input.Body.Apply(draft)
	if err := draft.Validate(); err != nil {
		return nil, huma.Error400BadRequest(err.Error())
	}

	doc, err := h.engine.UpdateConfig(ctx, &input.Body)
	if err != nil {
		return nil, huma.Error500InternalServerError("applying config update", err)
	}

	return &UpdateConfigOutput{Body: ConfigBody{OK: true, Playout: *doc}}, nil
}
