package handlers

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"github.com/loopsync/loopsync/internal/engine"
)

// ErrorModel is the single error envelope the API speaks: every failure is
// `{ok:false, error:...}` with a 4xx/5xx status. Remote failures carry the
// per-slot breakdown in failures.
type ErrorModel struct {
	status int

	OK       bool          `json:"ok"`
	Message  string        `json:"error"`
	Failures []SlotFailure `json:"failures,omitempty"`
}

// SlotFailure is one slot's share of an aggregated remote failure.
type SlotFailure struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// Error implements the error interface.
func (e *ErrorModel) Error() string { return e.Message }

// GetStatus implements huma.StatusError.
func (e *ErrorModel) GetStatus() int { return e.status }

// ContentType forces the envelope to plain JSON instead of problem+json.
func (e *ErrorModel) ContentType(string) string { return "application/json" }

func init() {
	// Route every huma-generated error (validation failures included)
	// through the envelope.
	huma.NewError = func(status int, message string, errs ...error) huma.StatusError {
		details := make([]string, 0, len(errs))
		for _, err := range errs {
			if err != nil {
				details = append(details, err.Error())
			}
		}
		if len(details) > 0 {
			message = fmt.Sprintf("%s: %s", message, strings.Join(details, "; "))
		}
		return &ErrorModel{status: status, Message: message}
	}
}

// remoteError maps a sync-operation failure onto the wire. Aggregated
// per-slot remote failures become 502 with the failures list; anything
// else is a plain 500.
func remoteError(err error) error {
	if opErr, ok := engine.AsOpError(err); ok {
		failures := make([]SlotFailure, 0, len(opErr.Slots))
		for _, s := range opErr.Slots {
			failures = append(failures, SlotFailure{Index: s.Index, Error: s.Err.Error()})
		}
		return &ErrorModel{
			status:   http.StatusBadGateway,
			Message:  opErr.Error(),
			Failures: failures,
		}
	}
	return huma.Error500InternalServerError(err.Error())
}
