package types

import "errors"

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// NewErrorResponse builds a consistent API error payload.
// details can be string, map, struct, etc.
func NewErrorResponse(code, message string, details any) ErrorResponse {
	return ErrorResponse{
		Error: ErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// ScheduleResult is the acknowledgement returned for schedule requests.
type ScheduleResult struct {
	Result string         `json:"result"`
	Data   map[string]any `json:"data"`
	Info   string         `json:"info"`
}

// ErrConfiguration marks a configuration that cannot start a simulation run.
var ErrConfiguration = errors.New("configuration error")
