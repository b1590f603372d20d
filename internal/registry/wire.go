package registry

import "FlowDAQ/internal/model"

// StartRunResponse is the body returned by POST /api/v1/runs.
type StartRunResponse struct {
	ID string `json:"id"`
}

// FinalizeRunRequest is the body of POST /api/v1/runs/{id}/finalize.
type FinalizeRunRequest struct {
	Rows   []model.Sample    `json:"rows"`
	Header []string          `json:"header"`
	Meta   model.RunMetadata `json:"meta"`
}

// ListRunsResponse is the body returned by GET /api/v1/runs.
type ListRunsResponse struct {
	Runs   []model.RunMetadata `json:"runs"`
	Limit  int                 `json:"limit"`
	Offset int                 `json:"offset"`
}

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error string `json:"error"`
}
