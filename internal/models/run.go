package models

import "webship/internal/pipeline"

type RunRequest struct {
	CommitRef string `json:"commit_ref"`
}

type RunResponse struct {
	Status      string `json:"status"`
	BuildNumber int    `json:"build_number"`
	CommitRef   string `json:"commit_ref"`
	Message     string `json:"message,omitempty"`
}

type RunStatusResponse struct {
	BuildNumber int                    `json:"build_number"`
	CommitRef   string                 `json:"commit_ref"`
	Status      string                 `json:"status"`
	Summary     string                 `json:"summary,omitempty"`
	Stages      []pipeline.StageResult `json:"stages"`
}
