package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Execution is a persisted record of one pipeline run, success or failure.
type Execution struct {
	ID               string    `json:"id"`
	ProfileID        string    `json:"profile_id"`
	TraceID          string    `json:"trace_id,omitempty"`
	Request          string    `json:"request,omitempty"`
	Prompt           string    `json:"prompt,omitempty"`
	Response         string    `json:"response,omitempty"`
	Model            string    `json:"model,omitempty"`
	FinishReason     string    `json:"finish_reason,omitempty"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	Attempts         int       `json:"attempts"`
	LatencyMs        int64     `json:"latency_ms"`
	Status           string    `json:"status"` // "succeeded" or "failed"
	Error            string    `json:"error,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}
