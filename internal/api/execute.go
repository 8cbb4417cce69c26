package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mkaran/stanza/internal/assembler"
	"github.com/mkaran/stanza/internal/persona"
	"github.com/mkaran/stanza/internal/pipeline"
	"github.com/mkaran/stanza/internal/provider"
	"github.com/mkaran/stanza/internal/storage"
)

// PreviewRequest selects and assembles without calling the provider.
type PreviewRequest struct {
	Context  persona.SelectionContext `json:"context"`
	Assembly assembler.Options        `json:"assembly"`
}

// ExecuteRequest runs the full pipeline.
type ExecuteRequest struct {
	Context     persona.SelectionContext `json:"context"`
	Assembly    assembler.Options        `json:"assembly"`
	Temperature *float64                 `json:"temperature,omitempty"`
	MaxTokens   *int                     `json:"max_tokens,omitempty"`
	TimeoutMs   int                      `json:"timeout_ms,omitempty"`
	TraceID     string                   `json:"trace_id,omitempty"`
	Model       string                   `json:"model,omitempty"`
}

func handlePreview(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req PreviewRequest
		if !decodeBody(w, r, &req) {
			return
		}

		applyAssemblyDefaults(&req.Assembly, deps.Defaults)
		prompt, err := deps.Runner.Preview(r.Context(), chi.URLParam(r, "id"), req.Context, req.Assembly)
		if err != nil {
			pipelineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, prompt)
	}
}

func handleExecute(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ExecuteRequest
		if !decodeBody(w, r, &req) {
			return
		}
		profileID := chi.URLParam(r, "id")

		applyAssemblyDefaults(&req.Assembly, deps.Defaults)
		if req.TraceID == "" {
			req.TraceID = uuid.NewString()
		}
		execOpts := provider.ExecutionOptions{
			Temperature: req.Temperature,
			MaxTokens:   req.MaxTokens,
			TraceID:     req.TraceID,
			Model:       req.Model,
		}
		if req.TimeoutMs > 0 {
			execOpts.Timeout = time.Duration(req.TimeoutMs) * time.Millisecond
		}

		result, err := deps.Runner.Run(r.Context(), profileID, req.Context, req.Assembly, execOpts)
		if err != nil {
			pipelineError(w, err)
			return
		}

		if err := deps.Store.IncrementUsage(profileID); err != nil {
			slog.Warn("incrementing profile usage", "profile_id", profileID, "error", err)
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func applyAssemblyDefaults(opts *assembler.Options, def assembler.Options) {
	if opts.MaxBudget == 0 {
		opts.MaxBudget = def.MaxBudget
	}
	if opts.Units == "" {
		opts.Units = def.Units
	}
}

func handleListExecutions(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		executions, err := deps.Store.ListExecutions(r.URL.Query().Get("profile_id"), queryLimit(r, 50, 500))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
			return
		}
		if executions == nil {
			executions = []storage.Execution{}
		}
		writeJSON(w, http.StatusOK, executions)
	}
}

func handleGetExecution(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		e, err := deps.Store.GetExecution(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "execution not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
			return
		}
		writeJSON(w, http.StatusOK, e)
	}
}

// ExecutionSink persists pipeline run records to storage. It implements
// pipeline.ResultSink.
type ExecutionSink struct {
	Store *storage.Store
}

// RecordRun writes one execution row; failures are logged, never surfaced,
// so persistence problems cannot mask the pipeline's own result.
func (s *ExecutionSink) RecordRun(rec pipeline.Record) {
	e := storage.Execution{
		ID:        rec.Result.ID,
		ProfileID: rec.ProfileID,
		TraceID:   rec.TraceID,
		Request:   rec.Request,
		Prompt:    rec.Prompt.Text,
		Model:     rec.Result.Model,
		Attempts:  rec.Result.Attempts,
		CreatedAt: rec.StartedAt,
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if rec.Err != nil {
		e.Status = "failed"
		e.Error = rec.Err.Error()
		var unavailable *provider.UnavailableError
		if errors.As(rec.Err, &unavailable) {
			e.Attempts = unavailable.Attempts
		}
	} else {
		e.Status = "succeeded"
		e.Response = rec.Result.Text
		e.FinishReason = string(rec.Result.FinishReason)
		e.PromptTokens = rec.Result.Usage.PromptTokens
		e.CompletionTokens = rec.Result.Usage.CompletionTokens
		e.TotalTokens = rec.Result.Usage.TotalTokens
		e.LatencyMs = rec.Result.Latency.Milliseconds()
	}
	if err := s.Store.SaveExecution(e); err != nil {
		slog.Warn("saving execution record", "trace_id", rec.TraceID, "error", err)
	}
}
