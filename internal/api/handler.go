// Package api exposes the admin HTTP surface: profile and section CRUD,
// prompt preview, pipeline execution, and execution history. All routes
// except /health sit behind bearer-token auth.
package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mkaran/stanza/internal/assembler"
	"github.com/mkaran/stanza/internal/pipeline"
	"github.com/mkaran/stanza/internal/provider"
	"github.com/mkaran/stanza/internal/selector"
	"github.com/mkaran/stanza/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Deps holds everything the handlers need.
type Deps struct {
	Store      *storage.Store
	Runner     *pipeline.Runner
	Token      string
	HTTPClient *http.Client // used by the section importer for URL fetches

	// Defaults fills in assembly options the request leaves zero.
	Defaults assembler.Options
}

// NewHandler returns the admin API router.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/profiles", handleListProfiles(deps))
		r.Post("/profiles", handleCreateProfile(deps))
		r.Get("/profiles/{id}", handleGetProfile(deps))
		r.Put("/profiles/{id}", handleUpdateProfile(deps))
		r.Delete("/profiles/{id}", handleDeleteProfile(deps))
		r.Post("/profiles/{id}/publish", handlePublishProfile(deps))
		r.Post("/profiles/{id}/primary", handleSetPrimary(deps))
		r.Post("/profiles/{id}/rating", handleAddRating(deps))

		r.Get("/profiles/{id}/sections", handleListSections(deps))
		r.Post("/profiles/{id}/sections", handleCreateSection(deps))
		r.Post("/profiles/{id}/sections/import", handleImportSection(deps))
		r.Get("/sections/{id}", handleGetSection(deps))
		r.Put("/sections/{id}", handleUpdateSection(deps))
		r.Delete("/sections/{id}", handleDeleteSection(deps))

		r.Post("/profiles/{id}/preview", handlePreview(deps))
		r.Post("/profiles/{id}/execute", handleExecute(deps))
		r.Get("/executions", handleListExecutions(deps))
		r.Get("/executions/{id}", handleGetExecution(deps))
	})

	return r
}

// BearerAuth guards routes with a constant-time token comparison.
func BearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(auth, prefix) || subtle.ConstantTimeCompare([]byte(auth[len(prefix):]), []byte(token)) != 1 {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

// pipelineError maps engine errors onto HTTP responses carrying the error
// kind and the section ids involved, so operators can fix the profile.
func pipelineError(w http.ResponseWriter, err error) {
	var depErr *assembler.DependencyConflictError
	var exclErr *assembler.MutualExclusionError
	var budgetErr *assembler.BudgetExceededError
	var rejected *provider.RejectedError
	var unavailable *provider.UnavailableError

	switch {
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "profile not found")
	case errors.Is(err, selector.ErrInvalidContext):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.Is(err, selector.ErrNoSections):
		httpError(w, http.StatusUnprocessableEntity, "invalid_profile_error", "%v", err)
	case errors.As(err, &depErr):
		structuredError(w, "dependency_conflict", err.Error(), depErr.Dependent, depErr.Dependency, depErr.ConflictsWith)
	case errors.As(err, &exclErr):
		structuredError(w, "mutual_exclusion", err.Error(), exclErr.SectionA, exclErr.SectionB)
	case errors.As(err, &budgetErr):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error": map[string]any{
				"type":    "budget_exceeded",
				"message": err.Error(),
				"size":    budgetErr.Size,
				"budget":  budgetErr.Budget,
				"units":   budgetErr.Units,
			},
		})
	case errors.As(err, &rejected):
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error": map[string]any{
				"type":            "provider_rejected",
				"message":         err.Error(),
				"provider_status": rejected.Status,
			},
		})
	case errors.As(err, &unavailable):
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error": map[string]any{
				"type":     "provider_unavailable",
				"message":  err.Error(),
				"attempts": unavailable.Attempts,
			},
		})
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
	}
}

func structuredError(w http.ResponseWriter, errType, msg string, sectionIDs ...string) {
	ids := make([]string, 0, len(sectionIDs))
	for _, id := range sectionIDs {
		if id != "" {
			ids = append(ids, id)
		}
	}
	writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
		"error": map[string]any{
			"type":     errType,
			"message":  msg,
			"sections": ids,
		},
	})
}
