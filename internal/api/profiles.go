package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mkaran/stanza/internal/persona"
	"github.com/mkaran/stanza/internal/storage"
)

func queryLimit(r *http.Request, def, max int) int {
	limit := def
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > max {
		limit = max
	}
	return limit
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

// --- Profiles ---

func handleListProfiles(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		profiles, err := deps.Store.ListProfiles(queryLimit(r, 50, 500))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing profiles: %v", err)
			return
		}
		if profiles == nil {
			profiles = []persona.Profile{}
		}
		writeJSON(w, http.StatusOK, profiles)
	}
}

func handleCreateProfile(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var p persona.Profile
		if !decodeBody(w, r, &p) {
			return
		}
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		if p.Status == "" {
			p.Status = persona.StatusDraft
		}
		if p.Visibility == "" {
			p.Visibility = persona.VisibilityPrivate
		}
		if p.Version == "" {
			p.Version = "1.0.0"
		}
		if err := p.Validate(); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		// A new version of an existing profile joins its lineage and
		// starts non-primary.
		if p.ParentID != "" {
			parent, err := deps.Store.GetProfile(p.ParentID)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "parent profile %s not found", p.ParentID)
				return
			}
			p.LineageID = parent.LineageID
			p.Primary = false
		} else {
			p.LineageID = p.ID
			p.Primary = true
		}

		if err := deps.Store.CreateProfile(p); err != nil {
			httpError(w, http.StatusConflict, "conflict_error", "creating profile: %v", err)
			return
		}

		created, err := deps.Store.GetProfile(p.ID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "reading back profile: %v", err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	}
}

func handleGetProfile(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := deps.Store.GetProfile(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "profile not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

func handleUpdateProfile(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var p persona.Profile
		if !decodeBody(w, r, &p) {
			return
		}
		p.ID = chi.URLParam(r, "id")
		if err := p.Validate(); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if err := deps.Store.UpdateProfile(p); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				httpError(w, http.StatusNotFound, "not_found", "profile not found")
				return
			}
			httpError(w, http.StatusConflict, "conflict_error", "updating profile: %v", err)
			return
		}
		updated, err := deps.Store.GetProfile(p.ID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "reading back profile: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	}
}

func handleDeleteProfile(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := deps.Store.SoftDeleteProfile(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "profile not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handlePublishProfile(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		p, err := deps.Store.GetProfile(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "profile not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
			return
		}
		p.Status = persona.StatusPublished
		if err := deps.Store.UpdateProfile(p); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "publishing profile: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(persona.StatusPublished)})
	}
}

func handleSetPrimary(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		err := deps.Store.SetPrimary(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "profile not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "primary": true})
	}
}

func handleAddRating(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Rating float64 `json:"rating"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Rating < 1 || req.Rating > 5 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "rating must be between 1 and 5")
			return
		}
		err := deps.Store.AddRating(chi.URLParam(r, "id"), req.Rating)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "profile not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// --- Sections ---

func handleListSections(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		profileID := chi.URLParam(r, "id")
		if _, err := deps.Store.GetProfile(profileID); errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "profile not found")
			return
		}
		sections, err := deps.Store.ListSections(profileID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
			return
		}
		if sections == nil {
			sections = []persona.Section{}
		}
		writeJSON(w, http.StatusOK, sections)
	}
}

func handleCreateSection(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		profileID := chi.URLParam(r, "id")
		if _, err := deps.Store.GetProfile(profileID); errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "profile not found")
			return
		}

		// Sections start active unless the request says otherwise.
		var body struct {
			persona.Section
			Active *bool `json:"active"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		sec := body.Section
		sec.Active = body.Active == nil || *body.Active
		sec.ProfileID = profileID
		if sec.ID == "" {
			sec.ID = uuid.NewString()
		}
		if err := sec.Validate(); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if err := deps.Store.CreateSection(sec); err != nil {
			httpError(w, http.StatusConflict, "conflict_error", "creating section: %v", err)
			return
		}
		created, err := deps.Store.GetSection(sec.ID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "reading back section: %v", err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	}
}

func handleGetSection(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sec, err := deps.Store.GetSection(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "section not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
			return
		}
		writeJSON(w, http.StatusOK, sec)
	}
}

func handleUpdateSection(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var sec persona.Section
		if !decodeBody(w, r, &sec) {
			return
		}
		sec.ID = chi.URLParam(r, "id")
		if err := sec.Validate(); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if err := deps.Store.UpdateSection(sec); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				httpError(w, http.StatusNotFound, "not_found", "section not found")
				return
			}
			httpError(w, http.StatusConflict, "conflict_error", "updating section: %v", err)
			return
		}
		updated, err := deps.Store.GetSection(sec.ID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "reading back section: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	}
}

func handleDeleteSection(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := deps.Store.DeleteSection(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "section not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
