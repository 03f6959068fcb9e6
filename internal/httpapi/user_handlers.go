package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"pharmatrack.org/internal/auth"
	"pharmatrack.org/internal/domain"
	"pharmatrack.org/internal/users"
	"pharmatrack.org/internal/validation"
)

func (a *API) CreateUser(w http.ResponseWriter, r *http.Request) {
	var in users.CreateInput
	if err := decodeJSON(r, &in); err != nil {
		badRequest(w, r, err)
		return
	}
	if err := validation.Struct(in); err != nil {
		a.handleError(w, r, err)
		return
	}
	act, _ := actor(r)
	user, err := a.deps.Users.Create(r.Context(), act, in)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func (a *API) ListUsers(w http.ResponseWriter, r *http.Request) {
	page, err := parsePage(r)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	active, err := parseBool(r.URL.Query().Get("is_active"), "is_active")
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	filter := domain.UserFilter{IsActive: active, Role: domain.Role(r.URL.Query().Get("role")), Page: page}
	if filter.Role != "" && !filter.Role.Valid() {
		a.handleError(w, r, domain.Validationf("role %q is not a known role", filter.Role))
		return
	}
	items, err := a.deps.Users.List(r.Context(), filter)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// GetUser returns a profile. Operators and QA staff may only read their own.
func (a *API) GetUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	principal, _ := auth.PrincipalFromContext(r.Context())
	if id != principal.UserID {
		if err := principal.Authorize(domain.RoleAdmin, domain.RoleManager); err != nil {
			a.handleError(w, r, err)
			return
		}
	}
	user, err := a.deps.Users.Get(r.Context(), id)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *API) UpdateUser(w http.ResponseWriter, r *http.Request) {
	var in users.UpdateInput
	if err := decodeJSON(r, &in); err != nil {
		badRequest(w, r, err)
		return
	}
	if err := validation.Struct(in); err != nil {
		a.handleError(w, r, err)
		return
	}
	act, _ := actor(r)
	user, err := a.deps.Users.Update(r.Context(), act, chi.URLParam(r, "id"), in)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *API) DeactivateUser(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	if err := validation.Struct(req); err != nil {
		a.handleError(w, r, err)
		return
	}
	act, _ := actor(r)
	user, err := a.deps.Users.Deactivate(r.Context(), act, chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}
