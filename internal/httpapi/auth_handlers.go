package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"pharmatrack.org/internal/auth"
	"pharmatrack.org/internal/domain"
	"pharmatrack.org/internal/validation"
)

type loginRequest struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

func (a *API) Login(w http.ResponseWriter, r *http.Request) {
	if a.deps.Auth == nil {
		writeError(w, r, http.StatusServiceUnavailable, "authentication disabled")
		return
	}
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	if err := validation.Struct(req); err != nil {
		a.handleError(w, r, err)
		return
	}
	res, err := a.deps.Auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) Logout(w http.ResponseWriter, r *http.Request) {
	token, ok := auth.TokenFromContext(r.Context())
	if !ok {
		unauthorized(w, r)
		return
	}
	if err := a.deps.Auth.Logout(r.Context(), token); err != nil {
		a.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) Me(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	user, err := a.deps.Users.Get(r.Context(), principal.UserID)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user":       user,
		"session_id": principal.SessionID,
		"expires_at": principal.ExpiresAt,
	})
}

// SessionStatus reports whether a session was revoked. Callers may inspect
// their own session; administrators may inspect any.
func (a *API) SessionStatus(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	jti := strings.TrimSpace(chi.URLParam(r, "jti"))
	if jti != principal.SessionID && principal.Role != domain.RoleAdmin {
		writeError(w, r, http.StatusForbidden, "only administrators may inspect other sessions")
		return
	}
	revoked, err := a.deps.Auth.IsSessionRevoked(r.Context(), jti)
	if err != nil {
		a.log.Warn("session lookup failed", zap.String("session_id", jti), zap.Error(err))
		writeError(w, r, http.StatusServiceUnavailable, "revocation store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": jti,
		"revoked":    revoked,
	})
}
