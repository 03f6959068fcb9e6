package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"pharmatrack.org/internal/domain"
)

var auditEntityTypes = map[string]bool{
	domain.EntityProductionLine: true,
	domain.EntityProcess:        true,
	domain.EntityUser:           true,
}

func (a *API) EntityAuditLogs(w http.ResponseWriter, r *http.Request) {
	entityType := chi.URLParam(r, "type")
	if !auditEntityTypes[entityType] {
		a.handleError(w, r, domain.Validationf("entity type %q is not audited", entityType))
		return
	}
	page, err := parsePage(r)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	q := domain.AuditQuery{UserID: r.URL.Query().Get("user_id"), Page: page}
	logs, err := a.deps.Audit.FindByEntity(r.Context(), entityType, chi.URLParam(r, "id"), q)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": logs, "limit": page.Limit, "offset": page.Offset})
}

func (a *API) UserAuditLogs(w http.ResponseWriter, r *http.Request) {
	entityType := r.URL.Query().Get("entity_type")
	if entityType != "" && !auditEntityTypes[entityType] {
		a.handleError(w, r, domain.Validationf("entity type %q is not audited", entityType))
		return
	}
	page, err := parsePage(r)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	q := domain.AuditQuery{EntityType: entityType, Page: page}
	logs, err := a.deps.Audit.FindByUser(r.Context(), chi.URLParam(r, "id"), q)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": logs, "limit": page.Limit, "offset": page.Offset})
}
