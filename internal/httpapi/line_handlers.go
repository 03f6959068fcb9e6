package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"pharmatrack.org/internal/domain"
	"pharmatrack.org/internal/lines"
	"pharmatrack.org/internal/loader"
	"pharmatrack.org/internal/validation"
)

type reasonRequest struct {
	Reason string `json:"reason" validate:"notblank,max=1000"`
}

// lineView is a production line with its processes resolved on request.
type lineView struct {
	domain.ProductionLine
	Processes []domain.Process `json:"processes"`
}

func (a *API) CreateLine(w http.ResponseWriter, r *http.Request) {
	var in lines.CreateInput
	if err := decodeJSON(r, &in); err != nil {
		badRequest(w, r, err)
		return
	}
	if err := validation.Struct(in); err != nil {
		a.handleError(w, r, err)
		return
	}
	act, _ := actor(r)
	line, err := a.deps.Lines.Create(r.Context(), act, in)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, line)
}

func (a *API) ListLines(w http.ResponseWriter, r *http.Request) {
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
	filter := domain.LineFilter{IsActive: active, Status: domain.LineStatus(r.URL.Query().Get("status")), Page: page}
	if filter.Status != "" && !filter.Status.Valid() {
		a.handleError(w, r, domain.Validationf("status %q is not a line status", filter.Status))
		return
	}
	items, err := a.deps.Lines.List(r.Context(), filter)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	if !includes(r)["processes"] {
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
		return
	}

	l, ok := loader.FromContext(r.Context())
	if !ok {
		a.handleError(w, r, errLoadersMissing)
		return
	}
	ids := make([]string, len(items))
	for i, line := range items {
		ids[i] = line.ID
	}
	children, err := l.ProcessesForLines(r.Context(), ids)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	views := make([]lineView, len(items))
	for i, line := range items {
		views[i] = lineView{ProductionLine: line, Processes: children[line.ID]}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": views})
}

func (a *API) GetLine(w http.ResponseWriter, r *http.Request) {
	line, err := a.deps.Lines.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	if !includes(r)["processes"] {
		writeJSON(w, http.StatusOK, line)
		return
	}
	l, ok := loader.FromContext(r.Context())
	if !ok {
		a.handleError(w, r, errLoadersMissing)
		return
	}
	children, err := l.Processes(r.Context(), line.ID)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lineView{ProductionLine: line, Processes: children})
}

func (a *API) UpdateLine(w http.ResponseWriter, r *http.Request) {
	var in lines.UpdateInput
	if err := decodeJSON(r, &in); err != nil {
		badRequest(w, r, err)
		return
	}
	if err := validation.Struct(in); err != nil {
		a.handleError(w, r, err)
		return
	}
	act, _ := actor(r)
	line, err := a.deps.Lines.Update(r.Context(), act, chi.URLParam(r, "id"), in)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, line)
}

func (a *API) DeactivateLine(w http.ResponseWriter, r *http.Request) {
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
	line, err := a.deps.Lines.Deactivate(r.Context(), act, chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, line)
}
