package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"pharmatrack.org/internal/domain"
	"pharmatrack.org/internal/loader"
	"pharmatrack.org/internal/processes"
	"pharmatrack.org/internal/validation"
)

type processView struct {
	domain.Process
	ProductionLine *domain.ProductionLine `json:"production_line,omitempty"`
	Creator        *domain.User           `json:"creator,omitempty"`
}

// expandProcesses resolves the requested relations for every item. All
// loads are queued before any is awaited so each relation costs one batch.
func expandProcesses(ctx context.Context, items []domain.Process, withLine, withCreator bool) ([]processView, error) {
	l, ok := loader.FromContext(ctx)
	if !ok {
		return nil, errLoadersMissing
	}
	type pending struct {
		line    func() (*domain.ProductionLine, error)
		creator func() (*domain.User, error)
	}
	queued := make([]pending, len(items))
	for i, p := range items {
		if withLine {
			queued[i].line = l.LineByID.Load(ctx, p.ProductionLineID)
		}
		if withCreator && p.CreatedBy != "" {
			queued[i].creator = l.UserByID.Load(ctx, p.CreatedBy)
		}
	}

	views := make([]processView, len(items))
	for i, p := range items {
		views[i].Process = p
		if queued[i].line != nil {
			line, err := queued[i].line()
			if err != nil {
				return nil, err
			}
			views[i].ProductionLine = line
		}
		if queued[i].creator != nil {
			user, err := queued[i].creator()
			if err != nil {
				return nil, err
			}
			views[i].Creator = user
		}
	}
	return views, nil
}

func (a *API) CreateProcess(w http.ResponseWriter, r *http.Request) {
	var in processes.CreateInput
	if err := decodeJSON(r, &in); err != nil {
		badRequest(w, r, err)
		return
	}
	if err := validation.Struct(in); err != nil {
		a.handleError(w, r, err)
		return
	}
	act, _ := actor(r)
	proc, err := a.deps.Processes.Create(r.Context(), act, in)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, proc)
}

func (a *API) ListProcesses(w http.ResponseWriter, r *http.Request) {
	page, err := parsePage(r)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	q := r.URL.Query()
	active, err := parseBool(q.Get("is_active"), "is_active")
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	filter := domain.ProcessFilter{
		ProductionLineID: q.Get("production_line_id"),
		IsActive:         active,
		Status:           domain.ProcessStatus(q.Get("status")),
		Page:             page,
	}
	if filter.Status != "" && !filter.Status.Valid() {
		a.handleError(w, r, domain.Validationf("status %q is not a process status", filter.Status))
		return
	}
	items, err := a.deps.Processes.List(r.Context(), filter)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	inc := includes(r)
	if !inc["production_line"] && !inc["creator"] {
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
		return
	}
	views, err := expandProcesses(r.Context(), items, inc["production_line"], inc["creator"])
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": views})
}

func (a *API) GetProcess(w http.ResponseWriter, r *http.Request) {
	proc, err := a.deps.Processes.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	inc := includes(r)
	if !inc["production_line"] && !inc["creator"] {
		writeJSON(w, http.StatusOK, proc)
		return
	}
	views, err := expandProcesses(r.Context(), []domain.Process{proc}, inc["production_line"], inc["creator"])
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, views[0])
}

func (a *API) UpdateProcess(w http.ResponseWriter, r *http.Request) {
	var in processes.UpdateInput
	if err := decodeJSON(r, &in); err != nil {
		badRequest(w, r, err)
		return
	}
	if err := validation.Struct(in); err != nil {
		a.handleError(w, r, err)
		return
	}
	act, _ := actor(r)
	proc, err := a.deps.Processes.Update(r.Context(), act, chi.URLParam(r, "id"), in)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, proc)
}

func (a *API) DeactivateProcess(w http.ResponseWriter, r *http.Request) {
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
	proc, err := a.deps.Processes.Deactivate(r.Context(), act, chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, proc)
}
