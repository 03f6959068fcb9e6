package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"pharmatrack.org/internal/audit"
	"pharmatrack.org/internal/auth"
	"pharmatrack.org/internal/cache"
	"pharmatrack.org/internal/domain"
	"pharmatrack.org/internal/lines"
	"pharmatrack.org/internal/obs"
	"pharmatrack.org/internal/processes"
	"pharmatrack.org/internal/store"
	"pharmatrack.org/internal/stream"
	"pharmatrack.org/internal/users"
)

const serviceName = "pharmatrack-api"

var errLoadersMissing = errors.New("request loaders not installed")

type readinessChecker interface {
	Check(ctx context.Context) error
}

// ReadyProbe reports readiness by pinging the data store.
type ReadyProbe struct {
	Store interface{ Ping(context.Context) error }
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Store == nil {
		return nil
	}
	return rp.Store.Ping(ctx)
}

// Deps are the collaborators the HTTP layer dispatches to.
type Deps struct {
	Store     store.Gateway
	Cache     *cache.Cache
	Stream    *stream.Stream
	Auth      *auth.Service
	Audit     *audit.Recorder
	Lines     *lines.Service
	Processes *processes.Service
	Users     *users.Service
}

// API is the HTTP layer.
type API struct {
	router     chi.Router
	deps       Deps
	readyProbe readinessChecker
	log        *zap.Logger
	version    string
	origins    []string
	maxBody    int64
	rateBurst  int
	ratePerSec int
	loaderWait time.Duration
}

type Option func(*API)

func WithLogger(l *zap.Logger) Option {
	return func(a *API) {
		if l != nil {
			a.log = l
		}
	}
}

func WithVersion(v string) Option {
	return func(a *API) { a.version = v }
}

// WithAllowedOrigins lists the CORS origins. Empty allows only localhost.
func WithAllowedOrigins(origins ...string) Option {
	return func(a *API) { a.origins = origins }
}

func WithMaxBodyBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBody = n
		}
	}
}

// WithRateLimit enables the per-client token bucket.
func WithRateLimit(burst, perSecond int) Option {
	return func(a *API) {
		a.rateBurst = burst
		a.ratePerSec = perSecond
	}
}

// WithLoaderWait sets the batch window of the per-request loaders.
func WithLoaderWait(d time.Duration) Option {
	return func(a *API) { a.loaderWait = d }
}

func New(deps Deps, opts ...Option) *API {
	a := &API{
		deps:       deps,
		readyProbe: ReadyProbe{Store: deps.Store},
		log:        zap.NewNop(),
		version:    "dev",
		maxBody:    1 << 20,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.router = a.routes()
	return a
}

func (a *API) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, AccessLog(a.log), middleware.Recoverer)
	r.Use(obs.Instrument, SecurityHeaders, CORS(a.origins...), MaxBodyBytes(a.maxBody))
	if a.rateBurst > 0 && a.ratePerSec > 0 {
		burst, perSec := a.rateBurst, a.ratePerSec
		r.Use(func(next http.Handler) http.Handler { return RateLimit(next, burst, perSec) })
	}
	r.Use(a.requestScope)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Get("/v1/info", a.Info)
	r.Handle("/metrics", obs.Handler())
	r.Post("/v1/auth/login", a.Login)

	r.Group(func(protected chi.Router) {
		protected.Use(a.authenticate)

		protected.Post("/v1/auth/logout", a.Logout)
		protected.Get("/v1/auth/me", a.Me)
		protected.Get("/v1/auth/sessions/{jti}", a.SessionStatus)

		protected.Route("/v1/production-lines", func(r chi.Router) {
			r.Get("/", a.ListLines)
			r.Get("/{id}", a.GetLine)
			r.Group(func(mut chi.Router) {
				mut.Use(RequireRole(domain.RoleAdmin, domain.RoleManager))
				mut.Post("/", a.CreateLine)
				mut.Patch("/{id}", a.UpdateLine)
				mut.Post("/{id}/deactivate", a.DeactivateLine)
			})
		})

		protected.Route("/v1/processes", func(r chi.Router) {
			r.Get("/", a.ListProcesses)
			r.Get("/{id}", a.GetProcess)
			r.Group(func(mut chi.Router) {
				mut.Use(RequireRole(domain.RoleAdmin, domain.RoleManager, domain.RoleOperator))
				mut.Post("/", a.CreateProcess)
				mut.Patch("/{id}", a.UpdateProcess)
				mut.Post("/{id}/deactivate", a.DeactivateProcess)
			})
		})

		protected.Route("/v1/users", func(r chi.Router) {
			r.Get("/{id}", a.GetUser)
			r.Patch("/{id}", a.UpdateUser)
			r.With(RequireRole(domain.RoleAdmin, domain.RoleManager)).Get("/", a.ListUsers)
			r.Group(func(mut chi.Router) {
				mut.Use(RequireRole(domain.RoleAdmin))
				mut.Post("/", a.CreateUser)
				mut.Post("/{id}/deactivate", a.DeactivateUser)
			})
		})

		protected.Route("/v1/audit-logs", func(r chi.Router) {
			r.Use(RequireRole(domain.RoleAdmin, domain.RoleManager, domain.RoleQualityAssurance))
			r.Get("/entities/{type}/{id}", a.EntityAuditLogs)
			r.Get("/users/{id}", a.UserAuditLogs)
		})

		protected.Get("/v1/events", a.Stream)

		protected.Route("/v1/ops", func(r chi.Router) {
			r.Get("/health", a.OpsHealth)
			r.Get("/cache/stats", a.CacheStats)
			r.Group(func(mut chi.Router) {
				mut.Use(RequireRole(domain.RoleAdmin))
				mut.Post("/cache/stats/reset", a.ResetCacheStats)
				mut.Post("/cache/rewarm", a.RewarmCache)
			})
		})
	})
	return r
}

// Handler returns the root http.Handler.
func (a *API) Handler() http.Handler {
	return a.router
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

// RequestIDFromContext returns the id assigned by the RequestID middleware.
func RequestIDFromContext(ctx context.Context) string {
	return middleware.GetReqID(ctx)
}

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// badRequest reports a body that could not be decoded.
func badRequest(w http.ResponseWriter, r *http.Request, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, r, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, r, http.StatusBadRequest, err.Error())
}

// handleError maps domain error kinds onto HTTP status codes.
func (a *API) handleError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrUnauthorized):
		writeError(w, r, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, domain.ErrForbidden):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrInvalidState):
		writeError(w, r, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, context.Canceled):
		// client went away; nothing useful to send
	default:
		a.log.Error("request failed",
			zap.String("request_id", RequestIDFromContext(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func parsePositiveInt(raw, name string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, domain.Validationf("%s must be an integer", name)
	}
	if val < min || val > max {
		return 0, domain.Validationf("%s must be between %d and %d", name, min, max)
	}
	return val, nil
}

func parsePage(r *http.Request) (domain.Page, error) {
	q := r.URL.Query()
	limit, err := parsePositiveInt(q.Get("limit"), "limit", domain.DefaultLimit, 1, domain.MaxLimit)
	if err != nil {
		return domain.Page{}, err
	}
	offset, err := parsePositiveInt(q.Get("offset"), "offset", 0, 0, int(^uint32(0)>>1))
	if err != nil {
		return domain.Page{}, err
	}
	return domain.Page{Limit: limit, Offset: offset}, nil
}

func parseBool(raw, name string) (*bool, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, domain.Validationf("%s must be true or false", name)
	}
	return &v, nil
}

// includes parses a comma separated include parameter.
func includes(r *http.Request) map[string]bool {
	out := make(map[string]bool)
	for _, part := range strings.Split(r.URL.Query().Get("include"), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out[part] = true
		}
	}
	return out
}
