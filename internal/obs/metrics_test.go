package obs

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                     "/",
		"/metrics":                             "/metrics",
		"/v1/production-lines":                 "/v1/production-lines",
		"/v1/production-lines/01HX":            "/v1/production-lines/:id",
		"/v1/production-lines/01HX/deactivate": "/v1/production-lines/:id/deactivate",
		"/v1/processes/abc?include=creator":    "/v1/processes/:id",
		"/v1/users/abc/extra":                  "/v1/users/abc/extra",
		"/v1/audit-logs/entities/process/P1":   "/v1/audit-logs/entities/:type/:id",
		"/v1/audit-logs/users/U1":              "/v1/audit-logs/users/:id",
		"/v1/auth/sessions/jti-1":              "/v1/auth/sessions/:id",
		"/v1/auth/login":                       "/v1/auth/login",
	}
	for input, expected := range cases {
		assert.Equal(t, expected, CanonicalPath(input), "input %q", input)
	}
}

func TestInstrumentUsesRoutePattern(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Instrument)
	r.Get("/v1/things/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/v1/things/{id}", "418"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/things/42", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/v1/things/{id}", "418"))
	assert.Equal(t, before+1, after)
}
