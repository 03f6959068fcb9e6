package httpapi

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"pharmatrack.org/internal/domain"
)

const opsProbeTimeout = 2 * time.Second

// OpsHealth reports store and cache reachability. The service stays up
// without a cache, so only a failing store makes the answer 503.
func (a *API) OpsHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), opsProbeTimeout)
	defer cancel()

	checks := map[string]string{"store": "pass", "cache": "disabled"}
	status, code := "ok", http.StatusOK
	if err := a.readyProbe.Check(ctx); err != nil {
		checks["store"] = "fail"
		status, code = "unavailable", http.StatusServiceUnavailable
	}
	if a.deps.Cache != nil {
		if err := a.deps.Cache.Ping(ctx); err != nil {
			checks["cache"] = "fail"
			if code == http.StatusOK {
				status = "degraded"
			}
		} else {
			checks["cache"] = "pass"
		}
	}
	writeJSON(w, code, map[string]any{
		"status":  status,
		"checks":  checks,
		"version": a.version,
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) CacheStats(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"cache": a.deps.Cache.Stats()}
	if a.deps.Stream != nil {
		resp["events_dropped"] = a.deps.Stream.Dropped()
		resp["subscribers"] = a.deps.Stream.Subscribers()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) ResetCacheStats(w http.ResponseWriter, r *http.Request) {
	a.deps.Cache.ResetStats()
	w.WriteHeader(http.StatusNoContent)
}

// RewarmCache drops every cached entity and primes the default listings.
func (a *API) RewarmCache(w http.ResponseWriter, r *http.Request) {
	if !a.deps.Cache.Available() {
		writeError(w, r, http.StatusServiceUnavailable, "cache unavailable")
		return
	}
	ctx := r.Context()
	invalidated := 0
	for _, entity := range []string{domain.EntityProductionLine, domain.EntityProcess, domain.EntityUser} {
		invalidated += a.deps.Cache.InvalidatePattern(ctx, entity+":*")
	}

	warmers := []struct {
		name string
		fn   func(context.Context) error
	}{
		{domain.EntityProductionLine, a.deps.Lines.Warm},
		{domain.EntityProcess, a.deps.Processes.Warm},
		{domain.EntityUser, a.deps.Users.Warm},
	}
	warmed := make([]string, 0, len(warmers))
	for _, wm := range warmers {
		if err := wm.fn(ctx); err != nil {
			a.log.Warn("cache warm failed", zap.String("entity_type", wm.name), zap.Error(err))
			continue
		}
		warmed = append(warmed, wm.name)
	}
	act, _ := actor(r)
	a.log.Info("cache rewarmed",
		zap.String("user_id", act.UserID),
		zap.Int("invalidated", invalidated),
		zap.Strings("warmed", warmed))
	writeJSON(w, http.StatusOK, map[string]any{
		"invalidated": invalidated,
		"warmed":      warmed,
		"cache":       a.deps.Cache.Stats(),
	})
}
