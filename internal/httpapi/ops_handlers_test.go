package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"pharmatrack.org/internal/cache"
)

func newTestCache(t *testing.T) (*cache.Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	c := cache.New(cache.NewRedisBackend(client))
	c.Start(context.Background())
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

type statsBody struct {
	Cache cache.Stats `json:"cache"`
}

func TestOpsCacheStatsResetAndRewarm(t *testing.T) {
	c, _ := newTestCache(t)
	api := newTestAPI(t, withCache(c))
	admin := api.login(adminEmail, adminPassword)
	qa := api.createUser(admin, "qa@example.com", "QUALITY_ASSURANCE")

	resp := api.post("/v1/production-lines", map[string]any{"name": "Line", "reason": "setup"}, admin)
	expectStatus(t, resp, http.StatusCreated)
	resp.Body.Close()

	for i := 0; i < 2; i++ {
		resp = api.get("/v1/production-lines", nil, qa)
		expectStatus(t, resp, http.StatusOK)
		resp.Body.Close()
	}

	resp = api.get("/v1/ops/cache/stats", nil, qa)
	expectStatus(t, resp, http.StatusOK)
	stats := decode[statsBody](t, resp)
	if stats.Cache.Hits != 1 || stats.Cache.Misses != 1 || stats.Cache.HitRate != 0.5 || !stats.Cache.Available {
		t.Fatalf("unexpected stats: %+v", stats.Cache)
	}

	resp = api.post("/v1/ops/cache/stats/reset", nil, qa)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = api.post("/v1/ops/cache/stats/reset", nil, admin)
	expectStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()
	if s := c.Stats(); s.Hits != 0 || s.Misses != 0 {
		t.Fatalf("expected reset stats, got %+v", s)
	}

	resp = api.post("/v1/ops/cache/rewarm", nil, qa)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = api.post("/v1/ops/cache/rewarm", nil, admin)
	expectStatus(t, resp, http.StatusOK)
	body := decode[struct {
		Invalidated int      `json:"invalidated"`
		Warmed      []string `json:"warmed"`
	}](t, resp)
	if body.Invalidated < 1 {
		t.Fatalf("expected cached listing to be dropped, got %d", body.Invalidated)
	}
	if len(body.Warmed) != 3 {
		t.Fatalf("expected three warmed entity types, got %v", body.Warmed)
	}
}

func TestOpsHealthReportsDegradedCache(t *testing.T) {
	c, mr := newTestCache(t)
	api := newTestAPI(t, withCache(c))
	admin := api.login(adminEmail, adminPassword)

	resp := api.get("/v1/ops/health", nil, admin)
	expectStatus(t, resp, http.StatusOK)
	body := decode[struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}](t, resp)
	if body.Status != "ok" || body.Checks["store"] != "pass" || body.Checks["cache"] != "pass" {
		t.Fatalf("unexpected health: %+v", body)
	}

	mr.SetError("ERR simulated outage")
	resp = api.get("/v1/ops/health", nil, admin)
	expectStatus(t, resp, http.StatusOK)
	body = decode[struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}](t, resp)
	if body.Status != "degraded" || body.Checks["cache"] != "fail" {
		t.Fatalf("expected degraded cache, got %+v", body)
	}

	// Reads keep working from the store while the cache is down.
	resp = api.get("/v1/production-lines", nil, admin)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}

func TestStreamDeliversChangeEvents(t *testing.T) {
	api := newTestAPI(t)
	admin := api.login(adminEmail, adminPassword)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, api.baseURL+"/v1/events", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", admin["Authorization"])
	resp, err := api.client.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type: %s", ct)
	}

	reader := bufio.NewReader(resp.Body)
	first, err := reader.ReadString('\n')
	if err != nil || !strings.HasPrefix(first, ": stream started") {
		t.Fatalf("unexpected stream preamble %q: %v", first, err)
	}

	created := api.post("/v1/production-lines", map[string]any{"name": "Streamed", "reason": "setup"}, admin)
	expectStatus(t, created, http.StatusCreated)
	lineID := decode[map[string]any](t, created)["id"].(string)

	var event, data string
	for data == "" {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
	if event != "production_line" {
		t.Fatalf("unexpected event name: %q", event)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if payload["entity_id"] != lineID || payload["action"] != "CREATE" {
		t.Fatalf("unexpected event payload: %v", payload)
	}
}
