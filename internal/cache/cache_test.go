package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pharmatrack.org/internal/stream"
)

type line struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := NewRedisClient(RedisOptions{Addr: mr.Addr()})
	c := New(NewRedisBackend(client), WithTTL(time.Minute))
	t.Cleanup(func() { _ = c.Close() })
	c.Start(context.Background())
	require.True(t, c.Available())
	return c, mr
}

func TestGetOrSetCallsFactoryOnce(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()
	calls := 0
	factory := func(context.Context) (line, error) {
		calls++
		return line{ID: "L1", Name: "Line A"}, nil
	}

	first, err := GetOrSet(ctx, c, Key("production_line", "L1"), factory)
	require.NoError(t, err)
	second, err := GetOrSet(ctx, c, Key("production_line", "L1"), factory)
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	assert.Equal(t, first, second)
	assert.True(t, mr.Exists("production_line:L1"))
	assert.Equal(t, time.Minute, mr.TTL("production_line:L1"))

	s := c.Stats()
	assert.Equal(t, int64(1), s.Hits)
	assert.Equal(t, int64(1), s.Misses)
	assert.InDelta(t, 0.5, s.HitRate, 1e-9)

	c.ResetStats()
	assert.Equal(t, Stats{Available: true}, c.Stats())
}

func TestGetOrSetFactoryErrorStoresNothing(t *testing.T) {
	c, mr := newTestCache(t)
	boom := errors.New("store down")

	_, err := GetOrSet(context.Background(), c, "production_line:L1", func(context.Context) (line, error) {
		return line{}, boom
	})
	require.ErrorIs(t, err, boom)
	assert.False(t, mr.Exists("production_line:L1"))
}

func TestNilCachePassesThrough(t *testing.T) {
	var c *Cache
	v, err := GetOrSet(context.Background(), c, "k", func(context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)
	assert.Equal(t, Stats{}, c.Stats())
}

func TestInvalidateByTags(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	c.Set(ctx, "production_line:L1", line{ID: "L1"}, Tags("production_line"))
	c.Set(ctx, "production_line:L1:processes", []string{"P1"}, Tags("production_line", "process"))
	c.Set(ctx, "user:U1", map[string]string{"id": "U1"}, Tags("user"))

	n := c.InvalidateByTags(ctx, "process")
	assert.Equal(t, 1, n)
	assert.False(t, mr.Exists("production_line:L1:processes"))
	assert.False(t, mr.Exists(tagIndexPrefix+"production_line:L1:processes"))
	assert.True(t, mr.Exists("production_line:L1"))
	assert.True(t, mr.Exists("user:U1"))

	assert.Equal(t, 0, c.InvalidateByTags(ctx, "unknown"))
}

func TestInvalidatePatternRemovesTagIndex(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	c.Set(ctx, "process:P1", line{ID: "P1"}, Tags("process"))
	c.Set(ctx, "process:list:all", []line{{ID: "P1"}})
	c.Set(ctx, "user:U1", line{ID: "U1"})

	n := c.InvalidatePattern(ctx, "process:*")
	assert.Equal(t, 2, n)
	assert.False(t, mr.Exists("process:P1"))
	assert.False(t, mr.Exists(tagIndexPrefix+"process:P1"))
	assert.False(t, mr.Exists("process:list:all"))
	assert.True(t, mr.Exists("user:U1"))
}

func TestDegradesAndRecovers(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()
	calls := 0
	factory := func(context.Context) (string, error) {
		calls++
		return "fresh", nil
	}

	mr.SetError("ERR simulated outage")
	v, err := GetOrSet(ctx, c, "user:U1", factory)
	require.NoError(t, err)
	assert.Equal(t, "fresh", v)
	assert.False(t, c.Available())
	assert.Equal(t, 0, c.InvalidatePattern(ctx, "*"))

	require.Error(t, c.Ping(ctx))
	assert.False(t, c.Available())

	mr.SetError("")
	require.NoError(t, c.Ping(ctx))
	assert.True(t, c.Available())

	_, err = GetOrSet(ctx, c, "user:U1", factory)
	require.NoError(t, err)
	_, err = GetOrSet(ctx, c, "user:U1", factory)
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestNilBackendIsUnavailable(t *testing.T) {
	c := New(nil)
	c.Start(context.Background())
	assert.False(t, c.Available())
	require.Error(t, c.Ping(context.Background()))

	calls := 0
	for i := 0; i < 2; i++ {
		_, err := GetOrSet(context.Background(), c, "k", func(context.Context) (int, error) {
			calls++
			return 1, nil
		})
		require.NoError(t, err)
	}
	assert.Equal(t, 2, calls)
	require.NoError(t, c.Close())
}

func TestConsumeInvalidatesEntityType(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	c.Set(ctx, "production_line:L1", line{ID: "L1"})
	c.Set(ctx, "process:list:line=L1", []line{}, Tags("production_line"))
	c.Set(ctx, "user:U1", line{ID: "U1"})

	events := make(chan stream.ChangeEvent, 1)
	events <- stream.ChangeEvent{EntityType: "production_line", EntityID: "L1"}
	close(events)
	c.Consume(ctx, events)

	assert.False(t, mr.Exists("production_line:L1"))
	assert.False(t, mr.Exists("process:list:line=L1"))
	assert.True(t, mr.Exists("user:U1"))
}

func TestMonitorRestoresAvailability(t *testing.T) {
	c, mr := newTestCache(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mr.SetError("ERR simulated outage")
	require.Error(t, c.Ping(ctx))
	mr.SetError("")

	go c.Monitor(ctx, 5*time.Millisecond)
	assert.Eventually(t, c.Available, time.Second, 5*time.Millisecond)
}
