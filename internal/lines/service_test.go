package lines

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pharmatrack.org/internal/audit"
	"pharmatrack.org/internal/cache"
	"pharmatrack.org/internal/domain"
	"pharmatrack.org/internal/processes"
	"pharmatrack.org/internal/store"
	"pharmatrack.org/internal/store/memstore"
	"pharmatrack.org/internal/store/storetest"
	"pharmatrack.org/internal/stream"
)

type fixture struct {
	mem       *memstore.Store
	gw        *storetest.FaultyGateway
	lines     *Service
	processes *processes.Service
	recorder  *audit.Recorder
	events    *stream.Stream
	manager   domain.Actor
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	mem := memstore.New()
	u := domain.User{Email: "manager@example.com", PasswordHash: "x", Role: domain.RoleManager, IsActive: true}
	require.NoError(t, mem.RunInTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.Users().Create(ctx, &u)
	}))
	gw := storetest.Wrap(mem)
	rec := audit.NewRecorder(gw.Reader())
	events := stream.New()
	opts = append([]Option{WithPublisher(events)}, opts...)
	return &fixture{
		mem:       mem,
		gw:        gw,
		lines:     NewService(gw, rec, opts...),
		processes: processes.NewService(gw, rec, processes.WithPublisher(events)),
		recorder:  rec,
		events:    events,
		manager:   domain.Actor{UserID: u.ID, Role: u.Role, IPAddress: "10.0.0.5"},
	}
}

func TestDeactivationBlockedByActiveProcess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	line, err := f.lines.Create(ctx, f.manager, CreateInput{Name: "Line A", Reason: "init"})
	require.NoError(t, err)
	assert.True(t, line.IsActive)
	assert.Equal(t, domain.LineActive, line.Status)
	assert.Equal(t, 1, line.Version)

	proc, err := f.processes.Create(ctx, f.manager, processes.CreateInput{
		Title: "Mix", Duration: 30, ProductionLineID: line.ID, Reason: "init",
	})
	require.NoError(t, err)

	_, err = f.lines.Deactivate(ctx, f.manager, line.ID, "retire")
	require.ErrorIs(t, err, domain.ErrInvalidState)
	var blocking *domain.BlockingProcessesError
	require.ErrorAs(t, err, &blocking)
	assert.Equal(t, 1, blocking.Count)
	assert.Contains(t, err.Error(), "1 active process")

	completed := domain.ProcessCompleted
	_, err = f.processes.Update(ctx, f.manager, proc.ID, processes.UpdateInput{Status: &completed, Reason: "batch done"})
	require.NoError(t, err)

	line, err = f.lines.Deactivate(ctx, f.manager, line.ID, "retire")
	require.NoError(t, err)
	assert.False(t, line.IsActive)
	assert.Equal(t, domain.LineInactive, line.Status)
	assert.Equal(t, 2, line.Version)

	history, err := f.recorder.FindByEntity(ctx, domain.EntityProductionLine, line.ID, domain.AuditQuery{})
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, domain.ActionDelete, history[0].Action)
	assert.Equal(t, "retire", history[0].Reason)
	assert.Equal(t, domain.ActionCreate, history[1].Action)

	_, err = f.lines.Deactivate(ctx, f.manager, line.ID, "again")
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestUpdateRecordsDiff(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	line, err := f.lines.Create(ctx, f.manager, CreateInput{Name: "Line A", Reason: "init"})
	require.NoError(t, err)

	name := "Line B"
	maint := domain.LineMaintenance
	updated, err := f.lines.Update(ctx, f.manager, line.ID, UpdateInput{Name: &name, Status: &maint, Reason: "rename"})
	require.NoError(t, err)
	assert.Equal(t, "Line B", updated.Name)
	assert.Equal(t, 2, updated.Version)

	history, err := f.recorder.FindByEntity(ctx, domain.EntityProductionLine, line.ID, domain.AuditQuery{})
	require.NoError(t, err)
	require.Len(t, history, 2)
	details := history[0].Details
	assert.Equal(t, map[string]any{"name": "Line B", "status": domain.LineMaintenance, "version": 2}, details["changes"])
	assert.Equal(t, map[string]any{"name": "Line A", "status": domain.LineActive, "version": 1}, details["previousValues"])
	assert.Equal(t, "10.0.0.5", *history[0].IPAddress)
}

func TestAuditFailureLeavesNoTrace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	line, err := f.lines.Create(ctx, f.manager, CreateInput{Name: "Line A", Reason: "init"})
	require.NoError(t, err)

	before, err := storetest.Count(ctx, f.mem.Reader())
	require.NoError(t, err)

	f.gw.FailAudit(true)
	_, err = f.lines.Create(ctx, f.manager, CreateInput{Name: "Line B", Reason: "init"})
	require.ErrorIs(t, err, storetest.ErrInjected)
	name := "Renamed"
	_, err = f.lines.Update(ctx, f.manager, line.ID, UpdateInput{Name: &name, Reason: "rename"})
	require.ErrorIs(t, err, storetest.ErrInjected)
	_, err = f.lines.Deactivate(ctx, f.manager, line.ID, "retire")
	require.ErrorIs(t, err, storetest.ErrInjected)

	after, err := storetest.Count(ctx, f.mem.Reader())
	require.NoError(t, err)
	assert.Equal(t, before, after)

	got, err := f.mem.Reader().Lines().FindByID(ctx, line.ID)
	require.NoError(t, err)
	assert.Equal(t, "Line A", got.Name)
	assert.True(t, got.IsActive)
}

func TestConcurrentCreateHasOneWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const n = 8
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.lines.Create(ctx, f.manager, CreateInput{Name: "Line A", Reason: "race"})
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, domain.ErrConflict)
	}
	assert.Equal(t, 1, wins)
	all, err := f.lines.List(ctx, domain.LineFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestRolesAndValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	operator := domain.Actor{UserID: f.manager.UserID, Role: domain.RoleOperator}
	_, err := f.lines.Create(ctx, operator, CreateInput{Name: "Line A", Reason: "init"})
	assert.ErrorIs(t, err, domain.ErrForbidden)

	_, err = f.lines.Create(ctx, f.manager, CreateInput{Name: "Line A", Reason: "  "})
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = f.lines.Create(ctx, f.manager, CreateInput{Name: "", Reason: "init"})
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = f.lines.Create(ctx, f.manager, CreateInput{Name: "Line A", Status: domain.LineInactive, Reason: "init"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.lines.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = f.lines.Deactivate(ctx, f.manager, "missing", "retire")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCachedReadsInvalidatedByChangeEvents(t *testing.T) {
	mr := miniredis.RunT(t)
	c := cache.New(cache.NewRedisBackend(cache.NewRedisClient(cache.RedisOptions{Addr: mr.Addr()})))
	c.Start(context.Background())
	t.Cleanup(func() { _ = c.Close() })

	f := newFixture(t, WithCache(c))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	line, err := f.lines.Create(ctx, f.manager, CreateInput{Name: "Line A", Reason: "init"})
	require.NoError(t, err)

	events := f.events.Subscribe(ctx, 0)
	done := make(chan struct{})
	go func() {
		c.Consume(ctx, events)
		close(done)
	}()

	_, err = f.lines.Get(ctx, line.ID)
	require.NoError(t, err)
	_, err = f.lines.Get(ctx, line.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.Stats().Hits)
	assert.True(t, mr.Exists("production_line:"+line.ID))

	name := "Line B"
	_, err = f.lines.Update(ctx, f.manager, line.ID, UpdateInput{Name: &name, Reason: "rename"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !mr.Exists("production_line:" + line.ID) }, time.Second, 5*time.Millisecond)

	got, err := f.lines.Get(ctx, line.ID)
	require.NoError(t, err)
	assert.Equal(t, "Line B", got.Name)

	require.NoError(t, f.lines.Warm(ctx))
	cancel()
	<-done
}
