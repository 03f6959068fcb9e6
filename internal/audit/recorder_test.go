package audit

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"pharmatrack.org/internal/domain"
	"pharmatrack.org/internal/store"
	"pharmatrack.org/internal/store/memstore"
)

func setup(t *testing.T) (*memstore.Store, domain.User) {
	t.Helper()
	s := memstore.New()
	u := domain.User{Email: "qa@example.com", PasswordHash: "x", Role: domain.RoleQualityAssurance, IsActive: true}
	require.NoError(t, s.RunInTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.Users().Create(ctx, &u)
	}))
	return s, u
}

func TestRecordWritesInsideTransaction(t *testing.T) {
	s, u := setup(t)
	core, logs := observer.New(zapcore.InfoLevel)
	rec := NewRecorder(s.Reader(), WithLogger(zap.New(core)))
	ctx := WithRequestID(context.Background(), "req-1")

	actor := domain.Actor{UserID: u.ID, Role: u.Role, IPAddress: "10.1.1.1", UserAgent: "curl/8"}
	var written domain.AuditLog
	err := s.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		written, err = rec.Record(ctx, tx, ForActor(actor, domain.ActionApprove, domain.EntityProcess, "P1", "  batch released  ", nil))
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, "batch released", written.Reason)
	require.NotNil(t, written.IPAddress)
	assert.Equal(t, "10.1.1.1", *written.IPAddress)
	assert.Equal(t, map[string]any{}, written.Details)

	got, err := rec.FindByEntity(context.Background(), domain.EntityProcess, "P1", domain.AuditQuery{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, written.ID, got[0].ID)

	entries := logs.FilterMessage("audit").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "req-1", entries[0].ContextMap()["request_id"])
}

func TestRecordRejectsBlankReason(t *testing.T) {
	s, u := setup(t)
	rec := NewRecorder(s.Reader())

	err := s.RunInTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		_, err := rec.Record(ctx, tx, Entry{UserID: u.ID, Action: domain.ActionCreate, EntityType: domain.EntityProcess, EntityID: "P1", Reason: "   "})
		return err
	})
	require.ErrorIs(t, err, domain.ErrValidation)

	got, err := rec.FindByUser(context.Background(), u.ID, domain.AuditQuery{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRecordRejectsUnknownAction(t *testing.T) {
	s, u := setup(t)
	rec := NewRecorder(s.Reader())
	err := s.RunInTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		_, err := rec.Record(ctx, tx, Entry{UserID: u.ID, Action: "ARCHIVE", EntityType: "x", EntityID: "1", Reason: "r"})
		return err
	})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestRecordDiscardedWhenTransactionFails(t *testing.T) {
	s, u := setup(t)
	rec := NewRecorder(s.Reader())
	boom := errors.New("business write failed")

	err := s.RunInTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		if _, err := rec.Record(ctx, tx, Entry{UserID: u.ID, Action: domain.ActionUpdate, EntityType: "x", EntityID: "1", Reason: "r"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := rec.FindByEntity(context.Background(), "x", "1", domain.AuditQuery{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFindByUserFiltersAndPages(t *testing.T) {
	s, u := setup(t)
	rec := NewRecorder(s.Reader())
	ctx := context.Background()

	for i, et := range []string{domain.EntityProcess, domain.EntityProductionLine, domain.EntityProcess} {
		id := string(rune('A' + i))
		require.NoError(t, s.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
			_, err := rec.Record(ctx, tx, Entry{UserID: u.ID, Action: domain.ActionCreate, EntityType: et, EntityID: id, Reason: "r"})
			return err
		}))
	}

	procs, err := rec.FindByUser(ctx, u.ID, domain.AuditQuery{EntityType: domain.EntityProcess})
	require.NoError(t, err)
	require.Len(t, procs, 2)
	assert.Equal(t, "C", procs[0].EntityID)
	assert.Equal(t, "A", procs[1].EntityID)

	page, err := rec.FindByUser(ctx, u.ID, domain.AuditQuery{Page: domain.Page{Limit: 1, Offset: 1}})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "B", page[0].EntityID)

	_, err = rec.FindByEntity(ctx, "", "", domain.AuditQuery{})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestChangesTracksOnlyDifferences(t *testing.T) {
	first := "Ada"
	second := "Grace"
	c := NewChanges()
	c.Track("name", "Line A", "Line B")
	c.Track("version", 1, 1)
	c.Track("first_name", &first, &second)
	c.Track("last_name", (*string)(nil), (*string)(nil))
	c.Set("password", "[REDACTED]")

	d := c.Details()
	assert.Equal(t, map[string]any{"name": "Line B", "first_name": "Grace", "password": "[REDACTED]"}, d["changes"])
	assert.Equal(t, map[string]any{"name": "Line A", "first_name": "Ada"}, d["previousValues"])
	assert.False(t, c.Empty())
	assert.True(t, NewChanges().Empty())
}
