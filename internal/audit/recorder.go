// Package audit writes and reads the append-only regulatory audit trail.
package audit

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"pharmatrack.org/internal/domain"
	"pharmatrack.org/internal/obs"
	"pharmatrack.org/internal/store"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// Entry is one audit record to write.
type Entry struct {
	UserID     string
	Action     domain.AuditAction
	EntityType string
	EntityID   string
	Reason     string
	IPAddress  string
	UserAgent  string
	Details    map[string]any
}

// ForActor fills the caller fields of an entry from actor.
func ForActor(actor domain.Actor, action domain.AuditAction, entityType, entityID, reason string, details map[string]any) Entry {
	return Entry{
		UserID:     actor.UserID,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Reason:     reason,
		IPAddress:  actor.IPAddress,
		UserAgent:  actor.UserAgent,
		Details:    details,
	}
}

type Recorder struct {
	reader store.Repositories
	log    *zap.Logger
}

type Option func(*Recorder)

func WithLogger(l *zap.Logger) Option {
	return func(r *Recorder) {
		if l != nil {
			r.log = l
		}
	}
}

// NewRecorder builds a recorder; reader serves the query side.
func NewRecorder(reader store.Repositories, opts ...Option) *Recorder {
	r := &Recorder{reader: reader, log: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

// Record appends e through tx. It must run inside the same transaction as
// the business write so both commit or neither does. Failures are returned
// unchanged and never retried.
func (r *Recorder) Record(ctx context.Context, tx store.Tx, e Entry) (domain.AuditLog, error) {
	if tx == nil {
		return domain.AuditLog{}, domain.Validationf("audit record requires a transaction")
	}
	reason := strings.TrimSpace(e.Reason)
	switch {
	case reason == "":
		return domain.AuditLog{}, domain.Validationf("reason is required")
	case strings.TrimSpace(e.UserID) == "":
		return domain.AuditLog{}, domain.Validationf("audit user is required")
	case e.EntityType == "" || e.EntityID == "":
		return domain.AuditLog{}, domain.Validationf("audit entity is required")
	case !e.Action.Valid():
		return domain.AuditLog{}, domain.Validationf("unknown audit action %q", e.Action)
	}

	details := e.Details
	if details == nil {
		details = map[string]any{}
	}
	entry := domain.AuditLog{
		UserID:     e.UserID,
		Action:     e.Action,
		EntityType: e.EntityType,
		EntityID:   e.EntityID,
		Reason:     reason,
		IPAddress:  optional(e.IPAddress),
		UserAgent:  optional(e.UserAgent),
		Details:    details,
	}
	if err := tx.Audit().Append(ctx, &entry); err != nil {
		r.log.Error("audit append failed",
			zap.String("entity_type", e.EntityType),
			zap.String("entity_id", e.EntityID),
			zap.String("tx", tx.ID()),
			zap.Error(err))
		return domain.AuditLog{}, err
	}

	fields := []zap.Field{
		zap.String("audit_id", entry.ID),
		zap.String("user_id", entry.UserID),
		zap.String("action", string(entry.Action)),
		zap.String("entity_type", entry.EntityType),
		zap.String("entity_id", entry.EntityID),
		zap.String("tx", tx.ID()),
	}
	if rid := requestIDFromContext(ctx); rid != "" {
		fields = append(fields, zap.String("request_id", rid))
	}
	r.log.Info("audit", fields...)
	obs.AuditRecords.WithLabelValues(entry.EntityType, string(entry.Action)).Inc()
	return entry, nil
}

// FindByEntity returns the history of one entity, newest first.
func (r *Recorder) FindByEntity(ctx context.Context, entityType, entityID string, q domain.AuditQuery) ([]domain.AuditLog, error) {
	if entityType == "" || entityID == "" {
		return nil, domain.Validationf("entity type and id are required")
	}
	q.Page = q.Page.Normalize()
	return r.reader.Audit().ListByEntity(ctx, entityType, entityID, q)
}

// FindByUser returns what one user did, newest first.
func (r *Recorder) FindByUser(ctx context.Context, userID string, q domain.AuditQuery) ([]domain.AuditLog, error) {
	if userID == "" {
		return nil, domain.Validationf("user id is required")
	}
	q.Page = q.Page.Normalize()
	return r.reader.Audit().ListByUser(ctx, userID, q)
}
