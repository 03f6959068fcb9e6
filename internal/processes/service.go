// Package processes manages the processes scheduled on production lines.
package processes

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"pharmatrack.org/internal/audit"
	"pharmatrack.org/internal/cache"
	"pharmatrack.org/internal/domain"
	"pharmatrack.org/internal/store"
	"pharmatrack.org/internal/stream"
	"pharmatrack.org/internal/validation"
)

type Publisher interface {
	Publish(evt stream.ChangeEvent)
}

// QUALITY_ASSURANCE is read-only.
var writers = []domain.Role{domain.RoleAdmin, domain.RoleManager, domain.RoleOperator}

type Service struct {
	gw     store.Gateway
	audit  *audit.Recorder
	cache  *cache.Cache
	events Publisher
	log    *zap.Logger
}

type Option func(*Service)

func WithCache(c *cache.Cache) Option {
	return func(s *Service) { s.cache = c }
}

func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.events = p }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

func NewService(gw store.Gateway, rec *audit.Recorder, opts ...Option) *Service {
	s := &Service{gw: gw, audit: rec, log: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type CreateInput struct {
	Title            string                `json:"title" validate:"notblank,max=255"`
	Description      string                `json:"description" validate:"max=5000"`
	Duration         int                   `json:"duration" validate:"gte=1,lte=525600"`
	Progress         *float64              `json:"progress" validate:"omitempty,gte=0,lte=100"`
	Status           *domain.ProcessStatus `json:"status" validate:"omitempty,oneof=PENDING IN_PROGRESS ON_HOLD COMPLETED FAILED"`
	X                *float64              `json:"x" validate:"omitempty,gte=-10000,lte=10000"`
	Y                *float64              `json:"y" validate:"omitempty,gte=-10000,lte=10000"`
	Color            *string               `json:"color" validate:"omitempty,color"`
	ProductionLineID string                `json:"production_line_id" validate:"notblank"`
	Reason           string                `json:"reason" validate:"notblank,max=1000"`
}

// UpdateInput is a partial patch. The owning line cannot be changed.
type UpdateInput struct {
	Title       *string               `json:"title" validate:"omitempty,notblank,max=255"`
	Description *string               `json:"description" validate:"omitempty,max=5000"`
	Duration    *int                  `json:"duration" validate:"omitempty,gte=1,lte=525600"`
	Progress    *float64              `json:"progress" validate:"omitempty,gte=0,lte=100"`
	Status      *domain.ProcessStatus `json:"status" validate:"omitempty,oneof=PENDING IN_PROGRESS ON_HOLD COMPLETED FAILED"`
	X           *float64              `json:"x" validate:"omitempty,gte=-10000,lte=10000"`
	Y           *float64              `json:"y" validate:"omitempty,gte=-10000,lte=10000"`
	Color       *string               `json:"color" validate:"omitempty,color"`
	Reason      string                `json:"reason" validate:"notblank,max=1000"`
}

func (s *Service) Create(ctx context.Context, actor domain.Actor, in CreateInput) (domain.Process, error) {
	if !actor.HasRole(writers...) {
		return domain.Process{}, domain.Forbiddenf("role %s may not create processes", actor.Role)
	}
	if err := validation.Struct(in); err != nil {
		return domain.Process{}, err
	}
	proc, err := store.InTx(ctx, s.gw, func(ctx context.Context, tx store.Tx) (domain.Process, error) {
		line, err := tx.Lines().FindByID(ctx, in.ProductionLineID)
		if err != nil {
			return domain.Process{}, err
		}
		if !line.IsActive || line.Status != domain.LineActive {
			return domain.Process{}, domain.InvalidStatef("production line %s is not active", line.ID)
		}
		p := domain.Process{
			Title:            strings.TrimSpace(in.Title),
			Description:      in.Description,
			Duration:         in.Duration,
			Progress:         valueOr(in.Progress, 0),
			Status:           valueOr(in.Status, domain.ProcessPending),
			X:                valueOr(in.X, 0),
			Y:                valueOr(in.Y, 0),
			Color:            valueOr(in.Color, domain.DefaultColor),
			ProductionLineID: line.ID,
			CreatedBy:        actor.UserID,
			Reason:           strings.TrimSpace(in.Reason),
			IsActive:         true,
		}
		if err := tx.Processes().Create(ctx, &p); err != nil {
			return domain.Process{}, err
		}
		_, err = s.audit.Record(ctx, tx, audit.ForActor(actor, domain.ActionCreate, domain.EntityProcess, p.ID, in.Reason, map[string]any{
			"title":              p.Title,
			"status":             p.Status,
			"production_line_id": p.ProductionLineID,
		}))
		return p, err
	})
	if err != nil {
		return domain.Process{}, err
	}
	s.publish(proc.ID, domain.ActionCreate, actor)
	return proc, nil
}

func (s *Service) Get(ctx context.Context, id string) (domain.Process, error) {
	return cache.GetOrSet(ctx, s.cache, cache.Key(domain.EntityProcess, id), func(ctx context.Context) (domain.Process, error) {
		return s.gw.Reader().Processes().FindByID(ctx, id)
	}, cache.Tags(domain.EntityProcess))
}

func (s *Service) List(ctx context.Context, f domain.ProcessFilter) ([]domain.Process, error) {
	f.Page = f.Page.Normalize()
	raw, _ := json.Marshal(f)
	tags := []string{domain.EntityProcess}
	if f.ProductionLineID != "" {
		tags = append(tags, domain.EntityProductionLine)
	}
	return cache.GetOrSet(ctx, s.cache, cache.Key(domain.EntityProcess, "list", string(raw)), func(ctx context.Context) ([]domain.Process, error) {
		return s.gw.Reader().Processes().List(ctx, f)
	}, cache.Tags(tags...))
}

func (s *Service) Update(ctx context.Context, actor domain.Actor, id string, in UpdateInput) (domain.Process, error) {
	if !actor.HasRole(writers...) {
		return domain.Process{}, domain.Forbiddenf("role %s may not update processes", actor.Role)
	}
	if err := validation.Struct(in); err != nil {
		return domain.Process{}, err
	}
	proc, err := store.InTx(ctx, s.gw, func(ctx context.Context, tx store.Tx) (domain.Process, error) {
		current, err := tx.Processes().FindByID(ctx, id)
		if err != nil {
			return domain.Process{}, err
		}
		if !current.IsActive {
			return domain.Process{}, domain.Conflictf("process %s is deactivated", id)
		}
		next := current
		if in.Title != nil {
			next.Title = strings.TrimSpace(*in.Title)
		}
		next.Description = valueOr(in.Description, next.Description)
		next.Duration = valueOr(in.Duration, next.Duration)
		next.Progress = valueOr(in.Progress, next.Progress)
		next.Status = valueOr(in.Status, next.Status)
		next.X = valueOr(in.X, next.X)
		next.Y = valueOr(in.Y, next.Y)
		next.Color = valueOr(in.Color, next.Color)

		// Reopening a completed process makes it block its line again, so the
		// line must still be active. The row lock orders this against line
		// deactivation.
		if !current.Blocking() && next.Blocking() {
			line, err := tx.Lines().FindByID(ctx, current.ProductionLineID)
			if err != nil {
				return domain.Process{}, err
			}
			if !line.IsActive {
				return domain.Process{}, domain.InvalidStatef("production line %s is deactivated, process %s cannot be reopened", line.ID, id)
			}
		}

		changes := audit.NewChanges()
		changes.Track("title", current.Title, next.Title)
		changes.Track("description", current.Description, next.Description)
		changes.Track("duration", current.Duration, next.Duration)
		changes.Track("progress", current.Progress, next.Progress)
		changes.Track("status", current.Status, next.Status)
		changes.Track("x", current.X, next.X)
		changes.Track("y", current.Y, next.Y)
		changes.Track("color", current.Color, next.Color)

		if err := tx.Processes().Update(ctx, &next); err != nil {
			return domain.Process{}, err
		}
		_, err = s.audit.Record(ctx, tx, audit.ForActor(actor, domain.ActionUpdate, domain.EntityProcess, id, in.Reason, changes.Details()))
		return next, err
	})
	if err != nil {
		return domain.Process{}, err
	}
	s.publish(proc.ID, domain.ActionUpdate, actor)
	return proc, nil
}

func (s *Service) Deactivate(ctx context.Context, actor domain.Actor, id, reason string) (domain.Process, error) {
	if !actor.HasRole(writers...) {
		return domain.Process{}, domain.Forbiddenf("role %s may not deactivate processes", actor.Role)
	}
	if strings.TrimSpace(reason) == "" {
		return domain.Process{}, domain.Validationf("reason is required")
	}
	proc, err := store.InTx(ctx, s.gw, func(ctx context.Context, tx store.Tx) (domain.Process, error) {
		current, err := tx.Processes().FindByID(ctx, id)
		if err != nil {
			return domain.Process{}, err
		}
		if !current.IsActive {
			return domain.Process{}, domain.Conflictf("process %s is already deactivated", id)
		}
		next := current
		next.IsActive = false

		changes := audit.NewChanges()
		changes.Track("is_active", current.IsActive, next.IsActive)

		if err := tx.Processes().Update(ctx, &next); err != nil {
			return domain.Process{}, err
		}
		_, err = s.audit.Record(ctx, tx, audit.ForActor(actor, domain.ActionDelete, domain.EntityProcess, id, reason, changes.Details()))
		return next, err
	})
	if err != nil {
		return domain.Process{}, err
	}
	s.publish(proc.ID, domain.ActionDelete, actor)
	return proc, nil
}

// Warm primes the cache with the default listing.
func (s *Service) Warm(ctx context.Context) error {
	_, err := s.List(ctx, domain.ProcessFilter{})
	return err
}

func (s *Service) publish(id string, action domain.AuditAction, actor domain.Actor) {
	if s.events == nil {
		return
	}
	s.events.Publish(stream.ChangeEvent{
		EntityType: domain.EntityProcess,
		EntityID:   id,
		Action:     action,
		ActorID:    actor.UserID,
	})
}

func valueOr[T any](p *T, fallback T) T {
	if p == nil {
		return fallback
	}
	return *p
}
