// Package lines manages production lines.
package lines

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

// Publisher receives change events once a mutation has committed.
type Publisher interface {
	Publish(evt stream.ChangeEvent)
}

var writers = []domain.Role{domain.RoleAdmin, domain.RoleManager}

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
	Name   string            `json:"name" validate:"notblank,max=255"`
	Status domain.LineStatus `json:"status" validate:"omitempty,oneof=ACTIVE MAINTENANCE"`
	Reason string            `json:"reason" validate:"notblank,max=1000"`
}

// UpdateInput is a partial patch; nil fields are left alone.
type UpdateInput struct {
	Name   *string            `json:"name" validate:"omitempty,notblank,max=255"`
	Status *domain.LineStatus `json:"status" validate:"omitempty,oneof=ACTIVE INACTIVE MAINTENANCE"`
	Reason string             `json:"reason" validate:"notblank,max=1000"`
}

func (s *Service) Create(ctx context.Context, actor domain.Actor, in CreateInput) (domain.ProductionLine, error) {
	if !actor.HasRole(writers...) {
		return domain.ProductionLine{}, domain.Forbiddenf("role %s may not create production lines", actor.Role)
	}
	if err := validation.Struct(in); err != nil {
		return domain.ProductionLine{}, err
	}
	status := in.Status
	if status == "" {
		status = domain.LineActive
	}
	line, err := store.InTx(ctx, s.gw, func(ctx context.Context, tx store.Tx) (domain.ProductionLine, error) {
		line := domain.ProductionLine{
			Name:      strings.TrimSpace(in.Name),
			Status:    status,
			Version:   1,
			IsActive:  true,
			CreatedBy: actor.UserID,
			Reason:    strings.TrimSpace(in.Reason),
		}
		if err := tx.Lines().Create(ctx, &line); err != nil {
			return domain.ProductionLine{}, err
		}
		_, err := s.audit.Record(ctx, tx, audit.ForActor(actor, domain.ActionCreate, domain.EntityProductionLine, line.ID, in.Reason, map[string]any{
			"name":   line.Name,
			"status": line.Status,
		}))
		return line, err
	})
	if err != nil {
		return domain.ProductionLine{}, err
	}
	s.publish(line.ID, domain.ActionCreate, actor)
	return line, nil
}

func (s *Service) Get(ctx context.Context, id string) (domain.ProductionLine, error) {
	return cache.GetOrSet(ctx, s.cache, cache.Key(domain.EntityProductionLine, id), func(ctx context.Context) (domain.ProductionLine, error) {
		return s.gw.Reader().Lines().FindByID(ctx, id)
	}, cache.Tags(domain.EntityProductionLine))
}

func (s *Service) List(ctx context.Context, f domain.LineFilter) ([]domain.ProductionLine, error) {
	f.Page = f.Page.Normalize()
	return cache.GetOrSet(ctx, s.cache, listKey(f), func(ctx context.Context) ([]domain.ProductionLine, error) {
		return s.gw.Reader().Lines().List(ctx, f)
	}, cache.Tags(domain.EntityProductionLine))
}

func (s *Service) Update(ctx context.Context, actor domain.Actor, id string, in UpdateInput) (domain.ProductionLine, error) {
	if !actor.HasRole(writers...) {
		return domain.ProductionLine{}, domain.Forbiddenf("role %s may not update production lines", actor.Role)
	}
	if err := validation.Struct(in); err != nil {
		return domain.ProductionLine{}, err
	}
	line, err := store.InTx(ctx, s.gw, func(ctx context.Context, tx store.Tx) (domain.ProductionLine, error) {
		current, err := tx.Lines().FindByID(ctx, id)
		if err != nil {
			return domain.ProductionLine{}, err
		}
		if !current.IsActive {
			return domain.ProductionLine{}, domain.Conflictf("production line %s is deactivated", id)
		}
		next := current
		if in.Name != nil {
			next.Name = strings.TrimSpace(*in.Name)
		}
		if in.Status != nil {
			next.Status = *in.Status
		}
		next.Version = current.Version + 1

		changes := audit.NewChanges()
		changes.Track("name", current.Name, next.Name)
		changes.Track("status", current.Status, next.Status)
		changes.Track("version", current.Version, next.Version)

		if err := tx.Lines().Update(ctx, &next); err != nil {
			return domain.ProductionLine{}, err
		}
		_, err = s.audit.Record(ctx, tx, audit.ForActor(actor, domain.ActionUpdate, domain.EntityProductionLine, id, in.Reason, changes.Details()))
		return next, err
	})
	if err != nil {
		return domain.ProductionLine{}, err
	}
	s.publish(line.ID, domain.ActionUpdate, actor)
	return line, nil
}

// Deactivate soft-deletes the line. Lines with active, unfinished
// processes are refused with a BlockingProcessesError.
func (s *Service) Deactivate(ctx context.Context, actor domain.Actor, id, reason string) (domain.ProductionLine, error) {
	if !actor.HasRole(writers...) {
		return domain.ProductionLine{}, domain.Forbiddenf("role %s may not deactivate production lines", actor.Role)
	}
	if strings.TrimSpace(reason) == "" {
		return domain.ProductionLine{}, domain.Validationf("reason is required")
	}
	line, err := store.InTx(ctx, s.gw, func(ctx context.Context, tx store.Tx) (domain.ProductionLine, error) {
		current, err := tx.Lines().FindByID(ctx, id)
		if err != nil {
			return domain.ProductionLine{}, err
		}
		if !current.IsActive {
			return domain.ProductionLine{}, domain.Conflictf("production line %s is already deactivated", id)
		}
		blocking, err := tx.Processes().CountBlocking(ctx, id)
		if err != nil {
			return domain.ProductionLine{}, err
		}
		if blocking > 0 {
			return domain.ProductionLine{}, &domain.BlockingProcessesError{LineID: id, Count: blocking}
		}
		next := current
		next.IsActive = false
		next.Status = domain.LineInactive
		next.Version = current.Version + 1

		changes := audit.NewChanges()
		changes.Track("is_active", current.IsActive, next.IsActive)
		changes.Track("status", current.Status, next.Status)
		changes.Track("version", current.Version, next.Version)

		if err := tx.Lines().Update(ctx, &next); err != nil {
			return domain.ProductionLine{}, err
		}
		_, err = s.audit.Record(ctx, tx, audit.ForActor(actor, domain.ActionDelete, domain.EntityProductionLine, id, reason, changes.Details()))
		return next, err
	})
	if err != nil {
		return domain.ProductionLine{}, err
	}
	s.publish(line.ID, domain.ActionDelete, actor)
	return line, nil
}

// Warm primes the cache with the default listing.
func (s *Service) Warm(ctx context.Context) error {
	active := true
	if _, err := s.List(ctx, domain.LineFilter{}); err != nil {
		return err
	}
	_, err := s.List(ctx, domain.LineFilter{IsActive: &active})
	return err
}

func (s *Service) publish(id string, action domain.AuditAction, actor domain.Actor) {
	if s.events == nil {
		return
	}
	s.events.Publish(stream.ChangeEvent{
		EntityType: domain.EntityProductionLine,
		EntityID:   id,
		Action:     action,
		ActorID:    actor.UserID,
	})
}

func listKey(f domain.LineFilter) string {
	raw, _ := json.Marshal(f)
	return cache.Key(domain.EntityProductionLine, "list", string(raw))
}
