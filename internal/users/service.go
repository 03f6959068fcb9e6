// Package users manages operator accounts and their credentials.
package users

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"pharmatrack.org/internal/audit"
	"pharmatrack.org/internal/auth"
	"pharmatrack.org/internal/cache"
	"pharmatrack.org/internal/domain"
	"pharmatrack.org/internal/store"
	"pharmatrack.org/internal/stream"
	"pharmatrack.org/internal/validation"
)

const (
	redacted        = "[REDACTED]"
	bootstrapReason = "bootstrap administrator"
)

type Publisher interface {
	Publish(evt stream.ChangeEvent)
}

type Service struct {
	gw     store.Gateway
	audit  *audit.Recorder
	cache  *cache.Cache
	events Publisher
	log    *zap.Logger
}

var _ auth.UserDirectory = (*Service)(nil)

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
	Email     string      `json:"email" validate:"required,email,max=255"`
	Password  string      `json:"password" validate:"required,min=8,max=72"`
	FirstName *string     `json:"first_name" validate:"omitempty,max=100"`
	LastName  *string     `json:"last_name" validate:"omitempty,max=100"`
	Role      domain.Role `json:"role" validate:"required,oneof=ADMIN MANAGER OPERATOR QUALITY_ASSURANCE"`
	Reason    string      `json:"reason" validate:"notblank,max=1000"`
}

type UpdateInput struct {
	Email     *string      `json:"email" validate:"omitempty,email,max=255"`
	Password  *string      `json:"password" validate:"omitempty,min=8,max=72"`
	FirstName *string      `json:"first_name" validate:"omitempty,max=100"`
	LastName  *string      `json:"last_name" validate:"omitempty,max=100"`
	Role      *domain.Role `json:"role" validate:"omitempty,oneof=ADMIN MANAGER OPERATOR QUALITY_ASSURANCE"`
	Reason    string       `json:"reason" validate:"notblank,max=1000"`
}

func (s *Service) Create(ctx context.Context, actor domain.Actor, in CreateInput) (domain.User, error) {
	if !actor.HasRole(domain.RoleAdmin) {
		return domain.User{}, domain.Forbiddenf("only administrators may create users")
	}
	if err := validation.Struct(in); err != nil {
		return domain.User{}, err
	}
	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return domain.User{}, err
	}
	u := domain.User{
		Email:        strings.TrimSpace(in.Email),
		PasswordHash: hash,
		FirstName:    in.FirstName,
		LastName:     in.LastName,
		Role:         in.Role,
		IsActive:     true,
	}
	created, err := store.InTx(ctx, s.gw, func(ctx context.Context, tx store.Tx) (domain.User, error) {
		if err := tx.Users().Create(ctx, &u); err != nil {
			return domain.User{}, err
		}
		_, err := s.audit.Record(ctx, tx, audit.ForActor(actor, domain.ActionCreate, domain.EntityUser, u.ID, in.Reason, map[string]any{
			"email": u.Email,
			"role":  u.Role,
		}))
		return u, err
	})
	if err != nil {
		return domain.User{}, err
	}
	s.publish(created.ID, domain.ActionCreate, actor.UserID)
	return created, nil
}

// Get reads straight from the store: authentication relies on it seeing
// deactivations immediately.
func (s *Service) Get(ctx context.Context, id string) (domain.User, error) {
	return s.gw.Reader().Users().FindByID(ctx, id)
}

func (s *Service) List(ctx context.Context, f domain.UserFilter) ([]domain.User, error) {
	f.Page = f.Page.Normalize()
	raw, _ := json.Marshal(f)
	return cache.GetOrSet(ctx, s.cache, cache.Key(domain.EntityUser, "list", string(raw)), func(ctx context.Context) ([]domain.User, error) {
		return s.gw.Reader().Users().List(ctx, f)
	}, cache.Tags(domain.EntityUser))
}

// Update patches a user. Non-administrators may only edit themselves and
// never their role.
func (s *Service) Update(ctx context.Context, actor domain.Actor, id string, in UpdateInput) (domain.User, error) {
	isAdmin := actor.HasRole(domain.RoleAdmin)
	if !isAdmin && actor.UserID != id {
		return domain.User{}, domain.Forbiddenf("users may only update their own account")
	}
	if !isAdmin && in.Role != nil {
		return domain.User{}, domain.Forbiddenf("only administrators may change roles")
	}
	if err := validation.Struct(in); err != nil {
		return domain.User{}, err
	}
	var newHash string
	if in.Password != nil {
		h, err := auth.HashPassword(*in.Password)
		if err != nil {
			return domain.User{}, err
		}
		newHash = h
	}
	updated, err := store.InTx(ctx, s.gw, func(ctx context.Context, tx store.Tx) (domain.User, error) {
		current, err := tx.Users().FindByID(ctx, id)
		if err != nil {
			return domain.User{}, err
		}
		if !current.IsActive {
			return domain.User{}, domain.Conflictf("user %s is deactivated", id)
		}
		next := current
		if in.Email != nil {
			next.Email = strings.TrimSpace(*in.Email)
		}
		if in.FirstName != nil {
			next.FirstName = in.FirstName
		}
		if in.LastName != nil {
			next.LastName = in.LastName
		}
		if in.Role != nil {
			next.Role = *in.Role
		}

		changes := audit.NewChanges()
		changes.Track("email", current.Email, next.Email)
		changes.Track("first_name", current.FirstName, next.FirstName)
		changes.Track("last_name", current.LastName, next.LastName)
		changes.Track("role", current.Role, next.Role)
		if newHash != "" {
			next.PasswordHash = newHash
			changes.Set("password", redacted)
		}

		if err := tx.Users().Update(ctx, &next); err != nil {
			return domain.User{}, err
		}
		_, err = s.audit.Record(ctx, tx, audit.ForActor(actor, domain.ActionUpdate, domain.EntityUser, id, in.Reason, changes.Details()))
		return next, err
	})
	if err != nil {
		return domain.User{}, err
	}
	s.publish(updated.ID, domain.ActionUpdate, actor.UserID)
	return updated, nil
}

// Deactivate disables the account and anonymizes its personal data in the
// same write. The original values are kept in the audit record.
func (s *Service) Deactivate(ctx context.Context, actor domain.Actor, id, reason string) (domain.User, error) {
	if !actor.HasRole(domain.RoleAdmin) {
		return domain.User{}, domain.Forbiddenf("only administrators may deactivate users")
	}
	if strings.TrimSpace(reason) == "" {
		return domain.User{}, domain.Validationf("reason is required")
	}
	if actor.UserID == id {
		return domain.User{}, domain.InvalidStatef("users cannot deactivate their own account")
	}
	deactivated, err := store.InTx(ctx, s.gw, func(ctx context.Context, tx store.Tx) (domain.User, error) {
		current, err := tx.Users().FindByID(ctx, id)
		if err != nil {
			return domain.User{}, err
		}
		if !current.IsActive {
			return domain.User{}, domain.Conflictf("user %s is already deactivated", id)
		}
		next := Anonymize(current)

		changes := audit.NewChanges()
		changes.Track("email", current.Email, next.Email)
		changes.Track("first_name", current.FirstName, next.FirstName)
		changes.Track("last_name", current.LastName, next.LastName)
		changes.Track("is_active", current.IsActive, next.IsActive)

		if err := tx.Users().Update(ctx, &next); err != nil {
			return domain.User{}, err
		}
		_, err = s.audit.Record(ctx, tx, audit.ForActor(actor, domain.ActionDelete, domain.EntityUser, id, reason, changes.Details()))
		return next, err
	})
	if err != nil {
		return domain.User{}, err
	}
	s.publish(deactivated.ID, domain.ActionDelete, actor.UserID)
	return deactivated, nil
}

// Anonymize returns u deactivated with its personal data replaced by
// placeholders derived from the id.
func Anonymize(u domain.User) domain.User {
	first := "ANONYMIZED"
	last := "USER-" + u.ID
	u.Email = fmt.Sprintf("anonymized-%s@deleted.invalid", u.ID)
	u.FirstName = &first
	u.LastName = &last
	u.IsActive = false
	return u
}

// Bootstrap creates the first administrator when no users exist yet. It
// reports whether an account was created.
func (s *Service) Bootstrap(ctx context.Context, email, password string) (domain.User, bool, error) {
	in := CreateInput{Email: email, Password: password, Role: domain.RoleAdmin, Reason: bootstrapReason}
	if err := validation.Struct(in); err != nil {
		return domain.User{}, false, err
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return domain.User{}, false, err
	}
	var created bool
	u, err := store.InTx(ctx, s.gw, func(ctx context.Context, tx store.Tx) (domain.User, error) {
		n, err := tx.Users().Count(ctx)
		if err != nil || n > 0 {
			return domain.User{}, err
		}
		u := domain.User{Email: strings.TrimSpace(email), PasswordHash: hash, Role: domain.RoleAdmin, IsActive: true}
		if err := tx.Users().Create(ctx, &u); err != nil {
			return domain.User{}, err
		}
		self := domain.Actor{UserID: u.ID, Role: domain.RoleAdmin}
		if _, err := s.audit.Record(ctx, tx, audit.ForActor(self, domain.ActionCreate, domain.EntityUser, u.ID, bootstrapReason, map[string]any{
			"email": u.Email,
			"role":  u.Role,
		})); err != nil {
			return domain.User{}, err
		}
		created = true
		return u, nil
	})
	if err != nil || !created {
		return domain.User{}, false, err
	}
	s.log.Info("bootstrap administrator created", zap.String("user_id", u.ID))
	s.publish(u.ID, domain.ActionCreate, u.ID)
	return u, true, nil
}

// Authenticate checks credentials. Unknown email, inactive account and wrong
// password are indistinguishable to the caller.
func (s *Service) Authenticate(ctx context.Context, email, password string) (domain.User, error) {
	u, err := s.gw.Reader().Users().FindByEmail(ctx, strings.TrimSpace(email))
	if err != nil {
		auth.BurnPasswordCheck(password)
		if errors.Is(err, domain.ErrNotFound) {
			return domain.User{}, domain.ErrUnauthorized
		}
		s.log.Error("credential lookup failed", zap.Error(err))
		return domain.User{}, domain.ErrUnauthorized
	}
	if err := auth.VerifyPassword(u.PasswordHash, password); err != nil || !u.IsActive {
		return domain.User{}, domain.ErrUnauthorized
	}
	return u, nil
}

// Warm primes the cache with the default listing.
func (s *Service) Warm(ctx context.Context) error {
	_, err := s.List(ctx, domain.UserFilter{})
	return err
}

func (s *Service) publish(id string, action domain.AuditAction, actorID string) {
	if s.events == nil {
		return
	}
	s.events.Publish(stream.ChangeEvent{
		EntityType: domain.EntityUser,
		EntityID:   id,
		Action:     action,
		ActorID:    actorID,
	})
}
