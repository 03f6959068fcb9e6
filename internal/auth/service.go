package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"pharmatrack.org/internal/domain"
)

// UserDirectory is the slice of the user service that authentication needs.
type UserDirectory interface {
	Authenticate(ctx context.Context, email, password string) (domain.User, error)
	Get(ctx context.Context, id string) (domain.User, error)
}

// Service logs users in and out and resolves bearer tokens to principals.
type Service struct {
	tokens      *Tokens
	revocations RevocationStore
	users       UserDirectory
	log         *zap.Logger
	now         func() time.Time
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

func WithLogger(l *zap.Logger) ServiceOption {
	return func(s *Service) error {
		if l != nil {
			s.log = l
		}
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewService constructs Service with optional configuration.
func NewService(tokens *Tokens, revocations RevocationStore, users UserDirectory, opts ...ServiceOption) (*Service, error) {
	if tokens == nil || revocations == nil || users == nil {
		return nil, errors.New("auth: tokens, revocations and users are required")
	}
	svc := &Service{
		tokens:      tokens,
		revocations: revocations,
		users:       users,
		log:         zap.NewNop(),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// LoginResult is returned by a successful Login.
type LoginResult struct {
	User        domain.User `json:"user"`
	AccessToken string      `json:"access_token"`
	TokenType   string      `json:"token_type"`
	SessionID   string      `json:"session_id"`
	ExpiresAt   time.Time   `json:"expires_at"`
}

// Login verifies credentials and issues an access token. Unknown users,
// inactive users and wrong passwords all yield the same error.
func (s *Service) Login(ctx context.Context, email, password string) (LoginResult, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return LoginResult{}, domain.ErrUnauthorized
	}
	user, err := s.users.Authenticate(ctx, email, password)
	if err != nil {
		s.log.Info("login rejected", zap.Error(err))
		return LoginResult{}, domain.ErrUnauthorized
	}
	token, claims, err := s.tokens.Issue(user)
	if err != nil {
		return LoginResult{}, fmt.Errorf("issue token: %w", err)
	}
	s.log.Info("login", zap.String("user_id", user.ID), zap.String("session_id", claims.ID))
	return LoginResult{
		User:        user,
		AccessToken: token,
		TokenType:   "Bearer",
		SessionID:   claims.ID,
		ExpiresAt:   claims.ExpiresAt.Time,
	}, nil
}

// Logout revokes the session behind token for the rest of its lifetime.
func (s *Service) Logout(ctx context.Context, token string) error {
	claims, err := s.tokens.Parse(token)
	if err != nil {
		return domain.ErrUnauthorized
	}
	if err := s.revocations.Revoke(ctx, claims.ID, claims.Remaining(s.now())); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	s.log.Info("logout", zap.String("user_id", claims.Subject), zap.String("session_id", claims.ID))
	return nil
}

// IsSessionRevoked reports whether the session jti was revoked.
func (s *Service) IsSessionRevoked(ctx context.Context, jti string) (bool, error) {
	return s.revocations.IsRevoked(ctx, jti)
}

// Authenticate resolves a bearer token to a principal. The revocation check
// fails closed: if the store cannot answer, the token is rejected.
func (s *Service) Authenticate(ctx context.Context, token string) (Principal, error) {
	claims, err := s.tokens.Parse(token)
	if err != nil {
		return Principal{}, domain.ErrUnauthorized
	}
	revoked, err := s.revocations.IsRevoked(ctx, claims.ID)
	if err != nil {
		s.log.Warn("revocation check failed", zap.String("session_id", claims.ID), zap.Error(err))
		return Principal{}, domain.ErrUnauthorized
	}
	if revoked {
		return Principal{}, domain.ErrUnauthorized
	}
	user, err := s.users.Get(ctx, claims.Subject)
	if err != nil || !user.IsActive {
		return Principal{}, domain.ErrUnauthorized
	}
	return Principal{
		UserID:    user.ID,
		Email:     user.Email,
		Role:      user.Role,
		SessionID: claims.ID,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}
