package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"pharmatrack.org/internal/domain"
)

type stubDirectory struct {
	users    map[string]domain.User
	password string
}

func (d *stubDirectory) Authenticate(_ context.Context, email, password string) (domain.User, error) {
	for _, u := range d.users {
		if u.Email == email && u.IsActive && password == d.password {
			return u, nil
		}
	}
	return domain.User{}, domain.ErrUnauthorized
}

func (d *stubDirectory) Get(_ context.Context, id string) (domain.User, error) {
	u, ok := d.users[id]
	if !ok {
		return domain.User{}, domain.NotFoundf("user %s", id)
	}
	return u, nil
}

type failingRevocations struct{}

func (failingRevocations) Revoke(context.Context, string, time.Duration) error {
	return errors.New("redis: connection refused")
}

func (failingRevocations) IsRevoked(context.Context, string) (bool, error) {
	return false, errors.New("redis: connection refused")
}

func newTestService(t *testing.T, revocations RevocationStore) (*Service, *stubDirectory) {
	t.Helper()
	tokens, err := NewTokens("test-secret", WithIssuer("test-issuer"), WithAccessTTL(30*time.Minute))
	if err != nil {
		t.Fatalf("NewTokens: %v", err)
	}
	dir := &stubDirectory{
		password: "s3cret-pass",
		users: map[string]domain.User{
			"u1": {ID: "u1", Email: "qa@example.com", Role: domain.RoleQualityAssurance, IsActive: true},
		},
	}
	svc, err := NewService(tokens, revocations, dir)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc, dir
}

func TestTokensIssueAndParse(t *testing.T) {
	tokens, err := NewTokens("test-secret", WithIssuer("test-issuer"))
	if err != nil {
		t.Fatalf("NewTokens: %v", err)
	}
	token, issued, err := tokens.Issue(domain.User{ID: "user-42", Role: domain.RoleManager})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	claims, err := tokens.Parse(token)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if claims.Subject != "user-42" || claims.Role != domain.RoleManager {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if claims.ID == "" || claims.ID != issued.ID {
		t.Fatalf("expected jti %q, got %q", issued.ID, claims.ID)
	}

	other, _ := NewTokens("other-secret", WithIssuer("test-issuer"))
	if _, err := other.Parse(token); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected signature mismatch to be unauthorized, got %v", err)
	}
	foreign, _ := NewTokens("test-secret", WithIssuer("someone-else"))
	if _, err := foreign.Parse(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected issuer mismatch to be rejected, got %v", err)
	}
}

func TestTokensRejectExpired(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	tokens, _ := NewTokens("test-secret", WithAccessTTL(time.Minute), WithTokenClock(clock))
	token, _, err := tokens.Issue(domain.User{ID: "u1", Role: domain.RoleAdmin})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	now = now.Add(2 * time.Minute)
	if _, err := tokens.Parse(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected expired token to be rejected, got %v", err)
	}
}

func TestNewTokensRequiresSecret(t *testing.T) {
	if _, err := NewTokens("   "); !errors.Is(err, errMissingSecret) {
		t.Fatalf("expected missing secret error, got %v", err)
	}
}

func TestLoginLogoutRevokesSession(t *testing.T) {
	svc, _ := newTestService(t, NewMemoryRevocations())
	ctx := context.Background()

	res, err := svc.Login(ctx, "qa@example.com", "s3cret-pass")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	principal, err := svc.Authenticate(ctx, res.AccessToken)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if principal.UserID != "u1" || principal.SessionID != res.SessionID {
		t.Fatalf("unexpected principal: %+v", principal)
	}

	if err := svc.Logout(ctx, res.AccessToken); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	revoked, err := svc.IsSessionRevoked(ctx, res.SessionID)
	if err != nil || !revoked {
		t.Fatalf("expected revoked session, got %v %v", revoked, err)
	}
	if _, err := svc.Authenticate(ctx, res.AccessToken); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected revoked token to be rejected, got %v", err)
	}
}

func TestLoginFailuresAreIndistinguishable(t *testing.T) {
	svc, _ := newTestService(t, NewMemoryRevocations())
	ctx := context.Background()

	_, unknown := svc.Login(ctx, "nobody@example.com", "s3cret-pass")
	_, wrong := svc.Login(ctx, "qa@example.com", "nope")
	_, empty := svc.Login(ctx, "", "")
	for _, err := range []error{unknown, wrong, empty} {
		if !errors.Is(err, domain.ErrUnauthorized) || err.Error() != domain.ErrUnauthorized.Error() {
			t.Fatalf("expected generic unauthorized, got %v", err)
		}
	}
}

func TestAuthenticateRejectsDeactivatedUser(t *testing.T) {
	svc, dir := newTestService(t, NewMemoryRevocations())
	ctx := context.Background()

	res, err := svc.Login(ctx, "qa@example.com", "s3cret-pass")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	u := dir.users["u1"]
	u.IsActive = false
	dir.users["u1"] = u

	if _, err := svc.Authenticate(ctx, res.AccessToken); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected inactive user to be rejected, got %v", err)
	}
}

func TestAuthenticateFailsClosedWhenRevocationStoreDown(t *testing.T) {
	tokens, _ := NewTokens("test-secret", WithIssuer("test-issuer"))
	token, _, err := tokens.Issue(domain.User{ID: "u1", Role: domain.RoleQualityAssurance})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	svc, _ := newTestService(t, failingRevocations{})
	if _, err := svc.Authenticate(context.Background(), token); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected fail-closed rejection, got %v", err)
	}
}

func TestRedisRevocations(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	store := NewRedisRevocations(client)
	ctx := context.Background()

	if err := store.Revoke(ctx, "jti-1", time.Minute); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if ttl := mr.TTL(RevokedSessionPrefix + "jti-1"); ttl != time.Minute {
		t.Fatalf("unexpected ttl: %v", ttl)
	}
	revoked, err := store.IsRevoked(ctx, "jti-1")
	if err != nil || !revoked {
		t.Fatalf("expected revoked, got %v %v", revoked, err)
	}

	mr.FastForward(2 * time.Minute)
	revoked, err = store.IsRevoked(ctx, "jti-1")
	if err != nil || revoked {
		t.Fatalf("expected marker to expire, got %v %v", revoked, err)
	}

	if _, err := store.IsRevoked(ctx, " "); err == nil {
		t.Fatalf("expected empty jti to be rejected")
	}
}

func TestMemoryRevocationsExpire(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryRevocations()
	store.now = func() time.Time { return now }
	ctx := context.Background()

	if err := store.Revoke(ctx, "jti-1", time.Minute); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if ok, _ := store.IsRevoked(ctx, "jti-1"); !ok {
		t.Fatalf("expected revoked")
	}
	now = now.Add(time.Minute)
	if ok, _ := store.IsRevoked(ctx, "jti-1"); ok {
		t.Fatalf("expected expiry")
	}
	if ok, _ := store.IsRevoked(ctx, "jti-2"); ok {
		t.Fatalf("unknown jti must not be revoked")
	}
}

func TestPasswordRoundTrip(t *testing.T) {
	hash, err := HashPassword("correct horse")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if err := VerifyPassword(hash, "correct horse"); err != nil {
		t.Fatalf("VerifyPassword: %v", err)
	}
	if err := VerifyPassword(hash, "battery staple"); err == nil {
		t.Fatalf("expected mismatch")
	}
	if _, err := HashPassword(""); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for empty password, got %v", err)
	}
	if _, err := HashPassword(strings.Repeat("x", 73)); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for long password, got %v", err)
	}
	BurnPasswordCheck("anything")
}
