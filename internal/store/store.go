// Package store defines the persistence boundary shared by the domain
// services. Implementations live in store/pg and store/memstore.
package store

import (
	"context"
	"errors"

	"pharmatrack.org/internal/domain"
)

// ErrNestedTx is returned when RunInTx is called from inside another transaction.
var ErrNestedTx = errors.New("store: nested transactions are not supported")

type LineRepository interface {
	Create(ctx context.Context, line *domain.ProductionLine) error
	FindByID(ctx context.Context, id string) (domain.ProductionLine, error)
	FindByIDs(ctx context.Context, ids []string) ([]domain.ProductionLine, error)
	FindByName(ctx context.Context, name string) (domain.ProductionLine, error)
	List(ctx context.Context, f domain.LineFilter) ([]domain.ProductionLine, error)
	Update(ctx context.Context, line *domain.ProductionLine) error
}

type ProcessRepository interface {
	Create(ctx context.Context, p *domain.Process) error
	FindByID(ctx context.Context, id string) (domain.Process, error)
	FindByIDs(ctx context.Context, ids []string) ([]domain.Process, error)
	ListByLineIDs(ctx context.Context, lineIDs []string) ([]domain.Process, error)
	List(ctx context.Context, f domain.ProcessFilter) ([]domain.Process, error)
	Update(ctx context.Context, p *domain.Process) error
	// CountBlocking counts active processes on the line that are not completed.
	CountBlocking(ctx context.Context, lineID string) (int, error)
}

type UserRepository interface {
	Create(ctx context.Context, u *domain.User) error
	FindByID(ctx context.Context, id string) (domain.User, error)
	FindByIDs(ctx context.Context, ids []string) ([]domain.User, error)
	FindByEmail(ctx context.Context, email string) (domain.User, error)
	List(ctx context.Context, f domain.UserFilter) ([]domain.User, error)
	Update(ctx context.Context, u *domain.User) error
	Count(ctx context.Context) (int, error)
}

// AuditRepository is append-only.
type AuditRepository interface {
	Append(ctx context.Context, entry *domain.AuditLog) error
	ListByEntity(ctx context.Context, entityType, entityID string, q domain.AuditQuery) ([]domain.AuditLog, error)
	ListByUser(ctx context.Context, userID string, q domain.AuditQuery) ([]domain.AuditLog, error)
}

// Repositories groups the per-entity repositories.
type Repositories interface {
	Lines() LineRepository
	Processes() ProcessRepository
	Users() UserRepository
	Audit() AuditRepository
}

// Tx is the capability handed to a transactional unit of work. Everything
// written through it commits or rolls back together.
type Tx interface {
	Repositories
	ID() string
}

// Gateway is the data store entry point.
type Gateway interface {
	// RunInTx runs fn inside a single transaction. A nil return commits; an
	// error or panic rolls back. Nesting is rejected with ErrNestedTx.
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	// Reader returns non-transactional repositories for reads.
	Reader() Repositories
	Ping(ctx context.Context) error
	Close() error
}

// InTx runs fn in a transaction and returns its value once committed.
func InTx[T any](ctx context.Context, gw Gateway, fn func(ctx context.Context, tx Tx) (T, error)) (T, error) {
	var out T
	err := gw.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		v, err := fn(ctx, tx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

type txKey struct{}

// WithTx marks ctx as running inside transaction id.
func WithTx(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, txKey{}, id)
}

// InTransaction reports whether ctx belongs to a running transaction.
func InTransaction(ctx context.Context) bool {
	id, ok := ctx.Value(txKey{}).(string)
	return ok && id != ""
}
