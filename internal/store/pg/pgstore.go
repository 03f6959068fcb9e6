package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"pharmatrack.org/internal/domain"
	"pharmatrack.org/internal/ids"
	"pharmatrack.org/internal/store"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
	pgErrCheckViolation      = "23514"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Store struct {
	db *sql.DB
}

var _ store.Gateway = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// RunInTx runs fn in a read-committed transaction. Reads through the handle
// lock the rows they return until commit.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	if store.InTransaction(ctx) {
		return store.ErrNestedTx
	}
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = sqlTx.Rollback() }()

	t := &txRepos{id: ids.New(), repos: repos{q: sqlTx, lock: true}}
	if err := fn(store.WithTx(ctx, t.id), t); err != nil {
		return err
	}
	return translate(sqlTx.Commit())
}

func (s *Store) Reader() store.Repositories {
	return &repos{q: s.db}
}

type repos struct {
	q    querier
	lock bool
}

func (r *repos) Lines() store.LineRepository        { return lineRepo{r} }
func (r *repos) Processes() store.ProcessRepository { return processRepo{r} }
func (r *repos) Users() store.UserRepository        { return userRepo{r} }
func (r *repos) Audit() store.AuditRepository       { return auditRepo{r} }

// forUpdate appends a row lock when running inside a transaction.
func (r *repos) forUpdate(query string) string {
	if r.lock {
		return query + " for update"
	}
	return query
}

type txRepos struct {
	repos
	id string
}

func (t *txRepos) ID() string { return t.id }

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

// translate maps driver errors onto domain error kinds.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	if pgErr, ok := maybePgError(err); ok {
		switch pgErr.Code {
		case pgErrUniqueViolation:
			return fmt.Errorf("%w: %s", domain.ErrConflict, constraintLabel(pgErr))
		case pgErrForeignKeyViolation:
			return fmt.Errorf("%w: %s", domain.ErrNotFound, constraintLabel(pgErr))
		case pgErrCheckViolation:
			return fmt.Errorf("%w: %s", domain.ErrValidation, constraintLabel(pgErr))
		}
	}
	return err
}

func constraintLabel(pgErr *pgconn.PgError) string {
	if pgErr.ConstraintName != "" {
		return strings.ReplaceAll(pgErr.ConstraintName, "_", " ")
	}
	return pgErr.Message
}

func pageArgs(p domain.Page) (int, int) {
	p = p.Normalize()
	return p.Limit, p.Offset
}

// where accumulates conditions with positional arguments.
type where struct {
	conds []string
	args  []any
}

func (w *where) add(cond string, arg any) {
	w.args = append(w.args, arg)
	w.conds = append(w.conds, fmt.Sprintf(cond, len(w.args)))
}

func (w *where) String() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " where " + strings.Join(w.conds, " and ")
}

// page appends limit/offset placeholders and returns the full argument list.
func (w *where) page(p domain.Page) (string, []any) {
	limit, offset := pageArgs(p)
	args := append(w.args, limit, offset)
	return fmt.Sprintf(" limit $%d offset $%d", len(args)-1, len(args)), args
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
