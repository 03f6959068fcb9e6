// Package loader batches the nested lookups of a single request. A Loaders
// set is created per request and must not be shared between requests.
package loader

import (
	"context"
	"time"

	"github.com/graph-gophers/dataloader/v7"

	"pharmatrack.org/internal/domain"
	"pharmatrack.org/internal/store"
)

const (
	defaultWait     = 2 * time.Millisecond
	defaultCapacity = 100
)

type Loaders struct {
	LineByID          *dataloader.Loader[string, *domain.ProductionLine]
	ProcessByID       *dataloader.Loader[string, *domain.Process]
	ProcessesByLineID *dataloader.Loader[string, []domain.Process]
	UserByID          *dataloader.Loader[string, *domain.User]
}

type config struct {
	wait     time.Duration
	capacity int
}

type Option func(*config)

// WithWait sets how long a batch collects keys before it is dispatched.
func WithWait(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.wait = d
		}
	}
}

// WithBatchCapacity caps the keys per batch.
func WithBatchCapacity(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.capacity = n
		}
	}
}

// New builds a fresh loader set reading through repos.
func New(repos store.Repositories, opts ...Option) *Loaders {
	cfg := config{wait: defaultWait, capacity: defaultCapacity}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Loaders{
		LineByID:          newLoader(cfg, byID(repos.Lines().FindByIDs, func(l domain.ProductionLine) string { return l.ID })),
		ProcessByID:       newLoader(cfg, byID(repos.Processes().FindByIDs, func(p domain.Process) string { return p.ID })),
		ProcessesByLineID: newLoader(cfg, processesByLine(repos.Processes())),
		UserByID:          newLoader(cfg, byID(repos.Users().FindByIDs, func(u domain.User) string { return u.ID })),
	}
}

func newLoader[V any](cfg config, fn dataloader.BatchFunc[string, V]) *dataloader.Loader[string, V] {
	return dataloader.NewBatchedLoader(fn,
		dataloader.WithWait[string, V](cfg.wait),
		dataloader.WithBatchCapacity[string, V](cfg.capacity),
	)
}

// byID adapts a multi-get into a batch function. Keys the store does not
// know resolve to nil.
func byID[T any](fetch func(context.Context, []string) ([]T, error), key func(T) string) dataloader.BatchFunc[string, *T] {
	return func(ctx context.Context, keys []string) []*dataloader.Result[*T] {
		rows, err := fetch(ctx, keys)
		if err != nil {
			return failAll[*T](len(keys), err)
		}
		index := make(map[string]*T, len(rows))
		for i := range rows {
			index[key(rows[i])] = &rows[i]
		}
		out := make([]*dataloader.Result[*T], len(keys))
		for i, k := range keys {
			out[i] = &dataloader.Result[*T]{Data: index[k]}
		}
		return out
	}
}

func processesByLine(repo store.ProcessRepository) dataloader.BatchFunc[string, []domain.Process] {
	return func(ctx context.Context, keys []string) []*dataloader.Result[[]domain.Process] {
		rows, err := repo.ListByLineIDs(ctx, keys)
		if err != nil {
			return failAll[[]domain.Process](len(keys), err)
		}
		grouped := make(map[string][]domain.Process, len(keys))
		for _, p := range rows {
			grouped[p.ProductionLineID] = append(grouped[p.ProductionLineID], p)
		}
		out := make([]*dataloader.Result[[]domain.Process], len(keys))
		for i, k := range keys {
			children := grouped[k]
			if children == nil {
				children = []domain.Process{}
			}
			out[i] = &dataloader.Result[[]domain.Process]{Data: children}
		}
		return out
	}
}

func failAll[V any](n int, err error) []*dataloader.Result[V] {
	out := make([]*dataloader.Result[V], n)
	for i := range out {
		out[i] = &dataloader.Result[V]{Error: err}
	}
	return out
}

type ctxKey struct{}

// WithLoaders attaches l to ctx.
func WithLoaders(ctx context.Context, l *Loaders) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the loaders installed for this request, if any.
func FromContext(ctx context.Context) (*Loaders, bool) {
	l, ok := ctx.Value(ctxKey{}).(*Loaders)
	return l, ok && l != nil
}

// Line resolves one production line through the request loaders.
func (l *Loaders) Line(ctx context.Context, id string) (*domain.ProductionLine, error) {
	return l.LineByID.Load(ctx, id)()
}

func (l *Loaders) User(ctx context.Context, id string) (*domain.User, error) {
	return l.UserByID.Load(ctx, id)()
}

func (l *Loaders) Processes(ctx context.Context, lineID string) ([]domain.Process, error) {
	return l.ProcessesByLineID.Load(ctx, lineID)()
}

// ProcessesForLines resolves children for many parents in one batch.
func (l *Loaders) ProcessesForLines(ctx context.Context, lineIDs []string) (map[string][]domain.Process, error) {
	res, errs := l.ProcessesByLineID.LoadMany(ctx, lineIDs)()
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	out := make(map[string][]domain.Process, len(lineIDs))
	for i, id := range lineIDs {
		out[id] = res[i]
	}
	return out, nil
}
