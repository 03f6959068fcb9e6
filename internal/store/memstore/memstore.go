// Package memstore is an in-process implementation of store.Gateway.
// Transactions work on a private copy of the state and swap it in on commit,
// so a failed unit of work leaves nothing behind.
package memstore

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"pharmatrack.org/internal/domain"
	"pharmatrack.org/internal/ids"
	"pharmatrack.org/internal/store"
)

var errReadOnly = errors.New("memstore: write outside transaction")

type state struct {
	lines     map[string]domain.ProductionLine
	processes map[string]domain.Process
	users     map[string]domain.User
	audit     []domain.AuditLog
}

func newState() *state {
	return &state{
		lines:     make(map[string]domain.ProductionLine),
		processes: make(map[string]domain.Process),
		users:     make(map[string]domain.User),
	}
}

func (s *state) clone() *state {
	out := &state{
		lines:     make(map[string]domain.ProductionLine, len(s.lines)),
		processes: make(map[string]domain.Process, len(s.processes)),
		users:     make(map[string]domain.User, len(s.users)),
		audit:     make([]domain.AuditLog, len(s.audit)),
	}
	for k, v := range s.lines {
		out.lines[k] = v
	}
	for k, v := range s.processes {
		out.processes[k] = v
	}
	for k, v := range s.users {
		out.users[k] = v
	}
	copy(out.audit, s.audit)
	return out
}

// Store keeps all entities in memory.
type Store struct {
	txMu  sync.Mutex
	mu    sync.RWMutex
	state *state
	now   func() time.Time
}

var _ store.Gateway = (*Store)(nil)

type Option func(*Store)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func New(opts ...Option) *Store {
	s := &Store{
		state: newState(),
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunInTx serializes transactions. Readers keep seeing the last committed
// state until fn returns nil.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	if store.InTransaction(ctx) {
		return store.ErrNestedTx
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	working := s.state.clone()
	s.mu.RUnlock()

	t := &tx{id: ids.New(), st: working, now: s.now}
	if err := fn(store.WithTx(ctx, t.id), t); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.state = working
	s.mu.Unlock()
	return nil
}

func (s *Store) Reader() store.Repositories {
	return &repos{access: s.readAccess, now: s.now}
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() error { return nil }

func (s *Store) readAccess(write bool, fn func(st *state) error) error {
	if write {
		return errReadOnly
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(s.state)
}

type tx struct {
	id  string
	st  *state
	now func() time.Time
}

func (t *tx) ID() string { return t.id }

func (t *tx) access(_ bool, fn func(st *state) error) error { return fn(t.st) }

func (t *tx) repos() *repos { return &repos{access: t.access, now: t.now} }

func (t *tx) Lines() store.LineRepository        { return lineRepo{t.repos()} }
func (t *tx) Processes() store.ProcessRepository { return processRepo{t.repos()} }
func (t *tx) Users() store.UserRepository        { return userRepo{t.repos()} }
func (t *tx) Audit() store.AuditRepository       { return auditRepo{t.repos()} }

type repos struct {
	access func(write bool, fn func(st *state) error) error
	now    func() time.Time
}

func (r *repos) Lines() store.LineRepository        { return lineRepo{r} }
func (r *repos) Processes() store.ProcessRepository { return processRepo{r} }
func (r *repos) Users() store.UserRepository        { return userRepo{r} }
func (r *repos) Audit() store.AuditRepository       { return auditRepo{r} }

func window[T any](items []T, p domain.Page) []T {
	p = p.Normalize()
	if p.Offset >= len(items) {
		return []T{}
	}
	end := p.Offset + p.Limit
	if end > len(items) {
		end = len(items)
	}
	return items[p.Offset:end]
}

func newestFirst(a, b time.Time, aid, bid string) bool {
	if !a.Equal(b) {
		return a.After(b)
	}
	return aid > bid
}

// --- production lines ---

type lineRepo struct{ r *repos }

func (l lineRepo) Create(ctx context.Context, line *domain.ProductionLine) error {
	return l.r.access(true, func(st *state) error {
		for _, existing := range st.lines {
			if existing.Name == line.Name {
				return domain.Conflictf("production line %q already exists", line.Name)
			}
		}
		if line.ID == "" {
			line.ID = ids.New()
		}
		now := l.r.now()
		line.CreatedAt, line.UpdatedAt = now, now
		st.lines[line.ID] = *line
		return nil
	})
}

func (l lineRepo) FindByID(ctx context.Context, id string) (domain.ProductionLine, error) {
	var out domain.ProductionLine
	err := l.r.access(false, func(st *state) error {
		line, ok := st.lines[id]
		if !ok {
			return domain.NotFoundf("production line %s", id)
		}
		out = line
		return nil
	})
	return out, err
}

func (l lineRepo) FindByIDs(ctx context.Context, ids []string) ([]domain.ProductionLine, error) {
	var out []domain.ProductionLine
	err := l.r.access(false, func(st *state) error {
		for _, id := range ids {
			if line, ok := st.lines[id]; ok {
				out = append(out, line)
			}
		}
		return nil
	})
	return out, err
}

func (l lineRepo) FindByName(ctx context.Context, name string) (domain.ProductionLine, error) {
	var out domain.ProductionLine
	err := l.r.access(false, func(st *state) error {
		for _, line := range st.lines {
			if line.Name == name {
				out = line
				return nil
			}
		}
		return domain.NotFoundf("production line %q", name)
	})
	return out, err
}

func (l lineRepo) List(ctx context.Context, f domain.LineFilter) ([]domain.ProductionLine, error) {
	var all []domain.ProductionLine
	err := l.r.access(false, func(st *state) error {
		for _, line := range st.lines {
			if f.IsActive != nil && line.IsActive != *f.IsActive {
				continue
			}
			if f.Status != "" && line.Status != f.Status {
				continue
			}
			all = append(all, line)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool {
		return newestFirst(all[i].CreatedAt, all[j].CreatedAt, all[i].ID, all[j].ID)
	})
	return window(all, f.Page), nil
}

func (l lineRepo) Update(ctx context.Context, line *domain.ProductionLine) error {
	return l.r.access(true, func(st *state) error {
		if _, ok := st.lines[line.ID]; !ok {
			return domain.NotFoundf("production line %s", line.ID)
		}
		for id, existing := range st.lines {
			if id != line.ID && existing.Name == line.Name {
				return domain.Conflictf("production line %q already exists", line.Name)
			}
		}
		line.UpdatedAt = l.r.now()
		st.lines[line.ID] = *line
		return nil
	})
}

// --- processes ---

type processRepo struct{ r *repos }

func (p processRepo) Create(ctx context.Context, proc *domain.Process) error {
	return p.r.access(true, func(st *state) error {
		if _, ok := st.lines[proc.ProductionLineID]; !ok {
			return domain.NotFoundf("production line %s", proc.ProductionLineID)
		}
		for _, existing := range st.processes {
			if existing.ProductionLineID == proc.ProductionLineID && existing.Title == proc.Title {
				return domain.Conflictf("process %q already exists on this line", proc.Title)
			}
		}
		if proc.ID == "" {
			proc.ID = ids.New()
		}
		now := p.r.now()
		proc.CreatedAt, proc.UpdatedAt = now, now
		st.processes[proc.ID] = *proc
		return nil
	})
}

func (p processRepo) FindByID(ctx context.Context, id string) (domain.Process, error) {
	var out domain.Process
	err := p.r.access(false, func(st *state) error {
		proc, ok := st.processes[id]
		if !ok {
			return domain.NotFoundf("process %s", id)
		}
		out = proc
		return nil
	})
	return out, err
}

func (p processRepo) FindByIDs(ctx context.Context, ids []string) ([]domain.Process, error) {
	var out []domain.Process
	err := p.r.access(false, func(st *state) error {
		for _, id := range ids {
			if proc, ok := st.processes[id]; ok {
				out = append(out, proc)
			}
		}
		return nil
	})
	return out, err
}

func (p processRepo) ListByLineIDs(ctx context.Context, lineIDs []string) ([]domain.Process, error) {
	wanted := make(map[string]struct{}, len(lineIDs))
	for _, id := range lineIDs {
		wanted[id] = struct{}{}
	}
	var out []domain.Process
	err := p.r.access(false, func(st *state) error {
		for _, proc := range st.processes {
			if _, ok := wanted[proc.ProductionLineID]; ok && proc.IsActive {
				out = append(out, proc)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, err
}

func (p processRepo) List(ctx context.Context, f domain.ProcessFilter) ([]domain.Process, error) {
	var all []domain.Process
	err := p.r.access(false, func(st *state) error {
		for _, proc := range st.processes {
			if f.ProductionLineID != "" && proc.ProductionLineID != f.ProductionLineID {
				continue
			}
			if f.IsActive != nil && proc.IsActive != *f.IsActive {
				continue
			}
			if f.Status != "" && proc.Status != f.Status {
				continue
			}
			all = append(all, proc)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool {
		return newestFirst(all[i].CreatedAt, all[j].CreatedAt, all[i].ID, all[j].ID)
	})
	return window(all, f.Page), nil
}

func (p processRepo) Update(ctx context.Context, proc *domain.Process) error {
	return p.r.access(true, func(st *state) error {
		current, ok := st.processes[proc.ID]
		if !ok {
			return domain.NotFoundf("process %s", proc.ID)
		}
		if current.ProductionLineID != proc.ProductionLineID {
			return domain.Validationf("production_line_id is immutable")
		}
		for id, existing := range st.processes {
			if id != proc.ID && existing.ProductionLineID == proc.ProductionLineID && existing.Title == proc.Title {
				return domain.Conflictf("process %q already exists on this line", proc.Title)
			}
		}
		proc.UpdatedAt = p.r.now()
		st.processes[proc.ID] = *proc
		return nil
	})
}

func (p processRepo) CountBlocking(ctx context.Context, lineID string) (int, error) {
	n := 0
	err := p.r.access(false, func(st *state) error {
		for _, proc := range st.processes {
			if proc.ProductionLineID == lineID && proc.Blocking() {
				n++
			}
		}
		return nil
	})
	return n, err
}

// --- users ---

type userRepo struct{ r *repos }

func (u userRepo) Create(ctx context.Context, user *domain.User) error {
	return u.r.access(true, func(st *state) error {
		for _, existing := range st.users {
			if existing.Email == user.Email {
				return domain.Conflictf("user %q already exists", user.Email)
			}
		}
		if user.ID == "" {
			user.ID = ids.New()
		}
		now := u.r.now()
		user.CreatedAt, user.UpdatedAt = now, now
		st.users[user.ID] = *user
		return nil
	})
}

func (u userRepo) FindByID(ctx context.Context, id string) (domain.User, error) {
	var out domain.User
	err := u.r.access(false, func(st *state) error {
		user, ok := st.users[id]
		if !ok {
			return domain.NotFoundf("user %s", id)
		}
		out = user
		return nil
	})
	return out, err
}

func (u userRepo) FindByIDs(ctx context.Context, ids []string) ([]domain.User, error) {
	var out []domain.User
	err := u.r.access(false, func(st *state) error {
		for _, id := range ids {
			if user, ok := st.users[id]; ok {
				out = append(out, user)
			}
		}
		return nil
	})
	return out, err
}

func (u userRepo) FindByEmail(ctx context.Context, email string) (domain.User, error) {
	var out domain.User
	err := u.r.access(false, func(st *state) error {
		for _, user := range st.users {
			if user.Email == email {
				out = user
				return nil
			}
		}
		return domain.NotFoundf("user %q", email)
	})
	return out, err
}

func (u userRepo) List(ctx context.Context, f domain.UserFilter) ([]domain.User, error) {
	var all []domain.User
	err := u.r.access(false, func(st *state) error {
		for _, user := range st.users {
			if f.IsActive != nil && user.IsActive != *f.IsActive {
				continue
			}
			if f.Role != "" && user.Role != f.Role {
				continue
			}
			all = append(all, user)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool {
		return newestFirst(all[i].CreatedAt, all[j].CreatedAt, all[i].ID, all[j].ID)
	})
	return window(all, f.Page), nil
}

func (u userRepo) Update(ctx context.Context, user *domain.User) error {
	return u.r.access(true, func(st *state) error {
		if _, ok := st.users[user.ID]; !ok {
			return domain.NotFoundf("user %s", user.ID)
		}
		for id, existing := range st.users {
			if id != user.ID && existing.Email == user.Email {
				return domain.Conflictf("user %q already exists", user.Email)
			}
		}
		user.UpdatedAt = u.r.now()
		st.users[user.ID] = *user
		return nil
	})
}

func (u userRepo) Count(ctx context.Context) (int, error) {
	n := 0
	err := u.r.access(false, func(st *state) error {
		n = len(st.users)
		return nil
	})
	return n, err
}

// --- audit ---

type auditRepo struct{ r *repos }

func (a auditRepo) Append(ctx context.Context, entry *domain.AuditLog) error {
	return a.r.access(true, func(st *state) error {
		if _, ok := st.users[entry.UserID]; !ok {
			return domain.NotFoundf("user %s", entry.UserID)
		}
		if entry.ID == "" {
			entry.ID = ids.New()
		}
		if entry.Timestamp.IsZero() {
			entry.Timestamp = a.r.now()
		}
		st.audit = append(st.audit, *entry)
		return nil
	})
}

func (a auditRepo) ListByEntity(ctx context.Context, entityType, entityID string, q domain.AuditQuery) ([]domain.AuditLog, error) {
	return a.list(func(e domain.AuditLog) bool {
		return e.EntityType == entityType && e.EntityID == entityID &&
			(q.UserID == "" || e.UserID == q.UserID)
	}, q.Page)
}

func (a auditRepo) ListByUser(ctx context.Context, userID string, q domain.AuditQuery) ([]domain.AuditLog, error) {
	return a.list(func(e domain.AuditLog) bool {
		return e.UserID == userID && (q.EntityType == "" || e.EntityType == q.EntityType)
	}, q.Page)
}

func (a auditRepo) list(match func(domain.AuditLog) bool, page domain.Page) ([]domain.AuditLog, error) {
	var all []domain.AuditLog
	err := a.r.access(false, func(st *state) error {
		for _, e := range st.audit {
			if match(e) {
				all = append(all, e)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(all, func(i, j int) bool {
		return newestFirst(all[i].Timestamp, all[j].Timestamp, all[i].ID, all[j].ID)
	})
	return window(all, page), nil
}
