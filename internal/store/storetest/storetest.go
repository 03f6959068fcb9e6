// Package storetest provides fault injection around a store.Gateway for tests.
package storetest

import (
	"context"
	"errors"
	"sync/atomic"

	"pharmatrack.org/internal/domain"
	"pharmatrack.org/internal/store"
)

// ErrInjected is returned by sabotaged audit appends.
var ErrInjected = errors.New("storetest: injected audit failure")

// FaultyGateway wraps a gateway and can make audit appends fail inside
// transactions, after the business write already happened.
type FaultyGateway struct {
	store.Gateway
	failAudit atomic.Bool
}

func Wrap(gw store.Gateway) *FaultyGateway {
	return &FaultyGateway{Gateway: gw}
}

// FailAudit toggles audit append failures.
func (g *FaultyGateway) FailAudit(on bool) { g.failAudit.Store(on) }

func (g *FaultyGateway) RunInTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	return g.Gateway.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return fn(ctx, &faultyTx{Tx: tx, fail: g.failAudit.Load()})
	})
}

type faultyTx struct {
	store.Tx
	fail bool
}

func (t *faultyTx) Audit() store.AuditRepository {
	if !t.fail {
		return t.Tx.Audit()
	}
	return failingAudit{t.Tx.Audit()}
}

type failingAudit struct {
	store.AuditRepository
}

func (failingAudit) Append(context.Context, *domain.AuditLog) error {
	return ErrInjected
}

// Counts reports row totals visible through the reader.
type Counts struct {
	Lines, Processes, Users, Audit int
}

// Count tallies every table through repos.
func Count(ctx context.Context, repos store.Repositories) (Counts, error) {
	var c Counts
	page := domain.Page{Limit: domain.MaxLimit}
	lines, err := repos.Lines().List(ctx, domain.LineFilter{Page: page})
	if err != nil {
		return c, err
	}
	procs, err := repos.Processes().List(ctx, domain.ProcessFilter{Page: page})
	if err != nil {
		return c, err
	}
	users, err := repos.Users().List(ctx, domain.UserFilter{Page: page})
	if err != nil {
		return c, err
	}
	c.Lines, c.Processes, c.Users = len(lines), len(procs), len(users)
	for _, u := range users {
		entries, err := repos.Audit().ListByUser(ctx, u.ID, domain.AuditQuery{Page: page})
		if err != nil {
			return c, err
		}
		c.Audit += len(entries)
	}
	return c, nil
}
