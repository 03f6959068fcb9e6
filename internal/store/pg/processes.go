package pg

import (
	"context"
	"database/sql"

	"pharmatrack.org/internal/domain"
	"pharmatrack.org/internal/ids"
)

const processColumns = `id, title, description, duration, progress, status, x, y, color,
	production_line_id, created_by, reason, is_active, created_at, updated_at`

type processRepo struct{ r *repos }

func scanProcess(s scanner) (domain.Process, error) {
	var (
		p    domain.Process
		desc sql.NullString
	)
	err := s.Scan(&p.ID, &p.Title, &desc, &p.Duration, &p.Progress, &p.Status, &p.X, &p.Y, &p.Color,
		&p.ProductionLineID, &p.CreatedBy, &p.Reason, &p.IsActive, &p.CreatedAt, &p.UpdatedAt)
	p.Description = desc.String
	return p, err
}

func (p processRepo) Create(ctx context.Context, proc *domain.Process) error {
	if proc.ID == "" {
		proc.ID = ids.New()
	}
	row := p.r.q.QueryRowContext(ctx, `
		insert into processes (id, title, description, duration, progress, status, x, y, color,
			production_line_id, created_by, reason, is_active)
		values ($1, $2, nullif($3, ''), $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		returning created_at, updated_at
	`, proc.ID, proc.Title, proc.Description, proc.Duration, proc.Progress, proc.Status, proc.X, proc.Y, proc.Color,
		proc.ProductionLineID, proc.CreatedBy, proc.Reason, proc.IsActive)
	return translate(row.Scan(&proc.CreatedAt, &proc.UpdatedAt))
}

func (p processRepo) FindByID(ctx context.Context, id string) (domain.Process, error) {
	row := p.r.q.QueryRowContext(ctx, p.r.forUpdate(`select `+processColumns+` from processes where id = $1`), id)
	proc, err := scanProcess(row)
	if err != nil {
		return domain.Process{}, translate(err)
	}
	return proc, nil
}

func (p processRepo) FindByIDs(ctx context.Context, ids []string) ([]domain.Process, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return p.query(ctx, `select `+processColumns+` from processes where id = any($1)`, ids)
}

func (p processRepo) ListByLineIDs(ctx context.Context, lineIDs []string) ([]domain.Process, error) {
	if len(lineIDs) == 0 {
		return nil, nil
	}
	return p.query(ctx, `select `+processColumns+` from processes
		where production_line_id = any($1) and is_active
		order by created_at asc, id asc`, lineIDs)
}

func (p processRepo) List(ctx context.Context, f domain.ProcessFilter) ([]domain.Process, error) {
	var w where
	if f.ProductionLineID != "" {
		w.add("production_line_id = $%d", f.ProductionLineID)
	}
	if f.IsActive != nil {
		w.add("is_active = $%d", *f.IsActive)
	}
	if f.Status != "" {
		w.add("status = $%d", f.Status)
	}
	limit, args := w.page(f.Page)
	res, err := p.query(ctx, `select `+processColumns+` from processes`+w.String()+
		` order by created_at desc, id desc`+limit, args...)
	if res == nil && err == nil {
		res = []domain.Process{}
	}
	return res, err
}

func (p processRepo) Update(ctx context.Context, proc *domain.Process) error {
	row := p.r.q.QueryRowContext(ctx, `
		update processes
		set title = $2, description = nullif($3, ''), duration = $4, progress = $5, status = $6,
			x = $7, y = $8, color = $9, is_active = $10, updated_at = now()
		where id = $1
		returning updated_at
	`, proc.ID, proc.Title, proc.Description, proc.Duration, proc.Progress, proc.Status,
		proc.X, proc.Y, proc.Color, proc.IsActive)
	return translate(row.Scan(&proc.UpdatedAt))
}

func (p processRepo) CountBlocking(ctx context.Context, lineID string) (int, error) {
	var n int
	err := p.r.q.QueryRowContext(ctx, `
		select count(*) from processes
		where production_line_id = $1 and is_active and status <> $2
	`, lineID, domain.ProcessCompleted).Scan(&n)
	return n, err
}

func (p processRepo) query(ctx context.Context, query string, args ...any) ([]domain.Process, error) {
	rows, err := p.r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Process
	for rows.Next() {
		proc, err := scanProcess(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, proc)
	}
	return res, rows.Err()
}
