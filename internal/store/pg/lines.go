package pg

import (
	"context"

	"pharmatrack.org/internal/domain"
	"pharmatrack.org/internal/ids"
)

const lineColumns = `id, name, status, version, is_active, created_by, reason, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

type lineRepo struct{ r *repos }

func scanLine(s scanner) (domain.ProductionLine, error) {
	var l domain.ProductionLine
	err := s.Scan(&l.ID, &l.Name, &l.Status, &l.Version, &l.IsActive, &l.CreatedBy, &l.Reason, &l.CreatedAt, &l.UpdatedAt)
	return l, err
}

func (l lineRepo) Create(ctx context.Context, line *domain.ProductionLine) error {
	if line.ID == "" {
		line.ID = ids.New()
	}
	row := l.r.q.QueryRowContext(ctx, `
		insert into production_lines (id, name, status, version, is_active, created_by, reason)
		values ($1, $2, $3, $4, $5, $6, $7)
		returning created_at, updated_at
	`, line.ID, line.Name, line.Status, line.Version, line.IsActive, line.CreatedBy, line.Reason)
	return translate(row.Scan(&line.CreatedAt, &line.UpdatedAt))
}

func (l lineRepo) FindByID(ctx context.Context, id string) (domain.ProductionLine, error) {
	row := l.r.q.QueryRowContext(ctx, l.r.forUpdate(`select `+lineColumns+` from production_lines where id = $1`), id)
	line, err := scanLine(row)
	if err != nil {
		return domain.ProductionLine{}, translate(err)
	}
	return line, nil
}

func (l lineRepo) FindByIDs(ctx context.Context, ids []string) ([]domain.ProductionLine, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := l.r.q.QueryContext(ctx, `select `+lineColumns+` from production_lines where id = any($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ProductionLine
	for rows.Next() {
		line, err := scanLine(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, line)
	}
	return res, rows.Err()
}

func (l lineRepo) FindByName(ctx context.Context, name string) (domain.ProductionLine, error) {
	row := l.r.q.QueryRowContext(ctx, `select `+lineColumns+` from production_lines where name = $1`, name)
	line, err := scanLine(row)
	if err != nil {
		return domain.ProductionLine{}, translate(err)
	}
	return line, nil
}

func (l lineRepo) List(ctx context.Context, f domain.LineFilter) ([]domain.ProductionLine, error) {
	var w where
	if f.IsActive != nil {
		w.add("is_active = $%d", *f.IsActive)
	}
	if f.Status != "" {
		w.add("status = $%d", f.Status)
	}
	limit, args := w.page(f.Page)
	rows, err := l.r.q.QueryContext(ctx, `select `+lineColumns+` from production_lines`+w.String()+
		` order by created_at desc, id desc`+limit, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.ProductionLine{}
	for rows.Next() {
		line, err := scanLine(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, line)
	}
	return res, rows.Err()
}

func (l lineRepo) Update(ctx context.Context, line *domain.ProductionLine) error {
	row := l.r.q.QueryRowContext(ctx, `
		update production_lines
		set name = $2, status = $3, version = $4, is_active = $5, updated_at = now()
		where id = $1
		returning updated_at
	`, line.ID, line.Name, line.Status, line.Version, line.IsActive)
	return translate(row.Scan(&line.UpdatedAt))
}
