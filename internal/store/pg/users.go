package pg

import (
	"context"
	"database/sql"

	"pharmatrack.org/internal/domain"
	"pharmatrack.org/internal/ids"
)

const userColumns = `id, email, password_hash, first_name, last_name, role, is_active, created_at, updated_at`

type userRepo struct{ r *repos }

func scanUser(s scanner) (domain.User, error) {
	var (
		u           domain.User
		first, last sql.NullString
	)
	if err := s.Scan(&u.ID, &u.Email, &u.PasswordHash, &first, &last, &u.Role, &u.IsActive, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return domain.User{}, err
	}
	u.FirstName = nullString(first)
	u.LastName = nullString(last)
	return u, nil
}

func (u userRepo) Create(ctx context.Context, user *domain.User) error {
	if user.ID == "" {
		user.ID = ids.New()
	}
	row := u.r.q.QueryRowContext(ctx, `
		insert into users (id, email, password_hash, first_name, last_name, role, is_active)
		values ($1, $2, $3, $4, $5, $6, $7)
		returning created_at, updated_at
	`, user.ID, user.Email, user.PasswordHash, user.FirstName, user.LastName, user.Role, user.IsActive)
	return translate(row.Scan(&user.CreatedAt, &user.UpdatedAt))
}

func (u userRepo) FindByID(ctx context.Context, id string) (domain.User, error) {
	row := u.r.q.QueryRowContext(ctx, u.r.forUpdate(`select `+userColumns+` from users where id = $1`), id)
	user, err := scanUser(row)
	if err != nil {
		return domain.User{}, translate(err)
	}
	return user, nil
}

func (u userRepo) FindByIDs(ctx context.Context, ids []string) ([]domain.User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return u.query(ctx, `select `+userColumns+` from users where id = any($1)`, ids)
}

func (u userRepo) FindByEmail(ctx context.Context, email string) (domain.User, error) {
	row := u.r.q.QueryRowContext(ctx, `select `+userColumns+` from users where email = $1`, email)
	user, err := scanUser(row)
	if err != nil {
		return domain.User{}, translate(err)
	}
	return user, nil
}

func (u userRepo) List(ctx context.Context, f domain.UserFilter) ([]domain.User, error) {
	var w where
	if f.IsActive != nil {
		w.add("is_active = $%d", *f.IsActive)
	}
	if f.Role != "" {
		w.add("role = $%d", f.Role)
	}
	limit, args := w.page(f.Page)
	res, err := u.query(ctx, `select `+userColumns+` from users`+w.String()+
		` order by created_at desc, id desc`+limit, args...)
	if res == nil && err == nil {
		res = []domain.User{}
	}
	return res, err
}

func (u userRepo) Update(ctx context.Context, user *domain.User) error {
	row := u.r.q.QueryRowContext(ctx, `
		update users
		set email = $2, password_hash = $3, first_name = $4, last_name = $5, role = $6,
			is_active = $7, updated_at = now()
		where id = $1
		returning updated_at
	`, user.ID, user.Email, user.PasswordHash, user.FirstName, user.LastName, user.Role, user.IsActive)
	return translate(row.Scan(&user.UpdatedAt))
}

func (u userRepo) Count(ctx context.Context) (int, error) {
	var n int
	err := u.r.q.QueryRowContext(ctx, `select count(*) from users`).Scan(&n)
	return n, err
}

func (u userRepo) query(ctx context.Context, query string, args ...any) ([]domain.User, error) {
	rows, err := u.r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, user)
	}
	return res, rows.Err()
}
