package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"pharmatrack.org/internal/domain"
	"pharmatrack.org/internal/ids"
)

const auditColumns = `id, user_id, action, entity_type, entity_id, reason, ip_address, user_agent, details, timestamp`

type auditRepo struct{ r *repos }

func scanAudit(s scanner) (domain.AuditLog, error) {
	var (
		e      domain.AuditLog
		ip, ua sql.NullString
		raw    []byte
	)
	if err := s.Scan(&e.ID, &e.UserID, &e.Action, &e.EntityType, &e.EntityID, &e.Reason, &ip, &ua, &raw, &e.Timestamp); err != nil {
		return domain.AuditLog{}, err
	}
	e.IPAddress = nullString(ip)
	e.UserAgent = nullString(ua)
	e.Details = map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &e.Details); err != nil {
			return domain.AuditLog{}, fmt.Errorf("decode details: %w", err)
		}
	}
	return e, nil
}

func (a auditRepo) Append(ctx context.Context, entry *domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = ids.New()
	}
	details := []byte("{}")
	if len(entry.Details) > 0 {
		raw, err := json.Marshal(entry.Details)
		if err != nil {
			return fmt.Errorf("marshal details: %w", err)
		}
		details = raw
	}
	row := a.r.q.QueryRowContext(ctx, `
		insert into audit_logs (id, user_id, action, entity_type, entity_id, reason, ip_address, user_agent, details)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		returning timestamp
	`, entry.ID, entry.UserID, entry.Action, entry.EntityType, entry.EntityID, entry.Reason,
		entry.IPAddress, entry.UserAgent, details)
	return translate(row.Scan(&entry.Timestamp))
}

func (a auditRepo) ListByEntity(ctx context.Context, entityType, entityID string, q domain.AuditQuery) ([]domain.AuditLog, error) {
	var w where
	w.add("entity_type = $%d", entityType)
	w.add("entity_id = $%d", entityID)
	if q.UserID != "" {
		w.add("user_id = $%d", q.UserID)
	}
	return a.list(ctx, w, q.Page)
}

func (a auditRepo) ListByUser(ctx context.Context, userID string, q domain.AuditQuery) ([]domain.AuditLog, error) {
	var w where
	w.add("user_id = $%d", userID)
	if q.EntityType != "" {
		w.add("entity_type = $%d", q.EntityType)
	}
	return a.list(ctx, w, q.Page)
}

func (a auditRepo) list(ctx context.Context, w where, p domain.Page) ([]domain.AuditLog, error) {
	limit, args := w.page(p)
	rows, err := a.r.q.QueryContext(ctx, `select `+auditColumns+` from audit_logs`+w.String()+
		` order by timestamp desc, id desc`+limit, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.AuditLog{}
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
