package domain

const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// Page is a limit/offset window. Zero values mean defaults.
type Page struct {
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

// Normalize clamps the window to supported bounds.
func (p Page) Normalize() Page {
	if p.Limit <= 0 || p.Limit > MaxLimit {
		p.Limit = DefaultLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

type LineFilter struct {
	IsActive *bool      `json:"is_active,omitempty"`
	Status   LineStatus `json:"status,omitempty"`
	Page
}

type ProcessFilter struct {
	ProductionLineID string        `json:"production_line_id,omitempty"`
	IsActive         *bool         `json:"is_active,omitempty"`
	Status           ProcessStatus `json:"status,omitempty"`
	Page
}

type UserFilter struct {
	IsActive *bool `json:"is_active,omitempty"`
	Role     Role  `json:"role,omitempty"`
	Page
}

// AuditQuery narrows an audit lookup. UserID applies to entity lookups,
// EntityType to user lookups.
type AuditQuery struct {
	UserID     string
	EntityType string
	Page
}
