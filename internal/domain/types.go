package domain

import "time"

// Entity type tags used by the audit trail, cache keys and change events.
const (
	EntityProductionLine = "production_line"
	EntityProcess        = "process"
	EntityUser           = "user"
)

type LineStatus string

const (
	LineActive      LineStatus = "ACTIVE"
	LineInactive    LineStatus = "INACTIVE"
	LineMaintenance LineStatus = "MAINTENANCE"
)

func (s LineStatus) Valid() bool {
	switch s {
	case LineActive, LineInactive, LineMaintenance:
		return true
	}
	return false
}

type ProcessStatus string

const (
	ProcessPending    ProcessStatus = "PENDING"
	ProcessInProgress ProcessStatus = "IN_PROGRESS"
	ProcessOnHold     ProcessStatus = "ON_HOLD"
	ProcessCompleted  ProcessStatus = "COMPLETED"
	ProcessFailed     ProcessStatus = "FAILED"
)

func (s ProcessStatus) Valid() bool {
	switch s {
	case ProcessPending, ProcessInProgress, ProcessOnHold, ProcessCompleted, ProcessFailed:
		return true
	}
	return false
}

type Role string

const (
	RoleAdmin            Role = "ADMIN"
	RoleManager          Role = "MANAGER"
	RoleOperator         Role = "OPERATOR"
	RoleQualityAssurance Role = "QUALITY_ASSURANCE"
)

func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleManager, RoleOperator, RoleQualityAssurance:
		return true
	}
	return false
}

type AuditAction string

const (
	ActionCreate  AuditAction = "CREATE"
	ActionUpdate  AuditAction = "UPDATE"
	ActionDelete  AuditAction = "DELETE"
	ActionView    AuditAction = "VIEW"
	ActionApprove AuditAction = "APPROVE"
	ActionReject  AuditAction = "REJECT"
)

func (a AuditAction) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete, ActionView, ActionApprove, ActionReject:
		return true
	}
	return false
}

// Process bounds.
const (
	MinDuration   = 1
	MaxDuration   = 525600 // one year in minutes
	MinProgress   = 0
	MaxProgress   = 100
	MaxCoordinate = 10000
	DefaultColor  = "#3B82F6"
)

// ProductionLine is a manufacturing line that owns processes.
type ProductionLine struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Status    LineStatus `json:"status"`
	Version   int        `json:"version"`
	IsActive  bool       `json:"is_active"`
	CreatedBy string     `json:"created_by"`
	Reason    string     `json:"reason"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Process is a unit of work scheduled on a production line.
type Process struct {
	ID               string        `json:"id"`
	Title            string        `json:"title"`
	Description      string        `json:"description"`
	Duration         int           `json:"duration"`
	Progress         float64       `json:"progress"`
	Status           ProcessStatus `json:"status"`
	X                float64       `json:"x"`
	Y                float64       `json:"y"`
	Color            string        `json:"color"`
	ProductionLineID string        `json:"production_line_id"`
	CreatedBy        string        `json:"created_by"`
	Reason           string        `json:"reason"`
	IsActive         bool          `json:"is_active"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// Blocking reports whether the process prevents its line from being deactivated.
func (p Process) Blocking() bool {
	return p.IsActive && p.Status != ProcessCompleted
}

// User is an operator account. PasswordHash never leaves the process.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	FirstName    *string   `json:"first_name"`
	LastName     *string   `json:"last_name"`
	Role         Role      `json:"role"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// AuditLog is an immutable record of a mutation.
type AuditLog struct {
	ID         string         `json:"id"`
	UserID     string         `json:"user_id"`
	Action     AuditAction    `json:"action"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Reason     string         `json:"reason"`
	IPAddress  *string        `json:"ip_address,omitempty"`
	UserAgent  *string        `json:"user_agent,omitempty"`
	Details    map[string]any `json:"details"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Actor is the authenticated caller of a mutation.
type Actor struct {
	UserID    string
	Role      Role
	IPAddress string
	UserAgent string
}

// HasRole reports whether the actor holds one of roles.
func (a Actor) HasRole(roles ...Role) bool {
	for _, r := range roles {
		if a.Role == r {
			return true
		}
	}
	return false
}
