package auth

import (
	"pharmatrack.org/internal/domain"
)

// Authorize checks that the principal holds one of roles.
func (p Principal) Authorize(roles ...domain.Role) error {
	for _, r := range roles {
		if p.Role == r {
			return nil
		}
	}
	return domain.Forbiddenf("role %s may not perform this action", p.Role)
}
