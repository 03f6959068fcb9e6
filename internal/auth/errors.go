package auth

import (
	"errors"
	"fmt"

	"pharmatrack.org/internal/domain"
)

var (
	// ErrInvalidToken indicates the token failed validation. Callers only
	// ever see the generic unauthorized error.
	ErrInvalidToken = fmt.Errorf("%w: invalid token", domain.ErrUnauthorized)

	errMissingSecret = errors.New("auth secret is not configured")
)
