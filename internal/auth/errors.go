package auth

import "errors"

var (
	ErrUnauthorized   = errors.New("auth: unauthorized")
	ErrForbidden      = errors.New("auth: missing scope")
	ErrTenantMismatch = errors.New("auth: tenant does not match token")
)
