package router

import "errors"

var (
	// ErrTenantNotFound means the control-plane store has no record for the tenant.
	ErrTenantNotFound = errors.New("tenant not found")
	// ErrTenantInactive means the tenant exists but its lifecycle status is not active.
	ErrTenantInactive = errors.New("tenant inactive")
	// ErrMissingConnectionInfo means a dedicated_database handle was requested
	// without a ConnectionInfo record.
	ErrMissingConnectionInfo = errors.New("missing connection info for dedicated database tenant")
)
