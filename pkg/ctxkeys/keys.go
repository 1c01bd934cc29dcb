// Package ctxkeys defines typed context keys to avoid SA1029 lint warnings
// and prevent key collisions across packages.
package ctxkeys

// Key is a typed context key to prevent collisions.
type Key string

// Auth context keys
const (
	KeyAccountID Key = "account_id"
	KeyEmail     Key = "email"
	KeyAuthType  Key = "auth_type"
	KeyJWTToken  Key = "jwt_token"
)

// Request context keys
const (
	KeyRequestID Key = "request_id"
)
