package auth

import (
	"crypto/subtle"
	"errors"
	"os"
)

var (
	ErrMissingServiceToken = errors.New("service token not provided")
	ErrInvalidServiceToken = errors.New("invalid service token")
)

// ValidateServiceToken checks the shared secret presented by internal
// callers (the generation gateway, batch jobs) against the configured
// token. The comparison is constant-time.
func ValidateServiceToken(token string, expectedToken string) error {
	if token == "" {
		return ErrMissingServiceToken
	}

	if subtle.ConstantTimeCompare([]byte(token), []byte(expectedToken)) != 1 {
		return ErrInvalidServiceToken
	}

	return nil
}

// GetServiceToken returns SERVICE_TOKEN from the environment.
func GetServiceToken() string {
	return os.Getenv("SERVICE_TOKEN")
}
