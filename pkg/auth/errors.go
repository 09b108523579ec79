package auth

import (
	"errors"
	"fmt"
)

var (
	// ErrNoCredentials means no credential has been supplied yet.
	ErrNoCredentials = errors.New("no credentials configured")

	// ErrInvalidCredentials means the provider rejected the username,
	// password or client ID. Retrying with the same credential cannot
	// succeed.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrAuthorizationExpired means the refresh token was rejected. A full
	// login with the stored credential may still recover the session.
	ErrAuthorizationExpired = errors.New("authorization expired")
)

// StatusError carries the HTTP status of a failed provider request so
// callers can classify it for retry.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("status %d", e.Code)
	}
	return fmt.Sprintf("status %d: %s", e.Code, e.Body)
}

// IsFatal reports whether the error cannot be fixed by retrying, only by
// supplying a new credential.
func IsFatal(err error) bool {
	return errors.Is(err, ErrInvalidCredentials) || errors.Is(err, ErrNoCredentials)
}
