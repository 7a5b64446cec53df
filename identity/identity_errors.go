package identity

import "errors"

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrNoSession          = errors.New("no provider session")
	ErrProfileNotFound    = errors.New("profile not found")
)
