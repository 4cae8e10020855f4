package apperrors

import (
	"errors"
)

var (
	ErrInvalidTokenFormat = errors.New("invalid token format")
	ErrExpiredToken       = errors.New("token is expired")

	ErrInvalidArgument      = errors.New("invalid argument")
	ErrSessionInactive      = errors.New("session is not active")
	ErrSessionNotFound      = errors.New("session not found")
	ErrSessionAlreadyExists = errors.New("session already exists")

	// Backend is unreachable or failed; never used for "row does not exist"
	ErrStorageUnavailable = errors.New("session storage unavailable")
	ErrHandlerClosed      = errors.New("session handler is not open")

	ErrDuplicateJobKey       = errors.New("job key already registered")
	ErrInvalidCronExpression = errors.New("invalid cron expression")
	ErrJobTimeout            = errors.New("job exceeded its deadline")
)
