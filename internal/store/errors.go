package store

import "errors"

var (
	ErrDepartmentNotFound = errors.New("department not found")
	ErrDepartmentInactive = errors.New("department inactive")
	ErrUserNotFound       = errors.New("user not found")
	ErrDoctorUnavailable  = errors.New("doctor unavailable")
	ErrTokenNotFound      = errors.New("token not found")
	ErrDuplicateNumber    = errors.New("duplicate token number")
	ErrDuplicateActive    = errors.New("active token already exists")
	ErrStaleState         = errors.New("token state changed concurrently")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrQueueEmpty         = errors.New("queue empty")
	ErrCodeTaken          = errors.New("department code or name taken")
)
