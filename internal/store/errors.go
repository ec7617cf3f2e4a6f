package store

import "errors"

var (
	ErrActivityNotFound = errors.New("activity not found")
	ErrGroupNotFound    = errors.New("group not found")
	ErrStudentNotFound  = errors.New("student not found")
	ErrActivityFinished = errors.New("activity is already finished")
	ErrInvalidKind      = errors.New("invalid evaluation kind")
	ErrInvalidScore     = errors.New("score must be between 1 and 5")
)
