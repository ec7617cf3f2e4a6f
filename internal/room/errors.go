package room

import "errors"

var (
	ErrNilSession   = errors.New("session cannot be nil")
	ErrNotBound     = errors.New("session must be bound before registration")
	ErrNameConflict = errors.New("display name already in use in this room")
)
