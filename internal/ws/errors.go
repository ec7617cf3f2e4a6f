package ws

import "errors"

// Connection-related errors
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrWriteTimeout     = errors.New("write timeout")
	ErrInvalidJSON      = errors.New("invalid JSON data")
	ErrAlreadyBound     = errors.New("connection already bound to a room")
	ErrNotBound         = errors.New("connection not bound to a room")
)
