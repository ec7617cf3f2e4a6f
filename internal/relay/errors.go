package relay

import "errors"

var (
	ErrAlreadyRunning     = errors.New("relay is already running")
	ErrNotRunning         = errors.New("relay is not running")
	ErrCommandChannelFull = errors.New("relay command channel is full")
)
