package driver

import "errors"

var (
	errNotTracked = errors.New("driver: session not tracked")
	errClosed     = errors.New("driver: session already closed")
	errEmptyArgv  = errors.New("driver: argv must name a program")
)
