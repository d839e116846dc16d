package interfaces

import "errors"

// Common interface errors used across components
var (
	ErrStoreClosed = errors.New("message store closed")
	ErrCacheMiss   = errors.New("history cache miss")
)
