package services

import (
	"fmt"
	"time"
)

type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string { return "Validation error" }

type ConflictError struct{ Message string }

func (e *ConflictError) Error() string { return e.Message }

type NotFoundError struct{ Message string }

func (e *NotFoundError) Error() string { return e.Message }

// ExhaustedError means no free code could be found; the caller should retry
// after RetryAfter.
type ExhaustedError struct {
	Attempts   int
	RetryAfter time.Duration
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("no session code available after %d attempts", e.Attempts)
}
