package cron

import (
	"errors"
	"fmt"
)

var (
	ErrJobNotFound  = errors.New("cron: job not found")
	ErrBusy         = errors.New("cron: job busy")
	ErrStoreCorrupt = errors.New("cron: store corrupt")
)

// ValidationError reports a job spec that can never be scheduled.
// It is returned synchronously and the job is not stored.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("cron: invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
