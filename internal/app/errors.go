package app

import (
	"errors"
	"fmt"

	"github.com/unipolo/boleto-service/internal/domain"
)

// Submission-level errors. These reject a whole request before any item is processed.
var (
	ErrPersistenceUnavailable = errors.New("persistence is unavailable")
	ErrEmptySubmission        = errors.New("submission contains no files")
	ErrTooManyFiles           = errors.New("submission exceeds the file limit")
	ErrCourseNotFound         = errors.New("course not found")
	ErrCourseInactive         = errors.New("course is inactive")
	ErrCourseCampusMismatch   = errors.New("course does not belong to the campus")
	ErrInvalidCPF             = errors.New("invalid CPF")
	ErrInvalidHeader          = errors.New("invalid submission header")
)

// ItemError is the typed failure of a single ingestion item. It never aborts a batch.
type ItemError struct {
	Code    domain.FailureCode
	Message string
	Err     error
}

func (e *ItemError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ItemError) Unwrap() error {
	return e.Err
}

func itemFailure(code domain.FailureCode, message string, err error) *ItemError {
	return &ItemError{Code: code, Message: message, Err: err}
}

func headerError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidHeader, fmt.Sprintf(format, args...))
}
