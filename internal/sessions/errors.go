package sessions

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrPortNotConfigured   = errors.New("port not configured")
	ErrTranscriptionFailed = errors.New("transcription failed")
	ErrExtractionFailed    = errors.New("extraction failed")
	ErrEmptyInput          = errors.New("empty input")
	ErrInvalidStatus       = errors.New("invalid status")
)

// NotFoundError names the missing entity. errors.Is(err, ErrNotFound) holds for it.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.ID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

func notFound(entity, id string) error {
	return &NotFoundError{Entity: entity, ID: id}
}
