package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrExtraction: no text could be recovered from an uploaded document.
	ErrExtraction = errors.New("extraction failed")
	// ErrGeneration: the model call failed or produced no usable flashcards.
	ErrGeneration = errors.New("generation failed")
	// ErrValidation: a caller-supplied payload is missing required fields.
	ErrValidation = errors.New("validation error")
	// ErrPersistence: a write transaction could not complete and was rolled back.
	ErrPersistence = errors.New("persistence failed")

	ErrNotFound     = errors.New("not found")
	ErrForbidden    = errors.New("forbidden")
	ErrConflict     = errors.New("conflict")
	ErrUnauthorized = errors.New("unauthorized")

	// ErrAIUnavailable is returned when no model provider is configured.
	ErrAIUnavailable = errors.New("ai integration is not configured")

	// ErrNoDueCards indicates that there are no cards ready to review.
	ErrNoDueCards = errors.New("no due cards")
)

// Wrap tags err with marker and a stage/operation description so callers can
// classify it with errors.Is while keeping the detail for logs.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrPersistence
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
