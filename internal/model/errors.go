package model

import "fmt"

// ErrorKind classifies failures for callers and transport mapping
type ErrorKind string

const (
	KindValidation        ErrorKind = "validation"
	KindNotFound          ErrorKind = "not_found"
	KindInvalidState      ErrorKind = "invalid_state"
	KindExtraction        ErrorKind = "extraction"
	KindGeneration        ErrorKind = "generation"
	KindMalformedResponse ErrorKind = "malformed_response"
	KindDataIntegrity     ErrorKind = "data_integrity"
)

// Error wraps an error with a kind and a caller-facing message
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches sentinels by kind. A malformed response is also a generation failure.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Message != "" {
		return false
	}
	if t.Kind == e.Kind {
		return true
	}
	return t.Kind == KindGeneration && e.Kind == KindMalformedResponse
}

// Sentinels for errors.Is
var (
	ErrValidation        = &Error{Kind: KindValidation}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrInvalidState      = &Error{Kind: KindInvalidState}
	ErrExtraction        = &Error{Kind: KindExtraction}
	ErrGeneration        = &Error{Kind: KindGeneration}
	ErrMalformedResponse = &Error{Kind: KindMalformedResponse}
	ErrDataIntegrity     = &Error{Kind: KindDataIntegrity}
)

func NewValidationError(msg string) *Error {
	return &Error{Kind: KindValidation, Message: msg}
}

func NewNotFoundError(msg string) *Error {
	return &Error{Kind: KindNotFound, Message: msg}
}

func NewInvalidStateError(msg string) *Error {
	return &Error{Kind: KindInvalidState, Message: msg}
}

func NewExtractionError(msg string, err error) *Error {
	return &Error{Kind: KindExtraction, Message: msg, Err: err}
}

func NewGenerationError(msg string, err error) *Error {
	return &Error{Kind: KindGeneration, Message: msg, Err: err}
}

func NewMalformedResponseError(msg string, err error) *Error {
	return &Error{Kind: KindMalformedResponse, Message: msg, Err: err}
}

func NewDataIntegrityError(msg string) *Error {
	return &Error{Kind: KindDataIntegrity, Message: msg}
}
