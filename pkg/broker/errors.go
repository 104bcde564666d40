package broker

import (
	"errors"
	"fmt"

	"github.com/movebroker/movebroker/pkg/engine"
	"github.com/movebroker/movebroker/pkg/protocol"
)

// Errors returned by Evaluate. Check them with errors.Is.
var (
	ErrInvalidRequest    = errors.New("invalid request")
	ErrEngineStart       = engine.ErrStart
	ErrEngineUnavailable = errors.New("engine unavailable")
	ErrEngineTimeout     = errors.New("engine timeout")
	// ErrMalformedEngineOutput means the engine answered with a line that
	// is not "<move> <evaluation>". The session is unusable afterwards.
	ErrMalformedEngineOutput = protocol.ErrMalformedOutput
	ErrClosed                = errors.New("broker closed")
)

// Error codes reported to HTTP and websocket clients.
const (
	CodeInvalidRequest        = "invalid_request"
	CodeEngineUnavailable     = "engine_unavailable"
	CodeEngineTimeout         = "engine_timeout"
	CodeMalformedEngineOutput = "malformed_engine_output"
	CodeInternal              = "internal_error"
)

// FieldError reports one invalid request field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Unwrap makes every FieldError match ErrInvalidRequest.
func (e *FieldError) Unwrap() error {
	return ErrInvalidRequest
}

// Code maps err to its client-facing error code.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return CodeInvalidRequest
	case errors.Is(err, ErrEngineTimeout):
		return CodeEngineTimeout
	case errors.Is(err, ErrMalformedEngineOutput) && !errors.Is(err, ErrEngineUnavailable):
		return CodeMalformedEngineOutput
	case errors.Is(err, ErrEngineUnavailable), errors.Is(err, ErrEngineStart), errors.Is(err, ErrClosed):
		return CodeEngineUnavailable
	default:
		return CodeInternal
	}
}

func unavailable(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrEngineUnavailable, fmt.Sprintf(format, args...))
}
