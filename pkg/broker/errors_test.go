package broker

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/movebroker/movebroker/pkg/engine"
)

func TestCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want string
	}{
		{&FieldError{Field: "depth", Message: "must be positive"}, CodeInvalidRequest},
		{fmt.Errorf("%w: no reply", ErrEngineTimeout), CodeEngineTimeout},
		{fmt.Errorf("%w: %w", ErrEngineTimeout, context.DeadlineExceeded), CodeEngineTimeout},
		{fmt.Errorf("%w: %q", ErrMalformedEngineOutput, "garbage"), CodeMalformedEngineOutput},
		{fmt.Errorf("%w: %w", ErrEngineUnavailable, ErrMalformedEngineOutput), CodeEngineUnavailable},
		{unavailable("engine output closed"), CodeEngineUnavailable},
		{fmt.Errorf("%w: exec format error", engine.ErrStart), CodeEngineUnavailable},
		{ErrClosed, CodeEngineUnavailable},
		{errors.New("boom"), CodeInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Code(tt.err), tt.err.Error())
	}
}

func TestFieldError(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("decode: %w", &FieldError{Field: "fen", Message: "is required"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.EqualError(t, err, "decode: fen: is required")

	var fe *FieldError
	assert.ErrorAs(t, err, &fe)
	assert.Equal(t, "fen", fe.Field)
}
