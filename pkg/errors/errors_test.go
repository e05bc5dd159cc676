package errors

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"validation", NewValidationError("kind", "invalid kind %q", "fax"), KindValidation},
		{"conflict", NewConflictError("uq_identity_per_platform", "already exists"), KindConflict},
		{"not found", NewNotFoundError("person %s not found", "p1"), KindNotFound},
		{"storage", NewStorageError(fmt.Errorf("conn reset"), "failed"), KindStorage},
		{"wrapped conflict", fmt.Errorf("update: %w", NewConflictError("uq", "dup")), KindConflict},
		{"untyped", fmt.Errorf("boom"), KindStorage},
		{"nil", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestResolutionError_Message(t *testing.T) {
	err := NewConflictError("uq_identity_per_platform", "email already linked on contacts").WithField("value")
	assert.Equal(t, "conflict: field 'value' -> constraint 'uq_identity_per_platform': email already linked on contacts", err.Error())

	plain := NewNotFoundError("claim %s not found", "c1")
	assert.Equal(t, "not_found: claim c1 not found", plain.Error())
}

func TestResolutionError_ToHTTPError(t *testing.T) {
	tests := []struct {
		err    *ResolutionError
		status int
	}{
		{NewValidationError("confidence", "out of range"), http.StatusBadRequest},
		{NewConflictError("uq_identity_per_platform", "dup"), http.StatusConflict},
		{NewNotFoundError("missing"), http.StatusNotFound},
		{NewStorageError(fmt.Errorf("driver: bad conn"), "failed to load person"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.err.Kind), func(t *testing.T) {
			httpErr := tt.err.ToHTTPError()
			assert.True(t, httperror.IsHTTPError(httpErr))
			assert.Equal(t, tt.status, httperror.GetStatusCode(httpErr))
			assert.NotContains(t, httpErr.Error(), "driver")
		})
	}
}

func TestWrap(t *testing.T) {
	assert.NoError(t, Wrap(nil, "ignored"))

	conflict := NewConflictError("uq", "dup")
	assert.Same(t, conflict, Wrap(conflict, "outer"))

	cause := fmt.Errorf("timeout")
	wrapped := Wrap(cause, "failed to insert claim")
	require.True(t, IsStorage(wrapped))
	assert.ErrorIs(t, wrapped, cause)
}
