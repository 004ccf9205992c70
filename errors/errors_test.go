package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewf(t *testing.T) {
	err := Newf("error: %s %d", "test", 42)
	require.NotNil(t, err)
	assert.Equal(t, "error: test 42", err.Error())
}

func TestWrap(t *testing.T) {
	original := New("original")
	wrapped := Wrap(original, "wrapped")

	assert.Contains(t, wrapped.Error(), "wrapped")
	assert.Contains(t, wrapped.Error(), "original")
	assert.True(t, Is(wrapped, original))
}

func TestValidationError(t *testing.T) {
	err := NewValidationError("unknown job type %q", "carbon_tax")

	assert.True(t, IsValidation(err))
	assert.False(t, IsConflict(err))
	assert.Equal(t, `unknown job type "carbon_tax"`, err.Error())

	wrapped := Wrap(err, "failed to create job")
	assert.True(t, IsValidation(wrapped), "wrapping must keep the validation mark")
}

func TestConflictError(t *testing.T) {
	err := Wrap(NewConflictError("instance %s already live", "worker-1"), "register")

	assert.True(t, IsConflict(err))
	assert.False(t, IsValidation(err))
	assert.Contains(t, err.Error(), "worker-1")
}

func TestInvalidTransitionError(t *testing.T) {
	err := NewInvalidTransitionError("job %s is %s, not running", "j1", "cancelled")
	assert.True(t, IsInvalidTransition(err))
	assert.False(t, IsInvalidTransition(nil))
}

func TestIsNotFoundError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"sentinel", ErrNotFound, true},
		{"marked", NewNotFoundError("job %s", "abc"), true},
		{"wrapped marked", Wrap(NewNotFoundError("job %s", "abc"), "get"), true},
		{"legacy message", New("instance not found"), true},
		{"other", New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsNotFoundError(tt.err))
		})
	}
}

func TestWithDetail(t *testing.T) {
	err := WithDetail(New("claim failed"), "Instance: worker-1")
	details := GetAllDetails(err)
	require.Len(t, details, 1)
	assert.Equal(t, "Instance: worker-1", details[0])
}

func TestGetReportableStackTrace(t *testing.T) {
	err := Wrap(New("disk full"), "failed to open job store")
	assert.NotNil(t, GetReportableStackTrace(err))
}
