package jobs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blipee/pulse/errors"
)

func TestRetryPolicies(t *testing.T) {
	tests := []struct {
		name   string
		policy RetryPolicy
		want   []time.Duration // delays for attempts 1..n
	}{
		{"none", NoBackoff{}, []time.Duration{0, 0, 0}},
		{"constant", ConstantBackoff{Interval: time.Minute}, []time.Duration{time.Minute, time.Minute, time.Minute}},
		{"linear", LinearBackoff{Initial: 10 * time.Second}, []time.Duration{10 * time.Second, 20 * time.Second, 30 * time.Second}},
		{"linear capped", LinearBackoff{Initial: 10 * time.Second, Max: 15 * time.Second}, []time.Duration{10 * time.Second, 15 * time.Second, 15 * time.Second}},
		{"exponential", ExponentialBackoff{Initial: time.Second}, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}},
		{"exponential capped", ExponentialBackoff{Initial: time.Second, Max: 3 * time.Second}, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 3 * time.Second}},
		{"func", RetryPolicyFunc(func(a int) time.Duration { return time.Duration(a) * time.Millisecond }), []time.Duration{time.Millisecond, 2 * time.Millisecond}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i, want := range tt.want {
				assert.Equal(t, want, tt.policy.Delay(i+1), "attempt %d", i+1)
			}
		})
	}
}

func TestExponentialBackoffDoesNotOverflow(t *testing.T) {
	b := ExponentialBackoff{Initial: time.Hour, Max: 24 * time.Hour}
	assert.Equal(t, 24*time.Hour, b.Delay(200))
}

func TestNewRetryPolicy(t *testing.T) {
	p, err := NewRetryPolicy("", 0, 0)
	require.NoError(t, err)
	assert.IsType(t, NoBackoff{}, p)

	p, err = NewRetryPolicy("exponential", time.Second, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, ExponentialBackoff{Initial: time.Second, Max: time.Minute}, p)

	_, err = NewRetryPolicy("fibonacci", time.Second, 0)
	assert.True(t, errors.IsValidation(err))
}
