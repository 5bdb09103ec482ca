package orders

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyFailure(t *testing.T) {
	tests := []struct {
		reason string
		want   FailureClass
	}{
		{"Insufficient balance in account", FailureTransient},
		{"RMS: margin shortfall", FailureTransient},
		{"Rate limit exceeded, try later", FailureTransient},
		{"request timed out", FailureTransient},
		{"network unreachable", FailureTransient},
		{"Invalid symbol XYZ", FailurePermanent},
		{"quantity is not a valid lot size", FailurePermanent},
		{"Exchange not enabled for this account", FailurePermanent},
		{"margin not enabled", FailurePermanent},
		// Novel broker messages stay retriable
		{"something nobody has seen before", FailureTransient},
		{"", FailureTransient},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyFailure(tt.reason), "reason: %q", tt.reason)
	}
}
