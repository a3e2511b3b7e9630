package cluster

import (
	"testing"

	"github.com/alecthomas/assert/v2"
)

func TestValidateLabelValue(t *testing.T) {
	var testCases = map[string]struct {
		input       string
		expectError bool
	}{
		"valid":       {input: "run-1234", expectError: false},
		"invalid-utf": {input: "naïve", expectError: true},
	}
	for name, tc := range testCases {
		t.Run(name, func(tt *testing.T) {
			if tc.expectError {
				assert.Error(tt, validateLabelValue(tc.input), name)
			} else {
				assert.NoError(tt, validateLabelValue(tc.input), name)
			}
		})
	}
}
