package vcsclone

import (
	"testing"

	"github.com/alecthomas/assert/v2"
)

func TestAlternateBranch(t *testing.T) {
	var testCases = map[string]struct {
		branch string
		expect string
	}{
		"main falls back to master": {branch: "main", expect: "master"},
		"master falls back to main": {branch: "master", expect: "main"},
		"other falls back to main":  {branch: "develop", expect: "main"},
	}
	for name, tc := range testCases {
		t.Run(name, func(tt *testing.T) {
			assert.Equal(tt, tc.expect, alternateBranch(tc.branch), name)
		})
	}
}
