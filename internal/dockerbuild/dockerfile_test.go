package dockerbuild

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/alecthomas/assert/v2"
)

func TestCPUBudget(t *testing.T) {
	var testCases = map[string]struct {
		total  int
		expect int
	}{
		"4 cores":  {total: 4, expect: 2},
		"8 cores":  {total: 8, expect: 4},
		"12 cores": {total: 12, expect: 8},
		"16 cores": {total: 16, expect: 12},
		"2 cores":  {total: 2, expect: 2},
	}
	for name, tc := range testCases {
		t.Run(name, func(tt *testing.T) {
			assert.Equal(tt, tc.expect, cpuBudget(tc.total), name)
		})
	}
}

func TestFindDockerfile(t *testing.T) {
	dir := t.TempDir()
	assert.Equal(t, "", FindDockerfile(dir))

	sub := filepath.Join(dir, "docker")
	assert.NoError(t, os.MkdirAll(sub, 0o755))
	assert.NoError(t, os.WriteFile(filepath.Join(sub, "Dockerfile"), []byte("FROM scratch\n"), 0o644))

	assert.Equal(t, filepath.Join(sub, "Dockerfile"), FindDockerfile(dir))
}

func TestExposedPorts(t *testing.T) {
	var testCases = map[string]struct {
		content []byte
		expect  []int
	}{
		"no expose":       {content: []byte("FROM scratch\n"), expect: []int{8080}},
		"single expose":   {content: []byte("FROM scratch\nEXPOSE 3000\n"), expect: []int{3000}},
		"multiple expose": {content: []byte("FROM scratch\nEXPOSE 3000\nEXPOSE 9000\n"), expect: []int{3000, 9000}},
	}
	for name, tc := range testCases {
		t.Run(name, func(tt *testing.T) {
			assert.Equal(tt, tc.expect, ExposedPorts(tc.content), name)
		})
	}
}
