package cluster

import (
	"testing"

	"github.com/alecthomas/assert/v2"
)

func TestSanitizeServiceName(t *testing.T) {
	var testCases = map[string]struct {
		input  string
		expect string
	}{
		"already clean":    {input: "web", expect: "web"},
		"underscores":      {input: "my_service", expect: "my-service"},
		"upper case":       {input: "MyService", expect: "myservice"},
		"leading trailing": {input: "-api-", expect: "api"},
		"strips symbols":   {input: "a.b/c", expect: "abc"},
	}
	for name, tc := range testCases {
		t.Run(name, func(tt *testing.T) {
			assert.Equal(tt, tc.expect, SanitizeServiceName(tc.input), name)
		})
	}
}

func TestDefaultPort(t *testing.T) {
	var testCases = map[string]struct {
		imageRef    string
		serviceName string
		expect      int
	}{
		"mongo":    {imageRef: "mongo:6", expect: 27017},
		"postgres": {imageRef: "postgres:16", expect: 5432},
		"mariadb":  {imageRef: "mariadb:10", expect: 3306},
		"nginx":    {imageRef: "nginx:latest", expect: 80},
		"by name":  {serviceName: "redis-cache", expect: 6379},
		"unknown":  {imageRef: "myorg/custom:1", expect: 80},
	}
	for name, tc := range testCases {
		t.Run(name, func(tt *testing.T) {
			assert.Equal(tt, tc.expect, DefaultPort(tc.imageRef, tc.serviceName), name)
		})
	}
}

func TestLooksLocallyBuilt(t *testing.T) {
	var testCases = map[string]struct {
		imageRef string
		expect   bool
	}{
		"locally built":  {imageRef: "abcd1234-web:latest", expect: true},
		"has slash":      {imageRef: "abcd1234/web:latest", expect: false},
		"has dot":        {imageRef: "registry.io/abcd1234-web", expect: false},
		"too short hash": {imageRef: "abcd123-web", expect: false},
		"external":       {imageRef: "postgres:16", expect: false},
	}
	for name, tc := range testCases {
		t.Run(name, func(tt *testing.T) {
			assert.Equal(tt, tc.expect, LooksLocallyBuilt(tc.imageRef), name)
		})
	}
}

func TestResolveEnvTwoPass(t *testing.T) {
	env := map[string]string{
		"HOST":     "db",
		"PORT":     "5432",
		"URL":      "postgres://$HOST:${PORT}/app",
		"FALLBACK": "${MISSING:-default}",
		"EMPTY":    "${MISSING}",
	}
	resolved := resolveEnv(env)
	assert.Equal(t, "postgres://db:5432/app", resolved["URL"])
	assert.Equal(t, "default", resolved["FALLBACK"])
	assert.Equal(t, "", resolved["EMPTY"])
}
