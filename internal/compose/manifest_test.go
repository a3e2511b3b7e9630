package compose_test

import (
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/eladsalama/reporunner/internal/compose"
)

func TestParseThreeServices(t *testing.T) {
	data := []byte(`
services:
  web:
    build:
      context: ./web
    ports:
      - "3100:3100"
    environment:
      - NODE_ENV=production
  api:
    build:
      context: ./api
      dockerfile: Dockerfile.api
    ports:
      - "3000:3000"
    environment:
      DATABASE_URL: postgres://db:5432/app
  db:
    image: postgres:16
`)
	m, err := compose.Parse(data)
	assert.NoError(t, err)
	assert.Equal(t, 3, len(m.Services))

	byName := map[string]compose.Service{}
	for _, s := range m.Services {
		byName[s.Name] = s
	}

	web := byName["web"]
	assert.False(t, web.External)
	assert.Equal(t, "./web", web.BuildContext)
	assert.Equal(t, []int{3100}, web.Ports)
	assert.Equal(t, "production", web.Env["NODE_ENV"])

	api := byName["api"]
	assert.Equal(t, "Dockerfile.api", api.BuildDockerfile)
	assert.Equal(t, []int{3000}, api.Ports)
	assert.Equal(t, "postgres://db:5432/app", api.Env["DATABASE_URL"])

	db := byName["db"]
	assert.True(t, db.External)
	assert.Equal(t, "postgres:16", db.Image)
	assert.Equal(t, 0, len(db.Ports))
}

func TestParsePreservesDeclarationOrder(t *testing.T) {
	data := []byte(`
services:
  web:
    build:
      context: ./web
    ports:
      - "3100:3100"
  api:
    build:
      context: ./api
    ports:
      - "3000:3000"
  db:
    image: postgres:16
`)
	m, err := compose.Parse(data)
	assert.NoError(t, err)
	assert.Equal(t, []string{"web", "api", "db"}, []string{
		m.Services[0].Name, m.Services[1].Name, m.Services[2].Name,
	})
}

func TestParseSkipsProfiledServices(t *testing.T) {
	data := []byte(`
services:
  web:
    image: nginx
  debug:
    image: busybox
    profiles:
      - debug
`)
	m, err := compose.Parse(data)
	assert.NoError(t, err)
	assert.Equal(t, 1, len(m.Services))
	assert.Equal(t, "web", m.Services[0].Name)
}

func TestParseDefaultPort80ForWebLikeNames(t *testing.T) {
	data := []byte(`
services:
  frontend:
    image: my/frontend
  worker:
    image: my/worker
`)
	m, err := compose.Parse(data)
	assert.NoError(t, err)
	byName := map[string]compose.Service{}
	for _, s := range m.Services {
		byName[s.Name] = s
	}
	assert.Equal(t, []int{80}, byName["frontend"].Ports)
	assert.Equal(t, 0, len(byName["worker"].Ports))
}

func TestParsePortsColonInsideVarIsNotASplit(t *testing.T) {
	resolve := func(name string) (string, bool) {
		if name == "HOST_PORT" {
			return "8080", true
		}
		return "", false
	}
	ports, err := compose.ParsePorts([]string{"${HOST_PORT}:${CONTAINER_PORT:-9000}/tcp"}, resolve)
	assert.NoError(t, err)
	assert.Equal(t, []int{9000}, ports)
}

func TestParsePortsDefaultForm(t *testing.T) {
	resolve := func(string) (string, bool) { return "", false }
	ports, err := compose.ParsePorts([]string{"${PORT:-8000}"}, resolve)
	assert.NoError(t, err)
	assert.Equal(t, []int{8000}, ports)
}

func TestParsePortsUnresolvableIsSkipped(t *testing.T) {
	resolve := func(string) (string, bool) { return "", false }
	ports, err := compose.ParsePorts([]string{"${UNKNOWN}"}, resolve)
	assert.NoError(t, err)
	assert.Equal(t, 0, len(ports))
}

func TestParseAcceptsBareIntScalars(t *testing.T) {
	data := []byte(`
services:
  cache:
    image: redis:7
    expose:
      - 6379
    environment:
      MAXMEMORY_MB: 64
`)
	m, err := compose.Parse(data)
	assert.NoError(t, err)
	assert.Equal(t, 1, len(m.Services))
	assert.Equal(t, []int{6379}, m.Services[0].Ports)
	assert.Equal(t, "64", m.Services[0].Env["MAXMEMORY_MB"])
}
