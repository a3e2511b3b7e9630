// Package compose parses the subset of docker-compose manifest syntax the
// builder needs to drive a multi-service build: service iteration,
// profile skip, build-vs-image dispatch, port mapping, and environment
// variable resolution. This is a hand-rolled parser over gopkg.in/yaml.v3
// rather than a dedicated compose library, since none of the available
// ones cover this exact subset cleanly.
package compose

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Service is one parsed compose service definition.
type Service struct {
	Name            string
	Image           string // set when the service is external (not built)
	External        bool
	BuildContext    string
	BuildDockerfile string
	Ports           []int
	Env             map[string]string
	Profiles        []string
}

// Manifest is a parsed compose file, service order preserved.
type Manifest struct {
	Services []Service
}

// rawManifest mirrors the on-disk compose YAML shape closely enough to
// decode the fields this package needs; unrecognised top-level and
// per-service keys are ignored by yaml.v3 unless a Decoder's KnownFields is
// enabled, which we deliberately do not do (compose files carry many fields this
// builder has no use for). Services is kept as a raw yaml.Node, rather
// than decoded straight into a map, so Parse can walk it in declaration
// order: decoding into a Go map would discard that order to map iteration.
type rawManifest struct {
	Services yaml.Node `yaml:"services"`
}

type rawService struct {
	Image       string      `yaml:"image"`
	Build       rawBuild    `yaml:"build"`
	Ports       []rawScalar `yaml:"ports"`
	Expose      []rawScalar `yaml:"expose"`
	Environment yaml.Node   `yaml:"environment"`
	Profiles    []string    `yaml:"profiles"`
}

// rawScalar decodes any YAML scalar as its literal text, since compose
// files declare ports both quoted ("8000:8000") and bare (8000), and the
// bare form arrives as an int node that a string field would reject.
type rawScalar string

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *rawScalar) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("expected a scalar, got %v", node.Kind)
	}
	*s = rawScalar(node.Value)
	return nil
}

func scalarStrings(in []rawScalar) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

type rawBuild struct {
	Context    string `yaml:"context"`
	Dockerfile string `yaml:"dockerfile"`
}

// UnmarshalYAML lets rawBuild accept either a mapping ({context, dockerfile})
// or a bare scalar (a shorthand for the build context path), both of which
// appear in real compose files.
func (b *rawBuild) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		b.Context = node.Value
		return nil
	}
	type plain rawBuild
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*b = rawBuild(p)
	return nil
}

// Parse decodes a compose manifest's YAML bytes into a Manifest, applying
// profile-skip and build-vs-image dispatch.
func Parse(data []byte) (*Manifest, error) {
	var raw rawManifest
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("couldn't parse compose manifest: %v", err)
	}
	if raw.Services.Kind != 0 && raw.Services.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("couldn't parse compose manifest: services must be a mapping")
	}
	m := &Manifest{}
	// Content alternates key, value nodes for a mapping node, in file order.
	for i := 0; i+1 < len(raw.Services.Content); i += 2 {
		name := raw.Services.Content[i].Value
		var rs rawService
		if err := raw.Services.Content[i+1].Decode(&rs); err != nil {
			return nil, fmt.Errorf("couldn't parse compose manifest: service %s: %v", name, err)
		}
		if len(rs.Profiles) > 0 {
			// skip services declaring a profile: no profile is ever active
			// in a local "run this repo" invocation.
			continue
		}
		svc := Service{
			Name:     name,
			Profiles: rs.Profiles,
		}
		if rs.Image != "" && rs.Build.Context == "" {
			svc.Image = rs.Image
			svc.External = true
		} else {
			svc.BuildContext = rs.Build.Context
			svc.BuildDockerfile = rs.Build.Dockerfile
		}
		ports, err := ParsePorts(scalarStrings(rs.Ports), osResolve)
		if err != nil {
			return nil, fmt.Errorf("service %s: %v", name, err)
		}
		if len(ports) == 0 {
			ports, err = ParsePorts(scalarStrings(rs.Expose), osResolve)
			if err != nil {
				return nil, fmt.Errorf("service %s: %v", name, err)
			}
		}
		if len(ports) == 0 && defaultsToPort80(name) {
			ports = []int{80}
		}
		svc.Ports = ports
		svc.Env = parseEnvironment(rs.Environment)
		m.Services = append(m.Services, svc)
	}
	return m, nil
}

// defaultPort80Names are the service names that default to port 80 when no
// port is declared at all.
var defaultPort80Names = map[string]bool{
	"web": true, "app": true, "frontend": true, "api": true,
	"server": true, "nginx": true, "apache": true,
}

func defaultsToPort80(serviceName string) bool {
	return defaultPort80Names[serviceName]
}

func osResolve(name string) (string, bool) {
	return os.LookupEnv(name)
}

// varRef matches ${VAR}, ${VAR:-default}, and $VAR forms within a string.
var varRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// resolveVars expands ${VAR}/${VAR:-default}/$VAR references in s using
// resolve, handling all three forms in a single left-to-right pass.
// Unresolved names with no default expand to the empty string.
func resolveVars(s string, resolve func(string) (string, bool)) string {
	return varRef.ReplaceAllStringFunc(s, func(match string) string {
		groups := varRef.FindStringSubmatch(match)
		name := groups[1]
		def := groups[3]
		hasDefault := groups[2] != ""
		if name == "" {
			name = groups[4]
		}
		if v, ok := resolve(name); ok {
			return v
		}
		if hasDefault {
			return def
		}
		return ""
	})
}

// ParsePorts parses a list of compose "ports"/"expose" entries
// (host:container, or a bare container port) into the set of
// container-side ports, resolving any "${VAR}" references first.
func ParsePorts(entries []string, resolve func(string) (string, bool)) ([]int, error) {
	var ports []int
	for _, entry := range entries {
		p, ok, err := parsePortEntry(entry, resolve)
		if err != nil {
			return nil, err
		}
		if ok {
			ports = append(ports, p)
		}
	}
	return ports, nil
}

// parsePortEntry splits on ":" but not on ":" occurring inside "${...}";
// takes the container-side (right) half; strips a "/tcp" or "/udp"
// suffix; skips strings whose container half contains an unresolvable
// variable.
func parsePortEntry(entry string, resolve func(string) (string, bool)) (int, bool, error) {
	parts := splitHostPort(entry)
	container := parts[len(parts)-1]
	container = strings.TrimSuffix(container, "/tcp")
	container = strings.TrimSuffix(container, "/udp")
	for _, g := range varRef.FindAllStringSubmatch(container, -1) {
		name := g[1]
		if name == "" {
			name = g[4]
		}
		if _, ok := resolve(name); !ok && g[2] == "" {
			// unresolvable reference with no default: skip, not an error
			return 0, false, nil
		}
	}
	resolved := resolveVars(container, resolve)
	if varRef.MatchString(resolved) {
		// still contains an unresolved reference: skip, not an error
		return 0, false, nil
	}
	resolved = strings.TrimSpace(resolved)
	if resolved == "" {
		return 0, false, nil
	}
	port, err := strconv.Atoi(resolved)
	if err != nil {
		return 0, false, fmt.Errorf("invalid port %q: %v", entry, err)
	}
	return port, true, nil
}

// splitHostPort splits entry on ":" characters that are not nested inside
// a "${...}" expression.
func splitHostPort(entry string) []string {
	var parts []string
	var cur strings.Builder
	depth := 0
	for i := 0; i < len(entry); i++ {
		switch entry[i] {
		case '{':
			depth++
			cur.WriteByte(entry[i])
		case '}':
			if depth > 0 {
				depth--
			}
			cur.WriteByte(entry[i])
		case ':':
			if depth == 0 {
				parts = append(parts, cur.String())
				cur.Reset()
				continue
			}
			cur.WriteByte(entry[i])
		default:
			cur.WriteByte(entry[i])
		}
	}
	parts = append(parts, cur.String())
	return parts
}

// parseEnvironment decodes the "environment" field, which compose allows in
// either mapping form ({KEY: value}) or list form (["KEY=value", ...]).
func parseEnvironment(node yaml.Node) map[string]string {
	env := map[string]string{}
	switch node.Kind {
	case yaml.MappingNode:
		var m map[string]rawScalar
		if err := node.Decode(&m); err == nil {
			for k, v := range m {
				env[k] = string(v)
			}
		}
	case yaml.SequenceNode:
		var list []rawScalar
		if err := node.Decode(&list); err == nil {
			for _, kv := range list {
				k, v, ok := strings.Cut(string(kv), "=")
				if !ok {
					continue
				}
				env[k] = v
			}
		}
	}
	return env
}
