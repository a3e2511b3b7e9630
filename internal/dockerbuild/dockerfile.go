package dockerbuild

import (
	"os"
	"path/filepath"
	"regexp"
	"strconv"
)

// dockerfileCandidates are the locations searched for a single-image mode
// build descriptor, in priority order.
var dockerfileCandidates = []string{
	"Dockerfile",
	"docker/Dockerfile",
	"build/Dockerfile",
	".docker/Dockerfile",
}

// FindDockerfile returns the path to the first build descriptor found
// under root, or an empty string if none of the candidate locations exist.
func FindDockerfile(root string) string {
	for _, candidate := range dockerfileCandidates {
		p := filepath.Join(root, candidate)
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p
		}
	}
	return ""
}

var exposeDirective = regexp.MustCompile(`(?m)^\s*EXPOSE\s+(\d+)`)

// ExposedPorts scans dockerfile content for EXPOSE directives and returns
// the declared ports. If none are found, []int{8080} is returned per spec
// §4.3's default.
func ExposedPorts(content []byte) []int {
	matches := exposeDirective.FindAllSubmatch(content, -1)
	if len(matches) == 0 {
		return []int{8080}
	}
	ports := make([]int, 0, len(matches))
	for _, m := range matches {
		if p, err := strconv.Atoi(string(m[1])); err == nil {
			ports = append(ports, p)
		}
	}
	if len(ports) == 0 {
		return []int{8080}
	}
	return ports
}
