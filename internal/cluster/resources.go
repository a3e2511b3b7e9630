package cluster

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"

	"github.com/eladsalama/reporunner/internal/config"
	"github.com/eladsalama/reporunner/internal/run"
)

func intOrStringFromInt(p int) intstr.IntOrString {
	return intstr.FromInt(p)
}

// locallyBuiltTag matches image references produced by this system's own
// builder: a leading >= 8 hex-character segment followed by a hyphen, with
// no "/" or "." anywhere else in the reference. Callers should prefer
// ServiceSpec.LocallyBuilt when it is known rather than reapplying this
// heuristic.
var locallyBuiltTag = regexp.MustCompile(`^[0-9a-f]{8,}-`)

// LooksLocallyBuilt applies the image-reference heuristic above. It exists
// for callers (e.g. tests, or a caller that genuinely lacks a source flag)
// that have no better signal; the deployer itself always prefers the
// BuildSucceeded event's own source flag.
func LooksLocallyBuilt(imageRef string) bool {
	if strings.ContainsAny(imageRef, "/.") {
		return false
	}
	return locallyBuiltTag.MatchString(imageRef)
}

// SanitizeServiceName normalises a compose service name into a valid
// Kubernetes name segment: lower-case, underscores to hyphens, strip
// everything else, trim leading and trailing hyphens.
func SanitizeServiceName(name string) string {
	name = strings.ToLower(name)
	name = strings.ReplaceAll(name, "_", "-")
	var b strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			b.WriteRune(r)
		}
	}
	return strings.Trim(b.String(), "-")
}

// defaultImagePorts is the well-known-image port table used when a
// service declares no explicit port.
var defaultImagePorts = []struct {
	match []string
	port  int
}{
	{[]string{"mongo"}, 27017},
	{[]string{"postgres"}, 5432},
	{[]string{"mysql", "mariadb"}, 3306},
	{[]string{"redis"}, 6379},
	{[]string{"elasticsearch"}, 9200},
	{[]string{"kibana"}, 5601},
	{[]string{"rabbitmq"}, 5672},
	{[]string{"kafka"}, 9092},
	{[]string{"cassandra"}, 9042},
	{[]string{"influxdb"}, 8086},
	{[]string{"grafana"}, 3000},
	{[]string{"prometheus"}, 9090},
	{[]string{"nginx", "apache"}, 80},
}

// DefaultPort returns the well-known default port for imageRef/serviceName,
// falling back to 80.
func DefaultPort(imageRef, serviceName string) int {
	haystack := strings.ToLower(imageRef + " " + serviceName)
	for _, entry := range defaultImagePorts {
		for _, needle := range entry.match {
			if strings.Contains(haystack, needle) {
				return entry.port
			}
		}
	}
	return 80
}

// resolveEnv resolves ${VAR:-default}/${VAR}/$VAR-style references within
// every value of env against env itself, in the two-pass order of spec
// §4.4: first the default-bearing forms, then plain names; unresolved
// references become the empty string.
func resolveEnv(env map[string]string) map[string]string {
	lookup := func(name string) (string, bool) {
		v, ok := env[name]
		return v, ok
	}
	resolved := make(map[string]string, len(env))
	for k, v := range env {
		resolved[k] = resolveVarRefs(v, lookup)
	}
	return resolved
}

var envVarRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

func resolveVarRefs(s string, lookup func(string) (string, bool)) string {
	// first pass: ${VAR:-default} forms only
	s = envVarRef.ReplaceAllStringFunc(s, func(match string) string {
		g := envVarRef.FindStringSubmatch(match)
		if g[2] == "" {
			return match
		}
		if v, ok := lookup(g[1]); ok {
			return v
		}
		return g[3]
	})
	// second pass: the remaining ${VAR} and $VAR forms
	return envVarRef.ReplaceAllStringFunc(s, func(match string) string {
		g := envVarRef.FindStringSubmatch(match)
		name := g[1]
		hasDefault := g[2] != ""
		def := g[3]
		if name == "" {
			name = g[4]
		}
		if v, ok := lookup(name); ok {
			return v
		}
		if hasDefault {
			return def
		}
		return ""
	})
}

// DefaultResourceLimits are the deployer's fallback container resource
// settings.
var DefaultResourceLimits = run.ServiceSpec{
	CPULimit:      config.DefaultCPULimit,
	MemoryLimit:   config.DefaultMemoryLimit,
	CPURequest:    config.DefaultCPURequest,
	MemoryRequest: config.DefaultMemoryRequest,
}

// scratchVolumeMounts are mounted into locally-built images, which often
// expect these paths to be writable.
var scratchVolumeMounts = []string{"/tmp", "/app/config", "/app/data"}

// CreateDeployment creates the single-replica deployment for one service.
func (c *Client) CreateDeployment(ctx context.Context, namespace, runID string, svc run.ServiceSpec) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pullPolicy := corev1.PullIfNotPresent
	if svc.LocallyBuilt {
		pullPolicy = corev1.PullNever
	}

	cpuLimit := svc.CPULimit
	if cpuLimit == "" {
		cpuLimit = DefaultResourceLimits.CPULimit
	}
	memLimit := svc.MemoryLimit
	if memLimit == "" {
		memLimit = DefaultResourceLimits.MemoryLimit
	}
	cpuRequest := svc.CPURequest
	if cpuRequest == "" {
		cpuRequest = DefaultResourceLimits.CPURequest
	}
	memRequest := svc.MemoryRequest
	if memRequest == "" {
		memRequest = DefaultResourceLimits.MemoryRequest
	}

	var envVars []corev1.EnvVar
	for k, v := range resolveEnv(svc.Env) {
		envVars = append(envVars, corev1.EnvVar{Name: k, Value: v})
	}

	var containerPorts []corev1.ContainerPort
	for _, p := range svc.Ports {
		containerPorts = append(containerPorts, corev1.ContainerPort{ContainerPort: int32(p)})
	}

	var mounts []corev1.VolumeMount
	var volumes []corev1.Volume
	if svc.LocallyBuilt {
		for i, path := range scratchVolumeMounts {
			name := fmt.Sprintf("scratch-%d", i)
			mounts = append(mounts, corev1.VolumeMount{Name: name, MountPath: path})
			volumes = append(volumes, corev1.Volume{
				Name:         name,
				VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}},
			})
		}
	}

	labels := map[string]string{"app": svc.Name, "run-id": runID}
	replicas := int32(1)
	deploy := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: svc.Name, Namespace: namespace, Labels: labels},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: labels},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{{
						Name:            svc.Name,
						Image:           svc.Image,
						ImagePullPolicy: pullPolicy,
						Env:             envVars,
						Ports:           containerPorts,
						VolumeMounts:    mounts,
						Resources: corev1.ResourceRequirements{
							Limits: corev1.ResourceList{
								corev1.ResourceCPU:    resource.MustParse(cpuLimit),
								corev1.ResourceMemory: resource.MustParse(memLimit),
							},
							Requests: corev1.ResourceList{
								corev1.ResourceCPU:    resource.MustParse(cpuRequest),
								corev1.ResourceMemory: resource.MustParse(memRequest),
							},
						},
					}},
					Volumes: volumes,
				},
			},
		},
	}
	_, err := c.clientset.AppsV1().Deployments(namespace).Create(ctx, deploy, metav1.CreateOptions{})
	if err != nil {
		return fmt.Errorf("couldn't create deployment %s: %v", svc.Name, err)
	}
	return nil
}

// CreateService creates a NodePort service exposing svc's container ports.
func (c *Client) CreateService(ctx context.Context, namespace, runID string, svc run.ServiceSpec) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var ports []corev1.ServicePort
	for _, p := range svc.Ports {
		ports = append(ports, corev1.ServicePort{
			Name:       fmt.Sprintf("p%d", p),
			Port:       int32(p),
			TargetPort: intOrStringFromInt(p),
		})
	}
	labels := map[string]string{"app": svc.Name, "run-id": runID}
	k8sSvc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: svc.Name, Namespace: namespace, Labels: labels},
		Spec: corev1.ServiceSpec{
			Type:     corev1.ServiceTypeNodePort,
			Selector: labels,
			Ports:    ports,
		},
	}
	_, err := c.clientset.CoreV1().Services(namespace).Create(ctx, k8sSvc, metav1.CreateOptions{})
	if err != nil {
		return fmt.Errorf("couldn't create service %s: %v", svc.Name, err)
	}
	return nil
}
