package cluster

import (
	"fmt"

	"k8s.io/apimachinery/pkg/util/validation"
)

// validateLabelValue checks that s is a valid Kubernetes label value.
// CreateNamespace runs a run ID through this before stamping it as a
// label, since a run ID that fails validation would otherwise surface as
// an opaque API-server rejection deep inside the deployer.
func validateLabelValue(s string) error {
	errs := validation.IsValidLabelValue(s)
	if len(errs) > 0 {
		return fmt.Errorf("invalid label value %q: %v", s, errs)
	}
	return nil
}
