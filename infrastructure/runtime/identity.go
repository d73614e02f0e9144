// Package runtime provides environment/runtime detection helpers shared
// across the orchestrator.
package runtime

import (
	"os"
	"strings"
	"sync"
)

// strictIdentityModeOnce caches the strict identity mode check at startup.
var (
	strictIdentityModeOnce  sync.Once
	strictIdentityModeValue bool
)

// ResetStrictIdentityModeCache resets the cached strict identity mode value.
// This should only be used in tests.
func ResetStrictIdentityModeCache() {
	strictIdentityModeOnce = sync.Once{}
	strictIdentityModeValue = false
}

// StrictIdentityMode returns true when the service should fail closed on
// identity boundaries between the orchestrator and its component adapters —
// only trusting identity headers protected by verified mTLS rather than
// caller-supplied headers. Production deployments, and any deployment with
// adapter mTLS credentials configured, run in strict mode so a mis-set
// environment cannot silently weaken trust boundaries.
func StrictIdentityMode() bool {
	strictIdentityModeOnce.Do(func() {
		env := Env()
		hasAdapterTLS := strings.TrimSpace(os.Getenv("EVOSEAL_ADAPTER_CERT")) != "" &&
			strings.TrimSpace(os.Getenv("EVOSEAL_ADAPTER_KEY")) != "" &&
			strings.TrimSpace(os.Getenv("EVOSEAL_ADAPTER_ROOT_CA")) != ""
		strictIdentityModeValue = env == Production || hasAdapterTLS
	})
	return strictIdentityModeValue
}
