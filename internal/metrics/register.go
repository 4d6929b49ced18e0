// ABOUTME: Registration helper that reuses collectors already present in a registry
// ABOUTME: Lets several components share one registry without double-registration panics

package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sandbox_fleet"

// mustRegister registers c with reg, returning the collector already
// registered under the same descriptor when there is one.
func mustRegister[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}
