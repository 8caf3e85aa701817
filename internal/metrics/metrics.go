// Package metrics wires the process-wide observability registry, built on
// github.com/docker/go-metrics — a thin github.com/prometheus/client_golang
// wrapper for a namespaced registry of labeled timers and counters.
package metrics

import (
	"net/http"
	"sync"

	metrics "github.com/docker/go-metrics"
)

const namespace = "app_manager"

// Registry holds every instrument the supervisor emits. It is created once
// at startup and is safe for concurrent use by every subsystem.
type Registry struct {
	ns *metrics.Namespace

	BuildDuration  metrics.LabeledTimer
	UpdateDuration metrics.LabeledTimer
	RebootTotal    metrics.LabeledCounter
}

var (
	sharedOnce sync.Once
	shared     *Registry
)

// New returns the process-wide registry. The first call constructs and
// registers its instruments; later calls return the same Registry.
func New() *Registry {
	sharedOnce.Do(func() {
		ns := metrics.NewNamespace(namespace, "", nil)

		shared = &Registry{
			ns:             ns,
			BuildDuration:  ns.NewLabeledTimer("build_duration_seconds", "Time to complete a build pipeline run", "kind"),
			UpdateDuration: ns.NewLabeledTimer("update_duration_seconds", "Time to complete an update pipeline run", "kind"),
			RebootTotal:    ns.NewLabeledCounter("reboot_total", "Count of reboot attempts", "outcome"),
		}

		metrics.Register(ns)
	})
	return shared
}

// Handler returns the HTTP handler that serves the registry in Prometheus
// exposition format. It is mounted only on the loopback operator listener,
// never on the public TLS listener.
func Handler() http.Handler {
	return metrics.Handler()
}
