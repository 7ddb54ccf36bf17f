package sensors

import (
	"context"

	"github.com/atlasfleet/atlas/internal/models"
)

// Probe is an opaque OS-level data source wrapped by a monitor. The
// platform-specific implementations (system_profiler, ioreg, smartctl,
// and friends) satisfy this interface; the runtime only sees a typed
// snapshot or a typed failure.
type Probe interface {
	Name() string
	Sample(ctx context.Context) (models.Snapshot, error)
}

// ProbeFunc adapts a function to the Probe interface.
type ProbeFunc struct {
	ProbeName string
	Fn        func(ctx context.Context) (models.Snapshot, error)
}

func (p ProbeFunc) Name() string { return p.ProbeName }

func (p ProbeFunc) Sample(ctx context.Context) (models.Snapshot, error) {
	return p.Fn(ctx)
}

// UnavailableProbe always reports probe_unavailable. It stands in for
// platform probes that are not supported on the current host, keeping
// the owning monitor degraded instead of crashing.
func UnavailableProbe(name string) Probe {
	return ProbeFunc{
		ProbeName: name,
		Fn: func(ctx context.Context) (models.Snapshot, error) {
			return nil, Unavailable(name)
		},
	}
}

// StaticProbe returns a fixed snapshot on every sample. Used by tests
// and by the composition root for platforms where a value is known at
// boot.
func StaticProbe(name string, snapshot models.Snapshot) Probe {
	return ProbeFunc{
		ProbeName: name,
		Fn: func(ctx context.Context) (models.Snapshot, error) {
			return snapshot, nil
		},
	}
}
