package capability

import (
	"fmt"
)

// Loader constructs a single capability. Loaders are the fault-isolation
// boundary for definition loading: one loader failing never aborts the
// remaining loaders or crashes the process, it is recorded in the report
// and skipped.
type Loader func() (Capability, error)

// LoadFailure records one definition that failed to load.
type LoadFailure struct {
	Source string
	Err    error
}

// LoadReport aggregates the outcome of a batch load.
type LoadReport struct {
	Loaded   []string
	Failures []LoadFailure
}

// OK reports whether every definition loaded.
func (r *LoadReport) OK() bool { return len(r.Failures) == 0 }

// Add merges another report into this one.
func (r *LoadReport) Add(other *LoadReport) {
	r.Loaded = append(r.Loaded, other.Loaded...)
	r.Failures = append(r.Failures, other.Failures...)
}

// RegisterLoaders runs each loader and registers the resulting capability,
// collecting per-definition failures instead of aborting: a loader that
// returns an error (or produces a capability whose name collides) is logged
// with a warning and skipped.
func (r *Registry) RegisterLoaders(loaders map[string]Loader) *LoadReport {
	report := &LoadReport{}
	for source, load := range loaders {
		c, err := load()
		if err != nil {
			r.logger.Warn("registry.load.skip", "source", source, "error", err.Error())
			report.Failures = append(report.Failures, LoadFailure{Source: source, Err: err})
			continue
		}
		if c == nil {
			err := fmt.Errorf("loader returned no capability")
			r.logger.Warn("registry.load.skip", "source", source, "error", err.Error())
			report.Failures = append(report.Failures, LoadFailure{Source: source, Err: err})
			continue
		}
		if err := r.Register(c); err != nil {
			r.logger.Warn("registry.load.skip", "source", source, "error", err.Error())
			report.Failures = append(report.Failures, LoadFailure{Source: source, Err: err})
			continue
		}
		report.Loaded = append(report.Loaded, c.Descriptor().Name)
	}
	return report
}
