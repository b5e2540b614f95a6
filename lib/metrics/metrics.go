/*
Copyright 2024 the coreupdate authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics is the package-level set of Prometheus collectors both
// cores update as they run. Exposing them over /metrics is the embedding
// process's job; this package only owns the collectors and the small
// helpers that update them.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// StepOutcomesTotal counts every terminal step outcome the update
	// engine records, labeled by component and outcome.
	StepOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coreupdate_step_outcomes_total",
			Help: "Total number of terminal step outcomes, by component and outcome.",
		},
		[]string{"component", "outcome"},
	)

	// DeviceUpdateDuration observes the wall-clock time a whole per-device
	// engine run takes, labeled by device kind and its terminal outcome.
	DeviceUpdateDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coreupdate_device_update_duration_seconds",
			Help:    "Duration of a per-device update engine run.",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12),
		},
		[]string{"kind", "outcome"},
	)

	// TrampolineUploadAttemptsTotal counts trampoline phase-2 upload
	// attempts, labeled by result.
	TrampolineUploadAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coreupdate_trampoline_upload_attempts_total",
			Help: "Total trampoline phase-2 upload attempts, by result.",
		},
		[]string{"result"},
	)

	// BundleBytesReclaimedTotal counts bytes freed by zone-bundle cleanup,
	// labeled by storage root.
	BundleBytesReclaimedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coreupdate_bundle_bytes_reclaimed_total",
			Help: "Total bytes reclaimed by zone bundle cleanup, by storage root.",
		},
		[]string{"root"},
	)

	// StorageRootUtilization reports each configured storage root's used
	// fraction of its cleanup budget, in [0, +Inf): 1.0 means a root is
	// exactly at budget.
	StorageRootUtilization = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "coreupdate_storage_root_utilization_ratio",
			Help: "Zone bundle storage root usage as a fraction of its cleanup budget.",
		},
		[]string{"root"},
	)
)

// Collectors returns every collector this package owns, for a caller to
// register with a prometheus.Registerer.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		StepOutcomesTotal,
		DeviceUpdateDuration,
		TrampolineUploadAttemptsTotal,
		BundleBytesReclaimedTotal,
		StorageRootUtilization,
	}
}

// MustRegister registers every collector in this package with reg,
// panicking on a duplicate-registration error the way package-level
// prometheus collectors normally do at process startup.
func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(Collectors()...)
}
