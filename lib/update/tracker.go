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

// Package update is the per-device update engine and the Tracker that
// registers, starts, aborts, and clears update tasks across the rack's
// sleds, switches, and power shelves.
package update

import (
	"context"
	"sync"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/racksled/coreupdate/lib/constants"
	"github.com/racksled/coreupdate/lib/step"
	"github.com/racksled/coreupdate/lib/update/identity"
)

// DeviceRecord is the Tracker's bookkeeping for one device's in-flight or
// most recently finished update.
type DeviceRecord struct {
	Device identity.DeviceID

	cancel context.CancelFunc
	done   chan struct{}
	report func() step.EventReport
	err    error
}

// Finished reports whether this record's task has completed.
func (r *DeviceRecord) Finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Report returns the current event report for this device's engine run.
func (r *DeviceRecord) Report() step.EventReport {
	return r.report()
}

// StartOptions configures one start() call.
type StartOptions struct {
	// SkipRotVersionCheck forces the RoT SpComponentUpdate step to run
	// even if the active slot already matches the target version.
	SkipRotVersionCheck bool
	// TestSimulateRotResult, if non-nil, makes the RoT SpComponentUpdate
	// step resolve directly to the named outcome without touching MGS.
	TestSimulateRotResult *step.Outcome
	// TestSimulateSpResult is the SP analogue of TestSimulateRotResult.
	TestSimulateSpResult *step.Outcome
	// TestStepSeconds, if non-zero, prepends a nested delay step to the
	// engine for harness timing tests.
	TestStepSeconds int
}

// Tracker is the process-wide registry mapping each device to its
// in-flight update record. All mutating operations serialize on mu, held
// only long enough to inspect and mutate the record map; MGS calls and
// spawning happen outside the lock.
type Tracker struct {
	logger logrus.FieldLogger

	mu      sync.Mutex
	plan    *Plan
	records map[identity.DeviceID]*DeviceRecord
	spawner Spawner
}

// NewTracker returns an empty Tracker with no staged plan.
func NewTracker(logger logrus.FieldLogger, spawner Spawner) *Tracker {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Tracker{
		logger:  logger.WithField(trace.Component, constants.ComponentTracker),
		records: make(map[identity.DeviceID]*DeviceRecord),
		spawner: spawner,
	}
}

// PutRepository atomically replaces the staged plan and clears every
// device record, provided every record's task has finished.
func (t *Tracker) PutRepository(plan *Plan) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var unfinished []identity.DeviceID
	for device, record := range t.records {
		if !record.Finished() {
			unfinished = append(unfinished, device)
		}
	}
	if len(unfinished) > 0 {
		identity.Sort(unfinished)
		return WithCode(trace.BadParameter("update in progress for %v", unfinished), CodeUpdateInProgress)
	}

	t.plan = plan
	t.records = make(map[identity.DeviceID]*DeviceRecord)
	t.logger.Info("Repository replaced, all device records cleared.")
	return nil
}

// updatePreChecks is the precondition evaluation shared by Start and
// UpdatePreChecks: every device must currently have no unfinished record,
// and a plan must be staged.
func (t *Tracker) updatePreChecks(devices []identity.DeviceID) error {
	if t.plan == nil {
		return WithCode(trace.BadParameter("no repository staged"), CodeTufRepositoryUnavailable)
	}
	var busy []identity.DeviceID
	for _, device := range devices {
		if record, ok := t.records[device]; ok && !record.Finished() {
			busy = append(busy, device)
		}
	}
	if len(busy) > 0 {
		identity.Sort(busy)
		return WithCode(trace.BadParameter("update already in progress for %v", busy), CodeUpdateInProgress)
	}
	return nil
}

// UpdatePreChecks evaluates Start's preconditions without spawning
// anything, so callers can batch errors with other validation before
// committing.
func (t *Tracker) UpdatePreChecks(devices []identity.DeviceID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.updatePreChecks(devices)
}

// Start begins an update for each of devices. On any precondition failure
// it returns the full set of failures and makes no state change. On
// success it invokes the Spawner's Setup once, then Spawn once per device.
func (t *Tracker) Start(ctx context.Context, devices []identity.DeviceID, options StartOptions) error {
	t.mu.Lock()
	if err := t.updatePreChecks(devices); err != nil {
		t.mu.Unlock()
		return err
	}
	plan := t.plan
	t.mu.Unlock()

	setup, err := t.spawner.Setup(ctx, plan)
	if err != nil {
		return trace.Wrap(err, "plan-level update setup")
	}

	records := make(map[identity.DeviceID]*DeviceRecord, len(devices))
	for _, device := range devices {
		record, err := t.spawner.Spawn(ctx, device, plan, setup, options)
		if err != nil {
			return trace.Wrap(err, "spawning update for %v", device)
		}
		records[device] = record
	}

	t.mu.Lock()
	for device, record := range records {
		t.records[device] = record
	}
	t.mu.Unlock()

	t.logger.WithField("devices", devices).Info("Update started.")
	return nil
}

// Abort cancels the named device's engine and waits for it to acknowledge
// termination. Idempotent against an already-finished update.
func (t *Tracker) Abort(ctx context.Context, device identity.DeviceID, message string) error {
	t.mu.Lock()
	record, ok := t.records[device]
	t.mu.Unlock()
	if !ok {
		return WithCode(trace.NotFound("no update started for %v", device), CodeUpdateNotStarted)
	}
	if record.Finished() {
		return WithCode(trace.BadParameter("update for %v already finished", device), CodeUpdateFinished)
	}

	t.logger.WithField("device", device).WithField("reason", message).Info("Aborting update.")
	record.cancel()

	select {
	case <-record.done:
		return nil
	case <-ctx.Done():
		return trace.Wrap(ctx.Err())
	}
}

// Clear removes device's record, provided its task has finished.
func (t *Tracker) Clear(device identity.DeviceID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	record, ok := t.records[device]
	if !ok {
		return nil
	}
	if !record.Finished() {
		return WithCode(trace.BadParameter("update for %v still running", device), CodeUpdateInProgress)
	}
	delete(t.records, device)
	return nil
}

// DeviceReport pairs a device with a snapshot of its current event report.
type DeviceReport struct {
	Device identity.DeviceID
	Report step.EventReport
}

// ArtifactsAndEventReports returns the current plan (nil if none staged)
// plus a snapshot event report per tracked device, in device order.
func (t *Tracker) ArtifactsAndEventReports() (*Plan, []DeviceReport) {
	t.mu.Lock()
	defer t.mu.Unlock()

	devices := make([]identity.DeviceID, 0, len(t.records))
	for device := range t.records {
		devices = append(devices, device)
	}
	identity.Sort(devices)

	reports := make([]DeviceReport, 0, len(devices))
	for _, device := range devices {
		reports = append(reports, DeviceReport{Device: device, Report: t.records[device].Report()})
	}
	return t.plan, reports
}
