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

package update

import (
	"context"
	"errors"
	"time"

	"github.com/racksled/coreupdate/lib/metrics"
	"github.com/racksled/coreupdate/lib/step"
	"github.com/racksled/coreupdate/lib/update/identity"
)

// SetupContext is whatever plan-level setup a Spawner produces once per
// start cycle (at minimum, a running trampoline uploader) and that every
// per-device Spawn call then receives.
type SetupContext interface{}

// Spawner abstracts "how to run an update" away from the Tracker so tests
// can substitute a controllable fake and preflight checks can reuse
// precondition evaluation without spawning anything. Production code,
// tests, and precondition-only callers each get their own implementation
// of this interface.
type Spawner interface {
	// Setup runs once per start() call, before any per-device spawn, and
	// returns the context passed to every Spawn call in that batch.
	Setup(ctx context.Context, plan *Plan) (SetupContext, error)
	// Spawn starts the update task for one device and returns its
	// record. The returned record's Task must already be running.
	Spawn(ctx context.Context, device identity.DeviceID, plan *Plan, setup SetupContext, options StartOptions) (*DeviceRecord, error)
}

// ProductionSpawner runs the real per-device Engine against a live
// Dependencies set.
type ProductionSpawner struct {
	Deps *Dependencies
}

// Setup ensures the Trampoline Uploader is running for plan.
func (s *ProductionSpawner) Setup(ctx context.Context, plan *Plan) (SetupContext, error) {
	s.Deps.Uploader.EnsureForPlan(ctx, plan)
	return nil, nil
}

// Spawn builds and starts the canonical engine for device.
func (s *ProductionSpawner) Spawn(ctx context.Context, device identity.DeviceID, plan *Plan, _ SetupContext, options StartOptions) (*DeviceRecord, error) {
	artifacts, err := plan.Artifacts(device.Kind)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	eng := BuildEngine(s.Deps, device, plan, artifacts, options)

	done := make(chan struct{})
	record := &DeviceRecord{
		Device: device,
		cancel: cancel,
		done:   done,
		report: eng.Report,
	}

	go func() {
		defer close(done)
		start := time.Now()
		record.err = eng.Run(runCtx)

		outcome := step.OutcomeSuccess
		if record.err != nil {
			outcome = step.OutcomeFailed
			if runCtx.Err() != nil {
				outcome = step.OutcomeAborted
			}
		}
		metrics.DeviceUpdateDuration.
			WithLabelValues(device.Kind.String(), outcome.String()).
			Observe(time.Since(start).Seconds())
	}()

	return record, nil
}

// NoopSpawner is used by precondition-only callers: Setup and Spawn are
// never reachable because the caller never invokes Spawn.
type NoopSpawner struct{}

func (NoopSpawner) Setup(ctx context.Context, plan *Plan) (SetupContext, error) { return nil, nil }

func (NoopSpawner) Spawn(ctx context.Context, device identity.DeviceID, plan *Plan, setup SetupContext, options StartOptions) (*DeviceRecord, error) {
	panic("update: NoopSpawner.Spawn must never be called")
}

// FakeRecordController lets a test drive a fake device record to
// completion on demand.
type FakeRecordController struct {
	Finish chan step.Outcome
}

// FakeSpawner spawns device records that block until the test signals
// completion via FakeRecordController, letting tests assert on Tracker
// bookkeeping (active-record invariants, abort semantics) without running
// a real engine.
type FakeSpawner struct {
	Controllers map[identity.DeviceID]*FakeRecordController
}

func NewFakeSpawner() *FakeSpawner {
	return &FakeSpawner{Controllers: make(map[identity.DeviceID]*FakeRecordController)}
}

func (s *FakeSpawner) Setup(ctx context.Context, plan *Plan) (SetupContext, error) {
	return nil, nil
}

func (s *FakeSpawner) Spawn(ctx context.Context, device identity.DeviceID, plan *Plan, _ SetupContext, options StartOptions) (*DeviceRecord, error) {
	ctrl := &FakeRecordController{Finish: make(chan step.Outcome, 1)}
	s.Controllers[device] = ctrl

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	record := &DeviceRecord{
		Device: device,
		cancel: cancel,
		done:   done,
		report: func() step.EventReport { return step.EventReport{} },
	}

	go func() {
		defer close(done)
		select {
		case outcome := <-ctrl.Finish:
			if outcome == step.OutcomeFailed {
				record.err = errors.New("fake engine reported failure")
			}
		case <-runCtx.Done():
			record.err = runCtx.Err()
		}
	}()

	return record, nil
}
