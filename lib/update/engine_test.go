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
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/racksled/coreupdate/lib/installinator"
	"github.com/racksled/coreupdate/lib/mgs"
	"github.com/racksled/coreupdate/lib/mgs/fake"
	"github.com/racksled/coreupdate/lib/step"
	"github.com/racksled/coreupdate/lib/update/identity"
)

func testKindArtifact(name, version string) Artifact {
	return Artifact{
		ID:   ArtifactID{Kind: identity.KindSled, Version: version, Name: name},
		Hash: name + "-" + version,
		Data: func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewBufferString(name)), nil },
	}
}

func testSledPlan(board, spVersion string) *Plan {
	return &Plan{
		Sled: KindArtifacts{
			RotSlotA:         testKindArtifact("rot", "1.0.0"),
			RotSlotB:         testKindArtifact("rot", "2.0.0"),
			SpByBoard:        map[string]Artifact{board: testKindArtifact("sp", spVersion)},
			HostPhase1:       testKindArtifact("host-phase1", "1.0.0"),
			TrampolinePhase1: testKindArtifact("trampoline-phase1", "1.0.0"),
			TrampolinePhase2: testKindArtifact("trampoline-phase2", "1.0.0"),
		},
		ControlPlaneHash: "cp-hash",
		HostPhase2Hash:   "hp2-hash",
	}
}

// newSledTestDeps wires a Dependencies against a fresh fake MGS client and
// starts the uploader against plan, mirroring what ProductionSpawner.Setup
// does before BuildEngine ever runs.
func newSledTestDeps(t *testing.T, client *fake.Client, plan *Plan) *Dependencies {
	t.Helper()
	deps := &Dependencies{
		MGS:      client,
		Uploader: NewUploader(client, nil),
		Relay:    installinator.NewRelay(),
	}
	deps.Uploader.EnsureForPlan(context.Background(), plan)
	return deps
}

// reportInstallinatorWrite waits for the engine to register an installinator
// update id with MGS (step "SettingInstallinatorImageId"), then reports a
// single terminal write outcome for it, unblocking the
// DownloadingInstallinator/RunningInstallinator steps.
func reportInstallinatorWrite(t *testing.T, client *fake.Client, relay *installinator.Relay, device identity.DeviceID, slots []installinator.Slot) {
	t.Helper()
	var updateID installinator.UpdateID
	require.Eventually(t, func() bool {
		id, ok := client.InstallinatorImageID(device)
		if !ok {
			return false
		}
		updateID = installinator.UpdateID(id.UpdateID)
		return true
	}, 5*time.Second, 2*time.Millisecond, "engine must set an installinator image id before booting the trampoline")

	require.NoError(t, relay.Report(updateID, installinator.EventReport{
		Steps: []installinator.StepEvent{{
			StepID:      "write",
			Description: "writing host image",
			Outcome:     step.OutcomeSuccess,
			Completion:  &installinator.WriteOutput{SlotsWritten: slots},
		}},
	}))
}

func findLastStep(t *testing.T, steps []step.StepEvent, component step.Component, id string) step.StepEvent {
	t.Helper()
	for i := len(steps) - 1; i >= 0; i-- {
		if steps[i].Component == component && steps[i].StepID == id {
			return steps[i]
		}
	}
	t.Fatalf("step %s/%s not found in report", component, id)
	return step.StepEvent{}
}

func findStep(t *testing.T, steps []step.StepEvent, component step.Component, id string) step.StepEvent {
	t.Helper()
	for _, ev := range steps {
		if ev.Component == component && ev.StepID == id {
			return ev
		}
	}
	t.Fatalf("step %s/%s not found in report", component, id)
	return step.StepEvent{}
}

// TestBuildEngineSwitchRunsOnlyRotAndSp confirms non-sled kinds run exactly
// the RoT and SP interrogate/update steps and never build any Host step,
// since there is no host to boot on a switch or power shelf.
func TestBuildEngineSwitchRunsOnlyRotAndSp(t *testing.T) {
	client := fake.New()
	device := testDevice(t, identity.KindSwitch, 0)
	client.SetCaboose(device, mgs.ComponentRot, 0, mgs.Caboose{Version: "1.0.0"})
	client.SetCaboose(device, mgs.ComponentSp, 0, mgs.Caboose{Board: "sidecar", Version: "1.0.0"})

	plan := &Plan{Switch: KindArtifacts{
		RotSlotA:  testKindArtifact("rot", "1.0.0"),
		RotSlotB:  testKindArtifact("rot", "2.0.0"),
		SpByBoard: map[string]Artifact{"sidecar": testKindArtifact("sp", "2.0.0")},
	}}
	deps := &Dependencies{MGS: client, Uploader: NewUploader(client, nil), Relay: installinator.NewRelay()}
	artifacts, err := plan.Artifacts(identity.KindSwitch)
	require.NoError(t, err)

	eng := BuildEngine(deps, device, plan, artifacts, StartOptions{})
	require.NoError(t, eng.Run(context.Background()))

	report := eng.Report()
	assert.False(t, report.Failed)
	require.Len(t, report.Steps, 4)
	for _, ev := range report.Steps {
		assert.NotEqual(t, step.ComponentHost, ev.Component)
	}
}

// TestBuildEngineCleanSledUpdate covers a sled whose RoT, SP, and host all
// need updating: the full engine runs end to end and leaves the host
// booted into the slot the installinator actually wrote.
func TestBuildEngineCleanSledUpdate(t *testing.T) {
	client := fake.New()
	device := testDevice(t, identity.KindSled, 3)
	client.SetCaboose(device, mgs.ComponentRot, 0, mgs.Caboose{Version: "1.0.0"})
	client.SetCaboose(device, mgs.ComponentSp, 0, mgs.Caboose{Board: "gimlet-b", Version: "1.0.0"})

	plan := testSledPlan("gimlet-b", "2.0.0")
	deps := newSledTestDeps(t, client, plan)
	artifacts, err := plan.Artifacts(identity.KindSled)
	require.NoError(t, err)

	eng := BuildEngine(deps, device, plan, artifacts, StartOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- eng.Run(ctx) }()

	reportInstallinatorWrite(t, client, deps.Relay, device, []installinator.Slot{installinator.SlotA})

	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(20 * time.Second):
		t.Fatal("engine did not finish in time")
	}

	report := eng.Report()
	assert.False(t, report.Failed)
	assert.False(t, report.Aborted)

	rot := findStep(t, report.Steps, step.ComponentRot, "SpComponentUpdate")
	assert.Equal(t, step.OutcomeSuccess, rot.Outcome)

	sp := findStep(t, report.Steps, step.ComponentSp, "InterrogateSp")
	assert.Equal(t, step.OutcomeSuccess, sp.Outcome)

	standardBoot := findLastStep(t, report.Steps, step.ComponentHost, "SettingHostStartupOptions")
	assert.Equal(t, uint8(0), standardBoot.Value, "booting slot A must select firmware slot 0")

	finalPower := findLastStep(t, report.Steps, step.ComponentHost, "SetHostPowerState(A0)")
	assert.Equal(t, step.OutcomeSuccess, finalPower.Outcome)

	slot, err := client.ActiveSlotGet(ctx, device, mgs.ComponentHost)
	require.NoError(t, err)
	assert.Equal(t, uint8(0), slot)
}

// TestBuildEngineSkipsRotWhenAlreadyAtTargetVersion covers the case where
// the RoT's active slot already reports the version staged for the other
// slot, so the RoT component update is skipped rather than applied.
func TestBuildEngineSkipsRotWhenAlreadyAtTargetVersion(t *testing.T) {
	client := fake.New()
	device := testDevice(t, identity.KindSled, 1)
	// RotSlotB (the "other" slot, since active slot 0) is staged at 2.0.0;
	// report the active slot as already being there.
	client.SetCaboose(device, mgs.ComponentRot, 0, mgs.Caboose{Version: "2.0.0"})
	client.SetCaboose(device, mgs.ComponentSp, 0, mgs.Caboose{Board: "gimlet-b", Version: "1.0.0"})

	plan := testSledPlan("gimlet-b", "2.0.0")
	deps := newSledTestDeps(t, client, plan)
	artifacts, err := plan.Artifacts(identity.KindSled)
	require.NoError(t, err)

	eng := BuildEngine(deps, device, plan, artifacts, StartOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- eng.Run(ctx) }()

	reportInstallinatorWrite(t, client, deps.Relay, device, []installinator.Slot{installinator.SlotA})

	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(20 * time.Second):
		t.Fatal("engine did not finish in time")
	}

	rot := findStep(t, eng.Report().Steps, step.ComponentRot, "SpComponentUpdate")
	assert.Equal(t, step.OutcomeSkipped, rot.Outcome)
	assert.Contains(t, rot.Message, "2.0.0")
}

// TestBuildEngineHaltsOnMissingSpArtifact covers the case where no SP image
// is staged for the board the device reports, so the engine stops at
// InterrogateSp with CodeMissingSpImageForBoard and never reaches any Host
// step.
func TestBuildEngineHaltsOnMissingSpArtifact(t *testing.T) {
	client := fake.New()
	device := testDevice(t, identity.KindSled, 2)
	client.SetCaboose(device, mgs.ComponentRot, 0, mgs.Caboose{Version: "1.0.0"})
	client.SetCaboose(device, mgs.ComponentSp, 0, mgs.Caboose{Board: "unstaged-board", Version: "1.0.0"})

	plan := testSledPlan("gimlet-b", "2.0.0")
	deps := newSledTestDeps(t, client, plan)
	artifacts, err := plan.Artifacts(identity.KindSled)
	require.NoError(t, err)

	eng := BuildEngine(deps, device, plan, artifacts, StartOptions{})

	err = eng.Run(context.Background())
	require.Error(t, err)
	code, ok := CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, CodeMissingSpImageForBoard, code)

	report := eng.Report()
	assert.True(t, report.Failed)
	for _, ev := range report.Steps {
		assert.NotEqual(t, step.ComponentHost, ev.Component, "no host step may run once SP interrogation fails")
	}
}

// TestBuildEngineAbortDuringInstallinator is scenario S4: cancelling the
// engine's context while it is blocked in DownloadingInstallinator records
// that step as aborted and stops the engine without ever reaching
// RunningInstallinator.
func TestBuildEngineAbortDuringInstallinator(t *testing.T) {
	client := fake.New()
	device := testDevice(t, identity.KindSled, 4)
	client.SetCaboose(device, mgs.ComponentRot, 0, mgs.Caboose{Version: "1.0.0"})
	client.SetCaboose(device, mgs.ComponentSp, 0, mgs.Caboose{Board: "gimlet-b", Version: "1.0.0"})

	plan := testSledPlan("gimlet-b", "2.0.0")
	deps := newSledTestDeps(t, client, plan)
	artifacts, err := plan.Artifacts(identity.KindSled)
	require.NoError(t, err)

	eng := BuildEngine(deps, device, plan, artifacts, StartOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	runCtx, abort := context.WithCancel(ctx)

	runErr := make(chan error, 1)
	go func() { runErr <- eng.Run(runCtx) }()

	require.Eventually(t, func() bool {
		running := eng.Report().Running
		return running != nil && running.StepID == "DownloadingInstallinator"
	}, 20*time.Second, 2*time.Millisecond, "engine must reach DownloadingInstallinator before it can be aborted there")

	abort()

	select {
	case err := <-runErr:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("aborted engine did not stop in time")
	}

	report := eng.Report()
	assert.True(t, report.Aborted)
	download := findLastStep(t, report.Steps, step.ComponentHost, "DownloadingInstallinator")
	assert.Equal(t, step.OutcomeAborted, download.Outcome)
	for _, ev := range report.Steps {
		assert.NotEqual(t, "RunningInstallinator", ev.StepID, "installinator must never be reported running after an abort mid-download")
	}
}

// TestDownloadingInstallinatorIgnoresControlPlaneAndHostPhase2Hash confirms
// the DownloadingInstallinator liveness poll tracks the trampoline
// uploader's own assigned image id rather than the plan's
// ControlPlaneHash/HostPhase2Hash pair (which identifies the production
// host image, an unrelated concept): the engine must still complete even
// when those hashes bear no relation to the trampoline artifact's hash.
func TestDownloadingInstallinatorIgnoresControlPlaneAndHostPhase2Hash(t *testing.T) {
	client := fake.New()
	device := testDevice(t, identity.KindSled, 5)
	client.SetCaboose(device, mgs.ComponentRot, 0, mgs.Caboose{Version: "1.0.0"})
	client.SetCaboose(device, mgs.ComponentSp, 0, mgs.Caboose{Board: "gimlet-b", Version: "1.0.0"})

	plan := testSledPlan("gimlet-b", "2.0.0")
	plan.ControlPlaneHash = "unrelated-control-plane-hash"
	plan.HostPhase2Hash = "unrelated-host-phase2-hash"
	deps := newSledTestDeps(t, client, plan)
	artifacts, err := plan.Artifacts(identity.KindSled)
	require.NoError(t, err)

	eng := BuildEngine(deps, device, plan, artifacts, StartOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- eng.Run(ctx) }()

	reportInstallinatorWrite(t, client, deps.Relay, device, []installinator.Slot{installinator.SlotA})

	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(20 * time.Second):
		t.Fatal("engine did not finish in time")
	}

	report := eng.Report()
	assert.False(t, report.Failed)
	download := findLastStep(t, report.Steps, step.ComponentHost, "DownloadingInstallinator")
	assert.Equal(t, step.OutcomeSuccess, download.Outcome)
}
