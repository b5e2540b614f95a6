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
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/racksled/coreupdate/lib/defaults"
	"github.com/racksled/coreupdate/lib/installinator"
	"github.com/racksled/coreupdate/lib/mgs"
	"github.com/racksled/coreupdate/lib/step"
	"github.com/racksled/coreupdate/lib/update/identity"
)

// rotInterrogation is what the InterrogateRot step hands the RoT
// SpComponentUpdate step: the slot to update and the artifact to apply,
// plus the active slot's reported version for the skip-if-unchanged check.
type rotInterrogation struct {
	slotToUpdate  uint8
	artifact      Artifact
	activeVersion string
}

// BuildEngine composes the canonical per-device step sequence: RoT -> SP ->
// (if Sled) Host. The returned engine has not been started; callers run it
// with Engine.Run.
func BuildEngine(deps *Dependencies, device identity.DeviceID, plan *Plan, artifacts KindArtifacts, options StartOptions) *step.Engine {
	var steps []step.Step

	if options.TestStepSeconds > 0 {
		steps = append(steps, testDelayStep(options.TestStepSeconds))
	}

	var rotInterrog rotInterrogation
	steps = append(steps, step.Step{
		ID:          "InterrogateRot",
		Component:   step.ComponentRot,
		Description: "checking current RoT version and active slot",
		Body: func(ctx context.Context, env *step.Env) (step.Result, error) {
			activeSlot, err := deps.MGS.ActiveSlotGet(ctx, device, mgs.ComponentRot)
			if err != nil {
				return step.Result{}, WithCode(trace.Wrap(err, "reading RoT active slot on %v", device), CodeGetRotActiveSlotFailed)
			}
			caboose, err := deps.MGS.CabooseGet(ctx, device, mgs.ComponentRot, activeSlot)
			if err != nil {
				return step.Result{}, WithCode(trace.Wrap(err, "reading RoT caboose on %v", device), CodeGetRotCabooseFailed)
			}
			otherSlot := uint8(1) - activeSlot
			artifact, err := artifacts.RotArtifact(otherSlot)
			if err != nil {
				return step.Result{}, trace.Wrap(err)
			}
			rotInterrog = rotInterrogation{
				slotToUpdate:  otherSlot,
				artifact:      artifact,
				activeVersion: caboose.Version,
			}
			return step.Success(rotInterrog, fmt.Sprintf("active slot %d at version %s, will update slot %d", activeSlot, caboose.Version, otherSlot)), nil
		},
	})

	const spFirmwareSlot = 0
	var spArtifact Artifact
	var spActiveVersion string
	steps = append(steps, step.Step{
		ID:          "InterrogateSp",
		Component:   step.ComponentSp,
		Description: "checking SP board and current version",
		Body: func(ctx context.Context, env *step.Env) (step.Result, error) {
			caboose, err := deps.MGS.CabooseGet(ctx, device, mgs.ComponentSp, spFirmwareSlot)
			if err != nil {
				return step.Result{}, WithCode(trace.Wrap(err, "reading SP caboose on %v", device), CodeGetSpCabooseFailed)
			}
			artifact, err := artifacts.SpArtifact(caboose.Board)
			if err != nil {
				return step.Result{}, trace.Wrap(err)
			}
			spArtifact = artifact
			spActiveVersion = caboose.Version
			return step.Success(struct {
				Artifact Artifact
				Version  string
			}{artifact, caboose.Version}, fmt.Sprintf("SP board %s, version %s (git commit %s)", caboose.Board, caboose.Version, caboose.GitCommit)), nil
		},
	})

	steps = append(steps, step.Step{
		ID:          "SpComponentUpdate",
		Component:   step.ComponentRot,
		Description: "updating RoT",
		Body: func(ctx context.Context, env *step.Env) (step.Result, error) {
			if options.TestSimulateRotResult != nil {
				return simulateResult(*options.TestSimulateRotResult)
			}
			alreadyCurrent := rotInterrog.activeVersion == rotInterrog.artifact.ID.Version
			if alreadyCurrent && !options.SkipRotVersionCheck {
				return step.Skipped(nil, fmt.Sprintf("RoT active slot already at version %s", rotInterrog.artifact.ID.Version)), nil
			}
			nested := spComponentUpdate(deps.MGS, device, mgs.ComponentRot, rotInterrog.slotToUpdate, rotInterrog.artifact)
			if _, err := env.RunNested(nested); err != nil {
				return step.Result{}, trace.Wrap(err)
			}
			if alreadyCurrent {
				return step.Warning(nil, fmt.Sprintf("RoT updated despite already having version %s", rotInterrog.artifact.ID.Version)), nil
			}
			return step.Success(nil, ""), nil
		},
	})

	steps = append(steps, step.Step{
		ID:          "SpComponentUpdate",
		Component:   step.ComponentSp,
		Description: "updating SP",
		Body: func(ctx context.Context, env *step.Env) (step.Result, error) {
			if options.TestSimulateSpResult != nil {
				return simulateResult(*options.TestSimulateSpResult)
			}
			alreadyCurrent := spActiveVersion == spArtifact.ID.Version
			if alreadyCurrent && !options.SkipRotVersionCheck {
				return step.Skipped(nil, fmt.Sprintf("SP already at version %s", spArtifact.ID.Version)), nil
			}
			nested := spComponentUpdate(deps.MGS, device, mgs.ComponentSp, spFirmwareSlot, spArtifact)
			if _, err := env.RunNested(nested); err != nil {
				return step.Result{}, trace.Wrap(err)
			}
			if alreadyCurrent {
				return step.Warning(nil, fmt.Sprintf("SP updated despite already having version %s", spArtifact.ID.Version)), nil
			}
			return step.Success(nil, ""), nil
		},
	})

	if device.Kind != identity.KindSled {
		return step.New(deps.Logger, defaults.EventBufferCapacity, steps...)
	}

	steps = append(steps, hostSteps(deps, device, plan, artifacts)...)
	return step.New(deps.Logger, defaults.EventBufferCapacity, steps...)
}

// hostSteps builds the host-update portion of the canonical sled sequence:
// delivering the trampoline, running installinator, then delivering the
// production host image.
func hostSteps(deps *Dependencies, device identity.DeviceID, plan *Plan, artifacts KindArtifacts) []step.Step {
	updateID := installinator.UpdateID(uuid.NewString())
	var steps []step.Step

	steps = append(steps, deliverHostPhase1Steps(deps, device, artifacts.TrampolinePhase1, "trampoline", []uint8{0})...)

	var trampolineImageID string
	steps = append(steps, step.Step{
		ID:          "WaitingForTrampolinePhase2Upload",
		Component:   step.ComponentHost,
		Description: "waiting for trampoline phase 2 upload to MGS",
		Body: func(ctx context.Context, env *step.Env) (step.Result, error) {
			watcher := deps.Uploader.ImageID()
			if watcher == nil {
				return step.Result{}, WithCode(trace.BadParameter("no trampoline uploader running for this plan"), CodeTrampolinePhase2UploadFailed)
			}
			version := uint64(0)
			for {
				if imageID, ok := watcher.Borrow(); ok && imageID != "" {
					trampolineImageID = imageID
					return step.Success(imageID, ""), nil
				}
				value, v, ok := watcher.Changed(ctx.Done(), version)
				if !ok {
					return step.Result{}, WithCode(trace.Wrap(ctx.Err(), "waiting for trampoline phase 2 upload"), CodeTrampolinePhase2UploadFailed)
				}
				version = v
				if value != "" {
					trampolineImageID = value
					return step.Success(value, ""), nil
				}
			}
		},
	})

	steps = append(steps, step.Step{
		ID:          "SettingInstallinatorImageId",
		Component:   step.ComponentHost,
		Description: "setting installinator image ID",
		Body: func(ctx context.Context, env *step.Env) (step.Result, error) {
			deps.Relay.Register(updateID)
			id := mgs.InstallinatorImageID{
				ControlPlaneHash: plan.ControlPlaneHash,
				HostPhase2Hash:   plan.HostPhase2Hash,
				UpdateID:         mgs.UpdateID(updateID),
			}
			if err := deps.MGS.InstallinatorImageIDSet(ctx, device, id); err != nil {
				return step.Result{}, WithCode(trace.Wrap(err, "setting installinator image id on %v", device), CodeSetInstallinatorImageIDFailed)
			}
			return step.Success(nil, ""), nil
		},
	})

	steps = append(steps, step.Step{
		ID:          "SettingHostStartupOptions",
		Component:   step.ComponentHost,
		Description: "setting host startup options for recovery boot",
		Body: func(ctx context.Context, env *step.Env) (step.Result, error) {
			if err := deps.MGS.ActiveSlotSet(ctx, device, mgs.ComponentHost, 0, false); err != nil {
				return step.Result{}, WithCode(trace.Wrap(err, "selecting trampoline phase 1 boot slot on %v", device), CodeSetHostBootFlashSlotFailed)
			}
			options := mgs.StartupOptions{Phase2RecoveryMode: true}
			if err := deps.MGS.StartupOptionsSet(ctx, device, options); err != nil {
				return step.Result{}, WithCode(trace.Wrap(err, "setting recovery startup options on %v", device), CodeSetHostStartupOptionsFailed)
			}
			return step.Success(nil, ""), nil
		},
	})

	steps = append(steps, hostPowerStateStep(deps, device, mgs.PowerStateA0, "booting trampoline"))

	steps = append(steps, step.Step{
		ID:          "DownloadingInstallinator",
		Component:   step.ComponentHost,
		Description: "downloading installinator, waiting for it to start",
		Body: func(ctx context.Context, env *step.Env) (step.Result, error) {
			// Clear MGS's remembered phase-2 delivery state so a stale
			// request from a previous attempt can't be mistaken for
			// progress on this one.
			if err := deps.MGS.HostPhase2ProgressDelete(ctx, device); err != nil {
				env.Logger().WithError(err).Warn("Failed to clear remembered phase-2 progress (proceeding anyway).")
			}

			pollCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			done := make(chan struct{})
			go func() {
				defer close(done)
				ticker := time.NewTicker(defaults.Phase2LivenessPollInterval)
				defer ticker.Stop()
				for {
					select {
					case <-pollCtx.Done():
						return
					case <-ticker.C:
						progress, err := deps.MGS.HostPhase2ProgressGet(pollCtx, device)
						if err != nil || !progress.Available {
							continue
						}
						if progress.ImageID != trampolineImageID {
							continue // stale delivery for a different image id
						}
						env.Progress(progress.Offset, progress.TotalSize, "bytes")
					}
				}
			}()

			err := deps.Relay.WaitFirstProgress(ctx, updateID)
			cancel()
			<-done
			if err != nil {
				return step.Result{}, WithCode(trace.Wrap(err, "waiting for installinator to start on %v", device), CodeDownloadingInstallinatorFailed)
			}
			return step.Success(nil, ""), nil
		},
	})

	var writeOutput *installinator.WriteOutput
	steps = append(steps, step.Step{
		ID:          "RunningInstallinator",
		Component:   step.ComponentHost,
		Description: "running installinator",
		Body: func(ctx context.Context, env *step.Env) (step.Result, error) {
			version := uint64(0)
			if latest, ok := deps.Relay.Latest(updateID); ok {
				env.SetNestedReport(toStepReport(latest))
				if out, ok := captureWriteOutput(latest); ok {
					writeOutput = out
				}
				if installinator.Terminal(latest) {
					if writeOutput == nil {
						return step.Result{}, WithCode(trace.BadParameter("installinator finished without a write outcome"), CodeRunningInstallinatorFailed)
					}
					return step.Success(*writeOutput, ""), nil
				}
			}
			for {
				report, v, err := deps.Relay.WaitChanged(ctx, updateID, version)
				if err != nil {
					return step.Result{}, WithCode(trace.Wrap(err, "reading installinator progress on %v", device), CodeRunningInstallinatorFailed)
				}
				version = v
				env.SetNestedReport(toStepReport(report))
				if out, ok := captureWriteOutput(report); ok {
					writeOutput = out
				}
				if installinator.Terminal(report) {
					if writeOutput == nil {
						return step.Result{}, WithCode(trace.BadParameter("installinator finished without a write outcome"), CodeRunningInstallinatorFailed)
					}
					deps.Relay.Unregister(updateID)
					return step.Success(*writeOutput, ""), nil
				}
			}
		},
	})

	steps = append(steps, hostPowerStateStep(deps, device, mgs.PowerStateA2, "preparing for host phase 1"))

	steps = append(steps, step.Step{
		ID:          "SpComponentUpdate",
		Component:   step.ComponentHost,
		Description: "updating host phase 1",
		Body: func(ctx context.Context, env *step.Env) (step.Result, error) {
			if writeOutput == nil {
				return step.Result{}, WithCode(trace.BadParameter("no installinator write output recorded"), CodeSpComponentUpdateFailed)
			}
			for _, slot := range writtenSlots(*writeOutput) {
				nested := spComponentUpdate(deps.MGS, device, mgs.ComponentHost, slot, artifacts.HostPhase1)
				if _, err := env.RunNested(nested); err != nil {
					return step.Result{}, trace.Wrap(err)
				}
			}
			return step.Success(nil, ""), nil
		},
	})

	steps = append(steps, step.Step{
		ID:          "ClearingInstallinatorImageId",
		Component:   step.ComponentHost,
		Description: "clearing installinator image ID",
		Body: func(ctx context.Context, env *step.Env) (step.Result, error) {
			// Best-effort: failing to clear the image id is never fatal,
			// since the next update sets its own id anyway.
			if err := deps.MGS.InstallinatorImageIDDelete(ctx, device); err != nil {
				env.Logger().WithError(err).Warn("Failed to clear installinator image id (proceeding anyway).")
			}
			return step.Success(nil, ""), nil
		},
	})

	steps = append(steps, step.Step{
		ID:          "SettingHostStartupOptions",
		Component:   step.ComponentHost,
		Description: "setting startup options for standard boot",
		Body: func(ctx context.Context, env *step.Env) (step.Result, error) {
			if writeOutput == nil {
				return step.Result{}, WithCode(trace.BadParameter("no installinator write output recorded"), CodeSetHostBootFlashSlotFailed)
			}
			slots := writtenSlots(*writeOutput)
			if len(slots) == 0 {
				return step.Result{}, WithCode(trace.BadParameter("installinator reported 0 disks written"), CodeSetHostBootFlashSlotFailed)
			}
			bootSlot := slots[0]
			for _, s := range slots[1:] {
				if s < bootSlot {
					bootSlot = s
				}
			}
			if err := deps.MGS.ActiveSlotSet(ctx, device, mgs.ComponentHost, bootSlot, true); err != nil {
				return step.Result{}, WithCode(trace.Wrap(err, "setting host boot flash slot on %v", device), CodeSetHostBootFlashSlotFailed)
			}
			if err := deps.MGS.StartupOptionsSet(ctx, device, mgs.StartupOptions{}); err != nil {
				return step.Result{}, WithCode(trace.Wrap(err, "setting standard startup options on %v", device), CodeSetHostStartupOptionsFailed)
			}
			return step.Success(bootSlot, ""), nil
		},
	})

	steps = append(steps, hostPowerStateStep(deps, device, mgs.PowerStateA0, "booting production host"))

	return steps
}

// deliverHostPhase1Steps builds the shared SetHostPowerState(A2) +
// SpComponentUpdate pair used both for trampoline phase 1 (slot 0 only)
// and for the real host phase 1 (one or more M.2 slots).
func deliverHostPhase1Steps(deps *Dependencies, device identity.DeviceID, artifact Artifact, kind string, slots []uint8) []step.Step {
	return []step.Step{
		hostPowerStateStep(deps, device, mgs.PowerStateA2, fmt.Sprintf("preparing for %s phase 1", kind)),
		{
			ID:          "SpComponentUpdate",
			Component:   step.ComponentHost,
			Description: fmt.Sprintf("updating %s phase 1", kind),
			Body: func(ctx context.Context, env *step.Env) (step.Result, error) {
				for _, slot := range slots {
					nested := spComponentUpdate(deps.MGS, device, mgs.ComponentHost, slot, artifact)
					if _, err := env.RunNested(nested); err != nil {
						return step.Result{}, trace.Wrap(err)
					}
				}
				return step.Success(nil, ""), nil
			},
		},
	}
}

func hostPowerStateStep(deps *Dependencies, device identity.DeviceID, state mgs.PowerState, description string) step.Step {
	return step.Step{
		ID:          fmt.Sprintf("SetHostPowerState(%s)", state),
		Component:   step.ComponentHost,
		Description: description,
		Body: func(ctx context.Context, env *step.Env) (step.Result, error) {
			if err := deps.MGS.PowerStateSet(ctx, device, state); err != nil {
				return step.Result{}, WithCode(trace.Wrap(err, "setting host power state to %s on %v", state, device), CodeUpdatePowerStateFailed)
			}
			return step.Success(nil, ""), nil
		},
	}
}

func testDelayStep(seconds int) step.Step {
	return step.Step{
		ID:          "TestStep",
		Component:   step.ComponentRot,
		Description: fmt.Sprintf("delay step (%d secs)", seconds),
		Body: func(ctx context.Context, env *step.Env) (step.Result, error) {
			for i := 0; i < seconds; i++ {
				env.Progress(int64(i), int64(seconds), "seconds")
				select {
				case <-time.After(time.Second):
				case <-ctx.Done():
					return step.Result{}, ctx.Err()
				}
			}
			return step.Success(nil, ""), nil
		},
	}
}

func simulateResult(outcome step.Outcome) (step.Result, error) {
	switch outcome {
	case step.OutcomeSuccess:
		return step.Success(nil, "simulated"), nil
	case step.OutcomeWarning:
		return step.Warning(nil, "simulated warning"), nil
	case step.OutcomeSkipped:
		return step.Skipped(nil, "simulated skip"), nil
	default:
		return step.Result{}, WithCode(trace.BadParameter("simulated failure"), CodeSpComponentUpdateFailed)
	}
}

func writtenSlots(out installinator.WriteOutput) []uint8 {
	slots := make([]uint8, 0, len(out.SlotsWritten))
	for _, s := range out.SlotsWritten {
		if s == installinator.SlotA {
			slots = append(slots, 0)
		} else {
			slots = append(slots, 1)
		}
	}
	for i := 1; i < len(slots); i++ {
		for j := i; j > 0 && slots[j-1] > slots[j]; j-- {
			slots[j-1], slots[j] = slots[j], slots[j-1]
		}
	}
	return slots
}

func captureWriteOutput(report installinator.EventReport) (*installinator.WriteOutput, bool) {
	for i := len(report.Steps) - 1; i >= 0; i-- {
		if report.Steps[i].Completion != nil {
			out := *report.Steps[i].Completion
			return &out, true
		}
	}
	return nil, false
}

func toStepReport(report installinator.EventReport) step.EventReport {
	out := step.EventReport{Steps: make([]step.StepEvent, 0, len(report.Steps))}
	for _, ev := range report.Steps {
		out.Steps = append(out.Steps, step.StepEvent{
			StepID:      ev.StepID,
			Description: ev.Description,
			Outcome:     ev.Outcome,
			Message:     ev.Message,
			Value:       ev.Completion,
		})
	}
	if report.Running != nil {
		out.Running = &step.StepEvent{
			StepID:      report.Running.StepID,
			Description: report.Running.Description,
			Outcome:     report.Running.Outcome,
			Message:     report.Running.Message,
			Value:       report.Running.Completion,
		}
	}
	return out
}
