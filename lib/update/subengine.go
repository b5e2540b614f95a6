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
	"github.com/racksled/coreupdate/lib/mgs"
	"github.com/racksled/coreupdate/lib/step"
	"github.com/racksled/coreupdate/lib/update/identity"
)

// spComponentUpdate is the SP-component update sub-engine: Sending,
// Preparing, Writing, then a component-specific finishing phase. It is
// always run as a nested engine of an outer Rot/Sp/Host step.
func spComponentUpdate(client mgs.Client, device identity.DeviceID, component mgs.Component, firmwareSlot uint8, artifact Artifact) *step.Engine {
	var steps []step.Step
	var updateID mgs.UpdateID

	steps = append(steps, step.Step{
		ID:          "Sending",
		Component:   stepComponent(component),
		Description: fmt.Sprintf("streaming %s to MGS", artifact.ID.Name),
		Body: func(ctx context.Context, env *step.Env) (step.Result, error) {
			id := mgs.UpdateID(uuid.NewString())
			env.Logger().WithField("update_id", id).WithField("artifact", artifact.ID.Name).Debug("Sending update to MGS.")

			reader, err := artifact.Data()
			if err != nil {
				return step.Result{}, WithCode(trace.Wrap(err, "opening artifact %s", artifact.ID.Name), CodeSpComponentUpdateFailed)
			}
			defer reader.Close()

			if err := client.ComponentUpdate(ctx, device, component, firmwareSlot, id, reader); err != nil {
				return step.Result{}, WithCode(trace.Wrap(err, "sending %s to %v", artifact.ID.Name, device), CodeSpComponentUpdateFailed)
			}
			updateID = id
			return step.Success(id, ""), nil
		},
	})

	steps = append(steps, step.Step{
		ID:          "Preparing",
		Component:   stepComponent(component),
		Description: "waiting for MGS to begin writing the update",
		Body: func(ctx context.Context, env *step.Env) (step.Result, error) {
			ticker := time.NewTicker(defaults.SPComponentUpdatePollInterval)
			defer ticker.Stop()
			for {
				status, err := client.ComponentUpdateStatus(ctx, device, component)
				if err != nil {
					return step.Result{}, WithCode(trace.Wrap(err, "polling update status"), CodeSpComponentUpdateFailed)
				}
				if fatalErr := fatalStatus(status, updateID); fatalErr != nil {
					return step.Result{}, fatalErr
				}
				if status.Preparing != nil {
					if status.Preparing.Progress != nil {
						env.Progress(*status.Preparing.Progress, 0, "preparation steps")
					}
				} else if status.InProgress != nil {
					return step.Success(updateID, ""), nil
				}

				select {
				case <-ticker.C:
				case <-ctx.Done():
					return step.Result{}, ctx.Err()
				}
			}
		},
	})

	steps = append(steps, step.Step{
		ID:          "Writing",
		Component:   stepComponent(component),
		Description: "writing the update to flash",
		Body: func(ctx context.Context, env *step.Env) (step.Result, error) {
			ticker := time.NewTicker(defaults.SPComponentUpdatePollInterval)
			defer ticker.Stop()
			for {
				status, err := client.ComponentUpdateStatus(ctx, device, component)
				if err != nil {
					return step.Result{}, WithCode(trace.Wrap(err, "polling update status"), CodeSpComponentUpdateFailed)
				}
				if fatalErr := fatalStatus(status, updateID); fatalErr != nil {
					return step.Result{}, fatalErr
				}
				if status.InProgress != nil {
					env.Progress(status.InProgress.BytesReceived, status.InProgress.TotalBytes, "bytes")
				} else if status.Complete != nil {
					return step.Success(nil, ""), nil
				}

				select {
				case <-ticker.C:
				case <-ctx.Done():
					return step.Result{}, ctx.Err()
				}
			}
		},
	})

	switch component {
	case mgs.ComponentRot:
		steps = append(steps, rotFinishSteps(client, device, firmwareSlot)...)
	case mgs.ComponentSp:
		steps = append(steps, step.Step{
			ID:          "Resetting",
			Component:   stepComponent(component),
			Description: "resetting the SP",
			Body: func(ctx context.Context, env *step.Env) (step.Result, error) {
				if err := client.ComponentReset(ctx, device, component); err != nil {
					return step.Result{}, WithCode(trace.Wrap(err, "resetting SP on %v", device), CodeSpResetFailed)
				}
				return step.Success(nil, ""), nil
			},
		})
	case mgs.ComponentHost:
		// No reset/confirm here; boot is orchestrated by the outer engine.
	}

	return step.New(nil, defaults.EventBufferCapacity, steps...)
}

func rotFinishSteps(client mgs.Client, device identity.DeviceID, targetSlot uint8) []step.Step {
	return []step.Step{
		{
			ID:          "SettingActiveBootSlot",
			Component:   step.ComponentRot,
			Description: "persisting the new active RoT slot",
			Body: func(ctx context.Context, env *step.Env) (step.Result, error) {
				if err := client.ActiveSlotSet(ctx, device, mgs.ComponentRot, targetSlot, true); err != nil {
					return step.Result{}, WithCode(trace.Wrap(err, "setting RoT active slot on %v", device), CodeSetRotActiveSlotFailed)
				}
				return step.Success(nil, ""), nil
			},
		},
		{
			ID:          "Resetting",
			Component:   step.ComponentRot,
			Description: "resetting the RoT",
			Body: func(ctx context.Context, env *step.Env) (step.Result, error) {
				if err := client.ComponentReset(ctx, device, mgs.ComponentRot); err != nil {
					return step.Result{}, WithCode(trace.Wrap(err, "resetting RoT on %v", device), CodeRotResetFailed)
				}
				return step.Success(nil, ""), nil
			},
		},
		{
			ID:          "ConfirmingActiveSlot",
			Component:   step.ComponentRot,
			Description: "confirming the RoT booted the new slot",
			Body: func(ctx context.Context, env *step.Env) (step.Result, error) {
				deadline := time.Now().Add(defaults.RotActiveSlotConfirmTimeout)
				ticker := time.NewTicker(defaults.RotActiveSlotPollInterval)
				defer ticker.Stop()
				for {
					slot, err := client.ActiveSlotGet(ctx, device, mgs.ComponentRot)
					if err != nil {
						return step.Result{}, WithCode(trace.Wrap(err, "reading RoT active slot on %v", device), CodeGetRotActiveSlotFailed)
					}
					if slot == targetSlot {
						return step.Success(nil, ""), nil
					}
					if time.Now().After(deadline) {
						return step.Result{}, WithCode(trace.BadParameter("RoT on %v booted slot %d, expected %d", device, slot, targetSlot), CodeRotUnexpectedActiveSlot)
					}
					select {
					case <-ticker.C:
					case <-ctx.Done():
						return step.Result{}, ctx.Err()
					}
				}
			},
		},
	}
}

// fatalStatus classifies a polled MGS update status as terminal-fatal
// (returns a non-nil error) or not. Any status naming a different update id
// than the one we sent is also fatal.
func fatalStatus(status mgs.UpdateStatus, expected mgs.UpdateID) error {
	switch {
	case status.None:
		return WithCode(trace.BadParameter("MGS reports no update in progress"), CodeSpComponentUpdateFailed)
	case status.Aborted != nil:
		if status.Aborted.ID != expected {
			return WithCode(trace.BadParameter("MGS reports unexpected update id %v aborted", status.Aborted.ID), CodeSpComponentUpdateFailed)
		}
		return WithCode(trace.BadParameter("update aborted by MGS"), CodeSpComponentUpdateFailed)
	case status.Failed != nil:
		return WithCode(trace.BadParameter("update failed: %s", status.Failed.Code), CodeSpComponentUpdateFailed)
	case status.RotError != nil:
		return WithCode(trace.BadParameter("RoT error: %s", status.RotError.Message), CodeSpComponentUpdateFailed)
	case status.Preparing != nil && status.Preparing.ID != expected:
		return WithCode(trace.BadParameter("MGS reports unexpected update id %v preparing", status.Preparing.ID), CodeSpComponentUpdateFailed)
	case status.InProgress != nil && status.InProgress.ID != expected:
		return WithCode(trace.BadParameter("MGS reports unexpected update id %v in progress", status.InProgress.ID), CodeSpComponentUpdateFailed)
	case status.Complete != nil && status.Complete.ID != expected:
		return WithCode(trace.BadParameter("MGS reports unexpected update id %v complete", status.Complete.ID), CodeSpComponentUpdateFailed)
	default:
		return nil
	}
}

func stepComponent(c mgs.Component) step.Component {
	switch c {
	case mgs.ComponentRot:
		return step.ComponentRot
	case mgs.ComponentSp:
		return step.ComponentSp
	default:
		return step.ComponentHost
	}
}
