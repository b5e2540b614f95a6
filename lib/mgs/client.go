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

// Package mgs is the abstract Management Gateway Service facade: the only
// surface through which the update core touches hardware. It defines the
// operations the core invokes; it does not define the on-wire MGS
// protocol.
package mgs

import (
	"context"
	"io"

	"github.com/racksled/coreupdate/lib/update/identity"
)

// Component is the firmware component targeted by an SP operation.
type Component string

const (
	ComponentRot  Component = "rot"
	ComponentSp   Component = "sp"
	ComponentHost Component = "host"
)

// PowerState is one of the SP-controlled host power states.
type PowerState string

const (
	PowerStateA0 PowerState = "A0"
	PowerStateA1 PowerState = "A1"
	PowerStateA2 PowerState = "A2"
	PowerStateA3 PowerState = "A3"
	PowerStateA4 PowerState = "A4"
)

// Caboose is the metadata region read from an active firmware slot.
type Caboose struct {
	Board     string
	Version   string
	GitCommit string
}

// StartupOptions are the SP-managed host boot flags.
type StartupOptions struct {
	BootNet            bool
	BootRamdisk        bool
	Bootrd             bool
	Kbm                bool
	Kmdb               bool
	KmdbBoot           bool
	Phase2RecoveryMode bool
	Prom               bool
	Verbose            bool
}

// UpdateStatus is the polled state of an in-flight SP component update.
// Exactly one of the embedded pointers is non-nil.
type UpdateStatus struct {
	None       bool
	Preparing  *PreparingStatus
	InProgress *InProgressStatus
	Complete   *CompleteStatus
	Aborted    *AbortedStatus
	Failed     *FailedStatus
	RotError   *RotErrorStatus
}

type PreparingStatus struct {
	ID       UpdateID
	Progress *int64 // opaque "preparation steps" count, nil if unknown
}

type InProgressStatus struct {
	ID            UpdateID
	BytesReceived int64
	TotalBytes    int64
}

type CompleteStatus struct{ ID UpdateID }
type AbortedStatus struct{ ID UpdateID }
type FailedStatus struct {
	ID   UpdateID
	Code string
}
type RotErrorStatus struct {
	ID      UpdateID
	Message string
}

// UpdateID identifies one SP component update attempt, generated fresh by
// the caller for each attempt.
type UpdateID string

// Phase2Progress is what MGS remembers about the last phase-2 delivery it
// serviced for a device.
type Phase2Progress struct {
	Available bool
	ImageID   string
	Offset    int64
	TotalSize int64
}

// InstallinatorImageID is handed to MGS so it can serve phase-2 bytes under
// this identity when the SP requests them.
type InstallinatorImageID struct {
	ControlPlaneHash string
	HostPhase2Hash   string
	UpdateID         UpdateID
}

// Client is the abstract MGS effector. A single implementation backs the
// whole update core in production; tests use the fake implementation in
// lib/mgs/fake.
type Client interface {
	// CabooseGet reads the caboose of the given firmware slot.
	CabooseGet(ctx context.Context, device identity.DeviceID, component Component, firmwareSlot uint8) (Caboose, error)
	// ActiveSlotGet reads the currently active firmware slot.
	ActiveSlotGet(ctx context.Context, device identity.DeviceID, component Component) (uint8, error)
	// ActiveSlotSet sets the active firmware slot, persisting the choice
	// across reset when persist is true.
	ActiveSlotSet(ctx context.Context, device identity.DeviceID, component Component, slot uint8, persist bool) error
	// ComponentUpdate streams body to MGS's update-upload endpoint under
	// the given update id.
	ComponentUpdate(ctx context.Context, device identity.DeviceID, component Component, firmwareSlot uint8, id UpdateID, body io.Reader) error
	// ComponentUpdateStatus polls the status of an in-flight update.
	ComponentUpdateStatus(ctx context.Context, device identity.DeviceID, component Component) (UpdateStatus, error)
	// ComponentReset resets the given component.
	ComponentReset(ctx context.Context, device identity.DeviceID, component Component) error
	// PowerStateSet drives the device's host power state.
	PowerStateSet(ctx context.Context, device identity.DeviceID, state PowerState) error
	// RecoveryHostPhase2Upload uploads the recovery trampoline phase-2
	// image and returns the image id MGS assigned it.
	RecoveryHostPhase2Upload(ctx context.Context, body io.Reader) (string, error)
	// InstallinatorImageIDSet tells MGS which image id to hand the SP on
	// its next phase-2 request.
	InstallinatorImageIDSet(ctx context.Context, device identity.DeviceID, id InstallinatorImageID) error
	// InstallinatorImageIDDelete clears the remembered image id.
	InstallinatorImageIDDelete(ctx context.Context, device identity.DeviceID) error
	// StartupOptionsSet sets the SP-managed host boot flags.
	StartupOptionsSet(ctx context.Context, device identity.DeviceID, options StartupOptions) error
	// HostPhase2ProgressGet reads MGS's remembered phase-2 delivery
	// progress for the device.
	HostPhase2ProgressGet(ctx context.Context, device identity.DeviceID) (Phase2Progress, error)
	// HostPhase2ProgressDelete clears MGS's remembered phase-2 progress,
	// used to suppress residue from a prior attempt.
	HostPhase2ProgressDelete(ctx context.Context, device identity.DeviceID) error
}
