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

// Package defaults collects the tunables shared across the update and
// zone-bundle cores.
package defaults

import "time"

const (
	// SharedDirMask is the permission mask used for directories this
	// process creates on behalf of either core.
	SharedDirMask = 0755

	// ArchiveFileMode is the permission recorded for every file written
	// into a zone bundle tarball.
	ArchiveFileMode = 0o444

	// ArchiveUID is the uid recorded for tarball items that have no
	// on-disk owner (e.g. synthesized metadata.toml).
	ArchiveUID = 0

	// ArchiveGID is the gid recorded for tarball items that have no
	// on-disk owner.
	ArchiveGID = 0
)

const (
	// SPComponentUpdatePollInterval is how often MGS update-status is
	// polled during the Preparing/Writing phases of the SP-component
	// update sub-engine.
	SPComponentUpdatePollInterval = 300 * time.Millisecond

	// RotActiveSlotPollInterval is how often the active RoT slot is
	// polled after a reset while confirming boot.
	RotActiveSlotPollInterval = 1 * time.Second

	// RotActiveSlotConfirmTimeout bounds the post-reset active-slot
	// confirmation poll.
	RotActiveSlotConfirmTimeout = 30 * time.Second

	// Phase2LivenessPollInterval is how often MGS's remembered phase-2
	// progress is polled while waiting for the first installinator
	// heartbeat.
	Phase2LivenessPollInterval = 3 * time.Second

	// EventBufferCapacity is the number of recent step events retained
	// per device in the Tracker's replay buffer.
	EventBufferCapacity = 16
)

const (
	// MinCleanupPeriod is the lower bound of the cleanup context period.
	MinCleanupPeriod = 60 * time.Second
	// MaxCleanupPeriod is the upper bound of the cleanup context period.
	MaxCleanupPeriod = 24 * time.Hour

	// MinStorageLimitPercent is the documented lower bound of
	// StorageLimit. Construction requires a value strictly greater than
	// this, since zero percent would mean "retain nothing".
	MinStorageLimitPercent = 0
	// MaxStorageLimitPercent is the inclusive upper bound of StorageLimit.
	MaxStorageLimitPercent = 50
)
