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

// Package zonebundle captures point-in-time debug snapshots of a zone (its
// process list, per-process diagnostics, and log files) into a tarball, and
// prunes old bundles against a configurable storage budget.
package zonebundle

import (
	"time"

	"github.com/google/uuid"
)

// MetadataVersion is the schema version recorded in every bundle's
// metadata.toml. There is exactly one schema today.
const MetadataVersion = 0

// Cause records why a zone bundle was created. Causes are totally ordered
// by priority, least to most important, and that order is schema-significant:
// it participates in cleanup's priority ordering.
type Cause int

const (
	// CauseOther covers bundles created for a reason this schema does not
	// distinguish.
	CauseOther Cause = iota
	// CauseUnexpectedZone is recorded when a zone is found running that
	// the control plane did not expect.
	CauseUnexpectedZone
	// CauseTerminatedInstance is recorded when a bundle is taken because
	// the instance a zone hosted terminated.
	CauseTerminatedInstance
	// CauseExplicitRequest is recorded when an operator or client asked
	// for the bundle directly. This is the highest priority cause: an
	// explicit request is the least likely to be pruned.
	CauseExplicitRequest
)

func (c Cause) String() string {
	switch c {
	case CauseOther:
		return "other"
	case CauseUnexpectedZone:
		return "unexpected_zone"
	case CauseTerminatedInstance:
		return "terminated_instance"
	case CauseExplicitRequest:
		return "explicit_request"
	default:
		return "unknown"
	}
}

// ID identifies one zone bundle: the zone it was captured from, and a
// random identifier distinguishing it from other bundles of the same zone.
type ID struct {
	ZoneName string    `toml:"zone_name"`
	BundleID uuid.UUID `toml:"bundle_id"`
}

// NewID returns a fresh ID for zoneName with a random bundle identifier.
func NewID(zoneName string) ID {
	return ID{ZoneName: zoneName, BundleID: uuid.New()}
}

// Metadata is the TOML document every zone bundle tarball carries as its
// first entry, named by constants.MetadataFileName.
type Metadata struct {
	ID          ID        `toml:"id"`
	TimeCreated time.Time `toml:"time_created"`
	Version     int       `toml:"version"`
	Cause       Cause     `toml:"cause"`
}

// NewMetadata returns metadata for a bundle of zoneName taken for cause,
// created at the given time.
func NewMetadata(zoneName string, cause Cause, createdAt time.Time) Metadata {
	return Metadata{
		ID:          NewID(zoneName),
		TimeCreated: createdAt,
		Version:     MetadataVersion,
		Cause:       cause,
	}
}
