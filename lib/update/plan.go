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
	"io"

	"github.com/gravitational/trace"

	"github.com/racksled/coreupdate/lib/update/identity"
)

// ArtifactID names one firmware or host image within a plan.
type ArtifactID struct {
	Kind    identity.Kind
	Version string
	Name    string
}

// Artifact is a content-addressed image the engine streams to MGS. Data
// opens a fresh reader over the artifact body each time it is called; a
// lib/artifactstore.Store.Opener is the typical backing implementation.
type Artifact struct {
	ID   ArtifactID
	Hash string
	Data func() (io.ReadCloser, error)
}

// KindArtifacts is the set of images staged for one device kind.
type KindArtifacts struct {
	RotSlotA         Artifact
	RotSlotB         Artifact
	SpByBoard        map[string]Artifact
	HostPhase1       Artifact
	TrampolinePhase1 Artifact
	TrampolinePhase2 Artifact
}

// Plan is an immutable, staged update plan. Its TrampolinePhase2 hash is the
// identity the Trampoline Uploader deduplicates against.
type Plan struct {
	Sled             KindArtifacts
	Switch           KindArtifacts
	Power            KindArtifacts
	ControlPlaneHash string
	HostPhase2Hash   string
}

// Artifacts returns the per-kind artifact set for kind.
func (p *Plan) Artifacts(kind identity.Kind) (KindArtifacts, error) {
	switch kind {
	case identity.KindSled:
		return p.Sled, nil
	case identity.KindSwitch:
		return p.Switch, nil
	case identity.KindPower:
		return p.Power, nil
	default:
		return KindArtifacts{}, trace.BadParameter("unrecognized device kind %v", kind)
	}
}

// SpArtifact looks up the SP image matching board, or
// MissingSpImageForBoard if none is staged.
func (k KindArtifacts) SpArtifact(board string) (Artifact, error) {
	artifact, ok := k.SpByBoard[board]
	if !ok {
		return Artifact{}, WithCode(trace.NotFound("no SP artifact staged for board %q", board), CodeMissingSpImageForBoard)
	}
	return artifact, nil
}

// RotArtifact returns the artifact for the given RoT slot (0=A, 1=B).
func (k KindArtifacts) RotArtifact(slot uint8) (Artifact, error) {
	switch slot {
	case 0:
		return k.RotSlotA, nil
	case 1:
		return k.RotSlotB, nil
	default:
		return Artifact{}, trace.BadParameter("invalid RoT slot %d", slot)
	}
}
