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
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/racksled/coreupdate/lib/mgs/fake"
	"github.com/racksled/coreupdate/lib/update/identity"
)

func testArtifact(hash, contents string, opens *int32) Artifact {
	return Artifact{
		ID:   ArtifactID{Kind: identity.KindSled, Version: "1.0.0", Name: "trampoline-phase2"},
		Hash: hash,
		Data: func() (io.ReadCloser, error) {
			if opens != nil {
				atomic.AddInt32(opens, 1)
			}
			return io.NopCloser(bytes.NewBufferString(contents)), nil
		},
	}
}

func waitForImageID(t *testing.T, u *Uploader, timeout time.Duration) string {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		watcher := u.ImageID()
		if watcher != nil {
			if value, ok := watcher.Borrow(); ok {
				return value
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("timed out waiting for uploader to register an image id")
	return ""
}

func TestEnsureForPlanUploadsOnceAndBroadcastsImageID(t *testing.T) {
	client := fake.New()
	u := NewUploader(client, nil)

	plan := &Plan{Sled: KindArtifacts{TrampolinePhase2: testArtifact("hash-1", "phase2-bytes", nil)}}
	ctx := context.Background()

	u.EnsureForPlan(ctx, plan)
	imageID := waitForImageID(t, u, time.Second)
	assert.NotEmpty(t, imageID)
}

func TestEnsureForPlanIsIdempotentForTheSameHash(t *testing.T) {
	client := fake.New()
	u := NewUploader(client, nil)

	var opens int32
	plan := &Plan{Sled: KindArtifacts{TrampolinePhase2: testArtifact("hash-1", "phase2-bytes", &opens)}}
	ctx := context.Background()

	u.EnsureForPlan(ctx, plan)
	waitForImageID(t, u, time.Second)
	firstWatcher := u.ImageID()

	u.EnsureForPlan(ctx, plan)
	u.EnsureForPlan(ctx, plan)

	assert.Same(t, firstWatcher, u.ImageID(), "a repeated EnsureForPlan for the same hash must not replace the running uploader")
	assert.Equal(t, int32(1), atomic.LoadInt32(&opens), "the artifact must be opened exactly once per distinct plan hash")
}

func TestEnsureForPlanReplacesUploaderOnHashChange(t *testing.T) {
	client := fake.New()
	u := NewUploader(client, nil)
	ctx := context.Background()

	planA := &Plan{Sled: KindArtifacts{TrampolinePhase2: testArtifact("hash-a", "a-bytes", nil)}}
	u.EnsureForPlan(ctx, planA)
	waitForImageID(t, u, time.Second)
	firstWatcher := u.ImageID()

	planB := &Plan{Sled: KindArtifacts{TrampolinePhase2: testArtifact("hash-b", "b-bytes", nil)}}
	u.EnsureForPlan(ctx, planB)

	require.Eventually(t, func() bool {
		return u.ImageID() != firstWatcher
	}, time.Second, 5*time.Millisecond, "a changed plan hash must start a fresh uploader with its own watch")

	imageID := waitForImageID(t, u, time.Second)
	assert.NotEmpty(t, imageID)
}
