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

package fake

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/racksled/coreupdate/lib/mgs"
	"github.com/racksled/coreupdate/lib/update/identity"
)

func TestComponentUpdateProgressesThroughPhases(t *testing.T) {
	c := New()
	c.SetPollCounts(1, 1)
	device, err := identity.New(identity.KindSled, 3)
	require.NoError(t, err)

	ctx := context.Background()
	err = c.ComponentUpdate(ctx, device, mgs.ComponentSp, 0, "update-1", bytes.NewReader([]byte("firmware-bytes")))
	require.NoError(t, err)

	status, err := c.ComponentUpdateStatus(ctx, device, mgs.ComponentSp)
	require.NoError(t, err)
	require.NotNil(t, status.Preparing)

	status, err = c.ComponentUpdateStatus(ctx, device, mgs.ComponentSp)
	require.NoError(t, err)
	require.NotNil(t, status.InProgress)

	status, err = c.ComponentUpdateStatus(ctx, device, mgs.ComponentSp)
	require.NoError(t, err)
	require.NotNil(t, status.Complete)
	assert.Equal(t, mgs.UpdateID("update-1"), status.Complete.ID)
}

func TestSimulateResultForcesFailure(t *testing.T) {
	c := New()
	c.SetPollCounts(0, 0)
	device, err := identity.New(identity.KindSled, 1)
	require.NoError(t, err)

	c.SimulateResult(device, mgs.ComponentRot, "failed", "bad-crc", "")

	ctx := context.Background()
	require.NoError(t, c.ComponentUpdate(ctx, device, mgs.ComponentRot, 1, "update-2", bytes.NewReader(nil)))

	status, err := c.ComponentUpdateStatus(ctx, device, mgs.ComponentRot)
	require.NoError(t, err)
	require.NotNil(t, status.Failed)
	assert.Equal(t, "bad-crc", status.Failed.Code)
}

func TestActiveSlotRoundTrips(t *testing.T) {
	c := New()
	device, err := identity.New(identity.KindSwitch, 0)
	require.NoError(t, err)
	ctx := context.Background()

	slot, err := c.ActiveSlotGet(ctx, device, mgs.ComponentSp)
	require.NoError(t, err)
	assert.Equal(t, uint8(0), slot)

	require.NoError(t, c.ActiveSlotSet(ctx, device, mgs.ComponentSp, 1, true))
	slot, err = c.ActiveSlotGet(ctx, device, mgs.ComponentSp)
	require.NoError(t, err)
	assert.Equal(t, uint8(1), slot)
}

func TestCabooseGetNotFoundBeforeSeeded(t *testing.T) {
	c := New()
	device, err := identity.New(identity.KindPower, 0)
	require.NoError(t, err)

	_, err = c.CabooseGet(context.Background(), device, mgs.ComponentSp, 0)
	require.Error(t, err)
}

func TestInstallinatorImageIDPublishesPhase2Progress(t *testing.T) {
	c := New()
	device, err := identity.New(identity.KindSled, 0)
	require.NoError(t, err)
	ctx := context.Background()

	err = c.InstallinatorImageIDSet(ctx, device, mgs.InstallinatorImageID{
		ControlPlaneHash: "abc",
		HostPhase2Hash:   "def",
		UpdateID:         "update-3",
	})
	require.NoError(t, err)

	progress, err := c.HostPhase2ProgressGet(ctx, device)
	require.NoError(t, err)
	assert.True(t, progress.Available)

	require.NoError(t, c.InstallinatorImageIDDelete(ctx, device))
	progress, err = c.HostPhase2ProgressGet(ctx, device)
	require.NoError(t, err)
	assert.False(t, progress.Available)
}
