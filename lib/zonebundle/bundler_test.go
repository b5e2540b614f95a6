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

package zonebundle

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeZone backs bundler tests with a deterministic process list and no
// real illumos zone underneath.
type fakeZone struct {
	name      string
	processes []ServiceProcess
}

func (z *fakeZone) Name() string { return z.name }

func (z *fakeZone) RunCommand(args []string) (string, error) {
	return fmt.Sprintf("ran %v", args), nil
}

func (z *fakeZone) ServiceProcesses() ([]ServiceProcess, error) {
	return z.processes, nil
}

func (z *fakeZone) ExtraLogDirs() []string { return nil }

func newTestBundler(t *testing.T) (*Bundler, string) {
	t.Helper()
	root := t.TempDir()
	period, err := NewCleanupPeriod(time.Minute)
	require.NoError(t, err)
	limit, err := NewStorageLimit(25)
	require.NoError(t, err)
	cleanup := NewCleanupContext(period, limit)
	return NewBundler(nil, []string{root}, cleanup), root
}

func TestCreateWritesAReadableBundle(t *testing.T) {
	bundler, _ := newTestBundler(t)
	zone := &fakeZone{name: "oxz_test", processes: []ServiceProcess{{ServiceName: "svc", PID: 42}}}

	meta, err := bundler.Create(context.Background(), zone, CauseExplicitRequest)
	require.NoError(t, err)
	assert.Equal(t, "oxz_test", meta.ID.ZoneName)
	assert.Equal(t, CauseExplicitRequest, meta.Cause)

	paths, err := bundler.Paths(meta.ID)
	require.NoError(t, err)
	require.Len(t, paths, 1)
}

func TestCreateWithNoStorageConfigured(t *testing.T) {
	cleanup := NewCleanupContext(mustPeriod(t, time.Minute), mustLimit(t, 25))
	bundler := NewBundler(nil, nil, cleanup)
	_, err := bundler.Create(context.Background(), &fakeZone{name: "z"}, CauseOther)
	require.Error(t, err)
	code, ok := CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, CodeNoStorage, code)
}

func TestListReturnsNewestBundleFirst(t *testing.T) {
	bundler, _ := newTestBundler(t)
	zone := &fakeZone{name: "oxz_list"}
	ctx := context.Background()

	_, err := bundler.Create(ctx, zone, CauseOther)
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	second, err := bundler.Create(ctx, zone, CauseExplicitRequest)
	require.NoError(t, err)

	bundles, err := bundler.List(zone.Name())
	require.NoError(t, err)
	require.Len(t, bundles, 2)
	assert.Equal(t, second.ID.BundleID, bundles[0].ID.BundleID)
}

func TestListOnUnknownZoneIsEmptyNotError(t *testing.T) {
	bundler, _ := newTestBundler(t)
	bundles, err := bundler.List("never-created")
	require.NoError(t, err)
	assert.Empty(t, bundles)
}

func TestListEmptyFilterReturnsEveryZone(t *testing.T) {
	bundler, _ := newTestBundler(t)
	ctx := context.Background()

	_, err := bundler.Create(ctx, &fakeZone{name: "oxz_switch0"}, CauseOther)
	require.NoError(t, err)
	_, err = bundler.Create(ctx, &fakeZone{name: "oxz_sled1"}, CauseOther)
	require.NoError(t, err)

	bundles, err := bundler.List("")
	require.NoError(t, err)
	assert.Len(t, bundles, 2)
}

func TestListFiltersBySubstring(t *testing.T) {
	bundler, _ := newTestBundler(t)
	ctx := context.Background()

	_, err := bundler.Create(ctx, &fakeZone{name: "oxz_switch0"}, CauseOther)
	require.NoError(t, err)
	_, err = bundler.Create(ctx, &fakeZone{name: "oxz_switch1"}, CauseOther)
	require.NoError(t, err)
	_, err = bundler.Create(ctx, &fakeZone{name: "oxz_sled1"}, CauseOther)
	require.NoError(t, err)

	bundles, err := bundler.List("switch")
	require.NoError(t, err)
	require.Len(t, bundles, 2)
	for _, b := range bundles {
		assert.Contains(t, b.ID.ZoneName, "switch")
	}
}

func TestListDeduplicatesBundlesReplicatedAcrossRoots(t *testing.T) {
	rootA, rootB := t.TempDir(), t.TempDir()
	cleanup := NewCleanupContext(mustPeriod(t, time.Minute), mustLimit(t, 25))
	bundler := NewBundler(nil, []string{rootA, rootB}, cleanup)
	zone := &fakeZone{name: "oxz_replicated"}

	_, err := bundler.Create(context.Background(), zone, CauseExplicitRequest)
	require.NoError(t, err)

	bundles, err := bundler.List(zone.Name())
	require.NoError(t, err)
	assert.Len(t, bundles, 1)
}

func TestPathsNotFoundForUnknownBundle(t *testing.T) {
	bundler, _ := newTestBundler(t)
	_, err := bundler.Paths(NewID("nope"))
	require.Error(t, err)
	code, ok := CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, CodeBundleNotFound, code)
}

func mustPeriod(t *testing.T, d time.Duration) CleanupPeriod {
	t.Helper()
	p, err := NewCleanupPeriod(d)
	require.NoError(t, err)
	return p
}

func mustLimit(t *testing.T, pct uint8) StorageLimit {
	t.Helper()
	l, err := NewStorageLimit(pct)
	require.NoError(t, err)
	return l
}
