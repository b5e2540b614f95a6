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

package artifactstore

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutThenOpenRoundTrips(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)

	envelope, err := store.Put(bytes.NewBufferString("rot-a-contents"))
	require.NoError(t, err)
	assert.NotEmpty(t, envelope.SHA512)
	assert.EqualValues(t, len("rot-a-contents"), envelope.SizeBytes)

	r, err := store.Open(envelope.SHA512)
	require.NoError(t, err)
	defer r.Close()
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "rot-a-contents", string(got))
}

func TestPutIsContentAddressed(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)

	first, err := store.Put(bytes.NewBufferString("same-bytes"))
	require.NoError(t, err)
	second, err := store.Put(bytes.NewBufferString("same-bytes"))
	require.NoError(t, err)

	assert.Equal(t, first.SHA512, second.SHA512, "identical content must hash to the same artifact")

	hashes, err := store.List()
	require.NoError(t, err)
	assert.Len(t, hashes, 1, "writing the same content twice must not duplicate the stored artifact")
}

func TestOpenerOpensFreshReaderEachCall(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)
	envelope, err := store.Put(bytes.NewBufferString("payload"))
	require.NoError(t, err)

	open := store.Opener(envelope.SHA512)

	first, err := open()
	require.NoError(t, err)
	firstBytes, err := io.ReadAll(first)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := open()
	require.NoError(t, err)
	secondBytes, err := io.ReadAll(second)
	require.NoError(t, err)
	require.NoError(t, second.Close())

	assert.Equal(t, firstBytes, secondBytes)
}

func TestDeleteRemovesArtifact(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)
	envelope, err := store.Put(bytes.NewBufferString("ephemeral"))
	require.NoError(t, err)

	require.NoError(t, store.Delete(envelope.SHA512))
	_, err = store.Open(envelope.SHA512)
	assert.Error(t, err)
}

func TestNewRejectsEmptyRoot(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)
}
