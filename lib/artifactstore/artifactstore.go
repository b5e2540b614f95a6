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

// Package artifactstore is the local, content-addressed BLOB store backing
// a staged update.Plan: every artifact a TUF repository upload unpacks to
// is written once under its SHA-512 hash and opened by hash from then on.
package artifactstore

import (
	"crypto/sha512"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gravitational/trace"

	"github.com/racksled/coreupdate/lib/defaults"
)

// Envelope describes one stored artifact: its content hash, size, and when
// it was written.
type Envelope struct {
	SHA512    string
	SizeBytes int64
	Modified  time.Time
}

// Store is a local, content-addressed artifact cache rooted at one
// directory. It shards artifacts by the first three hex digits of their
// hash, so a rack with a large artifact set never puts too many files in
// one directory.
type Store struct {
	root string
}

// New creates a Store rooted at dir, creating it and its staging area if
// they do not already exist.
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, trace.BadParameter("missing artifact store root")
	}
	s := &Store{root: dir}
	for _, d := range []string{s.tempDir(), s.blobDir()} {
		if err := os.MkdirAll(d, defaults.SharedDirMask); err != nil {
			return nil, trace.ConvertSystemError(err)
		}
	}
	return s, nil
}

func (s *Store) tempDir() string { return filepath.Join(s.root, "tmp") }
func (s *Store) blobDir() string { return filepath.Join(s.root, "artifacts") }

func (s *Store) hashDir(hash string) string {
	return filepath.Join(s.blobDir(), hash[0:3])
}

// Put streams data into the store and returns the envelope for its
// content hash. The write lands in a temporary file first and is only
// renamed into its final, hash-addressed path once fully written, so a
// reader can never observe a partially written artifact.
func (s *Store) Put(data io.Reader) (Envelope, error) {
	f, err := ioutil.TempFile(s.tempDir(), "artifact")
	if err != nil {
		return Envelope{}, trace.Wrap(err)
	}
	defer os.Remove(f.Name())

	hasher := sha512.New()
	size, err := io.Copy(io.MultiWriter(f, hasher), data)
	if err != nil {
		f.Close()
		return Envelope{}, trace.Wrap(err)
	}
	if err := f.Close(); err != nil {
		return Envelope{}, trace.Wrap(err)
	}

	hash := fmt.Sprintf("%x", hasher.Sum(nil)[:sha512.Size/2])
	targetDir := s.hashDir(hash)
	if err := os.MkdirAll(targetDir, defaults.SharedDirMask); err != nil {
		return Envelope{}, trace.ConvertSystemError(err)
	}
	targetPath := filepath.Join(targetDir, hash)
	if err := os.Rename(f.Name(), targetPath); err != nil {
		return Envelope{}, trace.Wrap(err)
	}

	info, err := os.Stat(targetPath)
	if err != nil {
		return Envelope{}, trace.ConvertSystemError(err)
	}
	return Envelope{SHA512: hash, SizeBytes: size, Modified: info.ModTime().UTC()}, nil
}

// Open returns a reader over the artifact stored under hash. The returned
// closure is suitable as an update.Artifact.Data field: each call opens a
// fresh file handle rather than sharing one across readers.
func (s *Store) Open(hash string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(s.hashDir(hash), hash))
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	return f, nil
}

// Opener returns a closure that opens the artifact stored under hash,
// suitable for direct assignment to update.Artifact.Data.
func (s *Store) Opener(hash string) func() (io.ReadCloser, error) {
	return func() (io.ReadCloser, error) { return s.Open(hash) }
}

// Envelope returns metadata for the artifact stored under hash without
// opening it.
func (s *Store) Envelope(hash string) (Envelope, error) {
	info, err := os.Stat(filepath.Join(s.hashDir(hash), hash))
	if err != nil {
		return Envelope{}, trace.ConvertSystemError(err)
	}
	return Envelope{SHA512: hash, SizeBytes: info.Size(), Modified: info.ModTime().UTC()}, nil
}

// Delete removes the artifact stored under hash.
func (s *Store) Delete(hash string) error {
	if err := os.Remove(filepath.Join(s.hashDir(hash), hash)); err != nil {
		return trace.ConvertSystemError(err)
	}
	return nil
}

// List returns the hashes of every artifact currently in the store, sorted
// for deterministic iteration.
func (s *Store) List() ([]string, error) {
	var out []string
	err := filepath.Walk(s.blobDir(), func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return trace.Wrap(err)
		}
		if info.IsDir() {
			return nil
		}
		out = append(out, info.Name())
		return nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	sort.Strings(out)
	return out, nil
}
