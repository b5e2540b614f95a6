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
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/pelletier/go-toml/v2"
	"github.com/sirupsen/logrus"

	"github.com/racksled/coreupdate/lib/archive"
	"github.com/racksled/coreupdate/lib/constants"
	"github.com/racksled/coreupdate/lib/metrics"
)

// Bundler creates and prunes zone bundles across one or more storage roots.
// A bundle is written in full to the first root, then staged-and-renamed
// into every other root: a reader never observes a partially written file
// at any root, at the cost of the write failing entirely if a later root
// can't be written to.
type Bundler struct {
	logger logrus.FieldLogger

	mu          sync.Mutex
	storageDirs []string
	cleanup     *CleanupContext
	task        *cleanupTask
}

// NewBundler returns a Bundler writing to storageDirs, governed by cleanup.
func NewBundler(logger logrus.FieldLogger, storageDirs []string, cleanup *CleanupContext) *Bundler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Bundler{
		logger:      logger.WithField(trace.Component, constants.ComponentBundler),
		storageDirs: append([]string(nil), storageDirs...),
		cleanup:     cleanup,
	}
}

// SetStorageDirs replaces the set of roots future bundles are written to.
func (b *Bundler) SetStorageDirs(dirs []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.storageDirs = append([]string(nil), dirs...)
}

func (b *Bundler) storageDirsSnapshot() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.storageDirs...)
}

// Create captures a new bundle of zone for the given cause, writing it to
// every configured storage root.
func (b *Bundler) Create(ctx context.Context, zone Zone, cause Cause) (Metadata, error) {
	dirs := b.storageDirsSnapshot()
	if len(dirs) == 0 {
		return Metadata{}, WithCode(trace.BadParameter("no zone bundle storage configured"), CodeNoStorage)
	}

	logger := b.logger.WithField("zone", zone.Name())

	var zoneDirs []string
	for _, dir := range dirs {
		zoneDir := filepath.Join(dir, zone.Name())
		if err := os.MkdirAll(zoneDir, 0o755); err != nil {
			return Metadata{}, WithCode(trace.Wrap(err, "creating bundle directory %s", zoneDir), CodeCreateDirectory)
		}
		zoneDirs = append(zoneDirs, zoneDir)
	}

	metadata := NewMetadata(zone.Name(), cause, time.Now())
	filename := fmt.Sprintf("%s%s", metadata.ID.BundleID, constants.BundleFileExtension)

	stagingPath := filepath.Join(zoneDirs[0], filename+".staging")
	if err := b.writeBundle(logger, stagingPath, zone, metadata); err != nil {
		os.Remove(stagingPath)
		return Metadata{}, err
	}

	for _, zoneDir := range zoneDirs {
		finalPath := filepath.Join(zoneDir, filename)
		if zoneDir == zoneDirs[0] {
			if err := os.Rename(stagingPath, finalPath); err != nil {
				return Metadata{}, WithCode(trace.Wrap(err, "publishing bundle at %s", finalPath), CodeCopyArchive)
			}
			continue
		}
		if err := copyToRoot(finalPath, filepath.Join(zoneDirs[0], filename)); err != nil {
			return Metadata{}, WithCode(trace.Wrap(err, "replicating bundle to %s", finalPath), CodeCopyArchive)
		}
	}

	logger.WithField("bundle_id", metadata.ID.BundleID).Info("Zone bundle created.")
	return metadata, nil
}

// copyToRoot stages a copy of src at dst via a temp file, then renames it
// into place so dst is either absent or fully written, never partial.
func copyToRoot(dst, src string) error {
	in, err := os.Open(src)
	if err != nil {
		return trace.Wrap(err)
	}
	defer in.Close()

	staging := dst + ".staging"
	out, err := os.OpenFile(staging, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o444)
	if err != nil {
		return trace.Wrap(err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(staging)
		return trace.Wrap(err)
	}
	if err := out.Close(); err != nil {
		os.Remove(staging)
		return trace.Wrap(err)
	}
	return trace.Wrap(os.Rename(staging, dst))
}

func (b *Bundler) writeBundle(logger logrus.FieldLogger, path string, zone Zone, metadata Metadata) error {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o444)
	if err != nil {
		return WithCode(trace.Wrap(err, "opening bundle file %s", path), CodeOpenBundleFile)
	}
	defer file.Close()

	gz, err := gzip.NewWriterLevel(file, gzip.BestCompression)
	if err != nil {
		return WithCode(trace.Wrap(err), CodeOpenBundleFile)
	}
	tw := archive.NewTarAppender(gz)

	contents, err := toml.Marshal(metadata)
	if err != nil {
		return WithCode(trace.Wrap(err, "marshaling bundle metadata"), CodeSerialization)
	}
	if err := tw.Add(archive.ItemFromString(constants.MetadataFileName, string(contents))); err != nil {
		return WithCode(trace.Wrap(err, "writing bundle metadata"), CodeAddBundleData)
	}

	for _, cmd := range zoneWideCommands {
		output, err := zone.RunCommand(cmd)
		if err != nil {
			output = err.Error()
		}
		contents := fmt.Sprintf("Command: %v\n%s", cmd, output)
		if err := tw.Add(archive.ItemFromString(cmd[0], contents)); err != nil {
			logger.WithField("command", cmd).WithError(err).Warn("Failed to save zone bundle command output.")
		}
	}

	procs, err := zone.ServiceProcesses()
	if err != nil {
		return WithCode(trace.Wrap(err, "enumerating zone service processes"), CodeCommand)
	}
	for _, proc := range procs {
		for _, cmd := range zoneProcessCommands {
			args := []string{cmd, fmt.Sprint(proc.PID)}
			output, err := zone.RunCommand(args)
			if err != nil {
				output = err.Error()
			}
			contents := fmt.Sprintf("Command: %v\n%s", args, output)
			name := fmt.Sprintf("%s.%d", cmd, proc.PID)
			if err := tw.Add(archive.ItemFromString(name, contents)); err != nil {
				logger.WithField("command", args).WithError(err).Warn("Failed to save zone bundle command output.")
			}
		}

		if err := appendLogFile(tw, proc.LogFile); err != nil {
			return WithCode(trace.Wrap(err, "appending log file %s", proc.LogFile), CodeAddBundleData)
		}

		archived := findArchivedLogFiles(logger, zone.Name(), proc.ServiceName, zone.ExtraLogDirs())
		for _, f := range append(append([]string(nil), proc.RotatedLogFiles...), archived...) {
			if err := appendLogFile(tw, f); err != nil {
				logger.WithField("log_file", f).WithError(err).Warn("Failed to append rotated log file.")
			}
		}
	}

	if err := tw.Close(); err != nil {
		return WithCode(trace.Wrap(err), CodeAddBundleData)
	}
	return WithCode(trace.Wrap(gz.Close()), CodeAddBundleData)
}

func appendLogFile(tw *archive.TarAppender, path string) error {
	if path == "" {
		return nil
	}
	fi, err := os.Stat(path)
	if err != nil {
		return trace.Wrap(err)
	}
	item, err := archive.ItemFromFile(filepath.Base(path), path, fi)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(tw.Add(item))
}

// List returns the metadata of every bundle whose zone name contains filter
// as a substring, across every configured storage root, most recently
// created first. An empty filter matches every zone. A bundle replicated
// to more than one storage root is reported once, deduplicated by id.
func (b *Bundler) List(filter string) ([]Metadata, error) {
	seen := make(map[ID]struct{})
	var all []Metadata
	for _, dir := range b.storageDirsSnapshot() {
		zoneDirs, err := zoneSubdirs(dir, filter)
		if err != nil {
			return nil, err
		}
		for _, zoneDir := range zoneDirs {
			entries, err := os.ReadDir(zoneDir)
			if err != nil {
				if os.IsNotExist(err) {
					continue
				}
				return nil, WithCode(trace.Wrap(err, "reading bundle directory %s", zoneDir), CodeReadDirectory)
			}
			for _, entry := range entries {
				if entry.IsDir() || filepath.Ext(entry.Name()) == ".staging" {
					continue
				}
				path := filepath.Join(zoneDir, entry.Name())
				metadata, err := readMetadata(path)
				if err != nil {
					b.logger.WithField("path", path).WithError(err).Warn("Skipping unreadable bundle.")
					continue
				}
				if _, ok := seen[metadata.ID]; ok {
					continue
				}
				seen[metadata.ID] = struct{}{}
				all = append(all, metadata)
			}
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].TimeCreated.After(all[j].TimeCreated) })
	return all, nil
}

// zoneSubdirs lists every zone subdirectory of root whose name contains
// filter as a substring. An empty filter matches every zone subdirectory.
func zoneSubdirs(root, filter string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, WithCode(trace.Wrap(err, "reading storage root %s", root), CodeReadDirectory)
	}
	var dirs []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if filter != "" && !strings.Contains(entry.Name(), filter) {
			continue
		}
		dirs = append(dirs, filepath.Join(root, entry.Name()))
	}
	return dirs, nil
}

func readMetadata(path string) (Metadata, error) {
	file, err := os.Open(path)
	if err != nil {
		return Metadata{}, WithCode(trace.Wrap(err), CodeReadBundleData)
	}
	defer file.Close()

	gz, err := gzip.NewReader(file)
	if err != nil {
		return Metadata{}, WithCode(trace.Wrap(err), CodeReadBundleData)
	}
	defer gz.Close()

	var metadata Metadata
	var found bool
	err = archive.TarGlob(tar.NewReader(gz), ".", []string{constants.MetadataFileName}, func(match string, r io.Reader) error {
		contents, err := io.ReadAll(r)
		if err != nil {
			return trace.Wrap(err)
		}
		if err := toml.Unmarshal(contents, &metadata); err != nil {
			return WithCode(trace.Wrap(err, "parsing bundle metadata"), CodeDeserialization)
		}
		found = true
		return archive.ErrAbort
	})
	if err != nil {
		return Metadata{}, WithCode(trace.Wrap(err), CodeReadBundleData)
	}
	if !found {
		return Metadata{}, WithCode(trace.NotFound("%s has no %s entry", path, constants.MetadataFileName), CodeMetadata)
	}
	return metadata, nil
}

// Paths returns the on-disk location of id's bundle in every storage root
// that has a copy.
func (b *Bundler) Paths(id ID) ([]string, error) {
	filename := id.BundleID.String() + constants.BundleFileExtension
	var paths []string
	for _, dir := range b.storageDirsSnapshot() {
		path := filepath.Join(dir, id.ZoneName, filename)
		if _, err := os.Stat(path); err == nil {
			paths = append(paths, path)
		} else if !os.IsNotExist(err) {
			return nil, WithCode(trace.Wrap(err, "statting %s", path), CodeReadDirectory)
		}
	}
	if len(paths) == 0 {
		return nil, WithCode(trace.NotFound("no bundle %s/%s found", id.ZoneName, id.BundleID), CodeBundleNotFound)
	}
	return paths, nil
}

// RootUtilization is one storage root's space accounting.
type RootUtilization struct {
	Root string
	Usage
}

// Utilization reports used and quota bytes for every configured storage
// root.
func (b *Bundler) Utilization(ctx context.Context) ([]RootUtilization, error) {
	var out []RootUtilization
	for _, dir := range b.storageDirsSnapshot() {
		usage, err := diskUsage(ctx, dir)
		if err != nil {
			return nil, trace.Wrap(err, "measuring utilization of %s", dir)
		}
		out = append(out, RootUtilization{Root: dir, Usage: usage})
	}
	return out, nil
}

// bundleFile pairs a bundle's metadata with the zone-relative file it's
// stored as, so Cleanup can delete the least-wanted ones first.
type bundleFile struct {
	metadata Metadata
	path     string
	size     int64
}

// Cleanup prunes bundles from every storage root until each root's zone
// bundle usage is back under its configured StorageLimit, removing the
// lowest-priority bundles first according to the cleanup context's
// PriorityOrder. A failure pruning one root does not stop cleanup of the
// others.
func (b *Bundler) Cleanup(ctx context.Context) error {
	settings := b.cleanup.Get()
	var errs []error
	for _, dir := range b.storageDirsSnapshot() {
		if err := b.cleanupRoot(ctx, dir, settings); err != nil {
			b.logger.WithField("root", dir).WithError(err).Error("Zone bundle cleanup failed for root.")
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return WithCode(trace.NewAggregate(errs...), CodeCleanup)
	}
	return nil
}

func (b *Bundler) cleanupRoot(ctx context.Context, dir string, settings Snapshot) error {
	usage, err := diskUsage(ctx, dir)
	if err != nil {
		return trace.Wrap(err)
	}
	budget := settings.Limit.BytesAvailable(usage.QuotaBytes)
	if usage.QuotaBytes > 0 {
		metrics.StorageRootUtilization.WithLabelValues(dir).Set(float64(usage.UsedBytes) / float64(usage.QuotaBytes))
	}
	if usage.UsedBytes <= budget {
		return nil
	}

	files, err := collectBundleFiles(dir)
	if err != nil {
		return trace.Wrap(err)
	}
	sort.Slice(files, func(i, j int) bool {
		return settings.Priority.compareBundles(files[i].metadata, files[j].metadata) < 0
	})

	toFree := usage.UsedBytes - budget
	var freed int64
	for _, f := range files {
		if uint64(freed) >= toFree {
			break
		}
		if err := os.Remove(f.path); err != nil {
			if freed > 0 {
				metrics.BundleBytesReclaimedTotal.WithLabelValues(dir).Add(float64(freed))
			}
			return WithCode(trace.Wrap(err, "removing bundle %s", f.path), CodeCleanup)
		}
		b.logger.WithField("path", f.path).WithField("bundle_id", f.metadata.ID.BundleID).Info("Removed zone bundle during cleanup.")
		freed += f.size
	}
	if freed > 0 {
		metrics.BundleBytesReclaimedTotal.WithLabelValues(dir).Add(float64(freed))
	}
	return nil
}

func collectBundleFiles(root string) ([]bundleFile, error) {
	var files []bundleFile
	zoneEntries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, WithCode(trace.Wrap(err), CodeReadDirectory)
	}
	for _, zoneEntry := range zoneEntries {
		if !zoneEntry.IsDir() {
			continue
		}
		zoneDir := filepath.Join(root, zoneEntry.Name())
		entries, err := os.ReadDir(zoneDir)
		if err != nil {
			return nil, WithCode(trace.Wrap(err), CodeReadDirectory)
		}
		for _, entry := range entries {
			if entry.IsDir() || filepath.Ext(entry.Name()) == ".staging" {
				continue
			}
			path := filepath.Join(zoneDir, entry.Name())
			metadata, err := readMetadata(path)
			if err != nil {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			files = append(files, bundleFile{metadata: metadata, path: path, size: info.Size()})
		}
	}
	return files, nil
}
