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

// Package archive is the tar/gzip primitive the zone-bundle bundler builds
// on: a small item-oriented tar writer plus a path-sanitizing extractor.
package archive

import (
	"archive/tar"
	"bytes"
	"errors"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"

	"github.com/racksled/coreupdate/lib/defaults"
)

// CompressDirectory compresses dir into writer as a tarball, writing items
// first (e.g. a synthesized metadata.toml) before walking dir's contents.
func CompressDirectory(dir string, writer io.Writer, items ...*Item) error {
	archive := NewTarAppender(writer)
	defer archive.Close()

	if err := archive.Add(items...); err != nil {
		return trace.Wrap(err, "failed to write tarball: %v", err.Error())
	}
	if err := filepath.Walk(dir, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return trace.Wrap(err)
		}
		localPath, err := filepath.Rel(dir, path)
		if err != nil {
			return trace.Wrap(err)
		}
		if localPath == "." {
			return nil
		}
		item, err := ItemFromFile(localPath, path, fi)
		if err != nil {
			return trace.Wrap(err)
		}
		return trace.Wrap(archive.Add(item))
	}); err != nil {
		return trace.Wrap(err, "failed to compress directory %q", dir)
	}
	return nil
}

// Extract extracts the contents of the given tarball under dir.
func Extract(r io.Reader, dir string) error {
	tarball := tar.NewReader(r)
	for {
		header, err := tarball.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			return trace.Wrap(err)
		}

		if err := SanitizeTarPath(header, dir); err != nil {
			return trace.Wrap(err)
		}
		if err := extractFile(tarball, header, dir, header.Name); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// ExtractWithPrefix extracts only the entries under tarDirPrefix, writing
// them to dir with that prefix stripped.
func ExtractWithPrefix(r io.Reader, dir, tarDirPrefix string) error {
	err := TarGlobWithPrefix(tar.NewReader(r), tarDirPrefix, func(match *tar.Header, r *tar.Reader) error {
		if err := SanitizeTarPath(match, dir); err != nil {
			return trace.Wrap(err)
		}
		relpath, err := filepath.Rel(tarDirPrefix, match.Name)
		if err != nil {
			return trace.Wrap(err)
		}
		return trace.Wrap(extractFile(r, match, dir, relpath))
	})
	return trace.Wrap(err)
}

// HasFile reports whether the tarball at tarballPath contains filename,
// used to confirm a bundle carries metadata.toml before trusting it.
func HasFile(tarballPath, filename string) error {
	file, err := os.Open(tarballPath)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	defer file.Close()
	var hasFile bool
	err = TarGlob(tar.NewReader(file), ".", []string{filename},
		func(match string, file io.Reader) error {
			hasFile = true
			return ErrAbort
		})
	if err != nil {
		if trace.Unwrap(err) == tar.ErrHeader {
			return trace.BadParameter("file %v does not appear to be a valid tarball", tarballPath)
		}
		return trace.Wrap(err)
	}
	if !hasFile {
		return trace.NotFound("tarball %v does not contain file %v", tarballPath, filename)
	}
	return nil
}

// TarGlob iterates the tarball's entries and invokes handler for each one
// matching a pattern. Returning ErrAbort from handler stops iteration early
// without propagating an error.
func TarGlob(source *tar.Reader, dir string, patterns []string, handler func(match string, file io.Reader) error) (err error) {
	for {
		var hdr *tar.Header
		hdr, err = source.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return trace.Wrap(err)
		}
		if hdr.FileInfo().IsDir() {
			continue
		}
		for _, pattern := range patterns {
			relpath, err := filepath.Rel(dir, hdr.Name)
			if err != nil {
				continue
			}
			matched, _ := filepath.Match(pattern, filepath.Base(relpath))
			if !matched {
				continue
			}
			if err = handler(relpath, source); err != nil {
				if trace.Unwrap(err) == ErrAbort {
					return nil
				}
				return trace.Wrap(err)
			}
		}
	}
	return nil
}

// TarGlobWithPrefix iterates entries under prefix and invokes handler for
// each one.
func TarGlobWithPrefix(source *tar.Reader, prefix string, handler TarGlobHandler) (err error) {
	for {
		var hdr *tar.Header
		hdr, err = source.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return trace.Wrap(err)
		}
		if hdr.FileInfo().IsDir() {
			continue
		}
		path := filepath.Clean(hdr.Name)
		if strings.HasPrefix(path, prefix) {
			if err = handler(hdr, source); err != nil {
				if trace.Unwrap(err) == ErrAbort {
					return nil
				}
				return trace.Wrap(err)
			}
		}
	}
	return nil
}

// TarGlobHandler handles one matched tarball entry.
type TarGlobHandler func(match *tar.Header, r *tar.Reader) error

// TarAppender wraps a tar writer and appends Items to it.
type TarAppender struct {
	tw *tar.Writer
}

// NewTarAppender creates a TarAppender writing to w.
func NewTarAppender(w io.Writer) *TarAppender {
	return &TarAppender{tar.NewWriter(w)}
}

// Add writes each item's header and, if present, its data to the archive.
func (r *TarAppender) Add(items ...*Item) (err error) {
	defer func() {
		for _, item := range items {
			if item.Data != nil {
				item.Data.Close()
			}
		}
	}()
	for _, item := range items {
		if item.ModTime.IsZero() {
			item.ModTime = time.Now()
		}
		if err = r.tw.WriteHeader(&item.Header); err != nil {
			return trace.Wrap(err)
		}
		if item.Data == nil {
			continue
		}
		if _, err = io.Copy(r.tw, item.Data); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// Close closes the underlying tar writer.
func (r *TarAppender) Close() error {
	return r.tw.Close()
}

// ItemFromString creates an Item holding value at path, with the mode
// recorded for synthesized bundle files like metadata.toml.
func ItemFromString(path, value string) *Item {
	return ItemFromStringMode(path, value, defaults.ArchiveFileMode)
}

// DirItem creates a virtual directory entry.
func DirItem(path string) *Item {
	return &Item{
		Header: tar.Header{
			Name:     path + "/",
			Typeflag: tar.TypeDir,
			Mode:     defaults.SharedDirMask,
			Uid:      defaults.ArchiveUID,
			Gid:      defaults.ArchiveGID,
		},
	}
}

// ItemFromStringMode creates an Item from value with the given mode.
func ItemFromStringMode(path, value string, mode int64) *Item {
	return ItemFromStream(path, ioutil.NopCloser(strings.NewReader(value)), int64(len(value)), mode)
}

// ItemFromStream creates an Item from an arbitrary io.ReadCloser.
func ItemFromStream(path string, rc io.ReadCloser, size, mode int64) *Item {
	return &Item{
		Header: tar.Header{
			Name: path,
			Size: size,
			Mode: mode,
			Uid:  defaults.ArchiveUID,
			Gid:  defaults.ArchiveGID,
		},
		Data: rc,
	}
}

// ItemFromFile creates an Item from a file already on disk.
func ItemFromFile(localPath, path string, fi os.FileInfo) (*Item, error) {
	fiHeader, err := tar.FileInfoHeader(fi, "")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	item := &Item{Header: *fiHeader}
	item.Name = localPath
	if !fi.IsDir() {
		item.Data, err = os.Open(path)
		if err != nil {
			return nil, trace.Wrap(err)
		}
	}
	return item, nil
}

// Item is one unit of tar content: a header plus optional data.
type Item struct {
	tar.Header
	Data io.ReadCloser
}

// CreateMemArchive builds an in-memory tarball from items.
func CreateMemArchive(items []*Item) (*bytes.Buffer, error) {
	buf := &bytes.Buffer{}
	archive := NewTarAppender(buf)

	if err := archive.Add(items...); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := archive.Close(); err != nil {
		return nil, trace.Wrap(err)
	}
	return buf, nil
}

// ErrAbort is returned by a TarGlob/TarGlobWithPrefix handler to stop
// iteration early without it being treated as a failure.
var ErrAbort = errors.New("abort iteration")

func extractFile(tarball *tar.Reader, header *tar.Header, dir, path string) error {
	targetPath := filepath.Join(dir, path)
	switch header.Typeflag {
	case tar.TypeDir:
		return withDir(targetPath, nil)
	case tar.TypeBlock, tar.TypeChar, tar.TypeReg, tar.TypeRegA, tar.TypeFifo:
		return writeFile(targetPath, tarball, header.FileInfo().Mode())
	case tar.TypeLink:
		//nolint:gosec // linkname was sanitized with SanitizeTarPath
		return writeHardLink(targetPath, filepath.Join(dir, header.Linkname))
	case tar.TypeSymlink:
		return writeSymbolicLink(targetPath, header.Linkname)
	default:
		log.Warnf("unsupported type flag %v for %v", header.Typeflag, header.Name)
	}
	return nil
}

// SanitizeTarPath checks that a tar entry's name (and link target, if any)
// resolve to a path under dir, rejecting archives that try to escape it.
func SanitizeTarPath(header *tar.Header, dir string) error {
	//nolint:gosec
	destPath := filepath.Join(dir, header.Name)
	if !strings.HasPrefix(destPath, filepath.Clean(dir)+string(os.PathSeparator)) {
		return trace.BadParameter("%s: illegal file path", header.Name).AddField("prefix", dir)
	}
	if header.Linkname != "" {
		if filepath.IsAbs(header.Linkname) {
			if !strings.HasPrefix(filepath.Clean(header.Linkname), filepath.Clean(dir)+string(os.PathSeparator)) {
				return trace.BadParameter("%s: illegal link path", header.Linkname).AddField("prefix", dir)
			}
		} else {
			//nolint:gosec
			linkPath := filepath.Join(dir, filepath.Dir(header.Name), header.Linkname)
			if !strings.HasPrefix(linkPath, filepath.Clean(dir)+string(os.PathSeparator)) {
				return trace.BadParameter("%s: illegal link path", header.Linkname).AddField("prefix", dir)
			}
		}
	}
	return nil
}

func writeFile(path string, r io.Reader, mode os.FileMode) error {
	err := withDir(path, func() error {
		out, err := os.Create(path)
		if err != nil {
			return trace.ConvertSystemError(err)
		}
		defer out.Close()

		if err := out.Chmod(mode); err != nil {
			return trace.ConvertSystemError(err)
		}
		_, err = io.Copy(out, r)
		return trace.Wrap(err)
	})
	return trace.Wrap(err)
}

func writeSymbolicLink(path string, target string) error {
	err := withDir(path, func() error {
		return trace.ConvertSystemError(os.Symlink(target, path))
	})
	return trace.Wrap(err)
}

func writeHardLink(path string, target string) error {
	err := withDir(path, func() error {
		return trace.ConvertSystemError(os.Link(target, path))
	})
	return trace.Wrap(err)
}

func withDir(path string, fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(path), defaults.SharedDirMask); err != nil {
		return trace.ConvertSystemError(err)
	}
	if fn == nil {
		return nil
	}
	return trace.Wrap(fn())
}
