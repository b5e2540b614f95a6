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

// Package constants collects small shared string/format constants.
package constants

const (
	// MetadataFileName is the name of the TOML metadata entry every
	// zone bundle tarball carries.
	MetadataFileName = "metadata.toml"

	// BundleFileExtension is the on-disk suffix for a zone bundle archive.
	BundleFileExtension = ".tar.gz"

	// ShortDateFormat is used for human-facing timestamps in logs and
	// bundle listings.
	ShortDateFormat = "2006-01-02 15:04:05 UTC"
)

// Component names used as the "trace.Component" field on each subsystem's
// FieldLogger.
const (
	ComponentTracker  = "update:tracker"
	ComponentEngine   = "update:engine"
	ComponentUploader = "update:trampoline"
	ComponentRelay    = "update:installinator"
	ComponentBundler  = "zonebundle:bundler"
	ComponentCleanup  = "zonebundle:cleanup"
	ComponentContext  = "zonebundle:context"
)
