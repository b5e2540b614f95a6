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
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"
)

// oxideSMFLogFile matches the on-disk names of SMF-managed service log
// files Oxide software ships: a prefix naming the service family, a colon
// and instance, ".log", and an optional numeric rotation suffix, e.g.
// "oxide-foo:default.log" or "system-illumos-foo:default.log.100".
var oxideSMFLogFile = regexp.MustCompile(`^(oxide-|system-illumos-).*\.log(\.\d+)?$`)

// isOxideSMFLogFile reports whether name looks like an SMF log file for an
// Oxide-managed service, as opposed to some other file that happens to live
// alongside it in an archived-log directory.
func isOxideSMFLogFile(name string) bool {
	return oxideSMFLogFile.MatchString(name)
}

// findArchivedLogFiles searches dirs for SMF log files belonging to
// svcName, once it's been rotated out of the zone filesystem onto one of a
// sled's storage datasets. A file counts only if it both looks like an
// Oxide SMF log file and mentions the service by name.
func findArchivedLogFiles(logger logrus.FieldLogger, zoneName, svcName string, dirs []string) []string {
	var found []string
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			logger.WithField("zone", zoneName).WithField("dir", dir).WithError(err).
				Debug("Failed to list archived-log directory, skipping.")
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			name := entry.Name()
			if isOxideSMFLogFile(name) && strings.Contains(name, svcName) {
				found = append(found, filepath.Join(dir, name))
			}
		}
	}
	return found
}
