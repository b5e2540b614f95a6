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

// zoneWideCommands are run once per zone, with their combined stdout/stderr
// captured verbatim into the bundle, named after the command's first
// argument.
var zoneWideCommands = [][]string{
	{"ptree"},
	{"uptime"},
	{"last"},
	{"who"},
	{"svcs", "-p"},
	{"netstat", "-an"},
}

// zoneProcessCommands are run once per service process discovered in the
// zone, each with the process's pid appended, and captured into a file
// named "<command>.<pid>".
var zoneProcessCommands = []string{"pfiles", "pstack", "pargs"}

// ServiceProcess is one Oxide-managed process a zone is running, along with
// the log files it owns.
type ServiceProcess struct {
	ServiceName     string
	PID             int
	LogFile         string
	RotatedLogFiles []string
}

// Zone is the subset of a running zone's effector surface the bundler
// needs: running commands in the zone's context, and enumerating its
// managed service processes. illumosZone is the production implementation;
// fakeZone backs tests.
type Zone interface {
	// Name is the zone's name, used as the bundle directory and in log
	// messages.
	Name() string
	// RunCommand runs args inside the zone and returns its combined
	// output, or an error if the command could not be run at all. A
	// command that runs but exits non-zero is not itself an error here:
	// its output (including any error text) is what gets captured.
	RunCommand(args []string) (string, error)
	// ServiceProcesses enumerates the zone's Oxide-managed processes.
	ServiceProcesses() ([]ServiceProcess, error)
	// ExtraLogDirs lists directories to search for log files archived out
	// of the zone's own filesystem.
	ExtraLogDirs() []string
}
