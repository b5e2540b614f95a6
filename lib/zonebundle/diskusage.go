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
	"bytes"
	"context"
	"os/exec"
	"strconv"
	"strings"

	"github.com/gravitational/trace"
)

// duCommand and duBlockSize are supplied per-OS (diskusage_*.go): du's
// flags for "give me a byte-accurate, single-line total" differ enough
// across illumos, Linux and macOS that there is no portable invocation.
var (
	duCommand   func(root string) []string
	duBlockSize uint64
)

// Usage is the space accounting for one storage root.
type Usage struct {
	// UsedBytes is the total size of everything under root, per du.
	UsedBytes uint64
	// QuotaBytes is the root's ZFS dataset quota, or its available space
	// if the dataset has no quota set.
	QuotaBytes uint64
}

// diskUsage reports used and quota/available bytes for root, shelling out
// to du and zfs.
func diskUsage(ctx context.Context, root string) (Usage, error) {
	used, err := duUsage(ctx, root)
	if err != nil {
		return Usage{}, trace.Wrap(err, "measuring disk usage of %s", root)
	}
	quota, err := zfsQuota(ctx, root)
	if err != nil {
		return Usage{}, trace.Wrap(err, "reading zfs quota for %s", root)
	}
	return Usage{UsedBytes: used, QuotaBytes: quota}, nil
}

func duUsage(ctx context.Context, root string) (uint64, error) {
	args := duCommand(root)
	out, err := exec.CommandContext(ctx, args[0], args[1:]...).Output()
	if err != nil {
		return 0, trace.Wrap(err, "running %v", args)
	}
	fields := strings.Fields(string(out))
	if len(fields) == 0 {
		return 0, trace.BadParameter("empty du output for %s", root)
	}
	blocks, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return 0, trace.Wrap(err, "parsing du output %q", fields[0])
	}
	return blocks * duBlockSize, nil
}

// zfsQuota returns root's dataset quota in bytes, falling back to the
// dataset's available space when no quota is set ("-" or "0"), treating an
// unset quota as bounded only by what's actually free.
func zfsQuota(ctx context.Context, root string) (uint64, error) {
	out, err := exec.CommandContext(ctx, "zfs", "list", "-Hpo", "quota,avail", root).Output()
	if err != nil {
		return 0, trace.Wrap(err, "running zfs list for %s", root)
	}
	fields := strings.Fields(string(bytes.TrimSpace(out)))
	if len(fields) != 2 {
		return 0, trace.BadParameter("unexpected zfs list output %q", out)
	}
	quota, avail := fields[0], fields[1]
	if quota == "-" || quota == "0" {
		return strconv.ParseUint(avail, 10, 64)
	}
	return strconv.ParseUint(quota, 10, 64)
}
