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
	"sync"
	"time"

	"github.com/gravitational/trace"

	"github.com/racksled/coreupdate/lib/defaults"
)

// StorageLimit is the percentage of a storage root's usable space that
// zone bundles may occupy before cleanup starts pruning, bounded
// (defaults.MinStorageLimitPercent, defaults.MaxStorageLimitPercent].
type StorageLimit uint8

// NewStorageLimit validates percentage against the documented bounds.
func NewStorageLimit(percentage uint8) (StorageLimit, error) {
	if percentage <= defaults.MinStorageLimitPercent || percentage > defaults.MaxStorageLimitPercent {
		return 0, WithCode(
			trace.BadParameter(
				"storage limit must be in (%d, %d], got %d",
				defaults.MinStorageLimitPercent, defaults.MaxStorageLimitPercent, percentage,
			),
			CodeInvalidStorageLimit,
		)
	}
	return StorageLimit(percentage), nil
}

// BytesAvailable returns the byte budget zone bundles may occupy out of a
// root whose dataset quota is quotaBytes.
func (l StorageLimit) BytesAvailable(quotaBytes uint64) uint64 {
	return (quotaBytes * uint64(l)) / 100
}

// stricter reports whether l leaves less room than other, i.e. a new
// context with this limit is more restrictive.
func (l StorageLimit) stricter(other StorageLimit) bool {
	return l < other
}

// CleanupPeriod is the interval between automatic cleanup passes, bounded
// [defaults.MinCleanupPeriod, defaults.MaxCleanupPeriod].
type CleanupPeriod time.Duration

// NewCleanupPeriod validates d against the documented bounds.
func NewCleanupPeriod(d time.Duration) (CleanupPeriod, error) {
	if d < defaults.MinCleanupPeriod || d > defaults.MaxCleanupPeriod {
		return 0, WithCode(
			trace.BadParameter(
				"cleanup period must be in [%s, %s], got %s",
				defaults.MinCleanupPeriod, defaults.MaxCleanupPeriod, d,
			),
			CodeInvalidCleanupPeriod,
		)
	}
	return CleanupPeriod(d), nil
}

func (p CleanupPeriod) Duration() time.Duration { return time.Duration(p) }

func (p CleanupPeriod) stricter(other CleanupPeriod) bool {
	return p < other
}

// CleanupContext bundles the tunables that govern automatic cleanup: how
// often it runs, how much space bundles may occupy, and which dimension
// breaks ties when choosing what to prune first. It is safe for concurrent
// use; Set raises the change notification channel only when the new
// settings are strictly more restrictive than the current ones, so a
// waiting cleanup task wakes early to enforce a tightened budget but not a
// loosened one.
type CleanupContext struct {
	mu       sync.Mutex
	period   CleanupPeriod
	limit    StorageLimit
	priority PriorityOrder
	notify   chan struct{}
}

// NewCleanupContext returns a context with the given period and limit and
// the default priority order.
func NewCleanupContext(period CleanupPeriod, limit StorageLimit) *CleanupContext {
	return &CleanupContext{
		period:   period,
		limit:    limit,
		priority: DefaultPriorityOrder,
		notify:   make(chan struct{}, 1),
	}
}

// Snapshot is an immutable copy of the context's current settings.
type Snapshot struct {
	Period   CleanupPeriod
	Limit    StorageLimit
	Priority PriorityOrder
}

// Get returns the current settings.
func (c *CleanupContext) Get() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{Period: c.period, Limit: c.limit, Priority: c.priority}
}

// Set replaces the context's settings, raising the notification channel iff
// the new period or limit is strictly more restrictive than the current
// one.
func (c *CleanupContext) Set(period CleanupPeriod, limit StorageLimit, priority PriorityOrder) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tighter := period.stricter(c.period) || limit.stricter(c.limit)
	c.period, c.limit, c.priority = period, limit, priority
	if tighter {
		select {
		case c.notify <- struct{}{}:
		default:
		}
	}
}

// Notify returns the channel a cleanup task should select on alongside its
// sleep timer: a tightened setting sends on it so the task can re-evaluate
// without waiting out the rest of its current period.
func (c *CleanupContext) Notify() <-chan struct{} {
	return c.notify
}
