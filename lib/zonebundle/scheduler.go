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
	"sync"
	"time"
)

// cleanupTask is the Bundler's single dedicated background task: it sleeps
// for next_cleanup-now (saturating at zero), waking either on timeout or on
// the cleanup context's edge-triggered notification, and runs a cleanup
// pass each time it wakes.
type cleanupTask struct {
	bundler *Bundler

	mu            sync.Mutex
	lastCleanupAt time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// StartCleanupTask starts the Bundler's dedicated cleanup task. It is meant
// to be called once, at process initialization, alongside NewBundler.
// Calling it twice without an intervening StopCleanupTask panics.
func (b *Bundler) StartCleanupTask(ctx context.Context) {
	b.mu.Lock()
	if b.task != nil {
		b.mu.Unlock()
		panic("zonebundle: cleanup task already started")
	}
	taskCtx, cancel := context.WithCancel(ctx)
	task := &cleanupTask{bundler: b, cancel: cancel, done: make(chan struct{})}
	b.task = task
	b.mu.Unlock()

	go task.run(taskCtx)
}

// StopCleanupTask cancels the Bundler's cleanup task and waits for it to
// exit. It is a no-op if no task is running.
func (b *Bundler) StopCleanupTask() {
	b.mu.Lock()
	task := b.task
	b.task = nil
	b.mu.Unlock()
	if task == nil {
		return
	}
	task.cancel()
	<-task.done
}

// LastCleanupAt returns the wall-clock time the cleanup task last completed
// a pass, or the zero Time if it has never run.
func (b *Bundler) LastCleanupAt() time.Time {
	b.mu.Lock()
	task := b.task
	b.mu.Unlock()
	if task == nil {
		return time.Time{}
	}
	task.mu.Lock()
	defer task.mu.Unlock()
	return task.lastCleanupAt
}

// TriggerCleanup runs a cleanup pass immediately, outside the periodic
// schedule, and records its completion time the same way the periodic task
// does.
func (b *Bundler) TriggerCleanup(ctx context.Context) error {
	err := b.Cleanup(ctx)

	b.mu.Lock()
	task := b.task
	b.mu.Unlock()
	if task != nil {
		task.mu.Lock()
		task.lastCleanupAt = time.Now()
		task.mu.Unlock()
	}
	return err
}

func (t *cleanupTask) run(ctx context.Context) {
	defer close(t.done)
	logger := t.bundler.logger

	for {
		settings := t.bundler.cleanup.Get()

		t.mu.Lock()
		last := t.lastCleanupAt
		t.mu.Unlock()

		wait := time.Until(last.Add(settings.Period.Duration()))
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		case <-t.bundler.cleanup.Notify():
			timer.Stop()
		}

		if err := t.bundler.Cleanup(ctx); err != nil {
			logger.WithError(err).Error("Periodic zone bundle cleanup failed.")
		}
		t.mu.Lock()
		t.lastCleanupAt = time.Now()
		t.mu.Unlock()
	}
}
