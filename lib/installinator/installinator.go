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

// Package installinator defines the progress contract the in-host
// installer agent reports over, and the Relay that multiplexes those
// reports by update id for the RunningInstallinator step to consume.
package installinator

import (
	"context"
	"sync"

	"github.com/gravitational/trace"

	"github.com/racksled/coreupdate/lib/step"
	"github.com/racksled/coreupdate/lib/watch"
)

// Slot is one of the two host boot-flash slots the installinator can write.
type Slot string

const (
	SlotA Slot = "A"
	SlotB Slot = "B"
)

// WriteOutput is the completion metadata a successful install reports: the
// set of boot-flash slots actually written.
type WriteOutput struct {
	SlotsWritten []Slot
}

// EventReport is the installinator agent's progress report, shaped like a
// step.EventReport but keyed to the agent's own step vocabulary rather than
// the update core's.
type EventReport struct {
	Steps   []StepEvent
	Running *StepEvent
}

// StepEvent is one installinator-reported step outcome.
type StepEvent struct {
	StepID      string
	Description string
	Outcome     step.Outcome
	Completion  *WriteOutput
	Message     string
}

// UpdateID identifies one host update attempt; the Relay multiplexes
// installinator reports by this key.
type UpdateID string

// subscription is the per-update_id state the Relay tracks: a one-shot
// "first progress arrived" signal plus a broadcast-latest channel of
// subsequent reports.
type subscription struct {
	firstProgress chan struct{}
	firstOnce     sync.Once
	reports       *watch.Watch[EventReport]
}

func newSubscription() *subscription {
	return &subscription{
		firstProgress: make(chan struct{}),
		reports:       watch.New[EventReport](),
	}
}

// Relay receives event reports from the in-host installer agent,
// multiplexed by update id.
type Relay struct {
	mu   sync.Mutex
	subs map[UpdateID]*subscription
}

// NewRelay returns an empty Relay.
func NewRelay() *Relay {
	return &Relay{subs: make(map[UpdateID]*subscription)}
}

// Register creates the per-update_id subscription state before the
// RunningInstallinator step begins waiting on it.
func (r *Relay) Register(id UpdateID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[id]; !ok {
		r.subs[id] = newSubscription()
	}
}

// Unregister discards a subscription once its device update has reached a
// terminal state.
func (r *Relay) Unregister(id UpdateID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, id)
}

// Report publishes a new event report for id, unblocking FirstProgress
// exactly once and waking every subscriber blocked in WaitChanged.
func (r *Relay) Report(id UpdateID, report EventReport) error {
	r.mu.Lock()
	sub, ok := r.subs[id]
	r.mu.Unlock()
	if !ok {
		return trace.NotFound("no installinator subscription registered for update %v", id)
	}
	sub.firstOnce.Do(func() { close(sub.firstProgress) })
	sub.reports.Set(report)
	return nil
}

// WaitFirstProgress blocks until the first report arrives for id, or ctx is
// done. This backs the DownloadingInstallinator step's wait.
func (r *Relay) WaitFirstProgress(ctx context.Context, id UpdateID) error {
	r.mu.Lock()
	sub, ok := r.subs[id]
	r.mu.Unlock()
	if !ok {
		return trace.NotFound("no installinator subscription registered for update %v", id)
	}
	select {
	case <-sub.firstProgress:
		return nil
	case <-ctx.Done():
		return trace.Wrap(ctx.Err())
	}
}

// WaitChanged blocks until a new report is published for id, or ctx is
// done. lastSeen is the version returned by a previous call (0 for the
// first call).
func (r *Relay) WaitChanged(ctx context.Context, id UpdateID, lastSeen uint64) (EventReport, uint64, error) {
	r.mu.Lock()
	sub, ok := r.subs[id]
	r.mu.Unlock()
	if !ok {
		return EventReport{}, 0, trace.NotFound("no installinator subscription registered for update %v", id)
	}
	report, version, ok := sub.reports.Changed(ctx.Done(), lastSeen)
	if !ok {
		return EventReport{}, lastSeen, trace.Wrap(ctx.Err())
	}
	return report, version, nil
}

// Latest returns the most recent report published for id, if any.
func (r *Relay) Latest(id UpdateID) (EventReport, bool) {
	r.mu.Lock()
	sub, ok := r.subs[id]
	r.mu.Unlock()
	if !ok {
		return EventReport{}, false
	}
	return sub.reports.Borrow()
}

// Terminal reports whether the given EventReport represents a completed
// (successful or failed) installinator run: there is no Running step and
// at least one recorded step reached a terminal outcome other than
// success/warning/skipped.
func Terminal(report EventReport) bool {
	if report.Running != nil {
		return false
	}
	for _, ev := range report.Steps {
		if ev.Outcome == step.OutcomeFailed || ev.Outcome == step.OutcomeAborted {
			return true
		}
	}
	for i := len(report.Steps) - 1; i >= 0; i-- {
		if report.Steps[i].Completion != nil {
			return true
		}
	}
	return false
}
