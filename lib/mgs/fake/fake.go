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

// Package fake is a deterministic, in-memory simulator of lib/mgs.Client,
// used by the update core's tests in place of a real rack.
package fake

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"sync"

	"github.com/gravitational/trace"

	"github.com/racksled/coreupdate/lib/mgs"
	"github.com/racksled/coreupdate/lib/update/identity"
)

// componentKey scopes per-device, per-component fake state.
type componentKey struct {
	device    identity.DeviceID
	component mgs.Component
}

// updateState tracks one in-flight or completed SP component update inside
// the fake, driven forward by successive calls to ComponentUpdateStatus so
// tests can observe the Preparing -> InProgress -> Complete progression.
type updateState struct {
	id       mgs.UpdateID
	total    int64
	received int64
	polls    int
	result   string // "", "complete", "failed", "rot-error"
	code     string
	message  string
}

// Client is a fake MGS backing store. The zero value is not usable; use
// New.
type Client struct {
	mu sync.Mutex

	activeSlot map[componentKey]uint8
	caboose    map[componentKey]map[uint8]mgs.Caboose
	updates    map[componentKey]*updateState
	power      map[identity.DeviceID]mgs.PowerState
	startup    map[identity.DeviceID]mgs.StartupOptions
	imageID    map[identity.DeviceID]mgs.InstallinatorImageID
	phase2     map[identity.DeviceID]mgs.Phase2Progress

	// lastPhase2Upload is the image id RecoveryHostPhase2Upload most
	// recently assigned. A PowerStateSet(A0) call simulates the SP
	// beginning to fetch that image over the management network, the
	// way sp_host_phase2_progress_get reports progress for whatever
	// image the SP last requested.
	lastPhase2Upload string

	// preparingPolls is how many ComponentUpdateStatus polls a fresh
	// update reports Preparing before advancing to InProgress, letting
	// tests exercise the Preparing phase deterministically.
	preparingPolls int
	// inProgressPolls is the analogous count for the Writing phase.
	inProgressPolls int

	// resultOverride lets a test pin the outcome an update reaches, the
	// Go analogue of test_simulate_sp_result / test_simulate_rot_result.
	resultOverride map[componentKey]string
}

// New returns an empty fake with every device starting in firmware slot 0,
// power state A2, and no in-flight updates.
func New() *Client {
	return &Client{
		activeSlot:      make(map[componentKey]uint8),
		caboose:         make(map[componentKey]map[uint8]mgs.Caboose),
		updates:         make(map[componentKey]*updateState),
		power:           make(map[identity.DeviceID]mgs.PowerState),
		startup:         make(map[identity.DeviceID]mgs.StartupOptions),
		imageID:         make(map[identity.DeviceID]mgs.InstallinatorImageID),
		phase2:          make(map[identity.DeviceID]mgs.Phase2Progress),
		preparingPolls:  1,
		inProgressPolls: 2,
		resultOverride:  make(map[componentKey]string),
	}
}

// SetCaboose seeds the caboose a device reports for a given firmware slot.
func (c *Client) SetCaboose(device identity.DeviceID, component mgs.Component, slot uint8, caboose mgs.Caboose) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := componentKey{device, component}
	if c.caboose[key] == nil {
		c.caboose[key] = make(map[uint8]mgs.Caboose)
	}
	c.caboose[key][slot] = caboose
}

// SetPollCounts configures how many polls an update spends in Preparing and
// InProgress before completing, letting tests exercise each phase boundary.
func (c *Client) SetPollCounts(preparing, inProgress int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.preparingPolls = preparing
	c.inProgressPolls = inProgress
}

// SimulateResult pins the terminal result a future update for this
// device/component will reach: "", "complete" (the default), "failed", or
// "rot-error". This is the fake's equivalent of the test-only RoT/SP
// result-simulation hooks.
func (c *Client) SimulateResult(device identity.DeviceID, component mgs.Component, result, code, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := componentKey{device, component}
	c.resultOverride[key] = result
	if st, ok := c.updates[key]; ok {
		st.result = result
		st.code = code
		st.message = message
	}
}

func (c *Client) CabooseGet(ctx context.Context, device identity.DeviceID, component mgs.Component, firmwareSlot uint8) (mgs.Caboose, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := componentKey{device, component}
	slots := c.caboose[key]
	cb, ok := slots[firmwareSlot]
	if !ok {
		return mgs.Caboose{}, trace.NotFound("no caboose recorded for %s slot %d on %v", component, firmwareSlot, device)
	}
	return cb, nil
}

func (c *Client) ActiveSlotGet(ctx context.Context, device identity.DeviceID, component mgs.Component) (uint8, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeSlot[componentKey{device, component}], nil
}

func (c *Client) ActiveSlotSet(ctx context.Context, device identity.DeviceID, component mgs.Component, slot uint8, persist bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeSlot[componentKey{device, component}] = slot
	return nil
}

func (c *Client) ComponentUpdate(ctx context.Context, device identity.DeviceID, component mgs.Component, firmwareSlot uint8, id mgs.UpdateID, body io.Reader) error {
	h := sha256.New()
	total, err := io.Copy(h, body)
	if err != nil {
		return trace.Wrap(err, "reading update body")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	key := componentKey{device, component}
	st := &updateState{id: id, total: total, result: "complete"}
	if override, ok := c.resultOverride[key]; ok {
		st.result = override
	}
	c.updates[key] = st
	return nil
}

func (c *Client) ComponentUpdateStatus(ctx context.Context, device identity.DeviceID, component mgs.Component) (mgs.UpdateStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := componentKey{device, component}
	st, ok := c.updates[key]
	if !ok {
		return mgs.UpdateStatus{None: true}, nil
	}

	st.polls++
	switch {
	case st.polls <= c.preparingPolls:
		progress := int64(st.polls)
		return mgs.UpdateStatus{Preparing: &mgs.PreparingStatus{ID: st.id, Progress: &progress}}, nil
	case st.polls <= c.preparingPolls+c.inProgressPolls:
		step := st.polls - c.preparingPolls
		steps := int64(c.inProgressPolls)
		if steps <= 0 {
			steps = 1
		}
		st.received = st.total * int64(step) / steps
		return mgs.UpdateStatus{InProgress: &mgs.InProgressStatus{ID: st.id, BytesReceived: st.received, TotalBytes: st.total}}, nil
	default:
		switch st.result {
		case "failed":
			return mgs.UpdateStatus{Failed: &mgs.FailedStatus{ID: st.id, Code: st.code}}, nil
		case "rot-error":
			return mgs.UpdateStatus{RotError: &mgs.RotErrorStatus{ID: st.id, Message: st.message}}, nil
		default:
			return mgs.UpdateStatus{Complete: &mgs.CompleteStatus{ID: st.id}}, nil
		}
	}
}

func (c *Client) ComponentReset(ctx context.Context, device identity.DeviceID, component mgs.Component) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.updates, componentKey{device, component})
	return nil
}

func (c *Client) PowerStateSet(ctx context.Context, device identity.DeviceID, state mgs.PowerState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.power[device] = state
	if state == mgs.PowerStateA0 && c.lastPhase2Upload != "" {
		c.phase2[device] = mgs.Phase2Progress{
			Available: true,
			ImageID:   c.lastPhase2Upload,
			Offset:    0,
			TotalSize: 1,
		}
	}
	return nil
}

func (c *Client) RecoveryHostPhase2Upload(ctx context.Context, body io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, body); err != nil {
		return "", trace.Wrap(err, "reading phase-2 image")
	}
	imageID := hex.EncodeToString(h.Sum(nil))
	c.mu.Lock()
	c.lastPhase2Upload = imageID
	c.mu.Unlock()
	return imageID, nil
}

func (c *Client) InstallinatorImageIDSet(ctx context.Context, device identity.DeviceID, id mgs.InstallinatorImageID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.imageID[device] = id
	return nil
}

// InstallinatorImageID returns the image id most recently set for device,
// letting a test discover the update_id the engine generated internally
// without threading it through BuildEngine's public surface.
func (c *Client) InstallinatorImageID(device identity.DeviceID) (mgs.InstallinatorImageID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.imageID[device]
	return id, ok
}

func (c *Client) InstallinatorImageIDDelete(ctx context.Context, device identity.DeviceID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.imageID, device)
	delete(c.phase2, device)
	return nil
}

func (c *Client) StartupOptionsSet(ctx context.Context, device identity.DeviceID, options mgs.StartupOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startup[device] = options
	return nil
}

func (c *Client) HostPhase2ProgressGet(ctx context.Context, device identity.DeviceID) (mgs.Phase2Progress, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase2[device], nil
}

func (c *Client) HostPhase2ProgressDelete(ctx context.Context, device identity.DeviceID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.phase2, device)
	return nil
}

var _ mgs.Client = (*Client)(nil)
