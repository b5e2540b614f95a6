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

// Package identity defines the device identity model shared by the update
// core and the MGS facade: (kind, slot) pairs naming one sled, switch, or
// power shelf in the rack.
package identity

import (
	"fmt"
	"sort"

	"github.com/gravitational/trace"
)

// Kind is the class of device a DeviceID names.
type Kind int

const (
	KindSled Kind = iota
	KindSwitch
	KindPower
)

// String renders the kind the way device identities are logged.
func (k Kind) String() string {
	switch k {
	case KindSled:
		return "sled"
	case KindSwitch:
		return "switch"
	case KindPower:
		return "power"
	default:
		return "unknown"
	}
}

// slotRanges gives the valid [0, max] slot range for each kind.
var slotRanges = map[Kind]uint16{
	KindSled:   31,
	KindSwitch: 1,
	KindPower:  1,
}

// DeviceID names one device in the rack. DeviceIDs are totally ordered by
// (Kind, Slot), which callers rely on for stable iteration order when
// listing tracker state across devices.
type DeviceID struct {
	Kind Kind
	Slot uint16
}

// New validates kind and slot and returns the corresponding DeviceID.
func New(kind Kind, slot uint16) (DeviceID, error) {
	max, ok := slotRanges[kind]
	if !ok {
		return DeviceID{}, trace.BadParameter("unrecognized device kind %v", kind)
	}
	if slot > max {
		return DeviceID{}, trace.BadParameter("slot %d out of range for %v (max %d)", slot, kind, max)
	}
	return DeviceID{Kind: kind, Slot: slot}, nil
}

// String renders the identity as "<kind> <slot>", e.g. "sled 14".
func (d DeviceID) String() string {
	return fmt.Sprintf("%s %d", d.Kind, d.Slot)
}

// Less reports whether d sorts before other under the (Kind, Slot) total
// order.
func (d DeviceID) Less(other DeviceID) bool {
	if d.Kind != other.Kind {
		return d.Kind < other.Kind
	}
	return d.Slot < other.Slot
}

// Sort orders ids in place by (Kind, Slot).
func Sort(ids []DeviceID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
}
