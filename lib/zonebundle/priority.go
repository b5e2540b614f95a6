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

import "github.com/gravitational/trace"

// PriorityDimension is one axis cleanup compares bundles on.
type PriorityDimension int

const (
	// DimensionTime orders bundles by creation time, older first.
	DimensionTime PriorityDimension = iota
	// DimensionCause orders bundles by Cause, lowest-priority cause first.
	DimensionCause
)

// PriorityOrder is a permutation of the two priority dimensions: the first
// element is compared first, the second breaks ties. The default order is
// [DimensionCause, DimensionTime]: cleanup prefers to remove low-cause
// bundles before old-but-important ones.
type PriorityOrder [2]PriorityDimension

// DefaultPriorityOrder is the order new cleanup contexts start with.
var DefaultPriorityOrder = PriorityOrder{DimensionCause, DimensionTime}

// NewPriorityOrder validates that order names each dimension exactly once.
func NewPriorityOrder(order [2]PriorityDimension) (PriorityOrder, error) {
	if order[0] == order[1] {
		return PriorityOrder{}, WithCode(
			trace.BadParameter("priority order must name each dimension exactly once, got %v", order),
			CodeInvalidPriorityOrder,
		)
	}
	return PriorityOrder(order), nil
}

// compareBundles orders a and b for cleanup: the bundle that should be
// deleted first sorts first (least negative == lowest priority to keep).
// Lower Cause sorts before higher Cause; older TimeCreated sorts before
// newer, both "delete me first" orderings.
func (o PriorityOrder) compareBundles(a, b Metadata) int {
	for _, dim := range o {
		switch dim {
		case DimensionCause:
			if a.Cause != b.Cause {
				return int(a.Cause) - int(b.Cause)
			}
		case DimensionTime:
			switch {
			case a.TimeCreated.Before(b.TimeCreated):
				return -1
			case a.TimeCreated.After(b.TimeCreated):
				return 1
			}
		}
	}
	return 0
}
