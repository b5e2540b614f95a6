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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPriorityOrderPrefersLowCauseOverAge(t *testing.T) {
	older := NewMetadata("z", CauseExplicitRequest, time.Unix(0, 0))
	newer := NewMetadata("z", CauseOther, time.Unix(1000, 0))

	got := DefaultPriorityOrder.compareBundles(older, newer)
	assert.Negative(t, got, "a low-cause bundle must sort before a high-cause bundle even if it is newer")
}

func TestPriorityOrderTimeFirstIgnoresCauseUntilTied(t *testing.T) {
	order, err := NewPriorityOrder([2]PriorityDimension{DimensionTime, DimensionCause})
	require.NoError(t, err)

	older := NewMetadata("z", CauseExplicitRequest, time.Unix(0, 0))
	newer := NewMetadata("z", CauseOther, time.Unix(1000, 0))

	assert.Negative(t, order.compareBundles(older, newer))
	assert.Positive(t, order.compareBundles(newer, older))
}

func TestPriorityOrderBreaksTiesOnSecondDimension(t *testing.T) {
	same := time.Unix(500, 0)
	low := NewMetadata("z", CauseOther, same)
	high := NewMetadata("z", CauseExplicitRequest, same)

	assert.Negative(t, DefaultPriorityOrder.compareBundles(low, high))
	assert.Zero(t, DefaultPriorityOrder.compareBundles(low, low))
}

func TestNewPriorityOrderRejectsRepeatedDimension(t *testing.T) {
	_, err := NewPriorityOrder([2]PriorityDimension{DimensionCause, DimensionCause})
	require.Error(t, err)
	code, ok := CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, CodeInvalidPriorityOrder, code)
}
