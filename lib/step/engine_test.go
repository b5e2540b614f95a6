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

package step

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngineRunsStepsInOrder(t *testing.T) {
	var order []string
	eng := New(nil, 16,
		Step{ID: "a", Component: ComponentRot, Body: func(ctx context.Context, env *Env) (Result, error) {
			order = append(order, "a")
			return Success(nil, ""), nil
		}},
		Step{ID: "b", Component: ComponentSp, Body: func(ctx context.Context, env *Env) (Result, error) {
			order = append(order, "b")
			return Warning(nil, "heads up"), nil
		}},
	)

	err := eng.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, order)

	report := eng.Report()
	require.Len(t, report.Steps, 2)
	assert.Equal(t, OutcomeSuccess, report.Steps[0].Outcome)
	assert.Equal(t, OutcomeWarning, report.Steps[1].Outcome)
	assert.Equal(t, "heads up", report.Steps[1].Message)
	assert.False(t, report.Failed)
	assert.False(t, report.Aborted)
}

func TestEngineStopsOnTerminalFailure(t *testing.T) {
	var ran []string
	boom := errors.New("boom")
	eng := New(nil, 16,
		Step{ID: "a", Body: func(ctx context.Context, env *Env) (Result, error) {
			ran = append(ran, "a")
			return Success(nil, ""), nil
		}},
		Step{ID: "b", Body: func(ctx context.Context, env *Env) (Result, error) {
			ran = append(ran, "b")
			return Result{}, boom
		}},
		Step{ID: "c", Body: func(ctx context.Context, env *Env) (Result, error) {
			ran = append(ran, "c")
			return Success(nil, ""), nil
		}},
	)

	err := eng.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, []string{"a", "b"}, ran, "step c must not run after a terminal failure")

	report := eng.Report()
	require.Len(t, report.Steps, 2)
	assert.Equal(t, OutcomeSuccess, report.Steps[0].Outcome)
	assert.Equal(t, OutcomeFailed, report.Steps[1].Outcome)
	assert.True(t, report.Failed)
}

func TestEngineOutcomeIsMonotonic(t *testing.T) {
	eng := New(nil, 16,
		Step{ID: "a", Body: func(ctx context.Context, env *Env) (Result, error) {
			return Success("v1", ""), nil
		}},
	)
	require.NoError(t, eng.Run(context.Background()))

	first := eng.Report().Steps[0]
	// Report() copies state; mutating the returned event must not affect
	// later reads, and re-reading must return the same terminal outcome.
	first.Outcome = OutcomeFailed

	second := eng.Report().Steps[0]
	assert.Equal(t, OutcomeSuccess, second.Outcome)
	assert.Equal(t, "v1", second.Value)
}

func TestEngineAbortsOnCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	eng := New(nil, 16,
		Step{ID: "slow", Body: func(ctx context.Context, env *Env) (Result, error) {
			close(started)
			<-ctx.Done()
			return Result{}, ctx.Err()
		}},
		Step{ID: "never", Body: func(ctx context.Context, env *Env) (Result, error) {
			t.Fatal("step after cancellation must not run")
			return Result{}, nil
		}},
	)

	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx) }()

	<-started
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("engine did not observe cancellation")
	}

	report := eng.Report()
	require.Len(t, report.Steps, 1)
	assert.Equal(t, OutcomeAborted, report.Steps[0].Outcome)
	assert.True(t, report.Aborted)
}

func TestEnvProgressCoalescesToLatestSample(t *testing.T) {
	eng := New(nil, 16,
		Step{ID: "a", Body: func(ctx context.Context, env *Env) (Result, error) {
			env.Progress(1, 10, "bytes")
			env.Progress(5, 10, "bytes")
			return Success(nil, ""), nil
		}},
	)
	require.NoError(t, eng.Run(context.Background()))
	report := eng.Report()
	require.Len(t, report.Steps, 1)
	// Progress samples are folded into the running event as they arrive;
	// once the step finishes the final sample is not retained on the
	// terminal StepEvent by design - only Env.Progress calls made while a
	// step is still running are observable via Report().
	assert.Nil(t, report.Steps[0].Progress)
}

func TestEngineNestedSubEngine(t *testing.T) {
	eng := New(nil, 16,
		Step{ID: "outer", Body: func(ctx context.Context, env *Env) (Result, error) {
			sub := New(nil, 16,
				Step{ID: "inner-a", Body: func(ctx context.Context, env *Env) (Result, error) {
					return Success(nil, ""), nil
				}},
			)
			report, err := env.RunNested(sub)
			if err != nil {
				return Result{}, err
			}
			if len(report.Steps) != 1 {
				t.Fatalf("expected 1 nested step, got %d", len(report.Steps))
			}
			return Success(nil, ""), nil
		}},
	)
	require.NoError(t, eng.Run(context.Background()))
	report := eng.Report()
	require.Len(t, report.Steps, 1)
	require.NotNil(t, report.Steps[0].Nested)
	assert.Len(t, report.Steps[0].Nested.Steps, 1)
	assert.Equal(t, "inner-a", report.Steps[0].Nested.Steps[0].StepID)
}
