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

// Package step is a small, scoped hierarchical step executor. An Engine
// runs a fixed, ordered sequence of Steps against one target (one device,
// in the update core's case), each step resolving to a typed
// success/warning/skip/failure outcome and optionally nesting a
// sub-engine of its own. Steps execute strictly sequentially; a terminal
// failure stops the engine but never rewrites the outcome already
// recorded for earlier steps.
package step

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Component groups steps by the subsystem they affect: RoT, SP, or Host.
type Component string

const (
	ComponentRot  Component = "rot"
	ComponentSp   Component = "sp"
	ComponentHost Component = "host"
)

// Outcome is the terminal disposition of one step.
type Outcome int

const (
	// OutcomeSuccess means the step body returned normally.
	OutcomeSuccess Outcome = iota
	// OutcomeWarning means the step body succeeded but flagged a caveat.
	OutcomeWarning
	// OutcomeSkipped means the step body determined there was nothing to do.
	OutcomeSkipped
	// OutcomeFailed means the step body returned a terminal error.
	OutcomeFailed
	// OutcomeAborted means the step was cancelled mid-flight.
	OutcomeAborted
)

// String renders the outcome the way event reports display it.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeWarning:
		return "warning"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeFailed:
		return "failed"
	case OutcomeAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Result is what a step Body returns for any non-failure outcome. Use the
// Success/Warning/Skipped constructors rather than building one directly.
type Result struct {
	Outcome Outcome
	// Value is the step's typed payload, e.g. the slots written by the
	// installinator, or the chosen RoT artifact.
	Value interface{}
	// Message is an optional human-facing note (required for Warning and
	// Skipped, optional for Success).
	Message string
}

// Success reports a step that completed as expected.
func Success(value interface{}, message string) Result {
	return Result{Outcome: OutcomeSuccess, Value: value, Message: message}
}

// Warning reports a step that completed but wants to flag something.
func Warning(value interface{}, message string) Result {
	return Result{Outcome: OutcomeWarning, Value: value, Message: message}
}

// Skipped reports a step that determined it had nothing to do.
func Skipped(value interface{}, reason string) Result {
	return Result{Outcome: OutcomeSkipped, Value: value, Message: reason}
}

// Body is the step's async action. Returning a non-nil error is always
// terminal for the owning engine; use Result's Warning/Skipped for
// non-terminal caveats instead of an error.
type Body func(ctx context.Context, env *Env) (Result, error)

// Step is one entry in an Engine's ordered sequence.
type Step struct {
	// ID is a stable identifier, unique within the engine - InterrogateRot,
	// SpComponentUpdate, etc.
	ID string
	// Component is the subsystem this step belongs to.
	Component Component
	// Description is a human-facing summary, used in progress output.
	Description string
	// Body performs the step.
	Body Body
}

// Env is handed to a running step's Body. It lets the step report
// incremental progress and run a nested sub-engine whose events are
// embedded into the parent report rather than flattened.
type Env struct {
	ctx    context.Context
	ev     *activeEvent
	logger logrus.FieldLogger
}

// Context returns the engine run's cancellation context.
func (e *Env) Context() context.Context {
	return e.ctx
}

// Logger returns a step-scoped logger.
func (e *Env) Logger() logrus.FieldLogger {
	return e.logger
}

// Progress records an incremental progress sample for the currently running
// step. Samples for one step are ordered by call order; the buffer
// coalesces to the latest sample per step.
func (e *Env) Progress(current, total int64, units string) {
	e.ev.setProgress(ProgressSample{Current: current, Total: total, Units: units})
}

// RunNested executes a sub-engine and folds its report into the current
// step's event as a nested report, without flattening.
func (e *Env) RunNested(eng *Engine) (EventReport, error) {
	err := eng.Run(e.ctx)
	report := eng.Report()
	e.ev.setNested(report)
	return report, err
}

// SetNestedReport embeds report as the current step's nested event without
// running a local sub-engine. It is the streaming analogue of RunNested,
// used when the nested progress comes from an external source polled over
// time, such as the RunningInstallinator step forwarding installinator
// reports as nested progress of the current step.
func (e *Env) SetNestedReport(report EventReport) {
	e.ev.setNested(report)
}

// ProgressSample is one point-in-time progress reading.
type ProgressSample struct {
	Current int64
	Total   int64
	Units   string
}

// String renders the sample the way progress logs do.
func (p ProgressSample) String() string {
	if p.Total <= 0 {
		return fmt.Sprintf("%d %s", p.Current, p.Units)
	}
	return fmt.Sprintf("%d/%d %s", p.Current, p.Total, p.Units)
}
