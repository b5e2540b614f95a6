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

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/racksled/coreupdate/lib/metrics"
)

// Engine runs a fixed ordered sequence of Steps to completion or to the
// first terminal failure/cancellation. It is safe to call Report from any
// goroutine while Run is in progress.
type Engine struct {
	steps  []Step
	logger logrus.FieldLogger
	buf    *EventBuffer
}

// New returns an Engine over the given steps.
func New(logger logrus.FieldLogger, capacity int, steps ...Step) *Engine {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Engine{
		steps:  steps,
		logger: logger,
		buf:    NewEventBuffer(capacity),
	}
}

// Report returns a coherent snapshot of this engine's progress.
func (e *Engine) Report() EventReport {
	return e.buf.Report()
}

// Run executes the engine's steps strictly sequentially. A step returning
// a non-nil error is terminal: the engine stops scheduling further steps,
// marks the buffer failed (or aborted, if the error is context
// cancellation) and returns the error. Previously completed steps keep
// their recorded outcomes.
func (e *Engine) Run(ctx context.Context) error {
	for _, s := range e.steps {
		select {
		case <-ctx.Done():
			e.buf.markAborted()
			return trace.Wrap(ctx.Err())
		default:
		}

		active := e.buf.begin(s.ID, s.Component, s.Description)
		logger := e.logger.WithField("step", s.ID)
		env := &Env{ctx: ctx, ev: active, logger: logger}

		logger.Debug("Executing step.")
		result, err := s.Body(ctx, env)
		if err != nil {
			outcome := OutcomeFailed
			if ctx.Err() != nil {
				outcome = OutcomeAborted
			}
			logger.WithError(err).WithField("outcome", outcome).Error("Step did not complete.")
			e.buf.finish(outcome, nil, err.Error(), err)
			metrics.StepOutcomesTotal.WithLabelValues(string(s.Component), outcome.String()).Inc()
			return trace.Wrap(err, "step %q failed", s.ID)
		}

		logger.WithField("outcome", result.Outcome).Debug("Step completed.")
		e.buf.finish(result.Outcome, result.Value, result.Message, nil)
		metrics.StepOutcomesTotal.WithLabelValues(string(s.Component), result.Outcome.String()).Inc()
	}
	return nil
}
