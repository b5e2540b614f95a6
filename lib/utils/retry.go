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

// Package utils holds the small set of retry helpers the rest of the
// module shares: a context-aware backoff retry loop used by the
// trampoline phase-2 uploader and other tasks that must retry forever.
package utils

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
)

// permanentMarker is satisfied by an error that should stop the retry loop
// instead of being retried. Callers don't need to import backoff to opt in;
// they just return an error satisfying this interface.
type permanentMarker interface {
	Permanent() bool
}

// RetryWithInterval retries fn using interval until it succeeds, interval
// gives up, ctx is done, or fn returns an error satisfying permanentMarker
// with Permanent() true. Returns nil on success or the last error.
func RetryWithInterval(ctx context.Context, interval backoff.BackOff, fn func() error) error {
	b := backoff.WithContext(interval, ctx)
	err := backoff.RetryNotify(func() error {
		err := fn()
		var marker permanentMarker
		if errors.As(err, &marker) && marker.Permanent() {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, d time.Duration) {
		logrus.WithError(err).Infof("Retrying at %v.", d)
	})
	if err != nil {
		if perr, ok := err.(*backoff.PermanentError); ok {
			return trace.Wrap(perr.Err)
		}
		return trace.Wrap(err)
	}
	return nil
}

// NewUnlimitedExponentialBackOff returns an exponential backoff interval
// with no overall time limit, for tasks that must retry forever.
func NewUnlimitedExponentialBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	return b
}
