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

package update

import (
	"context"
	"sync"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/racksled/coreupdate/lib/constants"
	"github.com/racksled/coreupdate/lib/metrics"
	"github.com/racksled/coreupdate/lib/mgs"
	"github.com/racksled/coreupdate/lib/utils"
	"github.com/racksled/coreupdate/lib/watch"
)

// permanentError marks an error that should not be retried.
// utils.RetryWithInterval inspects every error it sees for this interface
// via errors.As and stops retrying if Permanent() is true. Nothing in this
// package returns one today: artifact reader and MGS upload failures both
// retry indefinitely. The interface is kept so a future caller that does
// want a permanent failure only needs to satisfy it, with no change to the
// retry loop itself.
type permanentError interface {
	Permanent() bool
}

// Uploader is the singleton trampoline phase-2 uploader: it uploads the
// recovery trampoline phase-2 image exactly once per distinct plan,
// retrying forever on transient failure, and broadcasts the MGS-assigned
// image id to subscribers.
type Uploader struct {
	client mgs.Client
	logger logrus.FieldLogger

	mu      sync.Mutex
	hash    string
	cancel  context.CancelFunc
	imageID *watch.Watch[string]
}

// NewUploader returns an idle Uploader bound to client.
func NewUploader(client mgs.Client, logger logrus.FieldLogger) *Uploader {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Uploader{
		client: client,
		logger: logger.WithField(trace.Component, constants.ComponentUploader),
	}
}

// EnsureForPlan makes sure an upload task is running for plan's trampoline
// phase-2 hash: reusing a matching in-flight uploader, replacing a
// mismatched one, or starting fresh.
func (u *Uploader) EnsureForPlan(ctx context.Context, plan *Plan) {
	hash := plan.Sled.TrampolinePhase2.Hash

	u.mu.Lock()
	defer u.mu.Unlock()

	if u.cancel != nil && u.hash == hash {
		return
	}
	if u.cancel != nil {
		u.logger.WithField("old_hash", u.hash).WithField("new_hash", hash).Info("Trampoline hash changed, replacing uploader.")
		u.cancel()
	}

	taskCtx, cancel := context.WithCancel(context.Background())
	u.cancel = cancel
	u.hash = hash
	u.imageID = watch.New[string]()

	artifact := plan.Sled.TrampolinePhase2
	go u.run(taskCtx, artifact)
}

// ImageID returns the broadcast-latest watch of the registered image id for
// the uploader currently running, or nil if none is running.
func (u *Uploader) ImageID() *watch.Watch[string] {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.imageID
}

func (u *Uploader) run(ctx context.Context, artifact Artifact) {
	logger := u.logger.WithField("artifact_hash", artifact.Hash)
	logger.Info("Starting trampoline phase-2 upload.")

	interval := utils.NewUnlimitedExponentialBackOff()
	err := utils.RetryWithInterval(ctx, interval, func() error {
		reader, openErr := artifact.Data()
		if openErr != nil {
			// Reader errors are classified transient like everything
			// else; an unreadable artifact blob retries indefinitely.
			metrics.TrampolineUploadAttemptsTotal.WithLabelValues("open_error").Inc()
			return trace.Wrap(openErr, "opening trampoline phase-2 artifact")
		}
		defer reader.Close()

		imageID, uploadErr := u.client.RecoveryHostPhase2Upload(ctx, reader)
		if uploadErr != nil {
			metrics.TrampolineUploadAttemptsTotal.WithLabelValues("upload_error").Inc()
			return trace.Wrap(uploadErr, "uploading trampoline phase-2 image")
		}
		metrics.TrampolineUploadAttemptsTotal.WithLabelValues("success").Inc()

		u.mu.Lock()
		watcher := u.imageID
		u.mu.Unlock()
		if watcher != nil {
			watcher.Set(imageID)
		}
		return nil
	})

	if err != nil {
		logger.WithError(err).Warn("Trampoline phase-2 upload task stopped.")
		return
	}
	logger.Info("Trampoline phase-2 upload registered with MGS.")
}
