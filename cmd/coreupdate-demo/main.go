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

// Command coreupdate-demo is a thin, non-HTTP wiring example: it exercises
// the update core against a fake MGS client and the zone-bundle core
// against a fake Zone, entirely in memory, to demonstrate how a host
// process assembles both cores' collaborators. It is not a server and
// registers no routes; a real embedding process supplies its own CLI,
// HTTP surface, and TUF repository handling around these same types.
package main

import (
	"bytes"
	"context"
	"fmt"
	stdlog "log"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/racksled/coreupdate/lib/artifactstore"
	"github.com/racksled/coreupdate/lib/config"
	"github.com/racksled/coreupdate/lib/installinator"
	"github.com/racksled/coreupdate/lib/metrics"
	"github.com/racksled/coreupdate/lib/mgs"
	"github.com/racksled/coreupdate/lib/mgs/fake"
	"github.com/racksled/coreupdate/lib/update"
	"github.com/racksled/coreupdate/lib/update/identity"
	"github.com/racksled/coreupdate/lib/zonebundle"
)

// switchEngineStepCount is the number of steps BuildEngine produces for a
// non-sled device: InterrogateRot, InterrogateSp, and one SpComponentUpdate
// each for RoT and SP.
const switchEngineStepCount = 4

func main() {
	logger := logrus.StandardLogger()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	stdlog.SetOutput(logger.Writer())

	if err := run(logger); err != nil {
		logger.WithError(err).Error("Demo run failed.")
		os.Exit(1)
	}
}

func run(logger *logrus.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	metrics.MustRegister(registry)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := runUpdateDemo(ctx, logger); err != nil {
		return err
	}
	if err := runZoneBundleDemo(ctx, logger, cfg); err != nil {
		return err
	}

	families, err := registry.Gather()
	if err != nil {
		return err
	}
	logger.WithField("metric_families", len(families)).Info("Demo complete.")
	return nil
}

// runUpdateDemo drives a single switch's RoT/SP update through the
// Tracker, using the fake MGS client in place of real hardware. A switch
// has no host phase, so this alone exercises the full engine without
// needing an installinator agent to talk to.
func runUpdateDemo(ctx context.Context, logger *logrus.Logger) error {
	device, err := identity.New(identity.KindSwitch, 0)
	if err != nil {
		return err
	}

	storeDir, err := os.MkdirTemp("", "coreupdate-demo-artifacts")
	if err != nil {
		return err
	}
	defer os.RemoveAll(storeDir)
	store, err := artifactstore.New(storeDir)
	if err != nil {
		return err
	}

	client := fake.New()
	client.SetCaboose(device, mgs.ComponentRot, 0, mgs.Caboose{Board: "gimlet-switch", Version: "1.0.0", GitCommit: "abc123"})
	client.SetCaboose(device, mgs.ComponentSp, 0, mgs.Caboose{Board: "gimlet-switch", Version: "1.0.0", GitCommit: "abc123"})

	rotA, err := storedArtifact(store, identity.KindSwitch, "1.0.0", "rot-a", "rot-a-contents")
	if err != nil {
		return err
	}
	rotB, err := storedArtifact(store, identity.KindSwitch, "1.1.0", "rot-b", "rot-b-contents")
	if err != nil {
		return err
	}
	sp, err := storedArtifact(store, identity.KindSwitch, "1.1.0", "sp", "sp-contents")
	if err != nil {
		return err
	}
	// Sled.TrampolinePhase2 is what EnsureForPlan uploads regardless of
	// which device kinds are in this Start call (the trampoline uploader
	// is keyed off the plan's hash, not the target device), so the demo
	// plan needs one even though this run only targets a switch.
	trampoline, err := storedArtifact(store, identity.KindSled, "1.0.0", "trampoline-phase2", "trampoline-phase2-contents")
	if err != nil {
		return err
	}

	plan := &update.Plan{
		Switch: update.KindArtifacts{
			RotSlotA:  rotA,
			RotSlotB:  rotB,
			SpByBoard: map[string]update.Artifact{"gimlet-switch": sp},
		},
		Sled: update.KindArtifacts{TrampolinePhase2: trampoline},
	}

	deps := &update.Dependencies{
		MGS:      client,
		Uploader: update.NewUploader(client, logger),
		Relay:    installinator.NewRelay(),
		Logger:   logger,
	}
	tracker := update.NewTracker(logger, &update.ProductionSpawner{Deps: deps})

	if err := tracker.PutRepository(plan); err != nil {
		return err
	}
	if err := tracker.Start(ctx, []identity.DeviceID{device}, update.StartOptions{}); err != nil {
		return err
	}

	for {
		_, reports := tracker.ArtifactsAndEventReports()
		report := reports[0].Report
		if report.Running == nil && len(report.Steps) >= switchEngineStepCount {
			for _, ev := range report.Steps {
				logger.WithField("step", ev.StepID).WithField("outcome", ev.Outcome).Info(ev.Message)
			}
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
	return tracker.Clear(device)
}

// storedArtifact writes contents into store and returns an Artifact whose
// Data field opens a fresh reader from the store by content hash on every
// call, rather than closing over an in-memory buffer.
func storedArtifact(store *artifactstore.Store, kind identity.Kind, version, name, contents string) (update.Artifact, error) {
	envelope, err := store.Put(bytes.NewBufferString(contents))
	if err != nil {
		return update.Artifact{}, err
	}
	return update.Artifact{
		ID:   update.ArtifactID{Kind: kind, Version: version, Name: name},
		Hash: envelope.SHA512,
		Data: store.Opener(envelope.SHA512),
	}, nil
}

// runZoneBundleDemo captures, lists, measures, and prunes zone bundles for
// a single in-memory fake zone, using cfg's configured cleanup defaults.
func runZoneBundleDemo(ctx context.Context, logger *logrus.Logger, cfg *config.Config) error {
	root, err := os.MkdirTemp("", "coreupdate-demo-bundles")
	if err != nil {
		return err
	}
	defer os.RemoveAll(root)

	period, err := zonebundle.NewCleanupPeriod(cfg.ZoneBundle.DefaultCleanupPeriod)
	if err != nil {
		return err
	}
	limit, err := zonebundle.NewStorageLimit(uint8(cfg.ZoneBundle.DefaultStorageLimit))
	if err != nil {
		return err
	}
	cleanupCtx := zonebundle.NewCleanupContext(period, limit)

	bundler := zonebundle.NewBundler(logger, []string{root}, cleanupCtx)
	bundler.StartCleanupTask(ctx)
	defer bundler.StopCleanupTask()

	zone := &demoZone{name: "oxz_demo"}
	meta, err := bundler.Create(ctx, zone, zonebundle.CauseExplicitRequest)
	if err != nil {
		return err
	}
	logger.WithField("bundle_id", meta.ID.BundleID).Info("Zone bundle captured.")

	bundles, err := bundler.List(zone.Name())
	if err != nil {
		return err
	}
	logger.WithField("count", len(bundles)).Info("Zone bundles listed.")

	if err := bundler.TriggerCleanup(ctx); err != nil {
		return err
	}
	logger.WithField("last_cleanup_at", bundler.LastCleanupAt()).Info("Zone bundle cleanup pass complete.")
	return nil
}

// demoZone is a minimal Zone implementation standing in for a real illumos
// zone, reporting one fabricated service process and no archived logs.
type demoZone struct {
	name string
}

func (z *demoZone) Name() string { return z.name }

func (z *demoZone) RunCommand(args []string) (string, error) {
	return fmt.Sprintf("simulated output for %v", args), nil
}

func (z *demoZone) ServiceProcesses() ([]zonebundle.ServiceProcess, error) {
	return []zonebundle.ServiceProcess{{ServiceName: "demo-service", PID: 1}}, nil
}

func (z *demoZone) ExtraLogDirs() []string { return nil }
