package plateimager

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.viam.com/rdk/logging"
)

// FailureKind tags the fatal failure classes a run can end in. Offload
// and notification problems are recovered in place and never become a
// RunError.
type FailureKind string

const (
	FailureConfig   FailureKind = "config"
	FailureHardware FailureKind = "hardware"
	FailureCapture  FailureKind = "capture"
)

// RunError is the tagged failure a run surfaces. Carrying the kind on the
// error keeps the cleanup phase a single code path: the runner never
// branches on how a run died, only on whether it did.
type RunError struct {
	Kind FailureKind
	Err  error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("%s failure: %v", e.Kind, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// RunResult tracks the run's first and most recent images via two
// placeholder files, plus any files the archive never received. The
// placeholders are deleted during cleanup except in dry-run mode.
type RunResult struct {
	First          string
	Last           string
	FailedOffloads []string
}

type runPhase string

const (
	phaseIdle        runPhase = "idle"
	phaseHoming      runPhase = "homing"
	phaseImaging     runPhase = "imaging"
	phaseOffloading  runPhase = "offloading"
	phaseHomingFinal runPhase = "homing_final"
	phaseNotifying   runPhase = "notifying"
	phaseDone        runPhase = "done"
	phaseFailed      runPhase = "failed"
)

// progress is the live run cursor the run sensor reports.
type progress struct {
	Phase          runPhase
	RunID          string
	Experiment     string
	Stage          int
	Row            int
	Camera         string
	ImagesCaptured int
	FailedOffloads int
	Error          string
}

// runner executes experiment runs. Stages, rows and cameras are strictly
// sequential: one actuator and one set of gate lines cannot be driven
// concurrently.
type runner struct {
	actuator Actuator
	cameras  *cameraMux
	offload  *offloader
	dial     remoteDialer
	notifier notifier
	settings *Settings
	logger   logging.Logger

	mu       sync.Mutex
	progress progress
}

func newRunner(
	actuator Actuator,
	cameras *cameraMux,
	offload *offloader,
	dial remoteDialer,
	notify notifier,
	settings *Settings,
	logger logging.Logger,
) *runner {
	return &runner{
		actuator: actuator,
		cameras:  cameras,
		offload:  offload,
		dial:     dial,
		notifier: notify,
		settings: settings,
		logger:   logger,
		progress: progress{Phase: phaseIdle},
	}
}

func (r *runner) setProgress(mutate func(p *progress)) {
	r.mu.Lock()
	mutate(&r.progress)
	r.mu.Unlock()
}

func (r *runner) Progress() progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.progress
}

// state renders the progress for sensor readings.
func (r *runner) state() map[string]interface{} {
	p := r.Progress()
	return map[string]interface{}{
		"state":           string(p.Phase),
		"run_id":          p.RunID,
		"experiment":      p.Experiment,
		"stage":           p.Stage,
		"row":             p.Row,
		"camera":          p.Camera,
		"images_captured": p.ImagesCaptured,
		"failed_offloads": p.FailedOffloads,
		"error":           p.Error,
	}
}

// Run performs one full experiment run: validate, home, walk every
// stage/row/camera capturing and offloading, then always re-home, notify
// and release the result placeholders regardless of outcome. In dry-run
// mode offload and email are skipped and the placeholders are kept so the
// caller can inspect them.
func (r *runner) Run(ctx context.Context, plan *ExperimentConfig, dryRun bool) (*RunResult, error) {
	limits := r.settings.TravelLimits()
	if err := plan.Validate(limits); err != nil {
		return nil, &RunError{Kind: FailureConfig, Err: err}
	}
	if limits.SoftLimit && plan.ExceedsTravel(limits) {
		r.logger.Warnf("plan travels %dmm, past the configured %dmm bound", plan.TotalSpanMM(), limits.MaxMM)
	}

	runID := fmt.Sprintf("run-%s", time.Now().Format("20060102-150405"))
	r.setProgress(func(p *progress) {
		*p = progress{Phase: phaseHoming, RunID: runID, Experiment: plan.Name}
	})
	r.logger.Infof("starting %s for experiment %q (dry_run=%t)", runID, plan.Name, dryRun)

	result, err := newRunResult()
	if err != nil {
		r.setProgress(func(p *progress) { p.Phase = phaseFailed; p.Error = err.Error() })
		return nil, &RunError{Kind: FailureConfig, Err: err}
	}

	var runErr *RunError

	// The archive has to be reachable and laid out before the rig moves:
	// a run whose images have nowhere to go should fail with nothing
	// captured.
	if !dryRun {
		if err := r.prepareArchive(plan.Name); err != nil {
			runErr = &RunError{Kind: FailureHardware, Err: err}
		}
	}

	if runErr == nil {
		if err := r.actuator.Home(ctx); err != nil {
			runErr = &RunError{Kind: FailureHardware, Err: err}
		}
	}

	if runErr == nil {
		runErr = r.executeStages(ctx, plan, dryRun, result)
	}

	if runErr != nil {
		r.logger.Errorf("%s failed: %v", runID, runErr)
	}

	// Cleanup always runs, even when the run was cancelled: positions are
	// tracked purely by relative commands, so the rig must end at its
	// mechanical reference or drift accumulates into the next run.
	cleanupCtx := context.WithoutCancel(ctx)

	r.setProgress(func(p *progress) { p.Phase = phaseHomingFinal })
	if err := r.actuator.Home(cleanupCtx); err != nil {
		r.logger.Errorf("re-homing during cleanup: %v", err)
		if runErr == nil {
			runErr = &RunError{Kind: FailureHardware, Err: fmt.Errorf("re-homing: %w", err)}
		}
	}

	if !dryRun {
		r.setProgress(func(p *progress) { p.Phase = phaseNotifying })
		r.sendReport(cleanupCtx, plan, result, runErr)
		os.Remove(result.First)
		os.Remove(result.Last)
	}

	r.setProgress(func(p *progress) {
		if runErr != nil {
			p.Phase = phaseFailed
			p.Error = runErr.Error()
			return
		}
		p.Phase = phaseDone
	})

	if runErr != nil {
		return result, runErr
	}
	r.logger.Infof("%s completed, %d images", runID, r.Progress().ImagesCaptured)
	return result, nil
}

// prepareArchive opens a connection to the archive host and creates the
// experiment's directory tree.
func (r *runner) prepareArchive(experiment string) error {
	fs, err := r.dial()
	if err != nil {
		return fmt.Errorf("connecting to archive host: %w", err)
	}
	defer fs.Close()
	return r.offload.ensureRemoteDirectories(fs, experiment)
}

// executeStages walks the plan in declared order. Any motion or capture
// failure aborts the remaining work immediately; there are no mid-run
// retries.
func (r *runner) executeStages(ctx context.Context, plan *ExperimentConfig, dryRun bool, result *RunResult) *RunError {
	outputDir := filepath.Join(plan.OutputDir, plan.Name)

	for i, stage := range plan.Stages {
		stageNum := i + 1
		r.setProgress(func(p *progress) { p.Phase = phaseImaging; p.Stage = stageNum; p.Row = 0 })

		// stage_distance is measured from home, not from the cursor.
		if err := r.actuator.MoveToAbsolute(ctx, float64(stage.StageDistance.Length)); err != nil {
			return &RunError{Kind: FailureHardware, Err: fmt.Errorf("stage %d: %w", stageNum, err)}
		}

		for row := 1; row <= stage.Rows; row++ {
			if row > 1 {
				if _, err := r.actuator.MoveRelative(ctx, float64(stage.RowDistance.Length)); err != nil {
					return &RunError{Kind: FailureHardware, Err: fmt.Errorf("stage %d row %d: %w", stageNum, row, err)}
				}
			}
			r.setProgress(func(p *progress) { p.Row = row })

			for _, cam := range cameraOrder {
				cam := cam
				r.setProgress(func(p *progress) { p.Camera = cam.String() })

				base := makeFilenameBase(cam, stageNum, row)
				paths, err := r.cameras.captureSequence(ctx, cam, outputDir, base, plan.NumberOfImages)
				if err != nil {
					return &RunError{Kind: FailureCapture, Err: err}
				}
				r.setProgress(func(p *progress) { p.ImagesCaptured += len(paths) })

				if err := updateFirstLast(result, paths); err != nil {
					r.logger.Warnf("updating first/last result files: %v", err)
				}

				if !dryRun {
					r.setProgress(func(p *progress) { p.Phase = phaseOffloading })
					r.offloadBatch(paths, plan.Name, result)
					r.setProgress(func(p *progress) {
						p.Phase = phaseImaging
						p.FailedOffloads = len(result.FailedOffloads)
					})
				}
			}
		}
	}
	return nil
}

// offloadBatch pushes one camera's files, opening a fresh archive
// connection per batch. Offload is best-effort: a connection or transfer
// failure leaves the files local and recorded, never aborts the run.
func (r *runner) offloadBatch(paths []string, experiment string, result *RunResult) {
	fs, err := r.dial()
	if err != nil {
		r.logger.Warnf("archive connection failed, keeping %d local files: %v", len(paths), err)
		result.FailedOffloads = append(result.FailedOffloads, paths...)
		return
	}
	defer fs.Close()
	result.FailedOffloads = append(result.FailedOffloads, r.offload.pushFiles(fs, paths, experiment)...)
}

// sendReport composes and sends the end-of-run email. Best-effort.
func (r *runner) sendReport(ctx context.Context, plan *ExperimentConfig, result *RunResult, runErr *RunError) {
	success := runErr == nil
	var msg strings.Builder
	if success {
		fmt.Fprintf(&msg, "%s completed: %d images captured.", plan.Name, r.Progress().ImagesCaptured)
	} else {
		fmt.Fprintf(&msg, "%s encountered an error.\n\nError Message: \n\n%v", plan.Name, runErr)
	}
	if len(result.FailedOffloads) > 0 {
		fmt.Fprintf(&msg, "\n\nFiles kept locally after failed offload:\n%s", strings.Join(result.FailedOffloads, "\n"))
	}

	attachments := []string{result.First, result.Last}
	if err := r.notifier.Notify(ctx, success, plan.Emails, plan.Name, msg.String(), attachments); err != nil {
		r.logger.Errorf("sending report email: %v", err)
	}
}

// newRunResult creates the two zero-length placeholder files the run
// copies its first and most recent images into.
func newRunResult() (*RunResult, error) {
	first, err := os.CreateTemp("", "first-*.jpg")
	if err != nil {
		return nil, fmt.Errorf("creating first-image placeholder: %w", err)
	}
	first.Close()
	last, err := os.CreateTemp("", "last-*.jpg")
	if err != nil {
		os.Remove(first.Name())
		return nil, fmt.Errorf("creating last-image placeholder: %w", err)
	}
	last.Close()
	return &RunResult{First: first.Name(), Last: last.Name()}, nil
}

// updateFirstLast copies the earliest of localPaths into the first
// placeholder while it is still empty; once first holds an image, every
// later call overwrites the last placeholder with the newest path.
func updateFirstLast(result *RunResult, localPaths []string) error {
	if len(localPaths) == 0 {
		return nil
	}
	fi, err := os.Stat(result.First)
	if err != nil {
		return err
	}
	if fi.Size() == 0 {
		return copyFileContents(localPaths[0], result.First)
	}
	return copyFileContents(localPaths[len(localPaths)-1], result.Last)
}

func copyFileContents(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
