package plateimager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.viam.com/rdk/components/board"
	"go.viam.com/rdk/components/gantry"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	generic "go.viam.com/rdk/services/generic"
	goutils "go.viam.com/utils"
)

var Controller = resource.NewModel("duckpond", "plate-imager", "controller")

func init() {
	resource.RegisterService(generic.API, Controller,
		resource.Registration[resource.Resource, *Config]{
			Constructor: newPlateImagerController,
		},
	)
}

type Config struct {
	Gantry           string `json:"gantry"`
	Board            string `json:"board"`
	EnvFile          string `json:"env_file,omitempty"`
	CaptureTimeoutMs int    `json:"capture_timeout_ms,omitempty"`
	SettleMs         int    `json:"settle_ms,omitempty"`
}

func (cfg *Config) Validate(path string) ([]string, []string, error) {
	if cfg.Gantry == "" {
		return nil, nil, fmt.Errorf("%s: gantry is required", path)
	}
	if cfg.Board == "" {
		return nil, nil, fmt.Errorf("%s: board is required", path)
	}
	return []string{cfg.Gantry, cfg.Board}, nil, nil
}

// activeRun tracks the one in-flight experiment run. Runs are exclusive:
// a second start is refused while one is executing.
type activeRun struct {
	runID  string
	cancel func()
	done   chan struct{}
}

type plateImagerController struct {
	resource.AlwaysRebuild

	name   resource.Name
	logger logging.Logger
	cfg    *Config

	settings *Settings
	runner   *runner
	cameras  *cameraMux

	mu         sync.Mutex
	activeRun  *activeRun
	lastResult *RunResult
	lastErr    error

	cancelCtx  context.Context
	cancelFunc func()
}

func newPlateImagerController(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (resource.Resource, error) {
	conf, err := resource.NativeConfig[*Config](rawConf)
	if err != nil {
		return nil, err
	}

	return NewController(ctx, deps, rawConf.ResourceName(), conf, logger)
}

func NewController(ctx context.Context, deps resource.Dependencies, name resource.Name, conf *Config, logger logging.Logger) (resource.Resource, error) {
	g, err := gantry.FromDependencies(deps, conf.Gantry)
	if err != nil {
		return nil, fmt.Errorf("getting gantry: %w", err)
	}

	b, err := board.FromDependencies(deps, conf.Board)
	if err != nil {
		return nil, fmt.Errorf("getting board: %w", err)
	}

	settings, err := LoadSettings(conf.EnvFile)
	if err != nil {
		return nil, fmt.Errorf("loading settings: %w", err)
	}

	actuator := newGantryActuator(g, time.Duration(conf.SettleMs)*time.Millisecond, logger)
	cameras := newCameraMux(b, time.Duration(conf.CaptureTimeoutMs)*time.Millisecond, logger)
	offload := newOffloader(settings.RemoteSaveDir, logger)
	notify := newMailNotifier(settings, logger)
	dial := func() (remoteFS, error) { return dialRemote(settings) }

	cancelCtx, cancelFunc := context.WithCancel(context.Background())

	s := &plateImagerController{
		name:       name,
		logger:     logger,
		cfg:        conf,
		settings:   settings,
		cameras:    cameras,
		runner:     newRunner(actuator, cameras, offload, dial, notify, settings, logger),
		cancelCtx:  cancelCtx,
		cancelFunc: cancelFunc,
	}
	return s, nil
}

func (s *plateImagerController) Name() resource.Name {
	return s.name
}

// GetState exposes live run progress to the run sensor.
func (s *plateImagerController) GetState() map[string]interface{} {
	return s.runner.state()
}

func (s *plateImagerController) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	command, ok := cmd["command"].(string)
	if !ok {
		return nil, fmt.Errorf("missing or invalid 'command' field")
	}

	switch command {
	case "run":
		return s.handleRun(cmd)
	case "status":
		return s.handleStatus()
	case "abort":
		return s.handleAbort()
	case "reset":
		return s.handleReset(ctx)
	default:
		return nil, fmt.Errorf("unknown command: %s", command)
	}
}

// handleRun starts an experiment run in the background. The run's
// context is a child of the controller's, so shutting the module down
// cancels the run through the same cleanup path as an abort.
func (s *plateImagerController) handleRun(cmd map[string]interface{}) (map[string]interface{}, error) {
	configPath, ok := cmd["config_path"].(string)
	if !ok || configPath == "" {
		return nil, fmt.Errorf("missing or invalid 'config_path' field")
	}
	dryRun, _ := cmd["test"].(bool)

	plan, err := LoadPlan(configPath)
	if err != nil {
		return nil, err
	}
	if err := plan.Validate(s.settings.TravelLimits()); err != nil {
		return nil, &RunError{Kind: FailureConfig, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeRun != nil {
		return nil, fmt.Errorf("run %s is already executing", s.activeRun.runID)
	}

	runCtx, cancel := context.WithCancel(s.cancelCtx)
	run := &activeRun{
		runID:  fmt.Sprintf("run-%s", time.Now().Format("20060102-150405")),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.activeRun = run

	goutils.PanicCapturingGo(func() {
		defer close(run.done)
		defer cancel()

		result, err := s.runner.Run(runCtx, plan, dryRun)

		s.mu.Lock()
		s.activeRun = nil
		s.lastResult = result
		s.lastErr = err
		s.mu.Unlock()
	})

	return map[string]interface{}{
		"status":     "started",
		"run_id":     run.runID,
		"experiment": plan.Name,
		"dry_run":    dryRun,
	}, nil
}

func (s *plateImagerController) handleStatus() (map[string]interface{}, error) {
	status := s.runner.state()

	s.mu.Lock()
	defer s.mu.Unlock()
	status["running"] = s.activeRun != nil
	if s.activeRun == nil && s.lastResult != nil {
		status["first"] = s.lastResult.First
		status["last"] = s.lastResult.Last
	}
	if s.activeRun == nil && s.lastErr != nil {
		status["error"] = s.lastErr.Error()
	}
	return status, nil
}

func (s *plateImagerController) handleAbort() (map[string]interface{}, error) {
	s.mu.Lock()
	run := s.activeRun
	s.mu.Unlock()

	if run == nil {
		return nil, fmt.Errorf("no run is executing")
	}

	// Cancelling the run context fails the current motion or capture; the
	// runner then walks its normal cleanup (re-home, notify).
	run.cancel()
	<-run.done

	return map[string]interface{}{"status": "aborted", "run_id": run.runID}, nil
}

// handleReset restores the mux gate lines to their idle-safe state
// without running anything, for recovering a rig whose pins were left
// driven by a crashed process.
func (s *plateImagerController) handleReset(ctx context.Context) (map[string]interface{}, error) {
	s.mu.Lock()
	busy := s.activeRun != nil
	s.mu.Unlock()
	if busy {
		return nil, fmt.Errorf("cannot reset pins while a run is executing")
	}

	if err := s.cameras.resetPins(ctx); err != nil {
		return nil, err
	}
	return map[string]interface{}{"status": "reset"}, nil
}

func (s *plateImagerController) Close(context.Context) error {
	s.mu.Lock()
	run := s.activeRun
	s.mu.Unlock()

	s.cancelFunc()
	if run != nil {
		<-run.done
	}
	return nil
}
