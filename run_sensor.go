package plateimager

import (
	"context"
	"fmt"

	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
)

var RunSensor = resource.NewModel("duckpond", "plate-imager", "run-sensor")

func init() {
	resource.RegisterComponent(sensor.API, RunSensor,
		resource.Registration[sensor.Sensor, *RunSensorConfig]{
			Constructor: newRunSensor,
		},
	)
}

type RunSensorConfig struct {
	Controller string `json:"controller"`
}

func (cfg *RunSensorConfig) Validate(path string) ([]string, []string, error) {
	if cfg.Controller == "" {
		return nil, nil, fmt.Errorf("%s: controller is required", path)
	}
	// Return full resource name so Viam knows this is a generic service dependency
	dep := resource.NewName(resource.APINamespaceRDK.WithServiceType("generic"), cfg.Controller)
	return []string{dep.String()}, nil, nil
}

type stateProvider interface {
	GetState() map[string]interface{}
}

// runSensor publishes the controller's live run cursor (phase, stage,
// row, camera, image and offload counters) as sensor readings, so the
// rig's progress is visible from any Viam client without touching the
// controller itself.
type runSensor struct {
	resource.AlwaysRebuild

	name       resource.Name
	logger     logging.Logger
	controller stateProvider
}

func newRunSensor(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (sensor.Sensor, error) {
	conf, err := resource.NativeConfig[*RunSensorConfig](rawConf)
	if err != nil {
		return nil, err
	}

	controllerName := resource.NewName(resource.APINamespaceRDK.WithServiceType("generic"), conf.Controller)
	ctrl, ok := deps[controllerName]
	if !ok {
		return nil, fmt.Errorf("controller %q not found in dependencies", conf.Controller)
	}

	provider, ok := ctrl.(stateProvider)
	if !ok {
		return nil, fmt.Errorf("controller %q does not implement GetState", conf.Controller)
	}

	return &runSensor{
		name:       rawConf.ResourceName(),
		logger:     logger,
		controller: provider,
	}, nil
}

func (s *runSensor) Name() resource.Name {
	return s.name
}

func (s *runSensor) Readings(ctx context.Context, extra map[string]interface{}) (map[string]interface{}, error) {
	return s.controller.GetState(), nil
}

func (s *runSensor) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	return nil, fmt.Errorf("DoCommand not supported on run-sensor")
}

func (s *runSensor) Close(context.Context) error {
	return nil
}
