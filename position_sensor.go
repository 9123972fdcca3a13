package plateimager

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.viam.com/rdk/components/gantry"
	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
)

var PositionSensor = resource.NewModel("duckpond", "plate-imager", "position-sensor")

func init() {
	resource.RegisterComponent(sensor.API, PositionSensor,
		resource.Registration[sensor.Sensor, *PositionSensorConfig]{
			Constructor: newPositionSensor,
		},
	)
}

type PositionSensorConfig struct {
	Gantry       string  `json:"gantry"`                   // REQUIRED: name of the actuator gantry
	UseMockSweep bool    `json:"use_mock_sweep,omitempty"` // optional: synthesize a sweep instead of polling hardware
	SampleRateHz int     `json:"sample_rate_hz,omitempty"`
	BufferSize   int     `json:"buffer_size,omitempty"`
	MaxTravelMM  float64 `json:"max_travel_mm,omitempty"` // readings past this set the over_travel flag
}

func (cfg *PositionSensorConfig) Validate(path string) ([]string, []string, error) {
	if cfg.Gantry == "" {
		return nil, nil, fmt.Errorf("%s: gantry is required", path)
	}
	return []string{cfg.Gantry}, nil, nil
}

// positionReader abstracts position polling for mock vs hardware implementations
type positionReader interface {
	ReadPosition(ctx context.Context) (float64, error)
}

// mockSweepReader synthesizes a slow triangle sweep over the axis, for
// bench demos with no actuator attached.
type mockSweepReader struct {
	mu      sync.Mutex
	tick    int
	spanMM  float64
	stepMM  float64
	forward bool
}

func newMockSweepReader(spanMM float64) *mockSweepReader {
	if spanMM <= 0 {
		spanMM = 500
	}
	return &mockSweepReader{spanMM: spanMM, stepMM: 2, forward: true}
}

func (m *mockSweepReader) ReadPosition(ctx context.Context) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos := float64(m.tick) * m.stepMM
	if m.forward {
		m.tick++
		if pos >= m.spanMM {
			m.forward = false
		}
	} else {
		m.tick--
		if m.tick <= 0 {
			m.tick = 0
			m.forward = true
		}
	}
	return pos, nil
}

// gantryPositionReader polls the first axis of a gantry component.
type gantryPositionReader struct {
	gantry gantry.Gantry
}

func (r *gantryPositionReader) ReadPosition(ctx context.Context) (float64, error) {
	positions, err := r.gantry.Position(ctx, nil)
	if err != nil {
		return 0, err
	}
	if len(positions) == 0 {
		return 0, fmt.Errorf("gantry reported no axes")
	}
	return positions[0], nil
}

// positionSensor samples the actuator position in the background into a
// ring buffer and reports the current, extreme and over-travel view of
// the axis. It is purely observational; motion is owned by the run
// controller.
type positionSensor struct {
	resource.AlwaysRebuild

	name   resource.Name
	logger logging.Logger
	reader positionReader

	sampleRateHz int
	bufferSize   int
	maxTravelMM  float64

	mu         sync.Mutex
	samples    []float64
	currentMM  float64
	maxSeenMM  float64
	overTravel bool

	cancelCtx  context.Context
	cancelFunc func()
}

func newPositionSensor(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (sensor.Sensor, error) {
	conf, err := resource.NativeConfig[*PositionSensorConfig](rawConf)
	if err != nil {
		return nil, err
	}

	sampleRate := conf.SampleRateHz
	if sampleRate <= 0 {
		sampleRate = 10
	}

	bufferSize := conf.BufferSize
	if bufferSize <= 0 {
		bufferSize = 100
	}

	var reader positionReader
	if conf.UseMockSweep {
		reader = newMockSweepReader(conf.MaxTravelMM)
		logger.Infof("position-sensor using mock sweep (use_mock_sweep=true)")
	} else {
		g, err := gantry.FromDependencies(deps, conf.Gantry)
		if err != nil {
			return nil, fmt.Errorf("getting gantry: %w", err)
		}
		reader = &gantryPositionReader{gantry: g}
		logger.Infof("position-sensor polling gantry %q at %dHz", conf.Gantry, sampleRate)
	}

	cancelCtx, cancelFunc := context.WithCancel(context.Background())

	ps := &positionSensor{
		name:         rawConf.ResourceName(),
		logger:       logger,
		reader:       reader,
		sampleRateHz: sampleRate,
		bufferSize:   bufferSize,
		maxTravelMM:  conf.MaxTravelMM,
		samples:      make([]float64, 0, bufferSize),
		maxSeenMM:    math.Inf(-1),
		cancelCtx:    cancelCtx,
		cancelFunc:   cancelFunc,
	}

	go ps.samplingLoop()

	return ps, nil
}

func (ps *positionSensor) Name() resource.Name {
	return ps.name
}

func (ps *positionSensor) samplingLoop() {
	ticker := time.NewTicker(time.Second / time.Duration(ps.sampleRateHz))
	defer ticker.Stop()

	for {
		select {
		case <-ps.cancelCtx.Done():
			return
		case <-ticker.C:
		}

		pos, err := ps.reader.ReadPosition(ps.cancelCtx)
		if err != nil {
			if ps.cancelCtx.Err() == nil {
				ps.logger.Warnf("failed to read position: %v", err)
			}
			continue
		}

		ps.record(pos)
	}
}

func (ps *positionSensor) record(pos float64) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if len(ps.samples) >= ps.bufferSize {
		ps.samples = ps.samples[1:]
	}
	ps.samples = append(ps.samples, pos)
	ps.currentMM = pos
	if pos > ps.maxSeenMM {
		ps.maxSeenMM = pos
	}
	if ps.maxTravelMM > 0 && pos > ps.maxTravelMM {
		ps.overTravel = true
	}
}

func (ps *positionSensor) Readings(ctx context.Context, extra map[string]interface{}) (map[string]interface{}, error) {
	ps.mu.Lock()
	samplesCopy := make([]float64, len(ps.samples))
	copy(samplesCopy, ps.samples)
	current := ps.currentMM
	maxSeen := ps.maxSeenMM
	overTravel := ps.overTravel
	ps.mu.Unlock()

	samplesInterface := make([]interface{}, len(samplesCopy))
	for i, v := range samplesCopy {
		samplesInterface[i] = v
	}

	result := map[string]interface{}{
		"position_mm":  current,
		"samples":      samplesInterface,
		"sample_count": len(samplesCopy),
		"over_travel":  overTravel,
	}
	if len(samplesCopy) > 0 {
		result["max_position_mm"] = maxSeen
	}
	return result, nil
}

func (ps *positionSensor) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	command, ok := cmd["command"].(string)
	if !ok {
		return nil, fmt.Errorf("missing or invalid 'command' field")
	}

	switch command {
	case "reset_extremes":
		ps.mu.Lock()
		ps.maxSeenMM = math.Inf(-1)
		ps.overTravel = false
		ps.samples = ps.samples[:0]
		ps.mu.Unlock()
		return map[string]interface{}{"status": "reset"}, nil
	default:
		return nil, fmt.Errorf("unknown command: %s", command)
	}
}

func (ps *positionSensor) Close(context.Context) error {
	ps.cancelFunc()
	return nil
}
