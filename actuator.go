package plateimager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.viam.com/rdk/components/gantry"
	"go.viam.com/rdk/logging"
)

// Actuator is the motion port the run controller drives. Implementations
// must be safe for repeated homing and must serialize access internally:
// the underlying device cannot service overlapping commands.
type Actuator interface {
	// Home drives the axis to its zero reference. Blocking.
	Home(ctx context.Context) error
	// MoveRelative moves by the given offset from the current position and
	// returns the resulting absolute position after the settle delay.
	MoveRelative(ctx context.Context, deltaMM float64) (float64, error)
	// MoveToAbsolute moves to the given distance from home.
	MoveToAbsolute(ctx context.Context, targetMM float64) error
	// Position queries the current absolute position without motion.
	Position(ctx context.Context) (float64, error)
}

// Gentle motion defaults. The plates sit loose in their wells; anything
// quicker shakes water out of them.
const (
	defaultMaxSpeedMMPerSec = 20.0
	defaultAcceleration     = 2
	defaultDeceleration     = 2
	defaultSettleDelay      = time.Second
)

// gantryActuator adapts a single-axis gantry component to the Actuator
// port, applying the gentle motion defaults on every command and holding
// a mutex so concurrent callers are serialized onto the one axis.
type gantryActuator struct {
	mu     sync.Mutex
	gantry gantry.Gantry
	logger logging.Logger

	maxSpeed float64
	settle   time.Duration
}

func newGantryActuator(g gantry.Gantry, settle time.Duration, logger logging.Logger) *gantryActuator {
	if settle <= 0 {
		settle = defaultSettleDelay
	}
	return &gantryActuator{
		gantry:   g,
		logger:   logger,
		maxSpeed: defaultMaxSpeedMMPerSec,
		settle:   settle,
	}
}

// motionExtra carries the gentle acceleration profile to gantry models
// that understand it (the Zaber model maps these onto motion.accelonly
// and motion.decelonly).
func motionExtra() map[string]interface{} {
	return map[string]interface{}{
		"acceleration": defaultAcceleration,
		"deceleration": defaultDeceleration,
	}
}

func (a *gantryActuator) Home(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.logger.Debug("resetting the actuator position")
	homed, err := a.gantry.Home(ctx, motionExtra())
	if err != nil {
		return fmt.Errorf("homing actuator: %w", err)
	}
	if !homed {
		return fmt.Errorf("actuator did not report homed")
	}
	return nil
}

func (a *gantryActuator) MoveRelative(ctx context.Context, deltaMM float64) (float64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.moveRelativeLocked(ctx, deltaMM)
}

// MoveToAbsolute computes the offset from the current position and
// delegates to the relative move, so both entry points share one motion
// path.
func (a *gantryActuator) MoveToAbsolute(ctx context.Context, targetMM float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	cur, err := a.positionLocked(ctx)
	if err != nil {
		return err
	}
	_, err = a.moveRelativeLocked(ctx, targetMM-cur)
	return err
}

func (a *gantryActuator) Position(ctx context.Context) (float64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.positionLocked(ctx)
}

func (a *gantryActuator) moveRelativeLocked(ctx context.Context, deltaMM float64) (float64, error) {
	cur, err := a.positionLocked(ctx)
	if err != nil {
		return 0, err
	}
	target := cur + deltaMM

	a.logger.Debugf("moving actuator %.1fmm to %.1fmm", deltaMM, target)
	if err := a.gantry.MoveToPosition(ctx, []float64{target}, []float64{a.maxSpeed}, motionExtra()); err != nil {
		return 0, fmt.Errorf("moving actuator %.1fmm: %w", deltaMM, err)
	}

	// Let the stage stop ringing before anything is photographed.
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-time.After(a.settle):
	}

	return a.positionLocked(ctx)
}

func (a *gantryActuator) positionLocked(ctx context.Context) (float64, error) {
	positions, err := a.gantry.Position(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("querying actuator position: %w", err)
	}
	if len(positions) == 0 {
		return 0, fmt.Errorf("actuator reported no axes")
	}
	return positions[0], nil
}
