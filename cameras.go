package plateimager

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"go.viam.com/rdk/components/board"
	"go.viam.com/rdk/logging"
)

// Camera identifies one of the four fixed cameras. The numeric value is
// what libcamera-still expects for --camera.
type Camera int

const (
	CameraA Camera = iota
	CameraB
	CameraC
	CameraD
)

// cameraOrder is the fixed enumeration order a run images cameras in.
var cameraOrder = [4]Camera{CameraA, CameraB, CameraC, CameraD}

func (c Camera) String() string {
	switch c {
	case CameraA:
		return "A"
	case CameraB:
		return "B"
	case CameraC:
		return "C"
	case CameraD:
		return "D"
	}
	return fmt.Sprintf("Camera(%d)", int(c))
}

// CameraFromLetter maps an identifier letter to a Camera.
func CameraFromLetter(letter string) (Camera, error) {
	switch letter {
	case "A":
		return CameraA, nil
	case "B":
		return CameraB, nil
	case "C":
		return CameraC, nil
	case "D":
		return CameraD, nil
	}
	return 0, fmt.Errorf("camera must be one of A,B,C,D, received %q", letter)
}

// The multiplexer's gate lines, in board pin numbering, and the truth
// table routing power and data to each camera. Any combination not in the
// table is electrically invalid for this rig.
var gatePins = [3]string{"7", "11", "12"}

var cameraGates = map[Camera][3]bool{
	CameraA: {false, false, true},
	CameraB: {true, false, true},
	CameraC: {false, true, false},
	CameraD: {true, true, false},
}

// idleHighPins are driven high when no camera is selected; pin 7 idles
// low. This matches the mux board's safe state.
var idleHighPins = []string{"11", "12", "15", "16", "21", "22"}

const (
	defaultCaptureTimeout = 25 * time.Second
	// libcamera-still's own preview/settle time before it fires, in ms.
	captureSettleMS = 10000
)

// captureFunc performs one still capture on an already-selected camera,
// writing the image to outPath. Injectable so tests run without libcamera.
type captureFunc func(ctx context.Context, cam Camera, outPath string) error

// cameraMux selects one of the four cameras via the shared gate lines and
// drives burst captures. Gate lines are restored to the idle state after
// every sequence, including on error.
type cameraMux struct {
	board   board.Board
	logger  logging.Logger
	capture captureFunc
	timeout time.Duration
}

func newCameraMux(b board.Board, timeout time.Duration, logger logging.Logger) *cameraMux {
	m := &cameraMux{
		board:   b,
		logger:  logger,
		timeout: timeout,
	}
	if m.timeout <= 0 {
		m.timeout = defaultCaptureTimeout
	}
	m.capture = m.libcameraStill
	return m
}

func (m *cameraMux) setPin(ctx context.Context, name string, high bool) error {
	pin, err := m.board.GPIOPinByName(name)
	if err != nil {
		return fmt.Errorf("gate pin %s: %w", name, err)
	}
	if err := pin.Set(ctx, high, nil); err != nil {
		return fmt.Errorf("setting gate pin %s: %w", name, err)
	}
	return nil
}

// resetPins puts every mux line back in the idle-safe state.
func (m *cameraMux) resetPins(ctx context.Context) error {
	m.logger.Debug("resetting mux gate pins")
	if err := m.setPin(ctx, "7", false); err != nil {
		return err
	}
	for _, name := range idleHighPins {
		if err := m.setPin(ctx, name, true); err != nil {
			return err
		}
	}
	return nil
}

// selectCamera drives the gate lines to route the given camera.
func (m *cameraMux) selectCamera(ctx context.Context, cam Camera) error {
	gates, ok := cameraGates[cam]
	if !ok {
		return fmt.Errorf("camera must be one of A,B,C,D, received %v", cam)
	}
	m.logger.Debugf("starting camera %s", cam)
	for i, name := range gatePins {
		if err := m.setPin(ctx, name, gates[i]); err != nil {
			return err
		}
	}
	return nil
}

// captureSequence resets the gate lines, selects the camera, and takes
// count stills into outputDir/camera<Letter>/. Each file is named
// <base>_<timestamp>_<n>.jpg. The first capture failure aborts the rest
// of the sequence; the gate lines are reset before the error propagates.
func (m *cameraMux) captureSequence(ctx context.Context, cam Camera, outputDir, base string, count int) (paths []string, err error) {
	if _, ok := cameraGates[cam]; !ok {
		return nil, fmt.Errorf("camera must be one of A,B,C,D, received %v", cam)
	}

	defer func() {
		// Pins go back to idle whether or not the sequence finished. A
		// reset failure only surfaces if the captures themselves succeeded.
		if resetErr := m.resetPins(context.WithoutCancel(ctx)); resetErr != nil && err == nil {
			err = resetErr
		}
	}()

	if err := m.resetPins(ctx); err != nil {
		return nil, err
	}
	if err := m.selectCamera(ctx, cam); err != nil {
		return nil, err
	}

	camDir := filepath.Join(outputDir, "camera"+cam.String())
	if err := os.MkdirAll(camDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", camDir, err)
	}
	for n := 1; n <= count; n++ {
		m.logger.Debugf("taking image %d of %d on camera %s", n, count, cam)
		ts := time.Now().Format("20060102-150405")
		outPath := filepath.Join(camDir, fmt.Sprintf("%s_%s_%d.jpg", base, ts, n))
		if err := m.capture(ctx, cam, outPath); err != nil {
			return nil, fmt.Errorf("camera %s image %d: %w", cam, n, err)
		}
		paths = append(paths, outPath)
	}
	return paths, nil
}

// libcameraStill shells out to libcamera-still for one capture. A timeout
// or non-zero exit is a hard failure for the sequence.
func (m *cameraMux) libcameraStill(ctx context.Context, cam Camera, outPath string) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "libcamera-still",
		"-n",
		"-t", strconv.Itoa(captureSettleMS),
		"--camera", strconv.Itoa(int(cam)),
		"-o", outPath,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("libcamera-still: %w (output: %s)", err, bytes.TrimSpace(out))
	}
	return nil
}

// makeFilenameBase builds the deterministic part of an image filename:
// cam_<Letter>_<stage>_<row>.
func makeFilenameBase(cam Camera, stage, row int) string {
	return fmt.Sprintf("cam_%s_%d_%d", cam, stage, row)
}
