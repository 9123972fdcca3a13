package plateimager

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"go.viam.com/rdk/logging"
)

type fakeActuator struct {
	mu    sync.Mutex
	pos   float64
	homes int
	moves []float64 // absolute position after each commanded move
}

func (a *fakeActuator) Home(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.homes++
	a.pos = 0
	return nil
}

func (a *fakeActuator) MoveRelative(ctx context.Context, deltaMM float64) (float64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pos += deltaMM
	a.moves = append(a.moves, a.pos)
	return a.pos, nil
}

func (a *fakeActuator) MoveToAbsolute(ctx context.Context, targetMM float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pos = targetMM
	a.moves = append(a.moves, a.pos)
	return nil
}

func (a *fakeActuator) Position(ctx context.Context) (float64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pos, nil
}

type fakeNotifier struct {
	called      bool
	success     bool
	recipients  []string
	experiment  string
	message     string
	attachments []string
}

func (n *fakeNotifier) Notify(ctx context.Context, success bool, recipients []string, experiment, message string, attachments []string) error {
	n.called = true
	n.success = success
	n.recipients = recipients
	n.experiment = experiment
	n.message = message
	n.attachments = attachments
	return nil
}

// testRunner wires a runner out of fakes. The returned capture log lists
// the camera of every still taken, in order.
func testRunner(t *testing.T, dial remoteDialer, notify notifier) (*runner, *fakeActuator, *[]Camera) {
	t.Helper()
	logger := logging.NewTestLogger(t)

	b, _ := newMuxTestBoard()
	mux := newCameraMux(b, 0, logger)
	captured := &[]Camera{}
	mux.capture = func(ctx context.Context, cam Camera, outPath string) error {
		*captured = append(*captured, cam)
		return os.WriteFile(outPath, []byte("img"), 0o644)
	}

	act := &fakeActuator{}
	settings := &Settings{RemoteSaveDir: "/srv/experiments"}
	r := newRunner(act, mux, newOffloader(settings.RemoteSaveDir, logger), dial, notify, settings, logger)
	return r, act, captured
}

func dialRefusing(t *testing.T) remoteDialer {
	return func() (remoteFS, error) {
		t.Error("the archive must not be dialed in dry-run mode")
		return nil, errors.New("refused")
	}
}

func TestRunDryRun(t *testing.T) {
	notify := &fakeNotifier{}
	r, act, captured := testRunner(t, dialRefusing(t), notify)

	plan := validPlan(t)
	plan.NumberOfImages = 1
	plan.Stages[0].Rows = 1

	result, err := r.Run(context.Background(), plan, true)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	defer os.Remove(result.First)
	defer os.Remove(result.Last)

	// One image per camera, cameras in fixed A,B,C,D order.
	want := []Camera{CameraA, CameraB, CameraC, CameraD}
	if len(*captured) != len(want) {
		t.Fatalf("expected %d captures, got %d", len(want), len(*captured))
	}
	for i, cam := range want {
		if (*captured)[i] != cam {
			t.Errorf("capture %d: expected camera %s, got %s", i, cam, (*captured)[i])
		}
	}

	// Homed at start and during cleanup, nothing more.
	if act.homes != 2 {
		t.Errorf("expected 2 homes, got %d", act.homes)
	}

	// Both result placeholders hold an image and survive the dry run.
	for _, p := range []string{result.First, result.Last} {
		fi, err := os.Stat(p)
		if err != nil {
			t.Fatalf("placeholder %s missing: %v", p, err)
		}
		if fi.Size() == 0 {
			t.Errorf("placeholder %s should be non-empty", p)
		}
	}

	if notify.called {
		t.Error("no email should be sent in dry-run mode")
	}
	if got := r.Progress().Phase; got != phaseDone {
		t.Errorf("expected phase %s, got %s", phaseDone, got)
	}
}

func TestRunWalksStagesAndRows(t *testing.T) {
	notify := &fakeNotifier{}
	r, act, captured := testRunner(t, dialRefusing(t), notify)

	plan := validPlan(t)
	plan.NumberOfImages = 1
	plan.Stages = []Stage{
		{StageDistance: Distance{Length: 4}, Rows: 2, RowDistance: Distance{Length: 128}},
		{StageDistance: Distance{Length: 300}, Rows: 1, RowDistance: Distance{Length: 10}},
	}

	if _, err := r.Run(context.Background(), plan, true); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// Stage starts are absolute from home, rows are relative increments.
	wantMoves := []float64{4, 132, 300}
	if len(act.moves) != len(wantMoves) {
		t.Fatalf("expected moves %v, got %v", wantMoves, act.moves)
	}
	for i, want := range wantMoves {
		if act.moves[i] != want {
			t.Errorf("move %d: expected %v, got %v", i, want, act.moves[i])
		}
	}

	if len(*captured) != 12 { // (2 rows + 1 row) x 4 cameras
		t.Errorf("expected 12 captures, got %d", len(*captured))
	}
}

func TestRunCaptureFailure(t *testing.T) {
	notify := &fakeNotifier{}
	remote := newFakeRemote()
	dial := func() (remoteFS, error) { return remote, nil }
	r, act, captured := testRunner(t, dial, notify)

	plan := validPlan(t)
	plan.NumberOfImages = 1
	plan.Stages[0].Rows = 1

	// Camera B's shot times out; C and D must never fire.
	base := r.cameras.capture
	r.cameras.capture = func(ctx context.Context, cam Camera, outPath string) error {
		if cam == CameraB {
			return errors.New("libcamera-still: signal: killed")
		}
		return base(ctx, cam, outPath)
	}

	_, err := r.Run(context.Background(), plan, false)
	if err == nil {
		t.Fatal("expected run to fail")
	}
	var runErr *RunError
	if !errors.As(err, &runErr) || runErr.Kind != FailureCapture {
		t.Fatalf("expected a capture RunError, got %v", err)
	}

	if len(*captured) != 1 {
		t.Errorf("remaining cameras should be skipped, got %d captures", len(*captured))
	}
	if act.homes != 2 {
		t.Errorf("cleanup must still re-home, got %d homes", act.homes)
	}
	if !notify.called || notify.success {
		t.Fatal("an error report should be sent")
	}
	if !strings.Contains(notify.message, "signal: killed") {
		t.Errorf("report should carry the captured error text, got: %s", notify.message)
	}
}

func TestRunConfigErrorTouchesNoHardware(t *testing.T) {
	notify := &fakeNotifier{}
	r, act, captured := testRunner(t, dialRefusing(t), notify)

	plan := validPlan(t)
	plan.NumberOfImages = 0

	_, err := r.Run(context.Background(), plan, true)
	var runErr *RunError
	if !errors.As(err, &runErr) || runErr.Kind != FailureConfig {
		t.Fatalf("expected a config RunError, got %v", err)
	}
	if act.homes != 0 || len(*captured) != 0 {
		t.Errorf("no hardware should be touched on config errors (homes=%d captures=%d)", act.homes, len(*captured))
	}
}

func TestRunOffloadTransferFailure(t *testing.T) {
	notify := &fakeNotifier{}
	remote := newFakeRemote()
	remote.putErr = errors.New("broken pipe")
	dial := func() (remoteFS, error) { return remote, nil }
	r, _, _ := testRunner(t, dial, notify)

	plan := validPlan(t)
	plan.NumberOfImages = 1
	plan.Stages[0].Rows = 1

	result, err := r.Run(context.Background(), plan, false)
	if err != nil {
		t.Fatalf("per-file offload failures must not abort the run: %v", err)
	}
	if len(result.FailedOffloads) != 4 {
		t.Errorf("expected 4 failed offloads, got %v", result.FailedOffloads)
	}
	for _, p := range result.FailedOffloads {
		if _, statErr := os.Stat(p); statErr != nil {
			t.Errorf("failed file %s should be retained locally: %v", p, statErr)
		}
	}
	if !notify.called || !notify.success {
		t.Fatal("a success report should still be sent")
	}
	if !strings.Contains(notify.message, "failed offload") {
		t.Errorf("report should list the failed files, got: %s", notify.message)
	}
}

func TestRunArchiveUnreachableAtStart(t *testing.T) {
	notify := &fakeNotifier{}
	dial := func() (remoteFS, error) { return nil, errors.New("connection refused") }
	r, act, captured := testRunner(t, dial, notify)

	plan := validPlan(t)

	_, err := r.Run(context.Background(), plan, false)
	var runErr *RunError
	if !errors.As(err, &runErr) || runErr.Kind != FailureHardware {
		t.Fatalf("expected a hardware RunError, got %v", err)
	}
	if len(*captured) != 0 {
		t.Error("nothing should be captured when the archive is unreachable")
	}
	if act.homes != 1 {
		t.Errorf("cleanup should still home once, got %d homes", act.homes)
	}
	if !notify.called || notify.success {
		t.Error("an error report should be sent")
	}
}

func TestRunPerBatchConnectionFailure(t *testing.T) {
	notify := &fakeNotifier{}
	dials := 0
	dial := func() (remoteFS, error) {
		dials++
		if dials == 1 {
			return newFakeRemote(), nil // directory preparation succeeds
		}
		return nil, errors.New("connection reset")
	}
	r, _, _ := testRunner(t, dial, notify)

	plan := validPlan(t)
	plan.NumberOfImages = 1
	plan.Stages[0].Rows = 1

	result, err := r.Run(context.Background(), plan, false)
	if err != nil {
		t.Fatalf("per-batch connection failures must not abort the run: %v", err)
	}
	if len(result.FailedOffloads) != 4 {
		t.Errorf("expected every file kept local, got %v", result.FailedOffloads)
	}
	if dials != 5 { // 1 preparation + 1 per camera batch
		t.Errorf("expected a fresh connection per batch, got %d dials", dials)
	}
}

func TestUpdateFirstLast(t *testing.T) {
	dir := t.TempDir()
	mk := func(name, content string) string {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
		return p
	}

	result := &RunResult{First: mk("first.jpg", ""), Last: mk("last.jpg", "")}
	local1 := mk("local1.jpg", "local1")
	local2 := mk("local2.jpg", "local2")

	// First call fills the first placeholder and leaves last untouched.
	if err := updateFirstLast(result, []string{local1, local2}); err != nil {
		t.Fatal(err)
	}
	if got, _ := os.ReadFile(result.First); string(got) != "local1" {
		t.Errorf("first: expected local1 contents, got %q", got)
	}
	if fi, _ := os.Stat(result.Last); fi.Size() != 0 {
		t.Error("last should stay empty after the first update")
	}

	// Later calls overwrite last with the newest path, first is settled.
	if err := updateFirstLast(result, []string{local1, local2}); err != nil {
		t.Fatal(err)
	}
	if got, _ := os.ReadFile(result.First); string(got) != "local1" {
		t.Errorf("first must not change once set, got %q", got)
	}
	if got, _ := os.ReadFile(result.Last); string(got) != "local2" {
		t.Errorf("last: expected local2 contents, got %q", got)
	}
}
