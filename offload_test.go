package plateimager

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"go.viam.com/rdk/logging"
)

// fakeRemote is an in-memory remoteFS.
type fakeRemote struct {
	dirs     []string
	puts     map[string]string // local -> remote
	putErr   error
	mkdirErr error
	closed   bool
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{puts: map[string]string{}}
}

func (f *fakeRemote) MkdirAll(remotePath string) error {
	if f.mkdirErr != nil {
		return f.mkdirErr
	}
	f.dirs = append(f.dirs, remotePath)
	return nil
}

func (f *fakeRemote) Put(localPath, remotePath string) error {
	if f.putErr != nil {
		return f.putErr
	}
	f.puts[localPath] = remotePath
	return nil
}

func (f *fakeRemote) Close() error {
	f.closed = true
	return nil
}

func writeLocalImages(t *testing.T, camDir string, names ...string) []string {
	t.Helper()
	if err := os.MkdirAll(camDir, 0o755); err != nil {
		t.Fatal(err)
	}
	var paths []string
	for _, name := range names {
		p := filepath.Join(camDir, name)
		if err := os.WriteFile(p, []byte("img"), 0o644); err != nil {
			t.Fatal(err)
		}
		paths = append(paths, p)
	}
	return paths
}

func TestEnsureRemoteDirectories(t *testing.T) {
	t.Run("creates one directory per camera", func(t *testing.T) {
		o := newOffloader("/srv/experiments", logging.NewTestLogger(t))
		remote := newFakeRemote()

		if err := o.ensureRemoteDirectories(remote, "trial-1"); err != nil {
			t.Fatalf("ensureRemoteDirectories failed: %v", err)
		}
		want := []string{
			"/srv/experiments/trial-1/cameraA",
			"/srv/experiments/trial-1/cameraB",
			"/srv/experiments/trial-1/cameraC",
			"/srv/experiments/trial-1/cameraD",
		}
		if len(remote.dirs) != len(want) {
			t.Fatalf("expected %d dirs, got %v", len(want), remote.dirs)
		}
		for i, dir := range want {
			if remote.dirs[i] != dir {
				t.Errorf("dir %d: expected %s, got %s", i, dir, remote.dirs[i])
			}
		}
	})

	t.Run("propagates mkdir failure", func(t *testing.T) {
		o := newOffloader("/srv/experiments", logging.NewTestLogger(t))
		remote := newFakeRemote()
		remote.mkdirErr = errors.New("permission denied")
		if err := o.ensureRemoteDirectories(remote, "trial-1"); err == nil {
			t.Error("expected error")
		}
	})
}

func TestPushFiles(t *testing.T) {
	t.Run("copies by last two path segments and removes local files", func(t *testing.T) {
		o := newOffloader("/srv/experiments", logging.NewTestLogger(t))
		remote := newFakeRemote()
		paths := writeLocalImages(t, filepath.Join(t.TempDir(), "cameraA"), "1.jpg", "2.jpg")

		failed := o.pushFiles(remote, paths, "trial-1")
		if len(failed) != 0 {
			t.Fatalf("expected no failures, got %v", failed)
		}
		for _, p := range paths {
			want := filepath.Join("/srv/experiments/trial-1/cameraA", filepath.Base(p))
			if remote.puts[p] != want {
				t.Errorf("remote path for %s: expected %s, got %s", p, want, remote.puts[p])
			}
			if _, err := os.Stat(p); !os.IsNotExist(err) {
				t.Errorf("local file %s should be removed after offload", p)
			}
		}
	})

	t.Run("keeps local copies and reports paths on transfer failure", func(t *testing.T) {
		o := newOffloader("/srv/experiments", logging.NewTestLogger(t))
		remote := newFakeRemote()
		remote.putErr = errors.New("broken pipe")
		paths := writeLocalImages(t, filepath.Join(t.TempDir(), "cameraC"), "1.jpg", "2.jpg")

		failed := o.pushFiles(remote, paths, "trial-1")
		if len(failed) != len(paths) {
			t.Fatalf("expected %d failures, got %v", len(paths), failed)
		}
		for _, p := range paths {
			if _, err := os.Stat(p); err != nil {
				t.Errorf("local file %s should be retained on failure: %v", p, err)
			}
		}
	})
}
