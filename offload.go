package plateimager

import (
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/pkg/sftp"
	"go.viam.com/rdk/logging"
	"golang.org/x/crypto/ssh"
)

// remoteFS is the slice of remote-filesystem operations the offloader
// needs. Backed by SFTP in production; tests supply a fake.
type remoteFS interface {
	MkdirAll(remotePath string) error
	Put(localPath, remotePath string) error
	Close() error
}

// remoteDialer opens a connection to the archive host. Connection
// establishment failure is fatal to the offload attempt it was opened
// for; per-file transfer failures are not.
type remoteDialer func() (remoteFS, error)

// sftpRemote is the production remoteFS over an SSH session.
type sftpRemote struct {
	ssh    *ssh.Client
	client *sftp.Client
}

// dialRemote connects to the archive host with the credentials from
// settings. Key auth is preferred when both are configured.
func dialRemote(settings *Settings) (remoteFS, error) {
	var auth []ssh.AuthMethod
	if settings.RemoteKeyPath != "" {
		key, err := os.ReadFile(settings.RemoteKeyPath)
		if err != nil {
			return nil, fmt.Errorf("reading remote key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("invalid remote key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if settings.RemotePassword != "" {
		auth = append(auth, ssh.Password(settings.RemotePassword))
	}

	config := &ssh.ClientConfig{
		User:            settings.RemoteUser,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}

	addr := settings.RemoteHost
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "22")
	}
	sshClient, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	client, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return nil, fmt.Errorf("opening sftp session: %w", err)
	}
	return &sftpRemote{ssh: sshClient, client: client}, nil
}

func (r *sftpRemote) MkdirAll(remotePath string) error {
	return r.client.MkdirAll(remotePath)
}

func (r *sftpRemote) Put(localPath, remotePath string) error {
	src, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := r.client.Create(remotePath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}

func (r *sftpRemote) Close() error {
	err := r.client.Close()
	if closeErr := r.ssh.Close(); err == nil {
		err = closeErr
	}
	return err
}

// offloader copies captured files to the remote archive, mirroring the
// local camera<Letter>/file layout under remoteRoot/<experiment>/.
type offloader struct {
	remoteRoot string
	logger     logging.Logger
}

func newOffloader(remoteRoot string, logger logging.Logger) *offloader {
	return &offloader{remoteRoot: remoteRoot, logger: logger}
}

// ensureRemoteDirectories creates the experiment root and one directory
// per camera. Idempotent: pre-existing directories are not an error.
func (o *offloader) ensureRemoteDirectories(fs remoteFS, experiment string) error {
	for _, cam := range cameraOrder {
		dir := path.Join(o.remoteRoot, experiment, "camera"+cam.String())
		if err := fs.MkdirAll(dir); err != nil {
			return fmt.Errorf("creating remote directory %s: %w", dir, err)
		}
	}
	return nil
}

// pushFiles copies each local file to the archive, keyed by its last two
// path segments, and deletes the local copy on success. Failures are
// logged, the local copy retained, and the path returned; a non-empty
// return never aborts the run.
func (o *offloader) pushFiles(fs remoteFS, localPaths []string, experiment string) []string {
	var failed []string
	for _, local := range localPaths {
		camDir := filepath.Base(filepath.Dir(local))
		remote := path.Join(o.remoteRoot, experiment, camDir, filepath.Base(local))

		if err := fs.Put(local, remote); err != nil {
			o.logger.Warnf("offload of %s failed, keeping local copy: %v", local, err)
			failed = append(failed, local)
			continue
		}
		if err := os.Remove(local); err != nil {
			o.logger.Warnf("removing %s after offload: %v", local, err)
		}
	}
	return failed
}
