package bridge

import (
	"fmt"
	"io"
	"os"

	"github.com/pkg/sftp"
)

// Upload writes data to path on the remote host. Each call opens its
// own SFTP subsystem and closes it when done, mirroring how the rest
// of the transport opens one session per operation.
func (t *sshTransport) Upload(path string, data []byte, mode os.FileMode) error {
	sc, err := sftp.NewClient(t.client)
	if err != nil {
		return fmt.Errorf("sftp subsystem: %w", err)
	}
	defer sc.Close()

	f, err := sc.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}

	if mode != 0 {
		if err := sc.Chmod(path, mode); err != nil {
			return fmt.Errorf("chmod %s: %w", path, err)
		}
	}
	return nil
}

// Download reads the full contents of path from the remote host.
func (t *sshTransport) Download(path string) ([]byte, error) {
	sc, err := sftp.NewClient(t.client)
	if err != nil {
		return nil, fmt.Errorf("sftp subsystem: %w", err)
	}
	defer sc.Close()

	f, err := sc.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}
