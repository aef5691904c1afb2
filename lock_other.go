//go:build !unix

package mrindex

import (
	"fmt"
	"os"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/drpcorg/mrindex/mrerrors"
)

// Without flock only this process is guarded.
var held = xsync.NewMapOf[string, struct{}]()

type fileLock struct {
	path string
	f    *os.File
}

func lockFile(path string, shared bool) (*fileLock, error) {
	if _, busy := held.LoadOrStore(path, struct{}{}); busy {
		return nil, fmt.Errorf("%w: %s", mrerrors.ErrLocked, path)
	}
	flags := os.O_RDWR | os.O_CREATE
	if shared {
		flags = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		held.Delete(path)
		return nil, err
	}
	return &fileLock{path: path, f: f}, nil
}

func (l *fileLock) release() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	held.Delete(l.path)
	return err
}
