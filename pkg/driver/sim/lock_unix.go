//go:build unix

package sim

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// rankLock is an exclusive advisory lock on the lock file of a rank. The
// lock is released when the file is closed, including when the process
// dies.
type rankLock struct {
	f *os.File
}

func lockPath(dir, profile string) string {
	name := profile
	if name == "" {
		name = "default"
	}
	name = strings.ReplaceAll(name, string(filepath.Separator), "_")
	return filepath.Join(dir, "rank-"+name+".lock")
}

func lockRank(dir, profile string) (*rankLock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := lockPath(dir, profile)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, fmt.Errorf("%w: %s is locked by another session", ErrRankBusy, path)
		}
		return nil, fmt.Errorf("could not lock %s: %v", path, err)
	}
	f.Truncate(0)
	fmt.Fprintf(f, "%d\n", os.Getpid())
	return &rankLock{f: f}, nil
}

func (l *rankLock) release() error {
	err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	return err
}
