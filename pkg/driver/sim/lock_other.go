//go:build !unix

package sim

import "errors"

type rankLock struct{}

func lockRank(dir, profile string) (*rankLock, error) {
	return nil, errors.New("rank lock files are not supported on this platform")
}

func (l *rankLock) release() error { return nil }
