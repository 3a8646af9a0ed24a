//go:build !linux

package resource

import (
	"context"
	"errors"
	"runtime"
)

// SystemSampler is only implemented on Linux.
type SystemSampler struct{}

// NewSystemSampler reports that host sampling is unsupported on this platform.
func NewSystemSampler(diskPath string) (*SystemSampler, error) {
	return nil, errors.New("system resource sampling is not supported on " + runtime.GOOS)
}

func (s *SystemSampler) Sample(ctx context.Context) (Reading, error) {
	return Reading{}, errors.New("system resource sampling is not supported on " + runtime.GOOS)
}
