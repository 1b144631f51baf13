//go:build !linux

package sandbox

import (
	"errors"

	"algo-trace-engine/internal/config"
)

func newProcessBackend(config.ProcessConfig) (Backend, error) {
	return nil, errors.New("process backend requires linux")
}
