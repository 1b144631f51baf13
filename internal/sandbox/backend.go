package sandbox

import (
	"context"
	"fmt"
	"io"
	"path"
	goruntime "runtime"

	"github.com/rs/zerolog/log"

	"algo-trace-engine/internal/config"
	"algo-trace-engine/internal/governor"
	"algo-trace-engine/internal/runtime"
)

// In-sandbox mount points used by the container backends.
const (
	WorkspaceDir = "/workspace"
	ScratchDir   = "/scratch"
)

// LaunchSpec describes one sandboxed process. Workspace is the host directory
// holding the harness, the solution and the input document.
type LaunchSpec struct {
	ExecID       string
	Runtime      runtime.Runtime
	Workspace    string
	Entrypoint   string
	TraceEnabled bool
	Limits       ResourceLimits

	// ResultTag marks the harness's result line; see trace.EncodeTaggedResult.
	ResultTag string
}

// Argv returns the harness command line for a workspace mounted at root.
func (s LaunchSpec) Argv(root string) []string {
	return s.Runtime.Command(path.Join(root, runtime.HarnessFile(s.Runtime)))
}

// Env returns the harness environment for a workspace mounted at root.
func (s LaunchSpec) Env(root, scratch string) []string {
	traceFlag := "0"
	if s.TraceEnabled {
		traceFlag = "1"
	}
	return []string{
		"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
		"HOME=" + scratch,
		"TMPDIR=" + scratch,
		"LANG=C.UTF-8",
		"PYTHONHASHSEED=0",
		"PYTHONDONTWRITEBYTECODE=1",
		runtime.EnvWorkspace + "=" + root,
		runtime.EnvScratch + "=" + scratch,
		runtime.EnvTrace + "=" + traceFlag,
		runtime.EnvEntrypoint + "=" + s.Entrypoint,
		runtime.EnvResultTag + "=" + s.ResultTag,
	}
}

// Process is a launched sandbox. Stdout and Stderr must be drained
// concurrently with Wait; both reach EOF once Wait has returned.
type Process interface {
	governor.Sampler

	ID() string
	Stdout() io.Reader
	Stderr() io.Reader

	// Wait blocks until the process exits and returns its exit code.
	Wait() (int, error)

	// Terminate asks the process to stop; Kill forces it. Both act on every
	// process the submitted code created.
	Terminate(ctx context.Context) error
	Kill(ctx context.Context) error

	// Cleanup releases everything the launch allocated. Safe to call on any path.
	Cleanup(ctx context.Context) error
}

// Backend launches isolated processes.
type Backend interface {
	Name() string
	Launch(ctx context.Context, spec LaunchSpec) (Process, error)
	Healthy(ctx context.Context) bool
	Close() error
}

// NewBackend picks a backend per cfg.Sandbox.Backend. In auto mode containerd
// is preferred, then Docker, then the plain process backend.
func NewBackend(ctx context.Context, cfg *config.Config) (Backend, error) {
	preference := cfg.Sandbox.Backend
	if preference == "" {
		preference = "auto"
	}

	switch preference {
	case "process":
		return newProcessBackend(cfg.Sandbox.Process)
	case "containerd":
		return NewContainerdBackend(ctx, cfg.Sandbox.ContainerdSocket, cfg.Sandbox.Namespace)
	case "docker":
		return NewDockerBackend(ctx, cfg.Sandbox.DockerHost)
	case "auto":
		if goruntime.GOOS == "linux" {
			backend, err := NewContainerdBackend(ctx, cfg.Sandbox.ContainerdSocket, cfg.Sandbox.Namespace)
			if err == nil {
				log.Info().Msg("using containerd backend")
				return backend, nil
			}
			log.Warn().Err(err).Msg("containerd unavailable, trying Docker")
		}

		backend, err := NewDockerBackend(ctx, cfg.Sandbox.DockerHost)
		if err == nil {
			log.Info().Msg("using Docker backend")
			return backend, nil
		}
		log.Warn().Err(err).Msg("Docker unavailable, falling back to process backend")

		pb, err := newProcessBackend(cfg.Sandbox.Process)
		if err != nil {
			return nil, fmt.Errorf("no sandbox backend available: %w", err)
		}
		log.Info().Msg("using process backend")
		return pb, nil
	default:
		return nil, fmt.Errorf("unknown backend %q: must be auto, process, containerd, or docker", preference)
	}
}
