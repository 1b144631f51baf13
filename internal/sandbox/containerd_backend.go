package sandbox

import (
	"context"
	"fmt"
	"io"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/containers"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog/log"

	"algo-trace-engine/internal/governor"
)

// ContainerdBackend runs each execution as a containerd task under the
// runtime's seccomp profile, isolated namespaces and cgroup limits.
type ContainerdBackend struct {
	conn *containerdConn
}

// NewContainerdBackend connects to containerd and removes orphans left by a
// previous process.
func NewContainerdBackend(ctx context.Context, socket, namespace string) (*ContainerdBackend, error) {
	conn, err := dialContainerd(ctx, socket, namespace)
	if err != nil {
		return nil, err
	}

	b := &ContainerdBackend{conn: conn}

	cleaned, err := b.CleanupOrphaned(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to cleanup orphaned containers")
	}
	if cleaned > 0 {
		log.Info().Int("count", cleaned).Msg("cleaned orphaned containers on startup")
	}
	return b, nil
}

func (b *ContainerdBackend) Name() string { return "containerd" }

func (b *ContainerdBackend) Healthy(ctx context.Context) bool { return b.conn.ping(ctx) }

func (b *ContainerdBackend) Close() error { return b.conn.close() }

// Prepare pulls the runtime images ahead of the first request.
func (b *ContainerdBackend) Prepare(ctx context.Context, images []string) error {
	for _, ref := range images {
		if _, err := b.conn.image(ctx, ref); err != nil {
			return err
		}
	}
	return nil
}

func (b *ContainerdBackend) Launch(ctx context.Context, spec LaunchSpec) (Process, error) {
	image, err := b.conn.image(ctx, spec.Runtime.Image())
	if err != nil {
		return nil, err
	}

	id := containerPrefix + spec.ExecID
	nsCtx := b.conn.scoped(ctx)
	security := securityFor(spec.Runtime.Name())

	container, err := b.conn.client.NewContainer(nsCtx, id,
		containerd.WithImage(image),
		containerd.WithContainerLabels(managedLabels(spec)),
		containerd.WithNewSnapshot(id+"-snapshot", image),
		containerd.WithNewSpec(
			oci.WithImageConfig(image),
			oci.WithProcessArgs(spec.Argv(WorkspaceDir)...),
			func(_ context.Context, _ oci.Client, _ *containers.Container, s *specs.Spec) error {
				security.apply(s)
				ApplyResourceLimits(s, spec.Limits)
				s.Mounts = append(s.Mounts, specs.Mount{
					Destination: WorkspaceDir,
					Type:        "bind",
					Source:      spec.Workspace,
					Options:     []string{"rbind", "ro", "nosuid", "nodev"},
				})
				s.Process.Env = spec.Env(WorkspaceDir, ScratchDir)
				return nil
			},
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating container: %w", err)
	}

	p := &containerdProcess{backend: b, container: container}
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()

	fail := func(op string, err error) (Process, error) {
		p.closeStreams()
		if cerr := b.removeContainer(context.Background(), container); cerr != nil {
			log.Error().Err(cerr).Str("container_id", id).Msg("cleanup after failed launch")
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	task, err := container.NewTask(nsCtx, cio.NewCreator(cio.WithStreams(nil, p.stdoutW, p.stderrW)))
	if err != nil {
		return fail("creating task", err)
	}
	p.task = task

	// Subscribe to the exit before starting so a fast exit is not missed. The
	// wait outlives the request context.
	exitCh, err := task.Wait(b.conn.scoped(context.Background()))
	if err != nil {
		return fail("waiting on task", err)
	}
	p.exitCh = exitCh

	sampler, err := governor.NewPIDSampler(p.pids)
	if err != nil {
		return fail("opening procfs", err)
	}
	p.sampler = sampler

	if err := task.Start(nsCtx); err != nil {
		return fail("starting task", err)
	}
	return p, nil
}

type containerdProcess struct {
	backend   *ContainerdBackend
	container containerd.Container
	task      containerd.Task
	exitCh    <-chan containerd.ExitStatus
	sampler   *governor.ProcSampler

	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter
}

func (p *containerdProcess) ID() string { return p.container.ID() }

func (p *containerdProcess) Stdout() io.Reader { return p.stdoutR }

func (p *containerdProcess) Stderr() io.Reader { return p.stderrR }

func (p *containerdProcess) Sample(ctx context.Context) (governor.Usage, error) {
	return p.sampler.Sample(ctx)
}

// pids lists the host PIDs of every process in the task.
func (p *containerdProcess) pids(ctx context.Context) ([]int, error) {
	procs, err := p.task.Pids(p.backend.conn.scoped(ctx))
	if err != nil {
		return nil, err
	}
	out := make([]int, 0, len(procs))
	for _, proc := range procs {
		out = append(out, int(proc.Pid))
	}
	return out, nil
}

func (p *containerdProcess) Wait() (int, error) {
	status := <-p.exitCh

	// Delete waits for the IO copiers to flush before returning.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := p.task.Delete(p.backend.conn.scoped(ctx)); err != nil && !errdefs.IsNotFound(err) {
		log.Warn().Err(err).Str("container_id", p.ID()).Msg("task delete failed")
	}
	p.closeStreams()

	code, _, err := status.Result()
	return int(code), err
}

func (p *containerdProcess) Terminate(ctx context.Context) error {
	return p.signal(ctx, syscall.SIGTERM)
}

func (p *containerdProcess) Kill(ctx context.Context) error {
	return p.signal(ctx, syscall.SIGKILL)
}

func (p *containerdProcess) signal(ctx context.Context, sig syscall.Signal) error {
	err := p.task.Kill(p.backend.conn.scoped(ctx), sig, containerd.WithKillAll)
	if err != nil && !errdefs.IsNotFound(err) && !errdefs.IsFailedPrecondition(err) {
		return fmt.Errorf("signalling task %s: %w", p.ID(), err)
	}
	return nil
}

func (p *containerdProcess) Cleanup(ctx context.Context) error {
	return p.backend.removeContainer(ctx, p.container)
}

func (p *containerdProcess) closeStreams() {
	_ = p.stdoutW.Close()
	_ = p.stderrW.Close()
}
