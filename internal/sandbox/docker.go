package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	dockererrdefs "github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/rs/zerolog/log"

	"algo-trace-engine/internal/governor"
	"algo-trace-engine/pkg/seccomp"
)

// DockerBackend runs each execution in a Docker container through the Engine
// API: no network, read-only root, all capabilities dropped, the runtime's
// seccomp profile and the workspace bind-mounted read-only.
type DockerBackend struct {
	cli     *client.Client
	pulled  sync.Map
	seccomp sync.Map // runtime name -> "seccomp=<json>"
}

// NewDockerBackend connects to the daemon at host, or DOCKER_HOST when empty.
func NewDockerBackend(ctx context.Context, host string) (*DockerBackend, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(pingCtx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("docker daemon not reachable: %w", err)
	}

	b := &DockerBackend{cli: cli}

	cleaned, err := b.CleanupOrphaned(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to cleanup orphaned containers")
	}
	if cleaned > 0 {
		log.Info().Int("count", cleaned).Msg("cleaned orphaned containers on startup")
	}
	return b, nil
}

func (b *DockerBackend) Name() string { return "docker" }

func (b *DockerBackend) Healthy(ctx context.Context) bool {
	_, err := b.cli.Ping(ctx)
	return err == nil
}

func (b *DockerBackend) Close() error { return b.cli.Close() }

// Prepare pulls the runtime images ahead of the first request.
func (b *DockerBackend) Prepare(ctx context.Context, images []string) error {
	for _, ref := range images {
		if err := b.ensureImage(ctx, ref); err != nil {
			return err
		}
	}
	return nil
}

func (b *DockerBackend) ensureImage(ctx context.Context, ref string) error {
	if _, ok := b.pulled.Load(ref); ok {
		return nil
	}
	if _, _, err := b.cli.ImageInspectWithRaw(ctx, ref); err == nil {
		b.pulled.Store(ref, struct{}{})
		return nil
	}

	log.Info().Str("ref", ref).Msg("pulling runtime image")
	rc, err := b.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image %s: %w", ref, err)
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("pulling image %s: %w", ref, err)
	}
	b.pulled.Store(ref, struct{}{})
	return nil
}

func (b *DockerBackend) seccompOpt(runtime string) (string, error) {
	if opt, ok := b.seccomp.Load(runtime); ok {
		return opt.(string), nil
	}
	data, err := seccomp.ForRuntime(runtime).DockerJSON()
	if err != nil {
		return "", err
	}
	opt := "seccomp=" + string(data)
	b.seccomp.Store(runtime, opt)
	return opt, nil
}

func (b *DockerBackend) hostConfig(spec LaunchSpec, seccompOpt string) *container.HostConfig {
	limits := spec.Limits
	pids := limits.PidsLimit
	memory := limits.KernelMemoryBytes()
	period, quota := limits.KernelCPUQuota()
	tmpfs := fmt.Sprintf("rw,noexec,nosuid,nodev,size=%dm,mode=1777", limits.ScratchMB)

	return &container.HostConfig{
		NetworkMode:    "none",
		ReadonlyRootfs: true,
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges", seccompOpt},
		Binds:          []string{spec.Workspace + ":" + WorkspaceDir + ":ro"},
		Tmpfs: map[string]string{
			"/tmp":     tmpfs,
			ScratchDir: tmpfs,
		},
		Resources: container.Resources{
			Memory:     memory,
			MemorySwap: memory,
			CPUPeriod:  int64(period),
			CPUQuota:   quota,
			PidsLimit:  &pids,
		},
	}
}

func (b *DockerBackend) Launch(ctx context.Context, spec LaunchSpec) (Process, error) {
	if err := b.ensureImage(ctx, spec.Runtime.Image()); err != nil {
		return nil, err
	}
	secOpt, err := b.seccompOpt(spec.Runtime.Name())
	if err != nil {
		return nil, err
	}

	name := containerPrefix + spec.ExecID
	resp, err := b.cli.ContainerCreate(ctx, &container.Config{
		Image:           spec.Runtime.Image(),
		Cmd:             spec.Argv(WorkspaceDir),
		Env:             spec.Env(WorkspaceDir, ScratchDir),
		WorkingDir:      ScratchDir,
		User:            "65534:65534",
		NetworkDisabled: true,
		AttachStdout:    true,
		AttachStderr:    true,
		Labels:          managedLabels(spec),
	}, b.hostConfig(spec, secOpt), nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("creating container: %w", err)
	}

	p := &dockerProcess{backend: b, id: resp.ID, name: name, copied: make(chan struct{})}
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()

	fail := func(op string, err error) (Process, error) {
		_ = p.stdoutW.Close()
		_ = p.stderrW.Close()
		if cerr := b.remove(context.Background(), resp.ID); cerr != nil {
			log.Error().Err(cerr).Str("container_id", name).Msg("cleanup after failed launch")
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	attach, err := b.cli.ContainerAttach(ctx, resp.ID, container.AttachOptions{Stream: true, Stdout: true, Stderr: true})
	if err != nil {
		return fail("attaching", err)
	}
	p.attach = attach.Close

	// Subscribe to the exit before starting so a fast exit is not missed.
	p.waitCh, p.waitErr = b.cli.ContainerWait(context.Background(), resp.ID, container.WaitConditionNextExit)

	go func() {
		defer close(p.copied)
		if _, err := stdcopy.StdCopy(p.stdoutW, p.stderrW, attach.Reader); err != nil {
			log.Debug().Err(err).Str("container_id", name).Msg("attach stream ended")
		}
	}()

	if err := b.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		attach.Close()
		<-p.copied
		return fail("starting container", err)
	}
	return p, nil
}

func (b *DockerBackend) remove(ctx context.Context, id string) error {
	err := b.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !dockererrdefs.IsNotFound(err) {
		return fmt.Errorf("removing container %s: %w", id, err)
	}
	return nil
}

// CleanupOrphaned removes managed containers left by a previous process.
func (b *DockerBackend) CleanupOrphaned(ctx context.Context) (int, error) {
	list, err := b.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labelManaged+"=true")),
	})
	if err != nil {
		return 0, fmt.Errorf("listing containers: %w", err)
	}

	var cleaned int
	for _, c := range list {
		if err := b.remove(ctx, c.ID); err != nil {
			log.Error().Err(err).Str("container_id", c.ID).Msg("failed to clean orphaned container")
			continue
		}
		cleaned++
	}
	return cleaned, nil
}

type dockerProcess struct {
	backend *DockerBackend
	id      string
	name    string

	waitCh  <-chan container.WaitResponse
	waitErr <-chan error
	attach  func()
	copied  chan struct{}

	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter
}

// dockerStats is the subset of the stats document the governor needs.
type dockerStats struct {
	MemoryStats struct {
		Usage uint64            `json:"usage"`
		Stats map[string]uint64 `json:"stats"`
	} `json:"memory_stats"`
	CPUStats struct {
		CPUUsage struct {
			TotalUsage uint64 `json:"total_usage"`
		} `json:"cpu_usage"`
	} `json:"cpu_stats"`
}

// workingSet matches what `docker stats` reports: usage minus inactive page
// cache, using the cgroup v2 key and falling back to the v1 key.
func (s dockerStats) workingSet() int64 {
	usage := s.MemoryStats.Usage
	inactive, ok := s.MemoryStats.Stats["inactive_file"]
	if !ok {
		inactive = s.MemoryStats.Stats["total_inactive_file"]
	}
	if inactive < usage {
		usage -= inactive
	}
	return int64(usage) // #nosec G115 -- memory usage fits in int64
}

func (p *dockerProcess) ID() string { return p.name }

func (p *dockerProcess) Stdout() io.Reader { return p.stdoutR }

func (p *dockerProcess) Stderr() io.Reader { return p.stderrR }

func (p *dockerProcess) Sample(ctx context.Context) (governor.Usage, error) {
	resp, err := p.backend.cli.ContainerStatsOneShot(ctx, p.id)
	if err != nil {
		return governor.Usage{}, err
	}
	defer resp.Body.Close()

	var st dockerStats
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return governor.Usage{}, fmt.Errorf("decoding stats: %w", err)
	}
	return governor.Usage{
		MemoryBytes: st.workingSet(),
		CPUTime:     time.Duration(st.CPUStats.CPUUsage.TotalUsage), // #nosec G115 -- nanoseconds
	}, nil
}

func (p *dockerProcess) Wait() (int, error) {
	var (
		code int
		err  error
	)
	select {
	case st := <-p.waitCh:
		code = int(st.StatusCode)
		if st.Error != nil && st.Error.Message != "" {
			err = errors.New(st.Error.Message)
		}
	case werr := <-p.waitErr:
		code, err = -1, werr
	}

	// The attach stream ends when the container exits; bound the wait in
	// case the daemon keeps it open.
	select {
	case <-p.copied:
	case <-time.After(5 * time.Second):
		p.attach()
		<-p.copied
	}
	_ = p.stdoutW.Close()
	_ = p.stderrW.Close()
	return code, err
}

func (p *dockerProcess) Terminate(ctx context.Context) error {
	return p.signal(ctx, "SIGTERM")
}

func (p *dockerProcess) Kill(ctx context.Context) error {
	return p.signal(ctx, "SIGKILL")
}

func (p *dockerProcess) signal(ctx context.Context, sig string) error {
	err := p.backend.cli.ContainerKill(ctx, p.id, sig)
	if err != nil && !dockererrdefs.IsNotFound(err) && !dockererrdefs.IsConflict(err) {
		return fmt.Errorf("signalling container %s: %w", p.name, err)
	}
	return nil
}

func (p *dockerProcess) Cleanup(ctx context.Context) error {
	p.attach()
	return p.backend.remove(ctx, p.id)
}
