//go:build linux

package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"algo-trace-engine/internal/config"
	"algo-trace-engine/internal/governor"
)

// ProcessBackend runs the harness as a host process in its own process group
// and, when the host allows it, its own PID namespace. Isolation is weaker than
// the container backends: the filesystem is only protected by permissions,
// while the network is cut by a fresh network namespace when IsolateNetwork is
// set.
type ProcessBackend struct {
	cfg      config.ProcessConfig
	binaries map[string]string
	root     bool
	pidns    bool
	stop     context.CancelFunc
}

func newProcessBackend(cfg config.ProcessConfig) (Backend, error) {
	return NewProcessBackend(cfg)
}

// NewProcessBackend checks that at least one interpreter is available and
// that the host lets it start one in a PID namespace.
func NewProcessBackend(cfg config.ProcessConfig) (*ProcessBackend, error) {
	b := &ProcessBackend{
		cfg:      cfg,
		binaries: make(map[string]string),
		root:     os.Geteuid() == 0,
	}

	candidates := map[string]string{"python": cfg.PythonBinary, "node": cfg.NodeBinary}
	defaults := map[string]string{"python": "python3", "node": "node"}
	for name, bin := range candidates {
		if bin == "" {
			bin = defaults[name]
		}
		resolved, err := exec.LookPath(bin)
		if err != nil {
			log.Warn().Str("runtime", name).Str("binary", bin).Msg("interpreter not found, runtime unavailable")
			continue
		}
		b.binaries[name] = resolved
	}
	if len(b.binaries) == 0 {
		return nil, errors.New("process backend: no interpreter found in PATH")
	}
	if err := strays.init(); err != nil {
		return nil, fmt.Errorf("process backend: %w", err)
	}

	b.pidns = cfg.IsolatePIDs
	if b.pidns {
		if err := b.checkNamespaces(); err != nil {
			log.Warn().Err(err).Msg("pid namespace unavailable, escaped processes are tracked by parentage only")
			b.pidns = false
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	b.stop = cancel
	go strays.run(ctx)
	return b, nil
}

// checkNamespaces starts an interpreter with the configured namespaces, since
// unprivileged user namespaces are often disabled.
func (b *ProcessBackend) checkNamespaces() error {
	var bin string
	for _, path := range b.binaries {
		bin = path
		break
	}
	cmd := exec.Command(bin, "--version") // #nosec G204 -- interpreter path resolved at startup
	cmd.SysProcAttr = b.sysProcAttr()
	if err := strays.start(cmd); err != nil {
		return err
	}
	defer strays.release(cmd)
	return cmd.Wait()
}

func (b *ProcessBackend) Name() string { return "process" }

func (b *ProcessBackend) Healthy(context.Context) bool { return len(b.binaries) > 0 }

func (b *ProcessBackend) Close() error {
	b.stop()
	return nil
}

func (b *ProcessBackend) Launch(ctx context.Context, spec LaunchSpec) (Process, error) {
	bin, ok := b.binaries[spec.Runtime.Name()]
	if !ok {
		return nil, fmt.Errorf("%w: %s interpreter not installed", ErrUnsupportedLang, spec.Runtime.Name())
	}

	argv := spec.Argv(spec.Workspace)
	scratch := filepath.Join(spec.Workspace, "scratch")

	// Not CommandContext: termination is owned by the runner and the governor.
	cmd := exec.Command(bin, argv[1:]...) // #nosec G204 -- interpreter path resolved at startup
	cmd.Dir = scratch
	cmd.Env = spec.Env(spec.Workspace, scratch)
	cmd.SysProcAttr = b.sysProcAttr()
	cmd.WaitDelay = 2 * time.Second

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := strays.start(cmd); err != nil {
		_ = stdoutW.Close()
		_ = stderrW.Close()
		return nil, fmt.Errorf("starting %s: %w", bin, err)
	}
	pid := cmd.Process.Pid

	p := &osProcess{
		cmd:     cmd,
		pgid:    pid,
		stdoutR: stdoutR,
		stdoutW: stdoutW,
		stderrR: stderrR,
		stderrW: stderrW,
		done:    make(chan struct{}),
	}

	nproc := b.cfg.RunAsNobody && b.root
	if err := applyRlimits(pid, spec.Runtime.Name(), spec.Limits, nproc); err != nil {
		log.Warn().Err(err).Int("pid", pid).Msg("setting rlimits failed")
	}

	sampler, err := governor.NewProcessTreeSampler(pid)
	if err != nil {
		_ = p.Kill(context.Background())
		_, _ = p.Wait()
		return nil, err
	}
	p.sampler = sampler
	return p, nil
}

func (b *ProcessBackend) sysProcAttr() *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
	if b.cfg.RunAsNobody && b.root {
		attr.Credential = &syscall.Credential{Uid: nobodyUID, Gid: nobodyUID, Groups: []uint32{}}
	}
	if b.cfg.IsolateNetwork {
		attr.Cloneflags |= syscall.CLONE_NEWNET
	}
	if b.pidns {
		// The harness becomes the namespace init: when it dies the kernel
		// kills everything else in the namespace.
		attr.Cloneflags |= syscall.CLONE_NEWPID
	}
	if attr.Cloneflags != 0 && !b.root {
		// An unprivileged caller needs a user namespace to own the others.
		attr.Cloneflags |= syscall.CLONE_NEWUSER
		attr.UidMappings = []syscall.SysProcIDMap{{ContainerID: nobodyUID, HostID: os.Getuid(), Size: 1}}
		attr.GidMappings = []syscall.SysProcIDMap{{ContainerID: nobodyUID, HostID: os.Getgid(), Size: 1}}
		attr.GidMappingsEnableSetgroups = false
	}
	return attr
}

// addressSpaceHeadroom is the virtual memory a runtime needs beyond the heap
// ceiling. Node is absent: V8 reserves far more address space than it uses.
var addressSpaceHeadroom = map[string]int64{"python": 256 << 20}

// applyRlimits sets kernel ceilings behind the governor. They are applied
// right after exec, before the harness has loaded the submitted code.
// RLIMIT_NPROC counts every process of the UID, so it is only set when the
// sandbox runs under its own identity.
func applyRlimits(pid int, runtimeName string, limits ResourceLimits, nproc bool) error {
	type rlimit struct {
		resource int
		value    uint64
	}
	set := []rlimit{
		{unix.RLIMIT_NOFILE, 256},
		{unix.RLIMIT_CORE, 0},
		{unix.RLIMIT_FSIZE, safeUint64(limits.ScratchMB << 20)},
	}
	if nproc && limits.PidsLimit > 0 {
		set = append(set, rlimit{unix.RLIMIT_NPROC, safeUint64(limits.PidsLimit)})
	}
	if headroom, ok := addressSpaceHeadroom[runtimeName]; ok && limits.MaxMemoryBytes > 0 {
		set = append(set, rlimit{unix.RLIMIT_AS, safeUint64(limits.KernelMemoryBytes() + headroom)})
	}
	var errs []error
	for _, s := range set {
		lim := &unix.Rlimit{Cur: s.value, Max: s.value}
		if err := unix.Prlimit(pid, s.resource, lim, nil); err != nil {
			errs = append(errs, fmt.Errorf("prlimit %d: %w", s.resource, err))
		}
	}
	return errors.Join(errs...)
}

type osProcess struct {
	cmd     *exec.Cmd
	pgid    int
	sampler *governor.ProcSampler

	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	done chan struct{}
}

func (p *osProcess) ID() string { return fmt.Sprintf("pgid-%d", p.pgid) }

func (p *osProcess) Stdout() io.Reader { return p.stdoutR }

func (p *osProcess) Stderr() io.Reader { return p.stderrR }

func (p *osProcess) Sample(ctx context.Context) (governor.Usage, error) {
	return p.sampler.Sample(ctx)
}

func (p *osProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	close(p.done)
	strays.release(p.cmd)

	// Anything still in the group outlived the leader. Descendants that left
	// the group have been reparented to the server and are swept as strays.
	_ = p.signalGroup(unix.SIGKILL)

	_ = p.stdoutW.Close()
	_ = p.stderrW.Close()

	code := -1
	if st := p.cmd.ProcessState; st != nil {
		code = st.ExitCode()
		if status, ok := st.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			code = 128 + int(status.Signal())
		}
	}

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) && !errors.Is(err, exec.ErrWaitDelay) {
		return code, err
	}
	return code, nil
}

func (p *osProcess) Terminate(ctx context.Context) error {
	return p.signalTree(ctx, unix.SIGTERM)
}

func (p *osProcess) Kill(ctx context.Context) error {
	return p.signalTree(ctx, unix.SIGKILL)
}

// Cleanup kills whatever is left and waits until no process of the group and
// no escaped process remains. Killed members that were reparented to the
// server stay in the group as zombies until the sweep reaps them.
func (p *osProcess) Cleanup(ctx context.Context) error {
	select {
	case <-p.done:
	default:
		if err := p.signalTree(ctx, unix.SIGKILL); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, survivorDeadline)
	defer cancel()
	for {
		remaining, err := strays.sweep()
		if err != nil {
			return err
		}
		groupErr := unix.Kill(-p.pgid, 0)
		if remaining == 0 && errors.Is(groupErr, unix.ESRCH) {
			return nil
		}
		if groupErr == nil {
			_ = p.signalGroup(unix.SIGKILL)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("processes survived cleanup: group %d, %d strays", p.pgid, remaining)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// signalTree signals the leader, its process group and every live descendant.
// Once the leader has been reaped its pid may be reused, so only the group is
// signalled.
func (p *osProcess) signalTree(ctx context.Context, sig unix.Signal) error {
	select {
	case <-p.done:
		return p.signalGroup(sig)
	default:
	}

	var errs []error
	var pids []int
	if p.sampler != nil {
		var err error
		if pids, err = p.sampler.PIDs(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(pids) == 0 {
		pids = []int{p.cmd.Process.Pid}
	}
	for _, pid := range pids {
		if err := unix.Kill(pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
			errs = append(errs, fmt.Errorf("signal %d: %w", pid, err))
		}
	}
	if err := p.signalGroup(sig); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (p *osProcess) signalGroup(sig unix.Signal) error {
	err := unix.Kill(-p.pgid, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}
