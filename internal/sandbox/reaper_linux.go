//go:build linux

package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/prometheus/procfs"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

const (
	straySweepInterval = 50 * time.Millisecond
	survivorDeadline   = 2 * time.Second
)

// strays is shared by every ProcessBackend in the server. The server marks
// itself a child subreaper, so a sandboxed process whose parent exits is
// reparented to the server rather than to init. Any child of the server that
// is not a registered harness leader has therefore escaped its execution: it
// is killed and reaped. Only the sweep reaps non-leaders, so a pid it has seen
// cannot be recycled under it.
var strays = &strayReaper{leaders: make(map[int]*exec.Cmd)}

type strayReaper struct {
	once    sync.Once
	initErr error
	fs      procfs.FS
	self    int

	// mu is held across fork and registration. Lock order: sweepMu, then mu.
	mu      sync.Mutex
	leaders map[int]*exec.Cmd

	sweepMu sync.Mutex
	dirty   bool
}

func (r *strayReaper) init() error {
	r.once.Do(func() {
		fs, err := procfs.NewDefaultFS()
		if err != nil {
			r.initErr = fmt.Errorf("opening procfs: %w", err)
			return
		}
		r.fs = fs
		r.self = os.Getpid()
		if err := unix.Prctl(unix.PR_SET_CHILD_SUBREAPER, 1, 0, 0, 0); err != nil {
			log.Warn().Err(err).Msg("cannot become child subreaper, escaped processes reparent to init")
		}
	})
	return r.initErr
}

// start forks cmd and registers it as a leader in one step, so a concurrent
// sweep never mistakes it for a stray.
func (r *strayReaper) start(cmd *exec.Cmd) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := cmd.Start(); err != nil {
		return err
	}
	r.leaders[cmd.Process.Pid] = cmd
	return nil
}

// release forgets a reaped leader. Its pid may already belong to a newer
// leader, which keeps its registration.
func (r *strayReaper) release(cmd *exec.Cmd) {
	r.mu.Lock()
	pid := cmd.Process.Pid
	if r.leaders[pid] == cmd {
		delete(r.leaders, pid)
	}
	r.mu.Unlock()

	r.sweepMu.Lock()
	r.dirty = true
	r.sweepMu.Unlock()
}

func (r *strayReaper) idle() bool {
	r.mu.Lock()
	live := len(r.leaders)
	r.mu.Unlock()

	r.sweepMu.Lock()
	defer r.sweepMu.Unlock()
	return live == 0 && !r.dirty
}

// sweep kills and reaps every stray child and returns how many are still
// running or unreaped.
func (r *strayReaper) sweep() (int, error) {
	r.sweepMu.Lock()
	defer r.sweepMu.Unlock()

	procs, err := r.fs.AllProcs()
	if err != nil {
		return 0, fmt.Errorf("listing processes: %w", err)
	}
	type child struct {
		pid    int
		zombie bool
	}
	var children []child
	for _, p := range procs {
		st, err := p.Stat()
		if err != nil || st.PPID != r.self {
			continue
		}
		children = append(children, child{pid: p.PID, zombie: st.State == "Z"})
	}

	r.mu.Lock()
	found := children[:0]
	for _, c := range children {
		if _, ok := r.leaders[c.pid]; !ok {
			found = append(found, c)
		}
	}
	r.mu.Unlock()

	remaining := 0
	for _, c := range found {
		if !c.zombie {
			switch err := unix.Kill(c.pid, unix.SIGKILL); {
			case err == nil:
				log.Warn().Int("pid", c.pid).Msg("killed process that escaped its sandbox")
			case !errors.Is(err, unix.ESRCH):
				log.Warn().Err(err).Int("pid", c.pid).Msg("killing escaped process failed")
			}
		}
		var ws unix.WaitStatus
		reaped, err := unix.Wait4(c.pid, &ws, unix.WNOHANG, nil)
		if err != nil && !errors.Is(err, unix.ECHILD) {
			log.Warn().Err(err).Int("pid", c.pid).Msg("reaping escaped process failed")
		}
		if reaped != c.pid && err == nil {
			remaining++
		}
	}
	r.dirty = remaining > 0
	return remaining, nil
}

// run sweeps while any execution is live or strays remain, until ctx ends.
func (r *strayReaper) run(ctx context.Context) {
	ticker := time.NewTicker(straySweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.idle() {
				continue
			}
			if _, err := r.sweep(); err != nil {
				log.Debug().Err(err).Msg("stray sweep failed")
			}
		}
	}
}
