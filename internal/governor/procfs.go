package governor

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/procfs"
)

// ProcSampler sums resident memory and CPU time over a set of host PIDs read
// from /proc. Processes that disappear between listing and reading are skipped.
type ProcSampler struct {
	fs   procfs.FS
	pids func(ctx context.Context) ([]int, error)
}

// NewPIDSampler samples the PIDs returned by list on every poll.
func NewPIDSampler(list func(ctx context.Context) ([]int, error)) (*ProcSampler, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("opening procfs: %w", err)
	}
	return &ProcSampler{fs: fs, pids: list}, nil
}

// NewProcessTreeSampler samples root and everything descended from it through
// parent links, so children that moved to another process group or session
// are still counted.
func NewProcessTreeSampler(root int) (*ProcSampler, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("opening procfs: %w", err)
	}
	return &ProcSampler{
		fs: fs,
		pids: func(context.Context) ([]int, error) {
			return Descendants(fs, root)
		},
	}, nil
}

// PIDs lists the processes the next sample would cover.
func (s *ProcSampler) PIDs(ctx context.Context) ([]int, error) {
	return s.pids(ctx)
}

func (s *ProcSampler) Sample(ctx context.Context) (Usage, error) {
	pids, err := s.pids(ctx)
	if err != nil {
		return Usage{}, err
	}
	if len(pids) == 0 {
		return Usage{}, fmt.Errorf("no live processes")
	}

	var u Usage
	var seen int
	for _, pid := range pids {
		p, err := s.fs.Proc(pid)
		if err != nil {
			continue
		}
		st, err := p.Stat()
		if err != nil {
			continue
		}
		seen++
		u.MemoryBytes += int64(st.ResidentMemory())
		u.CPUTime += time.Duration(st.CPUTime() * float64(time.Second))
	}
	if seen == 0 {
		return Usage{}, fmt.Errorf("no readable processes among %d pids", len(pids))
	}
	return u, nil
}

// Descendants returns root followed by its live descendants in breadth-first
// order, or nothing once root has exited. Zombies are left out.
func Descendants(fs procfs.FS, root int) ([]int, error) {
	procs, err := fs.AllProcs()
	if err != nil {
		return nil, fmt.Errorf("listing processes: %w", err)
	}
	children := make(map[int][]int)
	alive := false
	for _, p := range procs {
		st, err := p.Stat()
		if err != nil || st.State == "Z" {
			continue
		}
		if p.PID == root {
			alive = true
			continue
		}
		children[st.PPID] = append(children[st.PPID], p.PID)
	}
	if !alive {
		return nil, nil
	}
	pids := []int{root}
	for i := 0; i < len(pids); i++ {
		pids = append(pids, children[pids[i]]...)
	}
	return pids, nil
}
