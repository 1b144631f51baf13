package sandbox

import (
	"fmt"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"algo-trace-engine/internal/config"
	"algo-trace-engine/internal/governor"
)

// ResourceLimits are the per-request ceilings. Zero fields fall back to the
// server defaults.
type ResourceLimits struct {
	MaxMemoryBytes int64   `json:"max_memory_bytes,omitempty"`
	MaxDurationMS  int64   `json:"max_duration_ms,omitempty"`
	MaxCPUPercent  float64 `json:"max_cpu_percent,omitempty"`
	PidsLimit      int64   `json:"pids_limit,omitempty"`
	ScratchMB      int64   `json:"scratch_mb,omitempty"`
}

// kernelHeadroom lets the governor observe a memory breach before the kernel
// OOM killer does, so the breach is reported with the limit that caused it.
const kernelHeadroom = 1.25

func DefaultLimits(d config.DefaultLimits) ResourceLimits {
	return ResourceLimits{
		MaxMemoryBytes: d.MemoryMB << 20,
		MaxDurationMS:  d.MaxDuration.Milliseconds(),
		MaxCPUPercent:  d.MaxCPUPercent,
		PidsLimit:      d.PidsLimit,
		ScratchMB:      d.ScratchMB,
	}
}

// WithDefaults fills zero fields from def.
func (rl ResourceLimits) WithDefaults(def ResourceLimits) ResourceLimits {
	if rl.MaxMemoryBytes == 0 {
		rl.MaxMemoryBytes = def.MaxMemoryBytes
	}
	if rl.MaxDurationMS == 0 {
		rl.MaxDurationMS = def.MaxDurationMS
	}
	if rl.MaxCPUPercent == 0 {
		rl.MaxCPUPercent = def.MaxCPUPercent
	}
	if rl.PidsLimit == 0 {
		rl.PidsLimit = def.PidsLimit
	}
	if rl.ScratchMB == 0 {
		rl.ScratchMB = def.ScratchMB
	}
	return rl
}

func (rl ResourceLimits) MaxDuration() time.Duration {
	return time.Duration(rl.MaxDurationMS) * time.Millisecond
}

// Validate checks fully defaulted limits against absolute bounds and the
// server's maximum wall-clock duration.
func (rl ResourceLimits) Validate(maxDuration time.Duration) error {
	if rl.MaxMemoryBytes < 16<<20 || rl.MaxMemoryBytes > 4<<30 {
		return fmt.Errorf("%w: max_memory_bytes must be 16MiB-4GiB, got %d", ErrInvalidRequest, rl.MaxMemoryBytes)
	}
	if rl.MaxDurationMS < 50 || rl.MaxDuration() > maxDuration {
		return fmt.Errorf("%w: max_duration_ms must be 50-%d, got %d", ErrInvalidRequest, maxDuration.Milliseconds(), rl.MaxDurationMS)
	}
	if rl.MaxCPUPercent < 1 || rl.MaxCPUPercent > 800 {
		return fmt.Errorf("%w: max_cpu_percent must be 1-800, got %g", ErrInvalidRequest, rl.MaxCPUPercent)
	}
	if rl.PidsLimit < 8 || rl.PidsLimit > 1024 {
		return fmt.Errorf("%w: pids_limit must be 8-1024, got %d", ErrInvalidRequest, rl.PidsLimit)
	}
	if rl.ScratchMB < 1 || rl.ScratchMB > 1024 {
		return fmt.Errorf("%w: scratch_mb must be 1-1024, got %d", ErrInvalidRequest, rl.ScratchMB)
	}
	return nil
}

// Governor converts the limits into governor ceilings.
func (rl ResourceLimits) Governor() governor.Limits {
	return governor.Limits{
		MaxMemoryBytes: rl.MaxMemoryBytes,
		MaxDuration:    rl.MaxDuration(),
		MaxCPUPercent:  rl.MaxCPUPercent,
	}
}

// KernelMemoryBytes is the hard cgroup ceiling applied behind the governor.
func (rl ResourceLimits) KernelMemoryBytes() int64 {
	return int64(float64(rl.MaxMemoryBytes) * kernelHeadroom)
}

// KernelCPUQuota returns a CFS quota for a 100ms period. The cgroup allows
// twice the governed percentage so that sustained overuse is still observable
// and reported as a CPU breach rather than silently throttled.
func (rl ResourceLimits) KernelCPUQuota() (period uint64, quota int64) {
	period = 100000
	quota = int64(rl.MaxCPUPercent * 2 / 100 * float64(period))
	if quota < 1000 {
		quota = 1000
	}
	return period, quota
}

func ApplyResourceLimits(spec *specs.Spec, limits ResourceLimits) {
	if spec.Linux == nil {
		spec.Linux = &specs.Linux{}
	}
	if spec.Linux.Resources == nil {
		spec.Linux.Resources = &specs.LinuxResources{}
	}
	if spec.Process == nil {
		spec.Process = &specs.Process{}
	}

	period, quota := limits.KernelCPUQuota()
	spec.Linux.Resources.CPU = &specs.LinuxCPU{
		Period: &period,
		Quota:  &quota,
	}

	memoryBytes := limits.KernelMemoryBytes()
	spec.Linux.Resources.Memory = &specs.LinuxMemory{
		Limit: &memoryBytes,
		Swap:  &memoryBytes,
	}

	spec.Linux.Resources.Pids = &specs.LinuxPids{
		Limit: limits.PidsLimit,
	}

	scratchBytes := limits.ScratchMB << 20
	for _, dest := range []string{"/tmp", ScratchDir} {
		spec.Mounts = appendIfNotExists(spec.Mounts, specs.Mount{
			Destination: dest,
			Type:        "tmpfs",
			Source:      "tmpfs",
			Options: []string{
				"nosuid", "nodev", "noexec",
				fmt.Sprintf("size=%d", scratchBytes),
				"mode=1777",
			},
		})
	}

	spec.Process.Rlimits = processRlimits(limits)
}

func processRlimits(limits ResourceLimits) []specs.POSIXRlimit {
	scratchBytes := safeUint64(limits.ScratchMB << 20)
	return []specs.POSIXRlimit{
		{Type: "RLIMIT_NOFILE", Hard: 256, Soft: 256},
		{Type: "RLIMIT_NPROC", Hard: safeUint64(limits.PidsLimit), Soft: safeUint64(limits.PidsLimit)},
		{Type: "RLIMIT_FSIZE", Hard: scratchBytes, Soft: scratchBytes},
		{Type: "RLIMIT_CORE", Hard: 0, Soft: 0},
		{Type: "RLIMIT_STACK", Hard: 64 << 20, Soft: 64 << 20},
	}
}

func safeUint64(v int64) uint64 {
	if v < 0 {
		return 0
	}
	return uint64(v)
}

func appendIfNotExists(mounts []specs.Mount, m specs.Mount) []specs.Mount {
	for _, existing := range mounts {
		if existing.Destination == m.Destination {
			return mounts
		}
	}
	return append(mounts, m)
}
