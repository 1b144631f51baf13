package sandbox

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"algo-trace-engine/pkg/seccomp"
)

const nobodyUID = 65534

var (
	isolatedNamespaces = []specs.LinuxNamespace{
		{Type: specs.PIDNamespace},
		{Type: specs.NetworkNamespace},
		{Type: specs.MountNamespace},
		{Type: specs.UTSNamespace},
		{Type: specs.IPCNamespace},
		{Type: specs.CgroupNamespace},
	}

	maskedPaths = []string{
		"/proc/acpi", "/proc/kcore", "/proc/keys", "/proc/latency_stats",
		"/proc/timer_list", "/proc/timer_stats", "/proc/sched_debug", "/proc/scsi",
		"/sys/firmware", "/sys/devices/virtual/powercap",
	}

	readonlyPaths = []string{
		"/proc/asound", "/proc/bus", "/proc/fs", "/proc/irq", "/proc/sys", "/proc/sysrq-trigger",
	}
)

// containerSecurity is the lockdown for one language runtime inside an OCI
// container.
type containerSecurity struct {
	seccomp *specs.LinuxSeccomp
}

func securityFor(runtime string) containerSecurity {
	return containerSecurity{seccomp: seccomp.ForRuntime(runtime).OCI()}
}

// apply runs the process as nobody with no capabilities, no new privileges
// and a read-only root, in scratch, first in line for the OOM killer.
func (cs containerSecurity) apply(spec *specs.Spec) {
	if spec.Linux == nil {
		spec.Linux = &specs.Linux{}
	}
	if spec.Process == nil {
		spec.Process = &specs.Process{}
	}

	spec.Linux.Seccomp = cs.seccomp
	spec.Linux.Namespaces = append([]specs.LinuxNamespace(nil), isolatedNamespaces...)
	spec.Linux.MaskedPaths = append([]string(nil), maskedPaths...)
	spec.Linux.ReadonlyPaths = append([]string(nil), readonlyPaths...)

	none := []string{}
	spec.Process.Capabilities = &specs.LinuxCapabilities{
		Bounding: none, Effective: none, Inheritable: none, Permitted: none, Ambient: none,
	}
	spec.Process.NoNewPrivileges = true
	spec.Process.User = specs.User{UID: nobodyUID, GID: nobodyUID}
	spec.Process.Cwd = ScratchDir
	oom := 1000
	spec.Process.OOMScoreAdj = &oom

	spec.Hostname = "sandbox"
	if spec.Root != nil {
		spec.Root.Readonly = true
	}
}
